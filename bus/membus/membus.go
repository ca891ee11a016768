// Package membus is the in-process reference Event Bus (spec §4.2): one
// buffered channel per subscriber, at-least-once ordered delivery, and a
// poison-message quarantine after K=5 redeliveries.
package membus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/angzarr-io/kernel/bus"
	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/store"
)

// MaxRedeliveries is K in spec §4.2's poison-message quarantine rule.
const MaxRedeliveries = 5

// FailureSink records a quarantined message, e.g. by publishing a fallback
// event to a failures domain. May be nil, in which case quarantine only logs.
type FailureSink interface {
	Record(ctx context.Context, subscriberID string, book kernel.EventBook, reason string) error
}

type subscription struct {
	cfg     bus.SubscriberConfig
	handler bus.Handler
	ch      chan kernel.EventBook
	stop    chan struct{}
	done    chan struct{}
}

// Bus is the in-process reference broker.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]*subscription
	positions store.PositionStore
	sink      FailureSink
	logger    *zap.Logger
}

var _ bus.Bus = (*Bus)(nil)

// New creates an in-process bus. positions and sink may be nil: without
// positions, durable subscriber checkpoints are not persisted; without sink,
// quarantined messages are only logged.
func New(positions store.PositionStore, sink FailureSink, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:      make(map[string]*subscription),
		positions: positions,
		sink:      sink,
		logger:    logger,
	}
}

// Publish implements bus.Bus. Each matching subscriber receives its own copy
// of book on its own channel, preserving per-cover order since a single
// channel only ever holds one producer's write order for that cover (the
// coordinator serializes writes per cover itself, per spec §5).
func (b *Bus) Publish(ctx context.Context, domain string, book kernel.EventBook) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		matched := false
		for _, pattern := range sub.cfg.Domains {
			if bus.DomainMatches(pattern, domain) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		select {
		case sub.ch <- book:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements bus.Bus, starting a dedicated delivery goroutine that
// processes exactly one book at a time (spec §5 "per-subscriber
// single-threadedness").
func (b *Bus) Subscribe(ctx context.Context, cfg bus.SubscriberConfig, handler bus.Handler) (func(), error) {
	sub := &subscription{
		cfg:     cfg,
		handler: handler,
		ch:      make(chan kernel.EventBook, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[cfg.SubscriberID] = sub
	b.mu.Unlock()

	go b.deliveryLoop(ctx, sub)

	unsubscribe := func() {
		close(sub.stop)
		<-sub.done
		b.mu.Lock()
		delete(b.subs, cfg.SubscriberID)
		b.mu.Unlock()
	}
	return unsubscribe, nil
}

func (b *Bus) deliveryLoop(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case <-sub.stop:
			return
		case book := <-sub.ch:
			b.deliverWithRetry(ctx, sub, book)
		}
	}
}

func (b *Bus) deliverWithRetry(ctx context.Context, sub *subscription, book kernel.EventBook) {
	var lastErr error
	for attempt := 1; attempt <= MaxRedeliveries; attempt++ {
		if err := sub.handler(ctx, book); err != nil {
			lastErr = err
			b.logger.Warn("bus delivery failed, will redeliver",
				zap.String("subscriber", sub.cfg.SubscriberID),
				zap.String("domain", book.Cover.Domain),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		b.checkpoint(ctx, sub, book)
		return
	}

	b.logger.Error("poison message quarantined after max redeliveries",
		zap.String("subscriber", sub.cfg.SubscriberID),
		zap.String("domain", book.Cover.Domain),
		zap.Int("redeliveries", MaxRedeliveries),
		zap.Error(lastErr))
	if b.sink != nil {
		reason := "delivery failed after max redeliveries"
		if lastErr != nil {
			reason = lastErr.Error()
		}
		if err := b.sink.Record(ctx, sub.cfg.SubscriberID, book, reason); err != nil {
			b.logger.Error("failed to record quarantined message", zap.Error(err))
		}
	}
	// The checkpoint still advances: a poison message must not block the
	// stream (spec §4.2).
	b.checkpoint(ctx, sub, book)
}

func (b *Bus) checkpoint(ctx context.Context, sub *subscription, book kernel.EventBook) {
	if !sub.cfg.Durable || b.positions == nil {
		return
	}
	if err := b.positions.PutPosition(ctx, sub.cfg.SubscriberID, book.Cover, book.HeadSequence()); err != nil {
		b.logger.Error("failed to persist position checkpoint",
			zap.String("subscriber", sub.cfg.SubscriberID), zap.Error(err))
	}
}
