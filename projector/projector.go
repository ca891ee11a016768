// Package projector implements the Projector Runner (spec §4.3): a
// subscriber that folds events into a read-model projection and republishes
// the result under a synthetic "_projection.{name}.{domain}" domain.
package projector

import (
	"context"

	"go.uber.org/zap"

	"github.com/angzarr-io/kernel/bus"
	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/internal/kernel/logging"
	"github.com/angzarr-io/kernel/store"
)

// Logic is the pluggable projection handler, implemented directly by each
// concrete projector (see projector_test.go's countingLogic).
type Logic interface {
	Name() string
	InputDomains() []string
	Handle(events kernel.EventBook) (*kernel.Projection, error)
}

// Options configures a Runner.
type Options struct {
	Bus       bus.Bus
	Positions store.PositionStore // required: dedupe across crash/resume
	Logger    *zap.Logger
}

// Runner drives one Logic against a bus subscription, applying each book
// exactly once per cover (spec §4.3: "transactional apply-then-checkpoint,
// or a dedupe table when the backing store cannot do both atomically").
type Runner struct {
	logic     Logic
	eventBus  bus.Bus
	positions store.PositionStore
	logger    *zap.Logger

	unsubscribe func()
}

// New creates a Runner for logic.
func New(logic Logic, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{logic: logic, eventBus: opts.Bus, positions: opts.Positions, logger: opts.Logger}
}

// Start subscribes to the projector's input domains as a durable subscriber
// and begins applying books as they arrive.
func (r *Runner) Start(ctx context.Context) error {
	cfg := bus.SubscriberConfig{SubscriberID: r.logic.Name(), Domains: r.logic.InputDomains(), Durable: true}
	unsub, err := r.eventBus.Subscribe(ctx, cfg, r.apply)
	if err != nil {
		return kernel.UnavailableErr(err)
	}
	r.unsubscribe = unsub
	return nil
}

// Stop unsubscribes from the bus.
func (r *Runner) Stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// apply is the bus.Handler driving exactly-once projection: it skips a book
// already reflected in the checkpoint (dedupe across redelivery) and only
// checkpoints after the projection has been durably published.
func (r *Runner) apply(ctx context.Context, book kernel.EventBook) error {
	if len(book.Pages) == 0 {
		return nil
	}

	last, err := r.positions.GetPosition(ctx, r.logic.Name(), book.Cover)
	if err != nil {
		return kernel.UnavailableErr(err)
	}
	if book.HeadSequence() <= last {
		// already applied; bus delivery is at-least-once (spec invariant 3)
		return nil
	}

	projection, err := r.logic.Handle(book)
	if err != nil {
		return err
	}

	if err := r.publish(ctx, book.Cover, projection); err != nil {
		return err
	}

	if err := r.positions.PutPosition(ctx, r.logic.Name(), book.Cover, book.HeadSequence()); err != nil {
		r.logger.Warn("checkpoint write failed, projection may redeliver",
			append(logging.Cover(book.Cover.Domain, book.Cover.Root.String(), book.Cover.Edition, book.Cover.CorrelationID), zap.Error(err))...)
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, cover kernel.Cover, projection *kernel.Projection) error {
	if projection == nil {
		return nil
	}
	domain := kernel.ProjectionDomain(r.logic.Name(), cover.Domain)
	out := kernel.EventBook{
		Cover: kernel.Cover{Domain: domain, Root: cover.Root, Edition: cover.Edition, CorrelationID: cover.CorrelationID},
		Pages: []kernel.EventPage{{Sequence: projection.Sequence, CreatedAt: kernel.Now(), Event: projection.Value}},
	}
	if err := r.eventBus.Publish(ctx, domain, out); err != nil {
		return kernel.UnavailableErr(err)
	}
	return nil
}

// Speculate runs Logic against book without persisting a checkpoint or
// publishing the result, for read-your-writes preview queries (spec §4.3
// "speculative mode" / the gateway's Speculate operation).
func (r *Runner) Speculate(book kernel.EventBook) (*kernel.Projection, error) {
	return r.logic.Handle(book)
}
