package membus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angzarr-io/kernel/bus"
	"github.com/angzarr-io/kernel/bus/membus"
	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/store/memstore"
)

func bookAt(cover kernel.Cover, seqs ...uint32) kernel.EventBook {
	pages := make([]kernel.EventPage, len(seqs))
	for i, seq := range seqs {
		pages[i] = kernel.EventPage{Sequence: seq, Event: kernel.TypedPayload{TypeURL: "test.Event"}}
	}
	return kernel.EventBook{Cover: cover, Pages: pages}
}

// TestMembus_DeliversInOrder covers per-cover ordering: a single subscriber's
// delivery goroutine processes books strictly in publish order (spec §4.2).
func TestMembus_DeliversInOrder(t *testing.T) {
	positions := memstore.New()
	b := membus.New(positions, nil, nil)
	cover := kernel.Cover{Domain: "order", Root: uuid.New()}

	received := make(chan uint32, 8)
	unsubscribe, err := b.Subscribe(context.Background(), bus.SubscriberConfig{
		SubscriberID: "sub-order", Domains: []string{"order"}, Durable: true,
	}, func(ctx context.Context, book kernel.EventBook) error {
		received <- book.HeadSequence()
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "order", bookAt(cover, 1, 2)))
	require.NoError(t, b.Publish(context.Background(), "order", bookAt(cover, 3, 4)))

	var seen []uint32
	for i := 0; i < 2; i++ {
		select {
		case seq := <-received:
			seen = append(seen, seq)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	assert.Equal(t, []uint32{2, 4}, seen)
}

// TestMembus_RedeliversUntilSuccessThenCheckpoints covers at-least-once
// delivery: a handler that fails twice then succeeds is retried in place,
// and the durable position only advances once delivery finally succeeds.
func TestMembus_RedeliversUntilSuccessThenCheckpoints(t *testing.T) {
	positions := memstore.New()
	b := membus.New(positions, nil, nil)
	cover := kernel.Cover{Domain: "order", Root: uuid.New()}

	var attempts int32
	done := make(chan struct{})
	unsubscribe, err := b.Subscribe(context.Background(), bus.SubscriberConfig{
		SubscriberID: "sub-retry", Domains: []string{"order"}, Durable: true,
	}, func(ctx context.Context, book kernel.EventBook) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	book := bookAt(cover, 1)
	require.NoError(t, b.Publish(context.Background(), "order", book))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for eventual success")
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))

	// checkpoint is persisted asynchronously right after handler returns nil;
	// give the delivery loop a moment to call PutPosition before reading it.
	require.Eventually(t, func() bool {
		pos, err := positions.GetPosition(context.Background(), "sub-retry", cover)
		return err == nil && pos == 1
	}, time.Second, 10*time.Millisecond)
}

type recordingSink struct {
	calls chan string
}

func (s *recordingSink) Record(ctx context.Context, subscriberID string, book kernel.EventBook, reason string) error {
	s.calls <- reason
	return nil
}

// TestMembus_QuarantinesPoisonMessageAfterMaxRedeliveries covers the
// quarantine rule (spec §4.2): a handler that always fails is retried
// exactly MaxRedeliveries times, reported to the FailureSink, and the
// checkpoint still advances so the poison message never blocks the stream.
func TestMembus_QuarantinesPoisonMessageAfterMaxRedeliveries(t *testing.T) {
	positions := memstore.New()
	sink := &recordingSink{calls: make(chan string, 1)}
	b := membus.New(positions, sink, nil)
	cover := kernel.Cover{Domain: "order", Root: uuid.New()}

	var attempts int32
	unsubscribe, err := b.Subscribe(context.Background(), bus.SubscriberConfig{
		SubscriberID: "sub-poison", Domains: []string{"order"}, Durable: true,
	}, func(ctx context.Context, book kernel.EventBook) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("permanent failure")
	})
	require.NoError(t, err)
	defer unsubscribe()

	book := bookAt(cover, 1)
	require.NoError(t, b.Publish(context.Background(), "order", book))

	select {
	case reason := <-sink.calls:
		assert.Equal(t, "permanent failure", reason)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for quarantine")
	}
	assert.EqualValues(t, membus.MaxRedeliveries, atomic.LoadInt32(&attempts))

	require.Eventually(t, func() bool {
		pos, err := positions.GetPosition(context.Background(), "sub-poison", cover)
		return err == nil && pos == 1
	}, time.Second, 10*time.Millisecond)
}

// TestMembus_WildcardSubscriptionMatchesAnyDomain covers bus.DomainMatches's
// wildcard rule.
func TestMembus_WildcardSubscriptionMatchesAnyDomain(t *testing.T) {
	b := membus.New(nil, nil, nil)
	cover := kernel.Cover{Domain: "inventory", Root: uuid.New()}

	received := make(chan string, 1)
	unsubscribe, err := b.Subscribe(context.Background(), bus.SubscriberConfig{
		SubscriberID: "sub-all", Domains: []string{kernel.WildcardDomain},
	}, func(ctx context.Context, book kernel.EventBook) error {
		received <- book.Cover.Domain
		return nil
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "inventory", bookAt(cover, 1)))
	select {
	case domain := <-received:
		assert.Equal(t, "inventory", domain)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for wildcard delivery")
	}
}
