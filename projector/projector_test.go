package projector_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angzarr-io/kernel/bus"
	"github.com/angzarr-io/kernel/bus/membus"
	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/projector"
	"github.com/angzarr-io/kernel/store/memstore"
)

const testProjectorName = "order-item-counts"

type orderItemCount struct {
	Total int64 `json:"total"`
}

// countingLogic folds each delivered book's page count into a running total
// per cover, the way a read-model "how many events has this order seen so
// far" projection would. It has no example projector domain in SPEC_FULL.md's
// module map, so it is authored directly here to exercise projector.Runner.
type countingLogic struct {
	calls  int32
	totals map[string]int64
}

func newCountingLogic() *countingLogic { return &countingLogic{totals: map[string]int64{}} }

func (l *countingLogic) Name() string           { return testProjectorName }
func (l *countingLogic) InputDomains() []string { return []string{"order"} }

func (l *countingLogic) Handle(events kernel.EventBook) (*kernel.Projection, error) {
	atomic.AddInt32(&l.calls, 1)
	key := events.Cover.CacheKey()
	l.totals[key] += int64(len(events.Pages))
	body, err := json.Marshal(orderItemCount{Total: l.totals[key]})
	if err != nil {
		return nil, err
	}
	value := kernel.TypedPayload{TypeURL: kernel.TypeURL("test", "OrderItemCount"), Value: body}
	return &kernel.Projection{Cover: events.Cover, Projector: testProjectorName, Sequence: events.HeadSequence(), Value: value}, nil
}

func bookAt(cover kernel.Cover, seqs ...uint32) kernel.EventBook {
	pages := make([]kernel.EventPage, len(seqs))
	for i, seq := range seqs {
		pages[i] = kernel.EventPage{Sequence: seq, Event: kernel.TypedPayload{TypeURL: "test.Event"}}
	}
	return kernel.EventBook{Cover: cover, Pages: pages}
}

func subscribeProjection(t *testing.T, b bus.Bus, projectorName, sourceDomain string) (<-chan kernel.EventBook, func()) {
	t.Helper()
	received := make(chan kernel.EventBook, 8)
	unsubscribe, err := b.Subscribe(context.Background(), bus.SubscriberConfig{
		SubscriberID: "test-observer",
		Domains:      []string{kernel.ProjectionDomain(projectorName, sourceDomain)},
	}, func(ctx context.Context, book kernel.EventBook) error {
		received <- book
		return nil
	})
	require.NoError(t, err)
	return received, unsubscribe
}

// TestProjectorRunner_AppliesAndPublishesProjection covers spec §8 scenario
// 4's basic case: a delivered book is folded and republished under the
// synthetic projection domain, and the checkpoint advances to match.
func TestProjectorRunner_AppliesAndPublishesProjection(t *testing.T) {
	positions := memstore.New()
	b := membus.New(positions, nil, nil)
	logic := newCountingLogic()
	runner := projector.New(logic, projector.Options{Bus: b, Positions: positions})

	received, unsubscribe := subscribeProjection(t, b, testProjectorName, "order")
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	cover := kernel.Cover{Domain: "order", Root: uuid.New()}
	require.NoError(t, b.Publish(ctx, "order", bookAt(cover, 1, 2)))

	select {
	case out := <-received:
		var got orderItemCount
		require.NoError(t, json.Unmarshal(out.Pages[0].Event.Value, &got))
		assert.EqualValues(t, 2, got.Total)
		assert.Equal(t, kernel.ProjectionDomain(testProjectorName, "order"), out.Cover.Domain)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for projection")
	}

	require.Eventually(t, func() bool {
		pos, err := positions.GetPosition(ctx, testProjectorName, cover)
		return err == nil && pos == 2
	}, time.Second, 10*time.Millisecond)
}

// TestProjectorRunner_DedupesRedeliveredBook covers the exactly-once
// dedupe rule: bus delivery is at-least-once, but a book whose head sequence
// is already reflected in the checkpoint must not be re-applied.
func TestProjectorRunner_DedupesRedeliveredBook(t *testing.T) {
	positions := memstore.New()
	b := membus.New(positions, nil, nil)
	logic := newCountingLogic()
	runner := projector.New(logic, projector.Options{Bus: b, Positions: positions})

	received, unsubscribe := subscribeProjection(t, b, testProjectorName, "order")
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, runner.Start(ctx))
	defer runner.Stop()

	cover := kernel.Cover{Domain: "order", Root: uuid.New()}
	book := bookAt(cover, 1, 2)
	require.NoError(t, b.Publish(ctx, "order", book))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first projection")
	}

	// Simulate bus redelivery of the identical book (membus records a
	// checkpoint after delivery but never consults it before delivering, so
	// the projector's own checkpoint is what must skip it).
	require.NoError(t, b.Publish(ctx, "order", book))

	select {
	case out := <-received:
		t.Fatalf("unexpected second projection published: %+v", out)
	case <-time.After(300 * time.Millisecond):
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&logic.calls), "redelivered book must not be re-folded")
}

// TestProjectorRunner_SpeculateDoesNotCheckpointOrPublish covers the
// read-your-writes preview mode (spec §4.3): Speculate runs Logic directly
// without publishing to the bus or advancing the durable checkpoint.
func TestProjectorRunner_SpeculateDoesNotCheckpointOrPublish(t *testing.T) {
	positions := memstore.New()
	b := membus.New(positions, nil, nil)
	logic := newCountingLogic()
	runner := projector.New(logic, projector.Options{Bus: b, Positions: positions})

	received, unsubscribe := subscribeProjection(t, b, testProjectorName, "order")
	defer unsubscribe()

	cover := kernel.Cover{Domain: "order", Root: uuid.New()}
	projection, err := runner.Speculate(bookAt(cover, 1))
	require.NoError(t, err)
	require.NotNil(t, projection)

	var got orderItemCount
	require.NoError(t, json.Unmarshal(projection.Value.Value, &got))
	assert.EqualValues(t, 1, got.Total)

	select {
	case out := <-received:
		t.Fatalf("speculate must not publish, got %+v", out)
	case <-time.After(200 * time.Millisecond):
	}

	pos, err := positions.GetPosition(context.Background(), testProjectorName, cover)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pos, "speculate must not advance the checkpoint")
}
