// Package coordinator implements the Aggregate Coordinator (spec §4.1): the
// only component that appends to the event store. It validates a command
// against reconstructed state, assigns gapless sequences, appends atomically,
// publishes, and republishes anything the publish step missed.
package coordinator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/angzarr-io/kernel/bus"
	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/internal/kernel/logging"
	"github.com/angzarr-io/kernel/store"
)

// Logic is the pluggable domain handler the coordinator drives for every
// command (the spec's "ClientLogic"). kernel.AggregateBase[S] satisfies this
// directly; embed it in a domain struct and register command handlers with
// Handles/Applies.
type Logic interface {
	Handle(cmd kernel.ContextualCommand) (*kernel.BusinessResponse, error)
}

// RejectionLogic is implemented by Logic that can also compensate for a
// command it issued being rejected downstream (kernel.AggregateBase[S] again
// satisfies this via its OnRejected/DispatchRejection pair).
type RejectionLogic interface {
	Logic
	DispatchRejection(rejection kernel.RejectionNotification) (*kernel.BusinessResponse, bool)
}

// LogicFactory builds a fresh Logic instance seeded with an aggregate's
// current events, called once per command invocation (and again on
// AcceptLatest re-derivation against refreshed state).
type LogicFactory func(book kernel.EventBook) Logic

// SnapshotPolicy decides whether to persist a new snapshot after an append.
// The default policy snapshots every N pages (N=100, spec §4.1 step 6).
type SnapshotPolicy func(book kernel.EventBook) bool

// EveryNPages returns a SnapshotPolicy that snapshots once head sequence is
// a multiple of n.
func EveryNPages(n uint32) SnapshotPolicy {
	return func(book kernel.EventBook) bool {
		head := book.HeadSequence()
		return n > 0 && head > 0 && head%n == 0
	}
}

// Options configures a Coordinator.
type Options struct {
	Events         store.EventStore
	Snapshots      store.SnapshotStore // optional
	Bus            bus.Bus             // optional: nil disables publication
	Logger         *zap.Logger
	SnapshotPolicy SnapshotPolicy // defaults to EveryNPages(100)
	MaxRetries     int            // defaults to 5 (spec §4.1 step 4, Retry strategy)
}

// Coordinator is the Aggregate Coordinator for one domain.
type Coordinator struct {
	domain   string
	factory  LogicFactory
	events   store.EventStore
	snaps    store.SnapshotStore
	eventBus bus.Bus
	logger   *zap.Logger
	policy   SnapshotPolicy
	maxRetry int

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	locksM sync.Mutex
}

// New creates a Coordinator for domain, driven by factory.
func New(domain string, factory LogicFactory, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SnapshotPolicy == nil {
		opts.SnapshotPolicy = EveryNPages(100)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	return &Coordinator{
		domain:   domain,
		factory:  factory,
		events:   opts.Events,
		snaps:    opts.Snapshots,
		eventBus: opts.Bus,
		logger:   opts.Logger,
		policy:   opts.SnapshotPolicy,
		maxRetry: opts.MaxRetries,
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockFor returns (creating if absent) the per-cover mutex serializing all
// operations on (domain, root, edition) within this process (spec §5).
func (c *Coordinator) lockFor(cover kernel.Cover) *sync.Mutex {
	c.locksM.Lock()
	defer c.locksM.Unlock()
	key := cover.CacheKey()
	m, ok := c.locks[key]
	if !ok {
		m = &sync.Mutex{}
		c.locks[key] = m
	}
	return m
}

// RebuildState loads the newest snapshot with sequence <= head plus the
// events since, exposed to saga/PM runners per spec §4.1's rebuild_state.
func (c *Coordinator) RebuildState(ctx context.Context, cover kernel.Cover) (kernel.EventBook, error) {
	var fromSeq uint32 = 1
	var snap *kernel.Snapshot
	if c.snaps != nil {
		s, err := c.snaps.Latest(ctx, cover, ^uint32(0))
		if err != nil {
			return kernel.EventBook{}, kernel.UnavailableErr(err)
		}
		if s != nil {
			snap = s
			fromSeq = s.Sequence + 1
		}
	}

	head, err := c.events.HeadSequence(ctx, cover)
	if err != nil {
		return kernel.EventBook{}, kernel.UnavailableErr(err)
	}
	if head == 0 {
		return kernel.EventBook{Cover: cover, Snapshot: snap}, nil
	}
	if fromSeq > head {
		return kernel.EventBook{Cover: cover, Snapshot: snap}, nil
	}

	pages, err := c.events.Load(ctx, cover, fromSeq, head)
	if err != nil {
		return kernel.EventBook{}, kernel.UnavailableErr(err)
	}
	if err := checkGapless(pages, fromSeq); err != nil {
		return kernel.EventBook{}, err
	}
	return kernel.EventBook{Cover: cover, Pages: pages, Snapshot: snap}, nil
}

func checkGapless(pages []kernel.EventPage, fromSeq uint32) error {
	for i, p := range pages {
		if p.Sequence != fromSeq+uint32(i) {
			return kernel.InternalConsistencyErr("sequence gap or duplicate detected during replay")
		}
	}
	return nil
}

// Execute handles one CommandBook's pages in order against cover, appending
// the resulting events atomically and publishing them (spec §4.1).
func (c *Coordinator) Execute(ctx context.Context, cmdBook kernel.CommandBook) (*kernel.EventBook, error) {
	if len(cmdBook.Pages) == 0 {
		return nil, kernel.Rejected("command book has no pages")
	}

	lock := c.lockFor(cmdBook.Cover)
	lock.Lock()
	defer lock.Unlock()

	var result *kernel.EventBook
	for _, page := range cmdBook.Pages {
		book, err := c.executeOne(ctx, cmdBook.Cover, page)
		if err != nil {
			return result, err
		}
		result = mergeBooks(result, book)
	}
	return result, nil
}

func mergeBooks(acc *kernel.EventBook, next *kernel.EventBook) *kernel.EventBook {
	if next == nil {
		return acc
	}
	if acc == nil {
		merged := *next
		return &merged
	}
	acc.Pages = append(acc.Pages, next.Pages...)
	return acc
}

// executeOne runs the Start -> LoadState -> InvokeLogic -> Append -> Publish
// -> Done retry machine (spec §4.6) for a single command page.
func (c *Coordinator) executeOne(ctx context.Context, cover kernel.Cover, page kernel.CommandPage) (*kernel.EventBook, error) {
	for attempt := 0; ; attempt++ {
		state, err := c.RebuildState(ctx, cover)
		if err != nil {
			return nil, err
		}

		logic := c.factory(state)
		resp, err := logic.Handle(kernel.ContextualCommand{Cover: cover, Command: page.Command, CurrentState: state})
		if err != nil {
			return nil, err
		}
		if resp.Rejected != nil {
			return nil, kernel.Rejected(resp.Rejected.Reason)
		}
		if resp.Events == nil || len(resp.Events.Pages) == 0 {
			return nil, nil
		}

		assigned, retry, err := c.assignSequences(state.HeadSequence(), page, resp.Events.Pages)
		if err != nil {
			return nil, err
		}
		if retry {
			if attempt >= c.maxRetry {
				return nil, kernel.RetryableErr("sequence conflict retry budget exhausted", &state)
			}
			backoffSleep(attempt)
			continue
		}

		book := kernel.EventBook{Cover: cover, Pages: assigned}
		if err := c.events.Append(ctx, cover, assigned); err != nil {
			if kernel.IsKind(err, kernel.KindRetryable) {
				if attempt >= c.maxRetry {
					return nil, err
				}
				backoffSleep(attempt)
				continue
			}
			return nil, err
		}

		c.maybeSnapshot(ctx, cover, book)
		c.publish(ctx, cover, book)
		return &book, nil
	}
}

// assignSequences implements spec §4.1 step 4: ignore whatever sequence the
// logic chose internally and assign H+1.. in order, honoring an explicit
// CommandPage.Sequence assertion and merge strategy on conflict.
func (c *Coordinator) assignSequences(head uint32, page kernel.CommandPage, produced []kernel.EventPage) (assigned []kernel.EventPage, retry bool, err error) {
	if page.HasSequence && page.Sequence != head+1 {
		switch page.MergeStrategy {
		case kernel.FailOnConflict:
			return nil, false, kernel.RetryableErr("sequence conflict", nil)
		case kernel.Retry, kernel.AcceptLatest:
			return nil, true, nil
		}
	}

	out := make([]kernel.EventPage, len(produced))
	for i, p := range produced {
		out[i] = kernel.EventPage{Sequence: head + 1 + uint32(i), CreatedAt: p.CreatedAt, Event: p.Event}
		if out[i].CreatedAt.IsZero() {
			out[i].CreatedAt = kernel.Now()
		}
	}
	return out, false, nil
}

func backoffSleep(attempt int) {
	base := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	time.Sleep(base + jitter)
}

func (c *Coordinator) maybeSnapshot(ctx context.Context, cover kernel.Cover, book kernel.EventBook) {
	if c.snaps == nil || !c.policy(book) {
		return
	}
	logic := c.factory(book)
	snapper, ok := logic.(interface{ Snapshot() kernel.TypedPayload })
	if !ok {
		return
	}
	snap := kernel.Snapshot{Sequence: book.HeadSequence(), State: snapper.Snapshot()}
	if err := c.snaps.Put(ctx, cover, snap); err != nil {
		c.logger.Warn("snapshot persist failed", append(logging.Cover(cover.Domain, cover.Root.String(), cover.Edition, cover.CorrelationID), zap.Error(err))...)
	}
}

func (c *Coordinator) publish(ctx context.Context, cover kernel.Cover, book kernel.EventBook) {
	if c.eventBus == nil {
		return
	}
	if err := c.eventBus.Publish(ctx, cover.QualifiedDomain(), book); err != nil {
		// Publication failure does not unwind the append: the event is
		// already durable and will be caught by RepublishPending.
		c.logger.Warn("publish failed, will be caught by outbox scan",
			append(logging.Cover(cover.Domain, cover.Root.String(), cover.Edition, cover.CorrelationID), zap.Error(err))...)
	}
}

// Reject delivers rejection to the aggregate at cover for compensation
// (spec §4.1's rejection path / §4.4 saga compensation): it rebuilds state,
// asks the Logic's DispatchRejection whether it recognizes the rejected
// command, and if so appends and publishes whatever events the compensation
// handler produced. The bool result reports whether a handler matched; when
// false the caller (typically the saga runner) falls back to
// kernel.SagaFailuresDomain.
func (c *Coordinator) Reject(ctx context.Context, cover kernel.Cover, rejection kernel.RejectionNotification) (*kernel.EventBook, bool, error) {
	lock := c.lockFor(cover)
	lock.Lock()
	defer lock.Unlock()

	state, err := c.RebuildState(ctx, cover)
	if err != nil {
		return nil, false, err
	}

	logic := c.factory(state)
	rl, ok := logic.(RejectionLogic)
	if !ok {
		return nil, false, nil
	}
	resp, matched := rl.DispatchRejection(rejection)
	if !matched {
		return nil, false, nil
	}
	if resp == nil || resp.Events == nil || len(resp.Events.Pages) == 0 {
		return nil, true, nil
	}

	payloads := make([]kernel.TypedPayload, len(resp.Events.Pages))
	for i, p := range resp.Events.Pages {
		payloads[i] = p.Event
	}
	book, err := c.appendPages(ctx, cover, state.HeadSequence(), payloads)
	if err != nil {
		return nil, true, err
	}
	return book, true, nil
}

// AppendDirect assigns sequential numbers to payloads starting after cover's
// current head, appends, snapshots, and publishes them — the path the
// process-manager runner uses to persist its own domain's state, since a PM
// is driven by trigger events rather than commands and so bypasses
// Execute's InvokeLogic step (spec §9: "a process manager uses the same
// append/publish primitive as an aggregate"). AppendDirect does no
// deduplication of its own; the PM runner calls it with whatever PM events
// its Logic returned for the trigger.
func (c *Coordinator) AppendDirect(ctx context.Context, cover kernel.Cover, payloads []kernel.TypedPayload) (*kernel.EventBook, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	lock := c.lockFor(cover)
	lock.Lock()
	defer lock.Unlock()

	head, err := c.events.HeadSequence(ctx, cover)
	if err != nil {
		return nil, kernel.UnavailableErr(err)
	}
	return c.appendPages(ctx, cover, head, payloads)
}

// appendPages assigns sequences after head, appends, snapshots, and
// publishes. Callers must hold cover's lock.
func (c *Coordinator) appendPages(ctx context.Context, cover kernel.Cover, head uint32, payloads []kernel.TypedPayload) (*kernel.EventBook, error) {
	assigned := make([]kernel.EventPage, len(payloads))
	for i, p := range payloads {
		assigned[i] = kernel.EventPage{Sequence: head + 1 + uint32(i), CreatedAt: kernel.Now(), Event: p}
	}
	if err := c.events.Append(ctx, cover, assigned); err != nil {
		return nil, err
	}
	book := kernel.EventBook{Cover: cover, Pages: assigned}
	c.maybeSnapshot(ctx, cover, book)
	c.publish(ctx, cover, book)
	return &book, nil
}

// FindByCorrelationID delegates to the underlying event store, completing
// the saga.Router contract: a saga resolving a destination cover by
// correlation ID needs this without reaching into storage internals itself.
func (c *Coordinator) FindByCorrelationID(ctx context.Context, domain, correlationID string) (kernel.Uuid, bool, error) {
	return c.events.FindByCorrelationID(ctx, domain, correlationID)
}

// RepublishPending scans every cover the event store knows about and
// republishes its full event book, for stores implementing
// store.CoverLister (spec §4.1 step 7's catch-up scan). Safe to call
// periodically; publish is at-least-once so re-publishing an already-seen
// book is expected, not an error.
func (c *Coordinator) RepublishPending(ctx context.Context) error {
	if c.eventBus == nil {
		return nil
	}
	lister, ok := c.events.(store.CoverLister)
	if !ok {
		return nil
	}
	refs, err := lister.ListCovers(ctx)
	if err != nil {
		return kernel.UnavailableErr(err)
	}
	for _, ref := range refs {
		cover := kernel.Cover{Domain: ref.QualifiedDomain, Root: ref.Root}
		pages, err := c.events.Load(ctx, cover, 1, 0)
		if err != nil || len(pages) == 0 {
			continue
		}
		c.publish(ctx, cover, kernel.EventBook{Cover: cover, Pages: pages})
	}
	return nil
}
