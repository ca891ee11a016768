// Package saga implements the Saga Runner (spec §4.4): a stateless
// translator from source-domain events to destination-domain commands, with
// destination resolution, per-(source,destination,page) idempotency, ordered
// dispatch, and rejection-driven compensation.
package saga

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/angzarr-io/kernel/internal/kernel"
)

// Logic is the pluggable saga handler. kernel.EventRouter supplies
// InputDomain and PrepareDestinations; a saga built on one adds Name,
// OutputDomain and Execute itself.
type Logic interface {
	Name() string
	InputDomain() string
	OutputDomain() string
	PrepareDestinations(source kernel.EventBook) []kernel.Cover
	Execute(source kernel.EventBook, destinations []kernel.EventBook) ([]kernel.CommandBook, error)
}

// Router is the per-domain capability the saga runner needs from the
// Aggregate Coordinator owning a destination domain: rebuild state to feed
// the Prepare/Execute phases, issue commands, resolve a correlation ID to an
// existing root, and deliver rejections back for compensation.
type Router interface {
	RebuildState(ctx context.Context, cover kernel.Cover) (kernel.EventBook, error)
	Execute(ctx context.Context, cmd kernel.CommandBook) (*kernel.EventBook, error)
	Reject(ctx context.Context, cover kernel.Cover, rejection kernel.RejectionNotification) (*kernel.EventBook, bool, error)
	FindByCorrelationID(ctx context.Context, domain, correlationID string) (kernel.Uuid, bool, error)
}

// Ledger tracks which (source sequence, destination root, page index) triples
// have already been dispatched, so bus redelivery never double-issues a
// command (spec §4.4 "idempotent under at-least-once delivery").
type Ledger interface {
	Seen(ctx context.Context, saga string, sourceSeq uint32, destRoot kernel.Uuid, pageIndex int) (bool, error)
	MarkSeen(ctx context.Context, saga string, sourceSeq uint32, destRoot kernel.Uuid, pageIndex int) error
}

// Options configures a Runner.
type Options struct {
	// Routers maps a destination domain to the Router that owns it. The
	// runner's own InputDomain need not appear here unless the saga also
	// dispatches back into its source domain.
	Routers map[string]Router
	Ledger  Ledger
	Logger  *zap.Logger
}

// Runner drives one Logic's two-phase protocol for every source event book
// it is handed (spec §4.4): Prepare resolves and loads destination state,
// Execute produces commands, and each command is dispatched in source-page
// order through the owning domain's Router.
type Runner struct {
	logic   Logic
	routers map[string]Router
	ledger  Ledger
	logger  *zap.Logger
}

// New creates a Runner for logic.
func New(logic Logic, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{logic: logic, routers: opts.Routers, ledger: opts.Ledger, logger: opts.Logger}
}

// Handle processes one source event book: resolves destinations, executes
// the saga's Logic, and dispatches the resulting commands.
func (r *Runner) Handle(ctx context.Context, source kernel.EventBook) error {
	covers := r.logic.PrepareDestinations(source)
	destinations := make([]kernel.EventBook, 0, len(covers))

	for _, cover := range covers {
		router, ok := r.routers[cover.Domain]
		if !ok {
			r.logger.Warn("saga destination domain has no router", zap.String("saga", r.logic.Name()), zap.String("domain", cover.Domain))
			continue
		}
		resolvedCover, err := r.resolveCover(ctx, router, cover)
		if err != nil {
			return err
		}
		state, err := router.RebuildState(ctx, resolvedCover)
		if err != nil {
			return err
		}
		destinations = append(destinations, state)
	}

	commands, err := r.logic.Execute(source, destinations)
	if err != nil {
		return err
	}

	for pageIdx, cmd := range commands {
		if err := r.dispatch(ctx, source, pageIdx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// resolveCover fills in a zero-value Root from an existing correlation-ID
// match, falling back to a deterministic derivation when none exists yet
// (spec §4.4: "a destination root is looked up by correlation ID, or
// derived deterministically on first reference").
func (r *Runner) resolveCover(ctx context.Context, router Router, cover kernel.Cover) (kernel.Cover, error) {
	if cover.Root != (kernel.Uuid{}) {
		return cover, nil
	}
	if cover.CorrelationID == "" {
		return cover, nil
	}
	if root, found, err := router.FindByCorrelationID(ctx, cover.Domain, cover.CorrelationID); err != nil {
		return cover, err
	} else if found {
		cover.Root = root
		return cover, nil
	}
	cover.Root = kernel.DeterministicRoot(cover.CorrelationID)
	return cover, nil
}

// dispatch issues cmd's command book through its owning Router, skipping
// pages the ledger has already marked seen, and routes a rejected command
// back through Reject for compensation (spec §4.4).
func (r *Runner) dispatch(ctx context.Context, source kernel.EventBook, pageIdx int, cmd kernel.CommandBook) error {
	router, ok := r.routers[cmd.Cover.Domain]
	if !ok {
		r.logger.Error("saga produced a command for a domain with no router",
			zap.String("saga", r.logic.Name()), zap.String("domain", cmd.Cover.Domain))
		return kernel.InternalConsistencyErr("saga: no router for destination domain " + cmd.Cover.Domain)
	}

	sourceSeq := source.HeadSequence()
	if r.ledger != nil {
		seen, err := r.ledger.Seen(ctx, r.logic.Name(), sourceSeq, cmd.Cover.Root, pageIdx)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	_, err := router.Execute(ctx, cmd)
	if err != nil {
		if kernel.IsKind(err, kernel.KindRejected) {
			return r.compensate(ctx, source, cmd, err)
		}
		return err
	}

	if r.ledger != nil {
		if err := r.ledger.MarkSeen(ctx, r.logic.Name(), sourceSeq, cmd.Cover.Root, pageIdx); err != nil {
			r.logger.Warn("idempotency ledger write failed", zap.String("saga", r.logic.Name()), zap.Error(err))
		}
	}
	return nil
}

// compensate routes a rejected command back to the aggregate that issued
// the triggering source event. If no compensation handler recognizes the
// rejection, it is handed to the router registered for
// kernel.SagaFailuresDomain; with no such router it is only logged.
func (r *Runner) compensate(ctx context.Context, source kernel.EventBook, cmd kernel.CommandBook, cause error) error {
	ke, _ := kernel.AsKernelError(cause)
	reason := "command rejected"
	if ke != nil {
		reason = ke.Message
	}
	rejection := kernel.RejectionNotification{RejectedCommand: cmd, Reason: reason}

	sourceRouter, ok := r.routers[source.Cover.Domain]
	if ok {
		_, matched, err := sourceRouter.Reject(ctx, source.Cover, rejection)
		if err != nil {
			return err
		}
		if matched {
			return nil
		}
	}

	failureRouter, ok := r.routers[kernel.SagaFailuresDomain]
	if !ok {
		r.logger.Error("saga compensation unresolved and no saga-failures router configured",
			zap.String("saga", r.logic.Name()), zap.String("reason", reason))
		return nil
	}
	failureCover := kernel.Cover{Domain: kernel.SagaFailuresDomain, Root: kernel.DeterministicRoot(r.logic.Name()+"/"+source.Cover.Root.String())}
	_, _, err := failureRouter.Reject(ctx, failureCover, rejection)
	return err
}

// MemLedger is an in-memory Ledger, the reference implementation used in
// standalone mode and tests.
type MemLedger struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemLedger creates an empty MemLedger.
func NewMemLedger() *MemLedger {
	return &MemLedger{seen: make(map[string]struct{})}
}

var _ Ledger = (*MemLedger)(nil)

func (l *MemLedger) key(saga string, sourceSeq uint32, destRoot kernel.Uuid, pageIndex int) string {
	return saga + "/" + destRoot.String() + "/" + itoa(sourceSeq) + "/" + itoa(uint32(pageIndex))
}

// Seen implements Ledger.
func (l *MemLedger) Seen(ctx context.Context, saga string, sourceSeq uint32, destRoot kernel.Uuid, pageIndex int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[l.key(saga, sourceSeq, destRoot, pageIndex)]
	return ok, nil
}

// MarkSeen implements Ledger.
func (l *MemLedger) MarkSeen(ctx context.Context, saga string, sourceSeq uint32, destRoot kernel.Uuid, pageIndex int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[l.key(saga, sourceSeq, destRoot, pageIndex)] = struct{}{}
	return nil
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
