// Package gateway implements the Command Gateway (spec §4.6): the external
// entry point that submits commands, answers point-in-time queries, and
// previews a command's effect without persisting it (Speculate), sanitizing
// internal error detail before it reaches a client.
package gateway

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/angzarr-io/kernel/coordinator"
	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/store"
)

// maxRetries bounds Submit's Retryable retry loop (spec §4.6: "on Retryable,
// retries up to N times with jittered backoff"), matching the coordinator's
// own default retry budget (coordinator.Options.MaxRetries).
const maxRetries = 5

// Dispatcher is the per-domain capability the gateway needs from an
// Aggregate Coordinator.
type Dispatcher interface {
	Execute(ctx context.Context, cmd kernel.CommandBook) (*kernel.EventBook, error)
	RebuildState(ctx context.Context, cover kernel.Cover) (kernel.EventBook, error)
}

// Domain wires one domain's command path (Dispatcher + Factory, for
// Speculate) and read path (Reader, for Query) into the gateway.
type Domain struct {
	Dispatcher Dispatcher
	Reader     store.EventStore
	Factory    coordinator.LogicFactory
}

// Gateway routes client requests to the domain that owns them.
type Gateway struct {
	domains map[string]Domain
	logger  *zap.Logger
}

// New creates a Gateway wired to domains.
func New(domains map[string]Domain, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{domains: domains, logger: logger}
}

func (g *Gateway) domain(name string) (Domain, error) {
	dom, ok := g.domains[name]
	if !ok {
		return Domain{}, kernel.NotFoundErr("domain: " + name)
	}
	return dom, nil
}

// Submit validates and dispatches cmd, sanitizing any resulting error before
// it crosses the client boundary (spec §7: "never leak an internal cause to
// a client"). A missing correlation ID is synthesized before dispatch (spec
// §4.6: "assigns a correlation ID if absent"), and a Retryable response is
// retried with jittered backoff up to maxRetries times before it is
// surfaced to the caller.
func (g *Gateway) Submit(ctx context.Context, cmd kernel.CommandBook) (*kernel.EventBook, error) {
	if err := sanitizeCommand(cmd); err != nil {
		return nil, err
	}
	if cmd.Cover.CorrelationID == "" {
		cmd.Cover.CorrelationID = uuid.New().String()
	}
	dom, err := g.domain(cmd.Cover.Domain)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		book, err := dom.Dispatcher.Execute(ctx, cmd)
		if err == nil {
			return book, nil
		}
		if !kernel.IsKind(err, kernel.KindRetryable) || attempt >= maxRetries {
			return nil, sanitizeError(err, cmd.Cover.CorrelationID)
		}
		backoffSleep(attempt)
	}
}

// backoffSleep mirrors coordinator.backoffSleep's jittered exponential
// backoff (10ms * 2^attempt, plus up to half that again in jitter).
func backoffSleep(attempt int) {
	base := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
	time.Sleep(base + jitter)
}

// Query answers a point-in-time read against cover, applying q's sequence
// range or temporal selection to the rebuilt state (spec §4.6's query
// operation).
func (g *Gateway) Query(ctx context.Context, q kernel.Query) (*kernel.EventBook, error) {
	dom, err := g.domain(q.Cover.Domain)
	if err != nil {
		return nil, err
	}
	state, err := dom.Dispatcher.RebuildState(ctx, q.Cover)
	if err != nil {
		return nil, sanitizeError(err, q.Cover.CorrelationID)
	}
	filtered := applySelection(state, q)
	return &filtered, nil
}

// Speculate runs cmd's logic against the current state and returns the
// events it would produce, without appending or publishing them (spec
// §4.6: "read-your-writes preview").
func (g *Gateway) Speculate(ctx context.Context, cmd kernel.CommandBook) (*kernel.EventBook, error) {
	if err := sanitizeCommand(cmd); err != nil {
		return nil, err
	}
	dom, err := g.domain(cmd.Cover.Domain)
	if err != nil {
		return nil, err
	}
	if dom.Factory == nil {
		return nil, kernel.Rejected("domain " + cmd.Cover.Domain + " does not support speculation")
	}

	state, err := dom.Dispatcher.RebuildState(ctx, cmd.Cover)
	if err != nil {
		return nil, sanitizeError(err, cmd.Cover.CorrelationID)
	}

	logic := dom.Factory(state)
	var result kernel.EventBook
	for _, page := range cmd.Pages {
		resp, err := logic.Handle(kernel.ContextualCommand{Cover: cmd.Cover, Command: page.Command, CurrentState: state})
		if err != nil {
			return nil, sanitizeError(err, cmd.Cover.CorrelationID)
		}
		if resp.Rejected != nil {
			return nil, kernel.Rejected(resp.Rejected.Reason).WithCorrelationID(cmd.Cover.CorrelationID)
		}
		if resp.Events == nil {
			continue
		}
		result.Cover = cmd.Cover
		result.Pages = append(result.Pages, resp.Events.Pages...)
	}
	return &result, nil
}

// sanitizeCommand rejects structurally malformed input before it reaches
// domain logic (spec §4.6: "reject malformed input at the boundary").
func sanitizeCommand(cmd kernel.CommandBook) error {
	if cmd.Cover.Domain == "" {
		return kernel.Rejected("command book: domain is required")
	}
	if len(cmd.Pages) == 0 {
		return kernel.Rejected("command book: at least one page is required")
	}
	for _, page := range cmd.Pages {
		if page.Command.TypeURL == "" {
			return kernel.Rejected("command page: type_url is required")
		}
	}
	return nil
}

// applySelection narrows state's pages to q's SequenceRange or
// TemporalSelection, if any; an unset selection returns state unchanged.
func applySelection(state kernel.EventBook, q kernel.Query) kernel.EventBook {
	pages := state.Pages
	if q.Range != nil {
		var filtered []kernel.EventPage
		for _, p := range pages {
			if p.Sequence < q.Range.Lower {
				continue
			}
			if q.Range.Upper != nil && p.Sequence > *q.Range.Upper {
				continue
			}
			filtered = append(filtered, p)
		}
		pages = filtered
	}
	if q.Temporal != nil {
		var filtered []kernel.EventPage
		for _, p := range pages {
			if q.Temporal.AsOfSequence != nil && p.Sequence > *q.Temporal.AsOfSequence {
				continue
			}
			if q.Temporal.AsOfTime != nil && p.CreatedAt.After(*q.Temporal.AsOfTime) {
				continue
			}
			filtered = append(filtered, p)
		}
		pages = filtered
	}
	return kernel.EventBook{Cover: state.Cover, Pages: pages, Snapshot: state.Snapshot}
}

// sanitizeError maps an internal error to one safe to return to a client,
// stripping a wrapped infra Cause while preserving Kind and CorrelationID
// (spec §7's error-handling table: Unavailable and InternalConsistency
// causes are never echoed to a caller).
func sanitizeError(err error, correlationID string) error {
	ke, ok := kernel.AsKernelError(err)
	if !ok {
		return kernel.UnavailableErr(nil).WithCorrelationID(correlationID)
	}
	switch ke.Kind {
	case kernel.KindUnavailable, kernel.KindInternalConsistency, kernel.KindTimeout:
		return (&kernel.KernelError{Kind: ke.Kind, Message: ke.Kind.String() + ": service temporarily unavailable"}).WithCorrelationID(correlationID)
	default:
		return ke.WithCorrelationID(correlationID)
	}
}
