// Package processmanager implements the Process Manager Runner (spec §4.5):
// a stateful, multi-domain orchestrator driven off trigger events, using the
// same append/publish primitive as an aggregate for its own event-sourced
// state (spec §9).
package processmanager

import (
	"context"

	"go.uber.org/zap"

	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/saga"
)

// Logic is the pluggable process-manager handler. kernel.ProcessManagerBase[S]
// satisfies this for any S once its methods are exported at the concrete
// type (callers typically embed ProcessManagerBase[S] directly).
type Logic interface {
	Name() string
	PMDomain() string
	InputDomains() []string
	PrepareDestinations(trigger, processState kernel.EventBook) []kernel.Cover
	Handle(trigger, processState kernel.EventBook, destinations []kernel.EventBook) ([]kernel.CommandBook, *kernel.EventBook, error)
	DispatchRejection(processState kernel.EventBook, rejection kernel.RejectionNotification) (*kernel.PMRevocationResponse, bool)
}

// Store is the capability the runner needs from the PM's own domain
// coordinator: rebuild its event-sourced state and append new PM events.
type Store interface {
	RebuildState(ctx context.Context, cover kernel.Cover) (kernel.EventBook, error)
	AppendDirect(ctx context.Context, cover kernel.Cover, payloads []kernel.TypedPayload) (*kernel.EventBook, error)
}

// Options configures a Runner.
type Options struct {
	Own     Store             // the PM's own domain coordinator
	Routers map[string]saga.Router // destination domains' coordinators, keyed by domain
	Logger  *zap.Logger
}

// Runner drives one Logic's flow per trigger event book (spec §4.5) for a PM
// instance cover the caller supplies: rebuild the PM state, Prepare
// destinations, rebuild their state, Handle to produce commands plus PM state
// events, persist the PM events, then dispatch the commands.
type Runner struct {
	logic   Logic
	own     Store
	routers map[string]saga.Router
	logger  *zap.Logger
}

// New creates a Runner for logic.
func New(logic Logic, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{logic: logic, own: opts.Own, routers: opts.Routers, logger: opts.Logger}
}

// Handle processes one trigger event book, identified by the PM instance
// cover it belongs to (typically derived via kernel.DeterministicRoot from
// the trigger's correlation ID so every trigger for one business process
// converges on the same PM root).
func (r *Runner) Handle(ctx context.Context, pmCover kernel.Cover, trigger kernel.EventBook) error {
	processState, err := r.own.RebuildState(ctx, pmCover)
	if err != nil {
		return err
	}

	covers := r.logic.PrepareDestinations(trigger, processState)
	destinations := make([]kernel.EventBook, 0, len(covers))
	for _, cover := range covers {
		router, ok := r.routers[cover.Domain]
		if !ok {
			r.logger.Warn("process manager destination domain has no router",
				zap.String("pm", r.logic.Name()), zap.String("domain", cover.Domain))
			continue
		}
		state, err := router.RebuildState(ctx, cover)
		if err != nil {
			return err
		}
		destinations = append(destinations, state)
	}

	commands, pmEvents, err := r.logic.Handle(trigger, processState, destinations)
	if err != nil {
		return err
	}

	if pmEvents != nil && len(pmEvents.Pages) > 0 {
		payloads := make([]kernel.TypedPayload, len(pmEvents.Pages))
		for i, p := range pmEvents.Pages {
			payloads[i] = p.Event
		}
		if _, err := r.own.AppendDirect(ctx, pmCover, payloads); err != nil {
			return err
		}
	}

	for _, cmd := range commands {
		router, ok := r.routers[cmd.Cover.Domain]
		if !ok {
			r.logger.Error("process manager produced a command for a domain with no router",
				zap.String("pm", r.logic.Name()), zap.String("domain", cmd.Cover.Domain))
			continue
		}
		if _, err := router.Execute(ctx, cmd); err != nil {
			if kernel.IsKind(err, kernel.KindRejected) {
				r.compensate(ctx, pmCover, processState, cmd, err)
				continue
			}
			return err
		}
	}
	return nil
}

// compensate routes a rejected PM-issued command to DispatchRejection. If
// matched, the response's ProcessEvents are appended to the PM's own state;
// its Revocation flags are not acted on. If unmatched, the rejection is only
// logged and nothing is appended.
func (r *Runner) compensate(ctx context.Context, pmCover kernel.Cover, processState kernel.EventBook, cmd kernel.CommandBook, cause error) {
	ke, _ := kernel.AsKernelError(cause)
	reason := "command rejected"
	if ke != nil {
		reason = ke.Message
	}
	rejection := kernel.RejectionNotification{RejectedCommand: cmd, Reason: reason}

	resp, matched := r.logic.DispatchRejection(processState, rejection)
	if !matched || resp == nil {
		r.logger.Error("process manager compensation unresolved",
			zap.String("pm", r.logic.Name()), zap.String("reason", reason))
		return
	}
	if resp.ProcessEvents != nil && len(resp.ProcessEvents.Pages) > 0 {
		payloads := make([]kernel.TypedPayload, len(resp.ProcessEvents.Pages))
		for i, p := range resp.ProcessEvents.Pages {
			payloads[i] = p.Event
		}
		if _, err := r.own.AppendDirect(ctx, pmCover, payloads); err != nil {
			r.logger.Error("process manager compensation append failed", zap.String("pm", r.logic.Name()), zap.Error(err))
		}
	}
}
