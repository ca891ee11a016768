// Package kernel provides DRY dispatch via router types.
//
// CommandRouter replaces manual switch statements in aggregate handlers.
// EventRouter replaces manual switch statements in saga/process-manager/
// projector event handlers. StateRouter replaces manual switch statements in
// state-rebuild functions. All three auto-derive their dispatch table from
// On() registrations and match by TypedPayload.TypeURL suffix.
package kernel

import (
	"fmt"
	"reflect"
)

// Error constants.
const (
	ErrMsgUnknownCommand = "unknown command type"
	ErrMsgNoCommandPages = "no command pages"
)

// CommandHandler handles a command and returns events.
//
//   - cb: the full CommandBook
//   - cmd: the matched command payload
//   - state: rebuilt state from prior events
//   - seq: next event sequence number
type CommandHandler[S any] func(cb CommandBook, cmd TypedPayload, state S, seq uint32) (*EventBook, error)

// StateRebuilder reconstructs state from prior events.
type StateRebuilder[S any] func(events EventBook) S

// RevocationHandler handles saga/PM compensation requests: called when a
// command this aggregate issued elsewhere comes back rejected.
type RevocationHandler[S any] func(rejection RejectionNotification, state S) *BusinessResponse

// RejectionNotification is delivered to the aggregate that issued a command
// which a destination then rejected, so it can compensate.
type RejectionNotification struct {
	RejectedCommand CommandBook
	Reason          string
}

// CommandRouter dispatches commands to handlers by type_url suffix.
//
//	router := NewCommandRouter("cart", rebuildState).
//	    On("CreateCart", handleCreateCart).
//	    On("AddItem", handleAddItem).
//	    OnRejected("payment", "ProcessPayment", handlePaymentRejected)
type CommandRouter[S any] struct {
	domain            string
	rebuild           StateRebuilder[S]
	handlers          []commandRegistration[S]
	rejectionHandlers map[string]RevocationHandler[S] // key: "domain/command"
}

type commandRegistration[S any] struct {
	suffix  string
	handler CommandHandler[S]
}

// NewCommandRouter creates a new router for the given domain.
func NewCommandRouter[S any](domain string, rebuild StateRebuilder[S]) *CommandRouter[S] {
	return &CommandRouter[S]{
		domain:            domain,
		rebuild:           rebuild,
		rejectionHandlers: make(map[string]RevocationHandler[S]),
	}
}

// On registers a handler for a command type_url suffix.
func (r *CommandRouter[S]) On(suffix string, handler CommandHandler[S]) *CommandRouter[S] {
	r.handlers = append(r.handlers, commandRegistration[S]{suffix: suffix, handler: handler})
	return r
}

// OnRejected registers a compensation handler for rejections of commands this
// aggregate sent to (domain, command). If none matches, the coordinator's
// default compensation (emit nothing, surface to saga-failures) applies.
func (r *CommandRouter[S]) OnRejected(domain, command string, handler RevocationHandler[S]) *CommandRouter[S] {
	r.rejectionHandlers[domain+"/"+command] = handler
	return r
}

// Dispatch routes a ContextualCommand to the matching handler.
func (r *CommandRouter[S]) Dispatch(cmd ContextualCommand) (*BusinessResponse, error) {
	state := r.rebuild(cmd.CurrentState)
	seq := cmd.CurrentState.HeadSequence() + 1

	typeURL := cmd.Command.TypeURL
	if typeURL == "" {
		return nil, fmt.Errorf("%s", ErrMsgNoCommandPages)
	}

	cb := CommandBook{Cover: cmd.Cover, Pages: []CommandPage{{Command: cmd.Command}}}

	for _, reg := range r.handlers {
		if typeURLMatches(typeURL, reg.suffix) {
			events, err := reg.handler(cb, cmd.Command, state, seq)
			if err != nil {
				return nil, err
			}
			return &BusinessResponse{Events: events}, nil
		}
	}

	return nil, fmt.Errorf("%s: %s", ErrMsgUnknownCommand, typeURL)
}

// DispatchRejection routes a rejection notification to the matching
// compensation handler, or nil if the aggregate registered none for it.
func (r *CommandRouter[S]) DispatchRejection(rejection RejectionNotification, state S) (*BusinessResponse, bool) {
	var domain, cmdSuffix string
	domain = rejection.RejectedCommand.Cover.Domain
	if len(rejection.RejectedCommand.Pages) > 0 {
		cmdSuffix = TypeNameFromURL(rejection.RejectedCommand.Pages[0].Command.TypeURL)
	}
	handler, ok := r.rejectionHandlers[domain+"/"+cmdSuffix]
	if !ok {
		return nil, false
	}
	return handler(rejection, state), true
}

// RebuildState reconstructs state from an EventBook using the registered rebuilder.
func (r *CommandRouter[S]) RebuildState(events EventBook) S {
	return r.rebuild(events)
}

// EventHandler handles an event and returns commands for other aggregates.
//
//   - source: the source EventBook the event came from
//   - event: the matched event payload
//   - destinations: EventBooks for destinations declared by PrepareHandler
type EventHandler func(source EventBook, event TypedPayload, destinations []EventBook) ([]CommandBook, error)

// PrepareHandler declares which destination covers are needed for an event.
type PrepareHandler func(source EventBook, event TypedPayload) []Cover

// EventRouter dispatches events to handlers by type_url suffix. One router
// type serves sagas, process managers, and projectors alike.
//
//	router := NewEventRouter("saga-loyalty-earn").
//	    Domain("order").
//	    On("OrderCreated", handleOrderCreated)
type EventRouter struct {
	name            string
	currentDomain   string
	domains         []string
	handlers        map[string][]eventRegistration
	prepareHandlers map[string][]prepareRegistration
}

type eventRegistration struct {
	suffix  string
	handler EventHandler
}

type prepareRegistration struct {
	suffix  string
	handler PrepareHandler
}

// NewEventRouter creates a new router for the given component name.
func NewEventRouter(name string, inputDomain ...string) *EventRouter {
	router := &EventRouter{
		name:            name,
		handlers:        make(map[string][]eventRegistration),
		prepareHandlers: make(map[string][]prepareRegistration),
	}
	if len(inputDomain) > 0 && inputDomain[0] != "" {
		router.Domain(inputDomain[0])
	}
	return router
}

// Domain sets the current domain context for subsequent On()/Prepare() calls.
func (r *EventRouter) Domain(name string) *EventRouter {
	r.currentDomain = name
	if _, ok := r.handlers[name]; !ok {
		r.handlers[name] = nil
		r.domains = append(r.domains, name)
	}
	if _, ok := r.prepareHandlers[name]; !ok {
		r.prepareHandlers[name] = nil
	}
	return r
}

// Prepare registers a prepare handler for an event type_url suffix in the
// current domain.
func (r *EventRouter) Prepare(suffix string, handler PrepareHandler) *EventRouter {
	if r.currentDomain == "" {
		panic("kernel: must call Domain() before Prepare()")
	}
	r.prepareHandlers[r.currentDomain] = append(r.prepareHandlers[r.currentDomain], prepareRegistration{suffix, handler})
	return r
}

// On registers a handler for an event type_url suffix in the current domain.
func (r *EventRouter) On(suffix string, handler EventHandler) *EventRouter {
	if r.currentDomain == "" {
		panic("kernel: must call Domain() before On()")
	}
	r.handlers[r.currentDomain] = append(r.handlers[r.currentDomain], eventRegistration{suffix, handler})
	return r
}

// Subscriptions auto-derives subscriptions (domain -> event type suffixes)
// from registered handlers, so a saga/PM/projector never hand-lists what it
// consumes in two places.
func (r *EventRouter) Subscriptions() map[string][]string {
	result := make(map[string][]string)
	for domain, handlers := range r.handlers {
		for _, reg := range handlers {
			result[domain] = append(result[domain], reg.suffix)
		}
	}
	return result
}

// PrepareDestinations returns the destination covers needed for source's
// latest page, routed by source domain and event type suffix.
func (r *EventRouter) PrepareDestinations(source EventBook) []Cover {
	if len(source.Pages) == 0 {
		return nil
	}
	domainHandlers, ok := r.prepareHandlers[source.Cover.Domain]
	if !ok {
		return nil
	}
	page := source.Pages[len(source.Pages)-1]
	for _, reg := range domainHandlers {
		if typeURLMatches(page.Event.TypeURL, reg.suffix) {
			return reg.handler(source, page.Event)
		}
	}
	return nil
}

// Dispatch routes every event in source to registered handlers, routed by
// source domain and event type suffix.
func (r *EventRouter) Dispatch(source EventBook, destinations []EventBook) ([]CommandBook, error) {
	domainHandlers, ok := r.handlers[source.Cover.Domain]
	if !ok {
		return nil, nil
	}
	var commands []CommandBook
	for _, page := range source.Pages {
		for _, reg := range domainHandlers {
			if typeURLMatches(page.Event.TypeURL, reg.suffix) {
				cmds, err := reg.handler(source, page.Event, destinations)
				if err != nil {
					return nil, err
				}
				commands = append(commands, cmds...)
				break
			}
		}
	}
	return commands, nil
}

// InputDomain returns the first registered domain. Deprecated: use Subscriptions.
func (r *EventRouter) InputDomain() string {
	if len(r.domains) > 0 {
		return r.domains[0]
	}
	return ""
}

// StateFactory creates a new zero-value state instance.
type StateFactory[S any] func() S

// EventApplier applies a decoded event to state.
type EventApplier[S any] func(state *S, value []byte)

type stateRegistration[S any] struct {
	suffix  string
	applier EventApplier[S]
}

// StateRouter provides fluent state reconstruction from events.
//
//	var orderRouter = NewStateRouter(NewOrderState).
//	    On("OrderCreated", applyOrderCreated).
//	    On("OrderCancelled", applyOrderCancelled)
//
//	func RebuildState(book EventBook) OrderState {
//	    return orderRouter.WithEventBook(book)
//	}
type StateRouter[S any] struct {
	factory  StateFactory[S]
	handlers []stateRegistration[S]
}

// NewStateRouter creates a new StateRouter with the given state factory.
func NewStateRouter[S any](factory StateFactory[S]) *StateRouter[S] {
	return &StateRouter[S]{factory: factory}
}

// On registers an event applier for a type_url suffix. The applier receives
// the event's raw payload bytes and decodes them itself; use OnTyped to have
// the router decode the payload first.
func (r *StateRouter[S]) On(suffix string, handler EventApplier[S]) *StateRouter[S] {
	r.handlers = append(r.handlers, stateRegistration[S]{suffix: suffix, applier: handler})
	return r
}

// OnTyped registers an applier for EventType by reflecting its type name as
// the dispatch suffix and unmarshaling the payload via decode before calling
// handler. This mirrors the teacher's reflection-derived On(), generalized
// to a caller-supplied decode function since there is no generated
// proto.Message to unmarshal into here.
func OnTyped[S any, E any](r *StateRouter[S], decode func([]byte) (E, error), handler func(*S, E)) *StateRouter[S] {
	var zero E
	suffix := reflect.TypeOf(zero).Name()
	r.handlers = append(r.handlers, stateRegistration[S]{
		suffix: suffix,
		applier: func(state *S, value []byte) {
			event, err := decode(value)
			if err != nil {
				return
			}
			handler(state, event)
		},
	})
	return r
}

// WithEvents creates fresh state and applies all pages in order.
func (r *StateRouter[S]) WithEvents(pages []EventPage) S {
	state := r.factory()
	for _, page := range pages {
		r.ApplySingle(&state, page.Event)
	}
	return state
}

// WithEventBook creates fresh state from an EventBook.
func (r *StateRouter[S]) WithEventBook(book EventBook) S {
	return r.WithEvents(book.Pages)
}

// ApplySingle applies a single event to existing state. Unknown event types
// are silently ignored for forward compatibility.
func (r *StateRouter[S]) ApplySingle(state *S, event TypedPayload) {
	for _, reg := range r.handlers {
		if typeURLMatches(event.TypeURL, reg.suffix) {
			reg.applier(state, event.Value)
			return
		}
	}
}

// ToRebuilder converts the StateRouter to a StateRebuilder function, so it
// can feed a CommandRouter directly.
func (r *StateRouter[S]) ToRebuilder() StateRebuilder[S] {
	return func(events EventBook) S {
		return r.WithEventBook(events)
	}
}
