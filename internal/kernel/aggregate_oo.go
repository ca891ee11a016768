// Package kernel provides OO-style aggregate base for rich domain models.
//
// This module provides the framework for implementing event-sourced
// aggregates using the rich domain model pattern. Business logic lives as
// methods on the aggregate struct, with registration methods for handlers:
//
//   - Handles: register command handlers that emit events
//   - Applies: register event appliers that mutate state
//
// Example usage:
//
//	type OrderState struct {
//	    OrderID  string
//	    Total    int64
//	}
//
//	type Order struct {
//	    kernel.AggregateBase[OrderState]
//	}
//
//	func NewOrder(book EventBook) *Order {
//	    o := &Order{}
//	    o.Init(book, func() OrderState { return OrderState{} })
//	    o.Applies("OrderCreated", o.applyCreated)
//	    o.Handles("CreateOrder", o.create)
//	    return o
//	}
//
//	func (o *Order) applyCreated(state *OrderState, value []byte) {
//	    var e OrderCreated
//	    json.Unmarshal(value, &e)
//	    state.OrderID = e.OrderID
//	}
//
//	func (o *Order) create(cmd TypedPayload) ([]TypedPayload, error) {
//	    if o.Exists() {
//	        return nil, kernel.Rejected("order already exists")
//	    }
//	    var c CreateOrder
//	    json.Unmarshal(cmd.Value, &c)
//	    return []TypedPayload{PackEvent("OrderCreated", OrderCreated{OrderID: c.OrderID})}, nil
//	}
package kernel

import "fmt"

// CommandHandlerFunc handles a single command payload and returns the events
// it produces. There is no generated proto.Message to reflect into here, so
// handlers decode their own command bytes (typically via encoding/json).
type CommandHandlerFunc func(cmd TypedPayload) ([]TypedPayload, error)

// StateApplierFunc applies a raw event payload to state.
type StateApplierFunc[S any] func(state *S, value []byte)

// AggregateRejectionFunc handles compensation when a command this aggregate
// issued to a downstream saga/PM target is rejected.
type AggregateRejectionFunc[S any] func(rejection RejectionNotification, state *S) *BusinessResponse

// AggregateBase provides OO-style aggregate infrastructure. Embed this in an
// aggregate struct, call Init() in its constructor, then register handlers
// with Handles() and appliers with Applies().
type AggregateBase[S any] struct {
	book       EventBook
	state      *S
	stateSet   bool
	existed    bool
	factory    func() S
	handlers   map[string]CommandHandlerFunc
	appliers   map[string]StateApplierFunc[S]
	rejections map[string]AggregateRejectionFunc[S]
	domain     string
}

// Init initializes the aggregate base with prior events and a state factory.
func (a *AggregateBase[S]) Init(book EventBook, factory func() S) {
	a.book = book
	a.factory = factory
	a.handlers = make(map[string]CommandHandlerFunc)
	a.appliers = make(map[string]StateApplierFunc[S])
	a.rejections = make(map[string]AggregateRejectionFunc[S])
}

// OnRejected registers a compensation handler for rejections of a command
// this aggregate issued to (domain, command).
func (a *AggregateBase[S]) OnRejected(domain, command string, handler AggregateRejectionFunc[S]) {
	a.rejections[domain+"/"+command] = handler
}

// SetDomain sets the aggregate's domain name.
func (a *AggregateBase[S]) SetDomain(domain string) { a.domain = domain }

// Domain returns the aggregate's domain name.
func (a *AggregateBase[S]) Domain() string { return a.domain }

// Handles registers a command handler for a type_url suffix.
func (a *AggregateBase[S]) Handles(suffix string, handler CommandHandlerFunc) {
	a.handlers[suffix] = handler
}

// Applies registers an event applier for a type_url suffix.
func (a *AggregateBase[S]) Applies(suffix string, applier StateApplierFunc[S]) {
	a.appliers[suffix] = applier
}

// State returns the current state, rebuilding from prior events on first access.
func (a *AggregateBase[S]) State() *S {
	if !a.stateSet {
		a.rebuild()
	}
	return a.state
}

// Exists reports whether this aggregate has prior events.
func (a *AggregateBase[S]) Exists() bool {
	if a.stateSet {
		return a.existed
	}
	return len(a.book.Pages) > 0
}

// EventBook returns the event book, including events produced by Dispatch.
func (a *AggregateBase[S]) EventBook() EventBook { return a.book }

// Dispatch routes a command to its matching handler and applies/records the
// resulting events.
func (a *AggregateBase[S]) Dispatch(cmd TypedPayload) error {
	if cmd.TypeURL == "" {
		return fmt.Errorf("no command provided")
	}
	_ = a.State()

	for suffix, handler := range a.handlers {
		if typeURLMatches(cmd.TypeURL, suffix) {
			events, err := handler(cmd)
			if err != nil {
				return err
			}
			for _, event := range events {
				a.applyAndRecord(event)
			}
			return nil
		}
	}
	return fmt.Errorf("%s: %s", ErrMsgUnknownCommand, cmd.TypeURL)
}

func (a *AggregateBase[S]) applyAndRecord(event TypedPayload) {
	if a.state != nil {
		a.applyEvent(a.state, event)
	}
	seq := a.book.HeadSequence() + 1
	a.book.Pages = append(a.book.Pages, EventPage{Sequence: seq, CreatedAt: Now(), Event: event})
}

func (a *AggregateBase[S]) applyEvent(state *S, event TypedPayload) {
	for suffix, applier := range a.appliers {
		if typeURLMatches(event.TypeURL, suffix) {
			applier(state, event.Value)
			return
		}
	}
}

// rebuild reconstructs state from the prior event pages, then clears them so
// only newly produced events remain in the book after Dispatch.
func (a *AggregateBase[S]) rebuild() {
	state := a.factory()
	a.state = &state
	a.stateSet = true
	a.existed = len(a.book.Pages) > 0
	for _, page := range a.book.Pages {
		a.applyEvent(a.state, page.Event)
	}
	a.book.Pages = nil
}

// HandlerTypes returns the registered command type suffixes.
func (a *AggregateBase[S]) HandlerTypes() []string {
	types := make([]string, 0, len(a.handlers))
	for suffix := range a.handlers {
		types = append(types, suffix)
	}
	return types
}

// Handle processes a ContextualCommand: the Coordinator's entry point for an
// OO-style aggregate. A fresh aggregate instance is expected per call, seeded
// with prior events by its factory (see OOAggregateFactory). Rejection
// notifications are routed separately via DispatchRejection, not here.
func (a *AggregateBase[S]) Handle(cmd ContextualCommand) (*BusinessResponse, error) {
	if cmd.Command.TypeURL == "" {
		return nil, fmt.Errorf("%s", ErrMsgNoCommandPages)
	}
	if IsNotification(cmd.Command.TypeURL) {
		return DelegateToFramework("OO aggregate rejection notifications must be routed via DispatchRejection"), nil
	}
	if err := a.Dispatch(cmd.Command); err != nil {
		return nil, err
	}
	book := a.book
	return &BusinessResponse{Events: &book}, nil
}

// DispatchRejection routes a rejection notification to the matching
// compensation handler registered via OnRejected, or false if none matches.
func (a *AggregateBase[S]) DispatchRejection(rejection RejectionNotification) (*BusinessResponse, bool) {
	state := a.State()
	domain := rejection.RejectedCommand.Cover.Domain
	var cmdSuffix string
	if len(rejection.RejectedCommand.Pages) > 0 {
		cmdSuffix = TypeNameFromURL(rejection.RejectedCommand.Pages[0].Command.TypeURL)
	}
	handler, ok := a.rejections[domain+"/"+cmdSuffix]
	if !ok {
		return nil, false
	}
	return handler(rejection, state), true
}
