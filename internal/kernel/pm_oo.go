// Package kernel provides OO-style process manager base for multi-domain orchestration.
//
// Process managers correlate events across multiple domains and maintain
// their own event-sourced state (unlike sagas, which are stateless).
//
// Two-phase protocol:
//   - Prepares: declare destination covers needed beyond the trigger (phase 1)
//   - Handles: process trigger + state + destinations (phase 2)
//
// State reconstruction:
//   - Applies: rebuild PM state from its own EventBook
//
// Example usage:
//
//	type OrderFulfillmentPM struct {
//	    kernel.ProcessManagerBase[*fulfillmentState]
//	}
//
//	func NewOrderFulfillmentPM() *OrderFulfillmentPM {
//	    pm := &OrderFulfillmentPM{}
//	    pm.Init("pmg-order-fulfillment", "order-fulfillment", []string{"payment", "inventory", "fulfillment"})
//	    pm.WithStateFactory(func() *fulfillmentState { return &fulfillmentState{} })
//	    pm.Applies("PaymentConfirmed", pm.applyPaymentConfirmed)
//	    pm.Handles("PaymentConfirmed", pm.handlePaymentConfirmed)
//	    return pm
//	}
package kernel

import "fmt"

// PMPrepareFunc declares destination covers needed beyond the trigger.
type PMPrepareFunc[S any] func(trigger EventBook, state S, event TypedPayload) []Cover

// PMHandleFunc processes a trigger event and returns commands plus PM events
// recording whatever state transition it caused.
type PMHandleFunc[S any] func(trigger EventBook, state S, event TypedPayload, dests []EventBook) ([]CommandBook, []TypedPayload, error)

// PMApplierFunc mutates PM state in place from one of its own past events.
type PMApplierFunc[S any] func(state S, value []byte)

// PMRejectionFunc handles compensation when a PM-issued command is rejected.
type PMRejectionFunc[S any] func(state S, rejection RejectionNotification) *PMRevocationResponse

// ProcessManagerBase provides OO-style process manager infrastructure. Embed
// this in a PM struct, call Init() in its constructor, then register
// handlers with Prepares(), Handles(), and Applies(). Type parameter S is
// the PM's own state type (commonly a pointer type).
type ProcessManagerBase[S any] struct {
	name         string
	pmDomain     string
	inputDomains []string
	stateFactory func() S
	prepares     map[string]PMPrepareFunc[S]
	handlers     map[string]PMHandleFunc[S]
	appliers     map[string]PMApplierFunc[S]
	rejections   map[string]PMRejectionFunc[S]
}

// Init initializes the process manager base with name and domain configuration.
func (pm *ProcessManagerBase[S]) Init(name, pmDomain string, inputDomains []string) {
	pm.name = name
	pm.pmDomain = pmDomain
	pm.inputDomains = inputDomains
	pm.prepares = make(map[string]PMPrepareFunc[S])
	pm.handlers = make(map[string]PMHandleFunc[S])
	pm.appliers = make(map[string]PMApplierFunc[S])
	pm.rejections = make(map[string]PMRejectionFunc[S])
}

// WithStateFactory sets the factory used to create a fresh state instance
// before replaying the PM's own events.
func (pm *ProcessManagerBase[S]) WithStateFactory(factory func() S) {
	pm.stateFactory = factory
}

// Name returns the PM's name.
func (pm *ProcessManagerBase[S]) Name() string { return pm.name }

// PMDomain returns the PM's own domain, under which its state events are stored.
func (pm *ProcessManagerBase[S]) PMDomain() string { return pm.pmDomain }

// InputDomains returns the domains this PM subscribes to.
func (pm *ProcessManagerBase[S]) InputDomains() []string { return pm.inputDomains }

// Prepares registers a prepare handler for a trigger event type_url suffix.
func (pm *ProcessManagerBase[S]) Prepares(suffix string, handler PMPrepareFunc[S]) {
	pm.prepares[suffix] = handler
}

// Handles registers a handler for a trigger event type_url suffix.
func (pm *ProcessManagerBase[S]) Handles(suffix string, handler PMHandleFunc[S]) {
	pm.handlers[suffix] = handler
}

// Applies registers a state applier for one of the PM's own event type_url suffixes.
func (pm *ProcessManagerBase[S]) Applies(suffix string, applier PMApplierFunc[S]) {
	pm.appliers[suffix] = applier
}

// OnRejected registers a compensation handler for rejections of a command
// this PM issued to (domain, command).
func (pm *ProcessManagerBase[S]) OnRejected(domain, command string, handler PMRejectionFunc[S]) {
	pm.rejections[domain+"/"+command] = handler
}

// RebuildState reconstructs PM state from its own event book.
func (pm *ProcessManagerBase[S]) RebuildState(processState EventBook) S {
	var state S
	if pm.stateFactory != nil {
		state = pm.stateFactory()
	}
	for _, page := range processState.Pages {
		for suffix, applier := range pm.appliers {
			if typeURLMatches(page.Event.TypeURL, suffix) {
				applier(state, page.Event.Value)
				break
			}
		}
	}
	return state
}

// PrepareDestinations returns the destination covers needed for trigger,
// called during the Prepare phase of the two-phase PM protocol.
func (pm *ProcessManagerBase[S]) PrepareDestinations(trigger, processState EventBook) []Cover {
	state := pm.RebuildState(processState)
	var covers []Cover
	for _, page := range trigger.Pages {
		for suffix, handler := range pm.prepares {
			if typeURLMatches(page.Event.TypeURL, suffix) {
				covers = append(covers, handler(trigger, state, page.Event)...)
				break
			}
		}
	}
	return covers
}

// Handle processes trigger's events and returns commands plus PM events to
// persist, called during the Handle phase of the two-phase PM protocol.
// Rejection notifications in trigger are skipped here; compensation handlers
// are reached through DispatchRejection.
func (pm *ProcessManagerBase[S]) Handle(trigger, processState EventBook, destinations []EventBook) ([]CommandBook, *EventBook, error) {
	state := pm.RebuildState(processState)

	var commands []CommandBook
	var pmEvents []TypedPayload

	for _, page := range trigger.Pages {
		if IsNotification(page.Event.TypeURL) {
			continue // notifications are handled via DispatchRejection, not here
		}
		for suffix, handler := range pm.handlers {
			if typeURLMatches(page.Event.TypeURL, suffix) {
				cmds, events, err := handler(trigger, state, page.Event, destinations)
				if err != nil {
					return nil, nil, fmt.Errorf("process manager %s: %w", pm.name, err)
				}
				commands = append(commands, cmds...)
				pmEvents = append(pmEvents, events...)
				break
			}
		}
	}

	if len(pmEvents) == 0 {
		return commands, nil, nil
	}
	seq := processState.HeadSequence()
	pages := make([]EventPage, len(pmEvents))
	for i, ev := range pmEvents {
		seq++
		pages[i] = EventPage{Sequence: seq, CreatedAt: Now(), Event: ev}
	}
	return commands, &EventBook{Cover: processState.Cover, Pages: pages}, nil
}

// DispatchRejection routes a compensation request for a command this PM
// issued, returning false if no handler is registered for (domain, command).
func (pm *ProcessManagerBase[S]) DispatchRejection(processState EventBook, rejection RejectionNotification) (*PMRevocationResponse, bool) {
	state := pm.RebuildState(processState)
	domain := rejection.RejectedCommand.Cover.Domain
	cmdSuffix := ""
	if len(rejection.RejectedCommand.Pages) > 0 {
		cmdSuffix = TypeNameFromURL(rejection.RejectedCommand.Pages[0].Command.TypeURL)
	}
	handler, ok := pm.rejections[domain+"/"+cmdSuffix]
	if !ok {
		return nil, false
	}
	return handler(state, rejection), true
}

// HandlerTypes returns the registered trigger event type suffixes.
func (pm *ProcessManagerBase[S]) HandlerTypes() []string {
	types := make([]string, 0, len(pm.handlers))
	for suffix := range pm.handlers {
		types = append(types, suffix)
	}
	return types
}
