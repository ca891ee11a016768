// Package kernel provides compensation flow helpers for saga revocation handling.
//
// When a saga/PM command is rejected by a target aggregate, the coordinator
// delivers a RejectionNotification to the triggering aggregate. These helpers
// make it easy to implement compensation logic in a CommandRouter.OnRejected
// or AggregateBase.OnRejected handler.
//
//	router := NewCommandRouter("order", rebuildState).
//	    On("CreateOrder", handleCreateOrder).
//	    OnRejected("fulfillment", "CreateShipment", handleRevocation)
//
//	func handleRevocation(rejection RejectionNotification, state OrderState) *BusinessResponse {
//	    event := PackEvent("OrderCancelled", OrderCancelled{
//	        OrderID: state.OrderID,
//	        Reason:  "fulfillment rejected: " + rejection.Reason,
//	    })
//	    return EmitCompensationEvents(&EventBook{Pages: []EventPage{{Event: event}}})
//	}
package kernel

// DelegateToFramework builds a response carrying a RevocationResponse with
// EmitSystemRevocation set and no events. Coordinator.Reject reports such a
// response as handled and appends nothing; no event is emitted to
// SagaFailuresDomain for it.
func DelegateToFramework(reason string) *BusinessResponse {
	return &BusinessResponse{Revocation: &RevocationResponse{EmitSystemRevocation: true, Reason: reason}}
}

// DelegateToFrameworkWithOptions builds a response with explicit revocation flags.
func DelegateToFrameworkWithOptions(reason string, emitSystemEvent, sendToDLQ, escalate, abort bool) *BusinessResponse {
	return &BusinessResponse{Revocation: &RevocationResponse{
		EmitSystemRevocation:  emitSystemEvent,
		SendToDeadLetterQueue: sendToDLQ,
		Escalate:              escalate,
		Abort:                 abort,
		Reason:                reason,
	}}
}

// EmitCompensationEvents builds a response recording compensation events; the
// coordinator persists them and does not also emit a system revocation event.
func EmitCompensationEvents(events *EventBook) *BusinessResponse {
	return &BusinessResponse{Events: events}
}

// PMRevocationResponse holds a process manager's compensation decision.
type PMRevocationResponse struct {
	// ProcessEvents are PM-internal events to persist, if any.
	ProcessEvents *EventBook
	Revocation    *RevocationResponse
}

// PMDelegateToFramework builds a PM response that delegates compensation.
func PMDelegateToFramework(reason string) *PMRevocationResponse {
	return &PMRevocationResponse{Revocation: &RevocationResponse{EmitSystemRevocation: true, Reason: reason}}
}

// PMEmitCompensationEvents builds a PM response recording the failure in its
// own state, optionally also asking the coordinator to emit a system event.
func PMEmitCompensationEvents(events *EventBook, alsoEmitSystemEvent bool, reason string) *PMRevocationResponse {
	return &PMRevocationResponse{
		ProcessEvents: events,
		Revocation:    &RevocationResponse{EmitSystemRevocation: alsoEmitSystemEvent, Reason: reason},
	}
}

// IsNotification reports whether a type_url names a rejection notification.
func IsNotification(typeURL string) bool {
	return typeURLMatches(typeURL, "Notification")
}
