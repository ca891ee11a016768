// Package kernel provides the shared data model and dispatch primitives for
// the angzarr event-sourcing runtime: covers, event/command books, the
// type_url-suffix routers business logic registers handlers with, and the
// error taxonomy the coordinator, bus, and gateway all speak.
package kernel

import (
	"time"

	"github.com/google/uuid"
)

// Uuid is the 16-byte opaque identifier carried by every Cover.
type Uuid = uuid.UUID

// DefaultEdition is the distinguished default timeline. Empty edition means this.
const DefaultEdition = "angzarr"

// MetaDomain is the reserved meta-domain for internal bookkeeping.
const MetaDomain = "_angzarr"

// SagaFailuresDomain receives fallback events for compensation the saga
// runner itself could not resolve.
const SagaFailuresDomain = "angzarr.saga-failures"

// ProjectionDomain returns the synthetic domain a projector publishes its
// output under: "_projection.{projector}.{source_domain}".
func ProjectionDomain(projector, sourceDomain string) string {
	return "_projection." + projector + "." + sourceDomain
}

// CorrelationHeader is the wire header name propagated on every cross-service call.
const CorrelationHeader = "x-correlation-id"

// DefaultHopLimit bounds correlation-graph fan-out (spec §9) to stop runaway sagas.
const DefaultHopLimit = 64

// Cover addresses every command and event: the consistency boundary tuple.
type Cover struct {
	Domain        string
	Root          Uuid
	Edition       string
	CorrelationID string
}

// EffectiveEdition returns the edition, defaulting empty to DefaultEdition.
func (c Cover) EffectiveEdition() string {
	if c.Edition == "" {
		return DefaultEdition
	}
	return c.Edition
}

// QualifiedDomain returns the bus/store routing domain, folding a non-default
// edition in as "{edition}.{domain}" per spec §6 edition naming.
func (c Cover) QualifiedDomain() string {
	ed := c.EffectiveEdition()
	if ed == DefaultEdition {
		return c.Domain
	}
	return ed + "." + c.Domain
}

// Key is the storage/position addressing key for (domain, root, edition).
func (c Cover) Key() string {
	return c.QualifiedDomain() + "/" + c.Root.String()
}

// TypedPayload is a (type_url, opaque bytes) pair: the wire shape of every
// command and event body. Dispatch is by type_url suffix match, replacing
// open-recursion dispatch (spec §9).
type TypedPayload struct {
	TypeURL string
	Value   []byte
}

// TypeURLMatches reports whether the payload's type_url ends with suffix.
func (p TypedPayload) TypeURLMatches(suffix string) bool {
	return typeURLMatches(p.TypeURL, suffix)
}

// EventPage is a single recorded event: 1-based, contiguous, unique sequence
// within its cover.
type EventPage struct {
	Sequence  uint32
	CreatedAt time.Time
	Event     TypedPayload
}

// Snapshot caches reconstructed aggregate state as of Sequence.
type Snapshot struct {
	Sequence uint32
	State    TypedPayload
}

// EventBook is the addressed run of pages produced by one command.
type EventBook struct {
	Cover    Cover
	Pages    []EventPage
	Snapshot *Snapshot
}

// HeadSequence returns the highest sequence present, or 0 if empty.
func (b *EventBook) HeadSequence() uint32 {
	if b == nil || len(b.Pages) == 0 {
		return 0
	}
	return b.Pages[len(b.Pages)-1].Sequence
}

// MergeStrategy dictates conflict handling when a command page's asserted
// sequence disagrees with the store's head.
type MergeStrategy int

const (
	// FailOnConflict rejects the command on any sequence conflict.
	FailOnConflict MergeStrategy = iota
	// Retry refetches head and re-invokes logic, bounded retries.
	Retry
	// AcceptLatest re-invokes logic against refreshed state without failing.
	AcceptLatest
)

func (m MergeStrategy) String() string {
	switch m {
	case FailOnConflict:
		return "FailOnConflict"
	case Retry:
		return "Retry"
	case AcceptLatest:
		return "AcceptLatest"
	default:
		return "Unknown"
	}
}

// CommandPage is one command within a CommandBook.
type CommandPage struct {
	// Sequence is the client's expected post-condition sequence; it is only
	// checked when HasSequence is set.
	Sequence      uint32
	HasSequence   bool
	MergeStrategy MergeStrategy
	Command       TypedPayload
}

// CommandBook is an addressed batch of one or more command pages.
type CommandBook struct {
	Cover Cover
	Pages []CommandPage
}

// ContextualCommand is passed from the coordinator into pluggable domain
// logic: the command plus the reconstructed current state.
type ContextualCommand struct {
	Cover        Cover
	Command      TypedPayload
	CurrentState EventBook
}

// BusinessResponse is what domain logic returns: new events, a rejection, or
// a compensation decision (when responding to a RejectionNotification).
type BusinessResponse struct {
	Events     *EventBook
	Rejected   *RejectedReason
	Revocation *RevocationResponse
}

// RejectedReason carries the terminal, user-visible rejection reason.
type RejectedReason struct {
	Reason string
}

// RevocationResponse records how an aggregate asks for a saga/PM command it
// could not (or chose not to) compensate for to be handled. The coordinator,
// saga runner and process-manager runner do not read these flags.
type RevocationResponse struct {
	EmitSystemRevocation  bool
	SendToDeadLetterQueue bool
	Escalate              bool
	Abort                 bool
	Reason                string
}

// Projection is a synthetic event-book emitted by a projector.
type Projection struct {
	Cover     Cover
	Projector string
	Sequence  uint32
	Value     TypedPayload
}

// Target selects a destination aggregate either by root or by correlation ID
// (resolved deterministically when no existing aggregate matches).
type Target struct {
	Domain        string
	Root          *Uuid
	CorrelationID string
}

// SagaResponse lists the CommandBooks a saga wants issued, each carrying its
// own destination Target.
type SagaResponse struct {
	Dispatches []Dispatch
}

// Dispatch pairs a CommandBook with the Target it should be routed to.
type Dispatch struct {
	Target  Target
	Command CommandBook
}

// SequenceRange selects a contiguous run of sequences, upper inclusive when set.
type SequenceRange struct {
	Lower uint32
	Upper *uint32
}

// TemporalSelection selects state as of a point in time, by sequence or by
// wall-clock timestamp.
type TemporalSelection struct {
	AsOfSequence *uint32
	AsOfTime     *time.Time
}

// Query addresses a read against the store: one cover, selected either by a
// sequence range or a temporal point-in-time.
type Query struct {
	Cover    Cover
	Range    *SequenceRange
	Temporal *TemporalSelection
}

// DeterministicRoot derives a stable destination root from a correlation ID,
// used when no existing aggregate in the destination domain matches it
// (spec §4.4). NAMESPACE is fixed per the runtime so replays are reproducible.
func DeterministicRoot(correlationID string) Uuid {
	return uuid.NewSHA1(rootNamespace, []byte(correlationID))
}

// rootNamespace is the fixed namespace UUID for UUIDv5 destination-root derivation.
var rootNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
