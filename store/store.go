// Package store defines the storage contracts the coordinator, projector,
// saga, and process-manager runners depend on (spec §6): an append-only
// Event Store, an optional Snapshot Store, and a per-subscriber Position
// Store. Concrete drivers live in subpackages (memstore, postgres,
// boltstore, redisposition); the core never names one.
package store

import (
	"context"

	"github.com/angzarr-io/kernel/internal/kernel"
)

// EventStore is the append-only durable log keyed by (domain, root, edition).
// Implementations must accept all pages of an Append in a single atomic unit
// and must never return a gapped or duplicated sequence from Load.
type EventStore interface {
	// Append appends pages to cover's log. pages must be contiguous and
	// start at head+1; violating that returns kernel.InternalConsistencyErr.
	// A sequence already taken by a concurrent writer returns
	// kernel.RetryableErr wrapping ErrSequenceConflict.
	Append(ctx context.Context, cover kernel.Cover, pages []kernel.EventPage) error

	// Load returns the contiguous page range [fromSeq, toSeq] (toSeq == 0
	// means "through head"). Returns an empty slice, not an error, when
	// fromSeq is beyond head.
	Load(ctx context.Context, cover kernel.Cover, fromSeq, toSeq uint32) ([]kernel.EventPage, error)

	// HeadSequence returns the highest sequence recorded for cover, or 0 if none.
	HeadSequence(ctx context.Context, cover kernel.Cover) (uint32, error)

	// FindByCorrelationID finds a root in domain previously addressed with
	// correlationID, used by saga/PM destination resolution (spec §4.4).
	FindByCorrelationID(ctx context.Context, domain, correlationID string) (kernel.Uuid, bool, error)
}

// SnapshotStore caches reconstructed aggregate state as a pure optimization;
// the event store alone remains the source of truth (spec invariant 5).
type SnapshotStore interface {
	// Latest returns the newest snapshot with Sequence <= maxSeq, if any.
	Latest(ctx context.Context, cover kernel.Cover, maxSeq uint32) (*kernel.Snapshot, error)
	Put(ctx context.Context, cover kernel.Cover, snapshot kernel.Snapshot) error
}

// PositionStore tracks per-subscriber consumed-sequence checkpoints. Named
// PutPosition (not Put) so a single concrete type can implement both
// SnapshotStore and PositionStore without a method-signature collision.
type PositionStore interface {
	GetPosition(ctx context.Context, subscriber string, cover kernel.Cover) (uint32, error)
	PutPosition(ctx context.Context, subscriber string, cover kernel.Cover, seq uint32) error
}

// CoverRef identifies one (qualified domain, root) pair with appended events.
type CoverRef struct {
	QualifiedDomain string
	Root            kernel.Uuid
}

// CoverLister is an optional EventStore capability enabling the
// coordinator's outbox catch-up scan (spec §4.1 step 7: publication failures
// are "republished by a catch-up scan"). Not every driver need implement it.
type CoverLister interface {
	ListCovers(ctx context.Context) ([]CoverRef, error)
}

// ErrSequenceConflict is wrapped by kernel.RetryableErr when Append observes
// a sequence already taken by a concurrent writer (spec §4.1 step 5).
var ErrSequenceConflict = sequenceConflictError{}

type sequenceConflictError struct{}

func (sequenceConflictError) Error() string { return "sequence conflict" }
