// Package memstore is the in-memory reference implementation of
// store.EventStore, store.SnapshotStore, and store.PositionStore, used in
// standalone mode and by every runner's tests (spec §9: "testing uses
// in-memory doubles that satisfy the same contracts").
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/store"
)

type log struct {
	pages []kernel.EventPage
}

// Store is a process-local EventStore + SnapshotStore + PositionStore. All
// methods are safe for concurrent use; a single RWMutex guards the whole
// store since the reference implementation favors simplicity over sharding.
type Store struct {
	mu          sync.RWMutex
	logs        map[string]*log
	snapshots   map[string]kernel.Snapshot
	positions   map[string]uint32
	correlation map[string]map[string]kernel.Uuid // domain -> correlation_id -> root
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		logs:        make(map[string]*log),
		snapshots:   make(map[string]kernel.Snapshot),
		positions:   make(map[string]uint32),
		correlation: make(map[string]map[string]kernel.Uuid),
	}
}

var _ store.EventStore = (*Store)(nil)
var _ store.SnapshotStore = (*Store)(nil)
var _ store.PositionStore = (*Store)(nil)
var _ store.CoverLister = (*Store)(nil)

// Append implements store.EventStore.
func (s *Store) Append(ctx context.Context, cover kernel.Cover, pages []kernel.EventPage) error {
	if len(pages) == 0 {
		return kernel.Rejected("append of zero pages is rejected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cover.CacheKey()
	l, ok := s.logs[key]
	head := uint32(0)
	if ok {
		head = uint32(len(l.pages))
	}

	expected := head + 1
	if pages[0].Sequence != expected {
		return (&kernel.KernelError{
			Kind:    kernel.KindRetryable,
			Message: "sequence conflict",
			Cause:   store.ErrSequenceConflict,
		}).WithCorrelationID(cover.CorrelationID)
	}
	for i, page := range pages {
		if page.Sequence != expected+uint32(i) {
			return kernel.InternalConsistencyErr("non-contiguous append")
		}
	}

	if !ok {
		l = &log{}
		s.logs[key] = l
	}
	l.pages = append(l.pages, pages...)

	if cover.CorrelationID != "" {
		byDomain, ok := s.correlation[cover.Domain]
		if !ok {
			byDomain = make(map[string]kernel.Uuid)
			s.correlation[cover.Domain] = byDomain
		}
		if _, exists := byDomain[cover.CorrelationID]; !exists {
			byDomain[cover.CorrelationID] = cover.Root
		}
	}
	return nil
}

// Load implements store.EventStore. toSeq == 0 means "through head".
func (s *Store) Load(ctx context.Context, cover kernel.Cover, fromSeq, toSeq uint32) ([]kernel.EventPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[cover.CacheKey()]
	if !ok || fromSeq == 0 {
		return nil, nil
	}
	if int(fromSeq) > len(l.pages) {
		return nil, nil
	}
	upper := len(l.pages)
	if toSeq != 0 && int(toSeq) < upper {
		upper = int(toSeq)
	}
	out := make([]kernel.EventPage, upper-int(fromSeq)+1)
	copy(out, l.pages[fromSeq-1:upper])
	return out, nil
}

// HeadSequence implements store.EventStore.
func (s *Store) HeadSequence(ctx context.Context, cover kernel.Cover) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[cover.CacheKey()]
	if !ok {
		return 0, nil
	}
	return uint32(len(l.pages)), nil
}

// FindByCorrelationID implements store.EventStore.
func (s *Store) FindByCorrelationID(ctx context.Context, domain, correlationID string) (kernel.Uuid, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byDomain, ok := s.correlation[domain]
	if !ok {
		return kernel.Uuid{}, false, nil
	}
	root, ok := byDomain[correlationID]
	return root, ok, nil
}

// Latest implements store.SnapshotStore.
func (s *Store) Latest(ctx context.Context, cover kernel.Cover, maxSeq uint32) (*kernel.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[cover.CacheKey()]
	if !ok || snap.Sequence > maxSeq {
		return nil, nil
	}
	return &snap, nil
}

// Put implements store.SnapshotStore.
func (s *Store) Put(ctx context.Context, cover kernel.Cover, snapshot kernel.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[cover.CacheKey()] = snapshot
	return nil
}

// GetPosition implements store.PositionStore.
func (s *Store) GetPosition(ctx context.Context, subscriber string, cover kernel.Cover) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[subscriber+"/"+cover.CacheKey()], nil
}

// PutPosition implements store.PositionStore.
func (s *Store) PutPosition(ctx context.Context, subscriber string, cover kernel.Cover, seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[subscriber+"/"+cover.CacheKey()] = seq
	return nil
}

// Covers returns every cover key with at least one appended event, sorted,
// for use by catch-up/outbox republish scans.
func (s *Store) Covers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.logs))
	for k := range s.logs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ListCovers implements store.CoverLister.
func (s *Store) ListCovers(ctx context.Context) ([]store.CoverRef, error) {
	keys := s.Covers()
	refs := make([]store.CoverRef, 0, len(keys))
	for _, key := range keys {
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			continue
		}
		root, err := uuid.Parse(key[idx+1:])
		if err != nil {
			continue
		}
		refs = append(refs, store.CoverRef{QualifiedDomain: key[:idx], Root: root})
	}
	return refs, nil
}
