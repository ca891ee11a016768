// Package boltstore is a go.etcd.io/bbolt-backed driver for store.EventStore
// and store.SnapshotStore: the embedded-database option for standalone-mode
// deployments that want durability without a separate Postgres instance.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/store"
)

var (
	eventsBucket      = []byte("events")
	snapshotsBucket   = []byte("snapshots")
	correlationBucket = []byte("correlation")
)

type wirePage struct {
	TypeURL   string `json:"type_url"`
	Value     []byte `json:"value"`
	CreatedAt int64  `json:"created_at_unix_micro"`
}

type wireSnapshot struct {
	Sequence uint32 `json:"sequence"`
	TypeURL  string `json:"type_url"`
	Value    []byte `json:"value"`
}

// Store is a bbolt-backed EventStore + SnapshotStore. Events for a given
// cover live in their own sub-bucket under the top-level events bucket, keyed
// by big-endian sequence, so Append is a simple ordered-key insert and Load
// is a cursor range scan.
type Store struct {
	db *bbolt.DB
}

var _ store.EventStore = (*Store)(nil)
var _ store.SnapshotStore = (*Store)(nil)

// Open opens (creating if absent) a bbolt database at path and prepares the
// top-level buckets.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{eventsBucket, snapshotsBucket, correlationBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

func seqKey(seq uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, seq)
	return key
}

// Append implements store.EventStore.
func (s *Store) Append(ctx context.Context, cover kernel.Cover, pages []kernel.EventPage) error {
	if len(pages) == 0 {
		return kernel.Rejected("append of zero pages is rejected")
	}
	key := []byte(cover.CacheKey())

	err := s.db.Update(func(tx *bbolt.Tx) error {
		top := tx.Bucket(eventsBucket)
		coverBucket, err := top.CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}

		head := uint32(0)
		if k, _ := coverBucket.Cursor().Last(); k != nil {
			head = binary.BigEndian.Uint32(k)
		}
		if pages[0].Sequence != head+1 {
			return store.ErrSequenceConflict
		}
		for i, page := range pages {
			if page.Sequence != head+1+uint32(i) {
				return kernel.InternalConsistencyErr("boltstore: non-contiguous append")
			}
			raw, err := json.Marshal(wirePage{
				TypeURL:   page.Event.TypeURL,
				Value:     page.Event.Value,
				CreatedAt: page.CreatedAt.UnixMicro(),
			})
			if err != nil {
				return err
			}
			if err := coverBucket.Put(seqKey(page.Sequence), raw); err != nil {
				return err
			}
		}

		if cover.CorrelationID != "" {
			corrKey := []byte(cover.Domain + "/" + cover.CorrelationID)
			corr := tx.Bucket(correlationBucket)
			if corr.Get(corrKey) == nil {
				if err := corr.Put(corrKey, []byte(cover.Root.String())); err != nil {
					return err
				}
			}
		}
		return nil
	})

	if err == store.ErrSequenceConflict {
		return (&kernel.KernelError{
			Kind:    kernel.KindRetryable,
			Message: "sequence conflict",
			Cause:   store.ErrSequenceConflict,
		}).WithCorrelationID(cover.CorrelationID)
	}
	if kernel.IsKind(err, kernel.KindInternalConsistency) {
		return err
	}
	if err != nil {
		return kernel.UnavailableErr(err)
	}
	return nil
}

// Load implements store.EventStore.
func (s *Store) Load(ctx context.Context, cover kernel.Cover, fromSeq, toSeq uint32) ([]kernel.EventPage, error) {
	if fromSeq == 0 {
		return nil, nil
	}
	var pages []kernel.EventPage
	err := s.db.View(func(tx *bbolt.Tx) error {
		coverBucket := tx.Bucket(eventsBucket).Bucket([]byte(cover.CacheKey()))
		if coverBucket == nil {
			return nil
		}
		c := coverBucket.Cursor()
		for k, v := c.Seek(seqKey(fromSeq)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint32(k)
			if toSeq != 0 && seq > toSeq {
				break
			}
			var wp wirePage
			if err := json.Unmarshal(v, &wp); err != nil {
				return err
			}
			pages = append(pages, kernel.EventPage{
				Sequence:  seq,
				CreatedAt: time.UnixMicro(wp.CreatedAt).UTC(),
				Event:     kernel.TypedPayload{TypeURL: wp.TypeURL, Value: wp.Value},
			})
		}
		return nil
	})
	if err != nil {
		return nil, kernel.UnavailableErr(err)
	}
	return pages, nil
}

// HeadSequence implements store.EventStore.
func (s *Store) HeadSequence(ctx context.Context, cover kernel.Cover) (uint32, error) {
	var head uint32
	err := s.db.View(func(tx *bbolt.Tx) error {
		coverBucket := tx.Bucket(eventsBucket).Bucket([]byte(cover.CacheKey()))
		if coverBucket == nil {
			return nil
		}
		if k, _ := coverBucket.Cursor().Last(); k != nil {
			head = binary.BigEndian.Uint32(k)
		}
		return nil
	})
	if err != nil {
		return 0, kernel.UnavailableErr(err)
	}
	return head, nil
}

// FindByCorrelationID implements store.EventStore.
func (s *Store) FindByCorrelationID(ctx context.Context, domain, correlationID string) (kernel.Uuid, bool, error) {
	var root kernel.Uuid
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(correlationBucket).Get([]byte(domain + "/" + correlationID))
		if v == nil {
			return nil
		}
		parsed, err := uuid.Parse(string(v))
		if err != nil {
			return err
		}
		root = parsed
		found = true
		return nil
	})
	if err != nil {
		return kernel.Uuid{}, false, kernel.UnavailableErr(err)
	}
	return root, found, nil
}

// Latest implements store.SnapshotStore.
func (s *Store) Latest(ctx context.Context, cover kernel.Cover, maxSeq uint32) (*kernel.Snapshot, error) {
	var snap *kernel.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(snapshotsBucket).Get([]byte(cover.CacheKey()))
		if v == nil {
			return nil
		}
		var ws wireSnapshot
		if err := json.Unmarshal(v, &ws); err != nil {
			return err
		}
		if ws.Sequence > maxSeq {
			return nil
		}
		snap = &kernel.Snapshot{Sequence: ws.Sequence, State: kernel.TypedPayload{TypeURL: ws.TypeURL, Value: ws.Value}}
		return nil
	})
	if err != nil {
		return nil, kernel.UnavailableErr(err)
	}
	return snap, nil
}

// Put implements store.SnapshotStore.
func (s *Store) Put(ctx context.Context, cover kernel.Cover, snapshot kernel.Snapshot) error {
	raw, err := json.Marshal(wireSnapshot{Sequence: snapshot.Sequence, TypeURL: snapshot.State.TypeURL, Value: snapshot.State.Value})
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(cover.CacheKey()), raw)
	})
	if err != nil {
		return kernel.UnavailableErr(err)
	}
	return nil
}
