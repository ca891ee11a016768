// Package postgres is a pgx/v5-backed driver for store.EventStore and
// store.SnapshotStore, one of the domain-stack storage adapters SPEC_FULL.md
// wires in beyond the in-memory reference (store/memstore).
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/angzarr-io/kernel/internal/kernel"
	"github.com/angzarr-io/kernel/store"
)

// Schema is the DDL this driver expects; callers run it once during
// provisioning (no migration framework is wired in — out of scope per
// spec §1's "configuration loaders" exclusion).
const Schema = `
CREATE TABLE IF NOT EXISTS angzarr_events (
	domain      text NOT NULL,
	root        uuid NOT NULL,
	edition     text NOT NULL,
	sequence    integer NOT NULL,
	type_url    text NOT NULL,
	value       bytea NOT NULL,
	created_at  timestamptz NOT NULL,
	correlation_id text NOT NULL DEFAULT '',
	PRIMARY KEY (domain, root, edition, sequence)
);
CREATE INDEX IF NOT EXISTS angzarr_events_correlation_idx
	ON angzarr_events (domain, correlation_id) WHERE correlation_id <> '';
CREATE TABLE IF NOT EXISTS angzarr_snapshots (
	domain   text NOT NULL,
	root     uuid NOT NULL,
	edition  text NOT NULL,
	sequence integer NOT NULL,
	type_url text NOT NULL,
	value    bytea NOT NULL,
	PRIMARY KEY (domain, root, edition)
);
`

// Store is a pgx-backed EventStore + SnapshotStore.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pgxpool.Pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.EventStore = (*Store)(nil)
var _ store.SnapshotStore = (*Store)(nil)
var _ store.CoverLister = (*Store)(nil)

// Append implements store.EventStore by reading the head and inserting every
// page inside one transaction; a start other than head+1, or a primary-key
// violation on (domain, root, edition, sequence) is reported as a retryable
// sequence conflict (spec §4.1 step 5).
func (s *Store) Append(ctx context.Context, cover kernel.Cover, pages []kernel.EventPage) error {
	if len(pages) == 0 {
		return kernel.Rejected("append of zero pages is rejected")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return kernel.UnavailableErr(err)
	}
	defer tx.Rollback(ctx)

	var head uint32
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM angzarr_events WHERE domain = $1 AND root = $2 AND edition = $3`,
		cover.QualifiedDomain(), cover.Root, cover.EffectiveEdition()).Scan(&head); err != nil {
		return kernel.UnavailableErr(err)
	}
	if pages[0].Sequence != head+1 {
		return (&kernel.KernelError{
			Kind:    kernel.KindRetryable,
			Message: "sequence conflict",
			Cause:   store.ErrSequenceConflict,
		}).WithCorrelationID(cover.CorrelationID)
	}

	for i, page := range pages {
		if page.Sequence != head+1+uint32(i) {
			return kernel.InternalConsistencyErr("non-contiguous append")
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO angzarr_events (domain, root, edition, sequence, type_url, value, created_at, correlation_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			cover.QualifiedDomain(), cover.Root, cover.EffectiveEdition(), page.Sequence,
			page.Event.TypeURL, page.Event.Value, page.CreatedAt, cover.CorrelationID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return (&kernel.KernelError{
					Kind:    kernel.KindRetryable,
					Message: "sequence conflict",
					Cause:   store.ErrSequenceConflict,
				}).WithCorrelationID(cover.CorrelationID)
			}
			return kernel.UnavailableErr(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return kernel.UnavailableErr(err)
	}
	return nil
}

// Load implements store.EventStore.
func (s *Store) Load(ctx context.Context, cover kernel.Cover, fromSeq, toSeq uint32) ([]kernel.EventPage, error) {
	if fromSeq == 0 {
		return nil, nil
	}
	query := `SELECT sequence, type_url, value, created_at FROM angzarr_events
	          WHERE domain = $1 AND root = $2 AND edition = $3 AND sequence >= $4`
	args := []any{cover.QualifiedDomain(), cover.Root, cover.EffectiveEdition(), fromSeq}
	if toSeq != 0 {
		query += " AND sequence <= $5"
		args = append(args, toSeq)
	}
	query += " ORDER BY sequence ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kernel.UnavailableErr(err)
	}
	defer rows.Close()

	var pages []kernel.EventPage
	for rows.Next() {
		var p kernel.EventPage
		if err := rows.Scan(&p.Sequence, &p.Event.TypeURL, &p.Event.Value, &p.CreatedAt); err != nil {
			return nil, kernel.UnavailableErr(err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// HeadSequence implements store.EventStore.
func (s *Store) HeadSequence(ctx context.Context, cover kernel.Cover) (uint32, error) {
	var head uint32
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM angzarr_events WHERE domain = $1 AND root = $2 AND edition = $3`,
		cover.QualifiedDomain(), cover.Root, cover.EffectiveEdition()).Scan(&head)
	if err != nil {
		return 0, kernel.UnavailableErr(err)
	}
	return head, nil
}

// FindByCorrelationID implements store.EventStore.
func (s *Store) FindByCorrelationID(ctx context.Context, domain, correlationID string) (kernel.Uuid, bool, error) {
	var root kernel.Uuid
	err := s.pool.QueryRow(ctx,
		`SELECT root FROM angzarr_events WHERE domain = $1 AND correlation_id = $2 ORDER BY sequence ASC LIMIT 1`,
		domain, correlationID).Scan(&root)
	if errors.Is(err, pgx.ErrNoRows) {
		return kernel.Uuid{}, false, nil
	}
	if err != nil {
		return kernel.Uuid{}, false, kernel.UnavailableErr(err)
	}
	return root, true, nil
}

// Latest implements store.SnapshotStore.
func (s *Store) Latest(ctx context.Context, cover kernel.Cover, maxSeq uint32) (*kernel.Snapshot, error) {
	var snap kernel.Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT sequence, type_url, value FROM angzarr_snapshots
		 WHERE domain = $1 AND root = $2 AND edition = $3 AND sequence <= $4`,
		cover.QualifiedDomain(), cover.Root, cover.EffectiveEdition(), maxSeq).
		Scan(&snap.Sequence, &snap.State.TypeURL, &snap.State.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kernel.UnavailableErr(err)
	}
	return &snap, nil
}

// Put implements store.SnapshotStore, upserting the single latest snapshot
// per cover.
func (s *Store) Put(ctx context.Context, cover kernel.Cover, snapshot kernel.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO angzarr_snapshots (domain, root, edition, sequence, type_url, value)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (domain, root, edition) DO UPDATE
		   SET sequence = EXCLUDED.sequence, type_url = EXCLUDED.type_url, value = EXCLUDED.value
		   WHERE angzarr_snapshots.sequence < EXCLUDED.sequence`,
		cover.QualifiedDomain(), cover.Root, cover.EffectiveEdition(),
		snapshot.Sequence, snapshot.State.TypeURL, snapshot.State.Value)
	if err != nil {
		return kernel.UnavailableErr(err)
	}
	return nil
}

// ListCovers implements store.CoverLister.
func (s *Store) ListCovers(ctx context.Context) ([]store.CoverRef, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT domain, root FROM angzarr_events`)
	if err != nil {
		return nil, kernel.UnavailableErr(err)
	}
	defer rows.Close()

	var refs []store.CoverRef
	for rows.Next() {
		var ref store.CoverRef
		if err := rows.Scan(&ref.QualifiedDomain, &ref.Root); err != nil {
			return nil, kernel.UnavailableErr(err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Connect opens a pgxpool using dsn (e.g. from the POSTGRES_DSN env var) and
// applies Schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return New(pool), nil
}
