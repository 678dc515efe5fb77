// Package store implements the durable metadata store for the asset
// registry: transactional keyed storage of asset records, tags,
// favorites, and tombstones on top of a libsql database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/metrics"

	_ "github.com/tursodatabase/go-libsql"
)

var (
	// ErrNotFound is returned when no asset matches the lookup.
	ErrNotFound = errors.New("store: asset not found")

	// ErrStoreIntegrity marks transactional store corruption. Once raised,
	// the store refuses further writes until the database is repaired.
	ErrStoreIntegrity = errors.New("store: integrity failure")

	// ErrHalted is returned for writes after an integrity failure.
	ErrHalted = errors.New("store: writes halted after integrity failure")
)

// Store is the single source of truth for asset records. All mutating
// operations are atomic with respect to each other; the registry facade
// additionally serializes callers onto a single writer.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	halted atomic.Bool
}

// New opens or initializes the registry database at dbPath. The database
// runs in WAL mode so a crash mid-write never corrupts committed state.
func New(ctx context.Context, dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create store directory: %w", err)
		}
	}

	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to registry database: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Registry store opened", "path", dbPath)
	return s, nil
}

// init sets up pragmas and the schema.
func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	// Pragmas report their setting as a result row, and libsql refuses
	// row-returning statements through Exec, so these go out as queries
	// with the row discarded.
	for _, p := range pragmas {
		rows, err := s.db.QueryContext(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
		rows.Close()
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind INTEGER NOT NULL,
			local_path TEXT,
			remote_key TEXT,
			fp_hash TEXT, fp_size INTEGER, fp_mtime INTEGER,
			synced_hash TEXT, synced_size INTEGER, synced_mtime INTEGER,
			remote_hash TEXT, remote_size INTEGER, remote_mtime INTEGER,
			sync_state INTEGER NOT NULL,
			last_seen_local INTEGER DEFAULT 0,
			last_seen_remote INTEGER DEFAULT 0,
			tombstoned_at INTEGER DEFAULT 0,
			attributes TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_local_path ON assets(local_path)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_remote_key ON assets(remote_key)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_fp_hash ON assets(fp_hash)`,
		`CREATE TABLE IF NOT EXISTS tags (
			asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (asset_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag)`,
		`CREATE TABLE IF NOT EXISTS favorites (
			set_name TEXT NOT NULL,
			asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
			PRIMARY KEY (set_name, asset_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Halted reports whether writes are refused after an integrity failure.
func (s *Store) Halted() bool {
	return s.halted.Load()
}

// BeginBatch starts a transaction for batch operations. The caller is
// responsible for calling EndBatch when done.
func (s *Store) BeginBatch(ctx context.Context) (*sql.Tx, error) {
	if s.halted.Load() {
		return nil, ErrHalted
	}
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	s.mu.Unlock()
	if err != nil {
		return nil, s.checkIntegrity(fmt.Errorf("failed to begin transaction: %w", err))
	}
	return tx, nil
}

// EndBatch commits or rolls back a transaction started with BeginBatch.
// Passing a non-nil err rolls back and returns that error.
func (s *Store) EndBatch(tx *sql.Tx, start time.Time, err error) error {
	if err != nil {
		metrics.StoreTxDuration.WithLabelValues("rollback").Observe(time.Since(start).Seconds())
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
		}
		return err
	}
	metrics.StoreTxDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	if cErr := tx.Commit(); cErr != nil {
		return s.checkIntegrity(fmt.Errorf("failed to commit transaction: %w", cErr))
	}
	return nil
}

// withTx runs fn in a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	start := time.Now()
	tx, err := s.BeginBatch(ctx)
	if err != nil {
		return err
	}
	return s.EndBatch(tx, start, fn(tx))
}

// checkIntegrity classifies low-level sqlite failures. Corruption halts
// the write path entirely; everything else passes through.
func (s *Store) checkIntegrity(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database corruption") {
		s.halted.Store(true)
		slog.Error("Registry store integrity failure, halting writes", "error", err)
		return fmt.Errorf("%w: %v", ErrStoreIntegrity, err)
	}
	return err
}

// nanosOrZero converts a time to a storable int64, keeping zero times zero.
func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// timeOrZero is the inverse of nanosOrZero.
func timeOrZero(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
