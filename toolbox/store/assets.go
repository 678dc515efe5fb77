package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

// UpsertScan inserts or updates a scan-originated record. Scan fields
// (fingerprint, presence, kind, seen timestamps, sync state) overwrite;
// user fields (tags, favorites) are never touched here, and user-set
// attributes survive unless the scan reports the same key. This merge rule
// is the invariant protecting user edits across re-scans.
func (s *Store) UpsertScan(ctx context.Context, a *asset.Asset) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.UpsertScanTx(ctx, tx, a)
	})
}

// UpsertScanTx is UpsertScan within a caller-owned transaction, used by
// the sync manager to commit a whole reconciliation batch atomically.
func (s *Store) UpsertScanTx(ctx context.Context, tx *sql.Tx, a *asset.Asset) error {
	now := time.Now()

	// Merge attributes: user-set keys survive unless the scan reports the
	// same key with a new value.
	var existingAttrs sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT attributes FROM assets WHERE id = ?`, a.ID).Scan(&existingAttrs)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.checkIntegrity(fmt.Errorf("failed to read existing attributes: %w", err))
	}
	merged := mergeAttributes(existingAttrs.String, a.Attributes)

	attrsJSON, err := encodeAttributes(merged)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assets (
			id, name, kind, local_path, remote_key,
			fp_hash, fp_size, fp_mtime,
			synced_hash, synced_size, synced_mtime,
			remote_hash, remote_size, remote_mtime,
			sync_state, last_seen_local, last_seen_remote, tombstoned_at,
			attributes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			local_path = excluded.local_path,
			remote_key = excluded.remote_key,
			fp_hash = excluded.fp_hash,
			fp_size = excluded.fp_size,
			fp_mtime = excluded.fp_mtime,
			synced_hash = excluded.synced_hash,
			synced_size = excluded.synced_size,
			synced_mtime = excluded.synced_mtime,
			remote_hash = excluded.remote_hash,
			remote_size = excluded.remote_size,
			remote_mtime = excluded.remote_mtime,
			sync_state = excluded.sync_state,
			last_seen_local = excluded.last_seen_local,
			last_seen_remote = excluded.last_seen_remote,
			tombstoned_at = excluded.tombstoned_at,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at`,
		a.ID, a.Name, int(a.Kind), a.Location.LocalPath, a.Location.RemoteKey,
		a.Fingerprint.Hash, a.Fingerprint.Size, nanosOrZero(a.Fingerprint.ModTime),
		a.SyncedFingerprint.Hash, a.SyncedFingerprint.Size, nanosOrZero(a.SyncedFingerprint.ModTime),
		a.RemoteFingerprint.Hash, a.RemoteFingerprint.Size, nanosOrZero(a.RemoteFingerprint.ModTime),
		int(a.SyncState), nanosOrZero(a.LastSeenLocal), nanosOrZero(a.LastSeenRemote), nanosOrZero(a.TombstonedAt),
		attrsJSON, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return s.checkIntegrity(fmt.Errorf("failed to upsert asset %s: %w", a.ID, err))
	}
	return nil
}

// Get retrieves one asset by id, including its tags and favorite sets.
func (s *Store) Get(ctx context.Context, id string) (*asset.Asset, error) {
	assets, err := s.selectAssets(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, ErrNotFound
	}
	return assets[0], nil
}

// FindByLocalPath looks up an asset by its canonical local path.
func (s *Store) FindByLocalPath(ctx context.Context, path string) (*asset.Asset, error) {
	assets, err := s.selectAssets(ctx, `WHERE local_path = ?`, asset.CanonicalPath(path))
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, ErrNotFound
	}
	return assets[0], nil
}

// FindByRemoteKey looks up an asset by its remote object key.
func (s *Store) FindByRemoteKey(ctx context.Context, key string) (*asset.Asset, error) {
	assets, err := s.selectAssets(ctx, `WHERE remote_key = ?`, key)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, ErrNotFound
	}
	return assets[0], nil
}

// FindByFingerprintHash returns all assets sharing a content hash. Used
// for rename adoption: a new path with a known hash is the same asset.
func (s *Store) FindByFingerprintHash(ctx context.Context, hash string) ([]*asset.Asset, error) {
	return s.selectAssets(ctx, `WHERE fp_hash = ?`, hash)
}

// ListAll returns every asset including tombstoned records. The search
// index rebuild consumes this.
func (s *Store) ListAll(ctx context.Context) ([]*asset.Asset, error) {
	return s.selectAssets(ctx, ``)
}

// Delete tombstones an asset. The record is retained for the retention
// window so idempotent re-scans can distinguish deleted from not-yet-seen.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.TombstoneTx(ctx, tx, id, time.Now())
	})
}

// TombstoneTx tombstones an asset within a caller-owned transaction.
func (s *Store) TombstoneTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE assets SET sync_state = ?, tombstoned_at = ?, updated_at = ? WHERE id = ?`,
		int(asset.StateTombstoned), at.UnixNano(), time.Now().UnixNano(), id)
	if err != nil {
		return s.checkIntegrity(fmt.Errorf("failed to tombstone asset %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeTombstonesOlderThan permanently removes tombstoned assets whose
// retention window has elapsed. Returns the number of purged records.
func (s *Store) PurgeTombstonesOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixNano()
	var purged int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM assets WHERE sync_state = ? AND tombstoned_at > 0 AND tombstoned_at < ?`,
			int(asset.StateTombstoned), cutoff)
		if err != nil {
			return s.checkIntegrity(fmt.Errorf("failed to purge tombstones: %w", err))
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

// SetSyncStateTx updates reconciliation fields for one asset inside a
// batch transaction without touching anything scan- or user-originated.
func (s *Store) SetSyncStateTx(ctx context.Context, tx *sql.Tx, id string, state asset.SyncState, synced asset.Fingerprint) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE assets SET
			sync_state = ?,
			synced_hash = ?, synced_size = ?, synced_mtime = ?,
			updated_at = ?
		WHERE id = ?`,
		int(state), synced.Hash, synced.Size, nanosOrZero(synced.ModTime),
		time.Now().UnixNano(), id)
	if err != nil {
		return s.checkIntegrity(fmt.Errorf("failed to update sync state for %s: %w", id, err))
	}
	return nil
}

// selectAssets runs the asset query with an optional WHERE clause and
// hydrates tags and favorites for every returned row.
func (s *Store) selectAssets(ctx context.Context, where string, args ...any) ([]*asset.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, name, kind, local_path, remote_key,
		fp_hash, fp_size, fp_mtime,
		synced_hash, synced_size, synced_mtime,
		remote_hash, remote_size, remote_mtime,
		sync_state, last_seen_local, last_seen_remote, tombstoned_at,
		attributes, created_at, updated_at
	FROM assets ` + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.checkIntegrity(fmt.Errorf("failed to query assets: %w", err))
	}
	defer rows.Close()

	var assets []*asset.Asset
	byID := make(map[string]*asset.Asset)
	for rows.Next() {
		a, err := scanAssetRow(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, s.checkIntegrity(fmt.Errorf("failed to iterate assets: %w", err))
	}
	if len(assets) == 0 {
		return nil, nil
	}

	if err := s.hydrateTags(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.hydrateFavorites(ctx, byID); err != nil {
		return nil, err
	}
	return assets, nil
}

// scanAssetRow decodes one asset row.
func scanAssetRow(rows *sql.Rows) (*asset.Asset, error) {
	var (
		a                                  asset.Asset
		kind, state                        int
		localPath, remoteKey               sql.NullString
		fpHash, syncedHash, remoteHash     sql.NullString
		fpSize, syncedSize, remoteSize     sql.NullInt64
		fpMtime, syncedMtime, remoteMtime  sql.NullInt64
		seenLocal, seenRemote, tombstoned  int64
		attrsJSON                          sql.NullString
		createdAt, updatedAt               int64
	)
	err := rows.Scan(&a.ID, &a.Name, &kind, &localPath, &remoteKey,
		&fpHash, &fpSize, &fpMtime,
		&syncedHash, &syncedSize, &syncedMtime,
		&remoteHash, &remoteSize, &remoteMtime,
		&state, &seenLocal, &seenRemote, &tombstoned,
		&attrsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan asset row: %w", err)
	}

	a.Kind = asset.Kind(kind)
	a.SyncState = asset.SyncState(state)
	a.Location = asset.SourceLocation{LocalPath: localPath.String, RemoteKey: remoteKey.String}
	a.Fingerprint = asset.Fingerprint{Hash: fpHash.String, Size: fpSize.Int64, ModTime: timeOrZero(fpMtime.Int64)}
	a.SyncedFingerprint = asset.Fingerprint{Hash: syncedHash.String, Size: syncedSize.Int64, ModTime: timeOrZero(syncedMtime.Int64)}
	a.RemoteFingerprint = asset.Fingerprint{Hash: remoteHash.String, Size: remoteSize.Int64, ModTime: timeOrZero(remoteMtime.Int64)}
	a.LastSeenLocal = timeOrZero(seenLocal)
	a.LastSeenRemote = timeOrZero(seenRemote)
	a.TombstonedAt = timeOrZero(tombstoned)
	a.CreatedAt = timeOrZero(createdAt)
	a.UpdatedAt = timeOrZero(updatedAt)

	if attrsJSON.Valid && attrsJSON.String != "" {
		if err := json.Unmarshal([]byte(attrsJSON.String), &a.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode attributes for %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to encode attributes: %w", err)
	}
	return string(b), nil
}

func mergeAttributes(existingJSON string, scanned map[string]string) map[string]string {
	var existing map[string]string
	if existingJSON != "" {
		_ = json.Unmarshal([]byte(existingJSON), &existing)
	}
	if existing == nil && scanned == nil {
		return nil
	}
	merged := make(map[string]string, len(existing)+len(scanned))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range scanned {
		merged[k] = v
	}
	return merged
}
