package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

// SetTags replaces an asset's tag set. This is the only path that mutates
// tags; scans never touch them.
func (s *Store) SetTags(ctx context.Context, id string, tags []string) error {
	tags = asset.NormalizeTags(tags)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM assets WHERE id = ?`, id).Scan(&exists); err != nil {
			return s.checkIntegrity(fmt.Errorf("failed to check asset %s: %w", id, err))
		}
		if exists == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE asset_id = ?`, id); err != nil {
			return s.checkIntegrity(fmt.Errorf("failed to clear tags for %s: %w", id, err))
		}
		for _, tag := range tags {
			if _, err := tx.ExecContext(ctx, `INSERT INTO tags (asset_id, tag) VALUES (?, ?)`, id, tag); err != nil {
				return s.checkIntegrity(fmt.Errorf("failed to insert tag %q for %s: %w", tag, id, err))
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE assets SET updated_at = ? WHERE id = ?`, time.Now().UnixNano(), id)
		return s.checkIntegrity(err)
	})
}

// QueryByTag returns assets carrying the given tags. With matchAll set,
// an asset must carry every tag; otherwise any one suffices. Tombstoned
// assets are excluded.
func (s *Store) QueryByTag(ctx context.Context, tags []string, matchAll bool) ([]*asset.Asset, error) {
	tags = asset.NormalizeTags(tags)
	if len(tags) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tags)), ", ")
	args := make([]any, 0, len(tags)+2)
	for _, t := range tags {
		args = append(args, t)
	}

	query := `WHERE sync_state != ? AND id IN (
		SELECT asset_id FROM tags WHERE tag IN (` + placeholders + `)
		GROUP BY asset_id`
	args = append([]any{int(asset.StateTombstoned)}, args...)
	if matchAll {
		query += ` HAVING COUNT(DISTINCT tag) = ?`
		args = append(args, len(tags))
	}
	query += `)`

	return s.selectAssets(ctx, query, args...)
}

// AddFavorite adds an asset to a named favorite set.
func (s *Store) AddFavorite(ctx context.Context, setName, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM assets WHERE id = ?`, id).Scan(&exists); err != nil {
			return s.checkIntegrity(fmt.Errorf("failed to check asset %s: %w", id, err))
		}
		if exists == 0 {
			return ErrNotFound
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO favorites (set_name, asset_id) VALUES (?, ?)`, setName, id)
		return s.checkIntegrity(err)
	})
}

// RemoveFavorite removes an asset from a named favorite set.
func (s *Store) RemoveFavorite(ctx context.Context, setName, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM favorites WHERE set_name = ? AND asset_id = ?`, setName, id)
		return s.checkIntegrity(err)
	})
}

// ListFavorites returns the members of a favorite set, excluding
// tombstoned assets.
func (s *Store) ListFavorites(ctx context.Context, setName string) ([]*asset.Asset, error) {
	return s.selectAssets(ctx,
		`WHERE sync_state != ? AND id IN (SELECT asset_id FROM favorites WHERE set_name = ?)`,
		int(asset.StateTombstoned), setName)
}

// hydrateTags fills Tags for every asset in byID with one query.
func (s *Store) hydrateTags(ctx context.Context, byID map[string]*asset.Asset) error {
	ids, placeholders := idArgs(byID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, tag FROM tags WHERE asset_id IN (`+placeholders+`) ORDER BY tag`, ids...)
	if err != nil {
		return s.checkIntegrity(fmt.Errorf("failed to query tags: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return fmt.Errorf("failed to scan tag row: %w", err)
		}
		if a, ok := byID[id]; ok {
			a.Tags = append(a.Tags, tag)
		}
	}
	return rows.Err()
}

// hydrateFavorites fills Favorites for every asset in byID with one query.
func (s *Store) hydrateFavorites(ctx context.Context, byID map[string]*asset.Asset) error {
	ids, placeholders := idArgs(byID)
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_id, set_name FROM favorites WHERE asset_id IN (`+placeholders+`) ORDER BY set_name`, ids...)
	if err != nil {
		return s.checkIntegrity(fmt.Errorf("failed to query favorites: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var id, setName string
		if err := rows.Scan(&id, &setName); err != nil {
			return fmt.Errorf("failed to scan favorite row: %w", err)
		}
		if a, ok := byID[id]; ok {
			a.Favorites = append(a.Favorites, setName)
		}
	}
	return rows.Err()
}

func idArgs(byID map[string]*asset.Asset) ([]any, string) {
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args, strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
}
