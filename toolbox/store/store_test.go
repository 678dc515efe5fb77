package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testAsset(id, path string) *asset.Asset {
	return &asset.Asset{
		ID:   id,
		Name: filepath.Base(path),
		Kind: asset.KindBrush,
		Location: asset.SourceLocation{
			LocalPath: asset.CanonicalPath(path),
		},
		Fingerprint: asset.Fingerprint{
			Hash:    "hash-" + id,
			Size:    100,
			ModTime: time.Now().Truncate(time.Second),
		},
		SyncState:     asset.StateLocalOnly,
		LastSeenLocal: time.Now(),
		Attributes:    map[string]string{"category": "testing"},
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := newTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRowContext(context.Background(), `PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, s.db.QueryRowContext(context.Background(), `PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestUpsertScan(t *testing.T) {
	ctx := context.Background()

	t.Run("insert then get", func(t *testing.T) {
		s := newTestStore(t)
		a := testAsset("a1", "/lib/skin.zbp")
		require.NoError(t, s.UpsertScan(ctx, a))

		got, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, a.Name, got.Name)
		assert.Equal(t, a.Fingerprint.Hash, got.Fingerprint.Hash)
		assert.Equal(t, asset.StateLocalOnly, got.SyncState)
		assert.Equal(t, "testing", got.Attributes["category"])
	})

	t.Run("scan twice is idempotent", func(t *testing.T) {
		s := newTestStore(t)
		a := testAsset("a1", "/lib/skin.zbp")
		require.NoError(t, s.UpsertScan(ctx, a))
		first, err := s.Get(ctx, "a1")
		require.NoError(t, err)

		require.NoError(t, s.UpsertScan(ctx, a))
		second, err := s.Get(ctx, "a1")
		require.NoError(t, err)

		assert.Equal(t, first.Fingerprint, second.Fingerprint)
		assert.Equal(t, first.Name, second.Name)
		assert.Equal(t, first.Location, second.Location)
		assert.Equal(t, first.Tags, second.Tags)
		assert.Equal(t, first.Attributes, second.Attributes)

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("missing asset", func(t *testing.T) {
		s := newTestStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMergeInvariant(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := testAsset("a1", "/lib/skin.zbp")
	require.NoError(t, s.UpsertScan(ctx, a))
	require.NoError(t, s.SetTags(ctx, "a1", []string{"hero", "organic"}))
	require.NoError(t, s.AddFavorite(ctx, "default", "a1"))

	t.Run("rescan preserves tags and favorites", func(t *testing.T) {
		rescan := testAsset("a1", "/lib/skin.zbp")
		rescan.Fingerprint.Hash = "hash-v2"
		require.NoError(t, s.UpsertScan(ctx, rescan))

		got, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "hash-v2", got.Fingerprint.Hash)
		assert.Equal(t, []string{"hero", "organic"}, got.Tags)
		assert.Equal(t, []string{"default"}, got.Favorites)
	})

	t.Run("rescan preserves user attributes", func(t *testing.T) {
		require.NoError(t, s.SetTags(ctx, "a1", []string{"hero"}))
		rescan := testAsset("a1", "/lib/skin.zbp")
		rescan.Attributes = map[string]string{"exif.width": "1024"}
		require.NoError(t, s.UpsertScan(ctx, rescan))

		got, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "testing", got.Attributes["category"], "user attribute survived")
		assert.Equal(t, "1024", got.Attributes["exif.width"], "scan attribute merged")
	})
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a1 := testAsset("a1", "/lib/one.zbp")
	a2 := testAsset("a2", "/lib/two.zbp")
	a3 := testAsset("a3", "/lib/three.zbp")
	for _, a := range []*asset.Asset{a1, a2, a3} {
		require.NoError(t, s.UpsertScan(ctx, a))
	}
	require.NoError(t, s.SetTags(ctx, "a1", []string{"hero", "organic"}))
	require.NoError(t, s.SetTags(ctx, "a2", []string{"organic"}))
	require.NoError(t, s.SetTags(ctx, "a3", []string{"hero"}))

	t.Run("match any", func(t *testing.T) {
		got, err := s.QueryByTag(ctx, []string{"hero", "organic"}, false)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("match all", func(t *testing.T) {
		got, err := s.QueryByTag(ctx, []string{"hero", "organic"}, true)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a1", got[0].ID)
	})

	t.Run("set tags replaces", func(t *testing.T) {
		require.NoError(t, s.SetTags(ctx, "a1", []string{"fresh"}))
		got, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh"}, got.Tags)
	})

	t.Run("set tags on missing asset", func(t *testing.T) {
		err := s.SetTags(ctx, "nope", []string{"x"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("tombstoned assets excluded", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "a3"))
		got, err := s.QueryByTag(ctx, []string{"hero"}, false)
		require.NoError(t, err)
		for _, a := range got {
			assert.NotEqual(t, "a3", a.ID)
		}
	})
}

func TestFavorites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := testAsset("a1", "/lib/skin.zbp")
	require.NoError(t, s.UpsertScan(ctx, a))

	require.NoError(t, s.AddFavorite(ctx, "default", "a1"))
	require.NoError(t, s.AddFavorite(ctx, "default", "a1"), "re-adding is a no-op")
	require.NoError(t, s.AddFavorite(ctx, "sculpting", "a1"))

	favs, err := s.ListFavorites(ctx, "default")
	require.NoError(t, err)
	require.Len(t, favs, 1)
	assert.ElementsMatch(t, []string{"default", "sculpting"}, favs[0].Favorites)

	require.NoError(t, s.RemoveFavorite(ctx, "default", "a1"))
	favs, err = s.ListFavorites(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, favs)
}

func TestTombstoneLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := testAsset("a1", "/lib/skin.zbp")
	require.NoError(t, s.UpsertScan(ctx, a))
	require.NoError(t, s.Delete(ctx, "a1"))

	t.Run("tombstoned not purged within retention", func(t *testing.T) {
		got, err := s.Get(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, asset.StateTombstoned, got.SyncState)
		assert.False(t, got.TombstonedAt.IsZero())

		purged, err := s.PurgeTombstonesOlderThan(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, purged)
	})

	t.Run("purged after retention", func(t *testing.T) {
		purged, err := s.PurgeTombstonesOlderThan(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)

		_, err = s.Get(ctx, "a1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFindBy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := testAsset("a1", "/lib/skin.zbp")
	a.Location.RemoteKey = "assets/a1/skin.zbp"
	require.NoError(t, s.UpsertScan(ctx, a))

	t.Run("by local path", func(t *testing.T) {
		got, err := s.FindByLocalPath(ctx, "/lib/skin.zbp")
		require.NoError(t, err)
		assert.Equal(t, "a1", got.ID)
	})

	t.Run("by remote key", func(t *testing.T) {
		got, err := s.FindByRemoteKey(ctx, "assets/a1/skin.zbp")
		require.NoError(t, err)
		assert.Equal(t, "a1", got.ID)
	})

	t.Run("by fingerprint hash", func(t *testing.T) {
		got, err := s.FindByFingerprintHash(ctx, "hash-a1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "a1", got[0].ID)
	})
}

func TestBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("commit applies all writes", func(t *testing.T) {
		start := time.Now()
		tx, err := s.BeginBatch(ctx)
		require.NoError(t, err)

		require.NoError(t, s.UpsertScanTx(ctx, tx, testAsset("b1", "/lib/b1.zbp")))
		require.NoError(t, s.UpsertScanTx(ctx, tx, testAsset("b2", "/lib/b2.zbp")))
		require.NoError(t, s.EndBatch(tx, start, nil))

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("error rolls back everything", func(t *testing.T) {
		s2 := newTestStore(t)
		start := time.Now()
		tx, err := s2.BeginBatch(ctx)
		require.NoError(t, err)

		require.NoError(t, s2.UpsertScanTx(ctx, tx, testAsset("b3", "/lib/b3.zbp")))
		require.Error(t, s2.EndBatch(tx, start, context.Canceled))

		all, err := s2.ListAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("sync state update in batch", func(t *testing.T) {
		require.NoError(t, s.UpsertScan(ctx, testAsset("b4", "/lib/b4.zbp")))

		start := time.Now()
		tx, err := s.BeginBatch(ctx)
		require.NoError(t, err)
		synced := asset.Fingerprint{Hash: "hash-b4", Size: 100, ModTime: time.Now()}
		require.NoError(t, s.SetSyncStateTx(ctx, tx, "b4", asset.StateSynced, synced))
		require.NoError(t, s.EndBatch(tx, start, nil))

		got, err := s.Get(ctx, "b4")
		require.NoError(t, err)
		assert.Equal(t, asset.StateSynced, got.SyncState)
		assert.Equal(t, "hash-b4", got.SyncedFingerprint.Hash)
	})
}
