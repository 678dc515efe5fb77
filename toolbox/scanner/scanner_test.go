package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func collect(t *testing.T, out <-chan Candidate, errCh <-chan error) map[string]Candidate {
	t.Helper()
	got := make(map[string]Candidate)
	for c := range out {
		got[c.Path] = c
	}
	require.NoError(t, <-errCh)
	return got
}

func TestScan(t *testing.T) {
	ctx := context.Background()

	t.Run("classifies and fingerprints recognized files", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "brushes/skin.zbp", "brush bytes")
		writeFile(t, root, "alphas/crack.alp", "alpha bytes")
		writeFile(t, root, "notes.txt", "not an asset")

		s := New(nil, "", 2)
		out, errCh := s.Scan(ctx, []string{root})
		got := collect(t, out, errCh)

		require.Len(t, got, 2)
		brush := got[asset.CanonicalPath(filepath.Join(root, "brushes/skin.zbp"))]
		assert.Equal(t, asset.KindBrush, brush.Kind)
		assert.Equal(t, "skin.zbp", brush.Name)
		assert.NotEmpty(t, brush.Fingerprint.Hash)
		assert.Equal(t, int64(len("brush bytes")), brush.Fingerprint.Size)
	})

	t.Run("same content yields same hash across paths", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "a.zbp", "identical")
		writeFile(t, root, "b.zbp", "identical")

		s := New(nil, "", 2)
		out, errCh := s.Scan(ctx, []string{root})
		got := collect(t, out, errCh)

		require.Len(t, got, 2)
		var hashes []string
		for _, c := range got {
			hashes = append(hashes, c.Fingerprint.Hash)
		}
		assert.Equal(t, hashes[0], hashes[1])
	})

	t.Run("honors ignore file", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, ".assetignore", "wip\n")
		writeFile(t, root, "keep.zbp", "kept")
		writeFile(t, root, "wip/draft.zbp", "ignored")

		s := New(nil, ".assetignore", 2)
		out, errCh := s.Scan(ctx, []string{root})
		got := collect(t, out, errCh)

		require.Len(t, got, 1)
		_, ok := got[asset.CanonicalPath(filepath.Join(root, "keep.zbp"))]
		assert.True(t, ok)
	})

	t.Run("multiple roots", func(t *testing.T) {
		r1 := t.TempDir()
		r2 := t.TempDir()
		writeFile(t, r1, "one.zbp", "1")
		writeFile(t, r2, "two.zbp", "2")

		s := New(nil, "", 2)
		out, errCh := s.Scan(ctx, []string{r1, r2})
		got := collect(t, out, errCh)
		assert.Len(t, got, 2)
	})

	t.Run("missing root is not fatal", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "ok.zbp", "fine")

		s := New(nil, "", 2)
		out, errCh := s.Scan(ctx, []string{root, filepath.Join(root, "does-not-exist")})
		got := collect(t, out, errCh)
		assert.Len(t, got, 1)
	})
}

func TestScanChanges(t *testing.T) {
	ctx := context.Background()
	s := New(nil, "", 2)

	t.Run("modified file is re-fingerprinted", func(t *testing.T) {
		root := t.TempDir()
		path := writeFile(t, root, "mod.zbp", "v2 content")

		out, errCh := s.ScanChanges(ctx, []Change{{Path: path}})
		got := collect(t, out, errCh)
		require.Len(t, got, 1)
		c := got[asset.CanonicalPath(path)]
		assert.False(t, c.Removed)
		assert.NotEmpty(t, c.Fingerprint.Hash)
	})

	t.Run("removed path yields removal candidate", func(t *testing.T) {
		out, errCh := s.ScanChanges(ctx, []Change{{Path: "/gone/file.zbp", Removed: true}})
		got := collect(t, out, errCh)
		require.Len(t, got, 1)
		assert.True(t, got["/gone/file.zbp"].Removed)
	})

	t.Run("vanished file degrades to removal", func(t *testing.T) {
		root := t.TempDir()
		path := filepath.Join(root, "raced.zbp")

		out, errCh := s.ScanChanges(ctx, []Change{{Path: path}})
		got := collect(t, out, errCh)
		require.Len(t, got, 1)
		assert.True(t, got[asset.CanonicalPath(path)].Removed)
	})

	t.Run("directory change rescans the subtree", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, root, "sub/a.zbp", "a")
		writeFile(t, root, "sub/b.zbp", "b")

		out, errCh := s.ScanChanges(ctx, []Change{{Path: filepath.Join(root, "sub")}})
		got := collect(t, out, errCh)
		assert.Len(t, got, 2)
	})

	t.Run("empty change set is stale", func(t *testing.T) {
		out, errCh := s.ScanChanges(ctx, nil)
		for range out {
		}
		assert.ErrorIs(t, <-errCh, ErrStaleChangeSet)
	})

	t.Run("blank path is stale", func(t *testing.T) {
		out, errCh := s.ScanChanges(ctx, []Change{{Path: ""}})
		for range out {
		}
		assert.ErrorIs(t, <-errCh, ErrStaleChangeSet)
	})
}
