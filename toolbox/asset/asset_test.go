package asset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	t.Run("stable for same content and path", func(t *testing.T) {
		a := NewID("abc123", "/library/brushes/skin.zbp")
		b := NewID("abc123", "/library/brushes/skin.zbp")
		assert.Equal(t, a, b)
		assert.Len(t, a, 32)
	})

	t.Run("path normalization does not change the id", func(t *testing.T) {
		a := NewID("abc123", "/library/brushes/skin.zbp")
		b := NewID("abc123", `\library\brushes\skin.zbp`)
		assert.Equal(t, a, b)
	})

	t.Run("different content yields different id", func(t *testing.T) {
		a := NewID("abc123", "/library/brushes/skin.zbp")
		b := NewID("def456", "/library/brushes/skin.zbp")
		assert.NotEqual(t, a, b)
	})
}

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"backslashes", `C:\assets\brushes`, "C:/assets/brushes"},
		{"trailing slash", "/assets/brushes/", "/assets/brushes"},
		{"double separators", "/assets//brushes", "/assets/brushes"},
		{"dot segments", "/assets/./brushes/../alphas", "/assets/alphas"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanonicalPath(tc.in))
		})
	}
}

func TestClone(t *testing.T) {
	a := &Asset{
		ID:         "id1",
		Name:       "skin.zbp",
		Tags:       []string{"organic"},
		Attributes: map[string]string{"category": "skin"},
		Favorites:  []string{"default"},
	}

	cp := a.Clone()
	cp.Tags[0] = "changed"
	cp.Attributes["category"] = "changed"
	cp.Favorites[0] = "changed"

	assert.Equal(t, "organic", a.Tags[0])
	assert.Equal(t, "skin", a.Attributes["category"])
	assert.Equal(t, "default", a.Favorites[0])
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"organic", "hero", "", "organic"})
	assert.Equal(t, []string{"hero", "organic"}, got)
	assert.Nil(t, NormalizeTags(nil))
}

func TestFingerprint(t *testing.T) {
	t.Run("compute hashes file content", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "brush.zbp")
		require.NoError(t, os.WriteFile(path, []byte("brush bytes"), 0o644))

		fp, err := ComputeFingerprint(path)
		require.NoError(t, err)
		assert.NotEmpty(t, fp.Hash)
		assert.Equal(t, int64(len("brush bytes")), fp.Size)
		assert.False(t, fp.IsZero())

		again, err := ComputeFingerprint(path)
		require.NoError(t, err)
		assert.True(t, fp.Equal(again))
	})

	t.Run("different content different hash", func(t *testing.T) {
		dir := t.TempDir()
		p1 := filepath.Join(dir, "a.zbp")
		p2 := filepath.Join(dir, "b.zbp")
		require.NoError(t, os.WriteFile(p1, []byte("one"), 0o644))
		require.NoError(t, os.WriteFile(p2, []byte("two"), 0o644))

		fp1, err := ComputeFingerprint(p1)
		require.NoError(t, err)
		fp2, err := ComputeFingerprint(p2)
		require.NoError(t, err)
		assert.False(t, fp1.Equal(fp2))
	})

	t.Run("zero value", func(t *testing.T) {
		var fp Fingerprint
		assert.True(t, fp.IsZero())
	})

	t.Run("maybe changed on size or mtime", func(t *testing.T) {
		now := time.Now()
		fp := Fingerprint{Hash: "h", Size: 10, ModTime: now}
		assert.False(t, fp.MaybeChanged(10, now))
		assert.True(t, fp.MaybeChanged(11, now))
		assert.True(t, fp.MaybeChanged(10, now.Add(time.Second)))
	})
}

func TestClassify(t *testing.T) {
	reg := NewClassifierRegistry()

	t.Run("extension table", func(t *testing.T) {
		cases := map[string]Kind{
			"skin.zbp":     KindBrush,
			"crack.ALP":    KindAlpha,
			"gold.zmt":     KindMaterial,
			"head.ztl":     KindTool,
			"diffuse.png":  KindTexture,
			"scene.zpr":    KindProject,
			"ui.preset":    KindPreset,
			"wood.sbsar":   KindMaterial,
			"stamp.abr":    KindBrush,
			"normal.tiff":  KindTexture,
		}
		for path, want := range cases {
			kind, ok := reg.Classify(path, nil)
			assert.True(t, ok, path)
			assert.Equal(t, want, kind, path)
		}
	})

	t.Run("magic byte fallback", func(t *testing.T) {
		png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
		kind, ok := reg.Classify("noext", png)
		assert.True(t, ok)
		assert.Equal(t, KindTexture, kind)
	})

	t.Run("unclassifiable", func(t *testing.T) {
		_, ok := reg.Classify("readme.txt", []byte("hello"))
		assert.False(t, ok)
	})

	t.Run("registered hook", func(t *testing.T) {
		hooked := NewClassifierRegistry()
		hooked.Register(func(path string, header []byte) (Kind, bool) {
			if filepath.Ext(path) == ".custom" {
				return KindPreset, true
			}
			return KindOther, false
		})
		kind, ok := hooked.Classify("thing.custom", nil)
		assert.True(t, ok)
		assert.Equal(t, KindPreset, kind)
	})
}

func TestParseKind(t *testing.T) {
	for _, k := range AllKinds() {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, KindOther, ParseKind("nonsense"))
}

func TestKindFromPath(t *testing.T) {
	assert.Equal(t, KindBrush, KindFromPath("assets/x/skin.zbp"))
	assert.Equal(t, KindOther, KindFromPath("assets/x/notes.txt"))
}
