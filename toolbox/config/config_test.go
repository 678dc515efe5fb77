package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("reads values from yaml file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		content := `
toolbox:
  assetPaths:
    - /library/brushes
    - /library/alphas
  autoScan: false
  maxRecent: 25
  remote:
    bucket: my-assets
    keyPrefix: "zb/"
    timeout: 45s
  scan:
    debounceDelay: 100ms
    tombstoneTTL: 72h
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, []string{"/library/brushes", "/library/alphas"}, cfg.Toolbox.AssetPaths)
		assert.False(t, cfg.Toolbox.AutoScan)
		assert.Equal(t, 25, cfg.Toolbox.MaxRecent)
		assert.Equal(t, "my-assets", cfg.Toolbox.Remote.Bucket)
		assert.Equal(t, "zb/", cfg.Toolbox.Remote.KeyPrefix)
		assert.Equal(t, 45*time.Second, cfg.Toolbox.Remote.Timeout)
		assert.Equal(t, 100*time.Millisecond, cfg.Toolbox.Scan.DebounceDelay)
		assert.Equal(t, 72*time.Hour, cfg.Toolbox.Scan.TombstoneTTL)
	})

	t.Run("defaults apply when keys are missing", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("toolbox:\n  maxRecent: 5\n"), 0o644))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 5, cfg.Toolbox.MaxRecent)
		assert.Equal(t, "assets/", cfg.Toolbox.Remote.KeyPrefix)
		assert.Equal(t, 30*time.Second, cfg.Toolbox.Remote.Timeout)
		assert.Equal(t, 250*time.Millisecond, cfg.Toolbox.Scan.DebounceDelay)
		assert.Equal(t, 14*24*time.Hour, cfg.Toolbox.Scan.TombstoneTTL)
		assert.True(t, cfg.Toolbox.AutoScan)
	})
}
