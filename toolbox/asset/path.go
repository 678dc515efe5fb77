package asset

import (
	"path/filepath"
	"strings"
)

// CanonicalPath normalizes a filesystem path to a stable, comparable form:
// forward slashes, cleaned components, no trailing slash except for root.
func CanonicalPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	// filepath.Clean preserves platform separators; convert after cleaning.
	p = filepath.ToSlash(filepath.Clean(p))
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
