package asset

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
)

// Classifier inspects a candidate file and reports its kind. header holds
// the first bytes of the file (may be empty when unreadable). The second
// return value is false when the classifier has no opinion.
type Classifier func(path string, header []byte) (Kind, bool)

// extensionKinds is the primary classification rule: a closed table of the
// extensions the creative tool emits or consumes.
var extensionKinds = map[string]Kind{
	".zbp":      KindBrush,
	".abr":      KindBrush,
	".brushset": KindBrush,
	".alp":      KindAlpha,
	".zal":      KindAlpha,
	".zmt":      KindMaterial,
	".sbsar":    KindMaterial,
	".mat":      KindMaterial,
	".ztl":      KindTool,
	".zpk":      KindTool,
	".jpg":      KindTexture,
	".jpeg":     KindTexture,
	".png":      KindTexture,
	".tif":      KindTexture,
	".tiff":     KindTexture,
	".tga":      KindTexture,
	".exr":      KindTexture,
	".hdr":      KindTexture,
	".psd":      KindTexture,
	".zpr":      KindProject,
	".fpk":      KindPreset,
	".cfg":      KindPreset,
	".preset":   KindPreset,
}

// ClassifierRegistry resolves a file to a Kind using the extension table
// first, then content sniffing, then any registered extension hooks.
// The hook mechanism keeps Kind a closed enumeration while letting hosts
// teach the registry about new container formats.
type ClassifierRegistry struct {
	mu    sync.RWMutex
	hooks []Classifier
}

func NewClassifierRegistry() *ClassifierRegistry {
	return &ClassifierRegistry{}
}

// Register appends a classifier hook. Hooks run after the built-in rules
// and only for files those rules could not place.
func (r *ClassifierRegistry) Register(c Classifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, c)
}

// Classify resolves path (with optional content header) to a Kind.
// The boolean is false for unclassifiable files, which callers skip rather
// than error on.
func (r *ClassifierRegistry) Classify(path string, header []byte) (Kind, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if kind, ok := extensionKinds[ext]; ok {
		return kind, true
	}

	if kind, ok := sniffContent(header); ok {
		return kind, true
	}

	r.mu.RLock()
	hooks := r.hooks
	r.mu.RUnlock()
	for _, hook := range hooks {
		if kind, ok := hook(path, header); ok {
			return kind, true
		}
	}

	return KindOther, false
}

// KindFromPath resolves a Kind from the extension alone, for records
// discovered without readable content (remote-only inventory entries).
func KindFromPath(path string) Kind {
	if kind, ok := extensionKinds[strings.ToLower(filepath.Ext(path))]; ok {
		return kind
	}
	return KindOther
}

// sniffContent is the fallback rule for extensionless or ambiguous files:
// recognize well-known magic bytes of image containers (textures) and of
// the tool's own binary envelopes.
func sniffContent(header []byte) (Kind, bool) {
	if len(header) < 4 {
		return KindOther, false
	}
	switch {
	case bytes.HasPrefix(header, []byte{0x89, 'P', 'N', 'G'}):
		return KindTexture, true
	case bytes.HasPrefix(header, []byte{0xFF, 0xD8, 0xFF}):
		return KindTexture, true
	case bytes.HasPrefix(header, []byte("II*\x00")) || bytes.HasPrefix(header, []byte("MM\x00*")):
		return KindTexture, true
	case bytes.HasPrefix(header, []byte("v/1\x01")): // OpenEXR
		return KindTexture, true
	case bytes.HasPrefix(header, []byte("ZBRU")):
		return KindTool, true
	}
	return KindOther, false
}

// IsImageKind reports whether a kind's bytes are an image container, which
// makes it a candidate for EXIF attribute extraction.
func IsImageKind(k Kind) bool {
	return k == KindTexture || k == KindAlpha
}
