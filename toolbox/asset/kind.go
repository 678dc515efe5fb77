package asset

import "strings"

// Kind classifies an asset into one of the closed set of creative-tool
// asset types understood by the registry.
type Kind int

const (
	KindOther Kind = iota
	KindBrush
	KindAlpha
	KindMaterial
	KindTool
	KindTexture
	KindProject
	KindPreset
)

func (k Kind) String() string {
	switch k {
	case KindBrush:
		return "brush"
	case KindAlpha:
		return "alpha"
	case KindMaterial:
		return "material"
	case KindTool:
		return "tool"
	case KindTexture:
		return "texture"
	case KindProject:
		return "project"
	case KindPreset:
		return "preset"
	default:
		return "other"
	}
}

// ParseKind maps a kind name back to its enum value. Unknown names map to
// KindOther rather than erroring, mirroring the skip-don't-fail rule of
// classification.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "brush":
		return KindBrush
	case "alpha":
		return KindAlpha
	case "material":
		return KindMaterial
	case "tool":
		return KindTool
	case "texture":
		return KindTexture
	case "project":
		return KindProject
	case "preset":
		return KindPreset
	default:
		return KindOther
	}
}

// AllKinds lists every kind in a stable order, useful for filter UIs.
func AllKinds() []Kind {
	return []Kind{KindBrush, KindAlpha, KindMaterial, KindTool, KindTexture, KindProject, KindPreset, KindOther}
}
