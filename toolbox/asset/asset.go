package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// SyncState tracks an asset's reconciliation status across its local and
// remote locations.
type SyncState int

const (
	StateLocalOnly SyncState = iota
	StateRemoteOnly
	StateSynced
	StateConflicted
	StatePendingUpload
	StatePendingDownload
	StateTombstoned
)

func (s SyncState) String() string {
	switch s {
	case StateLocalOnly:
		return "local-only"
	case StateRemoteOnly:
		return "remote-only"
	case StateSynced:
		return "synced"
	case StateConflicted:
		return "conflicted"
	case StatePendingUpload:
		return "pending-upload"
	case StatePendingDownload:
		return "pending-download"
	case StateTombstoned:
		return "tombstoned"
	default:
		return "unknown"
	}
}

// SourceLocation records where an asset's bytes live. An asset may exist
// locally, remotely, both, or neither (registered but missing).
type SourceLocation struct {
	LocalPath string `json:"local_path,omitempty"`
	RemoteKey string `json:"remote_key,omitempty"`
}

// Asset is one discovered or registered library item.
//
// The metadata store owns persisted Asset records. The fields split into
// scan-originated (Kind, Fingerprint, Location presence, LastSeen*) and
// user-originated (Tags, Favorites, Attributes); re-scans overwrite the
// former and must never touch the latter.
type Asset struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Kind     Kind           `json:"kind"`
	Location SourceLocation `json:"location"`

	Fingerprint Fingerprint `json:"fingerprint"`
	// SyncedFingerprint is the content identity both sides agreed on at the
	// last successful sync. Reconciliation decisions compare each side
	// against this value, never against each other directly.
	SyncedFingerprint Fingerprint `json:"synced_fingerprint"`
	RemoteFingerprint Fingerprint `json:"remote_fingerprint"`

	Tags       []string          `json:"tags"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Favorites  []string          `json:"favorites,omitempty"` // favorite-set names

	SyncState      SyncState `json:"sync_state"`
	LastSeenLocal  time.Time `json:"last_seen_local"`
	LastSeenRemote time.Time `json:"last_seen_remote"`
	TombstonedAt   time.Time `json:"tombstoned_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID derives a stable asset identifier from a content fingerprint hash
// and the canonical logical path at first sight. The id never changes once
// assigned, even if the file later moves or its content changes.
func NewID(fingerprintHash, logicalPath string) string {
	h := sha256.New()
	h.Write([]byte(fingerprintHash))
	h.Write([]byte{'\n'})
	h.Write([]byte(CanonicalPath(logicalPath)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// HasTag reports set membership.
func (a *Asset) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// InFavoriteSet reports membership in a named favorite set.
func (a *Asset) InFavoriteSet(set string) bool {
	for _, s := range a.Favorites {
		if s == set {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (a *Asset) Clone() *Asset {
	cp := *a
	cp.Tags = append([]string(nil), a.Tags...)
	cp.Favorites = append([]string(nil), a.Favorites...)
	if a.Attributes != nil {
		cp.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			cp.Attributes[k] = v
		}
	}
	return &cp
}

// NormalizeTags sorts and dedupes a tag list in place, enforcing set
// semantics before persistence.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
