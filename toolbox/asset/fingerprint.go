package asset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"
)

// Fingerprint identifies a concrete revision of an asset's content.
// Hash is the hex-encoded sha256 of the file bytes; Size and ModTime are
// recorded alongside so cheap change checks can avoid re-hashing.
type Fingerprint struct {
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// IsZero reports whether the fingerprint has never been populated.
func (f Fingerprint) IsZero() bool {
	return f.Hash == "" && f.Size == 0 && f.ModTime.IsZero()
}

// Equal compares content identity. Only the hash matters: size is implied
// by the hash and mtime is advisory (copies keep content but not mtime).
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Hash == other.Hash
}

// ComputeFingerprint hashes the file at path and returns its fingerprint.
func ComputeFingerprint(path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Fingerprint{}, fmt.Errorf("cannot fingerprint directory %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return Fingerprint{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return Fingerprint{
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// MaybeChanged reports whether the cheap stat attributes differ, signalling
// that the content must be re-hashed. A false result means the content is
// assumed unchanged and the stored hash can be reused.
func (f Fingerprint) MaybeChanged(size int64, modTime time.Time) bool {
	return f.Size != size || !f.ModTime.Equal(modTime)
}
