package sync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

// Resolution is the user's answer to a conflicted asset.
type Resolution int

const (
	KeepLocal Resolution = iota
	KeepRemote
	KeepBoth
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep-local"
	case KeepRemote:
		return "keep-remote"
	default:
		return "keep-both"
	}
}

// ParseResolution maps the user-facing choice names.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "keep-local", "local":
		return KeepLocal, nil
	case "keep-remote", "remote":
		return KeepRemote, nil
	case "keep-both", "both":
		return KeepBoth, nil
	}
	return KeepLocal, fmt.Errorf("unknown resolution %q", s)
}

// ErrNotConflicted rejects a resolution for an asset that is not in the
// conflicted state.
var ErrNotConflicted = errors.New("sync: asset is not conflicted")

// Resolve applies an explicit user decision to a conflicted asset. The
// engine never picks a side on its own.
//
// keep-local re-stamps the local content as truth and uploads it;
// keep-remote overwrites the local file from the remote copy; keep-both
// preserves the remote version under a new asset id and keeps the local
// one, so neither side's bytes are lost.
func (m *Manager) Resolve(ctx context.Context, id string, choice Resolution) error {
	a, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.SyncState != asset.StateConflicted {
		return fmt.Errorf("%w: %s is %s", ErrNotConflicted, id, a.SyncState)
	}

	switch choice {
	case KeepLocal:
		a.SyncState = asset.StatePendingUpload
		if err := m.setState(ctx, a); err != nil {
			return err
		}
		if m.inv == nil {
			return nil
		}
		return m.upload(ctx, a)

	case KeepRemote:
		if m.inv == nil || a.Location.RemoteKey == "" {
			return fmt.Errorf("no remote copy available for %s", id)
		}
		a.SyncState = asset.StatePendingDownload
		if err := m.setState(ctx, a); err != nil {
			return err
		}
		return m.download(ctx, a)

	case KeepBoth:
		if m.inv == nil || a.Location.RemoteKey == "" {
			return fmt.Errorf("no remote copy available for %s", id)
		}
		// The remote version becomes a sibling asset with a fresh id; the
		// original keeps the local bytes and re-uploads under a fresh key.
		twin := a.Clone()
		twin.ID = uuid.NewString()
		twin.Tags = nil
		twin.Favorites = nil
		twin.Location.LocalPath = conflictCopyPath(a.Location.LocalPath)
		twin.SyncState = asset.StatePendingDownload
		twin.SyncedFingerprint = asset.Fingerprint{}
		twin.Fingerprint = asset.Fingerprint{}
		if err := m.store.UpsertScan(ctx, twin); err != nil {
			return err
		}
		if err := m.download(ctx, twin); err != nil {
			return err
		}
		// The twin keeps the old key and the remote bytes already under
		// it; the original re-uploads to a key neither record has ever
		// used. The fresh key is persisted before the transfer so a
		// failed upload retries against it, never the old key.
		a.Location.RemoteKey = m.freshKeyFor(a)
		a.SyncState = asset.StatePendingUpload
		if err := m.store.UpsertScan(ctx, a); err != nil {
			return err
		}
		return m.upload(ctx, a)
	}
	return fmt.Errorf("unknown resolution %d", choice)
}

// setState commits a resolution's state flip through the store's batch
// transaction path, leaving every scan- and user-originated field alone.
func (m *Manager) setState(ctx context.Context, a *asset.Asset) error {
	start := time.Now()
	tx, err := m.store.BeginBatch(ctx)
	if err != nil {
		return err
	}
	err = m.store.SetSyncStateTx(ctx, tx, a.ID, a.SyncState, a.SyncedFingerprint)
	return m.store.EndBatch(tx, start, err)
}

// conflictCopyPath derives a non-colliding sibling path for the remote
// version of a conflicted asset.
func conflictCopyPath(localPath string) string {
	dir, file := path.Split(localPath)
	ext := path.Ext(file)
	base := file[:len(file)-len(ext)]
	return asset.CanonicalPath(dir + base + ".remote-" + time.Now().Format("20060102-150405") + ext)
}
