// Package sync reconciles three views of the asset library: scanner
// output (local truth), the metadata store (committed history), and the
// remote inventory. Each batch computes the full decision table from one
// consistent snapshot, commits it in a single store transaction, then
// works the resulting transfer queue.
package sync

import (
	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

// Op is the follow-up transfer a decision queues.
type Op int

const (
	OpNone Op = iota
	OpUpload
	OpDownload
)

func (o Op) String() string {
	switch o {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	default:
		return "none"
	}
}

// view is the merged per-asset snapshot a decision is computed from.
type view struct {
	prior *asset.Asset // store record, nil if never seen
	local *asset.Fingerprint
	// remote fingerprint hash; empty string means absent. remoteKnown is
	// false when the batch runs local-only (entitlement unknown or no
	// inventory configured) and remote-driven transitions must not fire.
	remoteHash  string
	remoteKnown bool
}

// decide applies the reconciliation table. Each side is compared against
// the last synced fingerprint, never against the other side directly;
// that is what makes a stale remote an upload, not a download.
func decide(v view) (asset.SyncState, Op) {
	var synced asset.Fingerprint
	prior := v.prior
	if prior != nil {
		synced = prior.SyncedFingerprint
	}

	localPresent := v.local != nil
	remotePresent := v.remoteKnown && v.remoteHash != ""

	// Conflicts are terminal until the user resolves them.
	if prior != nil && prior.SyncState == asset.StateConflicted {
		return asset.StateConflicted, OpNone
	}

	switch {
	case localPresent && remotePresent:
		localChanged := synced.IsZero() || !v.local.Equal(synced)
		remoteChanged := synced.IsZero() || v.remoteHash != synced.Hash

		switch {
		case !localChanged && !remoteChanged:
			return asset.StateSynced, OpNone
		case localChanged && !remoteChanged:
			return asset.StatePendingUpload, OpUpload
		case !localChanged && remoteChanged:
			return asset.StatePendingDownload, OpDownload
		case v.local.Hash == v.remoteHash:
			// Both moved to the same content; nothing to transfer.
			return asset.StateSynced, OpNone
		default:
			return asset.StateConflicted, OpNone
		}

	case localPresent && v.remoteKnown:
		// Local truth wins over a vanished or never-created remote copy.
		return asset.StatePendingUpload, OpUpload

	case localPresent:
		// Local-only mode: record presence, queue nothing.
		if prior != nil && prior.SyncState != asset.StateLocalOnly {
			return prior.SyncState, OpNone
		}
		return asset.StateLocalOnly, OpNone

	case remotePresent:
		return asset.StateRemoteOnly, OpNone

	case v.remoteKnown:
		// Gone on both sides: soft-delete, purge after retention.
		return asset.StateTombstoned, OpNone

	default:
		// Local absent and remote unverifiable; do not tombstone on a
		// one-sided view.
		if prior != nil {
			return prior.SyncState, OpNone
		}
		return asset.StateLocalOnly, OpNone
	}
}
