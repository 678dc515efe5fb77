package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

func fp(hash string) asset.Fingerprint {
	return asset.Fingerprint{Hash: hash, Size: 10}
}

func priorWith(state asset.SyncState, syncedHash string) *asset.Asset {
	a := &asset.Asset{ID: "a1", SyncState: state}
	if syncedHash != "" {
		a.SyncedFingerprint = fp(syncedHash)
	}
	return a
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name      string
		prior     *asset.Asset
		local     string // fingerprint hash, "" = absent
		remote    string // fingerprint hash, "" = absent
		wantState asset.SyncState
		wantOp    Op
	}{
		{
			name:      "new local file, no remote",
			prior:     nil,
			local:     "F1",
			wantState: asset.StatePendingUpload,
			wantOp:    OpUpload,
		},
		{
			name:      "both unchanged since last sync",
			prior:     priorWith(asset.StateSynced, "F1"),
			local:     "F1",
			remote:    "F1",
			wantState: asset.StateSynced,
			wantOp:    OpNone,
		},
		{
			name:      "local changed, remote unchanged",
			prior:     priorWith(asset.StateSynced, "F1"),
			local:     "F2",
			remote:    "F1",
			wantState: asset.StatePendingUpload,
			wantOp:    OpUpload,
		},
		{
			name:      "local unchanged, remote changed",
			prior:     priorWith(asset.StateSynced, "F1"),
			local:     "F1",
			remote:    "F2",
			wantState: asset.StatePendingDownload,
			wantOp:    OpDownload,
		},
		{
			name:      "both changed differently",
			prior:     priorWith(asset.StateSynced, "F1"),
			local:     "F2",
			remote:    "F3",
			wantState: asset.StateConflicted,
			wantOp:    OpNone,
		},
		{
			name:      "both changed to the same content",
			prior:     priorWith(asset.StateSynced, "F1"),
			local:     "F2",
			remote:    "F2",
			wantState: asset.StateSynced,
			wantOp:    OpNone,
		},
		{
			name:      "stale remote: local diverged, remote still at last synced",
			prior:     priorWith(asset.StateSynced, "F0"),
			local:     "F1",
			remote:    "F0",
			wantState: asset.StatePendingUpload,
			wantOp:    OpUpload,
		},
		{
			name:      "local gone, remote present",
			prior:     priorWith(asset.StateSynced, "F1"),
			remote:    "F1",
			wantState: asset.StateRemoteOnly,
			wantOp:    OpNone,
		},
		{
			name:      "gone on both sides",
			prior:     priorWith(asset.StateSynced, "F1"),
			wantState: asset.StateTombstoned,
			wantOp:    OpNone,
		},
		{
			name:      "never synced, present both sides with same content",
			prior:     nil,
			local:     "F1",
			remote:    "F1",
			wantState: asset.StateSynced,
			wantOp:    OpNone,
		},
		{
			name:      "never synced, present both sides with different content",
			prior:     nil,
			local:     "F1",
			remote:    "F2",
			wantState: asset.StateConflicted,
			wantOp:    OpNone,
		},
		{
			name:      "conflicted stays conflicted",
			prior:     priorWith(asset.StateConflicted, "F1"),
			local:     "F2",
			remote:    "F1",
			wantState: asset.StateConflicted,
			wantOp:    OpNone,
		},
		{
			name:      "synced local file whose remote copy vanished",
			prior:     priorWith(asset.StateSynced, "F1"),
			local:     "F1",
			wantState: asset.StatePendingUpload,
			wantOp:    OpUpload,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := view{prior: tc.prior, remoteHash: tc.remote, remoteKnown: true}
			if tc.local != "" {
				localFP := fp(tc.local)
				v.local = &localFP
			}
			state, op := decide(v)
			assert.Equal(t, tc.wantState, state)
			assert.Equal(t, tc.wantOp, op)
		})
	}
}

func TestDecideLocalOnlyMode(t *testing.T) {
	t.Run("new file gets local-only state", func(t *testing.T) {
		localFP := fp("F1")
		state, op := decide(view{local: &localFP, remoteKnown: false})
		assert.Equal(t, asset.StateLocalOnly, state)
		assert.Equal(t, OpNone, op)
	})

	t.Run("synced asset keeps its state", func(t *testing.T) {
		localFP := fp("F1")
		state, op := decide(view{
			prior:       priorWith(asset.StateSynced, "F1"),
			local:       &localFP,
			remoteKnown: false,
		})
		assert.Equal(t, asset.StateSynced, state)
		assert.Equal(t, OpNone, op)
	})

	t.Run("absent local never tombstones without a remote view", func(t *testing.T) {
		state, op := decide(view{
			prior:       priorWith(asset.StateSynced, "F1"),
			remoteKnown: false,
		})
		assert.Equal(t, asset.StateSynced, state)
		assert.Equal(t, OpNone, op)
	})
}
