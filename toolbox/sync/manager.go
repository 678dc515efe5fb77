package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/metrics"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/remote"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/scanner"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/store"
)

// ErrEntitlementDenied blocks remote synchronization for this install.
// Local scanning and queries keep working.
var ErrEntitlementDenied = errors.New("sync: entitlement denied for remote synchronization")

// Options configures a Manager. Inventory and Entitlement may be nil for
// purely local installs.
type Options struct {
	Store       *store.Store
	Scanner     *scanner.Scanner
	Inventory   remote.Inventory
	Entitlement remote.Entitlement
	Roots       []string
	KeyPrefix   string
	// RemoteTimeout bounds each inventory fetch and transfer; a timeout
	// is a transient failure, never a conflict.
	RemoteTimeout time.Duration
	MaxRetries    uint64
	TombstoneTTL  time.Duration
}

// Manager runs reconciliation batches. It is not safe for concurrent
// use; the registry's writer loop owns it.
type Manager struct {
	store   *store.Store
	scanner *scanner.Scanner
	inv     remote.Inventory
	ent     remote.Entitlement

	roots      []string
	keyPrefix  string
	timeout    time.Duration
	maxRetries uint64
	retention  time.Duration
}

// Report summarizes one completed batch.
type Report struct {
	Scanned    int
	Upserted   int
	Tombstoned int
	Conflicts  int
	Uploaded   int
	Downloaded int
	Purged     int64
	LocalOnly  bool
}

func NewManager(opts Options) *Manager {
	ent := opts.Entitlement
	if ent == nil {
		ent = remote.LocalEntitlement{}
	}
	timeout := opts.RemoteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	retention := opts.TombstoneTTL
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	return &Manager{
		store:      opts.Store,
		scanner:    opts.Scanner,
		inv:        opts.Inventory,
		ent:        ent,
		roots:      opts.Roots,
		keyPrefix:  opts.KeyPrefix,
		timeout:    timeout,
		maxRetries: max(opts.MaxRetries, 1),
		retention:  retention,
	}
}

// pending is one computed decision awaiting commit.
type pending struct {
	a         *asset.Asset
	op        Op
	tombstone bool
	wasState  asset.SyncState
	isNew     bool
}

// Run executes one reconciliation batch. A non-nil change set requests an
// incremental pass; a stale set degrades to a full scan. All decisions
// are computed from one snapshot before any store mutation, and the batch
// commits in a single transaction so readers never observe a half
// reconciled state.
func (m *Manager) Run(ctx context.Context, changes []scanner.Change) (*Report, error) {
	report := &Report{}

	full := changes == nil
	candidates, removed, err := m.collectLocal(ctx, changes, &full)
	if err != nil {
		metrics.SyncBatchesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	report.Scanned = len(candidates)

	remoteView, localOnly, err := m.collectRemote(ctx)
	if err != nil {
		metrics.SyncBatchesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	report.LocalOnly = localOnly

	decisions, err := m.computeDecisions(ctx, candidates, removed, remoteView, full, !localOnly)
	if err != nil {
		metrics.SyncBatchesTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if err := m.commit(ctx, decisions, report); err != nil {
		metrics.SyncBatchesTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}
	metrics.SyncBatchesTotal.WithLabelValues("committed").Inc()

	if purged, err := m.store.PurgeTombstonesOlderThan(ctx, m.retention); err != nil {
		slog.Warn("tombstone purge failed", "error", err)
	} else {
		report.Purged = purged
	}

	if !localOnly {
		m.runTransfers(ctx, decisions, report)
	}
	return report, nil
}

// collectLocal drains a scan into a candidate map keyed by canonical
// path, plus the set of paths reported removed.
func (m *Manager) collectLocal(ctx context.Context, changes []scanner.Change, full *bool) (map[string]scanner.Candidate, map[string]bool, error) {
	run := func(incremental bool) (<-chan scanner.Candidate, <-chan error) {
		if incremental {
			return m.scanner.ScanChanges(ctx, changes)
		}
		return m.scanner.Scan(ctx, m.roots)
	}

	mode := "incremental"
	if *full {
		mode = "full"
	}
	scanStart := time.Now()

	candidates := make(map[string]scanner.Candidate)
	removed := make(map[string]bool)

	out, errCh := run(!*full)
	for cand := range out {
		if cand.Removed {
			removed[cand.Path] = true
			delete(candidates, cand.Path)
			continue
		}
		candidates[cand.Path] = cand
	}
	if err := <-errCh; err != nil {
		if errors.Is(err, scanner.ErrStaleChangeSet) && !*full {
			slog.Info("change set unusable, degrading to full scan")
			*full = true
			return m.collectLocal(ctx, nil, full)
		}
		metrics.ScansTotal.WithLabelValues(mode, "failed").Inc()
		return nil, nil, fmt.Errorf("scan failed: %w", err)
	}

	metrics.ScansTotal.WithLabelValues(mode, "ok").Inc()
	metrics.ScanDuration.Observe(time.Since(scanStart).Seconds())
	return candidates, removed, nil
}

// collectRemote fetches the remote inventory snapshot. An Unknown
// entitlement or missing inventory degrades the batch to local-only
// mode; Denied surfaces and blocks the sync.
func (m *Manager) collectRemote(ctx context.Context) (map[string]remote.Object, bool, error) {
	if m.inv == nil {
		return nil, true, nil
	}
	switch m.ent.Check(ctx, "sync") {
	case remote.Denied:
		return nil, true, ErrEntitlementDenied
	case remote.Unknown:
		slog.Info("entitlement unknown, running local-only batch")
		return nil, true, nil
	}

	var objects []remote.Object
	err := m.retryTransient(ctx, func(ctx context.Context) error {
		var listErr error
		objects, listErr = m.inv.List(ctx, m.keyPrefix)
		return listErr
	})
	if err != nil {
		return nil, true, fmt.Errorf("remote inventory fetch failed: %w", err)
	}

	view := make(map[string]remote.Object, len(objects))
	for _, obj := range objects {
		view[obj.Key] = obj
	}
	return view, false, nil
}

// computeDecisions merges the three views and runs the decision table
// for every asset observed in any of them.
func (m *Manager) computeDecisions(ctx context.Context, candidates map[string]scanner.Candidate, removed map[string]bool, remoteView map[string]remote.Object, full, remoteKnown bool) ([]*pending, error) {
	existing, err := m.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading store snapshot: %w", err)
	}

	byPath := make(map[string]*asset.Asset, len(existing))
	byKey := make(map[string]*asset.Asset, len(existing))
	for _, a := range existing {
		if a.Location.LocalPath != "" {
			byPath[a.Location.LocalPath] = a
		}
		if a.Location.RemoteKey != "" {
			byKey[a.Location.RemoteKey] = a
		}
	}

	now := time.Now()
	var decisions []*pending
	claimedRemote := make(map[string]bool)
	handled := make(map[string]bool)

	// Pass 1: local candidates, matched to store records by path or, for
	// renames, by content fingerprint.
	for _, cand := range candidates {
		prior := byPath[cand.Path]
		if prior == nil {
			prior = m.adoptRename(ctx, cand, candidates)
			if prior != nil {
				slog.Info("adopted renamed asset", "id", prior.ID, "from", prior.Location.LocalPath, "to", cand.Path)
			}
		}

		a, isNew := m.applyCandidate(prior, cand, now)
		key := a.Location.RemoteKey
		if key == "" {
			key = m.keyFor(a)
		}

		var remoteHash string
		if obj, ok := remoteView[key]; ok {
			remoteHash = obj.Fingerprint
			a.Location.RemoteKey = key
			a.RemoteFingerprint = asset.Fingerprint{Hash: obj.Fingerprint, Size: obj.Size}
			a.LastSeenRemote = now
			claimedRemote[key] = true
		}

		fp := a.Fingerprint
		state, op := decide(view{prior: prior, local: &fp, remoteHash: remoteHash, remoteKnown: remoteKnown})
		finishDecision(a, state)
		decisions = append(decisions, &pending{a: a, op: op, wasState: priorState(prior), isNew: isNew})
		if prior != nil {
			handled[prior.ID] = true
		}
	}

	// Pass 2: store records with no surviving candidate.
	for _, a := range existing {
		if handled[a.ID] || a.SyncState == asset.StateTombstoned {
			continue
		}
		handled[a.ID] = true

		localAbsent := removed[a.Location.LocalPath] || (full && m.underRoots(a.Location.LocalPath))
		var local *asset.Fingerprint
		if !localAbsent && a.Location.LocalPath != "" {
			// Incremental mode: unmentioned paths are unchanged.
			fp := a.Fingerprint
			local = &fp
		}

		var remoteHash string
		if obj, ok := remoteView[a.Location.RemoteKey]; ok {
			remoteHash = obj.Fingerprint
			claimedRemote[a.Location.RemoteKey] = true
		}

		cp := a.Clone()
		state, op := decide(view{prior: a, local: local, remoteHash: remoteHash, remoteKnown: remoteKnown})
		if local == nil && m.inv == nil {
			// A purely local install has no remote side that could still
			// hold the bytes; a local delete is a delete.
			state, op = asset.StateTombstoned, OpNone
		}
		if local == nil {
			cp.Location.LocalPath = ""
		}
		if remoteHash != "" {
			cp.RemoteFingerprint = asset.Fingerprint{Hash: remoteHash}
			cp.LastSeenRemote = now
		}
		finishDecision(cp, state)
		p := &pending{a: cp, op: op, wasState: a.SyncState}
		if state == asset.StateTombstoned {
			p.tombstone = true
		}
		decisions = append(decisions, p)
	}

	// Pass 3: remote objects nobody claimed become remote-only records.
	for key, obj := range remoteView {
		if claimedRemote[key] {
			continue
		}
		if _, ok := byKey[key]; ok {
			// A record for this key exists (possibly tombstoned); never
			// resurrect it from the remote side alone.
			continue
		}
		a := m.newRemoteOnly(key, obj, now)
		decisions = append(decisions, &pending{a: a, op: OpNone, wasState: asset.StateRemoteOnly, isNew: true})
	}

	return decisions, nil
}

// adoptRename looks for a store record whose content matches cand but
// whose path no longer exists on disk. Tags and favorites follow the id.
func (m *Manager) adoptRename(ctx context.Context, cand scanner.Candidate, candidates map[string]scanner.Candidate) *asset.Asset {
	matches, err := m.store.FindByFingerprintHash(ctx, cand.Fingerprint.Hash)
	if err != nil {
		slog.Warn("rename lookup failed", "path", cand.Path, "error", err)
		return nil
	}
	for _, match := range matches {
		if match.SyncState == asset.StateTombstoned {
			continue
		}
		if _, stillThere := candidates[match.Location.LocalPath]; stillThere {
			continue
		}
		return match
	}
	return nil
}

// applyCandidate folds a scan observation into a store record, keeping
// user fields untouched.
func (m *Manager) applyCandidate(prior *asset.Asset, cand scanner.Candidate, now time.Time) (*asset.Asset, bool) {
	if prior != nil {
		a := prior.Clone()
		a.Name = cand.Name
		a.Kind = cand.Kind
		a.Location.LocalPath = cand.Path
		a.Fingerprint = cand.Fingerprint
		a.Attributes = cand.Attributes
		a.LastSeenLocal = now
		a.TombstonedAt = time.Time{}
		return a, false
	}
	return &asset.Asset{
		ID:            asset.NewID(cand.Fingerprint.Hash, cand.Path),
		Name:          cand.Name,
		Kind:          cand.Kind,
		Location:      asset.SourceLocation{LocalPath: cand.Path},
		Fingerprint:   cand.Fingerprint,
		Attributes:    cand.Attributes,
		LastSeenLocal: now,
	}, true
}

func (m *Manager) newRemoteOnly(key string, obj remote.Object, now time.Time) *asset.Asset {
	name := path.Base(key)
	return &asset.Asset{
		ID:                asset.NewID(obj.Fingerprint, key),
		Name:              name,
		Kind:              asset.KindFromPath(name),
		Location:          asset.SourceLocation{RemoteKey: key},
		RemoteFingerprint: asset.Fingerprint{Hash: obj.Fingerprint, Size: obj.Size},
		SyncState:         asset.StateRemoteOnly,
		LastSeenRemote:    now,
	}
}

// finishDecision stamps the decided state and settles the synced
// fingerprint when both sides now agree.
func finishDecision(a *asset.Asset, state asset.SyncState) {
	a.SyncState = state
	if state == asset.StateSynced && !a.Fingerprint.IsZero() {
		a.SyncedFingerprint = a.Fingerprint
	}
	if state == asset.StateTombstoned && a.TombstonedAt.IsZero() {
		a.TombstonedAt = time.Now()
	}
}

func priorState(prior *asset.Asset) asset.SyncState {
	if prior == nil {
		return asset.StateLocalOnly
	}
	return prior.SyncState
}

// commit writes every decision in one transaction. Cancellation before
// the commit point rolls the whole batch back.
func (m *Manager) commit(ctx context.Context, decisions []*pending, report *Report) error {
	start := time.Now()
	tx, err := m.store.BeginBatch(ctx)
	if err != nil {
		return err
	}

	for _, p := range decisions {
		if err = ctx.Err(); err != nil {
			break
		}
		if p.tombstone {
			err = m.store.TombstoneTx(ctx, tx, p.a.ID, p.a.TombstonedAt)
			if err == nil {
				report.Tombstoned++
			}
		} else {
			err = m.store.UpsertScanTx(ctx, tx, p.a)
			if err == nil {
				report.Upserted++
			}
		}
		if err != nil {
			break
		}
		if p.a.SyncState == asset.StateConflicted && p.wasState != asset.StateConflicted {
			report.Conflicts++
			metrics.ConflictsDetected.Inc()
		}
	}

	if err == nil {
		err = ctx.Err()
	}
	return m.store.EndBatch(tx, start, err)
}

// runTransfers works the upload/download queue after the batch commit.
// Failures leave the pending state in place; the next batch retries.
func (m *Manager) runTransfers(ctx context.Context, decisions []*pending, report *Report) {
	for _, p := range decisions {
		if p.op == OpNone || p.tombstone {
			continue
		}
		var err error
		switch p.op {
		case OpUpload:
			err = m.upload(ctx, p.a)
			if err == nil {
				report.Uploaded++
			}
		case OpDownload:
			err = m.download(ctx, p.a)
			if err == nil {
				report.Downloaded++
			}
		}
		if err != nil {
			metrics.TransfersTotal.WithLabelValues(p.op.String(), "failed").Inc()
			slog.Warn("transfer failed, will retry next batch", "op", p.op.String(), "id", p.a.ID, "error", err)
			continue
		}
		metrics.TransfersTotal.WithLabelValues(p.op.String(), "ok").Inc()
	}
}

func (m *Manager) upload(ctx context.Context, a *asset.Asset) error {
	key := a.Location.RemoteKey
	if key == "" {
		key = m.keyFor(a)
	}
	err := m.retryTransient(ctx, func(ctx context.Context) error {
		return m.inv.Upload(ctx, a.Location.LocalPath, key)
	})
	if err != nil {
		return err
	}

	a.Location.RemoteKey = key
	a.RemoteFingerprint = a.Fingerprint
	a.SyncedFingerprint = a.Fingerprint
	a.SyncState = asset.StateSynced
	a.LastSeenRemote = time.Now()
	return m.store.UpsertScan(ctx, a)
}

func (m *Manager) download(ctx context.Context, a *asset.Asset) error {
	localPath := a.Location.LocalPath
	if localPath == "" {
		if len(m.roots) == 0 {
			return fmt.Errorf("no asset root configured for download of %s", a.Location.RemoteKey)
		}
		localPath = asset.CanonicalPath(path.Join(m.roots[0], path.Base(a.Location.RemoteKey)))
	}
	err := m.retryTransient(ctx, func(ctx context.Context) error {
		return m.inv.Download(ctx, a.Location.RemoteKey, localPath)
	})
	if err != nil {
		return err
	}

	fp, err := asset.ComputeFingerprint(localPath)
	if err != nil {
		return fmt.Errorf("fingerprinting downloaded asset %s: %w", localPath, err)
	}
	a.Location.LocalPath = localPath
	a.Fingerprint = fp
	a.SyncedFingerprint = fp
	a.RemoteFingerprint = fp
	a.SyncState = asset.StateSynced
	a.LastSeenLocal = time.Now()
	return m.store.UpsertScan(ctx, a)
}

// retryTransient retries fn with capped exponential backoff while it
// keeps failing transiently. Permanent errors abort immediately.
func (m *Manager) retryTransient(ctx context.Context, fn func(context.Context) error) error {
	operation := func() error {
		opCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		err := fn(opCtx)
		if err == nil {
			return nil
		}
		if remote.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), m.maxRetries), ctx)
	return backoff.Retry(operation, bo)
}

func (m *Manager) keyFor(a *asset.Asset) string {
	prefix := m.keyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + a.ID + "/" + a.Name
}

// freshKeyFor derives a remote key the asset has never used, so a
// re-keyed upload can never overwrite an object another record still
// points at.
func (m *Manager) freshKeyFor(a *asset.Asset) string {
	prefix := m.keyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + a.ID + "/" + uuid.NewString() + "/" + a.Name
}

func (m *Manager) underRoots(p string) bool {
	for _, root := range m.roots {
		root = asset.CanonicalPath(root)
		if p == root || strings.HasPrefix(p, root+"/") {
			return true
		}
	}
	return false
}
