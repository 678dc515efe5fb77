// Package registry is the embeddable facade of the asset engine. It
// owns process-wide state behind an explicit init/teardown contract,
// funnels every store mutation through one writer goroutine, and serves
// reads from the index's current snapshot.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"

	assert "github.com/ZanzyTHEbar/assert-lib"

	internal "github.com/mdunnam/XMDToolBox4v2/toolbox"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/config"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/index"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/remote"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/scanner"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/store"
	toolsync "github.com/mdunnam/XMDToolBox4v2/toolbox/sync"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/watcher"
)

// ErrClosed rejects calls on a registry that has been shut down.
var ErrClosed = errors.New("registry: closed")

// Options wires the registry's collaborators. Inventory and Entitlement
// are optional; a nil inventory runs the engine purely locally.
type Options struct {
	Config      *config.Config
	Inventory   remote.Inventory
	Entitlement remote.Entitlement
	Classifier  *asset.ClassifierRegistry
}

type command struct {
	name string
	run  func(ctx context.Context, h *Handle) error
	h    *Handle
}

// Registry serializes all mutating operations through a single writer
// goroutine; that discipline is what preserves the scan/user-edit merge
// rule under concurrency. Reads never block on writes.
type Registry struct {
	cfg     *config.Config
	store   *store.Store
	idx     *index.Index
	scanner *scanner.Scanner
	syncer  *toolsync.Manager
	watcher *watcher.Watcher

	assertHandler *assert.AssertHandler
	writers       atomic.Int32

	commands chan command
	ctx      context.Context
	cancel   context.CancelFunc
	wg       stdsync.WaitGroup

	mu      stdsync.Mutex
	started bool
	closed  bool

	recent *recentRing
}

// New builds a registry from configuration. Call Start to begin
// background work; New itself only opens the store and loads the index.
func New(ctx context.Context, opts Options) (*Registry, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.AppConfig
	}

	dbPath := cfg.Toolbox.Database.DSN
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	st, err := store.New(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}

	sc := scanner.New(opts.Classifier, internal.DefaultIgnoreFile, cfg.Toolbox.Scan.MaxWorkers)

	roots := make([]string, 0, len(cfg.Toolbox.AssetPaths))
	for _, p := range cfg.Toolbox.AssetPaths {
		roots = append(roots, asset.CanonicalPath(p))
	}

	syncer := toolsync.NewManager(toolsync.Options{
		Store:         st,
		Scanner:       sc,
		Inventory:     opts.Inventory,
		Entitlement:   opts.Entitlement,
		Roots:         roots,
		KeyPrefix:     cfg.Toolbox.Remote.KeyPrefix,
		RemoteTimeout: cfg.Toolbox.Remote.Timeout,
		MaxRetries:    uint64(cfg.Toolbox.Remote.MaxRetries),
		TombstoneTTL:  cfg.Toolbox.Scan.TombstoneTTL,
	})

	w, err := watcher.New(watcher.Config{
		DebounceDelay:    cfg.Toolbox.Scan.DebounceDelay,
		MaxDebounceDelay: cfg.Toolbox.Scan.MaxDebounceDelay,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:           cfg,
		store:         st,
		idx:           index.New(),
		scanner:       sc,
		syncer:        syncer,
		watcher:       w,
		assertHandler: assert.NewAssertHandler(),
		commands:      make(chan command, 64),
		ctx:           rctx,
		cancel:        cancel,
		recent:        newRecentRing(cfg.Toolbox.MaxRecent),
	}

	if err := r.idx.Rebuild(ctx, st); err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("failed to build search index: %w", err)
	}
	return r, nil
}

// Start launches the writer loop and, when autoScan is enabled, the
// filesystem watcher plus an initial full reconciliation. Calling Start
// twice is a no-op.
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	r.started = true

	r.wg.Add(1)
	go r.writerLoop()

	if r.cfg.Toolbox.AutoScan {
		if err := r.watcher.Start(r.roots()); err != nil {
			slog.Warn("watcher start failed, continuing without live updates", "error", err)
		} else {
			r.wg.Add(1)
			go r.watchPump()
		}
		r.TriggerSync()
	}

	slog.Info("asset registry started", "roots", len(r.roots()), "autoScan", r.cfg.Toolbox.AutoScan)
	return nil
}

// Close stops background work and releases the store. Idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	r.cancel()
	if started {
		r.watcher.Close()
		r.wg.Wait()
	}
	err := r.store.Close()
	slog.Info("asset registry closed")
	return err
}

func (r *Registry) roots() []string {
	roots := make([]string, 0, len(r.cfg.Toolbox.AssetPaths))
	for _, p := range r.cfg.Toolbox.AssetPaths {
		roots = append(roots, asset.CanonicalPath(p))
	}
	return roots
}

// writerLoop is the single goroutine allowed to mutate the store.
func (r *Registry) writerLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case cmd := <-r.commands:
			if r.store.Halted() {
				cmd.h.finish(fmt.Errorf("%s refused: %w", cmd.name, store.ErrHalted))
				continue
			}
			cmd.h.setProgress("running")
			// The merge rule only holds if no store mutation ever runs
			// concurrently with a command.
			writers := r.writers.Add(1)
			r.assertHandler.Assert(r.ctx, writers == 1,
				"store writer discipline violated",
				"writers", writers, "command", cmd.name)
			err := cmd.run(r.ctx, cmd.h)
			r.writers.Add(-1)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("command failed", "command", cmd.name, "error", err)
			}
			cmd.h.finish(err)
		}
	}
}

// watchPump converts watcher output into writer-loop commands.
func (r *Registry) watchPump() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return

		case changes, ok := <-r.watcher.Changes():
			if !ok {
				return
			}
			r.submit("incremental-sync", func(ctx context.Context, h *Handle) error {
				return r.runBatch(ctx, h, changes)
			})

		case _, ok := <-r.watcher.FullScanRequested():
			if !ok {
				return
			}
			r.submit("full-sync", func(ctx context.Context, h *Handle) error {
				return r.runBatch(ctx, h, nil)
			})
		}
	}
}

// submit queues a command for the writer loop and returns its handle.
func (r *Registry) submit(name string, run func(ctx context.Context, h *Handle) error) *Handle {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return finished(ErrClosed)
	}
	r.mu.Unlock()

	h := newHandle()
	select {
	case r.commands <- command{name: name, run: run, h: h}:
	case <-r.ctx.Done():
		h.finish(ErrClosed)
	}
	return h
}

// runBatch executes one reconciliation pass and refreshes the index
// wholesale so queries flip atomically from pre- to post-batch state.
func (r *Registry) runBatch(ctx context.Context, h *Handle, changes []scanner.Change) error {
	h.setProgress("reconciling")
	report, err := r.syncer.Run(ctx, changes)
	if err != nil {
		return err
	}

	h.setProgress("indexing")
	if err := r.idx.Rebuild(ctx, r.store); err != nil {
		return fmt.Errorf("index rebuild after batch: %w", err)
	}

	slog.Info("sync batch complete",
		"scanned", report.Scanned,
		"upserted", report.Upserted,
		"conflicts", report.Conflicts,
		"uploaded", report.Uploaded,
		"downloaded", report.Downloaded,
		"tombstoned", report.Tombstoned,
		"localOnly", report.LocalOnly)
	return nil
}

// TriggerScan runs a full local scan and reconciliation in the
// background. The returned handle completes when the batch commits.
func (r *Registry) TriggerScan() *Handle {
	return r.submit("scan", func(ctx context.Context, h *Handle) error {
		return r.runBatch(ctx, h, nil)
	})
}

// TriggerSync is TriggerScan plus remote reconciliation; with no remote
// configured the two are identical.
func (r *Registry) TriggerSync() *Handle {
	return r.submit("sync", func(ctx context.Context, h *Handle) error {
		return r.runBatch(ctx, h, nil)
	})
}

// ResolveConflict applies an explicit user decision to a conflicted
// asset and refreshes the index.
func (r *Registry) ResolveConflict(id string, choice toolsync.Resolution) *Handle {
	return r.submit("resolve-conflict", func(ctx context.Context, h *Handle) error {
		if err := r.syncer.Resolve(ctx, id, choice); err != nil {
			return err
		}
		r.recent.touch(id)
		return r.refreshAsset(ctx, id)
	})
}

// SetTags replaces the asset's tag set. User tags survive any later
// re-scan untouched.
func (r *Registry) SetTags(id string, tags []string) *Handle {
	return r.submit("set-tags", func(ctx context.Context, h *Handle) error {
		if err := r.store.SetTags(ctx, id, asset.NormalizeTags(tags)); err != nil {
			return err
		}
		r.recent.touch(id)
		return r.refreshAsset(ctx, id)
	})
}

// ToggleFavorite adds the asset to the named favorite set, or removes
// it when already present. An empty set name targets the default set.
func (r *Registry) ToggleFavorite(id, setName string) *Handle {
	return r.submit("toggle-favorite", func(ctx context.Context, h *Handle) error {
		if setName == "" {
			setName = internal.DefaultFavoriteSet
		}
		a, err := r.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if a.InFavoriteSet(setName) {
			err = r.store.RemoveFavorite(ctx, setName, id)
		} else {
			err = r.store.AddFavorite(ctx, setName, id)
		}
		if err != nil {
			return err
		}
		r.recent.touch(id)
		return r.refreshAsset(ctx, id)
	})
}

// refreshAsset applies one record's current store state to the index.
// Interactive edits take this incremental path instead of a rebuild.
func (r *Registry) refreshAsset(ctx context.Context, id string) error {
	a, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		r.idx.Remove(id)
		return nil
	}
	if err != nil {
		return err
	}
	r.idx.Apply(a)
	return nil
}

// Query runs a search against the current index snapshot. A corrupt
// index is rebuilt from the store transparently.
func (r *Registry) Query(filter index.Filter) ([]*asset.Asset, error) {
	results, err := r.idx.Query(filter)
	if errors.Is(err, index.ErrCorrupt) {
		slog.Warn("search index corrupt, rebuilding from store")
		if rerr := r.idx.Rebuild(context.Background(), r.store); rerr != nil {
			return nil, fmt.Errorf("index rebuild after corruption: %w", rerr)
		}
		return r.idx.Query(filter)
	}
	return results, err
}

// Get returns one asset by id from the index snapshot, falling back to
// the store for records the index does not carry (tombstones).
func (r *Registry) Get(ctx context.Context, id string) (*asset.Asset, error) {
	if a, ok := r.idx.Get(id); ok {
		return a, nil
	}
	return r.store.Get(ctx, id)
}

// ListFavorites returns the members of a favorite set.
func (r *Registry) ListFavorites(ctx context.Context, setName string) ([]*asset.Asset, error) {
	if setName == "" {
		setName = internal.DefaultFavoriteSet
	}
	return r.store.ListFavorites(ctx, setName)
}

// RecentAssets lists the most recently touched assets, newest first,
// capped at the configured maxRecent.
func (r *Registry) RecentAssets(ctx context.Context) []*asset.Asset {
	ids := r.recent.list()
	out := make([]*asset.Asset, 0, len(ids))
	for _, id := range ids {
		if a, ok := r.idx.Get(id); ok {
			out = append(out, a)
		}
	}
	return out
}

// recentRing keeps the last N touched asset ids, newest first.
type recentRing struct {
	mu  stdsync.Mutex
	ids []string
	cap int
}

func newRecentRing(capacity int) *recentRing {
	if capacity <= 0 {
		capacity = 10
	}
	return &recentRing{cap: capacity}
}

func (r *recentRing) touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, r.cap)
	out = append(out, id)
	for _, existing := range r.ids {
		if existing != id && len(out) < r.cap {
			out = append(out, existing)
		}
	}
	r.ids = out
}

func (r *recentRing) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

