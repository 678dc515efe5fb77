// Package index holds the derived, rebuildable search view over the
// metadata store: roaring bitmaps keyed by kind, tag, sync state, and
// favorite set, plus a patricia tree of name/attribute tokens for prefix
// search. The index is never the source of truth; it can be discarded and
// rebuilt from the store at any time.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
	"github.com/mdunnam/XMDToolBox4v2/toolbox/metrics"

	roaring "github.com/RoaringBitmap/roaring"
	"github.com/armon/go-radix"
)

// ErrCorrupt marks an internal inconsistency between postings and the
// document table. Callers respond with an automatic full rebuild; the
// error is never surfaced to users.
var ErrCorrupt = errors.New("index: corrupt state")

// Source supplies the authoritative records for a rebuild.
type Source interface {
	ListAll(ctx context.Context) ([]*asset.Asset, error)
}

// Filter is a conjunction of search criteria. Zero-value fields are
// ignored.
type Filter struct {
	Kinds        []asset.Kind
	Tags         []string
	TagsMatchAll bool
	Token        string // case-insensitive prefix over name/attribute tokens
	FavoriteSet  string
	States       []asset.SyncState
	Limit        int
}

// state is one immutable generation of the index. Queries read whichever
// generation is current; rebuilds construct a fresh one and swap it in,
// so readers never observe a partially built index.
type state struct {
	assets  map[string]*asset.Asset
	docIDs  map[string]uint32
	ids     []string
	all     *roaring.Bitmap
	byKind  map[asset.Kind]*roaring.Bitmap
	byTag   map[string]*roaring.Bitmap
	byState map[asset.SyncState]*roaring.Bitmap
	byFav   map[string]*roaring.Bitmap
	tokens  *radix.Tree // token -> *roaring.Bitmap
}

func newState() *state {
	return &state{
		assets:  make(map[string]*asset.Asset),
		docIDs:  make(map[string]uint32),
		all:     roaring.New(),
		byKind:  make(map[asset.Kind]*roaring.Bitmap),
		byTag:   make(map[string]*roaring.Bitmap),
		byState: make(map[asset.SyncState]*roaring.Bitmap),
		byFav:   make(map[string]*roaring.Bitmap),
		tokens:  radix.New(),
	}
}

// Index serves filter/search queries over the current generation and
// accepts incremental single-record updates between rebuilds. Incremental
// updates and full rebuilds converge to the same query results.
type Index struct {
	mu  sync.RWMutex
	cur *state
}

func New() *Index {
	return &Index{cur: newState()}
}

// Rebuild constructs the index from scratch and swaps it in atomically.
func (ix *Index) Rebuild(ctx context.Context, src Source) error {
	start := time.Now()
	records, err := src.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load assets for index rebuild: %w", err)
	}

	next := newState()
	for _, a := range records {
		if a.SyncState == asset.StateTombstoned {
			continue
		}
		next.add(a)
	}

	ix.mu.Lock()
	ix.cur = next
	ix.mu.Unlock()

	metrics.IndexRebuildDuration.Observe(time.Since(start).Seconds())
	slog.Debug("Search index rebuilt", "assets", len(next.assets))
	return nil
}

// Apply upserts a single record, keeping interactive edits (tag toggle,
// favorite toggle) visible without a full rebuild. Tombstoned records are
// removed.
func (ix *Index) Apply(a *asset.Asset) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.cur.remove(a.ID)
	if a.SyncState != asset.StateTombstoned {
		ix.cur.add(a)
	}
}

// Remove drops a record from the index.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.cur.remove(id)
}

// Len returns the number of indexed assets.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.cur.assets)
}

// Get returns a copy of one indexed asset.
func (ix *Index) Get(id string) (*asset.Asset, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	a, ok := ix.cur.assets[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// add indexes one record. Caller holds the write lock or owns the state.
func (st *state) add(a *asset.Asset) {
	doc := uint32(len(st.ids))
	st.ids = append(st.ids, a.ID)
	st.docIDs[a.ID] = doc
	st.assets[a.ID] = a.Clone()
	st.all.Add(doc)

	bitmapFor(st.byKind, a.Kind).Add(doc)
	bitmapFor(st.byState, a.SyncState).Add(doc)
	for _, tag := range a.Tags {
		bitmapFor(st.byTag, tag).Add(doc)
	}
	for _, set := range a.Favorites {
		bitmapFor(st.byFav, set).Add(doc)
	}

	fields := []string{a.Name}
	for k, v := range a.Attributes {
		fields = append(fields, k, v)
	}
	for _, tok := range Tokenize(fields...) {
		var bm *roaring.Bitmap
		if v, ok := st.tokens.Get(tok); ok {
			bm = v.(*roaring.Bitmap)
		} else {
			bm = roaring.New()
			st.tokens.Insert(tok, bm)
		}
		bm.Add(doc)
	}
}

// remove clears every posting for an id. The document slot is not reused;
// rebuilds compact the table.
func (st *state) remove(id string) {
	doc, ok := st.docIDs[id]
	if !ok {
		return
	}
	old := st.assets[id]
	delete(st.docIDs, id)
	delete(st.assets, id)
	st.ids[doc] = ""
	st.all.Remove(doc)

	bitmapFor(st.byKind, old.Kind).Remove(doc)
	bitmapFor(st.byState, old.SyncState).Remove(doc)
	for _, tag := range old.Tags {
		bitmapFor(st.byTag, tag).Remove(doc)
	}
	for _, set := range old.Favorites {
		bitmapFor(st.byFav, set).Remove(doc)
	}

	fields := []string{old.Name}
	for k, v := range old.Attributes {
		fields = append(fields, k, v)
	}
	for _, tok := range Tokenize(fields...) {
		if v, ok := st.tokens.Get(tok); ok {
			v.(*roaring.Bitmap).Remove(doc)
		}
	}
}

func bitmapFor[K comparable](m map[K]*roaring.Bitmap, key K) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

// unionOf ORs the postings of each present key into a fresh bitmap.
func unionOf[K comparable](m map[K]*roaring.Bitmap, keys []K) *roaring.Bitmap {
	out := roaring.New()
	for _, k := range keys {
		if bm, ok := m[k]; ok {
			out.Or(bm)
		}
	}
	return out
}

// Result is one query hit with its computed relevance.
type Result struct {
	Asset     *asset.Asset
	Relevance int
}

// Query evaluates a filter against the current generation, returning
// results ranked by relevance then recency descending.
func (ix *Index) Query(filter Filter) ([]*asset.Asset, error) {
	ix.mu.RLock()
	st := ix.cur
	defer ix.mu.RUnlock()

	candidates := st.all.Clone()

	if len(filter.Kinds) > 0 {
		candidates.And(unionOf(st.byKind, filter.Kinds))
	}
	if len(filter.States) > 0 {
		candidates.And(unionOf(st.byState, filter.States))
	}
	if filter.FavoriteSet != "" {
		if bm, ok := st.byFav[filter.FavoriteSet]; ok {
			candidates.And(bm)
		} else {
			return nil, nil
		}
	}
	if len(filter.Tags) > 0 {
		tagBM, ok := st.tagBitmap(filter.Tags, filter.TagsMatchAll)
		if !ok {
			return nil, nil
		}
		candidates.And(tagBM)
	}

	exact := roaring.New()
	if filter.Token != "" {
		prefixBM, exactBM := st.tokenBitmaps(filter.Token)
		candidates.And(prefixBM)
		exact = exactBM
	}

	results := make([]Result, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		doc := it.Next()
		if int(doc) >= len(st.ids) || st.ids[doc] == "" {
			return nil, fmt.Errorf("%w: dangling posting for doc %d", ErrCorrupt, doc)
		}
		a := st.assets[st.ids[doc]]
		relevance := 1
		if exact.Contains(doc) {
			relevance = 2
		}
		results = append(results, Result{Asset: a, Relevance: relevance})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		ri, rj := recencyOf(results[i].Asset), recencyOf(results[j].Asset)
		if !ri.Equal(rj) {
			return ri.After(rj)
		}
		return results[i].Asset.ID < results[j].Asset.ID
	})

	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}

	out := make([]*asset.Asset, len(results))
	for i, r := range results {
		out[i] = r.Asset.Clone()
	}
	return out, nil
}

// tagBitmap combines tag postings with any/all semantics. The boolean is
// false when a required tag has no postings (matchAll can never succeed).
func (st *state) tagBitmap(tags []string, matchAll bool) (*roaring.Bitmap, bool) {
	var result *roaring.Bitmap
	for _, tag := range tags {
		bm, ok := st.byTag[tag]
		if !ok {
			if matchAll {
				return nil, false
			}
			continue
		}
		if result == nil {
			result = bm.Clone()
			continue
		}
		if matchAll {
			result.And(bm)
		} else {
			result.Or(bm)
		}
	}
	if result == nil {
		return nil, false
	}
	return result, true
}

// tokenBitmaps returns the union of postings for every token starting
// with prefix, plus the postings of the exact token for relevance
// boosting.
func (st *state) tokenBitmaps(prefix string) (prefixBM, exactBM *roaring.Bitmap) {
	prefix = normalizePrefix(prefix)
	prefixBM = roaring.New()
	exactBM = roaring.New()
	st.tokens.WalkPrefix(prefix, func(key string, value interface{}) bool {
		bm := value.(*roaring.Bitmap)
		prefixBM.Or(bm)
		if key == prefix {
			exactBM.Or(bm)
		}
		return false // continue walking
	})
	return prefixBM, exactBM
}

func normalizePrefix(s string) string {
	toks := splitTokens(s)
	if len(toks) == 0 {
		return s
	}
	return toks[0]
}

// recencyOf is the ranking timestamp: content modification when known,
// otherwise the last registry update.
func recencyOf(a *asset.Asset) time.Time {
	if !a.Fingerprint.ModTime.IsZero() {
		return a.Fingerprint.ModTime
	}
	return a.UpdatedAt
}
