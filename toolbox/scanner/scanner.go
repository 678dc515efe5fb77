package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/sourcegraph/conc/pool"
)

// Candidate is one scanner observation: a classified file with its
// fingerprint, or a removal notice in incremental mode. Scanning never
// mutates the metadata store; candidates are handed to the sync manager.
type Candidate struct {
	Path        string // canonical absolute path
	Name        string
	Kind        asset.Kind
	Fingerprint asset.Fingerprint
	Attributes  map[string]string
	Removed     bool
}

// Change is one entry of a watcher-supplied change set consumed by
// incremental scans.
type Change struct {
	Path    string
	Removed bool
}

// ScanStats tracks counters for one scan pass.
type ScanStats struct {
	FilesEmitted int64
	FilesSkipped int64
	DirsVisited  int64
	ErrorsFound  int64
}

// Scanner walks configured roots and emits candidate asset records.
// It is stateless between runs and safe to restart at any time.
type Scanner struct {
	classifier *asset.ClassifierRegistry
	ignoreFile string
	maxWorkers int
}

// New creates a scanner. maxWorkers <= 0 derives the worker count from the
// CPU count, bounded for I/O-heavy walks.
func New(classifier *asset.ClassifierRegistry, ignoreFile string, maxWorkers int) *Scanner {
	if classifier == nil {
		classifier = asset.NewClassifierRegistry()
	}
	if maxWorkers <= 0 {
		maxWorkers = min(max(runtime.NumCPU()*2, 4), 32)
	}
	return &Scanner{
		classifier: classifier,
		ignoreFile: ignoreFile,
		maxWorkers: maxWorkers,
	}
}

// devino identifies an inode across the walk, used to detect symlink
// cycles and hard-link duplicates.
type devino struct {
	dev uint64
	ino uint64
}

// Scan walks the given roots concurrently and streams candidates on the
// returned channel. The channel closes when the walk finishes or ctx is
// cancelled; the error channel carries at most one terminal error.
func (s *Scanner) Scan(ctx context.Context, roots []string) (<-chan Candidate, <-chan error) {
	out := make(chan Candidate, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		stats := &ScanStats{}
		visited := &sync.Map{} // devino -> bool

		for _, root := range roots {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			if err := s.scanRoot(ctx, root, visited, stats, out); err != nil {
				errCh <- err
				return
			}
		}

		slog.Info("Scan completed",
			"files", atomic.LoadInt64(&stats.FilesEmitted),
			"skipped", atomic.LoadInt64(&stats.FilesSkipped),
			"dirs", atomic.LoadInt64(&stats.DirsVisited),
			"errors", atomic.LoadInt64(&stats.ErrorsFound))
	}()

	return out, errCh
}

// scanRoot walks one root level by level, processing directories at each
// depth concurrently through a bounded worker pool.
func (s *Scanner) scanRoot(ctx context.Context, root string, visited *sync.Map, stats *ScanStats, out chan<- Candidate) error {
	root = asset.CanonicalPath(root)
	info, err := os.Stat(root)
	if err != nil {
		// An unreachable root is contained, not fatal: the other roots
		// still get scanned and the next pass retries this one.
		atomic.AddInt64(&stats.ErrorsFound, 1)
		slog.Warn("Skipping unreachable scan root", "root", root, "error", err)
		return nil
	}
	if !info.IsDir() {
		return fmt.Errorf("scan root %s is not a directory", root)
	}
	markVisited(visited, info)

	currentLevel := []string{root}
	for len(currentLevel) > 0 {
		nextLevel := make([]string, 0)
		var nextMu sync.Mutex

		levelPool := pool.New().WithMaxGoroutines(s.maxWorkers).WithContext(ctx)
		for _, dir := range currentLevel {
			levelPool.Go(func(ctx context.Context) error {
				children, err := s.processDir(ctx, dir, visited, stats, out)
				if err != nil {
					atomic.AddInt64(&stats.ErrorsFound, 1)
					slog.Warn("Error scanning directory", "path", dir, "error", err)
					return nil // contained: keep walking the rest of the tree
				}
				nextMu.Lock()
				nextLevel = append(nextLevel, children...)
				nextMu.Unlock()
				return nil
			})
		}
		if err := levelPool.Wait(); err != nil {
			return err
		}
		currentLevel = nextLevel
	}
	return nil
}

// processDir reads one directory, emits candidates for its files, and
// returns child directories for the next BFS level.
func (s *Scanner) processDir(ctx context.Context, dir string, visited *sync.Map, stats *ScanStats, out chan<- Candidate) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	atomic.AddInt64(&stats.DirsVisited, 1)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	ignored := s.loadIgnore(dir)

	var children []string
	for _, entry := range entries {
		childPath := filepath.Join(dir, entry.Name())
		if ignored != nil && ignored.MatchesPath(childPath) {
			slog.Debug("Ignoring path", "path", childPath)
			continue
		}

		if entry.Type()&os.ModeSymlink != 0 {
			target, ok := s.resolveSymlink(childPath, visited)
			if !ok {
				continue
			}
			tinfo, err := os.Stat(target)
			if err != nil {
				continue
			}
			if tinfo.IsDir() {
				children = append(children, target)
			} else {
				s.emitFile(ctx, target, tinfo, stats, out)
			}
			continue
		}

		if entry.IsDir() {
			dinfo, err := entry.Info()
			if err == nil && !markVisited(visited, dinfo) {
				slog.Warn("Skipping already-visited directory", "path", childPath)
				continue
			}
			children = append(children, asset.CanonicalPath(childPath))
			continue
		}

		info, err := entry.Info()
		if err != nil {
			slog.Warn("Error getting file info", "name", entry.Name(), "error", err)
			continue
		}
		s.emitFile(ctx, asset.CanonicalPath(childPath), info, stats, out)
	}

	return children, nil
}

// emitFile classifies, fingerprints, and emits one regular file.
// Unclassifiable files are skipped, never errored.
func (s *Scanner) emitFile(ctx context.Context, path string, info os.FileInfo, stats *ScanStats, out chan<- Candidate) {
	header := readHeader(path)
	kind, ok := s.classifier.Classify(path, header)
	if !ok {
		atomic.AddInt64(&stats.FilesSkipped, 1)
		slog.Debug("Skipping unclassifiable file", "path", path)
		return
	}

	fp, err := asset.ComputeFingerprint(path)
	if err != nil {
		atomic.AddInt64(&stats.ErrorsFound, 1)
		slog.Warn("Failed to fingerprint file", "path", path, "error", err)
		return
	}

	cand := Candidate{
		Path:        path,
		Name:        info.Name(),
		Kind:        kind,
		Fingerprint: fp,
	}
	if asset.IsImageKind(kind) {
		cand.Attributes = ExtractEXIF(path)
	}

	select {
	case out <- cand:
		atomic.AddInt64(&stats.FilesEmitted, 1)
	case <-ctx.Done():
	}
}

// resolveSymlink follows a symlink and records the target inode. Returns
// false when the link is broken or the target was already visited (cycle).
func (s *Scanner) resolveSymlink(path string, visited *sync.Map) (string, bool) {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		slog.Debug("Skipping broken symlink", "path", path, "error", err)
		return "", false
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", false
	}
	if info.IsDir() && !markVisited(visited, info) {
		slog.Warn("Symlink cycle detected, skipping", "path", path, "target", target)
		return "", false
	}
	return asset.CanonicalPath(target), true
}

// loadIgnore loads per-directory ignore patterns when an ignore file is
// configured and present.
func (s *Scanner) loadIgnore(dir string) *ignore.GitIgnore {
	if s.ignoreFile == "" {
		return nil
	}
	ignorePath := filepath.Join(dir, s.ignoreFile)
	if _, err := os.Stat(ignorePath); err != nil {
		return nil
	}
	gi, err := ignore.CompileIgnoreFile(ignorePath)
	if err != nil {
		slog.Warn("Failed to compile ignore file", "path", ignorePath, "error", err)
		return nil
	}
	return gi
}

func newVisited() *sync.Map { return &sync.Map{} }

// markVisited records an inode, returning false when it was seen before.
func markVisited(visited *sync.Map, info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return true // no inode identity available, assume unvisited
	}
	key := devino{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	_, loaded := visited.LoadOrStore(key, true)
	return !loaded
}

// readHeader returns the first bytes of a file for content sniffing.
// Errors yield an empty header, which means "extension rules only".
func readHeader(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, 16)
	n, _ := f.Read(buf)
	return buf[:n]
}
