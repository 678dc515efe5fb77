package scanner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

// ErrStaleChangeSet signals that an incremental change set cannot be
// trusted (empty token, overflowed queue). Callers degrade to a full scan.
var ErrStaleChangeSet = errors.New("scanner: stale or invalid change set")

// ScanChanges processes a watcher-supplied change set instead of walking
// whole trees. Removed paths produce removal candidates; added or modified
// paths are re-classified and re-fingerprinted. The same skip rules as the
// full scan apply.
func (s *Scanner) ScanChanges(ctx context.Context, changes []Change) (<-chan Candidate, <-chan error) {
	out := make(chan Candidate, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if len(changes) == 0 {
			errCh <- ErrStaleChangeSet
			return
		}

		stats := &ScanStats{}
		for _, change := range changes {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			if change.Path == "" {
				errCh <- ErrStaleChangeSet
				return
			}
			change.Path = asset.CanonicalPath(change.Path)

			if change.Removed {
				select {
				case out <- Candidate{Path: change.Path, Removed: true}:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
				continue
			}

			info, err := os.Stat(change.Path)
			if err != nil {
				// Raced with a delete between the event and this scan.
				select {
				case out <- Candidate{Path: change.Path, Removed: true}:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
				continue
			}
			if info.IsDir() {
				// A directory change means its contents may have shifted;
				// walk just that subtree.
				if err := s.scanRoot(ctx, change.Path, newVisited(), stats, out); err != nil {
					slog.Warn("Incremental subtree scan failed", "path", change.Path, "error", err)
				}
				continue
			}
			s.emitFile(ctx, change.Path, info, stats, out)
		}

		slog.Debug("Incremental scan completed",
			"changes", len(changes),
			"files", atomic.LoadInt64(&stats.FilesEmitted),
			"skipped", atomic.LoadInt64(&stats.FilesSkipped))
	}()

	return out, errCh
}
