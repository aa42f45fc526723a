package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// CleanupWorkspaces removes staged screenshot directories that no active
// session owns. Intended to run from a calendar job; failures are logged
// only.
func (s *Supervisor) CleanupWorkspaces(ctx context.Context) {
	inUse := make(map[string]struct{})
	s.mx.Lock()
	for _, c := range s.controllers {
		if c.workDir != "" {
			inUse[c.workDir] = struct{}{}
		}
	}
	s.mx.Unlock()

	entries, err := os.ReadDir(s.cfg.CaptureRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.WarnContext(ctx, "reading capture root failed", "dir", s.cfg.CaptureRoot, "error", err)
		}
		return
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.cfg.CaptureRoot, entry.Name())
		if _, ok := inUse[dir]; ok {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.WarnContext(ctx, "removing stale workspace failed", "dir", dir, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.InfoContext(ctx, "stale capture workspaces removed", "count", removed)
	}
}
