package terminal

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/xiaoyuanzhu-com/devpanel/log"
)

// WorkspaceLookup answers whether a directory is a live task workspace.
// *db.DB implements it over the task_workspaces table.
type WorkspaceLookup interface {
	IsTrackedWorkspace(ctx context.Context, dir string) (bool, error)
}

// WorkspaceDir returns the workspace directory that contains cwd: the first
// path segment of cwd below root. ok is false when cwd is not strictly
// inside root.
func WorkspaceDir(root, cwd string) (dir string, ok bool) {
	if root == "" || cwd == "" {
		return "", false
	}
	root = filepath.Clean(root)
	rel, err := filepath.Rel(root, filepath.Clean(cwd))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	first, _, _ := strings.Cut(rel, string(filepath.Separator))
	return filepath.Join(root, first), true
}

// SweepConfig configures the orphan sweep
type SweepConfig struct {
	Root     string
	Interval time.Duration
	// Debounce coalesces bursts of workspace removals into one pass
	Debounce time.Duration
}

// Sweeper destroys task sessions whose workspace is no longer tracked.
// It never touches tab-owned sessions.
type Sweeper struct {
	m       *Manager
	lookup  WorkspaceLookup
	cfg     SweepConfig
	logger  zerolog.Logger
	trigger chan struct{}
}

// NewSweeper creates a sweeper over m's sessions
func NewSweeper(m *Manager, lookup WorkspaceLookup, cfg SweepConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	return &Sweeper{
		m:       m,
		lookup:  lookup,
		cfg:     cfg,
		logger:  log.GetLogger("OrphanSweep"),
		trigger: make(chan struct{}, 1),
	}
}

// SweepOnce makes one bounded pass over the current session list and returns
// the ids it destroyed. A lookup error aborts the pass without destroying
// anything further.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	if s.cfg.Root == "" {
		return nil, nil
	}

	var destroyed []string
	for _, rec := range s.m.List() {
		if err := ctx.Err(); err != nil {
			return destroyed, err
		}
		if rec.TabOwned() {
			continue
		}
		dir, ok := WorkspaceDir(s.cfg.Root, rec.Cwd)
		if !ok {
			continue
		}

		tracked, err := s.lookup.IsTrackedWorkspace(ctx, dir)
		if err != nil {
			s.logger.Error().Err(err).Str("dir", dir).Msg("workspace lookup failed, aborting sweep")
			return destroyed, err
		}
		if tracked {
			continue
		}

		err = s.m.Destroy(ctx, rec.ID, DestroyOptions{
			Force:           true,
			Reason:          ReasonOrphaned,
			RequireUntabbed: true,
		})
		switch {
		case err == nil:
			destroyed = append(destroyed, rec.ID)
			s.logger.Info().Str("sessionId", rec.ID).Str("cwd", rec.Cwd).Msg("destroyed orphaned session")
		case isGone(err), errors.Is(err, ErrProtectedSession):
			// Destroyed or moved into a tab since the list was taken.
		default:
			s.logger.Warn().Err(err).Str("sessionId", rec.ID).Msg("failed to destroy orphaned session")
		}
	}
	return destroyed, nil
}

// Trigger requests an early pass
func (s *Sweeper) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run sweeps on every interval and whenever a directory directly under the
// workspace root is removed or renamed, until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.Root == "" {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to create workspace watcher, sweeping on interval only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.cfg.Root); err != nil {
			s.logger.Warn().Err(err).Str("root", s.cfg.Root).Msg("failed to watch workspace root")
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	s.logger.Info().Str("root", s.cfg.Root).Dur("interval", s.cfg.Interval).Msg("orphan sweep started")
	s.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.pass(ctx)

		case <-s.trigger:
			s.pass(ctx)

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(s.cfg.Root) {
				continue
			}
			if debounce == nil {
				debounce = time.AfterFunc(s.cfg.Debounce, s.Trigger)
			} else {
				debounce.Reset(s.cfg.Debounce)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Error().Err(err).Msg("workspace watcher error")
		}
	}
}

func (s *Sweeper) pass(ctx context.Context) {
	start := time.Now()
	destroyed, err := s.SweepOnce(ctx)
	if err != nil && ctx.Err() == nil {
		return
	}
	if len(destroyed) > 0 {
		s.logger.Info().
			Int("destroyed", len(destroyed)).
			Dur("took", time.Since(start)).
			Msg("orphan sweep pass complete")
	}
}
