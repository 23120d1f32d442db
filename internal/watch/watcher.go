// SPDX-License-Identifier: MIT

// Package watch feeds filesystem events into discovery. It watches the
// configured media directories and rescans a directory shortly after it
// changes; the debounce keeps a burst of writes from triggering a scan per
// event.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/config"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/log"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/manager"
	"github.com/JuliiaZhuravleva/PlexAudioConverter/internal/metrics"
)

const defaultDebounce = 2 * time.Second

// Watcher drives directory rescans from fsnotify events. Watcher failures
// degrade health but never stop the planner; polling via next_check_at still
// makes progress.
type Watcher struct {
	cfg      config.Config
	mgr      *manager.Manager
	debounce time.Duration

	mu      sync.Mutex
	lastErr string
}

func New(cfg config.Config, mgr *manager.Manager) *Watcher {
	return &Watcher{cfg: cfg, mgr: mgr, debounce: defaultDebounce}
}

// SetDebounce overrides the rescan delay. Tests only.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounce = d }

// LastError reports the most recent watcher failure, empty when healthy.
// Wired into the health surface.
func (w *Watcher) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Watcher) setError(msg string) {
	w.mu.Lock()
	w.lastErr = msg
	w.mu.Unlock()
}

// Run watches until ctx is cancelled. Returns an error only when the watcher
// cannot be created or no directory could be added.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponent("watch")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	added := 0
	for _, root := range w.cfg.WatchDirs {
		if err := w.addTree(fw, root); err != nil {
			w.setError(err.Error())
			logger.Warn().Err(err).Str(log.FieldDir, root).Msg("could not watch directory")
			continue
		}
		added++
	}
	if added == 0 && len(w.cfg.WatchDirs) > 0 {
		return fmt.Errorf("no watchable directories among %d configured", len(w.cfg.WatchDirs))
	}
	logger.Info().
		Str(log.FieldEvent, "watch.started").
		Int("roots", added).
		Msg("filesystem watcher running")

	pending := make(map[string]struct{})
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			metrics.IncWatcherEvent(opKind(ev.Op))
			if !w.relevant(ev) {
				continue
			}
			// A new directory inside the tree gets its own watch; its
			// contents arrive through the rescan.
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if w.withinDepth(ev.Name) {
						if err := fw.Add(ev.Name); err != nil {
							w.setError(err.Error())
						}
					}
					pending[ev.Name] = struct{}{}
					w.arm(timer, len(pending))
					continue
				}
			}
			pending[filepath.Dir(ev.Name)] = struct{}{}
			w.arm(timer, len(pending))

		case <-timer.C:
			for dir := range pending {
				if _, err := w.mgr.DiscoverDirectory(ctx, dir); err != nil {
					w.setError(err.Error())
					logger.Warn().Err(err).Str(log.FieldDir, dir).Msg("rescan after change failed")
					continue
				}
			}
			pending = make(map[string]struct{})

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.setError(err.Error())
			logger.Warn().Err(err).Str(log.FieldEvent, "watch.error").Msg("fsnotify watcher error")
		}
	}
}

// arm (re)starts the debounce countdown.
func (w *Watcher) arm(timer *time.Timer, pending int) {
	if pending == 0 {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(w.debounce)
}

// relevant filters event kinds that can change discovery's view.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	return ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename)
}

// addTree watches root and its existing subdirectories within the scan depth.
func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			if !w.cfg.Recursive || !w.withinDepth(path) {
				return filepath.SkipDir
			}
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
		}
		return fw.Add(path)
	})
}

// withinDepth reports whether the directory sits inside a configured root
// and above the depth cap.
func (w *Watcher) withinDepth(dir string) bool {
	for _, root := range w.cfg.WatchDirs {
		rel, err := filepath.Rel(root, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if rel == "." {
			return true
		}
		depth := strings.Count(rel, string(filepath.Separator)) + 1
		return depth < w.cfg.MaxScanDepth
	}
	return false
}

func opKind(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "other"
	}
}
