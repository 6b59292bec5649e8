package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// writeStability is how long the file must stay quiet before we read it.
	// Editors and deploy tools often emit several write events per save.
	writeStability = 500 * time.Millisecond

	// reloadDebounce is the minimum gap between two applied reloads.
	reloadDebounce = time.Second
)

// ReloadFunc receives the validated new repository set and the diff against
// the previous set. Called on the watcher goroutine; must not block long.
type ReloadFunc func(repos []Repository, diff RepositoryDiff)

// Watcher hot-reloads the repository set from the config file.
// Invalid configs are rejected atomically: the previous set stays in force.
type Watcher struct {
	path    string
	current []Repository
	onApply ReloadFunc
}

// NewWatcher creates a config watcher for path. current seeds the baseline
// used for the first diff.
func NewWatcher(path string, current []Repository, onApply ReloadFunc) *Watcher {
	return &Watcher{path: path, current: current, onApply: onApply}
}

// Run watches until ctx is cancelled. The parent directory is watched rather
// than the file itself so atomic-rename saves are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	slog.Info("config watcher started", "path", w.path)

	var (
		pending     *time.Timer
		pendingCh   <-chan time.Time
		lastApplied time.Time
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("config watcher stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Restart the stability timer on every event for our file.
			if pending == nil {
				pending = time.NewTimer(writeStability)
				pendingCh = pending.C
			} else {
				if !pending.Stop() {
					select {
					case <-pending.C:
					default:
					}
				}
				pending.Reset(writeStability)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-pendingCh:
			pending = nil
			pendingCh = nil
			if since := time.Since(lastApplied); since < reloadDebounce {
				time.Sleep(reloadDebounce - since)
			}
			w.reload()
			lastApplied = time.Now()
		}
	}
}

func (w *Watcher) reload() {
	repos, err := ParseRepositories(w.path)
	if err != nil {
		slog.Error("config reload rejected, keeping previous configuration", "error", err)
		return
	}

	diff := DiffRepositories(w.current, repos)
	if diff.Empty() {
		slog.Debug("config reload: no repository changes")
		return
	}

	slog.Info("config reload",
		"added", len(diff.Added),
		"modified", len(diff.Modified),
		"removed", len(diff.Removed),
	)

	w.current = repos
	if w.onApply != nil {
		w.onApply(repos, diff)
	}
}
