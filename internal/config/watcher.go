package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is invoked with the newly loaded config after the watched
// file changes and passes validation.
type ChangeCallback func(cfg *Config)

// Watcher monitors a config file and reports valid edits.
type Watcher struct {
	path     string
	cli      *CLI
	callback ChangeCallback
	logger   *slog.Logger
	debounce time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the debounce duration. Default is 300ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a config file watcher. CLI overrides are re-applied to
// every reloaded config so flags keep precedence across restarts.
func NewWatcher(path string, cli *CLI, callback ChangeCallback, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		cli:      cli,
		callback: callback,
		logger:   logger.With("component", "config_watcher"),
		debounce: 300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches the config file's parent directory and invokes the callback on
// debounced write/create/rename events whose result loads cleanly. Invalid
// edits are logged and ignored. Run blocks until ctx is cancelled, then
// returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	// Watch the parent directory to catch atomic write patterns (vim, VS Code).
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	targetName := filepath.Base(w.path)
	reloadCh := make(chan struct{}, 1)
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != targetName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, func() {
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			})

		case <-reloadCh:
			cfg, err := LoadFile(w.path, w.cli)
			if err != nil {
				w.logger.Error("config change rejected; keeping current config", "path", w.path, "err", err)
				continue
			}
			w.logger.Info("config changed", "path", w.path)
			w.callback(cfg)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "err", err)
		}
	}
}
