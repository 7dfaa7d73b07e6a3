// Package inbox processes files dropped into a directory, each at most once
// per file identity.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vietddude/ingestkit/internal/etl"
)

// DefaultSettle is how long a file must stay quiet before it is picked up.
const DefaultSettle = 500 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	Dir    string        `yaml:"dir"    validate:"required"`
	Source string        `yaml:"source" validate:"required"`
	Settle time.Duration `yaml:"settle"`
}

// Watcher feeds settled files in Dir through Runner.RunFile.
type Watcher struct {
	cfg     Config
	runner  *etl.Runner
	handler etl.Handler
	log     *slog.Logger

	// pending maps a path to the time of its last write event.
	pending map[string]time.Time
}

// New creates a new Watcher.
func New(cfg Config, runner *etl.Runner, handler etl.Handler, log *slog.Logger) *Watcher {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		runner:  runner,
		handler: handler,
		log:     log.With("component", "inbox", "dir", cfg.Dir, "source", cfg.Source),
		pending: make(map[string]time.Time),
	}
}

// Run watches the directory until ctx is done. Files already present at start
// are processed too; the load log turns repeats into no-ops.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Dir, err)
	}
	w.log.Info("Watching inbox")

	if err := w.scan(); err != nil {
		return err
	}

	ticker := time.NewTicker(w.cfg.Settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.observe(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Watcher error", "error", err)
		case now := <-ticker.C:
			w.flush(ctx, now)
		}
	}
}

func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", w.cfg.Dir, err)
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || ignored(e.Name()) {
			continue
		}
		w.pending[filepath.Join(w.cfg.Dir, e.Name())] = now
	}
	return nil
}

func (w *Watcher) observe(ev fsnotify.Event) {
	if ignored(filepath.Base(ev.Name)) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		w.pending[ev.Name] = time.Now()
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(w.pending, ev.Name)
	}
}

// flush processes files whose last event is older than the settle window.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.cfg.Settle {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)

	for _, path := range ready {
		delete(w.pending, path)
		w.process(ctx, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		w.log.Warn("Failed to stat file", "path", path, "error", err)
		return
	}
	if info.IsDir() {
		return
	}

	res, err := w.runner.RunFile(ctx, w.cfg.Source, path, nil, w.handler)
	if err != nil {
		w.log.Error("Failed to process file", "path", path, "error", err)
		return
	}
	if res.NoOp() {
		w.log.Debug("File already processed", "path", path)
		return
	}
	w.log.Info("Processed file", "path", path, "entry_id", res.EntryID, "duration", res.Duration)
}

// ignored skips dotfiles and in-progress uploads.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(name, ".part") ||
		strings.HasSuffix(name, ".tmp")
}
