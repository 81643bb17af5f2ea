// Package watch turns patch files dropped into watched directories into
// prediction jobs.
package watch

import (
	"context"
	"log/slog"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"geoseg/internal/fsutil"
	"geoseg/internal/pipeline"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a file must go without writes before it is
// submitted.
const DefaultSettle = 500 * time.Millisecond

// minTick bounds how often pending files are checked.
const minTick = 10 * time.Millisecond

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
}

// Watcher monitors directories for new patch files.
type Watcher struct {
	watcher   *fsnotify.Watcher
	watchDirs []string
	submit    Submitter
	log       *slog.Logger
	outputDir string
	options   map[string]any
	settle    time.Duration
	pending   map[string]time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithOutputDir sets where prediction jobs write class maps. Files appearing
// below it are ignored.
func WithOutputDir(dir string) Option {
	return func(w *Watcher) { w.outputDir = dir }
}

// WithJobOptions sets the options passed to every submitted job.
func WithJobOptions(opts map[string]any) Option {
	return func(w *Watcher) { w.options = opts }
}

// WithSettle overrides DefaultSettle.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) { w.settle = d }
}

// New creates a watcher over dirs.
func New(dirs []string, submit Submitter, log *slog.Logger, opts ...Option) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:   fw,
		watchDirs: dirs,
		submit:    submit,
		log:       log,
		settle:    DefaultSettle,
		pending:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Watcher) ignored(path string) bool {
	if w.outputDir == "" {
		return false
	}
	out, err := filepath.Abs(w.outputDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(out, abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) tickInterval() time.Duration {
	return max(w.settle/2, minTick)
}

// Run watches until ctx is cancelled. Directories that cannot be watched are an
// error before any event is processed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}

	tick := time.NewTicker(w.tickInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsPatchFile(event.Name) || w.ignored(event.Name) {
				continue
			}
			w.pending[event.Name] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case now := <-tick.C:
			w.flush(now)
		}
	}
}

// flush submits files that have settled.
func (w *Watcher) flush(now time.Time) {
	for path, last := range w.pending {
		if now.Sub(last) < w.settle {
			continue
		}
		delete(w.pending, path)
		job, err := w.submit.Submit(pipeline.NewJob(pipeline.JobPredict, path, w.outputDir, maps.Clone(w.options)))
		if err != nil {
			w.log.Warn("failed to submit patch", "path", path, "error", err)
			continue
		}
		w.log.Info("patch submitted", "path", path, "job", job.ID)
	}
}
