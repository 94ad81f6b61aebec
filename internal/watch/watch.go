// Package watch turns bursts of new images in a directory into stack jobs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"focusstack/internal/fsutil"
	"focusstack/internal/pipeline"
)

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) (pipeline.Job, error)
}

// Config controls burst detection.
type Config struct {
	Dir       string
	OutputDir string
	Settle    time.Duration // quiet period that closes a burst
	MinFrames int
	Options   map[string]any // passed through to every job
	// Extensions the stacking codec decodes, most preferred first. Nil
	// means the built-in codec's list.
	Extensions []string
}

// Watcher collects image create/write events and submits one stack job per
// burst once the directory has been quiet for Settle.
type Watcher struct {
	cfg     Config
	queue   Submitter
	log     *slog.Logger
	now     func() time.Time
	pending map[string]struct{}
}

// New returns a watcher; call Run to start it.
func New(cfg Config, queue Submitter, log *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 3 * time.Second
	}
	if cfg.MinFrames < 1 {
		cfg.MinFrames = 1
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = cfg.Dir
	}
	if cfg.Extensions == nil {
		cfg.Extensions = fsutil.ExtensionsFor("std")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		cfg:     cfg,
		queue:   queue,
		log:     log,
		now:     time.Now,
		pending: make(map[string]struct{}),
	}, nil
}

// Run blocks until ctx is cancelled or the watcher fails.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.log.Info("watching directory", "dir", w.cfg.Dir, "settle", w.cfg.Settle, "min_frames", w.cfg.MinFrames)

	timer := time.NewTimer(w.cfg.Settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.handle(event) {
				timer.Reset(w.cfg.Settle)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)

		case <-timer.C:
			w.flush()
		}
	}
}

// handle updates the pending burst and reports whether the settle timer
// should restart.
func (w *Watcher) handle(event fsnotify.Event) bool {
	if !fsutil.HasExtension(event.Name, w.cfg.Extensions) || strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	if w.isOutput(event.Name) {
		return false
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.pending[event.Name] = struct{}{}
		return true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
		return len(w.pending) > 0
	}
	return false
}

func (w *Watcher) isOutput(path string) bool {
	return filepath.Dir(path) == filepath.Clean(w.cfg.OutputDir) && strings.HasPrefix(filepath.Base(path), "stack-")
}

// flush submits the pending burst if it is large enough and resets it.
func (w *Watcher) flush() {
	if len(w.pending) == 0 {
		return
	}
	frames := make([]string, 0, len(w.pending))
	for p := range w.pending {
		frames = append(frames, p)
	}
	frames = fsutil.OnePerShot(frames, w.cfg.Extensions)
	w.pending = make(map[string]struct{})

	if len(frames) < w.cfg.MinFrames {
		w.log.Info("burst too small, ignoring", "frames", len(frames), "min_frames", w.cfg.MinFrames)
		return
	}
	output := filepath.Join(w.cfg.OutputDir, "stack-"+w.now().Format("20060102-150405")+".png")
	job, err := w.queue.Submit(pipeline.Job{
		Type:    pipeline.JobStack,
		Inputs:  frames,
		Output:  output,
		Options: w.cfg.Options,
	})
	if err != nil {
		w.log.Error("failed to submit burst", "frames", len(frames), "error", err)
		return
	}
	w.log.Info("burst submitted", "id", job.ID, "frames", len(frames), "output", output)
}
