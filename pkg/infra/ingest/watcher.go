package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jguan/anpr-monitor/pkg/infra/clock"
)

const (
	UploadCameraID = "CAM-UPLOAD"
	UploadLocation = "Manual Upload"

	defaultSettle = 250 * time.Millisecond
)

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

// IsImage reports whether path has a supported image extension.
func IsImage(path string) bool {
	return imageExts[strings.ToLower(filepath.Ext(path))]
}

// FileHandler is invoked once per image that settles in the watched
// directory.
type FileHandler func(ctx context.Context, path string, image []byte) error

// DirWatcher hands every image written into a directory to a handler. A
// file is picked up once it has stopped changing for the settle period.
type DirWatcher struct {
	dir     string
	handler FileHandler
	settle  time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]clock.Timer
}

func NewDirWatcher(dir string, handler FileHandler, logger *slog.Logger) *DirWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirWatcher{
		dir:     dir,
		handler: handler,
		settle:  defaultSettle,
		clock:   clock.Real(),
		logger:  logger.With("component", "dir_watcher", "dir", dir),
		pending: make(map[string]clock.Timer),
	}
}

// SetSettle overrides how long a file must be quiet before it is read.
func (w *DirWatcher) SetSettle(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

func (w *DirWatcher) SetClock(c clock.Clock) {
	if c != nil {
		w.clock = c
	}
}

func (w *DirWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("ensure dir %s: %w", w.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching for uploads")

	defer w.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) && IsImage(event.Name) {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *DirWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = w.clock.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		w.process(ctx, path)
	})
}

func (w *DirWatcher) process(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read upload", "file", path, "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	w.logger.Debug("upload received", "file", path, "bytes", len(data))
	if err := w.handler(ctx, path, data); err != nil {
		w.logger.Warn("upload rejected", "file", path, "error", err)
	}
}

func (w *DirWatcher) stopPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}
