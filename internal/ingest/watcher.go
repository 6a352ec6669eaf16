package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must be quiet before it is ingested.
const DefaultDebounce = 500 * time.Millisecond

// Watcher keeps the knowledge base in sync with a directory: created or
// modified files are ingested, removed or renamed files are deleted.
type Watcher struct {
	p        *Pipeline
	dir      string
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// NewWatcher watches dir and its subdirectories. Call Run to start
// processing and Close to release the watch.
func (p *Pipeline) NewWatcher(dir string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ingest: watch: %w", err)
	}
	w := &Watcher{p: p, dir: abs, debounce: debounce, fsw: fsw}
	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && len(d.Name()) > 1 && d.Name()[0] == '.' {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("ingest: watch %s: %w", path, err)
		}
		return nil
	})
}

// Run ingests the files already present, then processes change events until
// ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	log := w.p.log.With(slog.String("dir", w.dir))

	files, err := CollectFiles([]string{w.dir})
	if err != nil {
		return err
	}
	if len(files) > 0 {
		rep := w.p.IngestFiles(ctx, files...)
		log.Info("ingest: initial scan", slog.Int("ingested", rep.Ingested), slog.Int("skipped", rep.Skipped))
	}

	pending := map[string]time.Time{}
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, log, ev, pending)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("ingest: watch error", slog.String("error", err.Error()))

		case now := <-ticker.C:
			var ready []string
			for path, at := range pending {
				if now.Sub(at) >= w.debounce {
					ready = append(ready, path)
					delete(pending, path)
				}
			}
			if len(ready) > 0 {
				w.p.IngestFiles(ctx, ready...)
			}
		}
	}
}

func (w *Watcher) handle(ctx context.Context, log *slog.Logger, ev fsnotify.Event, pending map[string]time.Time) {
	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) {
				if err := w.addTree(ev.Name); err != nil {
					log.Warn("ingest: watch new directory", slog.String("error", err.Error()))
				}
			}
			return
		}
		if Supported(ev.Name) {
			pending[ev.Name] = time.Now()
		}

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		delete(pending, ev.Name)
		if !Supported(ev.Name) {
			return
		}
		if _, err := w.p.DeleteDocument(ctx, ev.Name); err != nil && !errors.Is(err, ErrDocumentNotFound) {
			log.Warn("ingest: delete removed file", slog.String("path", ev.Name), slog.String("error", err.Error()))
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error { return w.fsw.Close() }
