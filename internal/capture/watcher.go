package capture

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// SpoolWatcher ingests capture documents dropped into a spool
// directory by the platform-specific notification listener. The
// listener writes to a temp name and renames to *.json, so a file
// with the json suffix is always complete. A file is removed only
// after its event is durably stored; on a storage fault it stays in
// the spool and is retried on the next pass. Documents that fail
// validation are renamed to *.json.rejected and kept for inspection.
type SpoolWatcher struct {
	dir      string
	ingestor *Ingestor
	log      *slog.Logger
}

const rejectedSuffix = ".rejected"

func NewSpoolWatcher(dir string, ingestor *Ingestor, log *slog.Logger) (*SpoolWatcher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("capture: spool directory is required")
	}
	if ingestor == nil {
		return nil, errors.New("capture: ingestor is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &SpoolWatcher{dir: dir, ingestor: ingestor, log: log}, nil
}

// Run watches the spool until the context is cancelled. Files already
// present at startup are ingested first: the watcher may have been
// down while the listener kept spooling.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}

	w.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			w.process(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("spool watch error", "error", err)
		}
	}
}

// Scan ingests every spool file currently present. Also called
// between watch events by deployments that prefer polling.
func (w *SpoolWatcher) Scan(ctx context.Context) {
	w.scan(ctx)
}

func (w *SpoolWatcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Error("read spool directory", "error", err)
		return
	}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		w.process(ctx, filepath.Join(w.dir, entry.Name()))
	}
}

func (w *SpoolWatcher) process(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		w.log.Error("read spool file", "file", path, "error", err)
		return
	}

	id, err := w.ingestor.IngestRaw(ctx, raw)
	switch {
	case err == nil:
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.log.Error("remove spool file", "file", path, "error", err)
		}
		w.log.Info("spool file ingested", "file", filepath.Base(path), "event", id)
	case errors.Is(err, ErrInvalidPayload):
		rejected := path + rejectedSuffix
		if renameErr := os.Rename(path, rejected); renameErr != nil {
			w.log.Error("quarantine spool file", "file", path, "error", renameErr)
		}
		w.log.Warn("spool file rejected", "file", filepath.Base(path), "error", err)
	default:
		// Storage fault: keep the file, it is the durable copy until
		// the store accepts it.
		w.log.Error("spool file not ingested", "file", filepath.Base(path), "error", err)
	}
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, rejectedSuffix)
}
