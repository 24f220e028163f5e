// Package inbox imports legacy project exports dropped into a directory.
//
// The inbox watches its directory with fsnotify. A *.json or *.jsonl file
// that stops changing for the debounce interval is imported with the
// migration rules, then moved to done/. A file that fails to import stays
// where it is and is retried when it changes again or on the next start.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/storyforge/storyforge/internal/notify"
	"github.com/storyforge/storyforge/internal/offline/migrate"
)

// DoneDir is the subdirectory imported files are moved to.
const DoneDir = "done"

// Importer imports one legacy export file.
type Importer interface {
	Import(ctx context.Context, path string) (*migrate.Result, error)
}

// Config holds inbox settings.
type Config struct {
	// DebounceInterval is how long a file must stay unchanged before it is
	// imported. This batches the writes of a file being copied in.
	DebounceInterval time.Duration

	Clock  clockwork.Clock
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{DebounceInterval: 500 * time.Millisecond}
}

// Inbox watches a directory for legacy exports.
type Inbox struct {
	dir      string
	importer Importer
	notifier notify.Notifier
	config   Config

	pending   map[string]time.Time // path -> last event
	pendingMu sync.Mutex
}

// New creates an inbox for dir with the default configuration. The
// directory and its done/ subdirectory are created if missing.
func New(dir string, importer Importer, notifier notify.Notifier) (*Inbox, error) {
	return NewWithConfig(dir, importer, notifier, DefaultConfig())
}

// NewWithConfig creates an inbox with custom configuration.
func NewWithConfig(dir string, importer Importer, notifier notify.Notifier, config Config) (*Inbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("inbox dir cannot be empty")
	}
	if importer == nil {
		return nil, fmt.Errorf("importer cannot be nil")
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[inbox] ", log.LstdFlags)
	}
	if notifier == nil {
		notifier = notify.Discard
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, DoneDir), 0750); err != nil {
		return nil, fmt.Errorf("failed to create inbox directories: %w", err)
	}

	return &Inbox{
		dir:      abs,
		importer: importer,
		notifier: notifier,
		config:   config,
		pending:  make(map[string]time.Time),
	}, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Run imports files already waiting, then watches for new ones until ctx
// is cancelled.
func (in *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch before scanning so a file dropped in between is not missed.
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch inbox directory %s: %w", in.dir, err)
	}
	in.config.Logger.Printf("Watching: %s", in.dir)

	if _, err := in.Scan(ctx); err != nil {
		in.config.Logger.Printf("Warning: initial inbox scan failed: %v", err)
	}

	ticker := in.config.Clock.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if path, ok := in.convertEvent(event); ok {
				in.queueChange(path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.config.Logger.Printf("Watcher error: %v", err)

		case <-ticker.Chan():
			in.processPendingChanges(ctx)
		}
	}
}

// Scan imports every export currently in the inbox and returns how many
// files were imported.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox: %w", err)
	}

	imported := 0
	for _, e := range entries {
		if e.IsDir() || !isExport(e.Name()) {
			continue
		}
		if err := in.ProcessFile(ctx, filepath.Join(in.dir, e.Name())); err != nil {
			in.config.Logger.Printf("Error importing %s: %v", e.Name(), err)
			continue
		}
		imported++
	}
	return imported, nil
}

// ProcessFile imports path and moves it to done/.
func (in *Inbox) ProcessFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	name := filepath.Base(path)
	res, err := in.importer.Import(ctx, path)
	if err != nil {
		in.notifier.Notify(notify.Warning, fmt.Sprintf("Import of %s failed: %v", name, err))
		return err
	}

	if err := os.Rename(path, in.donePath(name)); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", name, DoneDir, err)
	}

	in.config.Logger.Printf("Imported %s: %d new project(s), %d already present",
		name, res.ProjectsMigrated, res.ProjectsExisting)
	if res.ProjectsMigrated > 0 {
		in.notifier.Notify(notify.Info, fmt.Sprintf("Imported %d project(s) from %s", res.ProjectsMigrated, name))
	}
	return nil
}

// donePath picks a destination in done/ that does not overwrite an earlier
// import of the same name.
func (in *Inbox) donePath(name string) string {
	dest := filepath.Join(in.dir, DoneDir, name)
	if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
		return dest
	}
	ext := filepath.Ext(name)
	stamp := in.config.Clock.Now().UTC().Format("20060102-150405.000")
	return filepath.Join(in.dir, DoneDir, strings.TrimSuffix(name, ext)+"."+stamp+ext)
}

// convertEvent returns the file an fsnotify event is about if it should be
// imported.
func (in *Inbox) convertEvent(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return "", false
	}
	if filepath.Dir(event.Name) != in.dir || !isExport(event.Name) {
		return "", false
	}
	return event.Name, true
}

func (in *Inbox) queueChange(path string) {
	in.pendingMu.Lock()
	defer in.pendingMu.Unlock()
	in.pending[path] = in.config.Clock.Now()
}

// processPendingChanges imports files that have been quiet long enough.
func (in *Inbox) processPendingChanges(ctx context.Context) {
	now := in.config.Clock.Now()

	in.pendingMu.Lock()
	var ready []string
	for path, queuedAt := range in.pending {
		if now.Sub(queuedAt) < in.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(in.pending, path)
	}
	in.pendingMu.Unlock()

	for _, path := range ready {
		in.config.Logger.Printf("Processing change: %s", path)
		if err := in.ProcessFile(ctx, path); err != nil && !errors.Is(err, os.ErrNotExist) {
			in.config.Logger.Printf("Error importing %s: %v", path, err)
		}
	}
}

func isExport(name string) bool {
	if strings.HasPrefix(filepath.Base(name), ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonl":
		return true
	}
	return false
}
