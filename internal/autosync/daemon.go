// Package autosync runs the unattended background loop: a periodic
// download-only sync against the remote, plus an inbox watcher that imports
// dropped JSON payloads as they appear.
//
// The daemon never uploads on its own. Uploads require a declared logical
// timestamp, which only a deliberate user action can vouch for; a timer
// cannot.
package autosync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rosterd/rosterd/internal/engine"
	"github.com/rosterd/rosterd/internal/synchttp"
)

// Config holds daemon tuning.
type Config struct {
	// SyncInterval is how often to pull from the remote. Zero disables the
	// periodic sync.
	SyncInterval time.Duration

	// InboxDir receives external JSON payloads for import. Empty disables
	// the watcher.
	InboxDir string

	// DebounceInterval batches rapid writes to the same inbox file.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[autosync] ", log.LstdFlags),
	}
}

// Daemon drives periodic sync and inbox imports.
type Daemon struct {
	engine *engine.Engine
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> last event time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Use Start to begin operation.
func New(eng *engine.Engine, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[autosync] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		engine:      eng,
		config:      config,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting autosync daemon")

	if d.config.InboxDir != "" {
		if err := os.MkdirAll(d.config.InboxDir, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher
		if err := d.watcher.Add(d.config.InboxDir); err != nil {
			return fmt.Errorf("failed to watch inbox directory: %w", err)
		}
		d.config.Logger.Printf("Watching inbox: %s", d.config.InboxDir)

		// Pick up files dropped before the daemon started.
		d.scanInbox()

		d.wg.Add(2)
		go d.watchInboxEvents()
		go d.processChangeQueue()
	}

	if d.config.SyncInterval > 0 {
		d.wg.Add(1)
		go d.syncLoop()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts down the daemon and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.cancel()
	if d.watcher != nil {
		d.watcher.Close()
	}
	d.wg.Wait()
	d.config.Logger.Println("Autosync daemon stopped")
	return nil
}

// syncLoop pulls from the remote on a fixed interval.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			res, err := d.engine.SyncDown(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Periodic sync failed: %v", err)
				continue
			}
			if res != nil && res.Status == synchttp.StatusConflictDetected {
				// Unattended sync never picks a side; local data stays
				// until the conflict is resolved deliberately.
				d.config.Logger.Printf("Periodic sync found a conflict (remote ts=%s); keeping local data",
					res.RemoteTimestamp.Format(time.RFC3339))
			}
		}
	}
}

// watchInboxEvents queues inbox file events for debounced processing.
func (d *Daemon) watchInboxEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			d.changeQueueMu.Lock()
			d.changeQueue[event.Name] = time.Now()
			d.changeQueueMu.Unlock()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChangeQueue imports queued files once they have been quiet for the
// debounce interval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processReadyFiles()
		}
	}
}

func (d *Daemon) processReadyFiles() {
	now := time.Now()
	var ready []string

	d.changeQueueMu.Lock()
	for path, queued := range d.changeQueue {
		if now.Sub(queued) >= d.config.DebounceInterval {
			ready = append(ready, path)
			delete(d.changeQueue, path)
		}
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		d.importFile(path)
	}
}

// scanInbox queues any .json files already sitting in the inbox.
func (d *Daemon) scanInbox() {
	entries, err := os.ReadDir(d.config.InboxDir)
	if err != nil {
		d.config.Logger.Printf("Inbox scan failed: %v", err)
		return
	}
	d.changeQueueMu.Lock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		d.changeQueue[filepath.Join(d.config.InboxDir, entry.Name())] = time.Now()
	}
	d.changeQueueMu.Unlock()
}

// importFile imports one inbox file and renames it .done or .failed so it is
// never picked up twice.
func (d *Daemon) importFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Probably renamed or removed between queueing and processing.
		d.config.Logger.Printf("Skipping %s: %v", path, err)
		return
	}

	result, err := d.engine.Import(d.ctx, data)
	if err != nil {
		d.config.Logger.Printf("Import of %s failed: %v", filepath.Base(path), err)
		d.markProcessed(path, ".failed")
		return
	}

	d.config.Logger.Printf("Imported %s: created=%d merged=%d review=%d skipped=%d",
		filepath.Base(path), result.Created, result.Merged, result.NeedsReview, len(result.Skipped))
	d.markProcessed(path, ".done")
}

func (d *Daemon) markProcessed(path, suffix string) {
	if err := os.Rename(path, path+suffix); err != nil {
		d.config.Logger.Printf("Failed to mark %s as processed: %v", path, err)
	}
}
