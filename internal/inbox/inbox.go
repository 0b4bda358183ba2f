// Package inbox feeds update envelopes dropped into a directory to the sync
// service.
//
// Front ends that cannot link against the sync core (form exports, field
// tablets syncing a shared folder) write one envelope per {id}.json file.
// The inbox picks each file up once it has stopped changing, sends it, and
// removes it. Files that do not hold a valid envelope are moved to a
// rejected/ subdirectory so they are not retried forever.
package inbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/connectpng/roadmon/internal/envelope"
)

// RejectedDir is the subdirectory unreadable envelope files are moved to.
const RejectedDir = "rejected"

// Sender accepts envelopes picked up from the inbox.
type Sender interface {
	Send(ctx context.Context, env *envelope.UpdateEnvelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env *envelope.UpdateEnvelope) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, env *envelope.UpdateEnvelope) error {
	return f(ctx, env)
}

// Config holds configuration for the inbox.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is read.
	// This batches rapid writes to the same file together.
	DebounceInterval time.Duration

	// Logger for inbox activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[inbox] ", log.LstdFlags),
	}
}

// Inbox watches a directory for envelope files.
type Inbox struct {
	dir    string
	sender Sender
	config *Config

	watcher   *fsnotify.Watcher
	pending   map[string]time.Time // path -> last event
	pendingMu sync.Mutex

	mu      sync.Mutex
	running bool
	sent    int
	failed  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an inbox on dir. The directory is created if missing.
//
// Use Start() to begin watching.
func New(dir string, sender Sender, config *Config) (*Inbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Inbox{
		dir:     dir,
		sender:  sender,
		config:  config,
		watcher: watcher,
		pending: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Dir returns the watched directory.
func (in *Inbox) Dir() string {
	return in.dir
}

// Start queues envelope files already in the directory and begins watching
// for new ones.
func (in *Inbox) Start() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running {
		return fmt.Errorf("inbox already running")
	}

	if err := in.watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch inbox directory %s: %w", in.dir, err)
	}

	existing, err := filepath.Glob(filepath.Join(in.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to list inbox directory: %w", err)
	}
	for _, path := range existing {
		in.queue(path)
	}

	in.running = true
	in.config.Logger.Printf("Watching %s (%d file(s) waiting)", in.dir, len(existing))

	in.wg.Add(2)
	go in.watchEvents()
	go in.processLoop()

	return nil
}

// Stop stops watching and waits for in-flight files to finish.
func (in *Inbox) Stop() error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	in.running = false
	in.mu.Unlock()

	in.cancel()

	if err := in.watcher.Close(); err != nil {
		in.config.Logger.Printf("Error closing watcher: %v", err)
	}

	in.wg.Wait()
	return nil
}

// IsRunning returns true if the inbox is currently watching.
func (in *Inbox) IsRunning() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.running
}

// Counts returns how many files were sent and rejected so far.
func (in *Inbox) Counts() (sent, rejected int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.sent, in.failed
}

func (in *Inbox) watchEvents() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return

		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}

			// Renames into the directory show up as Create.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			in.queue(event.Name)

		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (in *Inbox) queue(path string) {
	in.pendingMu.Lock()
	defer in.pendingMu.Unlock()

	in.pending[path] = time.Now()
}

func (in *Inbox) processLoop() {
	defer in.wg.Done()

	ticker := time.NewTicker(in.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-in.ctx.Done():
			return

		case <-ticker.C:
			in.processPending()
		}
	}
}

// processPending handles files that have been quiet for a full debounce
// interval, oldest first.
func (in *Inbox) processPending() {
	now := time.Now()

	in.pendingMu.Lock()
	type item struct {
		path     string
		queuedAt time.Time
	}
	var ready []item
	for path, queuedAt := range in.pending {
		if now.Sub(queuedAt) < in.config.DebounceInterval {
			continue
		}
		ready = append(ready, item{path, queuedAt})
		delete(in.pending, path)
	}
	in.pendingMu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].queuedAt.Equal(ready[j].queuedAt) {
			return ready[i].path < ready[j].path
		}
		return ready[i].queuedAt.Before(ready[j].queuedAt)
	})

	for _, it := range ready {
		if in.ctx.Err() != nil {
			return
		}
		in.processFile(it.path)
	}
}

func (in *Inbox) processFile(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	env, err := envelope.ReadFile(path)
	if err != nil {
		in.config.Logger.Printf("Warning: %v", err)
		in.reject(path)
		return
	}

	if err := in.sender.Send(in.ctx, env); err != nil {
		in.config.Logger.Printf("Failed to send %s from %s: %v", env, filepath.Base(path), err)
		in.reject(path)
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		in.config.Logger.Printf("Failed to remove %s: %v", path, err)
	}

	in.mu.Lock()
	in.sent++
	in.mu.Unlock()

	in.config.Logger.Printf("Sent %s", env)
}

func (in *Inbox) reject(path string) {
	in.mu.Lock()
	in.failed++
	in.mu.Unlock()

	dir := filepath.Join(in.dir, RejectedDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		in.config.Logger.Printf("Failed to create rejected directory: %v", err)
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil {
		in.config.Logger.Printf("Failed to move %s aside: %v", path, err)
	}
}
