package indexer

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/forkdex/forkdex/internal/transcript"
)

// transcriptExt is the producer's transcript file extension.
const transcriptExt = ".jsonl"

// queueCapacity bounds the work queue. Producers use a non-blocking offer
// with per-path coalescing; when the queue is full the offer is dropped and
// the path waits for its next event.
const queueCapacity = 256

// Config tunes the background indexer.
type Config struct {
	// Root is the producer's transcript directory, watched recursively.
	Root string

	// DebounceDelay is the quiet window after the last file event before a
	// path is re-indexed (default 5s).
	DebounceDelay time.Duration

	// Workers is the pool size (default 1).
	Workers int

	// PollInterval enables the poll-based fallback scan cadence when the
	// platform watcher cannot be created (default: DebounceDelay).
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = c.DebounceDelay
	}
	return c
}

// PathState is the indexing state of one transcript path.
type PathState struct {
	Stage  string    `json:"stage"` // parsing / embedding / writing / indexed / failed / empty
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Indexer watches the transcript tree and re-indexes changed files through
// the pipeline on a bounded worker pool.
type Indexer struct {
	pipeline *Pipeline
	config   Config

	queue chan string

	mu       sync.Mutex
	timers   map[string]*time.Timer // per-path debounce timers
	pending  map[string]bool        // paths enqueued but not yet picked up
	states   map[string]PathState
	pathLock sync.Map // path -> *sync.Mutex

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    sync.WaitGroup
	stopped chan struct{}
}

// New creates a background indexer over the pipeline.
func New(pipeline *Pipeline, cfg Config) *Indexer {
	cfg = cfg.withDefaults()
	ix := &Indexer{
		pipeline: pipeline,
		config:   cfg,
		queue:    make(chan string, queueCapacity),
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]bool),
		states:   make(map[string]PathState),
		stopped:  make(chan struct{}),
	}
	pipeline.OnStage = ix.recordStage
	return ix
}

// Start begins watching and spins up the worker pool. When the platform
// watcher cannot be created the indexer degrades to periodic scanning with
// the same debounce semantics.
func (ix *Indexer) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	ix.cancel = cancel

	for i := 0; i < ix.config.Workers; i++ {
		ix.done.Add(1)
		go ix.worker(ctx, i)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("indexer: watcher unavailable (%v), falling back to polling", err)
		ix.done.Add(1)
		go ix.pollLoop(ctx)
		return nil
	}
	ix.watcher = watcher

	if err := ix.watchTree(ix.config.Root); err != nil {
		watcher.Close()
		ix.watcher = nil
		log.Printf("indexer: cannot watch %s (%v), falling back to polling", ix.config.Root, err)
		ix.done.Add(1)
		go ix.pollLoop(ctx)
		return nil
	}

	ix.done.Add(1)
	go ix.watchLoop(ctx)
	log.Printf("indexer: watching %s (%d workers, %s debounce)",
		ix.config.Root, ix.config.Workers, ix.config.DebounceDelay)
	return nil
}

// Shutdown stops the watcher, flushes the pool, and joins all workers.
func (ix *Indexer) Shutdown() {
	// Mark stopped and silence the timers under the lock: fire() sends to the
	// queue under the same lock after checking stopped, so once this section
	// completes no timer can touch the closed queue.
	ix.mu.Lock()
	select {
	case <-ix.stopped:
		ix.mu.Unlock()
		return
	default:
	}
	close(ix.stopped)
	for _, timer := range ix.timers {
		timer.Stop()
	}
	ix.mu.Unlock()

	if ix.cancel != nil {
		ix.cancel()
	}
	if ix.watcher != nil {
		ix.watcher.Close()
	}

	close(ix.queue)
	ix.done.Wait()
}

// State returns the recorded state for a path.
func (ix *Indexer) State(path string) (PathState, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s, ok := ix.states[path]
	return s, ok
}

// FailedPaths returns the paths currently in the failed state.
func (ix *Indexer) FailedPaths() map[string]string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make(map[string]string)
	for path, s := range ix.states {
		if s.Stage == StageFailed {
			out[path] = s.Reason
		}
	}
	return out
}

// Notify arms (or re-arms) the debounce timer for a path. Exposed for the
// poll fallback and for tests; the watch loop calls it on every event.
func (ix *Indexer) Notify(path string) {
	if !strings.HasSuffix(path, transcriptExt) {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	select {
	case <-ix.stopped:
		return
	default:
	}

	if timer, ok := ix.timers[path]; ok {
		timer.Reset(ix.config.DebounceDelay)
		return
	}
	ix.timers[path] = time.AfterFunc(ix.config.DebounceDelay, func() {
		ix.fire(path)
	})
}

// fire moves a debounced path onto the work queue with coalescing: a path
// already pending is not enqueued twice, and a full queue drops the offer
// (the next event re-arms the timer).
func (ix *Indexer) fire(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delete(ix.timers, path)
	select {
	case <-ix.stopped:
		return
	default:
	}
	if ix.pending[path] {
		return
	}

	select {
	case ix.queue <- path:
		ix.pending[path] = true
	default:
		log.Printf("indexer: queue full, dropping %s (will retry on next event)", path)
	}
}

func (ix *Indexer) worker(ctx context.Context, id int) {
	defer ix.done.Done()

	for path := range ix.queue {
		ix.mu.Lock()
		delete(ix.pending, path)
		ix.mu.Unlock()

		if ctx.Err() != nil {
			continue // drain without working during shutdown
		}
		ix.indexPath(ctx, id, path)
	}
}

// indexPath runs the pipeline for one path under the per-path lock so
// concurrent events for the same path serialize while different paths run in
// parallel.
func (ix *Indexer) indexPath(ctx context.Context, workerID int, path string) {
	lock, _ := ix.pathLock.LoadOrStore(path, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	result, err := ix.pipeline.IndexFile(ctx, path)
	switch {
	case err == nil:
		log.Printf("indexer: worker %d indexed %s (%d messages, %d chunks)",
			workerID, filepath.Base(path), result.MessageCount, result.ChunkCount)
	case errors.Is(err, transcript.ErrTranscriptEmpty):
		ix.setState(path, PathState{Stage: "empty", At: time.Now()})
		log.Printf("indexer: worker %d skipped empty %s", workerID, filepath.Base(path))
	case ctx.Err() != nil:
		// Shutdown mid-index; the swap either completed or rolled back.
	default:
		ix.setState(path, PathState{Stage: StageFailed, Reason: err.Error(), At: time.Now()})
		log.Printf("indexer: worker %d failed on %s: %v", workerID, filepath.Base(path), err)
	}
}

func (ix *Indexer) recordStage(path, stage string) {
	ix.setState(path, PathState{Stage: stage, At: time.Now()})
}

func (ix *Indexer) setState(path string, s PathState) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.states[path] = s
}

// watchTree registers the root and every subdirectory with the watcher.
func (ix *Indexer) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return ix.watcher.Add(path)
		}
		return nil
	})
}

func (ix *Indexer) watchLoop(ctx context.Context) {
	defer ix.done.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ix.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			// New directories join the watch so nested projects are covered.
			// Files written before the watch registered are swept up too.
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := ix.watchTree(event.Name); err != nil {
						log.Printf("indexer: watch %s: %v", event.Name, err)
					}
					ix.scanExisting(event.Name)
					continue
				}
			}
			ix.Notify(event.Name)
		case err, ok := <-ix.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("indexer: watcher error: %v", err)
		}
	}
}

// scanExisting feeds transcripts already present under dir through the
// debounce path, covering files written before their directory's watch
// registered.
func (ix *Indexer) scanExisting(dir string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			ix.Notify(path)
		}
		return nil
	})
}

// pollLoop is the poll-based fallback: it rescans the tree on a fixed cadence
// and feeds changed files through the same debounce path as real events.
func (ix *Indexer) pollLoop(ctx context.Context) {
	defer ix.done.Done()

	mtimes := make(map[string]time.Time)
	ticker := time.NewTicker(ix.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			filepath.WalkDir(ix.config.Root, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() || !strings.HasSuffix(path, transcriptExt) {
					return nil
				}
				info, err := d.Info()
				if err != nil {
					return nil
				}
				if prev, ok := mtimes[path]; !ok || info.ModTime().After(prev) {
					mtimes[path] = info.ModTime()
					ix.Notify(path)
				}
				return nil
			})
		}
	}
}
