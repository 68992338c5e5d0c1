package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infn-epics/pshal/internal/powersupply"
)

const (
	defaultQueueSize = 256
	pruneInterval    = time.Hour
	writeTimeout     = 5 * time.Second
)

// Logger is the subset of logging.Logger the recorder uses.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder writes transitions to a Store from a background goroutine so
// control loops never wait on the database. It implements
// powersupply.TransitionRecorder.
//
// When the queue is full new transitions are dropped and counted.
type Recorder struct {
	store     *Store
	logger    Logger
	retention time.Duration
	queue     chan powersupply.Transition

	dropped  atomic.Int64
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRecorder creates a recorder. A positive retention prunes older rows
// at start and then hourly.
func NewRecorder(store *Store, logger Logger, retention time.Duration) *Recorder {
	return newRecorder(store, logger, retention, defaultQueueSize)
}

func newRecorder(store *Store, logger Logger, retention time.Duration, size int) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{
		store:     store,
		logger:    logger,
		retention: retention,
		queue:     make(chan powersupply.Transition, size),
		done:      make(chan struct{}),
	}
}

// RecordTransition queues t. It never blocks.
func (r *Recorder) RecordTransition(t powersupply.Transition) {
	select {
	case <-r.done:
		r.dropped.Add(1)
		return
	default:
	}

	select {
	case r.queue <- t:
	default:
		r.dropped.Add(1)
		r.logger.Warn("transition history queue full, dropping",
			"supply", t.Supply, "kind", t.Kind, "to", t.To)
	}
}

// Dropped returns how many transitions were discarded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Start launches the writer. It stops when ctx is cancelled or Stop is
// called; queued transitions are written before it exits.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop flushes the queue and waits for the writer. Safe to call twice.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	var prune <-chan time.Time
	if r.retention > 0 {
		r.prune()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		prune = ticker.C
	}

	for {
		select {
		case t := <-r.queue:
			r.write(t)
		case <-prune:
			r.prune()
		case <-r.done:
			r.drain()
			return
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case t := <-r.queue:
			r.write(t)
		default:
			return
		}
	}
}

func (r *Recorder) write(t powersupply.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := r.store.Record(ctx, t); err != nil {
		r.logger.Error("recording transition failed", "supply", t.Supply, "error", err)
	}
}

func (r *Recorder) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	n, err := r.store.PruneHistory(ctx, r.retention)
	if err != nil {
		r.logger.Error("pruning transition history failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned transition history", "rows", n)
	}
}
