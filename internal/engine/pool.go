package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lumyxel/dataforge/internal/backend"
	"github.com/lumyxel/dataforge/internal/grouping"
	"github.com/lumyxel/dataforge/internal/model"
)

// Pool state errors.
var (
	ErrNotInitialized     = errors.New("worker pool not initialized")
	ErrAlreadyInitialized = errors.New("worker pool already initialized")
	ErrPoolShutdown       = errors.New("worker pool is shut down")
	ErrNoWorkers          = errors.New("no usable workers")
)

// PoolConfig configures a Pool. Workers <= 0 means one worker per CPU.
type PoolConfig struct {
	Workers          int
	HandshakeTimeout time.Duration
	BatchTimeout     time.Duration
	StopGrace        time.Duration
	Debug            bool
	Grouping         grouping.Policy
}

// SubmitOptions are forwarded to the processor for every item of a
// submission. SubmissionID is optional; a fresh id is used when empty.
type SubmitOptions struct {
	ProjectRoot  string
	AutoModify   bool
	SubmissionID string
}

// WorkerInfo describes one worker for status reporting.
type WorkerInfo struct {
	ID    string            `json:"id"`
	State model.WorkerState `json:"state"`
	Stats model.WorkerStats `json:"stats"`
}

// PoolOption configures optional Pool collaborators.
type PoolOption func(*Pool)

// WithEventBroker publishes worker and submission events to b.
func WithEventBroker(b *EventBroker) PoolOption {
	return func(p *Pool) {
		p.events = b
	}
}

// outcome records the first failed task of a submission.
type outcome struct {
	once   sync.Once
	failed chan struct{}
	err    error
}

func newOutcome() *outcome {
	return &outcome{failed: make(chan struct{})}
}

func (o *outcome) fail(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.failed)
	})
}

// task is one partition of a submission. It is resolved exactly once.
type task struct {
	id         string
	submission string
	items      []string
	opts       SubmitOptions
	outcome    *outcome

	once    sync.Once
	done    chan struct{}
	outputs []string
	err     error
}

func newTask(id, submission string, items []string, opts SubmitOptions, out *outcome) *task {
	return &task{
		id:         id,
		submission: submission,
		items:      items,
		opts:       opts,
		outcome:    out,
		done:       make(chan struct{}),
	}
}

func (t *task) resolve(outputs []string, err error) {
	t.once.Do(func() {
		t.outputs = outputs
		t.err = err
		if err != nil {
			t.outcome.fail(err)
		}
		close(t.done)
	})
}

func (t *task) resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Pool distributes submissions across a fixed set of workers.
type Pool struct {
	cfg     PoolConfig
	spawner backend.Spawner
	logger  *slog.Logger
	events  *EventBroker

	mu           sync.Mutex
	workers      []*Worker
	queue        []*task
	leased       map[*Worker]bool
	initializing bool
	initialized  bool
	shuttingDown bool
	draining     int
	// changed is closed and replaced whenever pool state changes.
	changed chan struct{}

	shutdownOnce sync.Once
}

// NewPool creates an uninitialized pool whose workers run on units from
// spawner.
func NewPool(cfg PoolConfig, spawner backend.Spawner, logger *slog.Logger, opts ...PoolOption) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	p := &Pool{
		cfg:     cfg,
		spawner: spawner,
		logger:  logger,
		leased:  make(map[*Worker]bool),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Events returns the pool's event broker, or nil if none was configured.
func (p *Pool) Events() *EventBroker {
	return p.events
}

// Initialize starts every worker concurrently and warms each one up with
// an empty batch. If any worker fails to start, all workers are stopped and
// the error is returned.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.shuttingDown:
		p.mu.Unlock()
		return ErrPoolShutdown
	case p.initialized || p.initializing:
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}
	p.initializing = true
	p.mu.Unlock()

	start := time.Now()
	wcfg := WorkerConfig{
		HandshakeTimeout: p.cfg.HandshakeTimeout,
		BatchTimeout:     p.cfg.BatchTimeout,
		StopGrace:        p.cfg.StopGrace,
		Debug:            p.cfg.Debug,
	}
	workers := make([]*Worker, p.cfg.Workers)
	for i := range workers {
		workers[i] = NewWorker(fmt.Sprintf("worker-%d", i), p.spawner, wcfg, p.logger, p.events)
		workers[i].onChange = p.workerChanged
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		p.stopWorkers(workers)
		p.mu.Lock()
		p.initializing = false
		p.mu.Unlock()
		return fmt.Errorf("initialize pool: %w", err)
	}

	p.warmup(ctx, workers)

	p.mu.Lock()
	p.initializing = false
	if p.shuttingDown {
		p.mu.Unlock()
		p.stopWorkers(workers)
		return ErrPoolShutdown
	}
	p.workers = workers
	p.initialized = true
	p.broadcastLocked()
	p.mu.Unlock()

	p.logger.Info("worker pool initialized",
		"workers", len(workers),
		"isolation", p.spawner.Capabilities().Isolation,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// warmup sends an empty batch to every worker so each unit has run the
// processor path once before real work arrives.
func (p *Pool) warmup(ctx context.Context, workers []*Worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Go(func() {
			if _, err := w.processBatch(ctx, nil, SubmitOptions{}, false); err != nil {
				p.logger.Warn("worker warmup failed", "worker_id", w.ID(), "error", err)
			}
		})
	}
	wg.Wait()
}

// Submit partitions items into batches, runs them on the pool's workers and
// returns the outputs in partition order. The first failing batch fails the
// whole submission at once: batches still queued are dropped and batches
// already dispatched keep running in the background. Shutdown waits for
// them.
func (p *Pool) Submit(ctx context.Context, items []string, opts SubmitOptions) ([]string, error) {
	p.mu.Lock()
	switch {
	case p.shuttingDown:
		p.mu.Unlock()
		return nil, ErrPoolShutdown
	case !p.initialized:
		p.mu.Unlock()
		return nil, ErrNotInitialized
	}
	if len(items) == 0 {
		p.mu.Unlock()
		return []string{}, nil
	}

	subID := opts.SubmissionID
	if subID == "" {
		subID = model.NewID()
	}
	batches := grouping.Partition(items, len(p.workers), p.cfg.Grouping)
	out := newOutcome()
	tasks := make([]*task, len(batches))
	for i, batch := range batches {
		tasks[i] = newTask(fmt.Sprintf("%s-%d", subID, i), subID, batch, opts, out)
	}
	p.queue = append(p.queue, tasks...)
	queuedTasks.Set(float64(len(p.queue)))
	p.draining++
	p.broadcastLocked()
	p.mu.Unlock()

	start := time.Now()
	logger := p.logger.With("submission_id", subID)
	logger.Info("submission started", "items", len(items), "batches", len(tasks))
	p.events.Publish(Event{
		Type:         EventSubmissionStarted,
		SubmissionID: subID,
		Message:      fmt.Sprintf("%d items in %d batches", len(items), len(tasks)),
	})

	go func() {
		defer func() {
			p.mu.Lock()
			p.draining--
			p.broadcastLocked()
			p.mu.Unlock()
		}()
		p.drain(ctx, subID)
	}()

	settled := make(chan struct{})
	go func() {
		for _, t := range tasks {
			<-t.done
		}
		close(settled)
	}()

	select {
	case <-settled:
	case <-out.failed:
	}

	finished := Event{Type: EventSubmissionFinished, SubmissionID: subID}
	select {
	case <-out.failed:
		finished.Message = out.err.Error()
		p.events.Publish(finished)
		logger.Error("submission failed", "error", out.err, "duration_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("submission %s: %w", subID, out.err)
	default:
	}

	outputs := make([]string, 0, len(items))
	for _, t := range tasks {
		outputs = append(outputs, t.outputs...)
	}
	finished.Message = fmt.Sprintf("%d outputs", len(outputs))
	p.events.Publish(finished)
	logger.Info("submission finished", "outputs", len(outputs), "duration_ms", time.Since(start).Milliseconds())
	return outputs, nil
}

// drain dispatches the submission's queued tasks in waves until none are
// left. Each wave takes as many tasks as there are idle workers, runs them
// concurrently and waits for all of them before the next wave.
func (p *Pool) drain(ctx context.Context, subID string) {
	for {
		p.mu.Lock()
		if p.shuttingDown {
			dropped := p.takeQueuedLocked(subID, -1)
			p.mu.Unlock()
			resolveAll(dropped, []string{}, nil)
			return
		}

		pending := p.countQueuedLocked(subID)
		if pending == 0 {
			p.mu.Unlock()
			return
		}

		idle := p.idleWorkersLocked()
		if len(idle) == 0 {
			if !p.usableLocked() {
				dropped := p.takeQueuedLocked(subID, -1)
				p.mu.Unlock()
				resolveAll(dropped, nil, ErrNoWorkers)
				return
			}
			wait := p.changed
			p.mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				p.mu.Lock()
				dropped := p.takeQueuedLocked(subID, -1)
				p.mu.Unlock()
				resolveAll(dropped, nil, ctx.Err())
				return
			}
			continue
		}

		n := min(pending, len(idle))
		wave := p.takeQueuedLocked(subID, n)
		for _, w := range idle[:n] {
			p.leased[w] = true
		}
		p.mu.Unlock()

		var wg sync.WaitGroup
		for i, t := range wave {
			w := idle[i]
			wg.Go(func() {
				p.dispatch(ctx, w, t)
			})
		}
		wg.Wait()

		for _, t := range wave {
			if t.resolved() && t.err != nil {
				p.dropQueued(subID)
				return
			}
		}
	}
}

// dispatch runs t on w and releases the lease. A worker that turned out not
// to be Idle puts the task back at the front of the queue.
func (p *Pool) dispatch(ctx context.Context, w *Worker, t *task) {
	outputs, err := w.ProcessBatch(ctx, t.items, t.opts)

	var se *StateError
	requeue := errors.As(err, &se)

	p.mu.Lock()
	delete(p.leased, w)
	if requeue {
		p.queue = append([]*task{t}, p.queue...)
		queuedTasks.Set(float64(len(p.queue)))
	}
	p.broadcastLocked()
	p.mu.Unlock()

	if requeue {
		p.logger.Debug("worker not idle, requeueing batch", "task_id", t.id, "worker_id", w.ID(), "state", se.State)
		return
	}
	if err != nil {
		p.logger.Error("batch failed", "task_id", t.id, "worker_id", w.ID(), "error", err)
		p.dropQueued(t.submission)
	}
	t.resolve(outputs, err)
}

// dropQueued resolves every queued task of a failed submission with an
// empty result.
func (p *Pool) dropQueued(subID string) {
	p.mu.Lock()
	dropped := p.takeQueuedLocked(subID, -1)
	p.mu.Unlock()
	if len(dropped) == 0 {
		return
	}
	p.logger.Warn("dropping queued batches after failure",
		"submission_id", subID, "dropped", len(dropped))
	resolveAll(dropped, []string{}, nil)
}

// workerChanged wakes drains waiting for a worker to become Idle or fail.
func (p *Pool) workerChanged() {
	p.mu.Lock()
	p.broadcastLocked()
	p.mu.Unlock()
}

// Shutdown waits for running submissions to drain, resolves any task still
// queued with an empty result and stops every worker. It is idempotent and
// cannot be cancelled. Worker stop failures are logged, not returned.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(p.shutdown)
}

func (p *Pool) shutdown() {
	start := time.Now()

	p.mu.Lock()
	p.shuttingDown = true
	p.broadcastLocked()
	for p.draining > 0 {
		wait := p.changed
		p.mu.Unlock()
		<-wait
		p.mu.Lock()
	}
	queued := p.queue
	p.queue = nil
	queuedTasks.Set(0)
	workers := p.workers
	p.mu.Unlock()

	resolveAll(queued, []string{}, nil)
	p.stopWorkers(workers)

	p.mu.Lock()
	p.initialized = false
	p.broadcastLocked()
	p.mu.Unlock()

	p.logger.Info("worker pool shut down",
		"workers", len(workers),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (p *Pool) stopWorkers(workers []*Worker) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Go(func() {
			if err := w.Stop(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("errors stopping workers", "error", err)
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() model.PoolStats {
	p.mu.Lock()
	workers := p.workers
	queued := len(p.queue)
	leased := make(map[*Worker]bool, len(p.leased))
	for w := range p.leased {
		leased[w] = true
	}
	p.mu.Unlock()

	stats := model.PoolStats{
		WorkerCount: len(workers),
		QueuedTasks: queued,
	}
	for _, w := range workers {
		ws := w.Stats()
		stats.TotalTasksProcessed += ws.TasksProcessed
		stats.TotalFilesProcessed += ws.ItemsProcessed
		stats.TotalProcessingTimeMS += ws.TotalProcessingMS
		if w.State() == model.WorkerIdle && !leased[w] {
			stats.AvailableWorkers++
		}
	}
	if stats.TotalFilesProcessed > 0 {
		stats.AverageProcessingTimeMS = stats.TotalProcessingTimeMS / float64(stats.TotalFilesProcessed)
	}
	return stats
}

// BatchCount reports how many batches Submit would split items into.
func (p *Pool) BatchCount(items []string) int {
	p.mu.Lock()
	n := len(p.workers)
	p.mu.Unlock()
	return len(grouping.Partition(items, n, p.cfg.Grouping))
}

// Workers describes every worker in the pool.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(workers))
	for _, w := range workers {
		infos = append(infos, WorkerInfo{
			ID:    w.ID(),
			State: w.State(),
			Stats: w.Stats(),
		})
	}
	return infos
}

// Initialized reports whether the pool is ready to accept submissions.
func (p *Pool) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized && !p.shuttingDown
}

// broadcastLocked wakes every goroutine waiting on p.changed.
// p.mu must be held.
func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// idleWorkersLocked returns Idle workers that no wave has reserved.
func (p *Pool) idleWorkersLocked() []*Worker {
	var idle []*Worker
	for _, w := range p.workers {
		if !p.leased[w] && w.State() == model.WorkerIdle {
			idle = append(idle, w)
		}
	}
	return idle
}

// usableLocked reports whether any worker can still take work.
func (p *Pool) usableLocked() bool {
	for _, w := range p.workers {
		switch w.State() {
		case model.WorkerIdle, model.WorkerBusy:
			return true
		}
	}
	return false
}

func (p *Pool) countQueuedLocked(subID string) int {
	n := 0
	for _, t := range p.queue {
		if t.submission == subID {
			n++
		}
	}
	return n
}

// takeQueuedLocked removes up to limit of the submission's tasks from the
// queue in FIFO order. A negative limit takes all of them.
func (p *Pool) takeQueuedLocked(subID string, limit int) []*task {
	var taken []*task
	kept := p.queue[:0]
	for _, t := range p.queue {
		if t.submission == subID && (limit < 0 || len(taken) < limit) {
			taken = append(taken, t)
			continue
		}
		kept = append(kept, t)
	}
	clear(p.queue[len(kept):])
	p.queue = kept
	queuedTasks.Set(float64(len(p.queue)))
	return taken
}

func resolveAll(tasks []*task, outputs []string, err error) {
	for _, t := range tasks {
		t.resolve(outputs, err)
	}
}
