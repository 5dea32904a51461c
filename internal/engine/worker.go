package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lumyxel/dataforge/internal/backend"
	"github.com/lumyxel/dataforge/internal/channel"
	"github.com/lumyxel/dataforge/internal/model"
)

// Worker defaults applied when a WorkerConfig field is zero.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultBatchTimeout     = 5 * time.Minute
	DefaultStopGrace        = 500 * time.Millisecond
)

// WorkerConfig bounds the blocking phases of a worker's lifecycle.
type WorkerConfig struct {
	HandshakeTimeout time.Duration
	BatchTimeout     time.Duration
	StopGrace        time.Duration
	Debug            bool
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	return c
}

// StateError is returned when a worker operation is attempted in a state
// that does not allow it.
type StateError struct {
	Op    string
	State model.WorkerState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: worker is %s", e.Op, e.State)
}

// Worker drives one isolated unit. It accepts at most one batch at a time.
type Worker struct {
	id      string
	spawner backend.Spawner
	cfg     WorkerConfig
	logger  *slog.Logger
	events  *EventBroker

	mu       sync.Mutex
	state    model.WorkerState
	stats    model.WorkerStats
	starting bool
	unit     backend.Unit
	ch       *channel.Channel
	// inflight is the task on the unit. A reply for it that reaches watch
	// belongs to an abandoned batch and closes settled.
	inflight string
	settled  chan struct{}

	// onChange is called after every state change, without w.mu held.
	onChange func()

	stopped  chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewWorker creates a worker in the Initializing state. events may be nil.
func NewWorker(id string, spawner backend.Spawner, cfg WorkerConfig, logger *slog.Logger, events *EventBroker) *Worker {
	return &Worker{
		id:      id,
		spawner: spawner,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("worker_id", id),
		events:  events,
		state:   model.WorkerInitializing,
		stopped: make(chan struct{}),
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() string {
	return w.id
}

// State returns the worker's current state.
func (w *Worker) State() model.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() model.WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Start spawns the worker's unit and completes the init handshake within
// the configured handshake timeout. On failure the unit is killed and the
// worker moves to Error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != model.WorkerInitializing || w.starting {
		st := w.state
		w.mu.Unlock()
		return &StateError{Op: "start", State: st}
	}
	w.starting = true
	w.mu.Unlock()

	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, w.cfg.HandshakeTimeout)
	defer cancel()

	unit, err := w.spawner.Spawn(hctx, backend.UnitSpec{WorkerID: w.id, Debug: w.cfg.Debug})
	if err != nil {
		w.fail()
		return fmt.Errorf("spawn unit for %s: %w", w.id, err)
	}

	conn, err := unit.Connect(hctx)
	if err != nil {
		w.kill(unit)
		w.fail()
		return w.handshakeError(ctx, "connect", err)
	}

	ch := channel.New(conn, w.id, w.logger)
	if _, err := ch.SendRequest(hctx, model.InitWorker{WorkerID: w.id, Debug: w.cfg.Debug}, 0); err != nil {
		ch.Close()
		w.kill(unit)
		w.fail()
		return w.handshakeError(ctx, "init", err)
	}

	w.mu.Lock()
	if w.state != model.WorkerInitializing {
		// Stopped while the handshake was in flight.
		st := w.state
		w.mu.Unlock()
		ch.Close()
		w.kill(unit)
		return &StateError{Op: "start", State: st}
	}
	w.unit = unit
	w.ch = ch
	w.setStateLocked(model.WorkerIdle)
	w.mu.Unlock()

	msgs, _ := ch.Subscribe()
	go w.watch(unit, ch, msgs)

	activeWorkers.Inc()
	workerStartDuration.Observe(time.Since(start).Seconds())
	w.publishState(model.WorkerIdle)
	w.logger.Info("worker started", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// kill terminates a unit that failed its handshake.
func (w *Worker) kill(unit backend.Unit) {
	if err := unit.Kill(); err != nil {
		w.logger.Warn("kill unit", "error", err)
	}
}

// handshakeError maps a deadline from the handshake timeout, rather than
// from the caller's context, onto channel.ErrTimeout.
func (w *Worker) handshakeError(parent context.Context, phase string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%s handshake %s after %s: %w", w.id, phase, w.cfg.HandshakeTimeout, channel.ErrTimeout)
	}
	return fmt.Errorf("%s handshake %s: %w", w.id, phase, err)
}

// ProcessBatch sends items to the unit and returns the outputs it produced.
// The worker must be Idle. If the worker is stopped while the batch is in
// flight the call returns an empty result and no error.
func (w *Worker) ProcessBatch(ctx context.Context, items []string, opts SubmitOptions) ([]string, error) {
	return w.processBatch(ctx, items, opts, true)
}

func (w *Worker) processBatch(ctx context.Context, items []string, opts SubmitOptions, record bool) ([]string, error) {
	w.mu.Lock()
	if w.state != model.WorkerIdle {
		st := w.state
		w.mu.Unlock()
		return nil, &StateError{Op: "process batch", State: st}
	}
	taskID := model.NewID()
	w.setStateLocked(model.WorkerBusy)
	w.inflight = taskID
	w.settled = make(chan struct{})
	settled := w.settled
	ch := w.ch
	w.mu.Unlock()
	w.publishState(model.WorkerBusy)

	req := model.ProcessBatch{
		Items:       items,
		ProjectRoot: opts.ProjectRoot,
		AutoModify:  opts.AutoModify,
	}

	type reply struct {
		msg model.Message
		err error
	}
	replies := make(chan reply, 1)
	start := time.Now()
	go func() {
		msg, err := ch.SendTaskRequest(ctx, taskID, req, w.cfg.BatchTimeout)
		replies <- reply{msg, err}
	}()

	var r reply
	select {
	case r = <-replies:
	case <-w.stopped:
		return []string{}, nil
	}
	elapsed := time.Since(start)

	if r.err != nil {
		select {
		case <-w.stopped:
			return []string{}, nil
		default:
		}
		if ctx.Err() != nil && !errors.Is(r.err, channel.ErrTimeout) {
			// The caller gave up but the unit is still working on the
			// batch. Stay Busy until it answers.
			go w.awaitAbandoned(taskID, settled, start.Add(w.cfg.BatchTimeout))
			return nil, fmt.Errorf("%s task %s: %w", w.id, taskID, r.err)
		}
		return nil, w.batchFailed(taskID, r.err)
	}

	p, err := r.msg.Decode()
	if err != nil {
		return nil, w.batchFailed(taskID, err)
	}
	bc, ok := p.(model.BatchComplete)
	if !ok {
		return nil, w.batchFailed(taskID, fmt.Errorf("unexpected reply %s", r.msg.Type))
	}

	outputs := bc.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	if len(outputs) > len(items) {
		w.logger.Warn("unit returned more outputs than items, truncating",
			"task_id", taskID, "items", len(items), "outputs", len(outputs))
		outputs = outputs[:len(items)]
	}

	processingMS := bc.TotalMS
	if processingMS <= 0 {
		processingMS = float64(elapsed.Microseconds()) / 1000
	}

	w.mu.Lock()
	w.inflight = ""
	if record {
		w.stats.TasksProcessed++
		w.stats.ItemsProcessed += len(items)
		w.stats.TotalProcessingMS += processingMS
	}
	moved := w.setStateLocked(model.WorkerIdle)
	w.mu.Unlock()
	if moved {
		w.publishState(model.WorkerIdle)
	}

	if record {
		batchDuration.Observe(elapsed.Seconds())
		batchesTotal.WithLabelValues(statusCompleted).Inc()
		itemsProcessedTotal.Add(float64(len(items)))
	}

	if w.cfg.Debug {
		w.logger.Debug("batch complete",
			"task_id", taskID,
			"items", len(items),
			"outputs", len(outputs),
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	return outputs, nil
}

// batchFailed moves the worker to Error and wraps err.
func (w *Worker) batchFailed(taskID string, err error) error {
	status := statusFailed
	if errors.Is(err, channel.ErrTimeout) {
		status = statusTimeout
	}
	batchesTotal.WithLabelValues(status).Inc()

	w.logger.Error("batch failed", "task_id", taskID, "error", err)
	w.mu.Lock()
	w.inflight = ""
	w.mu.Unlock()
	w.transition(model.WorkerError)
	return fmt.Errorf("%s task %s: %w", w.id, taskID, err)
}

// awaitAbandoned returns the worker to Idle once the unit answers a batch
// whose caller gave up. A unit that stays silent past the batch deadline
// moves the worker to Error.
func (w *Worker) awaitAbandoned(taskID string, settled <-chan struct{}, deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-settled:
		w.logger.Debug("abandoned batch settled", "task_id", taskID)
		w.transition(model.WorkerIdle)
	case <-timer.C:
		batchesTotal.WithLabelValues(statusTimeout).Inc()
		w.logger.Error("abandoned batch never answered", "task_id", taskID)
		w.mu.Lock()
		w.inflight = ""
		w.mu.Unlock()
		w.transition(model.WorkerError)
	case <-w.stopped:
	}
}

// Stop shuts the unit down. In-flight ProcessBatch callers are released
// immediately with an empty result. The unit gets a shutdown notice and
// StopGrace to exit before it is killed. Stop is idempotent; later calls
// return the first call's result.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		w.stopErr = w.stop()
	})
	return w.stopErr
}

func (w *Worker) stop() error {
	close(w.stopped)

	w.mu.Lock()
	unit, ch := w.unit, w.ch
	moved := w.setStateLocked(model.WorkerShutdown)
	w.mu.Unlock()
	if moved {
		w.publishState(model.WorkerShutdown)
	}

	if unit == nil {
		return nil
	}
	defer activeWorkers.Dec()

	if ch.Active() {
		if err := ch.SendMessage(model.Shutdown{}); err != nil {
			w.logger.Warn("send shutdown notice", "error", err)
		}
	}

	var killErr error
	select {
	case <-unit.Exited():
	case <-time.After(w.cfg.StopGrace):
		w.logger.Warn("unit did not exit within grace period, killing", "grace", w.cfg.StopGrace.String())
		if err := unit.Kill(); err != nil {
			killErr = fmt.Errorf("kill unit for %s: %w", w.id, err)
		}
	}
	ch.Close()

	w.logger.Info("worker stopped")
	return killErr
}

// watch handles unsolicited unit messages and notices a unit that goes
// away on its own.
func (w *Worker) watch(unit backend.Unit, ch *channel.Channel, msgs <-chan model.Message) {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				w.lost(ch, "channel closed")
				return
			}
			w.handleUnsolicited(msg)
		case <-unit.Exited():
			w.lost(ch, "unit exited")
			return
		case <-w.stopped:
			return
		}
	}
}

func (w *Worker) lost(ch *channel.Channel, reason string) {
	select {
	case <-w.stopped:
		return
	default:
	}
	w.logger.Warn("unit lost", "reason", reason)
	w.transition(model.WorkerError)
	ch.Close()
}

func (w *Worker) handleUnsolicited(msg model.Message) {
	w.mu.Lock()
	if msg.TaskID != "" && msg.TaskID == w.inflight {
		w.inflight = ""
		close(w.settled)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	text := string(msg.Type)
	if p, err := msg.Decode(); err == nil {
		switch v := p.(type) {
		case model.WorkerErrorReport:
			text = v.Message
			w.logger.Warn("unit reported error", "message", v.Message, "detail", v.Detail)
		case model.ErrorPayload:
			text = v.Message
			w.logger.Warn("unit sent error", "message", v.Message)
		default:
			w.logger.Debug("unsolicited message", "type", msg.Type, "id", msg.ID, "task_id", msg.TaskID)
		}
	}
	w.events.Publish(Event{
		Type:     EventWorkerMessage,
		WorkerID: w.id,
		Message:  text,
	})
}

// setStateLocked moves to the given state if the transition is allowed.
// w.mu must be held.
func (w *Worker) setStateLocked(to model.WorkerState) bool {
	if !model.ValidWorkerTransition(w.state, to) {
		return false
	}
	w.state = to
	return true
}

func (w *Worker) transition(to model.WorkerState) {
	w.mu.Lock()
	moved := w.setStateLocked(to)
	w.mu.Unlock()
	if moved {
		w.publishState(to)
	}
}

func (w *Worker) fail() {
	w.mu.Lock()
	w.starting = false
	moved := w.setStateLocked(model.WorkerError)
	w.mu.Unlock()
	if moved {
		w.publishState(model.WorkerError)
	}
}

func (w *Worker) publishState(s model.WorkerState) {
	w.events.Publish(Event{
		Type:     EventWorkerState,
		WorkerID: w.id,
		State:    s,
	})
	if w.onChange != nil {
		w.onChange()
	}
}
