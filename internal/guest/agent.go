// Package guest implements the isolated unit side of a worker. An Agent
// serves one connection from its controlling worker: it answers the init
// handshake, runs the file processor over each batch it is sent, and stops
// on a shutdown notice.
package guest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lumyxel/dataforge/internal/channel"
	"github.com/lumyxel/dataforge/internal/model"
	"github.com/lumyxel/dataforge/internal/processor"
)

// Agent runs the file processor on behalf of one worker.
type Agent struct {
	proc   processor.FileProcessor
	logger *slog.Logger

	mu       sync.Mutex
	workerID string
	debug    bool
}

// New creates an agent that runs proc for every item it is sent.
func New(proc processor.FileProcessor, logger *slog.Logger) *Agent {
	return &Agent{
		proc:   proc,
		logger: logger,
	}
}

// WorkerID returns the identity received during the handshake.
func (a *Agent) WorkerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

// Serve handles messages arriving on conn until a shutdown notice arrives,
// the peer goes away, or ctx is cancelled. conn is closed on return.
func (a *Agent) Serve(parent context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var ch *channel.Channel
	ready := make(chan struct{})
	ch = channel.New(conn, "unit", a.logger, channel.WithHandler(func(msg model.Message) {
		<-ready
		if a.handle(ctx, ch, msg) {
			cancel()
		}
	}))
	close(ready)
	defer ch.Close()

	select {
	case <-ctx.Done():
	case <-ch.Done():
	}
	return parent.Err()
}

// handle processes one inbound message and reports whether the agent should
// stop. A panic while handling is answered with an error reply so the message
// loop stays alive.
func (a *Agent) handle(ctx context.Context, ch *channel.Channel, msg model.Message) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic handling message", "type", msg.Type, "panic", r)
			a.reply(ch, msg, model.ErrorPayload{
				Message: fmt.Sprintf("panic handling %s: %v", msg.Type, r),
				Detail:  string(debug.Stack()),
			})
			stop = false
		}
	}()

	p, err := msg.Decode()
	if err != nil {
		a.logger.Warn("undecodable request", "type", msg.Type, "error", err)
		a.reply(ch, msg, model.ErrorPayload{Message: "invalid request", Detail: err.Error()})
		return false
	}

	switch req := p.(type) {
	case model.InitWorker:
		a.mu.Lock()
		a.workerID = req.WorkerID
		a.debug = req.Debug
		a.mu.Unlock()
		a.logger.Debug("unit initialized", "worker_id", req.WorkerID, "debug", req.Debug)
		a.reply(ch, msg, model.Success{WorkerID: req.WorkerID})
	case model.ProcessBatch:
		a.reply(ch, msg, a.processBatch(ctx, msg.TaskID, req))
	case model.Shutdown:
		a.logger.Debug("shutdown received")
		return true
	default:
		a.reply(ch, msg, model.ErrorPayload{Message: fmt.Sprintf("unsupported request %q", msg.Type)})
	}
	return false
}

// processBatch runs the processor over every item. A failing item is logged
// and skipped; it never fails the batch.
func (a *Agent) processBatch(ctx context.Context, taskID string, req model.ProcessBatch) model.BatchComplete {
	start := time.Now()
	opts := processor.WriteOptions{ProjectRoot: req.ProjectRoot, AutoModify: req.AutoModify}

	result := model.BatchComplete{
		Outputs: make([]string, 0, len(req.Items)),
		Timings: make([]model.ItemTiming, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		timing, output := a.processItem(ctx, item, opts)
		if timing.Error != "" {
			a.logger.Warn("item failed", "task_id", taskID, "item", item, "error", timing.Error)
		}
		if output != "" {
			result.Outputs = append(result.Outputs, output)
		}
		result.Timings = append(result.Timings, timing)
	}
	result.TotalMS = millis(time.Since(start))

	if a.isDebug() {
		a.logger.Debug("batch complete",
			"task_id", taskID,
			"items", len(req.Items),
			"outputs", len(result.Outputs),
			"total_ms", result.TotalMS,
		)
	}
	return result
}

func (a *Agent) processItem(ctx context.Context, item string, opts processor.WriteOptions) (timing model.ItemTiming, output string) {
	timing.Item = item
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			timing.Error = fmt.Sprintf("panic: %v", r)
			output = ""
		}
		timing.TotalMS = millis(time.Since(start))
	}()

	ir, err := a.proc.Parse(ctx, item)
	timing.ParseMS = millis(time.Since(start))
	if err != nil {
		timing.Error = fmt.Sprintf("parse: %v", err)
		return timing, ""
	}
	if ir == nil {
		timing.Skipped = true
		return timing, ""
	}

	writeStart := time.Now()
	output, err = a.proc.Write(ctx, ir, opts)
	timing.WriteMS = millis(time.Since(writeStart))
	if err != nil {
		timing.Error = fmt.Sprintf("write: %v", err)
		return timing, ""
	}
	if output == "" {
		timing.Skipped = true
	}
	return timing, output
}

func (a *Agent) isDebug() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.debug
}

// reply answers msg, logging rather than returning a failed send.
func (a *Agent) reply(ch *channel.Channel, msg model.Message, p model.Payload) {
	if err := ch.SendResponse(msg.ID, msg.TaskID, p); err != nil {
		a.logger.Warn("send reply", "type", p.MessageType(), "error", err)
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
