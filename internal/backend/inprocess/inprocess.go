// Package inprocess runs isolated units as goroutines inside the host
// process. Each unit owns its own agent, processor state and message stream;
// it shares nothing with the worker except the in-memory pipe between them.
package inprocess

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/lumyxel/dataforge/internal/backend"
	"github.com/lumyxel/dataforge/internal/guest"
	"github.com/lumyxel/dataforge/internal/model"
	"github.com/lumyxel/dataforge/internal/processor"
)

// ErrAlreadyConnected is returned by Connect when the unit's pipe has
// already been handed out.
var ErrAlreadyConnected = errors.New("unit already connected")

// ErrExited is returned by Connect when the unit stopped before a
// connection was made.
var ErrExited = errors.New("unit exited before connect")

// Spawner starts goroutine units.
type Spawner struct {
	// NewProcessor returns the processor for a new unit. It is called once
	// per unit so units never share processor state.
	NewProcessor func() processor.FileProcessor
	Logger       *slog.Logger
	MaxUnits     int
}

var _ backend.Spawner = (*Spawner)(nil)

// New returns a spawner that gives every unit its own processor from
// newProc.
func New(newProc func() processor.FileProcessor, logger *slog.Logger) *Spawner {
	return &Spawner{
		NewProcessor: newProc,
		Logger:       logger,
	}
}

// Spawn starts the unit's agent on one end of an in-memory pipe.
func (s *Spawner) Spawn(ctx context.Context, spec backend.UnitSpec) (backend.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unitEnd, hostEnd := net.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	u := &unit{
		hostEnd: hostEnd,
		cancel:  cancel,
		exited:  make(chan struct{}),
	}

	agent := guest.New(s.NewProcessor(), s.Logger.With("worker_id", spec.WorkerID, "isolation", model.IsolationGoroutine))
	go func() {
		defer close(u.exited)
		if err := agent.Serve(runCtx, unitEnd); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Warn("unit stopped with error", "worker_id", spec.WorkerID, "error", err)
		}
	}()
	return u, nil
}

// Capabilities reports the goroutine isolation mode.
func (s *Spawner) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:      "inprocess",
		Isolation: model.IsolationGoroutine,
		MaxUnits:  s.MaxUnits,
	}
}

type unit struct {
	hostEnd net.Conn
	cancel  context.CancelFunc
	exited  chan struct{}

	mu        sync.Mutex
	connected bool
}

func (u *unit) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-u.exited:
		return nil, ErrExited
	default:
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.connected {
		return nil, ErrAlreadyConnected
	}
	u.connected = true
	return u.hostEnd, nil
}

func (u *unit) Exited() <-chan struct{} {
	return u.exited
}

func (u *unit) Kill() error {
	u.cancel()
	err := u.hostEnd.Close()
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
