package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumyxel/dataforge/internal/backend"
	"github.com/lumyxel/dataforge/internal/backend/inprocess"
	"github.com/lumyxel/dataforge/internal/channel"
	"github.com/lumyxel/dataforge/internal/engine"
	"github.com/lumyxel/dataforge/internal/model"
	"github.com/lumyxel/dataforge/internal/processor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// gate blocks items named "block" until it is opened.
type gate struct {
	once    sync.Once
	release chan struct{}
	entered chan string
}

func newGate() *gate {
	return &gate{
		release: make(chan struct{}),
		entered: make(chan string, 16),
	}
}

func (g *gate) open() {
	g.once.Do(func() { close(g.release) })
}

// testProcessor emits "<item>.out" for every item. Items containing "bad"
// fail to parse, items containing "skip" produce nothing and items
// containing "block" wait on g when g is not nil.
func testProcessor(g *gate) processor.FileProcessor {
	return processor.Funcs{
		ParseFunc: func(ctx context.Context, item string) (any, error) {
			switch {
			case strings.Contains(item, "bad"):
				return nil, errors.New("cannot parse")
			case strings.Contains(item, "skip"):
				return nil, nil
			case strings.Contains(item, "block") && g != nil:
				g.entered <- item
				select {
				case <-g.release:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return item, nil
		},
		WriteFunc: func(_ context.Context, ir any, _ processor.WriteOptions) (string, error) {
			return ir.(string) + ".out", nil
		},
	}
}

func testSpawner(g *gate) backend.Spawner {
	proc := testProcessor(g)
	return inprocess.New(func() processor.FileProcessor { return proc }, discardLogger())
}

func newPool(t *testing.T, workers int, g *gate, opts ...engine.PoolOption) *engine.Pool {
	t.Helper()
	return newPoolOn(t, testSpawner(g), workers, g, opts...)
}

func newPoolOn(t *testing.T, spawner backend.Spawner, workers int, g *gate, opts ...engine.PoolOption) *engine.Pool {
	t.Helper()
	p := engine.NewPool(engine.PoolConfig{
		Workers:   workers,
		StopGrace: 100 * time.Millisecond,
	}, spawner, discardLogger(), opts...)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		if g != nil {
			g.open()
		}
		p.Shutdown()
	})
	return p
}

func waitForState(t *testing.T, w *engine.Worker, want model.WorkerState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for w.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("worker state = %s, want %s", w.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// stubSpawner hands out units whose Connect never completes.
type stubSpawner struct {
	spawnErr error
	units    []*stubUnit
	mu       sync.Mutex
}

func (s *stubSpawner) Spawn(ctx context.Context, _ backend.UnitSpec) (backend.Unit, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	u := &stubUnit{exited: make(chan struct{})}
	s.mu.Lock()
	s.units = append(s.units, u)
	s.mu.Unlock()
	return u, nil
}

func (s *stubSpawner) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "stub", Isolation: model.IsolationGoroutine}
}

type stubUnit struct {
	exited chan struct{}
	once   sync.Once
	killed bool
	mu     sync.Mutex
}

func (u *stubUnit) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (u *stubUnit) Exited() <-chan struct{} { return u.exited }

func (u *stubUnit) Kill() error {
	u.mu.Lock()
	u.killed = true
	u.mu.Unlock()
	u.once.Do(func() { close(u.exited) })
	return nil
}

func (u *stubUnit) wasKilled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.killed
}

// scriptedSpawner hands out units that answer batches without running a
// processor. A batch holding a "reject" item gets an error reply and a
// "block" item waits on g.
type scriptedSpawner struct {
	g *gate
}

func (s *scriptedSpawner) Spawn(ctx context.Context, _ backend.UnitSpec) (backend.Unit, error) {
	unitEnd, hostEnd := net.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	u := &scriptedUnit{hostEnd: hostEnd, cancel: cancel, exited: make(chan struct{})}

	var ch *channel.Channel
	ready := make(chan struct{})
	ch = channel.New(unitEnd, "unit", discardLogger(), channel.WithHandler(func(msg model.Message) {
		<-ready
		s.handle(runCtx, ch, msg, cancel)
	}))
	close(ready)

	go func() {
		defer close(u.exited)
		select {
		case <-runCtx.Done():
		case <-ch.Done():
		}
		ch.Close()
	}()
	return u, nil
}

func (s *scriptedSpawner) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "scripted", Isolation: model.IsolationGoroutine}
}

func (s *scriptedSpawner) handle(ctx context.Context, ch *channel.Channel, msg model.Message, stop context.CancelFunc) {
	p, err := msg.Decode()
	if err != nil {
		return
	}
	var reply model.Payload
	switch req := p.(type) {
	case model.InitWorker:
		reply = model.Success{WorkerID: req.WorkerID}
	case model.ProcessBatch:
		reply = s.batch(ctx, req.Items)
	case model.Shutdown:
		stop()
		return
	default:
		return
	}
	ch.SendResponse(msg.ID, msg.TaskID, reply)
}

func (s *scriptedSpawner) batch(ctx context.Context, items []string) model.Payload {
	outputs := make([]string, 0, len(items))
	for _, item := range items {
		switch {
		case strings.Contains(item, "reject"):
			return model.ErrorPayload{Message: "rejected " + item}
		case strings.Contains(item, "block") && s.g != nil:
			s.g.entered <- item
			select {
			case <-s.g.release:
			case <-ctx.Done():
				return model.ErrorPayload{Message: "unit stopped"}
			}
		}
		outputs = append(outputs, item+".out")
	}
	return model.BatchComplete{Outputs: outputs}
}

type scriptedUnit struct {
	hostEnd net.Conn
	cancel  context.CancelFunc
	exited  chan struct{}

	mu        sync.Mutex
	connected bool
}

func (u *scriptedUnit) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.connected {
		return nil, errors.New("already connected")
	}
	u.connected = true
	return u.hostEnd, nil
}

func (u *scriptedUnit) Exited() <-chan struct{} { return u.exited }

func (u *scriptedUnit) Kill() error {
	u.cancel()
	if err := u.hostEnd.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}
