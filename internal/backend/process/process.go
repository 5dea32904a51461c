// Package process runs isolated units as child OS processes. The host starts
// the worker binary, the child listens on a unix socket and announces it with
// a single "LISTEN <path>" line on stdout, and the host dials that socket
// with retry and backoff.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lumyxel/dataforge/internal/backend"
	"github.com/lumyxel/dataforge/internal/model"
)

// Environment passed to the child.
const (
	EnvSocket   = "DATAFORGE_UNIT_SOCKET"
	EnvWorkerID = "DATAFORGE_WORKER_ID"
	EnvDebug    = "DATAFORGE_DEBUG"
)

const announcePrefix = "LISTEN "

// Retry defaults for connecting to the announced socket.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// ErrExited is returned by Connect when the child terminated before it
// announced its socket.
var ErrExited = errors.New("unit process exited before announcing")

// Spawner starts worker processes.
type Spawner struct {
	Bin      string
	Args     []string
	Env      []string
	Logger   *slog.Logger
	MaxUnits int
}

var _ backend.Spawner = (*Spawner)(nil)

// New returns a spawner for the worker binary at bin.
func New(bin string, logger *slog.Logger, args ...string) *Spawner {
	return &Spawner{
		Bin:    bin,
		Args:   args,
		Logger: logger,
	}
}

// Spawn starts a child process and begins watching its stdout for the
// socket announcement.
func (s *Spawner) Spawn(ctx context.Context, spec backend.UnitSpec) (backend.Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Bin) == "" {
		return nil, fmt.Errorf("worker binary is required")
	}

	dir, err := os.MkdirTemp("", "dataforge-unit-")
	if err != nil {
		return nil, fmt.Errorf("create unit dir: %w", err)
	}
	socketPath := filepath.Join(dir, "unit.sock")

	cmd := exec.Command(s.Bin, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		EnvSocket+"="+socketPath,
		EnvWorkerID+"="+spec.WorkerID,
		fmt.Sprintf("%s=%t", EnvDebug, spec.Debug),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("start worker %s: %w", spec.WorkerID, err)
	}

	logger := s.Logger.With("worker_id", spec.WorkerID, "pid", cmd.Process.Pid)
	logger.Debug("unit process started", "bin", s.Bin)

	u := &unit{
		cmd:    cmd,
		dir:    dir,
		logger: logger,
		addr:   make(chan string, 1),
		exited: make(chan struct{}),
	}

	var pipes sync.WaitGroup
	pipes.Go(func() { u.watchStdout(stdout) })
	pipes.Go(func() { u.forwardStderr(stderr) })
	go func() {
		// Wait must not run before the pipes are drained.
		pipes.Wait()
		err := cmd.Wait()
		u.mu.Lock()
		u.waitErr = err
		u.mu.Unlock()
		logger.Debug("unit process exited", "error", err)
		os.RemoveAll(dir)
		close(u.exited)
	}()

	return u, nil
}

// Capabilities reports the process isolation mode.
func (s *Spawner) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:      "process",
		Isolation: model.IsolationProcess,
		MaxUnits:  s.MaxUnits,
	}
}

type unit struct {
	cmd    *exec.Cmd
	dir    string
	logger *slog.Logger
	addr   chan string
	exited chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (u *unit) Connect(ctx context.Context) (io.ReadWriteCloser, error) {
	var path string
	select {
	case path = <-u.addr:
	case <-u.exited:
		return nil, u.exitError()
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for unit announcement: %w", ctx.Err())
	}
	return dialUnit(ctx, path)
}

func (u *unit) Exited() <-chan struct{} {
	return u.exited
}

func (u *unit) Kill() error {
	err := u.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (u *unit) exitError() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.waitErr != nil {
		return fmt.Errorf("%w: %v", ErrExited, u.waitErr)
	}
	return ErrExited
}

// watchStdout delivers the first announcement and logs any other output.
func (u *unit) watchStdout(r io.Reader) {
	announced := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !announced {
			if path, ok := ParseAnnouncement(line); ok {
				announced = true
				u.addr <- path
				continue
			}
		}
		u.logger.Debug("unit stdout", "line", line)
	}
}

func (u *unit) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		u.logger.Info("unit stderr", "line", scanner.Text())
	}
}

// dialUnit connects to the unit socket, retrying with exponential backoff
// while the child finishes binding it.
func dialUnit(ctx context.Context, path string) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff
	dialer := net.Dialer{}

	for attempt := range dialMaxRetries {
		conn, err := dialer.DialContext(ctx, "unix", path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial unit: %w", ctx.Err())
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("dial unit after %d attempts: %w", dialMaxRetries, lastErr)
}

// Announce writes the line a child prints once it is listening on path.
func Announce(w io.Writer, path string) error {
	_, err := fmt.Fprintf(w, "%s%s\n", announcePrefix, path)
	return err
}

// ParseAnnouncement extracts the socket path from an announcement line.
func ParseAnnouncement(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, announcePrefix) {
		return "", false
	}
	path := strings.TrimSpace(strings.TrimPrefix(line, announcePrefix))
	if path == "" {
		return "", false
	}
	return path, true
}
