// Command dataforge-worker is the unit process behind process isolation.
// The dataforge pool starts it with DATAFORGE_UNIT_SOCKET set; it listens on
// that socket, announces it on stdout and serves one worker connection.
// Logs go to stderr, which the pool forwards into its own logger.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/lumyxel/dataforge/internal/backend/process"
	"github.com/lumyxel/dataforge/internal/config"
	"github.com/lumyxel/dataforge/internal/guest"
	"github.com/lumyxel/dataforge/internal/processor"
)

func main() {
	level := slog.LevelInfo
	if debug, _ := strconv.ParseBool(os.Getenv(process.EnvDebug)); debug {
		level = slog.LevelDebug
	}
	logger := config.NewLogger(os.Stderr, level).With("worker_id", os.Getenv(process.EnvWorkerID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := guest.New(processor.Annotated{}, logger)
	err := process.ListenAndServe(ctx, os.Getenv(process.EnvSocket), os.Stdout, func(ctx context.Context, conn net.Conn) error {
		return agent.Serve(ctx, conn)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
