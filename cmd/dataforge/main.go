// Command dataforge runs the code-generation worker pool, either as an HTTP
// service or once over the files named on the command line.
//
// Usage:
//
//	dataforge serve
//	dataforge run [-root dir] [-auto-modify] [-json] file...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/lumyxel/dataforge/internal/api"
	"github.com/lumyxel/dataforge/internal/backend"
	"github.com/lumyxel/dataforge/internal/backend/inprocess"
	"github.com/lumyxel/dataforge/internal/backend/process"
	"github.com/lumyxel/dataforge/internal/config"
	"github.com/lumyxel/dataforge/internal/engine"
	"github.com/lumyxel/dataforge/internal/grouping"
	"github.com/lumyxel/dataforge/internal/model"
	"github.com/lumyxel/dataforge/internal/processor"
	"github.com/lumyxel/dataforge/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	switch cmd := os.Args[1]; cmd {
	case "serve":
		err = serve(cfg)
	case "run":
		err = runFiles(cfg, os.Args[2:])
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: dataforge serve")
	fmt.Fprintln(w, "       dataforge run [-root dir] [-auto-modify] [-json] file...")
}

// serve starts the pool and the HTTP API, and shuts both down on SIGINT or
// SIGTERM.
func serve(cfg config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("dataforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"isolation", cfg.Isolation,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg := newRegistry(cfg, logger)
	broker := engine.NewEventBroker()
	defer broker.Close()

	pool, err := newPool(cfg, reg, logger, engine.WithEventBroker(broker))
	if err != nil {
		return err
	}
	if err := pool.Initialize(context.Background()); err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}
	defer pool.Shutdown()

	srv := api.NewServer(cfg.ListenAddr, db, reg, pool, logger)
	return srv.Run()
}

// runResult is the JSON output of the run command.
type runResult struct {
	Outputs    []string        `json:"outputs"`
	Items      int             `json:"items"`
	DurationMS int64           `json:"duration_ms"`
	Pool       model.PoolStats `json:"pool"`
}

// runFiles processes the named files once and prints the generated paths:
// plain text on a terminal, JSON otherwise.
func runFiles(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	root := fs.String("root", "", "project root passed to the processor")
	autoModify := fs.Bool("auto-modify", false, "insert part directives into sources")
	asJSON := fs.Bool("json", false, "always print JSON")
	fs.Parse(args)

	items := fs.Args()
	if len(items) == 0 {
		return fmt.Errorf("no files given")
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	reg := newRegistry(cfg, logger)
	pool, err := newPool(cfg, reg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pool.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}
	defer pool.Shutdown()

	start := time.Now()
	outputs, err := pool.Submit(ctx, items, engine.SubmitOptions{
		ProjectRoot: *root,
		AutoModify:  *autoModify,
	})
	if err != nil {
		return err
	}

	result := runResult{
		Outputs:    outputs,
		Items:      len(items),
		DurationMS: time.Since(start).Milliseconds(),
		Pool:       pool.Stats(),
	}
	if *asJSON || !term.IsTerminal(int(os.Stdout.Fd())) {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	printText(os.Stdout, result)
	return nil
}

func printText(w io.Writer, r runResult) {
	for _, out := range r.Outputs {
		fmt.Fprintf(w, "generated %s\n", out)
	}
	fmt.Fprintf(w, "%d of %d files generated in %dms (%d workers)\n",
		len(r.Outputs), r.Items, r.DurationMS, r.Pool.WorkerCount)
}

// newRegistry registers the in-process spawner, plus the process spawner
// when the worker binary can be found.
func newRegistry(cfg config.Config, logger *slog.Logger) *backend.Registry {
	newProcessor := func() processor.FileProcessor { return processor.Annotated{} }

	reg := backend.NewRegistry()
	reg.Register(model.IsolationGoroutine, inprocess.New(newProcessor, logger))

	bin, err := exec.LookPath(cfg.WorkerBin)
	if err != nil {
		logger.Info("process isolation unavailable", "worker_bin", cfg.WorkerBin, "error", err)
		return reg
	}
	reg.Register(model.IsolationProcess, process.New(bin, logger))
	return reg
}

func newPool(cfg config.Config, reg *backend.Registry, logger *slog.Logger, opts ...engine.PoolOption) (*engine.Pool, error) {
	spawner, err := reg.Resolve(cfg.Isolation)
	if err != nil {
		return nil, fmt.Errorf("resolve isolation: %w", err)
	}
	policy, err := grouping.ParsePolicy(cfg.Grouping)
	if err != nil {
		return nil, err
	}

	logger.Info("worker pool configured",
		"backend", spawner.Capabilities().Name,
		"workers", cfg.Workers,
		"grouping", cfg.Grouping,
	)
	return engine.NewPool(engine.PoolConfig{
		Workers:          cfg.Workers,
		HandshakeTimeout: cfg.HandshakeTimeout,
		BatchTimeout:     cfg.BatchTimeout,
		StopGrace:        cfg.StopGrace,
		Debug:            cfg.Debug,
		Grouping:         policy,
	}, spawner, logger, opts...), nil
}
