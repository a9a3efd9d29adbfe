package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tekoa-labs/hookd/internal/audit"
	"github.com/tekoa-labs/hookd/internal/config"
	"github.com/tekoa-labs/hookd/internal/dispatch"
	"github.com/tekoa-labs/hookd/internal/event"
	"github.com/tekoa-labs/hookd/internal/ingest"
	"github.com/tekoa-labs/hookd/internal/ledger"
	"github.com/tekoa-labs/hookd/internal/lock"
	"github.com/tekoa-labs/hookd/internal/log"
	"github.com/tekoa-labs/hookd/internal/metrics"
	"github.com/tekoa-labs/hookd/internal/server"
	"github.com/tekoa-labs/hookd/internal/signature"
	"github.com/tekoa-labs/hookd/internal/storage"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "replay":
		os.Exit(runReplay(args))
	case "audit":
		os.Exit(runAudit(args))
	case "verify":
		os.Exit(runVerify(args))
	case "version":
		fmt.Printf("hookd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`hookd - signed webhook ingestion and dispatch engine

Usage:
  hookd <command> [flags]

Commands:
  serve               Run the ingestion server in the foreground
  replay <event-id>   Authorize reprocessing of a failed event
  audit [--limit N]   Print recent audit entries
  verify              Verify the audit log hash chain
  version             Print version

Flags:
  --config PATH       Config file (default ./config.yaml, or $HOOKD_CONFIG)
`)
}

func configPath(fs *flag.FlagSet, args []string) (string, error) {
	path := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *path != "" {
		return *path, nil
	}
	if env := os.Getenv("HOOKD_CONFIG"); env != "" {
		return env, nil
	}
	return "./config.yaml", nil
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	path, err := configPath(fs, args)
	if err != nil {
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		return 1
	}
	log.Setup(cfg.LogLevel)
	logger := log.WithComponent("main")

	pidLock, err := lock.AcquirePIDLock(cfg.LockFile)
	if err != nil {
		logger.Error("another instance is running or lock failed", "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Database)
	if err != nil {
		logger.Error("open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	verifier, err := signature.New(cfg.Secrets(), cfg.Tolerance())
	if err != nil {
		logger.Error("configure verifier", "error", err)
		return 1
	}

	registry := dispatch.NewRegistry()
	for _, eventType := range cfg.Events {
		if err := registerLoggingHandler(registry, eventType); err != nil {
			logger.Error("register handler", "event_type", eventType, "error", err)
			return 1
		}
	}
	logger.Info("handlers registered", "event_types", registry.Types())

	hub := audit.NewHub(256)
	auditStore := audit.NewStore(db, hub)
	led := ledger.New(db)
	m := metrics.New()
	engine := ingest.New(verifier, led, dispatch.New(registry), auditStore, m)
	srv := server.New(cfg, engine, led, auditStore, hub, m.Handler())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return runPruner(ctx, led, cfg.Retention()) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("shutdown with error", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// registerLoggingHandler binds the default handler for a configured event
// type. Business features replace these by registering real handlers here at
// startup; the default acknowledges and logs, which is enough for event
// types whose downstream effects live entirely outside this service.
func registerLoggingHandler(registry *dispatch.Registry, eventType string) error {
	handlerLogger := log.WithComponent("handler")
	return registry.Register(eventType, func(ctx context.Context, ev event.Event) error {
		handlerLogger.Info("event received",
			"event_type", ev.Type,
			"event_id", ev.ID,
			"occurred_at", ev.OccurredAt,
		)
		return nil
	})
}

// runPruner deletes terminal ledger records past the retention window once a
// day. Advisory housekeeping; failures are logged and retried next tick.
func runPruner(ctx context.Context, led *ledger.Ledger, retention time.Duration) error {
	logger := log.WithComponent("pruner")
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := led.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("pruned ledger records", "count", n)
			}
		}
	}
}

func runReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	path, err := configPath(fs, args)
	if err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: hookd replay [--config PATH] <event-id>")
		return 1
	}
	eventID := fs.Arg(0)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		return 1
	}
	log.Setup("ERROR")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := ledger.New(db).Replay(ctx, eventID); err != nil {
		fmt.Fprintf(os.Stderr, "hookd: replay %s: %v\n", eventID, err)
		return 1
	}
	fmt.Printf("event %s cleared for reprocessing\n", eventID)
	return 0
}

func runAudit(args []string) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of entries")
	path, err := configPath(fs, args)
	if err != nil {
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		return 1
	}
	log.Setup("ERROR")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	entries, err := audit.NewStore(db, nil).Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
			return 1
		}
	}
	return 0
}

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	path, err := configPath(fs, args)
	if err != nil {
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		return 1
	}
	log.Setup("ERROR")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	n, err := audit.NewStore(db, nil).VerifyChain(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hookd: audit chain BROKEN after %d entries: %v\n", n, err)
		return 1
	}
	fmt.Printf("audit chain ok: %d entries verified\n", n)
	return 0
}
