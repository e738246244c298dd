package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arbiter/internal/adapter/notify"
	"arbiter/internal/adapter/store"
	"arbiter/internal/domain"
	"arbiter/internal/infra/config"
	"arbiter/internal/infra/logger"
	"arbiter/internal/infra/tracer"
	"arbiter/internal/usecase/audit"
	"arbiter/internal/usecase/lifecycle"
	"arbiter/internal/usecase/sweep"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
	case "serve":
		fatalOn("serve", runServe(os.Args[2:]))
	case "sweep":
		fatalOn("sweep", runSweep(os.Args[2:]))
	case "verify":
		fatalOn("verify", runVerify(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'arbiter --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func fatalOn(cmd string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`arbiter - binding-arbitration case core

USAGE:
    arbiter COMMAND [FLAGS]

COMMANDS:
    serve      Run the deadline scheduler daemon
    sweep      Run one deadline sweep and print the per-case report
    verify     Verify the audit chain and print the result

FLAGS (all commands):
    -config PATH    Configuration file (default: arbiter.yaml)`)
}

// deps is the wired application core shared by all commands.
type deps struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *sql.DB
	audit   *audit.Service
	engine  *lifecycle.Engine
	sweeper *sweep.Sweeper

	closers []func() error
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func build(ctx context.Context, configPath string) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}

	d := &deps{cfg: cfg, log: log}
	d.closers = append(d.closers, closeLog)

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		d.close()
		return nil, err
	}
	d.closers = append(d.closers, func() error { return shutdownTracer(context.Background()) })

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		d.close()
		return nil, err
	}
	d.db = db
	d.closers = append(d.closers, db.Close)

	clock := domain.SystemClock{}
	cases := store.NewSQLiteCaseStore(db)
	auditStore := store.NewSQLiteAuditStore(db)

	d.audit = audit.NewService(auditStore, clock, log, cfg.Audit.BrokenThreshold)
	d.engine = lifecycle.NewEngine(cases, d.audit, clock, log, cfg.Lifecycle, cfg.Extensions)

	var notifier domain.Notifier
	switch cfg.Notifier.Kind {
	case "slack":
		notifier = notify.NewSlack(cfg.Notifier.SlackToken, cfg.Notifier.SlackChannel, log)
	default:
		notifier = notify.NewNoop(log)
	}
	notifier = notify.NewResilient(notifier, cfg.Notifier.RatePerSecond, cfg.Notifier.Burst, log)

	d.sweeper = sweep.NewSweeper(cases, d.engine, notifier, clock, log, cfg.Sweep.ReminderWindowHours)
	return d, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "arbiter.yaml", "configuration file")
	fs.Parse(args)

	ctx := context.Background()
	d, err := build(ctx, *configPath)
	if err != nil {
		return err
	}
	defer d.close()

	scheduler := sweep.NewScheduler(d.sweeper, d.log)
	if err := scheduler.Start(d.cfg.Sweep.Schedule); err != nil {
		return err
	}
	defer scheduler.Stop()

	d.log.Info("arbiter daemon running", "db", d.cfg.Store.Path,
		"schedule", d.cfg.Sweep.Schedule)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	d.log.Info("shutting down")
	return nil
}

func runSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "arbiter.yaml", "configuration file")
	fs.Parse(args)

	ctx := context.Background()
	d, err := build(ctx, *configPath)
	if err != nil {
		return err
	}
	defer d.close()

	report, err := d.sweeper.Run(ctx, time.Time{})
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "arbiter.yaml", "configuration file")
	since := fs.Duration("since", 0, "verify entries newer than now minus this duration (0 = full chain)")
	fs.Parse(args)

	ctx := context.Background()
	d, err := build(ctx, *configPath)
	if err != nil {
		return err
	}
	defer d.close()

	var r domain.AuditRange
	now := time.Now().UTC()
	if *since > 0 {
		r.From = now.Add(-*since)
	}

	result, err := d.audit.VerifyChain(ctx, r)
	if err != nil {
		return err
	}

	fmt.Printf("verified %s: %d entries, status %s\n",
		audit.FormatSince(r.From, now), result.Entries, result.Status)
	if !result.Valid {
		if err := printJSON(result.Mismatches); err != nil {
			return err
		}
		return fmt.Errorf("chain is %s (%d mismatches)", result.Status, len(result.Mismatches))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
