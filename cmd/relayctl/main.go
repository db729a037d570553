// relayctl is the operator CLI for running outbox relay passes, inbox
// dispatch passes, and retention cleanups on demand or from cron, as an
// alternative to the always-on daemons in cmd/outbox and cmd/inbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relaykit/relaykit/internal/bootstrap"
	"github.com/relaykit/relaykit/internal/config"
	"github.com/relaykit/relaykit/internal/inbox"
	"github.com/relaykit/relaykit/internal/outbox"
	"github.com/relaykit/relaykit/internal/retention"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadWithFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: load config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var runErr error
	switch os.Args[1] {
	case "outbox:process":
		runErr = runOutboxProcess(ctx, cfg, os.Args[2:])
	case "inbox:process":
		runErr = runInboxProcess(ctx, cfg, os.Args[2:])
	case "messages:cleanup":
		runErr = runCleanup(ctx, cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: relayctl <command> [flags]

commands:
  outbox:process [--service=NAME] [--limit=N] [--retry]
  inbox:process [--limit=N] [--retry]
  messages:cleanup [--days=N] [--type=outbox|inbox|both]`)
}

func runOutboxProcess(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("outbox:process", flag.ContinueOnError)
	service := fs.String("service", "", "limit processing to one destination_service")
	limit := fs.Int("limit", cfg.Processing.BatchSize, "max rows to claim")
	retry := fs.Bool("retry", false, "retry FAILED rows instead of claiming PENDING")
	if err := fs.Parse(args); err != nil {
		return err
	}

	repo, stores, err := bootstrap.OpenOutboxRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close(ctx)

	transport, err := bootstrap.OpenTransport(ctx, cfg)
	if err != nil {
		return err
	}

	relayCfg := outbox.DefaultRelayConfig()
	relayCfg.MaxRetries = cfg.Processing.MaxRetries
	relay := outbox.NewRelay(repo, transport, relayCfg)

	var stats outbox.BatchStats
	if *retry {
		stats, err = relay.RetryFailed(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Printf("Retried: %d  Failed: %d\n", stats.Retried, stats.Failed)
		return nil
	}

	if *service != "" {
		stats, err = relay.ProcessForDestination(ctx, *service, *limit)
	} else {
		stats, err = relay.ProcessAll(ctx, *limit)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Published: %d  Failed: %d  Skipped: %d\n", stats.Processed, stats.Failed, stats.Skipped)
	return nil
}

func runInboxProcess(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("inbox:process", flag.ContinueOnError)
	limit := fs.Int("limit", cfg.Processing.BatchSize, "max rows to claim")
	retry := fs.Bool("retry", false, "retry FAILED rows instead of claiming PENDING")
	if err := fs.Parse(args); err != nil {
		return err
	}

	repo, stores, err := bootstrap.OpenInboxRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close(ctx)

	dispatchCfg := inbox.DefaultDispatcherConfig()
	dispatchCfg.MaxRetries = cfg.Processing.MaxRetries
	dispatcher := inbox.NewDispatcher(repo, inbox.NewRegistry(), dispatchCfg)

	var stats inbox.BatchStats
	if *retry {
		stats, err = dispatcher.RetryFailed(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Printf("Retried: %d  Failed: %d\n", stats.Retried, stats.Failed)
		return nil
	}

	stats, err = dispatcher.ProcessAll(ctx, *limit)
	if err != nil {
		return err
	}
	fmt.Printf("Processed: %d  Failed: %d  No handler: %d\n", stats.Processed, stats.Failed, stats.NoHandler)
	return nil
}

func runCleanup(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("messages:cleanup", flag.ContinueOnError)
	days := fs.Int("days", 30, "delete terminal rows older than this many days")
	scopeFlag := fs.String("type", "both", "outbox, inbox, or both")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var scope retention.Scope
	switch *scopeFlag {
	case "outbox":
		scope = retention.ScopeOutbox
	case "inbox":
		scope = retention.ScopeInbox
	case "both":
		scope = retention.ScopeBoth
	default:
		return fmt.Errorf("unknown --type %q: must be outbox, inbox, or both", *scopeFlag)
	}

	var outboxRepo outbox.Repository
	var inboxRepo inbox.Repository
	var closers []*bootstrap.Stores

	if scope == retention.ScopeOutbox || scope == retention.ScopeBoth {
		repo, stores, err := bootstrap.OpenOutboxRepository(ctx, cfg)
		if err != nil {
			return err
		}
		outboxRepo = repo
		closers = append(closers, stores)
	}
	if scope == retention.ScopeInbox || scope == retention.ScopeBoth {
		repo, stores, err := bootstrap.OpenInboxRepository(ctx, cfg)
		if err != nil {
			return err
		}
		inboxRepo = repo
		closers = append(closers, stores)
	}
	defer func() {
		for _, s := range closers {
			s.Close(ctx)
		}
	}()

	cleanup := retention.NewCleanup(outboxRepo, inboxRepo, time.Duration(*days)*24*time.Hour)
	total, err := cleanup.Run(ctx, scope)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted: %d\n", total)
	return nil
}
