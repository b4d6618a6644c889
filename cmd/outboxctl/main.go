package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	appconfig "github.com/nevermiss-ai/textback-platform/internal/config"
	"github.com/nevermiss-ai/textback-platform/internal/events"
)

// Exit codes are part of the operational contract: runbooks branch on them.
const (
	exitOK      = 0
	exitUsage   = 2
	exitConnect = 3
	exitFailed  = 4
)

func usage() {
	fmt.Fprint(os.Stderr, `usage:
  outboxctl reprocess --from <event-id> --to <event-id>
  outboxctl dead-letter list [--limit <n>]
  outboxctl dead-letter replay <event-id> [<event-id>...]

Reprocess re-queues every outbox event in the inclusive id range, dispatched
or not. Consumers are idempotent, so re-delivery is safe. Dead-letter replay
zeroes the attempt counter on the named undispatched events.
`)
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	cfg := appconfig.Load()
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "outboxctl: DATABASE_URL is required")
		os.Exit(exitConnect)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxctl: connect: %v\n", err)
		os.Exit(exitConnect)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "outboxctl: ping: %v\n", err)
		os.Exit(exitConnect)
	}

	store := events.NewOutboxStore(pool, cfg.RetryMaxAttempts)

	switch os.Args[1] {
	case "reprocess":
		os.Exit(runReprocess(ctx, store, os.Args[2:]))
	case "dead-letter":
		os.Exit(runDeadLetter(ctx, store, os.Args[2:]))
	default:
		usage()
		os.Exit(exitUsage)
	}
}

func runReprocess(ctx context.Context, store *events.OutboxStore, args []string) int {
	fs := flag.NewFlagSet("reprocess", flag.ContinueOnError)
	fromRaw := fs.String("from", "", "first event id of the range (inclusive)")
	toRaw := fs.String("to", "", "last event id of the range (inclusive)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *fromRaw == "" || *toRaw == "" {
		fmt.Fprintln(os.Stderr, "outboxctl: reprocess requires --from and --to")
		return exitUsage
	}
	from, err := uuid.Parse(*fromRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxctl: bad --from id: %v\n", err)
		return exitUsage
	}
	to, err := uuid.Parse(*toRaw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxctl: bad --to id: %v\n", err)
		return exitUsage
	}

	n, err := store.ResetRange(ctx, from, to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxctl: reprocess: %v\n", err)
		return exitFailed
	}
	fmt.Printf("re-queued %d events\n", n)
	return exitOK
}

func runDeadLetter(ctx context.Context, store *events.OutboxStore, args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}
	switch args[0] {
	case "list":
		return runDeadLetterList(ctx, store, args[1:])
	case "replay":
		return runDeadLetterReplay(ctx, store, args[1:])
	default:
		usage()
		return exitUsage
	}
}

func runDeadLetterList(ctx context.Context, store *events.OutboxStore, args []string) int {
	fs := flag.NewFlagSet("dead-letter list", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum rows to print")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	rows, err := store.ListDeadLetters(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxctl: list dead letters: %v\n", err)
		return exitFailed
	}
	if len(rows) == 0 {
		fmt.Println("no dead letters")
		return exitOK
	}
	fmt.Printf("%-36s  %-32s  %-12s  %-8s  %s\n",
		"EVENT_ID", "EVENT", "TENANT", "ATTEMPTS", "LAST_ERROR")
	for _, row := range rows {
		lastErr := row.LastError
		if len(lastErr) > 80 {
			lastErr = lastErr[:77] + "..."
		}
		lastErr = strings.ReplaceAll(lastErr, "\n", " ")
		fmt.Printf("%-36s  %-32s  %-12s  %-8d  %s\n",
			row.EventID, row.EventName, row.TenantID, row.Attempts, lastErr)
	}
	return exitOK
}

func runDeadLetterReplay(ctx context.Context, store *events.OutboxStore, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "outboxctl: replay requires at least one event id")
		return exitUsage
	}
	ids := make([]uuid.UUID, 0, len(args))
	for _, raw := range args {
		id, err := uuid.Parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "outboxctl: bad event id %q: %v\n", raw, err)
			return exitUsage
		}
		ids = append(ids, id)
	}

	n, err := store.ReplayDeadLetters(ctx, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outboxctl: replay dead letters: %v\n", err)
		return exitFailed
	}
	fmt.Printf("replayed %d of %d events\n", n, len(ids))
	return exitOK
}
