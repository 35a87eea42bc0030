// extract-sweeper re-enqueues orphaned extraction jobs: processing rows past
// the age threshold whose work item was lost or never published. Runs once by
// default; --interval keeps it running as a daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	jobpg "github.com/mahabhulekh/ferfar-extracts/internal/job/postgres"
	"github.com/mahabhulekh/ferfar-extracts/internal/queue"
	"github.com/mahabhulekh/ferfar-extracts/internal/reconcile"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runMain(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("extract-sweeper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	postgresDSN := fs.String("postgres-dsn", os.Getenv("FERFAR_POSTGRES_DSN"), "Postgres DSN (required)")
	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
	queueBrokers := fs.String("queue-brokers", os.Getenv("FERFAR_QUEUE_BROKERS"), "queue brokers (comma-separated)")
	workTopic := fs.String("work-topic", workitem.DefaultTopic, "work queue topic")
	olderThan := fs.Duration("older-than", 15*time.Minute, "minimum age before a processing row counts as orphaned")
	batchSize := fs.Int("batch-size", 100, "max rows re-enqueued per sweep")
	interval := fs.Duration("interval", 0, "sweep interval; 0 runs a single sweep and exits")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*postgresDSN) == "" {
		return errors.New("--postgres-dsn is required")
	}
	if *olderThan <= 0 {
		return errors.New("--older-than must be > 0")
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		return fmt.Errorf("init pgx pool: %w", err)
	}
	defer pool.Close()

	jobStore, err := jobpg.New(pool, jobpg.Config{})
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitBrokers(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	dispatcher, err := workitem.NewDispatcher(producer, *workTopic)
	if err != nil {
		return err
	}

	sweeper, err := reconcile.New(reconcile.Config{
		OlderThan: *olderThan,
		BatchSize: *batchSize,
		Log:       log,
	}, jobStore, dispatcher)
	if err != nil {
		return err
	}

	if *interval <= 0 {
		n, err := sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("sweep complete", "redispatched", n)
		return nil
	}
	return sweeper.Run(ctx, *interval)
}
