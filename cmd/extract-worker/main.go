package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/mahabhulekh/ferfar-extracts/internal/blobstore"
	"github.com/mahabhulekh/ferfar-extracts/internal/extractrunner"
	"github.com/mahabhulekh/ferfar-extracts/internal/extractworker"
	jobpg "github.com/mahabhulekh/ferfar-extracts/internal/job/postgres"
	"github.com/mahabhulekh/ferfar-extracts/internal/queue"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	_ = godotenv.Load()

	var extractorArgs stringListFlag
	var (
		postgresDSN = flag.String("postgres-dsn", os.Getenv("FERFAR_POSTGRES_DSN"), "Postgres DSN (required)")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", os.Getenv("FERFAR_QUEUE_BROKERS"), "queue brokers (comma-separated)")
		workTopic    = flag.String("work-topic", workitem.DefaultTopic, "work queue topic")
		workGroup    = flag.String("work-group", "ferfar-extract-workers", "consumer group")

		extractorBin = flag.String("extractor-bin", "", "extractor command (required)")

		filesDriver   = flag.String("files-driver", blobstore.DriverFS, "result file store driver (fs|s3|memory)")
		filesDir      = flag.String("files-dir", "./downloads", "result file directory for the fs driver")
		filesBucket   = flag.String("files-s3-bucket", "", "result file bucket for the s3 driver")
		filesPrefix   = flag.String("files-s3-prefix", "", "key prefix for the s3 driver")
		filesMaxBytes = flag.Int64("files-max-bytes", 32<<20, "max result file size in bytes")

		maxInflight = flag.Int("max-inflight", 1, "max concurrently processed work items")
		ackTimeout  = flag.Duration("ack-timeout", 5*time.Second, "timeout for queue offset commits")
	)
	flag.Var(&extractorArgs, "extractor-arg", "extractor argument (repeatable)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*postgresDSN) == "" || strings.TrimSpace(*extractorBin) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn and --extractor-bin are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	jobStore, err := jobpg.New(pool, jobpg.Config{})
	if err != nil {
		log.Error("init job store", "err", err)
		os.Exit(2)
	}
	if err := jobStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure job schema", "err", err)
		os.Exit(2)
	}

	runner, err := extractrunner.New(extractrunner.Config{
		Binary: *extractorBin,
		Args:   extractorArgs,
	})
	if err != nil {
		log.Error("init extractor runner", "err", err)
		os.Exit(2)
	}

	filesCfg := blobstore.Config{
		Driver:        *filesDriver,
		Dir:           *filesDir,
		Bucket:        *filesBucket,
		Prefix:        *filesPrefix,
		MaxObjectSize: *filesMaxBytes,
	}
	if strings.TrimSpace(strings.ToLower(*filesDriver)) == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config", "err", err)
			os.Exit(2)
		}
		filesCfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	files, err := blobstore.New(filesCfg)
	if err != nil {
		log.Error("init file store", "err", err)
		os.Exit(2)
	}

	consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitBrokers(*queueBrokers),
		Group:   *workGroup,
		Topic:   *workTopic,
	})
	if err != nil {
		log.Error("init queue consumer", "err", err)
		os.Exit(2)
	}
	defer func() { _ = consumer.Close() }()

	worker, err := extractworker.New(extractworker.Config{
		MaxInflight: *maxInflight,
		AckTimeout:  *ackTimeout,
	}, consumer, runner, files, jobStore, log)
	if err != nil {
		log.Error("init worker", "err", err)
		os.Exit(2)
	}

	log.Info("extract-worker running", "topic", *workTopic, "group", *workGroup, "maxInflight", *maxInflight)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}
