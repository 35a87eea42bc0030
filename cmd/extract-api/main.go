package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
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
	"github.com/mahabhulekh/ferfar-extracts/internal/extractapi"
	jobpg "github.com/mahabhulekh/ferfar-extracts/internal/job/postgres"
	"github.com/mahabhulekh/ferfar-extracts/internal/payment"
	"github.com/mahabhulekh/ferfar-extracts/internal/queue"
	"github.com/mahabhulekh/ferfar-extracts/internal/secrets"
	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

func main() {
	_ = godotenv.Load()

	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		postgresDSN     = flag.String("postgres-dsn", os.Getenv("FERFAR_POSTGRES_DSN"), "Postgres DSN (required)")
		uniquePaymentID = flag.Bool("unique-payment-id", false, "reject admissions that reuse a payment id")

		queueDriver  = flag.String("queue-driver", queue.DriverKafka, "queue driver (kafka|stdio)")
		queueBrokers = flag.String("queue-brokers", os.Getenv("FERFAR_QUEUE_BROKERS"), "queue brokers (comma-separated); empty disables admission")
		workTopic    = flag.String("work-topic", workitem.DefaultTopic, "work queue topic")

		providerBaseURL = flag.String("payment-base-url", "https://api.razorpay.com", "payment provider API base URL")
		providerKeyID   = flag.String("payment-key-id", os.Getenv("RAZORPAY_KEY_ID"), "payment provider key id")
		keySecretFrom   = flag.String("payment-key-secret-from", "env:RAZORPAY_KEY_SECRET", "payment key secret source (env:NAME or aws:secret-id)")
		orderAmount     = flag.Int64("order-amount", 2000, "checkout amount in the currency's minor unit")
		orderCurrency   = flag.String("order-currency", "INR", "checkout currency")

		filesDriver   = flag.String("files-driver", blobstore.DriverFS, "result file store driver (fs|s3|memory)")
		filesDir      = flag.String("files-dir", "./downloads", "result file directory for the fs driver")
		filesBucket   = flag.String("files-s3-bucket", "", "result file bucket for the s3 driver")
		filesPrefix   = flag.String("files-s3-prefix", "", "key prefix for the s3 driver")
		filesMaxBytes = flag.Int64("files-max-bytes", 32<<20, "max result file size in bytes")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 30*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*postgresDSN) == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *orderAmount <= 0 {
		fmt.Fprintln(os.Stderr, "error: --order-amount must be > 0")
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

	jobStore, err := jobpg.New(pool, jobpg.Config{UniquePaymentID: *uniquePaymentID})
	if err != nil {
		log.Error("init job store", "err", err)
		os.Exit(2)
	}
	if err := jobStore.EnsureSchema(ctx); err != nil {
		log.Error("ensure job schema", "err", err)
		os.Exit(2)
	}

	keySecret, err := secrets.Resolve(ctx, *keySecretFrom)
	if err != nil {
		log.Error("resolve payment key secret", "err", err)
		os.Exit(2)
	}
	verifier, err := payment.NewVerifier(keySecret)
	if err != nil {
		log.Error("init payment verifier", "err", err)
		os.Exit(2)
	}

	var orders extractapi.OrderCreator
	if strings.TrimSpace(*providerKeyID) != "" {
		orderClient, err := payment.NewOrderClient(*providerBaseURL, *providerKeyID, keySecret)
		if err != nil {
			log.Error("init order client", "err", err)
			os.Exit(2)
		}
		orders = orderClient
	} else {
		log.Warn("payment key id not set, order creation disabled")
	}

	files, err := newFileStore(ctx, *filesDriver, *filesDir, *filesBucket, *filesPrefix, *filesMaxBytes)
	if err != nil {
		log.Error("init file store", "err", err)
		os.Exit(2)
	}

	var admission extractapi.AdmissionService
	if strings.TrimSpace(*queueBrokers) != "" || *queueDriver == queue.DriverStdio {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitBrokers(*queueBrokers),
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()

		dispatcher, err := workitem.NewDispatcher(producer, *workTopic)
		if err != nil {
			log.Error("init dispatcher", "err", err)
			os.Exit(2)
		}
		admission, err = extractapi.NewAdmitter(extractapi.AdmitterConfig{
			Verifier:   verifier,
			Store:      jobStore,
			Dispatcher: dispatcher,
			Log:        log,
		})
		if err != nil {
			log.Error("init admitter", "err", err)
			os.Exit(2)
		}
		log.Info("admission enabled", "queueDriver", *queueDriver, "topic", *workTopic, "uniquePaymentID", *uniquePaymentID)
	} else {
		log.Warn("queue brokers not set, admission disabled")
	}

	handler, err := extractapi.NewHandler(extractapi.Config{
		OrderAmount:             *orderAmount,
		OrderCurrency:           *orderCurrency,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Now:                     time.Now,
	}, admission, jobStore, orders, files)
	if err != nil {
		log.Error("init handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("extract-api listening", "addr", *listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newFileStore(ctx context.Context, driver, dir, bucket, prefix string, maxBytes int64) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver:        driver,
		Dir:           dir,
		Bucket:        bucket,
		Prefix:        prefix,
		MaxObjectSize: maxBytes,
	}
	if strings.TrimSpace(strings.ToLower(driver)) == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}
