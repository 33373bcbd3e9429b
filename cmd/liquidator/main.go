// Package main runs the liquidator: one scan cycle per invocation, or one per
// SQS message in worker mode.
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
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"

	"github.com/archon-research/liquidator/internal/adapters/outbound/ethereum"
	"github.com/archon-research/liquidator/internal/adapters/outbound/feed"
	"github.com/archon-research/liquidator/internal/adapters/outbound/memory"
	"github.com/archon-research/liquidator/internal/adapters/outbound/postgres"
	redisadapter "github.com/archon-research/liquidator/internal/adapters/outbound/redis"
	s3adapter "github.com/archon-research/liquidator/internal/adapters/outbound/s3"
	snsadapter "github.com/archon-research/liquidator/internal/adapters/outbound/sns"
	sqsadapter "github.com/archon-research/liquidator/internal/adapters/outbound/sqs"
	"github.com/archon-research/liquidator/internal/adapters/outbound/telemetry"
	"github.com/archon-research/liquidator/internal/config"
	"github.com/archon-research/liquidator/internal/pkg/blockchain/multicall"
	"github.com/archon-research/liquidator/internal/pkg/env"
	"github.com/archon-research/liquidator/internal/services/liquidator"
)

const serviceName = "liquidator"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// .env.local first so its values win; Load never overwrites a set variable.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		logFatal(os.Stderr, err)
		os.Exit(1)
	}
}

// logFatal writes the error that ends the process. It goes to its own writer
// because stdout carries both the run's logs and the cycle report.
func logFatal(w io.Writer, err error) {
	slog.New(slog.NewTextHandler(w, nil)).Error("fatal", "error", err)
}

type cliConfig struct {
	config.Config
	networkPath string
	dryRun      bool
	traceStdout bool
}

func parseConfig(args []string) (cliConfig, error) {
	fs := flag.NewFlagSet("liquidator", flag.ContinueOnError)
	networkPath := fs.String("network", env.Get("NETWORK_FILE", ""), "YAML network file")
	dryRun := fs.Bool("dry-run", false, "Evaluate positions without sending transactions")
	queueURL := fs.String("queue", "", "SQS queue URL; enables worker mode")
	dbURL := fs.String("db", "", "PostgreSQL connection URL for the audit log")
	redisAddr := fs.String("redis", "", "Redis address for the signer lock")
	snsTopic := fs.String("sns-topic", "", "SNS topic ARN for liquidation events")
	s3Bucket := fs.String("s3-bucket", "", "S3 bucket for cycle reports")
	otlpEndpoint := fs.String("otlp", "", "OTLP gRPC endpoint for traces and metrics")
	traceStdout := fs.Bool("trace-stdout", false, "Print spans to stdout when no OTLP endpoint is set")
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}

	base, err := config.Load(*networkPath)
	if err != nil {
		return cliConfig{}, err
	}

	cfg := cliConfig{
		Config:      base,
		networkPath: *networkPath,
		dryRun:      *dryRun,
		traceStdout: *traceStdout,
	}

	// flags win over the environment and the network file
	if *queueURL != "" {
		cfg.SQSQueueURL = *queueURL
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *snsTopic != "" {
		cfg.SNSTopicARN = *snsTopic
	}
	if *s3Bucket != "" {
		cfg.S3Bucket = *s3Bucket
	}
	if *otlpEndpoint != "" {
		cfg.OTLPEndpoint = *otlpEndpoint
	}

	if err := cfg.Validate(); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func (c cliConfig) needsAWS() bool {
	return c.SQSQueueURL != "" || c.SNSTopicARN != "" || c.S3Bucket != ""
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))
	slog.SetDefault(logger)

	ethClient, err := ethereum.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connecting to RPC: %w", err)
	}
	defer ethClient.Close()

	if cfg.ChainID == 0 {
		id, err := ethClient.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("reading chain id: %w", err)
		}
		cfg.ChainID = id.Int64()
	}

	logger.Info("starting liquidator",
		"network", cfg.Network,
		"chainId", cfg.ChainID,
		"markets", cfg.MarketsAddress.Hex(),
		"dryRun", cfg.dryRun,
		"worker", cfg.SQSQueueURL != "")

	shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	mc, err := multicall.NewClient(ethClient, cfg.MulticallAddress)
	if err != nil {
		return fmt.Errorf("creating multicall client: %w", err)
	}

	signer, err := ethereum.NewSigner(ethClient, ethereum.Config{
		ChainID:        cfg.ChainID,
		PrivateKeyHex:  cfg.PrivateKey,
		MarketsAddress: cfg.MarketsAddress,
		PollInterval:   cfg.PollInterval,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}
	logger.Info("signer loaded", "address", signer.SignerAddress().Hex())

	headers := map[string]string{}
	if cfg.FeedAPIKey != "" {
		headers["X-Api-Key"] = cfg.FeedAPIKey
	}
	positionFeed, err := feed.NewHTTPFeed(feed.Config{
		URL:     cfg.FeedURL,
		Headers: headers,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating position feed: %w", err)
	}

	metrics, err := telemetry.NewMetrics(serviceName, cfg.ChainID)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	serviceConfig := liquidator.Config{
		ChainID: cfg.ChainID,
		DryRun:  cfg.dryRun,
		WaitPolicy: liquidator.WaitPolicy{
			Confirmations:  cfg.Confirmations,
			SettleInterval: cfg.SettleInterval,
		},
		Logger:  logger,
		Metrics: metrics,
	}

	closeLock, err := wireSignerLock(ctx, cfg, &serviceConfig, logger)
	if err != nil {
		return err
	}
	defer closeLock()

	if cfg.DatabaseURL != "" {
		pool, err := postgres.OpenPool(ctx, postgres.DefaultDBConfig(cfg.DatabaseURL))
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		repo, err := postgres.NewLiquidationRepository(pool, logger)
		if err != nil {
			return fmt.Errorf("creating liquidation repository: %w", err)
		}
		serviceConfig.Repository = repo
		logger.Info("PostgreSQL connected")
	}

	var awsCfg aws.Config
	if cfg.needsAWS() {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(env.Get("AWS_REGION", "eu-west-1")),
		)
		if err != nil {
			return fmt.Errorf("loading AWS config: %w", err)
		}
	}

	if cfg.SNSTopicARN != "" {
		client := awssns.NewFromConfig(awsCfg, func(o *awssns.Options) {
			if endpoint := env.Get("AWS_SNS_ENDPOINT", ""); endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		sink, err := snsadapter.NewEventSink(client, snsadapter.Config{
			TopicARN: cfg.SNSTopicARN,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("creating SNS event sink: %w", err)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("closing event sink", "error", err)
			}
		}()
		serviceConfig.Events = sink
	}

	if cfg.S3Bucket != "" {
		writer := s3adapter.NewWriter(awsCfg, logger, func(o *awss3.Options) {
			if endpoint := env.Get("AWS_S3_ENDPOINT", ""); endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		archive, err := s3adapter.NewReportArchive(writer, cfg.S3Bucket, logger)
		if err != nil {
			return fmt.Errorf("creating report archive: %w", err)
		}
		serviceConfig.Archive = archive
	}

	service, err := liquidator.NewService(serviceConfig, positionFeed, mc, signer)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	if cfg.SQSQueueURL != "" {
		return runWorker(ctx, cfg, awsCfg, service, logger)
	}

	report, err := service.RunCycle(ctx)
	if renderErr := renderReport(stdout, report); renderErr != nil {
		logger.Warn("rendering report failed", "error", renderErr)
	}
	if err != nil {
		return fmt.Errorf("scan cycle failed: %w", err)
	}
	return nil
}

func initTelemetry(ctx context.Context, cfg cliConfig) (func(context.Context) error, error) {
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:  serviceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	if cfg.OTLPEndpoint == "" && !cfg.traceStdout {
		return shutdownMetrics, nil
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		ServiceName:  serviceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("initializing tracer: %w", err), shutdownMetrics(ctx))
	}

	return func(ctx context.Context) error {
		return errors.Join(shutdownTracer(ctx), shutdownMetrics(ctx))
	}, nil
}

// wireSignerLock uses Redis when configured and an in-process lock otherwise.
func wireSignerLock(ctx context.Context, cfg cliConfig, serviceConfig *liquidator.Config, logger *slog.Logger) (func(), error) {
	if cfg.RedisAddr == "" {
		serviceConfig.Lock = memory.NewSignerLock()
		return func() {}, nil
	}

	lock, err := redisadapter.NewSignerLock(redisadapter.Config{
		Addr:     cfg.RedisAddr,
		Password: env.Get("REDIS_PASSWORD", ""),
		TTL:      cfg.LockTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating signer lock: %w", err)
	}
	if err := lock.Ping(ctx); err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	logger.Info("Redis connected", "addr", cfg.RedisAddr)

	serviceConfig.Lock = lock
	return func() {
		if err := lock.Close(); err != nil {
			logger.Warn("closing signer lock", "error", err)
		}
	}, nil
}

func runWorker(ctx context.Context, cfg cliConfig, awsCfg aws.Config, service *liquidator.Service, logger *slog.Logger) error {
	var sqsOptFns []func(*awssqs.Options)
	if endpoint := env.Get("AWS_SQS_ENDPOINT", ""); endpoint != "" {
		sqsOptFns = append(sqsOptFns, func(o *awssqs.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}

	consumer, err := sqsadapter.NewConsumer(awsCfg, sqsadapter.Config{
		QueueURL: cfg.SQSQueueURL,
	}, logger, sqsOptFns...)
	if err != nil {
		return fmt.Errorf("creating SQS consumer: %w", err)
	}
	defer consumer.Close()

	worker, err := liquidator.NewWorker(liquidator.WorkerConfig{Logger: logger}, consumer, service)
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	logger.Info("worker started, waiting for messages...", "queue", cfg.SQSQueueURL)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case runErr = <-worker.Err():
		logger.Error("worker stopped", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := worker.Stop(); err != nil {
			logger.Error("error stopping worker", "error", err)
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		return errors.Join(runErr, fmt.Errorf("shutdown timed out"))
	}

	return runErr
}
