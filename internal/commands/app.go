package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/outpostrun/outpost/internal/artifacts"
	"github.com/outpostrun/outpost/internal/config"
	"github.com/outpostrun/outpost/internal/dispatchstore"
	"github.com/outpostrun/outpost/internal/fleethealth"
	"github.com/outpostrun/outpost/internal/orchestrator"
	"github.com/outpostrun/outpost/internal/reconciler"
	"github.com/outpostrun/outpost/internal/statustracker"
	"github.com/outpostrun/outpost/internal/taskrunner"
	"github.com/outpostrun/outpost/internal/warmpool"
)

// app bundles every long-lived core component a command may need, wired
// from a single AWS config load. Not every command uses every field.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *dispatchstore.Store
	arts    *artifacts.Store
	pool    *warmpool.Pool
	runner  *taskrunner.Runner
	orch    *orchestrator.Orchestrator
	tracker *statustracker.Tracker
	health  *fleethealth.Checker
	recon   *reconciler.Reconciler
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// buildApp loads the AWS SDK default config and wires every core
// component against the real DynamoDB/S3/ECS/SQS clients.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := newLogger(cfg)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	s3c := s3.NewFromConfig(awsCfg)
	ecsc := ecs.NewFromConfig(awsCfg)
	sqsc := sqs.NewFromConfig(awsCfg)

	store := dispatchstore.New(ddb, cfg.AWS, log)
	arts := artifacts.New(s3c, s3.NewPresignClient(s3c), cfg.Artifacts, cfg.AWS.ArtifactsBucket, log)
	pool := warmpool.New(cfg.WarmPool, log)
	runner := taskrunner.New(ecsc, cfg.AWS, log)
	orch := orchestrator.New(store, pool, runner, log)
	tracker := statustracker.New(store, arts, log)

	recon := reconciler.New(sqsc, store, pool, cfg.Reconciler, log)
	health := fleethealth.New(pool, store, recon, log)

	return &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		arts:    arts,
		pool:    pool,
		runner:  runner,
		orch:    orch,
		tracker: tracker,
		health:  health,
		recon:   recon,
	}, nil
}
