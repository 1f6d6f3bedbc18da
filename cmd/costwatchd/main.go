// Costwatchd is the cloud-cost anomaly detection and remediation daemon.
//
// It ingests billing and utilization data into ClickHouse, scans for spend
// spikes and waste on a schedule, retrieves optimization knowledge from a
// vector store, synthesizes a remediation plan through an LLM, and opens a
// pull request with the proposed change. An embedded HTTP server exposes
// health, metrics, a manual scan trigger, and result lookups.
//
// Configuration is layered: built-in defaults, an optional YAML file, and
// COSTWATCH_-prefixed environment variables. See internal/config for the
// full key list.
//
// Usage:
//
//	# Start with defaults
//	costwatchd
//
//	# Start with a config file
//	costwatchd --config /etc/costwatchd/config.yaml
//
//	# Show version information
//	costwatchd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
	"github.com/fyrsmithlabs/costwatchd/internal/costhistory"
	"github.com/fyrsmithlabs/costwatchd/internal/detect"
	"github.com/fyrsmithlabs/costwatchd/internal/embeddings"
	"github.com/fyrsmithlabs/costwatchd/internal/events"
	"github.com/fyrsmithlabs/costwatchd/internal/ingest"
	"github.com/fyrsmithlabs/costwatchd/internal/knowledge"
	"github.com/fyrsmithlabs/costwatchd/internal/knowledge/store"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/logging"
	"github.com/fyrsmithlabs/costwatchd/internal/notify"
	"github.com/fyrsmithlabs/costwatchd/internal/orchestrate"
	"github.com/fyrsmithlabs/costwatchd/internal/pipeline"
	"github.com/fyrsmithlabs/costwatchd/internal/scheduler"
	"github.com/fyrsmithlabs/costwatchd/internal/secretscan"
	"github.com/fyrsmithlabs/costwatchd/internal/server"
	"github.com/fyrsmithlabs/costwatchd/internal/synth"
	"github.com/fyrsmithlabs/costwatchd/internal/telemetry"
	"github.com/fyrsmithlabs/costwatchd/internal/waste"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/costwatchd/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  costwatchd [--config path]   Start the costwatchd daemon\n")
			fmt.Fprintf(os.Stderr, "  costwatchd version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}

	log.Println("Shutdown complete")
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("costwatchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until the context is canceled or the
// admin server fails.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Connect infrastructure (ClickHouse, NATS, vector store, embedder)
//  4. Wire services (scorer, detector, retriever, synthesizer, orchestrator,
//     pipeline runner, ingestor)
//  5. Start the scheduler and the admin HTTP server
//  6. On shutdown: server, scheduler, telemetry, then dependencies
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging, nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // best-effort on shutdown
	}()

	logger.Info(ctx, "starting costwatchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("scan_interval", cfg.Scheduler.ScanInterval.Duration()),
		zap.Bool("dry_run", cfg.Pipeline.DryRun))

	tel := telemetry.New(ctx, cfg.Telemetry, logger.Underlying())
	if tel.Degraded() {
		logger.Warn(ctx, "telemetry exporters unavailable, continuing without export")
	}

	deps, err := initDependencies(ctx, cfg, logger.Underlying())
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	svcs, err := initServices(ctx, cfg, deps, logger.Underlying())
	if err != nil {
		return fmt.Errorf("initializing services: %w", err)
	}
	defer svcs.Close()

	srv, err := server.New(svcs.runner, deps.ledger, svcs.scorer, logger, cfg.Server)
	if err != nil {
		return fmt.Errorf("creating admin server: %w", err)
	}

	sched := scheduler.New(logger.Underlying())
	if err := addJobs(sched, cfg, svcs, logger); err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr = fmt.Errorf("admin server: %w", err)
			logger.Error(ctx, "admin server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancelShutdown()

	if serverErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "admin server shutdown error", zap.Error(err))
		}
	}
	if err := sched.Stop(); err != nil {
		logger.Warn(shutdownCtx, "scheduler stop error", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "telemetry shutdown error", zap.Error(err))
	}

	return serverErr
}

// addJobs registers the periodic scan and ingest cycles.
func addJobs(sched *scheduler.Scheduler, cfg *config.Config, svcs *services, logger *logging.Logger) error {
	err := sched.AddJob(scheduler.Job{
		Name:       "scan",
		Interval:   cfg.Scheduler.ScanInterval.Duration(),
		RunOnStart: cfg.Scheduler.ScanOnStart,
		Run: func(ctx context.Context) {
			_, err := svcs.runner.Run(ctx)
			switch {
			case err == nil:
			case errors.Is(err, pipeline.ErrRunInFlight):
				logger.Info(ctx, "scan tick skipped, a cycle is already running")
			default:
				logger.Error(ctx, "scheduled scan failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("adding scan job: %w", err)
	}

	if svcs.ingestor == nil {
		return nil
	}

	// Ingest runs on start so a fresh deployment backfills cost history
	// before the first scheduled scan has anything to chew on.
	err = sched.AddJob(scheduler.Job{
		Name:       "ingest",
		Interval:   cfg.Scheduler.IngestInterval.Duration(),
		RunOnStart: true,
		Run: func(ctx context.Context) {
			if err := svcs.ingestor.Run(ctx); err != nil {
				logger.Error(ctx, "ingestion cycle failed", zap.Error(err))
			}
		},
	})
	if err != nil {
		return fmt.Errorf("adding ingest job: %w", err)
	}
	return nil
}

// dependencies holds the infrastructure clients shared by the services.
type dependencies struct {
	history  *costhistory.Client
	natsConn *nats.Conn
	ledger   ledger.Store
	events   events.Publisher
	vectors  store.Store
	embedder embeddings.Provider
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.events != nil {
		_ = d.events.Close()
	}
	if d.ledger != nil {
		_ = d.ledger.Close()
	}
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.vectors != nil {
		_ = d.vectors.Close()
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
	if d.history != nil {
		_ = d.history.Close()
	}
}

// initDependencies connects the cost history store, the ledger backend, the
// event publisher, and the knowledge base.
func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{}

	history, err := costhistory.NewClient(costhistory.Config{
		Host:        cfg.ClickHouse.Host,
		Port:        cfg.ClickHouse.Port,
		Database:    cfg.ClickHouse.Database,
		Username:    cfg.ClickHouse.Username,
		Password:    cfg.ClickHouse.Password.Value(),
		DialTimeout: cfg.ClickHouse.DialTimeout.Duration(),
		Debug:       cfg.ClickHouse.Debug,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating clickhouse client: %w", err)
	}
	deps.history = history

	// A ClickHouse outage at startup is survivable: cycles fail and retry
	// on the next tick. A schema failure on a reachable server is not.
	if err := history.Ping(ctx); err != nil {
		logger.Warn("clickhouse unreachable, detection cycles will fail until it recovers",
			zap.String("host", cfg.ClickHouse.Host),
			zap.Error(err))
	} else if err := history.EnsureSchema(ctx); err != nil {
		deps.Close()
		return nil, fmt.Errorf("ensuring clickhouse schema: %w", err)
	}

	switch cfg.Ledger.Backend {
	case "nats":
		nc, err := nats.Connect(cfg.Ledger.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.Ledger.NATS.URL, err)
		}
		deps.natsConn = nc

		led, err := ledger.NewNATSWithConn(nc, cfg.Ledger.NATS.Bucket, logger)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("creating NATS ledger: %w", err)
		}
		deps.ledger = led
		deps.events = events.NewNATSWithConn(nc, logger)
	default:
		deps.ledger = ledger.NewMemory()
		deps.events = events.NewNop()
	}
	logger.Info("ledger backend ready", zap.String("backend", cfg.Ledger.Backend))

	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	deps.embedder = embedder

	vectors, err := store.New(store.Config{
		Provider: cfg.VectorStore.Provider,
		Chromem: store.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			Collection: cfg.VectorStore.Collection,
		},
		Qdrant: store.QdrantConfig{
			Host:       cfg.VectorStore.Qdrant.Host,
			Port:       cfg.VectorStore.Qdrant.Port,
			APIKey:     cfg.VectorStore.Qdrant.APIKey.Value(),
			UseTLS:     cfg.VectorStore.Qdrant.UseTLS,
			Collection: cfg.VectorStore.Collection,
			VectorSize: uint64(embedder.Dimension()),
		},
	}, embedder, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("creating vector store: %w", err)
	}
	deps.vectors = vectors

	logger.Info("dependencies initialized",
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Bool("nats_connected", deps.natsConn != nil))

	return deps, nil
}

// services holds the wired pipeline and its supporting pieces.
type services struct {
	scorer   *waste.Scorer
	watcher  *waste.Watcher
	runner   *pipeline.Runner
	ingestor *ingest.Ingestor
}

// Close stops the rules watcher.
func (s *services) Close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
}

// initServices wires the detection pipeline from the connected dependencies.
func initServices(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) (*services, error) {
	svcs := &services{}

	rules := waste.DefaultRuleSet()
	if cfg.Scorer.RulesPath != "" {
		loaded, err := waste.LoadFile(cfg.Scorer.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("loading waste rules: %w", err)
		}
		rules = loaded
		logger.Info("waste rules loaded",
			zap.String("path", cfg.Scorer.RulesPath),
			zap.Int("rules", len(loaded.Rules)))
	}
	svcs.scorer = waste.NewScorer(rules)

	detector, err := detect.New(deps.history, deps.ledger, svcs.scorer, detect.Config{
		WindowDays:     cfg.Detector.WindowDays,
		SigmaFactor:    cfg.Detector.SigmaFactor,
		WasteThreshold: int(cfg.Detector.WasteThreshold),
		Workers:        cfg.Detector.Workers,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating detector: %w", err)
	}

	retriever, err := knowledge.NewRetriever(deps.vectors, logger)
	if err != nil {
		return nil, fmt.Errorf("creating retriever: %w", err)
	}

	llmClient, err := synth.NewAnthropicClient(synth.ClientConfig{
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		APIKey:         cfg.LLM.APIKey.Value(),
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		Timeout:        cfg.LLM.Timeout.Duration(),
		MaxRetries:     cfg.LLM.MaxRetries,
		InitialBackoff: cfg.LLM.InitialBackoff.Duration(),
		RequestsPerMin: cfg.LLM.RequestsPerMin,
		Burst:          cfg.LLM.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}
	synthesizer, err := synth.New(llmClient, logger)
	if err != nil {
		return nil, fmt.Errorf("creating synthesizer: %w", err)
	}

	var orch pipeline.Orchestrator
	if cfg.GitHub.Token.IsSet() {
		host, err := orchestrate.NewGitHubHost(ctx, cfg.GitHub, logger)
		if err != nil {
			return nil, fmt.Errorf("creating github host: %w", err)
		}
		gate, err := secretscan.NewScanner(logger)
		if err != nil {
			return nil, fmt.Errorf("creating secret scanner: %w", err)
		}
		notifier, err := notify.New(cfg.Notify, logger)
		if err != nil {
			return nil, fmt.Errorf("creating notifier: %w", err)
		}
		o, err := orchestrate.New(host, gate, notifier, deps.ledger, orchestrate.PolicyFromConfig(cfg.GitHub.Retry), logger)
		if err != nil {
			return nil, fmt.Errorf("creating orchestrator: %w", err)
		}
		orch = o
	} else if !cfg.Pipeline.DryRun {
		return nil, fmt.Errorf("github.token is required unless pipeline.dry_run is enabled")
	} else {
		logger.Warn("github token not set, anomalies terminate after synthesis")
	}

	runner, err := pipeline.New(detector, retriever, synthesizer, orch, deps.ledger, deps.events, pipeline.ConfigFrom(cfg.Pipeline), logger)
	if err != nil {
		return nil, fmt.Errorf("creating pipeline runner: %w", err)
	}
	svcs.runner = runner

	if cfg.AWS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration: %w", err)
		}
		costs, err := ingest.NewCostExplorerSource(costexplorer.NewFromConfig(awsCfg), cfg.AWS.Account, cfg.AWS.Region, logger)
		if err != nil {
			return nil, fmt.Errorf("creating cost explorer source: %w", err)
		}
		inventory, err := ingest.NewEC2InventorySource(ec2.NewFromConfig(awsCfg), cloudwatch.NewFromConfig(awsCfg), cfg.AWS.Account, cfg.AWS.Region, logger)
		if err != nil {
			return nil, fmt.Errorf("creating EC2 inventory source: %w", err)
		}
		ingestor, err := ingest.NewIngestor(costs, inventory, deps.history, logger)
		if err != nil {
			return nil, fmt.Errorf("creating ingestor: %w", err)
		}
		svcs.ingestor = ingestor
	}

	// The watcher goes last so an error above never leaves one running.
	if cfg.Scorer.WatchRules && cfg.Scorer.RulesPath != "" {
		watcher, err := waste.NewWatcher(cfg.Scorer.RulesPath, svcs.scorer, logger)
		if err != nil {
			return nil, fmt.Errorf("creating rules watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			watcher.Stop()
			return nil, fmt.Errorf("starting rules watcher: %w", err)
		}
		svcs.watcher = watcher
	}

	return svcs, nil
}
