package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/peer/internal/analysis"
	"github.com/Sumatoshi-tech/peer/internal/analyzers"
	"github.com/Sumatoshi-tech/peer/internal/analyzers/ai"
	"github.com/Sumatoshi-tech/peer/internal/autofix"
	"github.com/Sumatoshi-tech/peer/internal/config"
	"github.com/Sumatoshi-tech/peer/internal/host"
	"github.com/Sumatoshi-tech/peer/internal/llm"
	"github.com/Sumatoshi-tech/peer/internal/observability"
	"github.com/Sumatoshi-tech/peer/internal/pipeline"
	"github.com/Sumatoshi-tech/peer/internal/queue"
	"github.com/Sumatoshi-tech/peer/internal/server"
	"github.com/Sumatoshi-tech/peer/internal/store"
	"github.com/Sumatoshi-tech/peer/pkg/gitws"
	"github.com/Sumatoshi-tech/peer/pkg/kv"
	pkgobs "github.com/Sumatoshi-tech/peer/pkg/observability"
	"github.com/Sumatoshi-tech/peer/pkg/version"
)

// ErrNoHostCredentials is returned when serve mode has neither a token nor
// app credentials configured.
var ErrNoHostCredentials = errors.New("host credentials required: set host.token or host.app_id + host.private_key_path")

// NewServeCommand creates the serve subcommand.
func NewServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook-driven review service",
		Long: `Run the Peer service: webhook ingestion, analysis workers, autofix
workers, and the query API, all in one process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			return runServe(cobraCmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path (default: .peer.yaml in CWD or $HOME)")

	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := pkgobs.Init(serveObservabilityConfig(cfg))
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	defer func() {
		shutdownErr := providers.Shutdown(context.Background())
		if shutdownErr != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	logger := providers.Logger

	red, err := observability.NewREDMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	backend, err := openBackend(cfg.Redis)
	if err != nil {
		return err
	}

	defer func() { _ = backend.Close() }()

	st, err := openStore(backend, cfg.Crypto)
	if err != nil {
		return err
	}

	hostAPI, err := buildHost(cfg.Host, st)
	if err != nil {
		return err
	}

	app := assemble(cfg, st, backend, hostAPI, providers.Tracer, logger, red)

	if err := app.manager.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	defer app.manager.Stop()

	logger.InfoContext(ctx, "peer serving",
		slog.String("addr", cfg.Server.Addr),
		slog.String("version", version.Version))

	return app.server.Run(ctx)
}

// application bundles the wired long-running components.
type application struct {
	server  *server.Server
	manager *queue.Manager
}

// assemble wires the pipeline, workers, and HTTP server from loaded config.
func assemble(
	cfg *config.Config,
	st *store.Store,
	backend kv.Store,
	hostAPI host.Host,
	tracer trace.Tracer,
	logger *slog.Logger,
	red *observability.REDMetrics,
) *application {
	gitOpts := gitws.Options{BaseDir: cfg.Git.BaseDir}
	cloneURL := autofix.CloneURLFunc(hostAPI.CloneURL)

	router := llm.NewRouter(cfg.LLM, backend,
		llm.WithRouterLogger(logger),
		llm.WithRouterTracer(tracer))

	engine := autofix.NewPreviewEngine(st,
		autofix.NewMinimalPatcher(router, cfg.LLM.MaxPatchesPerFile, cfg.LLM.AllowMultiLine),
		autofix.NewRewriter(router),
		cfg.LLM, cfg.Preview, gitOpts, cloneURL, logger)

	gate := autofix.NewMergeGate(hostAPI, cfg.Host.MergeMethod, logger)
	applier := autofix.NewApplier(st, hostAPI, gitOpts, cloneURL, gate, logger)

	queueOpts := []queue.QueueOption{
		queue.WithMaxAttempts(cfg.Queue.JobAttempts),
		queue.WithRetryBase(cfg.Queue.RetryBase),
	}
	analyzeQ := queue.NewQueue(queue.QueueAnalyze, backend, queueOpts...)
	autofixQ := queue.NewQueue(queue.QueueAutofix, backend, queueOpts...)
	applyQ := queue.NewQueue(queue.QueueApply, backend, queueOpts...)

	registry := analyzers.WithTools(analyzers.DefaultRegistry())
	registry.MustRegister(ai.New(router, cfg.Analyze.MaxAIFiles, cfg.Analyze.AIParallelism, logger))

	orchestrator := analysis.NewOrchestrator(registry,
		analysis.WithLogger(logger),
		analysis.WithTracer(tracer))

	pipe := pipeline.New(pipeline.Deps{
		Store:        st,
		Orchestrator: orchestrator,
		Engine:       engine,
		Applier:      applier,
		Gate:         gate,
		CloneURL:     cloneURL,
		GitOpts:      gitOpts,
		AnalyzeCfg:   cfg.Analyze,
		Logger:       logger,
		AnalyzeQueue: analyzeQ,
		AutofixQueue: autofixQ,
		ApplyQueue:   applyQ,
	})

	manager := queue.NewManager(logger, jobMetricsAdapter{red})
	manager.Register(analyzeQ, pipe.HandleAnalyze, cfg.Queue.AnalyzeWorkers)
	manager.Register(autofixQ, pipe.HandleAutofix, cfg.Queue.AutofixWorkers)
	manager.Register(applyQ, pipe.HandleApply, cfg.Queue.ApplyWorkers)

	srv := server.New(server.Deps{
		Config:   cfg.Server,
		Store:    st,
		Pipeline: pipe,
		Logger:   logger,
		Metrics:  red,
		Tracer:   tracer,
	})

	return &application{server: srv, manager: manager}
}

// serveObservabilityConfig maps the telemetry config onto the provider init.
func serveObservabilityConfig(cfg *config.Config) pkgobs.Config {
	obsCfg := pkgobs.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Mode = pkgobs.ModeServe
	obsCfg.Environment = cfg.Telemetry.Environment
	obsCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	obsCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	obsCfg.SampleRatio = cfg.Telemetry.SampleRatio
	obsCfg.LogJSON = cfg.Telemetry.LogJSON

	return obsCfg
}

// openBackend selects Redis when configured, in-memory otherwise. The
// in-memory backend loses state on restart; it is for local development.
func openBackend(cfg config.RedisConfig) (kv.Store, error) {
	if cfg.Addr == "" {
		return kv.NewMemory(), nil
	}

	backend := kv.NewRedis(kv.RedisOptions{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := backend.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}

	return backend, nil
}

// openStore builds the entity store, with at-rest key encryption when a
// crypto key is configured.
func openStore(backend kv.Store, cfg config.CryptoConfig) (*store.Store, error) {
	if cfg.EncryptionKey == "" {
		return store.New(backend), nil
	}

	cipher, err := store.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	return store.New(backend, store.WithCipher(cipher)), nil
}

// buildHost selects PAT auth when a token is configured, app-installation
// auth otherwise. App auth routes each call to the installation covering
// the repo, resolved through the store.
func buildHost(cfg config.HostConfig, st *store.Store) (host.Host, error) {
	if cfg.Token != "" {
		return host.NewTokenClient(cfg.Token), nil
	}

	if cfg.AppID != 0 && cfg.PrivateKeyPath != "" {
		lookup := func(ctx context.Context, repo string) (int64, error) {
			inst, err := st.FindInstallationByRepo(ctx, repo)
			if err != nil {
				return 0, err
			}

			return inst.InstallationID, nil
		}

		return host.NewAppRouter(cfg.AppID, cfg.PrivateKeyPath, lookup), nil
	}

	return nil, ErrNoHostCredentials
}

// jobMetricsAdapter bridges the queue's context-free metrics hook onto the
// RED recorder.
type jobMetricsAdapter struct {
	red *observability.REDMetrics
}

func (a jobMetricsAdapter) RecordJob(queueName, outcome string, duration time.Duration) {
	a.red.RecordJob(context.Background(), queueName, outcome, duration)
}
