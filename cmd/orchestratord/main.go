// Command orchestratord wires the orchestration core into one runnable
// process: envelope signing, the component router, the durable job queue,
// the worker pool, the pipeline state machine, the planner/validator round
// trip, the DAG executor, the sandbox host, the plugin registry, the
// standing-rule engine, and the secrets vault.
//
// The LLM provider and the browser/CLI/web-bridge front ends are external
// collaborators and are not implemented here; orchestratord wires a
// placeholder LLMProvider so the binary runs end to end locally, and
// exposes a minimal HTTP boundary for enqueueing jobs and reading their
// status.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/helmrun/orchestrator/pkg/config"
	"github.com/helmrun/orchestrator/pkg/costtracker"
	"github.com/helmrun/orchestrator/pkg/dagexec"
	"github.com/helmrun/orchestrator/pkg/envelope"
	"github.com/helmrun/orchestrator/pkg/memwatch"
	"github.com/helmrun/orchestrator/pkg/pipeline"
	"github.com/helmrun/orchestrator/pkg/plan"
	"github.com/helmrun/orchestrator/pkg/planner"
	"github.com/helmrun/orchestrator/pkg/pluginregistry"
	"github.com/helmrun/orchestrator/pkg/policyloader"
	"github.com/helmrun/orchestrator/pkg/queue"
	"github.com/helmrun/orchestrator/pkg/router"
	"github.com/helmrun/orchestrator/pkg/sandbox"
	"github.com/helmrun/orchestrator/pkg/standingrules"
	"github.com/helmrun/orchestrator/pkg/validator"
	"github.com/helmrun/orchestrator/pkg/vault"
	"github.com/helmrun/orchestrator/pkg/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			logger.Error("create data dir", "error", err)
			return 1
		}
	}

	svc, err := wire(cfg, logger)
	if err != nil {
		logger.Error("wire services", "error", err)
		return 1
	}
	defer svc.close()

	svc.memwatch.Start(ctx)
	svc.pool.Start(ctx)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: svc.httpHandler()}
	go func() {
		logger.Info("orchestratord listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	svc.pool.Stop(shutdownCtx)
	svc.memwatch.Stop()
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// services bundles every wired component the HTTP boundary and background
// loops need to reach.
type services struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    queue.Store
	pool     *worker.Pool
	memwatch *memwatch.Watchdog
	vault    *vault.Vault
	plugins  *pluginregistry.Registry
	rules    *standingrules.Engine
	dbs      []*sql.DB
}

func (s *services) close() {
	for _, db := range s.dbs {
		_ = db.Close()
	}
}

func wire(cfg *config.Config, logger *slog.Logger) (*services, error) {
	// --- component signing identities -----------------------------------
	keys := envelope.NewKeyRegistry()
	routerSignerPub, routerSignerPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate router signer key: %w", err)
	}
	keys.Register("router", routerSignerPub)

	// The planner and validator run in-process and reply over the same
	// dispatch call; they are trusted signers rather than key-verified ones.
	replay := envelope.NewReplayGuard(envelope.ReplayGuardConfig{})

	// --- job queue (QUEUE_DRIVER: sqlite by default, memory, or postgres) -----
	var dbs []*sql.DB
	store, err := openQueueStore(cfg, &dbs)
	if err != nil {
		return nil, err
	}

	// --- standing rules ---------------------------------------------------
	rulesDB, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "standing_rules.db"))
	if err != nil {
		return nil, fmt.Errorf("open standing_rules db: %w", err)
	}
	dbs = append(dbs, rulesDB)
	rulesStore, err := standingrules.NewSQLiteStore(rulesDB)
	if err != nil {
		return nil, fmt.Errorf("migrate standing_rules: %w", err)
	}
	rules := standingrules.New(rulesStore)

	// --- plugin registry --------------------------------------------------
	pluginsDB, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "plugins.db"))
	if err != nil {
		return nil, fmt.Errorf("open plugins db: %w", err)
	}
	dbs = append(dbs, pluginsDB)
	pluginsStore, err := pluginregistry.NewSQLiteStore(pluginsDB)
	if err != nil {
		return nil, fmt.Errorf("migrate plugins: %w", err)
	}
	plugins := pluginregistry.New(pluginsStore)
	if err := plugins.LoadCache(context.Background()); err != nil {
		logger.Warn("load plugin cache", "error", err)
	}

	// --- secrets vault ------------------------------------------------
	v := vault.Open(cfg.VaultPath)
	if password := os.Getenv("VAULT_PASSWORD"); password != "" {
		if err := v.Unlock(password); err != nil {
			if err := v.Initialize(password, vault.TierStandard); err != nil {
				logger.Warn("vault initialize", "error", err)
			}
		}
	}

	// --- router -----------------------------------------------------------
	reg := router.NewRegistry()
	r := router.New(reg,
		router.WithLogger(logger),
		router.WithKeyRegistry(keys),
		router.WithReplayGuard(replay),
		router.WithTrustedSigners("router", "planner", "validator"),
		router.WithMaxMessageSize(256*1024),
	)

	// --- planner (LLM provider is an external collaborator; wired here
	// with a local placeholder so the binary is runnable end to end) -----
	costs := costtracker.NewTracker(costtracker.NewPricingTable(0), costtracker.WithDailyLimitUsd(cfg.DailyCostLimitUsd))
	plannerClient := planner.New(newPlaceholderLLM(cfg.LLMModel))
	plannerHandler := plannerClient.Handler()
	if err := reg.Register("planner", func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
		resp, err := plannerHandler(ctx, e)
		costs.RecordCall("planner", nil)
		if costs.IsLimitReached() {
			logger.Warn("daily cost limit reached", "alertLevel", costs.GetAlertLevel())
		}
		return resp, err
	}); err != nil {
		return nil, fmt.Errorf("register planner: %w", err)
	}

	// --- validator ----------------------------------------------------
	bundles := policyloader.NewLoader(cfg.PolicyBundleDir)
	if err := bundles.LoadAll(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("policy bundle dir unavailable, running with no custom policies", "dir", cfg.PolicyBundleDir, "err", err)
	}
	v8r, err := validator.New(validator.Policy{
		WorkspaceRoot:           cfg.WorkspaceRoot,
		NetworkAllowlist:        cfg.NetworkAllowlist,
		MaxTransactionAmountUsd: cfg.MaxTransactionAmountUsd,
	},
		validator.WithStandingRules(rules.Lookup(context.Background())),
		validator.WithCustomPolicies(bundles.ActiveExpressions()...),
	)
	if err != nil {
		return nil, fmt.Errorf("construct validator: %w", err)
	}
	if err := reg.Register("validator", func(ctx context.Context, e *envelope.Envelope) (*envelope.Envelope, error) {
		return v8r.Handler()(ctx, e)
	}); err != nil {
		return nil, fmt.Errorf("register validator: %w", err)
	}

	// --- memory watchdog gates worker leasing and sandbox spawns --------
	watchdog := memwatch.NewWatchdog(cfg.MemoryLimitBytes, memwatch.WithLogger(logger))

	// --- sandbox host ---------------------------------------------------
	sandboxHost := sandbox.NewHost(
		pluginRegistryView{plugins},
		vaultSecretView{v},
		sandbox.WithSigningPolicy(sandbox.SigningPolicy(cfg.SandboxSigningPolicy)),
		sandbox.WithDefaultTimeout(time.Duration(cfg.SandboxDefaultTimeoutMs)*time.Millisecond),
		sandbox.WithKillTimeout(time.Duration(cfg.SandboxKillTimeoutMs)*time.Millisecond),
		sandbox.WithWorkspaceRoot(cfg.WorkspaceRoot),
		sandbox.WithSpawnGate(watchdog),
	)

	// --- DAG executor ---------------------------------------------------
	dagExec := dagexec.New(dagexec.WithLogger(logger))

	stepRunner := func(ctx context.Context, step dagexec.Step, resolvedParams map[string]any) (json.RawMessage, error) {
		jobID, _ := pipeline.JobIDFromContext(ctx)
		result, err := sandboxHost.ExecuteWithRetry(ctx, jobID, step.Plugin, step.Action, resolvedParams, step.ID, cfg.MaxStepAttempts)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result.Payload)
	}

	// --- pipeline processor ---------------------------------------------
	processor := pipeline.New(store, r, dagExec, stepRunner, "router", routerSignerPriv,
		pipeline.WithLogger(logger),
		pipeline.WithMaxRevisionCount(cfg.MaxRevisionCount),
		pipeline.WithApprovalTimeout(cfg.ApprovalTimeout),
		pipeline.WithDagMaxConcurrency(cfg.DagMaxConcurrency),
		pipeline.WithCircuitBreakerCheck(sandboxHost.IsCircuitOpen),
		pipeline.WithConditionEvaluator(func(condition any, priorResults map[string]any) bool {
			cond, ok := condition.(*plan.Condition)
			if !ok {
				return true
			}
			return plan.EvaluateCondition(cond, priorResults)
		}),
	)

	pool := worker.New(store, processor,
		worker.WithWorkers(cfg.Workers),
		worker.WithLeaseMs(cfg.LeaseMs),
		worker.WithLogger(logger),
		worker.WithGate(watchdog),
		worker.WithPollInterval(time.Duration(cfg.PollIntervalMs)*time.Millisecond),
		worker.WithGracefulShutdownTimeout(cfg.GracefulShutdownTimeout),
	)

	return &services{
		cfg: cfg, logger: logger, store: store, pool: pool,
		memwatch: watchdog, vault: v, plugins: plugins, rules: rules, dbs: dbs,
	}, nil
}

func openQueueStore(cfg *config.Config, dbs *[]*sql.DB) (queue.Store, error) {
	switch cfg.QueueDriver {
	case "memory":
		return queue.NewMemoryStore(), nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		*dbs = append(*dbs, db)
		return queue.NewPostgresStore(db)
	default:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "orchestrator.db")
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		*dbs = append(*dbs, db)
		return queue.NewSQLiteStore(db)
	}
}

// pluginRegistryView adapts pluginregistry.Registry to sandbox.Registry.
type pluginRegistryView struct{ r *pluginregistry.Registry }

func (v pluginRegistryView) GetManifest(id string) (sandbox.PluginView, bool) {
	m, ok := v.r.GetManifest(id)
	if !ok {
		return sandbox.PluginView{}, false
	}
	resources := m.Resources
	if resources == nil {
		resources = &pluginregistry.Resources{}
		pluginregistry.ApplyResourceDefaults(resources)
	}
	checksum, _ := v.r.GetChecksum(context.Background(), id)
	return sandbox.PluginView{
		ID:            m.ID,
		Version:       m.Version,
		Origin:        string(m.Origin),
		EntryPoint:    filepath.Join("plugins", m.ID, "entry"),
		Signature:     m.Signature,
		MaxMemoryMb:   resources.MaxMemoryMb,
		MaxCpuPercent: resources.MaxCpuPercent,
		TimeoutMs:     resources.TimeoutMs,
		SecretNames:   m.Permissions.Secrets,
		Checksum:      checksum,
		PackagePath:   filepath.Join("plugins", m.ID, "package.bin"),
	}, true
}

func (v pluginRegistryView) Disable(ctx context.Context, id string) error {
	return v.r.Disable(ctx, id)
}

// vaultSecretView adapts vault.Vault to sandbox.SecretSource.
type vaultSecretView struct{ v *vault.Vault }

func (v vaultSecretView) Retrieve(name, requestingPlugin string) ([]byte, error) {
	return v.v.Retrieve(name, requestingPlugin)
}
