// Command elisa runs a build plan: each task is handed to an agent CLI in
// dependency order while events stream to any connected frontend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/aristath/elisa/internal/agentrunner"
	"github.com/aristath/elisa/internal/config"
	"github.com/aristath/elisa/internal/events"
	"github.com/aristath/elisa/internal/gitops"
	"github.com/aristath/elisa/internal/logging"
	"github.com/aristath/elisa/internal/metrics"
	"github.com/aristath/elisa/internal/orchestrator"
	"github.com/aristath/elisa/internal/persistence"
	"github.com/aristath/elisa/internal/scheduler"
	"github.com/aristath/elisa/internal/server"
	"github.com/aristath/elisa/internal/teaching"
	"github.com/aristath/elisa/internal/testrunner"
)

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	workspace  string
	listenAddr string
	maxBudget  int
	planPath   string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("elisa", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "config file (default: ~/.elisa and ./.elisa layers)")
	fs.StringVar(&opts.workspace, "workspace", "", "build workspace directory")
	fs.StringVar(&opts.listenAddr, "listen", "", "HTTP listen address; \"-\" disables the server")
	fs.IntVar(&opts.maxBudget, "budget", 0, "token budget override")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: elisa [flags] <plan.yaml|plan.json>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, errors.New("expected exactly one plan file")
	}
	opts.planPath = fs.Arg(0)
	return opts, nil
}

func loadConfig(opts options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.Load("", opts.configPath)
	} else {
		cfg, err = config.LoadDefault(".")
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(".env"); err != nil {
		return nil, err
	}

	if opts.workspace != "" {
		cfg.Workspace = opts.workspace
	}
	if opts.listenAddr != "" {
		cfg.ListenAddr = opts.listenAddr
	}
	if opts.listenAddr == "-" {
		cfg.ListenAddr = ""
	}
	if opts.maxBudget != 0 {
		cfg.MaxBudget = opts.maxBudget
	}
	if cfg.Workspace == "" {
		cfg.Workspace = "workspace"
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	plan, err := orchestrator.LoadPlan(opts.planPath)
	if err != nil {
		return err
	}
	if len(plan.Workflow.HumanGates) == 0 {
		plan.Workflow.HumanGates = cfg.Workflow.HumanGates
	}

	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("resolving workspace: %w", err)
	}
	state, err := plan.NewState(workspace, cfg.MaxBudget)
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("build_id", state.BuildID))

	store, err := openStore(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bus := events.NewEventBus()
	defer bus.Close()

	var git *gitops.Service
	if cfg.Git.Enabled {
		git = gitops.NewService(gitops.Config{
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
		}, logger)
	}
	var initializer orchestrator.GitInitializer
	if git != nil {
		initializer = git
	}
	gitReady, err := orchestrator.SetupWorkspace(ctx, workspace, plan.Goal, initializer, logger)
	if err != nil {
		return err
	}

	teach, err := teaching.New(logger)
	if err != nil {
		return err
	}

	// Create ProcessManager for subprocess tracking
	pm := agentrunner.NewProcessManager()

	deps := orchestrator.ExecutorDeps{
		Runner:         buildRunner(cfg, plan.Agents, pm, logger),
		Events:         bus,
		Teaching:       teach,
		Policy:         buildPolicy(cfg.Permissions),
		Store:          store,
		Metrics:        m,
		Breakers:       orchestrator.NewBreakerRegistry(breakerConfig(cfg.Breaker), logger),
		Logger:         logger,
		WarningRatio:   cfg.WarningRatio,
		AttemptReserve: cfg.AttemptReserve,
	}
	if gitReady {
		deps.Git = git
	}
	executor := orchestrator.NewTaskExecutor(deps)

	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	serverDone := make(chan error, 1)
	if cfg.ListenAddr != "" {
		srv := server.New(server.Config{
			Bus:      bus,
			State:    state,
			Store:    store,
			Metrics:  m,
			Gatherer: reg,
			Logger:   logger,
		})
		go func() { serverDone <- srv.Run(serverCtx, cfg.ListenAddr) }()
	} else {
		serverDone <- nil
	}

	logger.Info("build started",
		zap.String("goal", plan.Goal),
		zap.String("workspace", workspace),
		zap.Int("tasks", state.TotalTasks()),
		zap.Bool("git", gitReady),
	)

	runCfg := orchestrator.RunnerConfig{
		Concurrency: cfg.Concurrency,
		Store:       store,
		Logger:      logger,
		Events:      bus,
		Teaching:    teach,
		Concepts:    teach,
	}
	if cfg.Tests.Enabled {
		runCfg.Tests = buildTestRunner(cfg.Tests, logger)
	}
	runner := orchestrator.NewRunner(runCfg, executor, state)
	results, runErr := runner.Run(ctx)

	if ctx.Err() != nil {
		logger.Info("shutdown signal received, cleaning up")
		// Kill all tracked subprocesses
		if err := pm.KillAll(); err != nil {
			logger.Warn("killing agent processes", zap.Error(err))
		}
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	usage := state.Tracker.Snapshot()
	logger.Info("build finished",
		zap.Int("tasks_run", len(results)),
		zap.Int("failed", failed),
		zap.Int("tokens", usage.TotalTokens),
		zap.Float64("cost_usd", usage.CostUSD),
		zap.Int("commits", len(state.Commits())),
	)

	// Close the event stream before stopping the server so clients see the end
	bus.Close()
	stopServer()
	select {
	case err := <-serverDone:
		if err != nil {
			logger.Warn("server stopped with error", zap.Error(err))
		}
	case <-time.After(10 * time.Second):
		logger.Warn("server shutdown timeout exceeded")
	}

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(results))
	}
	return nil
}

func openStore(ctx context.Context, path string) (*persistence.SQLiteStore, error) {
	if path == "" {
		return persistence.NewMemoryStore(ctx)
	}
	return persistence.NewSQLiteStore(ctx, path)
}

// buildRunner creates one CLI runner per configured provider and routes each
// plan agent to its provider.
func buildRunner(cfg *config.Config, agents []*scheduler.Agent, pm *agentrunner.ProcessManager, logger *zap.Logger) orchestrator.AgentRunner {
	runners := make(map[string]*agentrunner.CLIRunner, len(cfg.Providers))
	runnerFor := func(name string) *agentrunner.CLIRunner {
		if r, ok := runners[name]; ok {
			return r
		}
		p := cfg.Providers[name]
		r := agentrunner.New(agentrunner.Config{
			Command: p.Command,
			Args:    p.Args,
			Model:   p.Model,
		}, pm, logger.With(zap.String("provider", name)))
		runners[name] = r
		return r
	}

	routes := make(map[string]agentrunner.Route)
	for _, a := range agents {
		ac, ok := cfg.Agents[a.Name]
		if !ok {
			continue
		}
		provider := ac.Provider
		if provider == "" {
			provider = cfg.DefaultProvider
		}
		_, model := cfg.ProviderFor(a.Name)
		routes[a.Name] = agentrunner.Route{Runner: runnerFor(provider), Model: model}
	}
	return agentrunner.NewRouter(runnerFor(cfg.DefaultProvider), routes)
}

func buildPolicy(pc config.PermissionsConfig) *orchestrator.PathPolicy {
	p := orchestrator.NewPathPolicy()
	if len(pc.AllowedPaths) > 0 {
		p.AllowedPaths = pc.AllowedPaths
	}
	if len(pc.RestrictedPaths) > 0 {
		p.RestrictedPaths = pc.RestrictedPaths
	}
	if len(pc.SafeCommands) > 0 {
		p.SafeCommands = pc.SafeCommands
	}
	return p
}

func buildTestRunner(tc config.TestsConfig, logger *zap.Logger) *testrunner.Runner {
	return testrunner.New(testrunner.Config{
		Command: tc.Command,
		Args:    tc.Args,
		Timeout: time.Duration(tc.TimeoutSeconds) * time.Second,
	}, logger.With(zap.String("component", "tests")))
}

func breakerConfig(bc config.BreakerConfig) orchestrator.BreakerConfig {
	c := orchestrator.DefaultBreakerConfig()
	if bc.ConsecutiveFailures > 0 {
		c.ConsecutiveFailures = bc.ConsecutiveFailures
	}
	if bc.OpenTimeoutSeconds > 0 {
		c.OpenTimeout = time.Duration(bc.OpenTimeoutSeconds) * time.Second
	}
	return c
}
