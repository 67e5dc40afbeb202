// Package main is the entry point for agentd, the orchestration service
// that exposes local and cloud agent-task primitives to an AI coding
// assistant host over stdio. Grounded on cmd/mcp-server/main.go's flag/env
// override and signal-wait wiring, adapted from an HTTP-serving binary to
// one that serves a single stdio JSON-RPC session and wires the registry,
// process manager, and executors before registering primitives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/common/tracing"
	"github.com/kandev/kandev/internal/dispatch"
	"github.com/kandev/kandev/internal/environments"
	"github.com/kandev/kandev/internal/executor/cloud"
	"github.com/kandev/kandev/internal/executor/local"
	"github.com/kandev/kandev/internal/opserr"
	"github.com/kandev/kandev/internal/process"
	"github.com/kandev/kandev/internal/task"
	"github.com/kandev/kandev/internal/task/sqlite"
)

var configPathFlag = flag.String("config", "", "directory to search for config.yaml (optional)")

func main() {
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	tracing.SetServiceName(cfg.Tracing.ServiceName)

	if err := run(cfg, log); err != nil {
		log.Error("agentd exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx := context.Background()

	registry, err := sqlite.Open(cfg.Registry.Path)
	if err != nil {
		return opserr.Wrap(opserr.KindFatalInit, "open task registry", err)
	}
	defer func() {
		if err := registry.Close(); err != nil {
			log.Error("failed to close task registry", zap.Error(err))
		}
	}()

	envs, err := environments.Load(cfg.Environments.Path)
	if err != nil {
		log.Warn("environments catalog unavailable, cloud_list_environments/cloud_run will error until one is configured",
			zap.String("path", cfg.Environments.Path), zap.Error(err))
		envs = &environments.Catalog{}
	}

	manager := process.NewManager(cfg.Server.MaxConcurrency, cfg.Server.CancelGracePeriod())
	localExec := local.NewExecutor(registry, manager, cfg.Agent.Executable, log)
	cloudExec := cloud.NewExecutor(
		registry, envs, manager, cfg.Cloud.BaseURL, cfg.Cloud.APIKey,
		time.Duration(cfg.Cloud.PollIntervalMinMs)*time.Millisecond,
		time.Duration(cfg.Cloud.PollIntervalMaxMs)*time.Millisecond,
		log,
	)

	if err := reconcile(ctx, registry, cloudExec); err != nil {
		return opserr.Wrap(opserr.KindFatalInit, "reconcile task registry", err)
	}

	mcpServer := server.NewMCPServer(
		"agentd",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	dispatch.Register(mcpServer, dispatch.Deps{
		Registry:      registry,
		LocalExecutor: localExec,
		CloudExecutor: cloudExec,
		Environments:  envs,
		Log:           log,
	})

	log.Info("agentd starting",
		zap.Int("max_concurrency", cfg.Server.MaxConcurrency),
		zap.String("registry_path", cfg.Registry.Path),
		zap.String("agent_executable", cfg.Agent.Executable))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ServeStdio(mcpServer) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return opserr.Wrap(opserr.KindFatalInit, "serve stdio", err)
		}
		return nil
	case <-quit:
		log.Info("agentd shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}
	return nil
}

// reconcile resolves any task left pending/working by a prior process that
// exited without finishing it. A local subprocess never survives a restart
// (the Process Manager's handles are in-memory only), so local orphans are
// always marked failed. A cloud task's remote ID is durable, so cloud
// orphans instead re-query the hosted service via cloudExec.ResolveOrphan
// and resume polling, per §4.1/§4.6.
func reconcile(ctx context.Context, registry task.Registry, cloudExec *cloud.Executor) error {
	failOrphan := func(t *task.Task) (*task.Task, error) {
		t.Status = task.StatusFailed
		t.Error = "orphaned by restart"
		t.MarkTerminal()
		return t, nil
	}
	if err := registry.Reconcile(ctx, task.OriginLocal, failOrphan); err != nil {
		return err
	}
	return registry.Reconcile(ctx, task.OriginCloud, cloudExec.ResolveOrphan)
}
