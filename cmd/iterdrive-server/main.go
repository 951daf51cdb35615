package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kazz187/iterdrive/internal/config"
	"github.com/kazz187/iterdrive/internal/eventbus"
	"github.com/kazz187/iterdrive/internal/iteration"
	"github.com/kazz187/iterdrive/internal/notify"
	"github.com/kazz187/iterdrive/internal/orchestrator"
	"github.com/kazz187/iterdrive/internal/sandbox"
	"github.com/kazz187/iterdrive/internal/stream"
	taskrepo "github.com/kazz187/iterdrive/internal/task/repositoryimpl"
	"github.com/kazz187/iterdrive/internal/workflow"
	"github.com/kazz187/iterdrive/pkg/clog"
	"github.com/kazz187/iterdrive/pkg/storage"

	server "github.com/kazz187/iterdrive/internal"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus and stores
	bus := eventbus.New()
	taskRepo := taskrepo.NewYAMLRepository(store)
	iterationStore := iteration.NewStore(store)
	pushSubRepo := notify.NewSubscriptionRepository(store)

	// Load workflow definitions and watch the directory for changes.
	workflowStore := workflow.NewStore()
	if err := workflowStore.LoadDir(env.WorkflowEnv.Dir); err != nil {
		slog.Error("failed to load workflows", "dir", env.WorkflowEnv.Dir, "error", err)
		os.Exit(1)
	}
	workflowWatcher := workflow.NewWatcher(workflowStore, env.WorkflowEnv.Dir)

	// Setup sandbox manager and orchestrator
	sandboxManager := sandbox.NewManager(&env.SandboxEnv, sandbox.NewExecRunner())
	orch := orchestrator.New(bus, taskRepo, workflowStore, iterationStore, sandboxManager, &env.AgentEnv)

	// Setup push notification
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := notify.NewSender(vapidEnv, pushSubRepo)
	pushDispatcher := notify.NewDispatcher(bus, pushSender)

	streamServer := stream.NewServer(bus)

	srv := server.NewServer(
		env,
		orch,
		taskRepo,
		iterationStore,
		sandboxManager,
		streamServer,
		pushSubRepo,
	)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go workflowWatcher.Start(ctx)
	go pushDispatcher.Start(ctx)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	orch.Shutdown()

	// Give active connections time to finish after stream contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
