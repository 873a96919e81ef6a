// Command taskengine wires the task-orchestration core into a runnable
// process: it constructs an Engine, registers a sample executor, seeds a
// small demo workflow, runs it to completion, and shuts down cleanly on
// SIGINT/SIGTERM. There is no HTTP surface here (the core's Non-goals
// exclude it) — this binary exists to exercise the wiring end to end,
// the way the reference service's main.go exercises its HTTP mux.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swarmguard/taskengine/internal/core/engine"
	"github.com/swarmguard/taskengine/internal/core/graph"
	"github.com/swarmguard/taskengine/internal/core/scheduler"
	"github.com/swarmguard/taskengine/internal/core/telemetry"
	"go.opentelemetry.io/otel"
)

const serviceName = "taskengine"

func main() {
	log := telemetry.InitLogging(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := telemetry.InitTracer(ctx, serviceName)
	shutdownMetrics := telemetry.InitMetrics(ctx, serviceName)
	meter := otel.GetMeterProvider().Meter(serviceName)

	storagePath := os.Getenv("TASKENGINE_STORAGE_PATH")
	if storagePath != "" {
		if err := os.MkdirAll(storagePath, 0o755); err != nil {
			log.Error("failed to create storage path", "path", storagePath, "error", err)
			os.Exit(1)
		}
	}

	eng, err := engine.New(ctx, engine.Config{
		StoragePath: storagePath,
		Scheduler: scheduler.Config{
			MaxConcurrentTasks: 5,
			TaskTimeout:        300 * time.Second,
			RetryDelay:         5 * time.Second,
		},
		DLQRetryRateLimit: 2,
	}, meter, log)
	if err != nil {
		log.Error("failed to construct engine", "error", err)
		os.Exit(1)
	}

	eng.Scheduler.RegisterExecutor("default", func(ctx context.Context, task *graph.Task) (graph.Result, error) {
		log.Info("executing task", "task_id", task.ID, "name", task.Name)
		return graph.Result{Success: true, Output: map[string]any{"task": task.Name}}, nil
	})

	eng.Start()
	seedDemoWorkflow(ctx, eng, log)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go eng.Run(runCtx, 50*time.Millisecond)

	log.Info("taskengine started")
	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	runCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error("engine shutdown error", "error", err)
	}
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

func seedDemoWorkflow(ctx context.Context, eng *engine.Engine, log *slog.Logger) {
	a, err := eng.InsertTask(ctx, graph.Spec{Name: "fetch", Priority: graph.PriorityNormal})
	if err != nil {
		log.Error("failed to insert demo task", "error", err)
		return
	}
	if _, err := eng.InsertTask(ctx, graph.Spec{
		Name:         "transform",
		Priority:     graph.PriorityNormal,
		Dependencies: []string{a},
		MaxRetries:   2,
	}); err != nil {
		log.Error("failed to insert demo task", "error", err)
	}
}
