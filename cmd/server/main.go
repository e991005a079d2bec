// Package main is the entrypoint for the FlowDeck control-plane server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gridvane/flowdeck/internal/alert"
	"github.com/gridvane/flowdeck/internal/api"
	"github.com/gridvane/flowdeck/internal/api/handler"
	"github.com/gridvane/flowdeck/internal/api/response"
	"github.com/gridvane/flowdeck/internal/artifact"
	"github.com/gridvane/flowdeck/internal/backup"
	"github.com/gridvane/flowdeck/internal/cache"
	"github.com/gridvane/flowdeck/internal/cluster"
	"github.com/gridvane/flowdeck/internal/config"
	"github.com/gridvane/flowdeck/internal/configsvc"
	"github.com/gridvane/flowdeck/internal/deploy"
	"github.com/gridvane/flowdeck/internal/docker"
	"github.com/gridvane/flowdeck/internal/resource"
	"github.com/gridvane/flowdeck/internal/savepoint"
	"github.com/gridvane/flowdeck/internal/sqlsvc"
	"github.com/gridvane/flowdeck/internal/store"
	"github.com/gridvane/flowdeck/internal/watcher"
	"github.com/gridvane/flowdeck/internal/worker"
	"github.com/gridvane/flowdeck/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workspace", cfg.Workspace.Local)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Shared infrastructure
	pgStore := store.NewPostgresStore(pool)
	stager := artifact.NewLocalStager(cfg.Workspace.Local)
	clusterClient := cluster.NewHTTPClient(cfg.Cluster.HTTPTimeout)
	endpoints := cluster.NewEndpoints(pgStore, cfg.Cluster.ResourceManagerURL)
	taskPool := worker.NewPool(cfg.Pipeline.Workers, logger)

	var sink alert.Sink = alert.NopSink{}
	if cfg.Alert.WebhookURL != "" {
		sink = alert.NewWebhookSink(cfg.Alert.WebhookURL, cfg.Alert.Timeout)
		slog.Info("alert webhook configured")
	}

	// 6. Domain services
	configsSvc := configsvc.NewService(pgStore, logger)
	sqlsSvc := sqlsvc.NewService(pgStore, logger)
	backupsSvc := backup.NewService(pgStore, stager, logger)

	repo, err := resource.LoadIndex(filepath.Join(cfg.Workspace.Local, "resources.json"))
	if err != nil {
		return fmt.Errorf("load resource index: %w", err)
	}
	merger := resource.NewMerger(repo, logger)

	var images deploy.ImageResolver
	if imgResolver, err := docker.NewResolver(cfg.Docker, logger); err != nil {
		slog.Warn("docker unavailable, image builds disabled", "error", err)
	} else {
		defer imgResolver.Close()
		images = imgResolver
	}

	// 7. Watcher and engine reference each other: the engine announces
	// released jobs for tracking, the watcher restarts failed ones. The
	// restarter binds late to break the construction cycle.
	restarter := &engineRestarter{}
	jobWatcher := watcher.New(watcher.Options{
		Store:     pgStore,
		Cache:     redisCache,
		Client:    clusterClient,
		Endpoints: endpoints,
		Sink:      sink,
		Restarter: restarter,
		Config:    cfg.Watcher,
		Logger:    logger,
	})

	engine := deploy.NewEngine(deploy.Options{
		Store:     pgStore,
		Cache:     redisCache,
		Stager:    stager,
		Workspace: cfg.Workspace,
		Merger:    merger,
		SQLs:      sqlsSvc,
		Images:    images,
		Pool:      taskPool,
		Listeners: []deploy.Listener{
			deploy.NewPersistListener(pgStore, stager, configsSvc, sqlsSvc, backupsSvc, jobWatcher, logger),
			deploy.NewAlertListener(sink, logger),
		},
		Logger: logger,
	})
	restarter.engine = engine

	spResolver := savepoint.NewResolver(pgStore, configsSvc, clusterClient, cfg.Savepoint.DefaultRetained)
	coordinator := savepoint.NewCoordinator(pgStore, spResolver, clusterClient, endpoints, taskPool, jobWatcher, cfg.Savepoint.TriggerTimeout, logger)

	if err := jobWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	// 8. Build router with dependencies
	deps := api.Dependencies{
		HealthHandler: healthHandler(pgStore, redisCache),

		CurrentPipeline:   handler.NewCurrentPipelineHandler(pgStore),
		PipelineStatusMap: handler.NewPipelineStatusMapHandler(pgStore),
		Launch:            handler.NewLaunchHandler(engine),
		DockerProgress:    handler.NewDockerProgressHandler(redisCache),

		TriggerSavepoint: handler.NewTriggerSavepointHandler(coordinator),
		StopJob:          handler.NewStopJobHandler(coordinator),
		ListSavepoints:   handler.NewListSavepointsHandler(pgStore),
		ReportCheckpoint: handler.NewReportCheckpointHandler(pgStore, coordinator),

		CreateConfig: handler.NewCreateConfigHandler(configsSvc),
		UpdateConfig: handler.NewUpdateConfigHandler(pgStore, configsSvc),
		ListConfigs:  handler.NewListConfigsHandler(configsSvc),
		DeleteConfig: handler.NewDeleteConfigHandler(configsSvc),

		ListBackups:  handler.NewListBackupsHandler(backupsSvc),
		Rollback:     handler.NewRollbackHandler(backupsSvc),
		DeleteBackup: handler.NewDeleteBackupHandler(backupsSvc),
	}
	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Flush watcher metrics and let in-flight background tasks finish
	// before giving up the database connection.
	jobWatcher.Stop(shutdownCtx)
	taskPool.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// engineRestarter relaunches failed jobs through the deploy engine. It
// is bound after engine construction.
type engineRestarter struct {
	engine *deploy.Engine
}

func (r *engineRestarter) Restart(ctx context.Context, job *models.Job) error {
	if r.engine == nil {
		return errors.New("engine not wired")
	}
	_, err := r.engine.Launch(ctx, job.ID, false, "watcher")
	return err
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
