// Package agentum is the public API for embedding the Agentum agent
// orchestration server.
//
// Consumers construct and run the server without forking it:
//
//	app, err := agentum.New(
//	    agentum.WithVersion(version),
//	    agentum.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: agentum (root)
// imports internal/*, but internal/* never imports agentum (root).
package agentum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentum-dev/agentum/internal/auth"
	"github.com/agentum-dev/agentum/internal/config"
	"github.com/agentum-dev/agentum/internal/permission"
	"github.com/agentum-dev/agentum/internal/ratelimit"
	"github.com/agentum-dev/agentum/internal/runner"
	"github.com/agentum-dev/agentum/internal/sandbox"
	"github.com/agentum-dev/agentum/internal/server"
	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
	"github.com/agentum-dev/agentum/internal/telemetry"
	"github.com/agentum-dev/agentum/migrations"
)

// App is the Agentum server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	taskRunner   *runner.Runner
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Agentum server: configuration, storage and
// migrations, the session filesystem, the permission and sandbox control
// plane, and the HTTP surface. It starts no server and accepts no
// connections — call Run(). The only goroutines it starts are background
// helpers: the in-memory rate limiter's stale-key sweeper and, when an
// OTLP endpoint is configured, the telemetry exporters.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load(o.configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databasePath != "" {
		cfg.DatabasePath = o.databasePath
	}
	if o.sessionsRoot != "" {
		cfg.SessionsRoot = o.sessionsRoot
	}
	if len(o.agentCommand) > 0 {
		cfg.AgentCommand = o.agentCommand
	}

	logger.Info("agentum starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o750); err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	db, err := storage.New(context.Background(), cfg.DatabasePath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterMetrics()

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	fs, err := sessionfs.New(cfg.SessionsRoot, logger)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("sessionfs: %w", err)
	}

	authSvc, err := auth.New(cfg.SecretsFile, cfg.TokenTTL, logger)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	profile := permission.DefaultProfile()
	if data, readErr := os.ReadFile(cfg.PermissionsFile()); readErr == nil {
		profile, err = permission.ParseProfile(data)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("permission profile: %w", err)
		}
		logger.Info("permission profile loaded", "path", cfg.PermissionsFile())
	} else {
		logger.Info("permission profile: using defaults")
	}

	sandboxCfg, err := sandbox.LoadConfig(cfg.SecurityFile())
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("sandbox config: %w", err)
	}
	logger.Info("sandbox", "enabled", sandboxCfg.Enabled, "bwrap", sandboxCfg.BwrapPath)

	registry := runner.NewRegistry()
	lifecycle := runner.NewLifecycle(db, fs, registry, logger)
	taskRunner := runner.New(runner.Options{
		AgentCommand:     cfg.AgentCommand,
		DefaultModel:     cfg.DefaultModel,
		MaxTurns:         cfg.MaxTurns,
		Timeout:          cfg.Timeout,
		Grace:            cfg.Grace,
		MaxLineBytes:     cfg.MaxLineBytes,
		MaxConcurrent:    cfg.MaxConcurrent,
		SubscriberBuffer: cfg.SubscriberBuffer,
		Profile:          profile,
		Sandbox:          sandboxCfg,
		SkillsDir:        cfg.SkillsDir,
	}, db, fs, lifecycle, registry, logger)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		AuthSvc:             authSvc,
		Runner:              taskRunner,
		FS:                  fs,
		Logger:              logger,
		Host:                cfg.Host,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSOrigins:         cfg.CORSOrigins,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		RateLimiter:         limiter,
		Version:             version,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		taskRunner:   taskRunner,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Runner exposes the task runner facade for CLI drivers.
func (a *App) Runner() *runner.Runner { return a.taskRunner }

// Run reconciles stale sessions, starts the HTTP server, and blocks until
// ctx is cancelled or a fatal server error occurs. Shutdown is called
// automatically on return.
func (a *App) Run(ctx context.Context) error {
	// No supervisor survives a restart: rows stuck in running are
	// reconciled before accepting traffic.
	if cleaned, err := a.taskRunner.Lifecycle().CleanupStaleSessions(ctx); err != nil {
		a.logger.Error("stale session cleanup failed", "error", err)
	} else if cleaned > 0 {
		a.logger.Info("stale sessions reconciled", "count", cleaned)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a staged graceful shutdown: stop accepting HTTP
// requests and drain in-flight, cancel live runs and wait for their
// supervisors to reap, then close the store and telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("agentum shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runCtx, runCancel := context.WithTimeout(ctx, 15*time.Second)
	a.taskRunner.Shutdown(runCtx)
	runCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("agentum stopped")
	return nil
}
