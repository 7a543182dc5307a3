package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"permgate/internal/admin"
	"permgate/internal/auth"
	"permgate/internal/config"
	"permgate/internal/engine"
	"permgate/internal/instrument"
	"permgate/internal/logging"
	"permgate/internal/metadata"
	"permgate/internal/store"
	"permgate/internal/token"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg, err := config.Load(os.Getenv("PERMGATE_CONFIG"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.SetDefault("permgate", version, cfg.Logging.Format, cfg.Logging.Level)
	log.Info("config loaded", "port", cfg.Server.Port, "database", cfg.Database.Enabled, "audit", cfg.Audit.Enabled)

	// 2. Verifier
	matcher, err := engine.KeyMatcherFor(cfg.Permissions.KeyMatch)
	if err != nil {
		return err
	}
	verifier := engine.NewVerifier(engine.WithKeyMatcher(matcher), engine.WithLogger(log))

	// 3. Route declarations
	registry := metadata.DefaultRegistry()
	routes, err := metadata.LoadRoutes(cfg.Permissions.RoutesFile, registry)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("routes file not found, using built-in login-as requirement", "path", cfg.Permissions.RoutesFile)
		routes = map[string]*metadata.Route{}
	case err != nil:
		return err
	}
	if err := engine.BindRoutes(routes, engine.NewExprLangEvaluator()); err != nil {
		return err
	}

	// 4. Token codec
	codec := token.New(cfg.Token, log)
	caps := codec.Capabilities()
	log.Info("token capabilities", "sign", caps.Sign, "verify", caps.Verify, "encrypt", caps.Encrypt, "decrypt", caps.Decrypt)

	// 5. Database: profile store and decision audit
	var (
		profiles auth.ProfileSource
		recorder instrument.Recorder = instrument.NoopRecorder{}
	)
	if cfg.Database.Enabled {
		db, err := store.New(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		log.Info("database connected")

		if err := store.Bootstrap(ctx, db.Pool); err != nil {
			return err
		}
		profiles = store.NewProfileStore(db.Pool)

		if cfg.Audit.Enabled {
			buf := instrument.NewDecisionBuffer(db.Pool, cfg.Audit.BufferSize,
				time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond, log)
			defer buf.Stop(context.Background())
			recorder = buf
			go runAuditCleanup(ctx, db.Pool, cfg.Audit.RetentionDays, log)
		}
	} else {
		log.Warn("database disabled: delegation and audit are off")
	}

	// 6. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler:          auth.ErrorHandler(log),
		DisableStartupMessage: true,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	guard := auth.NewGuard(codec, verifier,
		auth.WithRecorder(recorder),
		auth.WithLogger(log),
		auth.WithExposeMissing(cfg.Permissions.ExposeMissing),
	)
	handler := auth.NewHandler(codec, profiles, verifier, log,
		auth.WithMissingDetail(cfg.Permissions.ExposeMissing),
	)
	if err := auth.RegisterRoutes(app, handler, guard, routes); err != nil {
		return err
	}
	if err := admin.RegisterAdminRoutes(app, admin.NewHandler(registry, routes), guard); err != nil {
		return err
	}

	// 7. Serve until signalled
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", addr)
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	}
}

func runAuditCleanup(ctx context.Context, db instrument.Execer, retentionDays int, log *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if _, err := instrument.CleanupOldDecisions(ctx, db, retentionDays, log); err != nil {
			log.Error("audit cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
