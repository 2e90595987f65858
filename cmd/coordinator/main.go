package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/particlhq/background-agents/internal/api"
	"github.com/particlhq/background-agents/internal/artifact"
	"github.com/particlhq/background-agents/internal/callback"
	"github.com/particlhq/background-agents/internal/config"
	"github.com/particlhq/background-agents/internal/coordinator"
	"github.com/particlhq/background-agents/internal/event"
	"github.com/particlhq/background-agents/internal/gateway"
	"github.com/particlhq/background-agents/internal/githost"
	"github.com/particlhq/background-agents/internal/httputil"
	"github.com/particlhq/background-agents/internal/identity"
	"github.com/particlhq/background-agents/internal/message"
	"github.com/particlhq/background-agents/internal/participant"
	"github.com/particlhq/background-agents/internal/postgres"
	"github.com/particlhq/background-agents/internal/presence"
	"github.com/particlhq/background-agents/internal/protocol"
	"github.com/particlhq/background-agents/internal/sandbox"
	"github.com/particlhq/background-agents/internal/sandbox/modal"
	"github.com/particlhq/background-agents/internal/secrets"
	"github.com/particlhq/background-agents/internal/session"
	"github.com/particlhq/background-agents/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Coordinator stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting session coordinator")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". This allows any origin to make requests to your server. Set an explicit origin (e.g. https://your-client.example.com) for production deployments.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.OutboundHTTPTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Valkey connected")

	appAuth, err := identity.NewAppAuth(cfg.GithubAppID, cfg.GithubAppPrivateKey, cfg.GithubInstallationID, log.Logger)
	if err != nil {
		return fmt.Errorf("configure github app: %w", err)
	}
	if !appAuth.Configured() {
		log.Warn().Msg("GitHub App credentials not configured; sandbox pushes will rely on participant tokens")
	}

	deps := coordinator.Deps{
		Cfg:          cfg,
		Sessions:     session.NewPGRepository(db, log.Logger),
		Participants: participant.NewPGRepository(db, log.Logger),
		Messages:     message.NewPGRepository(db, log.Logger),
		Events:       event.NewPGRepository(db, log.Logger),
		Artifacts:    artifact.NewPGRepository(db, log.Logger),
		Sandboxes:    sandbox.NewPGRepository(db, log.Logger),
		Secrets:      secrets.NewService(secrets.NewPGRepository(db, log.Logger), cfg.MasterKey, log.Logger),
		Provider:     modal.New(cfg.ProviderURL, cfg.ProviderAuthToken, cfg.OutboundHTTPTimeout, log.Logger),
		GitHost:      githost.NewClient(log.Logger),
		Identity:     appAuth,
		Notifier:     callback.NewNotifier(cfg.CallbackURL, cfg.CallbackSecret, cfg.OutboundHTTPTimeout, log.Logger),
		Log:          log.Logger,
	}

	registry := coordinator.NewRegistry(deps, gateway.NewPGMappingRepository(db), presence.NewStore(rdb))

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Particl Coordinator",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			msg := "An internal error occurred"
			code := protocol.InternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				msg = e.Message
				if status == fiber.StatusNotFound {
					code = protocol.SessionNotFound
				}
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, code, msg)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	// Register routes
	handler := api.NewHandler(registry, deps)
	handler.RegisterRoutes(app, &api.HealthHandler{DB: db, Valkey: rdb})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down coordinator")
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Coordinator listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
