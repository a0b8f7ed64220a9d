// Command oauthd runs the portal OAuth provider as a standalone HTTP server
// backed by the in-memory or Valkey store.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	oauth "github.com/openmodeling/portal-oauth"
	"github.com/openmodeling/portal-oauth/instrumentation"
	"github.com/openmodeling/portal-oauth/scope"
	"github.com/openmodeling/portal-oauth/security"
	"github.com/openmodeling/portal-oauth/storage"
	"github.com/openmodeling/portal-oauth/storage/memory"
	"github.com/openmodeling/portal-oauth/storage/valkey"
)

// config is the process environment, loaded from the environment with an
// optional .env overlay for development.
type config struct {
	ListenAddr string `env:"OAUTHD_LISTEN_ADDR" envDefault:":8080"`

	// Issuer is advertised in discovery metadata. Empty derives it from the
	// request host.
	Issuer string `env:"OAUTHD_ISSUER"`

	// StorageBackend selects "memory" or "valkey".
	StorageBackend string `env:"OAUTHD_STORAGE" envDefault:"memory"`

	ValkeyAddress  string `env:"OAUTHD_VALKEY_ADDR" envDefault:"localhost:6379"`
	ValkeyPassword string `env:"OAUTHD_VALKEY_PASSWORD"`
	ValkeyDB       int    `env:"OAUTHD_VALKEY_DB" envDefault:"0"`
	ValkeyPrefix   string `env:"OAUTHD_VALKEY_PREFIX" envDefault:"oauth:"`

	AccessTokenTTL    time.Duration `env:"OAUTHD_ACCESS_TOKEN_TTL" envDefault:"1h"`
	GrantTTL          time.Duration `env:"OAUTHD_GRANT_TTL" envDefault:"100s"`
	BootstrapTokenTTL time.Duration `env:"OAUTHD_BOOTSTRAP_TOKEN_TTL" envDefault:"24h"`

	// EncryptionKey enables token encryption at rest when set (hex, 32 bytes).
	EncryptionKey string `env:"OAUTHD_ENCRYPTION_KEY"`

	// RateLimitRPS throttles protected endpoints per client. Zero disables.
	RateLimitRPS   float64 `env:"OAUTHD_RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int     `env:"OAUTHD_RATE_LIMIT_BURST" envDefault:"20"`

	TracingEnabled bool   `env:"OAUTHD_TRACING_ENABLED" envDefault:"false"`
	LogLevel       string `env:"OAUTHD_LOG_LEVEL" envDefault:"info"`

	ShutdownTimeout time.Duration `env:"OAUTHD_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("oauthd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a development convenience; the environment always wins.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "oauthd",
		Enabled:     cfg.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, cleanup, err := newStore(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer cleanup()

	engine := oauth.NewEngine(store, newScopeRegistry(), oauth.Config{
		Issuer:            cfg.Issuer,
		AccessTokenTTL:    cfg.AccessTokenTTL,
		GrantTTL:          cfg.GrantTTL,
		BootstrapTokenTTL: cfg.BootstrapTokenTTL,
		Logger:            logger,
	})
	engine.SetInstrumentation(inst)

	handler := oauth.NewHandler(engine, resolveOwner, logger)
	handler.SetInstrumentation(inst)
	if cfg.RateLimitRPS > 0 {
		limiter := security.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0, logger)
		defer limiter.Stop()
		handler.SetRateLimiter(limiter)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/oauth2/authorize", handler.ServeAuthorization)
	r.Post("/oauth2/authorize", handler.ServeAuthorization)
	r.Post("/oauth2/token", handler.ServeToken)
	r.Post("/oauth2/revoke", handler.ServeTokenRevocation)
	r.Post("/oauth2/bootstrap", handler.ServeBootstrap)
	r.Get("/.well-known/oauth-authorization-server", handler.ServeMetadata)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("oauthd listening", "addr", cfg.ListenAddr, "storage", cfg.StorageBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newStore builds the selected storage backend and its teardown.
func newStore(cfg config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	var enc *security.Encryptor
	if cfg.EncryptionKey != "" {
		key, err := decodeHexKey(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		enc, err = security.NewEncryptor(key)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build encryptor: %w", err)
		}
	}

	switch cfg.StorageBackend {
	case "memory":
		s := memory.New()
		s.SetLogger(logger)
		s.SetInstrumentation(inst)
		if enc != nil {
			s.SetEncryptor(enc)
		}
		return s, s.Stop, nil

	case "valkey":
		s, err := valkey.New(valkey.Config{
			Address:   cfg.ValkeyAddress,
			Password:  cfg.ValkeyPassword,
			DB:        cfg.ValkeyDB,
			KeyPrefix: cfg.ValkeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		if enc != nil {
			s.SetEncryptor(enc)
		}
		return s, s.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// newScopeRegistry builds the process-wide scope catalog. Registered once at
// startup; the engine never mutates it.
func newScopeRegistry() *scope.Registry {
	r := scope.NewRegistry()
	r.MustRegister(scope.Scope{ID: "read", HelpText: "Read your data", Group: "data"})
	r.MustRegister(scope.Scope{ID: "write", HelpText: "Modify your data", Group: "data"})
	r.MustRegister(scope.Scope{ID: "profile", HelpText: "Read your profile", Group: "account"})
	r.MustRegister(scope.Scope{ID: "admin", HelpText: "Administrative access", Group: "system", Internal: true})
	return r
}

// resolveOwner is the standalone server's identity hook. Without an account
// system in front of it, every caller is anonymous; deployments embed the
// library and supply their own resolver.
func resolveOwner(r *http.Request) (oauth.ResourceOwner, error) {
	return nil, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func decodeHexKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}
