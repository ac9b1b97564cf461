package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/revcycle/internal/config"
	"github.com/ehr/revcycle/internal/domain/billing"
	"github.com/ehr/revcycle/internal/exitcode"
	"github.com/ehr/revcycle/internal/platform/auth"
	"github.com/ehr/revcycle/internal/platform/db"
	"github.com/ehr/revcycle/internal/platform/middleware"
	"github.com/ehr/revcycle/migrations"
)

const version = "0.1.0"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the billing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := loadApp(ctx, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.cfg.IsDev() {
		rt.log.Warn().Msg("ENV=development: DevAuthMiddleware is active and every request without a token gets admin access")
	}

	svc, err := rt.service(ctx)
	if err != nil {
		return err
	}

	e := newServer(rt.cfg, rt.log, svc, db.HealthHandler(rt.pool, db.NewMigratorFS(rt.pool, migrations.FS)))

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + rt.cfg.Port
		rt.log.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return withCode(exitcode.UsageError, err)
	}

	rt.log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		rt.log.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	rt.log.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with the middleware chain and routes.
// dbHealth may be nil when no database is attached.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *billing.Service, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.RemittanceBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, middleware.RemittancePath))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if dbHealth != nil {
		e.GET("/health/db", dbHealth)
	}

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	rateLimitCfg.ImportsPerMinute = cfg.RateLimitImportsPerMinute
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	billing.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}
