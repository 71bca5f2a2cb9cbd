package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"task-api/api"
	"task-api/config"
	"task-api/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the task HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, newLogger(cfg))
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	store, err := storage.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close(ctx)
			return fmt.Errorf("ensure schema: %w", err)
		}
	}

	shutdownTracing, err := setupTracing(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		_ = store.Close(ctx)
		return err
	}

	var authn api.Authenticator
	var auth *api.Auth
	if cfg.Auth.Enabled() {
		auth, err = api.NewAuth(api.AuthOptions{
			Domain:       cfg.Auth.Domain,
			Audience:     cfg.Auth.Audience,
			HMACSecret:   cfg.Auth.HMACSecret,
			JWKSCacheTTL: cfg.Auth.JWKSCacheTTL,
		})
		if err != nil {
			_ = store.Close(ctx)
			return err
		}
		authn = auth
	} else {
		logger.Warn("auth not configured; GET /user is disabled")
	}

	e := newServer(cfg, store, authn, logger)
	go func() {
		logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "driver": cfg.Store.Driver}).Info("task api listening")
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http server stopped")
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		serviceName: func(ctx context.Context) error {
			logger.Info("graceful shutdown initiated")
			var errs []error
			if err := e.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http: %w", err))
			}
			if err := shutdownTracing(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracing: %w", err))
			}
			if auth != nil {
				auth.Close()
			}
			if err := store.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("store: %w", err))
			}
			return errors.Join(errs...)
		},
	})

	if code := <-wait; code != 0 {
		return fmt.Errorf("shutdown finished with exit code %d", code)
	}
	logger.Info("task api stopped")
	return nil
}

func newServer(cfg *config.Config, store api.Storage, auth api.Authenticator, logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	if cfg.PprofEnabled {
		pprof.Register(e)
	}
	api.Register(e, store, auth, logger, api.Options{
		RoutePrefix: cfg.RoutePrefix,
		BodyLimit:   cfg.BodyLimit,
	})
	return e
}
