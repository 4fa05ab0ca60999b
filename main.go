package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nethesis/matrix2irc/api"
	"github.com/nethesis/matrix2irc/logger"
	"github.com/nethesis/matrix2irc/service"
)

func main() {
	// The logger must be up before configuration loading starts logging.
	logger.Init(logger.LevelInfo)

	cfg, err := service.NewConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(logger.Level(cfg.LogLevel))
	logger.Info().Str("level", cfg.LogLevel).Msg("logger initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := service.NewGateway(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize gateway")
	}

	e := echo.New()
	e.HideBanner = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	api.RegisterRoutes(e, gw, cfg.AdminToken)

	go func() {
		logger.Info().Str("port", cfg.AdminPort).Msg("starting admin API")
		if err := e.Start(":" + cfg.AdminPort); err != nil {
			logger.Error().Err(err).Msg("admin API stopped")
		}
	}()

	if err := gw.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("IRC listener stopped")
	}

	if err := e.Shutdown(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("admin API shutdown failed")
	}
}
