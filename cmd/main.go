package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/meetscribe/transcriber/adapters/gateway"
	"github.com/meetscribe/transcriber/internal/api"
	"github.com/meetscribe/transcriber/internal/auth"
	"github.com/meetscribe/transcriber/internal/config"
	"github.com/meetscribe/transcriber/internal/controller"
	"github.com/meetscribe/transcriber/internal/session"
	"github.com/meetscribe/transcriber/internal/telemetry"
	"github.com/meetscribe/transcriber/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	tokenFor := flag.String("agent-token", "", "print an agent token for this user id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := telemetry.NewLogger(cfg.Telemetry.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tokens := auth.NewTokenIssuer(cfg.Auth.JWTSecret)
	if *tokenFor != "" {
		token, err := tokens.GenerateAgentToken(*tokenFor)
		if err != nil {
			logger.Fatal("Failed to generate token", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg, tokens, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(cfg config.Config, tokens *auth.TokenIssuer, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	metrics, err := telemetry.SetupMetrics(cfg.Telemetry.MetricsEnabled, logger)
	if err != nil {
		return err
	}
	sessionMetrics, err := session.NewMetrics(metrics.Meter("transcriber/session"))
	if err != nil {
		return err
	}

	// Initialize adapters
	gw, err := gateway.Open(ctx, cfg.Gateway, clk, logger)
	if err != nil {
		return err
	}
	engines, err := controller.NewEngines(cfg, clk, logger)
	if err != nil {
		return err
	}

	ctrl := controller.New(controller.Deps{
		Config:  cfg,
		Engines: engines,
		Gateway: gw,
		Metrics: sessionMetrics,
		Clock:   clk,
	}, logger.Named("controller"))

	// Initialize WebSocket hub with the tab registry
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := websocket.NewHub(ctrl, cfg.Server.CORSOrigins, logger.Named("websocket"))
	go hub.Run(hubCtx)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	corsConfig := middleware.DefaultCORSConfig
	if len(cfg.Server.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.CORSOrigins
	}
	e.Use(middleware.CORSWithConfig(corsConfig))

	// Initialize API routes
	api.InitRoutes(e, api.Deps{
		ServiceName:  cfg.ServiceName,
		Controller:   ctrl,
		Hub:          hub,
		Tokens:       tokens,
		AuthRequired: cfg.Auth.Required,
		Metrics:      metrics.Handler(),
		Logger:       logger.Named("api"),
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(":" + strconv.Itoa(cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	logger.Info("Server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("gateway", cfg.Gateway.Mode),
		zap.String("streaming", cfg.Streaming.Provider))

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("HTTP server failed", zap.Error(err))
	}

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	// Stopping every session emits the final checkpoints before the gateway drains
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error("Sessions did not stop cleanly", zap.Error(err))
	}
	stopHub()
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Error("Gateway did not drain", zap.Error(err))
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown failed", zap.Error(err))
	}
	return nil
}
