package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v6"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nextrelay/bedrock-proxy/common"
	"github.com/nextrelay/bedrock-proxy/common/client"
	"github.com/nextrelay/bedrock-proxy/common/config"
	"github.com/nextrelay/bedrock-proxy/common/graceful"
	"github.com/nextrelay/bedrock-proxy/common/logger"
	"github.com/nextrelay/bedrock-proxy/middleware"
	"github.com/nextrelay/bedrock-proxy/monitor"
	"github.com/nextrelay/bedrock-proxy/relay/controller"
	"github.com/nextrelay/bedrock-proxy/router"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	common.Init()

	if err := logger.SetupEnhancedLogger(ctx); err != nil {
		logger.Logger.Fatal("setup logger", zap.Error(err))
	}

	logger.Logger.Info("bedrock proxy started", zap.String("version", common.Version))

	if config.GinMode != gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger.Logger.Info("loaded configuration", zap.Stringer("config", cfg))
	switch {
	case cfg.AccessKeyID != "":
		logger.Logger.Info("signing with static credentials", logger.Secret("access_key_id", cfg.AccessKeyID))
	case !cfg.UseDefaultCredentials:
		logger.Logger.Warn("no bedrock credentials configured, upstream will reject signed requests")
	}

	client.Init()

	var opt router.Options
	var metrics *monitor.RelayMetrics
	if config.EnablePrometheusMetrics {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = monitor.NewRelayMetrics(registry)
		opt.Gatherer = registry
		logger.Logger.Info("Prometheus metrics endpoint available at /metrics")
	}
	opt.CORSAllowOrigins = config.CORSAllowOrigins

	relay, err := controller.NewBedrockRelay(ctx, cfg,
		middleware.NewAuthenticator(cfg.AccessCodes, cfg.HideUserAPIKey),
		client.HTTPClient, metrics)
	if err != nil {
		logger.Logger.Fatal("failed to build bedrock relay", zap.Error(err))
	}
	logger.Logger.Info("relaying to upstream", zap.String("base_url", relay.BaseURL()))

	logLevel := glog.LevelInfo
	if config.DebugEnabled {
		logLevel = glog.LevelDebug
	}

	// Initialize HTTP server
	server := gin.New()
	server.RedirectTrailingSlash = false
	server.Use(
		gin.Recovery(),
		gmw.NewLoggerMiddleware(
			gmw.WithLoggerMwColored(),
			gmw.WithLevel(logLevel.String()),
			gmw.WithLogger(logger.Component("gin")),
		),
	)
	// gzip would buffer the event stream, keep it off
	server.Use(middleware.RequestId())
	router.SetRelayRouter(server, cfg.MountPath, relay, opt)

	port := config.ServerPort
	if port == "" {
		port = strconv.Itoa(*common.Port)
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           server,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       cfg.RelayTimeout + 30*time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Logger.Info("server started", zap.String("address", "http://localhost:"+port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen and serve")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Logger.Info("shutting down, draining relays")
		graceful.SetDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(config.ShutdownTimeoutSec)*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Logger.Error("http server shutdown", zap.Error(err))
		}
		return graceful.Drain(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logger.Logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Logger.Info("server stopped")
}
