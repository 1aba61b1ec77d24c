package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/menta2k/backdrop"
	"github.com/menta2k/backdrop/internal/handler"
	"github.com/menta2k/backdrop/internal/logging"
	"github.com/menta2k/backdrop/internal/middleware"
)

var (
	Version   = backdrop.Version
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := backdrop.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Mode, cfg.Log.Level)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync(logger)

	logger.Info("starting backdrop server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := backdrop.New(ctx, cfg, backdrop.Options{Logger: logger})
	if err != nil {
		logger.Fatal("failed to initialize service", zap.Error(err))
	}
	defer svc.Close()

	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))

	r.Static(cfg.Store.URLPrefix, cfg.Store.Root)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"git_commit": GitCommit,
			"engine":     cfg.Pipeline.Engine,
		})
	})

	api := r.Group("/api/v1")
	handler.NewJobHandler(svc.Jobs(), cfg.Server.MaxUpload, logger).Register(api)

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs did not finish before shutdown", zap.Error(err))
	}
}
