package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"security-core/internal/app"
	"security-core/internal/auth"
	"security-core/internal/config"
	"security-core/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	zap.ReplaceGlobals(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Fatal("auth init failed", zap.Error(err))
	}

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Fatal("app init failed", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("close failed", zap.Error(err))
		}
	}()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, routeDeps{
		handlers: a.Handlers(),
		metrics:  a.Metrics.Handler(),
		ready:    a.Ready,
	}, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.App.Env),
			zap.String("rate_limit_backend", cfg.RateLimit.Backend),
			zap.Bool("kafka", cfg.Kafka.Enabled()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}

	_ = logger.ShutdownFlush(shutdownCtx, log, 2*time.Second)
}
