// Command engagement runs the points, posts, reactions and feed API.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/engagement_layer/internal/app/runtime"
	"github.com/R3E-Network/engagement_layer/internal/config"
	"github.com/R3E-Network/engagement_layer/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("engagement").WithError(err).Fatal("load configuration")
	}
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	}).Named("engagement")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.NewApplication(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("build runtime")
	}
	if err := rt.Run(ctx); err != nil {
		log.WithError(err).Error("runtime stopped with error")
	}

	log.Info("shutting down")
	if err := rt.Shutdown(context.WithoutCancel(ctx)); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	log.Info("stopped")
}
