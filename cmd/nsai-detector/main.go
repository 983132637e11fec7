package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/drblury/nsai"
)

func main() {
	conf := nsai.DefaultConfig()
	nsai.ConfigFromEnv(&conf)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: nsai.ParseLogLevel(os.Getenv("NSAI_LOG_LEVEL")),
	})
	logger := nsai.NewSlogServiceLogger(slog.New(handler))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := nsai.NewService(&conf, logger, nsai.ServiceDependencies{
		Hooks: nsai.LoggingHooks(logger),
	})
	if err != nil {
		logger.Error("Failed to create detector", err, nil)
		os.Exit(1)
	}

	if err := svc.Start(ctx); err != nil {
		logger.Error("Detector exited with error", err, nil)
		stop()
		os.Exit(1)
	}
}
