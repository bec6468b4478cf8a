// Command dig runs the DIG event store server.
//
// All configuration comes from DIG_* and OTEL_* environment variables, with
// a .env file in the working directory read first when present.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/dig"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	_ = godotenv.Load()

	logger, err := newLogger(os.Getenv("DIG_LOG_LEVEL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "dig:", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = serve(ctx, logger)
	stop()
	if err != nil {
		logger.Error("dig exited", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, logger *slog.Logger) error {
	app, err := dig.New(dig.WithLogger(logger), dig.WithVersion(version))
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// newLogger builds the JSON stdout logger. An empty level means info.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("DIG_LOG_LEVEL: %w", err)
		}
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}
