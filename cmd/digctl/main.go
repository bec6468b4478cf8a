// Command digctl is the command-line client for a DIG server: it imports
// event files, inspects traces and computes survival rates.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/dig/client"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	url      string
	name     string
	apiKey   string
	timeout  time.Duration
	output   string
	logLevel string

	logger *slog.Logger
	api    *client.Client
}

func rootCmd() *cobra.Command {
	// Load .env file if present so DIG_URL and credentials can come from it.
	_ = godotenv.Load()

	g := &globals{}
	cmd := &cobra.Command{
		Use:   "digctl",
		Short: "Command-line client for the DIG event store",
		Long: `digctl talks to a DIG server over its HTTP API.

It imports JSON or YAML event files, fetches events and change traces,
computes production survival rates and matches learnings against changes.

Credentials come from --name/--api-key or DIG_NAME/DIG_API_KEY; leave
them unset for a server running without authentication.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup(cmd)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&g.url, "url", envOr("DIG_URL", "http://localhost:8080"), "DIG server URL (DIG_URL)")
	f.StringVar(&g.name, "name", os.Getenv("DIG_NAME"), "credential name (DIG_NAME)")
	f.StringVar(&g.apiKey, "api-key", os.Getenv("DIG_API_KEY"), "API key (DIG_API_KEY)")
	f.DurationVar(&g.timeout, "timeout", 30*time.Second, "per-request timeout")
	f.StringVarP(&g.output, "output", "o", "auto", "output format: auto, json or table")
	f.StringVar(&g.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		importCmd(g),
		getCmd(g),
		traceCmd(g),
		eventsCmd(g),
		psrCmd(g),
		matchCmd(g),
		learningsCmd(g),
		healthCmd(g),
		keygenCmd(),
		apikeyCmd(),
		versionCmd(g),
	)
	return cmd
}

func (g *globals) setup(cmd *cobra.Command) error {
	level := slog.LevelWarn
	switch strings.ToLower(g.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	switch g.output {
	case "auto", "json", "table":
	default:
		return fmt.Errorf("unknown output format %q (want auto, json or table)", g.output)
	}
	return nil
}

// client builds the API client on first use so commands that never reach the
// server do not need credentials.
func (g *globals) client() (*client.Client, error) {
	if g.api != nil {
		return g.api, nil
	}
	c, err := client.New(client.Config{
		BaseURL: g.url,
		Name:    g.name,
		APIKey:  g.apiKey,
		Timeout: g.timeout,
	})
	if err != nil {
		return nil, err
	}
	g.logger.Debug("digctl: client ready", "url", g.url, "authenticated", g.name != "")
	g.api = c
	return c, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
