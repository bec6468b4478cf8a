package dig

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port             int
	storeDSN         string
	learningInterval *time.Duration
	logger           *slog.Logger
	version          string
	scorer           ConfidenceScorer
	middlewares      []Middleware
}

// WithPort overrides the TCP port from config (DIG_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStoreDSN overrides the store location from config (DIG_STORE_DSN env
// var): memory://, sqlite://path or a postgres:// URL.
func WithStoreDSN(dsn string) Option {
	return func(o *resolvedOptions) { o.storeDSN = dsn }
}

// WithLearningInterval overrides how often learnings are derived
// (DIG_LEARNING_INTERVAL env var). Zero turns derivation off.
func WithLearningInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.learningInterval = &d }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint, the
// MCP handshake and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithConfidenceScorer replaces the n/(n+10) confidence given to derived
// learnings. Only the last call wins.
func WithConfidenceScorer(s ConfidenceScorer) Option {
	return func(o *resolvedOptions) { o.scorer = s }
}

// WithMiddleware registers an outermost HTTP middleware. Middlewares apply
// in registration order: the first registered sees every request first.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
