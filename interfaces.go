package dig

import "net/http"

// ConfidenceScorer maps the labeled sample size behind a derived learning to
// a confidence in [0, 1]. It must be monotonic non-decreasing in sampleSize.
type ConfidenceScorer func(sampleSize int) float64

// Middleware wraps the root HTTP handler. It runs outside routing, so it
// sees every request including /health and /mcp.
type Middleware func(http.Handler) http.Handler
