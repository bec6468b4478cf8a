package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshMargin is how long before expiry a cached token is replaced.
const refreshMargin = 30 * time.Second

// credentials trades a named API key for a bearer token via POST /auth/token.
// Concurrent callers that find the cache stale share a single exchange.
type credentials struct {
	endpoint string
	name     string
	key      string
	hc       *http.Client

	flight singleflight.Group

	mu     sync.RWMutex
	bearer string
	until  time.Time
}

func newCredentials(baseURL, name, key string, hc *http.Client) *credentials {
	return &credentials{endpoint: baseURL + "/auth/token", name: name, key: key, hc: hc}
}

func (c *credentials) cached(now time.Time) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bearer, c.bearer != "" && now.Before(c.until.Add(-refreshMargin))
}

// token returns a bearer token valid for at least refreshMargin.
func (c *credentials) token(ctx context.Context) (string, error) {
	if t, ok := c.cached(time.Now()); ok {
		return t, nil
	}
	v, err, _ := c.flight.Do("token", func() (any, error) {
		if t, ok := c.cached(time.Now()); ok {
			return t, nil
		}
		t, until, err := c.exchange(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.bearer, c.until = t, until
		c.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// reset forgets the cached token, e.g. after the server answered 401.
func (c *credentials) reset() {
	c.mu.Lock()
	c.bearer, c.until = "", time.Time{}
	c.mu.Unlock()
}

func (c *credentials) exchange(ctx context.Context) (string, time.Time, error) {
	payload, err := json.Marshal(map[string]string{"name": c.name, "api_key": c.key})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("dig: encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("dig: token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("dig: token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("dig: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, parseErrorResponse(resp.StatusCode, raw)
	}

	var out struct {
		Data struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", time.Time{}, fmt.Errorf("dig: decode token response: %w", err)
	}
	if out.Data.Token == "" {
		return "", time.Time{}, fmt.Errorf("dig: token response carried no token")
	}
	return out.Data.Token, out.Data.ExpiresAt, nil
}
