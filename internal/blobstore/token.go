package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"keygate/internal/config"
)

// tokenTTL is how long an exchanged bearer token is served from cache.
// Kept shorter than the backend's own expiry so a cached token is always
// still valid upstream when we hand it out.
const tokenTTL = 4 * time.Hour

// TokenCache caches the backend bearer credential and refreshes it lazily
// once the TTL has elapsed. Concurrent callers during a miss may each
// trigger a refresh; refreshes are idempotent upstream so the last writer
// simply wins.
type TokenCache struct {
	cfg        config.BackendConfig
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	refreshes  metric.Int64Counter

	mu         sync.Mutex
	token      string
	obtainedAt time.Time
}

// NewTokenCache creates a token cache for the given backend credentials.
// refreshes counts successful exchanges; nil disables it.
func NewTokenCache(cfg config.BackendConfig, refreshes metric.Int64Counter, logger *slog.Logger) *TokenCache {
	return &TokenCache{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger.With(slog.String("component", "token_cache")),
		now:        time.Now,
		refreshes:  refreshes,
	}
}

// Token returns a valid bearer token, refreshing the cached credential
// when it has aged past the TTL. Returns *AuthError if the exchange fails.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Sub(c.obtainedAt) < tokenTTL {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	return c.refresh(ctx)
}

// refresh performs the refresh-token grant and replaces the cached
// credential on success.
func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {c.cfg.RefreshToken},
		"client_id":     {c.cfg.AppKey},
		"client_secret": {c.cfg.AppSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "token exchange request failed",
			slog.String("error", err.Error()))
		return "", &AuthError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.ErrorContext(ctx, "token exchange rejected",
			slog.Int("status", resp.StatusCode))
		return "", &AuthError{Err: fmt.Errorf("token endpoint returned status %d", resp.StatusCode)}
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &AuthError{Err: fmt.Errorf("decoding token response: %w", err)}
	}
	if body.AccessToken == "" {
		return "", &AuthError{Err: fmt.Errorf("token response contained no access_token")}
	}

	c.mu.Lock()
	c.token = body.AccessToken
	c.obtainedAt = c.now()
	c.mu.Unlock()

	if c.refreshes != nil {
		c.refreshes.Add(ctx, 1)
	}

	c.logger.InfoContext(ctx, "backend token refreshed",
		slog.String("ttl", tokenTTL.String()))

	return body.AccessToken, nil
}
