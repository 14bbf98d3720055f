// Package authority is the protocol adapter for the national insurance authority:
// a process-wide token cache and the card verification client.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/clinicops/visitauth/internal/observability/metrics"
)

var (
	// ErrAuthFailure means the authority rejected the facility credentials or a
	// freshly issued token.
	ErrAuthFailure = errors.New("insurance authority rejected credentials")
	// ErrServiceUnavailable covers timeouts, network errors, 5xx responses, an open
	// breaker and responses that do not follow the contract.
	ErrServiceUnavailable = errors.New("insurance service unavailable")
)

// Token is an access credential for the authority
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	FetchedAt   time.Time
}

func (t *Token) validAt(now time.Time, margin time.Duration) bool {
	return t != nil && t.AccessToken != "" && t.ExpiresAt.Sub(now) > margin
}

// Fetcher obtains a new token from the authority
type Fetcher interface {
	Fetch(ctx context.Context) (*Token, error)
}

// TokenCache holds at most one token and fetches a new one on demand. Concurrent
// callers that find no valid token share a single fetch.
type TokenCache struct {
	fetcher      Fetcher
	margin       time.Duration
	fetchTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu      sync.RWMutex
	current *Token
	group   singleflight.Group
}

// NewTokenCache creates a cache. margin is how long before expiry a token stops
// being handed out; fetchTimeout bounds a single fetch.
func NewTokenCache(fetcher Fetcher, margin, fetchTimeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *TokenCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &TokenCache{
		fetcher:      fetcher,
		margin:       margin,
		fetchTimeout: fetchTimeout,
		logger:       logger,
		metrics:      m,
		now:          time.Now,
	}
}

// ValidToken returns the cached token while it is outside the safety margin,
// otherwise fetches a new one.
func (c *TokenCache) ValidToken(ctx context.Context) (*Token, error) {
	if t := c.cached(); t != nil {
		return t, nil
	}
	return c.load(ctx, func(*Token) bool { return true })
}

// Refresh replaces stale, a token the authority refused. If another caller has
// already replaced it the newer token is returned without a fetch.
func (c *TokenCache) Refresh(ctx context.Context, stale *Token) (*Token, error) {
	notStale := func(cur *Token) bool {
		return stale != nil && cur.AccessToken != stale.AccessToken
	}
	t, err := c.load(ctx, notStale)
	if err == nil && stale != nil && t.AccessToken == stale.AccessToken {
		// joined a flight that reused the refused token; run one of our own
		return c.load(ctx, notStale)
	}
	return t, err
}

func (c *TokenCache) cached() *Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current.validAt(c.now(), c.margin) {
		return c.current
	}
	return nil
}

func (c *TokenCache) load(ctx context.Context, reuse func(cur *Token) bool) (*Token, error) {
	ch := c.group.DoChan("token", func() (any, error) {
		if cur := c.cached(); cur != nil && reuse(cur) {
			return cur, nil
		}

		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()

		// the fetch outlives any single waiter so a cancelled caller does not fail the others
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		t, err := c.fetcher.Fetch(fctx)
		if err != nil {
			c.metrics.TokenFetch("error")
			c.logger.Warn("token fetch failed", zap.Error(err))
			return nil, err
		}
		if t.FetchedAt.IsZero() {
			t.FetchedAt = c.now()
		}

		c.mu.Lock()
		c.current = t
		c.mu.Unlock()

		c.metrics.TokenFetch("ok")
		c.logger.Info("authority token refreshed",
			zap.Time("expires_at", t.ExpiresAt),
			zap.String("token_type", t.TokenType))
		return t, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for token: %v", ErrServiceUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token), nil
	}
}

// HTTPFetcher posts a client_credentials grant to the authority's token endpoint
type HTTPFetcher struct {
	client       *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	now          func() time.Time
}

// NewHTTPFetcher creates a fetcher. client may be nil.
func NewHTTPFetcher(client *http.Client, tokenURL, clientID, clientSecret string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{
		client:       client,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		now:          time.Now,
	}
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   flexSeconds `json:"expires_in"`
}

// flexSeconds accepts expires_in as a JSON number or a quoted number
type flexSeconds int64

func (s *flexSeconds) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if raw == "" || raw == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("expires_in: %w", err)
	}
	*s = flexSeconds(n)
	return nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", f.clientID)
	form.Set("client_secret", f.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token endpoint: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %v", ErrServiceUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrAuthFailure, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrServiceUnavailable, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", ErrServiceUnavailable, err)
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: token response missing access_token or expires_in", ErrServiceUnavailable)
	}

	now := f.now()
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &Token{
		AccessToken: tr.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		FetchedAt:   now,
	}, nil
}
