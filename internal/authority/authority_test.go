package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/visitauth/internal/domain/errs"
	"github.com/clinicops/visitauth/internal/domain/verification"
	"github.com/clinicops/visitauth/pkg/circuitbreaker"
)

// fakeAuthority serves the token and verification endpoints
type fakeAuthority struct {
	tokenCalls  atomic.Int32
	verifyCalls atomic.Int32

	mu          sync.Mutex
	tokenSeq    int
	validTokens map[string]bool
	expiresIn   any
	tokenDelay  time.Duration
	verify      func(w http.ResponseWriter, r *http.Request)
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{validTokens: map[string]bool{}, expiresIn: 3600}
}

func (f *fakeAuthority) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		if f.tokenDelay > 0 {
			time.Sleep(f.tokenDelay)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("client_secret") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.tokenSeq++
		tok := fmt.Sprintf("token-%d", f.tokenSeq)
		f.validTokens[tok] = true
		exp := f.expiresIn
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": tok, "token_type": "bearer", "expires_in": exp,
		})
	})
	mux.HandleFunc("/eligibility/verify", func(w http.ResponseWriter, r *http.Request) {
		f.verifyCalls.Add(1)
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		f.mu.Lock()
		ok := f.validTokens[tok]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.verify(w, r)
	})
	return mux
}

func (f *fakeAuthority) revokeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validTokens = map[string]bool{}
}

func respond(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, fa *fakeAuthority, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration) (*Client, *TokenCache) {
	t.Helper()
	srv := httptest.NewServer(fa.handler())
	t.Cleanup(srv.Close)

	cache := NewTokenCache(NewHTTPFetcher(srv.Client(), srv.URL+"/oauth/token", "facility-01", "s3cret"),
		60*time.Second, time.Second, nil, nil)
	client := NewClient(ClientConfig{
		BaseURL:      srv.URL,
		VerifyPath:   "/eligibility/verify",
		FacilityCode: "FAC-01",
		Timeout:      timeout,
	}, cache, srv.Client(), breaker, nil)
	return client, cache
}

func normalRequest() Request {
	return Request{CardNo: "CARD-123456", VisitType: verification.VisitTypeNormal}
}

func TestVerifyAccepted(t *testing.T) {
	fa := newFakeAuthority()
	var got verifyRequest
	fa.verify = func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		respond(http.StatusOK, `{"outcome":"approved","authorizationNo":"AUTH-100200","cardStatus":"ACTIVE","memberName":"J. Doe"}`)(w, r)
	}
	client, _ := newTestClient(t, fa, nil, 2*time.Second)

	res, err := client.Verify(context.Background(), normalRequest())
	require.NoError(t, err)
	assert.Equal(t, verification.OutcomeAccepted, res.Outcome)
	assert.Equal(t, "AUTH-100200", res.AuthorizationNo)
	assert.Equal(t, "J. Doe", res.MemberName)
	assert.NotEmpty(t, res.Raw)
	assert.Equal(t, "FAC-01", got.FacilityCode)
	assert.Equal(t, "NORMAL", got.VisitTypeID)
}

func TestVerifyOutcomeMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    verification.Outcome
		wantErr error
	}{
		{"rejected", 200, `{"outcome":"REJECTED","remarks":"card inactive"}`, verification.OutcomeRejected, nil},
		{"declined alias", 200, `{"outcome":"declined"}`, verification.OutcomeRejected, nil},
		{"pending", 200, `{"outcome":"PENDING"}`, verification.OutcomePending, nil},
		{"not found", 404, `{"remarks":"no such card"}`, verification.OutcomeUnknown, nil},
		{"bad request", 400, `{"remarks":"card checksum"}`, verification.OutcomeInvalid, nil},
		{"server error", 503, `oops`, "", ErrServiceUnavailable},
		{"garbage body", 200, `<html>`, "", ErrServiceUnavailable},
		{"unknown outcome", 200, `{"outcome":"MAYBE"}`, "", ErrServiceUnavailable},
		{"html 404", 404, `not here`, "", ErrServiceUnavailable},
		{"teapot", 418, `{}`, "", ErrServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := newFakeAuthority()
			fa.verify = respond(tt.status, tt.body)
			client, _ := newTestClient(t, fa, nil, 2*time.Second)

			res, err := client.Verify(context.Background(), normalRequest())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Empty(t, res.AuthorizationNo)
		})
	}
}

func TestVerifyRejectedKeepsRemarks(t *testing.T) {
	fa := newFakeAuthority()
	fa.verify = respond(200, `{"outcome":"REJECTED","authorizationNo":"SHOULD-DROP","remarks":"card inactive"}`)
	client, _ := newTestClient(t, fa, nil, 2*time.Second)

	res, err := client.Verify(context.Background(), normalRequest())
	require.NoError(t, err)
	assert.Equal(t, "card inactive", res.Remarks)
	assert.Empty(t, res.AuthorizationNo)
}

type countingTokens struct{ calls atomic.Int32 }

func (c *countingTokens) ValidToken(context.Context) (*Token, error) {
	c.calls.Add(1)
	return &Token{AccessToken: "x"}, nil
}

func (c *countingTokens) Refresh(context.Context, *Token) (*Token, error) {
	c.calls.Add(1)
	return &Token{AccessToken: "y"}, nil
}

func TestLocalValidationSkipsTokenCache(t *testing.T) {
	tokens := &countingTokens{}
	client := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"}, tokens, nil, nil, nil)

	tests := []Request{
		{CardNo: "CARD-123456", VisitType: verification.VisitTypeReferral},
		{CardNo: "CARD-123456", VisitType: verification.VisitTypeFollowUp, ReferralNo: "  "},
		{CardNo: "12 34", VisitType: verification.VisitTypeNormal},
		{CardNo: "CARD-123456", VisitType: "DENTAL"},
	}
	for _, req := range tests {
		_, err := client.Verify(context.Background(), req)
		var ve *errs.ValidationError
		assert.True(t, errors.As(err, &ve), "request %+v: got %v", req, err)
	}
	assert.Equal(t, int32(0), tokens.calls.Load())
}

func TestRejectedTokenIsRefreshedOnce(t *testing.T) {
	fa := newFakeAuthority()
	fa.verify = respond(200, `{"outcome":"ACCEPTED","authorizationNo":"AUTH-1"}`)
	client, cache := newTestClient(t, fa, nil, 2*time.Second)

	_, err := client.Verify(context.Background(), normalRequest())
	require.NoError(t, err)
	require.Equal(t, int32(1), fa.tokenCalls.Load())

	fa.revokeAll()
	res, err := client.Verify(context.Background(), normalRequest())
	require.NoError(t, err)
	assert.Equal(t, verification.OutcomeAccepted, res.Outcome)
	assert.Equal(t, int32(2), fa.tokenCalls.Load())
	assert.Equal(t, int32(3), fa.verifyCalls.Load())

	tok, err := cache.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok.AccessToken)
}

func TestPersistentAuthRejectionSurfacesAuthFailure(t *testing.T) {
	fa := newFakeAuthority()
	fa.verify = respond(http.StatusForbidden, ``)
	client, _ := newTestClient(t, fa, nil, 2*time.Second)

	_, err := client.Verify(context.Background(), normalRequest())
	assert.ErrorIs(t, err, ErrAuthFailure)
	assert.Equal(t, int32(2), fa.tokenCalls.Load())
	assert.Equal(t, int32(2), fa.verifyCalls.Load())
}

func TestTimeoutIsServiceUnavailable(t *testing.T) {
	fa := newFakeAuthority()
	fa.verify = func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	client, _ := newTestClient(t, fa, nil, 100*time.Millisecond)

	start := time.Now()
	_, err := client.Verify(context.Background(), normalRequest())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOpenBreakerFailsFastWithoutTokenFetch(t *testing.T) {
	fa := newFakeAuthority()
	fa.verify = respond(http.StatusBadGateway, ``)

	cfg := circuitbreaker.DefaultConfig("authority")
	cfg.FailureThreshold = 2
	cfg.IsFailure = IsTransportFailure
	breaker, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	client, _ := newTestClient(t, fa, breaker, 2*time.Second)
	for i := 0; i < 2; i++ {
		_, err := client.Verify(context.Background(), normalRequest())
		assert.ErrorIs(t, err, ErrServiceUnavailable)
	}
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	verifyBefore := fa.verifyCalls.Load()
	tokensBefore := fa.tokenCalls.Load()
	_, err = client.Verify(context.Background(), normalRequest())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, verifyBefore, fa.verifyCalls.Load())
	assert.Equal(t, tokensBefore, fa.tokenCalls.Load())
}

func TestTokenCacheSingleFlight(t *testing.T) {
	fa := newFakeAuthority()
	fa.tokenDelay = 50 * time.Millisecond
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()

	cache := NewTokenCache(NewHTTPFetcher(srv.Client(), srv.URL+"/oauth/token", "facility-01", "s3cret"),
		60*time.Second, time.Second, nil, nil)

	const n = 32
	var wg sync.WaitGroup
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.ValidToken(context.Background())
			if assert.NoError(t, err) {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fa.tokenCalls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

// gatedFetcher holds its first fetch until release is closed
type gatedFetcher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) Fetch(context.Context) (*Token, error) {
	n := g.calls.Add(1)
	if n == 1 {
		close(g.started)
		<-g.release
	}
	return &Token{AccessToken: fmt.Sprintf("tok-%d", n), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func TestRefreshJoiningFlightOfRefusedTokenFetchesAgain(t *testing.T) {
	f := &gatedFetcher{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewTokenCache(f, 60*time.Second, time.Second, nil, nil)

	first := make(chan *Token, 1)
	go func() {
		tok, err := cache.ValidToken(context.Background())
		assert.NoError(t, err)
		first <- tok
	}()
	<-f.started

	// tok-1 is being fetched and has already been refused by the authority
	refreshed := make(chan *Token, 1)
	go func() {
		tok, err := cache.Refresh(context.Background(), &Token{AccessToken: "tok-1"})
		assert.NoError(t, err)
		refreshed <- tok
	}()
	time.Sleep(20 * time.Millisecond)
	close(f.release)

	assert.Equal(t, "tok-1", (<-first).AccessToken)
	assert.Equal(t, "tok-2", (<-refreshed).AccessToken)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestRefreshRacingValidTokenAfterRevocation(t *testing.T) {
	fa := newFakeAuthority()
	fa.expiresIn = 90
	fa.tokenDelay = 50 * time.Millisecond
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()

	cache := NewTokenCache(NewHTTPFetcher(srv.Client(), srv.URL+"/oauth/token", "facility-01", "s3cret"),
		60*time.Second, time.Second, nil, nil)
	now := time.Now()
	cache.now = func() time.Time { return now }

	stale, err := cache.ValidToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "token-1", stale.AccessToken)

	// token-1 drops inside the margin while the authority starts refusing it
	fa.revokeAll()
	fa.mu.Lock()
	fa.expiresIn = 3600
	fa.mu.Unlock()
	now = now.Add(40 * time.Second)

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n+1)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.ValidToken(context.Background())
			if assert.NoError(t, err) {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tok, err := cache.Refresh(context.Background(), stale)
		if assert.NoError(t, err) {
			tokens[n] = tok.AccessToken
		}
	}()
	wg.Wait()

	for _, tok := range tokens {
		assert.Equal(t, "token-2", tok)
	}
	assert.Equal(t, int32(2), fa.tokenCalls.Load())
}

func TestTokenCacheSafetyMargin(t *testing.T) {
	fa := newFakeAuthority()
	fa.expiresIn = "90" // string form, as some authorities send it
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()

	cache := NewTokenCache(NewHTTPFetcher(srv.Client(), srv.URL+"/oauth/token", "facility-01", "s3cret"),
		60*time.Second, time.Second, nil, nil)
	now := time.Now()
	cache.now = func() time.Time { return now }

	tok, err := cache.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)

	now = now.Add(20 * time.Second)
	tok, err = cache.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok.AccessToken)

	// 90s lifetime, 60s margin: stale after 30s
	now = now.Add(15 * time.Second)
	tok, err = cache.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok.AccessToken)
	assert.Equal(t, int32(2), fa.tokenCalls.Load())
}

func TestTokenFetchBadCredentials(t *testing.T) {
	fa := newFakeAuthority()
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()

	cache := NewTokenCache(NewHTTPFetcher(srv.Client(), srv.URL+"/oauth/token", "facility-01", "wrong"),
		60*time.Second, time.Second, nil, nil)
	_, err := cache.ValidToken(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailure)
}

func TestTokenFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cache := NewTokenCache(NewHTTPFetcher(nil, url+"/oauth/token", "facility-01", "s3cret"),
		60*time.Second, time.Second, nil, nil)
	_, err := cache.ValidToken(context.Background())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}
