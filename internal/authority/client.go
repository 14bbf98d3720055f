package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clinicops/visitauth/internal/domain/errs"
	"github.com/clinicops/visitauth/internal/domain/verification"
	"github.com/clinicops/visitauth/internal/observability/tracing"
	"github.com/clinicops/visitauth/pkg/circuitbreaker"
)

// MaxTimeout caps a single verification round trip, token refresh and retry included
const MaxTimeout = 10 * time.Second

var cardPattern = regexp.MustCompile(`^[A-Za-z0-9-]{6,20}$`)

// Request is one card verification
type Request struct {
	CardNo     string
	VisitType  verification.VisitType
	ReferralNo string
	Remarks    string
}

// Validate normalizes r and checks it locally. Failures are *errs.ValidationError.
func (r *Request) Validate() error {
	r.CardNo = strings.TrimSpace(r.CardNo)
	r.ReferralNo = strings.TrimSpace(r.ReferralNo)
	r.Remarks = strings.TrimSpace(r.Remarks)

	if !cardPattern.MatchString(r.CardNo) {
		return errs.NewValidation("cardNo", "must be 6-20 letters, digits or dashes")
	}
	vt, ok := verification.ParseVisitType(string(r.VisitType))
	if !ok {
		return errs.NewValidation("visitTypeId", fmt.Sprintf("unknown visit type %q", r.VisitType))
	}
	r.VisitType = vt
	if vt.RequiresReferral() && r.ReferralNo == "" {
		return errs.NewValidation("referralNo", fmt.Sprintf("required for %s visits", vt))
	}
	return nil
}

// Result is the normalized authority answer
type Result struct {
	Outcome         verification.Outcome
	CardStatus      string
	AuthorizationNo string
	MemberName      string
	Remarks         string
	Raw             json.RawMessage
}

// TokenSource hands out authority tokens. *TokenCache implements it.
type TokenSource interface {
	ValidToken(ctx context.Context) (*Token, error)
	Refresh(ctx context.Context, stale *Token) (*Token, error)
}

// ClientConfig configures the verification endpoint
type ClientConfig struct {
	BaseURL      string
	VerifyPath   string
	FacilityCode string
	Timeout      time.Duration
	// RateLimit is the authority quota in requests per second; zero disables it
	RateLimit float64
	Burst     int
}

// Client verifies insurance cards against the authority
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	tokens  TokenSource
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a client. breaker and httpClient may be nil.
func NewClient(cfg ClientConfig, tokens TokenSource, httpClient *http.Client, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 || cfg.Timeout > MaxTimeout {
		cfg.Timeout = MaxTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		tokens:  tokens,
		breaker: breaker,
		limiter: limiter,
		logger:  logger,
		tracer:  tracing.Tracer("authority"),
	}
}

// IsTransportFailure reports whether err should count against the breaker
func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

// Verify performs one verification. A local validation failure is returned as
// *errs.ValidationError before any token is requested. Otherwise the error, if
// any, wraps ErrServiceUnavailable or ErrAuthFailure.
func (c *Client) Verify(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "authority.verify",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("visit_type", string(req.VisitType))))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		res *Result
		err error
	)
	if c.breaker != nil {
		var out any
		out, err = c.breaker.Execute(ctx, func() (any, error) { return c.verifyWithRetry(ctx, req) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
		}
		if r, ok := out.(*Result); ok {
			res = r
		}
	} else {
		res, err = c.verifyWithRetry(ctx, req)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("card verification failed",
			zap.String("card_no", verification.MaskedCard(req.CardNo)),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	c.logger.Info("card verified",
		zap.String("card_no", verification.MaskedCard(req.CardNo)),
		zap.String("outcome", string(res.Outcome)))
	return res, nil
}

var errUnauthorized = errors.New("authority refused token")

func (c *Client) verifyWithRetry(ctx context.Context, req Request) (*Result, error) {
	tok, err := c.tokens.ValidToken(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.post(ctx, tok, req)
	if !errors.Is(err, errUnauthorized) {
		return res, err
	}

	c.logger.Info("authority refused cached token, refreshing")
	tok, err = c.tokens.Refresh(ctx, tok)
	if err != nil {
		return nil, err
	}
	res, err = c.post(ctx, tok, req)
	if errors.Is(err, errUnauthorized) {
		return nil, fmt.Errorf("%w: token refused after refresh", ErrAuthFailure)
	}
	return res, err
}

type verifyRequest struct {
	CardNo       string `json:"cardNo"`
	VisitTypeID  string `json:"visitTypeId"`
	ReferralNo   string `json:"referralNo,omitempty"`
	Remarks      string `json:"remarks,omitempty"`
	FacilityCode string `json:"facilityCode"`
}

type verifyResponse struct {
	Outcome         string `json:"outcome"`
	AuthorizationNo string `json:"authorizationNo"`
	CardStatus      string `json:"cardStatus"`
	MemberName      string `json:"memberName"`
	Remarks         string `json:"remarks"`
}

func (c *Client) post(ctx context.Context, tok *Token, req Request) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", ErrServiceUnavailable, err)
		}
	}

	payload, err := json.Marshal(verifyRequest{
		CardNo:       req.CardNo,
		VisitTypeID:  string(req.VisitType),
		ReferralNo:   req.ReferralNo,
		Remarks:      req.Remarks,
		FacilityCode: c.cfg.FacilityCode,
	})
	if err != nil {
		return nil, fmt.Errorf("encode verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+c.cfg.VerifyPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	tokenType := tok.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	httpReq.Header.Set("Authorization", tokenType+" "+tok.AccessToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrServiceUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, errUnauthorized
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: authority returned %d", ErrServiceUnavailable, resp.StatusCode)
	}

	return decodeResult(resp.StatusCode, body)
}

// decodeResult maps a response onto the closed outcome set. Anything outside the
// contract is ErrServiceUnavailable so it can never be mistaken for a rejection.
func decodeResult(status int, body []byte) (*Result, error) {
	var wire verifyResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: unexpected response (status %d): %v", ErrServiceUnavailable, status, err)
	}

	outcome, known := parseOutcome(wire.Outcome)
	switch status {
	case http.StatusOK:
		if !known {
			return nil, fmt.Errorf("%w: unexpected outcome %q", ErrServiceUnavailable, wire.Outcome)
		}
	case http.StatusNotFound:
		if wire.Outcome != "" && outcome != verification.OutcomeUnknown {
			return nil, fmt.Errorf("%w: unexpected outcome %q for status 404", ErrServiceUnavailable, wire.Outcome)
		}
		outcome = verification.OutcomeUnknown
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		outcome = verification.OutcomeInvalid
	default:
		return nil, fmt.Errorf("%w: unexpected response status %d", ErrServiceUnavailable, status)
	}

	res := &Result{
		Outcome:    outcome,
		CardStatus: wire.CardStatus,
		MemberName: wire.MemberName,
		Remarks:    wire.Remarks,
		Raw:        json.RawMessage(body),
	}
	if outcome == verification.OutcomeAccepted {
		res.AuthorizationNo = wire.AuthorizationNo
	}
	return res, nil
}

func parseOutcome(s string) (verification.Outcome, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPTED", "APPROVED":
		return verification.OutcomeAccepted, true
	case "REJECTED", "DECLINED":
		return verification.OutcomeRejected, true
	case "PENDING":
		return verification.OutcomePending, true
	case "UNKNOWN", "NOT_FOUND":
		return verification.OutcomeUnknown, true
	case "INVALID":
		return verification.OutcomeInvalid, true
	}
	return "", false
}
