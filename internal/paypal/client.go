// Package paypal is the relayer's client for the PayPal OAuth2 and Payouts
// APIs, plus the bearer token cache in front of them.
package paypal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zkmarket/relayer/internal/circuitbreaker"
	"github.com/zkmarket/relayer/internal/traces"
)

var (
	ErrMalformedResponse = errors.New("paypal: malformed response")
	ErrMissingCredential = errors.New("paypal: client id and secret are required")
)

// Breaker keys.
const (
	EndpointAuth    = "paypal_oauth"
	EndpointPayouts = "paypal_payouts"
)

// DefaultTimeout bounds each gateway request.
const DefaultTimeout = 30 * time.Second

// maxBody caps how much of a gateway response is read.
const maxBody = 1 << 20

// Config for the gateway client.
type Config struct {
	AuthURL   string
	PayoutURL string
	ClientID  string
	Secret    string
	Timeout   time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBreaker shares a circuit breaker with other components.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// Client calls the PayPal REST endpoints.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a gateway client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" || cfg.Secret == "" {
		return nil, ErrMissingCredential
	}
	for _, raw := range []string{cfg.AuthURL, cfg.PayoutURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return nil, fmt.Errorf("paypal: invalid endpoint %q: %w", raw, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Breaker exposes the breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.breaker }

// Authenticate exchanges the client credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (*TokenResponse, error) {
	ctx, span := traces.StartSpan(ctx, "paypal.Authenticate")
	var out *TokenResponse
	err := c.breaker.Do(EndpointAuth, func() error {
		basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ClientID + ":" + c.cfg.Secret))

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL,
			strings.NewReader("grant_type=client_credentials"))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Language", "en_US")
		req.Header.Set("Authorization", "Basic "+basic)

		body, err := c.do(req, EndpointAuth)
		if err != nil {
			return err
		}

		var tok TokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if tok.AccessToken == "" || tok.ExpiresIn <= 0 {
			return fmt.Errorf("%w: missing access_token or expires_in", ErrMalformedResponse)
		}
		out = &tok
		return nil
	}, trips)
	traces.End(span, err)
	return out, err
}

// SubmitBatch posts a payout batch with token. The sender batch id doubles as
// the PayPal-Request-Id header so a resent request replays the original answer.
func (c *Client) SubmitBatch(ctx context.Context, token string, batch *BatchRequest) (*BatchAck, error) {
	ctx, span := traces.StartSpan(ctx, "paypal.SubmitBatch",
		traces.DispatchID(batch.SenderBatchHeader.SenderBatchID))

	payload, err := json.Marshal(batch)
	if err != nil {
		traces.End(span, err)
		return nil, err
	}

	var ack *BatchAck
	err = c.breaker.Do(EndpointPayouts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PayoutURL, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("PayPal-Request-Id", batch.SenderBatchHeader.SenderBatchID)

		body, err := c.do(req, EndpointPayouts)
		if errors.Is(err, ErrDuplicateBatch) {
			ack = &BatchAck{Duplicate: true}
			ack.BatchHeader.SenderBatchHeader = batch.SenderBatchHeader
			return nil
		}
		if err != nil {
			return err
		}

		var parsed BatchAck
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		if parsed.BatchHeader.PayoutBatchID == "" {
			return fmt.Errorf("%w: missing payout_batch_id", ErrMalformedResponse)
		}
		ack = &parsed
		return nil
	}, trips)
	traces.End(span, err)
	return ack, err
}

// do sends req and returns the body of a 2xx response, or an *APIError.
func (c *Client) do(req *http.Request, endpoint string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		gatewayRequests.WithLabelValues(endpoint, "transport_error").Inc()
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	gatewayRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("paypal: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Name == "" {
			// OAuth errors use the RFC 6749 shape.
			var oauth struct {
				Error       string `json:"error"`
				Description string `json:"error_description"`
			}
			if json.Unmarshal(body, &oauth) == nil {
				apiErr.Name, apiErr.Message = oauth.Error, oauth.Description
			}
		}
		return nil, apiErr
	}
	return body, nil
}

// trips counts transport failures and server-side errors against the
// breaker; client errors say nothing about endpoint health.
func trips(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, ErrMalformedResponse)
}
