package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a relayer.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Timeout time.Duration
}

// RelayerClient is a pure HTTP client for the relayer API.
type RelayerClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewRelayerClient creates a new client for the relayer API. Ledger
// confirmations can take minutes, hence the generous default timeout.
func NewRelayerClient(cfg Config) *RelayerClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &RelayerClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// apiError is the relayer's error envelope.
type apiError struct {
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// doRequest makes an HTTP request to the relayer and returns the response body.
func (c *RelayerClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("relayer error %d (HTTP %d): %s", apiErr.Code, resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("relayer error (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// RegisterCommitment registers a commitment derived from description.
func (c *RelayerClient) RegisterCommitment(ctx context.Context, amount, description string) (json.RawMessage, error) {
	body := map[string]string{"amount": amount, "description": description}
	return c.doRequest(ctx, http.MethodPost, "/api/registerCommitment", nil, body)
}

// ProveCommitment submits a proof for a registered commitment.
func (c *RelayerClient) ProveCommitment(ctx context.Context, proofData, publicSignals any) (json.RawMessage, error) {
	body := map[string]any{"proofData": proofData, "publicSignals": publicSignals}
	return c.doRequest(ctx, http.MethodPost, "/api/proveCommitment", nil, body)
}

// Withdraw releases a proven commitment.
func (c *RelayerClient) Withdraw(ctx context.Context, proofData, publicSignals any) (json.RawMessage, error) {
	body := map[string]any{"proofData": proofData, "publicSignals": publicSignals}
	return c.doRequest(ctx, http.MethodPost, "/api/withdraw", nil, body)
}

// CommitmentStatus looks up a commitment by hash or description.
func (c *RelayerClient) CommitmentStatus(ctx context.Context, commitment string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/commitments/"+url.PathEscape(commitment), nil, nil)
}

// RunPayouts triggers one reconciliation.
func (c *RelayerClient) RunPayouts(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/payouts", nil, nil)
}

// PayoutHistory lists recent dispatches and the checkpoint.
func (c *RelayerClient) PayoutHistory(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/payouts/history", q, nil)
}

// Health returns the relayer's subsystem health. A 503 still carries the
// per-subsystem report, so it is returned as a body rather than an error.
func (c *RelayerClient) Health(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return json.RawMessage(body), nil
}
