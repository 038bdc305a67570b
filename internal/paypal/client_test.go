package paypal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmarket/relayer/internal/circuitbreaker"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{
		AuthURL:   srv.URL + "/v1/oauth2/token",
		PayoutURL: srv.URL + "/v1/payments/payouts",
		ClientID:  "client",
		Secret:    "secret",
		Timeout:   5 * time.Second,
	}, WithBreaker(circuitbreaker.New(2, time.Minute)))
	require.NoError(t, err)
	return c
}

func testBatch() *BatchRequest {
	return &BatchRequest{
		SenderBatchHeader: SenderBatchHeader{
			SenderBatchID: "2f1c9a4e-2a0c-5b8e-9d5e-0c6b1f3a7e21",
			EmailSubject:  "You have a payout!",
			EmailMessage:  "You have received a payout! Thanks for using our service!",
		},
		Items: []PayoutItem{{
			RecipientType:        "EMAIL",
			Amount:               Amount{Value: "8.00", Currency: "USD"},
			Note:                 "Thanks for your patronage!",
			Receiver:             "a@x.com",
			NotificationLanguage: "en-US",
		}},
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{AuthURL: "http://x/a", PayoutURL: "http://x/b"})
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = NewClient(Config{AuthURL: "not a url", PayoutURL: "http://x/b", ClientID: "a", Secret: "b"})
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/oauth2/token", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "grant_type=client_credentials", string(body))

		_, _ = w.Write([]byte(`{"access_token":"A21AA","token_type":"Bearer","expires_in":32400}`))
	}))
	defer srv.Close()

	tok, err := newTestClient(t, srv).Authenticate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A21AA", tok.AccessToken)
	assert.Equal(t, int64(32400), tok.ExpiresIn)
}

func TestAuthenticate_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"Client Authentication failed"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Authenticate(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid_client", apiErr.Name)
}

func TestAuthenticate_MalformedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Authenticate(context.Background())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestSubmitBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/payouts", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "2f1c9a4e-2a0c-5b8e-9d5e-0c6b1f3a7e21", r.Header.Get("PayPal-Request-Id"))

		var req BatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2f1c9a4e-2a0c-5b8e-9d5e-0c6b1f3a7e21", req.SenderBatchHeader.SenderBatchID)
		require.Len(t, req.Items, 1)
		assert.Equal(t, "8.00", req.Items[0].Amount.Value)
		assert.Equal(t, "EMAIL", req.Items[0].RecipientType)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"batch_header":{"payout_batch_id":"5UXD2E8A7EBQJ","batch_status":"PENDING"}}`))
	}))
	defer srv.Close()

	ack, err := newTestClient(t, srv).SubmitBatch(context.Background(), "tok", testBatch())
	require.NoError(t, err)
	assert.Equal(t, "5UXD2E8A7EBQJ", ack.BatchHeader.PayoutBatchID)
	assert.False(t, ack.Duplicate)
}

func TestSubmitBatch_DuplicateIsAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"name":"USER_BUSINESS_ERROR","message":"User business error.",` +
			`"details":[{"field":"SENDER_BATCH_ID","issue":"SENDER_BATCH_ID_ALREADY_USED"}]}`))
	}))
	defer srv.Close()

	ack, err := newTestClient(t, srv).SubmitBatch(context.Background(), "tok", testBatch())
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.ErrorIs(t, &APIError{StatusCode: 400, Name: "DUPLICATE_REQUEST_ID"}, ErrDuplicateBatch)
	assert.Equal(t, "2f1c9a4e-2a0c-5b8e-9d5e-0c6b1f3a7e21", ack.BatchHeader.SenderBatchHeader.SenderBatchID)
}

func TestSubmitBatch_BusinessErrorDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"name":"INSUFFICIENT_FUNDS","message":"Sender does not have sufficient funds."}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	for i := 0; i < 3; i++ {
		_, err := c.SubmitBatch(context.Background(), "tok", testBatch())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "INSUFFICIENT_FUNDS", apiErr.Name)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State(EndpointPayouts))
}

func TestSubmitBatch_ServerErrorsOpenBreaker(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, _ = c.SubmitBatch(context.Background(), "tok", testBatch())
	_, _ = c.SubmitBatch(context.Background(), "tok", testBatch())

	_, err := c.SubmitBatch(context.Background(), "tok", testBatch())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, circuitbreaker.StateClosed, c.Breaker().State(EndpointAuth))
}

func TestSubmitBatch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.SubmitBatch(ctx, "tok", testBatch())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAPIError_DuplicateDetection(t *testing.T) {
	tests := []struct {
		name string
		err  APIError
		want bool
	}{
		{"issue code", APIError{StatusCode: 400, Details: []ErrorDetail{{Issue: "SENDER_BATCH_ID_ALREADY_USED"}}}, true},
		{"request id", APIError{StatusCode: 409, Name: "DUPLICATE_REQUEST_ID"}, true},
		{"field text", APIError{StatusCode: 400, Details: []ErrorDetail{{Field: "sender_batch_id", Issue: "Batch with given sender_batch_id already exists"}}}, true},
		{"other business error", APIError{StatusCode: 422, Name: "INSUFFICIENT_FUNDS"}, false},
		{"server error", APIError{StatusCode: 500, Name: "DUPLICATE_REQUEST_ID"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.duplicateBatch())
		})
	}
}
