package paypal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateBatch matches an APIError rejecting a sender_batch_id that
// PayPal already accepted.
var ErrDuplicateBatch = errors.New("paypal: sender batch id already used")

// TokenResponse is the OAuth2 client-credentials response.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	AppID       string `json:"app_id,omitempty"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// Amount is a currency value in PayPal's decimal string form.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// PayoutItem is one recipient line in a batch.
type PayoutItem struct {
	RecipientType        string `json:"recipient_type"`
	Amount               Amount `json:"amount"`
	Note                 string `json:"note,omitempty"`
	Receiver             string `json:"receiver"`
	SenderItemID         string `json:"sender_item_id,omitempty"`
	NotificationLanguage string `json:"notification_language,omitempty"`
}

// SenderBatchHeader identifies a batch from the sender's side. PayPal rejects
// a second batch with the same SenderBatchID, which makes it the idempotency key.
type SenderBatchHeader struct {
	SenderBatchID string `json:"sender_batch_id"`
	EmailSubject  string `json:"email_subject,omitempty"`
	EmailMessage  string `json:"email_message,omitempty"`
}

// BatchRequest is the body of POST /v1/payments/payouts.
type BatchRequest struct {
	SenderBatchHeader SenderBatchHeader `json:"sender_batch_header"`
	Items             []PayoutItem      `json:"items"`
}

// BatchHeader is the acknowledgement PayPal returns for an accepted batch.
type BatchHeader struct {
	PayoutBatchID     string            `json:"payout_batch_id"`
	BatchStatus       string            `json:"batch_status"`
	SenderBatchHeader SenderBatchHeader `json:"sender_batch_header"`
}

// BatchAck is the parsed response to a batch submission.
type BatchAck struct {
	BatchHeader BatchHeader `json:"batch_header"`

	// Duplicate is set when PayPal refused the batch because its
	// SenderBatchID was already accepted earlier.
	Duplicate bool `json:"-"`
}

// ErrorDetail is one entry of an API error's details list.
type ErrorDetail struct {
	Field string `json:"field,omitempty"`
	Issue string `json:"issue"`
}

// APIError is a non-2xx PayPal response.
type APIError struct {
	StatusCode int           `json:"-"`
	Name       string        `json:"name"`
	Message    string        `json:"message"`
	DebugID    string        `json:"debug_id,omitempty"`
	Details    []ErrorDetail `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("paypal: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("paypal: HTTP %d %s: %s", e.StatusCode, e.Name, e.Message)
}

// Is lets errors.Is(err, ErrDuplicateBatch) recognise duplicate rejections.
func (e *APIError) Is(target error) bool {
	return target == ErrDuplicateBatch && e.duplicateBatch()
}

// Retryable reports whether the failure is on PayPal's side.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// duplicateBatch reports whether PayPal rejected the batch because its
// sender_batch_id was used before.
func (e *APIError) duplicateBatch() bool {
	if e.StatusCode != 400 && e.StatusCode != 409 && e.StatusCode != 422 {
		return false
	}
	if e.Name == "DUPLICATE_REQUEST_ID" {
		return true
	}
	for _, d := range e.Details {
		if d.Issue == "SENDER_BATCH_ID_ALREADY_USED" || d.Issue == "DUPLICATE_REQUEST_ID" {
			return true
		}
		if d.Field == "sender_batch_id" && strings.Contains(strings.ToLower(d.Issue), "already exists") {
			return true
		}
	}
	return strings.Contains(strings.ToLower(e.Message), "sender_batch_id already exists")
}
