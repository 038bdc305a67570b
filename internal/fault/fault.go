// Package fault defines the closed set of error kinds the relayer reports to
// callers, each carrying a stable numeric code.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal         Kind = iota
	KindBadRequest            // malformed caller input, never retried
	KindAuth                  // credential exchange with the gateway failed
	KindSubmission            // ledger transaction failed or did not confirm
	KindContractResponse      // ledger accepted the call but the expected event is absent
	KindDispatch              // gateway rejected or could not be reached
	KindConflict              // commitment already past the requested stage
	KindNotFound
	KindLedger // read-only ledger query failed
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindAuth:
		return "auth_error"
	case KindSubmission:
		return "submission_error"
	case KindContractResponse:
		return "contract_response_error"
	case KindDispatch:
		return "dispatch_error"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindLedger:
		return "ledger_error"
	default:
		return "internal_error"
	}
}

// Operations. Each owns a block of a hundred codes.
const (
	OpRegister = "registerCommitment"
	OpProve    = "proveCommitment"
	OpWithdraw = "withdraw"
	OpPayouts  = "payouts"
	OpAuth     = "auth"
	OpStatus   = "commitmentStatus"
)

var opBase = map[string]int{
	OpRegister: 100,
	OpProve:    200,
	OpWithdraw: 300,
	OpPayouts:  400,
	OpAuth:     500,
	OpStatus:   600,
}

// Code returns the stable numeric code for a kind within an operation.
func Code(op string, kind Kind) int {
	base := opBase[op]
	if base == 0 {
		base = 900
	}
	switch kind {
	case KindBadRequest, KindDispatch, KindAuth:
		return base + 1
	case KindSubmission, KindLedger:
		return base + 2
	case KindContractResponse, KindInternal:
		return base + 3
	case KindConflict, KindNotFound:
		return base + 4
	default:
		return base + 9
	}
}

// Error is the single error type crossing package boundaries.
type Error struct {
	Kind   Kind
	Op     string
	Msg    string
	TxHash string // ledger transaction, if one was sent
	Ref    string // dispatch id or commitment hash, if known
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.TxHash != "" {
		msg = fmt.Sprintf("%s (tx: %s)", msg, e.TxHash)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the stable numeric code for this error.
func (e *Error) Code() int { return Code(e.Op, e.Kind) }

// Is matches another *Error by kind, so callers can write
// errors.Is(err, fault.ErrBadRequest).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind sentinels for errors.Is.
var (
	ErrBadRequest       = &Error{Kind: KindBadRequest}
	ErrAuth             = &Error{Kind: KindAuth}
	ErrSubmission       = &Error{Kind: KindSubmission}
	ErrContractResponse = &Error{Kind: KindContractResponse}
	ErrDispatch         = &Error{Kind: KindDispatch}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrLedger           = &Error{Kind: KindLedger}
)

// New builds an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// BadRequest is shorthand for a KindBadRequest error.
func BadRequest(op, msg string) *Error {
	return New(KindBadRequest, op, msg)
}

// KindOf reports the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// As returns err as *Error, wrapping unknown errors as internal failures of op.
func As(op string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(KindInternal, op, "internal error", err)
}

// HTTPStatus maps a kind to the status the API answers with. Callers tell
// failures apart by the envelope's code; the status only separates a missing
// record from everything else.
func HTTPStatus(kind Kind) int {
	if kind == KindNotFound {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
