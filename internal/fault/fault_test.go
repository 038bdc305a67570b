package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		op   string
		kind Kind
		want int
	}{
		{OpRegister, KindBadRequest, 101},
		{OpRegister, KindSubmission, 102},
		{OpRegister, KindConflict, 104},
		{OpProve, KindBadRequest, 201},
		{OpProve, KindSubmission, 202},
		{OpProve, KindContractResponse, 203},
		{OpWithdraw, KindContractResponse, 303},
		{OpPayouts, KindDispatch, 401},
		{OpPayouts, KindLedger, 402},
		{OpPayouts, KindInternal, 403},
		{OpAuth, KindAuth, 501},
		{"unknown", KindBadRequest, 901},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.op, tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.op, tt.kind))
		})
	}
}

func TestErrorsIs_MatchesKindThroughWrapping(t *testing.T) {
	auth := Wrap(KindAuth, OpAuth, "token exchange failed", errors.New("connection refused"))
	dispatch := Wrap(KindDispatch, OpPayouts, "failed to request payout", auth)
	wrapped := fmt.Errorf("reconcile: %w", dispatch)

	assert.True(t, errors.Is(wrapped, ErrDispatch))
	assert.True(t, errors.Is(wrapped, ErrAuth))
	assert.False(t, errors.Is(wrapped, ErrBadRequest))
	assert.Equal(t, KindDispatch, KindOf(wrapped))
	assert.Equal(t, 401, As(OpPayouts, wrapped).Code())
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindSubmission, Op: OpWithdraw, Msg: "transaction failed", TxHash: "0xabc", Err: errors.New("reverted")}
	assert.Equal(t, "withdraw: transaction failed (tx: 0xabc): reverted", err.Error())

	bare := New(KindConflict, OpRegister, "")
	assert.Equal(t, "registerCommitment: conflict", bare.Error())
}

func TestAs_WrapsUnknownErrors(t *testing.T) {
	fe := As(OpPayouts, errors.New("disk full"))
	assert.Equal(t, KindInternal, fe.Kind)
	assert.Equal(t, 403, fe.Code())
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	for _, k := range []Kind{KindInternal, KindBadRequest, KindAuth, KindSubmission, KindContractResponse, KindDispatch, KindConflict, KindLedger} {
		assert.Equal(t, http.StatusInternalServerError, HTTPStatus(k), k.String())
	}
}
