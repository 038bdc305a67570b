package commitment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmarket/relayer/internal/chain"
	"github.com/zkmarket/relayer/internal/fault"
)

// fakeLedger records submissions and answers each with a scripted receipt.
type fakeLedger struct {
	mu        sync.Mutex
	calls     []call
	events    map[string][]chain.Event
	submitErr error
	awaitErr  error
	gate      chan struct{}
}

type call struct {
	method string
	args   []any
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{events: make(map[string][]chain.Event)}
}

func (f *fakeLedger) Submit(_ context.Context, method string, args ...any) (*chain.Tx, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.calls = append(f.calls, call{method: method, args: args})
	return &chain.Tx{Hash: fmt.Sprintf("0x%064x", len(f.calls)), Method: method}, nil
}

func (f *fakeLedger) AwaitConfirmation(_ context.Context, tx *chain.Tx) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.awaitErr != nil {
		return nil, &chain.TxError{Op: "confirm", Method: tx.Method, TxHash: tx.Hash, Err: f.awaitErr}
	}
	return &chain.Receipt{TxHash: tx.Hash, BlockNumber: 10, Events: f.events[tx.Method]}, nil
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Notify(kind string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
}

func word(n int64) [32]byte {
	return [32]byte(common.BigToHash(big.NewInt(n)))
}

func provenEvent(commitment int64) chain.Event {
	return chain.Event{
		Name: chain.EventCommitmentProven,
		Args: map[string]any{
			"commitment":   word(commitment),
			"root":         word(0xabc),
			"pathElements": [][32]byte{word(1), word(2)},
			"pathIndices":  []uint8{0, 1},
		},
	}
}

func withdrawalEvent(commitment int64) chain.Event {
	return chain.Event{
		Name: chain.EventWithdrawal,
		Args: map[string]any{"commitment": word(commitment)},
	}
}

var (
	testProof   = json.RawMessage(`{"a":["1","2"],"b":[["3","4"],["5","6"]],"c":["7","8"]}`)
	testSignals = json.RawMessage(`["42"]`)
)

func newTestService(t *testing.T) (*Service, *fakeLedger, *MemoryStore, *recordingNotifier) {
	t.Helper()
	ledger := newFakeLedger()
	store := NewMemoryStore()
	notifier := &recordingNotifier{}
	return NewService(ledger, store, WithNotifier(notifier)), ledger, store, notifier
}

func TestRegister_SubmitsDerivedHash(t *testing.T) {
	svc, ledger, store, notifier := newTestService(t)
	ctx := context.Background()

	ack, err := svc.RegisterCommitment(ctx, "1000000", "order #42")
	require.NoError(t, err)
	assert.Equal(t, 0, ack.Code)
	assert.Equal(t, "0x000000000000000000000000000000000000000000000000000000000000002a", ack.CommitmentHash)

	require.Equal(t, 1, ledger.callCount())
	c := ledger.calls[0]
	assert.Equal(t, chain.MethodRegisterCommitment, c.method)
	require.Len(t, c.args, 2)
	assert.Equal(t, word(42), c.args[0])
	assert.Equal(t, "1000000", c.args[1].(*big.Int).String())

	rec, err := store.Get(ctx, ack.CommitmentHash)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, rec.State)
	assert.Equal(t, ack.TxHash, rec.RegisterTx)
	assert.Equal(t, []string{NotifyRegistered}, notifier.kinds)
}

func TestRegister_BadInputNeverReachesLedger(t *testing.T) {
	svc, ledger, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct{ amount, description string }{
		{"", "42"},
		{"100", ""},
		{"100", "no digits"},
		{"-1", "42"},
		{"ten", "42"},
	}
	for _, tt := range tests {
		_, err := svc.RegisterCommitment(ctx, tt.amount, tt.description)
		require.Error(t, err)
		assert.ErrorIs(t, err, fault.ErrBadRequest)
		assert.Equal(t, 101, fault.As(fault.OpRegister, err).Code())
	}
	assert.Zero(t, ledger.callCount())
}

func TestRegister_ConflictWhenAlreadyRegistered(t *testing.T) {
	svc, ledger, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterCommitment(ctx, "100", "42")
	require.NoError(t, err)

	// Same digits, different wording: same commitment.
	_, err = svc.RegisterCommitment(ctx, "100", "again 42")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConflict)
	assert.Equal(t, 104, fault.As(fault.OpRegister, err).Code())
	assert.Equal(t, 1, ledger.callCount())
}

func TestRegister_ConcurrentSameHash(t *testing.T) {
	svc, ledger, _, _ := newTestService(t)
	ledger.gate = make(chan struct{})

	errs := make(chan error, 2)
	go func() {
		_, err := svc.RegisterCommitment(context.Background(), "100", "42")
		errs <- err
	}()
	// Wait until the first call holds the claim.
	require.Eventually(t, func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.inflight) == 1
	}, timeout, tick)

	_, err := svc.RegisterCommitment(context.Background(), "100", "42")
	assert.ErrorIs(t, err, fault.ErrConflict)

	close(ledger.gate)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, ledger.callCount())
}

func TestRegister_SubmissionFailure(t *testing.T) {
	svc, ledger, store, _ := newTestService(t)
	ledger.awaitErr = chain.ErrReverted

	_, err := svc.RegisterCommitment(context.Background(), "100", "42")
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrSubmission)
	assert.ErrorIs(t, err, chain.ErrReverted)

	fe := fault.As(fault.OpRegister, err)
	assert.Equal(t, 102, fe.Code())
	assert.NotEmpty(t, fe.TxHash)

	_, err = store.Get(context.Background(), "0x000000000000000000000000000000000000000000000000000000000000002a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProve_ReturnsEventVerbatim(t *testing.T) {
	svc, ledger, store, _ := newTestService(t)
	ctx := context.Background()
	ledger.events[chain.MethodProveCommitment] = []chain.Event{provenEvent(42)}

	_, err := svc.RegisterCommitment(ctx, "100", "42")
	require.NoError(t, err)

	ack, err := svc.ProveCommitment(ctx, testProof, testSignals)
	require.NoError(t, err)
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000abc", ack.Root)
	assert.Equal(t, []string{
		"0x0000000000000000000000000000000000000000000000000000000000000001",
		"0x0000000000000000000000000000000000000000000000000000000000000002",
	}, ack.PathElements)
	assert.Equal(t, []int{0, 1}, ack.PathIndices)

	prove := ledger.calls[1]
	assert.Equal(t, chain.MethodProveCommitment, prove.method)
	require.Len(t, prove.args, 2)
	assert.IsType(t, chain.Proof{}, prove.args[0])
	assert.Equal(t, int64(42), prove.args[1].([]*big.Int)[0].Int64())

	rec, err := store.Get(ctx, "0x000000000000000000000000000000000000000000000000000000000000002a")
	require.NoError(t, err)
	assert.Equal(t, StateProven, rec.State)
	assert.Equal(t, ack.Root, rec.Root)
}

func TestProve_MissingEventIsContractResponse(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.ProveCommitment(context.Background(), testProof, testSignals)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrContractResponse)
	assert.Equal(t, 203, fault.As(fault.OpProve, err).Code())
}

func TestProve_BadProofNeverReachesLedger(t *testing.T) {
	svc, ledger, _, _ := newTestService(t)

	_, err := svc.ProveCommitment(context.Background(), json.RawMessage(`{"a":[]}`), testSignals)
	assert.ErrorIs(t, err, fault.ErrBadRequest)
	assert.Equal(t, 201, fault.As(fault.OpProve, err).Code())
	assert.Zero(t, ledger.callCount())
}

func TestProve_UnknownCommitmentIsRecorded(t *testing.T) {
	svc, ledger, store, _ := newTestService(t)
	ledger.events[chain.MethodProveCommitment] = []chain.Event{provenEvent(7)}

	_, err := svc.ProveCommitment(context.Background(), testProof, testSignals)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "0x0000000000000000000000000000000000000000000000000000000000000007")
	require.NoError(t, err)
	assert.Equal(t, StateProven, rec.State)
}

func TestWithdraw_RequiresWithdrawalEvent(t *testing.T) {
	svc, ledger, _, _ := newTestService(t)
	// A receipt carrying some other event is still a bad contract response.
	ledger.events[chain.MethodWithdraw] = []chain.Event{provenEvent(42)}

	_, err := svc.Withdraw(context.Background(), testProof, testSignals)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrContractResponse)

	fe := fault.As(fault.OpWithdraw, err)
	assert.Equal(t, 303, fe.Code())
	assert.NotEmpty(t, fe.TxHash)
}

func TestWithdraw_FullLifecycle(t *testing.T) {
	svc, ledger, store, notifier := newTestService(t)
	ctx := context.Background()
	ledger.events[chain.MethodProveCommitment] = []chain.Event{provenEvent(42)}
	ledger.events[chain.MethodWithdraw] = []chain.Event{withdrawalEvent(42)}

	_, err := svc.RegisterCommitment(ctx, "100", "42")
	require.NoError(t, err)
	_, err = svc.ProveCommitment(ctx, testProof, testSignals)
	require.NoError(t, err)

	ack, err := svc.Withdraw(ctx, testProof, testSignals)
	require.NoError(t, err)
	assert.Equal(t, 0, ack.Code)

	rec, err := store.Get(ctx, ack.CommitmentHash)
	require.NoError(t, err)
	assert.Equal(t, StateWithdrawn, rec.State)
	assert.NotEmpty(t, rec.RegisterTx)
	assert.NotEmpty(t, rec.ProveTx)
	assert.NotEmpty(t, rec.WithdrawTx)
	assert.Equal(t, []string{NotifyRegistered, NotifyProven, NotifyWithdrawn}, notifier.kinds)

	// A second confirmed withdrawal is still a ledger fact: it succeeds and
	// its transaction is recorded.
	again, err := svc.Withdraw(ctx, testProof, testSignals)
	require.NoError(t, err)
	rec, err = store.Get(ctx, ack.CommitmentHash)
	require.NoError(t, err)
	assert.Equal(t, StateWithdrawn, rec.State)
	assert.Equal(t, again.TxHash, rec.WithdrawTx)
}

func TestProve_ConfirmedAfterWithdrawalKeepsState(t *testing.T) {
	svc, ledger, store, notifier := newTestService(t)
	ctx := context.Background()
	ledger.events[chain.MethodProveCommitment] = []chain.Event{provenEvent(42)}
	ledger.events[chain.MethodWithdraw] = []chain.Event{withdrawalEvent(42)}

	_, err := svc.Withdraw(ctx, testProof, testSignals)
	require.NoError(t, err)

	ack, err := svc.ProveCommitment(ctx, testProof, testSignals)
	require.NoError(t, err)

	rec, err := store.Get(ctx, "0x000000000000000000000000000000000000000000000000000000000000002a")
	require.NoError(t, err)
	assert.Equal(t, StateWithdrawn, rec.State, "recorded state never regresses")
	assert.Equal(t, ack.Root, rec.Root)
	assert.NotEmpty(t, rec.ProveTx)
	assert.Equal(t, []string{NotifyWithdrawn, NotifyProven}, notifier.kinds)
}

func TestStatus(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterCommitment(ctx, "100", "42")
	require.NoError(t, err)

	byHash, err := svc.Status(ctx, "0x000000000000000000000000000000000000000000000000000000000000002A")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, byHash.State)

	byDescription, err := svc.Status(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, byHash.Hash, byDescription.Hash)

	_, err = svc.Status(ctx, "43")
	assert.ErrorIs(t, err, fault.ErrNotFound)
	assert.Equal(t, 604, fault.As(fault.OpStatus, err).Code())

	_, err = svc.Status(ctx, "0x12")
	assert.ErrorIs(t, err, fault.ErrBadRequest)
}

type failingStore struct{ *MemoryStore }

func (failingStore) Save(context.Context, *Commitment) error { return errors.New("disk full") }

func TestRegister_StoreFailureStillAcks(t *testing.T) {
	ledger := newFakeLedger()
	svc := NewService(ledger, failingStore{NewMemoryStore()})

	ack, err := svc.RegisterCommitment(context.Background(), "100", "42")
	require.NoError(t, err)
	assert.NotEmpty(t, ack.TxHash)
}
