package payout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkmarket/relayer/internal/chain"
	"github.com/zkmarket/relayer/internal/fault"
	"github.com/zkmarket/relayer/internal/paypal"
)

const testPool = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeLedger struct {
	mu        sync.Mutex
	height    uint64
	heightErr error
	events    []chain.Event
	queries   [][2]uint64
}

func (l *fakeLedger) CurrentHeight(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, l.heightErr
}

func (l *fakeLedger) QueryEvents(_ context.Context, name string, from, to uint64) ([]chain.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, [2]uint64{from, to})
	var out []chain.Event
	for _, ev := range l.events {
		if ev.Name == name && ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (l *fakeLedger) ChainID() int64      { return 1337 }
func (l *fakeLedger) PoolAddress() string { return testPool }

func (l *fakeLedger) set(height uint64, events ...chain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height = height
	l.events = append(l.events, events...)
}

func (l *fakeLedger) lastQuery() [2]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queries) == 0 {
		return [2]uint64{}
	}
	return l.queries[len(l.queries)-1]
}

func payoutEvent(block uint64, account string, amount int64) chain.Event {
	return chain.Event{
		Name:        chain.EventSellerPayouts,
		BlockNumber: block,
		TxHash:      fmt.Sprintf("0x%064x", block),
		Args: map[string]any{
			"paypalAccount": account,
			"amount":        big.NewInt(amount),
		},
	}
}

// fakeGateway behaves like PayPal with respect to sender_batch_id: a batch
// id it has accepted once is never paid again.
type fakeGateway struct {
	mu       sync.Mutex
	requests []*paypal.BatchRequest
	accepted map[string]string
	failNext []error
	loseAck  int
	block    chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{accepted: make(map[string]string)}
}

func (g *fakeGateway) SubmitBatch(ctx context.Context, _ string, b *paypal.BatchRequest) (*paypal.BatchAck, error) {
	g.mu.Lock()
	g.requests = append(g.requests, b)
	if len(g.failNext) > 0 {
		err := g.failNext[0]
		g.failNext = g.failNext[1:]
		g.mu.Unlock()
		return nil, err
	}
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	id := b.SenderBatchHeader.SenderBatchID
	if _, dup := g.accepted[id]; dup {
		return &paypal.BatchAck{Duplicate: true}, nil
	}
	g.accepted[id] = fmt.Sprintf("BATCH%d", len(g.accepted)+1)
	if g.loseAck > 0 {
		g.loseAck--
		return nil, errors.New("read tcp: connection reset by peer")
	}
	return &paypal.BatchAck{BatchHeader: paypal.BatchHeader{PayoutBatchID: g.accepted[id], BatchStatus: "PENDING"}}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *fakeGateway) request(i int) *paypal.BatchRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[i]
}

type fakeTokens struct {
	mu          sync.Mutex
	err         error
	invalidated int
}

func (f *fakeTokens) GetToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", fault.Wrap(fault.KindAuth, fault.OpAuth, "paypal authentication failed", f.err)
	}
	return "A21AA-token", nil
}

func (f *fakeTokens) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Notify(kind string, _ map[string]any) {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
}

type harness struct {
	ledger  *fakeLedger
	gateway *fakeGateway
	tokens  *fakeTokens
	store   *MemoryStore
	engine  *Engine
}

func newHarness(t *testing.T, checkpoint uint64, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	h := &harness{
		ledger:  &fakeLedger{},
		gateway: newFakeGateway(),
		tokens:  &fakeTokens{},
		store:   NewMemoryStore(),
	}
	h.store.SetCheckpoint(checkpoint)

	cfg := DefaultConfig()
	cfg.TokenDecimals = 2 // amounts in cents keep the arithmetic readable
	cfg.DispatchTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	h.engine = NewEngine(h.ledger, h.gateway, h.tokens, h.store, cfg, opts...)
	return h
}

func (h *harness) checkpoint(t *testing.T) uint64 {
	t.Helper()
	cp, ok, err := h.store.Checkpoint(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return cp
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestReconcile_AggregatesPerRecipient(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newHarness(t, 100, nil, WithNotifier(notifier))
	h.ledger.set(110,
		payoutEvent(101, "a@x.com", 500),
		payoutEvent(105, "a@x.com", 300),
		payoutEvent(110, "b@y.com", 1000),
	)

	res, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [2]uint64{101, 110}, h.ledger.lastQuery())
	require.Equal(t, 1, h.gateway.calls())

	req := h.gateway.request(0)
	require.Len(t, req.Items, 2)
	assert.Equal(t, "a@x.com", req.Items[0].Receiver)
	assert.Equal(t, "8.00", req.Items[0].Amount.Value)
	assert.Equal(t, "USD", req.Items[0].Amount.Currency)
	assert.Equal(t, "EMAIL", req.Items[0].RecipientType)
	assert.Equal(t, "en-US", req.Items[0].NotificationLanguage)
	assert.Equal(t, "For selling coins!", req.Items[0].Note)
	assert.Equal(t, "b@y.com", req.Items[1].Receiver)
	assert.Equal(t, "10.00", req.Items[1].Amount.Value)
	assert.Equal(t, DispatchKey(1337, testPool, 101, 110), req.SenderBatchHeader.SenderBatchID)
	assert.Equal(t, "You have a payout from zkMarket Finance!", req.SenderBatchHeader.EmailSubject)

	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "18.00", res.SettledAmount)
	assert.Equal(t, uint64(101), res.FromBlock)
	assert.Equal(t, uint64(110), res.ToBlock)
	assert.Equal(t, "BATCH1", res.BatchID)
	assert.Equal(t, req.SenderBatchHeader.SenderBatchID, res.DispatchID)
	assert.Equal(t, uint64(110), h.checkpoint(t))
	assert.Equal(t, []string{NotifyDispatched}, notifier.kinds)

	pending, err := h.store.Pending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestReconcile_SecondCallWithoutNewEventsSettlesNothing(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.ledger.set(110, payoutEvent(104, "a@x.com", 500))

	_, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(110), h.checkpoint(t))

	res, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.00", res.SettledAmount)
	assert.Empty(t, res.DispatchID)
	assert.Equal(t, uint64(110), h.checkpoint(t))
	assert.Equal(t, 1, h.gateway.calls())

	// New blocks without payouts leave the checkpoint alone as well.
	h.ledger.set(125)
	res, err = h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.00", res.SettledAmount)
	assert.Equal(t, [2]uint64{111, 125}, h.ledger.lastQuery())
	assert.Equal(t, uint64(110), h.checkpoint(t))
	assert.Equal(t, 1, h.gateway.calls())
}

func TestReconcile_CheckpointTracksConfirmedHeight(t *testing.T) {
	h := newHarness(t, 100, func(c *Config) { c.ConfirmationDepth = 5 })
	h.ledger.set(120,
		payoutEvent(110, "a@x.com", 100),
		payoutEvent(118, "b@y.com", 100), // not yet deep enough
	)

	res, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [2]uint64{101, 115}, h.ledger.lastQuery())
	assert.Equal(t, uint64(115), res.ToBlock)
	assert.Equal(t, uint64(115), h.checkpoint(t))
	require.Len(t, h.gateway.request(0).Items, 1)

	h.ledger.set(123)
	_, err = h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(118), h.checkpoint(t))
	assert.Equal(t, "b@y.com", h.gateway.request(1).Items[0].Receiver)
}

func TestReconcile_StartBlockWhenNoCheckpoint(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.store = NewMemoryStore()
	h.engine = NewEngine(h.ledger, h.gateway, h.tokens, h.store, Config{StartBlock: DefaultStartBlock, TokenDecimals: 2})
	h.ledger.set(2000, payoutEvent(1978, "early@x.com", 100), payoutEvent(1990, "a@x.com", 100))

	_, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [2]uint64{1979, 2000}, h.ledger.lastQuery())
	require.Len(t, h.gateway.request(0).Items, 1)
	assert.Equal(t, "a@x.com", h.gateway.request(0).Items[0].Receiver)
}

func TestReconcile_DispatchTimeoutKeepsRange(t *testing.T) {
	notifier := &recordingNotifier{}
	h := newHarness(t, 100, func(c *Config) { c.DispatchTimeout = 30 * time.Millisecond }, WithNotifier(notifier))
	h.ledger.set(110, payoutEvent(103, "a@x.com", 500), payoutEvent(109, "b@y.com", 700))
	h.gateway.block = make(chan struct{}) // never released

	_, err := h.engine.Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrDispatch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 401, fault.As(fault.OpPayouts, err).Code())
	assert.Equal(t, uint64(100), h.checkpoint(t))

	pending, err := h.store.Pending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, 1, pending.Attempts)
	assert.NotEmpty(t, pending.LastError)
	firstKey := h.gateway.request(0).SenderBatchHeader.SenderBatchID
	assert.Equal(t, firstKey, pending.ID)

	// The ledger moved on in the meantime; the next call still settles the
	// identical range first, under the same key.
	h.gateway.mu.Lock()
	h.gateway.block = nil
	h.gateway.mu.Unlock()
	h.ledger.set(130, payoutEvent(120, "c@z.com", 900))

	res, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, uint64(101), res.FromBlock)
	assert.Equal(t, uint64(110), res.ToBlock)
	assert.Equal(t, "12.00", res.SettledAmount)
	assert.Equal(t, firstKey, h.gateway.request(1).SenderBatchHeader.SenderBatchID)
	assert.Equal(t, h.gateway.request(0).Items, h.gateway.request(1).Items)
	assert.Equal(t, uint64(110), h.checkpoint(t))

	res, err = h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, uint64(111), res.FromBlock)
	assert.Equal(t, uint64(130), h.checkpoint(t))
	assert.Equal(t, []string{NotifyFailed, NotifyDispatched, NotifyDispatched}, notifier.kinds)
}

func TestReconcile_LostAcknowledgementPaysOnce(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.ledger.set(110, payoutEvent(105, "a@x.com", 2500))
	h.gateway.loseAck = 1

	_, err := h.engine.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindDispatch, fault.KindOf(err))
	assert.Equal(t, uint64(100), h.checkpoint(t))

	res, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, uint64(110), h.checkpoint(t))

	assert.Equal(t, 2, h.gateway.calls())
	assert.Len(t, h.gateway.accepted, 1, "gateway accepted exactly one batch for the range")

	hist, err := h.engine.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, StatusCompleted, hist[0].Status)
	assert.True(t, hist[0].Duplicate)
	assert.Equal(t, 1, hist[0].Attempts)
}

func TestReconcile_ConcurrentCallsAreSerialised(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.ledger.set(110, payoutEvent(105, "a@x.com", 2500))
	release := make(chan struct{})
	h.gateway.block = release

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.engine.Reconcile(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return h.gateway.calls() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.gateway.calls(), "second call must wait for the first")
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	settled := 0
	for _, r := range results {
		if r.DispatchID != "" {
			settled++
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, h.gateway.calls())
	assert.Equal(t, uint64(110), h.checkpoint(t))
}

func TestReconcile_CancelledWhileWaitingForLock(t *testing.T) {
	h := newHarness(t, 100, nil)
	unlock, ok := h.engine.mu.TryLock()
	require.True(t, ok)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.engine.Reconcile(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.gateway.calls())
}

func TestReconcile_LedgerFailure(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.ledger.heightErr = errors.New("dial tcp: connection refused")

	_, err := h.engine.Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrLedger)
	assert.Equal(t, 402, fault.As(fault.OpPayouts, err).Code())
	assert.Equal(t, 0, h.gateway.calls())
}

func TestReconcile_AuthFailureIsDispatchError(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.ledger.set(110, payoutEvent(105, "a@x.com", 2500))
	h.tokens.err = errors.New("invalid_client")

	_, err := h.engine.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, fault.KindDispatch, fault.KindOf(err))
	assert.ErrorIs(t, err, fault.ErrAuth)
	assert.Equal(t, 0, h.gateway.calls())
	assert.Equal(t, uint64(100), h.checkpoint(t))

	pending, err := h.store.Pending(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pending)
}

func TestReconcile_UnauthorizedInvalidatesToken(t *testing.T) {
	h := newHarness(t, 100, nil)
	h.ledger.set(110, payoutEvent(105, "a@x.com", 2500))
	h.gateway.failNext = []error{&paypal.APIError{StatusCode: http.StatusUnauthorized, Name: "AUTHENTICATION_FAILURE"}}

	_, err := h.engine.Reconcile(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.tokens.invalidated)

	_, err = h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(110), h.checkpoint(t))
}

func TestReconcile_SubCentPayoutsLeaveRangeOpen(t *testing.T) {
	h := newHarness(t, 100, func(c *Config) { c.TokenDecimals = DefaultTokenDecimals })
	h.ledger.set(110, payoutEvent(105, "a@x.com", 800), payoutEvent(106, "b@y.com", 1000))

	res, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.00", res.SettledAmount)
	assert.Equal(t, 0, h.gateway.calls())
	assert.Equal(t, uint64(100), h.checkpoint(t))

	// Enough accrues later to pay out, including the earlier units.
	h.ledger.set(120, payoutEvent(115, "a@x.com", 9_200))
	res, err = h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.01", res.SettledAmount)
	require.Len(t, h.gateway.request(0).Items, 1)
	assert.Equal(t, "0.01", h.gateway.request(0).Items[0].Amount.Value)

	hist, err := h.engine.History(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, hist[0].Items, 1)
	assert.Equal(t, "10000", hist[0].Items[0].Units)
	assert.Equal(t, "1000", hist[0].Dust)

	carry, err := h.store.Carry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b@y.com": "1000"}, carry)
}

func TestReconcile_RemaindersCarryIntoLaterBatches(t *testing.T) {
	h := newHarness(t, 100, func(c *Config) { c.TokenDecimals = DefaultTokenDecimals })
	ctx := context.Background()

	// Half a cent for b@y.com in each of two settled ranges.
	h.ledger.set(110, payoutEvent(102, "a@x.com", 1_000_000), payoutEvent(104, "b@y.com", 5_000))
	res, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.00", res.SettledAmount)
	assert.Equal(t, uint64(110), h.checkpoint(t))
	require.Len(t, h.gateway.request(0).Items, 1)

	carry, err := h.store.Carry(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b@y.com": "5000"}, carry)

	h.ledger.set(120, payoutEvent(112, "a@x.com", 1_004_000), payoutEvent(118, "b@y.com", 5_000))
	res, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), h.checkpoint(t))
	assert.Equal(t, "1.01", res.SettledAmount)

	req := h.gateway.request(1)
	require.Len(t, req.Items, 2)
	assert.Equal(t, "a@x.com", req.Items[0].Receiver)
	assert.Equal(t, "1.00", req.Items[0].Amount.Value)
	assert.Equal(t, "b@y.com", req.Items[1].Receiver)
	assert.Equal(t, "0.01", req.Items[1].Amount.Value)

	carry, err = h.store.Carry(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a@x.com": "4000"}, carry)
}

func TestReconcile_ReplayWritesCarryOfOriginalBatch(t *testing.T) {
	h := newHarness(t, 100, func(c *Config) { c.TokenDecimals = DefaultTokenDecimals })
	h.ledger.set(110, payoutEvent(105, "a@x.com", 1_002_500))
	h.gateway.loseAck = 1

	_, err := h.engine.Reconcile(context.Background())
	require.Error(t, err)
	carry, err := h.store.Carry(context.Background())
	require.NoError(t, err)
	assert.Empty(t, carry)

	res, err := h.engine.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	carry, err = h.store.Carry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a@x.com": "2500"}, carry)
}

func TestReconcile_MalformedEvent(t *testing.T) {
	h := newHarness(t, 100, nil)
	bad := payoutEvent(105, "", 100)
	h.ledger.set(110, bad)

	_, err := h.engine.Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrContractResponse)
	assert.Equal(t, 0, h.gateway.calls())
}

func TestDispatchKey(t *testing.T) {
	k := DispatchKey(1337, testPool, 101, 110)
	assert.Equal(t, k, DispatchKey(1337, "0x5fbdb2315678afecb367f032d93f642f64180aa3", 101, 110), "address case does not matter")
	assert.NotEqual(t, k, DispatchKey(1337, testPool, 101, 111))
	assert.NotEqual(t, k, DispatchKey(1, testPool, 101, 110))
	assert.Len(t, k, 36)
}
