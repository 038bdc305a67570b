// Package payout settles accrued seller earnings as PayPal batch payouts.
//
// Each reconciliation scans SellerPayouts events in (checkpoint, height],
// sums them per PayPal account, and sends one batch keyed by a deterministic
// id derived from the range. The checkpoint advances only once PayPal has
// accepted that batch, and in the same store write that marks the batch
// completed. Sub-cent remainders are carried per recipient into their next
// batch, written in that same step. A batch whose outcome is unknown stays pending and is replayed,
// with the same key, before any newer range is looked at.
package payout

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/zkmarket/relayer/internal/chain"
	"github.com/zkmarket/relayer/internal/fault"
	"github.com/zkmarket/relayer/internal/logging"
	"github.com/zkmarket/relayer/internal/paypal"
	"github.com/zkmarket/relayer/internal/syncutil"
	"github.com/zkmarket/relayer/internal/traces"
)

// DefaultStartBlock is the checkpoint used before the first reconciliation.
const DefaultStartBlock = 1978

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Ledger is the read side of the pool client.
type Ledger interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	QueryEvents(ctx context.Context, name string, from, to uint64) ([]chain.Event, error)
	ChainID() int64
	PoolAddress() string
}

// Gateway submits payout batches.
type Gateway interface {
	SubmitBatch(ctx context.Context, token string, batch *paypal.BatchRequest) (*paypal.BatchAck, error)
}

// Tokens hands out gateway bearer tokens.
type Tokens interface {
	GetToken(ctx context.Context) (string, error)
	Invalidate()
}

// Notifier receives settlement events for live subscribers.
type Notifier interface {
	Notify(kind string, data map[string]any)
}

// Event kinds sent to the Notifier.
const (
	NotifyDispatched = "payout_dispatched"
	NotifyFailed     = "payout_failed"
)

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// Config tunes the engine.
type Config struct {
	StartBlock        uint64
	ConfirmationDepth uint64
	TokenDecimals     int32
	Currency          string
	EmailSubject      string
	EmailMessage      string
	Note              string
	LedgerTimeout     time.Duration
	DispatchTimeout   time.Duration
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		StartBlock:      DefaultStartBlock,
		TokenDecimals:   DefaultTokenDecimals,
		Currency:        "USD",
		EmailSubject:    "You have a payout from zkMarket Finance!",
		EmailMessage:    "Thanks for using zkMarket Finance!",
		Note:            "For selling coins!",
		LedgerTimeout:   2 * time.Minute,
		DispatchTimeout: 30 * time.Second,
	}
}

// Result reports one reconciliation.
type Result struct {
	Code          int    `json:"code"`
	SettledAmount string `json:"settledAmount"`
	FromBlock     uint64 `json:"fromBlock,omitempty"`
	ToBlock       uint64 `json:"toBlock,omitempty"`
	Checkpoint    uint64 `json:"checkpoint"`
	DispatchID    string `json:"dispatchId,omitempty"`
	BatchID       string `json:"batchId,omitempty"`
	Recipients    int    `json:"recipients,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// Option configures the engine.
type Option func(*Engine)

// WithNotifier publishes dispatch outcomes.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine runs reconciliations. It is safe for concurrent use; calls are
// serialised.
type Engine struct {
	ledger   Ledger
	gateway  Gateway
	tokens   Tokens
	store    Store
	cfg      Config
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu syncutil.ContextMutex
}

// NewEngine wires an engine.
func NewEngine(ledger Ledger, gateway Gateway, tokens Tokens, store Store, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = def.TokenDecimals
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = def.LedgerTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}

	e := &Engine{
		ledger:  ledger,
		gateway: gateway,
		tokens:  tokens,
		store:   store,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Checkpoint returns the current checkpoint, falling back to the start block.
func (e *Engine) Checkpoint(ctx context.Context) (uint64, error) {
	cp, ok, err := e.store.Checkpoint(ctx)
	if err != nil {
		return 0, fault.Wrap(fault.KindInternal, fault.OpPayouts, "read checkpoint", err)
	}
	if !ok {
		return e.cfg.StartBlock, nil
	}
	return cp, nil
}

// History lists recent dispatches.
func (e *Engine) History(ctx context.Context, limit int) ([]*Dispatch, error) {
	ds, err := e.store.History(ctx, limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, fault.OpPayouts, "read dispatch history", err)
	}
	return ds, nil
}

// Reconcile settles everything the ledger emitted since the checkpoint.
func (e *Engine) Reconcile(ctx context.Context) (res *Result, err error) {
	start := e.now()
	ctx, span := traces.StartSpan(ctx, "payout.Reconcile")
	defer func() {
		traces.End(span, err)
		reconcileDuration.Observe(time.Since(start).Seconds())
		reconcileRuns.WithLabelValues(runOutcome(res, err)).Inc()
	}()

	unlock, err := e.mu.Lock(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, fault.OpPayouts, "wait for running reconciliation", err)
	}
	defer unlock()

	if l, ok := e.store.(Locker); ok {
		release, err := l.Lock(ctx)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, fault.OpPayouts, "acquire reconcile lock", err)
		}
		defer release()
	}

	log := e.log(ctx)

	pending, err := e.store.Pending(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, fault.OpPayouts, "read pending dispatch", err)
	}
	if pending != nil {
		log.Info("replaying pending payout dispatch",
			"dispatch_id", pending.ID,
			"from_block", pending.FromBlock,
			"to_block", pending.ToBlock,
			"attempts", pending.Attempts)
		res, err := e.dispatch(ctx, pending)
		if res != nil {
			res.Replayed = true
		}
		return res, err
	}

	checkpoint, err := e.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	checkpointHeight.Set(float64(checkpoint))

	lctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	defer cancel()

	height, err := e.ledger.CurrentHeight(lctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindLedger, fault.OpPayouts, "read ledger height", err)
	}
	target := safeHeight(height, e.cfg.ConfirmationDepth)

	idle := &Result{SettledAmount: "0.00", Checkpoint: checkpoint}
	if target <= checkpoint {
		log.Debug("no new blocks to reconcile", "checkpoint", checkpoint, "height", height)
		return idle, nil
	}

	from := checkpoint + 1
	events, err := e.ledger.QueryEvents(lctx, chain.EventSellerPayouts, from, target)
	if err != nil {
		return nil, fault.Wrap(fault.KindLedger, fault.OpPayouts, "query SellerPayouts events", err)
	}
	if len(events) == 0 {
		log.Debug("no payouts in range", "from_block", from, "to_block", target)
		return idle, nil
	}

	totals, err := Aggregate(events)
	if err != nil {
		return nil, fault.Wrap(fault.KindContractResponse, fault.OpPayouts, "aggregate payouts", err)
	}
	owed, err := e.store.Carry(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, fault.OpPayouts, "read carried remainders", err)
	}
	if err := addCarry(totals, owed); err != nil {
		return nil, fault.Wrap(fault.KindInternal, fault.OpPayouts, "read carried remainders", err)
	}
	items, carry := buildItems(totals, e.cfg.TokenDecimals)
	if len(items) == 0 {
		log.Info("payouts below one cent, leaving range open",
			"from_block", from, "to_block", target, "dust_units", carrySum(carry).String())
		return idle, nil
	}

	values := make([]string, len(items))
	for i, it := range items {
		values[i] = it.Value
	}
	total, err := SumFiat(values...)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, fault.OpPayouts, "sum batch", err)
	}

	now := e.now()
	d := &Dispatch{
		ID:         DispatchKey(e.ledger.ChainID(), e.ledger.PoolAddress(), from, target),
		FromBlock:  from,
		ToBlock:    target,
		Items:      items,
		Total:      total,
		Dust:       carrySum(carry).String(),
		Carry:      carryStrings(carry),
		Status:     StatusPending,
		EventCount: len(events),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.SavePending(ctx, d); err != nil {
		return nil, fault.Wrap(fault.KindInternal, fault.OpPayouts, "record dispatch intent", err)
	}
	if len(d.Carry) > 0 {
		log.Debug("sub-cent remainders carried to next batch", "dispatch_id", d.ID, "recipients", len(d.Carry), "dust_units", d.Dust)
	}

	return e.dispatch(ctx, d)
}

// dispatch sends d and, on acceptance, closes it out and advances the
// checkpoint. On failure d stays pending for the next call.
func (e *Engine) dispatch(ctx context.Context, d *Dispatch) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "payout.dispatch", traces.DispatchID(d.ID))
	span.SetAttributes(traces.BlockRange(d.FromBlock, d.ToBlock)...)
	log := e.log(ctx).With("dispatch_id", d.ID, "from_block", d.FromBlock, "to_block", d.ToBlock)

	ack, err := e.send(ctx, d)
	if err != nil {
		traces.End(span, err)
		dispatches.WithLabelValues("failed").Inc()

		d.Attempts++
		d.LastError = err.Error()
		d.UpdatedAt = e.now()
		if serr := e.store.SavePending(context.WithoutCancel(ctx), d); serr != nil {
			log.Error("failed to record dispatch attempt", "error", serr)
		}
		log.Warn("payout dispatch failed, checkpoint unchanged", "attempts", d.Attempts, "error", err)
		e.notify(NotifyFailed, d, "")

		fe := fault.Wrap(fault.KindDispatch, fault.OpPayouts, "payout dispatch failed", err)
		fe.Ref = d.ID
		return nil, fe
	}

	batchID := ack.BatchHeader.PayoutBatchID
	if ack.Duplicate {
		log.Info("gateway already holds this batch, treating as accepted")
		dispatches.WithLabelValues("duplicate").Inc()
	} else {
		dispatches.WithLabelValues("accepted").Inc()
	}

	// The gateway has the batch; from here on the caller's cancellation must
	// not prevent recording it.
	err = e.store.Complete(context.WithoutCancel(ctx), Completion{
		ID:        d.ID,
		BatchID:   batchID,
		Duplicate: ack.Duplicate,
		ToBlock:   d.ToBlock,
		At:        e.now(),
		Carry:     d.Carry,
	})
	if err != nil {
		traces.End(span, err)
		log.Error("batch accepted but checkpoint not advanced; will replay with same key", "error", err)
		fe := fault.Wrap(fault.KindInternal, fault.OpPayouts, "record completed dispatch", err)
		fe.Ref = d.ID
		return nil, fe
	}
	traces.End(span, nil)

	checkpointHeight.Set(float64(d.ToBlock))
	if v, err := parseFiat(d.Total); err == nil {
		settledTotal.Add(v)
	}
	log.Info("payout batch settled",
		"batch_id", batchID,
		"recipients", len(d.Items),
		"total", d.Total,
		"currency", e.cfg.Currency)
	e.notify(NotifyDispatched, d, batchID)

	return &Result{
		Code:          0,
		SettledAmount: d.Total,
		FromBlock:     d.FromBlock,
		ToBlock:       d.ToBlock,
		Checkpoint:    d.ToBlock,
		DispatchID:    d.ID,
		BatchID:       batchID,
		Recipients:    len(d.Items),
	}, nil
}

func (e *Engine) send(ctx context.Context, d *Dispatch) (*paypal.BatchAck, error) {
	token, err := e.tokens.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()

	ack, err := e.gateway.SubmitBatch(dctx, token, d.request(e.cfg))
	var apiErr *paypal.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		e.tokens.Invalidate()
	}
	return ack, err
}

func (e *Engine) notify(kind string, d *Dispatch, batchID string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(kind, map[string]any{
		"dispatchId": d.ID,
		"fromBlock":  d.FromBlock,
		"toBlock":    d.ToBlock,
		"total":      d.Total,
		"currency":   e.cfg.Currency,
		"recipients": len(d.Items),
		"batchId":    batchID,
		"attempts":   d.Attempts,
	})
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	return logging.Or(ctx, e.logger)
}

func safeHeight(height, depth uint64) uint64 {
	if height < depth {
		return 0
	}
	return height - depth
}

func runOutcome(res *Result, err error) string {
	switch {
	case err != nil:
		return fault.KindOf(err).String()
	case res.DispatchID == "":
		return "idle"
	default:
		return "settled"
	}
}
