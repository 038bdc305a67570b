package commitment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/zkmarket/relayer/internal/chain"
	"github.com/zkmarket/relayer/internal/fault"
	"github.com/zkmarket/relayer/internal/logging"
	"github.com/zkmarket/relayer/internal/pagination"
	"github.com/zkmarket/relayer/internal/traces"
)

// Ledger is the write side of the pool client.
type Ledger interface {
	Submit(ctx context.Context, method string, args ...any) (*chain.Tx, error)
	AwaitConfirmation(ctx context.Context, tx *chain.Tx) (*chain.Receipt, error)
}

// Notifier receives lifecycle events for live subscribers.
type Notifier interface {
	Notify(kind string, data map[string]any)
}

const (
	NotifyRegistered = "commitment_registered"
	NotifyProven     = "commitment_proven"
	NotifyWithdrawn  = "commitment_withdrawn"
)

// Option configures the service.
type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service submits lifecycle transactions and records the confirmed outcome.
type Service struct {
	ledger   Ledger
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewService(ledger Ledger, store Store, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterCommitment records a seller's commitment in the pool, signed by
// the operator key. The commitment hash is derived from the first run of
// digits in description.
func (s *Service) RegisterCommitment(ctx context.Context, amount, description string) (ack *Ack, err error) {
	const op = fault.OpRegister
	start := s.now()
	ctx, span := traces.StartSpan(ctx, "commitment.Register")
	defer func() {
		traces.End(span, err)
		s.finish(ctx, op, start, err)
	}()

	if amount == "" || description == "" {
		return nil, fault.BadRequest(op, "amount and description are required")
	}
	units, err := ParseAmount(amount)
	if err != nil {
		return nil, fault.Wrap(fault.KindBadRequest, op, "invalid amount", err)
	}
	hash, err := DeriveHash(description)
	if err != nil {
		return nil, fault.Wrap(fault.KindBadRequest, op, "invalid description", err)
	}
	span.SetAttributes(traces.Commitment(hash))

	release, ok := s.claim(hash)
	if !ok {
		return nil, &fault.Error{Kind: fault.KindConflict, Op: op, Msg: "registration already in flight", Ref: hash}
	}
	defer release()

	existing, err := s.lookup(ctx, hash)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, op, "commitment lookup failed", err)
	}
	if existing != nil && existing.State != StateUnregistered {
		return nil, &fault.Error{Kind: fault.KindConflict, Op: op, Msg: "commitment already " + string(existing.State), Ref: hash}
	}

	rcpt, err := s.transact(ctx, op, chain.MethodRegisterCommitment, [32]byte(common.HexToHash(hash)), units)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &Commitment{Hash: hash, Amount: units.String(), State: StateRegistered, RegisterTx: rcpt.TxHash, CreatedAt: now, UpdatedAt: now}
	s.record(ctx, op, c)
	s.notify(NotifyRegistered, map[string]any{"commitmentHash": hash, "amount": c.Amount, "txHash": rcpt.TxHash})

	return &Ack{Code: 0, TxHash: rcpt.TxHash, CommitmentHash: hash}, nil
}

// ProveCommitment submits a proof that a registered commitment was paid and
// returns the accumulator update from the CommitmentProven event unchanged.
func (s *Service) ProveCommitment(ctx context.Context, proofData, publicSignals json.RawMessage) (ack *ProofAck, err error) {
	const op = fault.OpProve
	start := s.now()
	ctx, span := traces.StartSpan(ctx, "commitment.Prove")
	defer func() {
		traces.End(span, err)
		s.finish(ctx, op, start, err)
	}()

	proof, signals, err := decodeProofArgs(op, proofData, publicSignals)
	if err != nil {
		return nil, err
	}

	rcpt, err := s.transact(ctx, op, chain.MethodProveCommitment, proof, signals)
	if err != nil {
		return nil, err
	}

	ev, ok := rcpt.Find(chain.EventCommitmentProven)
	if !ok {
		return nil, &fault.Error{Kind: fault.KindContractResponse, Op: op, Msg: "no CommitmentProven event in receipt", TxHash: rcpt.TxHash}
	}
	ack, hash, err := proofAckFrom(ev)
	if err != nil {
		return nil, &fault.Error{Kind: fault.KindContractResponse, Op: op, Msg: "malformed CommitmentProven event", TxHash: rcpt.TxHash, Err: err}
	}
	span.SetAttributes(traces.Commitment(hash))

	if err := s.advance(ctx, op, hash, StateProven, func(c *Commitment) {
		c.ProveTx = rcpt.TxHash
		c.Root = ack.Root
	}); err != nil {
		return nil, withTx(err, rcpt.TxHash)
	}
	s.notify(NotifyProven, map[string]any{"commitmentHash": hash, "root": ack.Root, "txHash": rcpt.TxHash})

	return ack, nil
}

// Withdraw releases a proven commitment's funds. The receipt must carry a
// Withdrawal event.
func (s *Service) Withdraw(ctx context.Context, proofData, publicSignals json.RawMessage) (ack *Ack, err error) {
	const op = fault.OpWithdraw
	start := s.now()
	ctx, span := traces.StartSpan(ctx, "commitment.Withdraw")
	defer func() {
		traces.End(span, err)
		s.finish(ctx, op, start, err)
	}()

	proof, signals, err := decodeProofArgs(op, proofData, publicSignals)
	if err != nil {
		return nil, err
	}

	rcpt, err := s.transact(ctx, op, chain.MethodWithdraw, proof, signals)
	if err != nil {
		return nil, err
	}

	ev, ok := rcpt.Find(chain.EventWithdrawal)
	if !ok {
		return nil, &fault.Error{Kind: fault.KindContractResponse, Op: op, Msg: "no Withdrawal event in receipt", TxHash: rcpt.TxHash}
	}

	ack = &Ack{Code: 0, TxHash: rcpt.TxHash}
	hash, ok := eventCommitment(ev)
	if !ok {
		// Withdrawal happened on-chain; there is just nothing to key a record on.
		s.log(ctx).Warn("withdrawal event without commitment", "tx", rcpt.TxHash)
		return ack, nil
	}
	ack.CommitmentHash = hash
	span.SetAttributes(traces.Commitment(hash))

	if err := s.advance(ctx, op, hash, StateWithdrawn, func(c *Commitment) {
		c.WithdrawTx = rcpt.TxHash
	}); err != nil {
		return nil, withTx(err, rcpt.TxHash)
	}
	s.notify(NotifyWithdrawn, map[string]any{"commitmentHash": hash, "txHash": rcpt.TxHash})

	return ack, nil
}

// Status returns the recorded state of a commitment. hash may be the 0x hex
// form or a description, in which case it is derived the same way as on
// registration.
func (s *Service) Status(ctx context.Context, hash string) (*Commitment, error) {
	const op = fault.OpStatus
	key, err := normalizeHash(hash)
	if err != nil {
		return nil, fault.Wrap(fault.KindBadRequest, op, "invalid commitment hash", err)
	}
	c, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, &fault.Error{Kind: fault.KindNotFound, Op: op, Msg: "commitment not found", Ref: key}
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, op, "commitment lookup failed", err)
	}
	return c, nil
}

// List returns one page of recorded commitments, newest first, optionally
// filtered by state. cursor is the opaque value returned as next by the
// previous page; next is empty on the last page.
func (s *Service) List(ctx context.Context, state State, cursor string, limit int) (page []*Commitment, next string, err error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindBadRequest, fault.OpStatus, "invalid cursor", err)
	}
	cs, err := s.store.List(ctx, state, after, limit+1)
	if err != nil {
		return nil, "", fault.Wrap(fault.KindInternal, fault.OpStatus, "commitment list failed", err)
	}
	page, next = pagination.ComputePage(cs, limit, func(c *Commitment) (time.Time, string) {
		return c.UpdatedAt, c.Hash
	})
	return page, next, nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// transact submits one pool call and waits for it to confirm.
func (s *Service) transact(ctx context.Context, op, method string, args ...any) (*chain.Receipt, error) {
	tx, err := s.ledger.Submit(ctx, method, args...)
	if err != nil {
		return nil, submissionError(op, err)
	}
	s.log(ctx).Info("transaction sent", "op", op, "tx", tx.Hash, "from", tx.From)

	rcpt, err := s.ledger.AwaitConfirmation(ctx, tx)
	if err != nil {
		fe := submissionError(op, err)
		if fe.TxHash == "" {
			fe.TxHash = tx.Hash
		}
		return nil, fe
	}
	return rcpt, nil
}

// advance moves a commitment forward to state. A commitment the relayer has
// never seen is recorded anyway, since the ledger has already accepted it.
func (s *Service) advance(ctx context.Context, op, hash string, to State, apply func(*Commitment)) error {
	c, err := s.lookup(ctx, hash)
	if err != nil {
		s.log(ctx).Error("commitment lookup failed after confirmation", "op", op, "commitment", hash, "error", err)
		c = nil
	}
	now := s.now()
	if c == nil {
		if err == nil {
			s.log(ctx).Warn("confirmed transition for unknown commitment", "op", op, "commitment", hash, "state", to)
		}
		c = &Commitment{Hash: hash, CreatedAt: now}
	} else if c.State.rank() >= to.rank() {
		// The ledger confirmed it, so the transaction details are kept; the
		// recorded state never moves backwards.
		s.log(ctx).Warn("ledger confirmed a transition the record already passed",
			"op", op, "commitment", hash, "recorded", c.State, "confirmed", to)
		to = c.State
	}

	c.State = to
	c.UpdatedAt = now
	apply(c)
	s.record(ctx, op, c)
	return nil
}

func (s *Service) lookup(ctx context.Context, hash string) (*Commitment, error) {
	c, err := s.store.Get(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// record persists a confirmed transition. The ledger is authoritative, so a
// store failure is logged rather than reported as a failed operation.
func (s *Service) record(ctx context.Context, op string, c *Commitment) {
	if err := s.store.Save(context.WithoutCancel(ctx), c); err != nil {
		storeFailures.WithLabelValues(op).Inc()
		s.log(ctx).Error("failed to record commitment", "op", op, "commitment", c.Hash, "state", c.State, "error", err)
	}
}

// claim marks hash as in flight; the second concurrent registration of the
// same commitment is refused instead of racing to the ledger.
func (s *Service) claim(hash string) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[hash]; busy {
		return nil, false
	}
	s.inflight[hash] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inflight, hash)
		s.mu.Unlock()
	}, true
}

func (s *Service) finish(ctx context.Context, op string, start time.Time, err error) {
	elapsed := s.now().Sub(start).Seconds()
	result := "ok"
	if err != nil {
		result = fault.KindOf(err).String()
	}
	operations.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(elapsed)
	s.log(ctx).Info("commitment operation finished", "op", op, "result", result, "elapsed_seconds", elapsed)
}

func (s *Service) notify(kind string, data map[string]any) {
	if s.notifier != nil {
		s.notifier.Notify(kind, data)
	}
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	return logging.Or(ctx, s.logger)
}

func decodeProofArgs(op string, proofData, publicSignals json.RawMessage) (chain.Proof, []*big.Int, error) {
	proof, err := DecodeProof(proofData)
	if err != nil {
		return proof, nil, fault.Wrap(fault.KindBadRequest, op, "invalid proofData", err)
	}
	signals, err := DecodeSignals(publicSignals)
	if err != nil {
		return proof, nil, fault.Wrap(fault.KindBadRequest, op, "invalid publicSignals", err)
	}
	return proof, signals, nil
}

func submissionError(op string, err error) *fault.Error {
	fe := fault.Wrap(fault.KindSubmission, op, "ledger transaction failed", err)
	var txErr *chain.TxError
	if errors.As(err, &txErr) {
		fe.TxHash = txErr.TxHash
	}
	return fe
}

func withTx(err error, txHash string) error {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.TxHash == "" {
		fe.TxHash = txHash
	}
	return err
}

func normalizeHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) != 66 {
			return "", errors.New("expected 32 bytes of hex")
		}
		b, err := hexutil.Decode("0x" + s[2:])
		if err != nil {
			return "", err
		}
		return common.BytesToHash(b).Hex(), nil
	}
	return DeriveHash(s)
}
