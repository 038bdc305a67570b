// Package chain is the relayer's typed client for the asset pool contract:
// block height, signed submissions, receipt confirmation and event scans.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/zkmarket/relayer/internal/retry"
	"github.com/zkmarket/relayer/internal/traces"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrSharedSigner      = errors.New("chain: operator and relayer must use different keys")
	ErrNoSigner          = errors.New("chain: no signer authorised for entry point")
	ErrReverted          = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrUnknownEvent      = errors.New("chain: unknown event")
)

// TxError wraps a submission or confirmation failure.
type TxError struct {
	Op     string // pack, nonce, gas_price, estimate_gas, sign, send, confirm
	Method string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s %s failed (tx: %s): %v", e.Method, e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s %s failed: %v", e.Method, e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// -----------------------------------------------------------------------------
// Signers
// -----------------------------------------------------------------------------

// Role names a signing credential.
type Role string

const (
	// RoleOperator holds registration authority.
	RoleOperator Role = "operator"
	// RoleRelayer pays gas for user proofs and withdrawals.
	RoleRelayer Role = "relayer"
)

// SignerPolicy maps each pool entry point to the role authorised to sign it.
type SignerPolicy map[string]Role

// DefaultSignerPolicy separates registration authority from the relayer.
func DefaultSignerPolicy() SignerPolicy {
	return SignerPolicy{
		MethodRegisterCommitment: RoleOperator,
		MethodProveCommitment:    RoleRelayer,
		MethodWithdraw:           RoleRelayer,
	}
}

// signer serialises nonce assignment for one key.
type signer struct {
	role    Role
	key     *ecdsa.PrivateKey
	address common.Address
	mu      sync.Mutex
}

func newSigner(role Role, hexKey string) (*signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrInvalidPrivateKey, role, err)
	}
	return &signer{role: role, key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

const (
	// DefaultConfirmationTimeout bounds AwaitConfirmation.
	DefaultConfirmationTimeout = 2 * time.Minute

	// DefaultSubmitTimeout bounds nonce/gas/send for one submission.
	DefaultSubmitTimeout = 30 * time.Second

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// Config for the pool client.
type Config struct {
	RPCURL      string
	ChainID     int64 // 0 = ask the node
	PoolAddress string
	Keys        map[Role]string // hex private keys
	Policy      SignerPolicy

	SubmitTimeout       time.Duration
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	ReadPolicy          retry.Policy
}

// Option configures the client.
type Option func(*Client)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(ec EthClient) Option {
	return func(c *Client) { c.eth = ec }
}

// Tx identifies a submitted, not yet confirmed, transaction.
type Tx struct {
	Hash   string
	Method string
	From   string
	Nonce  uint64
}

// Event is a decoded pool log.
type Event struct {
	Name        string
	Args        map[string]any
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
}

// Receipt is a confirmed transaction with its decoded pool events.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Events      []Event
}

// Find returns the first event with the given name.
func (r *Receipt) Find(name string) (*Event, bool) {
	for i := range r.Events {
		if r.Events[i].Name == name {
			return &r.Events[i], true
		}
	}
	return nil, false
}

// Client talks to one asset pool contract through one RPC endpoint.
type Client struct {
	eth     EthClient
	pool    common.Address
	poolABI abi.ABI
	chainID *big.Int
	signers map[Role]*signer
	policy  SignerPolicy
	cfg     Config
}

// New creates a pool client. Keys for every role named by the policy are required.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.PoolAddress == "" || !common.IsHexAddress(cfg.PoolAddress) {
		return nil, fmt.Errorf("chain: invalid pool address %q", cfg.PoolAddress)
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultSignerPolicy()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadPolicy.Attempts == 0 {
		cfg.ReadPolicy = retry.DefaultPolicy
	}

	parsed, err := PoolABI()
	if err != nil {
		return nil, fmt.Errorf("chain: parse pool ABI: %w", err)
	}

	c := &Client{
		pool:    common.HexToAddress(cfg.PoolAddress),
		poolABI: parsed,
		signers: make(map[Role]*signer),
		policy:  cfg.Policy,
		cfg:     cfg,
	}

	seen := make(map[common.Address]Role)
	for _, role := range cfg.Policy {
		if _, ok := c.signers[role]; ok {
			continue
		}
		s, err := newSigner(role, cfg.Keys[role])
		if err != nil {
			return nil, err
		}
		if other, dup := seen[s.address]; dup && other != role {
			return nil, ErrSharedSigner
		}
		seen[s.address] = role
		c.signers[role] = s
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = ec
	}

	if cfg.ChainID != 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := c.eth.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %v", ErrRPCConnection, err)
		}
		c.chainID = id
	}

	return c, nil
}

// PoolAddress returns the contract address.
func (c *Client) PoolAddress() string { return c.pool.Hex() }

// ChainID returns the chain the client signs for.
func (c *Client) ChainID() int64 { return c.chainID.Int64() }

// SignerAddress returns the address of the key holding role, or "".
func (c *Client) SignerAddress(role Role) string {
	if s, ok := c.signers[role]; ok {
		return s.address.Hex()
	}
	return ""
}

// CurrentHeight returns the latest block number.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	return retry.Value(ctx, c.cfg.ReadPolicy, c.eth.BlockNumber)
}

// Ping checks RPC connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.eth.BlockNumber(ctx)
	return err
}

// Submit signs and sends a call to a pool entry point with the key the
// signer policy assigns to it. It returns once the node accepted the
// transaction; it never retries.
func (c *Client) Submit(ctx context.Context, method string, args ...any) (tx *Tx, err error) {
	ctx, span := traces.StartSpan(ctx, "chain.Submit", traces.EntryPoint(method))
	defer func() {
		submissionsTotal.WithLabelValues(method, resultLabel(err)).Inc()
		traces.End(span, err)
	}()

	role, ok := c.policy[method]
	if !ok {
		return nil, &TxError{Op: "sign", Method: method, Err: ErrNoSigner}
	}
	s := c.signers[role]

	data, err := c.poolABI.Pack(method, args...)
	if err != nil {
		return nil, &TxError{Op: "pack", Method: method, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	// Hold the signer lock from nonce read to send so concurrent submissions
	// from one key never reuse a nonce.
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, &TxError{Op: "nonce", Method: method, Err: err}
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: "gas_price", Method: method, Err: err}
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &c.pool,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// A failing estimate means the call reverts against current state.
		return nil, &TxError{Op: "estimate_gas", Method: method, Err: fmt.Errorf("%w: %v", ErrReverted, err)}
	}
	gasLimit += gasLimit / 5

	signed, err := types.SignTx(
		types.NewTransaction(nonce, c.pool, big.NewInt(0), gasLimit, gasPrice, data),
		types.NewEIP155Signer(c.chainID),
		s.key,
	)
	if err != nil {
		return nil, &TxError{Op: "sign", Method: method, Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, &TxError{Op: "send", Method: method, TxHash: signed.Hash().Hex(), Err: err}
	}

	span.SetAttributes(traces.TxHash(signed.Hash().Hex()))
	return &Tx{
		Hash:   signed.Hash().Hex(),
		Method: method,
		From:   s.address.Hex(),
		Nonce:  nonce,
	}, nil
}

// AwaitConfirmation polls for the receipt of tx until it is mined, the
// confirmation timeout elapses, or ctx is cancelled. A reverted receipt is
// an error.
func (c *Client) AwaitConfirmation(ctx context.Context, tx *Tx) (rcpt *Receipt, err error) {
	ctx, span := traces.StartSpan(ctx, "chain.AwaitConfirmation", traces.EntryPoint(tx.Method), traces.TxHash(tx.Hash))
	start := time.Now()
	defer func() {
		confirmationsTotal.WithLabelValues(tx.Method, resultLabel(err)).Inc()
		confirmationDuration.WithLabelValues(tx.Method).Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	hash := common.HexToHash(tx.Hash)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: "confirm", Method: tx.Method, TxHash: tx.Hash, Err: ErrTimeout}
			}
			return nil, &TxError{Op: "confirm", Method: tx.Method, TxHash: tx.Hash, Err: ctx.Err()}

		case <-ticker.C:
			receipt, err := c.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, or a transient RPC failure; keep polling.
				continue
			}

			if receipt.Status == types.ReceiptStatusFailed {
				return nil, &TxError{Op: "confirm", Method: tx.Method, TxHash: tx.Hash, Err: ErrReverted}
			}

			out := &Receipt{
				TxHash:  tx.Hash,
				GasUsed: receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			for _, lg := range receipt.Logs {
				if lg == nil || lg.Address != c.pool {
					continue
				}
				ev, err := c.decode(*lg)
				if errors.Is(err, ErrUnknownEvent) {
					continue
				}
				if err != nil {
					return nil, &TxError{Op: "decode", Method: tx.Method, TxHash: tx.Hash, Err: err}
				}
				out.Events = append(out.Events, ev)
			}
			return out, nil
		}
	}
}

// QueryEvents returns every pool event named name in the inclusive block
// range [from, to], in log order.
func (c *Client) QueryEvents(ctx context.Context, name string, from, to uint64) ([]Event, error) {
	ev, ok := c.poolABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	if from > to {
		return nil, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.pool},
		Topics:    [][]common.Hash{{ev.ID}},
	}

	logs, err := retry.Value(ctx, c.cfg.ReadPolicy, func(ctx context.Context) ([]types.Log, error) {
		return c.eth.FilterLogs(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("chain: filter %s logs [%d, %d]: %w", name, from, to, err)
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		decoded, err := c.decode(lg)
		if err != nil {
			return nil, fmt.Errorf("chain: decode %s log (tx %s): %w", name, lg.TxHash.Hex(), err)
		}
		events = append(events, decoded)
	}
	return events, nil
}

func (c *Client) decode(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return Event{}, ErrUnknownEvent
	}
	ev, err := c.poolABI.EventByID(lg.Topics[0])
	if err != nil {
		return Event{}, ErrUnknownEvent
	}

	args := make(map[string]any)
	if err := ev.Inputs.UnpackIntoMap(args, lg.Data); err != nil {
		return Event{}, fmt.Errorf("unpack %s data: %w", ev.Name, err)
	}

	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			return Event{}, fmt.Errorf("unpack %s topics: %w", ev.Name, err)
		}
	}

	return Event{
		Name:        ev.Name,
		Args:        args,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
	}, nil
}

// Close closes the RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReverted):
		return "reverted"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
