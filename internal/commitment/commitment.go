// Package commitment drives seller commitments through the asset pool:
// register (operator key), prove and withdraw (relayer key). Every state
// change is recorded only after the ledger confirmed the transaction.
package commitment

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/zkmarket/relayer/internal/chain"
)

// State is a commitment's position in the pool lifecycle.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
	StateProven       State = "proven"
	StateWithdrawn    State = "withdrawn"
)

func (s State) rank() int {
	switch s {
	case StateRegistered:
		return 1
	case StateProven:
		return 2
	case StateWithdrawn:
		return 3
	default:
		return 0
	}
}

// Commitment is the relayer's record of a commitment it has seen confirmed.
type Commitment struct {
	Hash       string    `json:"commitmentHash"`
	Amount     string    `json:"amount,omitempty"`
	State      State     `json:"state"`
	RegisterTx string    `json:"registerTx,omitempty"`
	ProveTx    string    `json:"proveTx,omitempty"`
	WithdrawTx string    `json:"withdrawTx,omitempty"`
	Root       string    `json:"root,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Ack acknowledges a confirmed registration or withdrawal.
type Ack struct {
	Code           int    `json:"code"`
	TxHash         string `json:"txHash,omitempty"`
	CommitmentHash string `json:"commitmentHash,omitempty"`
}

// ProofAck carries the accumulator update emitted by CommitmentProven.
type ProofAck struct {
	Root         string   `json:"root"`
	PathElements []string `json:"pathElements"`
	PathIndices  []int    `json:"pathIndices"`
}

// -----------------------------------------------------------------------------
// Input decoding
// -----------------------------------------------------------------------------

var (
	errNoDigits      = errors.New("description contains no digits")
	errHashTooWide   = errors.New("commitment number does not fit in 32 bytes")
	errBadAmount     = errors.New("amount must be an unsigned base-10 integer")
	errBadProof      = errors.New("proofData must be {a[2], b[2][2], c[2]}")
	errBadSignals    = errors.New("publicSignals must be an array of field elements")
	errBadFieldValue = errors.New("field element must be a decimal or 0x-hex integer")

	digitRun = regexp.MustCompile(`[0-9]+`)
	decimals = regexp.MustCompile(`^[0-9]+$`)

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// DeriveHash extracts the first run of decimal digits in description and
// returns it as a 32-byte, left-padded 0x hex string. Text around the digits
// does not matter: "order 42" and "#42 paid" give the same hash.
func DeriveHash(description string) (string, error) {
	run := digitRun.FindString(description)
	if run == "" {
		return "", errNoDigits
	}
	n, ok := new(big.Int).SetString(run, 10)
	if !ok {
		return "", errNoDigits
	}
	if n.BitLen() > 256 {
		return "", errHashTooWide
	}
	return common.BigToHash(n).Hex(), nil
}

// ParseAmount parses an amount in the token's smallest unit.
func ParseAmount(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if !decimals.MatchString(amount) {
		return nil, errBadAmount
	}
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok || n.Cmp(maxUint256) > 0 {
		return nil, errBadAmount
	}
	return n, nil
}

// DecodeProof decodes a Groth16 proof given either as {"a","b","c"} or as
// the positional [a, b, c] array.
func DecodeProof(raw json.RawMessage) (chain.Proof, error) {
	var parts struct {
		A []json.RawMessage   `json:"a"`
		B [][]json.RawMessage `json:"b"`
		C []json.RawMessage   `json:"c"`
	}
	var proof chain.Proof

	if err := json.Unmarshal(raw, &parts); err != nil {
		var tuple []json.RawMessage
		if err := json.Unmarshal(raw, &tuple); err != nil || len(tuple) != 3 {
			return proof, errBadProof
		}
		if json.Unmarshal(tuple[0], &parts.A) != nil ||
			json.Unmarshal(tuple[1], &parts.B) != nil ||
			json.Unmarshal(tuple[2], &parts.C) != nil {
			return proof, errBadProof
		}
	}

	if len(parts.A) != 2 || len(parts.B) != 2 || len(parts.C) != 2 {
		return proof, errBadProof
	}
	var err error
	for i := 0; i < 2; i++ {
		if proof.A[i], err = parseField(parts.A[i]); err != nil {
			return proof, fmt.Errorf("%w: a[%d]: %v", errBadProof, i, err)
		}
		if proof.C[i], err = parseField(parts.C[i]); err != nil {
			return proof, fmt.Errorf("%w: c[%d]: %v", errBadProof, i, err)
		}
		if len(parts.B[i]) != 2 {
			return proof, errBadProof
		}
		for j := 0; j < 2; j++ {
			if proof.B[i][j], err = parseField(parts.B[i][j]); err != nil {
				return proof, fmt.Errorf("%w: b[%d][%d]: %v", errBadProof, i, j, err)
			}
		}
	}
	return proof, nil
}

// DecodeSignals decodes the public signal vector.
func DecodeSignals(raw json.RawMessage) ([]*big.Int, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, errBadSignals
	}
	out := make([]*big.Int, len(elems))
	for i, e := range elems {
		v, err := parseField(e)
		if err != nil {
			return nil, fmt.Errorf("%w: [%d]: %v", errBadSignals, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// parseField accepts a JSON string holding a decimal or 0x-hex integer, or a
// JSON integer.
func parseField(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var num json.Number
		if err := json.Unmarshal(raw, &num); err != nil {
			return nil, errBadFieldValue
		}
		s = num.String()
	}

	s = strings.TrimSpace(s)
	var (
		n  *big.Int
		ok bool
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, ok = new(big.Int).SetString(s[2:], 16)
	} else if decimals.MatchString(s) {
		n, ok = new(big.Int).SetString(s, 10)
	}
	if !ok || n.Cmp(maxUint256) > 0 {
		return nil, errBadFieldValue
	}
	return n, nil
}

// proofAckFrom reads the accumulator update out of a CommitmentProven event.
func proofAckFrom(ev *chain.Event) (*ProofAck, string, error) {
	commitment, ok := ev.Args["commitment"].([32]byte)
	if !ok {
		return nil, "", errors.New("CommitmentProven without commitment")
	}
	root, ok := ev.Args["root"].([32]byte)
	if !ok {
		return nil, "", errors.New("CommitmentProven without root")
	}
	elements, ok := ev.Args["pathElements"].([][32]byte)
	if !ok {
		return nil, "", errors.New("CommitmentProven without pathElements")
	}
	indices, ok := ev.Args["pathIndices"].([]uint8)
	if !ok {
		return nil, "", errors.New("CommitmentProven without pathIndices")
	}

	ack := &ProofAck{
		Root:         hexutil.Encode(root[:]),
		PathElements: make([]string, len(elements)),
		PathIndices:  make([]int, len(indices)),
	}
	for i, el := range elements {
		ack.PathElements[i] = hexutil.Encode(el[:])
	}
	for i, idx := range indices {
		ack.PathIndices[i] = int(idx)
	}
	return ack, hexutil.Encode(commitment[:]), nil
}

// eventCommitment returns the indexed commitment of a pool event.
func eventCommitment(ev *chain.Event) (string, bool) {
	c, ok := ev.Args["commitment"].([32]byte)
	if !ok {
		return "", false
	}
	return hexutil.Encode(c[:]), true
}
