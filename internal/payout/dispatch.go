package payout

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zkmarket/relayer/internal/chain"
	"github.com/zkmarket/relayer/internal/paypal"
)

// DispatchStatus tracks a batch through the gateway.
type DispatchStatus string

const (
	// StatusPending means the batch was built and may or may not have
	// reached the gateway. It is replayed, with the same key, before any
	// new range is scanned.
	StatusPending DispatchStatus = "pending"
	// StatusCompleted means the gateway accepted the batch and the
	// checkpoint moved to ToBlock.
	StatusCompleted DispatchStatus = "completed"
)

// Item is one recipient line of a batch.
type Item struct {
	Recipient string `json:"recipient"`
	Units     string `json:"units"` // token units covered by Value, exact
	Value     string `json:"value"` // fiat amount sent to the gateway
}

// Dispatch is the durable record of one batch covering (FromBlock-1, ToBlock].
// Carry holds each recipient's sub-cent remainder after this batch; it
// becomes the store's carry when the batch completes.
type Dispatch struct {
	ID         string            `json:"id"` // idempotency key
	FromBlock  uint64            `json:"fromBlock"`
	ToBlock    uint64            `json:"toBlock"`
	Items      []Item            `json:"items"`
	Total      string            `json:"total"` // fiat, sum of item values
	Dust       string            `json:"dust"`  // sum of Carry, token units
	Carry      map[string]string `json:"carry,omitempty"`
	Status     DispatchStatus    `json:"status"`
	BatchID    string            `json:"batchId,omitempty"`
	Duplicate  bool              `json:"duplicate,omitempty"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"lastError,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	SettledAt  *time.Time        `json:"settledAt,omitempty"`
	EventCount int               `json:"eventCount"`
}

// Completion is what the store needs to close out a dispatch.
type Completion struct {
	ID        string
	BatchID   string
	Duplicate bool
	ToBlock   uint64
	At        time.Time
	// Carry replaces the stored per-recipient remainders.
	Carry map[string]string
}

// DispatchKey derives the idempotency key for a block range of one pool.
// The same range always yields the same key, so a redispatch after a lost
// acknowledgement is recognised by the gateway as the batch it already has.
func DispatchKey(chainID int64, pool string, from, to uint64) string {
	name := fmt.Sprintf("zkmarket:payouts:%d:%s:%d:%d", chainID, strings.ToLower(pool), from, to)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

var errMalformedEvent = errors.New("payout: malformed SellerPayouts event")

// Aggregate sums SellerPayouts amounts per PayPal account.
func Aggregate(events []chain.Event) (map[string]*big.Int, error) {
	totals := make(map[string]*big.Int)
	for _, ev := range events {
		account, ok := ev.Args["paypalAccount"].(string)
		if !ok || strings.TrimSpace(account) == "" {
			return nil, fmt.Errorf("%w: block %d tx %s: missing paypalAccount", errMalformedEvent, ev.BlockNumber, ev.TxHash)
		}
		amount, ok := ev.Args["amount"].(*big.Int)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: block %d tx %s: bad amount", errMalformedEvent, ev.BlockNumber, ev.TxHash)
		}

		if sum, exists := totals[account]; exists {
			sum.Add(sum, amount)
		} else {
			totals[account] = new(big.Int).Set(amount)
		}
	}
	return totals, nil
}

// addCarry folds remainders owed from earlier batches into totals.
func addCarry(totals map[string]*big.Int, carry map[string]string) error {
	for r, v := range carry {
		units, ok := new(big.Int).SetString(v, 10)
		if !ok || units.Sign() < 0 {
			return fmt.Errorf("payout: bad carried amount %q for %s", v, r)
		}
		if sum, exists := totals[r]; exists {
			sum.Add(sum, units)
		} else {
			totals[r] = units
		}
	}
	return nil
}

// buildItems converts aggregated units into gateway lines, sorted by
// recipient. Each recipient's sub-cent remainder goes into carry, to be
// added to their next batch; a recipient whose total truncates to zero is
// carried whole.
func buildItems(totals map[string]*big.Int, tokenDecimals int32) (items []Item, carry map[string]*big.Int) {
	recipients := make([]string, 0, len(totals))
	for r := range totals {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)

	carry = make(map[string]*big.Int)
	for _, r := range recipients {
		units := totals[r]
		value, rem := ToFiat(units, tokenDecimals)
		if rem.Sign() > 0 {
			carry[r] = rem
		}
		if value == "0.00" {
			continue
		}
		paid := new(big.Int).Sub(units, rem)
		items = append(items, Item{Recipient: r, Units: paid.String(), Value: value})
	}
	return items, carry
}

func carrySum(carry map[string]*big.Int) *big.Int {
	sum := new(big.Int)
	for _, v := range carry {
		sum.Add(sum, v)
	}
	return sum
}

func carryStrings(carry map[string]*big.Int) map[string]string {
	if len(carry) == 0 {
		return nil
	}
	out := make(map[string]string, len(carry))
	for r, v := range carry {
		out[r] = v.String()
	}
	return out
}

// request renders the dispatch as a PayPal batch.
func (d *Dispatch) request(cfg Config) *paypal.BatchRequest {
	req := &paypal.BatchRequest{
		SenderBatchHeader: paypal.SenderBatchHeader{
			SenderBatchID: d.ID,
			EmailSubject:  cfg.EmailSubject,
			EmailMessage:  cfg.EmailMessage,
		},
		Items: make([]paypal.PayoutItem, 0, len(d.Items)),
	}
	for _, it := range d.Items {
		req.Items = append(req.Items, paypal.PayoutItem{
			RecipientType:        "EMAIL",
			Amount:               paypal.Amount{Value: it.Value, Currency: cfg.Currency},
			Note:                 cfg.Note,
			Receiver:             it.Recipient,
			NotificationLanguage: "en-US",
		})
	}
	return req
}
