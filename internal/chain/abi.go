package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Pool entry points.
const (
	MethodRegisterCommitment = "registerCommitment"
	MethodProveCommitment    = "proveCommitment"
	MethodWithdraw           = "withdraw"
)

// Pool events.
const (
	EventCommitmentRegistered = "CommitmentRegistered"
	EventCommitmentProven     = "CommitmentProven"
	EventWithdrawal           = "Withdrawal"
	EventSellerPayouts        = "SellerPayouts"
)

// poolABI is the subset of the PayPal USDC asset pool interface the relayer
// calls or listens to.
const poolABI = `[
	{"type":"function","name":"registerCommitment","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"commitment","type":"bytes32"},{"name":"amount","type":"uint256"}]},
	{"type":"function","name":"proveCommitment","stateMutability":"nonpayable","outputs":[],
	 "inputs":[
		{"name":"proof","type":"tuple","components":[
			{"name":"a","type":"uint256[2]"},
			{"name":"b","type":"uint256[2][2]"},
			{"name":"c","type":"uint256[2]"}]},
		{"name":"publicSignals","type":"uint256[]"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","outputs":[],
	 "inputs":[
		{"name":"proof","type":"tuple","components":[
			{"name":"a","type":"uint256[2]"},
			{"name":"b","type":"uint256[2][2]"},
			{"name":"c","type":"uint256[2]"}]},
		{"name":"publicSignals","type":"uint256[]"}]},
	{"type":"event","name":"CommitmentRegistered","anonymous":false,
	 "inputs":[{"name":"commitment","type":"bytes32","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"CommitmentProven","anonymous":false,
	 "inputs":[
		{"name":"commitment","type":"bytes32","indexed":true},
		{"name":"root","type":"bytes32","indexed":false},
		{"name":"pathElements","type":"bytes32[]","indexed":false},
		{"name":"pathIndices","type":"uint8[]","indexed":false}]},
	{"type":"event","name":"Withdrawal","anonymous":false,
	 "inputs":[
		{"name":"commitment","type":"bytes32","indexed":true},
		{"name":"nullifierHash","type":"bytes32","indexed":false},
		{"name":"relayer","type":"address","indexed":false}]},
	{"type":"event","name":"SellerPayouts","anonymous":false,
	 "inputs":[{"name":"paypalAccount","type":"string","indexed":false},{"name":"amount","type":"uint256","indexed":false}]}
]`

// Proof is the Groth16 proof tuple accepted by proveCommitment and withdraw.
type Proof struct {
	A [2]*big.Int
	B [2][2]*big.Int
	C [2]*big.Int
}

// PoolABI parses the pool interface.
func PoolABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(poolABI))
}
