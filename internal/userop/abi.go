package userop

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// EntryPointABI covers the entry-point methods the service calls.
const EntryPointABI = `[
  {"type":"function","name":"getNonce","stateMutability":"view",
   "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
   "outputs":[{"name":"nonce","type":"uint256"}]},
  {"type":"function","name":"handleOps","stateMutability":"nonpayable",
   "inputs":[
     {"name":"ops","type":"tuple[]","components":[
       {"name":"sender","type":"address"},
       {"name":"nonce","type":"uint256"},
       {"name":"initCode","type":"bytes"},
       {"name":"callData","type":"bytes"},
       {"name":"callGasLimit","type":"uint256"},
       {"name":"verificationGasLimit","type":"uint256"},
       {"name":"preVerificationGas","type":"uint256"},
       {"name":"maxFeePerGas","type":"uint256"},
       {"name":"maxPriorityFeePerGas","type":"uint256"},
       {"name":"paymasterAndData","type":"bytes"},
       {"name":"signature","type":"bytes"}]},
     {"name":"beneficiary","type":"address"}],
   "outputs":[]}
]`

// AccountABI is the smart-account surface used to build call data.
const AccountABI = `[
  {"type":"function","name":"execute","stateMutability":"nonpayable",
   "inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],
   "outputs":[]},
  {"type":"function","name":"executeBatch","stateMutability":"nonpayable",
   "inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}],
   "outputs":[]}
]`

var (
	EntryPoint = mustParse(EntryPointABI)
	Account    = mustParse(AccountABI)
)

func mustParse(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// entryPointOp matches the handleOps tuple by field name.
type entryPointOp struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toEntryPointOp(s *SignedOperation) entryPointOp {
	op := s.Op.Copy()
	return entryPointOp{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            common.CopyBytes(s.Signature),
	}
}

// HandleOpsArgs returns the arguments for handleOps([ops], beneficiary).
func HandleOpsArgs(beneficiary common.Address, ops ...*SignedOperation) []any {
	packed := make([]entryPointOp, len(ops))
	for i, s := range ops {
		packed[i] = toEntryPointOp(s)
	}
	return []any{packed, beneficiary}
}

// EncodeHandleOps returns the handleOps call data.
func EncodeHandleOps(beneficiary common.Address, ops ...*SignedOperation) ([]byte, error) {
	return EntryPoint.Pack("handleOps", HandleOpsArgs(beneficiary, ops...)...)
}

// Call is one account-level call.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// EncodeCalls returns execute(...) for a single call and executeBatch(...)
// for several.
func EncodeCalls(calls []Call) ([]byte, error) {
	if len(calls) == 1 {
		c := calls[0]
		return Account.Pack("execute", c.To, cloneBig(c.Value), nonNil(c.Data))
	}
	dest := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	data := make([][]byte, len(calls))
	for i, c := range calls {
		dest[i], values[i], data[i] = c.To, cloneBig(c.Value), nonNil(c.Data)
	}
	return Account.Pack("executeBatch", dest, values, data)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
