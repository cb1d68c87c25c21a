// Package userop builds, hashes and signs account-abstraction operations
// (entry point v0.6 layout).
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is an unsigned operation. Zero gas fields are placeholders
// until a relay estimate fills them.
type UserOperation struct {
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
}

// SignedOperation pairs an operation with its 65-byte (r,s,v) signature.
// It is never mutated after signing.
type SignedOperation struct {
	Op        UserOperation
	Signature []byte
}

// Copy returns a deep copy of op with nil numbers replaced by zero.
func (op *UserOperation) Copy() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                cloneBig(op.Nonce),
		InitCode:             common.CopyBytes(op.InitCode),
		CallData:             common.CopyBytes(op.CallData),
		CallGasLimit:         cloneBig(op.CallGasLimit),
		VerificationGasLimit: cloneBig(op.VerificationGasLimit),
		PreVerificationGas:   cloneBig(op.PreVerificationGas),
		MaxFeePerGas:         cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(op.PaymasterAndData),
	}
}

// HasGasLimits reports whether all three gas limits are positive.
func (op *UserOperation) HasGasLimits() bool {
	return positive(op.CallGasLimit) && positive(op.VerificationGasLimit) && positive(op.PreVerificationGas)
}

// TotalGas is the sum of the three gas limits.
func (op *UserOperation) TotalGas() *big.Int {
	sum := new(big.Int)
	for _, g := range []*big.Int{op.CallGasLimit, op.VerificationGasLimit, op.PreVerificationGas} {
		if g != nil {
			sum.Add(sum, g)
		}
	}
	return sum
}

func positive(x *big.Int) bool { return x != nil && x.Sign() > 0 }

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// RPCOperation is the JSON form relays speak: quantities and bytes as 0x hex.
type RPCOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// ToRPC renders op with the given signature.
func ToRPC(op *UserOperation, sig []byte) RPCOperation {
	c := op.Copy()
	return RPCOperation{
		Sender:               c.Sender,
		Nonce:                (*hexutil.Big)(c.Nonce),
		InitCode:             c.InitCode,
		CallData:             c.CallData,
		CallGasLimit:         (*hexutil.Big)(c.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(c.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(c.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(c.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(c.MaxPriorityFeePerGas),
		PaymasterAndData:     c.PaymasterAndData,
		Signature:            common.CopyBytes(sig),
	}
}

// Operation converts the wire form back; the signature is returned separately.
func (r RPCOperation) Operation() (*UserOperation, []byte) {
	op := &UserOperation{
		Sender:               r.Sender,
		Nonce:                (*big.Int)(r.Nonce),
		InitCode:             r.InitCode,
		CallData:             r.CallData,
		CallGasLimit:         (*big.Int)(r.CallGasLimit),
		VerificationGasLimit: (*big.Int)(r.VerificationGasLimit),
		PreVerificationGas:   (*big.Int)(r.PreVerificationGas),
		MaxFeePerGas:         (*big.Int)(r.MaxFeePerGas),
		MaxPriorityFeePerGas: (*big.Int)(r.MaxPriorityFeePerGas),
		PaymasterAndData:     r.PaymasterAndData,
	}
	return op.Copy(), common.CopyBytes(r.Signature)
}
