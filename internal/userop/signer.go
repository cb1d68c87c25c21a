package userop

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSigning covers a missing or unusable key.
var ErrSigning = errors.New("signing error")

var (
	tAddress, _ = abi.NewType("address", "", nil)
	tUint256, _ = abi.NewType("uint256", "", nil)
	tBytes32, _ = abi.NewType("bytes32", "", nil)

	packedOpArgs = abi.Arguments{
		{Type: tAddress}, {Type: tUint256}, {Type: tBytes32}, {Type: tBytes32},
		{Type: tUint256}, {Type: tUint256}, {Type: tUint256}, {Type: tUint256}, {Type: tUint256},
		{Type: tBytes32},
	}
	opHashArgs = abi.Arguments{{Type: tBytes32}, {Type: tAddress}, {Type: tUint256}}
)

// Hash is the canonical operation hash bound to an entry point and chain:
// keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainID)).
func Hash(op *UserOperation, entryPoint common.Address, chainID *big.Int) [32]byte {
	c := op.Copy()
	inner, err := packedOpArgs.Pack(
		c.Sender, c.Nonce,
		crypto.Keccak256Hash(c.InitCode), crypto.Keccak256Hash(c.CallData),
		c.CallGasLimit, c.VerificationGasLimit, c.PreVerificationGas,
		c.MaxFeePerGas, c.MaxPriorityFeePerGas,
		crypto.Keccak256Hash(c.PaymasterAndData),
	)
	if err != nil {
		panic(fmt.Sprintf("pack user operation: %v", err))
	}
	outer, err := opHashArgs.Pack(crypto.Keccak256Hash(inner), entryPoint, new(big.Int).Set(chainID))
	if err != nil {
		panic(fmt.Sprintf("pack user operation hash: %v", err))
	}
	return crypto.Keccak256Hash(outer)
}

// HashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// SignMessage produces an EIP-191 personal-message signature with V in {27,28}.
func SignMessage(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no signing key", ErrSigning)
	}
	sig, err := crypto.Sign(HashMessage(msg), key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverMessage extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func RecoverMessage(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}
	pub, err := crypto.SigToPub(HashMessage(msg), sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign hashes op for (entryPoint, chainID) and signs the 32-byte hash as a
// personal message. op is copied; the result is independent of later edits.
func Sign(op *UserOperation, entryPoint common.Address, chainID *big.Int, key *ecdsa.PrivateKey) (*SignedOperation, error) {
	h := Hash(op, entryPoint, chainID)
	sig, err := SignMessage(key, h[:])
	if err != nil {
		return nil, err
	}
	return &SignedOperation{Op: *op.Copy(), Signature: sig}, nil
}

// RecoverSigner returns the address that signed s for (entryPoint, chainID).
func RecoverSigner(s *SignedOperation, entryPoint common.Address, chainID *big.Int) (common.Address, error) {
	h := Hash(&s.Op, entryPoint, chainID)
	return RecoverMessage(h[:], s.Signature)
}

// DummySignature is a well-formed placeholder relays accept during estimation.
var DummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
