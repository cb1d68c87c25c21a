// Package commitment derives commitment hashes and encodes the commit/reveal
// call data of the commit-reveal contract. Everything here is pure.
package commitment

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// DefaultMaxPayloadBytes is the reveal payload limit used when a chain does
// not configure its own.
const DefaultMaxPayloadBytes = 8192

// ContractABI is the subset of the commit-reveal contract the service uses.
const ContractABI = `[
{"type":"function","name":"commit","stateMutability":"nonpayable","inputs":[{"name":"commitmentHash","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"reveal","stateMutability":"nonpayable","inputs":[{"name":"data","type":"bytes"}],"outputs":[]},
{"type":"function","name":"canReveal","stateMutability":"view","inputs":[{"name":"commitmentHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getCommitmentStatus","stateMutability":"view","inputs":[{"name":"commitmentHash","type":"bytes32"}],"outputs":[{"name":"committer","type":"address"},{"name":"isCommitted","type":"bool"},{"name":"isRevealed","type":"bool"},{"name":"defaultValue","type":"bytes"}]}
]`

// ParsedABI is ContractABI parsed once at init.
var ParsedABI = mustParse(ContractABI)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Errorf("commitment: invalid contract ABI: %w", err))
	}
	return parsed
}

// ErrEncoding is matched by every *EncodingError.
var ErrEncoding = errors.New("encoding error")

// EncodingError reports a payload or call-data the codec cannot handle.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string { return "encoding error: " + e.Reason }

func (e *EncodingError) Is(target error) bool { return target == ErrEncoding }

func encodingErr(format string, args ...any) error {
	return &EncodingError{Reason: fmt.Sprintf(format, args...)}
}

// ComputeCommitmentHash returns sha256(payload).
func ComputeCommitmentHash(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// Codec encodes call data under a per-chain payload limit.
type Codec struct {
	MaxPayloadBytes int
}

// NewCodec returns a codec for the given limit; limit <= 0 selects the default.
func NewCodec(limit int) Codec {
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}
	return Codec{MaxPayloadBytes: limit}
}

// CheckPayload validates the payload size against the limit.
func (c Codec) CheckPayload(payload []byte) error {
	if len(payload) == 0 {
		return encodingErr("empty payload")
	}
	limit := c.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}
	if len(payload) > limit {
		return encodingErr("payload is %d bytes, limit %d", len(payload), limit)
	}
	return nil
}

// EncodeCommitCall returns the call data for commit(bytes32).
func EncodeCommitCall(hash [32]byte) []byte {
	data, err := ParsedABI.Pack("commit", hash)
	if err != nil {
		// bytes32 always packs
		panic(err)
	}
	return data
}

// EncodeRevealCall returns the call data for reveal(bytes).
func (c Codec) EncodeRevealCall(payload []byte) ([]byte, error) {
	if err := c.CheckPayload(payload); err != nil {
		return nil, err
	}
	data, err := ParsedABI.Pack("reveal", payload)
	if err != nil {
		return nil, encodingErr("pack reveal: %v", err)
	}
	return data, nil
}

// DecodeCommitCall recovers the hash from commit(bytes32) call data.
func DecodeCommitCall(data []byte) ([32]byte, error) {
	var hash [32]byte
	args, err := unpackCall("commit", data)
	if err != nil {
		return hash, err
	}
	h, ok := args[0].([32]byte)
	if !ok {
		return hash, encodingErr("commit argument has type %T", args[0])
	}
	return h, nil
}

// DecodeRevealCall recovers the payload from reveal(bytes) call data.
func DecodeRevealCall(data []byte) ([]byte, error) {
	args, err := unpackCall("reveal", data)
	if err != nil {
		return nil, err
	}
	payload, ok := args[0].([]byte)
	if !ok {
		return nil, encodingErr("reveal argument has type %T", args[0])
	}
	return payload, nil
}

func unpackCall(method string, data []byte) ([]any, error) {
	m := ParsedABI.Methods[method]
	if len(data) < 4 || !bytes.Equal(data[:4], m.ID) {
		return nil, encodingErr("not a %s call", method)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, encodingErr("unpack %s: %v", method, err)
	}
	if len(args) != 1 {
		return nil, encodingErr("%s: expected 1 argument, got %d", method, len(args))
	}
	return args, nil
}
