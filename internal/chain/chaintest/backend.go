// Package chaintest provides an in-memory chain.Backend for unit tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrReverted is returned for calls to methods with no handler.
var ErrReverted = errors.New("execution reverted")

// Handler answers a decoded contract call.
type Handler func(args []any) ([]any, error)

type route struct {
	method abi.Method
	fn     Handler
}

// Backend is a scriptable fake node.
type Backend struct {
	mu sync.Mutex

	routes map[[4]byte]route
	calls  map[string]int

	Balances    map[common.Address]*big.Int
	GasPrice    *big.Int
	TipCap      *big.Int
	BaseFee     *big.Int
	GasEstimate uint64
	EstimateErr error
	Nonce       uint64
	SendErr     error
	Sent        []*types.Transaction
}

func New() *Backend {
	return &Backend{
		routes:      make(map[[4]byte]route),
		calls:       make(map[string]int),
		Balances:    make(map[common.Address]*big.Int),
		GasPrice:    big.NewInt(1_000_000_000),
		TipCap:      big.NewInt(1_000_000_000),
		BaseFee:     big.NewInt(10_000_000_000),
		GasEstimate: 200_000,
	}
}

// Handle registers fn for method; inputs are unpacked and outputs packed with the ABI.
func (b *Backend) Handle(method abi.Method, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sel [4]byte
	copy(sel[:], method.ID)
	b.routes[sel] = route{method: method, fn: fn}
}

// Returns registers a handler that always answers outs.
func (b *Backend) Returns(method abi.Method, outs ...any) {
	b.Handle(method, func([]any) ([]any, error) { return outs, nil })
}

// Reverts registers a handler that always fails with err.
func (b *Backend) Reverts(method abi.Method, err error) {
	b.Handle(method, func([]any) ([]any, error) { return nil, err })
}

// CallCount reports how many times a method was called.
func (b *Backend) CallCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

// SentTxs returns a copy of the transactions sent so far.
func (b *Backend) SentTxs() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.Sent...)
}

func (b *Backend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *Backend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(msg.Data) < 4 {
		return nil, ErrReverted
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])

	b.mu.Lock()
	r, ok := b.routes[sel]
	if ok {
		b.calls[r.method.Name]++
	}
	b.mu.Unlock()
	if !ok {
		return nil, ErrReverted
	}

	args, err := r.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	outs, err := r.fn(args)
	if err != nil {
		return nil, err
	}
	return r.method.Outputs.Pack(outs...)
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := &types.Header{Number: big.NewInt(1)}
	if b.BaseFee != nil {
		h.BaseFee = new(big.Int).Set(b.BaseFee)
	}
	return h, nil
}

func (b *Backend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return b.CodeAt(ctx, account, nil)
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Nonce, nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.GasPrice), nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.TipCap), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	return b.GasEstimate, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		return b.SendErr
	}
	b.Sent = append(b.Sent, tx)
	b.Nonce++
	return nil
}

func (b *Backend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (b *Backend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

func (b *Backend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.Balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}
