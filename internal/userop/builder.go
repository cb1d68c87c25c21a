package userop

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/chain"
)

// Builder assembles unsigned operations from chain state.
type Builder struct {
	pool *chain.Pool
	log  *zap.Logger
}

func NewBuilder(pool *chain.Pool, log *zap.Logger) *Builder {
	return &Builder{pool: pool, log: log}
}

// Build reads the sender's entry-point nonce and current fees and encodes
// calls as the account's execute or executeBatch. Gas limits are left zero.
func (b *Builder) Build(ctx context.Context, chainID int64, sender common.Address, calls []Call) (*UserOperation, error) {
	if len(calls) == 0 {
		return nil, errors.New("build operation: no calls")
	}
	ch, err := b.pool.Chain(chainID)
	if err != nil {
		return nil, err
	}
	entryPoint, err := ch.EntryPointAddress()
	if err != nil {
		return nil, err
	}
	backend, err := b.pool.ForChain(chainID)
	if err != nil {
		return nil, err
	}

	callData, err := EncodeCalls(calls)
	if err != nil {
		return nil, fmt.Errorf("encode calls: %w", err)
	}
	nonce, err := AccountNonce(ctx, backend, entryPoint, sender)
	if err != nil {
		return nil, err
	}
	maxFee, tip, err := chain.SuggestFees(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chain.ErrChainRead, err)
	}

	b.log.Debug("operation built",
		zap.Int64("chain", chainID),
		zap.String("sender", sender.Hex()),
		zap.String("nonce", nonce.String()),
		zap.Int("calls", len(calls)),
	)
	return &UserOperation{
		Sender:               sender,
		Nonce:                nonce,
		InitCode:             []byte{},
		CallData:             callData,
		CallGasLimit:         new(big.Int),
		VerificationGasLimit: new(big.Int),
		PreVerificationGas:   new(big.Int),
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
		PaymasterAndData:     []byte{},
	}, nil
}

// AccountNonce reads entryPoint.getNonce(sender, 0).
func AccountNonce(ctx context.Context, caller bind.ContractCaller, entryPoint, sender common.Address) (*big.Int, error) {
	c := bind.NewBoundContract(entryPoint, EntryPoint, caller, nil, nil)
	var out []any
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", sender, new(big.Int)); err != nil {
		return nil, fmt.Errorf("%w: getNonce: %w", chain.ErrChainRead, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%w: getNonce: %d outputs", chain.ErrChainRead, len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: getNonce: output type %T", chain.ErrChainRead, out[0])
	}
	return n, nil
}
