package chain

import (
	"context"
	"fmt"
	"math/big"
)

var (
	minPriorityFee = big.NewInt(1_000_000_000) // 1 gwei
	tipBufferPct   = big.NewInt(13)
)

// SuggestFees returns (maxFeePerGas, maxPriorityFeePerGas) for a new operation:
// tip + 13%, floored at 1 gwei, and max fee = 2×baseFee + tip. Chains without a
// base fee get max fee = tip.
func SuggestFees(ctx context.Context, b Backend) (*big.Int, *big.Int, error) {
	tip, err := b.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	header, err := b.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}

	buffer := new(big.Int).Mul(tip, tipBufferPct)
	buffer.Div(buffer, big.NewInt(100))
	priority := new(big.Int).Add(tip, buffer)
	if priority.Cmp(minPriorityFee) < 0 {
		priority = new(big.Int).Set(minPriorityFee)
	}

	if header.BaseFee == nil {
		return new(big.Int).Set(priority), priority, nil
	}
	maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	maxFee.Add(maxFee, priority)
	return maxFee, priority, nil
}
