// Package fallback submits a signed operation straight to the entry point,
// paid by the signing key, when no relay can take it.
package fallback

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/chain"
	"github.com/0gfoundation/0g-aa-wallet/internal/metrics"
	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

var ErrInsufficientBalance = errors.New("insufficient balance for direct submission")

var (
	DefaultCallGasLimit         = big.NewInt(300_000)
	DefaultVerificationGasLimit = big.NewInt(150_000)
	DefaultPreVerificationGas   = big.NewInt(50_000)

	// handleOpsOverhead covers the outer transaction on top of the op's own limits.
	handleOpsOverhead = big.NewInt(50_000)
)

// WithDefaultGas returns a copy of op whose zero gas limits are replaced by
// the defaults used when no relay produced an estimate.
func WithDefaultGas(op *userop.UserOperation) *userop.UserOperation {
	out := op.Copy()
	if out.CallGasLimit.Sign() <= 0 {
		out.CallGasLimit = new(big.Int).Set(DefaultCallGasLimit)
	}
	if out.VerificationGasLimit.Sign() <= 0 {
		out.VerificationGasLimit = new(big.Int).Set(DefaultVerificationGasLimit)
	}
	if out.PreVerificationGas.Sign() <= 0 {
		out.PreVerificationGas = new(big.Int).Set(DefaultPreVerificationGas)
	}
	return out
}

// Quote is the cost of a direct submission, shown to the user before they
// confirm it.
type Quote struct {
	ChainID    int64
	EntryPoint common.Address
	From       common.Address
	GasLimit   uint64
	GasPrice   *big.Int
	Fee        *big.Int
	Balance    *big.Int
	Sufficient bool
}

// FeeEther renders the fee in ether.
func (q *Quote) FeeEther() string { return weiToEther(q.Fee) }

// BalanceEther renders the balance in ether.
func (q *Quote) BalanceEther() string { return weiToEther(q.Balance) }

func weiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

type Executor struct {
	pool *chain.Pool
	log  *zap.Logger
}

func NewExecutor(pool *chain.Pool, log *zap.Logger) *Executor {
	return &Executor{pool: pool, log: log}
}

// Quote prices handleOps([signed], from) on chainID and reads from's balance.
func (e *Executor) Quote(ctx context.Context, chainID int64, signed *userop.SignedOperation, from common.Address) (*Quote, error) {
	ch, err := e.pool.Chain(chainID)
	if err != nil {
		return nil, err
	}
	entryPoint, err := ch.EntryPointAddress()
	if err != nil {
		return nil, err
	}
	b, err := e.pool.ForChain(chainID)
	if err != nil {
		return nil, err
	}

	data, err := userop.EncodeHandleOps(from, signed)
	if err != nil {
		return nil, fmt.Errorf("encode handleOps: %w", err)
	}
	gas, err := b.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &entryPoint, Data: data})
	if err != nil {
		total := signed.Op.TotalGas()
		total.Add(total, handleOpsOverhead)
		e.log.Warn("handleOps estimate failed, using operation limits",
			zap.Int64("chain", chainID),
			zap.String("gas", total.String()),
			zap.Error(err),
		)
		gas = total.Uint64()
	}
	price, err := b.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %w", chain.ErrChainRead, err)
	}
	balance, err := b.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %w", chain.ErrChainRead, err)
	}

	fee := new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
	return &Quote{
		ChainID:    chainID,
		EntryPoint: entryPoint,
		From:       from,
		GasLimit:   gas,
		GasPrice:   price,
		Fee:        fee,
		Balance:    balance,
		Sufficient: balance.Cmp(fee) >= 0,
	}, nil
}

// Execute sends handleOps([signed], q.From) signed by key at the quoted gas
// limit and price. The balance is read again first; a shortfall refuses with
// ErrInsufficientBalance and nothing is sent.
func (e *Executor) Execute(ctx context.Context, q *Quote, signed *userop.SignedOperation, key *ecdsa.PrivateKey) (common.Hash, error) {
	if key == nil {
		return common.Hash{}, fmt.Errorf("%w: no signing key", userop.ErrSigning)
	}
	if from := crypto.PubkeyToAddress(key.PublicKey); from != q.From {
		return common.Hash{}, fmt.Errorf("%w: key %s does not match quoted account %s", userop.ErrSigning, from.Hex(), q.From.Hex())
	}
	b, err := e.pool.ForChain(q.ChainID)
	if err != nil {
		return common.Hash{}, err
	}

	balance, err := b.BalanceAt(ctx, q.From, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: balance: %w", chain.ErrChainRead, err)
	}
	if balance.Cmp(q.Fee) < 0 {
		metrics.FallbackExecutions.WithLabelValues("insufficient_balance").Inc()
		return common.Hash{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, weiToEther(balance), q.FeeEther())
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(q.ChainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %w", userop.ErrSigning, err)
	}
	opts.Context = ctx
	opts.GasLimit = q.GasLimit
	opts.GasPrice = new(big.Int).Set(q.GasPrice)

	ep := bind.NewBoundContract(q.EntryPoint, userop.EntryPoint, b, b, b)
	tx, err := ep.Transact(opts, "handleOps", userop.HandleOpsArgs(q.From, signed)...)
	if err != nil {
		metrics.FallbackExecutions.WithLabelValues("send_failed").Inc()
		return common.Hash{}, fmt.Errorf("send handleOps: %w", err)
	}
	metrics.FallbackExecutions.WithLabelValues("sent").Inc()
	e.log.Info("direct handleOps sent",
		zap.Int64("chain", q.ChainID),
		zap.String("from", q.From.Hex()),
		zap.String("tx", tx.Hash().Hex()),
		zap.String("fee_eth", q.FeeEther()),
	)
	return tx.Hash(), nil
}
