package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/commitment"
	"github.com/0gfoundation/0g-aa-wallet/internal/metrics"
)

// ErrChainRead marks a failed status read. The reader recovers from it by
// answering false; it is only returned by the lower-level calls.
var ErrChainRead = errors.New("chain read error")

// CommitmentStatus mirrors getCommitmentStatus(bytes32).
type CommitmentStatus struct {
	Committer    common.Address
	IsCommitted  bool
	IsRevealed   bool
	DefaultValue []byte
}

// Revealable reports whether the status allows a reveal.
func (s CommitmentStatus) Revealable() bool { return s.IsCommitted && !s.IsRevealed }

// revealCheck is one way of asking the contract whether a hash can be revealed.
type revealCheck struct {
	name string
	run  func(ctx context.Context, c *bind.BoundContract, hash [32]byte) (bool, error)
}

// revealChecks are tried in order; the first that answers wins.
var revealChecks = []revealCheck{
	{name: "canReveal", run: callCanReveal},
	{name: "getCommitmentStatus", run: func(ctx context.Context, c *bind.BoundContract, hash [32]byte) (bool, error) {
		st, err := callCommitmentStatus(ctx, c, hash)
		if err != nil {
			return false, err
		}
		return st.Revealable(), nil
	}},
}

// Reader answers read-only commit-reveal questions against a chain.
type Reader struct {
	pool *Pool
	log  *zap.Logger
}

func NewReader(pool *Pool, log *zap.Logger) *Reader {
	return &Reader{pool: pool, log: log}
}

// CanReveal asks the chain's configured RPC. It never errors: any failure
// answers false.
func (r *Reader) CanReveal(ctx context.Context, chainID int64, contract common.Address, hash [32]byte) bool {
	b, err := r.pool.ForChain(chainID)
	if err != nil {
		r.log.Warn("canReveal: no backend", zap.Int64("chain", chainID), zap.Error(err))
		metrics.RevealChecks.WithLabelValues("failed_closed").Inc()
		return false
	}
	return CanRevealOn(ctx, b, contract, hash, r.log)
}

// CanRevealAt is CanReveal against an explicit RPC URL (watcher tasks carry one).
// An empty URL falls back to the chain's configured RPC.
func (r *Reader) CanRevealAt(ctx context.Context, rpcURL string, chainID int64, contract common.Address, hash [32]byte) bool {
	if rpcURL == "" {
		return r.CanReveal(ctx, chainID, contract, hash)
	}
	b, err := r.pool.ForURL(chainID, rpcURL)
	if err != nil {
		r.log.Warn("canReveal: dial", zap.String("rpc", rpcURL), zap.Error(err))
		metrics.RevealChecks.WithLabelValues("failed_closed").Inc()
		return false
	}
	return CanRevealOn(ctx, b, contract, hash, r.log)
}

// Status reads getCommitmentStatus directly.
func (r *Reader) Status(ctx context.Context, chainID int64, contract common.Address, hash [32]byte) (*CommitmentStatus, error) {
	b, err := r.pool.ForChain(chainID)
	if err != nil {
		return nil, err
	}
	st, err := callCommitmentStatus(ctx, bindCommitReveal(contract, b), hash)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// CanRevealOn runs the reveal checks in order against caller and fails closed.
func CanRevealOn(ctx context.Context, caller bind.ContractCaller, contract common.Address, hash [32]byte, log *zap.Logger) bool {
	c := bindCommitReveal(contract, caller)
	var errs []error
	for _, check := range revealChecks {
		ok, err := check.run(ctx, c, hash)
		if err == nil {
			if ok {
				metrics.RevealChecks.WithLabelValues("revealable").Inc()
			} else {
				metrics.RevealChecks.WithLabelValues("pending").Inc()
			}
			return ok
		}
		metrics.ChainReadFailures.WithLabelValues(check.name).Inc()
		errs = append(errs, fmt.Errorf("%s: %w", check.name, err))
	}
	metrics.RevealChecks.WithLabelValues("failed_closed").Inc()
	log.Warn("reveal status unreadable, treating as not revealable",
		zap.String("contract", contract.Hex()),
		zap.String("hash", common.Hash(hash).Hex()),
		zap.Error(fmt.Errorf("%w: %w", ErrChainRead, errors.Join(errs...))),
	)
	return false
}

func bindCommitReveal(contract common.Address, caller bind.ContractCaller) *bind.BoundContract {
	return bind.NewBoundContract(contract, commitment.ParsedABI, caller, nil, nil)
}

func callCanReveal(ctx context.Context, c *bind.BoundContract, hash [32]byte) (bool, error) {
	var out []any
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "canReveal", hash); err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("canReveal: %d outputs", len(out))
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("canReveal: output type %T", out[0])
	}
	return ok, nil
}

func callCommitmentStatus(ctx context.Context, c *bind.BoundContract, hash [32]byte) (CommitmentStatus, error) {
	var out []any
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, "getCommitmentStatus", hash); err != nil {
		return CommitmentStatus{}, err
	}
	if len(out) != 4 {
		return CommitmentStatus{}, fmt.Errorf("getCommitmentStatus: %d outputs", len(out))
	}
	st := CommitmentStatus{}
	var ok [4]bool
	st.Committer, ok[0] = out[0].(common.Address)
	st.IsCommitted, ok[1] = out[1].(bool)
	st.IsRevealed, ok[2] = out[2].(bool)
	st.DefaultValue, ok[3] = out[3].([]byte)
	for i, good := range ok {
		if !good {
			return CommitmentStatus{}, fmt.Errorf("getCommitmentStatus: output %d has type %T", i, out[i])
		}
	}
	return st, nil
}
