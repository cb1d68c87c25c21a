package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-aa-wallet/internal/config"
)

// Backend is the node surface the service uses. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// DialFunc opens a Backend for an RPC URL.
type DialFunc func(rpcURL string) (Backend, error)

// DialEth dials an RPC endpoint with go-ethereum's client.
func DialEth(rpcURL string) (Backend, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	return c, nil
}

// Pool hands out one Backend per RPC URL, dialled lazily.
type Pool struct {
	chains config.Chains
	dial   DialFunc

	mu    sync.Mutex
	byURL map[string]Backend
}

func NewPool(chains config.Chains, dial DialFunc) *Pool {
	if dial == nil {
		dial = DialEth
	}
	return &Pool{
		chains: chains,
		dial:   dial,
		byURL:  make(map[string]Backend),
	}
}

// Chain returns the registration for chainID (config.ErrUnknownChain if absent).
func (p *Pool) Chain(chainID int64) (*config.ChainConfig, error) {
	return p.chains.Lookup(chainID)
}

// ForChain returns the backend of the chain's configured RPC.
func (p *Pool) ForChain(chainID int64) (Backend, error) {
	ch, err := p.chains.Lookup(chainID)
	if err != nil {
		return nil, err
	}
	return p.backend(ch.RPCURL)
}

// ForURL returns the backend for an RPC URL listed for chainID. URLs the
// chain table does not name fail with config.ErrUnlistedURL and are never
// dialled.
func (p *Pool) ForURL(chainID int64, rpcURL string) (Backend, error) {
	if rpcURL == "" {
		return p.ForChain(chainID)
	}
	if err := p.chains.CheckRPC(chainID, rpcURL); err != nil {
		return nil, err
	}
	return p.backend(rpcURL)
}

func (p *Pool) backend(rpcURL string) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.byURL[rpcURL]; ok {
		return b, nil
	}
	b, err := p.dial(rpcURL)
	if err != nil {
		return nil, err
	}
	p.byURL[rpcURL] = b
	return b, nil
}
