package config

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

var (
	// ErrUnknownChain is the ConfigurationError class: the chain is not
	// registered or lacks an address the caller needs.
	ErrUnknownChain = errors.New("configuration error")
	// ErrUnlistedURL: a caller named an RPC or relay endpoint that the chain
	// table does not list.
	ErrUnlistedURL = errors.New("endpoint not configured")
)

// Chains is the configured chain table, looked up by chain ID.
type Chains []ChainConfig

// Lookup returns the registration for chainID.
func (cs Chains) Lookup(chainID int64) (*ChainConfig, error) {
	for i := range cs {
		if cs[i].ChainID == chainID {
			return &cs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no configuration for chain %d", ErrUnknownChain, chainID)
}

// CheckRPC accepts rpcURL if it is empty (the chain's own RPC) or listed for
// chainID.
func (cs Chains) CheckRPC(chainID int64, rpcURL string) error {
	ch, err := cs.Lookup(chainID)
	if err != nil {
		return err
	}
	if rpcURL == "" || lo.Contains(ch.RPCEndpoints(), rpcURL) {
		return nil
	}
	return fmt.Errorf("%w: rpc %q is not listed for chain %d", ErrUnlistedURL, rpcURL, chainID)
}

// CheckRelay is CheckRPC for relay endpoints.
func (cs Chains) CheckRelay(chainID int64, relayURL string) error {
	ch, err := cs.Lookup(chainID)
	if err != nil {
		return err
	}
	if relayURL == "" || lo.Contains(ch.Relays, relayURL) {
		return nil
	}
	return fmt.Errorf("%w: relay %q is not listed for chain %d", ErrUnlistedURL, relayURL, chainID)
}

// RPCEndpoints returns rpc_url followed by the extra rpc_urls, deduplicated.
func (c *ChainConfig) RPCEndpoints() []string {
	return lo.Uniq(lo.Without(append([]string{c.RPCURL}, c.RPCURLs...), ""))
}

// EntryPointAddress returns the entry-point contract, or ErrUnknownChain if unset.
func (c *ChainConfig) EntryPointAddress() (common.Address, error) {
	return requireAddress(c.ChainID, "entry_point", c.EntryPoint)
}

// CommitRevealAddress returns the default commit-reveal contract for the chain.
func (c *ChainConfig) CommitRevealAddress() (common.Address, error) {
	return requireAddress(c.ChainID, "commit_reveal", c.CommitReveal)
}

func requireAddress(chainID int64, field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: chain %d: %s not configured", ErrUnknownChain, chainID, field)
	}
	return common.HexToAddress(raw), nil
}
