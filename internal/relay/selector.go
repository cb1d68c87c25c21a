package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/config"
	"github.com/0gfoundation/0g-aa-wallet/internal/metrics"
	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

// Selection is the relay that produced the first valid estimate.
type Selection struct {
	Endpoint   Endpoint
	EntryPoint common.Address
	Estimate   GasEstimate
}

// Selector tries a chain's relays in configured order.
type Selector struct {
	client  *Client
	chains  config.Chains
	timeout time.Duration
	log     *zap.Logger
}

func NewSelector(client *Client, chains config.Chains, timeout time.Duration, log *zap.Logger) *Selector {
	return &Selector{client: client, chains: chains, timeout: timeout, log: log}
}

// Endpoints returns the chain's relays in priority order.
func (s *Selector) Endpoints(chainID int64) ([]Endpoint, common.Address, error) {
	ch, err := s.chains.Lookup(chainID)
	if err != nil {
		return nil, common.Address{}, err
	}
	entryPoint, err := ch.EntryPointAddress()
	if err != nil {
		return nil, common.Address{}, err
	}
	eps := lo.Map(ch.Relays, func(url string, _ int) Endpoint {
		return Endpoint{URL: url, ChainID: chainID}
	})
	return eps, entryPoint, nil
}

// Select asks each relay for an estimate, one at a time, each bounded by the
// per-relay timeout. The first estimate with every field positive wins. When
// none does, the result is ErrAllRelaysUnavailable and never a relay error.
func (s *Selector) Select(ctx context.Context, chainID int64, op *userop.UserOperation) (*Selection, error) {
	eps, entryPoint, err := s.Endpoints(chainID)
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		est, err := s.estimate(ctx, ep, op, entryPoint)
		if err != nil {
			s.log.Warn("relay unusable, trying next",
				zap.String("relay", ep.URL),
				zap.Int64("chain", chainID),
				zap.Error(err),
			)
			continue
		}
		return &Selection{Endpoint: ep, EntryPoint: entryPoint, Estimate: est}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	metrics.AllRelaysUnavailable.Inc()
	return nil, fmt.Errorf("%w: chain %d, %d relays tried", ErrAllRelaysUnavailable, chainID, len(eps))
}

func (s *Selector) estimate(ctx context.Context, ep Endpoint, op *userop.UserOperation, entryPoint common.Address) (GasEstimate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	est, err := s.client.EstimateGas(ctx, ep, op, nil, entryPoint)
	if err != nil {
		return GasEstimate{}, err
	}
	if !est.Valid() {
		return GasEstimate{}, fmt.Errorf("estimate has non-positive fields: call=%v verification=%v pre=%v",
			est.CallGasLimit, est.VerificationGasLimit, est.PreVerificationGas)
	}
	return est, nil
}

// Submit forwards to the client.
func (s *Selector) Submit(ctx context.Context, sel *Selection, signed *userop.SignedOperation) (common.Hash, error) {
	return s.client.Submit(ctx, sel.Endpoint, signed, sel.EntryPoint)
}

// Receipt looks up opHash on relayURL, or on each of the chain's relays in
// order when relayURL is empty. relayURL must be one of the chain's relays.
func (s *Selector) Receipt(ctx context.Context, chainID int64, relayURL string, opHash common.Hash) (*Receipt, error) {
	if err := s.chains.CheckRelay(chainID, relayURL); err != nil {
		return nil, err
	}
	eps, _, err := s.Endpoints(chainID)
	if err != nil {
		return nil, err
	}
	if relayURL != "" {
		eps = []Endpoint{{URL: relayURL, ChainID: chainID}}
	}
	var lastErr error
	answered := false
	for _, ep := range eps {
		r, err := s.client.GetReceipt(ctx, ep, opHash)
		if err != nil {
			lastErr = err
			continue
		}
		if r.Found {
			return r, nil
		}
		answered = true
	}
	if !answered && lastErr != nil {
		return nil, lastErr
	}
	return &Receipt{}, nil
}
