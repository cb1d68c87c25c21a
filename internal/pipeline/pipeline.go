// Package pipeline runs an account operation from build to submission:
// build, select a relay by estimate, sign, submit. When no relay can take
// the operation it is priced for direct submission and parked as an offer
// the caller must confirm.
package pipeline

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/config"
	"github.com/0gfoundation/0g-aa-wallet/internal/fallback"
	"github.com/0gfoundation/0g-aa-wallet/internal/keys"
	"github.com/0gfoundation/0g-aa-wallet/internal/relay"
	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusFallbackRequired Status = "fallback_required"
	StatusFallbackSent     Status = "fallback_sent"
	StatusDeclined         Status = "declined"
)

// Request is one logical account operation.
type Request struct {
	ChainID int64
	Sender  common.Address
	Calls   []userop.Call
}

type Result struct {
	Status Status
	// Relay path
	OpHash common.Hash
	Relay  string
	// Fallback path
	Offer  *Offer
	TxHash common.Hash
}

type Pipeline struct {
	chains   config.Chains
	builder  *userop.Builder
	selector *relay.Selector
	executor *fallback.Executor
	keys     keys.Source
	offers   *OfferStore
	offerTTL time.Duration
	log      *zap.Logger

	locks senderLocks
}

func New(
	chains config.Chains,
	builder *userop.Builder,
	selector *relay.Selector,
	executor *fallback.Executor,
	keySource keys.Source,
	offers *OfferStore,
	offerTTL time.Duration,
	log *zap.Logger,
) *Pipeline {
	return &Pipeline{
		chains:   chains,
		builder:  builder,
		selector: selector,
		executor: executor,
		keys:     keySource,
		offers:   offers,
		offerTTL: offerTTL,
		log:      log,
		locks:    senderLocks{m: make(map[string]*senderLock)},
	}
}

// Submit builds, prices, signs and submits req. Operations from the same
// sender on the same chain run one at a time so nonces are not reused.
func (p *Pipeline) Submit(ctx context.Context, req Request) (*Result, error) {
	unlock := p.locks.lock(req.ChainID, req.Sender)
	defer unlock()

	op, err := p.builder.Build(ctx, req.ChainID, req.Sender, req.Calls)
	if err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	key, err := p.keys.Key(ctx, req.Sender)
	if err != nil {
		return nil, err
	}

	sel, err := p.selector.Select(ctx, req.ChainID, op)
	if errors.Is(err, relay.ErrAllRelaysUnavailable) {
		p.log.Warn("no relay available, preparing direct submission offer",
			zap.Int64("chain", req.ChainID),
			zap.String("sender", req.Sender.Hex()),
		)
		return p.offerFallback(ctx, req.ChainID, op, key)
	}
	if err != nil {
		return nil, err
	}

	signed, err := userop.Sign(sel.Estimate.Apply(op), sel.EntryPoint, big.NewInt(req.ChainID), key)
	if err != nil {
		return nil, err
	}
	opHash, err := p.selector.Submit(ctx, sel, signed)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusSubmitted, OpHash: opHash, Relay: sel.Endpoint.URL}, nil
}

func (p *Pipeline) offerFallback(ctx context.Context, chainID int64, op *userop.UserOperation, key *ecdsa.PrivateKey) (*Result, error) {
	ch, err := p.chains.Lookup(chainID)
	if err != nil {
		return nil, err
	}
	entryPoint, err := ch.EntryPointAddress()
	if err != nil {
		return nil, err
	}
	signed, err := userop.Sign(fallback.WithDefaultGas(op), entryPoint, big.NewInt(chainID), key)
	if err != nil {
		return nil, err
	}
	quote, err := p.executor.Quote(ctx, chainID, signed, crypto.PubkeyToAddress(key.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("quote direct submission: %w", err)
	}

	offer := &Offer{
		Token:     uuid.NewString(),
		Signed:    signed,
		Quote:     quote,
		ExpiresAt: time.Now().Add(p.offerTTL),
	}
	if err := p.offers.Put(ctx, offer, p.offerTTL); err != nil {
		return nil, err
	}
	p.log.Info("direct submission offered",
		zap.String("token", offer.Token),
		zap.String("fee_eth", quote.FeeEther()),
		zap.String("balance_eth", quote.BalanceEther()),
		zap.Bool("sufficient", quote.Sufficient),
	)
	return &Result{Status: StatusFallbackRequired, Offer: offer}, nil
}

// ConfirmFallback consumes an offer. Without confirmation nothing is sent.
func (p *Pipeline) ConfirmFallback(ctx context.Context, token string, confirm bool) (*Result, error) {
	offer, err := p.offers.Take(ctx, token)
	if err != nil {
		return nil, err
	}
	if !confirm {
		p.log.Info("direct submission declined", zap.String("token", token))
		return &Result{Status: StatusDeclined, Offer: offer}, nil
	}

	unlock := p.locks.lock(offer.Quote.ChainID, offer.Signed.Op.Sender)
	defer unlock()

	key, err := p.keys.Key(ctx, offer.Signed.Op.Sender)
	if err != nil {
		return nil, err
	}
	txHash, err := p.executor.Execute(ctx, offer.Quote, offer.Signed, key)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusFallbackSent, Offer: offer, TxHash: txHash}, nil
}

// Receipt looks an operation up on relayURL, or on each of the chain's relays.
func (p *Pipeline) Receipt(ctx context.Context, chainID int64, relayURL string, opHash common.Hash) (*relay.Receipt, error) {
	return p.selector.Receipt(ctx, chainID, relayURL, opHash)
}

// ── per-sender sequencing ────────────────────────────────────────────────────

type senderLock struct {
	mu   sync.Mutex
	refs int
}

type senderLocks struct {
	mu sync.Mutex
	m  map[string]*senderLock
}

func (l *senderLocks) lock(chainID int64, sender common.Address) func() {
	k := fmt.Sprintf("%d:%s", chainID, strings.ToLower(sender.Hex()))

	l.mu.Lock()
	e, ok := l.m[k]
	if !ok {
		e = &senderLock{}
		l.m[k] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, k)
		}
		l.mu.Unlock()
	}
}
