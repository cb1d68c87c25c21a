// Package coordinator owns the commit → revealable → reveal lifecycle of
// commitments. Revealability is a contract-side fact: it is only ever learned
// from the chain reader or from the background watcher.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/commitment"
	"github.com/0gfoundation/0g-aa-wallet/internal/config"
)

var (
	ErrUnknownCommitment = errors.New("unknown commitment")
	ErrNotRevealable     = errors.New("commitment not revealable yet")
	ErrAlreadyRevealed   = errors.New("commitment already revealed")
	ErrInvalidTransition = errors.New("invalid commitment transition")

	// ErrCommitmentConflict: the payload is already committed on another
	// chain or contract. A record belongs to exactly one (chain, contract).
	ErrCommitmentConflict = errors.New("commitment bound to another chain or contract")
)

// State is the local view of a commitment. Ordinals only grow.
type State uint8

const (
	StateUncommitted State = iota
	StateCommitted
	StateRevealable
	StateRevealed
)

func (s State) String() string {
	switch s {
	case StateUncommitted:
		return "UNCOMMITTED"
	case StateCommitted:
		return "COMMITTED"
	case StateRevealable:
		return "REVEALABLE"
	case StateRevealed:
		return "REVEALED"
	default:
		return "UNKNOWN"
	}
}

func ParseState(s string) (State, error) {
	for st := StateUncommitted; st <= StateRevealed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown commitment state %q", s)
}

// Commitment is a payload hash awaiting (or past) its reveal.
type Commitment struct {
	Hash      [32]byte
	Payload   []byte
	ChainID   int64
	Contract  common.Address
	Committer common.Address
	State     State
	UpdatedAt time.Time
}

// RevealChecker is the chain reader's fail-closed revealability query.
type RevealChecker interface {
	CanReveal(ctx context.Context, chainID int64, contract common.Address, hash [32]byte) bool
}

// CommitRequest describes a new commitment. A zero Contract selects the
// chain's configured commit-reveal contract.
type CommitRequest struct {
	Payload   []byte
	ChainID   int64
	Contract  common.Address
	Committer common.Address
}

type Coordinator struct {
	store  *Store
	reader RevealChecker
	chains config.Chains
	log    *zap.Logger
}

func New(store *Store, reader RevealChecker, chains config.Chains, log *zap.Logger) *Coordinator {
	return &Coordinator{store: store, reader: reader, chains: chains, log: log}
}

// Commit hashes the payload, records the commitment as UNCOMMITTED and
// returns the commit(bytes32) call data. The caller broadcasts it.
// Committing the same payload again returns the existing record.
func (c *Coordinator) Commit(ctx context.Context, req CommitRequest) (*Commitment, []byte, error) {
	contract, codec, err := c.resolve(req.ChainID, req.Contract)
	if err != nil {
		return nil, nil, err
	}
	if err := codec.CheckPayload(req.Payload); err != nil {
		return nil, nil, err
	}

	cm := &Commitment{
		Hash:      commitment.ComputeCommitmentHash(req.Payload),
		Payload:   append([]byte(nil), req.Payload...),
		ChainID:   req.ChainID,
		Contract:  contract,
		Committer: req.Committer,
		State:     StateUncommitted,
		UpdatedAt: time.Now(),
	}
	created, err := c.store.Create(ctx, cm)
	if err != nil {
		return nil, nil, err
	}
	if !created {
		existing, err := c.store.Get(ctx, cm.Hash)
		if err != nil {
			return nil, nil, err
		}
		if existing == nil {
			return nil, nil, fmt.Errorf("commitment %x vanished", cm.Hash)
		}
		if err := existing.checkBinding(req.ChainID, contract); err != nil {
			return nil, nil, err
		}
		cm = existing
	} else {
		c.log.Info("commitment created",
			zap.String("hash", common.Hash(cm.Hash).Hex()),
			zap.Int64("chain", cm.ChainID),
			zap.String("contract", cm.Contract.Hex()),
		)
	}
	return cm, commitment.EncodeCommitCall(cm.Hash), nil
}

// Get returns the recorded commitment.
func (c *Coordinator) Get(ctx context.Context, hash [32]byte) (*Commitment, error) {
	cm, err := c.store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if cm == nil {
		return nil, ErrUnknownCommitment
	}
	return cm, nil
}

// MarkCommitted records that the commit transaction confirmed. Later states
// are left untouched.
func (c *Coordinator) MarkCommitted(ctx context.Context, hash [32]byte) (State, error) {
	prev, applied, err := c.store.Transition(ctx, hash, StateCommitted, StateUncommitted)
	if err != nil {
		return 0, err
	}
	if applied {
		c.log.Info("commitment committed", zap.String("hash", common.Hash(hash).Hex()))
		return StateCommitted, nil
	}
	return prev, nil
}

// ObserveRevealable records a positive revealability observation. A chain
// that reports revealable has the commitment on-chain, so an UNCOMMITTED
// record is first moved to COMMITTED.
func (c *Coordinator) ObserveRevealable(ctx context.Context, hash [32]byte) (State, error) {
	if _, err := c.MarkCommitted(ctx, hash); err != nil {
		return 0, err
	}
	prev, applied, err := c.store.Transition(ctx, hash, StateRevealable, StateCommitted)
	if err != nil {
		return 0, err
	}
	if applied {
		c.log.Info("commitment revealable", zap.String("hash", common.Hash(hash).Hex()))
		return StateRevealable, nil
	}
	return prev, nil
}

// Refresh asks the chain reader about a commitment that is not yet known to
// be revealable and records a positive answer.
func (c *Coordinator) Refresh(ctx context.Context, hash [32]byte) (State, error) {
	cm, err := c.Get(ctx, hash)
	if err != nil {
		return 0, err
	}
	if cm.State >= StateRevealable {
		return cm.State, nil
	}
	if !c.reader.CanReveal(ctx, cm.ChainID, cm.Contract, cm.Hash) {
		return cm.State, nil
	}
	return c.ObserveRevealable(ctx, hash)
}

// Reveal returns the reveal(bytes) call data for a payload whose commitment
// has been observed revealable. Without a recorded observation the chain
// reader is consulted once.
func (c *Coordinator) Reveal(ctx context.Context, payload []byte, chainID int64, contract common.Address) ([]byte, error) {
	contract, codec, err := c.resolve(chainID, contract)
	if err != nil {
		return nil, err
	}
	data, err := codec.EncodeRevealCall(payload)
	if err != nil {
		return nil, err
	}

	hash := commitment.ComputeCommitmentHash(payload)
	cm, err := c.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := cm.checkBinding(chainID, contract); err != nil {
		return nil, err
	}

	switch cm.State {
	case StateRevealed:
		return nil, ErrAlreadyRevealed
	case StateRevealable:
		return data, nil
	}

	st, err := c.Refresh(ctx, hash)
	if err != nil {
		return nil, err
	}
	if st != StateRevealable {
		return nil, fmt.Errorf("%w: state %s", ErrNotRevealable, st)
	}
	return data, nil
}

// MarkRevealed records the successful reveal transaction. It happens once.
func (c *Coordinator) MarkRevealed(ctx context.Context, hash [32]byte) error {
	prev, applied, err := c.store.Transition(ctx, hash, StateRevealed, StateRevealable)
	if err != nil {
		return err
	}
	if applied {
		c.log.Info("commitment revealed", zap.String("hash", common.Hash(hash).Hex()))
		return nil
	}
	if prev == StateRevealed {
		return ErrAlreadyRevealed
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, prev, StateRevealed)
}

func (cm *Commitment) checkBinding(chainID int64, contract common.Address) error {
	if cm.ChainID != chainID || cm.Contract != contract {
		return fmt.Errorf("%w: commitment %x is on chain %d contract %s, not chain %d contract %s",
			ErrCommitmentConflict, cm.Hash, cm.ChainID, cm.Contract.Hex(), chainID, contract.Hex())
	}
	return nil
}

func (c *Coordinator) resolve(chainID int64, contract common.Address) (common.Address, commitment.Codec, error) {
	ch, err := c.chains.Lookup(chainID)
	if err != nil {
		return common.Address{}, commitment.Codec{}, err
	}
	if contract == (common.Address{}) {
		if contract, err = ch.CommitRevealAddress(); err != nil {
			return common.Address{}, commitment.Codec{}, err
		}
	}
	return contract, commitment.NewCodec(ch.MaxPayloadBytes), nil
}
