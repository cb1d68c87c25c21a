package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const commitmentKeyPrefix = "commitment:"

func commitmentKey(hash [32]byte) string {
	return commitmentKeyPrefix + hex.EncodeToString(hash[:])
}

// createScript writes the record only if the key is new.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// transitionScript moves state to ARGV[1] if the current state is one of
// ARGV[3..]; it returns the state found before the call.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then return false end
for i = 3, #ARGV do
  if ARGV[i] == cur then
    redis.call('HSET', KEYS[1], 'state', ARGV[1], 'updated_at', ARGV[2])
    break
  end
end
return cur
`)

// Store persists commitments in Redis hashes.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Create stores c unless a record for the hash exists. It reports whether c was written.
func (s *Store) Create(ctx context.Context, c *Commitment) (bool, error) {
	n, err := createScript.Run(ctx, s.rdb, []string{commitmentKey(c.Hash)},
		"hash", hex.EncodeToString(c.Hash[:]),
		"payload", hex.EncodeToString(c.Payload),
		"chain_id", c.ChainID,
		"contract", c.Contract.Hex(),
		"committer", c.Committer.Hex(),
		"state", c.State.String(),
		"updated_at", c.UpdatedAt.Unix(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("create commitment: %w", err)
	}
	return n == 1, nil
}

// Get returns the commitment or nil if unknown.
func (s *Store) Get(ctx context.Context, hash [32]byte) (*Commitment, error) {
	vals, err := s.rdb.HGetAll(ctx, commitmentKey(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("get commitment: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return commitmentFromMap(vals)
}

// Transition atomically sets state to `to` when the current state is in from.
// It returns the state found before the call and whether the write happened.
func (s *Store) Transition(ctx context.Context, hash [32]byte, to State, from ...State) (State, bool, error) {
	args := make([]any, 0, 2+len(from))
	args = append(args, to.String(), time.Now().Unix())
	for _, f := range from {
		args = append(args, f.String())
	}
	raw, err := transitionScript.Run(ctx, s.rdb, []string{commitmentKey(hash)}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return 0, false, ErrUnknownCommitment
	}
	if err != nil {
		return 0, false, fmt.Errorf("transition commitment: %w", err)
	}
	prev, err := ParseState(raw)
	if err != nil {
		return 0, false, err
	}
	for _, f := range from {
		if f == prev {
			return prev, true, nil
		}
	}
	return prev, false, nil
}

func commitmentFromMap(m map[string]string) (*Commitment, error) {
	hashBytes, err := hex.DecodeString(m["hash"])
	if err != nil || len(hashBytes) != 32 {
		return nil, fmt.Errorf("commitment record: bad hash %q", m["hash"])
	}
	payload, err := hex.DecodeString(m["payload"])
	if err != nil {
		return nil, fmt.Errorf("commitment record: bad payload: %w", err)
	}
	state, err := ParseState(m["state"])
	if err != nil {
		return nil, err
	}
	chainID, _ := strconv.ParseInt(m["chain_id"], 10, 64)
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)

	c := &Commitment{
		Payload:   payload,
		ChainID:   chainID,
		Contract:  common.HexToAddress(m["contract"]),
		Committer: common.HexToAddress(m["committer"]),
		State:     state,
		UpdatedAt: time.Unix(updatedAt, 0),
	}
	copy(c.Hash[:], hashBytes)
	return c, nil
}
