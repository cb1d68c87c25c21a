package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const tasksKey = "watcher:tasks"

type storedTask struct {
	ID         string `json:"id"`
	ChainID    int64  `json:"chain_id"`
	Contract   string `json:"contract"`
	Hash       string `json:"hash"`
	RPCURL     string `json:"rpc_url"`
	IntervalMs int64  `json:"interval_ms"`
}

// Store keeps the registry in a Redis hash so monitoring survives a restart.
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) Save(ctx context.Context, cfg TaskConfig) error {
	raw, err := json.Marshal(storedTask{
		ID:         cfg.ID,
		ChainID:    cfg.ChainID,
		Contract:   cfg.Contract.Hex(),
		Hash:       common.Hash(cfg.Hash).Hex(),
		RPCURL:     cfg.RPCURL,
		IntervalMs: cfg.Interval.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, tasksKey, cfg.ID, raw).Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.rdb.HDel(ctx, tasksKey, id).Err()
}

// Load returns every persisted task.
func (s *Store) Load(ctx context.Context) ([]TaskConfig, error) {
	vals, err := s.rdb.HGetAll(ctx, tasksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load watcher tasks: %w", err)
	}
	out := make([]TaskConfig, 0, len(vals))
	for id, raw := range vals {
		var st storedTask
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("watcher task %s: %w", id, err)
		}
		cfg := TaskConfig{
			ID:       st.ID,
			ChainID:  st.ChainID,
			Contract: common.HexToAddress(st.Contract),
			Hash:     common.HexToHash(st.Hash),
			RPCURL:   st.RPCURL,
			Interval: time.Duration(st.IntervalMs) * time.Millisecond,
		}
		out = append(out, cfg)
	}
	return out, nil
}
