package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/config"
	"github.com/0gfoundation/0g-aa-wallet/internal/coordinator"
	"github.com/0gfoundation/0g-aa-wallet/internal/keys"
	"github.com/0gfoundation/0g-aa-wallet/internal/watcher"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type neverReader struct{}

func (neverReader) CanReveal(context.Context, int64, common.Address, [32]byte) bool { return false }

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	chains := config.Chains{{
		ChainID:      31337,
		RPCURL:       "fake://node",
		CommitReveal: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	}}
	return coordinator.New(coordinator.NewStore(rdb), neverReader{}, chains, zap.NewNop())
}

func waitState(t *testing.T, coord *coordinator.Coordinator, hash [32]byte, want coordinator.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cm, err := coord.Get(context.Background(), hash)
		if err == nil && cm.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("commitment never reached %s", want)
}

// ── runReadyHandler ───────────────────────────────────────────────────────────

func TestRunReadyHandler_RecordsRevealable(t *testing.T) {
	coord := newTestCoordinator(t)
	cm, _, err := coord.Commit(context.Background(), coordinator.CommitRequest{Payload: []byte("p"), ChainID: 31337})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	readyCh := make(chan watcher.Task, 1)
	go runReadyHandler(ctx, readyCh, coord, zap.NewNop())

	readyCh <- watcher.Task{TaskConfig: watcher.TaskConfig{ID: "t1", Hash: cm.Hash}}
	waitState(t, coord, cm.Hash, coordinator.StateRevealable)
}

func TestRunReadyHandler_UnknownHashIsSkipped(t *testing.T) {
	coord := newTestCoordinator(t)
	cm, _, _ := coord.Commit(context.Background(), coordinator.CommitRequest{Payload: []byte("p"), ChainID: 31337})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	readyCh := make(chan watcher.Task)
	go runReadyHandler(ctx, readyCh, coord, zap.NewNop())

	// Unbuffered sends prove the handler keeps consuming after an unknown hash.
	readyCh <- watcher.Task{TaskConfig: watcher.TaskConfig{ID: "ghost", Hash: [32]byte{0x01}}}
	readyCh <- watcher.Task{TaskConfig: watcher.TaskConfig{ID: "t1", Hash: cm.Hash}}
	waitState(t, coord, cm.Hash, coordinator.StateRevealable)
}

func TestRunReadyHandler_StopsOnCancel(t *testing.T) {
	coord := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runReadyHandler(ctx, make(chan watcher.Task), coord, zap.NewNop())
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not stop")
	}
}

// ── operatorWallets ───────────────────────────────────────────────────────────

const hardhatKey0 = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestOperatorWallets_SignerPlusConfigured(t *testing.T) {
	signerAddr := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	other := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	srv := config.ServerConfig{AuthorizedWallets: []string{other.Hex(), signerAddr.Hex()}}

	got := operatorWallets(srv, keys.FromConfig(hardhatKey0))
	if len(got) != 2 || got[0] != other || got[1] != signerAddr {
		t.Fatalf("operators: got %v", got)
	}
}

func TestOperatorWallets_NoSignerKey(t *testing.T) {
	if got := operatorWallets(config.ServerConfig{}, keys.FromConfig("")); len(got) != 0 {
		t.Fatalf("expected no operators, got %v", got)
	}
}
