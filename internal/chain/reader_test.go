package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/chain/chaintest"
	"github.com/0gfoundation/0g-aa-wallet/internal/commitment"
	"github.com/0gfoundation/0g-aa-wallet/internal/config"
)

// ── helpers ───────────────────────────────────────────────────────────────────

var (
	testContract  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testCommitter = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testHash      = commitment.ComputeCommitmentHash([]byte("hello-world"))
)

const testChainID = int64(31337)

var (
	methodCanReveal = commitment.ParsedABI.Methods["canReveal"]
	methodStatus    = commitment.ParsedABI.Methods["getCommitmentStatus"]
)

func newTestReader(t *testing.T, b *chaintest.Backend) *Reader {
	t.Helper()
	chains := config.Chains{{ChainID: testChainID, RPCURL: "fake://node"}}
	pool := NewPool(chains, func(string) (Backend, error) { return b, nil })
	return NewReader(pool, zap.NewNop())
}

func statusReturns(b *chaintest.Backend, committed, revealed bool) {
	b.Returns(methodStatus, testCommitter, committed, revealed, []byte{})
}

// ── Primary strategy ──────────────────────────────────────────────────────────

func TestCanReveal_PrimaryTrue(t *testing.T) {
	b := chaintest.New()
	b.Returns(methodCanReveal, true)
	r := newTestReader(t, b)

	if !r.CanReveal(context.Background(), testChainID, testContract, testHash) {
		t.Fatal("expected true from canReveal")
	}
	if b.CallCount("getCommitmentStatus") != 0 {
		t.Error("fallback must not be consulted when canReveal answers")
	}
}

func TestCanReveal_PrimaryFalseIsFinal(t *testing.T) {
	b := chaintest.New()
	b.Returns(methodCanReveal, false)
	statusReturns(b, true, false)
	r := newTestReader(t, b)

	if r.CanReveal(context.Background(), testChainID, testContract, testHash) {
		t.Fatal("canReveal=false must not be overridden by the fallback")
	}
}

func TestCanReveal_PassesHash(t *testing.T) {
	b := chaintest.New()
	var got [32]byte
	b.Handle(methodCanReveal, func(args []any) ([]any, error) {
		got = args[0].([32]byte)
		return []any{true}, nil
	})
	r := newTestReader(t, b)
	r.CanReveal(context.Background(), testChainID, testContract, testHash)
	if got != testHash {
		t.Errorf("hash: got %x want %x", got, testHash)
	}
}

// ── Fallback strategy ─────────────────────────────────────────────────────────

func TestCanReveal_FallbackCommittedNotRevealed(t *testing.T) {
	b := chaintest.New() // canReveal not implemented → reverts
	statusReturns(b, true, false)
	r := newTestReader(t, b)

	if !r.CanReveal(context.Background(), testChainID, testContract, testHash) {
		t.Fatal("expected true from isCommitted && !isRevealed")
	}
}

func TestCanReveal_FallbackStates(t *testing.T) {
	cases := []struct {
		committed, revealed, want bool
	}{
		{false, false, false},
		{true, false, true},
		{true, true, false},
		{false, true, false},
	}
	for _, tc := range cases {
		b := chaintest.New()
		b.Reverts(methodCanReveal, errors.New("function selector not recognized"))
		statusReturns(b, tc.committed, tc.revealed)
		r := newTestReader(t, b)
		got := r.CanReveal(context.Background(), testChainID, testContract, testHash)
		if got != tc.want {
			t.Errorf("committed=%v revealed=%v: got %v want %v", tc.committed, tc.revealed, got, tc.want)
		}
	}
}

// ── Fail closed ───────────────────────────────────────────────────────────────

func TestCanReveal_BothFailReturnsFalse(t *testing.T) {
	b := chaintest.New()
	r := newTestReader(t, b)
	if r.CanReveal(context.Background(), testChainID, testContract, testHash) {
		t.Fatal("must fail closed when every strategy errors")
	}
}

func TestCanReveal_UnknownChainReturnsFalse(t *testing.T) {
	r := newTestReader(t, chaintest.New())
	if r.CanReveal(context.Background(), 999, testContract, testHash) {
		t.Fatal("unknown chain must answer false")
	}
}

func TestCanRevealAt_DialFailureReturnsFalse(t *testing.T) {
	chains := config.Chains{{ChainID: testChainID, RPCURL: "http://down:8545"}}
	pool := NewPool(chains, func(string) (Backend, error) { return nil, errors.New("connection refused") })
	r := NewReader(pool, zap.NewNop())
	if r.CanRevealAt(context.Background(), "http://down:8545", testChainID, testContract, testHash) {
		t.Fatal("dial failure must answer false")
	}
}

func TestCanReveal_ConcurrentHashes(t *testing.T) {
	b := chaintest.New()
	b.Handle(methodCanReveal, func(args []any) ([]any, error) {
		h := args[0].([32]byte)
		return []any{h[0]%2 == 0}, nil
	})
	r := newTestReader(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var h [32]byte
			h[0] = byte(i)
			if got := r.CanReveal(context.Background(), testChainID, testContract, h); got != (i%2 == 0) {
				t.Errorf("hash %d: got %v", i, got)
			}
		}(i)
	}
	wg.Wait()
}

// ── Status ────────────────────────────────────────────────────────────────────

func TestStatus_Decodes(t *testing.T) {
	b := chaintest.New()
	b.Returns(methodStatus, testCommitter, true, false, []byte("dflt"))
	r := newTestReader(t, b)

	st, err := r.Status(context.Background(), testChainID, testContract, testHash)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Committer != testCommitter || !st.IsCommitted || st.IsRevealed || string(st.DefaultValue) != "dflt" {
		t.Errorf("unexpected status %+v", st)
	}
}

// ── Pool ──────────────────────────────────────────────────────────────────────

func TestPool_DialsOncePerURL(t *testing.T) {
	dials := 0
	pool := NewPool(config.Chains{{ChainID: 1, RPCURL: "u"}}, func(string) (Backend, error) {
		dials++
		return chaintest.New(), nil
	})
	for i := 0; i < 3; i++ {
		if _, err := pool.ForChain(1); err != nil {
			t.Fatal(err)
		}
	}
	if dials != 1 {
		t.Errorf("dials: got %d want 1", dials)
	}
}

func TestPool_ForURLRejectsUnlisted(t *testing.T) {
	dials := 0
	chains := config.Chains{{ChainID: 1, RPCURL: "u", RPCURLs: []string{"u2"}}, {ChainID: 2, RPCURL: "v"}}
	pool := NewPool(chains, func(string) (Backend, error) {
		dials++
		return chaintest.New(), nil
	})
	for _, url := range []string{"http://attacker:8545", "v"} {
		if _, err := pool.ForURL(1, url); !errors.Is(err, config.ErrUnlistedURL) {
			t.Errorf("%s: expected ErrUnlistedURL, got %v", url, err)
		}
	}
	if dials != 0 {
		t.Fatalf("unlisted URLs must not be dialled, got %d dials", dials)
	}
	for _, url := range []string{"", "u", "u2"} {
		if _, err := pool.ForURL(1, url); err != nil {
			t.Errorf("%q: %v", url, err)
		}
	}
	if dials != 2 {
		t.Errorf("dials: got %d want 2", dials)
	}
}

func TestCanRevealAt_UnlistedURLReturnsFalse(t *testing.T) {
	b := chaintest.New()
	b.Returns(methodCanReveal, true)
	dials := 0
	chains := config.Chains{{ChainID: testChainID, RPCURL: "fake://node"}}
	pool := NewPool(chains, func(string) (Backend, error) {
		dials++
		return b, nil
	})
	r := NewReader(pool, zap.NewNop())
	if r.CanRevealAt(context.Background(), "http://169.254.169.254/", testChainID, testContract, testHash) {
		t.Fatal("unlisted rpc must answer false")
	}
	if dials != 0 {
		t.Errorf("unlisted rpc dialled %d times", dials)
	}
}

func TestPool_UnknownChain(t *testing.T) {
	pool := NewPool(nil, nil)
	if _, err := pool.ForChain(5); !errors.Is(err, config.ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

// ── Fees ──────────────────────────────────────────────────────────────────────

func TestSuggestFees_EIP1559(t *testing.T) {
	b := chaintest.New()
	b.TipCap = big.NewInt(2_000_000_000)
	b.BaseFee = big.NewInt(10_000_000_000)

	maxFee, tip, err := SuggestFees(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if tip.Cmp(big.NewInt(2_260_000_000)) != 0 {
		t.Errorf("tip: got %s want 2260000000", tip)
	}
	if maxFee.Cmp(big.NewInt(22_260_000_000)) != 0 {
		t.Errorf("maxFee: got %s want 22260000000", maxFee)
	}
}

func TestSuggestFees_TipFloorAndLegacy(t *testing.T) {
	b := chaintest.New()
	b.TipCap = big.NewInt(1)
	b.BaseFee = nil

	maxFee, tip, err := SuggestFees(context.Background(), b)
	if err != nil {
		t.Fatal(err)
	}
	if tip.Cmp(minPriorityFee) != 0 {
		t.Errorf("tip: got %s want floor %s", tip, minPriorityFee)
	}
	if maxFee.Cmp(tip) != 0 {
		t.Errorf("legacy chain: maxFee %s should equal tip %s", maxFee, tip)
	}
}
