package watcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ── helpers ───────────────────────────────────────────────────────────────────

var (
	testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testHash     = [32]byte{0xaf, 0xa2, 0x7b}
)

func testTask(id string) TaskConfig {
	return TaskConfig{
		ID:       id,
		ChainID:  31337,
		Contract: testContract,
		Hash:     testHash,
		RPCURL:   "http://localhost:8545",
		Interval: 5 * time.Second,
	}
}

func startWatcher(t *testing.T, opts Options) *Watcher {
	t.Helper()
	if opts.Tick == 0 {
		opts.Tick = 5 * time.Second
	}
	w := New(opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w
}

func attach(t *testing.T, w *Watcher) *Port {
	t.Helper()
	p, err := w.Attach(context.Background())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return p
}

func start(t *testing.T, w *Watcher, cfg TaskConfig) {
	t.Helper()
	if _, err := w.StartMonitoring(context.Background(), cfg); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
}

func recv(t *testing.T, p *Port) Message {
	t.Helper()
	select {
	case m := <-p.C:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for port message")
		return Message{}
	}
}

func expectNone(t *testing.T, p *Port) {
	t.Helper()
	select {
	case m := <-p.C:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeChecker struct {
	answer atomic.Bool
	calls  atomic.Int32
}

func (f *fakeChecker) CanRevealAt(context.Context, string, int64, common.Address, [32]byte) bool {
	f.calls.Add(1)
	return f.answer.Load()
}

// gatedChecker holds each check until the test releases it.
type gatedChecker struct {
	started chan [32]byte
	release chan bool
}

func newGatedChecker() *gatedChecker {
	return &gatedChecker{started: make(chan [32]byte, 8), release: make(chan bool)}
}

func (g *gatedChecker) CanRevealAt(ctx context.Context, _ string, _ int64, _ common.Address, hash [32]byte) bool {
	g.started <- hash
	select {
	case ok := <-g.release:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (g *gatedChecker) waitStarted(t *testing.T) [32]byte {
	t.Helper()
	select {
	case h := <-g.started:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("self check did not start")
		return [32]byte{}
	}
}

func expectNoReady(t *testing.T, ready <-chan Task) {
	t.Helper()
	select {
	case got := <-ready:
		t.Fatalf("unexpected ready for %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func waitReady(t *testing.T, ready <-chan Task) Task {
	t.Helper()
	select {
	case got := <-ready:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("task never became ready")
		return Task{}
	}
}

// ── Scheduling ────────────────────────────────────────────────────────────────

func TestTick_NotBeforeInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	w := startWatcher(t, Options{Clock: fc})
	p := attach(t, w)
	start(t, w, testTask("t1"))

	fc.Advance(4999 * time.Millisecond)
	expectNone(t, p)

	fc.Advance(time.Millisecond)
	m := recv(t, p)
	if m.Type != MsgCheckTaskStatus || m.TaskID != "t1" {
		t.Fatalf("expected CHECK_TASK_STATUS for t1, got %+v", m)
	}
	if m.ContractAddress != testContract.Hex() || m.CommitmentHash != common.Hash(testHash).Hex() || m.ChainID != 31337 {
		t.Errorf("check message fields: %+v", m)
	}
}

func TestTick_FalseResultKeepsTask(t *testing.T) {
	fc := clockwork.NewFakeClock()
	w := startWatcher(t, Options{Clock: fc})
	p := attach(t, w)
	start(t, w, testTask("t1"))

	fc.Advance(5 * time.Second)
	recv(t, p)
	if err := w.ReportCheckResult(context.Background(), "t1", false); err != nil {
		t.Fatal(err)
	}
	expectNone(t, p)

	fc.Advance(5 * time.Second)
	if m := recv(t, p); m.Type != MsgCheckTaskStatus {
		t.Fatalf("expected a second check, got %+v", m)
	}
}

func TestTick_FansOutToEveryPort(t *testing.T) {
	fc := clockwork.NewFakeClock()
	w := startWatcher(t, Options{Clock: fc})
	p1, p2 := attach(t, w), attach(t, w)
	start(t, w, testTask("t1"))

	fc.Advance(5 * time.Second)
	for _, p := range []*Port{p1, p2} {
		if m := recv(t, p); m.Type != MsgCheckTaskStatus {
			t.Errorf("port %s: got %+v", p.ID, m)
		}
	}
}

// ── Ready ─────────────────────────────────────────────────────────────────────

func TestReady_AtMostOncePerTask(t *testing.T) {
	fc := clockwork.NewFakeClock()
	w := startWatcher(t, Options{Clock: fc})
	p := attach(t, w)
	start(t, w, testTask("t1"))

	fc.Advance(5 * time.Second)
	recv(t, p)
	w.ReportCheckResult(context.Background(), "t1", true)
	w.ReportCheckResult(context.Background(), "t1", true)

	if m := recv(t, p); m.Type != MsgTaskReadyToReveal || m.TaskID != "t1" {
		t.Fatalf("expected TASK_READY_TO_REVEAL, got %+v", m)
	}
	expectNone(t, p)

	tasks, _ := w.Tasks(context.Background())
	if len(tasks) != 0 {
		t.Errorf("ready task must be removed, registry has %d", len(tasks))
	}
}

func TestReady_RemovedBeforeNotification(t *testing.T) {
	fc := clockwork.NewFakeClock()
	var sawEmpty atomic.Bool
	var w *Watcher
	w = startWatcher(t, Options{Clock: fc, OnReady: func(Task) {
		tasks, _ := w.Tasks(context.Background())
		sawEmpty.Store(len(tasks) == 0)
	}})
	p := attach(t, w)
	start(t, w, testTask("t1"))
	w.ReportCheckResult(context.Background(), "t1", true)
	recv(t, p)

	// Tasks snapshot from OnReady runs after the removal.
	deadline := time.Now().Add(time.Second)
	for !sawEmpty.Load() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !sawEmpty.Load() {
		t.Error("task still registered when ready was dispatched")
	}
}

func TestResult_UnknownTaskIgnored(t *testing.T) {
	w := startWatcher(t, Options{Clock: clockwork.NewFakeClock()})
	p := attach(t, w)
	if err := w.ReportCheckResult(context.Background(), "nope", true); err != nil {
		t.Fatal(err)
	}
	expectNone(t, p)
}

// ── Stop / idempotence ────────────────────────────────────────────────────────

func TestStop_NoMessagesAfterStop(t *testing.T) {
	fc := clockwork.NewFakeClock()
	w := startWatcher(t, Options{Clock: fc})
	p := attach(t, w)
	start(t, w, testTask("t1"))

	if err := w.StopMonitoring(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	fc.Advance(20 * time.Second)
	expectNone(t, p)
}

func TestStop_UnknownIsNoop(t *testing.T) {
	w := startWatcher(t, Options{Clock: clockwork.NewFakeClock()})
	if err := w.StopMonitoring(context.Background(), "missing"); err != nil {
		t.Fatal(err)
	}
}

func TestStart_IdempotentUpsert(t *testing.T) {
	w := startWatcher(t, Options{Clock: clockwork.NewFakeClock()})
	start(t, w, testTask("t1"))
	cfg := testTask("t1")
	cfg.RPCURL = "http://other:8545"
	start(t, w, cfg)

	tasks, _ := w.Tasks(context.Background())
	if len(tasks) != 1 {
		t.Fatalf("tasks: got %d want 1", len(tasks))
	}
	if tasks[0].RPCURL != "http://other:8545" {
		t.Errorf("upsert did not replace config: %s", tasks[0].RPCURL)
	}
}

func TestStart_DefaultsAndValidation(t *testing.T) {
	w := startWatcher(t, Options{Clock: clockwork.NewFakeClock(), DefaultInterval: 7 * time.Second})
	cfg := testTask("")
	cfg.Interval = 0
	id, err := w.StartMonitoring(context.Background(), cfg)
	if err != nil || id == "" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	tasks, _ := w.Tasks(context.Background())
	if tasks[0].Interval != 7*time.Second {
		t.Errorf("interval: got %s", tasks[0].Interval)
	}

	bad := testTask("x")
	bad.Hash = [32]byte{}
	if _, err := w.StartMonitoring(context.Background(), bad); err == nil {
		t.Error("zero hash must be rejected")
	}
}

// ── Self check ────────────────────────────────────────────────────────────────

func TestSelfCheck_WithoutPort(t *testing.T) {
	fc := clockwork.NewFakeClock()
	checker := &fakeChecker{}
	checker.answer.Store(true)
	ready := make(chan Task, 1)
	w := startWatcher(t, Options{Clock: fc, Checker: checker, OnReady: func(t Task) { ready <- t }})
	start(t, w, testTask("t1"))

	fc.Advance(5 * time.Second)
	select {
	case got := <-ready:
		if got.ID != "t1" {
			t.Errorf("ready task: %s", got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("self check did not report ready")
	}
	if checker.calls.Load() != 1 {
		t.Errorf("checker calls: got %d want 1", checker.calls.Load())
	}
}

func TestSelfCheck_SkippedWhenPortAttached(t *testing.T) {
	fc := clockwork.NewFakeClock()
	checker := &fakeChecker{}
	w := startWatcher(t, Options{Clock: fc, Checker: checker})
	p := attach(t, w)
	start(t, w, testTask("t1"))

	fc.Advance(5 * time.Second)
	recv(t, p)
	if checker.calls.Load() != 0 {
		t.Error("watcher must delegate to the port when one is attached")
	}
}

func TestSelfCheck_UpsertWhileInFlightDropsStaleResult(t *testing.T) {
	fc := clockwork.NewFakeClock()
	checker := newGatedChecker()
	ready := make(chan Task, 2)
	w := startWatcher(t, Options{Clock: fc, Checker: checker, OnReady: func(t Task) { ready <- t }})
	start(t, w, testTask("t1"))

	fc.Advance(5 * time.Second)
	if h := checker.waitStarted(t); h != testHash {
		t.Fatalf("first check for %x", h)
	}

	// Same id, new commitment while the old check is still running.
	newHash := [32]byte{0x01, 0x02}
	cfg := testTask("t1")
	cfg.Hash = newHash
	start(t, w, cfg)

	checker.release <- true
	expectNoReady(t, ready)

	tasks, _ := w.Tasks(context.Background())
	if len(tasks) != 1 || tasks[0].Hash != newHash {
		t.Fatalf("retargeted task must survive the stale result: %+v", tasks)
	}

	// The new target gets its own check on the next due tick.
	fc.Advance(5 * time.Second)
	if h := checker.waitStarted(t); h != newHash {
		t.Fatalf("second check for %x, want the new hash", h)
	}
	checker.release <- true
	if got := waitReady(t, ready); got.Hash != newHash {
		t.Errorf("ready task hash %x", got.Hash)
	}
}

func TestSelfCheck_StopRestartWhileInFlightDropsStaleResult(t *testing.T) {
	fc := clockwork.NewFakeClock()
	checker := newGatedChecker()
	ready := make(chan Task, 2)
	w := startWatcher(t, Options{Clock: fc, Checker: checker, OnReady: func(t Task) { ready <- t }})
	start(t, w, testTask("t1"))

	fc.Advance(5 * time.Second)
	checker.waitStarted(t)

	if err := w.StopMonitoring(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	start(t, w, testTask("t1"))

	checker.release <- true
	expectNoReady(t, ready)
	if tasks, _ := w.Tasks(context.Background()); len(tasks) != 1 {
		t.Fatalf("restarted task must remain registered, got %d", len(tasks))
	}

	fc.Advance(5 * time.Second)
	checker.waitStarted(t)
	checker.release <- true
	if got := waitReady(t, ready); got.ID != "t1" {
		t.Errorf("ready task: %s", got.ID)
	}
}

func TestSelfCheck_SameConfigUpsertKeepsInFlightCheck(t *testing.T) {
	fc := clockwork.NewFakeClock()
	checker := newGatedChecker()
	ready := make(chan Task, 1)
	w := startWatcher(t, Options{Clock: fc, Checker: checker, OnReady: func(t Task) { ready <- t }})
	start(t, w, testTask("t1"))

	fc.Advance(5 * time.Second)
	checker.waitStarted(t)

	// Only the interval changes; the running check still answers for the task.
	cfg := testTask("t1")
	cfg.Interval = 9 * time.Second
	start(t, w, cfg)

	checker.release <- true
	if got := waitReady(t, ready); got.Interval != 9*time.Second {
		t.Errorf("ready task interval %s", got.Interval)
	}
}

// ── Backpressure ──────────────────────────────────────────────────────────────

func TestBroadcast_FullBufferDoesNotBlock(t *testing.T) {
	fc := clockwork.NewFakeClock()
	w := startWatcher(t, Options{Clock: fc, PortBuffer: 1})
	attach(t, w) // never read
	start(t, w, testTask("t1"))
	start(t, w, testTask("t2"))

	fc.Advance(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := w.Tasks(ctx); err != nil {
		t.Fatalf("watcher blocked on a full port: %v", err)
	}
}

func TestDetach_ClosesChannel(t *testing.T) {
	w := startWatcher(t, Options{Clock: clockwork.NewFakeClock()})
	p := attach(t, w)
	if err := w.Detach(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-p.C; ok {
		t.Error("port channel must be closed on detach")
	}
}

// ── Persistence ───────────────────────────────────────────────────────────────

func TestStore_RecoversTasksOnRun(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	w1 := New(Options{Clock: clockwork.NewFakeClock(), Store: store}, zap.NewNop())
	ctx1, cancel1 := context.WithCancel(context.Background())
	done1 := make(chan struct{})
	go func() { w1.Run(ctx1); close(done1) }()
	if _, err := w1.StartMonitoring(context.Background(), testTask("t1")); err != nil {
		t.Fatal(err)
	}
	cancel1()
	<-done1

	w2 := startWatcher(t, Options{Clock: clockwork.NewFakeClock(), Store: store})
	tasks, err := w2.Tasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" || tasks[0].Hash != testHash || tasks[0].Interval != 5*time.Second {
		t.Fatalf("recovered tasks: %+v", tasks)
	}

	w2.ReportCheckResult(context.Background(), "t1", true)
	left, _ := store.Load(context.Background())
	if len(left) != 0 {
		t.Errorf("ready task must be removed from the store, %d left", len(left))
	}
}

// ── Messages ──────────────────────────────────────────────────────────────────

func TestTaskConfigFromMessage(t *testing.T) {
	cfg, err := TaskConfigFromMessage(Message{
		Type:            MsgStartMonitoring,
		TaskID:          "t9",
		ChainID:         5,
		ContractAddress: testContract.Hex(),
		CommitmentHash:  common.Hash(testHash).Hex(),
		IntervalMs:      2500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ID != "t9" || cfg.Hash != testHash || cfg.Interval != 2500*time.Millisecond {
		t.Errorf("cfg: %+v", cfg)
	}
	if _, err := TaskConfigFromMessage(Message{ContractAddress: "nope"}); err == nil {
		t.Error("bad address must be rejected")
	}
}
