// Package watcher keeps polling commitment revealability after the
// foreground context that asked for it has gone away.
//
// One goroutine (Run) owns the task registry. Everything else talks to it
// through a command channel: StartMonitoring, StopMonitoring, check results
// and port attach/detach. Foreground ports receive CHECK_TASK_STATUS fan-out
// and TASK_READY_TO_REVEAL notifications on buffered channels; a full buffer
// drops the message, and the next due tick repeats the check.
package watcher

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-aa-wallet/internal/metrics"
)

const (
	DefaultTick     = 5 * time.Second
	DefaultInterval = 5 * time.Second

	defaultPortBuffer = 64
	selfCheckTimeout  = 30 * time.Second
)

var ErrStopped = errors.New("watcher stopped")

// Checker answers revealability for a task when no port is attached.
type Checker interface {
	CanRevealAt(ctx context.Context, rpcURL string, chainID int64, contract common.Address, hash [32]byte) bool
}

type Options struct {
	Clock           clockwork.Clock
	Tick            time.Duration
	DefaultInterval time.Duration
	// Checker, if set, is used on ticks with no attached port.
	Checker Checker
	// Store, if set, persists the registry and is replayed by Run.
	Store *Store
	// OnReady runs in its own goroutine after a task is removed as ready.
	OnReady    func(Task)
	PortBuffer int
}

// Port is an attached foreground context.
type Port struct {
	ID string
	C  <-chan Message
	ch chan Message
}

type command func(w *Watcher)

type Watcher struct {
	opts Options
	log  *zap.Logger
	cmds chan command
	done chan struct{}

	// owned by Run
	ctx      context.Context
	tasks    map[string]*Task
	ports    map[string]*Port
	inflight map[string]uint64 // task id -> generation being checked
	gen      uint64
	ticker   clockwork.Ticker
}

func New(opts Options, log *zap.Logger) *Watcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = DefaultInterval
	}
	if opts.PortBuffer <= 0 {
		opts.PortBuffer = defaultPortBuffer
	}
	return &Watcher{
		opts:     opts,
		log:      log,
		cmds:     make(chan command),
		done:     make(chan struct{}),
		tasks:    make(map[string]*Task),
		ports:    make(map[string]*Port),
		inflight: make(map[string]uint64),
	}
}

// Run owns the registry until ctx is cancelled. Persisted tasks are restored
// first. Run must be called exactly once.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	w.ctx = ctx
	w.restore(ctx)
	w.syncTicker()

	for {
		var tickC <-chan time.Time
		if w.ticker != nil {
			tickC = w.ticker.Chan()
		}
		select {
		case <-ctx.Done():
			if w.ticker != nil {
				w.ticker.Stop()
			}
			for id, p := range w.ports {
				close(p.ch)
				delete(w.ports, id)
			}
			metrics.WatcherPorts.Set(0)
			return nil
		case cmd := <-w.cmds:
			cmd(w)
		case <-tickC:
			w.tick()
		}
	}
}

// do runs fn on the owner goroutine and waits for it.
func (w *Watcher) do(ctx context.Context, fn func(w *Watcher)) error {
	finished := make(chan struct{})
	cmd := func(w *Watcher) {
		fn(w)
		close(finished)
	}
	select {
	case w.cmds <- cmd:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// StartMonitoring adds or replaces the task with cfg.ID (a new id is
// generated when empty) and returns the id. The ticker starts with the first
// task.
func (w *Watcher) StartMonitoring(ctx context.Context, cfg TaskConfig) (string, error) {
	if cfg.Contract == (common.Address{}) {
		return "", errors.New("start monitoring: contract address required")
	}
	if cfg.Hash == ([32]byte{}) {
		return "", errors.New("start monitoring: commitment hash required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = w.opts.DefaultInterval
	}
	var storeErr error
	err := w.do(ctx, func(w *Watcher) {
		storeErr = w.persist(cfg)
		w.upsert(cfg)
	})
	if err != nil {
		return "", err
	}
	if storeErr != nil {
		w.log.Warn("watcher task not persisted", zap.String("task", cfg.ID), zap.Error(storeErr))
	}
	return cfg.ID, nil
}

// StopMonitoring removes a task. Unknown ids are a no-op.
func (w *Watcher) StopMonitoring(ctx context.Context, id string) error {
	return w.do(ctx, func(w *Watcher) {
		if _, ok := w.tasks[id]; !ok {
			return
		}
		w.remove(id)
		w.log.Info("monitoring stopped", zap.String("task", id))
	})
}

// ReportCheckResult delivers a port's answer for a task. True removes the
// task and broadcasts TASK_READY_TO_REVEAL once; false keeps it. Results for
// unknown tasks are ignored.
func (w *Watcher) ReportCheckResult(ctx context.Context, id string, canReveal bool) error {
	return w.do(ctx, func(w *Watcher) { w.handleResult(id, canReveal) })
}

// Attach registers a foreground port.
func (w *Watcher) Attach(ctx context.Context) (*Port, error) {
	ch := make(chan Message, w.opts.PortBuffer)
	p := &Port{ID: uuid.NewString(), C: ch, ch: ch}
	err := w.do(ctx, func(w *Watcher) {
		w.ports[p.ID] = p
		metrics.WatcherPorts.Set(float64(len(w.ports)))
		w.log.Info("port attached", zap.String("port", p.ID), zap.Int("ports", len(w.ports)))
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Detach unregisters p and closes its channel.
func (w *Watcher) Detach(ctx context.Context, p *Port) error {
	return w.do(ctx, func(w *Watcher) {
		if _, ok := w.ports[p.ID]; !ok {
			return
		}
		delete(w.ports, p.ID)
		close(p.ch)
		metrics.WatcherPorts.Set(float64(len(w.ports)))
		w.log.Info("port detached", zap.String("port", p.ID), zap.Int("ports", len(w.ports)))
	})
}

// Tasks returns a snapshot of the registry sorted by id.
func (w *Watcher) Tasks(ctx context.Context) ([]Task, error) {
	var out []Task
	err := w.do(ctx, func(w *Watcher) {
		out = make([]Task, 0, len(w.tasks))
		for _, t := range w.tasks {
			out = append(out, *t)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// ── owner-goroutine helpers ──────────────────────────────────────────────────

// upsert gives a task a new generation whenever what it watches changes, so
// a self check started for the old target cannot settle the new one.
func (w *Watcher) upsert(cfg TaskConfig) {
	t, ok := w.tasks[cfg.ID]
	switch {
	case !ok:
		w.gen++
		w.tasks[cfg.ID] = &Task{TaskConfig: cfg, LastCheckedAt: w.opts.Clock.Now(), gen: w.gen}
	case !t.sameTarget(cfg):
		w.gen++
		t.gen = w.gen
		delete(w.inflight, cfg.ID)
		t.TaskConfig = cfg
	default:
		t.TaskConfig = cfg
	}
	metrics.WatcherTasks.Set(float64(len(w.tasks)))
	w.syncTicker()
	w.log.Info("monitoring started",
		zap.String("task", cfg.ID),
		zap.Int64("chain", cfg.ChainID),
		zap.String("hash", common.Hash(cfg.Hash).Hex()),
		zap.Duration("interval", cfg.Interval),
	)
}

func (w *Watcher) remove(id string) {
	delete(w.tasks, id)
	delete(w.inflight, id)
	if w.opts.Store != nil {
		if err := w.opts.Store.Delete(w.ctx, id); err != nil {
			w.log.Warn("watcher task not unpersisted", zap.String("task", id), zap.Error(err))
		}
	}
	metrics.WatcherTasks.Set(float64(len(w.tasks)))
	w.syncTicker()
}

func (w *Watcher) persist(cfg TaskConfig) error {
	if w.opts.Store == nil {
		return nil
	}
	return w.opts.Store.Save(w.ctx, cfg)
}

// syncTicker runs the ticker only while the registry is non-empty.
func (w *Watcher) syncTicker() {
	switch {
	case len(w.tasks) > 0 && w.ticker == nil:
		w.ticker = w.opts.Clock.NewTicker(w.opts.Tick)
	case len(w.tasks) == 0 && w.ticker != nil:
		w.ticker.Stop()
		w.ticker = nil
	}
}

func (w *Watcher) tick() {
	now := w.opts.Clock.Now()
	for _, t := range w.tasks {
		if now.Sub(t.LastCheckedAt) < t.Interval {
			continue
		}
		t.LastCheckedAt = now
		switch {
		case len(w.ports) > 0:
			w.broadcast(checkMessage(t))
		case w.opts.Checker != nil:
			w.selfCheck(*t)
		}
	}
}

// selfCheck queries the chain off the owner goroutine and reports back
// through the command channel.
func (w *Watcher) selfCheck(t Task) {
	if g, ok := w.inflight[t.ID]; ok && g == t.gen {
		return
	}
	w.inflight[t.ID] = t.gen
	ctx := w.ctx
	go func() {
		cctx, cancel := context.WithTimeout(ctx, selfCheckTimeout)
		ok := w.opts.Checker.CanRevealAt(cctx, t.RPCURL, t.ChainID, t.Contract, t.Hash)
		cancel()
		_ = w.do(ctx, func(w *Watcher) { w.handleSelfCheck(t.ID, t.gen, ok) })
	}()
}

// handleSelfCheck drops results for a task that was stopped, restarted or
// retargeted while the check ran.
func (w *Watcher) handleSelfCheck(id string, gen uint64, canReveal bool) {
	if g, ok := w.inflight[id]; ok && g == gen {
		delete(w.inflight, id)
	}
	if t, ok := w.tasks[id]; !ok || t.gen != gen {
		w.log.Debug("stale self check result dropped", zap.String("task", id), zap.Uint64("gen", gen))
		return
	}
	w.handleResult(id, canReveal)
}

func (w *Watcher) handleResult(id string, canReveal bool) {
	t, ok := w.tasks[id]
	if !ok {
		w.log.Debug("check result for unknown task ignored", zap.String("task", id))
		return
	}
	if !canReveal {
		return
	}
	ready := *t
	w.remove(id)
	w.broadcast(Message{Type: MsgTaskReadyToReveal, TaskID: id})
	w.log.Info("commitment ready to reveal",
		zap.String("task", id),
		zap.String("hash", common.Hash(ready.Hash).Hex()),
	)
	if w.opts.OnReady != nil {
		go w.opts.OnReady(ready)
	}
}

func (w *Watcher) broadcast(m Message) {
	for _, p := range w.ports {
		select {
		case p.ch <- m:
			metrics.WatcherMessages.WithLabelValues(string(m.Type)).Inc()
		default:
			metrics.WatcherDropped.Inc()
			w.log.Warn("port buffer full, message dropped",
				zap.String("port", p.ID),
				zap.String("type", string(m.Type)),
				zap.String("task", m.TaskID),
			)
		}
	}
}

func (w *Watcher) restore(ctx context.Context) {
	if w.opts.Store == nil {
		return
	}
	cfgs, err := w.opts.Store.Load(ctx)
	if err != nil {
		w.log.Error("recover watcher tasks", zap.Error(err))
		return
	}
	for _, cfg := range cfgs {
		if cfg.Interval <= 0 {
			cfg.Interval = w.opts.DefaultInterval
		}
		w.upsert(cfg)
	}
	if len(cfgs) > 0 {
		w.log.Info("watcher tasks recovered", zap.Int("count", len(cfgs)))
	}
}
