package modelruntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager time-multiplexes one model slot between the conversational
// "realtime" model and the bulk "analysis" model. The host cannot hold
// both resident, so every stage swap is funneled through a single
// worker goroutine and processed strictly in arrival order.
//
// Invariants:
// - No two swaps ever interleave.
// - A completed swap to analysis observed zero active realtime sessions
//   at the moment it ran (unless the caller explicitly skipped the
//   drain wait).
// - The active-session counter is incremented before warm-up and
//   decremented again if warm-up fails, so it never leaks.

type Stage string

const (
	StageNone     Stage = "none"
	StageRealtime Stage = "realtime"
	StageAnalysis Stage = "analysis"
)

// ModelClient is the minimal runtime surface the manager drives.
// Warm loads a model and keeps it resident; Unload evicts it.
type ModelClient interface {
	Warm(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
}

type Config struct {
	RealtimeModel string
	AnalysisModel string

	// DrainPollInterval is how often EnsureAnalysisModel re-checks the
	// active-session counter while waiting for realtime traffic to stop.
	DrainPollInterval time.Duration

	// DrainTimeout bounds the wait when the caller passes no deadline.
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.DrainPollInterval <= 0 {
		out.DrainPollInterval = 200 * time.Millisecond
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = 3 * time.Minute
	}
	return out
}

var (
	ErrDrainTimeout = errors.New("modelruntime: realtime sessions did not drain before deadline")
	ErrClosed       = errors.New("modelruntime: manager closed")

	errSessionsActive = errors.New("modelruntime: realtime sessions still active")
)

type State struct {
	Stage                  Stage
	ActiveRealtimeSessions int
}

type op struct {
	fn   func(ctx context.Context) error
	done chan error
}

type Manager struct {
	client ModelClient
	cfg    Config
	log    *slog.Logger

	ops    chan op
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	stage  Stage
	active int
}

func NewManager(client ModelClient, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		client: client,
		cfg:    cfg.withDefaults(),
		log:    log,
		ops:    make(chan op),
		closed: make(chan struct{}),
		stage:  StageNone,
	}
	go m.worker()
	return m
}

func (m *Manager) worker() {
	for {
		select {
		case <-m.closed:
			return
		case o := <-m.ops:
			o.done <- o.fn(context.Background())
		}
	}
}

// Close stops the swap worker. In-flight operations finish first.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.closed) })
}

// submit queues fn on the swap chain and waits for its result. The
// caller's context only bounds the wait; a swap that already started
// always runs to completion.
func (m *Manager) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case m.ops <- o:
	case <-m.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireRealtimeSession registers one live call against the realtime
// model and ensures it is resident. The returned release func is
// idempotent and must be called when the call ends.
func (m *Manager) AcquireRealtimeSession(ctx context.Context) (func(), error) {
	m.mu.Lock()
	m.active++
	m.mu.Unlock()

	err := m.submit(ctx, func(opCtx context.Context) error {
		return m.swapTo(opCtx, StageRealtime, false)
	})
	if err != nil {
		m.mu.Lock()
		if m.active > 0 {
			m.active--
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("modelruntime: acquire realtime session: %w", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			if m.active > 0 {
				m.active--
			}
			remaining := m.active
			m.mu.Unlock()
			m.log.Debug("realtime session released", "active", remaining)
		})
	}
	return release, nil
}

// EnsureAnalysisModel swaps the slot to the analysis model. With
// waitForRealtime set it polls until the active-session counter drains
// to zero, failing with ErrDrainTimeout past the deadline.
func (m *Manager) EnsureAnalysisModel(ctx context.Context, waitForRealtime bool, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.cfg.DrainTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		err := m.submit(ctx, func(opCtx context.Context) error {
			return m.swapTo(opCtx, StageAnalysis, waitForRealtime)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, errSessionsActive) {
			return err
		}
		if time.Now().After(deadline) {
			return ErrDrainTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.DrainPollInterval):
		}
	}
}

// ReleaseAnalysisModel evicts the analysis model and parks the slot.
func (m *Manager) ReleaseAnalysisModel(ctx context.Context) error {
	return m.submit(ctx, func(opCtx context.Context) error {
		return m.swapTo(opCtx, StageNone, false)
	})
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Stage: m.stage, ActiveRealtimeSessions: m.active}
}

// ActiveRealtimeSessions is a convenience read for drain checks.
func (m *Manager) ActiveRealtimeSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// swapTo runs on the worker goroutine only.
func (m *Manager) swapTo(ctx context.Context, target Stage, requireDrained bool) error {
	m.mu.Lock()
	current := m.stage
	active := m.active
	m.mu.Unlock()

	if target == StageAnalysis && requireDrained && active > 0 {
		return errSessionsActive
	}
	if current == target {
		return nil
	}

	switch current {
	case StageRealtime:
		if err := m.client.Unload(ctx, m.cfg.RealtimeModel); err != nil {
			m.log.Warn("realtime model unload failed", "model", m.cfg.RealtimeModel, "err", err)
		}
	case StageAnalysis:
		if err := m.client.Unload(ctx, m.cfg.AnalysisModel); err != nil {
			m.log.Warn("analysis model unload failed", "model", m.cfg.AnalysisModel, "err", err)
		}
	}

	switch target {
	case StageRealtime:
		if err := m.client.Warm(ctx, m.cfg.RealtimeModel); err != nil {
			m.setStage(StageNone)
			return fmt.Errorf("modelruntime: warm realtime model: %w", err)
		}
	case StageAnalysis:
		if err := m.client.Warm(ctx, m.cfg.AnalysisModel); err != nil {
			m.setStage(StageNone)
			return fmt.Errorf("modelruntime: warm analysis model: %w", err)
		}
	}

	m.setStage(target)
	m.logMemory(target)
	return nil
}

func (m *Manager) setStage(s Stage) {
	m.mu.Lock()
	m.stage = s
	m.mu.Unlock()
}

func (m *Manager) logMemory(target Stage) {
	mem, err := readHostMemory()
	if err != nil {
		m.log.Debug("host memory probe unavailable", "err", err)
		m.log.Info("model stage swapped", "stage", string(target))
		return
	}
	// Informational budget guard only; exclusivity is what actually
	// keeps the host inside its memory envelope.
	m.log.Info("model stage swapped",
		"stage", string(target),
		"mem_total_mb", mem.TotalMB,
		"mem_available_mb", mem.AvailableMB,
		"mem_used_pct", fmt.Sprintf("%.1f", mem.UsedPercent()),
	)
}
