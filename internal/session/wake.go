package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// wakeSampleInterval is how often the wall clock is sampled.
	wakeSampleInterval = 5 * time.Second

	// wakeJumpThreshold is the slack on top of the sample interval before a
	// wall-clock jump counts as a sleep/wake cycle.
	wakeJumpThreshold = 10 * time.Second
)

// clockJumped reports whether the wall clock advanced far beyond one sample
// interval, which is what a system suspend looks like from inside a process.
func clockJumped(prev, now time.Time, interval, threshold time.Duration) bool {
	return now.Sub(prev) > interval+threshold
}

// WakeMonitor detects system wake by watching for wall-clock jumps between
// ticker samples. Timestamps are stripped of their monotonic reading so the
// comparison sees the wall clock, which keeps moving during suspend while
// the ticker does not.
type WakeMonitor struct {
	interval  time.Duration
	threshold time.Duration
	onWake    func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// WakeOption configures a WakeMonitor.
type WakeOption func(*WakeMonitor)

// WithWakeInterval overrides the sample cadence (useful for testing).
func WithWakeInterval(d time.Duration) WakeOption {
	return func(m *WakeMonitor) {
		m.interval = d
	}
}

// WithWakeThreshold overrides the jump slack (useful for testing).
func WithWakeThreshold(d time.Duration) WakeOption {
	return func(m *WakeMonitor) {
		m.threshold = d
	}
}

// NewWakeMonitor creates a monitor that calls onWake once per detected wake.
func NewWakeMonitor(onWake func(), opts ...WakeOption) *WakeMonitor {
	m := &WakeMonitor{
		interval:  wakeSampleInterval,
		threshold: wakeJumpThreshold,
		onWake:    onWake,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins sampling. A no-op while already running.
func (m *WakeMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	go m.run(runCtx)
}

// Stop halts sampling. Idempotent.
func (m *WakeMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.cancel()
	m.cancel = nil
	m.running = false
}

func (m *WakeMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	prev := time.Now().Round(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().Round(0)
			if clockJumped(prev, now, m.interval, m.threshold) {
				log.Info().Dur("gap", now.Sub(prev)).Msg("Wall-clock jump detected, treating as system wake")
				m.onWake()
			}
			prev = now
		}
	}
}
