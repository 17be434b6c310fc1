package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// probeInterval is the fixed pause between readiness probes.
	probeInterval = 2 * time.Second

	// maxProbeAttempts caps a probing cycle before falling back to
	// discovery. The device may have renamed itself or gone offline
	// between advertisement and probe.
	maxProbeAttempts = 20
)

// ErrProbeInProgress rejects a re-entrant start while a cycle is active.
var ErrProbeInProgress = errors.New("session: probe cycle already active")

// ProbeFunc issues one lightweight readiness check against the candidate.
type ProbeFunc func(ctx context.Context) error

// Prober drives a bounded fixed-interval probe cycle. At most one cycle is
// active at a time. The first probe fires immediately.
type Prober struct {
	probe       ProbeFunc
	interval    time.Duration
	maxAttempts int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeInterval overrides the probe cadence (useful for testing).
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.interval = d
	}
}

// WithMaxProbeAttempts overrides the attempt cap (useful for testing).
func WithMaxProbeAttempts(n int) ProberOption {
	return func(p *Prober) {
		p.maxAttempts = n
	}
}

// NewProber creates a prober around the given check.
func NewProber(probe ProbeFunc, opts ...ProberOption) *Prober {
	p := &Prober{
		probe:       probe,
		interval:    probeInterval,
		maxAttempts: maxProbeAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins a probe cycle. onReady fires on the first successful probe,
// onExhausted when the attempt cap is hit; exactly one of them fires unless
// the cycle is stopped first. Returns ErrProbeInProgress if a cycle is
// already active.
func (p *Prober) Start(ctx context.Context, onReady func(), onExhausted func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrProbeInProgress
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	go p.run(runCtx, onReady, onExhausted)
	return nil
}

// Stop cancels the active cycle, if any. Idempotent; the attempt counter is
// local to the cycle so a later Start always begins at zero.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.cancel()
	p.cancel = nil
	p.running = false
}

// Running reports whether a probe cycle is active.
func (p *Prober) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Prober) run(ctx context.Context, onReady func(), onExhausted func()) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		err := p.probe(ctx)
		if err == nil {
			if p.finish(ctx) {
				log.Debug().Int("attempt", attempt).Msg("Readiness probe succeeded")
				onReady()
			}
			return
		}
		log.Debug().Int("attempt", attempt).Err(err).Msg("Readiness probe failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}

	if p.finish(ctx) {
		log.Warn().Int("attempts", p.maxAttempts).Msg("Readiness probing exhausted")
		onExhausted()
	}
}

// finish transitions the cycle to done and reports whether its outcome
// callback may fire. A cycle stopped mid-flight loses the race here and
// stays silent.
func (p *Prober) finish(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || ctx.Err() != nil {
		return false
	}
	p.cancel()
	p.cancel = nil
	p.running = false
	return true
}
