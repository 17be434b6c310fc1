package session_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edumarques81/stellar-device-link/internal/session"
)

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestProberSucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) error {
		if calls.Add(1) < 4 {
			return errors.New("not ready")
		}
		return nil
	}

	ready := make(chan struct{})
	exhausted := make(chan struct{})
	p := session.NewProber(probe, session.WithProbeInterval(5*time.Millisecond))

	if err := p.Start(context.Background(), func() { close(ready) }, func() { close(exhausted) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitSignal(t, ready, "onReady")
	if got := calls.Load(); got != 4 {
		t.Errorf("probe calls = %d, want 4", got)
	}
	select {
	case <-exhausted:
		t.Error("onExhausted fired after success")
	default:
	}
	if p.Running() {
		t.Error("prober still running after success")
	}
}

func TestProberExhaustsCap(t *testing.T) {
	var calls atomic.Int32
	probe := func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("never ready")
	}

	exhausted := make(chan struct{})
	p := session.NewProber(probe,
		session.WithProbeInterval(time.Millisecond),
		session.WithMaxProbeAttempts(5),
	)

	if err := p.Start(context.Background(), func() { t.Error("unexpected onReady") }, func() { close(exhausted) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitSignal(t, exhausted, "onExhausted")
	if got := calls.Load(); got != 5 {
		t.Errorf("probe calls = %d, want 5", got)
	}
}

func TestProberRejectsReentrantStart(t *testing.T) {
	block := make(chan struct{})
	probe := func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return errors.New("blocked")
	}

	p := session.NewProber(probe, session.WithProbeInterval(time.Millisecond))
	if err := p.Start(context.Background(), func() {}, func() {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()
	defer close(block)

	if err := p.Start(context.Background(), func() {}, func() {}); !errors.Is(err, session.ErrProbeInProgress) {
		t.Errorf("second Start = %v, want ErrProbeInProgress", err)
	}
}

func TestProberStop(t *testing.T) {
	probe := func(ctx context.Context) error {
		return errors.New("not ready")
	}

	p := session.NewProber(probe,
		session.WithProbeInterval(time.Hour), // only the immediate probe runs
		session.WithMaxProbeAttempts(3),
	)

	fired := make(chan string, 2)
	if err := p.Start(context.Background(), func() { fired <- "ready" }, func() { fired <- "exhausted" }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	p.Stop()
	p.Stop() // idempotent
	if p.Running() {
		t.Error("prober running after Stop")
	}

	select {
	case name := <-fired:
		t.Errorf("callback %q fired after Stop", name)
	case <-time.After(50 * time.Millisecond):
	}

	// A stopped prober accepts a fresh cycle.
	ready := make(chan struct{})
	ok := session.NewProber(func(ctx context.Context) error { return nil })
	if err := ok.Start(context.Background(), func() { close(ready) }, func() {}); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	waitSignal(t, ready, "onReady after restart")
}
