package socketio

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCollapsesStateBurst(t *testing.T) {
	var stateCalls, volumeCalls int32

	d := NewBroadcastDebouncer(50*time.Millisecond,
		func() { atomic.AddInt32(&stateCalls, 1) },
		func() { atomic.AddInt32(&volumeCalls, 1) },
	)
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Trigger(UpdateState)
	}

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&stateCalls); got != 1 {
		t.Errorf("state callbacks = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&volumeCalls); got != 0 {
		t.Errorf("volume callbacks = %d, want 0", got)
	}
}

func TestDebouncerCollapsesVolumeKnobSpin(t *testing.T) {
	var volumeCalls int32

	d := NewBroadcastDebouncer(50*time.Millisecond,
		func() {},
		func() { atomic.AddInt32(&volumeCalls, 1) },
	)
	defer d.Stop()

	// A volume knob spin produces a steady trickle of push events.
	for i := 0; i < 20; i++ {
		d.Trigger(UpdateVolume)
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	if got := atomic.LoadInt32(&volumeCalls); got != 1 {
		t.Errorf("volume callbacks = %d, want 1 for a continuous spin", got)
	}
}

func TestDebouncerMixedKindsFireBoth(t *testing.T) {
	var stateCalls, volumeCalls int32

	d := NewBroadcastDebouncer(20*time.Millisecond,
		func() { atomic.AddInt32(&stateCalls, 1) },
		func() { atomic.AddInt32(&volumeCalls, 1) },
	)
	defer d.Stop()

	d.Trigger(UpdateState)
	d.Trigger(UpdateVolume)

	time.Sleep(80 * time.Millisecond)

	if got := atomic.LoadInt32(&stateCalls); got != 1 {
		t.Errorf("state callbacks = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&volumeCalls); got != 1 {
		t.Errorf("volume callbacks = %d, want 1", got)
	}
}

func TestDebouncerSeparateWindowsFireIndependently(t *testing.T) {
	var stateCalls int32

	d := NewBroadcastDebouncer(20*time.Millisecond,
		func() { atomic.AddInt32(&stateCalls, 1) },
		func() {},
	)
	defer d.Stop()

	d.Trigger(UpdateState)
	time.Sleep(60 * time.Millisecond)
	d.Trigger(UpdateState)
	time.Sleep(60 * time.Millisecond)

	if got := atomic.LoadInt32(&stateCalls); got != 2 {
		t.Errorf("state callbacks = %d, want 2 across separate windows", got)
	}
}

func TestDebouncerStopSuppressesPending(t *testing.T) {
	var stateCalls int32

	d := NewBroadcastDebouncer(20*time.Millisecond,
		func() { atomic.AddInt32(&stateCalls, 1) },
		func() {},
	)

	d.Trigger(UpdateState)
	d.Stop()
	d.Trigger(UpdateState) // ignored after Stop

	time.Sleep(80 * time.Millisecond)

	if got := atomic.LoadInt32(&stateCalls); got != 0 {
		t.Errorf("state callbacks = %d, want 0 after Stop", got)
	}
}
