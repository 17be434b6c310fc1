package socketio

import (
	"sync"
	"time"
)

// Update kinds accepted by the broadcast debouncer.
const (
	UpdateState  = "state"
	UpdateVolume = "volume"
)

// BroadcastDebouncer collapses bursts of appliance push events into batched
// broadcasts. Several updates within the debounce window result in a single
// broadcast per affected kind (state and/or volume).
type BroadcastDebouncer struct {
	window         time.Duration
	stateCallback  func()
	volumeCallback func()

	mu            sync.Mutex
	pendingState  bool
	pendingVolume bool
	timer         *time.Timer
	stopped       bool
}

// NewBroadcastDebouncer creates a debouncer with the given window duration.
// stateCallback fires for pending state updates, volumeCallback for pending
// volume updates.
func NewBroadcastDebouncer(window time.Duration, stateCallback, volumeCallback func()) *BroadcastDebouncer {
	return &BroadcastDebouncer{
		window:         window,
		stateCallback:  stateCallback,
		volumeCallback: volumeCallback,
	}
}

// Trigger records that an update of the given kind arrived. The broadcast
// callbacks are deferred until the window elapses without further triggers.
func (d *BroadcastDebouncer) Trigger(kind string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	switch kind {
	case UpdateState:
		d.pendingState = true
	case UpdateVolume:
		d.pendingVolume = true
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// flush fires callbacks for any pending flags and resets them.
func (d *BroadcastDebouncer) flush() {
	d.mu.Lock()
	doState := d.pendingState
	doVolume := d.pendingVolume
	d.pendingState = false
	d.pendingVolume = false
	d.mu.Unlock()

	if doState && d.stateCallback != nil {
		d.stateCallback()
	}
	if doVolume && d.volumeCallback != nil {
		d.volumeCallback()
	}
}

// Stop prevents any further callbacks from firing.
func (d *BroadcastDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pendingState = false
	d.pendingVolume = false
}
