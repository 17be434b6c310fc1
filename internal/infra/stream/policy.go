package stream

import "time"

const (
	// minViableUptime separates a healthy session from a flappy one. A
	// connection that dies faster than this is penalized twice as hard.
	minViableUptime = 3 * time.Second

	// maxReconnectAttempts is the cumulative attempt count after which the
	// stream stops retrying on its own.
	maxReconnectAttempts = 15

	// baseReconnectDelay and reconnectDelayStep shape the backoff ramp.
	baseReconnectDelay = 5 * time.Second
	reconnectDelayStep = 5 * time.Second

	// maxReconnectDelay caps the ramp.
	maxReconnectDelay = 30 * time.Second
)

// reconnectPolicy tracks cumulative failed attempts and computes backoff
// delays. Not safe for concurrent use; the stream serializes access.
type reconnectPolicy struct {
	attempts int
}

// delayFor maps an attempt count to a backoff delay.
func delayFor(attempts int) time.Duration {
	d := baseReconnectDelay + time.Duration(attempts)*reconnectDelayStep
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

// Fail records one failure and returns the delay before the next attempt.
// A flappy session (uptime below the viable threshold) costs two attempts,
// applied before the delay is computed, so a single flap already ramps the
// backoff. gaveUp reports that the cumulative budget is exhausted.
func (p *reconnectPolicy) Fail(uptime time.Duration) (delay time.Duration, gaveUp bool) {
	if uptime >= 0 && uptime < minViableUptime {
		p.attempts += 2
		delay = delayFor(p.attempts)
	} else {
		delay = delayFor(p.attempts)
		p.attempts++
	}
	return delay, p.attempts >= maxReconnectAttempts
}

// ForceBias lowers the attempt counter after a deliberate user-triggered
// reconnect so recovery comes faster than the organic ramp.
func (p *reconnectPolicy) ForceBias() {
	p.attempts -= 2
	if p.attempts < 0 {
		p.attempts = 0
	}
}

// Reset clears the counter after a successful open.
func (p *reconnectPolicy) Reset() {
	p.attempts = 0
}
