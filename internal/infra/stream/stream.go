// Package stream maintains the persistent WebSocket control channel to the
// appliance: keepalive pings, frame routing, and an attempt-counted backoff
// reconnect loop that is independent of the session manager's own recovery.
package stream

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-device-link/internal/domain/device"
)

const (
	// DefaultStreamPort is the appliance WebSocket port.
	DefaultStreamPort = 8000

	// streamPath is the control stream endpoint.
	streamPath = "/ws"

	// pingInterval is the liveness ping cadence.
	pingInterval = 30 * time.Second

	// pingWriteTimeout bounds a single ping write.
	pingWriteTimeout = 10 * time.Second

	// connectThrottle is the minimum spacing between connect attempts
	// regardless of trigger source.
	connectThrottle = 2 * time.Second

	// dialTimeout bounds the WebSocket handshake.
	dialTimeout = 10 * time.Second
)

// Events receives everything the stream reports upward. Callbacks run on
// stream-owned goroutines and must not block for long.
type Events interface {
	// StreamConnected fires once per successful open.
	StreamConnected()

	// StreamDown fires on any failure the stream will retry itself.
	StreamDown(err error)

	// StreamGaveUp fires when the reconnect budget is exhausted. The
	// stream stops retrying; recovery is the caller's responsibility.
	StreamGaveUp()

	// StreamState delivers a decoded full-state push.
	StreamState(state device.State)

	// StreamVolume delivers a decoded volume push.
	StreamVolume(ev device.VolumeEvent)
}

// Stream is a reconnecting WebSocket client for one appliance host.
// Safe for concurrent use.
type Stream struct {
	events Events
	dialer *websocket.Dialer

	mu          sync.Mutex
	host        string
	port        int
	conn        *websocket.Conn
	connecting  bool
	connected   bool
	connectedAt time.Time
	lastAttempt time.Time
	epoch       uint64
	policy      reconnectPolicy
	retryTimer  *time.Timer
	closed      bool
}

// Option configures a Stream.
type Option func(*Stream)

// WithPort sets a non-default stream port.
func WithPort(port int) Option {
	return func(s *Stream) {
		s.port = port
	}
}

// WithDialer sets a custom WebSocket dialer (useful for testing).
func WithDialer(d *websocket.Dialer) Option {
	return func(s *Stream) {
		s.dialer = d
	}
}

// New creates a stream for the given host. Connect must be called to open it.
func New(host string, events Events, opts ...Option) *Stream {
	s := &Stream{
		events: events,
		host:   host,
		port:   DefaultStreamPort,
		dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetHost replaces the target host for subsequent connect attempts.
func (s *Stream) SetHost(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.host = host
}

// Connected reports whether a session is currently open.
func (s *Stream) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect opens the stream. A connect already in progress or an open session
// suppresses the call; attempts closer together than the throttle window are
// deferred, not dropped.
func (s *Stream) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectLocked()
}

func (s *Stream) connectLocked() {
	if s.closed || s.connecting || s.connected {
		return
	}

	if wait := connectThrottle - time.Since(s.lastAttempt); wait > 0 {
		s.scheduleRetryLocked(wait)
		return
	}

	s.connecting = true
	s.lastAttempt = time.Now()
	s.epoch++

	url := fmt.Sprintf("ws://%s%s", net.JoinHostPort(s.host, strconv.Itoa(s.port)), streamPath)
	go s.dial(s.epoch, url)
}

func (s *Stream) dial(epoch uint64, url string) {
	log.Debug().Str("url", url).Msg("Opening control stream")
	conn, _, err := s.dialer.Dial(url, nil)

	s.mu.Lock()
	if s.closed || epoch != s.epoch {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.connecting = false

	if err != nil {
		s.failLocked(fmt.Errorf("stream: open %s: %w", url, err), -1)
		s.mu.Unlock()
		return
	}

	s.conn = conn
	s.connected = true
	s.connectedAt = time.Now()
	s.policy.Reset()
	s.mu.Unlock()

	log.Info().Str("url", url).Msg("Control stream connected")
	s.events.StreamConnected()

	go s.readLoop(epoch, conn)
	go s.pingLoop(epoch, conn)
}

// readLoop pulls frames until the connection dies, then routes the error
// into the reconnect policy unless this session is already stale.
func (s *Stream) readLoop(epoch uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onReadError(epoch, fmt.Errorf("stream: receive: %w", err))
			return
		}

		s.mu.Lock()
		stale := s.closed || epoch != s.epoch || !s.connected
		s.mu.Unlock()
		if stale {
			return
		}
		s.route(data)
	}
}

func (s *Stream) onReadError(epoch uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || epoch != s.epoch || !s.connected {
		return
	}
	uptime := time.Since(s.connectedAt)
	s.teardownLocked()
	s.failLocked(err, uptime)
}

// pingLoop sends a control ping every interval. A write failure closes the
// connection so the read loop observes the error and drives recovery.
func (s *Stream) pingLoop(epoch uint64, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		stale := s.closed || epoch != s.epoch || !s.connected
		s.mu.Unlock()
		if stale {
			return
		}

		deadline := time.Now().Add(pingWriteTimeout)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			log.Warn().Err(err).Msg("Stream ping failed")
			conn.Close()
			return
		}
	}
}

// route dispatches one decoded frame. Malformed frames and keepalives are
// dropped without comment.
func (s *Stream) route(data []byte) {
	frame, err := device.DecodeFrame(data)
	if err != nil {
		log.Debug().Err(err).Msg("Dropping malformed stream frame")
		return
	}

	switch {
	case frame.Category == "system" && frame.Type == "ping":
		// keepalive

	case (frame.Category == "system" || frame.Category == "plugin") && frame.Type == "state_changed",
		frame.Category == "system" && (frame.Type == "transition_start" || frame.Type == "transition_complete"):
		state, err := device.DecodeStateFrame(frame.Data)
		if err != nil {
			log.Debug().Err(err).Str("type", frame.Type).Msg("Dropping undecodable state frame")
			return
		}
		s.events.StreamState(state)

	case frame.Category == "volume" && frame.Type == "volume_changed":
		ev, err := device.DecodeVolumeFrame(frame.Data)
		if err != nil {
			log.Debug().Err(err).Msg("Dropping undecodable volume frame")
			return
		}
		s.events.StreamVolume(ev)

	default:
		log.Debug().Str("category", frame.Category).Str("type", frame.Type).Msg("Ignoring unrecognized frame")
	}
}

// failLocked records a failure with the policy and either schedules a retry
// or gives up. Callers hold the mutex; uptime < 0 means the session never
// opened.
func (s *Stream) failLocked(err error, uptime time.Duration) {
	delay, gaveUp := s.policy.Fail(uptime)

	go s.events.StreamDown(err)

	if gaveUp {
		log.Warn().Err(err).Int("attempts", s.policy.attempts).Msg("Stream reconnect budget exhausted")
		go s.events.StreamGaveUp()
		return
	}

	log.Info().Err(err).Dur("retry_in", delay).Msg("Stream down, reconnect scheduled")
	s.scheduleRetryLocked(delay)
}

func (s *Stream) scheduleRetryLocked(delay time.Duration) {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.connectLocked()
	})
}

// teardownLocked drops the live connection state without touching the policy.
func (s *Stream) teardownLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
}

// ForceReconnect closes a live session on purpose, biasing the policy toward
// a fast retry. A no-op unless currently connected.
func (s *Stream) ForceReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return
	}
	log.Info().Msg("Forcing stream reconnect")
	s.policy.ForceBias()
	// Closing the socket surfaces a read error, which drives the normal
	// failure path including the StreamDown notification.
	s.conn.Close()
}

// Close tears the stream down for good. Idempotent; no further events fire.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.epoch++
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.teardownLocked()
	s.connecting = false
	log.Debug().Msg("Control stream closed")
}
