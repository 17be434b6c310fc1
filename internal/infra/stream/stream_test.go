package stream

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edumarques81/stellar-device-link/internal/domain/device"
)

func TestReconnectPolicy(t *testing.T) {
	t.Run("delay ramp", func(t *testing.T) {
		var p reconnectPolicy
		want := []time.Duration{
			5 * time.Second,
			10 * time.Second,
			15 * time.Second,
			20 * time.Second,
			25 * time.Second,
			30 * time.Second,
			30 * time.Second,
		}
		for i, w := range want {
			delay, gaveUp := p.Fail(time.Minute)
			if delay != w {
				t.Errorf("failure %d: delay = %v, want %v", i, delay, w)
			}
			if gaveUp {
				t.Errorf("failure %d: gave up too early", i)
			}
		}
	})

	t.Run("flappy close is penalized before the delay", func(t *testing.T) {
		var p reconnectPolicy
		delay, gaveUp := p.Fail(1500 * time.Millisecond)
		if delay != 15*time.Second {
			t.Errorf("delay = %v, want 15s after a flappy close", delay)
		}
		if gaveUp {
			t.Error("gave up after one flappy close")
		}
		if p.attempts != 2 {
			t.Errorf("attempts = %d, want 2", p.attempts)
		}
	})

	t.Run("gives up at the cumulative cap", func(t *testing.T) {
		var p reconnectPolicy
		gaveUp := false
		failures := 0
		for !gaveUp {
			_, gaveUp = p.Fail(time.Minute)
			failures++
			if failures > 100 {
				t.Fatal("policy never gave up")
			}
		}
		if p.attempts != maxReconnectAttempts {
			t.Errorf("attempts at give-up = %d, want %d", p.attempts, maxReconnectAttempts)
		}
	})

	t.Run("flappy closes burn the budget twice as fast", func(t *testing.T) {
		var p reconnectPolicy
		gaveUp := false
		failures := 0
		for !gaveUp {
			_, gaveUp = p.Fail(time.Second)
			failures++
		}
		if failures != maxReconnectAttempts/2+1 {
			t.Errorf("gave up after %d flappy failures, want %d", failures, maxReconnectAttempts/2+1)
		}
	})

	t.Run("force bias floors at zero", func(t *testing.T) {
		p := reconnectPolicy{attempts: 3}
		p.ForceBias()
		if p.attempts != 1 {
			t.Errorf("attempts = %d, want 1", p.attempts)
		}
		p.ForceBias()
		if p.attempts != 0 {
			t.Errorf("attempts = %d, want 0 (floored)", p.attempts)
		}
	})

	t.Run("reset clears the counter", func(t *testing.T) {
		p := reconnectPolicy{attempts: 9}
		p.Reset()
		if delay, _ := p.Fail(time.Minute); delay != 5*time.Second {
			t.Errorf("delay after reset = %v, want 5s", delay)
		}
	})
}

// recorder collects stream events for assertions.
type recorder struct {
	mu        sync.Mutex
	connected int
	down      int
	gaveUp    int
	states    []device.State
	volumes   []device.VolumeEvent
	notify    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) StreamConnected() {
	r.mu.Lock()
	r.connected++
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) StreamDown(err error) {
	r.mu.Lock()
	r.down++
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) StreamGaveUp() {
	r.mu.Lock()
	r.gaveUp++
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) StreamState(state device.State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	r.signal()
}

func (r *recorder) StreamVolume(ev device.VolumeEvent) {
	r.mu.Lock()
	r.volumes = append(r.volumes, ev)
	r.mu.Unlock()
	r.signal()
}

// waitFor polls until cond holds or the deadline passes.
func (r *recorder) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		r.mu.Lock()
		ok := cond()
		r.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

var upgrader = websocket.Upgrader{}

// wsServer runs an httptest WebSocket endpoint at /ws and hands each
// accepted connection to the handler.
func wsServer(t *testing.T, handler func(*websocket.Conn)) (host string, port int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		handler(conn)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	p, _ := strconv.Atoi(u.Port())
	return u.Hostname(), p
}

func TestStreamFrameRouting(t *testing.T) {
	frames := []string{
		`{"category":"system","type":"ping","data":{}}`,
		`{"category":"system","type":"state_changed","data":{"full_state":{"active_source":"spotify","plugin_state":"playing"}}}`,
		`{"category":"plugin","type":"state_changed","data":{"full_state":{"active_source":"radio"}}}`,
		`{"category":"system","type":"transition_start","data":{"full_state":{"active_source":"radio","target_source":"spotify"}}}`,
		`{"category":"volume","type":"volume_changed","data":{"volume_db":-18,"multiroom_enabled":true,"step_mobile_db":2}}`,
		`{"category":"system","type":"mystery","data":{}}`,
		`this is not json`,
	}

	host, port := wsServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	s := New(host, rec, WithPort(port))
	defer s.Close()
	s.Connect()

	rec.waitFor(t, "connected", func() bool { return rec.connected == 1 })
	rec.waitFor(t, "three state updates", func() bool { return len(rec.states) == 3 })
	rec.waitFor(t, "one volume update", func() bool { return len(rec.volumes) == 1 })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.states[0].ActiveSource != "spotify" {
		t.Errorf("first state source = %q, want spotify", rec.states[0].ActiveSource)
	}
	if !rec.states[2].InTransition() {
		t.Error("transition_start state should be in transition")
	}
	if rec.volumes[0].VolumeDb != -18 {
		t.Errorf("volume = %v, want -18", rec.volumes[0].VolumeDb)
	}
	if rec.down != 0 || rec.gaveUp != 0 {
		t.Errorf("unexpected failures: down=%d gaveUp=%d", rec.down, rec.gaveUp)
	}
}

func TestStreamReportsDownOnServerClose(t *testing.T) {
	host, port := wsServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	rec := newRecorder()
	s := New(host, rec, WithPort(port))
	defer s.Close()
	s.Connect()

	rec.waitFor(t, "connected", func() bool { return rec.connected == 1 })
	rec.waitFor(t, "stream down", func() bool { return rec.down == 1 })

	// The short-lived session must count as flappy.
	s.mu.Lock()
	attempts := s.policy.attempts
	s.mu.Unlock()
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 after a flappy close", attempts)
	}
}

func TestStreamCloseSuppressesEvents(t *testing.T) {
	release := make(chan struct{})
	host, port := wsServer(t, func(conn *websocket.Conn) {
		<-release
		conn.Close()
	})

	rec := newRecorder()
	s := New(host, rec, WithPort(port))
	s.Connect()

	rec.waitFor(t, "connected", func() bool { return rec.connected == 1 })
	s.Close()
	s.Close() // idempotent
	close(release)

	time.Sleep(100 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.down != 0 || rec.gaveUp != 0 {
		t.Errorf("events after Close: down=%d gaveUp=%d", rec.down, rec.gaveUp)
	}
}

func TestStreamForceReconnect(t *testing.T) {
	var mu sync.Mutex
	accepted := 0
	host, port := wsServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		accepted++
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	s := New(host, rec, WithPort(port))
	defer s.Close()

	t.Run("no-op while disconnected", func(t *testing.T) {
		s.ForceReconnect()
		if rec.down != 0 {
			t.Errorf("down = %d, want 0", rec.down)
		}
	})

	t.Run("closes a live session into the retry path", func(t *testing.T) {
		s.Connect()
		rec.waitFor(t, "connected", func() bool { return rec.connected == 1 })

		s.ForceReconnect()
		rec.waitFor(t, "stream down", func() bool { return rec.down == 1 })
	})
}

func TestStreamConnectIsThrottled(t *testing.T) {
	rec := newRecorder()
	s := New("127.0.0.1", rec, WithPort(1))
	defer s.Close()

	s.Connect()
	s.mu.Lock()
	first := s.epoch
	s.mu.Unlock()

	// A second call right behind the first must not start another dial.
	s.Connect()
	s.mu.Lock()
	second := s.epoch
	s.mu.Unlock()

	if first != second {
		t.Errorf("epoch advanced from %d to %d, want a suppressed attempt", first, second)
	}
}
