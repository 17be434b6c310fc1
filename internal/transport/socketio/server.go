// Package socketio provides the Socket.io server that re-exports session
// events to UI clients and accepts appliance control commands from them.
package socketio

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/edumarques81/stellar-device-link/internal/domain/device"
	"github.com/edumarques81/stellar-device-link/internal/session"
)

// DeviceControl is the slice of the request client the bridge commands use.
type DeviceControl interface {
	SetSource(ctx context.Context, sourceID string) error
	SetVolume(ctx context.Context, volumeDb float64, showBar bool) error
	AdjustVolume(ctx context.Context, deltaDb float64, showBar bool) error
	SetMultiroom(ctx context.Context, enabled bool) error
	SetEqualizer(ctx context.Context, enabled bool) error
	PlayStation(ctx context.Context, stationID string) error
	StopRadio(ctx context.Context) error
}

// Session is the slice of the session manager the bridge drives.
type Session interface {
	State() session.ConnState
	Snapshot() (state device.State, haveState bool, vol device.Volume, haveVolume bool)
	ForceReconnect()
	Connect(ctx context.Context)
	Stop()
}

const (
	// maxExternalClients caps concurrent non-localhost UI connections.
	maxExternalClients = 4

	// broadcastDebounce collapses push bursts into one broadcast per kind.
	broadcastDebounce = 50 * time.Millisecond
)

// Server handles Socket.io connections and events. It implements
// session.Observer so the manager can push straight into it.
type Server struct {
	io         *socket.Server
	control    DeviceControl
	sess       Session
	limiter    *ConnectionLimiter
	debounce   *BroadcastDebouncer
	intentSink func(enabled bool)
	mu         sync.RWMutex
	clients    map[string]*socket.Socket
}

// Option configures the server.
type Option func(*Server)

// WithIntentSink registers a callback invoked whenever a client changes
// the connect intent, before the session is started or stopped. Used to
// persist the intent across daemon restarts.
func WithIntentSink(fn func(enabled bool)) Option {
	return func(s *Server) {
		s.intentSink = fn
	}
}

// NewServer creates a new Socket.io server.
func NewServer(control DeviceControl, sess Session, opts ...Option) (*Server, error) {
	serverOpts := socket.DefaultServerOptions()
	serverOpts.SetPingTimeout(20 * time.Second)
	serverOpts.SetPingInterval(25 * time.Second)
	serverOpts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	s := &Server{
		io:      socket.NewServer(nil, serverOpts),
		control: control,
		sess:    sess,
		limiter: NewConnectionLimiter(maxExternalClients),
		clients: make(map[string]*socket.Socket),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.debounce = NewBroadcastDebouncer(broadcastDebounce, s.broadcastState, s.broadcastVolume)
	s.setupHandlers()
	return s, nil
}

// setupHandlers registers all Socket.io event handlers.
func (s *Server) setupHandlers() {
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		clientID := string(client.Id())

		log.Info().Str("id", clientID).Msg("Client connected")

		remoteIP := ""
		if h := client.Handshake(); h != nil {
			remoteIP = h.Address
		}
		evicted := s.limiter.TryAdd(clientID, remoteIP)

		s.mu.Lock()
		s.clients[clientID] = client
		victim := s.clients[evicted]
		s.mu.Unlock()

		if victim != nil {
			log.Info().Str("id", evicted).Msg("Evicting oldest external client")
			victim.Disconnect(true)
		}

		// Send the current picture after a small delay so the client's own
		// handlers are registered.
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.pushSnapshot(client)
		}()

		client.On("disconnect", func(args ...any) {
			reason := ""
			if len(args) > 0 {
				if r, ok := args[0].(string); ok {
					reason = r
				}
			}
			log.Info().Str("id", clientID).Str("reason", reason).Msg("Client disconnected")

			s.limiter.Remove(clientID)
			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()
		})

		client.On("getState", func(args ...any) {
			log.Debug().Str("id", clientID).Msg("getState")
			s.pushSnapshot(client)
		})

		client.On("setSource", func(args ...any) { s.handleSetSource(clientID, args) })
		client.On("setVolume", func(args ...any) { s.handleSetVolume(clientID, args) })
		client.On("adjustVolume", func(args ...any) { s.handleAdjustVolume(clientID, args) })
		client.On("toggleMultiroom", func(args ...any) { s.handleToggleMultiroom(clientID, args) })
		client.On("toggleEqualizer", func(args ...any) { s.handleToggleEqualizer(clientID, args) })
		client.On("playStation", func(args ...any) { s.handlePlayStation(clientID, args) })
		client.On("stopRadio", func(args ...any) { s.handleStopRadio(clientID, args) })
		client.On("forceReconnect", func(args ...any) { s.handleForceReconnect(clientID, args) })
		client.On("setConnectIntent", func(args ...any) { s.handleConnectIntent(clientID, args) })
	})
}

func (s *Server) handleSetSource(clientID string, args []any) {
	id, ok := argString(args, "id")
	if !ok {
		return
	}
	log.Debug().Str("id", clientID).Str("source", id).Msg("setSource")
	if err := s.control.SetSource(context.Background(), id); err != nil {
		log.Error().Err(err).Msg("SetSource failed")
	}
}

func (s *Server) handleSetVolume(clientID string, args []any) {
	db, ok := argFloat(args, "volume_db")
	if !ok {
		return
	}
	showBar, _ := argBool(args, "show_bar")
	log.Debug().Str("id", clientID).Float64("volume_db", db).Msg("setVolume")
	if err := s.control.SetVolume(context.Background(), db, showBar); err != nil {
		log.Error().Err(err).Msg("SetVolume failed")
	}
}

func (s *Server) handleAdjustVolume(clientID string, args []any) {
	delta, ok := argFloat(args, "delta_db")
	if !ok {
		return
	}
	showBar, _ := argBool(args, "show_bar")
	log.Debug().Str("id", clientID).Float64("delta_db", delta).Msg("adjustVolume")
	if err := s.control.AdjustVolume(context.Background(), delta, showBar); err != nil {
		log.Error().Err(err).Msg("AdjustVolume failed")
	}
}

func (s *Server) handleToggleMultiroom(clientID string, args []any) {
	enabled, ok := argBool(args, "enabled")
	if !ok {
		return
	}
	log.Debug().Str("id", clientID).Bool("enabled", enabled).Msg("toggleMultiroom")
	if err := s.control.SetMultiroom(context.Background(), enabled); err != nil {
		log.Error().Err(err).Msg("SetMultiroom failed")
	}
}

func (s *Server) handleToggleEqualizer(clientID string, args []any) {
	enabled, ok := argBool(args, "enabled")
	if !ok {
		return
	}
	log.Debug().Str("id", clientID).Bool("enabled", enabled).Msg("toggleEqualizer")
	if err := s.control.SetEqualizer(context.Background(), enabled); err != nil {
		log.Error().Err(err).Msg("SetEqualizer failed")
	}
}

func (s *Server) handlePlayStation(clientID string, args []any) {
	id, ok := argString(args, "id")
	if !ok {
		return
	}
	log.Debug().Str("id", clientID).Str("station", id).Msg("playStation")
	if err := s.control.PlayStation(context.Background(), id); err != nil {
		log.Error().Err(err).Msg("PlayStation failed")
	}
}

func (s *Server) handleStopRadio(clientID string, args []any) {
	log.Debug().Str("id", clientID).Msg("stopRadio")
	if err := s.control.StopRadio(context.Background()); err != nil {
		log.Error().Err(err).Msg("StopRadio failed")
	}
}

func (s *Server) handleForceReconnect(clientID string, args []any) {
	log.Info().Str("id", clientID).Msg("forceReconnect")
	s.sess.ForceReconnect()
}

// handleConnectIntent flips the user's connect intent: the new value is
// handed to the intent sink for persistence, then the session is started
// or stopped to match.
func (s *Server) handleConnectIntent(clientID string, args []any) {
	enabled, ok := argBool(args, "enabled")
	if !ok {
		return
	}
	log.Info().Str("id", clientID).Bool("enabled", enabled).Msg("setConnectIntent")
	if s.intentSink != nil {
		s.intentSink(enabled)
	}
	if enabled {
		s.sess.Connect(context.Background())
	} else {
		s.sess.Stop()
	}
}

// argString pulls a string field out of a command payload.
func argString(args []any, key string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

// argFloat pulls a numeric field out of a command payload.
func argFloat(args []any, key string) (float64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return 0, false
	}
	v, ok := m[key].(float64)
	return v, ok
}

// argBool pulls a boolean field out of a command payload.
func argBool(args []any, key string) (bool, bool) {
	if len(args) == 0 {
		return false, false
	}
	m, ok := args[0].(map[string]interface{})
	if !ok {
		return false, false
	}
	v, ok := m[key].(bool)
	return v, ok
}

// pushSnapshot sends the connection state plus any known state and volume
// to a single client.
func (s *Server) pushSnapshot(client *socket.Socket) {
	connState := s.sess.State()
	client.Emit("connection", connectionPayload(connState == session.Connected, connState.String()))

	state, haveState, vol, haveVolume := s.sess.Snapshot()
	if haveState {
		client.Emit("pushState", state)
	}
	if haveVolume {
		client.Emit("pushVolume", vol)
	}
}

func connectionPayload(connected bool, detail string) map[string]interface{} {
	return map[string]interface{}{
		"connected": connected,
		"detail":    detail,
	}
}

// OnConnected implements session.Observer.
func (s *Server) OnConnected() {
	s.io.Emit("connection", connectionPayload(true, "connected"))
}

// OnDisconnected implements session.Observer.
func (s *Server) OnDisconnected(reason string) {
	s.io.Emit("connection", connectionPayload(false, reason))
}

// OnStateUpdate implements session.Observer. Bursts are debounced; the
// broadcast always carries the latest snapshot.
func (s *Server) OnStateUpdate(state device.State) {
	s.debounce.Trigger(UpdateState)
}

// OnVolumeUpdate implements session.Observer.
func (s *Server) OnVolumeUpdate(vol device.Volume) {
	s.debounce.Trigger(UpdateVolume)
}

// broadcastState sends the latest state snapshot to all clients.
func (s *Server) broadcastState() {
	state, haveState, _, _ := s.sess.Snapshot()
	if !haveState {
		return
	}
	s.io.Emit("pushState", state)

	if log.Debug().Enabled() {
		s.mu.RLock()
		clientCount := len(s.clients)
		s.mu.RUnlock()
		log.Debug().Str("source", state.ActiveSource).Int("clients", clientCount).Msg("Broadcast state")
	}
}

// broadcastVolume sends the latest volume snapshot to all clients.
func (s *Server) broadcastVolume() {
	_, _, vol, haveVolume := s.sess.Snapshot()
	if !haveVolume {
		return
	}
	s.io.Emit("pushVolume", vol)
}

// ServeHTTP implements http.Handler for the Socket.io server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.io.ServeHandler(nil).ServeHTTP(w, r)
}

// Close closes the Socket.io server.
func (s *Server) Close() error {
	s.debounce.Stop()
	s.io.Close(nil)
	return nil
}
