// Package session owns the appliance connection lifecycle: discovery,
// readiness probing, address resolution, and the control stream, tied
// together by a serialized state machine that survives every failure by
// routing back into discovery.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-device-link/internal/domain/device"
	"github.com/edumarques81/stellar-device-link/internal/infra/discovery"
	"github.com/edumarques81/stellar-device-link/internal/infra/stream"
	"github.com/edumarques81/stellar-device-link/internal/provision"
)

// settleDelay lets the network stack stabilize after a system wake before
// rediscovery starts.
const settleDelay = time.Second

// ConnState is the session manager's connection state.
type ConnState int

const (
	// Idle means no connect intent.
	Idle ConnState = iota
	// Discovering means browsing for the target appliance.
	Discovering
	// Probing means the candidate is being readiness-checked.
	Probing
	// Resolving means the best IPv4 address is being selected.
	Resolving
	// StreamConnecting means the control stream is being established,
	// including its own internal retries.
	StreamConnecting
	// Connected means a live stream and a resolved address.
	Connected
	// Disconnected is the transient state between a failure and the next
	// recovery stage.
	Disconnected
)

var connStateNames = map[ConnState]string{
	Idle:             "idle",
	Discovering:      "discovering",
	Probing:          "probing",
	Resolving:        "resolving",
	StreamConnecting: "stream_connecting",
	Connected:        "connected",
	Disconnected:     "disconnected",
}

func (s ConnState) String() string {
	if name, ok := connStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Observer receives the high-level events that cross the session boundary.
// Callbacks run off the manager's lock and must not block for long.
type Observer interface {
	OnConnected()
	OnDisconnected(reason string)
	OnStateUpdate(state device.State)
	OnVolumeUpdate(vol device.Volume)
}

// Discoverer is the discovery stage seam, satisfied by discovery.Browser.
type Discoverer interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan discovery.Event
}

// Resolver is the address resolution seam, satisfied by resolve.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (device.ResolvedAddress, error)
}

// APIClient is the request-client seam, satisfied by deviceapi.Client.
type APIClient interface {
	SetHost(host string)
	Reset()
	State(ctx context.Context) (device.State, error)
	VolumeStatus(ctx context.Context) (device.Volume, error)
}

// ControlStream is the stream seam, satisfied by stream.Stream.
type ControlStream interface {
	Connect()
	Close()
	ForceReconnect()
}

// StreamFactory builds a fresh control stream for a host. The manager
// recreates streams rather than reusing them across wake cycles so no
// stale socket state carries over.
type StreamFactory func(host string, events stream.Events) ControlStream

// Config carries the manager's collaborators.
type Config struct {
	// TargetHostname is the appliance hostname to accept from discovery.
	TargetHostname string

	Discoverer  Discoverer
	Resolver    Resolver
	API         APIClient
	NewStream   StreamFactory
	Provisioner provision.Provisioner
	Observer    Observer

	// Settle overrides the post-wake settle delay (useful for testing).
	Settle time.Duration

	// ProberOpts tune the readiness prober (useful for testing).
	ProberOpts []ProberOption
}

// Manager drives the connect/disconnect state machine. All transitions are
// serialized under one mutex; an epoch counter lets callbacks from stale
// attempts detect that they lost the race.
type Manager struct {
	cfg    Config
	prober *Prober

	mu       sync.Mutex
	state    ConnState
	intent   bool
	epoch    uint64
	target   string
	resolved device.ResolvedAddress

	candidate device.Candidate
	str       ControlStream

	lastState  device.State
	haveState  bool
	lastVolume device.Volume
	haveVolume bool

	runCtx context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager. Connect starts it.
func NewManager(cfg Config) *Manager {
	if cfg.Provisioner == nil {
		cfg.Provisioner = provision.Nop{}
	}
	if cfg.Settle <= 0 {
		cfg.Settle = settleDelay
	}
	m := &Manager{
		cfg:    cfg,
		state:  Idle,
		target: device.NormalizeHostname(cfg.TargetHostname),
	}
	m.prober = NewProber(func(ctx context.Context) error {
		_, err := cfg.API.State(ctx)
		return err
	}, cfg.ProberOpts...)
	return m
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ResolvedAddress returns the most recent address selection.
func (m *Manager) ResolvedAddress() device.ResolvedAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolved
}

// SetTarget changes the hostname accepted from discovery. Takes effect on
// the next discovery cycle.
func (m *Manager) SetTarget(hostname string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = device.NormalizeHostname(hostname)
}

// Connect sets connect intent and enters discovery. A no-op while already
// running with intent set.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.intent {
		return
	}
	m.intent = true
	m.runCtx, m.cancel = context.WithCancel(ctx)
	go m.pumpDiscovery(m.runCtx)
	m.startDiscoveryLocked()
}

// Stop clears intent and tears everything down. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.intent && m.state == Idle {
		return
	}
	m.intent = false
	m.teardownLocked()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.setStateLocked(Idle)
}

// ForceReconnect closes and reopens the control stream. Honored only while
// connected, same as a detected stream failure.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	str := m.str
	connected := m.state == Connected
	m.mu.Unlock()

	if !connected || str == nil {
		log.Debug().Msg("Ignoring force reconnect while not connected")
		return
	}
	str.ForceReconnect()
}

// OnWake implements the wake monitor callback: full teardown, fresh stream,
// short settle, then rediscovery.
func (m *Manager) OnWake() {
	m.mu.Lock()
	if !m.intent {
		m.mu.Unlock()
		return
	}
	log.Info().Msg("System wake, tearing down session for rediscovery")
	wasConnected := m.state == Connected
	m.teardownLocked()
	m.cfg.API.Reset()
	m.setStateLocked(Disconnected)
	epoch := m.epoch
	ctx := m.runCtx
	m.mu.Unlock()

	if wasConnected {
		m.cfg.Observer.OnDisconnected("system wake")
	}

	timer := time.NewTimer(m.cfg.Settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.intent || m.epoch != epoch {
		return
	}
	m.startDiscoveryLocked()
}

// startDiscoveryLocked enters the discovery stage. Callers hold the mutex.
func (m *Manager) startDiscoveryLocked() {
	m.setStateLocked(Discovering)
	if err := m.cfg.Discoverer.Start(m.runCtx); err != nil {
		// Browse startup failure is logged, not retried; the browser is
		// long-lived once it starts.
		log.Error().Err(err).Msg("Failed to start discovery")
	}
}

// teardownLocked stops every stage and invalidates in-flight callbacks.
// Callers hold the mutex.
func (m *Manager) teardownLocked() {
	m.epoch++
	m.cfg.Discoverer.Stop()
	m.prober.Stop()
	if m.str != nil {
		m.str.Close()
		m.str = nil
	}
	m.candidate = device.Candidate{}
}

func (m *Manager) setStateLocked(s ConnState) {
	if m.state == s {
		return
	}
	log.Debug().Str("from", m.state.String()).Str("to", s.String()).Msg("Session state changed")
	m.state = s
}

// pumpDiscovery routes browser events for the lifetime of one Connect call.
func (m *Manager) pumpDiscovery(ctx context.Context) {
	events := m.cfg.Discoverer.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case discovery.Found:
				m.onCandidateFound(ev.Candidate)
			case discovery.Removed:
				m.onCandidateRemoved(ev.Candidate)
			}
		}
	}
}

func (m *Manager) onCandidateFound(cand device.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Discovering || !m.intent {
		return
	}
	if !device.HostnamesEqual(cand.Hostname, m.target) {
		log.Debug().Str("host", cand.Hostname).Str("target", m.target).Msg("Ignoring non-target candidate")
		return
	}

	log.Info().Str("host", cand.Hostname).Str("instance", cand.Name).Msg("Target appliance found")
	m.candidate = cand
	// Pause the sweep while the candidate is probed and the stream dials;
	// it resumes as a liveness watch once the stream is up.
	m.cfg.Discoverer.Stop()
	m.cfg.API.SetHost(cand.Hostname)
	m.setStateLocked(Probing)

	epoch := m.epoch
	if err := m.prober.Start(m.runCtx,
		func() { m.onProbeReady(epoch) },
		func() { m.onProbeExhausted(epoch) },
	); err != nil {
		log.Warn().Err(err).Msg("Probe cycle rejected")
	}
}

func (m *Manager) onCandidateRemoved(cand device.Candidate) {
	m.mu.Lock()
	if !m.intent || m.state != Connected || !device.HostnamesEqual(cand.Hostname, m.candidate.Hostname) {
		m.mu.Unlock()
		return
	}

	log.Info().Str("host", cand.Hostname).Msg("Connected appliance stopped advertising")
	m.teardownLocked()
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	m.cfg.Observer.OnDisconnected("appliance removed")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.intent {
		m.startDiscoveryLocked()
	}
}

func (m *Manager) onProbeReady(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || !m.intent || m.state != Probing {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Resolving)
	hostname := m.candidate.Hostname
	ctx := m.runCtx
	m.mu.Unlock()

	go m.resolveAndConnect(ctx, epoch, hostname)
}

func (m *Manager) onProbeExhausted(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch || !m.intent || m.state != Probing {
		return
	}
	log.Warn().Str("host", m.candidate.Hostname).Msg("Probing exhausted, resuming discovery")
	m.candidate = device.Candidate{}
	m.startDiscoveryLocked()
}

// resolveAndConnect runs the resolution stage off the lock and, still on
// the same epoch, hands the chosen host to the stream stage.
func (m *Manager) resolveAndConnect(ctx context.Context, epoch uint64, hostname string) {
	host := hostname
	addr, err := m.cfg.Resolver.Resolve(ctx, hostname)
	if err != nil {
		// Empty resolution is not fatal; fall back to the raw hostname.
		log.Warn().Err(err).Str("host", hostname).Msg("Address resolution failed, using hostname")
	} else {
		host = addr.IP
	}

	m.mu.Lock()
	if m.epoch != epoch || !m.intent || m.state != Resolving {
		m.mu.Unlock()
		return
	}

	if err == nil && addr.IP != m.resolved.IP {
		m.resolved = addr
		go m.cfg.Provisioner.UpdateTargetHost(ctx, addr.IP)
	}

	m.cfg.API.SetHost(host)
	m.setStateLocked(StreamConnecting)
	m.str = m.cfg.NewStream(host, &streamEvents{m: m, epoch: epoch})
	str := m.str
	m.mu.Unlock()

	log.Info().Str("host", host).Dur("latency", addr.Latency).Msg("Address selected, opening stream")
	str.Connect()
}

// streamEvents adapts stream callbacks onto the manager, pinning the epoch
// of the attempt that created the stream so stale streams stay silent.
type streamEvents struct {
	m     *Manager
	epoch uint64
}

func (e *streamEvents) StreamConnected() {
	m := e.m
	m.mu.Lock()
	if m.epoch != e.epoch || !m.intent {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Connected)
	ctx := m.runCtx
	// Resume the browse sweep as a liveness watch: a withdrawn
	// advertisement is only noticed while the browser is running.
	// Redundant Found events are filtered by the Discovering guard.
	if err := m.cfg.Discoverer.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to resume discovery watch")
	}
	m.mu.Unlock()

	m.cfg.Observer.OnConnected()
	go m.primeFromDevice(ctx, e.epoch)
}

func (e *streamEvents) StreamDown(err error) {
	m := e.m
	m.mu.Lock()
	if m.epoch != e.epoch || !m.intent {
		m.mu.Unlock()
		return
	}
	wasConnected := m.state == Connected
	// The stream retries on its own; from the session's point of view the
	// stage is back to stream-connecting.
	m.setStateLocked(StreamConnecting)
	m.mu.Unlock()

	if wasConnected {
		m.cfg.Observer.OnDisconnected(err.Error())
	}
}

func (e *streamEvents) StreamGaveUp() {
	m := e.m
	m.mu.Lock()
	if m.epoch != e.epoch || !m.intent {
		m.mu.Unlock()
		return
	}
	log.Warn().Msg("Stream gave up, falling back to discovery")
	m.teardownLocked()
	m.setStateLocked(Disconnected)
	m.startDiscoveryLocked()
	m.mu.Unlock()
}

func (e *streamEvents) StreamState(state device.State) {
	m := e.m
	m.mu.Lock()
	if m.epoch != e.epoch || !m.intent {
		m.mu.Unlock()
		return
	}
	m.lastState = state
	m.haveState = true
	m.mu.Unlock()

	m.cfg.Observer.OnStateUpdate(state)
}

func (e *streamEvents) StreamVolume(ev device.VolumeEvent) {
	m := e.m
	m.mu.Lock()
	if m.epoch != e.epoch || !m.intent {
		m.mu.Unlock()
		return
	}
	m.lastVolume = ev.Apply(m.lastVolume)
	m.haveVolume = true
	vol := m.lastVolume
	m.mu.Unlock()

	m.cfg.Observer.OnVolumeUpdate(vol)
}

// primeFromDevice pulls the initial state and volume snapshots over HTTP
// right after the stream opens. Volume limits only ever arrive this way.
func (m *Manager) primeFromDevice(ctx context.Context, epoch uint64) {
	state, stateErr := m.cfg.API.State(ctx)
	vol, volErr := m.cfg.API.VolumeStatus(ctx)

	m.mu.Lock()
	if m.epoch != epoch || !m.intent {
		m.mu.Unlock()
		return
	}
	if stateErr == nil {
		m.lastState = state
		m.haveState = true
	}
	if volErr == nil {
		m.lastVolume = vol
		m.haveVolume = true
	}
	m.mu.Unlock()

	if stateErr != nil {
		log.Warn().Err(stateErr).Msg("Initial state fetch failed")
	} else {
		m.cfg.Observer.OnStateUpdate(state)
	}
	if volErr != nil {
		log.Warn().Err(volErr).Msg("Initial volume fetch failed")
	} else {
		m.cfg.Observer.OnVolumeUpdate(vol)
	}
}

// Snapshot returns the last known state and volume, with flags telling
// whether each has been populated yet.
func (m *Manager) Snapshot() (state device.State, haveState bool, vol device.Volume, haveVolume bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastState, m.haveState, m.lastVolume, m.haveVolume
}
