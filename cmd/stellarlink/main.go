// Package main is the entry point for the StellarLink appliance companion daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-device-link/internal/domain/device"
	"github.com/edumarques81/stellar-device-link/internal/infra/deviceapi"
	"github.com/edumarques81/stellar-device-link/internal/infra/discovery"
	"github.com/edumarques81/stellar-device-link/internal/infra/resolve"
	"github.com/edumarques81/stellar-device-link/internal/infra/settings"
	"github.com/edumarques81/stellar-device-link/internal/infra/stream"
	"github.com/edumarques81/stellar-device-link/internal/provision"
	"github.com/edumarques81/stellar-device-link/internal/session"
	"github.com/edumarques81/stellar-device-link/internal/transport/socketio"
	"github.com/edumarques81/stellar-device-link/internal/version"
)

func main() {
	// Command line flags
	port := flag.String("port", "3002", "HTTP server port")
	target := flag.String("target", "", "Appliance hostname to connect to (persisted)")
	service := flag.String("service", discovery.DefaultServiceType, "mDNS service type to browse")
	deviceHTTPPort := flag.Int("device-http-port", deviceapi.DefaultPort, "Appliance control-plane HTTP port")
	streamPort := flag.Int("stream-port", stream.DefaultStreamPort, "Appliance WebSocket stream port")
	dbPath := flag.String("db", settings.DefaultDBPath, "Settings database path")
	provisionTool := flag.String("provision-tool", "", "External device-management tool to notify on address changes (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Print startup banner
	instanceID := uuid.NewString()
	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  Appliance Link Daemon")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Str("instance", instanceID).Msg("Starting")

	// Settings store
	store := settings.NewStore(*dbPath)
	if err := store.Open(); err != nil {
		log.Fatal().Err(err).Msg("Failed to open settings store")
	}
	defer store.Close()

	targetHostname := *target
	if targetHostname != "" {
		if err := store.SetTargetHostname(targetHostname); err != nil {
			log.Warn().Err(err).Msg("Failed to persist target hostname")
		}
	} else {
		saved, err := store.TargetHostname()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read persisted target hostname")
		}
		targetHostname = saved
	}

	log.Info().
		Str("port", *port).
		Str("target", targetHostname).
		Str("service", *service).
		Int("device_http_port", *deviceHTTPPort).
		Int("stream_port", *streamPort).
		Msg("Configuration")

	// Appliance collaborators
	apiClient := deviceapi.NewClient("", deviceapi.WithPort(*deviceHTTPPort))
	resolver := resolve.New(*deviceHTTPPort)
	browser := discovery.NewBrowser(*service)

	var provisioner provision.Provisioner = provision.Nop{}
	if *provisionTool != "" {
		provisioner = provision.NewToolRunner(*provisionTool)
	}

	relay := &observerRelay{}
	mgr := session.NewManager(session.Config{
		TargetHostname: targetHostname,
		Discoverer:     browser,
		Resolver:       resolver,
		API:            apiClient,
		NewStream: func(host string, events stream.Events) session.ControlStream {
			return stream.New(host, events, stream.WithPort(*streamPort))
		},
		Provisioner: &persistingProvisioner{next: provisioner, store: store},
		Observer:    relay,
	})

	// Socket.io server. UI intent changes are persisted so the daemon comes
	// back up in the state the user left it in.
	socketServer, err := socketio.NewServer(apiClient, mgr, socketio.WithIntentSink(func(enabled bool) {
		if err := store.SetConnectIntent(enabled); err != nil {
			log.Warn().Err(err).Msg("Failed to persist connect intent")
		}
	}))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Socket.io server")
	}
	defer socketServer.Close()
	relay.set(socketServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wake monitor drives the post-suspend teardown path.
	wake := session.NewWakeMonitor(mgr.OnWake)
	wake.Start(ctx)
	defer wake.Stop()

	intent, err := store.ConnectIntent()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read connect intent")
		intent = true
	}
	if intent && targetHostname != "" {
		mgr.Connect(ctx)
	} else if targetHostname == "" {
		log.Warn().Msg("No target hostname configured, staying idle")
	}
	defer mgr.Stop()

	// Setup HTTP server
	mux := http.NewServeMux()

	// Socket.io endpoint
	mux.Handle("/socket.io/", socketServer)

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":   "ok",
			"instance": instanceID,
			"session":  mgr.State().String(),
		})
	})

	// Version endpoint
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(version.GetInfo())
	})

	// Session status endpoint (REST fallback for non-socket clients)
	mux.HandleFunc("/api/v1/session", func(w http.ResponseWriter, r *http.Request) {
		state, haveState, vol, haveVolume := mgr.Snapshot()
		payload := map[string]any{
			"connection": mgr.State().String(),
			"address":    mgr.ResolvedAddress().IP,
		}
		if haveState {
			payload["state"] = state
		}
		if haveVolume {
			payload["volume"] = vol
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	})

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("Shutting down...")
		mgr.Stop()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	log.Info().Str("addr", ":"+*port).Msg("HTTP server listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("HTTP server error")
	}

	log.Info().Msg("Server stopped")
}

// observerRelay forwards session events to an observer installed after the
// manager is constructed. Events before installation are dropped.
type observerRelay struct {
	mu     sync.RWMutex
	target session.Observer
}

func (r *observerRelay) set(o session.Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = o
}

func (r *observerRelay) observer() session.Observer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

func (r *observerRelay) OnConnected() {
	if o := r.observer(); o != nil {
		o.OnConnected()
	}
}

func (r *observerRelay) OnDisconnected(reason string) {
	if o := r.observer(); o != nil {
		o.OnDisconnected(reason)
	}
}

func (r *observerRelay) OnStateUpdate(state device.State) {
	if o := r.observer(); o != nil {
		o.OnStateUpdate(state)
	}
}

func (r *observerRelay) OnVolumeUpdate(vol device.Volume) {
	if o := r.observer(); o != nil {
		o.OnVolumeUpdate(vol)
	}
}

// persistingProvisioner records each new address in the settings store
// before handing it to the real provisioner.
type persistingProvisioner struct {
	next  provision.Provisioner
	store *settings.Store
}

func (p *persistingProvisioner) UpdateTargetHost(ctx context.Context, host string) {
	if err := p.store.SetLastAddress(host); err != nil {
		log.Warn().Err(err).Msg("Failed to persist resolved address")
	}
	p.next.UpdateTargetHost(ctx, host)
}
