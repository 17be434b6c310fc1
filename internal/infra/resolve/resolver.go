// Package resolve turns the appliance hostname into the IPv4 address that
// actual traffic should use, racing short TCP connect probes against every
// resolved candidate and picking the lowest-latency one.
package resolve

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-device-link/internal/domain/device"
)

const (
	// DefaultProbePort is the TCP port latency probes connect to.
	DefaultProbePort = 80

	// probeTimeout bounds a single TCP connect probe.
	probeTimeout = 500 * time.Millisecond

	// raceGrace bounds the whole race; selection proceeds with whatever
	// results arrived by then.
	raceGrace = 2 * time.Second
)

// ErrNoAddresses is returned when name resolution yields no usable IPv4
// candidates. Callers fall back to the raw hostname.
var ErrNoAddresses = errors.New("resolve: no addresses")

// LookupFunc resolves a hostname to address strings.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// DialFunc opens a TCP connection; probes measure the time until it is
// established.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Resolver races connect probes and selects the best address.
type Resolver struct {
	port   int
	lookup LookupFunc
	dial   DialFunc
}

// Option is a functional option for configuring the resolver.
type Option func(*Resolver)

// WithLookup sets a custom name lookup function (useful for testing).
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) {
		r.lookup = fn
	}
}

// WithDial sets a custom probe dial function (useful for testing).
func WithDial(fn DialFunc) Option {
	return func(r *Resolver) {
		r.dial = fn
	}
}

// New creates a resolver probing the given TCP port.
func New(port int, opts ...Option) *Resolver {
	if port <= 0 {
		port = DefaultProbePort
	}
	r := &Resolver{
		port: port,
		lookup: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
	}
	dialer := &net.Dialer{}
	r.dial = dialer.DialContext

	for _, opt := range opts {
		opt(r)
	}
	return r
}

type probeResult struct {
	addr    string
	latency time.Duration
}

// Resolve resolves hostname to IPv4 candidates and races a TCP connect
// probe against each. The lowest measured latency wins; if no probe
// succeeds the first resolved address is returned with zero latency.
// A single candidate is simply a race of size one.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (device.ResolvedAddress, error) {
	addrs, err := r.lookup(ctx, hostname)
	if err != nil {
		return device.ResolvedAddress{}, ErrNoAddresses
	}

	var candidates []string
	for _, a := range addrs {
		// IPv4 only; colon-containing results are IPv6.
		if strings.Contains(a, ":") {
			continue
		}
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return device.ResolvedAddress{}, ErrNoAddresses
	}

	var (
		mu      sync.Mutex
		results []probeResult
	)
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for _, addr := range candidates {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()

				probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
				defer cancel()

				start := time.Now()
				conn, err := r.dial(probeCtx, "tcp", net.JoinHostPort(addr, strconv.Itoa(r.port)))
				if err != nil {
					log.Debug().Str("addr", addr).Err(err).Msg("Latency probe failed")
					return
				}
				latency := time.Since(start)
				conn.Close()

				mu.Lock()
				results = append(results, probeResult{addr: addr, latency: latency})
				mu.Unlock()
			}(addr)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(raceGrace):
		log.Debug().Str("host", hostname).Msg("Latency race grace elapsed, selecting from partial results")
	case <-ctx.Done():
		return device.ResolvedAddress{}, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()

	if len(results) == 0 {
		log.Warn().Str("host", hostname).Msg("All latency probes failed, using first resolved address")
		return device.ResolvedAddress{IP: candidates[0]}, nil
	}

	best := results[0]
	for _, res := range results[1:] {
		if res.latency < best.latency {
			best = res
		}
	}

	log.Info().
		Str("host", hostname).
		Str("ip", best.addr).
		Dur("latency", best.latency).
		Int("candidates", len(candidates)).
		Msg("Resolved best address")

	return device.ResolvedAddress{IP: best.addr, Latency: best.latency}, nil
}
