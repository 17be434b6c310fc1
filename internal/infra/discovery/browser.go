// Package discovery browses local-network mDNS service advertisements and
// reports candidate appliance instances as they appear and disappear.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-device-link/internal/domain/device"
)

const (
	// DefaultServiceType is the service the appliance advertises. Many
	// unrelated devices advertise it too, so a hostname match is required
	// before a candidate is accepted downstream.
	DefaultServiceType = "_http._tcp"

	// sweepInterval is the pause between mDNS query sweeps. The mdns
	// library only supports one-shot queries, so the browser sweeps.
	sweepInterval = 5 * time.Second

	// queryTimeout bounds a single mDNS query sweep.
	queryTimeout = 3 * time.Second

	// confirmTimeout bounds the per-candidate hostname lookup used when an
	// advertisement carries no host.
	confirmTimeout = 5 * time.Second

	// missedSweeps is how many consecutive sweeps an instance may be
	// absent from before a Removed event is emitted.
	missedSweeps = 3
)

// EventType distinguishes candidate arrivals from departures.
type EventType int

const (
	// Found reports a newly advertised candidate.
	Found EventType = iota
	// Removed reports a candidate that stopped advertising.
	Removed
)

func (t EventType) String() string {
	if t == Found {
		return "found"
	}
	return "removed"
}

// Event is a single discovery observation.
type Event struct {
	Type      EventType
	Candidate device.Candidate
}

// QueryFunc performs one mDNS sweep, delivering entries on the channel.
// Injectable for tests; the default wraps mdns.Query.
type QueryFunc func(ctx context.Context, service string, entries chan<- *mdns.ServiceEntry) error

// HostLookupFunc confirms a candidate's hostname when the advertisement
// does not carry one.
type HostLookupFunc func(ctx context.Context, name string) (string, error)

// Browser periodically sweeps the local network for service instances and
// emits Found/Removed events. Start is a no-op while running; Stop is
// idempotent and cancels in-flight per-candidate confirmations.
type Browser struct {
	service string
	query   QueryFunc
	lookup  HostLookupFunc

	sweep time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	seen    map[string]*trackedInstance

	events chan Event
}

type trackedInstance struct {
	candidate device.Candidate
	missed    int
}

// Option configures a Browser.
type Option func(*Browser)

// WithQuery sets a custom sweep function (useful for testing).
func WithQuery(fn QueryFunc) Option {
	return func(b *Browser) {
		b.query = fn
	}
}

// WithHostLookup sets a custom hostname confirmation function.
func WithHostLookup(fn HostLookupFunc) Option {
	return func(b *Browser) {
		b.lookup = fn
	}
}

// WithSweepInterval overrides the sweep pause (useful for testing).
func WithSweepInterval(d time.Duration) Option {
	return func(b *Browser) {
		b.sweep = d
	}
}

// NewBrowser creates a browser for the given service type.
func NewBrowser(service string, opts ...Option) *Browser {
	if service == "" {
		service = DefaultServiceType
	}
	b := &Browser{
		service: service,
		query:   defaultQuery,
		lookup:  defaultHostLookup,
		sweep:   sweepInterval,
		seen:    make(map[string]*trackedInstance),
		events:  make(chan Event, 16),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Events returns the stream of discovery observations.
func (b *Browser) Events() <-chan Event {
	return b.events
}

// Start begins sweeping. Calling Start while already running is a no-op.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.seen = make(map[string]*trackedInstance)

	log.Info().Str("service", b.service).Msg("Starting service discovery")
	go b.run(runCtx)
	return nil
}

// Stop halts sweeping and cancels in-flight confirmations. Idempotent.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.cancel()
	b.cancel = nil
	b.running = false
	log.Info().Str("service", b.service).Msg("Stopped service discovery")
}

// Running reports whether a sweep loop is active.
func (b *Browser) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Browser) run(ctx context.Context) {
	for {
		b.sweepOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.sweep):
		}
	}
}

func (b *Browser) sweepOnce(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	entries := make(chan *mdns.ServiceEntry, 32)
	collected := make(map[string]device.Candidate)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			// Confirmation runs against the sweep context, not the query
			// context, so the lookup keeps its full bound even when the
			// query window has already expired.
			cand, err := b.confirm(ctx, entry)
			if err != nil {
				log.Debug().Str("instance", entry.Name).Err(err).Msg("Hostname confirmation failed")
				continue
			}
			collected[cand.Name] = cand
		}
	}()

	if err := b.query(queryCtx, b.service, entries); err != nil {
		log.Warn().Err(err).Str("service", b.service).Msg("mDNS sweep failed")
	}
	close(entries)
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	b.reconcile(collected)
}

// confirm resolves a service entry to the candidate's real hostname. The
// advertised host is used when present; otherwise a bounded name lookup
// runs against the instance name.
func (b *Browser) confirm(ctx context.Context, entry *mdns.ServiceEntry) (device.Candidate, error) {
	host := entry.Host
	if host == "" {
		lookupCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
		defer cancel()

		resolved, err := b.lookup(lookupCtx, entry.Name)
		if err != nil {
			return device.Candidate{}, err
		}
		host = resolved
	}
	return device.Candidate{
		Name:     entry.Name,
		Hostname: device.NormalizeHostname(host),
	}, nil
}

// reconcile diffs the sweep result against the tracked set, emitting Found
// for new instances and Removed for instances gone for missedSweeps sweeps.
func (b *Browser) reconcile(collected map[string]device.Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	for name, cand := range collected {
		tracked, ok := b.seen[name]
		if ok {
			tracked.missed = 0
			continue
		}
		b.seen[name] = &trackedInstance{candidate: cand}
		log.Debug().Str("instance", name).Str("host", cand.Hostname).Msg("Service instance found")
		b.emit(Event{Type: Found, Candidate: cand})
	}

	for name, tracked := range b.seen {
		if _, ok := collected[name]; ok {
			continue
		}
		tracked.missed++
		if tracked.missed < missedSweeps {
			continue
		}
		delete(b.seen, name)
		log.Debug().Str("instance", name).Msg("Service instance removed")
		b.emit(Event{Type: Removed, Candidate: tracked.candidate})
	}
}

func (b *Browser) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		log.Warn().Str("type", ev.Type.String()).Str("instance", ev.Candidate.Name).Msg("Discovery event dropped, channel full")
	}
}

func defaultQuery(ctx context.Context, service string, entries chan<- *mdns.ServiceEntry) error {
	params := &mdns.QueryParam{
		Service:     service,
		Domain:      "local",
		Timeout:     queryTimeout,
		Entries:     entries,
		DisableIPv6: true,
	}
	return mdns.Query(params)
}

// defaultHostLookup derives the .local hostname from the instance label and
// verifies it actually resolves before accepting it.
func defaultHostLookup(ctx context.Context, name string) (string, error) {
	label, _, _ := strings.Cut(name, ".")
	if label == "" {
		return "", fmt.Errorf("discovery: empty instance name")
	}
	host := label + ".local"
	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		return "", fmt.Errorf("discovery: confirm %s: %w", host, err)
	}
	return host, nil
}
