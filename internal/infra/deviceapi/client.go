// Package deviceapi provides the stateless HTTP client for the appliance
// control plane. Every call is a single bounded request; retry policy
// belongs entirely to the callers.
package deviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-device-link/internal/domain/device"
)

const (
	// DefaultPort is the appliance control-plane HTTP port.
	DefaultPort = 80

	// dialTimeout bounds connection establishment.
	dialTimeout = 3 * time.Second

	// requestTimeout bounds the whole request including the body.
	requestTimeout = 5 * time.Second
)

// Uniform failure taxonomy. Callers inspect these with errors.Is.
var (
	// ErrInvalidTarget means no usable host is configured.
	ErrInvalidTarget = errors.New("deviceapi: invalid target")

	// ErrTransport covers connection failures and non-success statuses.
	ErrTransport = errors.New("deviceapi: transport failure")

	// ErrMalformedResponse means the body did not parse.
	ErrMalformedResponse = errors.New("deviceapi: malformed response")
)

// Client issues request/response calls against the resolved appliance host.
// The host may be swapped at any time as address resolution supersedes it.
type Client struct {
	mu         sync.RWMutex
	host       string
	port       int
	httpClient *http.Client
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithPort sets a non-default control-plane port.
func WithPort(port int) Option {
	return func(c *Client) {
		c.port = port
	}
}

// WithHTTPClient sets a custom HTTP client (useful for testing).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a client for the given host (hostname or IPv4).
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:       host,
		port:       DefaultPort,
		httpClient: newHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: dialTimeout,
			}).DialContext,
		},
	}
}

// SetHost replaces the target host, e.g. after a fresh address resolution.
func (c *Client) SetHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.host = host
}

// Host returns the current target host.
func (c *Client) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.host
}

// Reset discards pooled connections by recreating the underlying HTTP
// client, dropping any sockets left over from a flaky session.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	c.httpClient = newHTTPClient()
	log.Debug().Msg("Request client reset")
}

func (c *Client) baseURL() (string, error) {
	c.mu.RLock()
	host, port := c.host, c.port
	c.mu.RUnlock()

	if host == "" {
		return "", ErrInvalidTarget
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// do issues one request and returns the response body on 2xx.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", ErrInvalidTarget, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	hc := c.httpClient
	c.mu.RUnlock()

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d on %s %s", ErrTransport, resp.StatusCode, method, path)
	}
	return data, nil
}

// State fetches the full playback state snapshot.
func (c *Client) State(ctx context.Context) (device.State, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/audio/state", nil)
	if err != nil {
		return device.State{}, err
	}
	st, err := device.DecodeState(data)
	if err != nil {
		return device.State{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return st, nil
}

// SetSource switches the active playback source.
func (c *Client) SetSource(ctx context.Context, sourceID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/audio/source/"+sourceID, nil)
	return err
}

// SetMultiroom toggles multiroom routing.
func (c *Client) SetMultiroom(ctx context.Context, enabled bool) error {
	_, err := c.do(ctx, http.MethodPost, "/api/routing/multiroom/"+strconv.FormatBool(enabled), nil)
	return err
}

// SetEqualizer toggles the equalizer.
func (c *Client) SetEqualizer(ctx context.Context, enabled bool) error {
	_, err := c.do(ctx, http.MethodPost, "/api/routing/equalizer/"+strconv.FormatBool(enabled), nil)
	return err
}

// volumeStatusResponse mirrors GET /api/volume/status.
type volumeStatusResponse struct {
	Data struct {
		VolumeDb         float64 `json:"volume_db"`
		MultiroomEnabled bool    `json:"multiroom_enabled"`
		DSPAvailable     bool    `json:"dsp_available"`
		Config           struct {
			LimitMinDb   float64 `json:"limit_min_db"`
			LimitMaxDb   float64 `json:"limit_max_db"`
			StepMobileDb float64 `json:"step_mobile_db"`
		} `json:"config"`
	} `json:"data"`
}

// VolumeStatus fetches the volume level together with limits and step.
// This is the only way limits arrive; the stream never carries them.
func (c *Client) VolumeStatus(ctx context.Context) (device.Volume, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/volume/status", nil)
	if err != nil {
		return device.Volume{}, err
	}

	var resp volumeStatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return device.Volume{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return device.Volume{
		VolumeDb:         resp.Data.VolumeDb,
		MultiroomEnabled: resp.Data.MultiroomEnabled,
		LimitMinDb:       resp.Data.Config.LimitMinDb,
		LimitMaxDb:       resp.Data.Config.LimitMaxDb,
		StepDb:           resp.Data.Config.StepMobileDb,
	}, nil
}

// SetVolume sets an absolute volume level in dB.
func (c *Client) SetVolume(ctx context.Context, volumeDb float64, showBar bool) error {
	_, err := c.do(ctx, http.MethodPost, "/api/volume/set", map[string]any{
		"volume_db": volumeDb,
		"show_bar":  showBar,
	})
	return err
}

// AdjustVolume changes the volume by a relative delta in dB.
func (c *Client) AdjustVolume(ctx context.Context, deltaDb float64, showBar bool) error {
	_, err := c.do(ctx, http.MethodPost, "/api/volume/adjust", map[string]any{
		"delta_db": deltaDb,
		"show_bar": showBar,
	})
	return err
}

// Stations lists radio stations, optionally favorites only.
func (c *Client) Stations(ctx context.Context, favoritesOnly bool) ([]device.Station, error) {
	path := "/api/radio/stations"
	if favoritesOnly {
		path += "?favorites_only=true"
	}
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Stations []device.Station `json:"stations"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp.Stations, nil
}

// PlayStation starts playback of a radio station.
func (c *Client) PlayStation(ctx context.Context, stationID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/radio/play", map[string]any{
		"station_id": stationID,
	})
	return err
}

// StopRadio stops radio playback.
func (c *Client) StopRadio(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/radio/stop", nil)
	return err
}
