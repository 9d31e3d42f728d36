// Package mcp maintains the registry of MCP tool servers and their health.
// Servers are discovered from configuration files, probed over their
// declared transport, and tracked with per-server status so the capability
// layer can route around unavailable tooling.
package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// Transport is how a tool server is reached.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
	TransportURL   Transport = "url"
)

// Tier scopes who may use a server.
type Tier string

const (
	TierPublic  Tier = "public"
	TierPrivate Tier = "private"
	TierProject Tier = "project"
)

// Status is the last observed health of a server.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusUnavailable Status = "unavailable"
	StatusDisabled    Status = "disabled"
	StatusError       Status = "error"
	StatusUnknown     Status = "unknown"
)

// Server is one registered tool server.
type Server struct {
	Name        string    `json:"name"`
	Transport   Transport `json:"transport"`
	Command     string    `json:"command,omitempty"`
	Args        []string  `json:"args,omitempty"`
	URL         string    `json:"url,omitempty"`
	Enabled     bool      `json:"enabled"`
	Tier        Tier      `json:"tier"`
	Tags        []string  `json:"tags,omitempty"`
	Status      Status    `json:"status"`
	LastChecked time.Time `json:"last_checked,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// HealthResult is the outcome of one probe.
type HealthResult struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Prober checks one server over its transport. Implementations must honor
// the context deadline.
type Prober interface {
	Probe(ctx context.Context, s *Server) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Config tunes the registry.
type Config struct {
	// DiscoveryPaths are tried in order; the first readable, parsable
	// file wins.
	DiscoveryPaths []string

	// HealthCheckInterval drives the periodic monitor. Zero takes 60s.
	HealthCheckInterval time.Duration

	// ProbeTimeout is the hard deadline per server probe. Zero takes 5s.
	ProbeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Statistics breaks the registry down by tier, transport, and status.
type Statistics struct {
	Total       int               `json:"total"`
	ByTier      map[Tier]int      `json:"by_tier"`
	ByTransport map[Transport]int `json:"by_transport"`
	ByStatus    map[Status]int    `json:"by_status"`
}

// Registry holds the server table and runs health checks. Probing never
// blocks registry reads; only the status write takes the lock.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server

	cfg     Config
	probers map[Transport]Prober
	clock   Clock
	logger  *slog.Logger

	monitorMu   sync.Mutex
	monitorStop context.CancelFunc
	monitorDone chan struct{}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithProber overrides the prober for one transport.
func WithProber(t Transport, p Prober) Option {
	return func(r *Registry) { r.probers[t] = p }
}

// NewRegistry builds an empty registry with the default probers: command
// lookup for stdio, idempotent GET for http/url.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		servers: make(map[string]*Server),
		cfg:     cfg,
		probers: map[Transport]Prober{
			TransportStdio: &StdioProber{},
			TransportHTTP:  NewURLProber(cfg.ProbeTimeout),
			TransportURL:   NewURLProber(cfg.ProbeTimeout),
		},
		clock:  wallClock{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or replaces a server entry.
func (r *Registry) Register(s Server) error {
	if s.Name == "" {
		return contracts.ErrInvalidRequest("server name is required")
	}
	switch s.Transport {
	case TransportStdio:
		if s.Command == "" {
			return contracts.ErrInvalidRequest("stdio server %s has no command", s.Name)
		}
	case TransportHTTP, TransportURL:
		if s.URL == "" {
			return contracts.ErrInvalidRequest("url server %s has no url", s.Name)
		}
	default:
		return contracts.ErrInvalidRequest("server %s has unknown transport %q", s.Name, s.Transport)
	}
	if s.Tier == "" {
		s.Tier = TierProject
	}
	if s.Status == "" {
		s.Status = StatusUnknown
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.Name] = &s
	return nil
}

// Get returns a copy of the named server.
func (r *Registry) Get(name string) (*Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	if !ok {
		return nil, contracts.ErrNotFound("server %s not registered", name)
	}
	cp := *s
	return &cp, nil
}

// List returns copies of every registered server.
func (r *Registry) List() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// CheckServerHealth probes one server and updates its status. Disabled
// servers are never probed.
func (r *Registry) CheckServerHealth(ctx context.Context, name string) (*HealthResult, error) {
	r.mu.RLock()
	s, ok := r.servers[name]
	var snapshot Server
	if ok {
		snapshot = *s
	}
	r.mu.RUnlock()
	if !ok {
		return nil, contracts.ErrNotFound("server %s not registered", name)
	}

	now := r.clock.Now()
	res := &HealthResult{Name: name, CheckedAt: now}

	if !snapshot.Enabled {
		res.Status = StatusDisabled
		r.setStatus(name, StatusDisabled, "", now)
		return res, nil
	}

	prober, ok := r.probers[snapshot.Transport]
	if !ok {
		res.Status = StatusError
		res.Error = "no prober for transport " + string(snapshot.Transport)
		r.setStatus(name, StatusError, res.Error, now)
		return res, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()
	if err := prober.Probe(probeCtx, &snapshot); err != nil {
		res.Status = StatusUnavailable
		res.Error = err.Error()
		r.setStatus(name, StatusUnavailable, res.Error, now)
		r.logger.Warn("tool server unhealthy", "server", name, "error", err)
		return res, nil
	}

	res.Status = StatusAvailable
	r.setStatus(name, StatusAvailable, "", now)
	return res, nil
}

func (r *Registry) setStatus(name string, status Status, errMsg string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[name]
	if !ok {
		return
	}
	s.Status = status
	s.Error = errMsg
	s.LastChecked = at
}

// CheckAllHealth probes every server, returning per-server results.
func (r *Registry) CheckAllHealth(ctx context.Context) map[string]*HealthResult {
	results := make(map[string]*HealthResult)
	for _, s := range r.List() {
		res, err := r.CheckServerHealth(ctx, s.Name)
		if err != nil {
			continue
		}
		results[s.Name] = res
	}
	return results
}

// StartHealthMonitoring launches the periodic probe loop. Calling it while
// a monitor is running is a no-op.
func (r *Registry) StartHealthMonitoring() {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.monitorStop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.monitorStop = cancel
	r.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckAllHealth(ctx)
			}
		}
	}()
}

// StopHealthMonitoring cancels the monitor and waits for it to exit.
// Stopping a stopped registry is a no-op.
func (r *Registry) StopHealthMonitoring() {
	r.monitorMu.Lock()
	stop := r.monitorStop
	done := r.monitorDone
	r.monitorStop = nil
	r.monitorDone = nil
	r.monitorMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

// Statistics summarizes the registry by tier, transport, and status.
func (r *Registry) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Statistics{
		ByTier:      make(map[Tier]int),
		ByTransport: make(map[Transport]int),
		ByStatus:    make(map[Status]int),
	}
	for _, s := range r.servers {
		stats.Total++
		stats.ByTier[s.Tier]++
		stats.ByTransport[s.Transport]++
		stats.ByStatus[s.Status]++
	}
	return stats
}
