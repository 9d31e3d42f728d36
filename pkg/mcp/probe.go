package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"
)

// StdioProber verifies the server command resolves on PATH. Spawning the
// process is left to the host that owns the server's lifetime.
type StdioProber struct{}

func (StdioProber) Probe(_ context.Context, s *Server) error {
	if s.Command == "" {
		return fmt.Errorf("server %s has no command", s.Name)
	}
	if _, err := exec.LookPath(s.Command); err != nil {
		return fmt.Errorf("command %q not available: %w", s.Command, err)
	}
	return nil
}

// URLProber issues an idempotent GET against the server URL. Any HTTP
// response counts as reachable; only transport failures mark the server
// unhealthy.
type URLProber struct {
	client *http.Client
}

func NewURLProber(timeout time.Duration) *URLProber {
	return &URLProber{client: &http.Client{Timeout: timeout}}
}

func (p *URLProber) Probe(ctx context.Context, s *Server) error {
	if s.URL == "" {
		return fmt.Errorf("server %s has no url", s.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", s.URL, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", s.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: server error %d", s.URL, resp.StatusCode)
	}
	return nil
}
