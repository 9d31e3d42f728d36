package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/covenant-labs/covenant/pkg/canonicalize"
	"github.com/covenant-labs/covenant/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrLogNotConfigured is returned when export is invoked without a
	// backing log (fail closed).
	ErrLogNotConfigured = errors.New("audit: log not configured")
)

// ExportRequest selects the slice of the log to bundle.
type ExportRequest struct {
	AgentID   string    `json:"agent_id,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Exporter bundles audit events into evidence packs.
type Exporter struct {
	log *store.AuditLog
}

// NewExporter builds an exporter over the durable audit log.
func NewExporter(l *store.AuditLog) *Exporter {
	return &Exporter{log: l}
}

// GeneratePack verifies the chain, then produces a zip holding the
// selected events, a manifest, and a README. It returns the archive
// bytes and their digest.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if e.log == nil {
		return nil, "", ErrLogNotConfigured
	}
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}

	verified, err := e.log.VerifyChain(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("audit: refusing to export a broken chain: %w", err)
	}

	events, err := e.log.Query(ctx, store.AuditQuery{
		AgentID: req.AgentID,
		Since:   req.StartTime,
	})
	if err != nil {
		return nil, "", err
	}
	if !req.EndTime.IsZero() {
		var inRange []*store.ChainedEvent
		for _, ev := range events {
			if !ev.Timestamp.After(req.EndTime) {
				inRange = append(inRange, ev)
			}
		}
		events = inRange
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := map[string]any{
		"generated_at":   time.Now().UTC(),
		"event_count":    len(events),
		"chain_verified": verified,
		"agent_id":       req.AgentID,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshaling manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Delegation audit evidence pack\nGenerated at %s\nEvents: %d\n",
		time.Now().UTC().Format(time.RFC3339), len(events))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, canonicalize.HashBytes(zipBytes), nil
}
