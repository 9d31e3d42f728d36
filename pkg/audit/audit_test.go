package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/store"
)

func openTestLog(t *testing.T) *store.AuditLog {
	t.Helper()
	l, err := store.OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestStoreLoggerRecords(t *testing.T) {
	l := openTestLog(t)
	logger := NewStoreLogger(l, nil)

	err := logger.Record(context.Background(), contracts.EventDelegationCreated,
		"worker", "c1", map[string]string{"task": "doc update"})
	if err != nil {
		t.Fatal(err)
	}

	events, err := l.Query(context.Background(), store.AuditQuery{ContractID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	var data map[string]string
	if err := json.Unmarshal(events[0].EventData, &data); err != nil {
		t.Fatal(err)
	}
	if data["task"] != "doc update" {
		t.Fatalf("payload lost: %v", data)
	}
}

func TestEvidencePackContents(t *testing.T) {
	l := openTestLog(t)
	logger := NewStoreLogger(l, nil)

	for i := 0; i < 3; i++ {
		if err := logger.Record(context.Background(), contracts.EventContractStatusChanged,
			"worker", "c1", nil); err != nil {
			t.Fatal(err)
		}
	}

	pack, digest, err := NewExporter(l).GeneratePack(context.Background(), ExportRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(digest, "sha256:") {
		t.Fatalf("digest = %q", digest)
	}

	r, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	for _, want := range []string{"events.json", "manifest.json", "README.txt"} {
		if !names[want] {
			t.Fatalf("missing %s in pack: %v", want, names)
		}
	}

	var manifest map[string]any
	mf, err := r.Open("manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := io.ReadAll(mf)
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatal(err)
	}
	if manifest["event_count"].(float64) != 3 {
		t.Fatalf("event_count = %v", manifest["event_count"])
	}
}

func TestExportRejectsInvalidRange(t *testing.T) {
	l := openTestLog(t)
	_, _, err := NewExporter(l).GeneratePack(context.Background(), ExportRequest{
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-time.Hour),
	})
	if err != ErrInvalidTimeRange {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}

func TestExportFailsClosedWithoutLog(t *testing.T) {
	_, _, err := NewExporter(nil).GeneratePack(context.Background(), ExportRequest{})
	if err != ErrLogNotConfigured {
		t.Fatalf("expected ErrLogNotConfigured, got %v", err)
	}
}
