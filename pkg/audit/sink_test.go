package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

func TestFileSinkRoundTrip(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	data := []byte("evidence pack bytes")
	hash, err := sink.Store(ctx, data)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Fatalf("hash = %q", hash)
	}

	ok, err := sink.Exists(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	got, err := sink.Get(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("retrieved pack differs")
	}

	// Re-storing the same content is a no-op with the same key.
	again, err := sink.Store(ctx, data)
	if err != nil || again != hash {
		t.Fatalf("re-store: %q, %v", again, err)
	}
}

func TestFileSinkRejectsBadHash(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Get(context.Background(), "md5:abc"); err == nil {
		t.Fatal("expected error for non-sha256 hash")
	}
	if _, err := sink.Get(context.Background(), "sha256:"); err == nil {
		t.Fatal("expected error for empty digest")
	}
}

func TestS3SinkKeying(t *testing.T) {
	// Construction and key layout only; no bucket calls.
	sink, err := NewS3Sink(context.Background(), S3SinkConfig{
		Bucket:   "evidence-bucket",
		Region:   "us-east-1",
		Endpoint: "http://127.0.0.1:9000",
		Prefix:   "evidence/",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := sink.key("abc123"); got != "evidence/abc123.zip" {
		t.Fatalf("key = %q", got)
	}
	if _, err := sink.Get(context.Background(), "md5:abc"); err == nil {
		t.Fatal("expected error for non-sha256 hash")
	}
	if _, err := sink.Exists(context.Background(), "sha256:"); err == nil {
		t.Fatal("expected error for empty digest")
	}
}

func TestPublishEvidencePack(t *testing.T) {
	l := openTestLog(t)
	logger := NewStoreLogger(l, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := logger.Record(ctx, contracts.EventDelegationCreated,
			"worker", "c1", nil); err != nil {
			t.Fatal(err)
		}
	}

	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	exp := NewExporter(l)
	hash, err := exp.Publish(ctx, ExportRequest{}, sink)
	if err != nil {
		t.Fatal(err)
	}

	pack, err := sink.Get(ctx, hash)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		t.Fatal(err)
	}
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["events.json"] || !names["manifest.json"] {
		t.Fatalf("pack contents: %v", names)
	}
}
