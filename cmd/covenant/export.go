package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/covenant-labs/covenant/pkg/audit"
	"github.com/covenant-labs/covenant/pkg/store"
)

// runExport bundles a slice of the audit log into an evidence pack and
// publishes it through a sink: a local directory by default, or an S3
// bucket when --s3-bucket is set.
//
// Exit codes:
//
//	0 = pack published
//	1 = export or upload failed
//	2 = flag misuse
func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root       string
		configPath string
		agentID    string
		since      string
		until      string
		outDir     string
		s3Bucket   string
		s3Region   string
		s3Endpoint string
		s3Prefix   string
	)
	cmd.StringVar(&root, "root", "", "Data directory (overrides config)")
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&agentID, "agent", "", "Limit the pack to one agent's events")
	cmd.StringVar(&since, "since", "", "Include events at or after this RFC3339 time")
	cmd.StringVar(&until, "until", "", "Include events at or before this RFC3339 time")
	cmd.StringVar(&outDir, "out", "", "Local sink directory (default <data dir>/evidence)")
	cmd.StringVar(&s3Bucket, "s3-bucket", "", "Publish to this S3 bucket instead of the local sink")
	cmd.StringVar(&s3Region, "s3-region", "", "S3 region")
	cmd.StringVar(&s3Endpoint, "s3-endpoint", "", "Custom S3 endpoint (MinIO etc.)")
	cmd.StringVar(&s3Prefix, "s3-prefix", "evidence", "Key prefix inside the bucket")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	req := audit.ExportRequest{AgentID: agentID}
	var err error
	if req.StartTime, err = parseTimeFlag("since", since); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if req.EndTime, err = parseTimeFlag("until", until); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(configPath, root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	sink, location, err := buildSink(ctx, cfg.DataDir, outDir, s3Bucket, s3Region, s3Endpoint, s3Prefix)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	al, err := store.OpenAuditLog(cfg.AuditDBPath())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = al.Close() }()

	hash, err := audit.NewExporter(al).Publish(ctx, req, sink)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stderr, "Evidence pack %spublished%s to %s\n",
		ColorBold+ColorGreen, ColorReset, location)
	_, _ = fmt.Fprintln(stdout, hash)
	return 0
}

func buildSink(ctx context.Context, dataDir, outDir, bucket, region, endpoint, prefix string) (audit.Sink, string, error) {
	if bucket != "" {
		sink, err := audit.NewS3Sink(ctx, audit.S3SinkConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: endpoint,
			Prefix:   prefix,
		})
		if err != nil {
			return nil, "", err
		}
		return sink, "s3://" + bucket + "/" + prefix, nil
	}

	if outDir == "" {
		outDir = filepath.Join(dataDir, "evidence")
	}
	sink, err := audit.NewFileSink(outDir)
	if err != nil {
		return nil, "", err
	}
	return sink, outDir, nil
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: want RFC3339, got %q", name, value)
	}
	return t, nil
}
