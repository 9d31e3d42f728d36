package main

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/store"
)

func TestRunDispatch(t *testing.T) {
	var out, errOut bytes.Buffer

	if code := Run([]string{"covenant"}, &out, &errOut); code != 2 {
		t.Fatalf("no args: code = %d, want 2", code)
	}
	if code := Run([]string{"covenant", "frobnicate"}, &out, &errOut); code != 2 {
		t.Fatalf("unknown command: code = %d, want 2", code)
	}

	out.Reset()
	if code := Run([]string{"covenant", "help"}, &out, &errOut); code != 0 {
		t.Fatalf("help: code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "dashboard") || !strings.Contains(out.String(), "wizard") {
		t.Fatalf("usage missing subcommands: %s", out.String())
	}

	out.Reset()
	if code := Run([]string{"covenant", "version"}, &out, &errOut); code != 0 {
		t.Fatalf("version: code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "covenant v") {
		t.Fatalf("unexpected version output: %q", out.String())
	}
}

func seedDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	cs, err := store.OpenSQLite(filepath.Join(dir, "contracts.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	for i, status := range []contracts.ContractStatus{
		contracts.StatusCompleted,
		contracts.StatusCompleted,
		contracts.StatusFailed,
		contracts.StatusActive,
	} {
		c := &contracts.DelegationContract{
			ContractID:           "dash-" + string(rune('a'+i)),
			TaskID:               "task",
			Delegator:            contracts.AgentRef{AgentID: "planner"},
			Delegatee:            contracts.AgentRef{AgentID: "worker"},
			RequiredCapabilities: []string{"code_review"},
			VerificationPolicy:   contracts.VerifyDirectInspection,
			Priority:             5,
			TLPClassification:    contracts.TLPClear,
			Status:               status,
			CreatedAt:            now,
		}
		if err := cs.PutContract(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	al, err := store.OpenAuditLog(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer al.Close()
	for i := 0; i < 3; i++ {
		_, err := al.Append(ctx, contracts.AuditEvent{
			EventType:    contracts.EventDelegationCreated,
			Timestamp:    now,
			AgentID:      "planner",
			SourceSystem: "test",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	return dir
}

func TestDashboardJSON(t *testing.T) {
	dir := seedDataDir(t)

	var out, errOut bytes.Buffer
	code := runDashboard([]string{"--root", dir, "--format", "json"},
		strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, errOut.String())
	}

	var status dashboardStatus
	if err := json.Unmarshal(out.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out.String())
	}
	if status.Contracts.Total != 4 {
		t.Fatalf("total = %d, want 4", status.Contracts.Total)
	}
	if status.Contracts.ByStatus["completed"] != 2 {
		t.Fatalf("completed = %d, want 2", status.Contracts.ByStatus["completed"])
	}
	// 2 completed out of 3 settled attempts
	if diff := status.Contracts.SuccessRate - 2.0/3.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("success rate = %f", status.Contracts.SuccessRate)
	}
	if status.Audit.Events != 3 || !status.Audit.ChainVerified {
		t.Fatalf("audit panel = %+v", status.Audit)
	}
}

func TestDashboardTextRefreshAndQuit(t *testing.T) {
	dir := seedDataDir(t)

	var out, errOut bytes.Buffer
	code := runDashboard([]string{"--root", dir},
		strings.NewReader("r\nq\n"), &out, &errOut)
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, errOut.String())
	}
	if n := strings.Count(out.String(), "Covenant Dashboard"); n != 2 {
		t.Fatalf("rendered %d panels, want 2 (initial + refresh)", n)
	}
	if !strings.Contains(out.String(), "hash chain") {
		t.Fatalf("missing audit section:\n%s", out.String())
	}
}

func TestDashboardBadFormat(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runDashboard([]string{"--format", "xml"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
}

func TestWizardFromDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	defPath := filepath.Join(dir, "agent.json")
	def := `{"name": "PR Review Bot", "description": "Reviews pull request diffs and lints code."}`
	if err := os.WriteFile(defPath, []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	code := runWizard([]string{"--root", dir, "--definition", defPath},
		strings.NewReader(""), &out, &errOut)
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, errOut.String())
	}

	var manifest contracts.AgentCapabilityManifest
	if err := json.Unmarshal(out.Bytes(), &manifest); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out.String())
	}
	if manifest.AgentID != "pr_review_bot" {
		t.Fatalf("agent_id = %q", manifest.AgentID)
	}
	if len(manifest.Capabilities) == 0 {
		t.Fatal("expected detected capabilities")
	}
}

func TestWizardInteractive(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "manifest.json")

	input := "Docs Agent\nWrites documentation, readme files and guides.\n\n2.1.0\n"
	var out, errOut bytes.Buffer
	code := runWizard([]string{"--root", dir, "--out", outPath},
		strings.NewReader(input), &out, &errOut)
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, errOut.String())
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	var manifest contracts.AgentCapabilityManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		t.Fatal(err)
	}
	if manifest.AgentID != "docs_agent" {
		t.Fatalf("agent_id = %q", manifest.AgentID)
	}
	if manifest.Version != "2.1.0" {
		t.Fatalf("version = %q", manifest.Version)
	}
}

func TestWizardAbortedInput(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runWizard(nil, strings.NewReader("\n\n"), &out, &errOut)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
}

func TestExportPublishesPack(t *testing.T) {
	dir := seedDataDir(t)

	var out, errOut bytes.Buffer
	code := runExport([]string{"--root", dir, "--agent", "planner"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, errOut.String())
	}

	hash := strings.TrimSpace(out.String())
	if !strings.HasPrefix(hash, "sha256:") {
		t.Fatalf("stdout = %q, want a sha256 hash", out.String())
	}

	packPath := filepath.Join(dir, "evidence", strings.TrimPrefix(hash, "sha256:")+".zip")
	data, err := os.ReadFile(packPath)
	if err != nil {
		t.Fatalf("pack not in sink: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["events.json"] || !names["manifest.json"] {
		t.Fatalf("pack contents: %v", names)
	}
}

func TestExportBadTimeFlag(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runExport([]string{"--since", "yesterday"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "RFC3339") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestWizardBadFormat(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runWizard([]string{"--format", "text"}, strings.NewReader(""), &out, &errOut)
	if code != 2 {
		t.Fatalf("code = %d, want 2", code)
	}
}
