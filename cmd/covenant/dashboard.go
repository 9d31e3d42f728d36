package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/covenant-labs/covenant/pkg/config"
	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/mcp"
	"github.com/covenant-labs/covenant/pkg/store"
)

// dashboardStatus is the snapshot rendered by the dashboard in all
// three output formats.
type dashboardStatus struct {
	GeneratedAt time.Time        `json:"generated_at" yaml:"generated_at"`
	DataDir     string           `json:"data_dir" yaml:"data_dir"`
	Contracts   contractPanel    `json:"contracts" yaml:"contracts"`
	Audit       auditPanel       `json:"audit" yaml:"audit"`
	ToolServers *toolServerPanel `json:"tool_servers,omitempty" yaml:"tool_servers,omitempty"`
}

type contractPanel struct {
	Total       int            `json:"total" yaml:"total"`
	ByStatus    map[string]int `json:"by_status" yaml:"by_status"`
	SuccessRate float64        `json:"success_rate" yaml:"success_rate"`
}

type auditPanel struct {
	Events        int    `json:"events" yaml:"events"`
	ChainVerified bool   `json:"chain_verified" yaml:"chain_verified"`
	ChainError    string `json:"chain_error,omitempty" yaml:"chain_error,omitempty"`
}

type toolServerPanel struct {
	mcp.Statistics `yaml:",inline"`
	Servers        []serverLine `json:"servers" yaml:"servers"`
}

type serverLine struct {
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// runDashboard renders a status panel over the contract store, the
// audit log, and the tool-server registry.
//
// Exit codes:
//
//	0 = rendered
//	1 = stores unreadable
//	2 = flag misuse
func runDashboard(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("dashboard", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		root       string
		configPath string
		format     string
	)
	cmd.StringVar(&root, "root", "", "Data directory (overrides config)")
	cmd.StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.StringVar(&format, "format", "text", "Output format: text, json, yaml")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if !validFormat(format, true) {
		_, _ = fmt.Fprintf(stderr, "Error: unsupported format %q (want text, json, or yaml)\n", format)
		return 2
	}

	cfg, err := loadConfig(configPath, root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	status, err := collectStatus(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch format {
	case "json":
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	case "yaml":
		data, err := yaml.Marshal(status)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprint(stdout, string(data))
		return 0
	}

	renderPanel(stdout, status)

	// R refreshes, Q (or EOF) quits.
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "q", "quit":
			return 0
		case "r", "refresh", "":
			status, err = collectStatus(ctx, cfg)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			renderPanel(stdout, status)
		}
	}
	return 0
}

func collectStatus(ctx context.Context, cfg *config.Config) (*dashboardStatus, error) {
	status := &dashboardStatus{
		GeneratedAt: time.Now().UTC(),
		DataDir:     cfg.DataDir,
	}

	cs, err := store.OpenSQLite(cfg.ContractDBPath())
	if err != nil {
		return nil, fmt.Errorf("open contract store: %w", err)
	}
	defer func() { _ = cs.Close() }()

	byStatus, err := cs.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count contracts: %w", err)
	}
	status.Contracts.ByStatus = make(map[string]int, len(byStatus))
	for s, n := range byStatus {
		status.Contracts.ByStatus[string(s)] = n
		status.Contracts.Total += n
	}
	completed := byStatus[contracts.StatusCompleted]
	attempts := completed + byStatus[contracts.StatusFailed] + byStatus[contracts.StatusTimeout]
	if attempts > 0 {
		status.Contracts.SuccessRate = float64(completed) / float64(attempts)
	}

	al, err := store.OpenAuditLog(cfg.AuditDBPath())
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = al.Close() }()

	verified, err := al.VerifyChain(ctx)
	status.Audit.Events = verified
	status.Audit.ChainVerified = err == nil
	if err != nil {
		status.Audit.ChainError = err.Error()
	}

	if panel := collectToolServers(ctx, cfg.MCP.DiscoveryPaths); panel != nil {
		status.ToolServers = panel
	}

	return status, nil
}

// collectToolServers probes the discovered tool servers. A missing
// discovery file is not an error; the panel is simply absent.
func collectToolServers(ctx context.Context, paths []string) *toolServerPanel {
	if len(paths) == 0 {
		return nil
	}
	reg := mcp.NewRegistry(mcp.Config{DiscoveryPaths: paths})
	if err := reg.Initialize(); err != nil {
		return nil
	}
	reg.CheckAllHealth(ctx)

	panel := &toolServerPanel{Statistics: reg.Statistics()}
	for _, s := range reg.List() {
		line := serverLine{Name: s.Name, Status: string(s.Status), Error: s.Error}
		panel.Servers = append(panel.Servers, line)
	}
	sort.Slice(panel.Servers, func(i, j int) bool {
		return panel.Servers[i].Name < panel.Servers[j].Name
	})
	return panel
}

func renderPanel(w io.Writer, status *dashboardStatus) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sCovenant Dashboard%s  %s\n", ColorBold+ColorBlue, ColorReset,
		status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "%sdata: %s%s\n", ColorGray, status.DataDir, ColorReset)
	fmt.Fprintln(w, "")

	printSection(w, "CONTRACTS")
	fmt.Fprintf(w, "  total: %d   success rate: %.0f%%\n",
		status.Contracts.Total, status.Contracts.SuccessRate*100)
	for _, s := range sortedKeys(status.Contracts.ByStatus) {
		fmt.Fprintf(w, "  %-12s %d\n", s, status.Contracts.ByStatus[s])
	}

	printSection(w, "AUDIT")
	if status.Audit.ChainVerified {
		fmt.Fprintf(w, "  %d events, hash chain %sintact%s\n",
			status.Audit.Events, ColorGreen, ColorReset)
	} else {
		fmt.Fprintf(w, "  hash chain BROKEN after %d events: %s\n",
			status.Audit.Events, status.Audit.ChainError)
	}

	if status.ToolServers != nil {
		printSection(w, "TOOL SERVERS")
		for _, s := range status.ToolServers.Servers {
			fmt.Fprintf(w, "  %-20s %s\n", s.Name, s.Status)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%s[R] refresh  [Q] quit%s\n", ColorGray, ColorReset)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
