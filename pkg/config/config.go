// Package config loads the control-plane configuration. Files are YAML
// with strict decoding: unknown keys are rejected at load so typos never
// silently fall back to defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	Delegation DelegationConfig `yaml:"delegation"`
	Security   SecurityConfig   `yaml:"security"`
	Firebreak  FirebreakConfig  `yaml:"firebreak"`
	Chain      ChainConfig      `yaml:"chain"`
	Reputation ReputationConfig `yaml:"reputation"`
	Policy     PolicyConfig     `yaml:"policy"`
	Events     EventsConfig     `yaml:"events"`
	Redis      RedisConfig      `yaml:"redis"`
	MCP        MCPConfig        `yaml:"mcp"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// DelegationConfig tunes the contract manager.
type DelegationConfig struct {
	MaxDelegationDepth int `yaml:"max_delegation_depth"`
	DefaultPriority    int `yaml:"default_priority"`
}

// SecurityConfig tunes the threat validator.
type SecurityConfig struct {
	MaxChainDepth       int     `yaml:"max_chain_depth"`
	MaxActions          int     `yaml:"max_actions"`
	GamingWindowHours   int     `yaml:"gaming_window_hours"`
	GamingPairThreshold int     `yaml:"gaming_pair_threshold"`
	MinHonestSample     int     `yaml:"min_honest_sample"`
	MemoryCapMB         int     `yaml:"memory_cap_mb"`
	CPUCapCores         float64 `yaml:"cpu_cap_cores"`
	DiskCapMB           int     `yaml:"disk_cap_mb"`
	MaxContractsPerHour int     `yaml:"max_contracts_per_hour"`
	AnomalyBaselineN    int     `yaml:"anomaly_baseline_n"`
	AnomalyMultiplier   float64 `yaml:"anomaly_multiplier"`
}

// GamingWindow is the sliding window for pair-count tracking.
func (c SecurityConfig) GamingWindow() time.Duration {
	return time.Duration(c.GamingWindowHours) * time.Hour
}

// FirebreakConfig sets the authority depth tiers and value limits.
type FirebreakConfig struct {
	SupervisorDepth int     `yaml:"supervisor_depth"`
	ManagerDepth    int     `yaml:"manager_depth"`
	ExecutiveDepth  int     `yaml:"executive_depth"`
	EmergencyDepth  int     `yaml:"emergency_depth"`
	HighValueLimit  float64 `yaml:"high_value_limit"`
	LowValueLimit   float64 `yaml:"low_value_limit"`
	AllowExternal   bool    `yaml:"allow_external"`
}

// ChainConfig bounds chain analysis.
type ChainConfig struct {
	MaxChainDepth int `yaml:"max_chain_depth"`
}

// ReputationConfig seeds the reputation engine.
type ReputationConfig struct {
	InitialScore float64 `yaml:"initial_score"`
}

// PolicyConfig carries CEL deny rules evaluated after the built-in gates.
type PolicyConfig struct {
	DenyRules []string `yaml:"deny_rules"`
}

// EventsConfig configures the optional NATS mirror of the event bus.
type EventsConfig struct {
	NATSURL  string   `yaml:"nats_url"`
	Subjects []string `yaml:"subjects"`
}

// RedisConfig configures the optional shared rate-limit store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MCPConfig configures tool-server discovery and monitoring.
type MCPConfig struct {
	DiscoveryPaths        []string `yaml:"discovery_paths"`
	HealthCheckIntervalMs int      `yaml:"health_check_interval_ms"`
	ProbeTimeoutMs        int      `yaml:"probe_timeout_ms"`
}

// HealthCheckInterval is the periodic probe cadence.
func (c MCPConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// ProbeTimeout is the per-server probe deadline.
func (c MCPConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		DataDir:  "data",
		Delegation: DelegationConfig{
			MaxDelegationDepth: 5,
			DefaultPriority:    5,
		},
		Security: SecurityConfig{
			MaxChainDepth:       5,
			MaxActions:          5,
			GamingWindowHours:   24,
			GamingPairThreshold: 4,
			MinHonestSample:     10,
			MemoryCapMB:         8192,
			CPUCapCores:         8,
			DiskCapMB:           100000,
			MaxContractsPerHour: 100,
			AnomalyBaselineN:    20,
			AnomalyMultiplier:   10,
		},
		Firebreak: FirebreakConfig{
			SupervisorDepth: 3,
			ManagerDepth:    5,
			ExecutiveDepth:  7,
			EmergencyDepth:  10,
			HighValueLimit:  10000,
			LowValueLimit:   100,
		},
		Chain:      ChainConfig{MaxChainDepth: 5},
		Reputation: ReputationConfig{InitialScore: 0.5},
		MCP: MCPConfig{
			DiscoveryPaths: []string{
				".covenant/mcp.yaml",
				"mcp.yaml",
			},
			HealthCheckIntervalMs: 60000,
			ProbeTimeoutMs:        5000,
		},
		Telemetry: TelemetryConfig{ServiceName: "covenant"},
	}
}

// Load reads path over the defaults, rejecting unknown keys, then applies
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv honors the two supported environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Delegation.MaxDelegationDepth <= 0 {
		return fmt.Errorf("delegation.max_delegation_depth must be positive")
	}
	if c.Chain.MaxChainDepth <= 0 {
		return fmt.Errorf("chain.max_chain_depth must be positive")
	}
	if c.Reputation.InitialScore < 0 || c.Reputation.InitialScore > 1 {
		return fmt.Errorf("reputation.initial_score must be in [0,1]")
	}
	if c.Firebreak.SupervisorDepth > c.Firebreak.ManagerDepth ||
		c.Firebreak.ManagerDepth > c.Firebreak.ExecutiveDepth ||
		c.Firebreak.ExecutiveDepth > c.Firebreak.EmergencyDepth {
		return fmt.Errorf("firebreak depth tiers must be non-decreasing")
	}
	return nil
}

// ContractDBPath is where the SQLite contract store lives under DataDir.
func (c *Config) ContractDBPath() string {
	return filepath.Join(c.DataDir, "contracts.db")
}

// AuditDBPath is where the audit log lives under DataDir.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}
