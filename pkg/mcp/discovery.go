package mcp

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/covenant-labs/covenant/pkg/contracts"
)

// serverConfig is the wire form of one discovered server entry. YAML
// decoding also covers JSON discovery files.
type serverConfig struct {
	Name      string   `yaml:"name" json:"name"`
	Transport string   `yaml:"transport" json:"transport"`
	Command   string   `yaml:"command" json:"command"`
	Args      []string `yaml:"args" json:"args"`
	URL       string   `yaml:"url" json:"url"`
	Enabled   *bool    `yaml:"enabled" json:"enabled"`
	Tier      string   `yaml:"tier" json:"tier"`
	Tags      []string `yaml:"tags" json:"tags"`
}

// discoveryFile accepts the recognized top-level shapes: a "mcpServers"
// or "servers" mapping, or the document itself as the mapping.
type discoveryFile struct {
	MCPServers map[string]serverConfig `yaml:"mcpServers"`
	Servers    map[string]serverConfig `yaml:"servers"`
}

// Initialize loads server entries from the first discovery path that
// exists and parses. Later paths are ignored once one wins.
func (r *Registry) Initialize() error {
	for _, path := range r.cfg.DiscoveryPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		entries, err := parseDiscovery(data)
		if err != nil {
			r.logger.Warn("skipping unparsable discovery file", "path", path, "error", err)
			continue
		}
		for name, sc := range entries {
			if err := r.Register(serverFromConfig(name, sc)); err != nil {
				r.logger.Warn("skipping invalid server entry",
					"path", path, "server", name, "error", err)
			}
		}
		r.logger.Info("tool servers discovered", "path", path, "count", len(entries))
		return nil
	}
	return contracts.ErrNotFound("no discovery file found in %d paths", len(r.cfg.DiscoveryPaths))
}

func parseDiscovery(data []byte) (map[string]serverConfig, error) {
	var file discoveryFile
	if err := yaml.Unmarshal(data, &file); err == nil {
		if len(file.MCPServers) > 0 {
			return file.MCPServers, nil
		}
		if len(file.Servers) > 0 {
			return file.Servers, nil
		}
	}

	// Bare mapping: the document itself is {name: server_config}.
	var bare map[string]serverConfig
	if err := yaml.Unmarshal(data, &bare); err != nil {
		return nil, err
	}
	return bare, nil
}

// serverFromConfig applies entry defaults: the map key names the server
// unless the entry carries its own name, and entries are enabled unless
// they opt out.
func serverFromConfig(key string, sc serverConfig) Server {
	name := sc.Name
	if name == "" {
		name = key
	}
	enabled := true
	if sc.Enabled != nil {
		enabled = *sc.Enabled
	}
	return Server{
		Name:      name,
		Transport: Transport(sc.Transport),
		Command:   sc.Command,
		Args:      sc.Args,
		URL:       sc.URL,
		Enabled:   enabled,
		Tier:      Tier(sc.Tier),
		Tags:      sc.Tags,
		Status:    StatusUnknown,
	}
}
