package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the optional YAML file a Node operator can point
// ENGINE_NODE_CONFIG_PATH at for settings that are more naturally structured
// than a flat env var: preferred regions and a bootstrap peer list.
type NodeConfig struct {
	DisplayName      string   `yaml:"display_name"`
	PreferredRegions []string `yaml:"preferred_regions"`
	BootstrapPeers   []string `yaml:"bootstrap_peers"`
}

// LoadNodeConfig reads and parses the YAML node-config file at path. An
// empty path returns a zero-value NodeConfig with no error, since the file
// is optional.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	if path == "" {
		return &NodeConfig{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node config %s: %w", path, err)
	}
	var nc NodeConfig
	if err := yaml.Unmarshal(b, &nc); err != nil {
		return nil, fmt.Errorf("parse node config %s: %w", path, err)
	}
	return &nc, nil
}
