// Package config loads the driver's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/zedfs/zed-csi/pkg/shell"
	"gopkg.in/yaml.v3"
)

// ReclaimPolicy decides what happens to backing datasets when a volume is
// deleted. Only Retain is implemented; Delete is reserved for a future
// reclaim pass.
type ReclaimPolicy string

// Reclaim policies.
const (
	ReclaimRetain ReclaimPolicy = "retain"
	ReclaimDelete ReclaimPolicy = "delete"
)

// InitiatorIQNMode selects how the node's initiator IQN is determined.
type InitiatorIQNMode struct {
	// Type is "detect" (read from the host) or "static".
	Type string `yaml:"type"`
	// IQN is the fixed initiator name in static mode.
	IQN string `yaml:"iqn,omitempty"`
}

// NodeConfig configures the node role of the driver.
type NodeConfig struct {
	ControlMode      shell.Config     `yaml:"control_mode"`
	InitiatorIQNMode InitiatorIQNMode `yaml:"initiator_iqn_mode"`
	ReclaimPolicy    ReclaimPolicy    `yaml:"reclaim_policy"`
}

// Config is the full driver configuration.
type Config struct {
	Node NodeConfig `yaml:"node"`
}

// Default returns the configuration used when no file is given: local
// control without sudo, detected initiator IQN, retain reclaim.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ControlMode:      shell.Config{Type: shell.TypeLocal},
			InitiatorIQNMode: InitiatorIQNMode{Type: "detect"},
			ReclaimPolicy:    ReclaimRetain,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	switch cfg.Node.ReclaimPolicy {
	case ReclaimRetain, ReclaimDelete, "":
	default:
		return nil, fmt.Errorf("'%s' is not a valid reclaim policy", cfg.Node.ReclaimPolicy)
	}
	if cfg.Node.ReclaimPolicy == "" {
		cfg.Node.ReclaimPolicy = ReclaimRetain
	}
	return cfg, nil
}
