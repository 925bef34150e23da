package eventadmission

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Config carries the tunables of the admission pipeline.
type Config struct {
	// ServerName is the name of the local server, used to decide which
	// lookups can be answered locally.
	ServerName string `yaml:"server_name"`
	// StrictAuthEvents rejects events whose cited auth_events differ from
	// the selection computed from local state. When false the difference is
	// only logged; remote servers may legitimately have selected against
	// state we haven't seen.
	StrictAuthEvents bool `yaml:"strict_auth_events"`
	// CycleDepthLimit bounds the ancestry walk of the cycle check.
	CycleDepthLimit int `yaml:"cycle_depth_limit"`
	// MaxPrevEvents is the most parents a single event may cite.
	MaxPrevEvents int `yaml:"max_prev_events"`
	// DedupWindowMS is the half-width in milliseconds of the temporal
	// duplicate detection window.
	DedupWindowMS int64 `yaml:"dedup_window_ms"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig(serverName string) Config {
	return Config{
		ServerName:       serverName,
		StrictAuthEvents: false,
		CycleDepthLimit:  50,
		MaxPrevEvents:    20,
		DedupWindowMS:    1000,
	}
}

// LoadConfig reads a Config from a YAML file. Absent keys keep their
// default values.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig("")
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.ServerName == "" {
		return config, fmt.Errorf("config is missing server_name")
	}
	return config, nil
}
