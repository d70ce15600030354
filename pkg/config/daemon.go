package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// ConsumerSpec is one entry of a daemon deployment file: which factory to
// load under which name, and its JSON configuration blob (SPEC_FULL.md
// §1.3, the YAML deployment format sakateka-yanet2's coordinator/modules
// use for their own service configuration).
type ConsumerSpec struct {
	Name    string `yaml:"name"`
	Library string `yaml:"library"`
	Factory string `yaml:"factory"`
	Config  string `yaml:"config"` // inline JSON, passed through to registry.Init
}

// DaemonConfig is the top-level deployment file cmd/daqd reads to learn
// which consumers to load and where to bind the diagnostics endpoint.
type DaemonConfig struct {
	StationFile   string            `yaml:"station_file"`
	MetricsBind   string            `yaml:"metrics_bind"`
	MaxPacketSize datasize.ByteSize `yaml:"max_packet_size"`
	Consumers     []ConsumerSpec    `yaml:"consumers"`
}

// LoadDaemon reads a YAML deployment file.
func LoadDaemon(path string) (*DaemonConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading daemon file %s: %w", path, err)
	}
	var cfg DaemonConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing daemon file %s: %w", path, err)
	}
	if cfg.MaxPacketSize == 0 {
		cfg.MaxPacketSize = 9000 * datasize.B
	}
	if cfg.MetricsBind == "" {
		cfg.MetricsBind = ":9090"
	}
	return &cfg, nil
}
