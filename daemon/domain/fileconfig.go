package domain

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

// DefaultConfigPath is the standard location for the server's YAML
// config file.
const DefaultConfigPath = "/etc/mcp-runtime/config.yml"

// FileConfig represents the YAML configuration file structure. Values
// set in the config file serve as defaults that can be overridden by
// CLI flags.
type FileConfig struct {
	Addr               *string `yaml:"addr,omitempty"`
	LogLevel           *string `yaml:"log_level,omitempty"`
	LogsDir            *string `yaml:"logs_dir,omitempty"`
	Stateless          *bool   `yaml:"stateless,omitempty"`
	StrictMode         *bool   `yaml:"strict_mode,omitempty"`
	MaxEventsPerStream *int    `yaml:"max_events_per_stream,omitempty"`
	RequestTimeoutSecs *int    `yaml:"request_timeout_secs,omitempty"`
	MetricsAddr        *string `yaml:"metrics_addr,omitempty"`
	OriginsFile        *string `yaml:"origins_file,omitempty"`
}

// LoadConfigFile reads and parses a YAML config file. Returns nil
// without error if the file does not exist.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is a trusted config file path, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &cfg, nil
}

// ApplyFileConfig overlays fc onto cfg wherever fc sets a value, leaving
// cfg unchanged where fc left a field nil. fc may be nil, in which case
// cfg is returned unmodified. OriginsFile, if set, is reported separately
// since loading it is a further step (ini.v1 parsing) the caller drives.
func ApplyFileConfig(cfg Config, fc *FileConfig) (Config, string) {
	if fc == nil {
		return cfg, ""
	}
	if fc.Addr != nil {
		cfg.Addr = *fc.Addr
	}
	if fc.Stateless != nil {
		cfg.Stateless = *fc.Stateless
	}
	if fc.StrictMode != nil {
		cfg.StrictMode = *fc.StrictMode
	}
	if fc.MaxEventsPerStream != nil {
		cfg.MaxEventsPerStream = *fc.MaxEventsPerStream
	}
	if fc.RequestTimeoutSecs != nil {
		cfg.RequestTimeout = time.Duration(*fc.RequestTimeoutSecs) * time.Second
	}
	if fc.MetricsAddr != nil {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
	var originsFile string
	if fc.OriginsFile != nil {
		originsFile = *fc.OriginsFile
	}
	return cfg, originsFile
}
