package config

import "time"

// Config represents the complete dgworker configuration.
type Config struct {
	Worker         WorkerConfig   `yaml:"worker"`
	RPC            RPCConfig      `yaml:"rpc,omitempty"`
	Plugins        PluginsConfig  `yaml:"plugins,omitempty"`
	Properties     map[string]any `yaml:"properties,omitempty"`
	PropertiesFile string         `yaml:"properties_file,omitempty"`

	// Path is the absolute file the config was loaded from. Empty for Defaults.
	Path string `yaml:"-"`
}

// WorkerConfig defines the socket server and process settings.
type WorkerConfig struct {
	ID          string        `yaml:"id"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Scope       string        `yaml:"scope"`
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	LogFile     string        `yaml:"log_file,omitempty"`
	PIDFile     string        `yaml:"pid_file,omitempty"`
}

// RPCConfig defines the HTTP binding of the RPC delegate.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// PluginsConfig defines where process plugins are discovered.
type PluginsConfig struct {
	Roots   []string      `yaml:"roots,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ChecksumManifest is the .checksums file format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with default values.
func Defaults() *Config {
	return &Config{
		Worker: WorkerConfig{
			ID:        "0",
			Host:      "127.0.0.1",
			Port:      25333,
			Scope:     "cached",
			LogLevel:  "info",
			LogFormat: "json",
		},
		RPC: RPCConfig{
			Enabled: false,
			Listen:  "127.0.0.1:25433",
		},
		Plugins: PluginsConfig{
			Timeout: 60 * time.Second,
		},
	}
}
