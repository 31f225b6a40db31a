package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/dgworker/internal/lifecycle"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, verifies and validates configuration from a file. A directory
// is taken to contain config.yaml. An empty path yields the defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.Path = absPath
	cfg = applyConfigDefaults(cfg)

	if cfg.PropertiesFile != "" && !filepath.IsAbs(cfg.PropertiesFile) {
		cfg.PropertiesFile = filepath.Join(filepath.Dir(absPath), cfg.PropertiesFile)
	}
	if cfg.Worker.LogFile != "" && !filepath.IsAbs(cfg.Worker.LogFile) {
		cfg.Worker.LogFile = filepath.Join(filepath.Dir(absPath), cfg.Worker.LogFile)
	}
	for i, root := range cfg.Plugins.Roots {
		if !filepath.IsAbs(root) {
			cfg.Plugins.Roots[i] = filepath.Join(filepath.Dir(absPath), root)
		}
	}

	verify := []string{absPath}
	if cfg.PropertiesFile != "" {
		verify = append(verify, cfg.PropertiesFile)
	}
	if err := verifyChecksums(absPath, verify); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolveConfigPath makes configPath absolute and maps a directory to the
// config.yaml inside it.
func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadConfigFile parses a single config file after env interpolation.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = defaults.Worker.ID
	}
	if cfg.Worker.Host == "" {
		cfg.Worker.Host = defaults.Worker.Host
	}
	if cfg.Worker.Port == 0 {
		cfg.Worker.Port = defaults.Worker.Port
	}
	if cfg.Worker.Scope == "" {
		cfg.Worker.Scope = defaults.Worker.Scope
	}
	if cfg.Worker.LogLevel == "" {
		cfg.Worker.LogLevel = defaults.Worker.LogLevel
	}
	if cfg.Worker.LogFormat == "" {
		cfg.Worker.LogFormat = defaults.Worker.LogFormat
	}

	if cfg.RPC.Listen == "" {
		cfg.RPC.Listen = defaults.RPC.Listen
	}

	if cfg.Plugins.Timeout == 0 {
		cfg.Plugins.Timeout = defaults.Plugins.Timeout
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks a config assembled outside Load, e.g. after CLI overrides.
func (c *Config) Validate() error {
	return validate(c)
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.Worker.ID) == "" {
		return fmt.Errorf("worker.id is required")
	}
	if !isLoopback(cfg.Worker.Host) {
		return fmt.Errorf("worker.host must be a loopback address (got %q)", cfg.Worker.Host)
	}
	if cfg.Worker.Port < 0 || cfg.Worker.Port > 65535 {
		return fmt.Errorf("worker.port must be between 0 and 65535 (got %d)", cfg.Worker.Port)
	}
	if _, err := lifecycle.ParseScope(cfg.Worker.Scope); err != nil {
		return fmt.Errorf("worker.scope: %w", err)
	}
	if cfg.Worker.ReadTimeout < 0 {
		return fmt.Errorf("worker.read_timeout must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Worker.LogLevel)] {
		return fmt.Errorf("worker.log_level must be one of: debug, info, warn, error (got %q)", cfg.Worker.LogLevel)
	}
	switch strings.ToLower(cfg.Worker.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("worker.log_format must be json or text (got %q)", cfg.Worker.LogFormat)
	}

	if cfg.RPC.Enabled {
		host, _, err := net.SplitHostPort(cfg.RPC.Listen)
		if err != nil {
			return fmt.Errorf("rpc.listen: %w", err)
		}
		if !isLoopback(host) {
			return fmt.Errorf("rpc.listen must be a loopback address (got %q)", cfg.RPC.Listen)
		}
	}

	if cfg.Plugins.Timeout < 0 {
		return fmt.Errorf("plugins.timeout must not be negative")
	}

	if err := checkUnresolvedEnvVars(cfg.Properties, "properties"); err != nil {
		return err
	}
	return nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in values.
func checkUnresolvedEnvVars(data map[string]any, path string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if matches := envVarPattern.FindStringSubmatch(v); len(matches) > 1 {
				return fmt.Errorf("%s.%s: environment variable ${%s} is not set", path, key, matches[1])
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, path+"."+key); err != nil {
				return err
			}
		}
	}
	return nil
}
