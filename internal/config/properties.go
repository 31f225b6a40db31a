package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// PropertiesEnv carries a JSON object of application properties.
const PropertiesEnv = "DGFACADE_PROPERTIES"

// LoadProperties assembles the process-wide application properties. Inline
// properties are overlaid by properties_file, then by $DGFACADE_PROPERTIES.
// An invalid environment value is logged and contributes nothing.
func LoadProperties(cfg *Config, logger *slog.Logger) (map[string]any, error) {
	props := make(map[string]any, len(cfg.Properties))
	maps.Copy(props, cfg.Properties)

	if cfg.PropertiesFile != "" {
		fromFile, err := readPropertiesFile(cfg.PropertiesFile)
		if err != nil {
			return nil, err
		}
		maps.Copy(props, fromFile)
	}

	if raw := strings.TrimSpace(os.Getenv(PropertiesEnv)); raw != "" {
		var fromEnv map[string]any
		if err := json.Unmarshal([]byte(raw), &fromEnv); err != nil {
			logger.Warn("ignoring invalid application properties", "env", PropertiesEnv, "error", err)
		} else {
			maps.Copy(props, fromEnv)
		}
	}

	return props, nil
}

func readPropertiesFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read properties file: %w", err)
	}

	out := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("failed to parse properties file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &out); err != nil {
			return nil, fmt.Errorf("failed to parse properties file %s: %w", path, err)
		}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Fingerprint is the BLAKE3 hash of the canonical JSON encoding of props.
// Map keys are encoded sorted, so equal maps give equal fingerprints.
func Fingerprint(props map[string]any) (string, error) {
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode properties: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
