package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, yaml string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
worker:
  port: 25340
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Worker.Port != 25340 {
					t.Errorf("port = %d, want 25340", cfg.Worker.Port)
				}
				if cfg.Worker.ID != "0" || cfg.Worker.Host != "127.0.0.1" {
					t.Errorf("defaults not applied: %+v", cfg.Worker)
				}
				if cfg.Worker.Scope != "cached" {
					t.Errorf("scope = %q, want cached", cfg.Worker.Scope)
				}
				if cfg.Plugins.Timeout != 60*time.Second {
					t.Errorf("plugins.timeout = %v, want 60s", cfg.Plugins.Timeout)
				}
				if cfg.RPC.Listen != "127.0.0.1:25433" {
					t.Errorf("rpc.listen = %q", cfg.RPC.Listen)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
worker:
  id: ${WORKER_NAME}
  read_timeout: 2s
properties:
  dgfacade.app-name: ${APP_NAME}
`,
			env: map[string]string{"WORKER_NAME": "w-7", "APP_NAME": "Facade"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Worker.ID != "w-7" {
					t.Errorf("worker.id = %q, want w-7", cfg.Worker.ID)
				}
				if cfg.Worker.ReadTimeout != 2*time.Second {
					t.Errorf("read_timeout = %v", cfg.Worker.ReadTimeout)
				}
				if cfg.Properties["dgfacade.app-name"] != "Facade" {
					t.Errorf("property not interpolated: %v", cfg.Properties)
				}
			},
		},
		{
			name: "relative paths resolve against config dir",
			yaml: `
properties_file: props.json
worker:
  log_file: logs/worker.log
plugins:
  roots: [plugins, /opt/dg/plugins]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				dir := filepath.Dir(cfg.Path)
				if cfg.PropertiesFile != filepath.Join(dir, "props.json") {
					t.Errorf("properties_file = %q", cfg.PropertiesFile)
				}
				if cfg.Worker.LogFile != filepath.Join(dir, "logs", "worker.log") {
					t.Errorf("log_file = %q", cfg.Worker.LogFile)
				}
				if cfg.Plugins.Roots[0] != filepath.Join(dir, "plugins") || cfg.Plugins.Roots[1] != "/opt/dg/plugins" {
					t.Errorf("roots = %v", cfg.Plugins.Roots)
				}
			},
		},
		{
			name:    "unset env var in properties",
			yaml:    "properties:\n  token: ${DGWORKER_TEST_UNSET}\n",
			wantErr: "${DGWORKER_TEST_UNSET} is not set",
		},
		{
			name:    "non loopback host",
			yaml:    "worker:\n  host: 0.0.0.0\n",
			wantErr: "worker.host must be a loopback address",
		},
		{
			name:    "port out of range",
			yaml:    "worker:\n  port: 70000\n",
			wantErr: "worker.port must be between 0 and 65535",
		},
		{
			name:    "unknown scope",
			yaml:    "worker:\n  scope: pooled\n",
			wantErr: "unknown scope",
		},
		{
			name:    "bad log level",
			yaml:    "worker:\n  log_level: loud\n",
			wantErr: "worker.log_level",
		},
		{
			name:    "rpc listen must be loopback",
			yaml:    "rpc:\n  enabled: true\n  listen: 10.0.0.1:9000\n",
			wantErr: "rpc.listen must be a loopback address",
		},
		{
			name:    "invalid yaml",
			yaml:    "worker: [",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectoryAndDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "worker:\n  id: from-dir\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Worker.ID != "from-dir" {
		t.Errorf("worker.id = %q", cfg.Worker.ID)
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Path != "" || cfg.Worker.Port != 25333 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateAfterOverride(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.Port = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("port 0 should be allowed for ephemeral binding: %v", err)
	}
	cfg.Worker.ID = " "
	if err := cfg.Validate(); err == nil {
		t.Fatal("blank worker id should fail")
	}
}
