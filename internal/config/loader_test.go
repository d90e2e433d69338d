package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
service:
  data_dir: ./data
relay:
  command_timeout: 90s
  queue_limit: 50
api:
  listen: 127.0.0.1:3055
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Relay.CommandTimeout != 90*time.Second {
					t.Error("command_timeout not parsed")
				}
				if cfg.Relay.QueueLimit != 50 {
					t.Error("queue_limit not parsed")
				}
				if cfg.API.Listen != "127.0.0.1:3055" {
					t.Error("api.listen not parsed")
				}
				// Check defaults applied
				if cfg.Relay.SweepInterval != 5*time.Minute {
					t.Error("default sweep_interval not applied")
				}
				if cfg.Policy.ParentParam != "parentId" {
					t.Error("default parent_param not applied")
				}
				if len(cfg.Policy.BlockedCommands) == 0 {
					t.Error("default blocked_commands not applied")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
service:
  data_dir: ${PB_DATA_DIR}
api:
  listen: 127.0.0.1:3055
  admin_token: ${PB_TOKEN}
`,
			env: map[string]string{
				"PB_DATA_DIR": "/tmp/patchbay-data",
				"PB_TOKEN":    "secret123",
			},
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.DataDir != "/tmp/patchbay-data" {
					t.Errorf("env var not interpolated in data_dir: %s", cfg.Service.DataDir)
				}
				if cfg.API.AdminToken != "secret123" {
					t.Error("env var not interpolated in admin_token")
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
api:
  listen: 127.0.0.1:3055
  admin_token: ${MISSING_VAR}
`,
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: loud
`,
			wantErr: true,
		},
		{
			name: "queue limit must be positive",
			yaml: `
relay:
  queue_limit: -5
`,
			wantErr: true,
		},
		{
			name: "listen must be host:port",
			yaml: `
api:
  listen: not-an-address
`,
			wantErr: true,
		},
		{
			name: "command blocked and parent-required conflicts",
			yaml: `
policy:
  blocked_commands: [create_frame]
  require_parent: [create_frame]
`,
			wantErr: true,
		},
		{
			name: "notify requires url",
			yaml: `
notify:
  secret: hunter2
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)

			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDropIns(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	root := `
service:
  name: patchbay-test
api:
  listen: 127.0.0.1:3055
`
	if err := os.WriteFile(configPath, []byte(root), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	confD := filepath.Join(tmpDir, "conf.d")
	if err := os.MkdirAll(confD, 0755); err != nil {
		t.Fatalf("failed to create conf.d: %v", err)
	}
	dropIn := `
policy:
  blocked_commands: [set_zoom]
relay:
  queue_limit: 10
`
	if err := os.WriteFile(filepath.Join(confD, "10-policy.yaml"), []byte(dropIn), 0644); err != nil {
		t.Fatalf("failed to write drop-in: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Service.Name != "patchbay-test" {
		t.Errorf("root value lost: %s", cfg.Service.Name)
	}
	if cfg.Relay.QueueLimit != 10 {
		t.Errorf("drop-in queue_limit not merged: %d", cfg.Relay.QueueLimit)
	}
	if len(cfg.Policy.BlockedCommands) != 1 || cfg.Policy.BlockedCommands[0] != "set_zoom" {
		t.Errorf("drop-in policy list should replace defaults, got %v", cfg.Policy.BlockedCommands)
	}
	// Untouched lists keep their defaults.
	if len(cfg.Policy.RequireParent) == 0 {
		t.Error("require_parent defaults lost")
	}
}

func TestLoadIncludes(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	root := `
include:
  - extra.yaml
api:
  listen: 127.0.0.1:3055
`
	extra := `
relay:
  command_timeout: 30s
`
	if err := os.WriteFile(configPath, []byte(root), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "extra.yaml"), []byte(extra), 0644); err != nil {
		t.Fatalf("failed to write include: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Relay.CommandTimeout != 30*time.Second {
		t.Errorf("included command_timeout not merged: %v", cfg.Relay.CommandTimeout)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	tmpDir := t.TempDir()
	a := filepath.Join(tmpDir, "config.yaml")
	b := filepath.Join(tmpDir, "b.yaml")
	if err := os.WriteFile(a, []byte("include: [b.yaml]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("include: [config.yaml]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(a); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${HOME_DIR}/data",
			env:   map[string]string{"HOME_DIR": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${USER}:${PASS}@${HOST}",
			env: map[string]string{
				"USER": "admin",
				"PASS": "secret",
				"HOST": "localhost",
			},
			want: "admin:secret@localhost",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${UNDEFINED}",
			env:   map[string]string{},
			want:  "key: ${UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			env:   map[string]string{},
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			got := interpolateEnv(tt.input)
			if got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(cfg *Config) {},
			wantErr: false,
		},
		{
			name:    "negative command timeout",
			mutate:  func(cfg *Config) { cfg.Relay.CommandTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero queue limit",
			mutate:  func(cfg *Config) { cfg.Relay.QueueLimit = 0 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			mutate:  func(cfg *Config) { cfg.Service.LogLevel = "trace" },
			wantErr: true,
		},
		{
			name:    "missing data dir",
			mutate:  func(cfg *Config) { cfg.Service.DataDir = "" },
			wantErr: true,
		},
		{
			name:    "missing listen",
			mutate:  func(cfg *Config) { cfg.API.Listen = "" },
			wantErr: true,
		},
		{
			name: "parent param required with require_parent",
			mutate: func(cfg *Config) {
				cfg.Policy.ParentParam = ""
			},
			wantErr: true,
		},
		{
			name: "empty blocked command entry",
			mutate: func(cfg *Config) {
				cfg.Policy.BlockedCommands = []string{""}
			},
			wantErr: true,
		},
		{
			name: "notify url scheme",
			mutate: func(cfg *Config) {
				cfg.Notify = &NotifyConfig{URL: "ftp://example.com/hook"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
