package config

import (
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete patchbay configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Relay   RelayConfig   `yaml:"relay"`
	API     APIConfig     `yaml:"api"`
	Policy  PolicyConfig  `yaml:"policy"`
	History HistoryConfig `yaml:"history"`
	Events  EventsConfig  `yaml:"events"`
	Notify  *NotifyConfig `yaml:"notify,omitempty"`

	// Include lists additional YAML files merged into this one.
	Include []string `yaml:"include,omitempty"`

	// ConfigDir is the directory of the root config file. Populated by Load.
	ConfigDir string `yaml:"-"`
	// SourcePath is the absolute path of the root config file. Populated by Load.
	SourcePath string `yaml:"-"`
	// SourceFiles maps loaded file paths to their parsed YAML documents,
	// kept for in-place edits by SetPath.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`
}

// RelayConfig defines the relay's queueing and timing behavior.
type RelayConfig struct {
	CommandTimeout time.Duration `yaml:"command_timeout"`
	QueueLimit     int           `yaml:"queue_limit"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	PendingMaxAge  time.Duration `yaml:"pending_max_age"`
	SendBuffer     int           `yaml:"send_buffer"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// APIConfig defines the HTTP listener shared by the WebSocket endpoint and
// the read-only reporting surface.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// AdminToken optionally bearer-guards /api/v1. Empty disables the guard.
	AdminToken string `yaml:"admin_token,omitempty"`
}

// PolicyConfig defines command admission rules.
type PolicyConfig struct {
	// BlockedCommands mutate ambient target state and are always rejected.
	BlockedCommands []string `yaml:"blocked_commands"`
	// RequireParent lists creation commands that must carry ParentParam.
	RequireParent []string `yaml:"require_parent"`
	ParentParam   string   `yaml:"parent_param"`
}

// HistoryConfig defines the command history audit store.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path,omitempty"`
	Retention time.Duration `yaml:"retention"`
	Buffer    int           `yaml:"buffer"`
}

// EventsConfig defines the in-process event hub.
type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

// NotifyConfig defines the optional outbound webhook notifier.
type NotifyConfig struct {
	URL        string        `yaml:"url"`
	Secret     string        `yaml:"secret,omitempty"`
	Events     []string      `yaml:"events,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "patchbay",
			LogLevel: "info",
			DataDir:  "./data",
		},
		Relay: RelayConfig{
			CommandTimeout: 120 * time.Second,
			QueueLimit:     100,
			SweepInterval:  5 * time.Minute,
			PendingMaxAge:  10 * time.Minute,
			SendBuffer:     64,
			MaxMessageSize: 1 << 20,
		},
		API: APIConfig{
			Listen:     "127.0.0.1:3055",
			AdminToken: "",
		},
		Policy: PolicyConfig{
			BlockedCommands: []string{
				"set_selection",
				"set_current_page",
				"set_focus",
			},
			RequireParent: []string{
				"create_frame",
				"create_rectangle",
				"create_ellipse",
				"create_text",
				"create_component_instance",
			},
			ParentParam: "parentId",
		},
		History: HistoryConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
			Buffer:    256,
		},
		Events: EventsConfig{
			Buffer: 256,
		},
	}
}

// HistoryPath resolves the history database path, defaulting into DataDir.
func (c *Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Service.DataDir, "history.db")
}

// PidPath resolves the pid lockfile path inside DataDir.
func (c *Config) PidPath() string {
	return filepath.Join(c.Service.DataDir, "patchbay.pid")
}
