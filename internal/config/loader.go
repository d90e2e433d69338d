package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// Drop-ins from a sibling conf.d/ directory and files named in the include
// array are merged in, later files winning for scalar values.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.ConfigDir = filepath.Dir(absPath)
	cfg.SourcePath = absPath
	cfg.SourceFiles = make(map[string]*yaml.Node)
	recordSourceFile(cfg, absPath)

	visited := map[string]bool{absPath: true}

	// conf.d drop-ins merge before explicit includes.
	dropIns, err := DropInFiles(absPath)
	if err != nil {
		return nil, err
	}
	for _, path := range dropIns {
		if visited[path] {
			continue
		}
		visited[path] = true
		dropCfg, err := loadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("conf.d (%s): %w", filepath.Base(path), err)
		}
		recordSourceFile(cfg, path)
		if err := deepMergeConfig(cfg, dropCfg); err != nil {
			return nil, fmt.Errorf("conf.d (%s): merge failed: %w", filepath.Base(path), err)
		}
	}

	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, cfg.ConfigDir, visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)

	allPaths := make([]string, 0, len(visited))
	for path := range visited {
		allPaths = append(allPaths, path)
	}
	if err := verifyConfigHashes(cfg.ConfigDir, allPaths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		var resolvedPath string
		if filepath.IsAbs(includePath) {
			resolvedPath = includePath
		} else {
			resolvedPath = filepath.Join(baseDir, includePath)
		}

		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}

		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		recordSourceFile(cfg, absPath)

		if err := deepMergeConfig(cfg, includedCfg); err != nil {
			return fmt.Errorf("include[%d] (%s): merge failed: %w", i, includePath, err)
		}

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

// loadConfigFile loads and parses a single config file.
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

// recordSourceFile parses and stores the raw document node for SetPath edits.
func recordSourceFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceFiles[path] = &node
	}
}

// deepMergeConfig merges src into dst, with src taking precedence for non-zero values.
func deepMergeConfig(dst, src *Config) error {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.DataDir != "" {
		dst.Service.DataDir = src.Service.DataDir
	}

	if src.Relay.CommandTimeout != 0 {
		dst.Relay.CommandTimeout = src.Relay.CommandTimeout
	}
	if src.Relay.QueueLimit != 0 {
		dst.Relay.QueueLimit = src.Relay.QueueLimit
	}
	if src.Relay.SweepInterval != 0 {
		dst.Relay.SweepInterval = src.Relay.SweepInterval
	}
	if src.Relay.PendingMaxAge != 0 {
		dst.Relay.PendingMaxAge = src.Relay.PendingMaxAge
	}
	if src.Relay.SendBuffer != 0 {
		dst.Relay.SendBuffer = src.Relay.SendBuffer
	}
	if src.Relay.MaxMessageSize != 0 {
		dst.Relay.MaxMessageSize = src.Relay.MaxMessageSize
	}

	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.AdminToken != "" {
		dst.API.AdminToken = src.API.AdminToken
	}

	// Policy lists replace wholesale so a drop-in can narrow the defaults.
	if src.Policy.BlockedCommands != nil {
		dst.Policy.BlockedCommands = src.Policy.BlockedCommands
	}
	if src.Policy.RequireParent != nil {
		dst.Policy.RequireParent = src.Policy.RequireParent
	}
	if src.Policy.ParentParam != "" {
		dst.Policy.ParentParam = src.Policy.ParentParam
	}

	if src.History.Enabled {
		dst.History.Enabled = true
	}
	if src.History.Path != "" {
		dst.History.Path = src.History.Path
	}
	if src.History.Retention != 0 {
		dst.History.Retention = src.History.Retention
	}
	if src.History.Buffer != 0 {
		dst.History.Buffer = src.History.Buffer
	}

	if src.Events.Buffer != 0 {
		dst.Events.Buffer = src.Events.Buffer
	}

	if src.Notify != nil {
		if dst.Notify == nil {
			dst.Notify = &NotifyConfig{}
		}
		if src.Notify.URL != "" {
			dst.Notify.URL = src.Notify.URL
		}
		if src.Notify.Secret != "" {
			dst.Notify.Secret = src.Notify.Secret
		}
		if len(src.Notify.Events) > 0 {
			dst.Notify.Events = src.Notify.Events
		}
		if src.Notify.Timeout != 0 {
			dst.Notify.Timeout = src.Notify.Timeout
		}
		if src.Notify.MaxRetries != 0 {
			dst.Notify.MaxRetries = src.Notify.MaxRetries
		}
	}

	return nil
}

// verifyConfigHashes checks loaded files against the .checksums manifest in
// the root config directory. A missing manifest skips verification.
func verifyConfigHashes(configDir string, paths []string) error {
	checksums, err := LoadChecksums(configDir)
	if err != nil {
		return nil
	}

	for _, path := range paths {
		key := manifestKey(configDir, path)
		expectedHash, ok := checksums.Hashes[key]
		if !ok {
			return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
				"Run: patchbay config lock", key, configDir)
		}

		if err := VerifyFileHash(path, expectedHash); err != nil {
			return fmt.Errorf("config verification failed for %s: %w\n"+
				"This indicates tampering or unauthorized modification.\n"+
				"If you edited this file intentionally, run: patchbay config lock", path, err)
		}
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.DataDir == "" {
		cfg.Service.DataDir = defaults.Service.DataDir
	}

	if cfg.Relay.CommandTimeout == 0 {
		cfg.Relay.CommandTimeout = defaults.Relay.CommandTimeout
	}
	if cfg.Relay.QueueLimit == 0 {
		cfg.Relay.QueueLimit = defaults.Relay.QueueLimit
	}
	if cfg.Relay.SweepInterval == 0 {
		cfg.Relay.SweepInterval = defaults.Relay.SweepInterval
	}
	if cfg.Relay.PendingMaxAge == 0 {
		cfg.Relay.PendingMaxAge = defaults.Relay.PendingMaxAge
	}
	if cfg.Relay.SendBuffer == 0 {
		cfg.Relay.SendBuffer = defaults.Relay.SendBuffer
	}
	if cfg.Relay.MaxMessageSize == 0 {
		cfg.Relay.MaxMessageSize = defaults.Relay.MaxMessageSize
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Policy.BlockedCommands == nil {
		cfg.Policy.BlockedCommands = defaults.Policy.BlockedCommands
	}
	if cfg.Policy.RequireParent == nil {
		cfg.Policy.RequireParent = defaults.Policy.RequireParent
	}
	if cfg.Policy.ParentParam == "" {
		cfg.Policy.ParentParam = defaults.Policy.ParentParam
	}

	if cfg.History.Retention == 0 {
		cfg.History.Retention = defaults.History.Retention
	}
	if cfg.History.Buffer == 0 {
		cfg.History.Buffer = defaults.History.Buffer
	}

	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = defaults.Events.Buffer
	}

	if cfg.Notify != nil {
		if cfg.Notify.Timeout == 0 {
			cfg.Notify.Timeout = 10 * time.Second
		}
		if cfg.Notify.MaxRetries == 0 {
			cfg.Notify.MaxRetries = 2
		}
		if len(cfg.Notify.Events) == 0 {
			cfg.Notify.Events = []string{"command_resolved", "session_replaced"}
		}
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
