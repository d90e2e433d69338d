package config

import (
	"fmt"
	"net"
	"net/url"
)

// validate performs structural validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Service.DataDir == "" {
		return fmt.Errorf("service.data_dir is required")
	}

	if cfg.Relay.CommandTimeout <= 0 {
		return fmt.Errorf("relay.command_timeout must be positive")
	}
	if cfg.Relay.QueueLimit <= 0 {
		return fmt.Errorf("relay.queue_limit must be positive")
	}
	if cfg.Relay.SweepInterval <= 0 {
		return fmt.Errorf("relay.sweep_interval must be positive")
	}
	if cfg.Relay.PendingMaxAge <= 0 {
		return fmt.Errorf("relay.pending_max_age must be positive")
	}
	if cfg.Relay.SendBuffer <= 0 {
		return fmt.Errorf("relay.send_buffer must be positive")
	}
	if cfg.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("relay.max_message_size must be positive")
	}

	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
		return fmt.Errorf("api.listen must be host:port (got %q): %w", cfg.API.Listen, err)
	}
	if envVarPattern.MatchString(cfg.API.AdminToken) {
		matches := envVarPattern.FindStringSubmatch(cfg.API.AdminToken)
		if len(matches) > 1 {
			return fmt.Errorf("api.admin_token: environment variable ${%s} is not set", matches[1])
		}
		return fmt.Errorf("api.admin_token: unresolved environment variable")
	}

	if err := validatePolicy(&cfg.Policy); err != nil {
		return err
	}

	if cfg.History.Enabled && cfg.History.Buffer <= 0 {
		return fmt.Errorf("history.buffer must be positive")
	}
	if cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}

	if cfg.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be positive")
	}

	if cfg.Notify != nil {
		if cfg.Notify.URL == "" {
			return fmt.Errorf("notify.url is required when notify is configured")
		}
		u, err := url.Parse(cfg.Notify.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("notify.url must be an http(s) URL (got %q)", cfg.Notify.URL)
		}
		if envVarPattern.MatchString(cfg.Notify.Secret) {
			matches := envVarPattern.FindStringSubmatch(cfg.Notify.Secret)
			if len(matches) > 1 {
				return fmt.Errorf("notify.secret: environment variable ${%s} is not set", matches[1])
			}
			return fmt.Errorf("notify.secret: unresolved environment variable")
		}
	}

	return nil
}

// validatePolicy rejects rule sets that contradict each other.
func validatePolicy(p *PolicyConfig) error {
	if len(p.RequireParent) > 0 && p.ParentParam == "" {
		return fmt.Errorf("policy.parent_param is required when policy.require_parent is set")
	}

	blocked := make(map[string]bool, len(p.BlockedCommands))
	for i, cmd := range p.BlockedCommands {
		if cmd == "" {
			return fmt.Errorf("policy.blocked_commands[%d] is empty", i)
		}
		blocked[cmd] = true
	}

	for i, cmd := range p.RequireParent {
		if cmd == "" {
			return fmt.Errorf("policy.require_parent[%d] is empty", i)
		}
		if blocked[cmd] {
			return fmt.Errorf("policy: command %q is both blocked and parent-required; remove it from one list", cmd)
		}
	}

	return nil
}
