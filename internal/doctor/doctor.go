// Package doctor runs preflight checks over a loaded configuration and the
// host environment before the relay is started.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/patchbay-dev/patchbay/internal/config"
	"github.com/patchbay-dev/patchbay/internal/storage"
)

// Result holds the outcome of a preflight run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single preflight error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration against the environment it will run in.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkDataDir(r)
	d.checkListener(r)
	d.checkHistoryStorage(r)
	d.checkPolicy(r)
	d.checkNotify(r)
	d.checkIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkDataDir verifies the data directory exists (or can appear) and is
// writable, since the pid lock and history database land there.
func (d *Doctor) checkDataDir(r *Result) {
	dir := d.cfg.Service.DataDir
	if dir == "" {
		d.addError(r, "service", "service.data_dir", "data_dir is required")
		return
	}

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "service", "service.data_dir",
			fmt.Sprintf("data_dir %q does not exist yet; it will be created on start", dir))
		return
	case err != nil:
		d.addError(r, "service", "service.data_dir",
			fmt.Sprintf("cannot stat data_dir %q: %v", dir, err))
		return
	case !info.IsDir():
		d.addError(r, "service", "service.data_dir",
			fmt.Sprintf("data_dir %q exists but is not a directory", dir))
		return
	}

	probe, err := os.CreateTemp(dir, ".doctor-probe-*")
	if err != nil {
		d.addError(r, "service", "service.data_dir",
			fmt.Sprintf("data_dir %q is not writable: %v", dir, err))
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
}

// checkListener flags listen addresses that expose the unauthenticated
// relay beyond loopback.
func (d *Doctor) checkListener(r *Result) {
	listen := d.cfg.API.Listen
	if listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required")
		return
	}

	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		d.addError(r, "api", "api.listen",
			fmt.Sprintf("api.listen %q is not host:port: %v", listen, err))
		return
	}

	if isLoopbackHost(host) {
		return
	}

	d.addWarning(r, "api", "api.listen",
		fmt.Sprintf("listen address %q is reachable beyond loopback; the WebSocket relay accepts connections without authentication", listen))
	if d.cfg.API.AdminToken == "" {
		d.addWarning(r, "api", "api.admin_token",
			"reporting API has no admin_token while listening beyond loopback")
	}
}

// checkHistoryStorage validates the SQLite location when history is enabled.
func (d *Doctor) checkHistoryStorage(r *Result) {
	if !d.cfg.History.Enabled {
		return
	}

	path := d.cfg.HistoryPath()
	if err := storage.CheckLocalFilesystem(path); err != nil {
		d.addError(r, "history", "history.path", err.Error())
	}

	if d.cfg.History.Retention == 0 {
		d.addWarning(r, "history", "history.retention",
			"retention is 0; command records are never purged")
	}
}

// checkPolicy mirrors the loader's policy validation as structured issues
// and flags empty rule sets worth knowing about.
func (d *Doctor) checkPolicy(r *Result) {
	p := d.cfg.Policy

	blocked := make(map[string]bool, len(p.BlockedCommands))
	for i, cmd := range p.BlockedCommands {
		if cmd == "" {
			d.addError(r, "policy", fmt.Sprintf("policy.blocked_commands[%d]", i), "empty command name")
			continue
		}
		blocked[cmd] = true
	}
	for i, cmd := range p.RequireParent {
		if cmd == "" {
			d.addError(r, "policy", fmt.Sprintf("policy.require_parent[%d]", i), "empty command name")
			continue
		}
		if blocked[cmd] {
			d.addError(r, "policy", fmt.Sprintf("policy.require_parent[%d]", i),
				fmt.Sprintf("command %q is both blocked and parent-required; remove it from one list", cmd))
		}
	}

	if len(p.RequireParent) > 0 && p.ParentParam == "" {
		d.addError(r, "policy", "policy.parent_param",
			"parent_param is required when require_parent is set")
	}

	if len(p.BlockedCommands) == 0 {
		d.addWarning(r, "policy", "policy.blocked_commands",
			"no commands are blocked; ambient state mutations will pass through to the target")
	}
}

// checkNotify validates the optional webhook notifier settings.
func (d *Doctor) checkNotify(r *Result) {
	n := d.cfg.Notify
	if n == nil {
		return
	}

	u, err := url.Parse(n.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		d.addError(r, "notify", "notify.url",
			fmt.Sprintf("notify.url %q must be an http(s) URL", n.URL))
		return
	}

	if n.Secret == "" {
		d.addWarning(r, "notify", "notify.secret",
			"no secret configured; webhook deliveries will be unsigned")
	} else if m := envVarRe.FindStringSubmatch(n.Secret); m != nil && os.Getenv(m[1]) == "" {
		d.addWarning(r, "notify", "notify.secret",
			fmt.Sprintf("environment variable ${%s} not set", m[1]))
	}

	if u.Scheme == "http" && !isLoopbackHost(u.Hostname()) {
		d.addWarning(r, "notify", "notify.url",
			fmt.Sprintf("webhook endpoint %q is plain http beyond loopback; signed bodies travel unencrypted", n.URL))
	}
}

// checkIntegrity verifies the .checksums manifest when the config came from
// a file and a manifest exists.
func (d *Doctor) checkIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}

	files, err := config.AllConfigFiles(d.cfg.SourcePath)
	if err != nil {
		d.addWarning(r, "integrity", "",
			fmt.Sprintf("cannot enumerate config files: %v", err))
		return
	}

	result, err := config.VerifyIntegrity(d.cfg.ConfigDir, files)
	if err != nil {
		d.addWarning(r, "integrity", "", fmt.Sprintf("integrity check failed: %v", err))
		return
	}
	for _, w := range result.Warnings {
		d.addWarning(r, "integrity", "", w)
	}
	for _, e := range result.Errors {
		d.addError(r, "integrity", "", e)
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable preflight report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	}
	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
