package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/patchbay-dev/patchbay/internal/config"
)

// Rule names carried on violations.
const (
	RuleBlocked       = "blocked"
	RuleMissingParent = "missing_parent"
)

// Violation is an admission rejection. The relay surfaces Reason to the
// command's owner as a validation error.
type Violation struct {
	Command string
	Rule    string
	Reason  string
}

func (v *Violation) Error() string {
	return v.Reason
}

// Engine evaluates admission rules against inbound commands. Rules compile
// into lookup sets at construction; Check is two map probes on the hot path.
type Engine struct {
	blocked       map[string]struct{}
	requireParent map[string]struct{}
	parentParam   string
}

// New compiles the configured rule lists into an Engine.
func New(cfg config.PolicyConfig) *Engine {
	e := &Engine{
		blocked:       make(map[string]struct{}, len(cfg.BlockedCommands)),
		requireParent: make(map[string]struct{}, len(cfg.RequireParent)),
		parentParam:   strings.TrimSpace(cfg.ParentParam),
	}
	if e.parentParam == "" {
		e.parentParam = "parentId"
	}
	for _, cmd := range cfg.BlockedCommands {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			e.blocked[cmd] = struct{}{}
		}
	}
	for _, cmd := range cfg.RequireParent {
		if cmd = strings.TrimSpace(cmd); cmd != "" {
			e.requireParent[cmd] = struct{}{}
		}
	}
	return e
}

// Check admits or rejects a command before it is queued. A nil return means
// the command may proceed.
func (e *Engine) Check(command string, params map[string]any) error {
	if _, ok := e.blocked[command]; ok {
		return &Violation{
			Command: command,
			Rule:    RuleBlocked,
			Reason: fmt.Sprintf(
				"command %q mutates shared client state and is not allowed; pass explicit node ids as parameters instead",
				command),
		}
	}

	if _, ok := e.requireParent[command]; ok {
		if !hasNonEmptyString(params, e.parentParam) {
			return &Violation{
				Command: command,
				Rule:    RuleMissingParent,
				Reason: fmt.Sprintf(
					"command %q requires a non-empty %q parameter naming the container to create into",
					command, e.parentParam),
			}
		}
	}

	return nil
}

// ParentParam returns the parameter name creation commands must carry.
func (e *Engine) ParentParam() string {
	return e.parentParam
}

// BlockedCommands returns the blocklist, sorted for stable display.
func (e *Engine) BlockedCommands() []string {
	return sortedKeys(e.blocked)
}

// RequireParentCommands returns the parent-required list, sorted.
func (e *Engine) RequireParentCommands() []string {
	return sortedKeys(e.requireParent)
}

func hasNonEmptyString(params map[string]any, key string) bool {
	raw, ok := params[key]
	if !ok {
		return false
	}
	s, ok := raw.(string)
	return ok && strings.TrimSpace(s) != ""
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
