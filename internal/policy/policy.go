// Package policy implements the capability policy engine.
//
// Core principle: all side effects require an explicit capability. The
// engine evaluates capability requests against declarative allow/deny
// rules and never performs side effects of its own; callers are
// responsible for logging every decision.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CapabilityKind identifies a class of side effect. The set is closed:
// unknown kinds deny by construction.
type CapabilityKind string

const (
	CapabilityFsRead      CapabilityKind = "fs_read"
	CapabilityFsWrite     CapabilityKind = "fs_write"
	CapabilityNetHTTP     CapabilityKind = "net_http"
	CapabilityExec        CapabilityKind = "exec"
	CapabilitySecretsRead CapabilityKind = "secrets_read"
)

// Known reports whether k is a member of the closed capability set.
func (k CapabilityKind) Known() bool {
	switch k {
	case CapabilityFsRead, CapabilityFsWrite, CapabilityNetHTTP, CapabilityExec, CapabilitySecretsRead:
		return true
	}
	return false
}

// CapabilityRequest is a transient request to perform one side effect.
// It is constructed per check and never persisted beyond its logged
// decision.
type CapabilityRequest struct {
	Kind   CapabilityKind `json:"kind"`
	Target string         `json:"target"` // path, domain, command, or secret key
	Tool   string         `json:"tool,omitempty"`
}

// FsRead builds a filesystem read request.
func FsRead(path string) CapabilityRequest {
	return CapabilityRequest{Kind: CapabilityFsRead, Target: path}
}

// FsWrite builds a filesystem write request.
func FsWrite(path string) CapabilityRequest {
	return CapabilityRequest{Kind: CapabilityFsWrite, Target: path}
}

// NetHTTP builds a network request for the given domain.
func NetHTTP(domain string) CapabilityRequest {
	return CapabilityRequest{Kind: CapabilityNetHTTP, Target: domain}
}

// Exec builds a command execution request.
func Exec(command string) CapabilityRequest {
	return CapabilityRequest{Kind: CapabilityExec, Target: command}
}

// SecretsRead builds a secret read request for the given key.
func SecretsRead(key string) CapabilityRequest {
	return CapabilityRequest{Kind: CapabilitySecretsRead, Target: key}
}

// Decision is the outcome of a capability check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the affirmative decision.
var Allow = Decision{Allowed: true}

// Deny builds a denial with the given reason.
func Deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Rules declares the allowlists for every capability kind. Loaded once
// and treated as immutable for the lifetime of a session; the engine
// copies nothing and must not be mutated after construction.
type Rules struct {
	// FsReadRoots and FsWriteRoots are directory roots. A path is allowed
	// iff, after canonicalization, it lies within one of the roots.
	FsReadRoots  []string `yaml:"fs_read"`
	FsWriteRoots []string `yaml:"fs_write"`

	// NetDomains allows a domain and all of its subdomains. Empty denies all.
	NetDomains []string `yaml:"net_http"`

	// ExecCommands allows a command by its argv[0] or exact command line
	// prefix ("git" allows "git status"). Default deny.
	ExecCommands []string `yaml:"exec"`

	// SecretKeys enumerates readable secret keys. No wildcard.
	SecretKeys []string `yaml:"secrets_read"`

	// AllowExec is the hard override: when false every exec request is
	// denied regardless of ExecCommands.
	AllowExec bool `yaml:"allow_exec"`

	// DenyKinds denies every request of the listed kinds, overriding allows.
	DenyKinds []CapabilityKind `yaml:"deny"`
}

// Restrictive returns the default policy: filesystem access under the
// given workspace root only, everything else denied.
func Restrictive(workspaceRoot string) Rules {
	return Rules{
		FsReadRoots:  []string{workspaceRoot},
		FsWriteRoots: []string{workspaceRoot},
		AllowExec:    false,
	}
}

// Engine evaluates capability requests. Check is a pure function of the
// rules and the request: it has no side effects and never errors.
type Engine struct {
	rules     Rules
	denyKinds map[CapabilityKind]bool

	// canonical roots resolved at construction time
	readRoots  []string
	writeRoots []string
}

// NewEngine builds an engine from an immutable rule set. Root paths are
// canonicalized once here so that Check stays cheap and deterministic.
func NewEngine(rules Rules) *Engine {
	e := &Engine{
		rules:     rules,
		denyKinds: make(map[CapabilityKind]bool, len(rules.DenyKinds)),
	}
	for _, k := range rules.DenyKinds {
		e.denyKinds[k] = true
	}
	e.readRoots = canonicalRoots(rules.FsReadRoots)
	e.writeRoots = canonicalRoots(rules.FsWriteRoots)
	return e
}

// Check evaluates a capability request against the policy.
func (e *Engine) Check(req CapabilityRequest) Decision {
	if !req.Kind.Known() {
		return Deny("unknown capability kind %q", req.Kind)
	}
	if e.denyKinds[req.Kind] {
		return Deny("%s is denied by policy", req.Kind)
	}

	switch req.Kind {
	case CapabilityFsRead:
		return checkPath(e.readRoots, req.Target, req.Kind)
	case CapabilityFsWrite:
		return checkPath(e.writeRoots, req.Target, req.Kind)
	case CapabilityNetHTTP:
		return checkDomain(e.rules.NetDomains, req.Target)
	case CapabilityExec:
		if !e.rules.AllowExec {
			return Deny("exec is disabled (allow_exec=false)")
		}
		return checkCommand(e.rules.ExecCommands, req.Target)
	case CapabilitySecretsRead:
		return checkSecret(e.rules.SecretKeys, req.Target)
	}
	return Deny("unknown capability kind %q", req.Kind)
}

// canonicalRoots resolves each configured root to an absolute,
// symlink-free path. Roots that cannot be resolved are dropped, which
// fails closed.
func canonicalRoots(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		c, err := canonicalize(r)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// canonicalize resolves a path to its absolute, symlink-free form. For
// paths that do not exist yet (fs_write targets), symlinks are resolved
// on the nearest existing ancestor and the remaining components are
// appended lexically.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Walk up to the nearest existing ancestor, resolve it, then re-append
	// the missing suffix.
	dir := abs
	var suffix []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		suffix = append([]string{filepath.Base(dir)}, suffix...)
		dir = parent
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}
}

func checkPath(roots []string, target string, kind CapabilityKind) Decision {
	if target == "" {
		return Deny("%s requires a target path", kind)
	}
	if len(roots) == 0 {
		return Deny("no %s roots configured", kind)
	}

	// Canonicalize before comparing so that symlink escapes resolve to a
	// deny rather than an allow.
	resolved, err := canonicalize(target)
	if err != nil {
		return Deny("cannot resolve path %q: %v", target, err)
	}

	for _, root := range roots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return Allow
		}
	}
	return Deny("path %q is outside every configured %s root", target, kind)
}

func checkDomain(allowed []string, target string) Decision {
	if target == "" {
		return Deny("net_http requires a target domain")
	}
	if len(allowed) == 0 {
		return Deny("network access is denied (empty domain allowlist)")
	}

	domain := strings.ToLower(strings.TrimSuffix(target, "."))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSuffix(a, "."))
		if domain == a || strings.HasSuffix(domain, "."+a) {
			return Allow
		}
	}
	return Deny("domain %q is not allowlisted", target)
}

func checkCommand(allowed []string, target string) Decision {
	if target == "" {
		return Deny("exec requires a target command")
	}
	for _, a := range allowed {
		if target == a || strings.HasPrefix(target, a+" ") {
			return Allow
		}
	}
	return Deny("command %q is not in the exec allowlist", target)
}

func checkSecret(keys []string, target string) Decision {
	if target == "" {
		return Deny("secrets_read requires a key")
	}
	for _, k := range keys {
		if target == k {
			return Allow
		}
	}
	return Deny("secret key %q is not enumerated", target)
}
