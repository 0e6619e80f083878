// Package secrets supplies named secret values from an enumerated key
// set. Keys are declared up front; values come from the environment
// and are handed only to callers that pass a secrets_read policy
// check. Nothing in this package logs a secret value.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/haasonsaas/warden/internal/policy"
)

var (
	// ErrUnknownKey means the key was never enumerated.
	ErrUnknownKey = errors.New("unknown secret key")

	// ErrNotSet means the key is enumerated but has no value.
	ErrNotSet = errors.New("secret not set")
)

// Source provides secret values by key.
type Source interface {
	// Read returns the value for an enumerated key.
	Read(key string) (string, error)

	// Keys lists the enumerated key names, sorted. Names only, never
	// values.
	Keys() []string
}

// envPrefix maps a key to its environment variable:
// "github_token" reads WARDEN_SECRET_GITHUB_TOKEN.
const envPrefix = "WARDEN_SECRET_"

// EnvSource reads enumerated keys from the process environment.
type EnvSource struct {
	keys   map[string]bool
	lookup func(string) (string, bool)
}

// NewEnvSource enumerates the allowed keys. Keys not in the list are
// unknown regardless of what the environment holds.
func NewEnvSource(keys []string) *EnvSource {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = true
		}
	}
	return &EnvSource{keys: allowed, lookup: os.LookupEnv}
}

func (s *EnvSource) Read(key string) (string, error) {
	if !s.keys[key] {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	value, ok := s.lookup(envPrefix + strings.ToUpper(key))
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotSet, key)
	}
	return value, nil
}

func (s *EnvSource) Keys() []string {
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolver gates every secret read behind the policy engine. The
// engine's secrets_read rules and the source's enumeration must both
// allow the key.
type Resolver struct {
	source Source
	engine *policy.Engine
}

func NewResolver(source Source, engine *policy.Engine) *Resolver {
	return &Resolver{source: source, engine: engine}
}

// Resolve returns the value for key on behalf of requester. A policy
// denial is an error; the value never appears in the error text.
func (r *Resolver) Resolve(requester, key string) (string, error) {
	req := policy.SecretsRead(key)
	req.Tool = requester
	decision := r.engine.Check(req)
	if !decision.Allowed {
		return "", fmt.Errorf("secrets_read denied for %q: %s", key, decision.Reason)
	}
	return r.source.Read(key)
}

// refPrefix marks a secret reference in configuration values.
const refPrefix = "secret:"

// ExpandEnv resolves "secret:<key>" references in a server environment
// map. Plain values pass through untouched. The requester name scopes
// the policy check to the server asking for the secret.
func ExpandEnv(env map[string]string, resolver *Resolver, requester string) (map[string]string, error) {
	if len(env) == 0 {
		return env, nil
	}
	expanded := make(map[string]string, len(env))
	for name, value := range env {
		if !strings.HasPrefix(value, refPrefix) {
			expanded[name] = value
			continue
		}
		key := strings.TrimPrefix(value, refPrefix)
		resolved, err := resolver.Resolve(requester, key)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", name, err)
		}
		expanded[name] = resolved
	}
	return expanded, nil
}
