// Package authproviders holds the registry of third-party authentication
// providers a deployment accepts. Each provider contributes a validator that
// vets the auth payload posted under its name.
package authproviders

import "sync"

// Validator vets one provider payload (the value under authData.<name>).
// A nil error accepts the payload.
type Validator func(payload map[string]any) error

// Registry maps provider names to their validators. The zero value is
// unusable; use NewRegistry.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// Register installs (or replaces) the validator for a provider.
func (r *Registry) Register(name string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[name] = v
}

// Validator returns the validator for a provider, or nil if the provider is
// not supported.
func (r *Registry) Validator(name string) Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validators[name]
}
