package secrets

import (
	"context"
	"fmt"
	"strings"
)

const secretRefPrefix = "$SECRET:"

// Resolver resolves $SECRET:name references to actual values, so a
// topology file can name a credential ("$SECRET:smtp_password") without
// ever containing it.
type Resolver struct {
	store Provider
}

// NewResolver creates a new secret resolver
func NewResolver(store Provider) *Resolver {
	return &Resolver{store: store}
}

// ResolveConfig resolves all $SECRET: references among a component's
// string config values. Returns a new map; non-string values and plain
// strings pass through untouched.
func (r *Resolver) ResolveConfig(ctx context.Context, config map[string]any) (map[string]any, error) {
	if len(config) == 0 {
		return config, nil
	}

	resolved := make(map[string]any, len(config))
	for k, v := range config {
		s, ok := v.(string)
		if !ok {
			resolved[k] = v
			continue
		}
		resolvedValue, err := r.ResolveValue(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		resolved[k] = resolvedValue
	}

	return resolved, nil
}

// ResolveValue resolves a single value that may contain a $SECRET:name
// reference
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, secretRefPrefix) {
		return value, nil
	}

	secretName := strings.TrimPrefix(value, secretRefPrefix)
	if secretName == "" {
		return "", fmt.Errorf("empty secret name in reference")
	}

	secretValue, err := r.store.Get(ctx, secretName)
	if err != nil {
		return "", fmt.Errorf("get secret '%s': %w", secretName, err)
	}

	return string(secretValue), nil
}

// IsSecretRef checks if a value is a secret reference
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretRefPrefix)
}

// ExtractSecretName returns the secret name from a reference, or "" if
// value is not one
func ExtractSecretName(value string) string {
	if !IsSecretRef(value) {
		return ""
	}
	return strings.TrimPrefix(value, secretRefPrefix)
}
