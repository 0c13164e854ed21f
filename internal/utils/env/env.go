// Package env resolves environment variable specs given on the command line
// into the map form run configurations use.
package env

import (
	"fmt"
	"os"
	"strings"
)

// ParseSpecs resolves CLI environment specs into a map. A spec is either
// "KEY=value" or a bare "KEY" inheriting the value from the host
// environment; a bare key the host does not define is an error. Later specs
// override earlier ones.
func ParseSpecs(specs []string) (map[string]string, error) {
	resolved := make(map[string]string, len(specs))
	for _, spec := range specs {
		key, value, err := resolveSpec(spec)
		if err != nil {
			return nil, err
		}
		resolved[key] = value
	}
	return resolved, nil
}

func resolveSpec(spec string) (key, value string, err error) {
	if spec == "" {
		return "", "", fmt.Errorf("environment variable spec cannot be empty")
	}

	key, value, explicit := strings.Cut(spec, "=")
	if !validKey(key) {
		return "", "", fmt.Errorf("invalid environment variable key %q", key)
	}
	if explicit {
		return key, value, nil
	}

	value, ok := os.LookupEnv(key)
	if !ok {
		return "", "", fmt.Errorf("environment variable %q is not set", key)
	}
	return key, value, nil
}

// MergeMaps overlays override on top of base without mutating either. The
// result is never nil.
func MergeMaps(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// validKey reports whether k is a portable environment variable name: a
// letter or underscore followed by letters, digits or underscores.
func validKey(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
