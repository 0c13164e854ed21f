package env_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/utils/env"
)

func TestParseSpecs(t *testing.T) {
	t.Setenv("FROM_HOST", "host-value")

	tests := map[string]struct {
		specs  []string
		expEnv map[string]string
		expErr bool
	}{
		"KEY=VALUE should parse": {
			specs:  []string{"FOO=bar"},
			expEnv: map[string]string{"FOO": "bar"},
		},
		"KEY should inherit from host": {
			specs:  []string{"FROM_HOST"},
			expEnv: map[string]string{"FROM_HOST": "host-value"},
		},
		"Later entries should override earlier ones": {
			specs:  []string{"FOO=one", "FOO=two"},
			expEnv: map[string]string{"FOO": "two"},
		},
		"Missing inherited var should fail": {
			specs:  []string{"DOES_NOT_EXIST"},
			expErr: true,
		},
		"Invalid key should fail": {
			specs:  []string{"1INVALID=value"},
			expErr: true,
		},
		"Empty spec should fail": {
			specs:  []string{""},
			expErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := env.ParseSpecs(tc.specs)

			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expEnv, got)
		})
	}
}

func TestMergeMaps(t *testing.T) {
	tests := map[string]struct {
		base     map[string]string
		override map[string]string
		expEnv   map[string]string
	}{
		"Override entries should win over base ones": {
			base:     map[string]string{"FOO": "base", "KEEP": "yes"},
			override: map[string]string{"FOO": "override"},
			expEnv:   map[string]string{"FOO": "override", "KEEP": "yes"},
		},
		"Empty maps should merge into an empty map": {
			expEnv: map[string]string{},
		},
		"Nil base should take all override entries": {
			override: map[string]string{"FOO": "bar"},
			expEnv:   map[string]string{"FOO": "bar"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := env.MergeMaps(tc.base, tc.override)
			assert.Equal(t, tc.expEnv, got)
		})
	}
}
