package model

import (
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// defaultPathEnv mirrors the Docker default PATH for images that don't set one.
const defaultPathEnv = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// ImageConfig is the runtime configuration record attached to an instance
// source. The runtime treats it as pass-through metadata, using entrypoint
// and cmd only as exec defaults.
type ImageConfig struct {
	Architecture string
	Env          []string
	WorkingDir   string
	Entrypoint   []string
	Cmd          []string
	User         string
}

// ImageConfigFromOCI builds an ImageConfig from an OCI image record.
func ImageConfigFromOCI(img ocispec.Image) ImageConfig {
	return ImageConfig{
		Architecture: img.Architecture,
		Env:          append([]string{}, img.Config.Env...),
		WorkingDir:   img.Config.WorkingDir,
		Entrypoint:   append([]string{}, img.Config.Entrypoint...),
		Cmd:          append([]string{}, img.Config.Cmd...),
		User:         img.Config.User,
	}
}

// EnvWithDefaults returns a copy of the image env with PATH and HOME filled
// in when the image doesn't specify them.
func (c ImageConfig) EnvWithDefaults() []string {
	env := append([]string{}, c.Env...)
	if !hasEnvKey(env, "PATH") {
		env = append(env, defaultPathEnv)
	}
	if !hasEnvKey(env, "HOME") {
		env = append(env, "HOME=/root")
	}
	return env
}

// WorkDirOrRoot returns the configured working directory, defaulting to "/".
func (c ImageConfig) WorkDirOrRoot() string {
	if c.WorkingDir == "" {
		return "/"
	}
	return c.WorkingDir
}

func hasEnvKey(env []string, key string) bool {
	prefix := key + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}
