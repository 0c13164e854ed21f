package io

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guestkit/guestkit/internal/model"
)

// RunConfigYAMLRepository loads run configurations from YAML files.
type RunConfigYAMLRepository struct {
	fs fs.FS
}

// NewRunConfigYAMLRepository creates a new YAML run config repository.
func NewRunConfigYAMLRepository(filesystem fs.FS) *RunConfigYAMLRepository {
	return &RunConfigYAMLRepository{fs: filesystem}
}

// GetRunConfig loads a run configuration from a YAML file and returns a
// validated domain model.
func (r *RunConfigYAMLRepository) GetRunConfig(ctx context.Context, path string) (model.RunConfig, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.RunConfig{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.RunConfig{}, ctx.Err()
	}

	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.RunConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}

	m, err := cfg.toModel()
	if err != nil {
		return model.RunConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := m.Validate(); err != nil {
		return model.RunConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return m, nil
}

// RunConfig represents the YAML structure for a run configuration.
type RunConfig struct {
	Name       string            `yaml:"name"`
	Hypervisor HypervisorConfig  `yaml:"hypervisor"`
	Resources  ResourcesConfig   `yaml:"resources"`
	Mounts     []MountConfig     `yaml:"mounts"`
	User       string            `yaml:"user"`
	Timeout    string            `yaml:"timeout"`
	Command    []string          `yaml:"command"`
	Env        map[string]string `yaml:"env"`
	Dir        string            `yaml:"dir"`
}

// HypervisorConfig represents the YAML structure for hypervisor selection.
type HypervisorConfig struct {
	Local *LocalHypervisorConfig `yaml:"local,omitempty"`
	VMM   *VMMHypervisorConfig   `yaml:"vmm,omitempty"`
}

// LocalHypervisorConfig represents the YAML structure for the local backend.
type LocalHypervisorConfig struct {
	RootDir string `yaml:"root_dir"`
}

// VMMHypervisorConfig represents the YAML structure for the vmm backend.
type VMMHypervisorConfig struct {
	Binary      string `yaml:"binary"`
	KernelImage string `yaml:"kernel_image"`
	RootFSImage string `yaml:"rootfs_image"`
}

// MountConfig represents the YAML structure for a mount.
type MountConfig struct {
	Tag      string `yaml:"tag"`
	HostPath string `yaml:"host_path"`
	Writable bool   `yaml:"writable"`
}

// ResourcesConfig represents the YAML structure for resource configuration.
type ResourcesConfig struct {
	VCPUs    int `yaml:"vcpus"`
	MemoryMB int `yaml:"memory_mb"`
}

func (c RunConfig) toModel() (model.RunConfig, error) {
	var timeout time.Duration
	if c.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(c.Timeout)
		if err != nil {
			return model.RunConfig{}, fmt.Errorf("timeout: %w", err)
		}
	}

	cfg := model.RunConfig{
		Name: c.Name,
		Spec: model.InstanceSpec{
			Resources: model.Resources{
				VCPUs:    c.Resources.VCPUs,
				MemoryMB: c.Resources.MemoryMB,
			},
			User:    c.User,
			Timeout: timeout,
		},
		Command: c.Command,
		Env:     c.Env,
		Dir:     c.Dir,
	}

	for _, m := range c.Mounts {
		cfg.Spec.Mounts = append(cfg.Spec.Mounts, model.Mount{
			Tag:      m.Tag,
			HostPath: m.HostPath,
			Writable: m.Writable,
		})
	}

	if c.Hypervisor.Local != nil {
		cfg.Local = &model.LocalHypervisorConfig{
			RootDir: c.Hypervisor.Local.RootDir,
		}
	}
	if c.Hypervisor.VMM != nil {
		cfg.VMM = &model.VMMHypervisorConfig{
			Binary:      c.Hypervisor.VMM.Binary,
			KernelImage: c.Hypervisor.VMM.KernelImage,
			RootFSImage: c.Hypervisor.VMM.RootFSImage,
		}
	}

	return cfg, nil
}
