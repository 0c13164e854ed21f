package io

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guestkit/guestkit/internal/model"
)

func TestRunConfigYAMLRepository_GetRunConfig(t *testing.T) {
	tests := map[string]struct {
		fs     fstest.MapFS
		path   string
		expCfg model.RunConfig
		expErr bool
		errMsg string
	}{
		"Valid local run config should load successfully": {
			fs: fstest.MapFS{
				"run.yaml": &fstest.MapFile{
					Data: []byte(`name: dev
hypervisor:
  local: {}
resources:
  vcpus: 2
  memory_mb: 512
command: ["echo", "hello"]
`),
				},
			},
			path: "run.yaml",
			expCfg: model.RunConfig{
				Name:  "dev",
				Local: &model.LocalHypervisorConfig{},
				Spec: model.InstanceSpec{
					Resources: model.Resources{VCPUs: 2, MemoryMB: 512},
				},
				Command: []string{"echo", "hello"},
			},
			expErr: false,
		},
		"Valid vmm run config with mounts and timeout should load successfully": {
			fs: fstest.MapFS{
				"run.yaml": &fstest.MapFile{
					Data: []byte(`name: build
hypervisor:
  vmm:
    binary: /usr/bin/cloud-hypervisor
    kernel_image: /images/vmlinux
    rootfs_image: /images/rootfs.img
resources:
  vcpus: 4
  memory_mb: 2048
mounts:
  - tag: work
    host_path: /home/dev/project
    writable: true
user: "1000:1000"
timeout: 30m
env:
  CI: "true"
`),
				},
			},
			path: "run.yaml",
			expCfg: model.RunConfig{
				Name: "build",
				VMM: &model.VMMHypervisorConfig{
					Binary:      "/usr/bin/cloud-hypervisor",
					KernelImage: "/images/vmlinux",
					RootFSImage: "/images/rootfs.img",
				},
				Spec: model.InstanceSpec{
					Resources: model.Resources{VCPUs: 4, MemoryMB: 2048},
					Mounts:    []model.Mount{{Tag: "work", HostPath: "/home/dev/project", Writable: true}},
					User:      "1000:1000",
					Timeout:   30 * time.Minute,
				},
				Env: map[string]string{"CI": "true"},
			},
			expErr: false,
		},
		"Config without a hypervisor should return error": {
			fs: fstest.MapFS{
				"run.yaml": &fstest.MapFile{
					Data: []byte(`name: dev
resources:
  vcpus: 1
  memory_mb: 128
`),
				},
			},
			path:   "run.yaml",
			expErr: true,
			errMsg: "exactly one hypervisor",
		},
		"Config with both hypervisors should return error": {
			fs: fstest.MapFS{
				"run.yaml": &fstest.MapFile{
					Data: []byte(`name: dev
hypervisor:
  local: {}
  vmm:
    kernel_image: /images/vmlinux
    rootfs_image: /images/rootfs.img
resources:
  vcpus: 1
  memory_mb: 128
`),
				},
			},
			path:   "run.yaml",
			expErr: true,
			errMsg: "exactly one hypervisor",
		},
		"Config with bad timeout should return error": {
			fs: fstest.MapFS{
				"run.yaml": &fstest.MapFile{
					Data: []byte(`name: dev
hypervisor:
  local: {}
resources:
  vcpus: 1
  memory_mb: 128
timeout: soon
`),
				},
			},
			path:   "run.yaml",
			expErr: true,
			errMsg: "timeout",
		},
		"Missing file should return error": {
			fs:     fstest.MapFS{},
			path:   "nonexistent.yaml",
			expErr: true,
			errMsg: "reading config file",
		},
		"Invalid YAML should return error": {
			fs: fstest.MapFS{
				"invalid.yaml": &fstest.MapFile{
					Data: []byte(`invalid: yaml: content: {}`),
				},
			},
			path:   "invalid.yaml",
			expErr: true,
			errMsg: "parsing YAML",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			repo := NewRunConfigYAMLRepository(tc.fs)
			cfg, err := repo.GetRunConfig(context.Background(), tc.path)

			if tc.expErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errMsg)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expCfg, cfg)
		})
	}
}

func TestRunConfigYAMLRepository_GetRunConfig_ContextCancellation(t *testing.T) {
	fs := fstest.MapFS{
		"run.yaml": &fstest.MapFile{
			Data: []byte(`name: dev
hypervisor:
  local: {}
resources:
  vcpus: 1
  memory_mb: 128
`),
		},
	}

	repo := NewRunConfigYAMLRepository(fs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	_, err := repo.GetRunConfig(ctx, "run.yaml")
	require.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}
