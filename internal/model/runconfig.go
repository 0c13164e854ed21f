package model

import "fmt"

// LocalHypervisorConfig selects the in-process backend. The guest tree lives
// under RootDir on the host.
type LocalHypervisorConfig struct {
	RootDir string
}

// VMMHypervisorConfig selects the external monitor backend.
type VMMHypervisorConfig struct {
	Binary      string
	KernelImage string
	RootFSImage string
}

// RunConfig is a full run description: which hypervisor boots the guest,
// the instance spec, and the command executed inside it.
type RunConfig struct {
	Name string

	// Exactly one hypervisor must be set.
	Local *LocalHypervisorConfig
	VMM   *VMMHypervisorConfig

	Spec InstanceSpec

	Command []string
	Env     map[string]string
	Dir     string
}

// Validate validates the run configuration.
func (c *RunConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required: %w", ErrNotValid)
	}

	count := 0
	if c.Local != nil {
		count++
	}
	if c.VMM != nil {
		count++
	}
	if count != 1 {
		return fmt.Errorf("exactly one hypervisor must be configured (local or vmm): %w", ErrNotValid)
	}
	if c.VMM != nil {
		if c.VMM.KernelImage == "" {
			return fmt.Errorf("vmm kernel_image is required: %w", ErrNotValid)
		}
		if c.VMM.RootFSImage == "" {
			return fmt.Errorf("vmm rootfs_image is required: %w", ErrNotValid)
		}
	}

	return c.Spec.Validate()
}
