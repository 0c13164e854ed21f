// Package lib provides a Go SDK for running guestkit sandboxed instances
// programmatically.
//
// This package allows applications to boot isolated guest instances, execute
// commands in them, proxy their filesystem and network, and capture
// content-addressed snapshots, without shelling out to the guestkit CLI
// binary.
//
// # Quick Start
//
// Create a client, boot an instance, and execute a command:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	inst, err := client.CreateInstance(ctx, lib.InstanceSpec{
//	    Resources: lib.Resources{VCPUs: 2, MemoryMB: 1024},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close()
//
//	res, err := inst.Exec(ctx, []string{"echo", "hello"}, nil)
//
// # Backends
//
// The SDK supports two hypervisor backends:
//
//   - [BackendVMM]: Real microVMs through an external virtual machine
//     monitor. Requires KVM, a kernel image and a root filesystem image
//     with the embedded guest agent.
//   - [BackendLocal]: In-process guests rooted at a host directory. No
//     virtualization involved; intended for tests and development.
//
// # File Operations
//
// Read and write guest files through the filesystem proxy:
//
//	inst.WriteFile(ctx, "/app/config.json", data, 0o644)
//	data, err := inst.ReadFile(ctx, "/app/output.txt")
//
// # Snapshots
//
// Capture the guest tree as a content-addressed snapshot and seed new
// instances from it:
//
//	snap, _ := client.CreateSnapshot(ctx, inst, nil)
//	fresh, _ := client.CreateInstanceFromSnapshot(ctx, spec, snap.CacheKey)
//
// Identical trees always produce the same cache key, so repeated captures
// reuse stored layers instead of recreating them.
//
// # Error Handling
//
// Failures are classified with exported sentinels usable with [errors.Is]:
// [ErrNotFound], [ErrNotValid], [ErrAlreadyExists], [ErrCancelled],
// [ErrTimeout], [ErrNotRunning].
package lib
