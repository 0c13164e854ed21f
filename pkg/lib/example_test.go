package lib_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/guestkit/guestkit/pkg/lib"
)

// This example shows how to create a client using the local backend for testing.
func Example_testing() {
	ctx := context.Background()

	// Use a temp directory and the local backend for testing.
	dir, err := os.MkdirTemp("", "guestkit-example-test-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	client, err := lib.New(ctx, lib.Config{
		DataDir: dir,
		DBPath:  filepath.Join(dir, "guestkit.db"),
		Backend: lib.BackendLocal,
	})
	if err != nil {
		panic(err)
	}
	defer client.Close()

	inst, err := client.CreateInstance(ctx, lib.InstanceSpec{
		Resources: lib.Resources{VCPUs: 1, MemoryMB: 128},
	})
	if err != nil {
		panic(err)
	}
	defer inst.Close()

	res, err := inst.Exec(ctx, []string{"echo", "hello from the guest"}, nil)
	if err != nil {
		panic(err)
	}

	fmt.Printf("exit=%d output=%s", res.ExitCode, res.Stdout)

	// Output:
	// exit=0 output=hello from the guest
}

// This example shows capturing a snapshot and booting a new instance from it.
func Example_snapshots() {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "guestkit-example-snap-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	client, err := lib.New(ctx, lib.Config{
		DataDir: dir,
		DBPath:  filepath.Join(dir, "guestkit.db"),
		Backend: lib.BackendLocal,
	})
	if err != nil {
		panic(err)
	}
	defer client.Close()

	spec := lib.InstanceSpec{Resources: lib.Resources{VCPUs: 1, MemoryMB: 128}}

	inst, err := client.CreateInstance(ctx, spec)
	if err != nil {
		panic(err)
	}
	defer inst.Close()

	err = inst.WriteFile(ctx, "/state.txt", []byte("warm"), 0o644)
	if err != nil {
		panic(err)
	}

	snap, err := client.CreateSnapshot(ctx, inst, nil)
	if err != nil {
		panic(err)
	}

	// A fresh instance seeded from the snapshot sees the captured tree.
	fresh, err := client.CreateInstanceFromSnapshot(ctx, spec, snap.CacheKey)
	if err != nil {
		panic(err)
	}
	defer fresh.Close()

	data, err := fresh.ReadFile(ctx, "/state.txt")
	if err != nil {
		panic(err)
	}

	fmt.Printf("restored: %s\n", data)

	// Output:
	// restored: warm
}

// This example shows classifying failures with the exported sentinels.
func Example_errorHandling() {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "guestkit-example-err-*")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(dir)

	client, err := lib.New(ctx, lib.Config{
		DataDir: dir,
		DBPath:  filepath.Join(dir, "guestkit.db"),
		Backend: lib.BackendLocal,
	})
	if err != nil {
		panic(err)
	}
	defer client.Close()

	inst, err := client.CreateInstance(ctx, lib.InstanceSpec{
		Resources: lib.Resources{VCPUs: 1, MemoryMB: 128},
	})
	if err != nil {
		panic(err)
	}
	defer inst.Close()

	_, err = inst.ReadFile(ctx, "/does/not/exist")
	if errors.Is(err, lib.ErrNotFound) {
		fmt.Println("file not found")
	}

	// Output:
	// file not found
}
