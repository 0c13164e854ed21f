//go:build !linux

package file

import (
	"context"
	"fmt"
	"os"
)

// CloneSparse needs SEEK_DATA, which this platform does not expose. Callers
// take their plain copy fallback.
func CloneSparse(_ context.Context, _, _ *os.File) error {
	return fmt.Errorf("not available on this platform: %w", ErrSparseUnsupported)
}

// DiskUsage reports allocated equal to virtual on platforms without block
// accounting.
func DiskUsage(path string) (virtual, allocated int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return fi.Size(), fi.Size(), nil
}
