package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// extent is one run of data bytes in a sparse file.
type extent struct {
	start int64
	end   int64
}

// nextExtent locates the data run at or after offset. done reports that no
// data remains before end of file.
func nextExtent(fd int, offset, size int64) (e extent, done bool, err error) {
	start, err := unix.Seek(fd, offset, unix.SEEK_DATA)
	if err != nil {
		if errors.Is(err, syscall.ENXIO) {
			return extent{}, true, nil
		}
		return extent{}, false, err
	}
	end, err := unix.Seek(fd, start, unix.SEEK_HOLE)
	if err != nil {
		return extent{}, false, err
	}
	if end > size {
		end = size
	}
	return extent{start: start, end: end}, false, nil
}

// CloneSparse copies src to dst, writing only data extents so holes stay
// holes and the clone allocates no more disk than the source. It returns an
// error wrapping ErrSparseUnsupported when the source filesystem cannot
// enumerate extents, so callers can fall back to a plain copy.
func CloneSparse(ctx context.Context, src, dst *os.File) error {
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}

	fd := int(src.Fd())
	if _, err := unix.Seek(fd, 0, unix.SEEK_DATA); err != nil {
		switch {
		case seekDataUnsupported(err):
			return fmt.Errorf("SEEK_DATA not supported: %w", ErrSparseUnsupported)
		case errors.Is(err, syscall.ENXIO):
			// The whole file is one hole, the size alone carries it.
			return dst.Truncate(size)
		default:
			return err
		}
	}

	buf := make([]byte, 1<<20)
	for offset := int64(0); offset < size; {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, done, err := nextExtent(fd, offset, size)
		if err != nil {
			return err
		}
		if done {
			break
		}
		if err := copyExtent(src, dst, e, buf); err != nil {
			return err
		}
		offset = e.end
	}

	// The virtual size must survive even when the tail is a hole.
	if err := dst.Truncate(size); err != nil {
		return fmt.Errorf("restore virtual size: %w", err)
	}
	return nil
}

// copyExtent copies one data extent between the files at the same offset.
func copyExtent(src, dst *os.File, e extent, buf []byte) error {
	if _, err := src.Seek(e.start, io.SeekStart); err != nil {
		return fmt.Errorf("seek source extent: %w", err)
	}
	if _, err := dst.Seek(e.start, io.SeekStart); err != nil {
		return fmt.Errorf("seek destination extent: %w", err)
	}

	remaining := e.end - e.start
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := io.ReadFull(src, buf[:chunk])
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			remaining -= int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

// DiskUsage returns the virtual size of path and the bytes actually
// allocated for it. Sparse files allocate less than they expose.
func DiskUsage(path string) (virtual, allocated int64, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	virtual = fi.Size()
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return virtual, virtual, nil
	}
	return virtual, st.Blocks * 512, nil
}

func seekDataUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOSYS) ||
		errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP)
}
