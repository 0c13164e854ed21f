// Package file clones guest disk images efficiently. Root filesystem
// images are mostly holes, so cloning them extent by extent keeps the
// per-guest copies cheap on filesystems with SEEK_DATA support.
package file

import "errors"

// ErrSparseUnsupported reports that the source filesystem cannot enumerate
// data extents. Callers fall back to a plain copy.
var ErrSparseUnsupported = errors.New("sparse copy not supported")
