package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

// CheckRange verifies that [offset, offset+size) fits within [0, total)
func CheckRange[T Number](offset, size, total T, name string) error {
	if size == 0 {
		return cerrors.Wrapf(ErrOutOfRange, "%s is empty", name)
	}
	if offset >= total || size > total-offset {
		return cerrors.Wrapf(ErrOutOfRange, "%s [%d, %d) exceeds %d", name, offset, offset+size, total)
	}
	return nil
}
