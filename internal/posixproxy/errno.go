package posixproxy

import (
	"errors"

	"golang.org/x/sys/unix"
)

// errnoFromError extracts the underlying errno from a wrapped syscall error,
// defaulting to EIO for errors that did not originate from a syscall (a
// decode failure, an unknown func id).
func errnoFromError(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return unix.EIO
}
