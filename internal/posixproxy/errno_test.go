package posixproxy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestErrnoFromErrorExtractsWrappedErrno(t *testing.T) {
	wrapped := errors.New("open failed")
	wrapped = errors.Join(wrapped, unix.ENOENT)

	assert.Equal(t, unix.ENOENT, errnoFromError(wrapped))
}

func TestErrnoFromErrorDefaultsToEIO(t *testing.T) {
	assert.Equal(t, unix.EIO, errnoFromError(errors.New("not a syscall error")))
}
