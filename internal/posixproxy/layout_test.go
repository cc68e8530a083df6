package posixproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestEncodeStatLayout(t *testing.T) {
	st := &unix.Stat_t{Mode: 0o100644, Size: 4096, Uid: 1000, Gid: 1000}
	st.Mtim.Sec = 1700000000

	buf := encodeStat(st)
	require.Len(t, buf, 40)

	assert.Equal(t, uint32(0o100644), littleUint32(buf[0:4]))
	assert.Equal(t, uint64(4096), littleUint64(buf[8:16]))
	assert.Equal(t, uint64(1700000000), littleUint64(buf[16:24]))
	assert.Equal(t, uint32(1000), littleUint32(buf[24:28]))
	assert.Equal(t, uint32(1000), littleUint32(buf[28:32]))
}

func TestFlockEncodeDecodeRoundTrip(t *testing.T) {
	lock := &unix.Flock_t{Type: unix.F_RDLCK, Whence: 0, Start: 10, Len: 20, Pid: 999}

	buf := encodeFlock(lock)
	got, err := decodeFlock(buf)
	require.NoError(t, err)

	assert.Equal(t, lock.Type, got.Type)
	assert.Equal(t, lock.Whence, got.Whence)
	assert.Equal(t, lock.Start, got.Start)
	assert.Equal(t, lock.Len, got.Len)
	assert.Equal(t, lock.Pid, got.Pid)
}

func TestDecodeFlockRejectsShortBuffer(t *testing.T) {
	_, err := decodeFlock(make([]byte, flockLayoutSize-1))
	assert.ErrorIs(t, err, errShortFlock)
}

func littleUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func littleUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
