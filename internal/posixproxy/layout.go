package posixproxy

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// encodeStat flattens the fields of a stat result a TEE caller actually
// consumes into a fixed little-endian layout: mode, size, mtime, uid, gid.
// It deliberately does not mirror unix.Stat_t's platform-specific padding.
func encodeStat(st *unix.Stat_t) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint32(buf[0:4], st.Mode)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(st.Size))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(st.Mtim.Sec))
	binary.LittleEndian.PutUint32(buf[24:28], st.Uid)
	binary.LittleEndian.PutUint32(buf[28:32], st.Gid)

	return buf
}

// flockLayoutSize covers struct flock's fields the proxy round-trips for
// F_GETLK/F_SETLK: type, whence, start, len, pid.
const flockLayoutSize = 24

func decodeFlock(buf []byte) (*unix.Flock_t, error) {
	if len(buf) < flockLayoutSize {
		return nil, errShortFlock
	}

	return &unix.Flock_t{
		Type:   int16(binary.LittleEndian.Uint16(buf[0:2])),
		Whence: int16(binary.LittleEndian.Uint16(buf[2:4])),
		Start:  int64(binary.LittleEndian.Uint64(buf[4:12])),
		Len:    int64(binary.LittleEndian.Uint64(buf[12:20])),
		Pid:    int32(binary.LittleEndian.Uint32(buf[20:24])),
	}, nil
}

func encodeFlock(lock *unix.Flock_t) []byte {
	buf := make([]byte, flockLayoutSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(lock.Type))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(lock.Whence))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(lock.Start))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(lock.Len))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(lock.Pid))

	return buf
}

var errShortFlock = errors.New("posixproxy: flock buffer too short")
