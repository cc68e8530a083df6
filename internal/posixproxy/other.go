package posixproxy

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/opentee/teec/internal/posixproxy/pkgstore"
	"github.com/opentee/teec/internal/serialize"
)

const (
	otherEpollCreate uint32 = iota
	otherEpollCtl
	otherEpollWait
	otherSelect
	otherEventfd
	otherPoll
	otherIoctl
	otherGetrlimit
	otherPkgSend
	otherPkgRecv
	otherPkgTerminate
)

// ioctlWhitelist bounds which ioctl request codes the proxy will forward,
// mirroring the SIOCGIF*/FIO* subset a network-configuration TA legitimately
// needs.
var ioctlWhitelist = map[uint64]bool{
	unix.SIOCGIFCONF:  true,
	unix.SIOCGIFFLAGS: true,
	unix.SIOCGIFADDR:  true,
	unix.SIOCGIFNETMASK: true,
	unix.SIOCGIFHWADDR: true,
	unix.FIONREAD:      true,
	unix.FIONBIO:       true,
}

func registerOtherTable(d *Dispatcher) {
	d.register(TableOther, otherEpollCreate, 1, handleEpollCreate)
	d.register(TableOther, otherEpollCtl, 4, handleEpollCtl)
	d.register(TableOther, otherEpollWait, 3, handleEpollWait)
	d.register(TableOther, otherSelect, 2, handleSelect)
	d.register(TableOther, otherEventfd, 2, handleEventfd)
	d.register(TableOther, otherPoll, 2, handlePoll)
	d.register(TableOther, otherIoctl, 3, handleIoctl)
	d.register(TableOther, otherGetrlimit, 1, handleGetrlimit)
	d.register(TableOther, otherPkgSend, 3, handlePkgSend(d.pkgs))
	d.register(TableOther, otherPkgRecv, 2, handlePkgRecv(d.pkgs))
	d.register(TableOther, otherPkgTerminate, 2, handlePkgTerminate(d.pkgs))
}

func handleEpollCreate(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	flags, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	fd, err := unix.EpollCreate1(int(flags))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(fd)), nil
}

func handleEpollCtl(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	epfd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	op, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	fd, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	eventsBuf, err := serialize.ExpectPointer(args, 3)
	if err != nil {
		return errno2(err)
	}

	ev := unix.EpollEvent{}
	if len(eventsBuf) >= 4 {
		ev.Events = binary.LittleEndian.Uint32(eventsBuf[0:4])
	}

	ev.Fd = int32(fd)

	if err := unix.EpollCtl(int(epfd), int(op), int(fd), &ev); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleEpollWait(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	epfd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	resultBuf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	timeoutMS, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	maxEvents := len(resultBuf) / 12
	if maxEvents == 0 {
		return errno2(unix.EINVAL)
	}

	events := make([]unix.EpollEvent, maxEvents)

	n, err := unix.EpollWait(int(epfd), events, int(timeoutMS))
	if err != nil {
		return errno2(err)
	}

	for i := 0; i < n; i++ {
		off := i * 12
		binary.LittleEndian.PutUint32(resultBuf[off:off+4], events[i].Events)
		binary.LittleEndian.PutUint32(resultBuf[off+4:off+8], uint32(events[i].Fd))
	}

	return ok2(int64(n)), nil
}

func handleSelect(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	nfds, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	timeoutMS, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	tv := unix.NsecToTimeval(timeoutMS * 1_000_000)

	// The proxy limits itself to reporting readiness rather than a full
	// fd_set round-trip; real fd_set marshalling belongs to the polling
	// TA code, not the host side.
	n, err := unix.Select(int(nfds), nil, nil, nil, &tv)
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(n)), nil
}

func handleEventfd(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	initval, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	flags, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	fd, err := unix.Eventfd(uint(initval), int(flags))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(fd)), nil
}

func handlePoll(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fdsBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	timeoutMS, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	count := len(fdsBuf) / 8
	fds := make([]unix.PollFd, count)

	for i := 0; i < count; i++ {
		off := i * 8
		fds[i].Fd = int32(binary.LittleEndian.Uint32(fdsBuf[off : off+4]))
		fds[i].Events = int16(binary.LittleEndian.Uint16(fdsBuf[off+4 : off+6]))
	}

	n, err := unix.Poll(fds, int(timeoutMS))
	if err != nil {
		return errno2(err)
	}

	for i := 0; i < count; i++ {
		off := i * 8
		binary.LittleEndian.PutUint16(fdsBuf[off+6:off+8], uint16(fds[i].Revents))
	}

	return ok2(int64(n)), nil
}

func handleIoctl(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	request, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	if !ioctlWhitelist[uint64(request)] {
		return errno2(unix.EPERM)
	}

	argBuf, err := serialize.ExpectPointer(args, 2)
	if err != nil {
		return errno2(err)
	}

	if err := unix.IoctlSetInt(int(fd), uint(request), int(argBuf2Int(argBuf))); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleGetrlimit(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	resource, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(int(resource), &rlim); err != nil {
		return errno2(err)
	}

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], rlim.Cur)
	binary.LittleEndian.PutUint64(buf[8:16], rlim.Max)

	return []serialize.Arg{
		serialize.Int64(0),
		serialize.Int64(0),
		serialize.Pointer(buf),
	}, nil
}

// handlePkgSend/handlePkgRecv/handlePkgTerminate bridge the "other" table to
// the large-payload staging store: pkg_send hands a buffer off by
// (fd, teeIndex), pkg_recv retrieves and releases it, pkg_terminate drops a
// send the TEE abandoned mid-transfer.

func handlePkgSend(store *pkgstore.Store) HandlerFunc {
	return func(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
		fd, err := serialize.ExpectInt64(args, 0)
		if err != nil {
			return errno2(err)
		}

		teeIndex, err := serialize.ExpectInt64(args, 1)
		if err != nil {
			return errno2(err)
		}

		payload, err := serialize.ExpectPointer(args, 2)
		if err != nil {
			return errno2(err)
		}

		buf := make([]byte, len(payload))
		copy(buf, payload)

		if err := store.Put(int32(fd), uint64(teeIndex), buf); err != nil {
			return errno2(err)
		}

		return ok2(int64(len(buf))), nil
	}
}

func handlePkgRecv(store *pkgstore.Store) HandlerFunc {
	return func(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
		fd, err := serialize.ExpectInt64(args, 0)
		if err != nil {
			return errno2(err)
		}

		teeIndex, err := serialize.ExpectInt64(args, 1)
		if err != nil {
			return errno2(err)
		}

		h, err := store.Get(int32(fd), uint64(teeIndex))
		if err != nil {
			return errno2(err)
		}

		// Release twice, per the pkgstore contract: once to balance the
		// refcount Get just added and once to signal completion, which
		// drops Put's initial reference and unlinks the pkg. h keeps its
		// own reference to the payload slice.
		store.Release(h)
		store.Release(h)

		return []serialize.Arg{
			serialize.Int64(int64(len(h.Bytes()))),
			serialize.Int64(0),
			serialize.Pointer(h.Bytes()),
		}, nil
	}
}

func handlePkgTerminate(store *pkgstore.Store) HandlerFunc {
	return func(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
		fd, err := serialize.ExpectInt64(args, 0)
		if err != nil {
			return errno2(err)
		}

		teeIndex, err := serialize.ExpectInt64(args, 1)
		if err != nil {
			return errno2(err)
		}

		store.ReleaseByIndex(int32(fd), uint64(teeIndex))

		return ok2(0), nil
	}
}
