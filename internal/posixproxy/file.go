package posixproxy

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/opentee/teec/internal/serialize"
)

// File table func ids. Values are an internal convention; the real driver
// ABI these would match is out of scope, matching the symbolic-command-set
// approach the driver binding takes.
const (
	fileOpen uint32 = iota
	fileClose
	fileRead
	fileWrite
	fileSeek
	fileFstat
	fileFchmod
	fileFchown
	fileTruncate
	fileRename
	fileSymlink
	fileReadlink
	fileDup
	fileDup2
	fileFcntl
	fileMmap
	fileMsync
	fileSendfile
	fileUnlink
	fileRmdir
	fileRealpath
)

func registerFileTable(d *Dispatcher) {
	d.register(TableFile, fileOpen, 3, handleOpen)
	d.register(TableFile, fileClose, 1, handleClose)
	d.register(TableFile, fileRead, 2, handleRead)
	d.register(TableFile, fileWrite, 2, handleWrite)
	d.register(TableFile, fileSeek, 3, handleSeek)
	d.register(TableFile, fileFstat, 1, handleFstat)
	d.register(TableFile, fileFchmod, 2, handleFchmod)
	d.register(TableFile, fileFchown, 3, handleFchown)
	d.register(TableFile, fileTruncate, 2, handleTruncate)
	d.register(TableFile, fileRename, 2, handleRename)
	d.register(TableFile, fileSymlink, 2, handleSymlink)
	d.register(TableFile, fileReadlink, 2, handleReadlink)
	d.register(TableFile, fileDup, 1, handleDup)
	d.register(TableFile, fileDup2, 2, handleDup2)
	d.register(TableFile, fileFcntl, 3, handleFcntl)
	d.register(TableFile, fileMmap, 3, handleMmap)
	d.register(TableFile, fileMsync, 3, handleMsync)
	d.register(TableFile, fileSendfile, 3, handleSendfile)
	d.register(TableFile, fileUnlink, 1, handleUnlink)
	d.register(TableFile, fileRmdir, 1, handleRmdir)
	d.register(TableFile, fileRealpath, 2, handleRealpath)
}

func ok2(ret int64) []serialize.Arg {
	return []serialize.Arg{serialize.Int64(ret), serialize.Int64(0)}
}

func errno2(err error) ([]serialize.Arg, error) {
	return nil, err
}

func handleOpen(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	pathBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	flags, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	mode, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	fd, err := unix.Open(cString(pathBuf), int(flags), uint32(mode))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(fd)), nil
}

func handleClose(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	// Invariant 1: the preserved driver fd and the pre-close fd are never
	// closable by the TEE.
	if d.guard.isProtected(int(fd)) {
		return errno2(errEPERM)
	}

	if err := unix.Close(int(fd)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleRead(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	buf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	n, err := unix.Read(int(fd), buf)
	if err != nil {
		return errno2(err)
	}

	// EOF is reported as ret=count (here, the actual bytes read, which is
	// 0 at true EOF), ret2=0, never as a negative/sentinel value.
	return ok2(int64(n)), nil
}

func handleWrite(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	buf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	n, err := unix.Write(int(fd), buf)
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(n)), nil
}

func handleSeek(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	offset, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	whence, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	off, err := unix.Seek(int(fd), offset, int(whence))
	if err != nil {
		return errno2(err)
	}

	return ok2(off), nil
}

func handleFstat(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return errno2(err)
	}

	return []serialize.Arg{
		serialize.Int64(0),
		serialize.Int64(0),
		serialize.Pointer(encodeStat(&st)),
	}, nil
}

func handleFchmod(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	mode, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Fchmod(int(fd), uint32(mode)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleFchown(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	uid, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	gid, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Fchown(int(fd), int(uid), int(gid)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleTruncate(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	size, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Ftruncate(int(fd), size); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleRename(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	oldBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	newBuf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Rename(cString(oldBuf), cString(newBuf)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleSymlink(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	oldBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	newBuf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Symlink(cString(oldBuf), cString(newBuf)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleReadlink(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	pathBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	outBuf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	n, err := unix.Readlink(cString(pathBuf), outBuf)
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(n)), nil
}

func handleDup(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	if d.guard.isProtected(int(fd)) {
		return errno2(errEPERM)
	}

	newFD, err := unix.Dup(int(fd))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(newFD)), nil
}

func handleDup2(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	oldFD, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	newFD, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	if d.guard.isProtected(int(oldFD)) || d.guard.isProtected(int(newFD)) {
		return errno2(errEPERM)
	}

	// Invariant 3: dup2(-1, new) is an allocation hint, not a real dup;
	// substitute a preallocated socketpair-derived fd to reserve the slot
	// instead of calling dup2 with a bogus source fd.
	if oldFD == -1 {
		reserved, err := reserveSlotFD()
		if err != nil {
			return errno2(err)
		}

		if err := unix.Dup2(reserved, int(newFD)); err != nil {
			_ = unix.Close(reserved)
			return errno2(err)
		}

		_ = unix.Close(reserved)

		return ok2(newFD), nil
	}

	if err := unix.Dup2(int(oldFD), int(newFD)); err != nil {
		return errno2(err)
	}

	return ok2(newFD), nil
}

// reserveSlotFD produces a throwaway fd suitable for Dup2's allocation-hint
// path, via a socketpair: the peer end is closed here, and the caller closes
// the returned end once the dup2 has landed.
func reserveSlotFD() (int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("reserve slot fd: %w", err)
	}

	_ = unix.Close(fds[1])

	return fds[0], nil
}

func handleFcntl(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	if d.guard.isProtected(int(fd)) {
		return errno2(errEBADF)
	}

	cmd, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	argBuf, err := serialize.ExpectPointer(args, 2)
	if err != nil {
		return errno2(err)
	}

	if int(cmd) == unix.F_GETLK {
		lock, err := decodeFlock(argBuf)
		if err != nil {
			return errno2(err)
		}

		if err := unix.FcntlFlock(uintptr(fd), unix.F_GETLK, lock); err != nil {
			return errno2(err)
		}

		// Invariant 2: F_GETLK's result is copied back into the shared
		// buffer the request carried, not just returned as a bare int.
		return []serialize.Arg{
			serialize.Int64(0),
			serialize.Int64(0),
			serialize.Pointer(encodeFlock(lock)),
		}, nil
	}

	ret, err := unix.FcntlInt(uintptr(fd), int(cmd), int(argBuf2Int(argBuf)))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(ret)), nil
}

// handleMmap stands in for a real mmap across the host/TEE boundary: there is
// no shared virtual address space to map into, so it maps fd's pages on the
// host side and copies them into the caller-supplied buffer, one mmap/copy/
// munmap cycle per call.
func handleMmap(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	offset, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	buf, err := serialize.ExpectPointer(args, 2)
	if err != nil {
		return errno2(err)
	}

	if len(buf) == 0 {
		return ok2(0), nil
	}

	mapped, err := unix.Mmap(int(fd), offset, len(buf), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errno2(err)
	}
	defer unix.Munmap(mapped)

	copy(buf, mapped)

	return ok2(int64(len(buf))), nil
}

// handleMsync is mmap's write-back counterpart: it maps fd's pages, copies
// the caller's buffer into the mapping, and msyncs it back to fd.
func handleMsync(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	offset, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	buf, err := serialize.ExpectPointer(args, 2)
	if err != nil {
		return errno2(err)
	}

	if len(buf) == 0 {
		return ok2(0), nil
	}

	mapped, err := unix.Mmap(int(fd), offset, len(buf), unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errno2(err)
	}
	defer unix.Munmap(mapped)

	copy(mapped, buf)

	if err := unix.Msync(mapped, unix.MS_SYNC); err != nil {
		return errno2(err)
	}

	return ok2(int64(len(buf))), nil
}

func handleSendfile(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	outFD, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	inFD, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	count, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	n, err := unix.Sendfile(int(outFD), int(inFD), nil, int(count))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(n)), nil
}

func handleUnlink(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	pathBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Unlink(cString(pathBuf)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleRmdir(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	pathBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Rmdir(cString(pathBuf)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleRealpath(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	pathBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	outBuf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	real, err := filepath.EvalSymlinks(cString(pathBuf))
	if err != nil {
		return errno2(err)
	}

	n := copy(outBuf, real)
	if n < len(outBuf) {
		outBuf[n] = 0
	}

	return ok2(int64(n)), nil
}

func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}

	return string(buf)
}

func argBuf2Int(buf []byte) int64 {
	var v int64
	for i := 0; i < len(buf) && i < 8; i++ {
		v |= int64(buf[i]) << (8 * i)
	}

	return v
}
