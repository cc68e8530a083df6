package agent

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/google/renameio"

	"github.com/opentee/teec/internal/logger"
	"github.com/opentee/teec/teec"
)

// FSCmd enumerates the secure-storage agent's command set, unchanged from
// the original fs_work_agent: all fifteen operations, not a compressed
// subset.
type FSCmd uint32

const (
	SecOpen FSCmd = iota
	SecClose
	SecRead
	SecWrite
	SecSeek
	SecRemove
	SecTruncate
	SecRename
	SecCreate
	SecInfo
	SecAccess
	SecFsync
	SecCopy
	SecDiskUsage
	SecDeleteAll
)

// FsAgentID is the registered agent id the secure-storage channel uses.
const FsAgentID = 0x46536673 // "FSfs", matching the original AGENT_FS_ID

// FsControlBufSize is the shared control buffer size the driver maps for
// the fs agent channel.
const FsControlBufSize = 4096

// fsRequest is the decoded form of one control-buffer request: a command
// tag plus a small fixed header and a variable string/byte payload. The
// wire layout is this package's own — the real driver ABI is symbolic, as
// established throughout this module. The request carries cmd, userId,
// storageId, three command-dependent integers, then payload; the ret/ret2
// return fields live in fsResponse.
type fsRequest struct {
	cmd       FSCmd
	userID    uint32
	storageID uint32
	ints      [3]int64 // fd/offset/whence/mode, command-dependent
	payload   []byte    // path name(s), write data, etc.
}

const fsHeaderSize = 4 + 4 + 4 + 3*8 + 4 // cmd + userID + storageID + ints + payload length

func decodeFSRequest(buf []byte) (fsRequest, error) {
	if len(buf) < fsHeaderSize {
		return fsRequest{}, fmt.Errorf("agent/fs: control buffer too short")
	}

	var req fsRequest
	req.cmd = FSCmd(binary.LittleEndian.Uint32(buf[0:4]))
	req.userID = binary.LittleEndian.Uint32(buf[4:8])
	req.storageID = binary.LittleEndian.Uint32(buf[8:12])

	off := 12
	for i := 0; i < 3; i++ {
		req.ints[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
	}

	n := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4

	if off+int(n) > len(buf) {
		return fsRequest{}, fmt.Errorf("agent/fs: payload length %d exceeds buffer", n)
	}

	req.payload = buf[off : off+int(n)]

	return req, nil
}

// fsResponse is the return half: ret mirrors a raw syscall-style return
// value (often a byte count), ret2 carries the secondary meaning the
// original struct gives it per command (EOF flag on read, flush-signal on
// write), and payload carries any bytes the TEE reads back (read data,
// stat fields).
type fsResponse struct {
	ret     int64
	ret2    int64
	payload []byte
}

func encodeFSResponse(r fsResponse) []byte {
	out := make([]byte, 8+8+4+len(r.payload))
	binary.LittleEndian.PutUint64(out[0:8], uint64(r.ret))
	binary.LittleEndian.PutUint64(out[8:16], uint64(r.ret2))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(r.payload)))
	copy(out[20:], r.payload)

	return out
}

func fsErrorResponse(ret int64) []byte {
	return encodeFSResponse(fsResponse{ret: ret, ret2: 0})
}

// openFiles is the agent's table of files it has opened on behalf of the
// TEE, replacing the original's doubly-linked OpenedFile list with a
// mutex-guarded map keyed by a host-assigned integer fd the TEE treats
// opaquely.
type openFiles struct {
	mu    sync.Mutex
	next  int32
	files map[int32]*os.File
}

func newOpenFiles() *openFiles {
	return &openFiles{files: make(map[int32]*os.File)}
}

func (o *openFiles) add(f *os.File) int32 {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.next++
	fd := o.next
	o.files[fd] = f

	return fd
}

func (o *openFiles) get(fd int32) (*os.File, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.files[fd]

	return f, ok
}

func (o *openFiles) remove(fd int32) (*os.File, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.files[fd]
	if ok {
		delete(o.files, fd)
	}

	return f, ok
}

func (o *openFiles) closeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for fd, f := range o.files {
		_ = f.Close()
		delete(o.files, fd)
	}
}

// FSAgent services the secure-storage command set.
type FSAgent struct {
	mapper PathMapper
	open   *openFiles
	log    logger.Logger
}

// NewFSAgent raises the process fd limit to max (the original's
// SetFileNumLimit, FILE_NUM_LIMIT_MAX) and returns an agent ready to
// register against a Driver.
func NewFSAgent(mapper PathMapper, maxFiles uint64) (*FSAgent, error) {
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: maxFiles, Max: maxFiles}); err != nil {
		return nil, fmt.Errorf("agent/fs: raise fd limit: %w", err)
	}

	return &FSAgent{
		mapper: mapper,
		open:   newOpenFiles(),
		log:    logger.AddContext(logger.Ctx{"agent": "fs"}),
	}, nil
}

// Close releases every file the agent still has open, e.g. on shutdown
// without a matching SEC_CLOSE from the TEE side.
func (a *FSAgent) Close() {
	a.open.closeAll()
}

// Register registers the fs channel on driver, which must already be open on
// the private device, returning a Channel ready to be handed to a Group.
func (a *FSAgent) Register(driver *teec.Driver) (*Channel, error) {
	return Open(driver, "fs", FsAgentID, FsControlBufSize, a.Dispatch)
}

// Dispatch decodes one control-buffer request and runs the matching
// command, returning the encoded response to publish back.
func (a *FSAgent) Dispatch(control []byte) []byte {
	req, err := decodeFSRequest(control)
	if err != nil {
		a.log.Error("decode fs request failed", logger.Ctx{"error": err.Error()})
		return fsErrorResponse(-1)
	}

	switch req.cmd {
	case SecOpen:
		return a.handleOpen(req)
	case SecClose:
		return a.handleClose(req)
	case SecRead:
		return a.handleRead(req)
	case SecWrite:
		return a.handleWrite(req)
	case SecSeek:
		return a.handleSeek(req)
	case SecRemove:
		return a.handleRemove(req)
	case SecTruncate:
		return a.handleTruncate(req)
	case SecRename:
		return a.handleRename(req)
	case SecCreate:
		return a.handleCreate(req)
	case SecInfo:
		return a.handleInfo(req)
	case SecAccess:
		return a.handleAccess(req)
	case SecFsync:
		return a.handleFsync(req)
	case SecCopy:
		return a.handleCopy(req)
	case SecDiskUsage:
		return a.handleDiskUsage(req)
	case SecDeleteAll:
		return a.handleDeleteAll(req)
	default:
		a.log.Warn("unknown fs command", logger.Ctx{"cmd": uint32(req.cmd)})
		return fsErrorResponse(-1)
	}
}

func (a *FSAgent) resolve(name string) (string, error) {
	return a.mapper.Resolve(name)
}

func (a *FSAgent) handleOpen(req fsRequest) []byte {
	path, err := a.resolve(string(req.payload))
	if err != nil {
		return fsErrorResponse(-1)
	}

	flags := int(req.ints[0])

	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fsErrorResponse(-1)
	}

	fd := a.open.add(f)

	return encodeFSResponse(fsResponse{ret: int64(fd)})
}

func (a *FSAgent) handleClose(req fsRequest) []byte {
	fd := int32(req.ints[0])

	f, ok := a.open.remove(fd)
	if !ok {
		return fsErrorResponse(-1)
	}

	if err := f.Close(); err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: 0})
}

func (a *FSAgent) handleRead(req fsRequest) []byte {
	fd := int32(req.ints[0])
	count := req.ints[1]

	f, ok := a.open.get(fd)
	if !ok {
		return fsErrorResponse(-1)
	}

	buf := make([]byte, count)

	n, err := f.Read(buf)
	if err != nil && n == 0 {
		// ret holds the byte count, ret2 flags end-of-file rather than the
		// call returning a negative sentinel, matching SecStorageType's
		// ret/ret2 convention.
		return encodeFSResponse(fsResponse{ret: 0, ret2: 1})
	}

	return encodeFSResponse(fsResponse{ret: int64(n), ret2: 0, payload: buf[:n]})
}

func (a *FSAgent) handleWrite(req fsRequest) []byte {
	fd := int32(req.ints[0])

	f, ok := a.open.get(fd)
	if !ok {
		return fsErrorResponse(-1)
	}

	n, err := f.Write(req.payload)
	if err != nil {
		return fsErrorResponse(-1)
	}

	// ret2 signals the agent flushed to stable storage, the "sendor is SSA
	// or SLOG" bit the original overloads the same field with.
	if err := f.Sync(); err != nil {
		return encodeFSResponse(fsResponse{ret: int64(n), ret2: 0})
	}

	return encodeFSResponse(fsResponse{ret: int64(n), ret2: 1})
}

func (a *FSAgent) handleSeek(req fsRequest) []byte {
	fd := int32(req.ints[0])
	offset := req.ints[1]
	whence := int(req.ints[2])

	f, ok := a.open.get(fd)
	if !ok {
		return fsErrorResponse(-1)
	}

	pos, err := f.Seek(offset, whence)
	if err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: pos})
}

func (a *FSAgent) handleRemove(req fsRequest) []byte {
	path, err := a.resolve(string(req.payload))
	if err != nil {
		return fsErrorResponse(-1)
	}

	if err := os.Remove(path); err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: 0})
}

func (a *FSAgent) handleTruncate(req fsRequest) []byte {
	size := req.ints[0]

	path, err := a.resolve(string(req.payload))
	if err != nil {
		return fsErrorResponse(-1)
	}

	if err := os.Truncate(path, size); err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: 0})
}

func (a *FSAgent) handleRename(req fsRequest) []byte {
	oldLen := int(req.ints[0])
	if oldLen > len(req.payload) {
		return fsErrorResponse(-1)
	}

	oldName := string(req.payload[:oldLen])
	newName := string(req.payload[oldLen:])

	oldPath, err := a.resolve(oldName)
	if err != nil {
		return fsErrorResponse(-1)
	}

	newPath, err := a.resolve(newName)
	if err != nil {
		return fsErrorResponse(-1)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: 0})
}

// handleCreate uses renameio's stage-then-rename helper so a TEE-initiated
// create is never observable half-written, the atomic-write idiom the
// domain stack borrows for the secure-storage write path.
func (a *FSAgent) handleCreate(req fsRequest) []byte {
	path, err := a.resolve(string(req.payload))
	if err != nil {
		return fsErrorResponse(-1)
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return fsErrorResponse(-1)
	}
	defer t.Cleanup()

	if err := t.CloseAtomicallyReplace(); err != nil {
		return fsErrorResponse(-1)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return fsErrorResponse(-1)
	}

	fd := a.open.add(f)

	return encodeFSResponse(fsResponse{ret: int64(fd)})
}

func (a *FSAgent) handleInfo(req fsRequest) []byte {
	fd := int32(req.ints[0])

	f, ok := a.open.get(fd)
	if !ok {
		return fsErrorResponse(-1)
	}

	st, err := f.Stat()
	if err != nil {
		return fsErrorResponse(-1)
	}

	pos, err := f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return fsErrorResponse(-1)
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(pos))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(st.Size()))

	return encodeFSResponse(fsResponse{ret: 0, payload: buf})
}

func (a *FSAgent) handleAccess(req fsRequest) []byte {
	mode := uint32(req.ints[0])

	path, err := a.resolve(string(req.payload))
	if err != nil {
		return fsErrorResponse(-1)
	}

	if err := unix.Access(path, mode); err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: 0})
}

func (a *FSAgent) handleFsync(req fsRequest) []byte {
	fd := int32(req.ints[0])

	f, ok := a.open.get(fd)
	if !ok {
		return fsErrorResponse(-1)
	}

	if err := f.Sync(); err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: 0})
}

// copyBlockSize is the bounded block size handleCopy streams through,
// instead of staging the whole source file in memory.
const copyBlockSize = 64 * 1024

func (a *FSAgent) handleCopy(req fsRequest) []byte {
	fromLen := int(req.ints[0])
	if fromLen > len(req.payload) {
		return fsErrorResponse(-1)
	}

	fromName := string(req.payload[:fromLen])
	toName := string(req.payload[fromLen:])

	fromPath, err := a.resolve(fromName)
	if err != nil {
		return fsErrorResponse(-1)
	}

	toPath, err := a.resolve(toName)
	if err != nil {
		return fsErrorResponse(-1)
	}

	src, err := os.Open(fromPath)
	if err != nil {
		return fsErrorResponse(-1)
	}
	defer src.Close()

	t, err := renameio.TempFile("", toPath)
	if err != nil {
		return fsErrorResponse(-1)
	}
	defer t.Cleanup()

	n, err := io.CopyBuffer(t, src, make([]byte, copyBlockSize))
	if err != nil {
		return fsErrorResponse(-1)
	}

	if err := t.Sync(); err != nil {
		return fsErrorResponse(-1)
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: n})
}

func (a *FSAgent) handleDiskUsage(req fsRequest) []byte {
	path, err := a.resolve(string(req.payload))
	if err != nil {
		return fsErrorResponse(-1)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fsErrorResponse(-1)
	}

	used := (stat.Blocks - stat.Bfree) * uint64(stat.Bsize)

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], used)
	binary.LittleEndian.PutUint64(buf[8:16], stat.Blocks*uint64(stat.Bsize))

	return encodeFSResponse(fsResponse{ret: 0, payload: buf})
}

func (a *FSAgent) handleDeleteAll(req fsRequest) []byte {
	path, err := a.resolve(string(req.payload))
	if err != nil {
		return fsErrorResponse(-1)
	}

	if err := os.RemoveAll(path); err != nil {
		return fsErrorResponse(-1)
	}

	return encodeFSResponse(fsResponse{ret: 0})
}
