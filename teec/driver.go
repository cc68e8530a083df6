package teec

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/opentee/teec/internal/logger"
)

// Command identifies one of the fixed ioctl commands the driver exposes.
// Numeric values are left as a symbolic, product-filled table: integrating
// against a real tee_client driver header means populating ioctlTable below,
// not changing the Command names callers use.
type Command int

const (
	CmdOpenSession Command = iota
	CmdCloseSession
	CmdSendCommand
	CmdCancelCommand
	CmdRegisterAgent
	CmdUnregisterAgent
	CmdWaitEvent
	CmdSendEventResponse
	CmdLoadApp
	CmdSetLoginIdentity
	CmdSyncSysTime
	CmdGetTeeInfo
	CmdGetTeeVersion
)

func (c Command) String() string {
	names := [...]string{
		"OPEN_SESSION", "CLOSE_SESSION", "SEND_CMD", "CANCEL_CMD",
		"REGISTER_AGENT", "UNREGISTER_AGENT", "WAIT_EVENT",
		"SEND_EVENT_RESPONSE", "LOAD_APP", "SET_LOGIN_IDENTITY",
		"SYNC_SYS_TIME", "GET_TEE_INFO", "GET_TEE_VERSION",
	}

	if int(c) < 0 || int(c) >= len(names) {
		return "UNKNOWN"
	}

	return names[c]
}

// ioctlTable maps symbolic commands to the raw ioctl request number the real
// driver expects. Populated by integration code (build tag or init hook);
// left as zero values here since the wire numbers are out of scope per the
// driver-binding design (named command set, not numeric ABI).
var ioctlTable = map[Command]uintptr{}

// RegisterIoctl lets an integration wire a symbolic Command to the driver's
// actual ioctl request number, without this package hardcoding product ABI.
func RegisterIoctl(cmd Command, request uintptr) {
	ioctlTable[cmd] = request
}

// DeviceKind selects which of the two character devices a Driver talks to.
type DeviceKind int

const (
	// ClientDevice is opened by ordinary CAs (through the broker).
	ClientDevice DeviceKind = iota
	// PrivateDevice is opened directly by the broker and agents.
	PrivateDevice
)

// Driver wraps the fixed ioctl command surface against one open device fd.
type Driver struct {
	fd   int
	kind DeviceKind
	log  logger.Logger
}

// Default device paths; overridable so integration/test code can point at a
// fake character device.
var (
	ClientDevicePath  = "/dev/tee_client"
	PrivateDevicePath = "/dev/tee_priv"
)

// OpenDriver opens the given device kind and returns a bound Driver.
func OpenDriver(kind DeviceKind) (*Driver, error) {
	path := ClientDevicePath
	if kind == PrivateDevice {
		path = PrivateDevicePath
	}

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, NewError(FromErrno(-int(errnoOf(err))), fmt.Errorf("open %s: %w", path, err))
	}

	return &Driver{
		fd:   fd,
		kind: kind,
		log:  logger.AddContext(logger.Ctx{"device": path}),
	}, nil
}

// WrapFD adopts an already-open driver fd (e.g. handed over by the broker via
// SCM_RIGHTS) as a Driver.
func WrapFD(fd int, kind DeviceKind) *Driver {
	return &Driver{fd: fd, kind: kind, log: logger.AddContext(logger.Ctx{"fd": fd})}
}

// FD returns the underlying driver file descriptor, e.g. to mmap a shared
// memory buffer against it or to pass it over a Unix socket.
func (d *Driver) FD() int {
	return d.fd
}

// Close releases the driver fd.
func (d *Driver) Close() error {
	return unix.Close(d.fd)
}

// ioctl issues the named command with an optional argument struct pointer.
// The driver reports failures as a small integer errno-style code; the
// in-struct Origin/ReturnCode (when arg implements originReporter) is
// forwarded so TEE-side errors survive marshalling.
func (d *Driver) ioctl(cmd Command, arg unsafe.Pointer) error {
	request, ok := ioctlTable[cmd]
	if !ok {
		return NewError(NotSupported, fmt.Errorf("ioctl %s not wired to a driver request number", cmd))
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), request, uintptr(arg))
	if errno != 0 {
		d.log.Debug("ioctl failed", logger.Ctx{"cmd": cmd.String(), "errno": int(errno)})
		return NewError(FromErrno(-int(errno)), fmt.Errorf("ioctl %s: %w", cmd, errno))
	}

	return nil
}

// InvokeOpenSession issues OPEN_SESSION against a prepared driver-format
// invoke struct. Returns the driver-assigned session id.
func (d *Driver) InvokeOpenSession(args *DriverInvokeArgs) (sessionID uint32, err error) {
	err = d.ioctl(CmdOpenSession, unsafe.Pointer(args))
	return args.SessionID, err
}

// InvokeCloseSession issues CLOSE_SESSION for the given driver session id.
func (d *Driver) InvokeCloseSession(sessionID uint32) error {
	args := &closeSessionArgs{SessionID: sessionID}
	return d.ioctl(CmdCloseSession, unsafe.Pointer(args))
}

// InvokeSendCommand issues SEND_CMD against a prepared invoke struct.
func (d *Driver) InvokeSendCommand(args *DriverInvokeArgs) error {
	return d.ioctl(CmdSendCommand, unsafe.Pointer(args))
}

// InvokeCancelCommand issues CANCEL_CMD for an in-flight invocation.
func (d *Driver) InvokeCancelCommand(sessionID uint32) error {
	args := &closeSessionArgs{SessionID: sessionID}
	return d.ioctl(CmdCancelCommand, unsafe.Pointer(args))
}

// RegisterAgent issues REGISTER_AGENT{id, buf, size}, sharing buf with the
// TEE as the agent's control buffer. It returns only the ioctl's error; any
// TEE-side address the driver assigns to the buffer is not reported.
func (d *Driver) RegisterAgent(id uint32, buf []byte) error {
	args := &registerAgentArgs{
		ID:   id,
		Buf:  uintptr(unsafe.Pointer(&buf[0])),
		Size: uint64(len(buf)),
	}

	return d.ioctl(CmdRegisterAgent, unsafe.Pointer(args))
}

// UnregisterAgent issues UNREGISTER_AGENT{id}.
func (d *Driver) UnregisterAgent(id uint32) error {
	args := &agentIDArgs{ID: id}
	return d.ioctl(CmdUnregisterAgent, unsafe.Pointer(args))
}

// WaitEvent blocks in the kernel until the TEE has written a request into the
// agent's shared buffer and signalled it, per the N-side upcall protocol.
func (d *Driver) WaitEvent(id uint32) error {
	args := &agentIDArgs{ID: id}
	return d.ioctl(CmdWaitEvent, unsafe.Pointer(args))
}

// SendEventResponse issues SEND_EVENT_RESPONSE{id} once the agent has
// written its reply and published it with the required fences.
func (d *Driver) SendEventResponse(id uint32) error {
	args := &agentIDArgs{ID: id}
	return d.ioctl(CmdSendEventResponse, unsafe.Pointer(args))
}

// LoadApp issues LOAD_APP{file_type, uuid, buf} to stream a TA or driver
// library image into the TEE.
func (d *Driver) LoadApp(fileType uint32, uuid [16]byte, image []byte) error {
	var bufPtr uintptr
	if len(image) > 0 {
		bufPtr = uintptr(unsafe.Pointer(&image[0]))
	}

	args := &loadAppArgs{
		FileType: fileType,
		UUID:     uuid,
		Buf:      bufPtr,
		Size:     uint64(len(image)),
	}

	return d.ioctl(CmdLoadApp, unsafe.Pointer(args))
}

// SetLoginIdentity issues SET_LOGIN_IDENTITY{buf} with the CA's
// (executable-path, user-name) identity descriptor.
func (d *Driver) SetLoginIdentity(descriptor []byte) error {
	var bufPtr uintptr
	if len(descriptor) > 0 {
		bufPtr = uintptr(unsafe.Pointer(&descriptor[0]))
	}

	args := &loginIdentityArgs{Buf: bufPtr, Size: uint64(len(descriptor))}
	return d.ioctl(CmdSetLoginIdentity, unsafe.Pointer(args))
}

// SyncSystemTime issues SYNC_SYS_TIME{sec, ms}.
func (d *Driver) SyncSystemTime(sec int64, ms int32) error {
	args := &syncTimeArgs{Sec: sec, Ms: ms}
	return d.ioctl(CmdSyncSysTime, unsafe.Pointer(args))
}

// TeeInfo is the driver's response to GET_TEE_INFO / GET_TEE_VERSION.
type TeeInfo struct {
	VersionMajor uint16
	VersionMinor uint16
	MaxAPILevel  uint32
}

// Info queries the driver's reported version and capability level, used by
// the broker's version negotiation.
func (d *Driver) Info() (TeeInfo, error) {
	var info TeeInfo
	if err := d.ioctl(CmdGetTeeInfo, unsafe.Pointer(&info)); err != nil {
		return TeeInfo{}, err
	}

	return info, nil
}

// The driver-format argument structs below are intentionally minimal and
// 32-bit-clean (pointers/sizes split across low/high halves happens in
// operation.go); they exist to give each ioctl command a concrete,
// correctly-sized argument to point the syscall at.

type closeSessionArgs struct {
	SessionID uint32
}

type agentIDArgs struct {
	ID uint32
}

type registerAgentArgs struct {
	ID   uint32
	Size uint64
	Buf  uintptr
}

type loadAppArgs struct {
	FileType uint32
	UUID     [16]byte
	Size     uint64
	Buf      uintptr
}

type loginIdentityArgs struct {
	Size uint64
	Buf  uintptr
}

type syncTimeArgs struct {
	Sec int64
	Ms  int32
}

// errnoOf extracts a unix.Errno from err, either bare or wrapped in an
// *os.PathError; any other error type maps to EIO, and a PathError that does
// not wrap an Errno yields 0.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	switch e := err.(type) {
	case *os.PathError:
		if en, ok := e.Err.(unix.Errno); ok {
			errno = en
		}
	case unix.Errno:
		errno = e
	default:
		errno = unix.EIO
	}

	return errno
}
