package teec

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opentee/teec/internal/brokerproto"
	"github.com/opentee/teec/internal/logger"
)

// BrokerSocketPath is the default address InitializeContext's broker client
// dials; overridable by integration code or tests.
var BrokerSocketPath = "/dev/socket/tee_ca_daemon"

// brokerDialRetries and brokerDialDelay implement the "retry ~50 times with
// a ~200ms sleep" startup-race tolerance clients use on their first
// connection of a process, per the broker client design.
const (
	brokerDialRetries = 50
	brokerDialDelay   = 200 * time.Millisecond
)

var (
	versionOnce    sync.Once
	versionOK      bool
	versionCheckMu sync.Mutex
)

// DialBroker connects to the authentication broker, retrying across startup
// races, and returns the driver fd handed over via SCM_RIGHTS. On the first
// call of a process it also probes
// version compatibility and caches the verdict for later calls.
func DialBroker() (fd int, err error) {
	conn, err := dialBrokerWithRetry()
	if err != nil {
		return -1, err
	}
	defer conn.Close()

	if err := ensureVersionChecked(conn); err != nil {
		return -1, err
	}

	return requestFD(conn)
}

func dialBrokerWithRetry() (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unix", BrokerSocketPath)
	if err != nil {
		return nil, NewError(CaAuthFailed, fmt.Errorf("resolve broker address: %w", err))
	}

	var lastErr error

	for attempt := 0; attempt < brokerDialRetries; attempt++ {
		conn, err := net.DialUnix("unix", nil, addr)
		if err == nil {
			return conn, nil
		}

		lastErr = err
		time.Sleep(brokerDialDelay)
	}

	return nil, NewError(CaAuthFailed, fmt.Errorf("dial broker after %d attempts: %w", brokerDialRetries, lastErr))
}

// ensureVersionChecked performs the broker's version probe once per process
// and fails fast on every subsequent call if it failed the first time.
func ensureVersionChecked(conn *net.UnixConn) error {
	versionCheckMu.Lock()
	defer versionCheckMu.Unlock()

	var probeErr error

	versionOnce.Do(func() {
		req := &brokerproto.Request{Command: brokerproto.CmdGetTeeVersion}
		if err := brokerproto.WriteRequest(conn, req); err != nil {
			probeErr = NewError(CaAuthFailed, fmt.Errorf("broker version probe: %w", err))
			return
		}

		resp, err := brokerproto.ReadResponse(conn)
		if err != nil {
			probeErr = NewError(CaAuthFailed, fmt.Errorf("broker version probe: %w", err))
			return
		}

		if resp.Err != "" {
			probeErr = NewError(CaAuthFailed, fmt.Errorf("broker version probe: %s", resp.Err))
			return
		}

		versionOK = true
	})

	if !versionOK {
		if probeErr != nil {
			return probeErr
		}

		return NewError(CaAuthFailed, fmt.Errorf("broker version probe previously failed"))
	}

	return nil
}

// requestFD sends a GET_FD request and reads back the driver fd carried as
// SCM_RIGHTS ancillary data alongside the response body.
func requestFD(conn *net.UnixConn) (int, error) {
	req := &brokerproto.Request{
		Command: brokerproto.CmdGetFD,
		UID:     uint32(os.Getuid()),
		PID:     uint32(os.Getpid()),
	}

	if err := brokerproto.WriteRequest(conn, req); err != nil {
		return -1, NewError(CaAuthFailed, fmt.Errorf("send GET_FD: %w", err))
	}

	body := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(body, oob)
	if err != nil {
		return -1, NewError(CaAuthFailed, fmt.Errorf("read GET_FD reply: %w", err))
	}

	resp, err := brokerproto.ReadResponse(byteReader(body[:n]))
	if err != nil {
		return -1, NewError(CaAuthFailed, fmt.Errorf("decode GET_FD reply: %w", err))
	}

	if resp.Err != "" {
		return -1, NewError(CaAuthFailed, fmt.Errorf("broker refused GET_FD: %s", resp.Err))
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, NewError(CaAuthFailed, fmt.Errorf("parse control message: %w", err))
	}

	if len(scms) == 0 {
		return -1, NewError(CaAuthFailed, fmt.Errorf("broker did not send a driver fd"))
	}

	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil || len(fds) == 0 {
		return -1, NewError(CaAuthFailed, fmt.Errorf("parse unix rights: %w", err))
	}

	logger.Debug("broker handed over driver fd", logger.Ctx{"fd": fds[0]})

	return fds[0], nil
}

// byteReader adapts a byte slice to io.Reader for brokerproto's frame
// decoder, which expects a stream even though the whole message already
// arrived in one recvmsg.
type byteReaderType struct {
	buf []byte
}

func byteReader(buf []byte) *byteReaderType {
	return &byteReaderType{buf: buf}
}

func (r *byteReaderType) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		return 0, io.EOF
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]

	return n, nil
}
