package broker

import (
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/opentee/teec/internal/brokerproto"
	"github.com/opentee/teec/internal/logger"
	"github.com/opentee/teec/teec"
)

// Config is the broker daemon's static configuration, loaded from YAML by
// cmd/teecd.
type Config struct {
	// SocketPath is either a filesystem path or, prefixed with "@", an
	// abstract-namespace address.
	SocketPath string `yaml:"socket_path"`
	// BrokerMajor/BrokerMinor are this broker's own declared version,
	// returned on CmdGetBrokerVersion and compared against the driver's
	// reported version before any fd is vended.
	BrokerMajor uint16 `yaml:"broker_major"`
	BrokerMinor uint16 `yaml:"broker_minor"`
	// SocketMode is applied to a filesystem socket after it is bound.
	SocketMode os.FileMode `yaml:"socket_mode"`
}

// Broker is the authentication-broker daemon: it accepts connections on a
// Unix socket, authenticates each caller via SO_PEERCRED, and vends a driver
// fd on successful GET_FD requests.
type Broker struct {
	cfg        Config
	classifier IdentityClassifier
	listener   *net.UnixListener
	log        logger.Logger

	mu             sync.Mutex
	driverInfo     teec.TeeInfo
	versionChecked bool
	versionOK      bool
}

// New constructs a Broker with the default identity classifier.
func New(cfg Config) *Broker {
	return NewWithClassifier(cfg, DefaultClassifier{})
}

// NewWithClassifier constructs a Broker with a caller-supplied identity
// classifier, for product integrations that need richer caller
// classification than "every caller is an app".
func NewWithClassifier(cfg Config, classifier IdentityClassifier) *Broker {
	return &Broker{
		cfg:        cfg,
		classifier: classifier,
		log:        logger.AddContext(logger.Ctx{"component": "broker"}),
	}
}

// Listen binds the configured socket, removing a stale filesystem socket
// left behind by a previous instance first.
func (b *Broker) Listen() error {
	if isAbstract(b.cfg.SocketPath) {
		addr, err := net.ResolveUnixAddr("unix", b.cfg.SocketPath)
		if err != nil {
			return fmt.Errorf("resolve broker socket address: %w", err)
		}

		l, err := net.ListenUnix("unix", addr)
		if err != nil {
			return fmt.Errorf("listen on broker socket: %w", err)
		}

		b.listener = l
		return nil
	}

	if err := socketUnixRemoveStale(b.cfg.SocketPath); err != nil {
		return err
	}

	addr, err := net.ResolveUnixAddr("unix", b.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("resolve broker socket address: %w", err)
	}

	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listen on broker socket: %w", err)
	}

	mode := b.cfg.SocketMode
	if mode == 0 {
		mode = 0660
	}

	if err := socketUnixSetPermissions(b.cfg.SocketPath, mode); err != nil {
		_ = l.Close()
		return err
	}

	b.listener = l

	return nil
}

func isAbstract(path string) bool {
	return len(path) > 0 && path[0] == '@'
}

func socketUnixRemoveStale(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("stat stale broker socket: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale broker socket: %w", err)
	}

	return nil
}

func socketUnixSetPermissions(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("set broker socket permissions: %w", err)
	}

	return nil
}

// Serve accepts connections until the listener is closed.
func (b *Broker) Serve() error {
	for {
		conn, err := b.listener.AcceptUnix()
		if err != nil {
			return fmt.Errorf("broker accept: %w", err)
		}

		go b.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (b *Broker) Close() error {
	if b.listener == nil {
		return nil
	}

	return b.listener.Close()
}

// checkDriverVersion opens the private device once, queries GET_TEE_INFO, and
// caches whether our declared major matches the driver's reported major.
// GET_FD refuses every request until this has run successfully once.
func (b *Broker) checkDriverVersion() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.versionChecked {
		if !b.versionOK {
			return fmt.Errorf("check teecd version failed")
		}

		return nil
	}

	b.versionChecked = true

	driver, err := teec.OpenDriver(teec.PrivateDevice)
	if err != nil {
		b.log.Error("broker: cannot open driver to check version", logger.Ctx{"err": err.Error()})
		return fmt.Errorf("check teecd version failed")
	}
	defer driver.Close()

	info, err := driver.Info()
	if err != nil {
		b.log.Error("broker: GET_TEE_INFO failed", logger.Ctx{"err": err.Error()})
		return fmt.Errorf("check teecd version failed")
	}

	b.driverInfo = info

	if info.VersionMajor != b.cfg.BrokerMajor {
		b.log.Error("check teecd version failed", logger.Ctx{
			"broker_major": b.cfg.BrokerMajor,
			"driver_major": info.VersionMajor,
		})

		return fmt.Errorf("check teecd version failed")
	}

	b.versionOK = true

	return nil
}

func (b *Broker) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	cred, err := peerCred(conn)
	if err != nil {
		b.log.Debug("broker: cannot read peer credentials", logger.Ctx{"err": err.Error()})
		return
	}

	req, err := brokerproto.ReadRequest(conn)
	if err != nil {
		b.log.Debug("broker: cannot read request", logger.Ctx{"err": err.Error()})
		return
	}

	switch req.Command {
	case brokerproto.CmdGetBrokerVersion:
		_ = brokerproto.WriteResponse(conn, &brokerproto.Response{Major: b.cfg.BrokerMajor, Minor: b.cfg.BrokerMinor})
		return

	case brokerproto.CmdGetTeeVersion:
		if err := b.checkDriverVersion(); err != nil {
			_ = brokerproto.WriteResponse(conn, &brokerproto.Response{Err: err.Error()})
			return
		}

		b.mu.Lock()
		info := b.driverInfo
		b.mu.Unlock()

		_ = brokerproto.WriteResponse(conn, &brokerproto.Response{
			Major:          info.VersionMajor,
			Minor:          info.VersionMinor,
			TeeMaxAPILevel: info.MaxAPILevel,
		})

		return

	case brokerproto.CmdGetFD:
		b.handleGetFD(conn, cred, req)
		return

	default:
		_ = brokerproto.WriteResponse(conn, &brokerproto.Response{Err: fmt.Sprintf("unknown command %d", req.Command)})
	}
}

func (b *Broker) handleGetFD(conn *net.UnixConn, cred *unix.Ucred, req *brokerproto.Request) {
	if err := b.checkDriverVersion(); err != nil {
		_ = brokerproto.WriteResponse(conn, &brokerproto.Response{Err: err.Error()})
		return
	}

	name, err := TeeGetPkgName(uint32(cred.Pid))
	if err != nil {
		// Identity extraction failing is not fatal to authentication;
		// the broker continues with an empty name, which the classifier
		// and the login descriptor then receive.
		b.log.Debug("broker: pkg name extraction failed", logger.Ctx{"pid": cred.Pid, "err": err.Error()})
		name = ""
	}

	kind := b.classifier.Classify(cred.Uid, uint32(cred.Pid), name)

	driver, err := teec.OpenDriver(teec.ClientDevice)
	if err != nil {
		b.log.Error("broker: open client device failed", logger.Ctx{"err": err.Error()})
		_ = brokerproto.WriteResponse(conn, &brokerproto.Response{Err: "ca auth failed"})
		return
	}
	defer driver.Close()

	descriptor := encodeLoginDescriptor(name, lookupUserName(cred.Uid))
	if err := driver.SetLoginIdentity(descriptor); err != nil {
		b.log.Error("broker: SET_LOGIN_IDENTITY failed", logger.Ctx{"err": err.Error()})
		_ = brokerproto.WriteResponse(conn, &brokerproto.Response{Err: "ca auth failed"})
		return
	}

	b.log.Debug("broker: vending driver fd", logger.Ctx{"uid": cred.Uid, "pid": cred.Pid, "kind": kind.String(), "name": name})

	if err := sendFD(conn, driver.FD(), &brokerproto.Response{Major: b.cfg.BrokerMajor, Minor: b.cfg.BrokerMinor}); err != nil {
		b.log.Error("broker: send fd failed", logger.Ctx{"err": err.Error()})
	}
}

// encodeLoginDescriptor builds the (length-prefixed path, length-prefixed
// user name) identity descriptor the driver expects via SET_LOGIN_IDENTITY.
func encodeLoginDescriptor(path, userName string) []byte {
	out := make([]byte, 0, 8+len(path)+len(userName))
	out = appendLenPrefixed(out, path)
	out = appendLenPrefixed(out, userName)

	return out
}

func appendLenPrefixed(dst []byte, s string) []byte {
	n := uint32(len(s))
	dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, s...)
}

// peerCred reads SO_PEERCRED off the connection's underlying fd.
func peerCred(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var innerErr error

	err = raw.Control(func(fd uintptr) {
		cred, innerErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, fmt.Errorf("control conn: %w", err)
	}

	if innerErr != nil {
		return nil, fmt.Errorf("getsockopt SO_PEERCRED: %w", innerErr)
	}

	return cred, nil
}

// sendFD writes resp as a length-delimited frame, the same layout
// brokerproto.ReadResponse expects, followed by fd as SCM_RIGHTS ancillary
// data attached to that single write so the client's one ReadMsgUnix call
// sees both together.
func sendFD(conn *net.UnixConn, fd int, resp *brokerproto.Response) error {
	body := make([]byte, 0, 8)
	body = append(body, byte(resp.Major>>8), byte(resp.Major))
	body = append(body, byte(resp.Minor>>8), byte(resp.Minor))
	body = append(body,
		byte(resp.TeeMaxAPILevel>>24), byte(resp.TeeMaxAPILevel>>16),
		byte(resp.TeeMaxAPILevel>>8), byte(resp.TeeMaxAPILevel))

	frame := make([]byte, 0, 4+len(body))
	frame = append(frame, byte(len(body)>>24), byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	frame = append(frame, body...)

	oob := unix.UnixRights(fd)

	_, _, err := conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("write fd message: %w", err)
	}

	return nil
}

// lookupUserName resolves a uid to its passwd entry name. Falls back to the
// numeric uid if no entry is found, matching the original's "best effort,
// not security-critical" identity lookup.
func lookupUserName(uid uint32) string {
	u, err := osUserLookup(uid)
	if err != nil {
		return fmt.Sprintf("%d", uid)
	}

	return u
}
