// Package brokerproto is the wire protocol between a CA (teec.DialBroker)
// and the authentication broker daemon (internal/broker): a length-delimited
// request/response pair over a Unix stream socket, with a driver fd vended
// via SCM_RIGHTS alongside a successful GET_FD response. It is a separate
// leaf package, rather than living in internal/broker itself, because both
// the client side (package teec) and the server side (internal/broker, which
// imports teec to talk to the driver) need it without creating an import
// cycle.
package brokerproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// CommandType selects what a request is asking the broker to do.
type CommandType uint32

const (
	// CmdGetBrokerVersion asks for the broker's own (major, minor); no fd
	// changes hands.
	CmdGetBrokerVersion CommandType = iota
	// CmdGetTeeVersion asks for the driver's reported (major, minor,
	// max_api_level); no fd changes hands.
	CmdGetTeeVersion
	// CmdGetFD asks the broker to authenticate the caller and vend a
	// driver fd via SCM_RIGHTS.
	CmdGetFD
)

func (c CommandType) String() string {
	switch c {
	case CmdGetBrokerVersion:
		return "GET_BROKER_VERSION"
	case CmdGetTeeVersion:
		return "GET_TEE_VERSION"
	case CmdGetFD:
		return "GET_FD"
	default:
		return "UNKNOWN"
	}
}

// CallerKind is the broker's classification of a connecting CA, assigned by
// an IdentityClassifier rather than hardcoded product UID tables.
type CallerKind uint32

const (
	CallerKindApp CallerKind = iota
	CallerKindSystem
	CallerKindVendor
)

func (k CallerKind) String() string {
	switch k {
	case CallerKindApp:
		return "app"
	case CallerKindSystem:
		return "system"
	case CallerKindVendor:
		return "vendor"
	default:
		return "unknown"
	}
}

// MaxXMLSize bounds the optional XML payload a request may carry (session
// properties, per original protocol); requests exceeding it are rejected
// before any allocation happens.
const MaxXMLSize = 16 * 1024

// Request is one client->broker message. UID/PID are the CA's own claim;
// the broker never trusts them and always re-derives from SO_PEERCRED.
type Request struct {
	Command CommandType
	Kind    CallerKind
	UID     uint32
	PID     uint32
	XML     []byte
}

// Response is one broker->client message. On CmdGetFD the accompanying fd is
// sent as SCM_RIGHTS ancillary data alongside this body, not inside it.
type Response struct {
	Major          uint16
	Minor          uint16
	TeeMaxAPILevel uint32
	Err            string // non-empty iff the broker refused the request
}

// WriteRequest writes a length-delimited encoding of req to w.
func WriteRequest(w io.Writer, req *Request) error {
	if len(req.XML) > MaxXMLSize {
		return fmt.Errorf("broker request: xml payload %d exceeds max %d", len(req.XML), MaxXMLSize)
	}

	body := make([]byte, 0, 20+len(req.XML))
	body = binary.BigEndian.AppendUint32(body, uint32(req.Command))
	body = binary.BigEndian.AppendUint32(body, uint32(req.Kind))
	body = binary.BigEndian.AppendUint32(body, req.UID)
	body = binary.BigEndian.AppendUint32(body, req.PID)
	body = binary.BigEndian.AppendUint32(body, uint32(len(req.XML)))
	body = append(body, req.XML...)

	return writeFramed(w, body)
}

// ReadRequest reads a length-delimited Request from r.
func ReadRequest(r io.Reader) (*Request, error) {
	body, err := readFramed(r)
	if err != nil {
		return nil, err
	}

	if len(body) < 20 {
		return nil, fmt.Errorf("broker request: short frame (%d bytes)", len(body))
	}

	req := &Request{
		Command: CommandType(binary.BigEndian.Uint32(body[0:4])),
		Kind:    CallerKind(binary.BigEndian.Uint32(body[4:8])),
		UID:     binary.BigEndian.Uint32(body[8:12]),
		PID:     binary.BigEndian.Uint32(body[12:16]),
	}

	xmlSize := binary.BigEndian.Uint32(body[16:20])
	if xmlSize > MaxXMLSize {
		return nil, fmt.Errorf("broker request: claimed xml size %d exceeds max %d", xmlSize, MaxXMLSize)
	}

	if uint32(len(body)-20) < xmlSize {
		return nil, fmt.Errorf("broker request: truncated xml payload")
	}

	req.XML = body[20 : 20+xmlSize]

	return req, nil
}

// WriteResponse writes a length-delimited encoding of resp to w.
func WriteResponse(w io.Writer, resp *Response) error {
	body := make([]byte, 0, 8+len(resp.Err))
	body = binary.BigEndian.AppendUint16(body, resp.Major)
	body = binary.BigEndian.AppendUint16(body, resp.Minor)
	body = binary.BigEndian.AppendUint32(body, resp.TeeMaxAPILevel)
	body = append(body, []byte(resp.Err)...)

	return writeFramed(w, body)
}

// ReadResponse reads a length-delimited Response from r.
func ReadResponse(r io.Reader) (*Response, error) {
	body, err := readFramed(r)
	if err != nil {
		return nil, err
	}

	if len(body) < 8 {
		return nil, fmt.Errorf("broker response: short frame (%d bytes)", len(body))
	}

	return &Response{
		Major:          binary.BigEndian.Uint16(body[0:2]),
		Minor:          binary.BigEndian.Uint16(body[2:4]),
		TeeMaxAPILevel: binary.BigEndian.Uint32(body[4:8]),
		Err:            string(body[8:]),
	}, nil
}

func writeFramed(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}

	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}

	return nil
}

const maxFrameSize = 4 + MaxXMLSize + 4096

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds max %d", n, maxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return body, nil
}
