// Package posixproxy turns xtasklet requests posted by TEE code into host
// POSIX calls, dispatching each to one of three function tables (file,
// network, other) selected by a (table, func) pair in the request header,
// and serializes results back through the same self-describing argument
// format used for requests.
package posixproxy

import (
	"fmt"

	"github.com/opentee/teec/internal/posixproxy/pkgstore"
	"github.com/opentee/teec/internal/serialize"
)

// Table selects which function table a request's Func id is looked up in.
type Table uint8

const (
	TableFile Table = iota
	TableNetwork
	TableOther
)

func (t Table) String() string {
	switch t {
	case TableFile:
		return "file"
	case TableNetwork:
		return "network"
	case TableOther:
		return "other"
	default:
		return "unknown"
	}
}

// HandlerFunc implements one dispatch table entry. It receives the request's
// decoded positional arguments and returns the positional arguments to
// serialize back as the reply.
type HandlerFunc func(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error)

// entry pairs a handler with the argument count the proxy validates before
// calling it, per "each entry in a table declares its positional argument
// count".
type entry struct {
	argCount int
	handler  HandlerFunc
}

type funcTable map[uint32]entry

// Dispatcher routes decoded requests to the file/network/other tables and
// owns the fd-closability guard state the three invariants in the dispatch
// design depend on.
type Dispatcher struct {
	fileTable    funcTable
	networkTable funcTable
	otherTable   funcTable

	guard    *fdGuard
	pkgs     *pkgstore.Store
	addrInfo *addrInfoStore
}

// NewDispatcher builds a Dispatcher with the standard file/network/other
// tables registered, guarding preservedFD (the driver fd) and preCloseFD
// (the host-only sentinel fd) against TEE-issued close/dup/dup2. It owns a
// pkgstore.Store for the large-payload pkg_send/pkg_recv/pkg_terminate
// operations and starts its background sweeper.
func NewDispatcher(preservedFD, preCloseFD int) *Dispatcher {
	d := &Dispatcher{
		fileTable:    funcTable{},
		networkTable: funcTable{},
		otherTable:   funcTable{},
		guard:        newFDGuard(preservedFD, preCloseFD),
		pkgs:         pkgstore.New(),
		addrInfo:     newAddrInfoStore(),
	}

	d.pkgs.StartSweeper()

	registerFileTable(d)
	registerNetworkTable(d)
	registerOtherTable(d)

	return d
}

// Close releases the dispatcher's background resources.
func (d *Dispatcher) Close() {
	d.pkgs.Stop()
}

func (d *Dispatcher) register(t Table, funcID uint32, argCount int, h HandlerFunc) {
	var table funcTable

	switch t {
	case TableFile:
		table = d.fileTable
	case TableNetwork:
		table = d.networkTable
	case TableOther:
		table = d.otherTable
	}

	table[funcID] = entry{argCount: argCount, handler: h}
}

// Dispatch decodes req's self-describing argument buffer, looks up
// (table, funcID) in the corresponding table, validates the declared
// argument count, and invokes the handler.
func (d *Dispatcher) Dispatch(table Table, funcID uint32, req []byte) []byte {
	args, err := serialize.Decode(req)
	if err != nil {
		return encodeError(fmt.Errorf("posixproxy: decode request: %w", err))
	}

	var t funcTable

	switch table {
	case TableFile:
		t = d.fileTable
	case TableNetwork:
		t = d.networkTable
	case TableOther:
		t = d.otherTable
	default:
		return encodeError(fmt.Errorf("posixproxy: unknown table %d", table))
	}

	e, ok := t[funcID]
	if !ok {
		return encodeError(fmt.Errorf("posixproxy: unknown func %d in table %s", funcID, table))
	}

	if len(args) != e.argCount {
		return encodeError(fmt.Errorf("posixproxy: func %d in table %s: expected %d args, got %d", funcID, table, e.argCount, len(args)))
	}

	out, err := e.handler(d, args)
	if err != nil {
		return encodeError(err)
	}

	return serialize.Encode(out)
}

// encodeError renders a failed call as a (ret, errno) pair of int64s with
// ret = -1, the convention every handler below follows: ret < 0 means failure.
func encodeError(err error) []byte {
	return serialize.Encode([]serialize.Arg{serialize.Int64(-1), serialize.Int64(int64(errnoFromError(err)))})
}
