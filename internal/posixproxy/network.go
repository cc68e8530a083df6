package posixproxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/opentee/teec/internal/serialize"
)

const (
	netSocket uint32 = iota
	netConnect
	netBind
	netListen
	netAccept
	netSend
	netRecv
	netGetAddrInfo
	netGetAddrInfoDoFetch
	netFreeAddrInfo
	netSetsockopt
)

func registerNetworkTable(d *Dispatcher) {
	d.register(TableNetwork, netSocket, 3, handleSocket)
	d.register(TableNetwork, netConnect, 2, handleConnect)
	d.register(TableNetwork, netBind, 2, handleBind)
	d.register(TableNetwork, netListen, 2, handleListen)
	d.register(TableNetwork, netAccept, 1, handleAccept)
	d.register(TableNetwork, netSend, 3, handleSend)
	d.register(TableNetwork, netRecv, 3, handleRecv)
	d.register(TableNetwork, netGetAddrInfo, 2, handleGetAddrInfo)
	d.register(TableNetwork, netGetAddrInfoDoFetch, 3, handleGetAddrInfoDoFetch)
	d.register(TableNetwork, netFreeAddrInfo, 1, handleFreeAddrInfo)
	d.register(TableNetwork, netSetsockopt, 4, handleSetsockopt)
}

func handleSocket(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	domain, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	typ, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	proto, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	fd, err := unix.Socket(int(domain), int(typ), int(proto))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(fd)), nil
}

func handleConnect(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	sa, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	addr, err := decodeSockaddrIn(sa)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Connect(int(fd), addr); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleBind(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	sa, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	addr, err := decodeSockaddrIn(sa)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Bind(int(fd), addr); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleListen(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	backlog, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Listen(int(fd), int(backlog)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func handleAccept(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	newFD, _, err := unix.Accept(int(fd))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(newFD)), nil
}

func handleSend(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	buf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	flags, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	if err := unix.Send(int(fd), buf, int(flags)); err != nil {
		return errno2(err)
	}

	return ok2(int64(len(buf))), nil
}

func handleRecv(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	buf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	flags, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	n, _, err := unix.Recvfrom(int(fd), buf, int(flags))
	if err != nil {
		return errno2(err)
	}

	return ok2(int64(n)), nil
}

// handleGetAddrInfo, handleGetAddrInfoDoFetch and handleFreeAddrInfo
// implement the opaque-list-handle contract of posix_network.c's
// NetGetAddrInfo/NetGetAddrInfoDoFetch/NetFreeAddrInfo trio: getaddrinfo
// resolves eagerly but hands back only an opaque list handle, never the
// resolved data itself; a do_fetch call walks the list one node per call,
// copying that node's address and canonical name into caller-provided
// out-slots and advancing the caller's handle variable in place; freeaddrinfo
// releases whatever remains of the list by that same handle.
const (
	niMaxHost = 1025
	// addrInfoSize is 4 bytes of address family tag plus 16 bytes of address
	// storage (wide enough for an IPv6 address; IPv4 uses the first 4).
	addrInfoSize = 20
)

// addrInfoEntry is one resolved address, the unit do_fetch copies out.
type addrInfoEntry struct {
	family    uint32
	addr      [16]byte
	canonname string
}

// addrInfoList is the result of a single getaddrinfo call, walked one entry
// per do_fetch request.
type addrInfoList struct {
	entries []addrInfoEntry
}

// addrInfoStore holds the opaque lists minted by getaddrinfo until a matching
// freeaddrinfo call releases them. A list's position within the iteration is
// carried by the caller in the handle itself (listID in the high 32 bits,
// cursor in the low 32 bits), mirroring how the original CA code advances its
// own addr_info_handle variable in place across do_fetch calls; the store
// only needs to resolve a listID back to its entries, and to forget the list
// on free regardless of how far the cursor had advanced.
type addrInfoStore struct {
	mu     sync.Mutex
	lists  map[uint64]*addrInfoList
	nextID uint64
}

func newAddrInfoStore() *addrInfoStore {
	return &addrInfoStore{lists: make(map[uint64]*addrInfoList)}
}

// put stores entries under a freshly minted listID and returns the initial
// handle (cursor 0). An empty entries list mints nothing and returns 0, the
// same "no list" sentinel the original's NULL addrinfo* head represents.
func (s *addrInfoStore) put(entries []addrInfoEntry) uint64 {
	if len(entries) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.lists[id] = &addrInfoList{entries: entries}

	return encodeAddrInfoHandle(id, 0)
}

// fetch resolves handle to its current entry and the handle of the node
// after it (0 once the list is exhausted, matching ai_next == NULL on the
// last node). ok is false only when the handle's list is unknown (already
// freed, or never issued).
func (s *addrInfoStore) fetch(handle uint64) (entry addrInfoEntry, next uint64, ok bool) {
	id, cursor := decodeAddrInfoHandle(handle)

	s.mu.Lock()
	list, found := s.lists[id]
	s.mu.Unlock()

	if !found || cursor >= uint32(len(list.entries)) {
		return addrInfoEntry{}, 0, false
	}

	entry = list.entries[cursor]

	if next := cursor + 1; next < uint32(len(list.entries)) {
		return entry, encodeAddrInfoHandle(id, next), true
	}

	return entry, 0, true
}

// release drops the list handle's listID refers to, regardless of the
// cursor position encoded in handle. A handle for an already-freed or
// unknown list is accepted silently, matching freeaddrinfo's tolerance of a
// NULL pointer.
func (s *addrInfoStore) release(handle uint64) {
	if handle == 0 {
		return
	}

	id, _ := decodeAddrInfoHandle(handle)

	s.mu.Lock()
	delete(s.lists, id)
	s.mu.Unlock()
}

func encodeAddrInfoHandle(id uint64, cursor uint32) uint64 {
	return id<<32 | uint64(cursor)
}

func decodeAddrInfoHandle(handle uint64) (id uint64, cursor uint32) {
	return handle >> 32, uint32(handle & 0xffffffff)
}

func handleGetAddrInfo(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	hostBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	resultBuf, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	if len(resultBuf) < 8 {
		return errno2(unix.EINVAL)
	}

	host := cString(hostBuf)
	if len(host) >= niMaxHost {
		return errno2(unix.ENAMETOOLONG)
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		return errno2(unix.EHOSTUNREACH)
	}

	entries := make([]addrInfoEntry, 0, len(addrs))

	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}

		e := addrInfoEntry{canonname: host}

		if ip4 := ip.To4(); ip4 != nil {
			e.family = uint32(unix.AF_INET)
			copy(e.addr[:], ip4)
		} else {
			e.family = uint32(unix.AF_INET6)
			copy(e.addr[:], ip.To16())
		}

		entries = append(entries, e)
	}

	handle := d.addrInfo.put(entries)
	binary.LittleEndian.PutUint64(resultBuf[0:8], handle)

	return ok2(int64(len(entries))), nil
}

// handleGetAddrInfoDoFetch walks one node of a getaddrinfo result list per
// call: args are the in/out list handle, a fixed-width addrInfoSize out-slot
// for the node's family/address, and an NI_MAXHOST-bounded out-slot for its
// canonical name. The handle buffer is overwritten in place with the next
// node's handle (0 once exhausted), exactly as the original overwrites
// *addr_info_handle with ai_next.
func handleGetAddrInfoDoFetch(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	handleBuf, err := serialize.ExpectPointer(args, 0)
	if err != nil {
		return errno2(err)
	}

	addrOut, err := serialize.ExpectPointer(args, 1)
	if err != nil {
		return errno2(err)
	}

	canonOut, err := serialize.ExpectPointer(args, 2)
	if err != nil {
		return errno2(err)
	}

	if len(handleBuf) < 8 || len(addrOut) < addrInfoSize {
		return errno2(unix.EINVAL)
	}

	handle := binary.LittleEndian.Uint64(handleBuf[0:8])
	if handle == 0 {
		return ok2(0), nil
	}

	entry, next, ok := d.addrInfo.fetch(handle)
	if !ok {
		return errno2(unix.EINVAL)
	}

	binary.LittleEndian.PutUint32(addrOut[0:4], entry.family)
	copy(addrOut[4:20], entry.addr[:])

	n := copy(canonOut, entry.canonname)
	if n < len(canonOut) {
		canonOut[n] = 0
	}

	binary.LittleEndian.PutUint64(handleBuf[0:8], next)

	return ok2(0), nil
}

func handleFreeAddrInfo(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	handle, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	d.addrInfo.release(uint64(handle))

	return ok2(0), nil
}

func handleSetsockopt(d *Dispatcher, args []serialize.Arg) ([]serialize.Arg, error) {
	fd, err := serialize.ExpectInt64(args, 0)
	if err != nil {
		return errno2(err)
	}

	level, err := serialize.ExpectInt64(args, 1)
	if err != nil {
		return errno2(err)
	}

	opt, err := serialize.ExpectInt64(args, 2)
	if err != nil {
		return errno2(err)
	}

	val, err := serialize.ExpectInt64(args, 3)
	if err != nil {
		return errno2(err)
	}

	if err := unix.SetsockoptInt(int(fd), int(level), int(opt), int(val)); err != nil {
		return errno2(err)
	}

	return ok2(0), nil
}

func decodeSockaddrIn(buf []byte) (unix.Sockaddr, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("posixproxy: sockaddr buffer too short")
	}

	family := binary.LittleEndian.Uint16(buf[0:2])
	port := binary.BigEndian.Uint16(buf[2:4])

	switch family {
	case unix.AF_INET:
		var sa unix.SockaddrInet4
		sa.Port = int(port)
		copy(sa.Addr[:], buf[4:8])

		return &sa, nil

	case unix.AF_INET6:
		if len(buf) < 20 {
			return nil, fmt.Errorf("posixproxy: sockaddr6 buffer too short")
		}

		var sa unix.SockaddrInet6
		sa.Port = int(port)
		copy(sa.Addr[:], buf[4:20])

		return &sa, nil

	default:
		return nil, fmt.Errorf("posixproxy: unsupported sockaddr family %d", family)
	}
}
