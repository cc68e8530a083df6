package posixproxy

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/opentee/teec/internal/serialize"
)

func TestDecodeSockaddrInIPv4(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(unix.AF_INET))
	binary.BigEndian.PutUint16(buf[2:4], 8080)
	copy(buf[4:8], []byte{127, 0, 0, 1})

	addr, err := decodeSockaddrIn(buf)
	require.NoError(t, err)

	sa, ok := addr.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, 8080, sa.Port)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, sa.Addr)
}

func TestDecodeSockaddrInRejectsShortBuffer(t *testing.T) {
	_, err := decodeSockaddrIn(make([]byte, 4))
	assert.Error(t, err)
}

func TestDecodeSockaddrInRejectsUnknownFamily(t *testing.T) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], 99)

	_, err := decodeSockaddrIn(buf)
	assert.Error(t, err)
}

func TestDispatchSocketBindListenClose(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	sockReq := serialize.Encode([]serialize.Arg{
		serialize.Int64(unix.AF_INET),
		serialize.Int64(unix.SOCK_STREAM),
		serialize.Int64(0),
	})
	sockOut := d.Dispatch(TableNetwork, netSocket, sockReq)
	ret, _, _ := decodeRet(t, sockOut)
	require.GreaterOrEqual(t, ret, int64(0))
	fd := ret

	sa := make([]byte, 8)
	binary.LittleEndian.PutUint16(sa[0:2], uint16(unix.AF_INET))
	binary.BigEndian.PutUint16(sa[2:4], 0) // let the kernel pick a port
	copy(sa[4:8], []byte{127, 0, 0, 1})

	bindReq := serialize.Encode([]serialize.Arg{serialize.Int64(fd), serialize.Pointer(sa)})
	bindOut := d.Dispatch(TableNetwork, netBind, bindReq)
	ret, _, _ = decodeRet(t, bindOut)
	assert.Equal(t, int64(0), ret)

	listenReq := serialize.Encode([]serialize.Arg{serialize.Int64(fd), serialize.Int64(1)})
	listenOut := d.Dispatch(TableNetwork, netListen, listenReq)
	ret, _, _ = decodeRet(t, listenOut)
	assert.Equal(t, int64(0), ret)

	closeReq := serialize.Encode([]serialize.Arg{serialize.Int64(fd)})
	d.Dispatch(TableFile, fileClose, closeReq)
}

func TestDispatchGetAddrInfoMintsNonzeroListHandle(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	resultBuf := make([]byte, 8)

	req := serialize.Encode([]serialize.Arg{
		serialize.Pointer(nulTerminated("127.0.0.1")),
		serialize.Pointer(resultBuf),
	})

	out := d.Dispatch(TableNetwork, netGetAddrInfo, req)
	args, err := serialize.Decode(out)
	require.NoError(t, err)

	ret, err := serialize.ExpectInt64(args, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ret)

	handle := binary.LittleEndian.Uint64(resultBuf)
	assert.NotZero(t, handle)
}

func TestDispatchGetAddrInfoDoFetchWalksSingleNodeThenExhausts(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	resultBuf := make([]byte, 8)

	getReq := serialize.Encode([]serialize.Arg{
		serialize.Pointer(nulTerminated("127.0.0.1")),
		serialize.Pointer(resultBuf),
	})
	d.Dispatch(TableNetwork, netGetAddrInfo, getReq)

	handleBuf := make([]byte, 8)
	copy(handleBuf, resultBuf)
	addrOut := make([]byte, addrInfoSize)
	canonOut := make([]byte, niMaxHost)

	fetchReq := serialize.Encode([]serialize.Arg{
		serialize.Pointer(handleBuf),
		serialize.Pointer(addrOut),
		serialize.Pointer(canonOut),
	})
	out := d.Dispatch(TableNetwork, netGetAddrInfoDoFetch, fetchReq)
	ret, _, _ := decodeRet(t, out)
	assert.Equal(t, int64(0), ret)

	family := binary.LittleEndian.Uint32(addrOut[0:4])
	assert.Equal(t, uint32(unix.AF_INET), family)
	assert.Equal(t, []byte{127, 0, 0, 1}, addrOut[4:8])
	assert.Equal(t, "127.0.0.1", cString(canonOut))

	// The single node is exhausted: the handle buffer is now zero, and the
	// original head handle (still held by resultBuf) remains valid for free.
	assert.Zero(t, binary.LittleEndian.Uint64(handleBuf))

	freeReq := serialize.Encode([]serialize.Arg{
		serialize.Int64(int64(binary.LittleEndian.Uint64(resultBuf))),
	})
	freeOut := d.Dispatch(TableNetwork, netFreeAddrInfo, freeReq)
	freeRet, _, _ := decodeRet(t, freeOut)
	assert.Equal(t, int64(0), freeRet)
}

func TestDispatchGetAddrInfoDoFetchZeroHandleIsNoop(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	handleBuf := make([]byte, 8)
	addrOut := make([]byte, addrInfoSize)
	canonOut := make([]byte, niMaxHost)

	req := serialize.Encode([]serialize.Arg{
		serialize.Pointer(handleBuf),
		serialize.Pointer(addrOut),
		serialize.Pointer(canonOut),
	})
	out := d.Dispatch(TableNetwork, netGetAddrInfoDoFetch, req)
	ret, _, _ := decodeRet(t, out)
	assert.Equal(t, int64(0), ret)
}

func TestDispatchFreeAddrInfoReleasesList(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	resultBuf := make([]byte, 8)
	getReq := serialize.Encode([]serialize.Arg{
		serialize.Pointer(nulTerminated("127.0.0.1")),
		serialize.Pointer(resultBuf),
	})
	d.Dispatch(TableNetwork, netGetAddrInfo, getReq)
	handle := binary.LittleEndian.Uint64(resultBuf)
	require.NotZero(t, handle)

	freeReq := serialize.Encode([]serialize.Arg{serialize.Int64(int64(handle))})
	out := d.Dispatch(TableNetwork, netFreeAddrInfo, freeReq)
	ret, _, _ := decodeRet(t, out)
	assert.Equal(t, int64(0), ret)

	_, _, ok := d.addrInfo.fetch(handle)
	assert.False(t, ok)
}
