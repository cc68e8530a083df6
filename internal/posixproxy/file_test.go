package posixproxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/opentee/teec/internal/serialize"
)

func TestDispatchFchownChangesGroupToCurrent(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	path := filepath.Join(t.TempDir(), "chown.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	req := serialize.Encode([]serialize.Arg{
		serialize.Int64(int64(fd)),
		serialize.Int64(int64(os.Getuid())),
		serialize.Int64(int64(os.Getgid())),
	})
	out := d.Dispatch(TableFile, fileFchown, req)
	ret, _, _ := decodeRet(t, out)
	assert.Equal(t, int64(0), ret)
}

func TestDispatchSymlinkThenReadlinkRoundTrip(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	link := filepath.Join(dir, "link.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	symReq := serialize.Encode([]serialize.Arg{
		serialize.Pointer(nulTerminated(target)),
		serialize.Pointer(nulTerminated(link)),
	})
	symOut := d.Dispatch(TableFile, fileSymlink, symReq)
	ret, _, _ := decodeRet(t, symOut)
	require.Equal(t, int64(0), ret)

	readBuf := make([]byte, len(target)+8)
	readReq := serialize.Encode([]serialize.Arg{
		serialize.Pointer(nulTerminated(link)),
		serialize.Pointer(readBuf),
	})
	readOut := d.Dispatch(TableFile, fileReadlink, readReq)
	ret, _, _ = decodeRet(t, readOut)
	require.Equal(t, int64(len(target)), ret)
	assert.Equal(t, target, string(readBuf[:ret]))
}

func TestDispatchMmapReadsFileContentIntoBuffer(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	path := filepath.Join(t.TempDir(), "mmap.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	buf := make([]byte, 11)
	req := serialize.Encode([]serialize.Arg{
		serialize.Int64(int64(fd)),
		serialize.Int64(0),
		serialize.Pointer(buf),
	})
	out := d.Dispatch(TableFile, fileMmap, req)
	ret, _, _ := decodeRet(t, out)
	assert.Equal(t, int64(11), ret)
	assert.Equal(t, "hello world", string(buf))
}

func TestDispatchMsyncWritesBufferBackToFile(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	path := filepath.Join(t.TempDir(), "msync.txt")
	require.NoError(t, os.WriteFile(path, []byte("xxxxxxxxxxx"), 0o644))

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	req := serialize.Encode([]serialize.Arg{
		serialize.Int64(int64(fd)),
		serialize.Int64(0),
		serialize.Pointer([]byte("hello world")),
	})
	out := d.Dispatch(TableFile, fileMsync, req)
	ret, _, _ := decodeRet(t, out)
	assert.Equal(t, int64(11), ret)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDispatchSendfileCopiesBetweenFDs(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src.txt")
	dstPath := filepath.Join(dir, "dst.txt")
	require.NoError(t, os.WriteFile(srcPath, []byte("hello world"), 0o644))

	srcFD, err := unix.Open(srcPath, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(srcFD)

	dstFD, err := unix.Open(dstPath, unix.O_CREAT|unix.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer unix.Close(dstFD)

	req := serialize.Encode([]serialize.Arg{
		serialize.Int64(int64(dstFD)),
		serialize.Int64(int64(srcFD)),
		serialize.Int64(11),
	})
	out := d.Dispatch(TableFile, fileSendfile, req)
	ret, _, _ := decodeRet(t, out)
	assert.Equal(t, int64(11), ret)

	data, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDispatchRmdirRemovesEmptyDirectory(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	dir := filepath.Join(t.TempDir(), "sub")
	require.NoError(t, os.Mkdir(dir, 0o755))

	req := serialize.Encode([]serialize.Arg{serialize.Pointer(nulTerminated(dir))})
	out := d.Dispatch(TableFile, fileRmdir, req)
	ret, _, _ := decodeRet(t, out)
	assert.Equal(t, int64(0), ret)

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestDispatchRealpathResolvesSymlink(t *testing.T) {
	d := NewDispatcher(-1, -1)
	defer d.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	link := filepath.Join(dir, "link.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, link))

	outBuf := make([]byte, len(target)+8)
	req := serialize.Encode([]serialize.Arg{
		serialize.Pointer(nulTerminated(link)),
		serialize.Pointer(outBuf),
	})
	out := d.Dispatch(TableFile, fileRealpath, req)
	ret, _, _ := decodeRet(t, out)
	require.Equal(t, int64(len(target)), ret)
	assert.Equal(t, target, string(outBuf[:ret]))
}
