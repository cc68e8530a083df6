package agent

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTaLibDistinguishesNilUUID(t *testing.T) {
	assert.False(t, isTaLib(uuid.Nil))
	assert.True(t, isTaLib(uuid.New()))
}

func TestLoadRejectsWrongSuffix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	a := NewSecLibAgent(filepath.Dir(path))
	err := a.load(path, FileTypeTA, [16]byte{})
	assert.Error(t, err)
}

func TestLoadRejectsPathOutsideAllowedRoot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.sec")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	a := NewSecLibAgent(t.TempDir()) // a different, unrelated root
	err := a.load(path, FileTypeTA, [16]byte{})
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	a := NewSecLibAgent("/")
	err := a.load("/no/such/image.sec", FileTypeTA, [16]byte{})
	assert.Error(t, err)
}

func buildSecLibRequest(fileType FileType, path string) []byte {
	buf := make([]byte, secLibRequestHeader+len(path))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(fileType))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(path)))
	copy(buf[secLibRequestHeader:], path)
	return buf
}

func TestDispatchFailsOnRejectedPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.txt") // wrong suffix
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	a := NewSecLibAgent(dir)
	req := buildSecLibRequest(FileTypeTA, path)

	out := a.Dispatch(req)
	assert.Equal(t, uint32(0xffffffff), binary.LittleEndian.Uint32(out[0:4]))
}

func TestDispatchRejectsShortControlBuffer(t *testing.T) {
	a := NewSecLibAgent("/")

	out := a.Dispatch([]byte{1, 2, 3})
	assert.Equal(t, uint32(0xffffffff), binary.LittleEndian.Uint32(out[0:4]))
}

func TestDispatchRejectsTruncatedPathLength(t *testing.T) {
	a := NewSecLibAgent("/")

	buf := make([]byte, secLibRequestHeader)
	binary.LittleEndian.PutUint32(buf[20:24], 999) // claims far more path bytes than supplied

	out := a.Dispatch(buf)
	assert.Equal(t, uint32(0xffffffff), binary.LittleEndian.Uint32(out[0:4]))
}
