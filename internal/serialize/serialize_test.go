package serialize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	args := []Arg{
		Int64(42),
		Pointer([]byte("hello")),
		Int64(-7),
	}

	buf := Encode(args)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, int64(42), got[0].I64)
	assert.Equal(t, []byte("hello"), got[1].Ptr)
	assert.Equal(t, int64(-7), got[2].I64)
}

func TestDecodeEmptyArgs(t *testing.T) {
	buf := Encode(nil)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	assert.Error(t, err)
}

func TestDecodeTruncatedPointerPayload(t *testing.T) {
	buf := Encode([]Arg{Pointer([]byte("abcdef"))})
	_, err := Decode(buf[:len(buf)-3])
	assert.Error(t, err)
}

func TestExpectInt64WrongTag(t *testing.T) {
	args := []Arg{Pointer([]byte("x"))}
	_, err := ExpectInt64(args, 0)
	assert.Error(t, err)
}

func TestExpectPointerWrongTag(t *testing.T) {
	args := []Arg{Int64(1)}
	_, err := ExpectPointer(args, 0)
	assert.Error(t, err)
}

func TestExpectMissingArg(t *testing.T) {
	_, err := ExpectInt64(nil, 0)
	assert.Error(t, err)
}

func TestPointerBorrowsUnderlyingBuffer(t *testing.T) {
	buf := Encode([]Arg{Pointer([]byte("mutate-me"))})

	got, err := Decode(buf)
	require.NoError(t, err)

	// Decode borrows directly into buf; mutating the decoded slice should
	// be visible in buf, proving no copy was made.
	got[0].Ptr[0] = 'M'

	assert.Equal(t, byte('M'), buf[len(buf)-len("mutate-me")])
}
