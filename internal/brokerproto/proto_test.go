package brokerproto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := &Request{
		Command: CmdGetFD,
		Kind:    CallerKindVendor,
		UID:     1000,
		PID:     4242,
		XML:     []byte("<props/>"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))

	got, err := ReadRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRequestRejectsOversizedXML(t *testing.T) {
	req := &Request{Command: CmdGetFD, XML: make([]byte, MaxXMLSize+1)}

	var buf bytes.Buffer
	assert.Error(t, WriteRequest(&buf, req))
}

func TestReadRequestRejectsShortFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFramed(&buf, []byte{1, 2, 3}))

	_, err := ReadRequest(&buf)
	assert.Error(t, err)
}

func TestReadRequestRejectsTruncatedXML(t *testing.T) {
	body := make([]byte, 0, 20)
	body = append(body, 0, 0, 0, 0) // command
	body = append(body, 0, 0, 0, 0) // kind
	body = append(body, 0, 0, 0, 0) // uid
	body = append(body, 0, 0, 0, 0) // pid
	body = append(body, 0, 0, 0, 5) // claims 5 bytes of xml, supplies none

	var buf bytes.Buffer
	require.NoError(t, writeFramed(&buf, body))

	_, err := ReadRequest(&buf)
	assert.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{Major: 1, Minor: 2, TeeMaxAPILevel: 3, Err: ""}

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestResponseRoundTripWithError(t *testing.T) {
	resp := &Response{Err: "access denied"}

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))

	got, err := ReadResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, "access denied", got.Err)
}

func TestCommandTypeString(t *testing.T) {
	assert.Equal(t, "GET_FD", CmdGetFD.String())
	assert.Equal(t, "UNKNOWN", CommandType(99).String())
}

func TestCallerKindString(t *testing.T) {
	assert.Equal(t, "vendor", CallerKindVendor.String())
	assert.Equal(t, "unknown", CallerKind(99).String())
}
