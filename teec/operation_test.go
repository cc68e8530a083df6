package teec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeValueParam(t *testing.T) {
	op := &Operation{Params: [4]Param{
		{Type: ParamValueInOut, ValueA: 11, ValueB: 22},
	}}

	out, err := Encode(op, [16]byte{1}, 5, 6, 0)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), out.ParamTypes&0xF)
	assert.Equal(t, uint32(11), out.Params[0].BufLo)
	assert.Equal(t, uint32(22), out.Params[0].SizeLo)
}

func TestEncodeTempMemrefParam(t *testing.T) {
	op := &Operation{Params: [4]Param{
		{Type: ParamMemrefTempInput, TempBuf: []byte("payload")},
	}}

	out, err := Encode(op, [16]byte{}, 0, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, uint16(2), out.ParamTypes&0xF)
	assert.Equal(t, uint32(len("payload")), out.Params[0].SizeLo)
	assert.NotZero(t, out.Params[0].BufLo)
}

func TestEncodeTempMemrefRejectsNilBufWithNonZeroSize(t *testing.T) {
	op := &Operation{Params: [4]Param{
		{Type: ParamMemrefTempInput, TempBuf: nil, TempSize: 10},
	}}

	_, err := Encode(op, [16]byte{}, 0, 0, 0)
	assert.Error(t, err)
}

func TestEncodeTempMemrefSizeOnlyProbeIsAllowed(t *testing.T) {
	op := &Operation{Params: [4]Param{
		{Type: ParamMemrefTempOutput, TempBuf: nil, TempSize: 0},
	}}

	_, err := Encode(op, [16]byte{}, 0, 0, 0)
	assert.NoError(t, err)
}

func TestEncodePartialMemrefOverflowFails(t *testing.T) {
	parent := &SharedMemory{size: 16, Flags: SharedMemInOut}

	op := &Operation{Params: [4]Param{
		{Type: ParamMemrefPartialInput, Parent: parent, Offset: 10, Size: 10},
	}}

	_, err := Encode(op, [16]byte{}, 0, 0, 0)
	assert.Error(t, err)
}

func TestEncodePartialInputOnOutputOnlyParentFails(t *testing.T) {
	parent := &SharedMemory{size: 16, Flags: SharedMemOutput, buf: make([]byte, 16)}

	op := &Operation{Params: [4]Param{
		{Type: ParamMemrefPartialInput, Parent: parent, Offset: 0, Size: 8},
	}}

	_, err := Encode(op, [16]byte{}, 0, 0, 0)
	assert.Error(t, err)
}

func TestEncodeMemrefWholeUsesParentSizeAndZeroOffset(t *testing.T) {
	parent := &SharedMemory{size: 32, Flags: SharedMemInOut, buf: make([]byte, 32)}

	p := Param{Type: ParamMemrefWhole, Parent: parent, Offset: 5}
	op := &Operation{Params: [4]Param{p}}

	out, err := Encode(op, [16]byte{}, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(32), out.Params[0].SizeLo)
	assert.Equal(t, uint32(bufPtr(parent.buf)), out.Params[0].BufLo)
}

func TestEncodeIonParamRejectsNegativeFD(t *testing.T) {
	op := &Operation{Params: [4]Param{
		{Type: ParamIonInput, IonFD: -1, IonSize: 10},
	}}

	_, err := Encode(op, [16]byte{}, 0, 0, 0)
	assert.Error(t, err)
}

func TestEncodeIonParamRejectsZeroSize(t *testing.T) {
	op := &Operation{Params: [4]Param{
		{Type: ParamIonInput, IonFD: 3, IonSize: 0},
	}}

	_, err := Encode(op, [16]byte{}, 0, 0, 0)
	assert.Error(t, err)
}

func TestEncodePackedTypesWordPacksFourSlots(t *testing.T) {
	op := &Operation{Params: [4]Param{
		{Type: ParamValueInput, ValueA: 1},
		{Type: ParamMemrefTempInput, TempBuf: []byte("x")},
		{Type: ParamIonInput, IonFD: 1, IonSize: 1},
		{Type: ParamNone},
	}}

	out, err := Encode(op, [16]byte{}, 0, 0, 0)
	require.NoError(t, err)

	assert.Equal(t, uint16(1), (out.ParamTypes>>0)&0xF)
	assert.Equal(t, uint16(2), (out.ParamTypes>>4)&0xF)
	assert.Equal(t, uint16(3), (out.ParamTypes>>8)&0xF)
	assert.Equal(t, uint16(0), (out.ParamTypes>>12)&0xF)
}

func TestEncodeUnallocatedPartialMemrefUsesBufferPointer(t *testing.T) {
	buf := make([]byte, 16)
	parent := &SharedMemory{size: 16, Flags: SharedMemInOut, buf: buf}

	op := &Operation{Params: [4]Param{
		{Type: ParamMemrefPartialInOut, Parent: parent, Offset: 0, Size: 16},
	}}

	out, err := Encode(op, [16]byte{}, 0, 0, 0)
	require.NoError(t, err)
	assert.NotZero(t, out.Params[0].BufLo)
}
