package teec

import (
	"fmt"
)

// ParamType identifies the shape of one of an Operation's four parameter
// slots. Packed one 4-bit nibble per slot into a paramTypes word on the
// wire, per the driver's 4-bit-per-slot packing.
type ParamType uint8

const (
	ParamNone ParamType = iota
	ParamValueInput
	ParamValueOutput
	ParamValueInOut
	ParamMemrefTempInput
	ParamMemrefTempOutput
	ParamMemrefTempInOut
	ParamMemrefWhole
	ParamMemrefPartialInput
	ParamMemrefPartialOutput
	ParamMemrefPartialInOut
	ParamIonInput
	ParamIonInOut
)

func (t ParamType) isMemref() bool {
	switch t {
	case ParamMemrefTempInput, ParamMemrefTempOutput, ParamMemrefTempInOut,
		ParamMemrefWhole, ParamMemrefPartialInput, ParamMemrefPartialOutput, ParamMemrefPartialInOut:
		return true
	default:
		return false
	}
}

func (t ParamType) isValue() bool {
	switch t {
	case ParamValueInput, ParamValueOutput, ParamValueInOut:
		return true
	default:
		return false
	}
}

func (t ParamType) isIon() bool {
	return t == ParamIonInput || t == ParamIonInOut
}

func (t ParamType) isTemp() bool {
	switch t {
	case ParamMemrefTempInput, ParamMemrefTempOutput, ParamMemrefTempInOut:
		return true
	default:
		return false
	}
}

func (t ParamType) isPartial() bool {
	switch t {
	case ParamMemrefPartialInput, ParamMemrefPartialOutput, ParamMemrefPartialInOut:
		return true
	default:
		return false
	}
}

// Param is the tagged union spec.md describes: up to four of these make an
// Operation. Exactly one of the embedded structs is meaningful, selected by
// Type.
type Param struct {
	Type ParamType

	// Temp memory reference (pointer+len); Buf is nil iff Size is 0.
	TempBuf  []byte
	TempSize uint64 // used when TempBuf is nil but a size-only probe is wanted

	// Partial memory reference: an already-registered/allocated SharedMemory
	// plus an (offset, size) window into it.
	Parent *SharedMemory
	Offset uint64
	Size   uint64

	// Value pair.
	ValueA uint32
	ValueB uint32

	// Ion reference.
	IonFD   int32
	IonSize uint64
}

// Operation is a CA-supplied bundle of up to four parameters for one
// invocation.
type Operation struct {
	Params  [4]Param
	Started bool // set by Session.Invoke so RequestCancellation has a target
}

// DriverInvokeArgs is the driver-format struct built by Encode. Each
// pointer/size field is split into low/high 32-bit halves so the struct
// stays 32-bit-clean on a 64-bit host, per the marshalling design.
type DriverInvokeArgs struct {
	SessionID  uint32
	CommandID  uint32
	Login      uint32
	ParamTypes uint16 // four 4-bit type nibbles packed into the low 16 bits
	UUID       [16]byte

	Params [4]driverParam
}

type driverParam struct {
	// For memrefs: buffer pointer or shared-mem offset, split into halves.
	BufLo, BufHi uint32
	SizeLo, SizeHi uint32

	// For value params, A/B reuse BufLo/SizeLo; kept named for clarity at
	// call sites that only ever touch one shape.
}

// Encode validates op against the per-type constraints in the marshalling
// design and writes the driver-format struct. uuid is the TA's 16 raw UUID
// bytes; login is the driver's login-type selector (system/vendor/app,
// supplied by the auth broker's identity classification upstream of here).
func Encode(op *Operation, uuid [16]byte, sessionID, commandID, login uint32) (*DriverInvokeArgs, error) {
	out := &DriverInvokeArgs{
		SessionID: sessionID,
		CommandID: commandID,
		Login:     login,
		UUID:      uuid,
	}

	for i := range op.Params {
		p := &op.Params[i]
		out.ParamTypes |= uint16(packedType(p.Type)) << uint(i*4)

		if err := encodeParam(p, &out.Params[i]); err != nil {
			return nil, fmt.Errorf("param %d: %w", i, NewError(BadParameters, err))
		}
	}

	return out, nil
}

// packedType translates the four 4-bit types the driver's paramTypes word
// actually stores (None, Value, Memref, Ion) — the encoder has already
// resolved whole/partial/temp distinctions into the Params payload itself.
func packedType(t ParamType) uint8 {
	switch {
	case t == ParamNone:
		return 0
	case t.isValue():
		return 1
	case t.isMemref():
		return 2
	case t.isIon():
		return 3
	default:
		return 0
	}
}

func encodeParam(p *Param, dst *driverParam) error {
	switch {
	case p.Type == ParamNone:
		return nil

	case p.Type.isValue():
		dst.BufLo = p.ValueA
		dst.SizeLo = p.ValueB
		return nil

	case p.Type.isTemp():
		if (p.TempBuf == nil) != (tempSize(p) == 0) {
			return fmt.Errorf("temp memref: buf=nil iff size=0 violated")
		}

		size := tempSize(p)
		setSizeHalves(dst, size)

		if p.TempBuf != nil {
			setBufHalves(dst, bufPtr(p.TempBuf))
		}

		return nil

	case p.Type == ParamMemrefWhole || p.Type.isPartial():
		if p.Parent == nil {
			return fmt.Errorf("partial/whole memref: nil parent")
		}

		if p.Parent.size == 0 {
			return fmt.Errorf("partial/whole memref: zero-size parent")
		}

		size := p.Size
		if p.Type == ParamMemrefWhole {
			size = p.Parent.size
			p.Offset = 0
		}

		if p.Offset+size > p.Parent.size {
			return fmt.Errorf("partial memref: offset+size overflows parent (%d+%d > %d)", p.Offset, size, p.Parent.size)
		}

		if err := checkDirectionConsistency(p.Type, p.Parent.Flags); err != nil {
			return err
		}

		setSizeHalves(dst, size)

		if !p.Parent.allocated {
			// Not allocator-owned: the driver needs the buffer pointer
			// rather than an mmap offset, so translate to a TEMP_* style
			// encoding per the marshalling design point 4.
			setBufHalves(dst, bufPtr(p.Parent.buf)+p.Offset)
		} else {
			setBufHalves(dst, uint64(p.Parent.slot)*uint64(pageSize)+p.Offset)
		}

		return nil

	case p.Type.isIon():
		if p.IonFD < 0 {
			return fmt.Errorf("ion ref: negative fd")
		}

		if p.IonSize == 0 {
			return fmt.Errorf("ion ref: zero size")
		}

		dst.BufLo = uint32(p.IonFD)
		setSizeHalves(dst, p.IonSize)
		return nil

	default:
		return fmt.Errorf("unknown param type %v", p.Type)
	}
}

func tempSize(p *Param) uint64 {
	if p.TempBuf != nil {
		return uint64(len(p.TempBuf))
	}

	return p.TempSize
}

func bufPtr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}

	return uint64(uintptrOf(buf))
}

func setSizeHalves(dst *driverParam, size uint64) {
	dst.SizeLo = uint32(size)
	dst.SizeHi = uint32(size >> 32)
}

func setBufHalves(dst *driverParam, ptr uint64) {
	dst.BufLo = uint32(ptr)
	dst.BufHi = uint32(ptr >> 32)
}

// checkDirectionConsistency enforces that a partial memref's requested
// direction does not exceed the parent buffer's registered flags (an
// output-only parent cannot back an input-direction partial reference, etc).
func checkDirectionConsistency(paramType ParamType, parentFlags SharedMemFlags) error {
	switch paramType {
	case ParamMemrefPartialInput:
		if parentFlags == SharedMemOutput {
			return fmt.Errorf("partial input memref on output-only parent")
		}
	case ParamMemrefPartialOutput:
		if parentFlags == SharedMemInput {
			return fmt.Errorf("partial output memref on input-only parent")
		}
	case ParamMemrefPartialInOut, ParamMemrefWhole:
		// InOut/whole references are compatible with any parent direction.
	}

	return nil
}
