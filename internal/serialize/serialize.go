// Package serialize implements the POSIX proxy's self-describing argument
// wire format: a 4-byte argument count followed by (tag, payload) items,
// where a pointer item's payload is length-prefixed and a deserialized
// pointer is a borrowed slice into the caller's buffer, never a copy.
package serialize

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the shape of one argument.
type Tag uint8

const (
	TagInteger64 Tag = iota
	TagPointer
)

// Arg is one positional argument, tagged by shape.
type Arg struct {
	Tag Tag
	I64 int64
	Ptr []byte // borrowed slice into the decoded buffer for TagPointer
}

// Int64 constructs an integer argument.
func Int64(v int64) Arg { return Arg{Tag: TagInteger64, I64: v} }

// Pointer constructs a pointer argument carrying buf by reference.
func Pointer(buf []byte) Arg { return Arg{Tag: TagPointer, Ptr: buf} }

// Encode writes args as the wire format: a 4-byte count, then for each arg a
// 1-byte tag followed by either an 8-byte int64 or a 4-byte length plus that
// many bytes.
func Encode(args []Arg) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(len(args)))

	for _, a := range args {
		out = append(out, byte(a.Tag))

		switch a.Tag {
		case TagInteger64:
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(a.I64))
			out = append(out, buf[:]...)

		case TagPointer:
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(a.Ptr)))
			out = append(out, lenBuf[:]...)
			out = append(out, a.Ptr...)
		}
	}

	return out
}

// Decode parses buf into its argument list. Pointer arguments borrow
// directly into buf; callers must not retain the returned Args past buf's
// lifetime.
func Decode(buf []byte) ([]Arg, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("serialize: buffer too short for argument count")
	}

	count := binary.LittleEndian.Uint32(buf[0:4])
	rest := buf[4:]

	args := make([]Arg, 0, count)

	for i := uint32(0); i < count; i++ {
		if len(rest) < 1 {
			return nil, fmt.Errorf("serialize: buffer truncated before tag of arg %d", i)
		}

		tag := Tag(rest[0])
		rest = rest[1:]

		switch tag {
		case TagInteger64:
			if len(rest) < 8 {
				return nil, fmt.Errorf("serialize: buffer truncated in int64 arg %d", i)
			}

			v := int64(binary.LittleEndian.Uint64(rest[:8]))
			rest = rest[8:]
			args = append(args, Arg{Tag: TagInteger64, I64: v})

		case TagPointer:
			if len(rest) < 4 {
				return nil, fmt.Errorf("serialize: buffer truncated in pointer length of arg %d", i)
			}

			n := binary.LittleEndian.Uint32(rest[:4])
			rest = rest[4:]

			if uint32(len(rest)) < n {
				return nil, fmt.Errorf("serialize: buffer truncated in pointer payload of arg %d", i)
			}

			args = append(args, Arg{Tag: TagPointer, Ptr: rest[:n]})
			rest = rest[n:]

		default:
			return nil, fmt.Errorf("serialize: unknown tag %d at arg %d", tag, i)
		}
	}

	return args, nil
}

// ExpectInt64 returns args[i].I64, erroring if the tag does not match.
func ExpectInt64(args []Arg, i int) (int64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("serialize: missing arg %d", i)
	}

	if args[i].Tag != TagInteger64 {
		return 0, fmt.Errorf("serialize: arg %d: expected integer64, got tag %d", i, args[i].Tag)
	}

	return args[i].I64, nil
}

// ExpectPointer returns args[i].Ptr, erroring if the tag does not match.
func ExpectPointer(args []Arg, i int) ([]byte, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("serialize: missing arg %d", i)
	}

	if args[i].Tag != TagPointer {
		return nil, fmt.Errorf("serialize: arg %d: expected pointer, got tag %d", i, args[i].Tag)
	}

	return args[i].Ptr, nil
}
