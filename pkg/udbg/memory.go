package udbg

import (
	"encoding/binary"
	"unicode/utf8"
)

// ReadMemory is the single read primitive every derived op is built on.
// It is best-effort: a partial-read success returns a shorter slice of
// out; a fully failed access returns nil. No exceptions, no panics.
type ReadMemory interface {
	ReadMemory(addr uintptr, out []byte) []byte
}

// WriteMemory is the single write primitive derived writes are built on.
// It is best-effort: it returns the number of bytes actually written,
// which may be less than len(data) on a partial write, or 0 on failure.
type WriteMemory interface {
	WriteMemory(addr uintptr, data []byte) int
}

// TargetMemory is the combined read/write surface most callers want.
type TargetMemory interface {
	ReadMemory
	WriteMemory
}

// readUtilBufLen is the buffer size each scan pass re-fetches.
const readUtilBufLen = 100

// ReadUntilByte repeatedly reads readUtilBufLen-byte chunks starting at
// addr, stopping on the first byte satisfying pred, on maxCount reached,
// or on the first short/failed read. It concatenates everything read before stopping.
// Page-boundary handling is the caller's responsibility.
func ReadUntilByte(m ReadMemory, addr uintptr, pred func(byte) bool, maxCount int) []byte {
	result := make([]byte, 0, readUtilBufLen)
	var buf [readUtilBufLen]byte

	for {
		got := m.ReadMemory(addr, buf[:])
		if got == nil {
			break
		}

		pos := len(got)
		stop := false
		for i, b := range got {
			if pred(b) {
				pos = i
				stop = true
				break
			}
		}
		if len(result)+pos > maxCount {
			pos = maxCount - len(result)
			stop = true
		}
		result = append(result, got[:pos]...)
		if stop || len(got) < len(buf) {
			break
		}
		addr += uintptr(len(got))
	}
	return result
}

// ReadCString reads a NUL-terminated byte string, capped at max bytes
// (default 1000 if max <= 0). It rejects (returns nil, false) an empty
// result or a single control byte.
func ReadCString(m ReadMemory, addr uintptr, max int) ([]byte, bool) {
	if max <= 0 {
		max = 1000
	}
	result := ReadUntilByte(m, addr, func(b byte) bool { return b == 0 }, max)
	if len(result) == 0 || (len(result) == 1 && result[0] < ' ') {
		return nil, false
	}
	return result, true
}

// ReadUTF8String reads a C-string then validates it as strict UTF-8.
func ReadUTF8String(m ReadMemory, addr uintptr, max int) (string, bool) {
	raw, ok := ReadCString(m, addr, max)
	if !ok {
		return "", false
	}
	if !utf8.Valid(raw) {
		return "", false
	}
	return string(raw), true
}

// ReadBytes allocates a buffer of size, truncated to the actually-read
// length.
func ReadBytes(m ReadMemory, addr uintptr, size int) []byte {
	buf := make([]byte, size)
	got := m.ReadMemory(addr, buf)
	if got == nil {
		return buf[:0]
	}
	return buf[:len(got)]
}

// FixedSize is implemented by values whose in-memory layout has a constant
// byte size known without reflection, so ReadValue/WriteValue can move them
// to/from raw bytes without unsafe pointer casts.
type FixedSize interface {
	// ByteSize returns the number of bytes this value occupies in the
	// tracee's address space.
	ByteSize() int
}

// ReadValue reads exactly sizeof(v) bytes into v via codec, returning false
// if fewer bytes were delivered — a partial read must never be reported as
// a value with an uninitialised tail.
func ReadValue(m ReadMemory, addr uintptr, v FixedSize, decode func([]byte) error) bool {
	buf := make([]byte, v.ByteSize())
	got := m.ReadMemory(addr, buf)
	if got == nil || len(got) != len(buf) {
		return false
	}
	return decode(got) == nil
}

// ReadUint reads a fixed-width unsigned integer via binary.Read-equivalent
// byte-order decoding, reporting atomicity: ok is true iff exactly size
// bytes were read.
func ReadUint(m ReadMemory, addr uintptr, size int, order binary.ByteOrder) (value uint64, ok bool) {
	buf := make([]byte, size)
	got := m.ReadMemory(addr, buf)
	if got == nil || len(got) != size {
		return 0, false
	}
	switch size {
	case 1:
		return uint64(got[0]), true
	case 2:
		return uint64(order.Uint16(got)), true
	case 4:
		return uint64(order.Uint32(got)), true
	case 8:
		return order.Uint64(got), true
	default:
		return 0, false
	}
}

// ReadArray performs count independently-attempted fixed-width reads,
// returning one (value, ok) pair per element.
func ReadArray(m ReadMemory, addr uintptr, count int, elemSize int, order binary.ByteOrder) []struct {
	Value uint64
	Ok    bool
} {
	out := make([]struct {
		Value uint64
		Ok    bool
	}, count)
	for i := 0; i < count; i++ {
		v, ok := ReadUint(m, addr+uintptr(i*elemSize), elemSize, order)
		out[i] = struct {
			Value uint64
			Ok    bool
		}{v, ok}
	}
	return out
}

// ReadMultilevel follows a multi-level pointer: p = base; for each offset o,
// p = *(p+o) (read as a pointerSize-wide uint), returning none if any
// intermediate pointer is zero or unreadable; the final dereference reads
// a pointerSize-wide value at p and returns it. Values of any other width
// are not read.
func ReadMultilevel(m ReadMemory, base uintptr, offsets []uintptr, pointerSize int, order binary.ByteOrder) (uintptr, bool) {
	p := base
	for _, o := range offsets {
		if p == 0 {
			return 0, false
		}
		v, ok := ReadUint(m, p+o, pointerSize, order)
		if !ok {
			return 0, false
		}
		p = uintptr(v)
	}
	if p == 0 {
		return 0, false
	}
	v, ok := ReadUint(m, p, pointerSize, order)
	if !ok {
		return 0, false
	}
	return uintptr(v), true
}

// WriteValue writes v's raw bytes (as produced by encode) to addr, returning
// the number of bytes written.
func WriteValue(m WriteMemory, addr uintptr, encode func() []byte) int {
	return m.WriteMemory(addr, encode())
}

// WriteArray writes a contiguous byte view of data to addr.
func WriteArray(m WriteMemory, addr uintptr, data []byte) int {
	return m.WriteMemory(addr, data)
}

// WriteCString writes data followed by one zero byte, returning the total
// bytes written (or less, on a partial failure at either stage).
func WriteCString(m WriteMemory, addr uintptr, data []byte) int {
	n := m.WriteMemory(addr, data)
	if n != len(data) {
		return n
	}
	n2 := m.WriteMemory(addr+uintptr(len(data)), []byte{0})
	return n + n2
}
