package udbg

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemory is a flat byte-slice tracee address space for tests, with an
// optional short-read/short-write cutoff to exercise partial-failure paths.
type fakeMemory struct {
	buf      []byte
	maxRead  int // 0 means unlimited
	maxWrite int // 0 means unlimited
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (f *fakeMemory) ReadMemory(addr uintptr, out []byte) []byte {
	if int(addr) >= len(f.buf) {
		return nil
	}
	n := copy(out, f.buf[addr:])
	if f.maxRead > 0 && n > f.maxRead {
		n = f.maxRead
	}
	return out[:n]
}

func (f *fakeMemory) WriteMemory(addr uintptr, data []byte) int {
	if int(addr) >= len(f.buf) {
		return 0
	}
	n := copy(f.buf[addr:], data)
	if f.maxWrite > 0 && n > f.maxWrite {
		n = f.maxWrite
	}
	return n
}

func TestMemoryRoundTrip(t *testing.T) {
	m := newFakeMemory(64)
	data := []byte("round-trip-payload")

	n := m.WriteMemory(4, data)
	require.Equal(t, len(data), n)

	got := m.ReadMemory(4, make([]byte, len(data)))
	assert.Equal(t, data, got)
}

func TestReadUintAtomicity(t *testing.T) {
	m := newFakeMemory(16)
	binary.LittleEndian.PutUint32(m.buf[0:], 0xdeadbeef)

	v, ok := ReadUint(m, 0, 4, binary.LittleEndian)
	require.True(t, ok)
	assert.Equal(t, uint64(0xdeadbeef), v)

	// A read that can only deliver a short slice must fail, not return a
	// value with an uninitialised tail.
	m.maxRead = 2
	_, ok = ReadUint(m, 0, 4, binary.LittleEndian)
	assert.False(t, ok)
}

func TestReadCStringBound(t *testing.T) {
	m := newFakeMemory(2048)
	payload := make([]byte, 1500)
	for i := range payload {
		payload[i] = 'a'
	}
	m.WriteMemory(0, payload)

	got, ok := ReadCString(m, 0, 0) // default cap 1000
	require.True(t, ok)
	assert.LessOrEqual(t, len(got), 1000)
	for _, b := range got {
		assert.NotZero(t, b)
	}
}

func TestReadCStringRejectsEmptyOrSingleControlByte(t *testing.T) {
	m := newFakeMemory(16)
	// First byte is the terminator: empty result.
	_, ok := ReadCString(m, 0, 0)
	assert.False(t, ok)

	// Single control byte followed by terminator.
	m.WriteMemory(0, []byte{0x01, 0x00})
	_, ok = ReadCString(m, 0, 0)
	assert.False(t, ok)
}

func TestReadUTF8StringRejectsInvalidBytes(t *testing.T) {
	m := newFakeMemory(16)
	m.WriteMemory(0, []byte{0xff, 0xfe, 0x00})
	_, ok := ReadUTF8String(m, 0, 0)
	assert.False(t, ok)

	m2 := newFakeMemory(16)
	m2.WriteMemory(0, []byte("hi\x00"))
	s, ok := ReadUTF8String(m2, 0, 0)
	require.True(t, ok)
	assert.Equal(t, "hi", s)
}

func TestReadBytesTruncatesToActuallyRead(t *testing.T) {
	m := newFakeMemory(8)
	m.maxRead = 3
	got := ReadBytes(m, 0, 8)
	assert.Len(t, got, 3)
}

func TestReadMultilevelPointerChase(t *testing.T) {
	m := newFakeMemory(256)
	// base -> p1 -> p2; the final dereference reads the value stored at p2.
	binary.LittleEndian.PutUint64(m.buf[0x10:], 0x40) // *(base+0) = 0x40
	binary.LittleEndian.PutUint64(m.buf[0x48:], 0x90) // *(0x40+8) = 0x90
	binary.LittleEndian.PutUint64(m.buf[0x90:], 0xcafebabe)

	v, ok := ReadMultilevel(m, 0x10, []uintptr{0, 8}, 8, binary.LittleEndian)
	require.True(t, ok)
	assert.Equal(t, uintptr(0xcafebabe), v)
}

func TestReadMultilevelStopsOnNilPointer(t *testing.T) {
	m := newFakeMemory(64)
	_, ok := ReadMultilevel(m, 0, []uintptr{0}, 8, binary.LittleEndian)
	assert.False(t, ok)
}

func TestWriteCStringAppendsTerminator(t *testing.T) {
	m := newFakeMemory(32)
	n := WriteCString(m, 0, []byte("hello"))
	assert.Equal(t, 6, n)
	assert.Equal(t, byte(0), m.buf[5])
}
