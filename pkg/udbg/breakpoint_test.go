package udbg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakpointAddAndUniqueness(t *testing.T) {
	m := newFakeMemory(64)
	m.WriteMemory(8, []byte{0x55}) // some arbitrary original instruction byte
	reg := NewBreakpointRegistry()

	bp, err := reg.Add(m, 8, AddOptions{Enable: true})
	require.NoError(t, err)
	assert.Equal(t, byte(0xCC), m.buf[8])
	assert.Equal(t, []byte{0x55}, bp.OriginalBytes)

	_, err = reg.Add(m, 8, AddOptions{Enable: true})
	require.Error(t, err)
	assert.True(t, Is(err, KindBpExists))
	assert.Equal(t, 1, reg.Len())
}

func TestBreakpointInvalidAddress(t *testing.T) {
	m := newFakeMemory(4)
	reg := NewBreakpointRegistry()
	_, err := reg.Add(m, 1000, AddOptions{})
	require.Error(t, err)
	assert.True(t, Is(err, KindInvalidAddress))
}

func TestSoftBreakpointReversibility(t *testing.T) {
	m := newFakeMemory(64)
	m.WriteMemory(16, []byte{0x90})
	reg := NewBreakpointRegistry()

	bp, err := reg.Add(m, 16, AddOptions{Enable: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Enable(m, bp.ID(), false))
		assert.Equal(t, byte(0x90), m.buf[16])
		require.NoError(t, reg.Enable(m, bp.ID(), true))
		assert.Equal(t, byte(0xCC), m.buf[16])
	}
}

func TestTempBreakpointSingleShot(t *testing.T) {
	m := newFakeMemory(64)
	m.WriteMemory(32, []byte{0x40})
	reg := NewBreakpointRegistry()

	bp, err := reg.Add(m, 32, AddOptions{Enable: true, Temp: true})
	require.NoError(t, err)

	reg.IncrementHit(bp.ID())
	reg.RemoveTempNoRestore(bp.ID())

	_, ok := reg.Get(bp.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestRemoveRestoresOriginalBytes(t *testing.T) {
	m := newFakeMemory(64)
	m.WriteMemory(5, []byte{0x7f})
	reg := NewBreakpointRegistry()

	bp, err := reg.Add(m, 5, AddOptions{Enable: true})
	require.NoError(t, err)
	require.NoError(t, reg.Remove(m, bp.ID()))

	assert.Equal(t, byte(0x7f), m.buf[5])
	_, ok := reg.Get(bp.ID())
	assert.False(t, ok)
}

func TestHardwareBreakpointsNotSupported(t *testing.T) {
	reg := NewBreakpointRegistry()
	_, err := reg.AddHard(0x1000, 4, true)
	require.Error(t, err)
	assert.True(t, Is(err, KindNotSupport))
	assert.Equal(t, 0, reg.Len())
}
