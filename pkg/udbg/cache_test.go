package udbg

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualQueryFindsContainingPage(t *testing.T) {
	target := NewTarget(1, "")
	calls := 0
	fetch := func() ([]MemoryPage, error) {
		calls++
		return []MemoryPage{
			{Base: 0x1000, Size: 0x1000, Protect: "r-xp"},
			{Base: 0x3000, Size: 0x2000, Protect: "rw-p"},
		}, nil
	}

	page, ok := target.VirtualQuery(nil, fetch, 0x3004)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x3000), page.Base)

	// An address in the hole between the two mappings.
	_, ok = target.VirtualQuery(nil, fetch, 0x2000)
	assert.False(t, ok)

	assert.Equal(t, 1, calls, "a second query inside the refresh window is served from cache")
}

func TestVirtualQueryServesStaleOnRefreshFailure(t *testing.T) {
	target := NewTarget(1, "")
	target.pagesAt = NewTimeCheck(time.Nanosecond)

	good := func() ([]MemoryPage, error) {
		return []MemoryPage{{Base: 0x1000, Size: 0x1000}}, nil
	}
	_, ok := target.VirtualQuery(nil, good, 0x1800)
	require.True(t, ok)

	time.Sleep(time.Millisecond)
	bad := func() ([]MemoryPage, error) { return nil, errors.New("maps unreadable") }
	page, ok := target.VirtualQuery(nil, bad, 0x1800)
	require.True(t, ok, "a failed refresh must not be treated as an empty map")
	assert.Equal(t, uintptr(0x1000), page.Base)
}

func TestRefreshModulesKeepsPreviousOnFailure(t *testing.T) {
	target := NewTarget(1, "")
	target.modsAt = NewTimeCheck(time.Nanosecond)

	target.RefreshModules(nil, func(known map[uintptr]*Module) (map[uintptr]*Module, error) {
		known[0x1000] = &Module{Name: "libc.so", Base: 0x1000}
		return known, nil
	})
	require.Len(t, target.Modules(), 1)

	time.Sleep(time.Millisecond)
	target.RefreshModules(nil, func(known map[uintptr]*Module) (map[uintptr]*Module, error) {
		return nil, errors.New("maps unreadable")
	})
	assert.Len(t, target.Modules(), 1)
}

func TestModuleByName(t *testing.T) {
	target := NewTarget(1, "")
	target.modsAt = NewTimeCheck(time.Nanosecond)
	target.RefreshModules(nil, func(known map[uintptr]*Module) (map[uintptr]*Module, error) {
		known[0x1000] = &Module{Name: "libc.so", Base: 0x1000}
		return known, nil
	})

	m, ok := target.ModuleByName("libc.so")
	require.True(t, ok)
	assert.Equal(t, uintptr(0x1000), m.Base)

	_, ok = target.ModuleByName("libm.so")
	assert.False(t, ok)
}
