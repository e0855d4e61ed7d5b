package udbg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeCheckThrottles(t *testing.T) {
	tc := NewTimeCheck(50 * time.Millisecond)
	calls := 0

	require.NoError(t, tc.Call(func() error { calls++; return nil }))
	require.NoError(t, tc.Call(func() error { calls++; return nil }))
	assert.Equal(t, 1, calls)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, tc.Call(func() error { calls++; return nil }))
	assert.Equal(t, 2, calls)
}

func TestTimeCheckDefaultsOnZeroDuration(t *testing.T) {
	tc := NewTimeCheck(0)
	assert.Equal(t, DefaultRefreshInterval, tc.duration)
}
