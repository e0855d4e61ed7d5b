package udbg

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHandleTargetByPrefix(t *testing.T) {
	assert.Equal(t, HandleSocket, classifyHandleTarget("socket:[12345]", 0))
	assert.Equal(t, HandleFifo, classifyHandleTarget("pipe:[6789]", 0))
	assert.Equal(t, HandleFile, classifyHandleTarget("/var/log/app.log", 0))
	assert.Equal(t, HandleUnknown, classifyHandleTarget("", 0))
}

func TestClassifyHandleTargetByModeBits(t *testing.T) {
	assert.Equal(t, HandleSocket, classifyHandleTarget("anon", os.ModeSocket))
	assert.Equal(t, HandleFifo, classifyHandleTarget("anon", os.ModeNamedPipe))
	assert.Equal(t, HandleBlock, classifyHandleTarget("anon", os.ModeDevice))
}

func TestEnumerateHandlesSelf(t *testing.T) {
	handles, err := EnumerateHandles(int32(os.Getpid()))
	if err != nil {
		t.Skipf("procfs unavailable in this sandbox: %v", err)
	}
	assert.NotEmpty(t, handles)
}
