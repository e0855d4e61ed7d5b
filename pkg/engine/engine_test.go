package engine

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tinydbg/udbg/pkg/udbg"
)

// recordingCallback accumulates every Event it is handed, replying Run to
// everything so the tracee always runs to completion.
type recordingCallback struct {
	mu     sync.Mutex
	events []udbg.EventKind
}

func (r *recordingCallback) fn() udbg.Callback {
	return func(_ *udbg.Target, ev udbg.Event, _ *udbg.StopContext) udbg.Reply {
		r.mu.Lock()
		r.events = append(r.events, ev.Kind)
		r.mu.Unlock()
		return udbg.Reply{Kind: udbg.ReplyRun}
	}
}

func (r *recordingCallback) kinds() []udbg.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]udbg.EventKind, len(r.events))
	copy(out, r.events)
	return out
}

// requireBinTrue skips the test if /bin/true (or /usr/bin/true) is not on
// this machine's PATH, since Create forks and execs a real binary.
func requireBinTrue(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no \"true\" binary on PATH, skipping live ptrace test")
	}
	return path
}

func TestCreateRunsChildToProcessExit(t *testing.T) {
	path := requireBinTrue(t)

	rec := &recordingCallback{}
	host := udbg.NewHostServices(nil, nil)
	e, err := New(host, rec.fn())
	require.NoError(t, err)

	target, err := e.Create(path, nil)
	require.NoError(t, err)
	require.NotNil(t, target)
	// Create delivers InitBp and resumes before returning, so the target
	// is already running by the time the caller sees it.
	assert.Equal(t, udbg.StatusRunning, target.Status)

	require.NoError(t, e.Run())

	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, udbg.EventInitBp, kinds[0])
	assert.Equal(t, udbg.EventProcessExit, kinds[len(kinds)-1])

	// Run drains the engine's target set once every tracee has exited.
	assert.Empty(t, e.Targets())
}

func TestCreateSeedsThreadSetWithChildPid(t *testing.T) {
	path := requireBinTrue(t)

	rec := &recordingCallback{}
	host := udbg.NewHostServices(nil, nil)
	e, err := New(host, rec.fn())
	require.NoError(t, err)

	target, err := e.Create(path, nil)
	require.NoError(t, err)
	assert.True(t, target.HasThread(target.Pid))

	// Drain the process so the forked child doesn't linger as a zombie.
	require.NoError(t, e.Run())
}

func TestDetachDuringBlockingWait(t *testing.T) {
	path, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("no \"sleep\" binary on PATH, skipping live ptrace test")
	}

	rec := &recordingCallback{}
	host := udbg.NewHostServices(nil, nil)
	e, err := New(host, rec.fn())
	require.NoError(t, err)

	target, err := e.Create(path, []string{"30"})
	require.NoError(t, err)
	defer unix.Kill(int(target.Pid), unix.SIGKILL)

	// Detach only sets the latch and delivers a signal, so it is safe to
	// issue from another goroutine; the ptrace calls themselves stay on
	// this goroutine's locked OS thread, inside Run.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = e.Detach(target.Pid)
	}()

	// The loop is blocked in wait on a sleeping tracee; the detach latch
	// plus its interrupt signal must pop it out within bounded time.
	require.NoError(t, e.Run())

	assert.Equal(t, udbg.StatusEnded, target.Status)
	assert.Empty(t, e.Targets())
}
