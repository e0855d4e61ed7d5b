// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package systrap is the ptrace-based backend for memory map snapshots,
// module cache plumbing, register view, the blocking wait primitive, and
// attach/create/detach/kill/break against a Linux tracee. It is adapted
// from gVisor's systrap subprocess thread-management code: the
// thread-level attach/detach/wait/init sequence and its
// panic-on-invariant-violation style are kept; gVisor's own sysmsg/stub
// shared-memory syscall-injection machinery (not needed by a ptrace-based
// debugger) is not.
package systrap

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinydbg/udbg/pkg/udbg"
)

// baseTraceOptions are the PTRACE_SETOPTIONS flags installed on every traced
// thread. TRACEFORK/TRACEVFORK are added conditionally by Attach
// when host.ConfigBool("trace_fork", false) is set.
const baseTraceOptions = unix.PTRACE_O_EXITKILL | unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC

// thread is a single traced OS thread: a convenience type for defining
// ptrace operations against one tid.
type thread struct {
	tgid int32
	tid  int32
}

// attach attaches to an already-running thread via PTRACE_ATTACH. Because
// PTRACE_ATTACH sends SIGSTOP, the thread always reaches signal-delivery-
// stop with SIGSTOP; anything else is a programming error.
func attach(tgid, tid int32) (*thread, error) {
	if err := unix.PtraceAttach(int(tid)); err != nil {
		return nil, udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace attach %d: %w", tid, err))
	}
	t := &thread{tgid: tgid, tid: tid}

	status, err := WaitTid(tid)
	if err != nil {
		return nil, udbg.NewError(udbg.KindSystem, err)
	}
	if !status.IsStopped() || status.StopSignal() != unix.SIGSTOP {
		panic(fmt.Sprintf("attach(%d): expected SIGSTOP, got %v", tid, status.WS))
	}
	return t, nil
}

// seize attaches via PTRACE_SEIZE, which does not stop the tracee and
// allows PTRACE_INTERRUPT-based cancellation later (used by detach's
// latch-then-interrupt mechanism when the loop is not itself blocked on
// this thread).
func seize(tgid, tid int32, traceFork bool) (*thread, error) {
	opts := baseTraceOptions
	if traceFork {
		opts |= unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK
	}
	if err := ptraceSeize(tid, opts); err != nil {
		return nil, udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace seize %d: %w", tid, err))
	}
	return &thread{tgid: tgid, tid: tid}, nil
}

// init installs trace options on an attached thread.
func (t *thread) init(traceFork bool) error {
	opts := baseTraceOptions
	if traceFork {
		opts |= unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK
	}
	if err := unix.PtraceSetOptions(int(t.tid), opts); err != nil {
		return udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace setoptions %d: %w", t.tid, err))
	}
	return nil
}

// detach detaches from the thread, forwarding sig (0 for none).
func (t *thread) detach(sig int) error {
	// unix.PtraceDetach always passes data=0, so the signal goes through the
	// raw syscall.
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_DETACH, uintptr(t.tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace detach %d: %w", t.tid, errno))
	}
	return nil
}

// cont resumes the thread, forwarding sig (0 for none).
func (t *thread) cont(sig int) error {
	if err := unix.PtraceCont(int(t.tid), sig); err != nil {
		return udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace cont %d: %w", t.tid, err))
	}
	return nil
}

// singleStep single-steps the thread, then waits for it to re-stop,
// confirming the resulting stop is on the same tid.
func (t *thread) singleStep(sig int) (RawStatus, error) {
	if err := unix.PtraceSingleStep(int(t.tid)); err != nil {
		return RawStatus{}, udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace singlestep %d: %w", t.tid, err))
	}
	status, err := WaitTid(t.tid)
	if err != nil {
		return RawStatus{}, udbg.NewError(udbg.KindSystem, err)
	}
	if status.Tid != t.tid {
		panic(fmt.Sprintf("singleStep(%d): wait returned tid %d", t.tid, status.Tid))
	}
	return status, nil
}

// stepNoWait issues PTRACE_SINGLESTEP for the thread and returns immediately,
// forwarding sig, without reaping the resulting stop — the caller's own wait
// loop observes and dispatches it, the same way cont leaves the next status
// for WaitAny rather than waiting on it itself. unix.PtraceSingleStep takes
// no signal argument (it always passes data=0 to the kernel), so this goes
// through the raw syscall directly, mirroring ptraceSeize/ptraceInterrupt.
func (t *thread) stepNoWait(sig int) error {
	if err := ptraceSingleStepNoWait(t.tid, sig); err != nil {
		return udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace singlestep (nowait) %d: %w", t.tid, err))
	}
	return nil
}

// interrupt asks a PTRACE_SEIZE'd thread to stop, used by detach's
// cancellation when the loop is blocked in wait.
func (t *thread) interrupt() error {
	if err := ptraceInterrupt(t.tid); err != nil {
		return udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace interrupt %d: %w", t.tid, err))
	}
	return nil
}

// kill delivers SIGKILL to the thread's process.
func (t *thread) kill() error {
	if err := unix.Kill(int(t.tgid), unix.SIGKILL); err != nil {
		return udbg.NewError(udbg.KindSystem, err)
	}
	return nil
}

// stop delivers SIGSTOP so the next wait reports a stop.
func (t *thread) stop() error {
	if err := unix.Kill(int(t.tgid), unix.SIGSTOP); err != nil {
		return udbg.NewError(udbg.KindSystem, err)
	}
	return nil
}

// ptraceSeize and ptraceInterrupt are not wrapped by golang.org/x/sys/unix's
// higher-level helpers, so they go through the raw syscall via
// unix.RawSyscall6(unix.SYS_PTRACE, ...).
func ptraceSeize(tid int32, options int) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SEIZE, uintptr(tid), 0, uintptr(options), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceInterrupt(tid int32) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_INTERRUPT, uintptr(tid), 0, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ptraceSingleStepNoWait(tid int32, sig int) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP, uintptr(tid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// getEventMessage reads the PTRACE_GETEVENTMSG payload (the new tid on a
// CLONE event, the exit status on an EXIT event).
func (t *thread) getEventMessage() (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(int(t.tid))
	if err != nil {
		return 0, udbg.NewError(udbg.KindSystem, err)
	}
	return uint64(msg), nil
}

// SigInfo is the subset of siginfo_t the dispatcher consumes on a
// SIGTRAP/SIGILL stop.
type SigInfo struct {
	Signo int32
	Code  int32
	Addr  uintptr
}

// GetSigInfo reads tid's pending siginfo via PTRACE_GETSIGINFO. The raw
// siginfo_t layout on 64-bit Linux puts si_signo at offset 0, si_code at
// offset 8, and the fault address union member at offset 16.
func GetSigInfo(tid int32) (SigInfo, error) {
	var buf [128]byte
	_, _, errno := unix.RawSyscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&buf[0])), 0, 0)
	if errno != 0 {
		return SigInfo{}, udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace getsiginfo %d: %w", tid, errno))
	}
	return SigInfo{
		Signo: *(*int32)(unsafe.Pointer(&buf[0])),
		Code:  *(*int32)(unsafe.Pointer(&buf[8])),
		Addr:  *(*uintptr)(unsafe.Pointer(&buf[16])),
	}, nil
}

// Process is one tracee process: its leader thread id, its lifecycle
// operations, and the leader's still-unreported initial stop. That
// stop must be delivered to the dispatcher as the target's InitBp event
// and resumed through the normal reply protocol — it is deliberately left
// unresumed by Attach/Create so the engine, not this package, decides how
// (its very first stop must fire InitBp before anything else).
type Process struct {
	Tgid      int32
	ImagePath string
	leader    *thread

	// Tids lists every task attached as part of this Process, including
	// the leader (Tgid itself); the caller seeds the target's thread set
	// from this list.
	Tids []int32

	// seized lists the tids attached via PTRACE_SEIZE (every non-leader
	// task); these accept PTRACE_INTERRUPT, which InterruptWait prefers
	// over a process-wide SIGSTOP.
	seized []int32

	InitialStatus RawStatus
}

// Attach opens a ptrace session against every discoverable task of pid and
// installs trace options. traceFork mirrors the "trace_fork" config key.
// The leader is attached with PTRACE_ATTACH and its attach-stop is left
// pending as Process.InitialStatus; non-leader tasks are attached with
// PTRACE_SEIZE, which installs the trace options atomically, leaves the
// task running with no stop to consume, and accepts PTRACE_INTERRUPT
// later.
func Attach(pid int32, traceFork bool) (*Process, error) {
	tids, err := discoverTasks(pid)
	if err != nil {
		return nil, err
	}
	if len(tids) == 0 {
		return nil, udbg.Errorf(udbg.KindSystem, "no tasks found for pid %d", pid)
	}

	var leader *thread
	var leaderStatus RawStatus
	var seized []int32
	for _, tid := range tids {
		if tid == pid {
			t, err := attach(pid, tid)
			if err != nil {
				return nil, err
			}
			if err := t.init(traceFork); err != nil {
				return nil, err
			}
			leader = t
			// Synthesize the stopped-with-SIGSTOP status attach() already
			// observed and consumed for this tid (wait status encoding:
			// low byte 0x7F means stopped, next byte is the stop signal).
			leaderStatus = RawStatus{Tid: tid, WS: unix.WaitStatus(0x7f | int(unix.SIGSTOP)<<8)}
			continue
		}
		if _, err := seize(pid, tid, traceFork); err != nil {
			return nil, err
		}
		seized = append(seized, tid)
	}
	if leader == nil {
		leader = &thread{tgid: pid, tid: pid}
	}
	imagePath, _ := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	return &Process{Tgid: pid, ImagePath: imagePath, leader: leader, Tids: tids, seized: seized, InitialStatus: leaderStatus}, nil
}

// Create forks a child that calls PTRACE_TRACEME then execvp(path, args),
// wraps the new pid, and seeds its thread set with the pid itself. The
// post-exec stop is left pending as Process.InitialStatus.
func Create(path string, args []string) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := cmd.Start(); err != nil {
		return nil, udbg.NewError(udbg.KindSystem, fmt.Errorf("start %s: %w", path, err))
	}
	pid := int32(cmd.Process.Pid)

	status, err := WaitTid(pid)
	if err != nil {
		return nil, udbg.NewError(udbg.KindSystem, err)
	}
	if !status.IsStopped() {
		panic(fmt.Sprintf("create(%s): expected initial stop, got %v", path, status.WS))
	}

	t := &thread{tgid: pid, tid: pid}
	if err := t.init(false); err != nil {
		return nil, err
	}
	return &Process{Tgid: pid, ImagePath: path, leader: t, Tids: []int32{pid}, InitialStatus: status}, nil
}

// Detach ptrace-detaches every thread in tids; it does not touch
// breakpoints, whose removal is the caller's (the dispatcher's continue
// phase) job beforehand. PTRACE_DETACH succeeds only on a thread in
// ptrace-stop. Per-thread failures are tolerated and reported to the caller
// for logging, not treated as fatal.
func (p *Process) Detach(tids []int32) []error {
	var errs []error
	for _, tid := range tids {
		t := &thread{tgid: p.Tgid, tid: tid}
		if err := t.detach(0); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Kill delivers SIGKILL to the process.
func (p *Process) Kill() error {
	return p.leader.kill()
}

// Break delivers SIGSTOP to the process so a stop event is reported.
func (p *Process) Break() error {
	return p.leader.stop()
}

// InterruptWait pops the loop out of a blocking wait for detach's
// latch-then-interrupt cancellation: a PTRACE_INTERRUPT on a seized task
// if one exists, else SIGSTOP to the process.
func (p *Process) InterruptWait() error {
	for _, tid := range p.seized {
		t := &thread{tgid: p.Tgid, tid: tid}
		if err := t.interrupt(); err == nil {
			return nil
		}
	}
	return unix.Kill(int(p.Tgid), unix.SIGSTOP)
}

// AttachNewThread attaches to a thread discovered via a CLONE event,
// installing the same trace options as the initial attach.
func AttachNewThread(tgid, newTid int32, traceFork bool) (*thread, error) {
	t, err := attach(tgid, newTid)
	if err != nil {
		return nil, err
	}
	if err := t.init(traceFork); err != nil {
		return nil, err
	}
	return t, nil
}

// GetEventMessage exposes thread.getEventMessage for the dispatcher's
// PTRACE_EVENT_CLONE handling (retrieve the new tid via the
// kernel's event-message").
func GetEventMessage(tid int32) (uint64, error) {
	t := &thread{tid: tid}
	return t.getEventMessage()
}

// InitThread installs the trace options on a stopped thread. The dispatcher
// calls this when it absorbs a cloned thread's guaranteed SIGSTOP — the
// first point at which the new thread is reliably in a ptrace-stop, which
// PTRACE_SETOPTIONS requires.
func InitThread(tid int32, traceFork bool) error {
	t := &thread{tid: tid}
	return t.init(traceFork)
}

// Cont issues PTRACE_CONT for tid, forwarding sig.
func Cont(tid int32, sig int) error {
	t := &thread{tid: tid}
	return t.cont(sig)
}

// SingleStep single-steps tid and waits for its re-stop. Only safe to call
// as a thread's own confined, synchronous step — e.g. stepping over a
// restored breakpoint byte — where the caller immediately issues its own
// resume afterward rather than relying on the engine's WaitAny loop to
// observe this stop.
func SingleStep(tid int32, sig int) (RawStatus, error) {
	t := &thread{tid: tid}
	return t.singleStep(sig)
}

// StepNoWait issues PTRACE_SINGLESTEP for tid and returns immediately,
// forwarding sig, leaving the resulting stop for the next WaitAny to observe
// and dispatch — the non-blocking counterpart to Cont for a StepIn reply.
func StepNoWait(tid int32, sig int) error {
	t := &thread{tid: tid}
	return t.stepNoWait(sig)
}
