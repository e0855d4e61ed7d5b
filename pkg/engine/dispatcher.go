package engine

import (
	"golang.org/x/sys/unix"

	"github.com/tinydbg/udbg/pkg/sentry/platform/systrap"
	"github.com/tinydbg/udbg/pkg/udbg"
)

// Step runs one fetch->handle->continue iteration: block for
// the next wait status from any attached tracee, classify it, dispatch at
// most one Event to the callback, then resume the event thread. A detach
// request latched by another goroutine is serviced at the top of this
// function rather than inside a blocking wait.
func (e *Engine) Step() error {
	if t := e.pendingDetach(); t != nil {
		e.finishDetach(t)
		return nil
	}

	e.markWaiting(true)
	status, err := e.backend.WaitAny()
	e.markWaiting(false)
	if err != nil {
		return udbg.NewError(udbg.KindSystem, err)
	}

	target := e.owningTarget(status.Tid)
	if target == nil {
		// A status for a tid this engine no longer tracks (e.g. a race
		// against a just-completed detach); nothing to dispatch.
		return nil
	}
	target.SetEventTid(status.Tid)
	target.Status = udbg.StatusPaused

	if target.Detaching() {
		e.finishDetach(target)
		return nil
	}

	return e.handle(target, status)
}

func (e *Engine) markWaiting(v bool) {
	for _, t := range e.Targets() {
		t.MarkWaitingInOS(v)
	}
}

func (e *Engine) pendingDetach() *udbg.Target {
	for _, t := range e.Targets() {
		if t.Detaching() {
			return t
		}
	}
	return nil
}

// finishDetach removes every breakpoint's trap bytes, ptrace-detaches every
// known thread, and drops target from the engine's set.
func (e *Engine) finishDetach(target *udbg.Target) {
	if mem, err := e.memoryFor(target.Pid); err == nil {
		for _, bp := range target.Breakpoints().List() {
			if rerr := target.Breakpoints().Remove(mem, bp.ID()); rerr != nil {
				e.host.LogError("detach-breakpoint-restore-failed", rerr)
			}
		}
	}

	e.mu.Lock()
	proc := e.procs[target.Pid]
	delete(e.targets, target.Pid)
	delete(e.procs, target.Pid)
	delete(e.mem, target.Pid)
	e.mu.Unlock()

	if proc != nil {
		for _, derr := range proc.Detach(target.ThreadIDs()) {
			e.host.LogError("detach-thread-failed", derr)
		}
	}
	target.Status = udbg.StatusEnded
}

// handle classifies one wait status and, if it warrants a user-visible
// Event, dispatches it and resumes the event thread per the callback's
// reply. Thread-exit and ptrace-event statuses report their event (if any)
// without acting on the callback's reply: an exited thread is not resumed,
// and a ptrace-event stop is continued directly.
func (e *Engine) handle(target *udbg.Target, status systrap.RawStatus) error {
	switch {
	case status.IsExited():
		return e.handleThreadGone(target, status.Tid, status.ExitStatus())

	case status.IsSignaled():
		return e.handleSignalled(target, status)

	case status.IsPtraceEvent():
		return e.handlePtraceEvent(target, status)

	case status.IsStopped():
		return e.handleSignalStop(target, status)
	}

	// Unrecognised status shape; resume optimistically rather than stall
	// the loop on this thread forever.
	return e.backend.Cont(status.Tid, 0)
}

// handleSignalled services a thread killed by a signal: an Exception with
// first=false, then thread removal (exit code -1) unless the terminating
// signal was SIGSTOP. The thread is gone, so there is nothing to continue.
func (e *Engine) handleSignalled(target *udbg.Target, status systrap.RawStatus) error {
	sig := status.Signal()
	e.dispatch(target, udbg.Event{Kind: udbg.EventException, Tid: status.Tid, First: false, Code: int32(sig)}, nil)
	if sig == unix.SIGSTOP {
		return nil
	}
	return e.handleThreadGone(target, status.Tid, -1)
}

// handleThreadGone retires tid from target's thread set. If it was the
// last thread, the process itself has ended.
func (e *Engine) handleThreadGone(target *udbg.Target, tid int32, exitCode int) error {
	e.mu.Lock()
	delete(e.cloned, tid)
	delete(e.stepping, tid)
	e.mu.Unlock()

	last := target.RemoveThread(tid)
	if !last {
		e.dispatch(target, udbg.Event{Kind: udbg.EventThreadExit, Tid: tid, ExitCode: int32(exitCode)}, nil)
		return nil
	}

	e.dispatch(target, udbg.Event{Kind: udbg.EventProcessExit, Tid: tid, ExitCode: int32(exitCode)}, nil)
	target.Status = udbg.StatusEnded

	e.mu.Lock()
	delete(e.targets, target.Pid)
	delete(e.procs, target.Pid)
	if m := e.mem[target.Pid]; m != nil {
		m.Close()
	}
	delete(e.mem, target.Pid)
	e.mu.Unlock()
	return nil
}

// handlePtraceEvent services PTRACE_EVENT_STOP (ensure the thread is in
// the set), PTRACE_EVENT_CLONE (a new task: report it, trace it, and mark
// it so its guaranteed SIGSTOP is absorbed silently), and the remaining
// event codes (FORK/VFORK/EXEC: observed, no user event in this version).
func (e *Engine) handlePtraceEvent(target *udbg.Target, status systrap.RawStatus) error {
	switch status.TrapCause() {
	case unix.PTRACE_EVENT_STOP:
		target.AddThread(status.Tid)

	case unix.PTRACE_EVENT_CLONE:
		msg, err := e.backend.GetEventMessage(status.Tid)
		if err != nil {
			e.host.LogError("clone-event-message-failed", err)
			return e.backend.Cont(status.Tid, 0)
		}
		newTid := int32(msg)

		e.dispatch(target, udbg.Event{Kind: udbg.EventThreadCreate, Tid: newTid}, nil)
		// The clone child of a TRACECLONE'd parent is already traced by
		// the kernel, in which case this attach reports EPERM; that is the
		// expected case, not a failure.
		if err := e.backend.AttachNewThread(target.Pid, newTid, e.traceFork); err != nil {
			e.host.LogInfo("cloned-thread-already-traced",
				udbg.Field{Key: "tid", Value: newTid})
		}
		th := target.AddThread(newTid)
		if st, serr := systrap.ThreadStat(newTid); serr == nil {
			th.Stat = st
		}
		e.markCloned(newTid)
	}
	return e.backend.Cont(status.Tid, 0)
}

func (e *Engine) markCloned(tid int32) {
	e.mu.Lock()
	e.cloned[tid] = true
	e.mu.Unlock()
}

// takeCloned consumes tid's just-cloned marker, reporting whether it was
// set.
func (e *Engine) takeCloned(tid int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cloned[tid] {
		return false
	}
	delete(e.cloned, tid)
	return true
}

// takeStepping consumes tid's outstanding-step marker, reporting whether it
// was set.
func (e *Engine) takeStepping(tid int32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stepping[tid] {
		return false
	}
	delete(e.stepping, tid)
	return true
}

// stepNoWait issues the non-blocking single-step and records that tid's
// next SIGTRAP is a step completion rather than an exception.
func (e *Engine) stepNoWait(tid int32, sig int) error {
	e.mu.Lock()
	e.stepping[tid] = true
	e.mu.Unlock()
	return e.backend.StepNoWait(tid, sig)
}

// deliverInitBp reports the target's first-ever stop (the attach or
// post-exec stop Attach/Create left pending) as EventInitBp and resumes it
// per the callback's reply, before the target is ever visited by Step's
// normal WaitAny loop — on a target's very first stop, InitBp fires first.
func (e *Engine) deliverInitBp(target *udbg.Target, status systrap.RawStatus) {
	tid := status.Tid
	snap, err := e.backend.ReadRegisters(tid)
	if err != nil {
		e.host.LogError("read-registers-failed", err, udbg.Field{Key: "tid", Value: tid})
		if cerr := e.backend.Cont(tid, 0); cerr != nil {
			e.host.LogError("resume-after-init-failed", cerr)
		}
		return
	}
	stop := &udbg.StopContext{Tid: tid, Regs: snap}
	reply := e.dispatch(target, udbg.Event{Kind: udbg.EventInitBp, Tid: tid}, stop)
	if err := e.resume(target, stop, reply); err != nil {
		e.host.LogError("resume-after-init-failed", err)
	}
}

// handleSignalStop classifies a plain signal-delivery-stop: bookkeeping
// SIGSTOPs (a thread created behind the engine's back, or the post-clone
// stop the kernel guarantees for a traced clone child), a soft-breakpoint
// trap, a single-step completion, or any other forwarded signal (an
// Exception). The target's very first stop is handled separately by
// deliverInitBp, so every status Step observes here is a later stop of an
// already-running target.
func (e *Engine) handleSignalStop(target *udbg.Target, status systrap.RawStatus) error {
	tid := status.Tid
	sig := status.StopSignal()

	if sig == unix.SIGSTOP {
		if !target.HasThread(tid) {
			th := target.AddThread(tid)
			if st, serr := systrap.ThreadStat(tid); serr == nil {
				th.Stat = st
			}
			return e.backend.Cont(tid, 0)
		}
		if e.takeCloned(tid) {
			// The post-clone stop: first chance to install trace options
			// on the new thread; the stop itself is swallowed.
			if ierr := e.backend.InitThread(tid, e.traceFork); ierr != nil {
				e.host.LogError("init-cloned-thread-failed", ierr, udbg.Field{Key: "tid", Value: tid})
			}
			return e.backend.Cont(tid, 0)
		}
	}

	snap, err := e.backend.ReadRegisters(tid)
	if err != nil {
		e.host.LogError("read-registers-failed", err)
		return e.backend.Cont(tid, int(sig))
	}
	stop := &udbg.StopContext{Tid: tid, Regs: snap}

	if sig == unix.SIGTRAP || sig == unix.SIGILL {
		if si, serr := e.backend.GetSigInfo(tid); serr == nil {
			stop.SigCode = si.Code
		} else {
			e.host.LogError("siginfo-read-failed", serr, udbg.Field{Key: "tid", Value: tid})
		}

		// The trap-return PC points one byte past the trap instruction on
		// SIGTRAP architectures; the candidate breakpoint address is the
		// trap instruction itself.
		addr := uintptr(snap.PC())
		if sig == unix.SIGTRAP && addr > 0 {
			addr--
		}
		if bp, ok := target.Breakpoints().GetByAddress(udbg.BreakpointID(addr)); ok && bp.Enabled {
			return e.handleBreakpointHit(target, stop, bp)
		}
		if sig == unix.SIGTRAP && e.takeStepping(tid) {
			reply := e.dispatch(target, udbg.Event{Kind: udbg.EventStep, Tid: tid}, stop)
			return e.resume(target, stop, reply)
		}
	}

	stop.Signal = int(sig)
	reply := e.dispatch(target, udbg.Event{Kind: udbg.EventException, Tid: tid, First: true, Code: int32(sig)}, stop)
	if reply.HandledException {
		stop.Signal = 0
	}
	return e.resume(target, stop, reply)
}

// handleBreakpointHit implements the breakpoint protocol: the trap lands one
// byte past the breakpoint address, so the PC is rewound; the hit is
// counted; the thread is then stepped over the trap byte (which, for a temp
// breakpoint, drops it from the registry) before the callback ever sees the
// event, so that a callback reacting to this exact hit can validly re-add a
// breakpoint at the same address without colliding with the still-registered
// temp entry.
func (e *Engine) handleBreakpointHit(target *udbg.Target, stop *udbg.StopContext, bp *udbg.Breakpoint) error {
	stop.Regs.SetPC(uint64(bp.Address))
	stop.BpAddr = bp.Address
	target.Breakpoints().IncrementHit(bp.ID())

	// The rewound PC must reach the OS before stepOverBreakpoint's
	// single-step, which steps over the original instruction starting at
	// bp.Address, not the trap address one byte past it.
	e.writeBackRegisters(stop)

	if err := e.stepOverBreakpoint(target, stop.Tid, bp); err != nil {
		return err
	}

	reply := e.dispatch(target, udbg.Event{Kind: udbg.EventBreakpoint, Tid: stop.Tid, Breakpoint: bp}, stop)

	// While the reply continues to be StepIn, report one Step per
	// instruction: the step-over above (or the step at the bottom of the
	// previous pass) has already advanced the thread, so each pass
	// refreshes the snapshot, fires Step, and only steps again if the
	// callback asks for more.
	for reply.Kind == udbg.ReplyStepIn {
		snap, rerr := e.backend.ReadRegisters(stop.Tid)
		if rerr != nil {
			e.host.LogError("read-registers-failed", rerr, udbg.Field{Key: "tid", Value: stop.Tid})
			break
		}
		stop.Regs = snap
		reply = e.dispatch(target, udbg.Event{Kind: udbg.EventStep, Tid: stop.Tid}, stop)
		if reply.Kind != udbg.ReplyStepIn {
			break
		}
		e.writeBackRegisters(stop)
		if _, serr := e.backend.SingleStep(stop.Tid, 0); serr != nil {
			return serr
		}
	}
	return e.resume(target, stop, reply)
}

// stepOverBreakpoint disables bp, single-steps the owning thread past its
// address, then re-arms it unless it was temporary — in which case it is
// dropped from the registry without another memory write, since its bytes
// are already the restored originals (re-arm after
// step-over is mandatory, not optional, for a permanent breakpoint).
func (e *Engine) stepOverBreakpoint(target *udbg.Target, tid int32, bp *udbg.Breakpoint) error {
	mem, err := e.memoryFor(target.Pid)
	if err != nil {
		return err
	}

	if err := target.Breakpoints().Enable(mem, bp.ID(), false); err != nil {
		return err
	}

	if _, err := e.backend.SingleStep(tid, 0); err != nil {
		return err
	}

	if bp.Temp {
		target.Breakpoints().RemoveTempNoRestore(bp.ID())
		return nil
	}
	return target.Breakpoints().Enable(mem, bp.ID(), true)
}

// dispatch invokes the user callback. stop is nil for events that carry no
// register snapshot (thread/process lifecycle events); register edits the
// callback makes through a non-nil stop are written back once, at the top
// of resume, before the thread is actually continued.
func (e *Engine) dispatch(target *udbg.Target, ev udbg.Event, stop *udbg.StopContext) udbg.Reply {
	return e.callback(target, ev, stop)
}

// resume carries out the callback's reply: Run simply continues, StepIn
// single-steps, StepOut classifies the instruction at the current PC and
// either temp-breakpoints the call's return site or single-steps, Goto
// installs a one-shot breakpoint at the requested address before
// continuing, and Native forwards Reply.Arg as a raw signal number.
func (e *Engine) resume(target *udbg.Target, stop *udbg.StopContext, reply udbg.Reply) error {
	// Any register edit made by the callback must reach the OS before the
	// thread resumes.
	e.writeBackRegisters(stop)
	target.Status = udbg.StatusRunning

	switch reply.Kind {
	case udbg.ReplyStepIn:
		return e.stepNoWait(stop.Tid, stop.ForwardSignal())

	case udbg.ReplyStepOut:
		return e.stepOut(target, stop)

	case udbg.ReplyGoto:
		return e.runTo(target, stop, reply.Addr)

	case udbg.ReplyNative:
		sig := 0
		if n, ok := reply.Arg.(int); ok {
			sig = n
		}
		return e.backend.Cont(stop.Tid, sig)

	default: // ReplyRun
		sig := stop.ForwardSignal()
		if reply.HandledException {
			sig = 0
		}
		return e.backend.Cont(stop.Tid, sig)
	}
}

// runTo installs a one-shot breakpoint at addr and continues the thread;
// the Goto reply's resume plan, shared with step-out's return-site
// breakpoint.
func (e *Engine) runTo(target *udbg.Target, stop *udbg.StopContext, addr uintptr) error {
	mem, err := e.memoryFor(target.Pid)
	if err != nil {
		return err
	}
	if _, exists := target.Breakpoints().GetByAddress(udbg.BreakpointID(addr)); !exists {
		if _, aerr := target.Breakpoints().Add(mem, addr, udbg.AddOptions{Enable: true, Temp: true, Tid: stop.Tid}); aerr != nil {
			e.host.LogError("temp-breakpoint-failed", aerr, udbg.Field{Key: "address", Value: addr})
		}
	}
	return e.backend.Cont(stop.Tid, stop.ForwardSignal())
}

// stepOut implements the step-out reply: read the instruction at the
// current PC, classify it via the architecture's disasm.Classifier, and
// either set a one-shot breakpoint just past it (call-like — stepping
// "into" it would descend into the callee) or single-step directly.
func (e *Engine) stepOut(target *udbg.Target, stop *udbg.StopContext) error {
	mem, err := e.memoryFor(target.Pid)
	if err != nil {
		return err
	}

	pc := uintptr(stop.Regs.PC())
	buf := make([]byte, 16)
	code := mem.ReadMemory(pc, buf)
	if len(code) == 0 {
		return e.stepNoWait(stop.Tid, stop.ForwardSignal())
	}

	classifier := e.classifierFor(stop.Regs.Arch())
	callLike, length, cerr := classifier.Classify(code)
	if cerr != nil || !callLike || length <= 0 {
		return e.stepNoWait(stop.Tid, stop.ForwardSignal())
	}

	return e.runTo(target, stop, pc+uintptr(length))
}

func (e *Engine) writeBackRegisters(stop *udbg.StopContext) {
	if stop == nil || stop.Regs == nil || !stop.Regs.Dirty() {
		return
	}
	if rs, ok := stop.Regs.(interface{ WriteBack(int32) error }); ok {
		if err := rs.WriteBack(stop.Tid); err != nil {
			e.host.LogError("register-writeback-failed", err)
			return
		}
	}
	stop.Regs.ClearDirty()
}
