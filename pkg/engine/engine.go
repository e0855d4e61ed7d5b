// Package engine implements the event fetcher and dispatcher — the core
// debug event loop and breakpoint/trace state machine — plus the lifecycle
// controller wiring and the engine façade that owns the set of attached
// targets. It is grounded on
// original_source/src/os/linux/udbg.rs's DefaultEngine (fetch/handle/cont)
// and handle_breakpoint/handle_reply, implemented against the
// pkg/sentry/platform/systrap ptrace backend.
package engine

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/tinydbg/udbg/pkg/disasm"
	"github.com/tinydbg/udbg/pkg/sentry/platform/systrap"
	"github.com/tinydbg/udbg/pkg/symbols"
	"github.com/tinydbg/udbg/pkg/udbg"
)

// Engine is the façade: it owns the set of attached targets and runs
// the fetch->handle->continue cycle.
type Engine struct {
	host      udbg.HostServices
	callback  udbg.Callback
	traceFork bool
	backend   ptraceBackend

	mu      sync.Mutex
	targets map[int32]*udbg.Target // keyed by pid
	procs   map[int32]*systrap.Process
	mem     map[int32]targetMemory
	symSrc  *symbols.Source

	// cloned holds tids reported by a CLONE event whose kernel-guaranteed
	// SIGSTOP has not been observed yet; that stop is absorbed silently.
	cloned map[int32]bool

	// stepping holds tids with an outstanding non-blocking single-step;
	// their next SIGTRAP is a step completion, not an exception.
	stepping map[int32]bool

	x86   disasm.Classifier
	arm   disasm.Classifier
	arm64 disasm.Classifier
}

// New constructs an Engine with the given HostServices and user callback.
// traceFork mirrors the "trace_fork" config key. The calling goroutine is
// pinned to its current OS thread for the remainder of the process, since
// every ptrace call for a tracee this Engine attaches must keep issuing
// from the same OS thread that performed the attach; callers are expected
// to call Attach/Create/Run from the same goroutine that called New.
func New(host udbg.HostServices, callback udbg.Callback) (*Engine, error) {
	runtime.LockOSThread()

	src, err := symbols.NewSource(0)
	if err != nil {
		return nil, err
	}
	return &Engine{
		host:      host,
		callback:  callback,
		traceFork: host.ConfigBool("trace_fork", false),
		backend:   systrapBackend{},
		targets:   make(map[int32]*udbg.Target),
		procs:     make(map[int32]*systrap.Process),
		mem:       make(map[int32]targetMemory),
		cloned:    make(map[int32]bool),
		stepping:  make(map[int32]bool),
		symSrc:    src,
		x86:       disasm.NewX86Classifier(64),
		arm:       disasm.NewARMClassifier(false),
		arm64:     disasm.NewARMClassifier(true),
	}, nil
}

// Attach implements attach(pid): ptrace-attach to every task of an
// already-running process.
func (e *Engine) Attach(pid int32) (*udbg.Target, error) {
	proc, err := systrap.Attach(pid, e.traceFork)
	if err != nil {
		return nil, err
	}
	return e.register(proc)
}

// Create implements create(path, args): fork a child, PTRACE_TRACEME,
// execvp, wrap the new pid and seed its thread set with the pid itself.
func (e *Engine) Create(path string, args []string) (*udbg.Target, error) {
	proc, err := systrap.Create(path, args)
	if err != nil {
		return nil, err
	}
	return e.register(proc)
}

func (e *Engine) register(proc *systrap.Process) (*udbg.Target, error) {
	mem, err := systrap.OpenMemory(proc.Tgid)
	if err != nil {
		return nil, err
	}

	target := udbg.NewTarget(proc.Tgid, proc.ImagePath)
	target.Status = udbg.StatusAttached
	if len(proc.Tids) == 0 {
		target.AddThread(proc.Tgid)
	}
	for _, tid := range proc.Tids {
		th := target.AddThread(tid)
		if st, serr := systrap.ThreadStat(tid); serr == nil {
			th.Stat = st
		}
	}

	e.mu.Lock()
	e.targets[proc.Tgid] = target
	e.procs[proc.Tgid] = proc
	e.mem[proc.Tgid] = mem
	e.mu.Unlock()

	e.deliverInitBp(target, proc.InitialStatus)
	return target, nil
}

// Detach implements detach(): latch "detaching". If the loop is
// currently blocked in wait, interrupt it (PTRACE_INTERRUPT on a seized
// task, else SIGSTOP) so the next event-loop turn observes the latch and
// performs cleanup.
func (e *Engine) Detach(pid int32) error {
	target, ok := e.target(pid)
	if !ok {
		return udbg.NewError(udbg.KindNoTarget, nil)
	}
	target.MarkDetaching()

	if target.WaitingInOS() {
		e.mu.Lock()
		proc := e.procs[pid]
		e.mu.Unlock()
		if proc != nil {
			return proc.InterruptWait()
		}
	}
	return nil
}

// Kill delivers SIGKILL to the process.
func (e *Engine) Kill(pid int32) error {
	e.mu.Lock()
	proc := e.procs[pid]
	e.mu.Unlock()
	if proc == nil {
		return udbg.NewError(udbg.KindNoTarget, nil)
	}
	return proc.Kill()
}

// Memory exposes pid's read/write memory primitive (and, through it, the
// derived typed/string/pointer-chase readers in package udbg).
func (e *Engine) Memory(pid int32) (udbg.TargetMemory, error) {
	return e.memoryFor(pid)
}

// VirtualQuery conditionally refreshes pid's memory-map cache (rate-limited
// by the target's TimeCheck) and returns the page containing addr.
func (e *Engine) VirtualQuery(pid int32, addr uintptr) (udbg.MemoryPage, bool) {
	target, ok := e.target(pid)
	if !ok {
		return udbg.MemoryPage{}, false
	}
	return target.VirtualQuery(e.host, func() ([]udbg.MemoryPage, error) {
		return systrap.SnapshotMaps(pid)
	}, addr)
}

// Modules conditionally refreshes pid's module cache and returns a snapshot
// of it.
func (e *Engine) Modules(pid int32) map[uintptr]*udbg.Module {
	target, ok := e.target(pid)
	if !ok {
		return nil
	}
	target.RefreshModules(e.host, func(known map[uintptr]*udbg.Module) (map[uintptr]*udbg.Module, error) {
		return systrap.RefreshModules(pid, known, e.symSrc, e.host)
	})
	return target.Modules()
}

// ResolveSymbol looks up a named export in one of pid's loaded modules,
// parsing the module's symbol table from its image on first use. The
// returned address is the module base plus the symbol's export offset.
func (e *Engine) ResolveSymbol(pid int32, module, name string) (uintptr, bool) {
	target, ok := e.target(pid)
	if !ok {
		return 0, false
	}
	e.Modules(pid)
	m, ok := target.ModuleByName(module)
	if !ok {
		return 0, false
	}
	syms, err := systrap.ModuleSymbols(m, e.symSrc)
	if err != nil {
		e.host.LogError("symbol-parse-failed", err, udbg.Field{Key: "module", Value: module})
		return 0, false
	}
	for off, sym := range syms {
		if sym.Name == name {
			return m.Base + off, true
		}
	}
	return 0, false
}

// Handles enumerates pid's open file descriptors with their kind
// classification.
func (e *Engine) Handles(pid int32) ([]udbg.HandleInfo, error) {
	if _, ok := e.target(pid); !ok {
		return nil, udbg.NewError(udbg.KindNoTarget, nil)
	}
	return udbg.EnumerateHandles(pid)
}

// AddBreakpoint registers a software breakpoint in pid's address space.
func (e *Engine) AddBreakpoint(pid int32, addr uintptr, opts udbg.AddOptions) (*udbg.Breakpoint, error) {
	target, ok := e.target(pid)
	if !ok {
		return nil, udbg.NewError(udbg.KindNoTarget, nil)
	}
	mem, err := e.memoryFor(pid)
	if err != nil {
		return nil, err
	}
	return target.Breakpoints().Add(mem, addr, opts)
}

// EnableBreakpoint arms or disarms a registered breakpoint.
func (e *Engine) EnableBreakpoint(pid int32, id udbg.BreakpointID, on bool) error {
	target, ok := e.target(pid)
	if !ok {
		return udbg.NewError(udbg.KindNoTarget, nil)
	}
	mem, err := e.memoryFor(pid)
	if err != nil {
		return err
	}
	return target.Breakpoints().Enable(mem, id, on)
}

// RemoveBreakpoint restores the original bytes at a breakpoint's address
// and drops it from the registry.
func (e *Engine) RemoveBreakpoint(pid int32, id udbg.BreakpointID) error {
	target, ok := e.target(pid)
	if !ok {
		return udbg.NewError(udbg.KindNoTarget, nil)
	}
	mem, err := e.memoryFor(pid)
	if err != nil {
		return err
	}
	return target.Breakpoints().Remove(mem, id)
}

// VirtualAlloc would allocate memory in the tracee's address space; the
// ptrace backend does not implement it.
func (e *Engine) VirtualAlloc(pid int32, size uintptr) (uintptr, error) {
	return 0, udbg.ErrNotSupport
}

// VirtualFree would release tracee memory obtained through VirtualAlloc;
// the ptrace backend does not implement it.
func (e *Engine) VirtualFree(pid int32, addr uintptr) error {
	return udbg.ErrNotSupport
}

// Break delivers SIGSTOP so a stop event is reported.
func (e *Engine) Break(pid int32) error {
	e.mu.Lock()
	proc := e.procs[pid]
	e.mu.Unlock()
	if proc == nil {
		return udbg.NewError(udbg.KindNoTarget, nil)
	}
	return proc.Break()
}

func (e *Engine) target(pid int32) (*udbg.Target, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.targets[pid]
	return t, ok
}

// owningTarget resolves which target a reporting tid belongs to: first by
// membership in a target's thread-set, otherwise by probing whether tid is
// a task of some attached target's process.
func (e *Engine) owningTarget(tid int32) *udbg.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.targets {
		if t.HasThread(tid) {
			return t
		}
	}
	for pid, t := range e.targets {
		if isTaskOf(pid, tid) {
			return t
		}
	}
	return nil
}

func isTaskOf(pid, tid int32) bool {
	// A tid belongs to pid's thread group if /proc/<tid>/status's Tgid
	// field equals pid; probed lazily only when thread-set membership
	// fails (e.g. the very first stop of a freshly attached thread).
	return systrap.TaskBelongsTo(pid, tid)
}

// Targets returns a snapshot of all currently attached targets.
func (e *Engine) Targets() []*udbg.Target {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*udbg.Target, 0, len(e.targets))
	for _, t := range e.targets {
		out = append(out, t)
	}
	return out
}

func (e *Engine) memoryFor(pid int32) (targetMemory, error) {
	e.mu.Lock()
	m := e.mem[pid]
	e.mu.Unlock()
	if m == nil {
		return nil, udbg.NewError(udbg.KindNoTarget, fmt.Errorf("no memory handle for pid %d", pid))
	}
	return m, nil
}

func (e *Engine) classifierFor(arch udbg.Arch) disasm.Classifier {
	switch arch {
	case udbg.ArchARM:
		return e.arm
	case udbg.ArchARM64:
		return e.arm64
	default:
		return e.x86
	}
}

// Run drives the fetch->handle->continue cycle until every target has
// ended or detached.
func (e *Engine) Run() error {
	for {
		e.mu.Lock()
		empty := len(e.targets) == 0
		e.mu.Unlock()
		if empty {
			return nil
		}
		if err := e.Step(); err != nil {
			return err
		}
	}
}
