package udbg

// RegisterSnapshot is a per-stop view over one thread's general-purpose
// registers. Exactly one OS read populates it per stop (see StopContext);
// all subsequent reads in that stop are served from the snapshot. Setters
// stage their value locally; the dispatcher writes the snapshot back to the
// OS before the thread next runs (before a breakpoint step-over's
// single-step, and at resume) whenever a setter was called since the last
// write-back.
type RegisterSnapshot interface {
	// Arch reports which architecture this snapshot was decoded for.
	Arch() Arch

	// Get returns the named register's value. The aliases "_pc" (program
	// counter) and "_sp" (stack pointer) are always recognised in addition
	// to the architecturally defined names. ok is false for unknown names.
	Get(name string) (value uint64, ok bool)

	// Set stages a new value for the named register, recognising the same
	// names as Get. It returns false for unknown names; it does not write
	// to the OS immediately — see Dirty/ClearDirty.
	Set(name string, value uint64) (ok bool)

	// PC/SetPC and SP/SetSP are the "_pc"/"_sp" aliases, exposed directly
	// since the event dispatcher consults them on every stop.
	PC() uint64
	SetPC(value uint64)
	SP() uint64
	SetSP(value uint64)

	// Dirty reports whether Set has been called since the snapshot was
	// last marked clean (see ClearDirty), i.e. whether a write-back to the
	// OS is owed before the next resume.
	Dirty() bool

	// ClearDirty marks the snapshot clean; called by the dispatcher
	// immediately after a successful write-back to the OS.
	ClearDirty()
}

// StopContext is the dispatcher's per-iteration state: the event thread id,
// the freshly read register snapshot, and a pending signal to forward on
// continue. It is a plain value owned exclusively by the dispatcher for the
// duration of one fetch->handle->continue iteration; the user callback is
// handed a reference to it only for the synchronous span of that call, and
// must not retain it past that call. This replaces the "cached mutable
// register block behind a shared reference" pattern flagged for
// rearchitecture (see design notes).
type StopContext struct {
	Tid     int32
	Regs    RegisterSnapshot
	Signal  int
	BpAddr  uintptr // 0 if the stop was not at a known breakpoint address
	SigCode int32   // siginfo si_code for SIGTRAP/SIGILL stops, else 0
}

// ForwardSignal reports the signal the dispatcher decided to redeliver to
// the tracee on continue, or 0 if none.
func (s *StopContext) ForwardSignal() int { return s.Signal }
