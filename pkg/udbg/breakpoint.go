package udbg

import "sync"

// BreakpointID identifies a breakpoint by its address. Breakpoint values
// themselves carry no back-pointer to their owning Target or to any
// dispatcher-internal state (see design notes); all operations go through
// the registry by id.
type BreakpointID uintptr

// BpVariant distinguishes how a breakpoint is implemented.
type BpVariant int

const (
	// BpSoft overwrites the instruction at the breakpoint address with a
	// trap pattern, saving the bytes it replaced.
	BpSoft BpVariant = iota
	// BpHard is backed by a debug-register slot; unimplemented on this
	// backend (see ErrNotSupport).
	BpHard
	// BpTable is reserved for a future table-based implementation.
	BpTable
)

// Breakpoint is an immutable-address record in the registry. At any instant,
// for a Soft breakpoint, the tracee memory at Address either equals the trap
// pattern (Enabled) or the saved OriginalBytes (disabled).
type Breakpoint struct {
	Address  uintptr
	Variant  BpVariant
	Enabled  bool
	Temp     bool
	HitCount uint64
	HitTid   int32 // 0 means "no filter"

	// OriginalBytes holds the bytes overwritten at Address for a Soft
	// breakpoint.
	OriginalBytes []byte

	// Hard-breakpoint fields; unused for BpSoft/BpTable.
	DebugSlot int
	Length    int
	ReadWrite bool
}

// ID returns the breakpoint's handle, which is its address.
func (b *Breakpoint) ID() BreakpointID { return BreakpointID(b.Address) }

// trapWriter is the subset of the memory primitive the registry needs to
// install and remove a Soft breakpoint's trap bytes.
type trapWriter interface {
	ReadMemory(addr uintptr, out []byte) []byte
	WriteMemory(addr uintptr, data []byte) int
}

// BreakpointRegistry is the address-keyed breakpoint table. It holds
// no reference to its owning Target; the Target holds it.
type BreakpointRegistry struct {
	mu   sync.RWMutex
	byID map[BreakpointID]*Breakpoint
}

// NewBreakpointRegistry builds an empty registry.
func NewBreakpointRegistry() *BreakpointRegistry {
	return &BreakpointRegistry{byID: make(map[BreakpointID]*Breakpoint)}
}

// AddOptions configures a new breakpoint via Add.
type AddOptions struct {
	Enable bool
	Temp   bool
	Tid    int32 // 0 means "no filter"
}

// trapPattern is the platform's trap instruction bytes. On x86/x86-64 this
// is the single-byte INT3 (0xCC).
var trapPattern = []byte{0xCC}

// Add registers a new Soft breakpoint at addr. It fails BpExists if the
// address is already registered, and InvalidAddress if the original
// instruction bytes cannot be read through mem.
func (r *BreakpointRegistry) Add(mem trapWriter, addr uintptr, opts AddOptions) (*Breakpoint, error) {
	id := BreakpointID(addr)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return nil, NewError(KindBpExists, nil)
	}

	saved := make([]byte, len(trapPattern))
	got := mem.ReadMemory(addr, saved)
	if got == nil || len(got) != len(trapPattern) {
		return nil, NewError(KindInvalidAddress, nil)
	}

	bp := &Breakpoint{
		Address:       addr,
		Variant:       BpSoft,
		Temp:          opts.Temp,
		HitTid:        opts.Tid,
		OriginalBytes: saved,
	}
	r.byID[id] = bp

	if opts.Enable {
		if n := mem.WriteMemory(addr, trapPattern); n != len(trapPattern) {
			delete(r.byID, id)
			return nil, NewError(KindMemoryError, nil)
		}
		bp.Enabled = true
	}
	return bp, nil
}

// AddHard would install a debug-register-backed breakpoint or watchpoint
// (address + length + read/write classification); the ptrace backend does
// not implement hardware breakpoints.
func (r *BreakpointRegistry) AddHard(addr uintptr, length int, rw bool) (*Breakpoint, error) {
	return nil, ErrNotSupport
}

// Enable writes either the trap pattern (on=true) or the saved original
// bytes (on=false) through mem, updating bp.Enabled only on success.
func (r *BreakpointRegistry) Enable(mem trapWriter, id BreakpointID, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp, ok := r.byID[id]
	if !ok {
		return NewError(KindNoTarget, nil)
	}
	if bp.Enabled == on {
		return nil
	}

	var payload []byte
	if on {
		payload = trapPattern
	} else {
		payload = bp.OriginalBytes
	}
	if n := mem.WriteMemory(bp.Address, payload); n != len(payload) {
		return NewError(KindMemoryError, nil)
	}
	bp.Enabled = on
	return nil
}

// Remove disables bp (restoring its original bytes) and drops it from the
// registry.
func (r *BreakpointRegistry) Remove(mem trapWriter, id BreakpointID) error {
	if err := r.Enable(mem, id, false); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
	return nil
}

// removeNoRestore drops bp from the registry without touching tracee memory;
// used for the breakpoint protocol's temp-bp removal, where the bytes have
// already been implicitly restored by the step-over single-step.
func (r *BreakpointRegistry) removeNoRestore(id BreakpointID) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

// Get looks up a breakpoint by id.
func (r *BreakpointRegistry) Get(id BreakpointID) (*Breakpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.byID[id]
	return bp, ok
}

// GetByAddress is an alias for Get, since BreakpointID is the address.
func (r *BreakpointRegistry) GetByAddress(addr BreakpointID) (*Breakpoint, bool) {
	return r.Get(addr)
}

// List returns a snapshot of all registered breakpoints.
func (r *BreakpointRegistry) List() []*Breakpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Breakpoint, 0, len(r.byID))
	for _, bp := range r.byID {
		out = append(out, bp)
	}
	return out
}

// Len reports the number of registered breakpoints.
func (r *BreakpointRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// RemoveTempNoRestore removes a temp breakpoint from the registry without
// touching tracee memory, per the breakpoint protocol: "a temp bp is
// dropped from the registry before the user callback runs so that its
// address is free to be re-added" — its bytes have already been restored
// implicitly by the step-over that executed its single hit.
func (r *BreakpointRegistry) RemoveTempNoRestore(id BreakpointID) {
	r.removeNoRestore(id)
}

// IncrementHit bumps a breakpoint's hit counter.
func (r *BreakpointRegistry) IncrementHit(id BreakpointID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bp, ok := r.byID[id]; ok {
		bp.HitCount++
	}
}
