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

package systrap

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tinydbg/udbg/pkg/udbg"
)

// RegisterSnapshot is the amd64 register view: one OS read populates
// it per stop; getters/setters by name serve the rest of that stop from
// this value; WriteBack issues the PTRACE_SETREGS only if a setter ran
// since the last write-back. It implements udbg.RegisterSnapshot.
type RegisterSnapshot struct {
	raw   unix.PtraceRegs
	dirty bool
}

var _ udbg.RegisterSnapshot = (*RegisterSnapshot)(nil)

// ReadRegisters issues a single PTRACE_GETREGS for tid.
func ReadRegisters(tid int32) (*RegisterSnapshot, error) {
	r := &RegisterSnapshot{}
	if err := unix.PtraceGetRegs(int(tid), &r.raw); err != nil {
		return nil, udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace getregs %d: %w", tid, err))
	}
	return r, nil
}

// WriteBack performs the single PTRACE_SETREGS write-back owed for this
// stop, if Dirty.
func (r *RegisterSnapshot) WriteBack(tid int32) error {
	if !r.dirty {
		return nil
	}
	if err := unix.PtraceSetRegs(int(tid), &r.raw); err != nil {
		return udbg.NewError(udbg.KindSystem, fmt.Errorf("ptrace setregs %d: %w", tid, err))
	}
	r.dirty = false
	return nil
}

func (r *RegisterSnapshot) Arch() udbg.Arch { return udbg.ArchX86_64 }

// amd64Getters maps the architecturally defined x86-64 general
// purpose register names to accessors over unix.PtraceRegs, plus the
// "_pc"/"_sp" aliases every arch must recognise.
var amd64Getters = map[string]func(*unix.PtraceRegs) uint64{
	"rax": func(r *unix.PtraceRegs) uint64 { return r.Rax },
	"rbx": func(r *unix.PtraceRegs) uint64 { return r.Rbx },
	"rcx": func(r *unix.PtraceRegs) uint64 { return r.Rcx },
	"rdx": func(r *unix.PtraceRegs) uint64 { return r.Rdx },
	"rsi": func(r *unix.PtraceRegs) uint64 { return r.Rsi },
	"rdi": func(r *unix.PtraceRegs) uint64 { return r.Rdi },
	"rbp": func(r *unix.PtraceRegs) uint64 { return r.Rbp },
	"rsp": func(r *unix.PtraceRegs) uint64 { return r.Rsp },
	"r8":  func(r *unix.PtraceRegs) uint64 { return r.R8 },
	"r9":  func(r *unix.PtraceRegs) uint64 { return r.R9 },
	"r10": func(r *unix.PtraceRegs) uint64 { return r.R10 },
	"r11": func(r *unix.PtraceRegs) uint64 { return r.R11 },
	"r12": func(r *unix.PtraceRegs) uint64 { return r.R12 },
	"r13": func(r *unix.PtraceRegs) uint64 { return r.R13 },
	"r14": func(r *unix.PtraceRegs) uint64 { return r.R14 },
	"r15": func(r *unix.PtraceRegs) uint64 { return r.R15 },
	"rip": func(r *unix.PtraceRegs) uint64 { return r.Rip },
	"eflags": func(r *unix.PtraceRegs) uint64 { return r.Eflags },
	"cs":  func(r *unix.PtraceRegs) uint64 { return r.Cs },
	"ss":  func(r *unix.PtraceRegs) uint64 { return r.Ss },
	"_pc": func(r *unix.PtraceRegs) uint64 { return r.Rip },
	"_sp": func(r *unix.PtraceRegs) uint64 { return r.Rsp },
}

var amd64Setters = map[string]func(*unix.PtraceRegs, uint64){
	"rax": func(r *unix.PtraceRegs, v uint64) { r.Rax = v },
	"rbx": func(r *unix.PtraceRegs, v uint64) { r.Rbx = v },
	"rcx": func(r *unix.PtraceRegs, v uint64) { r.Rcx = v },
	"rdx": func(r *unix.PtraceRegs, v uint64) { r.Rdx = v },
	"rsi": func(r *unix.PtraceRegs, v uint64) { r.Rsi = v },
	"rdi": func(r *unix.PtraceRegs, v uint64) { r.Rdi = v },
	"rbp": func(r *unix.PtraceRegs, v uint64) { r.Rbp = v },
	"rsp": func(r *unix.PtraceRegs, v uint64) { r.Rsp = v },
	"r8":  func(r *unix.PtraceRegs, v uint64) { r.R8 = v },
	"r9":  func(r *unix.PtraceRegs, v uint64) { r.R9 = v },
	"r10": func(r *unix.PtraceRegs, v uint64) { r.R10 = v },
	"r11": func(r *unix.PtraceRegs, v uint64) { r.R11 = v },
	"r12": func(r *unix.PtraceRegs, v uint64) { r.R12 = v },
	"r13": func(r *unix.PtraceRegs, v uint64) { r.R13 = v },
	"r14": func(r *unix.PtraceRegs, v uint64) { r.R14 = v },
	"r15": func(r *unix.PtraceRegs, v uint64) { r.R15 = v },
	"rip": func(r *unix.PtraceRegs, v uint64) { r.Rip = v },
	"eflags": func(r *unix.PtraceRegs, v uint64) { r.Eflags = v },
	"_pc": func(r *unix.PtraceRegs, v uint64) { r.Rip = v },
	"_sp": func(r *unix.PtraceRegs, v uint64) { r.Rsp = v },
}

func (r *RegisterSnapshot) Get(name string) (uint64, bool) {
	fn, ok := amd64Getters[name]
	if !ok {
		return 0, false
	}
	return fn(&r.raw), true
}

func (r *RegisterSnapshot) Set(name string, value uint64) bool {
	fn, ok := amd64Setters[name]
	if !ok {
		return false
	}
	fn(&r.raw, value)
	r.dirty = true
	return true
}

func (r *RegisterSnapshot) PC() uint64      { return r.raw.Rip }
func (r *RegisterSnapshot) SetPC(v uint64)  { r.raw.Rip = v; r.dirty = true }
func (r *RegisterSnapshot) SP() uint64      { return r.raw.Rsp }
func (r *RegisterSnapshot) SetSP(v uint64)  { r.raw.Rsp = v; r.dirty = true }
func (r *RegisterSnapshot) Dirty() bool     { return r.dirty }
func (r *RegisterSnapshot) ClearDirty()     { r.dirty = false }
