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
	"os"

	"golang.org/x/sys/unix"

	"github.com/tinydbg/udbg/pkg/udbg"
)

// Memory is the C1 primitive implementation: a best-effort read/write pair
// against a tracee's address space, backed by /proc/<pid>/mem (which, for
// an attached tracer, tolerates unmapped reads by simply short-reading or
// erroring rather than faulting the caller, and needs no PEEKDATA/POKEDATA
// word-alignment bookkeeping). process_vm_readv is used as the bulk-read
// fast path, mirroring DataDog's ptracer use of unix.ProcessVMReadv; /proc
// mem is the fallback and the only path used for writes (process_vm_readv
// has no writev analogue exposed the same way on all kernels in scope).
type Memory struct {
	pid int32
	mem *os.File
}

// OpenMemory opens /proc/<pid>/mem for a target that is already attached.
func OpenMemory(pid int32) (*Memory, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return nil, udbg.NewError(udbg.KindSystem, err)
	}
	return &Memory{pid: pid, mem: f}, nil
}

// Close releases the underlying /proc/<pid>/mem file descriptor.
func (m *Memory) Close() error { return m.mem.Close() }

// ReadMemory is the best-effort read primitive: nil on total failure,
// a possibly-shorter slice of out on partial success.
func (m *Memory) ReadMemory(addr uintptr, out []byte) []byte {
	if len(out) == 0 {
		return out
	}

	localIov := unix.Iovec{Base: &out[0]}
	localIov.SetLen(len(out))
	remote := []unix.RemoteIovec{{Base: addr, Len: len(out)}}
	if n, err := unix.ProcessVMReadv(int(m.pid), []unix.Iovec{localIov}, remote, 0); err == nil && n > 0 {
		return out[:n]
	}

	n, err := m.mem.ReadAt(out, int64(addr))
	if n == 0 {
		return nil
	}
	_ = err // a short read still returns the bytes actually read
	return out[:n]
}

// WriteMemory is the best-effort write primitive: the number of bytes
// actually written, 0 on total failure.
func (m *Memory) WriteMemory(addr uintptr, data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n, err := m.mem.WriteAt(data, int64(addr))
	if n < 0 {
		return 0
	}
	_ = err
	return n
}

var (
	_ udbg.ReadMemory  = (*Memory)(nil)
	_ udbg.WriteMemory = (*Memory)(nil)
)
