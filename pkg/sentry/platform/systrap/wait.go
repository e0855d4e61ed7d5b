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
	"golang.org/x/sys/unix"
)

// RawStatus is one waitpid report: the reporting thread id and the kernel's
// raw wait status for it.
type RawStatus struct {
	Tid int32
	WS  unix.WaitStatus
}

// WaitAny blocks on any child of the calling thread group: a single wait
// call that can report a stop from any traced target. It retries
// transparently on EINTR/EAGAIN.
func WaitAny() (RawStatus, error) {
	var status unix.WaitStatus
	for {
		r, err := unix.Wait4(-1, &status, unix.WALL|unix.WUNTRACED, nil)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return RawStatus{}, err
		}
		return RawStatus{Tid: int32(r), WS: status}, nil
	}
}

// WaitTid blocks on a specific tid, used by the single-step-over-breakpoint
// protocol's bounded, confined wait.
func WaitTid(tid int32) (RawStatus, error) {
	var status unix.WaitStatus
	for {
		r, err := unix.Wait4(int(tid), &status, unix.WALL|unix.WUNTRACED, nil)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return RawStatus{}, err
		}
		return RawStatus{Tid: int32(r), WS: status}, nil
	}
}

// IsStopped reports whether this status is a plain signal-delivery-stop.
func (s RawStatus) IsStopped() bool { return s.WS.Stopped() }

// StopSignal is the signal that caused a Stopped status.
func (s RawStatus) StopSignal() unix.Signal { return s.WS.StopSignal() }

// IsPtraceEvent reports whether this is a SIGTRAP carrying a ptrace event
// code in the upper status bits (PTRACE_EVENT_CLONE/FORK/VFORK/EXEC/STOP/...).
func (s RawStatus) IsPtraceEvent() bool {
	return s.WS.Stopped() && s.WS.StopSignal() == unix.SIGTRAP && s.WS.TrapCause() != 0
}

// TrapCause is the PTRACE_EVENT_* code for an IsPtraceEvent status.
func (s RawStatus) TrapCause() int { return s.WS.TrapCause() }

// IsSignaled reports whether the tracee was killed by a signal.
func (s RawStatus) IsSignaled() bool { return s.WS.Signaled() }

// Signal is the terminating signal for a Signaled status.
func (s RawStatus) Signal() unix.Signal { return s.WS.Signal() }

// IsExited reports whether the tracee exited normally.
func (s RawStatus) IsExited() bool { return s.WS.Exited() }

// ExitStatus is the exit code for an Exited status.
func (s RawStatus) ExitStatus() int { return s.WS.ExitStatus() }
