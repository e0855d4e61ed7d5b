package engine

import (
	"github.com/tinydbg/udbg/pkg/sentry/platform/systrap"
	"github.com/tinydbg/udbg/pkg/udbg"
)

// ptraceBackend is the ptrace surface the dispatcher drives. systrapBackend
// forwards every method straight to package systrap; tests substitute a fake
// that can script arbitrary wait sequences, breakpoint traps, and event
// messages without a real tracee.
type ptraceBackend interface {
	WaitAny() (systrap.RawStatus, error)
	Cont(tid int32, sig int) error
	StepNoWait(tid int32, sig int) error
	SingleStep(tid int32, sig int) (systrap.RawStatus, error)
	ReadRegisters(tid int32) (udbg.RegisterSnapshot, error)
	GetSigInfo(tid int32) (systrap.SigInfo, error)
	GetEventMessage(tid int32) (uint64, error)
	AttachNewThread(tgid, newTid int32, traceFork bool) error
	InitThread(tid int32, traceFork bool) error
}

// systrapBackend is the real, production ptraceBackend.
type systrapBackend struct{}

func (systrapBackend) WaitAny() (systrap.RawStatus, error) { return systrap.WaitAny() }

func (systrapBackend) Cont(tid int32, sig int) error { return systrap.Cont(tid, sig) }

func (systrapBackend) StepNoWait(tid int32, sig int) error { return systrap.StepNoWait(tid, sig) }

func (systrapBackend) SingleStep(tid int32, sig int) (systrap.RawStatus, error) {
	return systrap.SingleStep(tid, sig)
}

func (systrapBackend) ReadRegisters(tid int32) (udbg.RegisterSnapshot, error) {
	r, err := systrap.ReadRegisters(tid)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (systrapBackend) GetSigInfo(tid int32) (systrap.SigInfo, error) {
	return systrap.GetSigInfo(tid)
}

func (systrapBackend) GetEventMessage(tid int32) (uint64, error) {
	return systrap.GetEventMessage(tid)
}

func (systrapBackend) AttachNewThread(tgid, newTid int32, traceFork bool) error {
	_, err := systrap.AttachNewThread(tgid, newTid, traceFork)
	return err
}

func (systrapBackend) InitThread(tid int32, traceFork bool) error {
	return systrap.InitThread(tid, traceFork)
}

// targetMemory is the per-target memory handle the dispatcher needs: the
// shared read/write primitive plus the lifecycle Close every registered
// target's handle owes when its process ends. *systrap.Memory satisfies
// this; tests substitute a fake backed by a plain byte buffer.
type targetMemory interface {
	udbg.TargetMemory
	Close() error
}
