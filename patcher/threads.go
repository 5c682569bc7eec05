package patcher

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var procSuspendThread = modKernel32.NewProc("SuspendThread")
var procResumeThread = modKernel32.NewProc("ResumeThread")
var procGetThreadContext = modKernel32.NewProc("GetThreadContext")
var procSetThreadContext = modKernel32.NewProc("SetThreadContext")

const (
	threadSuspendResume = 0x0002
	threadGetContext    = 0x0008
	threadSetContext    = 0x0010
	threadQueryInfo     = 0x0040

	contextControl = 0x00100001 // CONTEXT_AMD64 | CONTEXT_CONTROL

	suspendFailed = 0xFFFFFFFF
)

// threadContext is the x64 CONTEXT record. Only the control registers are
// read and written.
type threadContext struct {
	Home         [6]uint64
	ContextFlags uint32
	MxCsr        uint32
	Seg          [6]uint16
	EFlags       uint32
	Dr           [6]uint64
	Gpr          [16]uint64
	Rip          uint64
	FltSave      [512]byte
	Vector       [26][16]byte
	VectorCtl    uint64
	DebugCtl     uint64
	LastBranch   [4]uint64
}

// alignedContext returns a CONTEXT inside buf on the 16 byte boundary
// GetThreadContext requires.
func alignedContext(buf []byte) *threadContext {
	off := (16 - uintptr(unsafe.Pointer(&buf[0]))%16) % 16
	return (*threadContext)(unsafe.Pointer(&buf[off]))
}

// Freeze suspends every thread of the process. Each suspended thread's RIP is
// passed to move and the thread resumes wherever move sends it. Threads that
// exit while being enumerated are skipped.
func (p *Process) Freeze(move func(rip uintptr) uintptr) (func() error, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, fmt.Errorf("error in CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot)

	var threads []windows.Handle
	thaw := func() error {
		var errs []error
		for _, t := range threads {
			if r, _, err := procResumeThread.Call(uintptr(t)); uint32(r) == suspendFailed {
				errs = append(errs, fmt.Errorf("error in ResumeThread: %w", err))
			}
			windows.CloseHandle(t)
		}
		threads = nil
		return errors.Join(errs...)
	}

	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	if err = windows.Thread32First(snapshot, &te); err != nil {
		return nil, fmt.Errorf("error in Thread32First: %w", err)
	}

	buf := make([]byte, unsafe.Sizeof(threadContext{})+16)
	for {
		if te.OwnerProcessID == p.PID {
			t, err := p.suspend(te.ThreadID, move, alignedContext(buf))
			if err != nil {
				thaw()
				return nil, err
			}
			if t != 0 {
				threads = append(threads, t)
			}
		}
		err = windows.Thread32Next(snapshot, &te)
		if err != nil {
			if winErr, ok := err.(syscall.Errno); ok && winErr == windows.ERROR_NO_MORE_FILES {
				break
			}
			thaw()
			return nil, fmt.Errorf("error in Thread32Next: %w", err)
		}
	}
	return thaw, nil
}

// suspend stops one thread and moves its RIP. Returns 0 for a thread that is
// already gone.
func (p *Process) suspend(tid uint32, move func(rip uintptr) uintptr, ctx *threadContext) (windows.Handle, error) {
	t, err := windows.OpenThread(threadSuspendResume|threadGetContext|threadSetContext|threadQueryInfo, false, tid)
	if err != nil {
		return 0, nil
	}
	if r, _, _ := procSuspendThread.Call(uintptr(t)); uint32(r) == suspendFailed {
		windows.CloseHandle(t)
		return 0, nil
	}

	*ctx = threadContext{ContextFlags: contextControl}
	if r, _, err := procGetThreadContext.Call(uintptr(t), uintptr(unsafe.Pointer(ctx))); r == 0 {
		procResumeThread.Call(uintptr(t))
		windows.CloseHandle(t)
		return 0, fmt.Errorf("error in GetThreadContext for thread %d: %w", tid, err)
	}
	if to := move(uintptr(ctx.Rip)); to != uintptr(ctx.Rip) {
		ctx.Rip = uint64(to)
		ctx.ContextFlags = contextControl
		if r, _, err := procSetThreadContext.Call(uintptr(t), uintptr(unsafe.Pointer(ctx))); r == 0 {
			procResumeThread.Call(uintptr(t))
			windows.CloseHandle(t)
			return 0, fmt.Errorf("error in SetThreadContext for thread %d: %w", tid, err)
		}
	}
	return t, nil
}
