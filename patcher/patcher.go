package patcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Errors
var ErrProcessNotFound = errors.New("couldn't find process")
var ErrModuleNotFound = errors.New("couldn't find base module")
var ErrNoFreeRegion = errors.New("no free memory within range")

var modKernel32 = windows.NewLazySystemDLL("kernel32.dll")
var procVirtualAllocEx = modKernel32.NewProc("VirtualAllocEx")
var procFlushInstructionCache = modKernel32.NewProc("FlushInstructionCache")
var procSetThreadPriority = modKernel32.NewProc("SetThreadPriority")

const stillActive = 259

func GetProc(proc string) (uint32, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, fmt.Errorf("error in CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snapshot)
	var pe32 windows.ProcessEntry32

	pe32.Size = uint32(unsafe.Sizeof(pe32)) // NB: https://docs.microsoft.com/en-us/windows/win32/api/tlhelp32/ns-tlhelp32-processentry32

	if err = windows.Process32First(snapshot, &pe32); err != nil {
		return 0, fmt.Errorf("error in Process32First: %w", err)
	}

	for {
		procName := windows.UTF16ToString(pe32.ExeFile[:]) // Windows strings are UTF-16
		if strings.EqualFold(procName, proc) {
			return pe32.ProcessID, nil
		}
		err = windows.Process32Next(snapshot, &pe32)
		if err != nil {
			if winErr, ok := err.(syscall.Errno); ok {
				if winErr == windows.ERROR_NO_MORE_FILES {
					break
				}
			}
			return 0, fmt.Errorf("error in Process32Next: %w", err)
		}
	}
	return 0, ErrProcessNotFound
}

// Process is an opened host process and its main module.
type Process struct {
	Handle windows.Handle
	PID    uint32

	ExeName     string
	ExePath     string
	Base        uintptr
	SizeOfImage uint32
}

// Open opens pid for reading, writing and allocating memory, and resolves the
// module named exe.
func Open(pid uint32, exe string) (*Process, error) {
	proc, err := windows.OpenProcess(windows.PROCESS_VM_READ|windows.PROCESS_VM_WRITE|windows.PROCESS_VM_OPERATION|windows.PROCESS_QUERY_INFORMATION, false, pid)
	if err != nil {
		return nil, fmt.Errorf("error in OpenProcess: %w", err)
	}

	p := &Process{Handle: proc, PID: pid}
	if err := p.findModule(exe); err != nil {
		windows.CloseHandle(proc)
		return nil, err
	}
	return p, nil
}

func (p *Process) findModule(exe string) error {
	var modules [1024]windows.Handle
	var cb = uint32(unsafe.Sizeof(modules))
	var cbNeeded uint32

	err := windows.EnumProcessModules(p.Handle, &modules[0], cb, &cbNeeded)
	if err != nil && err != windows.ERROR_PARTIAL_COPY { // Partial copies are fine
		return fmt.Errorf("error in EnumProcessModules: %w", err)
	}
	count := cbNeeded / uint32(unsafe.Sizeof(modules[0]))
	if count > uint32(len(modules)) {
		count = uint32(len(modules))
	}

	// Look for base module
	for i := uint32(0); i < count; i++ {
		var moduleNameBuf [windows.MAX_PATH]uint16
		err = windows.GetModuleFileNameEx(p.Handle, modules[i], &moduleNameBuf[0], uint32(len(moduleNameBuf)))
		if err != nil {
			return fmt.Errorf("error in GetModuleFileNameEx: %w", err)
		}
		path := windows.UTF16ToString(moduleNameBuf[:])
		if !strings.EqualFold(filepath.Base(path), exe) {
			continue
		}

		var moduleInfo windows.ModuleInfo
		err = windows.GetModuleInformation(p.Handle, modules[i], &moduleInfo, uint32(unsafe.Sizeof(moduleInfo)))
		if err != nil {
			return fmt.Errorf("error in GetModuleInformation: %w", err)
		}
		p.ExeName = filepath.Base(path)
		p.ExePath = path
		p.Base = moduleInfo.BaseOfDll
		p.SizeOfImage = moduleInfo.SizeOfImage
		return nil
	}
	return fmt.Errorf("%w: %v", ErrModuleNotFound, exe)
}

func (p *Process) Close() error {
	return windows.CloseHandle(p.Handle)
}

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	var code uint32
	if err := windows.GetExitCodeProcess(p.Handle, &code); err != nil {
		return true
	}
	return code != stillActive
}

func (p *Process) ReadMemory(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	var bytesRead uintptr
	err := windows.ReadProcessMemory(p.Handle, addr, &buf[0], uintptr(len(buf)), &bytesRead)
	if err != nil {
		return fmt.Errorf("error in ReadProcessMemory at 0x%x: %w", addr, err)
	}
	if bytesRead != uintptr(len(buf)) {
		return fmt.Errorf("short read at 0x%x: %d of %d bytes", addr, bytesRead, len(buf))
	}
	return nil
}

func (p *Process) WriteMemory(addr uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var bytesWritten uintptr
	err := windows.WriteProcessMemory(p.Handle, addr, &data[0], uintptr(len(data)), &bytesWritten)
	if err != nil {
		return fmt.Errorf("error in WriteProcessMemory at 0x%x: %w", addr, err)
	}
	if bytesWritten != uintptr(len(data)) {
		return fmt.Errorf("short write at 0x%x: %d of %d bytes", addr, bytesWritten, len(data))
	}
	return nil
}

// PatchBytes writes data over code: make it writable, write, restore the old
// protection and flush the instruction cache.
func (p *Process) PatchBytes(addr uintptr, data []byte) error {
	// Set memory writable
	var oldProtect uint32
	err := windows.VirtualProtectEx(p.Handle, addr, uintptr(len(data)), windows.PAGE_EXECUTE_READWRITE, &oldProtect)
	if err != nil {
		return fmt.Errorf("error in VirtualProtectEx: %w", err)
	}

	err = p.WriteMemory(addr, data)

	// re-protect memory after patching
	if perr := windows.VirtualProtectEx(p.Handle, addr, uintptr(len(data)), oldProtect, &oldProtect); perr != nil && err == nil {
		err = fmt.Errorf("error in VirtualProtectEx: %w", perr)
	}
	if err != nil {
		return err
	}

	procFlushInstructionCache.Call(uintptr(p.Handle), addr, uintptr(len(data)))
	return nil
}
