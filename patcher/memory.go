package patcher

import (
	"bytes"
	"errors"
	"fmt"
	"unsafe"

	"github.com/Binject/debug/pe"
	"github.com/optix2000/sotdfix/signature"
	"golang.org/x/sys/windows"
)

const pageSize = 0x1000

const memFree = 0x10000

// Windows reserves memory at this granularity.
const allocGranularity = 0x10000

// Reach of a rel32 jump, minus an arena.
const nearRange = 0x7FFF0000 - allocGranularity

// ModuleImage is a copy of the main module as mapped in the host.
type ModuleImage struct {
	signature.Image
	Timestamp   uint32
	SizeOfImage uint32
}

// ReadImage copies the whole main module. Pages that cannot be read are left
// zeroed.
func (p *Process) ReadImage() (*ModuleImage, error) {
	data := make([]byte, p.SizeOfImage)

	var bytesRead uintptr
	err := windows.ReadProcessMemory(p.Handle, p.Base, &data[0], uintptr(len(data)), &bytesRead)
	if err != nil || bytesRead != uintptr(len(data)) {
		// Some section is guarded or not committed, read what we can page by page
		readable := 0
		for off := 0; off < len(data); off += pageSize {
			n := pageSize
			if off+n > len(data) {
				n = len(data) - off
			}
			if windows.ReadProcessMemory(p.Handle, p.Base+uintptr(off), &data[off], uintptr(n), &bytesRead) == nil {
				readable++
			}
		}
		if readable == 0 {
			return nil, fmt.Errorf("could not read module image: %w", err)
		}
	}

	f, err := pe.NewFileFromMemory(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not parse module header: %w", err)
	}
	defer f.Close()

	return &ModuleImage{
		Image:       signature.Image{Base: p.Base, Data: data},
		Timestamp:   f.FileHeader.TimeDateStamp,
		SizeOfImage: p.SizeOfImage,
	}, nil
}

// AllocateNear commits size bytes of executable memory within rel32 reach of
// addr, preferring regions above it.
func (p *Process) AllocateNear(addr uintptr, size int) (uintptr, error) {
	lo := uintptr(allocGranularity)
	if addr > nearRange+allocGranularity {
		lo = addr - nearRange
	}
	hi := addr + nearRange

	if base, err := p.allocIn(addr, hi, size); err == nil {
		return base, nil
	}
	if base, err := p.allocIn(lo, addr, size); err == nil {
		return base, nil
	}
	return 0, fmt.Errorf("%w: 0x%x", ErrNoFreeRegion, addr)
}

// allocIn walks the address space in [from, to) and allocates in the first
// free region that fits.
func (p *Process) allocIn(from, to uintptr, size int) (uintptr, error) {
	var mbi windows.MemoryBasicInformation
	n := (uintptr(size) + allocGranularity - 1) &^ (allocGranularity - 1)

	for q := from; q < to; {
		err := windows.VirtualQueryEx(p.Handle, q, &mbi, unsafe.Sizeof(mbi))
		if err != nil {
			return 0, fmt.Errorf("error in VirtualQueryEx: %w", err)
		}
		end := mbi.BaseAddress + mbi.RegionSize
		if mbi.State == memFree {
			base := (mbi.BaseAddress + allocGranularity - 1) &^ (allocGranularity - 1)
			if base+n <= end && base+n <= to {
				r, _, _ := procVirtualAllocEx.Call(uintptr(p.Handle), base, n, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
				if r != 0 {
					return r, nil
				}
				// Raced with the host, keep looking
			}
		}
		if end <= q {
			break
		}
		q = end
	}
	return 0, errors.New("no free region")
}

const (
	threadPriorityHighest      = 2
	threadPriorityTimeCritical = 15
)

// RaiseThreadPriority raises the priority of the calling OS thread.
func RaiseThreadPriority(timeCritical bool) error {
	prio := threadPriorityHighest
	if timeCritical {
		prio = threadPriorityTimeCritical
	}
	r, _, err := procSetThreadPriority.Call(uintptr(windows.CurrentThread()), uintptr(prio))
	if r == 0 {
		return fmt.Errorf("error in SetThreadPriority: %w", err)
	}
	return nil
}
