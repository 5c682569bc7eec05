//go:build amd64

package hook

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

func mapExecutable(size int) ([]byte, func(), error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, nil, err
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return mem, func() { windows.VirtualFree(addr, 0, windows.MEM_RELEASE) }, nil
}
