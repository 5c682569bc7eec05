package signature

import "fmt"

// Image is a snapshot of a loaded module. Addresses are absolute in the owning process.
type Image struct {
	Base uintptr
	Data []byte
}

func (img *Image) Contains(addr uintptr) bool {
	return addr >= img.Base && addr-img.Base < uintptr(len(img.Data))
}

// RVA returns addr relative to the module base.
func (img *Image) RVA(addr uintptr) uintptr {
	return addr - img.Base
}

// Find returns the absolute address of the first match of sig.
func (img *Image) Find(sig Signature) (uintptr, error) {
	i := sig.Index(img.Data)
	if i < 0 {
		return 0, ErrNotFound
	}
	return img.Base + uintptr(i), nil
}

// MatchAt verifies sig against the bytes at addr without scanning.
func (img *Image) MatchAt(sig Signature, addr uintptr) bool {
	if !img.Contains(addr) {
		return false
	}
	return sig.Match(img.Data[addr-img.Base:])
}

// Bytes returns n bytes at addr, bounded by the image.
func (img *Image) Bytes(addr uintptr, n int) ([]byte, error) {
	if !img.Contains(addr) || uintptr(n) > uintptr(len(img.Data))-(addr-img.Base) {
		return nil, fmt.Errorf("0x%x+%d is outside the image", addr, n)
	}
	off := addr - img.Base
	return img.Data[off : off+uintptr(n)], nil
}
