package patcher

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

var modUser32 = windows.NewLazySystemDLL("user32.dll")
var procEnumDisplaySettingsW = modUser32.NewProc("EnumDisplaySettingsW")

const enumCurrentSettings = 0xFFFFFFFF

// DEVMODEW, display variant
type devMode struct {
	DeviceName    [32]uint16
	SpecVersion   uint16
	DriverVersion uint16
	Size          uint16
	DriverExtra   uint16
	Fields        uint32
	Position      [16]byte
	Color         int16
	Duplex        int16
	YResolution   int16
	TTOption      int16
	Collate       int16
	FormName      [32]uint16
	LogPixels     uint16
	BitsPerPel    uint32
	PelsWidth     uint32
	PelsHeight    uint32
	DisplayFlags  uint32
	Frequency     uint32
	_             [8]uint32
}

// DesktopResolution returns the physical resolution of the primary display.
func DesktopResolution() (int, int, error) {
	var dm devMode
	dm.Size = uint16(unsafe.Sizeof(dm))
	r, _, err := procEnumDisplaySettingsW.Call(0, enumCurrentSettings, uintptr(unsafe.Pointer(&dm)))
	if r == 0 {
		if err == nil || err == windows.ERROR_SUCCESS {
			err = errors.New("EnumDisplaySettingsW failed")
		}
		return 0, 0, err
	}
	return int(dm.PelsWidth), int(dm.PelsHeight), nil
}
