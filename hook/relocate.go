package hook

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// Errors
var ErrUnsupportedInstruction = errors.New("instruction cannot be relocated")
var ErrOutOfRange = errors.New("relocated displacement out of range")

// Bytes read from the hook site to find instruction boundaries. Enough for
// the 5 byte jump plus one maximum length instruction.
const readAhead = jmpSize + 15

const jmpSize = 5

// stealLength returns how many whole instructions at code cover at least min bytes.
func stealLength(code []byte, min int) (int, error) {
	n := 0
	for n < min {
		inst, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			return 0, fmt.Errorf("could not decode instruction at +0x%x: %w", n, err)
		}
		switch inst.Op {
		case x86asm.RET, x86asm.JMP, x86asm.INT:
			// Control leaves before we stole enough room
			if n+inst.Len < min {
				return 0, fmt.Errorf("%w: %v at +0x%x ends the block", ErrUnsupportedInstruction, inst.Op, n)
			}
		}
		n += inst.Len
	}
	return n, nil
}

// relocate copies the instructions in code, which originally lived at from, so
// they behave the same when executed at to. Only 32-bit pc-relative fields can be
// rewritten.
func relocate(code []byte, from, to uintptr) ([]byte, error) {
	out := make([]byte, len(code))
	copy(out, code)

	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, fmt.Errorf("could not decode instruction at +0x%x: %w", off, err)
		}

		switch inst.PCRel {
		case 0:
		case 4:
			field := off + inst.PCRelOff
			disp := int64(int32(binary.LittleEndian.Uint32(code[field:])))
			disp += int64(from) - int64(to)
			if disp < -0x80000000 || disp > 0x7FFFFFFF {
				return nil, fmt.Errorf("%w: %v at 0x%x", ErrOutOfRange, inst, from+uintptr(off))
			}
			binary.LittleEndian.PutUint32(out[field:], uint32(int32(disp)))
		default:
			return nil, fmt.Errorf("%w: %v at 0x%x", ErrUnsupportedInstruction, inst, from+uintptr(off))
		}
		off += inst.Len
	}
	return out, nil
}
