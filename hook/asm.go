package hook

import (
	"encoding/binary"
	"fmt"
)

// Minimal x64 emitter for the fixed stub shapes below. Only the encodings the
// stubs need are implemented; rsp relative operands always use disp32.

type reg byte

const (
	rax reg = iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15
)

// Condition codes for jcc
const (
	condE  = 0x4
	condNE = 0x5
)

type fixup struct {
	at    int // offset of the rel32 field
	label string
}

type asm struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
}

func newAsm() *asm {
	return &asm{labels: make(map[string]int)}
}

func (a *asm) emit(b ...byte) {
	a.buf = append(a.buf, b...)
}

func (a *asm) imm32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *asm) imm64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

func (a *asm) len() int {
	return len(a.buf)
}

func (a *asm) label(name string) {
	a.labels[name] = len(a.buf)
}

func (a *asm) rel32(label string) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: label})
	a.imm32(0)
}

// jmp label (E9 rel32)
func (a *asm) jmp(label string) {
	a.emit(0xE9)
	a.rel32(label)
}

// jcc label (0F 8x rel32)
func (a *asm) jcc(cond byte, label string) {
	a.emit(0x0F, 0x80|cond)
	a.rel32(label)
}

// link resolves all label references.
func (a *asm) link() ([]byte, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(int32(target-(f.at+4))))
	}
	return a.buf, nil
}

func (a *asm) pushfq() { a.emit(0x9C) }
func (a *asm) popfq()  { a.emit(0x9D) }
func (a *asm) pause()  { a.emit(0xF3, 0x90) }
func (a *asm) ret()    { a.emit(0xC3) }

// call rax
func (a *asm) callRAX() { a.emit(0xFF, 0xD0) }

func (a *asm) push(r reg) {
	if r >= r8 {
		a.emit(0x41)
	}
	a.emit(0x50 + byte(r&7))
}

func (a *asm) pop(r reg) {
	if r >= r8 {
		a.emit(0x41)
	}
	a.emit(0x58 + byte(r&7))
}

// mov r64, imm64
func (a *asm) movImm64(r reg, v uint64) {
	rex := byte(0x48)
	if r >= r8 {
		rex |= 0x01
	}
	a.emit(rex, 0xB8+byte(r&7))
	a.imm64(v)
}

// mov r32, imm32 (zero extends)
func (a *asm) movImm32(r reg, v uint32) {
	if r >= r8 {
		a.emit(0x41)
	}
	a.emit(0xB8 + byte(r&7))
	a.imm32(v)
}

func (a *asm) sibRSP(regField byte, disp uint32) {
	a.emit(0x80|(regField&7)<<3|0x04, 0x24)
	a.imm32(disp)
}

// mov [rsp+disp32], r64
func (a *asm) storeRSP(disp uint32, r reg) {
	rex := byte(0x48)
	if r >= r8 {
		rex |= 0x04
	}
	a.emit(rex, 0x89)
	a.sibRSP(byte(r), disp)
}

// mov r64, [rsp+disp32]
func (a *asm) loadRSP(r reg, disp uint32) {
	rex := byte(0x48)
	if r >= r8 {
		rex |= 0x04
	}
	a.emit(rex, 0x8B)
	a.sibRSP(byte(r), disp)
}

// mov qword [rsp+disp32], imm32
func (a *asm) storeImmRSP(disp uint32, v uint32) {
	a.emit(0x48, 0xC7)
	a.sibRSP(0, disp)
	a.imm32(v)
}

// cmp qword [rsp+disp32], imm8
func (a *asm) cmpImmRSP(disp uint32, v byte) {
	a.emit(0x48, 0x83)
	a.sibRSP(7, disp)
	a.emit(v)
}

// movdqu [rsp+disp32], xmmN
func (a *asm) storeXMM(disp uint32, n int) {
	a.emit(0xF3)
	if n >= 8 {
		a.emit(0x44)
	}
	a.emit(0x0F, 0x7F)
	a.sibRSP(byte(n), disp)
}

// movdqu xmmN, [rsp+disp32]
func (a *asm) loadXMM(n int, disp uint32) {
	a.emit(0xF3)
	if n >= 8 {
		a.emit(0x44)
	}
	a.emit(0x0F, 0x6F)
	a.sibRSP(byte(n), disp)
}

// sub rsp, imm32
func (a *asm) subRSP(v uint32) {
	a.emit(0x48, 0x81, 0xEC)
	a.imm32(v)
}

// add rsp, imm32
func (a *asm) addRSP(v uint32) {
	a.emit(0x48, 0x81, 0xC4)
	a.imm32(v)
}

// mov qword [rbx+disp8], imm32
func (a *asm) storeImmRBX(disp byte, v uint32) {
	a.emit(0x48, 0xC7, 0x43, disp)
	a.imm32(v)
}

// cmp qword [rbx+disp8], imm8
func (a *asm) cmpImmRBX(disp byte, v byte) {
	a.emit(0x48, 0x83, 0x7B, disp, v)
}

// mov [rbx+disp8], rsp
func (a *asm) storeRSPToRBX(disp byte) {
	a.emit(0x48, 0x89, 0x63, disp)
}

// lock cmpxchg [rbx], rcx
func (a *asm) lockCmpxchgRBXRCX() {
	a.emit(0xF0, 0x48, 0x0F, 0xB1, 0x0B)
}

// xor eax, eax
func (a *asm) zeroEAX() {
	a.emit(0x31, 0xC0)
}

// dec edx
func (a *asm) decEDX() {
	a.emit(0xFF, 0xCA)
}

// jmp qword [rip+0] followed by the absolute target
// jmp [rip+0] followed by the address
const jmpAbsSize = 14

func (a *asm) jmpAbs(target uintptr) {
	a.emit(0xFF, 0x25, 0x00, 0x00, 0x00, 0x00)
	a.imm64(uint64(target))
}

// jmpRel32 encodes "jmp rel32" at from towards to.
func jmpRel32(from, to uintptr) ([]byte, error) {
	rel := int64(to) - int64(from+5)
	if rel < -0x80000000 || rel > 0x7FFFFFFF {
		return nil, fmt.Errorf("%w: jmp from 0x%x to 0x%x", ErrOutOfRange, from, to)
	}
	b := []byte{0xE9, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(rel)))
	return b, nil
}
