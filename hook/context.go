package hook

import (
	"encoding/binary"
	"math"
)

// Frame layout pushed by every stub, lowest address first. RSP points at
// frameReply while the host waits on a reply.
const (
	frameReply = 0x000 // written by the patcher to release the host thread
	framePhase = 0x008 // 0 on entry, 1 after the trampoline returned (inline only)
	frameXMM   = 0x010 // xmm0..xmm15, 16 bytes each
	frameGPR   = 0x110 // r15 .. rax, rflags
	frameSize  = 0x190
)

// Offsets of the general purpose registers inside the frame.
const (
	offR15    = frameGPR + 8*iota
	offR14
	offR13
	offR12
	offR11
	offR10
	offR9
	offR8
	offRDI
	offRSI
	offRBP
	offRBX
	offRDX
	offRCX
	offRAX
	offRFlags
)

// Reply values
const (
	replyPending = 0
	replyResume  = 1 // restore the frame and continue (mid) / return RAX (inline)
	replyCall    = 2 // call the trampoline with RCX, RDX, R8, R9 (inline)
)

// XMM is one 128-bit vector register.
type XMM [16]byte

func (x *XMM) F32(lane int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(x[lane*4:]))
}

func (x *XMM) SetF32(lane int, v float32) {
	binary.LittleEndian.PutUint32(x[lane*4:], math.Float32bits(v))
}

func (x *XMM) F64(lane int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(x[lane*8:]))
}

func (x *XMM) SetF64(lane int, v float64) {
	binary.LittleEndian.PutUint64(x[lane*8:], math.Float64bits(v))
}

func (x *XMM) U64(lane int) uint64 {
	return binary.LittleEndian.Uint64(x[lane*8:])
}

func (x *XMM) SetU64(lane int, v uint64) {
	binary.LittleEndian.PutUint64(x[lane*8:], v)
}

// Context is the register file captured at the hook point. It is only valid
// for the duration of one callout; changes are written back before the host
// thread resumes. RSP is read-only.
type Context struct {
	XMM [16]XMM

	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RFlags             uint64

	rsp uint64
}

// RSP is the stack pointer the hooked code sees.
func (c *Context) RSP() uint64 {
	return c.rsp
}

func (c *Context) gprs() [16]*uint64 {
	return [16]*uint64{
		&c.R15, &c.R14, &c.R13, &c.R12, &c.R11, &c.R10, &c.R9, &c.R8,
		&c.RDI, &c.RSI, &c.RBP, &c.RBX, &c.RDX, &c.RCX, &c.RAX, &c.RFlags,
	}
}

// decode reads a frame captured at frameAddr.
func (c *Context) decode(frame []byte, frameAddr uintptr) {
	for i := range c.XMM {
		copy(c.XMM[i][:], frame[frameXMM+16*i:])
	}
	for i, r := range c.gprs() {
		*r = binary.LittleEndian.Uint64(frame[frameGPR+8*i:])
	}
	c.rsp = uint64(frameAddr) + frameSize
}

// encode writes the registers back into frame. Reply and phase are untouched.
func (c *Context) encode(frame []byte) {
	for i := range c.XMM {
		copy(frame[frameXMM+16*i:], c.XMM[i][:])
	}
	for i, r := range c.gprs() {
		binary.LittleEndian.PutUint64(frame[frameGPR+8*i:], *r)
	}
}
