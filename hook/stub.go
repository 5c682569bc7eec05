package hook

// Mailbox layout. One slot per hook, shared by every host thread that reaches it.
const (
	mbLock   = 0x00 // 0 free, 1 owned by a posting thread
	mbState  = 0x08 // stateIdle or statePosted
	mbFrame  = 0x10 // frame address of the posting thread
	mbBypass = 0x18 // non-zero: stub passes straight through
	mbSize   = 0x20
)

const (
	stateIdle   = 0
	statePosted = 1
)

// Upper bound of stub size, relocated bytes included.
const maxStubSize = 0x300

// Stack reserved around the trampoline call: shadow space plus alignment.
const callReserve = 0x28

type stubParams struct {
	base      uintptr // address the stub is written to
	mailbox   uintptr
	spinLimit uint32
}

func saveFrame(a *asm) {
	a.pushfq()
	for _, r := range []reg{rax, rcx, rdx, rbx, rbp, rsi, rdi, r8, r9, r10, r11, r12, r13, r14, r15} {
		a.push(r)
	}
	a.subRSP(frameGPR)
	for i := 0; i < 16; i++ {
		a.storeXMM(uint32(frameXMM+16*i), i)
	}
}

func restoreFrame(a *asm) {
	for i := 0; i < 16; i++ {
		a.loadXMM(i, uint32(frameXMM+16*i))
	}
	a.addRSP(frameGPR)
	for _, r := range []reg{r15, r14, r13, r12, r11, r10, r9, r8, rdi, rsi, rbp, rbx, rdx, rcx, rax} {
		a.pop(r)
	}
	a.popfq()
}

// emitPost publishes the frame to the mailbox and waits for a reply. Jumps to
// bypass when the hook is bypassed or the patcher does not acknowledge in time.
// Clobbers rax, rcx, rdx, rbx.
func emitPost(a *asm, p stubParams, bypass string) {
	a.label("post")
	a.storeImmRSP(frameReply, replyPending)
	a.movImm64(rbx, uint64(p.mailbox))
	a.cmpImmRBX(mbBypass, 0)
	a.jcc(condNE, bypass)

	a.label("acquire")
	a.zeroEAX()
	a.movImm32(rcx, 1)
	a.lockCmpxchgRBXRCX()
	a.jcc(condE, "locked")
	a.pause()
	a.cmpImmRBX(mbBypass, 0)
	a.jcc(condNE, bypass)
	a.jmp("acquire")

	a.label("locked")
	a.storeRSPToRBX(mbFrame)
	a.storeImmRBX(mbState, statePosted)
	a.movImm32(rdx, p.spinLimit)

	a.label("ack")
	a.pause()
	a.cmpImmRBX(mbState, stateIdle)
	a.jcc(condE, "acked")
	a.decEDX()
	a.jcc(condNE, "ack")

	// Nobody is servicing the mailbox, stop posting for good
	a.storeImmRBX(mbBypass, 1)
	a.storeImmRBX(mbState, stateIdle)
	a.storeImmRBX(mbLock, 0)
	a.jmp(bypass)

	a.label("acked")
	a.storeImmRBX(mbLock, 0)

	a.label("wait")
	a.pause()
	a.cmpImmRSP(frameReply, replyPending)
	a.jcc(condE, "wait")
}

// buildMidStub returns the cave code for a mid hook: capture, post, restore,
// run the displaced instructions, jump back behind them.
func buildMidStub(p stubParams, stolen []byte, target uintptr) ([]byte, error) {
	a := newAsm()
	saveFrame(a)
	a.storeImmRSP(framePhase, 0)
	emitPost(a, p, "resume")

	a.label("resume")
	restoreFrame(a)

	moved, err := relocate(stolen, target, p.base+uintptr(a.len()))
	if err != nil {
		return nil, err
	}
	a.emit(moved...)
	a.jmpAbs(target + uintptr(len(stolen)))
	return a.link()
}

// buildTrampoline returns the displaced instructions followed by a jump back
// into the original function. Calling it calls the original function.
func buildTrampoline(base uintptr, stolen []byte, target uintptr) ([]byte, error) {
	a := newAsm()
	moved, err := relocate(stolen, target, base)
	if err != nil {
		return nil, err
	}
	a.emit(moved...)
	a.jmpAbs(target + uintptr(len(stolen)))
	return a.link()
}

// buildInlineStub returns the replacement entry for an inline hook. The patcher
// replies either replyCall (run the trampoline with the frame's argument
// registers, store RAX, post again) or replyResume (return the frame's RAX).
func buildInlineStub(p stubParams, trampoline uintptr) ([]byte, error) {
	a := newAsm()
	saveFrame(a)
	a.storeImmRSP(framePhase, 0)
	emitPost(a, p, "bypass")

	a.label("dispatch")
	a.cmpImmRSP(frameReply, replyCall)
	a.jcc(condNE, "finish")
	a.loadRSP(rcx, offRCX)
	a.loadRSP(rdx, offRDX)
	a.loadRSP(r8, offR8)
	a.loadRSP(r9, offR9)
	a.subRSP(callReserve)
	a.movImm64(rax, uint64(trampoline))
	a.callRAX()
	a.addRSP(callReserve)
	a.storeRSP(offRAX, rax)
	a.storeImmRSP(framePhase, 1)
	a.jmp("post")

	// Pass through: call the original once, then return its result
	a.label("bypass")
	a.storeImmRSP(frameReply, replyResume)
	a.cmpImmRSP(framePhase, 0)
	a.jcc(condNE, "dispatch")
	a.storeImmRSP(frameReply, replyCall)
	a.jmp("dispatch")

	a.label("finish")
	restoreFrame(a)
	a.ret()
	return a.link()
}

// buildJump returns the bytes written over the hook site: a jump to dest padded
// with nops to n bytes.
func buildJump(site, dest uintptr, n int) ([]byte, error) {
	jmp, err := jmpRel32(site, dest)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, jmp)
	for i := len(jmp); i < n; i++ {
		b[i] = 0x90
	}
	return b, nil
}
