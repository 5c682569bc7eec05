package hook

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

// fakeMemory is a sparse address space standing in for the host process.
type fakeMemory struct {
	mu      sync.Mutex
	regions []*region
	next    uintptr
	patches int
}

type region struct {
	base uintptr
	data []byte
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{next: 0x140100000}
}

func (f *fakeMemory) mapRegion(base uintptr, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions = append(f.regions, &region{base: base, data: data})
}

func (f *fakeMemory) find(addr uintptr, n int) ([]byte, error) {
	for _, r := range f.regions {
		if addr >= r.base && addr+uintptr(n) <= r.base+uintptr(len(r.data)) {
			return r.data[addr-r.base : addr-r.base+uintptr(n)], nil
		}
	}
	return nil, fmt.Errorf("0x%x+%d is not mapped", addr, n)
}

func (f *fakeMemory) ReadMemory(addr uintptr, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.find(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

func (f *fakeMemory) WriteMemory(addr uintptr, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.find(addr, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

func (f *fakeMemory) PatchBytes(addr uintptr, data []byte) error {
	f.mu.Lock()
	f.patches++
	f.mu.Unlock()
	return f.WriteMemory(addr, data)
}

func (f *fakeMemory) AllocateNear(addr uintptr, size int) (uintptr, error) {
	f.mu.Lock()
	base := f.next
	f.next += arenaSize
	f.regions = append(f.regions, &region{base: base, data: make([]byte, size)})
	f.mu.Unlock()
	return base, nil
}

func (f *fakeMemory) u64(addr uintptr) uint64 {
	var b [8]byte
	if err := f.ReadMemory(addr, b[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (f *fakeMemory) setU64(addr uintptr, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if err := f.WriteMemory(addr, b[:]); err != nil {
		panic(err)
	}
}

func (f *fakeMemory) cas(addr uintptr, old, new uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.find(addr, 8)
	if err != nil {
		panic(err)
	}
	if binary.LittleEndian.Uint64(b) != old {
		return false
	}
	binary.LittleEndian.PutUint64(b, new)
	return true
}

// host plays the code the stubs run inside the host process.
type host struct {
	mem     *fakeMemory
	mailbox uintptr
	frame   uintptr
	ackWait time.Duration
}

const stackBase = 0x10000000

func newHost(m *Manager, mem *fakeMemory, h *Hook, thread int) *host {
	frame := uintptr(stackBase + thread*0x1000)
	mem.mapRegion(frame, make([]byte, frameSize))
	return &host{
		mem:     mem,
		mailbox: m.table + uintptr(h.slot*mbSize),
		frame:   frame,
		ackWait: 2 * time.Second,
	}
}

func (h *host) bypassed() bool {
	return h.mem.u64(h.mailbox+mbBypass) != 0
}

// post mirrors the stub's post sequence. Returns false when the stub would take
// the bypass path.
func (h *host) post() bool {
	h.mem.setU64(h.frame+frameReply, replyPending)
	if h.bypassed() {
		return false
	}
	for !h.mem.cas(h.mailbox+mbLock, 0, 1) {
		if h.bypassed() {
			return false
		}
		time.Sleep(10 * time.Microsecond)
	}
	h.mem.setU64(h.mailbox+mbFrame, uint64(h.frame))
	h.mem.setU64(h.mailbox+mbState, statePosted)

	deadline := time.Now().Add(h.ackWait)
	for h.mem.u64(h.mailbox+mbState) != stateIdle {
		if time.Now().After(deadline) {
			h.mem.setU64(h.mailbox+mbBypass, 1)
			h.mem.setU64(h.mailbox+mbState, stateIdle)
			h.mem.setU64(h.mailbox+mbLock, 0)
			return false
		}
		time.Sleep(10 * time.Microsecond)
	}
	h.mem.setU64(h.mailbox+mbLock, 0)

	for h.mem.u64(h.frame+frameReply) == replyPending {
		time.Sleep(10 * time.Microsecond)
	}
	return true
}

func (h *host) writeContext(c *Context) {
	buf := make([]byte, frameSize)
	c.encode(buf)
	if err := h.mem.WriteMemory(h.frame, buf); err != nil {
		panic(err)
	}
}

func (h *host) readContext() Context {
	buf := make([]byte, frameSize)
	if err := h.mem.ReadMemory(h.frame, buf); err != nil {
		panic(err)
	}
	var c Context
	c.decode(buf, h.frame)
	return c
}

// mid runs one pass through a mid hook stub and returns the registers the
// relocated instructions would see.
func (h *host) mid(in Context) Context {
	h.writeContext(&in)
	h.mem.setU64(h.frame+framePhase, 0)
	h.post()
	return h.readContext()
}

// call runs one call through an inline hook stub. original stands in for the
// trampoline.
func (h *host) call(in Context, original func(a, b, c, d uint64) uint64) uint64 {
	h.writeContext(&in)
	h.mem.setU64(h.frame+framePhase, 0)
	reply := uint64(replyResume)
	if h.post() {
		reply = h.mem.u64(h.frame + frameReply)
	} else {
		reply = replyCall
	}
	for reply == replyCall {
		c := h.readContext()
		h.mem.setU64(h.frame+offRAX, original(c.RCX, c.RDX, c.R8, c.R9))
		h.mem.setU64(h.frame+framePhase, 1)
		if h.post() {
			reply = h.mem.u64(h.frame + frameReply)
		} else {
			reply = replyResume
		}
	}
	return h.readContext().RAX
}

const imageBase = 0x140000000

// mov [rsp+8], rbx; mov [rsp+0x10], rsi; push rdi
var sampleCode = []byte{0x48, 0x89, 0x5C, 0x24, 0x08, 0x48, 0x89, 0x74, 0x24, 0x10, 0x57, 0xC3}

// push rbx; sub rsp, 0x20; mov rbx, rcx
var splitCode = []byte{0x53, 0x48, 0x83, 0xEC, 0x20, 0x48, 0x89, 0xCB, 0xC3}

// freezingMemory stops fake host threads around code writes, like a Process.
type freezingMemory struct {
	*fakeMemory
	threads []uintptr // RIP of each host thread

	frozen         bool
	frozenPatches  int
	patchesOutside int
	failAt         uintptr
}

func (f *freezingMemory) Freeze(move func(rip uintptr) uintptr) (func() error, error) {
	f.frozen = true
	for i, rip := range f.threads {
		f.threads[i] = move(rip)
	}
	return func() error {
		f.frozen = false
		return nil
	}, nil
}

func (f *freezingMemory) PatchBytes(addr uintptr, data []byte) error {
	if f.failAt != 0 && addr == f.failAt {
		return fmt.Errorf("access denied at 0x%x", addr)
	}
	if f.frozen {
		f.frozenPatches++
	} else if addr >= imageBase && addr < imageBase+0x2000 {
		f.patchesOutside++
	}
	return f.fakeMemory.PatchBytes(addr, data)
}

func newTestManager(t *testing.T) (*Manager, *fakeMemory, context.CancelFunc) {
	t.Helper()
	mem := newFakeMemory()
	m, cancel := startManager(t, mem, mem)
	return m, mem, cancel
}

// startManager maps the sample image into fake and runs a manager over mem,
// which may wrap fake.
func startManager(t *testing.T, fake *fakeMemory, mem Memory) (*Manager, context.CancelFunc) {
	t.Helper()
	image := make([]byte, 0x2000)
	copy(image[0x1000:], sampleCode)
	copy(image[0x1100:], sampleCode)
	copy(image[0x1200:], splitCode)
	fake.mapRegion(imageBase, image)

	log, _ := test.NewNullLogger()
	m := NewManager(mem, Options{
		Logger:       log,
		IdleSpins:    1,
		IdleSleep:    100 * time.Microsecond,
		DrainQuiet:   10 * time.Millisecond,
		DrainTimeout: 500 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		cancel()
		m.Wait()
	})
	return m, cancel
}
