package hook

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Errors
var ErrNotStarted = errors.New("hook manager not started")
var ErrClosed = errors.New("hook manager closed")
var ErrTooManyHooks = errors.New("too many hooks")

// Mailbox slots available per manager.
const maxHooks = 32

// Memory is the view of the host process the manager needs.
type Memory interface {
	ReadMemory(addr uintptr, buf []byte) error
	WriteMemory(addr uintptr, data []byte) error
	// PatchBytes writes data to code, changing page protection as needed.
	PatchBytes(addr uintptr, data []byte) error
	// AllocateNear reserves and commits executable memory within rel32 range of addr.
	AllocateNear(addr uintptr, size int) (uintptr, error)
}

// Freezer is implemented by Memory that can stop the host's threads while its
// code is rewritten. move is called with each stopped thread's instruction
// pointer and returns where that thread resumes.
type Freezer interface {
	Freeze(move func(rip uintptr) uintptr) (thaw func() error, err error)
}

type Options struct {
	Logger logrus.FieldLogger

	// Pause iterations a stub waits for the patcher to pick up a post before it
	// bypasses the hook for good.
	SpinLimit uint32

	// Empty polls before the poller starts sleeping, and how long it sleeps.
	IdleSpins int
	IdleSleep time.Duration

	// Shutdown waits until no hook fired for DrainQuiet, at most DrainTimeout.
	DrainQuiet   time.Duration
	DrainTimeout time.Duration

	// Called on the poller's locked OS thread before polling starts.
	OnPollerStart func()
}

const (
	DefaultSpinLimit    = 0x08000000
	DefaultIdleSpins    = 20000
	DefaultIdleSleep    = time.Millisecond
	DefaultDrainQuiet   = 50 * time.Millisecond
	DefaultDrainTimeout = 2 * time.Second
)

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.SpinLimit == 0 {
		o.SpinLimit = DefaultSpinLimit
	}
	if o.IdleSpins == 0 {
		o.IdleSpins = DefaultIdleSpins
	}
	if o.IdleSleep == 0 {
		o.IdleSleep = DefaultIdleSleep
	}
	if o.DrainQuiet == 0 {
		o.DrainQuiet = DefaultDrainQuiet
	}
	if o.DrainTimeout == 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
}

type kind int

const (
	kindMid kind = iota
	kindInline
)

func (k kind) String() string {
	if k == kindInline {
		return "inline"
	}
	return "mid"
}

// Hook is the handle of one installed hook. The redirection stays active until
// the manager is closed.
type Hook struct {
	name       string
	kind       kind
	slot       int
	target     uintptr
	original   []byte // bytes overwritten at target
	stub       uintptr
	trampoline uintptr
	relocated  uintptr // copy of original, runs the same as target

	mid    func(*Context)
	inline func(*Call) uint64

	bypassed bool // poller only
}

func (h *Hook) Name() string {
	return h.name
}

// Target is the hooked address.
func (h *Hook) Target() uintptr {
	return h.target
}

// Trampoline is the address that runs the original code of an inline hook.
// Zero for mid hooks.
func (h *Hook) Trampoline() uintptr {
	return h.trampoline
}

// Manager installs hooks into a host process and services their callouts.
type Manager struct {
	mem  Memory
	opts Options
	log  logrus.FieldLogger

	mu        sync.Mutex // installs
	caves     caveAllocator
	table     uintptr
	installed []*Hook
	hooks     atomic.Pointer[[]*Hook]

	callsMu sync.Mutex
	calls   map[uintptr]*Call
	active  sync.WaitGroup
	running atomic.Int32

	started  atomic.Bool
	stopping chan struct{}
	drained  chan struct{}
	done     chan struct{}
	closed   bool
}

func NewManager(mem Memory, opts Options) *Manager {
	opts.setDefaults()
	m := &Manager{
		mem:      mem,
		opts:     opts,
		log:      opts.Logger,
		caves:    caveAllocator{mem: mem},
		calls:    make(map[uintptr]*Call),
		stopping: make(chan struct{}),
		drained:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	empty := []*Hook{}
	m.hooks.Store(&empty)
	return m
}

// Start launches the poller. Hooks can only be installed after Start so that
// the first callout always finds a poller. Cancelling ctx bypasses every hook
// and drains in-flight callouts.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.poll(ctx)
}

// Wait blocks until the poller has stopped.
func (m *Manager) Wait() {
	<-m.done
}

// Hooks returns the installed hooks in installation order.
func (m *Manager) Hooks() []*Hook {
	return *m.hooks.Load()
}

// InstallMid hooks the instruction at addr. fn runs with the registers as they
// are at addr; its changes are applied before the instruction executes.
func (m *Manager) InstallMid(name string, addr uintptr, fn func(*Context)) (*Hook, error) {
	return m.install(&Hook{name: name, kind: kindMid, target: addr, mid: fn})
}

// InstallInline replaces the function at addr with fn. The value fn returns is
// the function's return value; Call.Original runs the replaced function.
func (m *Manager) InstallInline(name string, addr uintptr, fn func(*Call) uint64) (*Hook, error) {
	return m.install(&Hook{name: name, kind: kindInline, target: addr, inline: fn})
}

func (m *Manager) install(h *Hook) (*Hook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started.Load() {
		return nil, ErrNotStarted
	}
	select {
	case <-m.stopping:
		return nil, ErrClosed
	default:
	}
	if m.closed {
		return nil, ErrClosed
	}
	if len(m.installed) >= maxHooks {
		return nil, ErrTooManyHooks
	}
	for _, o := range m.installed {
		if h.target < o.target+uintptr(len(o.original)) && o.target < h.target+jmpSize {
			return nil, fmt.Errorf("%s: 0x%x overlaps hook %s", h.name, h.target, o.name)
		}
	}

	if m.table == 0 {
		table, err := m.caves.alloc(h.target, maxHooks*mbSize)
		if err != nil {
			return nil, fmt.Errorf("%s: could not allocate mailboxes: %w", h.name, err)
		}
		m.table = table
	}
	h.slot = len(m.installed)
	params := stubParams{
		mailbox:   m.table + uintptr(h.slot*mbSize),
		spinLimit: m.opts.SpinLimit,
	}

	head := make([]byte, readAhead)
	if err := m.mem.ReadMemory(h.target, head); err != nil {
		return nil, fmt.Errorf("%s: could not read 0x%x: %w", h.name, h.target, err)
	}
	n, err := stealLength(head, jmpSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.name, err)
	}
	stolen := head[:n]
	h.original = append([]byte(nil), stolen...)

	if h.kind == kindInline {
		h.trampoline, err = m.caves.alloc(h.target, n+14)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h.name, err)
		}
		code, err := buildTrampoline(h.trampoline, stolen, h.target)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", h.name, err)
		}
		if err := m.mem.PatchBytes(h.trampoline, code); err != nil {
			return nil, fmt.Errorf("%s: could not write trampoline: %w", h.name, err)
		}
	}

	h.stub, err = m.caves.alloc(h.target, maxStubSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.name, err)
	}
	params.base = h.stub

	var code []byte
	if h.kind == kindInline {
		code, err = buildInlineStub(params, h.trampoline)
		h.relocated = h.trampoline
	} else {
		code, err = buildMidStub(params, stolen, h.target)
		h.relocated = h.stub + uintptr(len(code)-jmpAbsSize-n)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.name, err)
	}
	if len(code) > maxStubSize {
		return nil, fmt.Errorf("%s: stub is %d bytes", h.name, len(code))
	}
	if err := m.mem.PatchBytes(h.stub, code); err != nil {
		return nil, fmt.Errorf("%s: could not write stub: %w", h.name, err)
	}

	jmp, err := buildJump(h.target, h.stub, n)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.name, err)
	}

	// Visible to the poller before the host can reach the stub
	m.installed = append(m.installed, h)
	snapshot := append([]*Hook(nil), m.installed...)
	m.hooks.Store(&snapshot)

	// Threads stopped inside the displaced instructions continue in the copy
	err = m.patchCode(h.target, jmp, func(rip uintptr) uintptr {
		if rip > h.target && rip < h.target+uintptr(n) {
			return h.relocated + (rip - h.target)
		}
		return rip
	})
	if err != nil {
		m.installed = m.installed[:len(m.installed)-1]
		snapshot := append([]*Hook(nil), m.installed...)
		m.hooks.Store(&snapshot)
		return nil, fmt.Errorf("%s: could not write jump at 0x%x: %w", h.name, h.target, err)
	}

	m.log.WithFields(logrus.Fields{
		"hook":   h.name,
		"kind":   h.kind,
		"target": fmt.Sprintf("0x%x", h.target),
		"stub":   fmt.Sprintf("0x%x", h.stub),
		"stolen": n,
	}).Debug("Hook installed.")
	return h, nil
}

// Close restores the original bytes of every hook. Stubs and trampolines are
// left in place since host threads may still be executing them.
func (m *Manager) Close() error {
	if m.started.Load() {
		select {
		case <-m.done:
		default:
			return errors.New("hook manager still running")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for i := len(m.installed) - 1; i >= 0; i-- {
		h := m.installed[i]
		if err := m.patchCode(h.target, h.original, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: could not restore 0x%x: %w", h.name, h.target, err))
		}
	}
	return errors.Join(errs...)
}

// patchCode writes code over live host code with the host's threads stopped,
// when the memory supports it.
func (m *Manager) patchCode(addr uintptr, code []byte, move func(rip uintptr) uintptr) error {
	fz, ok := m.mem.(Freezer)
	if !ok {
		return m.mem.PatchBytes(addr, code)
	}
	if move == nil {
		move = func(rip uintptr) uintptr { return rip }
	}
	thaw, err := fz.Freeze(move)
	if err != nil {
		return fmt.Errorf("could not suspend host threads: %w", err)
	}
	err = m.mem.PatchBytes(addr, code)
	if terr := thaw(); terr != nil && err == nil {
		err = fmt.Errorf("could not resume host threads: %w", terr)
	}
	return err
}

func (m *Manager) readU64(addr uintptr) (uint64, error) {
	var b [8]byte
	if err := m.mem.ReadMemory(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *Manager) writeU64(addr uintptr, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return m.mem.WriteMemory(addr, b[:])
}
