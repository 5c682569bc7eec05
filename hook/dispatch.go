package hook

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Call is one invocation of an inline-hooked function.
type Call struct {
	m     *Manager
	hook  *Hook
	frame uintptr
	ctx   Context
	ret   chan uint64

	// guarded by m.callsMu
	called      bool
	result      uint64
	passthrough bool
	detached    bool
}

// Arg returns the i-th integer argument (rcx, rdx, r8, r9) the function was called with.
func (c *Call) Arg(i int) uint64 {
	switch i {
	case 0:
		return c.ctx.RCX
	case 1:
		return c.ctx.RDX
	case 2:
		return c.ctx.R8
	case 3:
		return c.ctx.R9
	}
	panic(fmt.Sprintf("argument %d is not passed in a register", i))
}

// Context is the register file at function entry.
func (c *Call) Context() Context {
	return c.ctx
}

// Original calls the replaced function on the calling host thread. args override
// the entry arguments in order; missing ones are passed through unchanged.
func (c *Call) Original(args ...uint64) (uint64, error) {
	if len(args) > 4 {
		return 0, fmt.Errorf("%s: %d arguments, at most 4 are forwarded", c.hook.name, len(args))
	}
	regs := []uint64{c.ctx.RCX, c.ctx.RDX, c.ctx.R8, c.ctx.R9}
	copy(regs, args)

	m := c.m
	offs := []uintptr{offRCX, offRDX, offR8, offR9}
	for i, off := range offs {
		if err := m.writeU64(c.frame+off, regs[i]); err != nil {
			return 0, fmt.Errorf("%s: could not write arguments: %w", c.hook.name, err)
		}
	}

	m.callsMu.Lock()
	c.called = true
	m.callsMu.Unlock()

	if err := m.writeU64(c.frame+frameReply, replyCall); err != nil {
		return 0, fmt.Errorf("%s: could not reply: %w", c.hook.name, err)
	}

	select {
	case rax := <-c.ret:
		m.callsMu.Lock()
		c.result = rax
		m.callsMu.Unlock()
		return rax, nil
	case <-m.drained:
		// The host thread took the bypass path and returned on its own
		m.callsMu.Lock()
		c.detached = true
		m.callsMu.Unlock()
		return 0, ErrClosed
	}
}

// poller holds the state of the polling goroutine.
type poller struct {
	m       *Manager
	table   []byte
	frame   []byte
	ctx     Context
	panics  map[*Hook]*rate.Sometimes
	lastHit time.Time
}

func (m *Manager) poll(ctx context.Context) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.done)

	if m.opts.OnPollerStart != nil {
		m.opts.OnPollerStart()
	}

	p := &poller{
		m:      m,
		table:  make([]byte, maxHooks*mbSize),
		frame:  make([]byte, frameSize),
		panics: make(map[*Hook]*rate.Sometimes),
	}

	idle := 0
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		default:
		}

		if p.pass() {
			idle = 0
			continue
		}
		idle++
		if idle < m.opts.IdleSpins {
			runtime.Gosched()
		} else {
			time.Sleep(m.opts.IdleSleep)
		}
	}
}

// drain bypasses every hook, then keeps servicing posts until the host has
// been quiet for a while.
func (p *poller) drain() {
	m := p.m
	m.mu.Lock()
	hooks := m.Hooks()
	for _, h := range hooks {
		if err := m.writeU64(m.table+uintptr(h.slot*mbSize)+mbBypass, 1); err != nil {
			m.log.WithError(err).Errorf("%s: could not bypass hook.", h.name)
		}
	}
	close(m.stopping)
	m.mu.Unlock()

	deadline := time.Now().Add(m.opts.DrainTimeout)
	p.lastHit = time.Now()
	for time.Now().Before(deadline) {
		if p.pass() {
			continue
		}
		if time.Since(p.lastHit) >= m.opts.DrainQuiet && m.running.Load() == 0 {
			break
		}
		time.Sleep(m.opts.IdleSleep)
	}
	close(m.drained)
	m.active.Wait()
	m.log.Debug("Hooks drained.")
}

// pass services every posted mailbox once. Reports whether anything was posted.
func (p *poller) pass() bool {
	m := p.m
	hooks := m.Hooks()
	if len(hooks) == 0 {
		return false
	}
	table := p.table[:len(hooks)*mbSize]
	if err := m.mem.ReadMemory(m.table, table); err != nil {
		m.log.WithError(err).Error("Could not read hook mailboxes.")
		return false
	}

	busy := false
	for _, h := range hooks {
		slot := table[h.slot*mbSize:]
		addr := m.table + uintptr(h.slot*mbSize)

		if binary.LittleEndian.Uint64(slot[mbBypass:]) != 0 && !h.bypassed {
			h.bypassed = true
			select {
			case <-m.stopping:
			default:
				m.log.Warnf("%s: Host gave up waiting for the patcher, hook bypassed.", h.name)
			}
		}
		if binary.LittleEndian.Uint64(slot[mbState:]) != statePosted {
			continue
		}
		frame := uintptr(binary.LittleEndian.Uint64(slot[mbFrame:]))

		if err := m.writeU64(addr+mbState, stateIdle); err != nil {
			m.log.WithError(err).Errorf("%s: could not acknowledge callout.", h.name)
			continue
		}
		// The stub may have timed out just before the acknowledgement landed
		if bypass, err := m.readU64(addr + mbBypass); err != nil || bypass != 0 {
			continue
		}

		busy = true
		p.lastHit = time.Now()
		if err := p.service(h, frame); err != nil {
			m.log.WithError(err).Errorf("%s: callout failed.", h.name)
		}
	}
	return busy
}

func (p *poller) service(h *Hook, frame uintptr) error {
	m := p.m
	if err := m.mem.ReadMemory(frame, p.frame); err != nil {
		return fmt.Errorf("could not read frame at 0x%x: %w", frame, err)
	}

	if h.kind == kindMid {
		p.ctx.decode(p.frame, frame)
		if p.run(h, func() { h.mid(&p.ctx) }) {
			p.ctx.encode(p.frame)
			if err := m.mem.WriteMemory(frame+frameXMM, p.frame[frameXMM:]); err != nil {
				return fmt.Errorf("could not write frame at 0x%x: %w", frame, err)
			}
		}
		return m.writeU64(frame+frameReply, replyResume)
	}

	if binary.LittleEndian.Uint64(p.frame[framePhase:]) == 0 {
		c := &Call{m: m, hook: h, frame: frame, ret: make(chan uint64, 1)}
		c.ctx.decode(p.frame, frame)

		m.callsMu.Lock()
		m.calls[frame] = c
		m.callsMu.Unlock()

		m.running.Add(1)
		m.active.Add(1)
		go p.m.runInline(c, p.limiter(h))
		return nil
	}

	// Back from the trampoline
	rax := binary.LittleEndian.Uint64(p.frame[offRAX:])
	m.callsMu.Lock()
	c, ok := m.calls[frame]
	passthrough := ok && c.passthrough
	if passthrough || !ok {
		delete(m.calls, frame)
	}
	m.callsMu.Unlock()

	if !ok || passthrough {
		if !ok {
			m.log.Warnf("%s: no pending call for frame 0x%x, returning original result.", h.name, frame)
		}
		return m.writeU64(frame+frameReply, replyResume)
	}
	c.ret <- rax
	return nil
}

func (p *poller) limiter(h *Hook) *rate.Sometimes {
	s, ok := p.panics[h]
	if !ok {
		s = &rate.Sometimes{First: 3, Interval: 10 * time.Second}
		p.panics[h] = s
	}
	return s
}

// run calls fn, recovering panics. Reports whether fn returned normally.
func (p *poller) run(h *Hook, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.limiter(h).Do(func() {
				p.m.log.WithField("hook", h.name).Errorf("Callout panicked: %v", r)
			})
		}
	}()
	fn()
	return true
}

func (m *Manager) runInline(c *Call, panics *rate.Sometimes) {
	defer m.active.Done()
	defer m.running.Add(-1)

	h := c.hook
	var ret uint64
	ok := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				ok = false
				panics.Do(func() {
					m.log.WithFields(logrus.Fields{"hook": h.name}).Errorf("Replacement panicked: %v", r)
				})
			}
		}()
		ret = h.inline(c)
		return true
	}()

	m.callsMu.Lock()
	if c.detached {
		delete(m.calls, c.frame)
		m.callsMu.Unlock()
		return
	}
	if !ok {
		if !c.called {
			// Let the original run and return its result
			c.passthrough = true
			m.callsMu.Unlock()
			if err := m.writeU64(c.frame+frameReply, replyCall); err != nil {
				m.log.WithError(err).Errorf("%s: could not release host thread.", h.name)
			}
			return
		}
		ret = c.result
	}
	delete(m.calls, c.frame)
	m.callsMu.Unlock()

	if err := m.writeU64(c.frame+offRAX, ret); err != nil {
		m.log.WithError(err).Errorf("%s: could not write return value.", h.name)
	}
	if err := m.writeU64(c.frame+frameReply, replyResume); err != nil {
		m.log.WithError(err).Errorf("%s: could not release host thread.", h.name)
	}
}
