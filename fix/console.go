package fix

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf16"

	"github.com/optix2000/sotdfix/hook"
	"github.com/optix2000/sotdfix/signature"
	"golang.org/x/time/rate"
)

var (
	// UEngine::Exec(UWorld*, const TCHAR*, FOutputDevice&)
	sigEngineExec = signature.MustParse("48 89 5C 24 ?? 48 89 6C 24 ?? 48 89 74 24 ?? 57 41 54 41 55 41 56 41 57 48 81 EC ?? ?? ?? ?? 48 8B 05 ?? ?? ?? ?? 48 33 C4 48 89 84 24 ?? ?? ?? ?? 4D 8B F1 49 8B F0")
	// mov rcx, [GEngine]; test rcx, rcx; jz; mov rax, [rcx]; call [rax+..]
	sigGEngine = signature.MustParse("48 8B 0D ?? ?? ?? ?? 48 85 C9 74 ?? 48 8B 01 FF 90 ?? ?? ?? ??")
)

// ripTarget resolves the rip-relative operand of the instruction at addr.
func ripTarget(img *signature.Image, addr uintptr, dispOff, instLen int) (uintptr, error) {
	b, err := img.Bytes(addr+uintptr(dispOff), 4)
	if err != nil {
		return 0, err
	}
	disp := int32(binary.LittleEndian.Uint32(b))
	return uintptr(int64(addr) + int64(instLen) + int64(disp)), nil
}

func readPointer(mem hook.Memory, addr uintptr) (uint64, error) {
	var b [8]byte
	if err := mem.ReadMemory(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// waitFor polls fn until it reports a non-zero value, at most attempts times
// and interval apart.
func waitFor(ctx context.Context, attempts int, interval time.Duration, fn func() (uint64, error)) (uint64, error) {
	rl := rate.NewLimiter(rate.Every(interval), 1)
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := rl.Wait(ctx); err != nil {
			return 0, err
		}
		v, err := fn()
		if err == nil && v != 0 {
			return v, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, fmt.Errorf("%w after %d attempts: %v", ErrTimeout, attempts, lastErr)
	}
	return 0, fmt.Errorf("%w after %d attempts", ErrTimeout, attempts)
}

// encodeCommands lays out each command as a NUL terminated UTF-16 string
// starting at base. Returns the buffer and each string's address.
func encodeCommands(base uintptr, cmds []string) ([]byte, []uintptr) {
	var buf []byte
	addrs := make([]uintptr, 0, len(cmds))
	for _, cmd := range cmds {
		addrs = append(addrs, base+uintptr(len(buf)))
		for _, u := range utf16.Encode([]rune(cmd)) {
			buf = binary.LittleEndian.AppendUint16(buf, u)
		}
		buf = append(buf, 0, 0)
	}
	return buf, addrs
}

// caller is the part of *hook.Call the command hook uses.
type caller interface {
	Arg(i int) uint64
	Original(args ...uint64) (uint64, error)
}

// console issues the configured commands through the engine's own command
// entry point, once the engine has been seen executing a command with an
// output device.
type console struct {
	env      *Env
	engine   uint64
	cmds     []string
	cmdAddrs []uintptr

	claimed atomic.Bool // first qualifying call owns the batch
	output  atomic.Uint64
	issued  atomic.Bool

	warn *rate.Sometimes
}

func (c *console) issue(call caller, engine, world, output uint64) {
	for i, cmd := range c.cmds {
		if _, err := call.Original(engine, world, uint64(c.cmdAddrs[i]), output); err != nil {
			c.env.Log.WithError(err).Errorf("Console Commands: Could not run %q.", cmd)
			return
		}
		c.env.Log.Infof("Console Commands: Ran %q.", cmd)
	}
	c.issued.Store(true)
}

func (c *console) exec(call caller) uint64 {
	engine, world, output := call.Arg(0), call.Arg(1), call.Arg(3)
	if engine == c.engine && output != 0 && c.claimed.CompareAndSwap(false, true) {
		// Commands may re-enter Exec on this thread; those calls see the
		// batch claimed and pass straight through.
		c.output.Store(output)
		c.env.Log.Infof("Console Commands: Engine 0x%x, output device 0x%x", engine, output)
		c.issue(call, engine, world, output)
	} else if engine != c.engine {
		c.warn.Do(func() {
			c.env.Log.Debugf("Console Commands: Ignoring call on 0x%x, engine is 0x%x.", engine, c.engine)
		})
	}

	ret, err := call.Original()
	if err != nil {
		c.env.Log.WithError(err).Error("Console Commands: Original call failed.")
	}
	return ret
}

func applyConsole(ctx context.Context, env *Env) error {
	execAddr, err := env.scan("Console Commands", sigEngineExec)
	if err != nil {
		return err
	}
	ref, err := env.scan("GEngine", sigGEngine)
	if err != nil {
		return err
	}
	gengine, err := ripTarget(env.Image, ref, 3, 7)
	if err != nil {
		return fmt.Errorf("GEngine: %w", err)
	}
	env.Log.Infof("GEngine: Address is %s+%x", env.ExeName, env.Image.RVA(gengine))

	engine, err := waitFor(ctx, env.Config.Engine.PollAttempts, env.Config.Engine.PollInterval, func() (uint64, error) {
		return readPointer(env.Mem, gengine)
	})
	if err != nil {
		env.Log.Errorf("GEngine: Engine did not come up: %v", err)
		return fmt.Errorf("GEngine: %w", err)
	}
	env.Log.Infof("GEngine: 0x%x", engine)

	c := &console{
		env:    env,
		engine: engine,
		cmds:   env.Config.Console.Commands,
		warn:   &rate.Sometimes{First: 1, Interval: time.Minute},
	}

	buf, _ := encodeCommands(0, c.cmds)
	remote, err := env.Mem.AllocateNear(env.Image.Base, len(buf))
	if err != nil {
		return fmt.Errorf("Console Commands: could not allocate command strings: %w", err)
	}
	buf, c.cmdAddrs = encodeCommands(remote, c.cmds)
	if err := env.Mem.WriteMemory(remote, buf); err != nil {
		return fmt.Errorf("Console Commands: could not write command strings: %w", err)
	}

	_, err = env.Hooks.InstallInline("Console Commands", execAddr, func(call *hook.Call) uint64 {
		return c.exec(call)
	})
	return err
}
