package fix

import (
	"errors"
	"fmt"

	"github.com/optix2000/sotdfix/config"
	"github.com/optix2000/sotdfix/hook"
	"github.com/optix2000/sotdfix/scancache"
	"github.com/optix2000/sotdfix/signature"
	"github.com/sirupsen/logrus"
)

// Errors
var ErrTimeout = errors.New("gave up waiting")

// Hooker installs hooks. Implemented by *hook.Manager.
type Hooker interface {
	InstallMid(name string, addr uintptr, fn func(*hook.Context)) (*hook.Hook, error)
	InstallInline(name string, addr uintptr, fn func(*hook.Call) uint64) (*hook.Hook, error)
}

// Env is everything a feature needs to apply itself to the host.
type Env struct {
	Config  *config.Config
	Image   *signature.Image
	ExeName string

	Mem     hook.Memory
	Hooks   Hooker
	Metrics *Metrics

	// Desktop resolution, the starting point until the host reports its own
	DesktopX, DesktopY int

	Signatures signature.Overrides
	Cache      *scancache.Cache // optional

	Log logrus.FieldLogger
}

// scan resolves a named signature in the image. Cached offsets are reused when
// the signature still matches there.
func (e *Env) scan(name string, def signature.Signature) (uintptr, error) {
	addr, _, err := e.find(name, e.Signatures.Lookup(name, def), nil)
	return addr, err
}

// find locates sig, or patched when a site already carries the bytes an
// earlier attach wrote. Reports whether the match is the patched form.
func (e *Env) find(name string, sig signature.Signature, patched *signature.Signature) (uintptr, bool, error) {
	if e.Cache != nil {
		if rva, ok := e.Cache.Lookup(name); ok {
			addr := e.Image.Base + rva
			switch {
			case e.Image.MatchAt(sig, addr):
				e.Log.Infof("%s: Address is %s+%x", name, e.ExeName, rva)
				return addr, false, nil
			case patched != nil && e.Image.MatchAt(*patched, addr):
				e.Log.Infof("%s: Address is %s+%x", name, e.ExeName, rva)
				return addr, true, nil
			}
			e.Log.Debugf("%s: Cached offset 0x%x is stale.", name, rva)
		}
	}

	addr, err := e.Image.Find(sig)
	done := false
	if patched != nil {
		// Lowest address wins across both forms
		if p, perr := e.Image.Find(*patched); perr == nil && (err != nil || p < addr) {
			addr, err, done = p, nil, true
		}
	}
	if err != nil {
		e.Log.Errorf("%s: Pattern scan failed.", name)
		return 0, false, fmt.Errorf("%s: %w", name, err)
	}
	e.Log.Infof("%s: Address is %s+%x", name, e.ExeName, e.Image.RVA(addr))
	if e.Cache != nil {
		e.Cache.Store(name, e.Image.RVA(addr))
	}
	return addr, done, nil
}

// patchSite finds sig and writes data at off into the match. A site that
// already holds data is left alone. Returns the address of the match.
func (e *Env) patchSite(name string, def signature.Signature, off int, data []byte) (uintptr, error) {
	sig := e.Signatures.Lookup(name, def)
	patched := sig.Patched(off, data)
	addr, done, err := e.find(name, sig, &patched)
	if err != nil {
		return 0, err
	}
	if done {
		e.Log.Infof("%s: Already patched.", name)
		return addr, nil
	}
	return addr, e.patch(name, addr+uintptr(off), data)
}

// patch writes data to the host and mirrors it into the image snapshot so
// later scans see the patched bytes.
func (e *Env) patch(name string, addr uintptr, data []byte) error {
	if err := e.Mem.PatchBytes(addr, data); err != nil {
		return fmt.Errorf("%s: could not patch 0x%x: %w", name, addr, err)
	}
	if b, err := e.Image.Bytes(addr, len(data)); err == nil {
		copy(b, data)
	}
	e.Log.Infof("%s: Patched instruction.", name)
	return nil
}
