package fix

import (
	"context"
	"math"
	"time"

	"github.com/optix2000/sotdfix/config"
	"github.com/optix2000/sotdfix/hook"
	"github.com/optix2000/sotdfix/signature"
	"golang.org/x/time/rate"
)

// Built-in signatures. Each can be replaced by name from the overrides file.
var (
	sigResolution     = signature.MustParse("76 ?? C5 ?? ?? ?? C4 ?? ?? ?? ?? 8B ?? 41 ?? ?? ?? ?? ?? ??")
	sigCutsceneAspect = signature.MustParse("F6 ?? ?? ?? ?? ?? 02 0F 84 ?? ?? ?? ?? F3 44 ?? ?? ?? ?? ?? ?? ?? F3 0F ?? ?? ?? ?? ?? ??")
	sigFOV            = signature.MustParse("41 0F ?? ?? F3 0F ?? ?? F3 0F ?? ?? ?? ?? ?? ?? 48 ?? ?? ?? 49 ?? ?? E8 ?? ?? ?? ??")
	sigHUD            = signature.MustParse("45 ?? ?? ?? ?? ?? ?? 45 ?? ?? ?? ?? ?? ?? 49 ?? ?? ?? ?? ?? ?? 49 ?? ?? E8 ?? ?? ?? ??")
	sigFramerateCap   = signature.MustParse("83 3D ?? ?? ?? ?? 00 74 ?? F3 0F ?? ?? ?? ?? ?? ?? C3 0F 57 ?? C3")
	sigLODDistance    = signature.MustParse("F3 0F ?? ?? ?? ?? ?? ?? 48 8D ?? ?? 49 ?? ?? E8 ?? ?? ?? ?? 48 ?? ?? 48 8D ?? ?? ?? ?? ?? E8 ?? ?? ?? ??")
)

// Feature is one independently applied fix.
type Feature struct {
	Name    string
	Enabled func(cfg *config.Config) bool
	Apply   func(ctx context.Context, env *Env) error
}

// Features in the order they are applied.
var Features = []Feature{
	{Name: "Resolution", Enabled: func(*config.Config) bool { return true }, Apply: applyResolution},
	{Name: "Aspect Ratio", Enabled: func(c *config.Config) bool { return c.FixAspect }, Apply: applyAspectRatio},
	{Name: "FOV", Enabled: func(c *config.Config) bool { return c.FixFOV || c.AdditionalFOV != 0 }, Apply: applyFOV},
	{Name: "HUD", Enabled: func(c *config.Config) bool { return c.FixHUD }, Apply: applyHUD},
	{Name: "Framerate Cap", Enabled: func(c *config.Config) bool { return c.UncapFPS }, Apply: applyFramerateCap},
	{Name: "LOD Distance", Enabled: func(c *config.Config) bool { return c.LODDistance }, Apply: applyLODDistance},
	{Name: "Console Commands", Enabled: func(c *config.Config) bool { return c.Console.Enabled && len(c.Console.Commands) > 0 }, Apply: applyConsole},
}

// Resolution seeds the metrics from the desktop, then keeps the host from
// scaling its output to 16:9 and tracks the resolution it actually renders at.
func applyResolution(ctx context.Context, env *Env) error {
	if d, ok := env.Metrics.Update(env.DesktopX, env.DesktopY); ok {
		env.Log.Debugf("Desktop resolution: %dx%d", d.ResX, d.ResY)
	}
	if !env.Config.FixResolution {
		return errDisabled
	}

	// Jump past the code that resizes to 16:9
	addr, err := env.patchSite("Resolution", sigResolution, 0, []byte{0xEB, 0x09})
	if err != nil {
		return err
	}

	changed := &rate.Sometimes{First: 10, Interval: time.Second}
	_, err = env.Hooks.InstallMid("Current Resolution", addr-0xD, func(c *hook.Context) {
		d, ok := env.Metrics.Update(int(int32(c.RDX)), int(int32(c.R8)))
		if ok {
			changed.Do(func() { logDimensions(env, d) })
		}
	})
	return err
}

func logDimensions(env *Env, d Dimensions) {
	env.Log.Info("----------")
	env.Log.Infof("Current Resolution: Resolution: %dx%d", d.ResX, d.ResY)
	env.Log.Infof("Current Resolution: fAspectRatio: %v", d.AspectRatio)
	env.Log.Infof("Current Resolution: fAspectMultiplier: %v", d.AspectMultiplier)
	env.Log.Infof("Current Resolution: fHUDWidth: %v", d.HUDWidth)
	env.Log.Infof("Current Resolution: fHUDHeight: %v", d.HUDHeight)
	env.Log.Infof("Current Resolution: fHUDWidthOffset: %v", d.HUDWidthOffset)
	env.Log.Infof("Current Resolution: fHUDHeightOffset: %v", d.HUDHeightOffset)
	env.Log.Info("----------")
}

// Cutscenes constrain themselves to 16:9 when bConstrainAspectRatio is set.
func applyAspectRatio(ctx context.Context, env *Env) error {
	// test byte ptr [..], 0 always sets ZF so the flag reads as disabled
	_, err := env.patchSite("Cutscene Aspect Ratio", sigCutsceneAspect, 0x6, []byte{0x00})
	return err
}

// Offset of the camera's flags, bit 1 is bConstrainAspectRatio.
const cameraFlagsOffset = 0x270
const constrainAspectBit = 0x02

// vertFOV converts a horizontal FOV tuned for the native aspect to aspect,
// keeping the vertical FOV constant.
func vertFOV(fov, aspect float32) float32 {
	rad := math.Tan(float64(fov)*math.Pi/360) / float64(NativeAspect) * float64(aspect)
	return float32(math.Atan(rad) * 360 / math.Pi)
}

func applyFOV(ctx context.Context, env *Env) error {
	addr, err := env.scan("FOV", sigFOV)
	if err != nil {
		return err
	}

	fixFOV := env.Config.FixFOV
	extra := env.Config.AdditionalFOV
	_, err = env.Hooks.InstallMid("FOV", addr, func(c *hook.Context) {
		if fixFOV {
			if d := env.Metrics.Load(); d.AspectRatio > NativeAspect {
				c.XMM[9].SetF32(0, vertFOV(c.XMM[9].F32(0), d.AspectRatio))
			}
		}
		if extra != 0 && c.RCX != 0 {
			// Leave cutscenes alone
			var flags [1]byte
			if err := env.Mem.ReadMemory(uintptr(c.RCX)+cameraFlagsOffset, flags[:]); err != nil {
				return
			}
			if flags[0]&constrainAspectBit == 0 {
				c.XMM[9].SetF32(0, c.XMM[9].F32(0)+extra)
			}
		}
	})
	return err
}

func ceilInt(v float32) uint64 {
	return uint64(int64(math.Ceil(float64(v))))
}

// HUD is drawn on a 16:9 canvas centered in the output.
func applyHUD(ctx context.Context, env *Env) error {
	addr, err := env.scan("HUD", sigHUD)
	if err != nil {
		return err
	}
	_, err = env.Hooks.InstallMid("HUD", addr, func(c *hook.Context) {
		d := env.Metrics.Load()
		switch {
		case d.AspectRatio > NativeAspect:
			c.RBX = ceilInt(d.HUDWidthOffset)
			c.R8 = ceilInt(d.HUDWidth)
		case d.AspectRatio < NativeAspect:
			c.RDI = ceilInt(d.HUDHeightOffset)
			c.R9 = ceilInt(d.HUDHeight)
		}
	})
	return err
}

func applyFramerateCap(ctx context.Context, env *Env) error {
	// Always take the branch, as if MaxSmoothedFrameRate were 0
	_, err := env.patchSite("Framerate Cap", sigFramerateCap, 0x7, []byte{0xEB})
	return err
}

// LODDistanceFactor written by the LOD hook.
const lodDistanceFactor float32 = 0.001

func applyLODDistance(ctx context.Context, env *Env) error {
	addr, err := env.scan("LOD Distance", sigLODDistance)
	if err != nil {
		return err
	}
	_, err = env.Hooks.InstallMid("LOD Distance", addr, func(c *hook.Context) {
		c.XMM[1].SetF32(0, lodDistanceFactor)
	})
	return err
}
