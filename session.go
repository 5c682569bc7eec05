package main

import (
	"context"
	"fmt"
	"time"

	"github.com/optix2000/sotdfix/config"
	"github.com/optix2000/sotdfix/fix"
	"github.com/optix2000/sotdfix/hook"
	"github.com/optix2000/sotdfix/logging"
	"github.com/optix2000/sotdfix/patcher"
	"github.com/optix2000/sotdfix/scancache"
	"github.com/optix2000/sotdfix/status"
	"github.com/sirupsen/logrus"
)

// session is one attached host process and the hooks installed into it.
type session struct {
	proc   *patcher.Process
	hooks  *hook.Manager
	cancel context.CancelFunc
	server *status.Server
	log    logrus.FieldLogger
}

func attach(ctx context.Context, pid uint32, cfg *config.Config, opts options, server *status.Server, log *logrus.Logger) (*session, error) {
	proc, err := patcher.Open(pid, opts.exe)
	if err != nil {
		return nil, err
	}
	img, err := proc.ReadImage()
	if err != nil {
		proc.Close()
		return nil, err
	}
	logging.LogModule(log, logging.Module{
		Name:      proc.ExeName,
		Path:      proc.ExePath,
		Base:      proc.Base,
		Timestamp: img.Timestamp,
	})

	var cache *scancache.Cache
	if opts.cachePath != "" {
		cache, err = scancache.Open(opts.cachePath, scancache.Key{Timestamp: img.Timestamp, SizeOfImage: img.SizeOfImage})
		if err != nil {
			log.WithError(err).Warn("Scan cache is unreadable, rescanning.")
		}
	}

	desktopX, desktopY, err := patcher.DesktopResolution()
	if err != nil {
		log.WithError(err).Warn("Could not read desktop resolution.")
	}

	hctx, cancel := context.WithCancel(ctx)
	mgr := hook.NewManager(proc, hook.Options{
		Logger: log,
		OnPollerStart: func() {
			if err := patcher.RaiseThreadPriority(false); err != nil {
				log.WithError(err).Warn("Could not raise poller priority.")
			}
		},
	})
	mgr.Start(hctx)

	metrics := fix.NewMetrics(desktopX, desktopY)
	env := &fix.Env{
		Config:     cfg,
		Image:      &img.Image,
		ExeName:    proc.ExeName,
		Mem:        proc,
		Hooks:      mgr,
		Metrics:    metrics,
		DesktopX:   desktopX,
		DesktopY:   desktopY,
		Signatures: opts.signatures,
		Cache:      cache,
		Log:        log,
	}
	report := fix.Run(hctx, env)

	if cache != nil {
		if err := cache.Save(); err != nil {
			log.WithError(err).Warn("Could not save scan cache.")
		}
	}

	installed := mgr.Hooks()
	hooks := make([]status.Hook, 0, len(installed))
	for _, h := range installed {
		sh := status.Hook{Name: h.Name(), Target: fmt.Sprintf("0x%x", h.Target())}
		if h.Trampoline() != 0 {
			sh.Trampoline = fmt.Sprintf("0x%x", h.Trampoline())
		}
		hooks = append(hooks, sh)
	}
	server.Attach(&status.Session{
		PID:      pid,
		Exe:      proc.ExePath,
		Base:     fmt.Sprintf("0x%x", proc.Base),
		Attached: time.Now(),
		Report:   &report,
		Hooks:    hooks,
		Metrics:  metrics,
	})

	return &session{proc: proc, hooks: mgr, cancel: cancel, server: server, log: log}, nil
}

// detach stops servicing hooks. While the host is alive its code is restored
// first; a dead host only needs its handle closed.
func (s *session) detach() {
	s.cancel()
	s.hooks.Wait()
	if !s.proc.Exited() {
		if err := s.hooks.Close(); err != nil {
			s.log.WithError(err).Error("Could not restore hooked code.")
		} else {
			s.log.Info("Restored hooked code.")
		}
	}
	s.server.Detach()
	s.proc.Close()
}
