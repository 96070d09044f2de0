// Package app wires the config, store, media, peer and call layers into one
// running client and serves the viewer API on top of them.
package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/goopcall/internal/auth"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/events"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/store"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var ErrNoUserID = errors.New("identity.user_id is not set")

type Options struct {
	CfgPath string
	// UserID overrides identity.user_id from the config.
	UserID string
}

// Run serves one client until ctx ends.
func Run(ctx context.Context, opt Options) error {
	cfg, created, err := config.Ensure(opt.CfgPath)
	if err != nil {
		return err
	}
	if created {
		log.Infof("APP: wrote default config to %s", opt.CfgPath)
	}
	if opt.UserID != "" {
		cfg.Identity.UserID = opt.UserID
	}
	if cfg.Identity.UserID == "" {
		return ErrNoUserID
	}

	logBuf := viewer.NewLogBuffer(800)
	stopTee := teeLogs(logBuf)
	defer stopTee()
	applyLogLevels(cfg.Log)
	logBanner(opt.CfgPath, cfg)

	st, err := openStore(opt.CfgPath, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus(cfg.Viewer.HistorySize)
	defer bus.Close()

	capturer, err := media.NewDeviceCapturer(cfg.Media.VideoBitrate)
	if err != nil {
		return fmt.Errorf("capturer: %w", err)
	}
	mgr := media.NewManager(capturer, mediaSettings(cfg.Media), bus)

	factory, err := peer.NewPionFactory(iceConfig(cfg.ICE), capturer)
	if err != nil {
		return err
	}

	policy, err := call.ParsePolicy(cfg.Call.MeshPolicy)
	if err != nil {
		return err
	}
	sig := signaling.New(st, signaling.WithMaxAttempts(cfg.Call.MaxUpdateAttempts))
	orch, err := call.New(cfg.Identity.UserID, sig, mgr, factory, bus,
		call.WithPolicy(policy),
		call.WithRingTimeout(cfg.Call.RingTimeout()),
	)
	if err != nil {
		return err
	}
	defer orch.Close()

	v := viewer.Viewer{
		Calls:          orch,
		Bus:            bus,
		Logs:           logBuf,
		AllowedOrigins: cfg.Viewer.AllowedOrigins,
	}
	addr := cfg.Viewer.HTTPAddr
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		v.Auth = verifier
	} else {
		addr = NormalizeLocalViewer(addr)
		log.Warnf("APP: no jwt secret, viewer restricted to loopback on %s", addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if db, ok := st.(*store.SQLite); ok {
		g.Go(func() error {
			compactLoop(gctx, db, cfg.Store.CompactInterval(), cfg.Store.Retention())
			return nil
		})
	}

	if err := config.Watch(gctx, opt.CfgPath, func(c config.Config) {
		reload(orch, factory, mgr, c)
	}); err != nil {
		log.Warnf("APP: config watch disabled: %v", err)
	}

	if addr != "" {
		g.Go(func() error {
			return viewer.Start(gctx, addr, v)
		})
	}

	log.Infof("APP: %s ready", orch.Self())
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// reload applies the settings that can change without a restart. Identity,
// store and mesh policy need one.
func reload(orch *call.Orchestrator, factory *peer.PionFactory, mgr *media.Manager, c config.Config) {
	orch.SetRingTimeout(c.Call.RingTimeout())
	factory.SetICEServers(iceConfig(c.ICE))
	mgr.SetSettings(mediaSettings(c.Media))
	applyLogLevels(c.Log)
	log.Infof("APP: reloaded ring timeout %s, %d stun, %d turn",
		c.Call.RingTimeout(), len(c.ICE.STUNURLs), len(c.ICE.TURNURLs))
}
