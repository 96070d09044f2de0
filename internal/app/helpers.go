// internal/app/helpers.go
package app

import (
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/peer"
)

// NormalizeLocalViewer rewrites wildcard and port-only addresses to
// loopback. It is applied when no jwt secret protects the API.
func NormalizeLocalViewer(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return a
}

func iceConfig(c config.ICE) peer.ICEConfig {
	return peer.ICEConfig{
		STUNURLs:            c.STUNURLs,
		TURNURLs:            c.TURNURLs,
		TURNUsername:        c.TURNUsername,
		TURNCredential:      c.TURNCredential,
		ForceRelay:          c.ForceRelay,
		GatherTimeout:       c.GatherTimeout(),
		DisconnectedTimeout: secondsToDuration(c.DisconnectedTimeout),
		FailedTimeout:       secondsToDuration(c.FailedTimeout),
	}
}

func mediaSettings(c config.Media) media.Settings {
	return media.Settings{
		Width:            c.Width,
		Height:           c.Height,
		FrameRate:        c.FrameRate,
		EchoCancellation: c.EchoCancellation,
		NoiseSuppression: c.NoiseSuppression,
		AutoGainControl:  c.AutoGainControl,
		PreferredCamera:  c.PreferredCamera,
		PreferredMic:     c.PreferredMic,
	}
}

func logBanner(cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("goopcall")
	log.Infof(" User        : %s", cfg.Identity.UserID)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Store       : %s", cfg.Store.Driver)
	log.Infof(" Mesh policy : %s", cfg.Call.MeshPolicy)
	log.Info("────────────────────────────────────────")
}
