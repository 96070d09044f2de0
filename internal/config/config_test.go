package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Call.RingTimeout() != 30*time.Second {
		t.Fatalf("ring timeout = %v", cfg.Call.RingTimeout())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"user id with slash":  func(c *Config) { c.Identity.UserID = "a/b" },
		"unknown driver":      func(c *Config) { c.Store.Driver = "redis" },
		"sqlite without path": func(c *Config) { c.Store.Path = " " },
		"zero ring timeout":   func(c *Config) { c.Call.RingTimeoutSec = 0 },
		"unknown mesh policy": func(c *Config) { c.Call.MeshPolicy = "glare" },
		"bad stun url":        func(c *Config) { c.ICE.STUNURLs = []string{"http://x"} },
		"relay without turn":  func(c *Config) { c.ICE.ForceRelay = true },
		"frame rate":          func(c *Config) { c.Media.FrameRate = 0 },
		"http addr":           func(c *Config) { c.Viewer.HTTPAddr = "8790" },
		"short secret":        func(c *Config) { c.Auth.JWTSecret = "short" },
		"log level":           func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goopcall.json")

	cfg, created, err := Ensure(path)
	if err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	cfg.Identity.UserID = "alice"
	cfg.Call.MeshPolicy = "ordered"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, created, err := Ensure(path)
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if got.Identity.UserID != "alice" || got.Call.MeshPolicy != "ordered" {
		t.Fatalf("loaded %+v", got)
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"call":{"ring_timeout_seconds":45}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Call.RingTimeoutSec != 45 || cfg.Call.MaxUpdateAttempts != 8 {
		t.Fatalf("call section = %+v", cfg.Call)
	}
}

func TestEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "goopcall.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}
	env := "GOOPCALL_USER_ID=bob\nGOOPCALL_JWT_SECRET=from-dotenv-0123456789\nGOOPCALL_LOG_LEVEL=debug\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.UserID != "bob" {
		t.Fatalf("user id = %q", cfg.Identity.UserID)
	}
	if cfg.Auth.JWTSecret != "from-dotenv-0123456789" {
		t.Fatalf("secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("process env should win, level = %q", cfg.Log.Level)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goopcall.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Config, 8)
	if err := Watch(ctx, path, func(c Config) { got <- c }); err != nil {
		t.Fatalf("watch: %v", err)
	}

	cfg := Default()
	cfg.Call.RingTimeoutSec = 12
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Call.RingTimeoutSec == 12 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
