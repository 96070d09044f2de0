package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Call     Call     `json:"call"`
	ICE      ICE      `json:"ice"`
	Media    Media    `json:"media"`
	Viewer   Viewer   `json:"viewer"`
	Auth     Auth     `json:"auth"`
	Log      Log      `json:"log"`
}

type Identity struct {
	UserID string `json:"user_id"`
}

type Store struct {
	// "memory" or "sqlite".
	Driver string `json:"driver"`
	// SQLite database file, relative to the config directory.
	Path           string `json:"path"`
	PollIntervalMs int    `json:"poll_interval_ms"`

	// Change log entries older than this are compacted away. 0 keeps all.
	RetentionHours         int `json:"retention_hours"`
	CompactIntervalMinutes int `json:"compact_interval_minutes"`
}

type Call struct {
	RingTimeoutSec    int `json:"ring_timeout_seconds"`
	MaxUpdateAttempts int `json:"max_update_attempts"`
	// "initiator" (only the initiator offers) or "ordered" (full mesh, the
	// lower user id offers).
	MeshPolicy string `json:"mesh_policy"`
}

type ICE struct {
	STUNURLs       []string `json:"stun_urls"`
	TURNURLs       []string `json:"turn_urls"`
	TURNUsername   string   `json:"turn_username"`
	TURNCredential string   `json:"turn_credential"`
	ForceRelay     bool     `json:"force_relay"`

	GatherTimeoutMs     int `json:"gather_timeout_ms"`
	DisconnectedTimeout int `json:"disconnected_timeout_seconds"`
	FailedTimeout       int `json:"failed_timeout_seconds"`
}

type Media struct {
	Width            int  `json:"width"`
	Height           int  `json:"height"`
	FrameRate        int  `json:"frame_rate"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`

	PreferredCamera string `json:"preferred_camera"`
	PreferredMic    string `json:"preferred_mic"`
	// VP8 target in bits per second. 0 picks the encoder default.
	VideoBitrate int `json:"video_bitrate"`
}

type Viewer struct {
	HTTPAddr       string   `json:"http_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	HistorySize    int      `json:"history_size"`
}

type Auth struct {
	JWTSecret       string `json:"jwt_secret"`
	TokenTTLMinutes int    `json:"token_ttl_minutes"`
}

type Log struct {
	Level string `json:"level"`
	// Per-subsystem overrides, e.g. {"peer": "debug"}.
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Store: Store{
			Driver:                 "sqlite",
			Path:                   "data/calls.db",
			PollIntervalMs:         250,
			RetentionHours:         24,
			CompactIntervalMinutes: 30,
		},
		Call: Call{
			RingTimeoutSec:    30,
			MaxUpdateAttempts: 8,
			MeshPolicy:        "initiator",
		},
		ICE: ICE{
			STUNURLs:            []string{"stun:stun.l.google.com:19302"},
			GatherTimeoutMs:     3000,
			DisconnectedTimeout: 30,
			FailedTimeout:       120,
		},
		Media: Media{
			Width:            1280,
			Height:           720,
			FrameRate:        30,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Viewer: Viewer{
			HTTPAddr:    "127.0.0.1:8790",
			HistorySize: 64,
		},
		Auth: Auth{
			TokenTTLMinutes: 60,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if id := c.Identity.UserID; id != "" {
		if _, err := util.ValidateUserID(id); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
	}

	// Store
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.PollIntervalMs < 0 {
		return errors.New("store.poll_interval_ms must be >= 0")
	}
	if c.Store.RetentionHours < 0 {
		return errors.New("store.retention_hours must be >= 0")
	}
	if c.Store.RetentionHours > 0 && c.Store.CompactIntervalMinutes <= 0 {
		return errors.New("store.compact_interval_minutes must be > 0 when retention is set")
	}

	// Call
	if c.Call.RingTimeoutSec < 1 || c.Call.RingTimeoutSec > 600 {
		return errors.New("call.ring_timeout_seconds must be 1..600")
	}
	if c.Call.MaxUpdateAttempts < 1 || c.Call.MaxUpdateAttempts > 100 {
		return errors.New("call.max_update_attempts must be 1..100")
	}
	switch c.Call.MeshPolicy {
	case "", "initiator", "ordered":
	default:
		return fmt.Errorf("call.mesh_policy must be initiator or ordered, got %q", c.Call.MeshPolicy)
	}

	// ICE
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q is not a stun: url", u)
		}
	}
	for _, u := range c.ICE.TURNURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			return fmt.Errorf("ice.turn_urls: %q is not a turn: url", u)
		}
	}
	if c.ICE.ForceRelay && len(c.ICE.TURNURLs) == 0 {
		return errors.New("ice.force_relay requires ice.turn_urls")
	}
	if c.ICE.GatherTimeoutMs < 0 || c.ICE.GatherTimeoutMs > 30000 {
		return errors.New("ice.gather_timeout_ms must be 0..30000")
	}
	if c.ICE.DisconnectedTimeout < 0 || c.ICE.FailedTimeout < 0 {
		return errors.New("ice timeouts must be >= 0")
	}

	// Media
	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return errors.New("media.width and media.height must be > 0")
	}
	if c.Media.FrameRate < 1 || c.Media.FrameRate > 120 {
		return errors.New("media.frame_rate must be 1..120")
	}
	if c.Media.VideoBitrate < 0 {
		return errors.New("media.video_bitrate must be >= 0")
	}

	// Viewer
	if a := c.Viewer.HTTPAddr; a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}
	if c.Viewer.HistorySize < 0 {
		return errors.New("viewer.history_size must be >= 0")
	}

	// Auth
	if c.Auth.TokenTTLMinutes <= 0 {
		return errors.New("auth.token_ttl_minutes must be > 0")
	}
	if s := c.Auth.JWTSecret; s != "" && len(s) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	for name, lvl := range c.Log.Subsystems {
		if _, err := logging.LevelFromString(lvl); err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
	}

	return nil
}

func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

func (s Store) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

func (s Store) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

func (s Store) CompactInterval() time.Duration {
	return time.Duration(s.CompactIntervalMinutes) * time.Minute
}

func (i ICE) GatherTimeout() time.Duration {
	return time.Duration(i.GatherTimeoutMs) * time.Millisecond
}

func (a Auth) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// Load reads path over the defaults, applies the environment overlay and
// validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg, filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without the overlay or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg, filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return Config{}, false, err
	}
	return cfg, true, cfg.Validate()
}
