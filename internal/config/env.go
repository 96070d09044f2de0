package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment overrides. Process variables win over the .env file.
const (
	EnvUserID         = "GOOPCALL_USER_ID"
	EnvJWTSecret      = "GOOPCALL_JWT_SECRET"
	EnvTURNUsername   = "GOOPCALL_TURN_USERNAME"
	EnvTURNCredential = "GOOPCALL_TURN_CREDENTIAL"
	EnvLogLevel       = "GOOPCALL_LOG_LEVEL"
)

// ApplyEnv overlays GOOPCALL_* values from envFile and the process
// environment onto cfg. A missing envFile is not an error.
func ApplyEnv(cfg *Config, envFile string) error {
	vars := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		for k, v := range m {
			vars[k] = v
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}

	if v, ok := lookup(EnvUserID); ok {
		cfg.Identity.UserID = v
	}
	if v, ok := lookup(EnvJWTSecret); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvTURNUsername); ok {
		cfg.ICE.TURNUsername = v
	}
	if v, ok := lookup(EnvTURNCredential); ok {
		cfg.ICE.TURNCredential = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Log.Level = v
	}
	return nil
}
