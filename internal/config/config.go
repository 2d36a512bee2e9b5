// Package config owns the on-disk server configuration: typed structs,
// first-run initialization, and hot reload through an fsnotify watcher.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is bumped whenever the config layout changes incompatibly.
// A file carrying a different version is replaced with fresh defaults
// rather than half-parsed.
const Version = 1

type Config struct {
	Version     int         `json:"version"`
	Logs        Logs        `json:"logs"`
	Network     Network     `json:"network"`
	Auth        Auth        `json:"auth"`
	Database    Database    `json:"database"`
	Permissions Permissions `json:"permissions"`
}

type Logs struct {
	// KeepFor bounds how long per-run log files stay on disk.
	KeepFor Duration `json:"keep_for"`
	Level   string   `json:"level"`
	Dir     string   `json:"dir"`
}

type Network struct {
	Interface string `json:"interface"`
	Port      int    `json:"port"`
}

type Auth struct {
	RequireLogin       bool     `json:"require_login"`
	JWTSecret          string   `json:"jwt_secret"`
	JWTExpiry          Duration `json:"jwt_expiry"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
}

type Database struct {
	Path string `json:"path"`
}

type Permissions struct {
	// Backend selects where grants live: "store" or "memory".
	Backend string `json:"backend"`
}

// Default is what LoadOrInit writes on first run. Binding to loopback
// keeps a fresh install private until the admin opens it up.
func Default() *Config {
	return &Config{
		Version: Version,
		Logs: Logs{
			KeepFor: Duration(7 * 24 * time.Hour),
			Level:   "info",
			Dir:     "./logs",
		},
		Network: Network{
			Interface: "127.0.0.1",
			Port:      8080,
		},
		Auth: Auth{
			RequireLogin:       true,
			JWTExpiry:          Duration(24 * time.Hour),
			RateLimitPerMinute: 5,
		},
		Database: Database{
			Path: "./calendar.db",
		},
		Permissions: Permissions{
			Backend: "store",
		},
	}
}

func (c *Config) Validate() error {
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return fmt.Errorf("network.port: %d out of range", c.Network.Port)
	}
	switch c.Permissions.Backend {
	case "store", "memory":
	default:
		return fmt.Errorf("permissions.backend: unknown backend %q", c.Permissions.Backend)
	}
	if c.Auth.RateLimitPerMinute < 0 {
		return fmt.Errorf("auth.rate_limit_per_minute: must be >= 0")
	}
	return nil
}

// Duration marshals as a time.ParseDuration string ("72h", "30m") so
// config files stay readable.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		if parsed < 0 {
			return fmt.Errorf("duration %q must be >= 0", v)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		// Bare numbers are seconds, for hand-edited files.
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}
