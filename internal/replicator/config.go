package replicator

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Duration wraps time.Duration for TOML text values like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config tunes the replicator and the demo server around it.
type Config struct {
	// ListenAddr is the websocket listen address.
	ListenAddr string `toml:"listen_addr" json:"listenAddr"`
	// TickRate is how many Update/PostUpdate passes run per second.
	TickRate int `toml:"tick_rate" json:"tickRate"`
	// SceneFile is the scene loaded at startup, relative to DataDir.
	SceneFile string `toml:"scene_file" json:"sceneFile"`
	// DataDir holds scene files and the package files served to clients.
	DataDir string `toml:"data_dir" json:"dataDir"`
	// CacheDir is where a client stores downloaded package files.
	CacheDir string `toml:"cache_dir" json:"cacheDir"`
	// UploadBytesPerSec caps package upload bandwidth across all
	// connections. Zero disables the cap.
	UploadBytesPerSec int `toml:"upload_bytes_per_sec" json:"uploadBytesPerSec"`
	// DisconnectTimeout bounds how long a disconnecting connection may spend
	// flushing before it is forced closed.
	DisconnectTimeout Duration `toml:"disconnect_timeout" json:"disconnectTimeout"`
	// AllowedRemoteEvents, when non-empty, is the only set of remote event
	// types accepted from clients.
	AllowedRemoteEvents []string `toml:"allowed_remote_events" json:"allowedRemoteEvents"`
	// BlockedRemoteEvents are remote event types always rejected.
	BlockedRemoteEvents []string `toml:"blocked_remote_events" json:"blockedRemoteEvents"`
	// LogLevel is a zerolog level name.
	LogLevel string `toml:"log_level" json:"logLevel"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8080",
		TickRate:          30,
		DataDir:           "data",
		CacheDir:          "cache",
		DisconnectTimeout: Duration{Duration: 3 * time.Second},
		LogLevel:          "info",
	}
}

// LoadConfig reads a TOML file over the defaults. A missing file is not an
// error; env overrides are applied either way.
func LoadConfig(path string, log zerolog.Logger) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("replicator: parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("replicator: stat config %s: %w", path, err)
		}
	}
	cfg.applyEnv(log)
	if cfg.TickRate <= 0 {
		return cfg, fmt.Errorf("replicator: tick_rate must be positive, got %d", cfg.TickRate)
	}
	return cfg, nil
}

func (c *Config) applyEnv(log zerolog.Logger) {
	if raw := os.Getenv("EMBERFALL_LISTEN_ADDR"); raw != "" {
		c.ListenAddr = raw
	}
	if raw := os.Getenv("EMBERFALL_TICK_RATE"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			c.TickRate = value
		} else {
			log.Warn().Str("value", raw).Err(err).Msg("invalid EMBERFALL_TICK_RATE")
		}
	}
	if raw := os.Getenv("EMBERFALL_UPLOAD_BYTES_PER_SEC"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			c.UploadBytesPerSec = value
		} else {
			log.Warn().Str("value", raw).Err(err).Msg("invalid EMBERFALL_UPLOAD_BYTES_PER_SEC")
		}
	}
}

// TickInterval converts the rate into a ticker period.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}
