package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adwski/mirror-bridge/client/model"
)

const appName = "mirror-bridge"

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrRead          = errors.New("unable to read configuration")
)

type (
	Config struct {
		Log       LogConfig       `toml:"log"`
		Discovery DiscoveryConfig `toml:"discovery"`
		Transport TransportConfig `toml:"transport"`
		Request   RequestConfig   `toml:"request"`
		Policy    PolicyConfig    `toml:"policy"`
		Calendar  CalendarConfig  `toml:"calendar"`
		API       APIConfig       `toml:"api"`
		State     StateConfig     `toml:"state"`
	}

	LogConfig struct {
		Level  string `toml:"level"`
		Format string `toml:"format"` // json or console
	}

	DiscoveryConfig struct {
		Service         string          `toml:"service"`
		Domain          string          `toml:"domain"`
		Preferred       string          `toml:"preferred"`
		MaxAttempts     int             `toml:"max_attempts"`
		AttemptTimeouts []time.Duration `toml:"attempt_timeouts"`
		PreferHostName  bool            `toml:"prefer_host_name"`

		// Static endpoint, skips discovery when Host is set.
		Host string `toml:"host"`
		Port int    `toml:"port"`
		Path string `toml:"path"`
	}

	TransportConfig struct {
		Path             string        `toml:"path"`
		DialTimeout      time.Duration `toml:"dial_timeout"`
		WriteTimeout     time.Duration `toml:"write_timeout"`
		DisableKeepalive bool          `toml:"disable_keepalive"` // ping_interval and pong_wait are ignored
		PingInterval     time.Duration `toml:"ping_interval"`
		PongWait         time.Duration `toml:"pong_wait"`
		QueueLimit       int           `toml:"queue_limit"`
	}

	RequestConfig struct {
		Port    int           `toml:"port"`
		Timeout time.Duration `toml:"timeout"`
	}

	PolicyConfig struct {
		RestInterval   time.Duration `toml:"rest_interval"`
		DuplicateDelay time.Duration `toml:"duplicate_delay"`
		ReadyGrace     time.Duration `toml:"ready_grace"`
		VolumeStep     float64       `toml:"volume_step"`
	}

	CalendarConfig struct {
		RangeDays    int  `toml:"range_days"`
		DisableDaily bool `toml:"disable_daily"`
	}

	APIConfig struct {
		ListenAddr     string   `toml:"listen_addr"`
		FeedListenAddr string   `toml:"feed_listen_addr"`
		AllowedOrigins []string `toml:"allowed_origins"`
	}

	StateConfig struct {
		File     string `toml:"file"`
		Disabled bool   `toml:"disabled"` // do not remember adopted endpoints
	}
)

// Load reads configuration from path, or from the first existing file of the
// standard locations when path is empty. A missing standard file is not an error.
// Search order: $MIRROR_BRIDGE_CONFIG, $XDG_CONFIG_HOME/mirror-bridge/config.toml,
// ~/.config/mirror-bridge/config.toml
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Join(ErrRead, err)
		}
	}

	cfg.ApplyDefaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv("MIRROR_BRIDGE_CONFIG"); p != "" {
		return p
	}
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, appName, "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", appName, "config.toml"))
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func defaultStateFile() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, appName, "endpoint.toml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", appName, "endpoint.toml")
	}
	return filepath.Join(os.TempDir(), appName, "endpoint.toml")
}

func applyEnvOverrides(cfg *Config) {
	// Log
	if v := os.Getenv("MIRROR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MIRROR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Discovery
	if v := os.Getenv("MIRROR_DISCOVERY_PREFERRED"); v != "" {
		cfg.Discovery.Preferred = v
	}
	if v := os.Getenv("MIRROR_DISCOVERY_HOST"); v != "" {
		cfg.Discovery.Host = v
	}
	if v := os.Getenv("MIRROR_DISCOVERY_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Discovery.Port = i
		}
	}

	// Transport
	if v := os.Getenv("MIRROR_TRANSPORT_DISABLE_KEEPALIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Transport.DisableKeepalive = b
		}
	}

	// Request
	if v := os.Getenv("MIRROR_REQUEST_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Request.Port = i
		}
	}

	// Policy
	if v := os.Getenv("MIRROR_POLICY_REST_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Policy.RestInterval = d
		}
	}

	// API
	if v := os.Getenv("MIRROR_API_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v := os.Getenv("MIRROR_FEED_LISTEN_ADDR"); v != "" {
		cfg.API.FeedListenAddr = v
	}

	// State
	if v := os.Getenv("MIRROR_STATE_FILE"); v != "" {
		cfg.State.File = v
	}
}

// StaticEndpoint returns the configured endpoint when discovery is bypassed.
func (c *Config) StaticEndpoint() (model.Endpoint, bool) {
	if c.Discovery.Host == "" {
		return model.Endpoint{}, false
	}
	path := c.Discovery.Path
	if path == "" {
		path = c.Transport.Path
	}
	return model.Endpoint{
		Host:          c.Discovery.Host,
		TransportPort: c.Discovery.Port,
		RequestPort:   c.Request.Port,
		TransportPath: path,
	}, true
}
