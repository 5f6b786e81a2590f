package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	Admin               AdminConfig   `mapstructure:"admin"`
	Store               StoreConfig   `mapstructure:"store"`
	Auth                AuthConfig    `mapstructure:"auth"`
	Session             SessionConfig `mapstructure:"session"`
}

// AdminConfig describes the operational HTTP endpoint.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// StoreConfig selects and parameterizes the message store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// AuthConfig tunes credential verification.
type AuthConfig struct {
	OpenRegistration bool `mapstructure:"open_registration"`
	BcryptCost       int  `mapstructure:"bcrypt_cost"`
}

// SessionConfig tunes per-connection behavior.
type SessionConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// PresenceBeforeAuth primes a new connection with the presence snapshot
	// before it authenticates, matching the original client's expectations.
	PresenceBeforeAuth bool `mapstructure:"presence_before_auth"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminReadHeader     = 5 * time.Second
	defaultStoreDriver         = "sqlite"
	defaultStorePath           = "data/beeline.db"
	defaultSendBuffer          = 32
	defaultReadLimit           = 64 * 1024
	defaultPingInterval        = 30 * time.Second
	defaultPongTimeout         = 75 * time.Second
	defaultWriteTimeout        = 10 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with BEELINE_ and override
// file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BEELINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin.address", "")
	v.SetDefault("admin.read_header_timeout", defaultAdminReadHeader.String())
	v.SetDefault("store.driver", defaultStoreDriver)
	v.SetDefault("store.path", defaultStorePath)
	v.SetDefault("auth.open_registration", true)
	v.SetDefault("auth.bcrypt_cost", 0)
	v.SetDefault("session.send_buffer", defaultSendBuffer)
	v.SetDefault("session.read_limit", defaultReadLimit)
	v.SetDefault("session.ping_interval", defaultPingInterval.String())
	v.SetDefault("session.pong_timeout", defaultPongTimeout.String())
	v.SetDefault("session.write_timeout", defaultWriteTimeout.String())
	v.SetDefault("session.presence_before_auth", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout},
		{"session.ping_interval", &cfg.Session.PingInterval},
		{"session.pong_timeout", &cfg.Session.PongTimeout},
		{"session.write_timeout", &cfg.Session.WriteTimeout},
	} {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	switch cfg.Store.Driver {
	case "sqlite", "memory":
	case "":
		cfg.Store.Driver = defaultStoreDriver
	default:
		return Config{}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath
	}
	if cfg.Session.SendBuffer <= 0 {
		cfg.Session.SendBuffer = defaultSendBuffer
	}
	if cfg.Session.ReadLimit <= 0 {
		cfg.Session.ReadLimit = defaultReadLimit
	}

	return cfg, nil
}
