package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	EventsToken    string        `mapstructure:"events_token"`    // guards event ingest and introspection; required in release
	TrustedProxies []string      `mapstructure:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For; empty trusts none

	Auth      AuthConfig      `mapstructure:"auth"`
	Transport TransportConfig `mapstructure:"transport"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Store     StoreConfig     `mapstructure:"store"`
}

type AuthConfig struct {
	JWTSecret             string        `mapstructure:"jwt_secret"`
	Algorithms            []string      `mapstructure:"algorithms"`
	MaxTokenAge           time.Duration `mapstructure:"max_token_age"`
	Timeout               time.Duration `mapstructure:"timeout"`
	FrameWait             time.Duration `mapstructure:"frame_wait"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	AttemptWindow         time.Duration `mapstructure:"attempt_window"`
	TrackedSources        int           `mapstructure:"tracked_sources"`
	MaxConnectionsPerUser int           `mapstructure:"max_connections_per_user"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	SessionName           string        `mapstructure:"session_name"`
}

type TransportConfig struct {
	SendBuffer        int           `mapstructure:"send_buffer"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type MessagingConfig struct {
	TypingTTL           time.Duration `mapstructure:"typing_ttl"`
	TypingSweepInterval time.Duration `mapstructure:"typing_sweep_interval"`
	PushWorkers         int           `mapstructure:"push_workers"`
}

type SignalingConfig struct {
	EndGrace      time.Duration `mapstructure:"end_grace"`
	RingTimeout   time.Duration `mapstructure:"ring_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ICEServers    []string      `mapstructure:"ice_servers"`
}

type StoreConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
	SeedFile string `mapstructure:"seed_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me-session-secret")
	v.SetDefault("events_token", "")
	v.SetDefault("trusted_proxies", []string{})

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.algorithms", []string{"HS256"})
	v.SetDefault("auth.max_token_age", "24h")
	v.SetDefault("auth.timeout", "10s")
	v.SetDefault("auth.frame_wait", "500ms")
	v.SetDefault("auth.max_attempts", 10)
	v.SetDefault("auth.attempt_window", "60s")
	v.SetDefault("auth.tracked_sources", 65536)
	v.SetDefault("auth.max_connections_per_user", 5)
	v.SetDefault("auth.sweep_interval", "5m")
	v.SetDefault("auth.session_name", "__session")

	v.SetDefault("transport.send_buffer", 64)
	v.SetDefault("transport.write_timeout", "5s")
	v.SetDefault("transport.messages_per_second", 20)
	v.SetDefault("transport.burst", 40)

	v.SetDefault("messaging.typing_ttl", "5m")
	v.SetDefault("messaging.typing_sweep_interval", "30s")
	v.SetDefault("messaging.push_workers", 8)

	v.SetDefault("signaling.end_grace", "30s")
	v.SetDefault("signaling.ring_timeout", "60s")
	v.SetDefault("signaling.sweep_interval", "15s")
	v.SetDefault("signaling.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("store.path", "./data/badger")
	v.SetDefault("store.in_memory", false)
	v.SetDefault("store.seed_file", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml (or CONFIG_FILE), then REALTIME_* env overrides.
// When a file is found it is watched and log_level changes apply without restart.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	fileName := os.Getenv("CONFIG_FILE")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("REALTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	loaded := true
	if err := v.ReadInConfig(); err != nil {
		loaded = false
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if loaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			applyLogLevel(v.GetString("log_level"))
			log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		})
		v.WatchConfig()
	}

	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.Algorithms) == 0 {
		return fmt.Errorf("auth.algorithms must list at least one algorithm")
	}
	if c.Auth.MaxAttempts <= 0 || c.Auth.AttemptWindow <= 0 {
		return fmt.Errorf("auth rate limit must be positive, got %d per %s", c.Auth.MaxAttempts, c.Auth.AttemptWindow)
	}
	if c.Mode == "release" && c.EventsToken == "" {
		return fmt.Errorf("events_token is required in release mode")
	}
	if c.Transport.SendBuffer <= 0 {
		return fmt.Errorf("transport.send_buffer must be positive")
	}
	return nil
}

// applyLogLevel sets the global zerolog level; unknown names are ignored.
func applyLogLevel(name string) {
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		log.Warn().Str("module", "config").Str("level", name).Msg("ignoring unknown log level")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

func (c *Config) ApplyLogLevel() { applyLogLevel(c.LogLevel) }
