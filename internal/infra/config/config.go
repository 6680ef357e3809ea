// Package config loads gatewaykit settings from YAML and the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gatewaykit/internal/domain"
)

// Config is the top-level configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Store     StoreConfig     `yaml:"store"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// GatewayConfig holds connection and protocol settings.
type GatewayConfig struct {
	Token      string `yaml:"token"`      // may be "enc:..." when GATEWAYKIT_CONFIG_KEY is set
	Privileged bool   `yaml:"privileged"` // resolve through /gateway/bot
	APIBaseURL string `yaml:"api_base_url"`
	APIVersion int    `yaml:"api_version"`
	Encoding   string `yaml:"encoding"`
	// URL skips endpoint resolution when set.
	URL        string           `yaml:"url,omitempty"`
	Intents    []string         `yaml:"intents"`
	Properties PropertiesConfig `yaml:"properties"`

	JitterDivisor    int           `yaml:"jitter_divisor"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	MaxMissedAcks    int           `yaml:"max_missed_acks"` // 0 disables
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
	EventsBuffer     int           `yaml:"events_buffer"`
	CommandRate      int           `yaml:"command_rate"`
	CommandPer       time.Duration `yaml:"command_per"`
}

// PropertiesConfig is the connection properties block sent with Identify.
type PropertiesConfig struct {
	OS      string `yaml:"os"`
	Browser string `yaml:"browser"`
	Device  string `yaml:"device"`
}

// ReconnectConfig controls the reconnect loop.
type ReconnectConfig struct {
	MinDelay               time.Duration `yaml:"min_delay"`
	MaxDelay               time.Duration `yaml:"max_delay"`
	Factor                 float64       `yaml:"factor"`
	Jitter                 bool          `yaml:"jitter"`
	MaxConsecutiveFailures uint32        `yaml:"max_consecutive_failures"`
	BreakerTimeout         time.Duration `yaml:"breaker_timeout"`
}

// StoreConfig selects where session state is checkpointed.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`
	Key    string `yaml:"key"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

// defaultDataDir returns $HOME/.gatewaykit, or ./data without a home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".gatewaykit")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			APIBaseURL: "https://discord.com/api",
			APIVersion: 10,
			Encoding:   "json",
			Intents:    []string{"guilds", "guild_messages", "direct_messages"},
			Properties: PropertiesConfig{
				OS:      "linux",
				Browser: "gatewaykit",
				Device:  "gatewaykit",
			},
			JitterDivisor:    20,
			HandshakeTimeout: 30 * time.Second,
			WriteTimeout:     10 * time.Second,
			ReadLimit:        8 << 20,
			MaxMissedAcks:    2,
			DispatchTimeout:  30 * time.Second,
			EventsBuffer:     256,
			CommandRate:      110,
			CommandPer:       60 * time.Second,
		},
		Reconnect: ReconnectConfig{
			MinDelay:               time.Second,
			MaxDelay:               2 * time.Minute,
			Factor:                 2,
			Jitter:                 true,
			MaxConsecutiveFailures: 5,
			BreakerTimeout:         time.Minute,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   filepath.Join(defaultDataDir(), "sessions.db"),
			Key:    "default",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "gatewaykit",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts the
// token and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "parse config: "+err.Error())
		}
	case os.IsNotExist(err):
	default:
		return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "read config: "+err.Error())
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("GATEWAYKIT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, domain.NewDomainError("config.Load", domain.ErrConfigLoad, "decrypt secrets: "+err.Error())
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps GATEWAYKIT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAYKIT_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("GATEWAYKIT_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("GATEWAYKIT_GATEWAY_API_BASE_URL"); v != "" {
		cfg.Gateway.APIBaseURL = v
	}
	if v := os.Getenv("GATEWAYKIT_GATEWAY_PRIVILEGED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Gateway.Privileged = b
		}
	}
	if v := os.Getenv("GATEWAYKIT_GATEWAY_INTENTS"); v != "" {
		cfg.Gateway.Intents = splitAndTrim(v, ",")
	}
	if v := os.Getenv("GATEWAYKIT_GATEWAY_MAX_MISSED_ACKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.MaxMissedAcks = n
		}
	}
	if v := os.Getenv("GATEWAYKIT_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("GATEWAYKIT_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GATEWAYKIT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GATEWAYKIT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("GATEWAYKIT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GATEWAYKIT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return domain.NewDomainError("config.Load", domain.ErrConfigLoad, "stat config: "+err.Error())
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return domain.NewDomainError("config.Load", domain.ErrConfigLoad,
			"config file "+path+" has insecure permissions "+strconv.FormatUint(uint64(mode), 8)+" (want 0600 or 0644)")
	}
	return nil
}
