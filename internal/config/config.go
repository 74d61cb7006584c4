package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voip-ivr/ivr-handler/internal/session"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Switch  SwitchConfig  `yaml:"switch"`
	Notify  NotifyConfig  `yaml:"notify"`
	Queues  QueueConfig   `yaml:"queues"`
	Menu    MenuConfig    `yaml:"menu"`
	Log     LogConfig     `yaml:"log"`
	Privacy PrivacyConfig `yaml:"privacy"`
	Stats   StatsConfig   `yaml:"stats"`
}

// ServerConfig is the operator HTTP API.
type ServerConfig struct {
	Port              int           `yaml:"port"`
	Host              string        `yaml:"host"`
	AuthToken         string        `yaml:"auth_token"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	MaxConnections    int           `yaml:"max_connections"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	HealthThreshold   int           `yaml:"health_threshold"`
}

// SwitchConfig is the switch's REST interface: event stream and control API.
type SwitchConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	App                string        `yaml:"app"`
	TLS                bool          `yaml:"tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ForwardEndpoint    string        `yaml:"forward_endpoint"`
	ReconnectBase      time.Duration `yaml:"reconnect_base"`
	ReconnectMax       time.Duration `yaml:"reconnect_max"`
	ConnectAttempts    int           `yaml:"connect_attempts"`
	ActionAttempts     int           `yaml:"action_attempts"`
}

type NotifyConfig struct {
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

type QueueConfig struct {
	InboundSize int `yaml:"inbound_size"`
	NotifySize  int `yaml:"notify_size"`
}

type MenuConfig struct {
	File          string `yaml:"file"`
	DefaultPrompt string `yaml:"default_prompt"`
	GreetOnStart  bool   `yaml:"greet_on_start"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PrivacyConfig struct {
	MaskCallerIDs  bool `yaml:"mask_caller_ids"`
	MaskChannelIDs bool `yaml:"mask_channel_ids"`
}

// StatsConfig controls the persistent call statistics. An empty Dir uses
// the XDG state directory.
type StatsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Dir          string        `yaml:"dir"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

// NewPrivacyFilter converts the config into the filter used by the
// operator API.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskCallerIDs:  p.MaskCallerIDs,
		MaskChannelIDs: p.MaskChannelIDs,
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
			HealthThreshold:   3,
		},
		Switch: SwitchConfig{
			Host:            "localhost",
			Port:            8088,
			User:            "username",
			Password:        "password",
			App:             "ivr-handler",
			RequestTimeout:  5 * time.Second,
			ForwardEndpoint: "PJSIP/{number}",
			ReconnectBase:   time.Second,
			ReconnectMax:    30 * time.Second,
			ConnectAttempts: 3,
			ActionAttempts:  1,
		},
		Notify: NotifyConfig{
			Timeout: 10 * time.Second,
		},
		Queues: QueueConfig{
			InboundSize: 256,
			NotifySize:  1024,
		},
		Menu: MenuConfig{
			DefaultPrompt: "sound:beep",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Stats: StatsConfig{
			Enabled:      true,
			SaveInterval: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// ApplyEnv overrides settings from the environment. getenv is usually
// os.Getenv; unset and empty variables leave the setting alone.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	str("VOIP_API_USER", &c.Switch.User)
	str("VOIP_API_PASS", &c.Switch.Password)
	str("VOIP_API_HOST", &c.Switch.Host)
	str("VOIP_API_APP", &c.Switch.App)
	str("IVR_LOG_LEVEL", &c.Log.Level)
	str("IVR_NOTIFY_URL", &c.Notify.URL)
	str("IVR_NOTIFY_API_KEY", &c.Notify.APIKey)
	str("IVR_MENU_FILE", &c.Menu.File)
	str("IVR_AUTH_TOKEN", &c.Server.AuthToken)
	str("IVR_STATS_DIR", &c.Stats.Dir)

	if v := getenv("VOIP_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VOIP_API_PORT: %w", err)
		}
		c.Switch.Port = port
	}
	return nil
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json", "otel"}
)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(validPort(c.Server.Port), "server.port %d out of range", c.Server.Port)
	check(c.Server.SnapshotInterval > 0, "server.snapshot_interval must be positive")
	check(c.Server.BroadcastThrottle >= 0, "server.broadcast_throttle must not be negative")
	check(c.Server.MaxConnections >= 0, "server.max_connections must not be negative")
	check(c.Server.HealthThreshold >= 1, "server.health_threshold must be at least 1")

	check(c.Switch.Host != "", "switch.host is required")
	check(validPort(c.Switch.Port), "switch.port %d out of range", c.Switch.Port)
	check(c.Switch.App != "", "switch.app is required")
	check(c.Switch.RequestTimeout > 0, "switch.request_timeout must be positive")
	check(c.Switch.ReconnectBase > 0, "switch.reconnect_base must be positive")
	check(c.Switch.ReconnectMax >= c.Switch.ReconnectBase, "switch.reconnect_max must not be below reconnect_base")
	check(c.Switch.ConnectAttempts >= 1, "switch.connect_attempts must be at least 1")
	check(c.Switch.ActionAttempts >= 1, "switch.action_attempts must be at least 1")
	check(strings.Contains(c.Switch.ForwardEndpoint, "{number}"), "switch.forward_endpoint must contain {number}")

	check(c.Notify.Timeout > 0, "notify.timeout must be positive")
	check(c.Notify.RatePerSecond >= 0, "notify.rate_per_second must not be negative")

	check(c.Queues.InboundSize > 0, "queues.inbound_size must be positive")
	check(c.Queues.NotifySize > 0, "queues.notify_size must be positive")

	check(!c.Stats.Enabled || c.Stats.SaveInterval > 0, "stats.save_interval must be positive")

	check(contains(logLevels, strings.ToLower(c.Log.Level)), "log.level %q is not one of %v", c.Log.Level, logLevels)
	check(contains(logFormats, c.Log.Format), "log.format %q is not one of %v", c.Log.Format, logFormats)

	return errors.Join(errs...)
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
