package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr     string          `env:"LISTEN_ADDR" envDefault:"0.0.0.0:8000"`
	LogLevel       string          `env:"LOG_LEVEL" envDefault:"INFO"`
	EntityCacheTTL time.Duration   `env:"ENTITY_CACHE_TTL" envDefault:"10s"`
	HassCfg        HassConfig      `envPrefix:"HA_"`
	AuthCfg        AuthConfig      `envPrefix:"AUTH_"`
	RateLimitCfg   RateLimitConfig `envPrefix:"RATE_LIMIT_"`
	StreamCfg      StreamConfig    `envPrefix:"STREAM_"`
	MqttCfg        MqttConfig      `envPrefix:"MQTT_"`
}

type HassConfig struct {
	BaseURL              string        `env:"BASE_URL"`
	Token                string        `env:"TOKEN"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	ReconnectDelay       time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	PingInterval         time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	InsecureSkipVerify   bool          `env:"INSECURE_SKIP_VERIFY"`
}

type AuthConfig struct {
	// Disabled lets every request through without a session. Local use only.
	Disabled      bool          `env:"DISABLED"`
	Username      string        `env:"USERNAME"`
	PasswordHash  string        `env:"PASSWORD_HASH"`
	SessionSecret string        `env:"SESSION_SECRET"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SecureCookie  bool          `env:"SECURE_COOKIE" envDefault:"true"`
}

type RateLimitConfig struct {
	Window          time.Duration `env:"WINDOW" envDefault:"1m"`
	MaxRequests     int           `env:"MAX_REQUESTS" envDefault:"60"`
	MaxServiceCalls int           `env:"MAX_SERVICE_CALLS" envDefault:"30"`
	MaxHealthChecks int           `env:"MAX_HEALTH_CHECKS" envDefault:"10"`
	Sweep           string        `env:"SWEEP" envDefault:"@every 5m"`
}

type StreamConfig struct {
	Heartbeat time.Duration `env:"HEARTBEAT" envDefault:"30s"`
	Buffer    int           `env:"BUFFER" envDefault:"64"`
}

type MqttConfig struct {
	Host        string `env:"HOST"`
	Username    string `env:"USER"`
	Password    string `env:"PASS"`
	TopicPrefix string `env:"TOPIC_PREFIX" envDefault:"homedash"`
}

func (m MqttConfig) Enabled() bool {
	return m.Host != ""
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from the given variables only.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every problem found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error
	if c.HassCfg.BaseURL == "" {
		errs = append(errs, errors.New("HA_BASE_URL is required"))
	} else if u, err := url.Parse(c.HassCfg.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("HA_BASE_URL must be an http(s) url, got %q", c.HassCfg.BaseURL))
	}
	if c.HassCfg.Token == "" {
		errs = append(errs, errors.New("HA_TOKEN is required"))
	}
	if c.HassCfg.RequestTimeout <= 0 {
		errs = append(errs, errors.New("HA_REQUEST_TIMEOUT must be positive"))
	}
	if c.HassCfg.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("HA_MAX_RECONNECT_ATTEMPTS must not be negative"))
	}
	if !c.AuthCfg.Disabled && (c.AuthCfg.Username == "" || c.AuthCfg.PasswordHash == "" || c.AuthCfg.SessionSecret == "") {
		errs = append(errs, errors.New("AUTH_USERNAME, AUTH_PASSWORD_HASH and AUTH_SESSION_SECRET are required unless AUTH_DISABLED=true"))
	}
	if c.RateLimitCfg.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	if c.StreamCfg.Heartbeat <= 0 {
		errs = append(errs, errors.New("STREAM_HEARTBEAT must be positive"))
	}
	return errors.Join(errs...)
}

// WebsocketURL maps the REST base url onto the hub websocket endpoint.
func (h HassConfig) WebsocketURL() string {
	base := strings.TrimSuffix(h.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/websocket"
}

// APIURL joins path onto the REST base url.
func (h HassConfig) APIURL(path string) string {
	return strings.TrimSuffix(h.BaseURL, "/") + path
}
