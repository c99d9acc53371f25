package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/danmuck/lifeline/internal/transport"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Duration decodes TOML strings such as "5s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Endpoint is one backend target.
type Endpoint struct {
	BaseURL    string `toml:"base_url"`
	ChannelURL string `toml:"channel_url"`
}

func (e Endpoint) Configured() bool {
	return strings.TrimSpace(e.BaseURL) != ""
}

type RealtimeConfig struct {
	Enabled      bool     `toml:"enabled"`
	PingInterval Duration `toml:"ping_interval"`
}

type TransportConfig struct {
	HTTP2          bool                `toml:"http2"`
	DialTimeout    Duration            `toml:"dial_timeout"`
	RequestTimeout Duration            `toml:"request_timeout"`
	TLS            transport.TLSConfig `toml:"tls"`
}

type StatusConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
}

// Config is the lifeline orchestrator configuration file.
type Config struct {
	InstalledVersion    string          `toml:"installed_version"`
	InitPath            string          `toml:"init_path"`
	HealthCheckURL      string          `toml:"health_check_url"`
	HealthCheckInterval Duration        `toml:"health_check_interval"`
	MaintenanceRetry    Duration        `toml:"maintenance_retry"`
	NetworkDownOverlay  bool            `toml:"network_down_overlay"`
	Rebootstrap         bool            `toml:"rebootstrap"`
	Production          Endpoint        `toml:"production"`
	Staging             Endpoint        `toml:"staging"`
	Realtime            RealtimeConfig  `toml:"realtime"`
	Transport           TransportConfig `toml:"transport"`
	Status              StatusConfig    `toml:"status"`
}

func Default() Config {
	def := transport.DefaultConfig()
	return Config{
		InitPath:            "/init",
		HealthCheckInterval: Duration{5 * time.Second},
		MaintenanceRetry:    Duration{10 * time.Second},
		Realtime:            RealtimeConfig{PingInterval: Duration{30 * time.Second}},
		Transport: TransportConfig{
			DialTimeout:    Duration{def.DialTimeout},
			RequestTimeout: Duration{def.RequestTimeout},
		},
		Status: StatusConfig{Addr: "127.0.0.1:9400"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if err := validateURL("production.base_url", cfg.Production.BaseURL, true); err != nil {
		return err
	}
	if err := validateURL("staging.base_url", cfg.Staging.BaseURL, false); err != nil {
		return err
	}
	if err := validateURL("health_check_url", cfg.HealthCheckURL, false); err != nil {
		return err
	}
	if cfg.HealthCheckInterval.Duration <= 0 {
		return fmt.Errorf("%w: health_check_interval must be positive", ErrInvalidConfig)
	}
	if cfg.MaintenanceRetry.Duration <= 0 {
		return fmt.Errorf("%w: maintenance_retry must be positive", ErrInvalidConfig)
	}
	if cfg.Realtime.Enabled {
		if err := validateURL("production.channel_url", cfg.Production.ChannelURL, true); err != nil {
			return err
		}
		if cfg.Staging.Configured() {
			if err := validateURL("staging.channel_url", cfg.Staging.ChannelURL, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateURL(field, raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: %s must be an absolute url: %q", ErrInvalidConfig, field, raw)
	}
	return nil
}

// TransportSettings converts to the transport package config.
func (c Config) TransportSettings() transport.Config {
	return transport.Config{
		HTTP2:          c.Transport.HTTP2,
		DialTimeout:    c.Transport.DialTimeout.Duration,
		RequestTimeout: c.Transport.RequestTimeout.Duration,
		TLS:            c.Transport.TLS,
	}
}
