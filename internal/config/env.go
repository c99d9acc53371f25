package config

// Environment overlay. Precedence (highest wins):
//   1. CLI flags (cmd/lifelinectl)
//   2. LIFELINE_* environment variables (this file)
//   3. config file
//   4. defaults

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overlays non-empty LIFELINE_* variables onto cfg.
func ApplyEnv(cfg *Config) {
	if v := env("LIFELINE_INSTALLED_VERSION"); v != "" {
		cfg.InstalledVersion = v
	}
	if v := env("LIFELINE_PRODUCTION_URL"); v != "" {
		cfg.Production.BaseURL = v
	}
	if v := env("LIFELINE_STAGING_URL"); v != "" {
		cfg.Staging.BaseURL = v
	}
	if v := env("LIFELINE_HEALTH_CHECK_URL"); v != "" {
		cfg.HealthCheckURL = v
	}
	if d, ok := envDuration("LIFELINE_HEALTH_CHECK_INTERVAL"); ok {
		cfg.HealthCheckInterval = Duration{d}
	}
	if d, ok := envDuration("LIFELINE_MAINTENANCE_RETRY"); ok {
		cfg.MaintenanceRetry = Duration{d}
	}
	if b, ok := envBool("LIFELINE_NETWORK_DOWN_OVERLAY"); ok {
		cfg.NetworkDownOverlay = b
	}
	if b, ok := envBool("LIFELINE_REALTIME"); ok {
		cfg.Realtime.Enabled = b
	}
	if v := env("LIFELINE_STATUS_ADDR"); v != "" {
		cfg.Status.Addr = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envBool(key string) (bool, bool) {
	raw := strings.ToLower(env(key))
	switch raw {
	case "":
		return false, false
	case "yes", "on":
		return true, true
	case "no", "off":
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func envDuration(key string) (time.Duration, bool) {
	raw := env(key)
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}
