package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "lifeline":
		return lifelineTemplate, nil
	case "backendsim":
		return backendsimTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const lifelineTemplate = `installed_version = "1.0.0"
init_path = "/init"
health_check_url = "http://127.0.0.1:9500/health"
health_check_interval = "5s"
maintenance_retry = "10s"
network_down_overlay = false
rebootstrap = false

[production]
base_url = "http://127.0.0.1:9500"
channel_url = "ws://127.0.0.1:9500/ws"

[staging]
base_url = "http://127.0.0.1:9501"
channel_url = "ws://127.0.0.1:9501/ws"

[realtime]
enabled = true
ping_interval = "30s"

[transport]
http2 = false
dial_timeout = "5s"
request_timeout = "30s"

[status]
addr = "127.0.0.1:9400"
cors_origins = ["http://localhost:3000"]
`

const backendsimTemplate = `addr = ":9500"
current_version = "1.0.0"
recommended_version = "1.0.0"
minimum_version = "1.0.0"
maintenance = false
require_token = ""

[routes]
url = "http://127.0.0.1:9500"

[extra]
app_name = "lifeline"
`
