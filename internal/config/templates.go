package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "toml":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
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

const tomlTemplate = `id = "edge"
addr = ":7701"
token = "edge-token"
cors_origins = ["http://localhost:3000"]

[[peers]]
id = "core"
url = "ws://localhost:7700/link"
token = "core-token"

[[shards]]
name = "sessions"

[[shards]]
name = "users"
owner = "core"

[[shards]]
name = "orders"
owner = "core"
relay = true

[session]
heartbeat = "5s"
dead_after = "15s"
reconnect_delay = "1s"
backoff_initial = "250ms"
backoff_max = "5s"
`

const yamlTemplate = `id: core
addr: ":7700"
token: core-token
cors_origins:
  - http://localhost:3000
peers:
  - id: edge
shards:
  - name: users
session:
  heartbeat: 5s
  dead_after: 15s
  reconnect_delay: 1s
`
