package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ClientID returns the MQTT client identifier. An explicit configured
// id wins; otherwise a UUIDv7 is generated once and persisted in
// dataDir so that the broker sees the same client across restarts.
func ClientID(configured, dataDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	path := filepath.Join(dataDir, "mqtt_client_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	id := "counselor-" + u.String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist client id to %s: %w", path, err)
	}
	return id, nil
}
