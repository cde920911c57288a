package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// machineIDPaths are tried in order before falling back to a persisted id.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// MachineID returns a stable identity for this host: the OS machine id when
// readable, otherwise an id minted once and persisted under stateDir (the
// user config dir when stateDir is empty). Registration is keyed on this
// value, so the same host always maps to the same worker row.
func MachineID(stateDir string) (string, error) {
	for _, p := range machineIDPaths {
		if b, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id, nil
			}
		}
	}

	if stateDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolving state dir: %w", err)
		}
		stateDir = filepath.Join(dir, "conductor-agent")
	}

	path := filepath.Join(stateDir, "machine-id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("creating state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persisting machine id: %w", err)
	}
	return id, nil
}
