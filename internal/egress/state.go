package egress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// installedState is the persisted descriptor of the currently
// installed table, used to distinguish "our table, installed by a
// live process" from an orphan left by a crash.
type installedState struct {
	TableName   string    `json:"table_name"`
	UID         int       `json:"uid"`
	ProxyPort   int       `json:"proxy_port"`
	DNSServers  []string  `json:"dns_servers"`
	InstalledAt time.Time `json:"installed_at"`
}

// saveState writes state atomically: write to a temp file in the
// same directory, then rename over the destination.
func saveState(path string, state *installedState) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create egress state directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal egress state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write egress state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename egress state: %w", err)
	}
	return nil
}

// loadState returns nil, nil if no state file exists yet.
func loadState(path string) (*installedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read egress state: %w", err)
	}

	var state installedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal egress state: %w", err)
	}
	return &state, nil
}

func removeState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove egress state: %w", err)
	}
	return nil
}
