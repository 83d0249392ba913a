package nodeagent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zZedix/smite/internal/netaddr"
)

// persistLocked rewrites the state file atomically: temp file in the same
// directory, fsync, rename. Caller holds m.mu.
func (m *Manager) persistLocked() error {
	dir := filepath.Dir(m.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tunnel state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tunnels-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, m.statePath); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// loadRecords reads the persisted tunnel map. A missing file is an empty
// map; a corrupt file is an error the caller downgrades to a warning.
func loadRecords(path string) (map[string]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	records := make(map[string]Record)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return records, nil
}

type remoteAddr struct {
	host string
	port int
}

func parseRemote(s string) (remoteAddr, error) {
	hp, err := netaddr.Parse(s)
	if err != nil {
		return remoteAddr{}, fmt.Errorf("parse remote_addr: %w", err)
	}
	if !hp.HasPort {
		return remoteAddr{}, fmt.Errorf("remote_addr %q has no port", s)
	}
	return remoteAddr{host: hp.Host, port: hp.Port}, nil
}
