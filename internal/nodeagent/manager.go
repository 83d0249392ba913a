// Package nodeagent is the Node Agent: the adapter manager that owns every
// tunnel worker on this machine, its crash-safe persistence, and the HTTP
// surface the Panel drives it through.
package nodeagent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/adapter"
)

// Record is the persisted shape of one applied tunnel.
type Record struct {
	Core smite.Core `json:"core"`
	Type string     `json:"type,omitempty"`
	Spec smite.Spec `json:"spec"`
}

// ByteCounter is the firewall counter surface the manager needs.
type ByteCounter interface {
	AddPort(tunnelID string, port int) error
	AddRemote(tunnelID, host string, port int) error
	Read(tunnelID string) (uint64, error)
	Remove(tunnelID string) error
}

// Manager maps tunnel ids to the adapter owning them and persists the
// applied {core, spec} set across restarts. All mutations rewrite the
// state file atomically.
type Manager struct {
	statePath  string
	counters   ByteCounter // nil when iptables is unavailable
	newAdapter func(smite.Core) (adapter.Adapter, error)

	mu       sync.Mutex
	byCore   map[smite.Core]adapter.Adapter
	byTunnel map[string]adapter.Adapter
	records  map[string]Record
}

// StatePath returns the tunnels.json location, overridable for tests and
// non-root runs.
func StatePath() string {
	if dir := os.Getenv("SMITE_NODE_STATE_DIR"); dir != "" {
		return filepath.Join(dir, "tunnels.json")
	}
	return "/var/lib/smite-node/tunnels.json"
}

// NewManager creates a Manager persisting to statePath. counters may be
// nil; byte accounting is then disabled.
func NewManager(statePath string, counters ByteCounter) *Manager {
	return &Manager{
		statePath:  statePath,
		counters:   counters,
		newAdapter: adapter.New,
		byCore:     make(map[smite.Core]adapter.Adapter),
		byTunnel:   make(map[string]adapter.Adapter),
		records:    make(map[string]Record),
	}
}

func (m *Manager) adapterFor(core smite.Core) (adapter.Adapter, error) {
	if a, ok := m.byCore[core]; ok {
		return a, nil
	}
	a, err := m.newAdapter(core)
	if err != nil {
		return nil, err
	}
	m.byCore[core] = a
	return a, nil
}

// Apply renders and starts the tunnel, replacing any previous instance of
// the same id, then persists the applied record.
func (m *Manager) Apply(ctx context.Context, tunnelID string, core smite.Core, typ string, spec smite.Spec) error {
	if tunnelID == "" {
		return fmt.Errorf("tunnel_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byTunnel[tunnelID]; ok {
		if err := prev.Remove(ctx, tunnelID); err != nil {
			slog.Warn("remove previous tunnel instance", "tunnel", tunnelID, "err", err)
		}
		m.dropCounters(tunnelID)
		delete(m.byTunnel, tunnelID)
		delete(m.records, tunnelID)
	}

	a, err := m.adapterFor(core)
	if err != nil {
		return err
	}
	if err := a.Apply(ctx, tunnelID, spec); err != nil {
		return err
	}

	m.byTunnel[tunnelID] = a
	m.records[tunnelID] = Record{Core: core, Type: typ, Spec: spec}
	m.installCounters(tunnelID, core, spec)

	if err := m.persistLocked(); err != nil {
		slog.Error("persist tunnel state", "tunnel", tunnelID, "err", err)
	}
	return nil
}

// Remove stops the tunnel, drops its counters and record, and rewrites
// the state file. Unknown ids are a no-op.
func (m *Manager) Remove(ctx context.Context, tunnelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byTunnel[tunnelID]
	if !ok {
		// Still try the recorded core: the process may predate this
		// daemon instance.
		if rec, found := m.records[tunnelID]; found {
			if ra, err := m.adapterFor(rec.Core); err == nil {
				a, ok = ra, true
			}
		}
	}
	if ok {
		if err := a.Remove(ctx, tunnelID); err != nil {
			return err
		}
	}
	m.dropCounters(tunnelID)
	delete(m.byTunnel, tunnelID)
	delete(m.records, tunnelID)
	return m.persistLocked()
}

// Status reports the worker state and byte usage for one tunnel.
func (m *Manager) Status(tunnelID string) (adapter.Status, Record, uint64, bool) {
	m.mu.Lock()
	a, running := m.byTunnel[tunnelID]
	rec, known := m.records[tunnelID]
	m.mu.Unlock()

	if !running && !known {
		return adapter.Status{}, Record{}, 0, false
	}

	var st adapter.Status
	if running {
		st = a.Status(tunnelID)
	}
	var used uint64
	if m.counters != nil {
		if n, err := m.counters.Read(tunnelID); err == nil {
			used = n
		}
	}
	return st, rec, used, true
}

// List returns the ids of every managed tunnel, sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Restore re-applies every persisted tunnel. Per-entry failures are logged
// and skipped so one missing binary cannot block the rest of the fleet.
func (m *Manager) Restore(ctx context.Context) {
	records, err := loadRecords(m.statePath)
	if err != nil {
		// Unparseable state is not fatal: start empty rather than crash.
		slog.Error("load persisted tunnels, starting empty", "path", m.statePath, "err", err)
		return
	}

	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	restored := 0
	for _, id := range ids {
		rec := records[id]
		spec := rec.Spec
		if spec == nil {
			spec = smite.Spec{}
		}
		// Records written before mode was persisted are reverse-tunnel
		// clients.
		if !spec.Has("mode") && rec.Core != smite.CoreGost {
			spec = spec.Clone()
			spec["mode"] = "client"
		}
		if err := m.Apply(ctx, id, rec.Core, rec.Type, spec); err != nil {
			slog.Error("restore tunnel", "tunnel", id, "core", rec.Core, "err", err)
			continue
		}
		restored++
	}
	slog.Info("tunnel state restored", "restored", restored, "total", len(records))
}

// Shutdown stops every worker process without touching the persisted
// records, so the next start can restore them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.byTunnel))
	for id := range m.byTunnel {
		ids = append(ids, id)
	}
	adapters := make(map[string]adapter.Adapter, len(ids))
	for _, id := range ids {
		adapters[id] = m.byTunnel[id]
	}
	m.byTunnel = make(map[string]adapter.Adapter)
	m.mu.Unlock()

	for _, id := range ids {
		if err := adapters[id].Remove(ctx, id); err != nil {
			slog.Warn("stop tunnel on shutdown", "tunnel", id, "err", err)
		}
	}
}

func (m *Manager) installCounters(tunnelID string, core smite.Core, spec smite.Spec) {
	if m.counters == nil {
		return
	}
	var err error
	if core == smite.CoreBackhaul && spec.GetString("mode") == "client" {
		// Egress side: count against the remote control endpoint.
		if hp, perr := parseRemote(spec.GetString("remote_addr")); perr == nil {
			err = m.counters.AddRemote(tunnelID, hp.host, hp.port)
		} else {
			err = perr
		}
	} else if port := counterPort(spec); port != 0 {
		err = m.counters.AddPort(tunnelID, port)
	}
	if err != nil {
		slog.Warn("install byte counters", "tunnel", tunnelID, "err", err)
	}
}

func (m *Manager) dropCounters(tunnelID string) {
	if m.counters == nil {
		return
	}
	if err := m.counters.Remove(tunnelID); err != nil {
		slog.Warn("remove byte counters", "tunnel", tunnelID, "err", err)
	}
}

// counterPort picks the user-facing port worth metering for a spec.
func counterPort(spec smite.Spec) int {
	for _, key := range []string{"proxy_port", "remote_port", "listen_port", "bind_port", "control_port", "local_port"} {
		if n := spec.GetInt(key); n != 0 {
			return n
		}
	}
	return 0
}
