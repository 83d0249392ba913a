// Package store is the Panel's sqlite-backed state: nodes, tunnels,
// the overlay pool, meshes, and per-core reset schedules.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zZedix/smite"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned for lookups of ids the store does not hold.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

// Path returns the panel database location, overridable for tests and
// non-root runs.
func Path() string {
	if dir := os.Getenv("SMITE_PANEL_STATE_DIR"); dir != "" {
		return filepath.Join(dir, "panel.db")
	}
	return "/var/lib/smite/panel.db"
}

// Open creates the database (and parent directory) if needed and applies
// the schema. Safe to call on every start.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open panel db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set panel db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set panel db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize panel schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	fingerprint TEXT NOT NULL,
	status TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	registered_at TEXT NOT NULL,
	last_seen TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tunnels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	core TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	node_id TEXT NOT NULL,
	foreign_node_id TEXT NOT NULL DEFAULT '',
	spec_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	revision INTEGER NOT NULL DEFAULT 0,
	used_mb REAL NOT NULL DEFAULT 0,
	quota_mb REAL NOT NULL DEFAULT 0,
	expires_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS overlay_pool (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	cidr TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS overlay_assignments (
	node_id TEXT PRIMARY KEY,
	overlay_ip TEXT NOT NULL UNIQUE,
	interface_name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS meshes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	topology TEXT NOT NULL,
	overlay_subnet TEXT NOT NULL,
	mtu INTEGER NOT NULL,
	status TEXT NOT NULL,
	config_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS core_reset_configs (
	core TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL DEFAULT 0,
	interval_minutes INTEGER NOT NULL DEFAULT 0,
	last_reset TEXT,
	next_reset TEXT
)`

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decodeTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := decodeTime(v.String)
	return &t
}

// Nodes

func (s *Store) SaveNode(n smite.Node) error {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("marshal node metadata: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO nodes (id, name, fingerprint, status, metadata_json, registered_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name,
		 fingerprint = excluded.fingerprint,
		 status = excluded.status,
		 metadata_json = excluded.metadata_json,
		 last_seen = excluded.last_seen`,
		n.ID, n.Name, n.Fingerprint, string(n.Status), string(meta),
		encodeTime(n.RegisteredAt), encodeTime(n.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("save node %q: %w", n.ID, err)
	}
	return nil
}

func scanNode(scan func(...any) error) (smite.Node, error) {
	var n smite.Node
	var status, metaJSON, registered, lastSeen string
	if err := scan(&n.ID, &n.Name, &n.Fingerprint, &status, &metaJSON, &registered, &lastSeen); err != nil {
		return smite.Node{}, err
	}
	n.Status = smite.NodeStatus(status)
	if err := json.Unmarshal([]byte(metaJSON), &n.Metadata); err != nil {
		return smite.Node{}, fmt.Errorf("unmarshal node metadata %q: %w", n.ID, err)
	}
	if n.Metadata == nil {
		n.Metadata = map[string]string{}
	}
	n.RegisteredAt = decodeTime(registered)
	n.LastSeen = decodeTime(lastSeen)
	return n, nil
}

const nodeColumns = `id, name, fingerprint, status, metadata_json, registered_at, last_seen`

func (s *Store) GetNode(id string) (smite.Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return smite.Node{}, fmt.Errorf("node %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return smite.Node{}, fmt.Errorf("query node %q: %w", id, err)
	}
	return n, nil
}

func (s *Store) GetNodeByName(name string) (smite.Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return smite.Node{}, fmt.Errorf("node named %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return smite.Node{}, fmt.Errorf("query node named %q: %w", name, err)
	}
	return n, nil
}

func (s *Store) ListNodes() ([]smite.Node, error) {
	rows, err := s.db.Query(`SELECT ` + nodeColumns + ` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	out := make([]smite.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return out, nil
}

// DeleteNode removes the node and its overlay assignment, so the
// overlay IP returns to the pool.
func (s *Store) DeleteNode(id string) error {
	if _, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete node %q: %w", id, err)
	}
	if _, err := s.db.Exec(`DELETE FROM overlay_assignments WHERE node_id = ?`, id); err != nil {
		return fmt.Errorf("delete node %q assignment: %w", id, err)
	}
	return nil
}

// Tunnels

const tunnelColumns = `id, name, core, type, node_id, foreign_node_id, spec_json, status,
	error_message, revision, used_mb, quota_mb, expires_at, created_at, updated_at`

func (s *Store) SaveTunnel(t smite.Tunnel) error {
	spec, err := json.Marshal(t.Spec)
	if err != nil {
		return fmt.Errorf("marshal tunnel spec: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO tunnels (`+tunnelColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name,
		 core = excluded.core,
		 type = excluded.type,
		 node_id = excluded.node_id,
		 foreign_node_id = excluded.foreign_node_id,
		 spec_json = excluded.spec_json,
		 status = excluded.status,
		 error_message = excluded.error_message,
		 revision = excluded.revision,
		 used_mb = excluded.used_mb,
		 quota_mb = excluded.quota_mb,
		 expires_at = excluded.expires_at,
		 updated_at = excluded.updated_at`,
		t.ID, t.Name, string(t.Core), t.Type, t.NodeID, t.ForeignNodeID,
		string(spec), string(t.Status), t.ErrorMessage, t.Revision,
		t.UsedMB, t.QuotaMB, encodeTimePtr(t.ExpiresAt),
		encodeTime(t.CreatedAt), encodeTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save tunnel %q: %w", t.ID, err)
	}
	return nil
}

func scanTunnel(scan func(...any) error) (smite.Tunnel, error) {
	var t smite.Tunnel
	var core, status, specJSON, created, updated string
	var expires sql.NullString
	if err := scan(&t.ID, &t.Name, &core, &t.Type, &t.NodeID, &t.ForeignNodeID,
		&specJSON, &status, &t.ErrorMessage, &t.Revision, &t.UsedMB, &t.QuotaMB,
		&expires, &created, &updated); err != nil {
		return smite.Tunnel{}, err
	}
	t.Core = smite.Core(core)
	t.Status = smite.TunnelStatus(status)
	if err := json.Unmarshal([]byte(specJSON), &t.Spec); err != nil {
		return smite.Tunnel{}, fmt.Errorf("unmarshal tunnel spec %q: %w", t.ID, err)
	}
	if t.Spec == nil {
		t.Spec = smite.Spec{}
	}
	t.ExpiresAt = decodeTimePtr(expires)
	t.CreatedAt = decodeTime(created)
	t.UpdatedAt = decodeTime(updated)
	return t, nil
}

func (s *Store) GetTunnel(id string) (smite.Tunnel, error) {
	row := s.db.QueryRow(`SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	t, err := scanTunnel(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return smite.Tunnel{}, fmt.Errorf("tunnel %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return smite.Tunnel{}, fmt.Errorf("query tunnel %q: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTunnels() ([]smite.Tunnel, error) {
	return s.queryTunnels(`SELECT ` + tunnelColumns + ` FROM tunnels ORDER BY created_at`)
}

// ListTunnelsByCore returns tunnels of one core, oldest first.
func (s *Store) ListTunnelsByCore(core smite.Core) ([]smite.Tunnel, error) {
	return s.queryTunnels(`SELECT `+tunnelColumns+` FROM tunnels WHERE core = ? ORDER BY created_at`, string(core))
}

// ListTunnelsByStatus returns tunnels in one dispatch state, oldest first.
func (s *Store) ListTunnelsByStatus(status smite.TunnelStatus) ([]smite.Tunnel, error) {
	return s.queryTunnels(`SELECT `+tunnelColumns+` FROM tunnels WHERE status = ? ORDER BY created_at`, string(status))
}

func (s *Store) queryTunnels(query string, args ...any) ([]smite.Tunnel, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}
	defer rows.Close()

	out := make([]smite.Tunnel, 0)
	for rows.Next() {
		t, err := scanTunnel(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan tunnel row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tunnel rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteTunnel(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tunnels WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete tunnel %q: %w", id, err)
	}
	return nil
}

// Overlay pool

// SetOverlayPool replaces the single pool row.
func (s *Store) SetOverlayPool(p smite.OverlayPool) error {
	_, err := s.db.Exec(
		`INSERT INTO overlay_pool (id, cidr, description) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET cidr = excluded.cidr, description = excluded.description`,
		p.CIDR, p.Description,
	)
	if err != nil {
		return fmt.Errorf("set overlay pool: %w", err)
	}
	return nil
}

func (s *Store) DeleteOverlayPool() error {
	if _, err := s.db.Exec(`DELETE FROM overlay_pool WHERE id = 1`); err != nil {
		return fmt.Errorf("delete overlay pool: %w", err)
	}
	return nil
}

// GetOverlayPool returns the pool and whether one is configured.
func (s *Store) GetOverlayPool() (smite.OverlayPool, bool, error) {
	var p smite.OverlayPool
	err := s.db.QueryRow(`SELECT cidr, description FROM overlay_pool WHERE id = 1`).Scan(&p.CIDR, &p.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return smite.OverlayPool{}, false, nil
	}
	if err != nil {
		return smite.OverlayPool{}, false, fmt.Errorf("query overlay pool: %w", err)
	}
	return p, true, nil
}

func (s *Store) SaveAssignment(a smite.OverlayAssignment) error {
	_, err := s.db.Exec(
		`INSERT INTO overlay_assignments (node_id, overlay_ip, interface_name) VALUES (?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
		 overlay_ip = excluded.overlay_ip,
		 interface_name = excluded.interface_name`,
		a.NodeID, a.OverlayIP, a.InterfaceName,
	)
	if err != nil {
		return fmt.Errorf("save overlay assignment for %q: %w", a.NodeID, err)
	}
	return nil
}

func (s *Store) GetAssignment(nodeID string) (smite.OverlayAssignment, bool, error) {
	var a smite.OverlayAssignment
	err := s.db.QueryRow(
		`SELECT node_id, overlay_ip, interface_name FROM overlay_assignments WHERE node_id = ?`,
		nodeID,
	).Scan(&a.NodeID, &a.OverlayIP, &a.InterfaceName)
	if errors.Is(err, sql.ErrNoRows) {
		return smite.OverlayAssignment{}, false, nil
	}
	if err != nil {
		return smite.OverlayAssignment{}, false, fmt.Errorf("query overlay assignment for %q: %w", nodeID, err)
	}
	return a, true, nil
}

func (s *Store) ListAssignments() ([]smite.OverlayAssignment, error) {
	rows, err := s.db.Query(`SELECT node_id, overlay_ip, interface_name FROM overlay_assignments ORDER BY overlay_ip`)
	if err != nil {
		return nil, fmt.Errorf("list overlay assignments: %w", err)
	}
	defer rows.Close()

	out := make([]smite.OverlayAssignment, 0)
	for rows.Next() {
		var a smite.OverlayAssignment
		if err := rows.Scan(&a.NodeID, &a.OverlayIP, &a.InterfaceName); err != nil {
			return nil, fmt.Errorf("scan overlay assignment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overlay assignment rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteAssignment(nodeID string) error {
	if _, err := s.db.Exec(`DELETE FROM overlay_assignments WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("delete overlay assignment for %q: %w", nodeID, err)
	}
	return nil
}

// Meshes

const meshColumns = `id, name, topology, overlay_subnet, mtu, status, config_json, created_at, updated_at`

func (s *Store) SaveMesh(m smite.Mesh) error {
	config, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("marshal mesh config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO meshes (`+meshColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 name = excluded.name,
		 topology = excluded.topology,
		 overlay_subnet = excluded.overlay_subnet,
		 mtu = excluded.mtu,
		 status = excluded.status,
		 config_json = excluded.config_json,
		 updated_at = excluded.updated_at`,
		m.ID, m.Name, string(m.Topology), m.OverlaySubnet, m.MTU, m.Status,
		string(config), encodeTime(m.CreatedAt), encodeTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save mesh %q: %w", m.ID, err)
	}
	return nil
}

func scanMesh(scan func(...any) error) (smite.Mesh, error) {
	var m smite.Mesh
	var topology, configJSON, created, updated string
	if err := scan(&m.ID, &m.Name, &topology, &m.OverlaySubnet, &m.MTU, &m.Status,
		&configJSON, &created, &updated); err != nil {
		return smite.Mesh{}, err
	}
	m.Topology = smite.MeshTopology(topology)
	if err := json.Unmarshal([]byte(configJSON), &m.Config); err != nil {
		return smite.Mesh{}, fmt.Errorf("unmarshal mesh config %q: %w", m.ID, err)
	}
	m.CreatedAt = decodeTime(created)
	m.UpdatedAt = decodeTime(updated)
	return m, nil
}

func (s *Store) GetMesh(id string) (smite.Mesh, error) {
	row := s.db.QueryRow(`SELECT `+meshColumns+` FROM meshes WHERE id = ?`, id)
	m, err := scanMesh(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return smite.Mesh{}, fmt.Errorf("mesh %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return smite.Mesh{}, fmt.Errorf("query mesh %q: %w", id, err)
	}
	return m, nil
}

func (s *Store) ListMeshes() ([]smite.Mesh, error) {
	rows, err := s.db.Query(`SELECT ` + meshColumns + ` FROM meshes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list meshes: %w", err)
	}
	defer rows.Close()

	out := make([]smite.Mesh, 0)
	for rows.Next() {
		m, err := scanMesh(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan mesh row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mesh rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteMesh(id string) error {
	if _, err := s.db.Exec(`DELETE FROM meshes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete mesh %q: %w", id, err)
	}
	return nil
}

// Core reset schedules

func (s *Store) SaveResetConfig(c smite.CoreResetConfig) error {
	enabled := 0
	if c.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO core_reset_configs (core, enabled, interval_minutes, last_reset, next_reset)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(core) DO UPDATE SET
		 enabled = excluded.enabled,
		 interval_minutes = excluded.interval_minutes,
		 last_reset = excluded.last_reset,
		 next_reset = excluded.next_reset`,
		string(c.Core), enabled, c.IntervalMinutes,
		encodeTimePtr(c.LastReset), encodeTimePtr(c.NextReset),
	)
	if err != nil {
		return fmt.Errorf("save reset config for %q: %w", c.Core, err)
	}
	return nil
}

func scanResetConfig(scan func(...any) error) (smite.CoreResetConfig, error) {
	var c smite.CoreResetConfig
	var core string
	var enabled int
	var last, next sql.NullString
	if err := scan(&core, &enabled, &c.IntervalMinutes, &last, &next); err != nil {
		return smite.CoreResetConfig{}, err
	}
	c.Core = smite.Core(core)
	c.Enabled = enabled != 0
	c.LastReset = decodeTimePtr(last)
	c.NextReset = decodeTimePtr(next)
	return c, nil
}

func (s *Store) GetResetConfig(core smite.Core) (smite.CoreResetConfig, bool, error) {
	row := s.db.QueryRow(
		`SELECT core, enabled, interval_minutes, last_reset, next_reset FROM core_reset_configs WHERE core = ?`,
		string(core),
	)
	c, err := scanResetConfig(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return smite.CoreResetConfig{}, false, nil
	}
	if err != nil {
		return smite.CoreResetConfig{}, false, fmt.Errorf("query reset config for %q: %w", core, err)
	}
	return c, true, nil
}

func (s *Store) ListResetConfigs() ([]smite.CoreResetConfig, error) {
	rows, err := s.db.Query(`SELECT core, enabled, interval_minutes, last_reset, next_reset FROM core_reset_configs ORDER BY core`)
	if err != nil {
		return nil, fmt.Errorf("list reset configs: %w", err)
	}
	defer rows.Close()

	out := make([]smite.CoreResetConfig, 0)
	for rows.Next() {
		c, err := scanResetConfig(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan reset config row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reset config rows: %w", err)
	}
	return out, nil
}
