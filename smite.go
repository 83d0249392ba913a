// Package smite holds the shared domain model for the smite control plane:
// nodes, tunnels, meshes, and the enums that tie the Panel and the Node
// Agent together.
package smite

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Core identifies a forwarding implementation.
type Core string

const (
	CoreRathole   Core = "rathole"
	CoreBackhaul  Core = "backhaul"
	CoreChisel    Core = "chisel"
	CoreFRP       Core = "frp"
	CoreGost      Core = "gost"
	CoreWireGuard Core = "wireguard"
)

// Cores lists every supported core in a stable order.
var Cores = []Core{CoreRathole, CoreBackhaul, CoreChisel, CoreFRP, CoreGost, CoreWireGuard}

// Valid reports whether c names a known core.
func (c Core) Valid() bool {
	switch c {
	case CoreRathole, CoreBackhaul, CoreChisel, CoreFRP, CoreGost, CoreWireGuard:
		return true
	}
	return false
}

// NodeRole is a node's position relative to the network boundary.
type NodeRole string

const (
	RoleIran    NodeRole = "iran"
	RoleForeign NodeRole = "foreign"
)

// NodeStatus is the registration lifecycle state of a node.
type NodeStatus string

const (
	NodePending  NodeStatus = "pending"
	NodeActive   NodeStatus = "active"
	NodeInactive NodeStatus = "inactive"
)

// Node is a registered agent machine.
type Node struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Fingerprint  string            `json:"fingerprint"`
	Status       NodeStatus        `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeen     time.Time         `json:"last_seen"`
}

// Well-known node metadata keys.
const (
	MetaRole         = "role"
	MetaIPAddress    = "ip_address"
	MetaAPIPort      = "api_port"
	MetaAPIAddress   = "api_address"
	MetaOverlayIP    = "overlay_ip"
	MetaPanelAddress = "panel_address"
)

// DefaultAgentPort is the agent API listen port when none is
// configured, shared by the agent binary and the panel's probing.
const DefaultAgentPort = 8080

// Role returns the node's role from metadata.
func (n Node) Role() NodeRole { return NodeRole(n.Metadata[MetaRole]) }

// IP returns the node's reachable address from metadata.
func (n Node) IP() string { return n.Metadata[MetaIPAddress] }

// APIAddress returns the base URL of the node's agent API. When the
// api_address override is absent it is built from ip_address and api_port.
func (n Node) APIAddress() string {
	if addr := n.Metadata[MetaAPIAddress]; addr != "" {
		return addr
	}
	port := n.Metadata[MetaAPIPort]
	if port == "" {
		port = strconv.Itoa(DefaultAgentPort)
	}
	return "http://" + net.JoinHostPort(n.IP(), port)
}

// TunnelStatus is the dispatch state of a tunnel.
type TunnelStatus string

const (
	TunnelPending TunnelStatus = "pending"
	TunnelActive  TunnelStatus = "active"
	TunnelError   TunnelStatus = "error"
)

// Spec is an opaque per-core configuration mapping. Only the orchestrator
// mutates it; adapters read it.
type Spec map[string]any

// Tunnel is a managed point-to-point forwarding path.
type Tunnel struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Core          Core         `json:"core"`
	Type          string       `json:"type"`
	NodeID        string       `json:"node_id"`
	ForeignNodeID string       `json:"foreign_node_id,omitempty"`
	Spec          Spec         `json:"spec"`
	Status        TunnelStatus `json:"status"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	Revision      int64        `json:"revision"`
	UsedMB        float64      `json:"used_mb"`
	QuotaMB       float64      `json:"quota_mb"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// MeshTopology selects how peers are wired together.
type MeshTopology string

const (
	TopologyFullMesh MeshTopology = "full-mesh"
	TopologyHubSpoke MeshTopology = "hub-spoke"
)

// MeshTransport selects the transport(s) used for the synthesised
// point-to-point tunnels that carry WireGuard traffic.
type MeshTransport string

const (
	TransportTCP  MeshTransport = "tcp"
	TransportUDP  MeshTransport = "udp"
	TransportBoth MeshTransport = "both"
)

// MeshPeer is one peer entry in a node's mesh plan.
type MeshPeer struct {
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key"`
	OverlayIP string `json:"overlay_ip"`
	LANSubnet string `json:"lan_subnet,omitempty"`
}

// MeshNode is the per-node slice of a mesh plan. The private key is
// generated by the Panel and shipped to the owning node exactly once.
type MeshNode struct {
	PrivateKey string     `json:"private_key"`
	PublicKey  string     `json:"public_key"`
	OverlayIP  string     `json:"overlay_ip"`
	LANSubnet  string     `json:"lan_subnet,omitempty"`
	MTU        int        `json:"mtu"`
	Peers      []MeshPeer `json:"peers"`
}

// MeshConfig is the structured plan stored with a mesh.
type MeshConfig struct {
	Transport     MeshTransport       `json:"transport"`
	WireGuardPort int                 `json:"wireguard_port,omitempty"`
	Nodes         map[string]MeshNode `json:"nodes"`
}

// Mesh is a WireGuard overlay network composed from per-pair tunnels.
type Mesh struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Topology      MeshTopology `json:"topology"`
	OverlaySubnet string       `json:"overlay_subnet"`
	MTU           int          `json:"mtu"`
	Status        string       `json:"status"`
	Config        MeshConfig   `json:"mesh_config"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// DefaultMeshMTU keeps WireGuard packets under the double-encapsulation
// overhead of tunnelled transports.
const DefaultMeshMTU = 1280

// OverlayPool is the single CIDR pool overlay IPs are drawn from.
type OverlayPool struct {
	CIDR        string `json:"cidr"`
	Description string `json:"description,omitempty"`
}

// OverlayAssignment binds one node to one overlay IP.
type OverlayAssignment struct {
	NodeID        string `json:"node_id"`
	OverlayIP     string `json:"overlay_ip"`
	InterfaceName string `json:"interface_name,omitempty"`
}

// CoreResetConfig drives the auto-reset scheduler for one core.
type CoreResetConfig struct {
	Core            Core       `json:"core"`
	Enabled         bool       `json:"enabled"`
	IntervalMinutes int        `json:"interval_minutes"`
	LastReset       *time.Time `json:"last_reset,omitempty"`
	NextReset       *time.Time `json:"next_reset,omitempty"`
}

// GetString reads a string field from a spec, tolerating numeric values.
func (s Spec) GetString(key string) string {
	switch v := s[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// GetInt reads an integer field from a spec. JSON decoding produces
// float64, so both forms are accepted; unparsable values yield 0.
func (s Spec) GetInt(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// GetBool reads a boolean field from a spec.
func (s Spec) GetBool(key string) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// Has reports whether the spec carries a non-nil value for key.
func (s Spec) Has(key string) bool {
	v, ok := s[key]
	return ok && v != nil
}

// Clone returns a shallow copy so callers can extend a spec without
// mutating the persisted one.
func (s Spec) Clone() Spec {
	out := make(Spec, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
