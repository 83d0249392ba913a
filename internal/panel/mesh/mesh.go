// Package mesh composes WireGuard overlay networks: per-node keypairs
// and overlay IPs, the topology peer matrix, the synthesised FRP carrier
// tunnels, and the rendered wg-quick configs shipped to each node.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/panel/ipam"
	"github.com/zZedix/smite/internal/panel/store"

	"github.com/google/uuid"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// NodeClient is the slice of the node API the composer drives.
type NodeClient interface {
	ApplyTunnel(ctx context.Context, node smite.Node, tunnelID string, core smite.Core, typ string, spec smite.Spec) error
	RemoveTunnel(ctx context.Context, node smite.Node, tunnelID string) error
	ApplyMesh(ctx context.Context, node smite.Node, meshID string, spec smite.Spec) error
	RemoveMesh(ctx context.Context, node smite.Node, meshID string) error
}

// CreateRequest is the validated input for a new mesh.
type CreateRequest struct {
	Name          string
	NodeIDs       []string
	LANSubnets    map[string]string // node id -> advertised subnet
	OverlaySubnet string
	Topology      smite.MeshTopology
	MTU           int
	Transport     smite.MeshTransport
	WireGuardPort int
}

type Composer struct {
	store *store.Store
	ipam  *ipam.Allocator
	nodes NodeClient
	log   *slog.Logger
}

func New(s *store.Store, allocator *ipam.Allocator, nodes NodeClient) *Composer {
	return &Composer{
		store: s,
		ipam:  allocator,
		nodes: nodes,
		log:   slog.With("component", "mesh"),
	}
}

// tunnelPrefix names carrier tunnels so deletion can find them by mesh.
func tunnelPrefix(meshID string) string { return "mesh-" + meshID + "-" }

// Create allocates IPs and keys, builds the topology plan, and persists
// the mesh in pending state. Apply ships it.
func (c *Composer) Create(req CreateRequest) (smite.Mesh, error) {
	if req.Name == "" {
		return smite.Mesh{}, fmt.Errorf("mesh name is required")
	}
	if len(req.NodeIDs) < 2 {
		return smite.Mesh{}, fmt.Errorf("a mesh needs at least 2 nodes, got %d", len(req.NodeIDs))
	}
	switch req.Topology {
	case "":
		req.Topology = smite.TopologyFullMesh
	case smite.TopologyFullMesh, smite.TopologyHubSpoke:
	default:
		return smite.Mesh{}, fmt.Errorf("unknown topology %q", req.Topology)
	}
	switch req.Transport {
	case "":
		req.Transport = smite.TransportUDP
	case smite.TransportTCP, smite.TransportUDP, smite.TransportBoth:
	default:
		return smite.Mesh{}, fmt.Errorf("unknown transport %q", req.Transport)
	}
	if req.MTU == 0 {
		req.MTU = smite.DefaultMeshMTU
	}

	pool, ok, err := c.store.GetOverlayPool()
	if err != nil {
		return smite.Mesh{}, err
	}
	if !ok {
		return smite.Mesh{}, ipam.ErrNoPool
	}
	if req.OverlaySubnet != "" && req.OverlaySubnet != pool.CIDR {
		return smite.Mesh{}, fmt.Errorf("overlay subnet %q does not match the configured pool %q", req.OverlaySubnet, pool.CIDR)
	}

	nodes := make([]smite.Node, 0, len(req.NodeIDs))
	haveIran := false
	for _, id := range req.NodeIDs {
		node, err := c.store.GetNode(id)
		if err != nil {
			return smite.Mesh{}, err
		}
		if node.Role() == smite.RoleIran {
			haveIran = true
		}
		nodes = append(nodes, node)
	}
	if !haveIran {
		return smite.Mesh{}, fmt.Errorf("a mesh needs at least one iran node to relay through")
	}

	meshID := uuid.NewString()
	sharedPort := req.WireGuardPort
	if sharedPort == 0 {
		sharedPort = smite.DerivePort(meshID+"wg-port", smite.SharedWGPortBase, smite.SharedWGPortSpan)
	}

	config := smite.MeshConfig{
		Transport:     req.Transport,
		WireGuardPort: sharedPort,
		Nodes:         make(map[string]smite.MeshNode, len(nodes)),
	}
	for _, node := range nodes {
		assignment, err := c.ipam.Allocate(node.ID, "")
		if err != nil {
			return smite.Mesh{}, fmt.Errorf("allocate overlay ip for %s: %w", node.Name, err)
		}
		key, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			return smite.Mesh{}, fmt.Errorf("generate wireguard key for %s: %w", node.Name, err)
		}
		config.Nodes[node.ID] = smite.MeshNode{
			PrivateKey: key.String(),
			PublicKey:  key.PublicKey().String(),
			OverlayIP:  assignment.OverlayIP,
			LANSubnet:  req.LANSubnets[node.ID],
			MTU:        req.MTU,
		}
	}
	fillPeers(&config, req.NodeIDs, req.Topology)

	now := time.Now().UTC()
	mesh := smite.Mesh{
		ID:            meshID,
		Name:          req.Name,
		Topology:      req.Topology,
		OverlaySubnet: pool.CIDR,
		MTU:           req.MTU,
		Status:        "pending",
		Config:        config,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.store.SaveMesh(mesh); err != nil {
		return smite.Mesh{}, err
	}
	return mesh, nil
}

// fillPeers builds each node's peer list. Full-mesh lists every other
// node; hub-spoke makes the first node the hub and gives spokes only the
// hub.
func fillPeers(config *smite.MeshConfig, nodeIDs []string, topology smite.MeshTopology) {
	peerOf := func(id string) smite.MeshPeer {
		n := config.Nodes[id]
		return smite.MeshPeer{
			NodeID:    id,
			PublicKey: n.PublicKey,
			OverlayIP: n.OverlayIP,
			LANSubnet: n.LANSubnet,
		}
	}

	hub := nodeIDs[0]
	for _, id := range nodeIDs {
		node := config.Nodes[id]
		node.Peers = nil
		switch topology {
		case smite.TopologyHubSpoke:
			if id == hub {
				for _, other := range nodeIDs {
					if other != hub {
						node.Peers = append(node.Peers, peerOf(other))
					}
				}
			} else {
				node.Peers = append(node.Peers, peerOf(hub))
			}
		default: // full mesh
			for _, other := range nodeIDs {
				if other != id {
					node.Peers = append(node.Peers, peerOf(other))
				}
			}
		}
		config.Nodes[id] = node
	}
}

// plannedTunnel is one FRP carrier: a server or a client child on one
// node.
type plannedTunnel struct {
	Name      string
	Node      smite.Node
	Transport string
	Spec      smite.Spec
}

// transportsOf expands the configured transport selection.
func transportsOf(t smite.MeshTransport) []string {
	switch t {
	case smite.TransportBoth:
		return []string{"tcp", "udp"}
	case smite.TransportTCP:
		return []string{"tcp"}
	default:
		return []string{"udp"}
	}
}

// controlPort is the FRP control port of one iran relay for one
// transport.
func controlPort(meshID, iranID, transport string) int {
	return smite.DerivePort(meshID+iranID+transport, smite.FRPControlPortBase, smite.FRPControlPortSpan)
}

// foreignRemotePort is the advertised port of one foreign peer on one
// iran relay for one transport. Unique per (foreign, relay, transport).
func foreignRemotePort(meshID, foreignID, iranID, transport string) int {
	return smite.DerivePort(meshID+foreignID+iranID+transport, smite.ForeignRemotePortBase, smite.ForeignRemotePortSpan)
}

// splitRoles partitions mesh nodes by role, sorted by id for stable
// plans.
func splitRoles(nodes []smite.Node) (iran, foreign []smite.Node) {
	for _, n := range nodes {
		if n.Role() == smite.RoleIran {
			iran = append(iran, n)
		} else {
			foreign = append(foreign, n)
		}
	}
	sort.Slice(iran, func(i, j int) bool { return iran[i].ID < iran[j].ID })
	sort.Slice(foreign, func(i, j int) bool { return foreign[i].ID < foreign[j].ID })
	return iran, foreign
}

// planTunnels lays out every FRP carrier the mesh needs: one server per
// (iran, transport), one client per (foreign, iran, transport) with a
// unique remote port, and one client per (other iran, iran, transport)
// on the shared port.
func planTunnels(mesh smite.Mesh, nodes []smite.Node) []plannedTunnel {
	iranNodes, foreignNodes := splitRoles(nodes)
	shared := mesh.Config.WireGuardPort
	var plan []plannedTunnel

	for _, relay := range iranNodes {
		for _, t := range transportsOf(mesh.Config.Transport) {
			ctrl := controlPort(mesh.ID, relay.ID, t)
			plan = append(plan, plannedTunnel{
				Name:      tunnelPrefix(mesh.ID) + "srv-" + relay.ID + "-" + t,
				Node:      relay,
				Transport: t,
				Spec: smite.Spec{
					"mode":        "server",
					"bind_port":   ctrl,
					"local_port":  shared,
					"remote_port": shared,
				},
			})

			for _, f := range foreignNodes {
				plan = append(plan, plannedTunnel{
					Name:      tunnelPrefix(mesh.ID) + "cli-" + f.ID + "-" + relay.ID + "-" + t,
					Node:      f,
					Transport: t,
					Spec: smite.Spec{
						"mode":        "client",
						"server_addr": relay.IP(),
						"server_port": ctrl,
						"type":        t,
						"local_ip":    "127.0.0.1",
						"local_port":  shared,
						"remote_port": foreignRemotePort(mesh.ID, f.ID, relay.ID, t),
					},
				})
			}

			for _, other := range iranNodes {
				if other.ID == relay.ID {
					continue
				}
				plan = append(plan, plannedTunnel{
					Name:      tunnelPrefix(mesh.ID) + "cli-" + other.ID + "-" + relay.ID + "-" + t,
					Node:      other,
					Transport: t,
					Spec: smite.Spec{
						"mode":        "client",
						"server_addr": relay.IP(),
						"server_port": ctrl,
						"type":        t,
						"local_ip":    "127.0.0.1",
						"local_port":  shared,
						"remote_port": shared,
					},
				})
			}
		}
	}
	return plan
}

// endpointTransport picks the transport peers dial through. With both
// configured, UDP wins: duplicate peer blocks are invalid, so exactly
// one endpoint is rendered.
func endpointTransport(t smite.MeshTransport) string {
	if t == smite.TransportTCP {
		return "tcp"
	}
	return "udp"
}

// peerEndpoint resolves where a node dials one peer: iran peers are
// reached directly on the shared port, foreign peers through the first
// iran relay on their unique advertised port.
func peerEndpoint(mesh smite.Mesh, nodesByID map[string]smite.Node, iranNodes []smite.Node, peerID string) string {
	t := endpointTransport(mesh.Config.Transport)
	peer := nodesByID[peerID]
	if peer.Role() == smite.RoleIran {
		return fmt.Sprintf("%s:%d", peer.IP(), mesh.Config.WireGuardPort)
	}
	relay := iranNodes[0]
	return fmt.Sprintf("%s:%d", relay.IP(), foreignRemotePort(mesh.ID, peerID, relay.ID, t))
}

// renderConf produces one node's wg-quick config.
func renderConf(mesh smite.Mesh, nodesByID map[string]smite.Node, iranNodes []smite.Node, nodeID string) string {
	nc := mesh.Config.Nodes[nodeID]
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", nc.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", nc.OverlayIP)
	fmt.Fprintf(&b, "ListenPort = %d\n", mesh.Config.WireGuardPort)
	fmt.Fprintf(&b, "MTU = %d\n", nc.MTU)

	for _, peer := range nc.Peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", peer.PublicKey)
		allowed := peer.OverlayIP + "/32"
		if peer.LANSubnet != "" {
			allowed += ", " + peer.LANSubnet
		}
		fmt.Fprintf(&b, "AllowedIPs = %s\n", allowed)
		fmt.Fprintf(&b, "Endpoint = %s\n", peerEndpoint(mesh, nodesByID, iranNodes, peer.NodeID))
		b.WriteString("PersistentKeepalive = 25\n")
	}
	return b.String()
}

// Apply dispatches the mesh: every carrier tunnel first, then each
// node's WireGuard config. Per-item failures are collected; the mesh
// lands in active only when everything applied.
func (c *Composer) Apply(ctx context.Context, meshID string) (smite.Mesh, error) {
	mesh, err := c.store.GetMesh(meshID)
	if err != nil {
		return smite.Mesh{}, err
	}

	nodes := make([]smite.Node, 0, len(mesh.Config.Nodes))
	nodesByID := make(map[string]smite.Node, len(mesh.Config.Nodes))
	for id := range mesh.Config.Nodes {
		node, err := c.store.GetNode(id)
		if err != nil {
			return smite.Mesh{}, err
		}
		nodes = append(nodes, node)
		nodesByID[id] = node
	}
	iranNodes, _ := splitRoles(nodes)
	if len(iranNodes) == 0 {
		return smite.Mesh{}, fmt.Errorf("mesh %s has no iran relay node", mesh.Name)
	}

	var failures []string
	for _, pt := range planTunnels(mesh, nodes) {
		row, err := c.ensureTunnelRow(pt, mesh)
		if err != nil {
			return smite.Mesh{}, err
		}
		prev := row.Status
		if aerr := c.nodes.ApplyTunnel(ctx, pt.Node, row.ID, smite.CoreFRP, pt.Transport, pt.Spec); aerr != nil {
			c.log.Warn("apply mesh carrier tunnel", "tunnel", pt.Name, "node", pt.Node.Name, "err", aerr)
			failures = append(failures, fmt.Sprintf("%s: %v", pt.Name, aerr))
			row.Status = smite.TunnelError
			row.ErrorMessage = aerr.Error()
		} else {
			row.Status = smite.TunnelActive
			row.ErrorMessage = ""
		}
		if row.Status != prev {
			row.Revision++
		}
		row.UpdatedAt = time.Now().UTC()
		if err := c.store.SaveTunnel(row); err != nil {
			return smite.Mesh{}, err
		}
	}

	for _, node := range nodes {
		nc := mesh.Config.Nodes[node.ID]
		routes := make([]string, 0, len(nc.Peers))
		for _, peer := range nc.Peers {
			if peer.LANSubnet != "" {
				routes = append(routes, peer.LANSubnet)
			}
		}
		spec := smite.Spec{
			"conf":       renderConf(mesh, nodesByID, iranNodes, node.ID),
			"overlay_ip": nc.OverlayIP,
		}
		if len(routes) > 0 {
			spec["routes"] = routes
		}
		if err := c.nodes.ApplyMesh(ctx, node, mesh.ID, spec); err != nil {
			c.log.Warn("apply mesh config", "mesh", mesh.Name, "node", node.Name, "err", err)
			failures = append(failures, fmt.Sprintf("%s: %v", node.Name, err))
		}
	}

	if len(failures) > 0 {
		mesh.Status = "error: " + strings.Join(failures, "; ")
	} else {
		mesh.Status = "active"
	}
	mesh.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMesh(mesh); err != nil {
		return smite.Mesh{}, err
	}
	if len(failures) > 0 {
		return mesh, fmt.Errorf("mesh apply incomplete: %s", strings.Join(failures, "; "))
	}
	return mesh, nil
}

// ensureTunnelRow reuses the persisted row for a planned carrier when it
// exists, keeping tunnel ids (and so derived state) stable across
// re-applies.
func (c *Composer) ensureTunnelRow(pt plannedTunnel, mesh smite.Mesh) (smite.Tunnel, error) {
	tunnels, err := c.store.ListTunnels()
	if err != nil {
		return smite.Tunnel{}, err
	}
	for _, t := range tunnels {
		if t.Name == pt.Name {
			t.Spec = pt.Spec.Clone()
			return t, nil
		}
	}
	now := time.Now().UTC()
	return smite.Tunnel{
		ID:        uuid.NewString(),
		Name:      pt.Name,
		Core:      smite.CoreFRP,
		Type:      pt.Transport,
		NodeID:    pt.Node.ID,
		Spec:      pt.Spec.Clone(),
		Status:    smite.TunnelPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Delete tears down every carrier tunnel of the mesh, removes the mesh
// interface on each node, and drops the rows.
func (c *Composer) Delete(ctx context.Context, meshID string) error {
	mesh, err := c.store.GetMesh(meshID)
	if err != nil {
		return err
	}

	tunnels, err := c.store.ListTunnels()
	if err != nil {
		return err
	}
	prefix := tunnelPrefix(meshID)
	for _, t := range tunnels {
		if !strings.HasPrefix(t.Name, prefix) {
			continue
		}
		if node, nerr := c.store.GetNode(t.NodeID); nerr == nil {
			if rerr := c.nodes.RemoveTunnel(ctx, node, t.ID); rerr != nil {
				c.log.Warn("remove mesh carrier tunnel", "tunnel", t.Name, "err", rerr)
			}
		}
		if err := c.store.DeleteTunnel(t.ID); err != nil {
			return err
		}
	}

	for id := range mesh.Config.Nodes {
		node, nerr := c.store.GetNode(id)
		if nerr != nil {
			continue
		}
		if rerr := c.nodes.RemoveMesh(ctx, node, meshID); rerr != nil {
			c.log.Warn("remove mesh interface", "mesh", mesh.Name, "node", node.Name, "err", rerr)
		}
	}
	return c.store.DeleteMesh(meshID)
}

// RotateKeys regenerates every node's keypair and marks the mesh for
// re-apply. Nodes pick the new keys up on the next Apply.
func (c *Composer) RotateKeys(meshID string) (smite.Mesh, error) {
	mesh, err := c.store.GetMesh(meshID)
	if err != nil {
		return smite.Mesh{}, err
	}

	pubs := make(map[string]string, len(mesh.Config.Nodes))
	for id, nc := range mesh.Config.Nodes {
		key, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			return smite.Mesh{}, fmt.Errorf("generate wireguard key: %w", err)
		}
		nc.PrivateKey = key.String()
		nc.PublicKey = key.PublicKey().String()
		mesh.Config.Nodes[id] = nc
		pubs[id] = nc.PublicKey
	}
	for id, nc := range mesh.Config.Nodes {
		for i := range nc.Peers {
			nc.Peers[i].PublicKey = pubs[nc.Peers[i].NodeID]
		}
		mesh.Config.Nodes[id] = nc
	}

	mesh.Status = "pending"
	mesh.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveMesh(mesh); err != nil {
		return smite.Mesh{}, err
	}
	return mesh, nil
}
