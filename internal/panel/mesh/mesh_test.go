package mesh

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/panel/ipam"
	"github.com/zZedix/smite/internal/panel/store"
)

type meshApply struct {
	NodeID string
	Spec   smite.Spec
}

type fakeNodes struct {
	tunnelApplies []string // node ids
	meshApplies   []meshApply
	tunnelRemoves []string
	meshRemoves   []string
}

func (f *fakeNodes) ApplyTunnel(_ context.Context, node smite.Node, _ string, _ smite.Core, _ string, _ smite.Spec) error {
	f.tunnelApplies = append(f.tunnelApplies, node.ID)
	return nil
}

func (f *fakeNodes) RemoveTunnel(_ context.Context, node smite.Node, _ string) error {
	f.tunnelRemoves = append(f.tunnelRemoves, node.ID)
	return nil
}

func (f *fakeNodes) ApplyMesh(_ context.Context, node smite.Node, _ string, spec smite.Spec) error {
	f.meshApplies = append(f.meshApplies, meshApply{NodeID: node.ID, Spec: spec})
	return nil
}

func (f *fakeNodes) RemoveMesh(_ context.Context, node smite.Node, _ string) error {
	f.meshRemoves = append(f.meshRemoves, node.ID)
	return nil
}

func testComposer(t *testing.T) (*Composer, *store.Store, *fakeNodes) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.SetOverlayPool(smite.OverlayPool{CIDR: "10.250.0.0/24"}); err != nil {
		t.Fatal(err)
	}
	nodes := &fakeNodes{}
	return New(s, ipam.New(s), nodes), s, nodes
}

func saveNode(t *testing.T, s *store.Store, id string, role smite.NodeRole, ip string) {
	t.Helper()
	now := time.Now().UTC()
	if err := s.SaveNode(smite.Node{
		ID: id, Name: id, Status: smite.NodeActive,
		Metadata: map[string]string{
			smite.MetaRole:      string(role),
			smite.MetaIPAddress: ip,
		},
		RegisteredAt: now, LastSeen: now,
	}); err != nil {
		t.Fatal(err)
	}
}

func threeNodeMesh(t *testing.T, c *Composer, s *store.Store, transport smite.MeshTransport) smite.Mesh {
	t.Helper()
	saveNode(t, s, "i1", smite.RoleIran, "203.0.113.1")
	saveNode(t, s, "f1", smite.RoleForeign, "198.51.100.1")
	saveNode(t, s, "f2", smite.RoleForeign, "198.51.100.2")

	mesh, err := c.Create(CreateRequest{
		Name:      "overlay",
		NodeIDs:   []string{"i1", "f1", "f2"},
		Topology:  smite.TopologyFullMesh,
		Transport: transport,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return mesh
}

func TestCreateAllocatesAndKeys(t *testing.T) {
	c, s, _ := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportBoth)

	if len(mesh.Config.Nodes) != 3 {
		t.Fatalf("node configs = %d", len(mesh.Config.Nodes))
	}
	seenIPs := map[string]bool{}
	seenKeys := map[string]bool{}
	for id, nc := range mesh.Config.Nodes {
		if nc.PrivateKey == "" || nc.PublicKey == "" {
			t.Errorf("node %s missing keypair", id)
		}
		if seenIPs[nc.OverlayIP] {
			t.Errorf("overlay ip %s issued twice", nc.OverlayIP)
		}
		seenIPs[nc.OverlayIP] = true
		if seenKeys[nc.PublicKey] {
			t.Errorf("public key reused")
		}
		seenKeys[nc.PublicKey] = true
		if !strings.HasPrefix(nc.OverlayIP, "10.250.0.") {
			t.Errorf("overlay ip %s outside pool", nc.OverlayIP)
		}
		// Full mesh: every node peers with the other two.
		if len(nc.Peers) != 2 {
			t.Errorf("node %s peers = %d, want 2", id, len(nc.Peers))
		}
	}
	if mesh.Config.WireGuardPort < smite.SharedWGPortBase ||
		mesh.Config.WireGuardPort >= smite.SharedWGPortBase+smite.SharedWGPortSpan {
		t.Errorf("shared port %d outside range", mesh.Config.WireGuardPort)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	c, s, _ := testComposer(t)
	saveNode(t, s, "f1", smite.RoleForeign, "198.51.100.1")
	saveNode(t, s, "f2", smite.RoleForeign, "198.51.100.2")

	if _, err := c.Create(CreateRequest{Name: "m", NodeIDs: []string{"f1"}}); err == nil {
		t.Error("single-node mesh accepted")
	}
	if _, err := c.Create(CreateRequest{Name: "m", NodeIDs: []string{"f1", "f2"}}); err == nil {
		t.Error("mesh without iran relay accepted")
	}
	if _, err := c.Create(CreateRequest{
		Name: "m", NodeIDs: []string{"f1", "f2"}, OverlaySubnet: "10.9.0.0/24",
	}); err == nil {
		t.Error("mismatched overlay subnet accepted")
	}
}

func TestPlanTunnelCounts(t *testing.T) {
	c, s, _ := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportBoth)

	nodes := []smite.Node{}
	for id := range mesh.Config.Nodes {
		n, err := s.GetNode(id)
		if err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, n)
	}
	plan := planTunnels(mesh, nodes)

	servers, clients := 0, 0
	for _, pt := range plan {
		if pt.Spec.GetString("mode") == "server" {
			servers++
		} else {
			clients++
		}
	}
	// 1 iran x 2 transports servers; 2 foreign x 1 iran x 2 transports
	// clients.
	if servers != 2 {
		t.Errorf("servers = %d, want 2", servers)
	}
	if clients != 4 {
		t.Errorf("clients = %d, want 4", clients)
	}
}

func TestPlanForeignRemotePortsUnique(t *testing.T) {
	c, s, _ := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportBoth)

	nodes := []smite.Node{}
	for id := range mesh.Config.Nodes {
		n, _ := s.GetNode(id)
		nodes = append(nodes, n)
	}

	seen := map[string]map[int]string{} // relay+transport -> port -> foreign
	for _, pt := range planTunnels(mesh, nodes) {
		if pt.Spec.GetString("mode") != "client" {
			continue
		}
		port := pt.Spec.GetInt("remote_port")
		if port == mesh.Config.WireGuardPort {
			continue // iran<->iran shares the wg port on purpose
		}
		if port < smite.ForeignRemotePortBase || port >= smite.ForeignRemotePortBase+smite.ForeignRemotePortSpan {
			t.Errorf("foreign remote port %d outside range", port)
		}
		key := pt.Spec.GetString("server_addr") + "/" + pt.Transport
		if seen[key] == nil {
			seen[key] = map[int]string{}
		}
		if other, dup := seen[key][port]; dup {
			t.Errorf("port %d on relay %s used by both %s and %s", port, key, other, pt.Node.ID)
		}
		seen[key][port] = pt.Node.ID
	}
}

func TestRenderConfPrefersUDP(t *testing.T) {
	c, s, _ := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportBoth)

	nodesByID := map[string]smite.Node{}
	var nodes []smite.Node
	for id := range mesh.Config.Nodes {
		n, _ := s.GetNode(id)
		nodesByID[id] = n
		nodes = append(nodes, n)
	}
	iranNodes, _ := splitRoles(nodes)

	conf := renderConf(mesh, nodesByID, iranNodes, "f1")
	if got := strings.Count(conf, "[Peer]"); got != 2 {
		t.Errorf("peer blocks = %d, want 2", got)
	}
	if !strings.Contains(conf, "PersistentKeepalive = 25") {
		t.Error("missing keepalive")
	}
	if !strings.Contains(conf, "MTU = 1280") {
		t.Error("missing default MTU")
	}

	// f1's peer f2 is reached through the iran relay on f2's
	// UDP-transport unique port.
	wantPort := foreignRemotePort(mesh.ID, "f2", "i1", "udp")
	wantEndpoint := "203.0.113.1:" + strconv.Itoa(wantPort)
	if !strings.Contains(conf, "Endpoint = "+wantEndpoint) {
		t.Errorf("conf lacks udp endpoint %s:\n%s", wantEndpoint, conf)
	}
	// The TCP-derived port must not appear.
	tcpPort := foreignRemotePort(mesh.ID, "f2", "i1", "tcp")
	if tcpPort != wantPort && strings.Contains(conf, strconv.Itoa(tcpPort)) {
		t.Errorf("conf leaked tcp endpoint port %d:\n%s", tcpPort, conf)
	}
}

func TestRenderConfIranPeerUsesSharedPort(t *testing.T) {
	c, s, _ := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportUDP)

	nodesByID := map[string]smite.Node{}
	var nodes []smite.Node
	for id := range mesh.Config.Nodes {
		n, _ := s.GetNode(id)
		nodesByID[id] = n
		nodes = append(nodes, n)
	}
	iranNodes, _ := splitRoles(nodes)

	conf := renderConf(mesh, nodesByID, iranNodes, "f1")
	want := "Endpoint = 203.0.113.1:" + strconv.Itoa(mesh.Config.WireGuardPort)
	if !strings.Contains(conf, want) {
		t.Errorf("conf lacks iran endpoint %q:\n%s", want, conf)
	}
}

func TestHubSpokePeers(t *testing.T) {
	c, s, _ := testComposer(t)
	saveNode(t, s, "i1", smite.RoleIran, "203.0.113.1")
	saveNode(t, s, "f1", smite.RoleForeign, "198.51.100.1")
	saveNode(t, s, "f2", smite.RoleForeign, "198.51.100.2")

	mesh, err := c.Create(CreateRequest{
		Name:     "spokes",
		NodeIDs:  []string{"i1", "f1", "f2"},
		Topology: smite.TopologyHubSpoke,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(mesh.Config.Nodes["i1"].Peers); got != 2 {
		t.Errorf("hub peers = %d, want 2", got)
	}
	for _, spoke := range []string{"f1", "f2"} {
		peers := mesh.Config.Nodes[spoke].Peers
		if len(peers) != 1 || peers[0].NodeID != "i1" {
			t.Errorf("spoke %s peers = %+v, want hub only", spoke, peers)
		}
	}
}

func TestApplyDispatchesTunnelsAndConfigs(t *testing.T) {
	c, s, nodes := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportUDP)

	applied, err := c.Apply(context.Background(), mesh.ID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied.Status != "active" {
		t.Errorf("status = %q", applied.Status)
	}
	// 1 server + 2 foreign clients.
	if len(nodes.tunnelApplies) != 3 {
		t.Errorf("tunnel applies = %d, want 3", len(nodes.tunnelApplies))
	}
	if len(nodes.meshApplies) != 3 {
		t.Errorf("mesh applies = %d, want 3", len(nodes.meshApplies))
	}
	for _, ma := range nodes.meshApplies {
		if ma.Spec.GetString("conf") == "" {
			t.Errorf("node %s got empty conf", ma.NodeID)
		}
		if ma.Spec.GetString("overlay_ip") == "" {
			t.Errorf("node %s got no overlay ip", ma.NodeID)
		}
	}

	// A second apply reuses the same carrier rows.
	tunnels, err := s.ListTunnels()
	if err != nil {
		t.Fatal(err)
	}
	before := len(tunnels)
	if _, err := c.Apply(context.Background(), mesh.ID); err != nil {
		t.Fatal(err)
	}
	tunnels, _ = s.ListTunnels()
	if len(tunnels) != before {
		t.Errorf("re-apply grew tunnel rows: %d -> %d", before, len(tunnels))
	}
}

func TestApplyBumpsCarrierRevisionOnTransition(t *testing.T) {
	c, s, _ := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportUDP)

	// First apply moves every carrier row pending -> active.
	if _, err := c.Apply(context.Background(), mesh.ID); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	tunnels, err := s.ListTunnels()
	if err != nil {
		t.Fatal(err)
	}
	if len(tunnels) == 0 {
		t.Fatal("no carrier rows created")
	}
	for _, tun := range tunnels {
		if tun.Revision != 1 {
			t.Errorf("carrier %s revision = %d, want 1", tun.Name, tun.Revision)
		}
	}

	// Re-applying an already active mesh is not a transition.
	if _, err := c.Apply(context.Background(), mesh.ID); err != nil {
		t.Fatal(err)
	}
	tunnels, _ = s.ListTunnels()
	for _, tun := range tunnels {
		if tun.Revision != 1 {
			t.Errorf("carrier %s revision after re-apply = %d, want 1", tun.Name, tun.Revision)
		}
	}
}

func TestDeleteTearsDownByPrefix(t *testing.T) {
	c, s, nodes := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportUDP)

	if _, err := c.Apply(context.Background(), mesh.ID); err != nil {
		t.Fatal(err)
	}
	// An unrelated tunnel must survive.
	now := time.Now().UTC()
	if err := s.SaveTunnel(smite.Tunnel{
		ID: "keep", Name: "unrelated", Core: smite.CoreGost, NodeID: "i1",
		Spec: smite.Spec{}, Status: smite.TunnelActive, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}

	if err := c.Delete(context.Background(), mesh.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	tunnels, _ := s.ListTunnels()
	if len(tunnels) != 1 || tunnels[0].ID != "keep" {
		t.Errorf("tunnels after delete = %+v", tunnels)
	}
	if len(nodes.meshRemoves) != 3 {
		t.Errorf("mesh removes = %d, want 3", len(nodes.meshRemoves))
	}
	if _, err := s.GetMesh(mesh.ID); err == nil {
		t.Error("mesh row survived delete")
	}
}

func TestRotateKeysChangesEveryKey(t *testing.T) {
	c, s, _ := testComposer(t)
	mesh := threeNodeMesh(t, c, s, smite.TransportUDP)

	old := map[string]string{}
	for id, nc := range mesh.Config.Nodes {
		old[id] = nc.PublicKey
	}

	rotated, err := c.RotateKeys(mesh.ID)
	if err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if rotated.Status != "pending" {
		t.Errorf("status = %q, want pending", rotated.Status)
	}
	for id, nc := range rotated.Config.Nodes {
		if nc.PublicKey == old[id] {
			t.Errorf("node %s key unchanged", id)
		}
		for _, peer := range nc.Peers {
			if peer.PublicKey != rotated.Config.Nodes[peer.NodeID].PublicKey {
				t.Errorf("peer entry for %s carries a stale key", peer.NodeID)
			}
		}
	}
}
