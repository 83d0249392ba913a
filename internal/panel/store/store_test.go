package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zZedix/smite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "panel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNodeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	n := smite.Node{
		ID:          "n1",
		Name:        "iran-1",
		Fingerprint: "abcd1234abcd1234",
		Status:      smite.NodeActive,
		Metadata: map[string]string{
			smite.MetaRole:      string(smite.RoleIran),
			smite.MetaIPAddress: "203.0.113.1",
			smite.MetaAPIPort:   "8282",
		},
		RegisteredAt: now,
		LastSeen:     now,
	}
	if err := s.SaveNode(n); err != nil {
		t.Fatalf("SaveNode: %v", err)
	}

	got, err := s.GetNode("n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Name != "iran-1" || got.Role() != smite.RoleIran || got.IP() != "203.0.113.1" {
		t.Errorf("GetNode = %+v", got)
	}
	if !got.RegisteredAt.Equal(now) {
		t.Errorf("RegisteredAt = %v, want %v", got.RegisteredAt, now)
	}

	byName, err := s.GetNodeByName("iran-1")
	if err != nil {
		t.Fatalf("GetNodeByName: %v", err)
	}
	if byName.ID != "n1" {
		t.Errorf("GetNodeByName id = %q", byName.ID)
	}
}

func TestNodeUpsertKeepsRegisteredAt(t *testing.T) {
	s := openTestStore(t)
	registered := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	n := smite.Node{ID: "n1", Name: "x", Status: smite.NodePending, RegisteredAt: registered, LastSeen: registered}
	if err := s.SaveNode(n); err != nil {
		t.Fatal(err)
	}

	n.LastSeen = time.Now().UTC().Truncate(time.Second)
	n.Status = smite.NodeActive
	n.RegisteredAt = n.LastSeen // must be ignored on conflict
	if err := s.SaveNode(n); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetNode("n1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.RegisteredAt.Equal(registered) {
		t.Errorf("RegisteredAt changed on upsert: %v", got.RegisteredAt)
	}
	if got.Status != smite.NodeActive {
		t.Errorf("Status = %q, want active", got.Status)
	}
}

func TestGetNodeNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetNode("ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTunnelRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(24 * time.Hour)

	tun := smite.Tunnel{
		ID:            "t1",
		Name:          "edge",
		Core:          smite.CoreRathole,
		Type:          "tcp",
		NodeID:        "n1",
		ForeignNodeID: "n2",
		Spec:          smite.Spec{"token": "secret", "proxy_port": 8443},
		Status:        smite.TunnelActive,
		Revision:      3,
		QuotaMB:       1024,
		ExpiresAt:     &expires,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.SaveTunnel(tun); err != nil {
		t.Fatalf("SaveTunnel: %v", err)
	}

	got, err := s.GetTunnel("t1")
	if err != nil {
		t.Fatalf("GetTunnel: %v", err)
	}
	if got.Core != smite.CoreRathole || got.Revision != 3 {
		t.Errorf("GetTunnel = %+v", got)
	}
	if got.Spec.GetString("token") != "secret" || got.Spec.GetInt("proxy_port") != 8443 {
		t.Errorf("spec = %v", got.Spec)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}
}

func TestTunnelFilters(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	save := func(id string, core smite.Core, status smite.TunnelStatus) {
		t.Helper()
		if err := s.SaveTunnel(smite.Tunnel{
			ID: id, Name: id, Core: core, NodeID: "n1",
			Spec: smite.Spec{}, Status: status, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Millisecond)
	}
	save("a", smite.CoreFRP, smite.TunnelActive)
	save("b", smite.CoreGost, smite.TunnelActive)
	save("c", smite.CoreFRP, smite.TunnelError)

	frp, err := s.ListTunnelsByCore(smite.CoreFRP)
	if err != nil {
		t.Fatal(err)
	}
	if len(frp) != 2 || frp[0].ID != "a" || frp[1].ID != "c" {
		t.Errorf("ListTunnelsByCore = %v", frp)
	}

	active, err := s.ListTunnelsByStatus(smite.TunnelActive)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 2 {
		t.Errorf("ListTunnelsByStatus = %v", active)
	}
}

func TestOverlayPoolAndAssignments(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.GetOverlayPool()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("pool reported before configuration")
	}

	if err := s.SetOverlayPool(smite.OverlayPool{CIDR: "10.200.0.0/24"}); err != nil {
		t.Fatal(err)
	}
	pool, ok, err := s.GetOverlayPool()
	if err != nil || !ok {
		t.Fatalf("GetOverlayPool: ok=%v err=%v", ok, err)
	}
	if pool.CIDR != "10.200.0.0/24" {
		t.Errorf("CIDR = %q", pool.CIDR)
	}

	// Replacing the pool keeps a single row.
	if err := s.SetOverlayPool(smite.OverlayPool{CIDR: "10.201.0.0/24"}); err != nil {
		t.Fatal(err)
	}
	pool, _, _ = s.GetOverlayPool()
	if pool.CIDR != "10.201.0.0/24" {
		t.Errorf("CIDR after replace = %q", pool.CIDR)
	}

	if err := s.SaveAssignment(smite.OverlayAssignment{NodeID: "n1", OverlayIP: "10.201.0.1"}); err != nil {
		t.Fatal(err)
	}
	// A second node must not be able to claim the same IP.
	if err := s.SaveAssignment(smite.OverlayAssignment{NodeID: "n2", OverlayIP: "10.201.0.1"}); err == nil {
		t.Error("duplicate overlay_ip accepted")
	}

	a, ok, err := s.GetAssignment("n1")
	if err != nil || !ok {
		t.Fatalf("GetAssignment: ok=%v err=%v", ok, err)
	}
	if a.OverlayIP != "10.201.0.1" {
		t.Errorf("OverlayIP = %q", a.OverlayIP)
	}

	if err := s.DeleteAssignment("n1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetAssignment("n1"); ok {
		t.Error("assignment survived delete")
	}
}

func TestDeleteNodeCascadesToAssignment(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	if err := s.SaveNode(smite.Node{
		ID: "n1", Name: "foreign-1", Status: smite.NodeActive,
		Metadata:     map[string]string{smite.MetaRole: string(smite.RoleForeign)},
		RegisteredAt: now, LastSeen: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAssignment(smite.OverlayAssignment{NodeID: "n1", OverlayIP: "10.200.0.5"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteNode("n1"); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if _, err := s.GetNode("n1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("node survived delete: %v", err)
	}
	// The overlay IP is back in the pool.
	if _, ok, _ := s.GetAssignment("n1"); ok {
		t.Error("assignment survived node delete")
	}
	if err := s.SaveAssignment(smite.OverlayAssignment{NodeID: "n2", OverlayIP: "10.200.0.5"}); err != nil {
		t.Errorf("freed overlay ip not reusable: %v", err)
	}
}

func TestMeshRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	m := smite.Mesh{
		ID:            "m1",
		Name:          "overlay",
		Topology:      smite.TopologyFullMesh,
		OverlaySubnet: "10.200.0.0/24",
		MTU:           smite.DefaultMeshMTU,
		Status:        "active",
		Config: smite.MeshConfig{
			Transport: smite.TransportUDP,
			Nodes: map[string]smite.MeshNode{
				"n1": {PublicKey: "pub1", OverlayIP: "10.200.0.1", MTU: smite.DefaultMeshMTU},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveMesh(m); err != nil {
		t.Fatalf("SaveMesh: %v", err)
	}

	got, err := s.GetMesh("m1")
	if err != nil {
		t.Fatalf("GetMesh: %v", err)
	}
	if got.Config.Transport != smite.TransportUDP {
		t.Errorf("Transport = %q", got.Config.Transport)
	}
	if got.Config.Nodes["n1"].OverlayIP != "10.200.0.1" {
		t.Errorf("node config = %+v", got.Config.Nodes["n1"])
	}
}

func TestResetConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(30 * time.Minute)

	c := smite.CoreResetConfig{
		Core:            smite.CoreBackhaul,
		Enabled:         true,
		IntervalMinutes: 30,
		LastReset:       &now,
		NextReset:       &next,
	}
	if err := s.SaveResetConfig(c); err != nil {
		t.Fatalf("SaveResetConfig: %v", err)
	}

	got, ok, err := s.GetResetConfig(smite.CoreBackhaul)
	if err != nil || !ok {
		t.Fatalf("GetResetConfig: ok=%v err=%v", ok, err)
	}
	if !got.Enabled || got.IntervalMinutes != 30 {
		t.Errorf("GetResetConfig = %+v", got)
	}
	if got.NextReset == nil || !got.NextReset.Equal(next) {
		t.Errorf("NextReset = %v, want %v", got.NextReset, next)
	}

	if _, ok, _ := s.GetResetConfig(smite.CoreGost); ok {
		t.Error("unconfigured core reported a reset config")
	}
}
