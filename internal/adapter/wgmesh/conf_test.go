package wgmesh

import (
	"fmt"
	"strings"
	"testing"
)

const sampleConf = `[Interface]
PrivateKey = aBcD
Address = 10.250.0.1/32
MTU = 1280

[Peer]
PublicKey = peer1key
AllowedIPs = 10.250.0.2/32, 192.168.50.0/24
Endpoint = 203.0.113.7:17345
PersistentKeepalive = 25

[Peer]
PublicKey = peer2key
AllowedIPs = 10.250.0.3/32
Endpoint = 203.0.113.8:18321
PersistentKeepalive = 25
`

func TestParseConf(t *testing.T) {
	peers := parseConf(sampleConf)
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].PublicKey != "peer1key" || peers[0].Endpoint != "203.0.113.7:17345" {
		t.Errorf("peer0 = %+v", peers[0])
	}
	if len(peers[0].AllowedIPs) != 2 || peers[0].AllowedIPs[1] != "192.168.50.0/24" {
		t.Errorf("peer0 allowed ips = %v", peers[0].AllowedIPs)
	}
	if peers[1].PublicKey != "peer2key" {
		t.Errorf("peer1 = %+v", peers[1])
	}
}

func TestAllowedIPs(t *testing.T) {
	got := allowedIPs(sampleConf)
	want := []string{"10.250.0.2/32", "192.168.50.0/24", "10.250.0.3/32"}
	if len(got) != len(want) {
		t.Fatalf("allowedIPs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("allowedIPs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRewriteEndpoints(t *testing.T) {
	rewritten, routes := rewriteEndpoints("mesh-1", sampleConf)

	if len(routes) != 2 {
		t.Fatalf("expected 2 obfuscator routes, got %d", len(routes))
	}
	if strings.Contains(rewritten, "203.0.113.7:17345") || strings.Contains(rewritten, "203.0.113.8:18321") {
		t.Error("real endpoints leaked into rewritten config")
	}
	for _, r := range routes {
		if r.ListenPort < 19000 || r.ListenPort >= 24000 {
			t.Errorf("derived port %d outside obfuscator range", r.ListenPort)
		}
		if !strings.Contains(rewritten, fmt.Sprintf("Endpoint = 127.0.0.1:%d", r.ListenPort)) {
			t.Errorf("rewritten config missing local endpoint for port %d", r.ListenPort)
		}
	}
	if routes[0].Target != "203.0.113.7:17345" || routes[1].Target != "203.0.113.8:18321" {
		t.Errorf("routes = %+v", routes)
	}

	// The interface section must be untouched.
	if !strings.Contains(rewritten, "PrivateKey = aBcD") || !strings.Contains(rewritten, "Address = 10.250.0.1/32") {
		t.Error("interface section was modified")
	}
}

func TestRewriteEndpointsIsStable(t *testing.T) {
	_, first := rewriteEndpoints("mesh-1", sampleConf)
	_, second := rewriteEndpoints("mesh-1", sampleConf)
	for i := range first {
		if first[i].ListenPort != second[i].ListenPort {
			t.Errorf("derived port changed between runs: %d vs %d", first[i].ListenPort, second[i].ListenPort)
		}
	}

	// Distinct meshes must not collide on the same derivation inputs.
	_, other := rewriteEndpoints("mesh-2", sampleConf)
	same := true
	for i := range first {
		if first[i].ListenPort != other[i].ListenPort {
			same = false
		}
	}
	if same {
		t.Error("different mesh ids derived identical port sets")
	}
}

func TestInterfaceName(t *testing.T) {
	name := InterfaceName("0b96705e-9d3c-4b27-8b56-12c1e6a9d8f1")
	if len(name) > 15 {
		t.Errorf("interface name %q exceeds IFNAMSIZ", name)
	}
	if !strings.HasPrefix(name, "sm-") {
		t.Errorf("interface name %q missing prefix", name)
	}
	if name != InterfaceName("0b96705e-9d3c-4b27-8b56-12c1e6a9d8f1") {
		t.Error("interface name not deterministic")
	}
}
