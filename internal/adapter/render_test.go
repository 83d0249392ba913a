package adapter

import (
	"reflect"
	"strings"
	"testing"

	"github.com/zZedix/smite"
)

func TestRatholeServerConfig(t *testing.T) {
	cfg, err := RatholeConfig("tun1", smite.Spec{
		"mode":       "server",
		"token":      "s3cret",
		"proxy_port": 8443,
	})
	if err != nil {
		t.Fatalf("RatholeConfig: %v", err)
	}
	for _, want := range []string{
		"[server]",
		`bind_addr = "0.0.0.0:23333"`,
		`default_token = "s3cret"`,
		"[server.services.tun1]",
		`bind_addr = "0.0.0.0:8443"`,
	} {
		if !strings.Contains(cfg, want) {
			t.Errorf("config missing %q:\n%s", want, cfg)
		}
	}
}

func TestRatholeClientStripsScheme(t *testing.T) {
	cfg, err := RatholeConfig("tun1", smite.Spec{
		"mode":        "client",
		"token":       "s3cret",
		"remote_addr": "wss://relay.example.com:443",
		"local_addr":  "127.0.0.1:9000",
	})
	if err != nil {
		t.Fatalf("RatholeConfig: %v", err)
	}
	if !strings.Contains(cfg, `remote_addr = "relay.example.com:443"`) {
		t.Errorf("scheme not stripped:\n%s", cfg)
	}
	// wss implies websocket transport with TLS.
	if !strings.Contains(cfg, "[client.transport]") || !strings.Contains(cfg, `type = "websocket"`) {
		t.Errorf("websocket transport missing:\n%s", cfg)
	}
	if !strings.Contains(cfg, "tls = true") {
		t.Errorf("tls flag missing:\n%s", cfg)
	}
}

func TestRatholeConfigErrors(t *testing.T) {
	cases := map[string]smite.Spec{
		"missing token":  {"mode": "server", "proxy_port": 8443},
		"missing port":   {"mode": "server", "token": "t"},
		"missing remote": {"mode": "client", "token": "t", "local_addr": "x:1"},
		"missing local":  {"mode": "client", "token": "t", "remote_addr": "x:1"},
		"bad mode":       {"mode": "sideways", "token": "t", "remote_addr": "x:1"},
	}
	for name, spec := range cases {
		if _, err := RatholeConfig("tun1", spec); err == nil {
			t.Errorf("%s: expected error for %v", name, spec)
		}
	}
}

func TestBackhaulServerConfig(t *testing.T) {
	cfg, err := BackhaulConfig(smite.Spec{
		"mode":         "server",
		"transport":    "tcpmux",
		"control_port": 3080,
		"token":        "tok",
		"nodelay":      true,
		"channel_size": 2048,
		"ports":        []any{"443=127.0.0.1:8443"},
	})
	if err != nil {
		t.Fatalf("BackhaulConfig: %v", err)
	}
	for _, want := range []string{
		"[server]",
		`bind_addr = "0.0.0.0:3080"`,
		`transport = "tcpmux"`,
		`token = "tok"`,
		"nodelay = true",
		"channel_size = 2048",
		`ports = ["443=127.0.0.1:8443"]`,
	} {
		if !strings.Contains(cfg, want) {
			t.Errorf("config missing %q:\n%s", want, cfg)
		}
	}
}

func TestBackhaulClientDefaults(t *testing.T) {
	cfg, err := BackhaulConfig(smite.Spec{
		"mode":        "client",
		"remote_addr": "203.0.113.9:3080",
	})
	if err != nil {
		t.Fatalf("BackhaulConfig: %v", err)
	}
	for _, want := range []string{
		"[client]",
		"connection_pool = 4",
		"retry_interval = 3",
		"dial_timeout = 10",
	} {
		if !strings.Contains(cfg, want) {
			t.Errorf("config missing %q:\n%s", want, cfg)
		}
	}
}

func TestBackhaulAcceptUDPOnlyOnTCP(t *testing.T) {
	for transport, want := range map[string]bool{"tcp": true, "tcpmux": true, "ws": false, "wsmux": false} {
		cfg, err := BackhaulConfig(smite.Spec{
			"mode":        "client",
			"transport":   transport,
			"remote_addr": "203.0.113.9:3080",
			"accept_udp":  true,
		})
		if err != nil {
			t.Fatalf("BackhaulConfig(%s): %v", transport, err)
		}
		if got := strings.Contains(cfg, "accept_udp = true"); got != want {
			t.Errorf("transport %s: accept_udp emitted=%v, want %v", transport, got, want)
		}
	}
}

func TestBackhaulRejectsUnknownTransport(t *testing.T) {
	if _, err := BackhaulConfig(smite.Spec{"mode": "server", "transport": "quic", "control_port": 1}); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestChiselServerArgs(t *testing.T) {
	args, err := ChiselArgs(smite.Spec{
		"mode":        "server",
		"server_port": 8000,
		"auth":        "user:pass",
	})
	if err != nil {
		t.Fatalf("ChiselArgs: %v", err)
	}
	want := []string{"server", "--port", "8000", "--reverse", "--auth", "user:pass"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestChiselClientReverseSpec(t *testing.T) {
	args, err := ChiselArgs(smite.Spec{
		"mode":         "client",
		"server_url":   "https://relay.example.com:8000",
		"reverse_port": 9443,
		"local_addr":   "10.0.0.5:443",
	})
	if err != nil {
		t.Fatalf("ChiselArgs: %v", err)
	}
	last := args[len(args)-1]
	if last != "R:9443:10.0.0.5:443" {
		t.Errorf("reverse spec = %q", last)
	}
}

func TestChiselClientIPv6Local(t *testing.T) {
	args, err := ChiselArgs(smite.Spec{
		"mode":         "client",
		"server_url":   "https://relay.example.com:8000",
		"reverse_port": 9443,
		"local_addr":   "[fd00::5]:443",
	})
	if err != nil {
		t.Fatalf("ChiselArgs: %v", err)
	}
	last := args[len(args)-1]
	if last != "R:9443:[fd00::5]:443" {
		t.Errorf("reverse spec = %q", last)
	}
}

func TestChiselClientDefaultLocal(t *testing.T) {
	args, err := ChiselArgs(smite.Spec{
		"mode":         "client",
		"server_url":   "https://relay.example.com:8000",
		"reverse_port": 9443,
	})
	if err != nil {
		t.Fatalf("ChiselArgs: %v", err)
	}
	last := args[len(args)-1]
	if last != "R:9443:127.0.0.1:9443" {
		t.Errorf("reverse spec = %q", last)
	}
}

func TestFRPServerConfig(t *testing.T) {
	cfg, err := FRPConfig("tun1", smite.Spec{
		"mode":      "server",
		"bind_port": 7123,
		"token":     "tok",
	})
	if err != nil {
		t.Fatalf("FRPConfig: %v", err)
	}
	for _, want := range []string{"bindPort: 7123", "method: token", "token: tok"} {
		if !strings.Contains(cfg, want) {
			t.Errorf("config missing %q:\n%s", want, cfg)
		}
	}
}

func TestFRPClientConfig(t *testing.T) {
	cfg, err := FRPConfig("tun1", smite.Spec{
		"mode":        "client",
		"server_addr": "203.0.113.4",
		"server_port": 7123,
		"type":        "udp",
		"local_port":  9000,
		"remote_port": 7123,
	})
	if err != nil {
		t.Fatalf("FRPConfig: %v", err)
	}
	for _, want := range []string{
		"serverAddr: 203.0.113.4",
		"serverPort: 7123",
		"type: udp",
		"localIP: 127.0.0.1",
		"localPort: 9000",
		"remotePort: 7123",
		"name: tun1",
	} {
		if !strings.Contains(cfg, want) {
			t.Errorf("config missing %q:\n%s", want, cfg)
		}
	}
}

func TestFRPClientRejectsUnroutableServer(t *testing.T) {
	for _, addr := range []string{"", "0.0.0.0", "localhost", "127.0.0.1", "::1"} {
		_, err := FRPConfig("tun1", smite.Spec{
			"mode":        "client",
			"server_addr": addr,
			"server_port": 7123,
			"local_port":  9000,
		})
		if err == nil {
			t.Errorf("server_addr %q: expected error", addr)
		}
	}
}

func TestGostListenURL(t *testing.T) {
	probe := func() string { return "198.51.100.3" }

	tests := []struct {
		spec smite.Spec
		want string
	}{
		{
			smite.Spec{"type": "tcp", "listen_port": 8443, "target": "10.0.0.2:443"},
			"tcp://0.0.0.0:8443/10.0.0.2:443",
		},
		{
			smite.Spec{"type": "udp", "listen_port": 53, "target_host": "10.0.0.2", "target_port": 5353},
			"udp://0.0.0.0:53/10.0.0.2:5353",
		},
		{
			smite.Spec{"type": "tcp", "listen_port": 8443, "target": "10.0.0.2:443", "use_ipv6": true},
			"tcp://[::]:8443/10.0.0.2:443",
		},
		{
			// ws binds to the probed outbound address.
			smite.Spec{"type": "ws", "listen_port": 8443, "target": "10.0.0.2:443"},
			"ws://198.51.100.3:8443/10.0.0.2:443",
		},
		{
			smite.Spec{"type": "tcp", "listen_port": 8443, "target_host": "fd00::2", "target_port": 443},
			"tcp://0.0.0.0:8443/[fd00::2]:443",
		},
	}
	for _, tc := range tests {
		got, err := GostListenURL(tc.spec, probe)
		if err != nil {
			t.Errorf("GostListenURL(%v): %v", tc.spec, err)
			continue
		}
		if got != tc.want {
			t.Errorf("GostListenURL(%v) = %q, want %q", tc.spec, got, tc.want)
		}
	}
}

func TestGostListenURLErrors(t *testing.T) {
	if _, err := GostListenURL(smite.Spec{"type": "carrier-pigeon", "listen_port": 1, "target": "x:1"}, nil); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := GostListenURL(smite.Spec{"type": "tcp", "target": "x:1"}, nil); err == nil {
		t.Error("expected error for missing listen_port")
	}
	if _, err := GostListenURL(smite.Spec{"type": "tcp", "listen_port": 1}, nil); err == nil {
		t.Error("expected error for missing target")
	}
}
