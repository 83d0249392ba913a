package adapter

import (
	"context"
	"fmt"

	"github.com/zZedix/smite"

	"gopkg.in/yaml.v3"
)

// FRP supervises frps (server mode) and frpc (client mode) workers.
// Configs are the modern YAML flavor.
type FRP struct {
	supervised
}

func NewFRP() *FRP {
	return &FRP{supervised: newSupervised("frp", ".yaml")}
}

func (f *FRP) Apply(ctx context.Context, tunnelID string, spec smite.Spec) error {
	cfg, err := FRPConfig(tunnelID, spec)
	if err != nil {
		return err
	}

	envVar, name := "FRPS_BINARY", "frps"
	if spec.GetString("mode") == "client" {
		envVar, name = "FRPC_BINARY", "frpc"
	}
	bin, err := resolveBinary(envVar, name)
	if err != nil {
		return err
	}
	return f.start(ctx, tunnelID, cfg, bin, []string{"-c", f.configPath(tunnelID)})
}

func (f *FRP) Remove(ctx context.Context, tunnelID string) error {
	return f.remove(ctx, tunnelID)
}

func (f *FRP) Status(tunnelID string) Status {
	return f.status(tunnelID)
}

type frpAuth struct {
	Method string `yaml:"method"`
	Token  string `yaml:"token"`
}

type frpServerConfig struct {
	BindPort int      `yaml:"bindPort"`
	Auth     *frpAuth `yaml:"auth,omitempty"`
}

type frpProxy struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	LocalIP    string `yaml:"localIP"`
	LocalPort  int    `yaml:"localPort"`
	RemotePort int    `yaml:"remotePort"`
}

type frpClientConfig struct {
	ServerAddr string     `yaml:"serverAddr"`
	ServerPort int        `yaml:"serverPort"`
	Auth       *frpAuth   `yaml:"auth,omitempty"`
	Proxies    []frpProxy `yaml:"proxies"`
}

// unroutableServerAddrs are values that can never reach a remote panel or
// relay; a client config carrying one is a composition bug upstream.
var unroutableServerAddrs = map[string]bool{
	"": true, "0.0.0.0": true, "localhost": true, "127.0.0.1": true, "::1": true,
}

// FRPConfig renders the YAML config for one frp worker.
func FRPConfig(tunnelID string, spec smite.Spec) (string, error) {
	switch mode := spec.GetString("mode"); mode {
	case "server":
		port := firstInt(spec, "bind_port", "server_port", "listen_port")
		if port == 0 {
			return "", fmt.Errorf("frp server: bind_port is required")
		}
		cfg := frpServerConfig{BindPort: port}
		if token := spec.GetString("token"); token != "" {
			cfg.Auth = &frpAuth{Method: "token", Token: token}
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return "", fmt.Errorf("frp server: marshal config: %w", err)
		}
		return string(out), nil

	case "client":
		serverAddr := spec.GetString("server_addr")
		if unroutableServerAddrs[serverAddr] {
			return "", fmt.Errorf("frp client: server_addr %q is not reachable from a remote node", serverAddr)
		}
		serverPort := spec.GetInt("server_port")
		if serverPort == 0 {
			return "", fmt.Errorf("frp client: server_port is required")
		}

		proxyType := spec.GetString("type")
		if proxyType != "tcp" && proxyType != "udp" {
			proxyType = "tcp"
		}
		localIP := spec.GetString("local_ip")
		if localIP == "" {
			localIP = "127.0.0.1"
		}
		localPort := spec.GetInt("local_port")
		if localPort == 0 {
			return "", fmt.Errorf("frp client: local_port is required")
		}
		remotePort := spec.GetInt("remote_port")
		if remotePort == 0 {
			remotePort = serverPort
		}

		cfg := frpClientConfig{
			ServerAddr: serverAddr,
			ServerPort: serverPort,
			Proxies: []frpProxy{{
				Name:       tunnelID,
				Type:       proxyType,
				LocalIP:    localIP,
				LocalPort:  localPort,
				RemotePort: remotePort,
			}},
		}
		if token := spec.GetString("token"); token != "" {
			cfg.Auth = &frpAuth{Method: "token", Token: token}
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return "", fmt.Errorf("frp client: marshal config: %w", err)
		}
		return string(out), nil

	default:
		return "", fmt.Errorf("frp: unknown mode %q", mode)
	}
}
