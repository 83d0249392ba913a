package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/netaddr"
)

// Chisel supervises chisel server and client workers. Chisel is driven
// entirely by command-line arguments; the rendered "config" file records
// the argument vector, one per line, so status and restore can see what
// the worker was started with.
type Chisel struct {
	supervised
}

func NewChisel() *Chisel {
	return &Chisel{supervised: newSupervised("chisel", ".conf")}
}

func (c *Chisel) Apply(ctx context.Context, tunnelID string, spec smite.Spec) error {
	args, err := ChiselArgs(spec)
	if err != nil {
		return err
	}
	bin, err := resolveBinary("CHISEL_BINARY", "chisel")
	if err != nil {
		return err
	}
	return c.start(ctx, tunnelID, strings.Join(args, "\n")+"\n", bin, args)
}

func (c *Chisel) Remove(ctx context.Context, tunnelID string) error {
	return c.remove(ctx, tunnelID)
}

func (c *Chisel) Status(tunnelID string) Status {
	return c.status(tunnelID)
}

// ChiselArgs builds the argument vector for one chisel worker.
func ChiselArgs(spec smite.Spec) ([]string, error) {
	switch mode := spec.GetString("mode"); mode {
	case "server":
		port := firstInt(spec, "server_port", "control_port", "listen_port")
		if port == 0 {
			return nil, fmt.Errorf("chisel server: server_port is required")
		}
		args := []string{"server", "--port", fmt.Sprintf("%d", port), "--reverse"}
		if auth := spec.GetString("auth"); auth != "" {
			args = append(args, "--auth", auth)
		}
		if key := spec.GetString("key"); key != "" {
			args = append(args, "--key", key)
		}
		return args, nil

	case "client":
		serverURL := spec.GetString("server_url")
		if serverURL == "" {
			return nil, fmt.Errorf("chisel client: server_url is required")
		}
		remotePort := spec.GetInt("reverse_port")
		if remotePort == 0 {
			return nil, fmt.Errorf("chisel client: reverse_port is required")
		}
		args := []string{"client"}
		if auth := spec.GetString("auth"); auth != "" {
			args = append(args, "--auth", auth)
		}
		if fp := spec.GetString("fingerprint"); fp != "" {
			args = append(args, "--fingerprint", fp)
		}
		remote, err := chiselRemote(remotePort, spec.GetString("local_addr"))
		if err != nil {
			return nil, err
		}
		return append(args, serverURL, remote), nil

	default:
		return nil, fmt.Errorf("chisel: unknown mode %q", mode)
	}
}

// chiselRemote builds the reverse spec string R:<remote>:<host>:<port>,
// bracketing IPv6 local hosts.
func chiselRemote(remotePort int, localAddr string) (string, error) {
	if localAddr == "" {
		localAddr = fmt.Sprintf("127.0.0.1:%d", remotePort)
	}
	hp, err := netaddr.Parse(localAddr)
	if err != nil {
		return "", fmt.Errorf("chisel client: parse local_addr: %w", err)
	}
	if !hp.HasPort {
		return "", fmt.Errorf("chisel client: local_addr %q has no port", localAddr)
	}
	host := hp.Host
	if hp.IsIPv6 {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("R:%d:%s:%d", remotePort, host, hp.Port), nil
}
