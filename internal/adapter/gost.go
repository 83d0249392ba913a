package adapter

import (
	"context"
	"fmt"
	"net"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/netaddr"
)

// Gost supervises gost single-mode forwarders: one listen URL relaying to
// one target, no server/client split.
type Gost struct {
	supervised
}

func NewGost() *Gost {
	return &Gost{supervised: newSupervised("gost", ".conf")}
}

var gostTypes = map[string]bool{
	"tcp": true, "udp": true, "ws": true, "grpc": true, "tcpmux": true,
}

func (g *Gost) Apply(ctx context.Context, tunnelID string, spec smite.Spec) error {
	listen, err := GostListenURL(spec, outboundIP)
	if err != nil {
		return err
	}
	bin, err := resolveBinary("GOST_BINARY", "gost")
	if err != nil {
		return err
	}
	return g.start(ctx, tunnelID, listen+"\n", bin, []string{"-L", listen})
}

func (g *Gost) Remove(ctx context.Context, tunnelID string) error {
	return g.remove(ctx, tunnelID)
}

func (g *Gost) Status(tunnelID string) Status {
	return g.status(tunnelID)
}

// GostListenURL builds the -L forward URL: <type>://<bind>:<port>/<target>.
// probe supplies the default outbound interface address, used as the
// websocket bind so handshakes originate from a routable address.
func GostListenURL(spec smite.Spec, probe func() string) (string, error) {
	typ := spec.GetString("type")
	if typ == "" {
		typ = "tcp"
	}
	if !gostTypes[typ] {
		return "", fmt.Errorf("gost: unknown listen type %q", typ)
	}

	listenPort := firstInt(spec, "listen_port", "local_port")
	if listenPort == 0 {
		return "", fmt.Errorf("gost: listen_port is required")
	}

	target := spec.GetString("target")
	if target == "" {
		host := spec.GetString("target_host")
		port := spec.GetInt("target_port")
		if host == "" || port == 0 {
			return "", fmt.Errorf("gost: target (or target_host/target_port) is required")
		}
		target = netaddr.Join(host, port)
	}

	var bind string
	switch {
	case spec.GetBool("use_ipv6"):
		bind = "[::]"
	case typ == "ws":
		bind = probe()
	default:
		bind = "0.0.0.0"
	}

	return fmt.Sprintf("%s://%s:%d/%s", typ, bind, listenPort, target), nil
}

// outboundIP finds the local address of the default route by opening a
// throwaway UDP socket. No packets are sent.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "0.0.0.0"
}
