package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/tomlenc"
)

const ratholeDefaultBind = "0.0.0.0:23333"

// Rathole supervises rathole server and client workers.
type Rathole struct {
	supervised
}

func NewRathole() *Rathole {
	return &Rathole{supervised: newSupervised("rathole", ".toml")}
}

func (r *Rathole) Apply(ctx context.Context, tunnelID string, spec smite.Spec) error {
	cfg, err := RatholeConfig(tunnelID, spec)
	if err != nil {
		return err
	}
	bin, err := resolveBinary("RATHOLE_BINARY", "rathole")
	if err != nil {
		return err
	}
	return r.start(ctx, tunnelID, cfg, bin, []string{r.configPath(tunnelID)})
}

func (r *Rathole) Remove(ctx context.Context, tunnelID string) error {
	return r.remove(ctx, tunnelID)
}

func (r *Rathole) Status(tunnelID string) Status {
	return r.status(tunnelID)
}

// RatholeConfig renders the TOML config for one rathole worker.
//
// Server mode requires token and one of proxy_port|remote_port|listen_port.
// Client mode requires remote_addr, token, and local_addr; a ws:// or
// wss:// scheme on remote_addr selects the websocket transport, wss://
// additionally enabling TLS.
func RatholeConfig(tunnelID string, spec smite.Spec) (string, error) {
	token := spec.GetString("token")
	if token == "" {
		return "", fmt.Errorf("rathole: token is required")
	}

	transport := spec.GetString("transport")
	websocketTLS := spec.GetBool("websocket_tls")

	w := tomlenc.New()
	switch mode := spec.GetString("mode"); mode {
	case "server":
		port := firstInt(spec, "proxy_port", "remote_port", "listen_port")
		if port == 0 {
			return "", fmt.Errorf("rathole server: proxy_port is required")
		}
		bind := spec.GetString("bind_addr")
		if bind == "" {
			bind = ratholeDefaultBind
		}
		w.Table("server")
		w.Str("bind_addr", bind)
		w.Str("default_token", token)
		if transport == "websocket" {
			w.Table("server.transport")
			w.Str("type", "websocket")
			if websocketTLS {
				w.Table("server.transport.websocket")
				w.Bool("tls", true)
			}
		}
		w.Table("server.services." + tunnelID)
		w.Str("bind_addr", fmt.Sprintf("0.0.0.0:%d", port))

	case "client":
		remote := spec.GetString("remote_addr")
		if remote == "" {
			return "", fmt.Errorf("rathole client: remote_addr is required")
		}
		switch {
		case strings.HasPrefix(remote, "wss://"):
			remote = strings.TrimPrefix(remote, "wss://")
			transport = "websocket"
			websocketTLS = true
		case strings.HasPrefix(remote, "ws://"):
			remote = strings.TrimPrefix(remote, "ws://")
			transport = "websocket"
		}
		local := spec.GetString("local_addr")
		if local == "" {
			return "", fmt.Errorf("rathole client: local_addr is required")
		}
		w.Table("client")
		w.Str("remote_addr", remote)
		w.Str("default_token", token)
		if transport == "websocket" {
			w.Table("client.transport")
			w.Str("type", "websocket")
			if websocketTLS {
				w.Table("client.transport.websocket")
				w.Bool("tls", true)
			}
		}
		w.Table("client.services." + tunnelID)
		w.Str("local_addr", local)

	default:
		return "", fmt.Errorf("rathole: unknown mode %q", mode)
	}

	return w.String(), nil
}

// firstInt returns the first non-zero integer among the given spec keys.
func firstInt(spec smite.Spec, keys ...string) int {
	for _, k := range keys {
		if n := spec.GetInt(k); n != 0 {
			return n
		}
	}
	return 0
}
