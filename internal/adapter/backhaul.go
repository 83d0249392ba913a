package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/tomlenc"
)

// Backhaul supervises backhaul server and client workers. Client configs
// can be written to a separate directory (SMITE_BACKHAUL_CLIENT_DIR) so
// ingress and egress trees stay apart on dual-role hosts.
type Backhaul struct {
	supervised
}

func NewBackhaul() *Backhaul {
	return &Backhaul{supervised: newSupervised("backhaul", ".toml")}
}

func (b *Backhaul) pathFor(tunnelID string, spec smite.Spec) string {
	if spec.GetString("mode") == "client" {
		if dir := os.Getenv("SMITE_BACKHAUL_CLIENT_DIR"); dir != "" {
			return filepath.Join(dir, tunnelID+".toml")
		}
	}
	if dir := os.Getenv("SMITE_BACKHAUL_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, tunnelID+".toml")
	}
	return b.configPath(tunnelID)
}

func (b *Backhaul) Apply(ctx context.Context, tunnelID string, spec smite.Spec) error {
	cfg, err := BackhaulConfig(spec)
	if err != nil {
		return err
	}

	envVar := "BACKHAUL_SERVER_BINARY"
	if spec.GetString("mode") == "client" {
		envVar = "BACKHAUL_CLIENT_BINARY"
	}
	bin, err := resolveBinary(envVar, "backhaul")
	if err != nil {
		return err
	}

	path := b.pathFor(tunnelID, spec)
	return b.startAt(ctx, tunnelID, path, cfg, bin, []string{"-c", path})
}

func (b *Backhaul) Remove(ctx context.Context, tunnelID string) error {
	// The override dirs may hold configs from before a daemon restart.
	for _, env := range []string{"SMITE_BACKHAUL_CLIENT_DIR", "SMITE_BACKHAUL_CONFIG_DIR"} {
		if dir := os.Getenv(env); dir != "" {
			_ = os.Remove(filepath.Join(dir, tunnelID+".toml"))
		}
	}
	return b.remove(ctx, tunnelID)
}

func (b *Backhaul) Status(tunnelID string) Status {
	return b.status(tunnelID)
}

// backhaulTransports are the accepted transport values.
var backhaulTransports = map[string]bool{
	"tcp": true, "udp": true, "ws": true, "wsmux": true, "tcpmux": true,
}

// backhaulServerOpts enumerates the server-side options copied from the
// spec when present, with their TOML types.
var backhaulServerOpts = []tomlOpt{
	{"nodelay", kindBool},
	{"keepalive_period", kindInt},
	{"channel_size", kindInt},
	{"log_level", kindStr},
	{"heartbeat", kindInt},
	{"mux_con", kindInt},
	{"accept_udp", kindBool},
	{"skip_optz", kindBool},
	{"tls_cert", kindStr},
	{"tls_key", kindStr},
	{"sniffer", kindBool},
	{"web_port", kindInt},
	{"proxy_protocol", kindBool},
}

// backhaulClientOpts is the disjoint client-side option set.
// connection_pool, retry_interval, and dial_timeout are emitted
// unconditionally with defaults and are not listed here.
var backhaulClientOpts = []tomlOpt{
	{"nodelay", kindBool},
	{"keepalive_period", kindInt},
	{"mux_version", kindInt},
	{"mux_framesize", kindInt},
	{"mux_recievebuffer", kindInt},
	{"mux_streambuffer", kindInt},
	{"sniffer", kindBool},
	{"web_port", kindInt},
}

type optKind int

const (
	kindStr optKind = iota
	kindInt
	kindBool
)

type tomlOpt struct {
	key  string
	kind optKind
}

// BackhaulConfig renders the TOML config for one backhaul worker.
func BackhaulConfig(spec smite.Spec) (string, error) {
	transport := spec.GetString("transport")
	if transport == "" {
		transport = "tcp"
	}
	if !backhaulTransports[transport] {
		return "", fmt.Errorf("backhaul: unknown transport %q", transport)
	}

	w := tomlenc.New()
	switch mode := spec.GetString("mode"); mode {
	case "server":
		bind := spec.GetString("bind_addr")
		if bind == "" {
			port := firstInt(spec, "control_port", "listen_port")
			if port == 0 {
				return "", fmt.Errorf("backhaul server: bind_addr or control_port is required")
			}
			ip := spec.GetString("bind_ip")
			if ip == "" {
				ip = "0.0.0.0"
			}
			bind = fmt.Sprintf("%s:%d", ip, port)
		}
		w.Table("server")
		w.Str("bind_addr", bind)
		w.Str("transport", transport)
		if token := spec.GetString("token"); token != "" {
			w.Str("token", token)
		}
		writeOpts(w, spec, backhaulServerOpts)
		w.StrList("ports", specStrings(spec, "ports"))

	case "client":
		remote := spec.GetString("remote_addr")
		if remote == "" {
			return "", fmt.Errorf("backhaul client: remote_addr is required")
		}
		w.Table("client")
		w.Str("remote_addr", remote)
		w.Str("transport", transport)
		if token := spec.GetString("token"); token != "" {
			w.Str("token", token)
		}
		w.Int("connection_pool", intOr(spec, "connection_pool", 4))
		w.Int("retry_interval", intOr(spec, "retry_interval", 3))
		w.Int("dial_timeout", intOr(spec, "dial_timeout", 10))
		writeOpts(w, spec, backhaulClientOpts)
		// accept_udp only makes sense where a TCP control channel can
		// carry datagrams.
		if (transport == "tcp" || transport == "tcpmux") && spec.GetBool("accept_udp") {
			w.Bool("accept_udp", true)
		}

	default:
		return "", fmt.Errorf("backhaul: unknown mode %q", mode)
	}

	return w.String(), nil
}

func writeOpts(w *tomlenc.Writer, spec smite.Spec, opts []tomlOpt) {
	for _, opt := range opts {
		if !spec.Has(opt.key) {
			continue
		}
		switch opt.kind {
		case kindStr:
			w.Str(opt.key, spec.GetString(opt.key))
		case kindInt:
			w.Int(opt.key, spec.GetInt(opt.key))
		case kindBool:
			w.Bool(opt.key, spec.GetBool(opt.key))
		}
	}
}

func intOr(spec smite.Spec, key string, def int) int {
	if spec.Has(key) {
		return spec.GetInt(key)
	}
	return def
}

// specStrings reads a list-of-strings field, tolerating []any from JSON.
func specStrings(spec smite.Spec, key string) []string {
	switch v := spec[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
