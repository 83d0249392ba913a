// Package adapter supervises per-tunnel forwarding processes. Each core
// (rathole, backhaul, chisel, frp, gost) gets its own adapter that renders
// a config file, spawns the core binary detached, and tears it down on
// remove. All adapters share the same lifecycle discipline; only the
// config rendering and command line differ.
package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/netaddr"
)

// Status is the observable state of one tunnel's worker process.
type Status struct {
	Active         bool   `json:"active"`
	ConfigExists   bool   `json:"config_exists"`
	ProcessRunning bool   `json:"process_running"`
	PID            int    `json:"pid,omitempty"`
	ExitCode       *int   `json:"exit_code,omitempty"`
	LogTail        string `json:"log_tail,omitempty"`
}

// Adapter is the shared operation set of every core adapter.
type Adapter interface {
	// Apply renders the config and (re)starts the worker. Applying an id
	// that is already present removes the old instance first.
	Apply(ctx context.Context, tunnelID string, spec smite.Spec) error
	// Remove stops the worker, unlinks the config, and drops all state
	// for the id. Removing an unknown id is not an error.
	Remove(ctx context.Context, tunnelID string) error
	// Status reports the current state for the id.
	Status(tunnelID string) Status
}

// ConfigRoot returns the base directory for rendered core configs,
// overridable for tests and non-root runs.
func ConfigRoot() string {
	if dir := os.Getenv("SMITE_NODE_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/smite-node"
}

// New returns the adapter for a core, or an error for unknown cores.
// WireGuard is handled by the wgmesh package, not here.
func New(core smite.Core) (Adapter, error) {
	switch core {
	case smite.CoreRathole:
		return NewRathole(), nil
	case smite.CoreBackhaul:
		return NewBackhaul(), nil
	case smite.CoreChisel:
		return NewChisel(), nil
	case smite.CoreFRP:
		return NewFRP(), nil
	case smite.CoreGost:
		return NewGost(), nil
	}
	return nil, fmt.Errorf("unknown core %q", core)
}

func coreDir(core string) string {
	return filepath.Join(ConfigRoot(), core)
}

// ControlPort reports the port a core's server accepts client control
// connections on, using the same key lookup each renderer applies.
// Zero means the spec does not determine one.
func ControlPort(core smite.Core, spec smite.Spec) int {
	switch core {
	case smite.CoreRathole:
		if p := spec.GetInt("control_port"); p != 0 {
			return p
		}
		if p := addrPort(spec.GetString("bind_addr")); p != 0 {
			return p
		}
		return addrPort(ratholeDefaultBind)
	case smite.CoreBackhaul:
		if p := firstInt(spec, "control_port", "listen_port"); p != 0 {
			return p
		}
		return addrPort(spec.GetString("bind_addr"))
	case smite.CoreChisel:
		return firstInt(spec, "server_port", "control_port", "listen_port")
	case smite.CoreFRP:
		return firstInt(spec, "bind_port", "server_port")
	}
	return 0
}

func addrPort(addr string) int {
	if addr == "" {
		return 0
	}
	hp, err := netaddr.Parse(addr)
	if err != nil || !hp.HasPort {
		return 0
	}
	return hp.Port
}
