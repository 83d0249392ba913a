// Package wgmesh installs and removes WireGuard mesh interfaces on a node
// from Panel-rendered wg-quick configs. It owns the interface lifecycle,
// route table entries for peer LAN subnets, overlay-IP conflict reclaim,
// and optional wg-obfuscator sidecars.
package wgmesh

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/adapter"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
)

const (
	stopGrace        = 5 * time.Second
	handshakeTimeout = 3 * time.Minute
)

// PeerStatus is one live peer as reported by the kernel.
type PeerStatus struct {
	PublicKey     string     `json:"public_key"`
	Endpoint      string     `json:"endpoint,omitempty"`
	AllowedIPs    []string   `json:"allowed_ips"`
	LastHandshake *time.Time `json:"last_handshake,omitempty"`
	Connected     bool       `json:"connected"`
}

// Status is the observable state of one mesh interface.
type Status struct {
	Active    bool         `json:"active"`
	Interface string       `json:"interface"`
	OverlayIP string       `json:"overlay_ip,omitempty"`
	Peers     []PeerStatus `json:"peers"`
}

// Manager applies and removes mesh interfaces. One Manager per node
// process; mutations are serialised per mesh id by the caller.
type Manager struct {
	mu          sync.Mutex
	obfuscators map[string][]*obfProc // mesh id -> running sidecars
}

func NewManager() *Manager {
	return &Manager{obfuscators: make(map[string][]*obfProc)}
}

func confDir() string {
	return filepath.Join(adapter.ConfigRoot(), "wireguard")
}

// InterfaceName derives the interface for a mesh, bounded by IFNAMSIZ.
func InterfaceName(meshID string) string {
	id := strings.ReplaceAll(meshID, "-", "")
	if len(id) > 10 {
		id = id[:10]
	}
	return "sm-" + id
}

func confPath(iface string) string {
	return filepath.Join(confDir(), iface+".conf")
}

// Apply brings up the mesh interface from the rendered config. The spec
// carries "conf" (the literal wg-quick config), optional "routes" (peer
// LAN subnets), and optional "overlay_ip".
func (m *Manager) Apply(ctx context.Context, meshID string, spec smite.Spec) error {
	conf := spec.GetString("conf")
	if conf == "" {
		return fmt.Errorf("wireguard: conf is required")
	}
	iface := InterfaceName(meshID)
	path := confPath(iface)
	log := slog.With("component", "wgmesh", "mesh", meshID, "interface", iface)

	if err := os.MkdirAll(confDir(), 0o700); err != nil {
		return fmt.Errorf("create wireguard config dir: %w", err)
	}

	// 1. Tear down any previous incarnation of this mesh.
	m.downExisting(ctx, iface, path, log)

	// 2. Drop stale routes for every AllowedIPs entry of the new config;
	// a crashed predecessor may have left them pointing at a dead link.
	for _, cidr := range allowedIPs(conf) {
		removeRoute(cidr, log)
	}

	// 3. Reclaim the overlay IP from any interface still holding it.
	if overlay := spec.GetString("overlay_ip"); overlay != "" {
		reclaimOverlayIP(overlay, log)
	}

	// 4–5. Obfuscator sidecars: stop the old set, then rewrite peer
	// endpoints through fresh local listeners when the binary is present.
	m.stopObfuscators(meshID)
	if obfBin, err := exec.LookPath("wg-obfuscator"); err == nil {
		rewritten, routes := rewriteEndpoints(meshID, conf)
		cmds, err := m.startObfuscators(meshID, iface, obfBin, routes)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.obfuscators[meshID] = cmds
		m.mu.Unlock()
		conf = rewritten
		log.Info("peer endpoints routed through wg-obfuscator", "peers", len(routes))
	}

	// 6. Write the config (private key inside: 0600) and bring it up.
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		return fmt.Errorf("write wireguard config: %w", err)
	}
	if out, err := exec.CommandContext(ctx, "wg-quick", "up", path).CombinedOutput(); err != nil {
		return fmt.Errorf("wg-quick up: %w: %s", err, strings.TrimSpace(string(out)))
	}
	for _, cidr := range specStrings(spec, "routes") {
		if err := addRoute(cidr, iface); err != nil {
			log.Warn("add mesh route", "route", cidr, "err", err)
		}
	}

	// 7. The node relays between mesh peers, so forwarding must be on.
	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		log.Warn("enable ip_forward", "err", err)
	}

	log.Info("mesh interface up")
	return nil
}

// Remove tears down the mesh interface, its sidecars, and its config.
func (m *Manager) Remove(ctx context.Context, meshID string) error {
	iface := InterfaceName(meshID)
	path := confPath(iface)
	log := slog.With("component", "wgmesh", "mesh", meshID, "interface", iface)

	m.stopObfuscators(meshID)
	m.downExisting(ctx, iface, path, log)
	_ = os.Remove(path)
	log.Info("mesh interface removed")
	return nil
}

// Status reports the interface state and live peers via wgctrl.
func (m *Manager) Status(meshID string) (Status, error) {
	iface := InterfaceName(meshID)
	st := Status{Interface: iface, Peers: []PeerStatus{}}

	link, err := netlink.LinkByName(iface)
	if err != nil {
		return st, nil
	}
	st.Active = true

	if addrs, err := netlink.AddrList(link, netlink.FAMILY_V4); err == nil && len(addrs) > 0 {
		st.OverlayIP = addrs[0].IP.String()
	}

	wg, err := wgctrl.New()
	if err != nil {
		return st, fmt.Errorf("open wireguard control: %w", err)
	}
	defer wg.Close()

	dev, err := wg.Device(iface)
	if err != nil {
		return st, fmt.Errorf("inspect wireguard device %q: %w", iface, err)
	}
	for _, p := range dev.Peers {
		ps := PeerStatus{
			PublicKey:  p.PublicKey.String(),
			AllowedIPs: []string{},
		}
		if p.Endpoint != nil {
			ps.Endpoint = p.Endpoint.String()
		}
		for _, ip := range p.AllowedIPs {
			ps.AllowedIPs = append(ps.AllowedIPs, ip.String())
		}
		if !p.LastHandshakeTime.IsZero() {
			t := p.LastHandshakeTime
			ps.LastHandshake = &t
			ps.Connected = time.Since(t) < handshakeTimeout
		}
		st.Peers = append(st.Peers, ps)
	}
	return st, nil
}

// downExisting brings down a previous interface via wg-quick when the
// config file is still around, falling back to a raw link delete.
func (m *Manager) downExisting(ctx context.Context, iface, path string, log *slog.Logger) {
	if _, err := os.Stat(path); err == nil {
		if out, err := exec.CommandContext(ctx, "wg-quick", "down", path).CombinedOutput(); err != nil {
			log.Debug("wg-quick down", "err", err, "output", strings.TrimSpace(string(out)))
		}
	}
	if link, err := netlink.LinkByName(iface); err == nil {
		if err := netlink.LinkDel(link); err != nil {
			log.Warn("delete stale wireguard link", "err", err)
		}
	}
}

// reclaimOverlayIP removes the overlay address from every interface that
// still carries it, in every plausible prefix form. A leftover address on
// a crashed predecessor blocks wg-quick up, so this is deliberately
// aggressive: if removal fails, the offending interface's addresses are
// flushed outright.
func reclaimOverlayIP(overlay string, log *slog.Logger) {
	target := net.ParseIP(overlay)
	if target == nil {
		log.Warn("unparsable overlay ip", "overlay_ip", overlay)
		return
	}

	links, err := netlink.LinkList()
	if err != nil {
		log.Warn("list links for overlay reclaim", "err", err)
		return
	}
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			continue
		}
		stillHeld := false
		for _, addr := range addrs {
			if !addr.IP.Equal(target) {
				continue
			}
			if err := netlink.AddrDel(link, &addr); err != nil {
				log.Warn("remove conflicting overlay ip", "interface", link.Attrs().Name, "err", err)
				stillHeld = true
			} else {
				log.Info("reclaimed overlay ip", "interface", link.Attrs().Name, "overlay_ip", overlay)
			}
		}
		if stillHeld {
			// Last resort: flush everything on the offender.
			for _, addr := range addrs {
				_ = netlink.AddrDel(link, &addr)
			}
			log.Warn("flushed addresses on conflicting interface", "interface", link.Attrs().Name)
		}
	}
}

func addRoute(cidr, iface string) error {
	_, dst, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("parse route %q: %w", cidr, err)
	}
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("find link %q: %w", iface, err)
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: dst}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("add route %s dev %s: %w", cidr, iface, err)
	}
	return nil
}

func removeRoute(cidr string, log *slog.Logger) {
	_, dst, err := net.ParseCIDR(cidr)
	if err != nil {
		// AllowedIPs entries are host prefixes or subnets; anything else
		// is not ours to touch.
		return
	}
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{Dst: dst}, netlink.RT_FILTER_DST)
	if err != nil {
		return
	}
	for _, r := range routes {
		if err := netlink.RouteDel(&r); err != nil {
			log.Debug("remove stale route", "route", cidr, "err", err)
		}
	}
}

// obfProc pairs a sidecar with the channel its reaper closes once Wait
// has returned, so stop paths never race the reaper on process state.
type obfProc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// startObfuscators launches one wg-obfuscator per peer route. Each sidecar
// listens on the derived local port and forwards to the real endpoint,
// logging into the wireguard config dir.
func (m *Manager) startObfuscators(meshID, iface, bin string, routes []obfRoute) ([]*obfProc, error) {
	var cmds []*obfProc
	for i, r := range routes {
		cfg := fmt.Sprintf("[%s-%d]\nsource = 127.0.0.1:%d\ntarget = %s\nsource-lport = %d\n",
			iface, i, r.ListenPort, r.Target, obfuscatorSourcePort(meshID, r.Target))
		cfgPath := filepath.Join(confDir(), fmt.Sprintf("%s_obf%d.conf", iface, i))
		if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
			stopCmds(cmds)
			return nil, fmt.Errorf("write obfuscator config: %w", err)
		}

		logFile, err := os.OpenFile(filepath.Join(confDir(), fmt.Sprintf("%s_obf%d.log", iface, i)),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			stopCmds(cmds)
			return nil, fmt.Errorf("open obfuscator log: %w", err)
		}

		cmd := exec.Command(bin, cfgPath)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			_ = logFile.Close()
			stopCmds(cmds)
			return nil, fmt.Errorf("start wg-obfuscator: %w", err)
		}
		p := &obfProc{cmd: cmd, done: make(chan struct{})}
		go func(p *obfProc, f *os.File) {
			_ = p.cmd.Wait()
			_ = f.Close()
			close(p.done)
		}(p, logFile)
		cmds = append(cmds, p)
	}
	return cmds, nil
}

func (m *Manager) stopObfuscators(meshID string) {
	m.mu.Lock()
	cmds := m.obfuscators[meshID]
	delete(m.obfuscators, meshID)
	m.mu.Unlock()
	stopCmds(cmds)
}

func stopCmds(procs []*obfProc) {
	for _, p := range procs {
		if p.cmd.Process == nil {
			continue
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	deadline := time.After(stopGrace)
	for _, p := range procs {
		if p.cmd.Process == nil {
			continue
		}
		// The reaper goroutine owns Wait; it closes done once the
		// process has been collected.
		select {
		case <-p.done:
		case <-deadline:
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	}
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
