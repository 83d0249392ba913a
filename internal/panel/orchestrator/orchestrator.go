// Package orchestrator drives tunnel lifecycles: node resolution, port
// planning, config composition, and two-phase dispatch with rollback.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/adapter"
	"github.com/zZedix/smite/internal/netaddr"
	"github.com/zZedix/smite/internal/panel/metrics"
	"github.com/zZedix/smite/internal/panel/store"

	"github.com/google/uuid"
)

// ValidationError is a request rejected at the boundary, with no side
// effects.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError is a request colliding with existing state.
type ConflictError struct{ Msg string }

func (e *ConflictError) Error() string { return e.Msg }

// NodeClient is the slice of the node API the orchestrator drives.
type NodeClient interface {
	ApplyTunnel(ctx context.Context, node smite.Node, tunnelID string, core smite.Core, typ string, spec smite.Spec) error
	RemoveTunnel(ctx context.Context, node smite.Node, tunnelID string) error
}

// ServerManager supervises Panel-local server helpers.
type ServerManager interface {
	Restart(ctx context.Context, tunnelID string, core smite.Core, spec smite.Spec) error
	Stop(ctx context.Context, tunnelID string) error
}

// RequestInfo carries the HTTP request facts server-address synthesis
// may need.
type RequestInfo struct {
	ForwardedHost string // X-Forwarded-Host
	Host          string // request Host header
}

// CreateRequest is the validated input for a new tunnel.
type CreateRequest struct {
	Name          string
	Core          smite.Core
	Type          string
	NodeID        string
	IranNodeID    string
	ForeignNodeID string
	Spec          smite.Spec
	QuotaMB       float64
	ExpiresAt     *time.Time
}

type Orchestrator struct {
	store   *store.Store
	nodes   NodeClient
	servers ServerManager
	apiPort int
	log     *slog.Logger
}

func New(s *store.Store, nodes NodeClient, servers ServerManager, apiPort int) *Orchestrator {
	return &Orchestrator{
		store:   s,
		nodes:   nodes,
		servers: servers,
		apiPort: apiPort,
		log:     slog.With("component", "orchestrator"),
	}
}

// normalizeType falls back to tcp for anything but tcp or udp.
func normalizeType(typ string) string {
	if typ == "udp" {
		return "udp"
	}
	return "tcp"
}

// Create validates, persists, and dispatches a new tunnel. The returned
// row carries the final status: active on double success, error with a
// message otherwise.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest, info RequestInfo) (smite.Tunnel, error) {
	if req.Name == "" {
		return smite.Tunnel{}, validationf("tunnel name is required")
	}
	if !req.Core.Valid() || req.Core == smite.CoreWireGuard {
		return smite.Tunnel{}, validationf("unknown core %q", req.Core)
	}
	if req.Spec == nil {
		req.Spec = smite.Spec{}
	}
	existing, err := o.store.ListTunnels()
	if err != nil {
		return smite.Tunnel{}, err
	}
	for _, t := range existing {
		if t.Name == req.Name {
			return smite.Tunnel{}, &ConflictError{Msg: fmt.Sprintf("tunnel named %q already exists", req.Name)}
		}
	}

	now := time.Now().UTC()
	tunnel := smite.Tunnel{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Core:      req.Core,
		Type:      normalizeType(req.Type),
		Spec:      req.Spec.Clone(),
		Status:    smite.TunnelPending,
		QuotaMB:   req.QuotaMB,
		ExpiresAt: req.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.Core == smite.CoreGost {
		node, err := o.resolveSingle(req)
		if err != nil {
			return smite.Tunnel{}, err
		}
		tunnel.NodeID = node.ID
		if err := o.store.SaveTunnel(tunnel); err != nil {
			return smite.Tunnel{}, err
		}
		return o.finishDispatch(tunnel, o.dispatchSingle(ctx, tunnel, node))
	}

	iran, foreign, panelMode, err := o.resolveReverse(req)
	if err != nil {
		return smite.Tunnel{}, err
	}
	tunnel.ForeignNodeID = foreign.ID
	if !panelMode {
		tunnel.NodeID = iran.ID
	}
	o.planPorts(&tunnel)

	if panelMode {
		// Validate the reachable panel host before any side effect.
		if _, err := o.serverAddress(foreign, tunnel.Spec, info); err != nil {
			return smite.Tunnel{}, err
		}
	}

	if err := o.store.SaveTunnel(tunnel); err != nil {
		return smite.Tunnel{}, err
	}
	if panelMode {
		return o.finishDispatch(tunnel, o.dispatchPanelServer(ctx, tunnel, foreign, info))
	}
	return o.finishDispatch(tunnel, o.dispatchReverse(ctx, tunnel, iran, foreign))
}

// Update re-dispatches a tunnel when its spec changed, bumping the
// revision. The new spec is persisted even when dispatch fails, so the
// next attempt starts from the user's intent.
func (o *Orchestrator) Update(ctx context.Context, id string, newSpec smite.Spec, info RequestInfo) (smite.Tunnel, error) {
	tunnel, err := o.store.GetTunnel(id)
	if err != nil {
		return smite.Tunnel{}, err
	}
	if newSpec == nil {
		newSpec = smite.Spec{}
	}
	if specEqual(tunnel.Spec, newSpec) {
		return tunnel, nil
	}

	tunnel.Spec = newSpec.Clone()
	tunnel.Revision++
	tunnel.UpdatedAt = time.Now().UTC()
	o.planPorts(&tunnel)
	if err := o.store.SaveTunnel(tunnel); err != nil {
		return smite.Tunnel{}, err
	}
	return o.Apply(ctx, tunnel.ID, info)
}

// Apply re-dispatches the persisted spec to the tunnel's endpoints.
func (o *Orchestrator) Apply(ctx context.Context, id string, info RequestInfo) (smite.Tunnel, error) {
	tunnel, err := o.store.GetTunnel(id)
	if err != nil {
		return smite.Tunnel{}, err
	}
	return o.finishDispatch(tunnel, o.dispatch(ctx, tunnel, info))
}

// Delete tears the tunnel down on every endpoint, best effort, then
// drops the row.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	tunnel, err := o.store.GetTunnel(id)
	if err != nil {
		return err
	}

	if tunnel.NodeID != "" {
		if node, nerr := o.store.GetNode(tunnel.NodeID); nerr == nil {
			if rerr := o.nodes.RemoveTunnel(ctx, node, tunnel.ID); rerr != nil {
				o.log.Warn("remove tunnel from node", "tunnel", tunnel.ID, "node", node.ID, "err", rerr)
			}
		}
	}
	if tunnel.ForeignNodeID != "" {
		if node, nerr := o.store.GetNode(tunnel.ForeignNodeID); nerr == nil {
			if rerr := o.nodes.RemoveTunnel(ctx, node, tunnel.ID); rerr != nil {
				o.log.Warn("remove tunnel from foreign node", "tunnel", tunnel.ID, "node", node.ID, "err", rerr)
			}
		}
	}
	if o.isPanelMode(tunnel) {
		if serr := o.servers.Stop(ctx, tunnel.ID); serr != nil {
			o.log.Warn("stop panel-local server", "tunnel", tunnel.ID, "err", serr)
		}
	}
	return o.store.DeleteTunnel(tunnel.ID)
}

// Reconcile re-dispatches every active tunnel. Nodes restore their own
// state independently, so this is additive: a tunnel already running on
// a node is simply reapplied in place.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	tunnels, err := o.store.ListTunnelsByStatus(smite.TunnelActive)
	if err != nil {
		o.log.Error("list active tunnels for reconciliation", "err", err)
		return
	}
	for _, tunnel := range tunnels {
		if _, err := o.finishDispatch(tunnel, o.dispatch(ctx, tunnel, RequestInfo{})); err != nil {
			o.log.Warn("reconcile tunnel", "tunnel", tunnel.ID, "err", err)
		}
	}
	o.log.Info("startup reconciliation finished", "tunnels", len(tunnels))
}

// ResetCore re-dispatches every active tunnel of one core, for the
// auto-reset scheduler. Per-tunnel failures do not abort the cycle.
func (o *Orchestrator) ResetCore(ctx context.Context, core smite.Core) {
	tunnels, err := o.store.ListTunnelsByCore(core)
	if err != nil {
		o.log.Error("list tunnels for reset", "core", core, "err", err)
		return
	}
	for _, tunnel := range tunnels {
		if tunnel.Status != smite.TunnelActive {
			continue
		}
		if _, err := o.finishDispatch(tunnel, o.dispatch(ctx, tunnel, RequestInfo{})); err != nil {
			o.log.Warn("reset tunnel", "tunnel", tunnel.ID, "core", core, "err", err)
		}
	}
	metrics.ResetRuns.WithLabelValues(string(core)).Inc()
}

// isPanelMode reports whether the Panel itself is the server endpoint.
func (o *Orchestrator) isPanelMode(t smite.Tunnel) bool {
	return t.NodeID == "" && t.ForeignNodeID != ""
}

// dispatch routes to the shape-appropriate dispatch path.
func (o *Orchestrator) dispatch(ctx context.Context, t smite.Tunnel, info RequestInfo) error {
	switch {
	case o.isPanelMode(t):
		foreign, err := o.store.GetNode(t.ForeignNodeID)
		if err != nil {
			return err
		}
		return o.dispatchPanelServer(ctx, t, foreign, info)
	case t.ForeignNodeID != "":
		iran, err := o.store.GetNode(t.NodeID)
		if err != nil {
			return err
		}
		foreign, err := o.store.GetNode(t.ForeignNodeID)
		if err != nil {
			return err
		}
		return o.dispatchReverse(ctx, t, iran, foreign)
	default:
		node, err := o.store.GetNode(t.NodeID)
		if err != nil {
			return err
		}
		return o.dispatchSingle(ctx, t, node)
	}
}

// finishDispatch records the outcome of a dispatch on the row. Every
// status transition increments the revision.
func (o *Orchestrator) finishDispatch(t smite.Tunnel, dispatchErr error) (smite.Tunnel, error) {
	prev := t.Status
	t.UpdatedAt = time.Now().UTC()
	if dispatchErr != nil {
		t.Status = smite.TunnelError
		t.ErrorMessage = dispatchErr.Error()
		metrics.Dispatches.WithLabelValues(string(t.Core), "error").Inc()
	} else {
		t.Status = smite.TunnelActive
		t.ErrorMessage = ""
		metrics.Dispatches.WithLabelValues(string(t.Core), "ok").Inc()
	}
	if t.Status != prev {
		t.Revision++
	}
	if err := o.store.SaveTunnel(t); err != nil {
		o.log.Error("persist tunnel outcome", "tunnel", t.ID, "err", err)
	}
	return t, dispatchErr
}

// planPorts derives deterministic ports the spec leaves open. FRP gets
// a stable control port from the tunnel id.
func (o *Orchestrator) planPorts(t *smite.Tunnel) {
	if t.Core != smite.CoreFRP {
		return
	}
	if !t.Spec.Has("bind_port") {
		t.Spec["bind_port"] = smite.DerivePort(t.ID, smite.FRPControlPortBase, smite.FRPControlPortSpan)
	}
	t.Spec["server_port"] = t.Spec.GetInt("bind_port")
}

func (o *Orchestrator) dispatchSingle(ctx context.Context, t smite.Tunnel, node smite.Node) error {
	return o.nodes.ApplyTunnel(ctx, node, t.ID, t.Core, t.Type, t.Spec)
}

// dispatchReverse applies the server side to the iran node first, then
// the client side to the foreign node, rolling the server back when the
// client fails.
func (o *Orchestrator) dispatchReverse(ctx context.Context, t smite.Tunnel, iran, foreign smite.Node) error {
	serverSpec := t.Spec.Clone()
	serverSpec["mode"] = "server"

	clientSpec := o.clientSpec(t, iran.IP())

	if err := o.nodes.ApplyTunnel(ctx, iran, t.ID, t.Core, t.Type, serverSpec); err != nil {
		return fmt.Errorf("apply server side on %s: %w", iran.Name, err)
	}
	if err := o.nodes.ApplyTunnel(ctx, foreign, t.ID, t.Core, t.Type, clientSpec); err != nil {
		if rerr := o.nodes.RemoveTunnel(ctx, iran, t.ID); rerr != nil {
			o.log.Warn("rollback server side", "tunnel", t.ID, "node", iran.ID, "err", rerr)
		}
		metrics.Rollbacks.Inc()
		return fmt.Errorf("apply client side on %s: %w", foreign.Name, err)
	}
	return nil
}

// dispatchPanelServer starts the Panel-local server helper, then applies
// the client side to the foreign node.
func (o *Orchestrator) dispatchPanelServer(ctx context.Context, t smite.Tunnel, foreign smite.Node, info RequestInfo) error {
	bindPort := t.Spec.GetInt("bind_port")
	if bindPort == o.apiPort {
		return validationf("bind_port %d collides with the panel api port", bindPort)
	}
	host, err := o.serverAddress(foreign, t.Spec, info)
	if err != nil {
		return err
	}

	if err := o.servers.Restart(ctx, t.ID, t.Core, t.Spec); err != nil {
		return fmt.Errorf("start panel-local %s server: %w", t.Core, err)
	}

	clientSpec := o.clientSpec(t, host)
	if err := o.nodes.ApplyTunnel(ctx, foreign, t.ID, t.Core, t.Type, clientSpec); err != nil {
		if serr := o.servers.Stop(ctx, t.ID); serr != nil {
			o.log.Warn("rollback panel-local server", "tunnel", t.ID, "err", serr)
		}
		metrics.Rollbacks.Inc()
		return fmt.Errorf("apply client side on %s: %w", foreign.Name, err)
	}
	return nil
}

// clientSpec composes the foreign-side spec pointing at the server
// host, translating the resolved address into the key each core's
// client actually reads. User-supplied values win.
func (o *Orchestrator) clientSpec(t smite.Tunnel, serverHost string) smite.Spec {
	spec := t.Spec.Clone()
	spec["mode"] = "client"
	spec["server_addr"] = serverHost
	if port := spec.GetInt("bind_port"); port != 0 {
		spec["server_port"] = port
	}
	spec["type"] = t.Type
	if !spec.Has("local_ip") {
		spec["local_ip"] = serverHost
	}
	if !spec.Has("local_port") {
		if port := spec.GetInt("bind_port"); port != 0 {
			spec["local_port"] = port
		}
	}

	controlPort := adapter.ControlPort(t.Core, t.Spec)
	switch t.Core {
	case smite.CoreRathole, smite.CoreBackhaul:
		if !spec.Has("remote_addr") && controlPort != 0 {
			spec["remote_addr"] = fmt.Sprintf("%s:%d", serverHost, controlPort)
		}
	case smite.CoreChisel:
		if !spec.Has("server_url") && controlPort != 0 {
			spec["server_url"] = fmt.Sprintf("http://%s:%d", serverHost, controlPort)
		}
	}
	return spec
}

// resolveSingle picks the node a single-endpoint tunnel runs on.
func (o *Orchestrator) resolveSingle(req CreateRequest) (smite.Node, error) {
	id := req.NodeID
	if id == "" {
		id = req.IranNodeID
	}
	if id != "" {
		return o.store.GetNode(id)
	}
	node, ok, err := o.firstByRole(smite.RoleIran)
	if err != nil {
		return smite.Node{}, err
	}
	if !ok {
		return smite.Node{}, validationf("no node specified and no iran-role node registered")
	}
	return node, nil
}

// resolveReverse resolves both endpoints of a reverse tunnel. When no
// iran candidate exists and the core is frp, the Panel takes the server
// role (panelMode true).
func (o *Orchestrator) resolveReverse(req CreateRequest) (iran, foreign smite.Node, panelMode bool, err error) {
	iranID := req.IranNodeID
	if iranID == "" {
		iranID = req.NodeID
	}

	if req.ForeignNodeID != "" {
		foreign, err = o.store.GetNode(req.ForeignNodeID)
		if err != nil {
			return
		}
		if role := foreign.Role(); role != smite.RoleForeign {
			err = validationf("node %s has role %q, expected foreign", foreign.Name, role)
			return
		}
	} else {
		var ok bool
		foreign, ok, err = o.firstByRole(smite.RoleForeign)
		if err != nil {
			return
		}
		if !ok {
			err = validationf("no foreign node specified and none registered")
			return
		}
	}

	if iranID != "" {
		iran, err = o.store.GetNode(iranID)
		if err != nil {
			return
		}
		if role := iran.Role(); role != smite.RoleIran {
			err = validationf("node %s has role %q, expected iran", iran.Name, role)
			return
		}
		return
	}

	var ok bool
	iran, ok, err = o.firstByRole(smite.RoleIran)
	if err != nil {
		return
	}
	if !ok {
		if req.Core == smite.CoreFRP {
			panelMode = true
			return
		}
		err = validationf("no iran node specified and none registered")
	}
	return
}

func (o *Orchestrator) firstByRole(role smite.NodeRole) (smite.Node, bool, error) {
	nodes, err := o.store.ListNodes()
	if err != nil {
		return smite.Node{}, false, err
	}
	for _, n := range nodes {
		if n.Role() == role && n.Status != smite.NodeInactive {
			return n, true, nil
		}
	}
	return smite.Node{}, false, nil
}

var unroutableHosts = map[string]bool{
	"":          true,
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

// serverAddress derives the host foreign clients must reach the Panel
// on. Sources are consulted in strict order, each rejecting loopback
// and empty values; IPv6 literals come back bracketed.
func (o *Orchestrator) serverAddress(foreign smite.Node, spec smite.Spec, info RequestInfo) (string, error) {
	sources := []struct {
		name  string
		value string
	}{
		{"node metadata panel_address", foreign.Metadata[smite.MetaPanelAddress]},
		{"spec panel_host", spec.GetString("panel_host")},
		{"X-Forwarded-Host header", info.ForwardedHost},
		{"request host", info.Host},
		{"PANEL_PUBLIC_IP", os.Getenv("PANEL_PUBLIC_IP")},
		{"PANEL_IP", os.Getenv("PANEL_IP")},
	}

	consulted := make([]string, 0, len(sources))
	for _, src := range sources {
		consulted = append(consulted, src.name)
		host := hostOnly(src.value)
		if unroutableHosts[host] {
			continue
		}
		if netaddr.IsIPv6(host) {
			return "[" + host + "]", nil
		}
		return host, nil
	}
	return "", validationf(
		"cannot determine a reachable panel address for the client side; set node metadata panel_address, spec.panel_host, an X-Forwarded-Host header, or PANEL_PUBLIC_IP/PANEL_IP (consulted: %s)",
		strings.Join(consulted, ", "))
}

// hostOnly strips an attached port and scheme noise from a candidate
// host value.
func hostOnly(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "http://")
	value = strings.TrimPrefix(value, "https://")
	value = strings.TrimSuffix(value, "/")
	if value == "" {
		return ""
	}
	hp, err := netaddr.Parse(value)
	if err != nil {
		return value
	}
	return hp.Host
}

// specEqual compares two specs through their canonical JSON encoding,
// so 9000 and 9000.0 are the same value.
func specEqual(a, b smite.Spec) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
