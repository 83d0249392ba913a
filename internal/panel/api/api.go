// Package api is the Panel's HTTP surface: node registration, tunnel
// and mesh lifecycles, overlay pool management, and core health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/nodeclient"
	"github.com/zZedix/smite/internal/panel/ipam"
	"github.com/zZedix/smite/internal/panel/mesh"
	"github.com/zZedix/smite/internal/panel/orchestrator"
	"github.com/zZedix/smite/internal/panel/store"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const probeTimeout = 3 * time.Second

// Prober checks whether a node's agent answers.
type Prober interface {
	Probe(ctx context.Context, node smite.Node) error
}

type Server struct {
	store   *store.Store
	orch    *orchestrator.Orchestrator
	mesh    *mesh.Composer
	ipam    *ipam.Allocator
	prober  Prober
	version string
	log     *slog.Logger
}

func NewServer(s *store.Store, orch *orchestrator.Orchestrator, composer *mesh.Composer, allocator *ipam.Allocator, prober Prober, version string) *Server {
	return &Server{
		store:   s,
		orch:    orch,
		mesh:    composer,
		ipam:    allocator,
		prober:  prober,
		version: version,
		log:     slog.With("component", "api"),
	}
}

// Router builds the panel route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/nodes", s.handleNodeRegister).Methods(http.MethodPost)
	api.HandleFunc("/nodes", s.handleNodeList).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{id}", s.handleNodeDelete).Methods(http.MethodDelete)

	api.HandleFunc("/tunnels", s.handleTunnelCreate).Methods(http.MethodPost)
	api.HandleFunc("/tunnels", s.handleTunnelList).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/{id}", s.handleTunnelGet).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/{id}", s.handleTunnelUpdate).Methods(http.MethodPut)
	api.HandleFunc("/tunnels/{id}", s.handleTunnelDelete).Methods(http.MethodDelete)
	api.HandleFunc("/tunnels/{id}/apply", s.handleTunnelApply).Methods(http.MethodPost)

	api.HandleFunc("/mesh/create", s.handleMeshCreate).Methods(http.MethodPost)
	api.HandleFunc("/mesh", s.handleMeshList).Methods(http.MethodGet)
	api.HandleFunc("/mesh/{id}/apply", s.handleMeshApply).Methods(http.MethodPost)
	api.HandleFunc("/mesh/{id}/rotate-keys", s.handleMeshRotate).Methods(http.MethodPost)
	api.HandleFunc("/mesh/{id}", s.handleMeshDelete).Methods(http.MethodDelete)

	api.HandleFunc("/overlay/pool", s.handlePoolSet).Methods(http.MethodPost)
	api.HandleFunc("/overlay/pool", s.handlePoolGet).Methods(http.MethodGet)
	api.HandleFunc("/overlay/pool", s.handlePoolDelete).Methods(http.MethodDelete)
	api.HandleFunc("/overlay/assign/{node}", s.handleAssign).Methods(http.MethodPost, http.MethodPut)

	api.HandleFunc("/core-health/reset-config", s.handleResetConfigList).Methods(http.MethodGet)
	api.HandleFunc("/core-health/reset-config/{core}", s.handleResetConfigPut).Methods(http.MethodPut)
	return r
}

// ListenAndServe runs the panel API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("panel api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.version})
}

// Nodes

type registerNodeRequest struct {
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "node name is required")
		return
	}
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	role := smite.NodeRole(req.Metadata[smite.MetaRole])
	if role != smite.RoleIran && role != smite.RoleForeign {
		writeError(w, http.StatusBadRequest, "metadata.role must be iran or foreign")
		return
	}

	now := time.Now().UTC()
	fingerprint := smite.Fingerprint(req.Metadata[smite.MetaIPAddress] + ":" + req.Metadata[smite.MetaAPIPort])

	node, err := s.store.GetNodeByName(req.Name)
	switch {
	case err == nil:
		if node.Role() != role {
			writeError(w, http.StatusConflict,
				fmt.Sprintf("node %q is registered as %s, refusing role change to %s", req.Name, node.Role(), role))
			return
		}
		node.Fingerprint = fingerprint
		node.Metadata = req.Metadata
		node.Status = smite.NodeActive
		node.LastSeen = now
	case errors.Is(err, store.ErrNotFound):
		node = smite.Node{
			ID:           uuid.NewString(),
			Name:         req.Name,
			Fingerprint:  fingerprint,
			Status:       smite.NodeActive,
			Metadata:     req.Metadata,
			RegisteredAt: now,
			LastSeen:     now,
		}
	default:
		s.writeErr(w, err)
		return
	}

	if err := s.store.SaveNode(node); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "node": node})
}

type nodeView struct {
	smite.Node
	ConnectionStatus string `json:"connection_status"`
}

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes()
	if err != nil {
		s.writeErr(w, err)
		return
	}

	out := make([]nodeView, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, nodeView{Node: node, ConnectionStatus: s.connectionStatus(r.Context(), node)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "nodes": out})
}

// connectionStatus synthesises a liveness label from a probe and the
// registration history.
func (s *Server) connectionStatus(ctx context.Context, node smite.Node) string {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := s.prober.Probe(probeCtx, node); err == nil {
		return "connected"
	}
	switch {
	case node.Status == smite.NodePending:
		return "connecting"
	case time.Since(node.LastSeen) < 2*time.Minute:
		return "reconnecting"
	default:
		return "failed"
	}
}

func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetNode(id); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.store.DeleteNode(id); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Tunnels

type createTunnelRequest struct {
	Name          string     `json:"name"`
	Core          smite.Core `json:"core"`
	Type          string     `json:"type"`
	NodeID        string     `json:"node_id"`
	IranNodeID    string     `json:"iran_node_id"`
	ForeignNodeID string     `json:"foreign_node_id"`
	Spec          smite.Spec `json:"spec"`
	QuotaMB       float64    `json:"quota_mb"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

func requestInfo(r *http.Request) orchestrator.RequestInfo {
	return orchestrator.RequestInfo{
		ForwardedHost: r.Header.Get("X-Forwarded-Host"),
		Host:          r.Host,
	}
}

func (s *Server) handleTunnelCreate(w http.ResponseWriter, r *http.Request) {
	var req createTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	tunnel, err := s.orch.Create(r.Context(), orchestrator.CreateRequest{
		Name:          req.Name,
		Core:          req.Core,
		Type:          req.Type,
		NodeID:        req.NodeID,
		IranNodeID:    req.IranNodeID,
		ForeignNodeID: req.ForeignNodeID,
		Spec:          req.Spec,
		QuotaMB:       req.QuotaMB,
		ExpiresAt:     req.ExpiresAt,
	}, requestInfo(r))
	if err != nil && tunnel.ID == "" {
		s.writeErr(w, err)
		return
	}
	// A dispatched-but-failed tunnel still returns the row; the error is
	// on it.
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tunnel": tunnel})
}

func (s *Server) handleTunnelList(w http.ResponseWriter, _ *http.Request) {
	tunnels, err := s.store.ListTunnels()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tunnels": tunnels})
}

func (s *Server) handleTunnelGet(w http.ResponseWriter, r *http.Request) {
	tunnel, err := s.store.GetTunnel(mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tunnel": tunnel})
}

func (s *Server) handleTunnelUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Spec smite.Spec `json:"spec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	tunnel, err := s.orch.Update(r.Context(), mux.Vars(r)["id"], body.Spec, requestInfo(r))
	if err != nil && tunnel.ID == "" {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tunnel": tunnel})
}

func (s *Server) handleTunnelDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleTunnelApply(w http.ResponseWriter, r *http.Request) {
	tunnel, err := s.orch.Apply(r.Context(), mux.Vars(r)["id"], requestInfo(r))
	if err != nil && tunnel.ID == "" {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tunnel": tunnel})
}

// Mesh

type createMeshRequest struct {
	Name          string              `json:"name"`
	NodeIDs       []string            `json:"node_ids"`
	LANSubnets    map[string]string   `json:"lan_subnets"`
	OverlaySubnet string              `json:"overlay_subnet"`
	Topology      smite.MeshTopology  `json:"topology"`
	MTU           int                 `json:"mtu"`
	Transport     smite.MeshTransport `json:"transport"`
	WireGuardPort int                 `json:"wireguard_port"`
}

func (s *Server) handleMeshCreate(w http.ResponseWriter, r *http.Request) {
	var req createMeshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	m, err := s.mesh.Create(mesh.CreateRequest{
		Name:          req.Name,
		NodeIDs:       req.NodeIDs,
		LANSubnets:    req.LANSubnets,
		OverlaySubnet: req.OverlaySubnet,
		Topology:      req.Topology,
		MTU:           req.MTU,
		Transport:     req.Transport,
		WireGuardPort: req.WireGuardPort,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mesh": m})
}

func (s *Server) handleMeshList(w http.ResponseWriter, _ *http.Request) {
	meshes, err := s.store.ListMeshes()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "meshes": meshes})
}

func (s *Server) handleMeshApply(w http.ResponseWriter, r *http.Request) {
	m, err := s.mesh.Apply(r.Context(), mux.Vars(r)["id"])
	if err != nil && m.ID == "" {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mesh": m})
}

func (s *Server) handleMeshRotate(w http.ResponseWriter, r *http.Request) {
	m, err := s.mesh.RotateKeys(mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mesh": m})
}

func (s *Server) handleMeshDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.mesh.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// Overlay pool

func (s *Server) handlePoolSet(w http.ResponseWriter, r *http.Request) {
	var pool smite.OverlayPool
	if err := json.NewDecoder(r.Body).Decode(&pool); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if pool.CIDR == "" {
		writeError(w, http.StatusBadRequest, "cidr is required")
		return
	}
	if err := s.store.SetOverlayPool(pool); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pool": pool})
}

func (s *Server) handlePoolGet(w http.ResponseWriter, _ *http.Request) {
	pool, ok, err := s.store.GetOverlayPool()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no overlay pool configured")
		return
	}
	status, err := s.ipam.Status()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pool": pool, "usage": status})
}

func (s *Server) handlePoolDelete(w http.ResponseWriter, _ *http.Request) {
	assignments, err := s.store.ListAssignments()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if len(assignments) > 0 {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("%d overlay assignments still exist, release them first", len(assignments)))
		return
	}
	if err := s.store.DeleteOverlayPool(); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node"]
	var body struct {
		IP string `json:"ip"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	var assignment smite.OverlayAssignment
	var err error
	if r.Method == http.MethodPut {
		if body.IP == "" {
			writeError(w, http.StatusBadRequest, "ip is required for an override")
			return
		}
		assignment, err = s.ipam.Update(nodeID, body.IP)
	} else {
		assignment, err = s.ipam.Allocate(nodeID, body.IP)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "assignment": assignment})
}

// Core health

type resetConfigRequest struct {
	Enabled         *bool `json:"enabled"`
	IntervalMinutes *int  `json:"interval_minutes"`
}

func (s *Server) handleResetConfigList(w http.ResponseWriter, _ *http.Request) {
	configs, err := s.store.ListResetConfigs()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "configs": configs})
}

func (s *Server) handleResetConfigPut(w http.ResponseWriter, r *http.Request) {
	core := smite.Core(mux.Vars(r)["core"])
	if !core.Valid() {
		writeError(w, http.StatusBadRequest, "unknown core "+strconv.Quote(string(core)))
		return
	}
	var req resetConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	cfg, _, err := s.store.GetResetConfig(core)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	cfg.Core = core
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if req.IntervalMinutes != nil {
		if *req.IntervalMinutes < 0 {
			writeError(w, http.StatusBadRequest, "interval_minutes must not be negative")
			return
		}
		cfg.IntervalMinutes = *req.IntervalMinutes
	}
	if cfg.Enabled && cfg.IntervalMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "enabling auto-reset requires a positive interval_minutes")
		return
	}
	// A fresh enable schedules the first reset one interval out.
	if cfg.Enabled && cfg.NextReset == nil {
		next := time.Now().UTC().Add(time.Duration(cfg.IntervalMinutes) * time.Minute)
		cfg.NextReset = &next
	}
	if !cfg.Enabled {
		cfg.NextReset = nil
	}

	if err := s.store.SaveResetConfig(cfg); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "config": cfg})
}

// Error mapping

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var verr *orchestrator.ValidationError
	var cerr *orchestrator.ConflictError
	var unreachable *nodeclient.ErrNodeUnreachable

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Msg)
	case errors.As(err, &cerr):
		writeError(w, http.StatusConflict, cerr.Msg)
	case errors.Is(err, ipam.ErrInvalidPreferred), errors.Is(err, ipam.ErrNoPool):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ipam.ErrPreferredTaken), errors.Is(err, ipam.ErrPoolExhausted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &unreachable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"status": "error", "error": msg})
}
