package nodeagent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/zZedix/smite"
	"github.com/zZedix/smite/internal/adapter/wgmesh"

	"github.com/gorilla/mux"
)

// Server is the agent HTTP surface the Panel drives.
type Server struct {
	manager *Manager
	mesh    *wgmesh.Manager
	name    string
	version string
}

func NewServer(manager *Manager, mesh *wgmesh.Manager, name, version string) *Server {
	return &Server{manager: manager, mesh: mesh, name: name, version: version}
}

// Router builds the agent route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/agent").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/tunnels/apply", s.handleTunnelApply).Methods(http.MethodPost)
	api.HandleFunc("/tunnels/remove", s.handleTunnelRemove).Methods(http.MethodPost)
	api.HandleFunc("/tunnels/status", s.handleTunnelStatus).Methods(http.MethodGet)
	api.HandleFunc("/mesh/apply", s.handleMeshApply).Methods(http.MethodPost)
	api.HandleFunc("/mesh/remove", s.handleMeshRemove).Methods(http.MethodPost)
	api.HandleFunc("/mesh/{id}/status", s.handleMeshStatus).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the agent API until ctx is cancelled.
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
	slog.Info("agent api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type applyTunnelRequest struct {
	TunnelID string     `json:"tunnel_id"`
	Core     smite.Core `json:"core"`
	Type     string     `json:"type,omitempty"`
	Spec     smite.Spec `json:"spec"`
}

type removeTunnelRequest struct {
	TunnelID string `json:"tunnel_id"`
}

type applyMeshRequest struct {
	MeshID string     `json:"mesh_id"`
	Spec   smite.Spec `json:"spec"`
}

type removeMeshRequest struct {
	MeshID string `json:"mesh_id"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"name":           s.name,
		"version":        s.version,
		"active_tunnels": len(s.manager.List()),
	})
}

func (s *Server) handleTunnelApply(w http.ResponseWriter, r *http.Request) {
	var req applyTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.TunnelID == "" {
		writeError(w, http.StatusBadRequest, "tunnel_id is required")
		return
	}
	if !req.Core.Valid() || req.Core == smite.CoreWireGuard {
		writeError(w, http.StatusBadRequest, "unknown core "+string(req.Core))
		return
	}
	if req.Spec == nil {
		req.Spec = smite.Spec{}
	}
	if err := s.manager.Apply(r.Context(), req.TunnelID, req.Core, req.Type, req.Spec); err != nil {
		slog.Error("apply tunnel", "tunnel", req.TunnelID, "core", req.Core, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tunnel_id": req.TunnelID})
}

func (s *Server) handleTunnelRemove(w http.ResponseWriter, r *http.Request) {
	var req removeTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.TunnelID == "" {
		writeError(w, http.StatusBadRequest, "tunnel_id is required")
		return
	}
	if err := s.manager.Remove(r.Context(), req.TunnelID); err != nil {
		slog.Error("remove tunnel", "tunnel", req.TunnelID, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tunnel_id": req.TunnelID})
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("tunnel_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "tunnel_id query parameter is required")
		return
	}
	st, rec, used, ok := s.manager.Status(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tunnel "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"tunnel_id":  id,
		"core":       rec.Core,
		"type":       rec.Type,
		"state":      st,
		"used_bytes": used,
	})
}

func (s *Server) handleMeshApply(w http.ResponseWriter, r *http.Request) {
	var req applyMeshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.MeshID == "" {
		writeError(w, http.StatusBadRequest, "mesh_id is required")
		return
	}
	if err := s.mesh.Apply(r.Context(), req.MeshID, req.Spec); err != nil {
		slog.Error("apply mesh", "mesh", req.MeshID, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mesh_id": req.MeshID})
}

func (s *Server) handleMeshRemove(w http.ResponseWriter, r *http.Request) {
	var req removeMeshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.MeshID == "" {
		writeError(w, http.StatusBadRequest, "mesh_id is required")
		return
	}
	if err := s.mesh.Remove(r.Context(), req.MeshID); err != nil {
		slog.Error("remove mesh", "mesh", req.MeshID, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mesh_id": req.MeshID})
}

func (s *Server) handleMeshStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.mesh.Status(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mesh_id": id, "state": st})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"status": "error", "error": msg})
}
