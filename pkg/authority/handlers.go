package authority

import (
	"io"
	"net/http"

	"github.com/videowall-io/controlplane/pkg/api"
)

// Service exposes the read API over the published snapshot.
type Service struct {
	Loader  *Loader
	Watcher *Watcher
}

// Routes registers the authority endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/config", s.handleConfig)
	mux.HandleFunc("GET /api/v1/config/raw", s.handleConfigRaw)
	mux.HandleFunc("GET /api/v1/config/version", s.handleConfigVersion)
	mux.HandleFunc("GET /api/v1/derived", s.handleDerived)
	mux.HandleFunc("GET /api/v1/walls", s.handleWalls)
	mux.HandleFunc("GET /api/v1/walls/{id}", s.handleWall)
	mux.HandleFunc("GET /api/v1/sources", s.handleSources)
	mux.HandleFunc("GET /api/v1/sources/{id}", s.handleSource)
	mux.HandleFunc("GET /api/v1/policy", s.handlePolicy)
	mux.HandleFunc("POST /api/v1/config/dry-run", s.handleDryRun)
	mux.HandleFunc("POST /api/v1/config/reload", s.handleReload)
}

// snapshot returns the active snapshot or writes the 503 no-config error.
func (s *Service) snapshot(w http.ResponseWriter) *Snapshot {
	snap := s.Watcher.Snapshot()
	if snap == nil {
		api.WriteDetail(w, http.StatusServiceUnavailable, "no_active_config")
		return nil
	}
	return snap
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.Watcher.Health())
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Config-Hash", snap.Hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(snap.CanonicalJSON))
}

func (s *Service) handleConfigRaw(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("X-Config-Hash", snap.Hash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(snap.RawYAML))
}

func (s *Service) handleConfigVersion(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"version":     snap.Platform.Version,
		"config_hash": snap.Hash,
		"loaded_from": snap.LoadedFrom,
		"loaded_at":   snap.LoadedAt.UTC(),
	})
}

func (s *Service) handleDerived(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	w.Header().Set("X-Config-Hash", snap.Hash)
	api.WriteJSON(w, http.StatusOK, snap.Derived)
}

func (s *Service) handleWalls(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	walls := make([]map[string]any, 0, len(snap.Walls))
	for _, wall := range snap.Walls {
		walls = append(walls, wall.AsMap())
	}
	w.Header().Set("X-Config-Hash", snap.Hash)
	api.WriteJSON(w, http.StatusOK, map[string]any{"walls": walls, "count": len(walls)})
}

func (s *Service) handleWall(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	wall := snap.Wall(r.PathValue("id"))
	if wall == nil {
		api.WriteNotFound(w, "wall_not_found")
		return
	}
	w.Header().Set("X-Config-Hash", snap.Hash)
	api.WriteJSON(w, http.StatusOK, wall.AsMap())
}

func (s *Service) handleSources(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	sources := make([]map[string]any, 0, len(snap.Sources))
	for _, src := range snap.Sources {
		sources = append(sources, src.AsMap())
	}
	w.Header().Set("X-Config-Hash", snap.Hash)
	api.WriteJSON(w, http.StatusOK, map[string]any{"sources": sources, "count": len(sources)})
}

func (s *Service) handleSource(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	src := snap.Source(r.PathValue("id"))
	if src == nil {
		api.WriteNotFound(w, "source_not_found")
		return
	}
	w.Header().Set("X-Config-Hash", snap.Hash)
	api.WriteJSON(w, http.StatusOK, src.AsMap())
}

func (s *Service) handlePolicy(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	w.Header().Set("X-Config-Hash", snap.Hash)
	api.WriteJSON(w, http.StatusOK, snap.Policy)
}

// handleDryRun validates a candidate YAML body without touching the active
// snapshot. The body is the raw YAML, not wrapped in JSON.
func (s *Service) handleDryRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		api.WriteBadRequest(w, "read_error")
		return
	}
	if len(body) == 0 {
		api.WriteBadRequest(w, "empty_body")
		return
	}
	res := s.Loader.DryRun(body)
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusBadRequest
	}
	api.WriteJSON(w, status, res)
}

func (s *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Watcher.ForceReload()
	if err != nil {
		api.WriteJSON(w, http.StatusBadRequest, map[string]any{
			"reloaded": false,
			"error":    err.Error(),
		})
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"reloaded":    true,
		"config_hash": snap.Hash,
		"version":     snap.Platform.Version,
	})
}
