package mgmt

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/videowall-io/controlplane/pkg/api"
	"github.com/videowall-io/controlplane/pkg/audit"
	"github.com/videowall-io/controlplane/pkg/policy"
)

// Service is the management API: durable CRUD, policy proxy, token
// minting, bundles, audit access, and the reconcile trigger.
type Service struct {
	Store      *Store
	Audit      *audit.Store
	ChainID    string
	Verifier   *Verifier
	Minter     *Minter
	Bundler    *Bundler
	Policy     *PolicyClient
	AuditSvc   *AuditClient
	Gateway    *GatewayClient
	Reconciler *Reconciler
	Log        *slog.Logger
}

// Routes registers every management endpoint on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /internal/v1/tags", s.handleInternalTags)

	mux.Handle("GET /api/v1/auth/whoami", s.protected("viewer", s.handleWhoami))

	mux.Handle("GET /api/v1/walls", s.protected("viewer", s.handleListWalls))
	mux.Handle("GET /api/v1/walls/{id}", s.protected("viewer", s.handleGetWall))
	mux.Handle("POST /api/v1/walls", s.protected("admin", s.handleCreateWall))
	mux.Handle("PUT /api/v1/walls/{id}", s.protected("admin", s.handleUpdateWall))
	mux.Handle("DELETE /api/v1/walls/{id}", s.protected("admin", s.handleDeleteWall))

	mux.Handle("GET /api/v1/sources", s.protected("viewer", s.handleListSources))
	mux.Handle("GET /api/v1/sources/{id}", s.protected("viewer", s.handleGetSource))
	mux.Handle("POST /api/v1/sources", s.protected("operator", s.handleCreateSource))
	mux.Handle("PUT /api/v1/sources/{id}", s.protected("operator", s.handleUpdateSource))
	mux.Handle("DELETE /api/v1/sources/{id}", s.protected("admin", s.handleDeleteSource))

	mux.Handle("GET /api/v1/layouts", s.protected("viewer", s.handleListLayouts))
	mux.Handle("GET /api/v1/layouts/{id}", s.protected("viewer", s.handleGetLayout))
	mux.Handle("POST /api/v1/layouts", s.protected("operator", s.handleCreateLayout))
	mux.Handle("PUT /api/v1/layouts/{id}/activate", s.protected("operator", s.handleActivateLayout))
	mux.Handle("DELETE /api/v1/layouts/{id}", s.protected("admin", s.handleDeleteLayout))

	mux.Handle("POST /api/v1/policy/evaluate", s.protected("viewer", s.handlePolicyEvaluate))
	mux.Handle("POST /api/v1/tokens/subscribe", s.protected("viewer", s.handleTokenSubscribe))

	mux.Handle("POST /api/v1/bundles/export", s.protected("admin", s.handleBundleExport))
	mux.Handle("POST /api/v1/bundles/import", s.protected("admin", s.handleBundleImport))

	mux.Handle("GET /api/v1/audit/query", s.protected("admin", s.handleAuditQuery))
	mux.Handle("GET /api/v1/audit/verify", s.protected("admin", s.handleAuditVerify))
	mux.Handle("GET /api/v1/audit/export", s.protected("admin", s.handleAuditExport))

	mux.Handle("GET /api/v1/health/gateway", s.protected("viewer", s.handleGatewayProbe))
	mux.Handle("POST /api/v1/config/reconcile", s.protected("admin", s.handleReconcile))
}

func (s *Service) protected(role string, h http.HandlerFunc) http.Handler {
	return s.Authenticate(requireRole(role, h))
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// record appends an audit event; the caller's operation is already
// committed, so a failed append surfaces as a 500 without rolling back.
func (s *Service) record(w http.ResponseWriter, r *http.Request, action, objectType, objectID string, details map[string]any) bool {
	claims, _ := ClaimsFrom(r.Context())
	actor := "unknown"
	if claims != nil {
		actor = claims.Actor()
	}
	if _, err := s.Audit.Append(r.Context(), s.ChainID, action, actor, objectType, objectID, details); err != nil {
		s.Log.Error("audit append failed", "action", action, "error", err)
		api.WriteInternal(w, "audit_append_failed")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		api.WriteBadRequest(w, "invalid_id")
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, ErrNotFound):
		api.WriteNotFound(w, notFound)
	case errors.Is(err, ErrConflict):
		api.WriteConflict(w, "version_conflict")
	default:
		api.WriteInternal(w, "")
	}
}

// --- identity ---

func (s *Service) handleWhoami(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFrom(r.Context())
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"sub":      claims.Subject,
		"username": claims.PreferredUsername,
		"roles":    claims.Roles,
	})
}

// --- walls ---

type wallRequest struct {
	Name       string   `json:"name"`
	WallType   string   `json:"wall_type"`
	TileCount  int      `json:"tile_count"`
	Resolution string   `json:"resolution"`
	Tags       []string `json:"tags"`
}

func (wr wallRequest) validate() string {
	if wr.Name == "" {
		return "missing_name"
	}
	if wr.WallType != WallTypeTilewall && wr.WallType != WallTypeBigscreen {
		return "invalid_wall_type"
	}
	if wr.TileCount < 1 {
		return "invalid_tile_count"
	}
	return ""
}

func (s *Service) handleListWalls(w http.ResponseWriter, r *http.Request) {
	walls, err := s.Store.ListWalls(r.Context())
	if err != nil {
		api.WriteInternal(w, "")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"walls": walls, "count": len(walls)})
}

func (s *Service) handleGetWall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	wall, err := s.Store.GetWall(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "wall_not_found")
		return
	}
	api.WriteJSON(w, http.StatusOK, wall)
}

func (s *Service) handleCreateWall(w http.ResponseWriter, r *http.Request) {
	var req wallRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if msg := req.validate(); msg != "" {
		api.WriteBadRequest(w, msg)
		return
	}
	if req.Resolution == "" {
		req.Resolution = "1920x1080"
	}
	wall, err := s.Store.CreateWall(r.Context(), Wall{
		Name: req.Name, WallType: req.WallType, TileCount: req.TileCount,
		Resolution: req.Resolution, Tags: req.Tags,
	})
	if err != nil {
		api.WriteInternal(w, "")
		return
	}
	if !s.record(w, r, "walls.create", "wall", strconv.FormatInt(wall.ID, 10), map[string]any{
		"name": wall.Name, "wall_type": wall.WallType, "tile_count": wall.TileCount,
	}) {
		return
	}
	api.WriteJSON(w, http.StatusCreated, wall)
}

func (s *Service) handleUpdateWall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req wallRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if msg := req.validate(); msg != "" {
		api.WriteBadRequest(w, msg)
		return
	}
	wall, err := s.Store.UpdateWall(r.Context(), Wall{
		ID: id, Name: req.Name, WallType: req.WallType, TileCount: req.TileCount,
		Resolution: req.Resolution, Tags: req.Tags,
	})
	if err != nil {
		writeStoreError(w, err, "wall_not_found")
		return
	}
	if !s.record(w, r, "walls.update", "wall", strconv.FormatInt(id, 10), map[string]any{
		"name": wall.Name, "tile_count": wall.TileCount,
	}) {
		return
	}
	api.WriteJSON(w, http.StatusOK, wall)
}

func (s *Service) handleDeleteWall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Store.DeleteWall(r.Context(), id); err != nil {
		writeStoreError(w, err, "wall_not_found")
		return
	}
	if !s.record(w, r, "walls.delete", "wall", strconv.FormatInt(id, 10), nil) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- sources ---

type sourceRequest struct {
	Name       string   `json:"name"`
	SourceType string   `json:"source_type"`
	Protocol   string   `json:"protocol"`
	Endpoint   string   `json:"endpoint"`
	Codec      string   `json:"codec"`
	Tags       []string `json:"tags"`
	Health     string   `json:"health"`
}

var validProtocols = map[string]bool{
	"rtsp": true, "rtp": true, "srt": true, "webrtc": true, "http": true, "other": true,
}

func (sr sourceRequest) validate() string {
	if sr.Name == "" {
		return "missing_name"
	}
	if sr.SourceType != SourceTypeVDI && sr.SourceType != SourceTypeHDMI {
		return "invalid_source_type"
	}
	if !validProtocols[sr.Protocol] {
		return "invalid_protocol"
	}
	return ""
}

func (s *Service) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.Store.ListSources(r.Context())
	if err != nil {
		api.WriteInternal(w, "")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"sources": sources, "count": len(sources)})
}

func (s *Service) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	src, err := s.Store.GetSource(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "source_not_found")
		return
	}
	api.WriteJSON(w, http.StatusOK, src)
}

func (s *Service) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if msg := req.validate(); msg != "" {
		api.WriteBadRequest(w, msg)
		return
	}
	src, err := s.Store.CreateSource(r.Context(), Source{
		Name: req.Name, SourceType: req.SourceType, Protocol: req.Protocol,
		Endpoint: req.Endpoint, Codec: req.Codec, Tags: req.Tags, Health: req.Health,
	})
	if err != nil {
		api.WriteInternal(w, "")
		return
	}
	if !s.record(w, r, "sources.create", "source", strconv.FormatInt(src.ID, 10), map[string]any{
		"name": src.Name, "source_type": src.SourceType, "protocol": src.Protocol,
	}) {
		return
	}
	api.WriteJSON(w, http.StatusCreated, src)
}

func (s *Service) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req sourceRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if msg := req.validate(); msg != "" {
		api.WriteBadRequest(w, msg)
		return
	}
	if req.Health == "" {
		req.Health = "unknown"
	}
	src, err := s.Store.UpdateSource(r.Context(), Source{
		ID: id, Name: req.Name, SourceType: req.SourceType, Protocol: req.Protocol,
		Endpoint: req.Endpoint, Codec: req.Codec, Tags: req.Tags, Health: req.Health,
	})
	if err != nil {
		writeStoreError(w, err, "source_not_found")
		return
	}
	if !s.record(w, r, "sources.update", "source", strconv.FormatInt(id, 10), map[string]any{
		"name": src.Name,
	}) {
		return
	}
	api.WriteJSON(w, http.StatusOK, src)
}

func (s *Service) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Store.DeleteSource(r.Context(), id); err != nil {
		writeStoreError(w, err, "source_not_found")
		return
	}
	if !s.record(w, r, "sources.delete", "source", strconv.FormatInt(id, 10), nil) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- layouts ---

type layoutRequest struct {
	WallID     int64          `json:"wall_id"`
	Name       string         `json:"name"`
	GridConfig map[string]any `json:"grid_config"`
	Preset     string         `json:"preset"`
	IsActive   bool           `json:"is_active"`
}

func (s *Service) handleListLayouts(w http.ResponseWriter, r *http.Request) {
	var wallID int64
	if v := r.URL.Query().Get("wall_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			api.WriteBadRequest(w, "invalid_wall_id")
			return
		}
		wallID = id
	}
	layouts, err := s.Store.ListLayouts(r.Context(), wallID)
	if err != nil {
		api.WriteInternal(w, "")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"layouts": layouts, "count": len(layouts)})
}

func (s *Service) handleGetLayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	layout, err := s.Store.GetLayout(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "layout_not_found")
		return
	}
	api.WriteJSON(w, http.StatusOK, layout)
}

func (s *Service) handleCreateLayout(w http.ResponseWriter, r *http.Request) {
	var req layoutRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if req.WallID < 1 || req.Name == "" {
		api.WriteBadRequest(w, "missing_field")
		return
	}
	claims, _ := ClaimsFrom(r.Context())
	layout, err := s.Store.CreateLayout(r.Context(), Layout{
		WallID: req.WallID, Name: req.Name, GridConfig: req.GridConfig,
		Preset: req.Preset, IsActive: req.IsActive, CreatedBy: claims.Actor(),
	})
	if err != nil {
		writeStoreError(w, err, "wall_not_found")
		return
	}
	if !s.record(w, r, "layouts.create", "layout", strconv.FormatInt(layout.ID, 10), map[string]any{
		"wall_id": layout.WallID, "version": layout.Version, "is_active": layout.IsActive,
	}) {
		return
	}
	api.WriteJSON(w, http.StatusCreated, layout)
}

func (s *Service) handleActivateLayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	layout, err := s.Store.ActivateLayout(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "layout_not_found")
		return
	}
	if !s.record(w, r, "layouts.activate", "layout", strconv.FormatInt(id, 10), map[string]any{
		"wall_id": layout.WallID, "version": layout.Version,
	}) {
		return
	}
	api.WriteJSON(w, http.StatusOK, layout)
}

func (s *Service) handleDeleteLayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Store.DeleteLayout(r.Context(), id); err != nil {
		writeStoreError(w, err, "layout_not_found")
		return
	}
	if !s.record(w, r, "layouts.delete", "layout", strconv.FormatInt(id, 10), nil) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- policy proxy and tokens ---

func (s *Service) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	var req policy.EvaluateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	claims, _ := ClaimsFrom(r.Context())
	if req.OperatorID == "" {
		req.OperatorID = claims.Actor()
	}
	if req.OperatorRoles == nil {
		req.OperatorRoles = claims.Roles
	}
	dec, err := s.Policy.Evaluate(r.Context(), req)
	if err != nil {
		api.WriteBadGateway(w, "policy_service_error")
		return
	}
	if !s.record(w, r, "policy.evaluate", "policy", req.SourceID, map[string]any{
		"wall_id": req.WallID, "source_id": req.SourceID,
		"allowed": dec.Allowed, "reason": dec.Reason,
	}) {
		return
	}
	api.WriteJSON(w, http.StatusOK, dec)
}

type subscribeRequest struct {
	WallID       string   `json:"wall_id"`
	SourceID     string   `json:"source_id"`
	TileID       string   `json:"tile_id"`
	OperatorTags []string `json:"operator_tags"`
}

func (s *Service) handleTokenSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if req.WallID == "" || req.SourceID == "" {
		api.WriteBadRequest(w, "missing_field")
		return
	}
	claims, _ := ClaimsFrom(r.Context())

	dec, err := s.Policy.Evaluate(r.Context(), policy.EvaluateRequest{
		WallID:        req.WallID,
		SourceID:      req.SourceID,
		OperatorID:    claims.Actor(),
		OperatorRoles: claims.Roles,
		OperatorTags:  req.OperatorTags,
	})
	if err != nil {
		api.WriteBadGateway(w, "policy_service_error")
		return
	}

	if !dec.Allowed {
		if !s.record(w, r, "tokens.subscribe.deny", "source", req.SourceID, map[string]any{
			"wall_id": req.WallID, "reason": dec.Reason,
		}) {
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"allowed": false, "reason": dec.Reason, "token": nil,
		})
		return
	}

	token, exp, err := s.Minter.Mint(claims.Actor(), req.WallID, req.SourceID, req.TileID)
	if err != nil {
		api.WriteInternal(w, "token_mint_failed")
		return
	}
	if !s.record(w, r, "tokens.subscribe.allow", "source", req.SourceID, map[string]any{
		"wall_id": req.WallID, "tile_id": req.TileID, "exp": exp.Unix(),
	}) {
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"allowed": true, "reason": dec.Reason, "token": token,
	})
}

// --- bundles ---

func (s *Service) handleBundleExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ring string `json:"ring"`
	}
	_ = api.DecodeJSON(r, &req)

	bundle, err := s.Bundler.Export(r.Context(), req.Ring)
	if err != nil {
		api.WriteInternal(w, "")
		return
	}
	if !s.record(w, r, "bundles.export", "bundle", req.Ring, map[string]any{
		"walls": len(bundle.Payload.Walls), "sources": len(bundle.Payload.Sources),
	}) {
		return
	}
	api.WriteJSON(w, http.StatusOK, bundle)
}

// handleBundleImport authenticates and stages a bundle; application is a
// separate operator step.
func (s *Service) handleBundleImport(w http.ResponseWriter, r *http.Request) {
	var bundle Bundle
	if err := api.DecodeJSON(r, &bundle); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if err := s.Bundler.VerifyImport(bundle); err != nil {
		api.WriteBadRequest(w, "invalid_hmac")
		return
	}
	if !s.record(w, r, "bundles.import.stage", "bundle", bundle.Ring, map[string]any{
		"walls": len(bundle.Payload.Walls), "sources": len(bundle.Payload.Sources),
	}) {
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"staged":  true,
		"ring":    bundle.Ring,
		"walls":   len(bundle.Payload.Walls),
		"sources": len(bundle.Payload.Sources),
	})
}

// --- audit ---

func (s *Service) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.QueryFilter{Action: q.Get("action"), Actor: q.Get("actor")}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("since"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.Since = ts
		}
	}
	events, err := s.Audit.Query(r.Context(), s.ChainID, filter)
	if err != nil {
		api.WriteInternal(w, "")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Service) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	raw, err := s.AuditSvc.Verify(r.Context(), r.URL.Query().Get("last_n"))
	if err != nil {
		api.WriteBadGateway(w, "audit_service_error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Service) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	raw, err := s.AuditSvc.Export(r.Context())
	if err != nil {
		api.WriteBadGateway(w, "audit_service_error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// --- gateway and reconcile ---

func (s *Service) handleGatewayProbe(w http.ResponseWriter, r *http.Request) {
	raw, err := s.Gateway.Probe(r.Context())
	if err != nil {
		api.WriteBadGateway(w, "gateway_unreachable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// handleReconcile runs one unconditional pass right now.
func (s *Service) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.Reconciler.Pass(r.Context())
	if err != nil {
		api.WriteBadGateway(w, "config_service_error")
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// --- tag enrichment ---

// handleInternalTags serves wall and source tags to the Policy Engine.
// Entities are matched by config marker first, then by name. Marker tags
// themselves are stripped so they never take part in tag matching.
func (s *Service) handleInternalTags(w http.ResponseWriter, r *http.Request) {
	wallID := r.URL.Query().Get("wall_id")
	sourceID := r.URL.Query().Get("source_id")

	out := map[string][]string{
		"wall_tags":   {},
		"source_tags": {},
	}
	if wallID != "" {
		walls, err := s.Store.ListWalls(r.Context())
		if err != nil {
			api.WriteInternal(w, "")
			return
		}
		marker := MarkerTag(wallID)
		for _, wall := range walls {
			if HasMarker(wall.Tags, marker) || wall.Name == wallID {
				out["wall_tags"] = stripMarkers(wall.Tags)
				break
			}
		}
	}
	if sourceID != "" {
		sources, err := s.Store.ListSources(r.Context())
		if err != nil {
			api.WriteInternal(w, "")
			return
		}
		marker := MarkerTag(sourceID)
		for _, src := range sources {
			if HasMarker(src.Tags, marker) || src.Name == sourceID {
				out["source_tags"] = stripMarkers(src.Tags)
				break
			}
		}
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func stripMarkers(tags []string) []string {
	out := []string{}
	for _, t := range tags {
		if strings.HasPrefix(t, "config:") {
			continue
		}
		out = append(out, t)
	}
	return out
}
