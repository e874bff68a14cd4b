package policy

import (
	"net/http"

	"github.com/videowall-io/controlplane/pkg/api"
)

// Service exposes the evaluation API.
type Service struct {
	Engine *Engine
}

// Routes registers the policy endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("GET /policy", s.handlePolicy)
}

// EvaluateRequest is the wire shape of an evaluation call. Wall and source
// tags are looked up server side.
type EvaluateRequest struct {
	WallID        string   `json:"wall_id"`
	SourceID      string   `json:"source_id"`
	OperatorID    string   `json:"operator_id"`
	OperatorRoles []string `json:"operator_roles"`
	OperatorTags  []string `json:"operator_tags"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Engine.Status()
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"policy_source": st.PolicySource,
		"rules":         st.Rules,
	})
}

func (s *Service) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if req.WallID == "" || req.SourceID == "" || req.OperatorID == "" {
		api.WriteBadRequest(w, "missing_field")
		return
	}
	dec := s.Engine.Decide(r.Context(), Input{
		WallID:        req.WallID,
		SourceID:      req.SourceID,
		OperatorID:    req.OperatorID,
		OperatorRoles: req.OperatorRoles,
		OperatorTags:  req.OperatorTags,
	})
	api.WriteJSON(w, http.StatusOK, dec)
}

func (s *Service) handleReload(w http.ResponseWriter, r *http.Request) {
	st := s.Engine.Reload(r.Context())
	api.WriteJSON(w, http.StatusOK, st)
}

func (s *Service) handlePolicy(w http.ResponseWriter, r *http.Request) {
	doc, source := s.Engine.Document()
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"source": source,
		"policy": doc,
	})
}
