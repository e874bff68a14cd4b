package audit

import (
	"net/http"
	"strconv"

	"github.com/videowall-io/controlplane/pkg/api"
)

// IngestRequest is the body of POST /ingest.
type IngestRequest struct {
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	ObjectType string         `json:"object_type"`
	ObjectID   string         `json:"object_id"`
	Details    map[string]any `json:"details"`
	ChainID    string         `json:"chain_id,omitempty"`
}

// Service is the standalone audit HTTP surface.
type Service struct {
	Store   *Store
	ChainID string
}

// Routes registers the audit endpoints on mux.
func (s *Service) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /query", s.handleQuery)
	mux.HandleFunc("GET /verify", s.handleVerify)
	mux.HandleFunc("GET /export", s.handleExport)
}

func (s *Service) chain(r *http.Request) string {
	if c := r.URL.Query().Get("chain_id"); c != "" {
		return c
	}
	return s.ChainID
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.db.PingContext(r.Context()); err != nil {
		api.WriteDetail(w, http.StatusServiceUnavailable, "db_unavailable")
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "chain_id": s.ChainID})
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, "invalid_json")
		return
	}
	if req.Action == "" {
		api.WriteBadRequest(w, "missing_action")
		return
	}
	chain := req.ChainID
	if chain == "" {
		chain = s.ChainID
	}
	ev, err := s.Store.Append(r.Context(), chain, req.Action, req.Actor, req.ObjectType, req.ObjectID, req.Details)
	if err != nil {
		api.WriteInternal(w, "audit_append_failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, ev)
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := QueryFilter{Action: q.Get("action"), Actor: q.Get("actor")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			api.WriteBadRequest(w, "invalid_limit")
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := ParseTS(v)
		if err != nil {
			api.WriteBadRequest(w, "invalid_since")
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := ParseTS(v)
		if err != nil {
			api.WriteBadRequest(w, "invalid_until")
			return
		}
		f.Until = t
	}
	events, err := s.Store.Query(r.Context(), s.chain(r), f)
	if err != nil {
		api.WriteInternal(w, "audit_query_failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, events)
}

func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	lastN := DefaultVerifyLastN
	if v := r.URL.Query().Get("last_n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			api.WriteBadRequest(w, "invalid_last_n")
			return
		}
		lastN = n
	}
	res, err := s.Store.Verify(r.Context(), s.chain(r), lastN)
	if err != nil {
		api.WriteInternal(w, "audit_verify_failed")
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

// handleExport returns the matching window of the chain in forward order,
// suitable for archival. The chain hash linkage makes the export
// self-verifying.
func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := QueryFilter{Limit: 1000}
	if v := q.Get("since"); v != "" {
		t, err := ParseTS(v)
		if err != nil {
			api.WriteBadRequest(w, "invalid_since")
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := ParseTS(v)
		if err != nil {
			api.WriteBadRequest(w, "invalid_until")
			return
		}
		f.Until = t
	}
	events, err := s.Store.Query(r.Context(), s.chain(r), f)
	if err != nil {
		api.WriteInternal(w, "audit_export_failed")
		return
	}
	// forward order for export
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"chain_id": s.chain(r),
		"count":    len(events),
		"events":   events,
	})
}
