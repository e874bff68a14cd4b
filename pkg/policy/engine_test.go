package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReload_FromAuthority(t *testing.T) {
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/policy", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Document{
			Rules: []Rule{{ID: "r1", Effect: "allow", When: []map[string]any{{"always": true}}}},
		})
	}))
	defer authority.Close()

	e := NewEngine(authority.URL, "", 2*time.Second, nil, testLogger())
	st := e.Reload(context.Background())
	require.Equal(t, SourceAuthority, st.PolicySource)
	require.Equal(t, 1, st.Rules)

	doc, source := e.Document()
	require.Equal(t, SourceAuthority, source)
	require.Equal(t, "r1", doc.Rules[0].ID)
}

func TestReload_FallsBackToLocalFile(t *testing.T) {
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer authority.Close()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: local-rule
    effect: deny
    when:
      - always: true
defaults:
  deny_reason: local_policy
`), 0o644))

	e := NewEngine(authority.URL, path, 2*time.Second, nil, testLogger())
	st := e.Reload(context.Background())
	require.Equal(t, SourceLocalFile, st.PolicySource)

	doc, _ := e.Document()
	require.Equal(t, "local-rule", doc.Rules[0].ID)
	require.Equal(t, "local_policy", doc.DenyReason())
}

func TestReload_FallsBackToDefaultDeny(t *testing.T) {
	e := NewEngine("http://127.0.0.1:1", filepath.Join(t.TempDir(), "missing.yaml"), 200*time.Millisecond, nil, testLogger())
	st := e.Reload(context.Background())
	require.Equal(t, SourceDefaultDeny, st.PolicySource)

	dec := e.Decide(context.Background(), Input{WallID: "w", SourceID: "s", OperatorID: "o"})
	require.False(t, dec.Allowed)
}

func TestDecide_EnrichesTags(t *testing.T) {
	mgmt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/internal/v1/tags", r.URL.Path)
		require.Equal(t, "wall-1", r.URL.Query().Get("wall_id"))
		require.Equal(t, "cam-1", r.URL.Query().Get("source_id"))
		_ = json.NewEncoder(w).Encode(tagResponse{
			WallTags:   []string{"zone:north"},
			SourceTags: []string{"zone:north", "cam"},
		})
	}))
	defer mgmt.Close()

	e := NewEngine("", "", time.Second, NewTagClient(mgmt.URL, time.Second, testLogger()), testLogger())
	e.mu.Lock()
	e.doc = &Document{Rules: []Rule{{
		ID: "shared-zone", Effect: "allow",
		When: []map[string]any{{"source_tags_intersect_wall_tags": true}},
	}}}
	e.mu.Unlock()

	dec := e.Decide(context.Background(), Input{WallID: "wall-1", SourceID: "cam-1", OperatorID: "bob"})
	require.True(t, dec.Allowed)
	require.Equal(t, "allowed_by:shared-zone", dec.Reason)
}

func TestDecide_TagLookupFailsOpen(t *testing.T) {
	tags := NewTagClient("http://127.0.0.1:1", 200*time.Millisecond, testLogger())
	e := NewEngine("", "", time.Second, tags, testLogger())
	e.mu.Lock()
	e.doc = &Document{Rules: []Rule{{
		ID: "shared-zone", Effect: "allow",
		When: []map[string]any{{"source_tags_intersect_wall_tags": true}},
	}}}
	e.mu.Unlock()

	// empty tag sets cannot intersect, so the request falls to default deny
	dec := e.Decide(context.Background(), Input{WallID: "w", SourceID: "s", OperatorID: "o"})
	require.False(t, dec.Allowed)
	require.Equal(t, "default_deny", dec.Reason)
}

func TestHandlers_Evaluate(t *testing.T) {
	e := NewEngine("", "", time.Second, nil, testLogger())
	svc := &Service{Engine: e}
	mux := http.NewServeMux()
	svc.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(EvaluateRequest{
		WallID: "w", SourceID: "s", OperatorID: "root",
		OperatorRoles: []string{"admin"},
	})
	resp, err := http.Post(srv.URL+"/evaluate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dec Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dec))
	require.True(t, dec.Allowed)
	require.Equal(t, "admin_bypass", dec.Reason)
}

func TestHandlers_EvaluateMissingField(t *testing.T) {
	e := NewEngine("", "", time.Second, nil, testLogger())
	svc := &Service{Engine: e}
	mux := http.NewServeMux()
	svc.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/evaluate", "application/json", bytes.NewReader([]byte(`{"wall_id":"w"}`)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlers_ReloadAndPolicy(t *testing.T) {
	authority := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Document{
			Rules: []Rule{{ID: "r1", Effect: "deny", When: []map[string]any{{"always": true}}}},
		})
	}))
	defer authority.Close()

	e := NewEngine(authority.URL, "", time.Second, nil, testLogger())
	svc := &Service{Engine: e}
	mux := http.NewServeMux()
	svc.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/reload", "application/json", nil)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	_ = resp.Body.Close()
	require.Equal(t, SourceAuthority, st.PolicySource)

	resp, err = http.Get(srv.URL + "/policy")
	require.NoError(t, err)
	var out struct {
		Source string   `json:"source"`
		Policy Document `json:"policy"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	require.Equal(t, SourceAuthority, out.Source)
	require.Len(t, out.Policy.Rules, 1)
}
