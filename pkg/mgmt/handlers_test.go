package mgmt

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/videowall-io/controlplane/pkg/audit"
	"github.com/videowall-io/controlplane/pkg/policy"
	"github.com/videowall-io/controlplane/pkg/sqldb"
)

type testEnv struct {
	srv    *httptest.Server
	svc    *Service
	key    *rsa.PrivateKey
	policy *policyStub
}

type policyStub struct {
	decision policy.Decision
	fail     bool
	lastReq  policy.EvaluateRequest
}

func (p *policyStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&p.lastReq)
		_ = json.NewEncoder(w).Encode(p.decision)
	})
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	key, pub := newTestKey(t)
	verifier, err := NewVerifier("", "", "vw", pub, "")
	require.NoError(t, err)

	store := newTestStore(t)
	auditDB, driver, err := sqldb.Open("file:"+t.Name()+"_audit?mode=memory&cache=shared", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditDB.Close() })
	auditStore := audit.NewStore(auditDB, driver)
	require.NoError(t, auditStore.Init(context.Background()))

	stub := &policyStub{decision: policy.Decision{Allowed: true, Reason: "allowed_by:r1"}}
	policySrv := httptest.NewServer(stub.handler())
	t.Cleanup(policySrv.Close)

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := &Service{
		Store:    store,
		Audit:    auditStore,
		ChainID:  "mgmt-api",
		Verifier: verifier,
		Minter:   NewMinter("stream-secret", 300*time.Second),
		Bundler:  NewBundler(store, "bundle-secret"),
		Policy:   NewPolicyClient(policySrv.URL),
		AuditSvc: NewAuditClient("http://127.0.0.1:1"),
		Gateway:  NewGatewayClient("http://127.0.0.1:1"),
		Log:      log,
	}
	mux := http.NewServeMux()
	svc.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, svc: svc, key: key, policy: stub}
}

func (e *testEnv) token(t *testing.T, roles ...string) string {
	t.Helper()
	roleList := make([]any, len(roles))
	for i, r := range roles {
		roleList[i] = r
	}
	return signToken(t, e.key, jwt.MapClaims{
		"sub":                "u-1",
		"preferred_username": "alice",
		"exp":                time.Now().Add(time.Hour).Unix(),
		"realm_access":       map[string]any{"roles": roleList},
	}, "")
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, raw
}

func TestAPI_AuthRequired(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, "GET", "/api/v1/walls", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, string(body), "missing_authorization")

	resp, body = e.do(t, "GET", "/api/v1/walls", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, string(body), "jwt_invalid")
}

func TestAPI_RoleMatrix(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.token(t, "viewer")
	operator := e.token(t, "operator")
	admin := e.token(t, "admin")

	wall := wallRequest{Name: "w", WallType: WallTypeTilewall, TileCount: 4}

	// viewer can read but not create walls
	resp, _ := e.do(t, "GET", "/api/v1/walls", viewer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, "POST", "/api/v1/walls", viewer, wall)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// operator cannot create walls either, but can create sources
	resp, _ = e.do(t, "POST", "/api/v1/walls", operator, wall)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "POST", "/api/v1/sources", operator, sourceRequest{
		Name: "s", SourceType: SourceTypeHDMI, Protocol: "rtsp", Endpoint: "rtsp://x/s",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// only admin deletes sources
	resp, _ = e.do(t, "DELETE", "/api/v1/sources/1", operator, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, "DELETE", "/api/v1/sources/1", admin, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// admin creates walls
	resp, _ = e.do(t, "POST", "/api/v1/walls", admin, wall)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestAPI_Whoami(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, "GET", "/api/v1/auth/whoami", e.token(t, "viewer"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "u-1", out["sub"])
	require.Equal(t, "alice", out["username"])
}

func TestAPI_WallLifecycleAudited(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, "admin")

	resp, body := e.do(t, "POST", "/api/v1/walls", admin, wallRequest{
		Name: "noc", WallType: WallTypeTilewall, TileCount: 24,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var wall Wall
	require.NoError(t, json.Unmarshal(body, &wall))

	resp, _ = e.do(t, "PUT", fmt.Sprintf("/api/v1/walls/%d", wall.ID), admin, wallRequest{
		Name: "noc", WallType: WallTypeTilewall, TileCount: 30,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, "DELETE", fmt.Sprintf("/api/v1/walls/%d", wall.ID), admin, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	events, err := e.svc.Audit.Query(context.Background(), "mgmt-api", audit.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	// newest first
	require.Equal(t, "walls.delete", events[0].Action)
	require.Equal(t, "walls.update", events[1].Action)
	require.Equal(t, "walls.create", events[2].Action)
	require.Equal(t, "alice", events[0].Actor)
}

func TestAPI_WallValidation(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, "admin")

	resp, body := e.do(t, "POST", "/api/v1/walls", admin, wallRequest{Name: "w", WallType: "holo", TileCount: 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "invalid_wall_type")

	resp, _ = e.do(t, "GET", "/api/v1/walls/999", admin, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, "GET", "/api/v1/walls/abc", admin, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_LayoutActivate(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, "admin")
	operator := e.token(t, "operator")

	_, body := e.do(t, "POST", "/api/v1/walls", admin, wallRequest{Name: "A", WallType: WallTypeTilewall, TileCount: 4})
	var wall Wall
	require.NoError(t, json.Unmarshal(body, &wall))

	resp, body := e.do(t, "POST", "/api/v1/layouts", operator, layoutRequest{WallID: wall.ID, Name: "v1", IsActive: true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body = e.do(t, "POST", "/api/v1/layouts", operator, layoutRequest{WallID: wall.ID, Name: "v2"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var v2 Layout
	require.NoError(t, json.Unmarshal(body, &v2))
	require.Equal(t, 2, v2.Version)

	resp, body = e.do(t, "PUT", fmt.Sprintf("/api/v1/layouts/%d/activate", v2.ID), operator, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var activated Layout
	require.NoError(t, json.Unmarshal(body, &activated))
	require.True(t, activated.IsActive)

	active, err := e.svc.Store.ActiveLayouts(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, v2.ID, active[wall.ID].ID)
}

func TestAPI_TokenSubscribe(t *testing.T) {
	e := newTestEnv(t)
	viewer := e.token(t, "viewer")

	resp, body := e.do(t, "POST", "/api/v1/tokens/subscribe", viewer, subscribeRequest{
		WallID: "wall-1", SourceID: "cam-1", TileID: "t3",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
		Token   string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.True(t, out.Allowed)
	require.NotEmpty(t, out.Token)

	// the minted token round-trips through the shared-secret validator
	claims, err := e.svc.Minter.Validate(out.Token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, "wall-1", claims.WallID)
	require.Equal(t, "cam-1", claims.SourceID)
	require.Equal(t, "t3", claims.TileID)

	// the policy engine saw the operator identity from the bearer token
	require.Equal(t, "alice", e.policy.lastReq.OperatorID)

	events, err := e.svc.Audit.Query(context.Background(), "mgmt-api", audit.QueryFilter{Action: "tokens.subscribe.allow"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestAPI_TokenSubscribeDenied(t *testing.T) {
	e := newTestEnv(t)
	e.policy.decision = policy.Decision{Allowed: false, Reason: "denied_by:r9"}

	resp, body := e.do(t, "POST", "/api/v1/tokens/subscribe", e.token(t, "viewer"), subscribeRequest{
		WallID: "wall-1", SourceID: "cam-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, false, out["allowed"])
	require.Equal(t, "denied_by:r9", out["reason"])
	require.Nil(t, out["token"])

	events, err := e.svc.Audit.Query(context.Background(), "mgmt-api", audit.QueryFilter{Action: "tokens.subscribe.deny"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestAPI_PolicyUnreachableIs502(t *testing.T) {
	e := newTestEnv(t)
	e.policy.fail = true

	resp, body := e.do(t, "POST", "/api/v1/tokens/subscribe", e.token(t, "viewer"), subscribeRequest{
		WallID: "w", SourceID: "s",
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, string(body), "policy_service_error")

	// no audit event for the failed upstream call
	events, err := e.svc.Audit.Query(context.Background(), "mgmt-api", audit.QueryFilter{})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestAPI_AuditProxy502(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, "GET", "/api/v1/audit/verify", e.token(t, "admin"), nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Contains(t, string(body), "audit_service_error")
}

func TestAPI_BundleExportImport(t *testing.T) {
	e := newTestEnv(t)
	admin := e.token(t, "admin")

	_, _ = e.do(t, "POST", "/api/v1/walls", admin, wallRequest{Name: "w", WallType: WallTypeTilewall, TileCount: 4})

	resp, body := e.do(t, "POST", "/api/v1/bundles/export", admin, map[string]string{"ring": "ring-b"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bundle Bundle
	require.NoError(t, json.Unmarshal(body, &bundle))
	require.NotEmpty(t, bundle.HMACHex)

	resp, body = e.do(t, "POST", "/api/v1/bundles/import", admin, bundle)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"staged":true`)

	bundle.HMACHex = "00" + bundle.HMACHex[2:]
	resp, body = e.do(t, "POST", "/api/v1/bundles/import", admin, bundle)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), "invalid_hmac")
}

func TestInternalTags(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Store.CreateWall(ctx, Wall{
		Name: "wall-alpha", WallType: WallTypeTilewall, TileCount: 24, Resolution: "1920x1080",
		Tags: []string{"room:noc", "config:wall-alpha"},
	})
	require.NoError(t, err)
	_, err = e.svc.Store.CreateSource(ctx, Source{
		Name: "cam-1", SourceType: SourceTypeHDMI, Protocol: "rtsp",
		Tags: []string{"zone:north", "config:cam-1"},
	})
	require.NoError(t, err)

	resp, err := http.Get(e.srv.URL + "/internal/v1/tags?wall_id=wall-alpha&source_id=cam-1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	// marker tags are stripped from the enrichment response
	require.Equal(t, []string{"room:noc"}, out["wall_tags"])
	require.Equal(t, []string{"zone:north"}, out["source_tags"])
}

func TestInternalTags_UnknownEntityIsEmpty(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/internal/v1/tags?wall_id=nope")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var out map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Empty(t, out["wall_tags"])
}
