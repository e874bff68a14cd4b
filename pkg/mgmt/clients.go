package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/videowall-io/controlplane/pkg/policy"
)

// Per-call timeouts for outbound requests to peer services.
const (
	configHashTimeout  = 2 * time.Second
	configFetchTimeout = 10 * time.Second
	policyTimeout      = 5 * time.Second
	gatewayTimeout     = 15 * time.Second
	auditTimeout       = 30 * time.Second
)

// PolicyClient proxies evaluation calls to the Policy Engine.
type PolicyClient struct {
	baseURL string
	httpc   *http.Client
}

// NewPolicyClient builds a client against the Policy Engine.
func NewPolicyClient(baseURL string) *PolicyClient {
	return &PolicyClient{baseURL: baseURL, httpc: &http.Client{Timeout: policyTimeout}}
}

// Evaluate forwards an evaluation request and returns the decision.
func (c *PolicyClient) Evaluate(ctx context.Context, req policy.EvaluateRequest) (*policy.Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy engine returned %d", resp.StatusCode)
	}
	var dec policy.Decision
	if err := json.NewDecoder(resp.Body).Decode(&dec); err != nil {
		return nil, err
	}
	return &dec, nil
}

// AuditClient proxies verify and export to the standalone audit service.
type AuditClient struct {
	baseURL string
	httpc   *http.Client
}

// NewAuditClient builds a client against the audit service.
func NewAuditClient(baseURL string) *AuditClient {
	return &AuditClient{baseURL: baseURL, httpc: &http.Client{Timeout: auditTimeout}}
}

func (c *AuditClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audit service returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Verify runs a chain verification on the audit service.
func (c *AuditClient) Verify(ctx context.Context, lastN string) (json.RawMessage, error) {
	path := "/verify"
	if lastN != "" {
		path += "?last_n=" + lastN
	}
	return c.get(ctx, path)
}

// Export dumps the audit chain in forward order.
func (c *AuditClient) Export(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/export")
}

// ConfigWall is a wall as published by the Configuration Authority.
type ConfigWall struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	TileCount  int               `json:"tile_count"`
	Screens    int               `json:"screens"`
	Resolution string            `json:"resolution"`
	Tags       map[string]string `json:"tags"`
}

// ConfigSource is a source as published by the Configuration Authority.
type ConfigSource struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Endpoint string            `json:"endpoint"`
	Codec    string            `json:"codec"`
	Tags     map[string]string `json:"tags"`
}

// ConfigClient reads the published snapshot from the Configuration
// Authority.
type ConfigClient struct {
	baseURL string
	hashc   *http.Client
	fetchc  *http.Client
}

// NewConfigClient builds a client against the Configuration Authority.
func NewConfigClient(baseURL string) *ConfigClient {
	return &ConfigClient{
		baseURL: baseURL,
		hashc:   &http.Client{Timeout: configHashTimeout},
		fetchc:  &http.Client{Timeout: configFetchTimeout},
	}
}

// Hash returns the active config hash, cheaply.
func (c *ConfigClient) Hash(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/config/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.hashc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("config authority returned %d", resp.StatusCode)
	}
	var body struct {
		ConfigHash string `json:"config_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.ConfigHash, nil
}

// Walls fetches the declared walls.
func (c *ConfigClient) Walls(ctx context.Context) ([]ConfigWall, error) {
	var body struct {
		Walls []ConfigWall `json:"walls"`
	}
	if err := c.fetch(ctx, "/api/v1/walls", &body); err != nil {
		return nil, err
	}
	return body.Walls, nil
}

// Sources fetches the declared sources.
func (c *ConfigClient) Sources(ctx context.Context) ([]ConfigSource, error) {
	var body struct {
		Sources []ConfigSource `json:"sources"`
	}
	if err := c.fetch(ctx, "/api/v1/sources", &body); err != nil {
		return nil, err
	}
	return body.Sources, nil
}

func (c *ConfigClient) fetch(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.fetchc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("config authority returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GatewayClient probes the media gateway's health endpoint.
type GatewayClient struct {
	baseURL string
	httpc   *http.Client
}

// NewGatewayClient builds a probe client against the gateway.
func NewGatewayClient(baseURL string) *GatewayClient {
	return &GatewayClient{baseURL: baseURL, httpc: &http.Client{Timeout: gatewayTimeout}}
}

// Probe fetches the gateway health document.
func (c *GatewayClient) Probe(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
