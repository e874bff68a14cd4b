package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Source labels for where the active policy came from.
const (
	SourceAuthority   = "config_authority"
	SourceLocalFile   = "local_file"
	SourceDefaultDeny = "default_deny"
)

// Engine holds the active policy under a readers-writer lock. Reload
// replaces the whole document atomically; evaluation only takes the read
// side.
type Engine struct {
	configURL  string
	policyPath string
	httpc      *http.Client
	tags       *TagClient
	log        *slog.Logger

	mu       sync.RWMutex
	doc      *Document
	source   string
	loadedAt time.Time
}

// NewEngine creates an engine starting from the default-deny policy.
// Call Reload to pick up the real policy.
func NewEngine(configURL, policyPath string, timeout time.Duration, tags *TagClient, log *slog.Logger) *Engine {
	return &Engine{
		configURL:  configURL,
		policyPath: policyPath,
		httpc:      &http.Client{Timeout: timeout},
		tags:       tags,
		log:        log,
		doc:        DefaultDeny(),
		source:     SourceDefaultDeny,
		loadedAt:   time.Now(),
	}
}

// Document returns the active policy and its source label.
func (e *Engine) Document() (*Document, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc, e.source
}

// Status describes the engine for health and policy endpoints.
type Status struct {
	PolicySource string `json:"policy_source"`
	Rules        int    `json:"rules"`
	LoadedAt     string `json:"loaded_at"`
}

// Status reports where the active policy came from and how big it is.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		PolicySource: e.source,
		Rules:        len(e.doc.Rules),
		LoadedAt:     e.loadedAt.UTC().Format(time.RFC3339),
	}
}

// Reload tries the policy sources in order: the Configuration Authority,
// then the local file, then default deny. It always installs something.
func (e *Engine) Reload(ctx context.Context) Status {
	doc, source := e.loadChain(ctx)

	e.mu.Lock()
	e.doc = doc
	e.source = source
	e.loadedAt = time.Now()
	e.mu.Unlock()

	e.log.Info("policy loaded", "source", source, "rules", len(doc.Rules))
	return e.Status()
}

func (e *Engine) loadChain(ctx context.Context) (*Document, string) {
	if e.configURL != "" {
		doc, err := e.fetchAuthority(ctx)
		if err == nil {
			return doc, SourceAuthority
		}
		e.log.Warn("policy fetch from config authority failed", "url", e.configURL, "error", err)
	}
	if e.policyPath != "" {
		doc, err := loadPolicyFile(e.policyPath)
		if err == nil {
			return doc, SourceLocalFile
		}
		e.log.Warn("local policy file unusable", "path", e.policyPath, "error", err)
	}
	return DefaultDeny(), SourceDefaultDeny
}

func (e *Engine) fetchAuthority(ctx context.Context) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.configURL+"/api/v1/policy", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func loadPolicyFile(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Decide enriches the request with wall and source tags and evaluates the
// active policy. Tag lookup failures degrade to empty tag sets.
func (e *Engine) Decide(ctx context.Context, in Input) Decision {
	if e.tags != nil {
		wallTags, sourceTags := e.tags.Lookup(ctx, in.WallID, in.SourceID)
		in.WallTags = wallTags
		in.SourceTags = append(in.SourceTags, sourceTags...)
	}
	doc, _ := e.Document()
	return Evaluate(doc, in)
}

// TagClient looks up wall and source tags from the Management Service.
// Lookups fail open: any error yields empty tag sets so evaluation stays
// deterministic.
type TagClient struct {
	baseURL string
	httpc   *http.Client
	log     *slog.Logger
}

// NewTagClient builds a tag lookup client against the Management Service.
func NewTagClient(baseURL string, timeout time.Duration, log *slog.Logger) *TagClient {
	return &TagClient{baseURL: baseURL, httpc: &http.Client{Timeout: timeout}, log: log}
}

type tagResponse struct {
	WallTags   []string `json:"wall_tags"`
	SourceTags []string `json:"source_tags"`
}

// Lookup fetches the tags for a wall and a source in one call.
func (c *TagClient) Lookup(ctx context.Context, wallID, sourceID string) (wallTags, sourceTags []string) {
	q := url.Values{}
	if wallID != "" {
		q.Set("wall_id", wallID)
	}
	if sourceID != "" {
		q.Set("source_id", sourceID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/internal/v1/tags?"+q.Encode(), nil)
	if err != nil {
		return nil, nil
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		c.log.Warn("tag enrichment unavailable, using empty tags", "error", err)
		return nil, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("tag enrichment unavailable, using empty tags", "status", resp.StatusCode)
		return nil, nil
	}
	var tr tagResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, nil
	}
	return tr.WallTags, tr.SourceTags
}
