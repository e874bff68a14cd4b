package authority

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/videowall-io/controlplane/pkg/canonical"
)

// Loader turns YAML bytes into validated snapshots. It is safe for
// concurrent use; the compiled schema is immutable.
type Loader struct {
	schema *jsonschema.Schema
	clock  func() time.Time
}

// NewLoader compiles the embedded config schema.
func NewLoader() (*Loader, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://videowall.local/platform-config.schema.json"
	if err := c.AddResource(url, strings.NewReader(configSchema)); err != nil {
		return nil, fmt.Errorf("authority: schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("authority: schema compile: %w", err)
	}
	return &Loader{schema: compiled, clock: time.Now}, nil
}

// WithClock overrides the clock for tests.
func (l *Loader) WithClock(clock func() time.Time) *Loader {
	l.clock = clock
	return l
}

// rawDocument is the typed YAML shape of the declarative config.
type rawDocument struct {
	Platform PlatformSettings `yaml:"platform"`
	Walls    []Wall           `yaml:"walls"`
	Sources  []Source         `yaml:"sources"`
	Policy   PolicySpec       `yaml:"policy"`
}

// Load parses, validates and assembles a snapshot from YAML bytes. On any
// failure it returns a *ValidationError and no snapshot; a previously
// published snapshot is never touched.
func (l *Loader) Load(yamlBytes []byte, sourceLabel string) (*Snapshot, error) {
	var generic map[string]any
	if err := yaml.Unmarshal(yamlBytes, &generic); err != nil {
		return nil, &ValidationError{Errors: []string{"parse_error: " + err.Error()}}
	}
	if generic == nil {
		return nil, &ValidationError{Errors: []string{"parse_error: config must be a YAML mapping"}}
	}

	if errs := l.validateSchema(generic); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	var doc rawDocument
	if err := yaml.Unmarshal(yamlBytes, &doc); err != nil {
		return nil, &ValidationError{Errors: []string{"parse_error: " + err.Error()}}
	}
	applyDefaults(&doc)

	if errs := validateSemantics(doc); len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	derived := computeDerived(doc.Platform, doc.Walls, doc.Sources)
	if derived.WorstCaseConcurrency > doc.Platform.MaxConcurrentStreams {
		return nil, &ValidationError{Errors: []string{fmt.Sprintf(
			"concurrency_exceeded: %d endpoints > max_concurrent_streams=%d",
			derived.WorstCaseConcurrency, doc.Platform.MaxConcurrentStreams)}}
	}

	canonicalJSON, hash, err := canonicalize(doc)
	if err != nil {
		return nil, &ValidationError{Errors: []string{"canonicalize_error: " + err.Error()}}
	}
	derived.ConfigHash = hash

	return &Snapshot{
		Platform:      doc.Platform,
		Walls:         doc.Walls,
		Sources:       doc.Sources,
		Policy:        doc.Policy,
		Derived:       derived,
		CanonicalJSON: canonicalJSON,
		Hash:          hash,
		RawYAML:       string(yamlBytes),
		LoadedFrom:    sourceLabel,
		LoadedAt:      l.clock(),
	}, nil
}

// LoadFile loads a snapshot from a YAML file on disk.
func (l *Loader) LoadFile(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Errors: []string{"read_error: " + err.Error()}}
	}
	return l.Load(b, path)
}

// DryRunResult is the outcome of validating without applying.
type DryRunResult struct {
	Valid         bool     `json:"valid"`
	Errors        []string `json:"errors"`
	Version       string   `json:"version,omitempty"`
	PredictedHash string   `json:"predicted_hash,omitempty"`
	Derived       *Derived `json:"derived,omitempty"`
}

// DryRun validates YAML bytes and reports the metrics and hash the config
// would produce, without affecting any published snapshot.
func (l *Loader) DryRun(yamlBytes []byte) DryRunResult {
	snap, err := l.Load(yamlBytes, "<dry-run>")
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return DryRunResult{Valid: false, Errors: ve.Errors}
		}
		return DryRunResult{Valid: false, Errors: []string{err.Error()}}
	}
	d := snap.Derived
	return DryRunResult{
		Valid:         true,
		Errors:        []string{},
		Version:       snap.Platform.Version,
		PredictedHash: snap.Hash,
		Derived:       &d,
	}
}

// validateSchema runs the JSON Schema over the YAML document. The document
// is round-tripped through JSON so numbers carry the types the validator
// expects.
func (l *Loader) validateSchema(doc map[string]any) []string {
	raw, err := json.Marshal(doc)
	if err != nil {
		return []string{"parse_error: " + err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var jsonDoc any
	if err := dec.Decode(&jsonDoc); err != nil {
		return []string{"parse_error: " + err.Error()}
	}

	err = l.schema.Validate(jsonDoc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{"schema: " + err.Error()}
	}
	var errs []string
	flattenSchemaError(ve, &errs)
	sort.Strings(errs)
	return errs
}

// flattenSchemaError collects leaf causes as "location: message" strings.
func flattenSchemaError(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("schema: %s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		flattenSchemaError(c, out)
	}
}

func applyDefaults(doc *rawDocument) {
	if doc.Platform.CodecPolicy.Tiles == "" {
		doc.Platform.CodecPolicy.Tiles = "h264"
	}
	if doc.Platform.CodecPolicy.Mosaics == "" {
		doc.Platform.CodecPolicy.Mosaics = "hevc"
	}
	if doc.Platform.LatencyClasses.InteractiveMaxMS == 0 {
		doc.Platform.LatencyClasses.InteractiveMaxMS = 500
	}
	if doc.Platform.LatencyClasses.BroadcastMaxMS == 0 {
		doc.Platform.LatencyClasses.BroadcastMaxMS = 6000
	}
	for i := range doc.Walls {
		if doc.Walls[i].Resolution == "" {
			doc.Walls[i].Resolution = "1920x1080"
		}
		if doc.Walls[i].Type == WallTypeBigscreen && doc.Walls[i].Screens == 0 {
			doc.Walls[i].Screens = 1
		}
	}
}

func validateSemantics(doc rawDocument) []string {
	var errs []string

	if _, err := semver.NewVersion(doc.Platform.Version); err != nil {
		errs = append(errs, "invalid_version: "+doc.Platform.Version)
	}

	wallIDs := map[string]bool{}
	for _, w := range doc.Walls {
		if wallIDs[w.ID] {
			errs = append(errs, "duplicate_wall_id: "+w.ID)
		}
		wallIDs[w.ID] = true
	}
	sourceIDs := map[string]bool{}
	for _, s := range doc.Sources {
		if sourceIDs[s.ID] {
			errs = append(errs, "duplicate_source_id: "+s.ID)
		}
		sourceIDs[s.ID] = true
		if wallIDs[s.ID] {
			errs = append(errs, "shared_id: "+s.ID)
		}
	}
	return errs
}

// computeDerived evaluates the fixed cost model: 6 Mbps per 1080p tile,
// 15 Mbps per bigscreen screen, plus declared source bitrates.
func computeDerived(platform PlatformSettings, walls []Wall, sources []Source) Derived {
	d := Derived{SourcesByType: map[string]int{}}
	d.TotalWalls = len(walls)
	for _, w := range walls {
		switch w.Type {
		case WallTypeTiles:
			d.TileWalls++
			d.TotalTiles += w.TileCount()
		case WallTypeBigscreen:
			d.BigscreenWalls++
			d.TotalScreens += w.Screens
		}
	}
	d.TotalDisplayEndpoints = d.TotalTiles + d.TotalScreens
	d.TotalSources = len(sources)
	for _, s := range sources {
		d.SourcesByType[s.Type]++
	}
	d.SFURoomsNeeded = d.TileWalls
	d.MosaicPipelinesNeeded = d.BigscreenWalls

	tileBW := float64(d.TotalTiles) * 6.0
	screenBW := float64(d.TotalScreens) * 15.0
	sourceBW := 0.0
	for _, s := range sources {
		if s.BitrateKbps > 0 {
			sourceBW += float64(s.BitrateKbps) / 1000.0
		}
	}
	d.EstimatedBandwidthGbps = (tileBW + screenBW + sourceBW) / 1000.0

	d.WorstCaseConcurrency = d.TotalDisplayEndpoints
	d.ConcurrencyHeadroom = platform.MaxConcurrentStreams - d.TotalDisplayEndpoints
	return d
}

// canonicalize renders the normalized config document with sorted keys and
// no insignificant whitespace, and hashes it. This is the hash the
// reconciler and every peer service key on.
func canonicalize(doc rawDocument) (string, string, error) {
	walls := make([]map[string]any, 0, len(doc.Walls))
	for _, w := range doc.Walls {
		walls = append(walls, w.AsMap())
	}
	sources := make([]map[string]any, 0, len(doc.Sources))
	for _, s := range doc.Sources {
		sources = append(sources, s.AsMap())
	}
	policy := map[string]any{
		"taxonomy":   doc.Policy.Taxonomy,
		"rules":      doc.Policy.Rules,
		"allow_list": doc.Policy.AllowList,
	}
	if doc.Policy.Taxonomy == nil {
		policy["taxonomy"] = map[string][]string{}
	}
	if doc.Policy.Rules == nil {
		policy["rules"] = []PolicyRule{}
	}
	if doc.Policy.AllowList == nil {
		policy["allow_list"] = []map[string]any{}
	}
	if doc.Policy.Defaults != nil {
		policy["defaults"] = doc.Policy.Defaults
	}

	document := map[string]any{
		"platform": doc.Platform,
		"walls":    walls,
		"sources":  sources,
		"policy":   policy,
	}
	b, err := canonical.Marshal(document)
	if err != nil {
		return "", "", err
	}
	return string(b), canonical.HashBytes(b), nil
}
