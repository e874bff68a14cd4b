// Package authority is the Configuration Authority: it loads and validates
// the declarative YAML describing walls, sources, and policy, computes
// derived metrics, and publishes an immutable snapshot with a canonical
// JSON rendering and content hash.
package authority

import (
	"strings"
	"time"
)

// Wall kinds accepted by the declarative config.
const (
	WallTypeTiles     = "tiles"
	WallTypeBigscreen = "bigscreen"
)

// CodecPolicy names the codecs used for tile streams and mosaics.
type CodecPolicy struct {
	Tiles   string `yaml:"tiles" json:"tiles"`
	Mosaics string `yaml:"mosaics" json:"mosaics"`
}

// LatencyClasses bounds end-to-end latency per class.
type LatencyClasses struct {
	InteractiveMaxMS int `yaml:"interactive_max_ms" json:"interactive_max_ms"`
	BroadcastMaxMS   int `yaml:"broadcast_max_ms" json:"broadcast_max_ms"`
}

// PlatformSettings is the platform section of the config.
type PlatformSettings struct {
	Version              string         `yaml:"version" json:"version"`
	MaxConcurrentStreams int            `yaml:"max_concurrent_streams" json:"max_concurrent_streams"`
	CodecPolicy          CodecPolicy    `yaml:"codec_policy" json:"codec_policy"`
	LatencyClasses       LatencyClasses `yaml:"latency_classes" json:"latency_classes"`
}

// WallGrid is the tile arrangement of a tiled wall.
type WallGrid struct {
	Rows int `yaml:"rows" json:"rows"`
	Cols int `yaml:"cols" json:"cols"`
}

// Wall is one declared display surface.
type Wall struct {
	ID             string            `yaml:"id" json:"id"`
	Type           string            `yaml:"type" json:"type"`
	Classification string            `yaml:"classification" json:"classification"`
	Grid           *WallGrid         `yaml:"grid" json:"grid,omitempty"`
	Screens        int               `yaml:"screens" json:"screens,omitempty"`
	Resolution     string            `yaml:"resolution" json:"resolution"`
	LatencyClass   string            `yaml:"latency_class" json:"latency_class"`
	Tags           map[string]string `yaml:"tags" json:"tags"`
}

// TileCount is the number of display endpoints the wall drives.
func (w Wall) TileCount() int {
	if w.Type == WallTypeTiles && w.Grid != nil {
		return w.Grid.Rows * w.Grid.Cols
	}
	if w.Screens > 0 {
		return w.Screens
	}
	return 1
}

// Source is one declared video producer.
type Source struct {
	ID          string            `yaml:"id" json:"id"`
	Type        string            `yaml:"type" json:"type"`
	Endpoint    string            `yaml:"endpoint" json:"endpoint,omitempty"`
	Codec       string            `yaml:"codec" json:"codec,omitempty"`
	Resolution  string            `yaml:"resolution" json:"resolution,omitempty"`
	BitrateKbps int               `yaml:"bitrate_kbps" json:"bitrate_kbps,omitempty"`
	Tags        map[string]string `yaml:"tags" json:"tags"`
}

// PolicyRule is one ordered rule of the access policy.
type PolicyRule struct {
	ID          string           `yaml:"id" json:"id"`
	Effect      string           `yaml:"effect" json:"effect"`
	Description string           `yaml:"description" json:"description,omitempty"`
	When        []map[string]any `yaml:"when" json:"when"`
}

// PolicySpec is the policy section: tag taxonomy, ordered rules, explicit
// allow-list, and defaults (deny reason).
type PolicySpec struct {
	Taxonomy  map[string][]string `yaml:"taxonomy" json:"taxonomy"`
	Rules     []PolicyRule        `yaml:"rules" json:"rules"`
	AllowList []map[string]any    `yaml:"allow_list" json:"allow_list"`
	Defaults  map[string]string   `yaml:"defaults" json:"defaults,omitempty"`
}

// Derived holds the metrics computed from a config at load time.
type Derived struct {
	TotalWalls             int            `json:"total_walls"`
	TileWalls              int            `json:"tile_walls"`
	BigscreenWalls         int            `json:"bigscreen_walls"`
	TotalTiles             int            `json:"total_tiles"`
	TotalScreens           int            `json:"total_screens"`
	TotalDisplayEndpoints  int            `json:"total_display_endpoints"`
	TotalSources           int            `json:"total_sources"`
	SourcesByType          map[string]int `json:"sources_by_type"`
	SFURoomsNeeded         int            `json:"sfu_rooms_needed"`
	MosaicPipelinesNeeded  int            `json:"mosaic_pipelines_needed"`
	EstimatedBandwidthGbps float64        `json:"estimated_bandwidth_gbps"`
	WorstCaseConcurrency   int            `json:"worst_case_concurrency"`
	ConcurrencyHeadroom    int            `json:"concurrency_headroom"`
	ConfigHash             string         `json:"config_hash"`
}

// Snapshot is the immutable result of a successful load. It is replaced
// atomically on reload and never mutated.
type Snapshot struct {
	Platform PlatformSettings
	Walls    []Wall
	Sources  []Source
	Policy   PolicySpec
	Derived  Derived

	CanonicalJSON string
	Hash          string
	RawYAML       string
	LoadedFrom    string
	LoadedAt      time.Time
}

// Wall returns the declared wall with the given id, or nil.
func (s *Snapshot) Wall(id string) *Wall {
	for i := range s.Walls {
		if s.Walls[i].ID == id {
			return &s.Walls[i]
		}
	}
	return nil
}

// Source returns the declared source with the given id, or nil.
func (s *Snapshot) Source(id string) *Source {
	for i := range s.Sources {
		if s.Sources[i].ID == id {
			return &s.Sources[i]
		}
	}
	return nil
}

// AsMap renders a wall the way the read API and the canonical document
// present it: tile_count always present, grid only when declared, screens
// only for bigscreen walls.
func (w Wall) AsMap() map[string]any {
	m := map[string]any{
		"id":             w.ID,
		"type":           w.Type,
		"classification": w.Classification,
		"resolution":     w.Resolution,
		"latency_class":  w.LatencyClass,
		"tile_count":     w.TileCount(),
		"tags":           tagsOrEmpty(w.Tags),
	}
	if w.Grid != nil {
		m["grid"] = map[string]any{"rows": w.Grid.Rows, "cols": w.Grid.Cols}
	}
	if w.Type == WallTypeBigscreen {
		m["screens"] = w.Screens
	}
	return m
}

// AsMap renders a source, omitting unset optional fields.
func (s Source) AsMap() map[string]any {
	m := map[string]any{
		"id":   s.ID,
		"type": s.Type,
		"tags": tagsOrEmpty(s.Tags),
	}
	if s.Endpoint != "" {
		m["endpoint"] = s.Endpoint
	}
	if s.Codec != "" {
		m["codec"] = s.Codec
	}
	if s.Resolution != "" {
		m["resolution"] = s.Resolution
	}
	if s.BitrateKbps > 0 {
		m["bitrate_kbps"] = s.BitrateKbps
	}
	return m
}

func tagsOrEmpty(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}

// ValidationError aggregates every problem found during a load. A failing
// load publishes nothing.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: " + strings.Join(e.Errors, "; ")
}
