// Package mgmt is the Management Service: durable wall/source/layout state,
// the access-control gateway, stream credential minting, and the reconciler
// that mirrors declarative config into relational rows.
package mgmt

import (
	"fmt"
	"sort"
)

// Wall kinds and source kinds as stored.
const (
	WallTypeTilewall  = "tilewall"
	WallTypeBigscreen = "bigscreen"

	SourceTypeVDI  = "vdi"
	SourceTypeHDMI = "hdmi"
)

// Wall is one display surface row.
type Wall struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	WallType   string   `json:"wall_type"`
	TileCount  int      `json:"tile_count"`
	Resolution string   `json:"resolution"`
	Tags       []string `json:"tags"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

// Source is one video producer row.
type Source struct {
	ID         int64    `json:"id"`
	Name       string   `json:"name"`
	SourceType string   `json:"source_type"`
	Protocol   string   `json:"protocol"`
	Endpoint   string   `json:"endpoint"`
	Codec      string   `json:"codec"`
	Tags       []string `json:"tags"`
	Health     string   `json:"health"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
}

// Layout is one versioned layout row. Versions are assigned per wall and
// never renumbered; at most one layout per wall is active.
type Layout struct {
	ID         int64          `json:"id"`
	WallID     int64          `json:"wall_id"`
	Name       string         `json:"name"`
	Version    int            `json:"version"`
	GridConfig map[string]any `json:"grid_config"`
	Preset     string         `json:"preset"`
	IsActive   bool           `json:"is_active"`
	CreatedBy  string         `json:"created_by"`
	CreatedAt  string         `json:"created_at"`
}

// MarkerTag is the reconciler's linkage between a config entity and its
// row. Rows without a marker are operator-owned and never reconciled.
func MarkerTag(configID string) string {
	return "config:" + configID
}

// HasMarker reports whether tags carry the given marker.
func HasMarker(tags []string, marker string) bool {
	for _, t := range tags {
		if t == marker {
			return true
		}
	}
	return false
}

// FindMarker returns the config id of the first marker tag, if any.
func FindMarker(tags []string) (string, bool) {
	for _, t := range tags {
		if len(t) > 7 && t[:7] == "config:" {
			return t[7:], true
		}
	}
	return "", false
}

// ListifyTags renders a tag mapping as sorted, deduplicated "k:v" strings.
func ListifyTags(tags map[string]string) []string {
	set := make(map[string]struct{}, len(tags))
	for k, v := range tags {
		set[fmt.Sprintf("%s:%s", k, v)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
