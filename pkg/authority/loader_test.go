package authority

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const validConfig = `
platform:
  version: "2.1.0"
  max_concurrent_streams: 32
  codec_policy:
    tiles: h264
    mosaics: hevc
  latency_classes:
    interactive_max_ms: 500
    broadcast_max_ms: 6000

walls:
  - id: ops-wall
    type: tiles
    classification: internal
    latency_class: interactive
    grid: {rows: 2, cols: 3}
    tags: {room: noc}
  - id: lobby-screen
    type: bigscreen
    classification: public
    latency_class: broadcast
    screens: 4

sources:
  - id: cam-entrance
    type: rtsp
    endpoint: rtsp://10.0.0.5/stream
    bitrate_kbps: 8000
    tags: {classification: internal, zone: entrance}
  - id: desktop-share
    type: webrtc
    tags: {classification: internal}

policy:
  taxonomy:
    classification: [public, internal, restricted]
  rules:
    - id: same-zone
      effect: allow
      when:
        - source_tags_subset_of_operator_tags: true
  allow_list:
    - operator_id: alice
      wall_id: ops-wall
      source_id: cam-entrance
  defaults:
    deny_reason: not_cleared
`

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}

func TestLoad_ValidConfig(t *testing.T) {
	l := newTestLoader(t)
	snap, err := l.Load([]byte(validConfig), "test")
	require.NoError(t, err)

	d := snap.Derived
	require.Equal(t, 2, d.TotalWalls)
	require.Equal(t, 1, d.TileWalls)
	require.Equal(t, 1, d.BigscreenWalls)
	require.Equal(t, 6, d.TotalTiles)
	require.Equal(t, 4, d.TotalScreens)
	require.Equal(t, 10, d.TotalDisplayEndpoints)
	require.Equal(t, 10, d.WorstCaseConcurrency)
	require.Equal(t, 22, d.ConcurrencyHeadroom)
	require.Equal(t, 2, d.TotalSources)
	require.Equal(t, map[string]int{"rtsp": 1, "webrtc": 1}, d.SourcesByType)
	require.Equal(t, 1, d.SFURoomsNeeded)
	require.Equal(t, 1, d.MosaicPipelinesNeeded)
	// 6 tiles * 6 Mbps + 4 screens * 15 Mbps + 8 Mbps source
	require.InDelta(t, 0.104, d.EstimatedBandwidthGbps, 1e-9)

	require.Len(t, snap.Hash, 64)
	require.Equal(t, snap.Hash, d.ConfigHash)
	require.NotEmpty(t, snap.CanonicalJSON)
}

func TestLoad_CanonicalHashIsStable(t *testing.T) {
	l := newTestLoader(t)
	a, err := l.Load([]byte(validConfig), "a")
	require.NoError(t, err)
	b, err := l.Load([]byte(validConfig), "b")
	require.NoError(t, err)
	require.Equal(t, a.Hash, b.Hash)
	require.Equal(t, a.CanonicalJSON, b.CanonicalJSON)
}

func TestLoad_KeyOrderDoesNotChangeHash(t *testing.T) {
	l := newTestLoader(t)
	a, err := l.Load([]byte(validConfig), "a")
	require.NoError(t, err)

	// reorder the platform keys
	reordered := strings.Replace(validConfig,
		"version: \"2.1.0\"\n  max_concurrent_streams: 32",
		"max_concurrent_streams: 32\n  version: \"2.1.0\"", 1)
	b, err := l.Load([]byte(reordered), "b")
	require.NoError(t, err)
	require.Equal(t, a.Hash, b.Hash)
}

func TestLoad_DuplicateWallID(t *testing.T) {
	l := newTestLoader(t)
	cfg := strings.Replace(validConfig, "id: lobby-screen", "id: ops-wall", 1)
	_, err := l.Load([]byte(cfg), "test")
	require.Error(t, err)

	ve := asValidation(t, err)
	requireContainsPrefix(t, ve.Errors, "duplicate_wall_id: ops-wall")
}

func TestLoad_SharedWallSourceID(t *testing.T) {
	l := newTestLoader(t)
	cfg := strings.Replace(validConfig, "id: cam-entrance", "id: ops-wall", 1)
	cfg = strings.Replace(cfg, "source_id: cam-entrance", "source_id: ops-wall", 1)
	_, err := l.Load([]byte(cfg), "test")
	require.Error(t, err)

	ve := asValidation(t, err)
	requireContainsPrefix(t, ve.Errors, "shared_id: ops-wall")
}

func TestLoad_ConcurrencyExceeded(t *testing.T) {
	l := newTestLoader(t)
	cfg := strings.Replace(validConfig, "max_concurrent_streams: 32", "max_concurrent_streams: 8", 1)
	_, err := l.Load([]byte(cfg), "test")
	require.Error(t, err)

	ve := asValidation(t, err)
	requireContainsPrefix(t, ve.Errors, "concurrency_exceeded")
}

func TestLoad_SRTWithoutEndpoint(t *testing.T) {
	l := newTestLoader(t)
	cfg := strings.Replace(validConfig,
		"type: rtsp\n    endpoint: rtsp://10.0.0.5/stream", "type: srt", 1)
	_, err := l.Load([]byte(cfg), "test")
	require.Error(t, err)

	ve := asValidation(t, err)
	requireContainsPrefix(t, ve.Errors, "schema:")
}

func TestLoad_InvalidVersion(t *testing.T) {
	l := newTestLoader(t)
	cfg := strings.Replace(validConfig, `version: "2.1.0"`, `version: "two-one"`, 1)
	_, err := l.Load([]byte(cfg), "test")
	require.Error(t, err)
	// the semver pattern rejects it at the schema stage already
	ve := asValidation(t, err)
	require.NotEmpty(t, ve.Errors)
}

func TestLoad_TilesWallRequiresGrid(t *testing.T) {
	l := newTestLoader(t)
	cfg := strings.Replace(validConfig, "grid: {rows: 2, cols: 3}\n    tags: {room: noc}", "tags: {room: noc}", 1)
	_, err := l.Load([]byte(cfg), "test")
	require.Error(t, err)
}

func TestLoad_SourceRequiresClassificationTag(t *testing.T) {
	l := newTestLoader(t)
	cfg := strings.Replace(validConfig,
		"tags: {classification: internal, zone: entrance}",
		"tags: {zone: entrance}", 1)
	_, err := l.Load([]byte(cfg), "test")
	require.Error(t, err)
}

func TestLoad_NotYAMLMapping(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.Load([]byte("- just\n- a list\n"), "test")
	require.Error(t, err)
	ve := asValidation(t, err)
	requireContainsPrefix(t, ve.Errors, "parse_error")
}

func TestLoad_Defaults(t *testing.T) {
	l := newTestLoader(t)
	cfg := `
platform:
  version: "1.0.0"
  max_concurrent_streams: 100
walls:
  - id: w1
    type: bigscreen
    classification: internal
    latency_class: broadcast
    screens: 2
sources: []
policy: {}
`
	snap, err := l.Load([]byte(cfg), "test")
	require.NoError(t, err)
	require.Equal(t, "h264", snap.Platform.CodecPolicy.Tiles)
	require.Equal(t, "hevc", snap.Platform.CodecPolicy.Mosaics)
	require.Equal(t, 500, snap.Platform.LatencyClasses.InteractiveMaxMS)
	require.Equal(t, 6000, snap.Platform.LatencyClasses.BroadcastMaxMS)
	require.Equal(t, "1920x1080", snap.Walls[0].Resolution)
}

func TestDryRun(t *testing.T) {
	l := newTestLoader(t)

	ok := l.DryRun([]byte(validConfig))
	require.True(t, ok.Valid)
	require.Empty(t, ok.Errors)
	require.Equal(t, "2.1.0", ok.Version)
	require.Len(t, ok.PredictedHash, 64)
	require.NotNil(t, ok.Derived)

	bad := l.DryRun([]byte("platform: {}"))
	require.False(t, bad.Valid)
	require.NotEmpty(t, bad.Errors)
	require.Empty(t, bad.PredictedHash)
}

func TestDryRun_HashMatchesLoad(t *testing.T) {
	l := newTestLoader(t)
	res := l.DryRun([]byte(validConfig))
	require.True(t, res.Valid)

	snap, err := l.Load([]byte(validConfig), "test")
	require.NoError(t, err)
	require.Equal(t, snap.Hash, res.PredictedHash)
}

func asValidation(t *testing.T, err error) *ValidationError {
	t.Helper()
	ve, ok := err.(*ValidationError)
	require.True(t, ok, "expected *ValidationError, got %T: %v", err, err)
	return ve
}

func requireContainsPrefix(t *testing.T, errs []string, prefix string) {
	t.Helper()
	for _, e := range errs {
		if strings.HasPrefix(e, prefix) {
			return
		}
	}
	t.Fatalf("no error with prefix %q in %v", prefix, errs)
}
