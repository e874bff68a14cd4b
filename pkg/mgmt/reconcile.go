package mgmt

import (
	"context"
	"log/slog"
	"time"

	"github.com/videowall-io/controlplane/pkg/audit"
)

// reconcileActor names the reconciler in audit events.
const reconcileActor = "reconciler"

type configReader interface {
	Hash(ctx context.Context) (string, error)
	Walls(ctx context.Context) ([]ConfigWall, error)
	Sources(ctx context.Context) ([]ConfigSource, error)
}

type auditor interface {
	Append(ctx context.Context, chainID, action, actor, objectType, objectID string, details map[string]any) (*audit.Event, error)
}

// Reconciler mirrors the declared walls and sources into relational rows.
// It only ever touches rows carrying a config marker tag; operator-owned
// rows are invisible to it. Removal from the YAML never deletes a row.
type Reconciler struct {
	store   *Store
	cfg     configReader
	audit   auditor
	chainID string
	log     *slog.Logger

	interval time.Duration
	lastHash string
}

// NewReconciler wires a reconciler against the config authority.
func NewReconciler(store *Store, cfg configReader, aud auditor, chainID string, interval time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		cfg:      cfg,
		audit:    aud,
		chainID:  chainID,
		log:      log,
		interval: interval,
	}
}

// PassResult summarizes one reconciliation pass.
type PassResult struct {
	ConfigHash     string `json:"config_hash"`
	WallsCreated   int    `json:"walls_created"`
	WallsUpdated   int    `json:"walls_updated"`
	SourcesCreated int    `json:"sources_created"`
	SourcesUpdated int    `json:"sources_updated"`
}

// proposedWall maps a config wall to its row shape. Tiled walls become
// tilewall rows; bigscreen walls keep their kind, with tile_count equal to
// the screen count.
func proposedWall(cw ConfigWall) Wall {
	wallType := WallTypeBigscreen
	if cw.Type == "tiles" {
		wallType = WallTypeTilewall
	}
	tags := ListifyTags(cw.Tags)
	tags = append(tags, MarkerTag(cw.ID))
	resolution := cw.Resolution
	if resolution == "" {
		resolution = "1920x1080"
	}
	return Wall{
		Name:       cw.ID,
		WallType:   wallType,
		TileCount:  cw.TileCount,
		Resolution: resolution,
		Tags:       tags,
	}
}

// proposedSource maps a config source to its row shape. webrtc sources are
// vdi; srt/rtsp/rtp sources are hdmi, keeping the protocol.
func proposedSource(cs ConfigSource) Source {
	sourceType := SourceTypeHDMI
	if cs.Type == "webrtc" {
		sourceType = SourceTypeVDI
	}
	tags := ListifyTags(cs.Tags)
	tags = append(tags, MarkerTag(cs.ID))
	return Source{
		Name:       cs.ID,
		SourceType: sourceType,
		Protocol:   cs.Type,
		Endpoint:   cs.Endpoint,
		Codec:      cs.Codec,
		Tags:       tags,
		Health:     "unknown",
	}
}

// wallDiff returns the before/after field sets that differ, or nil when
// the row already matches the proposal.
func wallDiff(existing Wall, proposed Wall) (before, after map[string]any) {
	before, after = map[string]any{}, map[string]any{}
	if existing.Name != proposed.Name {
		before["name"], after["name"] = existing.Name, proposed.Name
	}
	if existing.WallType != proposed.WallType {
		before["wall_type"], after["wall_type"] = existing.WallType, proposed.WallType
	}
	if existing.TileCount != proposed.TileCount {
		before["tile_count"], after["tile_count"] = existing.TileCount, proposed.TileCount
	}
	if existing.Resolution != proposed.Resolution {
		before["resolution"], after["resolution"] = existing.Resolution, proposed.Resolution
	}
	if !equalTags(existing.Tags, proposed.Tags) {
		before["tags"], after["tags"] = existing.Tags, proposed.Tags
	}
	if len(after) == 0 {
		return nil, nil
	}
	return before, after
}

func sourceDiff(existing Source, proposed Source) (before, after map[string]any) {
	before, after = map[string]any{}, map[string]any{}
	if existing.Name != proposed.Name {
		before["name"], after["name"] = existing.Name, proposed.Name
	}
	if existing.SourceType != proposed.SourceType {
		before["source_type"], after["source_type"] = existing.SourceType, proposed.SourceType
	}
	if existing.Protocol != proposed.Protocol {
		before["protocol"], after["protocol"] = existing.Protocol, proposed.Protocol
	}
	if existing.Endpoint != proposed.Endpoint {
		before["endpoint"], after["endpoint"] = existing.Endpoint, proposed.Endpoint
	}
	if existing.Codec != proposed.Codec {
		before["codec"], after["codec"] = existing.Codec, proposed.Codec
	}
	if !equalTags(existing.Tags, proposed.Tags) {
		before["tags"], after["tags"] = existing.Tags, proposed.Tags
	}
	if len(after) == 0 {
		return nil, nil
	}
	return before, after
}

// Pass fetches the declared entities and upserts their rows.
func (r *Reconciler) Pass(ctx context.Context) (*PassResult, error) {
	cfgWalls, err := r.cfg.Walls(ctx)
	if err != nil {
		return nil, err
	}
	cfgSources, err := r.cfg.Sources(ctx)
	if err != nil {
		return nil, err
	}

	res := &PassResult{}
	if err := r.reconcileWalls(ctx, cfgWalls, res); err != nil {
		return nil, err
	}
	if err := r.reconcileSources(ctx, cfgSources, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) reconcileWalls(ctx context.Context, cfgWalls []ConfigWall, res *PassResult) error {
	dbWalls, err := r.store.ListWalls(ctx)
	if err != nil {
		return err
	}
	byMarker := map[string]Wall{}
	for _, w := range dbWalls {
		if id, ok := FindMarker(w.Tags); ok {
			byMarker[MarkerTag(id)] = w
		}
	}

	for _, cw := range cfgWalls {
		proposed := proposedWall(cw)
		existing, ok := byMarker[MarkerTag(cw.ID)]
		if !ok {
			created, err := r.store.CreateWall(ctx, proposed)
			if err != nil {
				return err
			}
			res.WallsCreated++
			r.record(ctx, "config.reconcile.wall.create", "wall", created.Name, map[string]any{
				"wall_id":    created.ID,
				"wall_type":  created.WallType,
				"tile_count": created.TileCount,
			})
			continue
		}

		before, after := wallDiff(existing, proposed)
		if after == nil {
			continue
		}
		proposed.ID = existing.ID
		if _, err := r.store.UpdateWall(ctx, proposed); err != nil {
			return err
		}
		res.WallsUpdated++
		r.record(ctx, "config.reconcile.wall.update", "wall", proposed.Name, map[string]any{
			"wall_id": existing.ID,
			"before":  before,
			"after":   after,
		})
	}
	return nil
}

func (r *Reconciler) reconcileSources(ctx context.Context, cfgSources []ConfigSource, res *PassResult) error {
	dbSources, err := r.store.ListSources(ctx)
	if err != nil {
		return err
	}
	byMarker := map[string]Source{}
	for _, s := range dbSources {
		if id, ok := FindMarker(s.Tags); ok {
			byMarker[MarkerTag(id)] = s
		}
	}

	for _, cs := range cfgSources {
		proposed := proposedSource(cs)
		existing, ok := byMarker[MarkerTag(cs.ID)]
		if !ok {
			created, err := r.store.CreateSource(ctx, proposed)
			if err != nil {
				return err
			}
			res.SourcesCreated++
			r.record(ctx, "config.reconcile.source.create", "source", created.Name, map[string]any{
				"source_id":   created.ID,
				"source_type": created.SourceType,
				"protocol":    created.Protocol,
			})
			continue
		}

		before, after := sourceDiff(existing, proposed)
		if after == nil {
			continue
		}
		proposed.ID = existing.ID
		proposed.Health = existing.Health
		if _, err := r.store.UpdateSource(ctx, proposed); err != nil {
			return err
		}
		res.SourcesUpdated++
		r.record(ctx, "config.reconcile.source.update", "source", proposed.Name, map[string]any{
			"source_id": existing.ID,
			"before":    before,
			"after":     after,
		})
	}
	return nil
}

func (r *Reconciler) record(ctx context.Context, action, objectType, objectID string, details map[string]any) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.Append(ctx, r.chainID, action, reconcileActor, objectType, objectID, details); err != nil {
		r.log.Error("audit append failed", "action", action, "error", err)
	}
}

// RunOnce reads the config hash and runs a pass if the hash moved since
// the last successful pass. An unreachable authority is treated as
// unchanged.
func (r *Reconciler) RunOnce(ctx context.Context) (*PassResult, error) {
	hash, err := r.cfg.Hash(ctx)
	if err != nil {
		r.log.Warn("config authority unreachable, skipping pass", "error", err)
		return nil, nil
	}
	if hash == r.lastHash {
		return nil, nil
	}
	res, err := r.Pass(ctx)
	if err != nil {
		return nil, err
	}
	r.lastHash = hash
	res.ConfigHash = hash
	r.log.Info("reconcile pass complete",
		"config_hash", hash,
		"walls_created", res.WallsCreated,
		"walls_updated", res.WallsUpdated,
		"sources_created", res.SourcesCreated,
		"sources_updated", res.SourcesUpdated,
	)
	return res, nil
}

// Run loops until ctx is cancelled: a short startup delay, one initial
// pass, then hash-gated passes every interval.
func (r *Reconciler) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}
	if _, err := r.RunOnce(ctx); err != nil {
		r.log.Error("initial reconcile pass failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("reconcile pass failed", "error", err)
			}
		}
	}
}
