package mgmt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/videowall-io/controlplane/pkg/sqldb"
)

var (
	ErrNotFound = errors.New("mgmt: not found")
	ErrConflict = errors.New("mgmt: conflict")
)

const schema = `
CREATE TABLE IF NOT EXISTS walls (
  id          %[1]s,
  name        TEXT NOT NULL,
  wall_type   TEXT NOT NULL,
  tile_count  INTEGER NOT NULL,
  resolution  TEXT NOT NULL DEFAULT '1920x1080',
  tags        TEXT NOT NULL DEFAULT '[]',
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sources (
  id          %[1]s,
  name        TEXT NOT NULL,
  source_type TEXT NOT NULL,
  protocol    TEXT NOT NULL,
  endpoint    TEXT NOT NULL DEFAULT '',
  codec       TEXT NOT NULL DEFAULT '',
  tags        TEXT NOT NULL DEFAULT '[]',
  health      TEXT NOT NULL DEFAULT 'unknown',
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS layouts (
  id          %[1]s,
  wall_id     BIGINT NOT NULL,
  name        TEXT NOT NULL,
  version     INTEGER NOT NULL,
  grid_config TEXT NOT NULL DEFAULT '{}',
  preset      TEXT NOT NULL DEFAULT '',
  is_active   BOOLEAN NOT NULL DEFAULT FALSE,
  created_by  TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  UNIQUE (wall_id, version)
);
CREATE INDEX IF NOT EXISTS idx_layouts_wall ON layouts(wall_id);
`

// Store persists walls, sources, and layouts.
type Store struct {
	db     *sql.DB
	driver string
	clock  func() time.Time
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Init creates the tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == sqldb.DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, pk))
	return err
}

func (s *Store) now() string {
	return s.clock().UTC().Format(time.RFC3339)
}

func encodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func decodeTags(raw string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

// isUniqueViolation matches the duplicate-key errors of both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// --- walls ---

// ListWalls returns all walls ordered by id.
func (s *Store) ListWalls(ctx context.Context) ([]Wall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, wall_type, tile_count, resolution, tags, created_at, updated_at
		FROM walls ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("mgmt: list walls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Wall{}
	for rows.Next() {
		var w Wall
		var tags string
		if err := rows.Scan(&w.ID, &w.Name, &w.WallType, &w.TileCount, &w.Resolution, &tags, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("mgmt: scan wall: %w", err)
		}
		w.Tags = decodeTags(tags)
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetWall returns one wall by id.
func (s *Store) GetWall(ctx context.Context, id int64) (*Wall, error) {
	var w Wall
	var tags string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, wall_type, tile_count, resolution, tags, created_at, updated_at
		FROM walls WHERE id = $1`, id).
		Scan(&w.ID, &w.Name, &w.WallType, &w.TileCount, &w.Resolution, &tags, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mgmt: get wall: %w", err)
	}
	w.Tags = decodeTags(tags)
	return &w, nil
}

// CreateWall inserts a wall and returns it with id and timestamps set.
func (s *Store) CreateWall(ctx context.Context, w Wall) (*Wall, error) {
	now := s.now()
	w.CreatedAt, w.UpdatedAt = now, now
	if w.Tags == nil {
		w.Tags = []string{}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO walls (name, wall_type, tile_count, resolution, tags, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		w.Name, w.WallType, w.TileCount, w.Resolution, encodeTags(w.Tags), w.CreatedAt, w.UpdatedAt,
	).Scan(&w.ID)
	if err != nil {
		return nil, fmt.Errorf("mgmt: create wall: %w", err)
	}
	return &w, nil
}

// UpdateWall overwrites the mutable fields of a wall.
func (s *Store) UpdateWall(ctx context.Context, w Wall) (*Wall, error) {
	w.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE walls SET name=$1, wall_type=$2, tile_count=$3, resolution=$4, tags=$5, updated_at=$6
		WHERE id=$7`,
		w.Name, w.WallType, w.TileCount, w.Resolution, encodeTags(w.Tags), w.UpdatedAt, w.ID)
	if err != nil {
		return nil, fmt.Errorf("mgmt: update wall: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetWall(ctx, w.ID)
}

// DeleteWall removes a wall and its layouts in one transaction.
func (s *Store) DeleteWall(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mgmt: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM layouts WHERE wall_id = $1`, id); err != nil {
		return fmt.Errorf("mgmt: delete layouts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM walls WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mgmt: delete wall: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// --- sources ---

// ListSources returns all sources ordered by id.
func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source_type, protocol, endpoint, codec, tags, health, created_at, updated_at
		FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("mgmt: list sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Source{}
	for rows.Next() {
		var src Source
		var tags string
		if err := rows.Scan(&src.ID, &src.Name, &src.SourceType, &src.Protocol, &src.Endpoint,
			&src.Codec, &tags, &src.Health, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, fmt.Errorf("mgmt: scan source: %w", err)
		}
		src.Tags = decodeTags(tags)
		out = append(out, src)
	}
	return out, rows.Err()
}

// GetSource returns one source by id.
func (s *Store) GetSource(ctx context.Context, id int64) (*Source, error) {
	var src Source
	var tags string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_type, protocol, endpoint, codec, tags, health, created_at, updated_at
		FROM sources WHERE id = $1`, id).
		Scan(&src.ID, &src.Name, &src.SourceType, &src.Protocol, &src.Endpoint,
			&src.Codec, &tags, &src.Health, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mgmt: get source: %w", err)
	}
	src.Tags = decodeTags(tags)
	return &src, nil
}

// CreateSource inserts a source.
func (s *Store) CreateSource(ctx context.Context, src Source) (*Source, error) {
	now := s.now()
	src.CreatedAt, src.UpdatedAt = now, now
	if src.Health == "" {
		src.Health = "unknown"
	}
	if src.Tags == nil {
		src.Tags = []string{}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sources (name, source_type, protocol, endpoint, codec, tags, health, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		src.Name, src.SourceType, src.Protocol, src.Endpoint, src.Codec,
		encodeTags(src.Tags), src.Health, src.CreatedAt, src.UpdatedAt,
	).Scan(&src.ID)
	if err != nil {
		return nil, fmt.Errorf("mgmt: create source: %w", err)
	}
	return &src, nil
}

// UpdateSource overwrites the mutable fields of a source.
func (s *Store) UpdateSource(ctx context.Context, src Source) (*Source, error) {
	src.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources SET name=$1, source_type=$2, protocol=$3, endpoint=$4, codec=$5, tags=$6, health=$7, updated_at=$8
		WHERE id=$9`,
		src.Name, src.SourceType, src.Protocol, src.Endpoint, src.Codec,
		encodeTags(src.Tags), src.Health, src.UpdatedAt, src.ID)
	if err != nil {
		return nil, fmt.Errorf("mgmt: update source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetSource(ctx, src.ID)
}

// DeleteSource removes a source.
func (s *Store) DeleteSource(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mgmt: delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- layouts ---

const layoutCols = `id, wall_id, name, version, grid_config, preset, is_active, created_by, created_at`

func scanLayout(row interface{ Scan(...any) error }) (*Layout, error) {
	var l Layout
	var grid string
	err := row.Scan(&l.ID, &l.WallID, &l.Name, &l.Version, &grid, &l.Preset, &l.IsActive, &l.CreatedBy, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(grid), &l.GridConfig); err != nil || l.GridConfig == nil {
		l.GridConfig = map[string]any{}
	}
	return &l, nil
}

// ListLayouts returns layouts, optionally filtered by wall, newest version
// first within a wall.
func (s *Store) ListLayouts(ctx context.Context, wallID int64) ([]Layout, error) {
	query := `SELECT ` + layoutCols + ` FROM layouts ORDER BY wall_id, version DESC`
	args := []any{}
	if wallID > 0 {
		query = `SELECT ` + layoutCols + ` FROM layouts WHERE wall_id = $1 ORDER BY version DESC`
		args = append(args, wallID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mgmt: list layouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []Layout{}
	for rows.Next() {
		l, err := scanLayout(rows)
		if err != nil {
			return nil, fmt.Errorf("mgmt: scan layout: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// GetLayout returns one layout by id.
func (s *Store) GetLayout(ctx context.Context, id int64) (*Layout, error) {
	l, err := scanLayout(s.db.QueryRowContext(ctx,
		`SELECT `+layoutCols+` FROM layouts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mgmt: get layout: %w", err)
	}
	return l, nil
}

// CreateLayout inserts a layout with version = max(existing) + 1 for its
// wall. When the new layout is active, any previously active layout for the
// wall is deactivated in the same transaction. A version race surfaces as
// ErrConflict.
func (s *Store) CreateLayout(ctx context.Context, l Layout) (*Layout, error) {
	if _, err := s.GetWall(ctx, l.WallID); err != nil {
		return nil, err
	}
	l.CreatedAt = s.now()
	if l.GridConfig == nil {
		l.GridConfig = map[string]any{}
	}
	grid, err := json.Marshal(l.GridConfig)
	if err != nil {
		return nil, fmt.Errorf("mgmt: encode grid: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mgmt: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM layouts WHERE wall_id = $1`, l.WallID).Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("mgmt: read max version: %w", err)
	}
	l.Version = int(maxVersion.Int64) + 1

	if l.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE layouts SET is_active = FALSE WHERE wall_id = $1 AND is_active`, l.WallID); err != nil {
			return nil, fmt.Errorf("mgmt: deactivate layouts: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO layouts (wall_id, name, version, grid_config, preset, is_active, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		l.WallID, l.Name, l.Version, string(grid), l.Preset, l.IsActive, l.CreatedBy, l.CreatedAt,
	).Scan(&l.ID)
	if isUniqueViolation(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("mgmt: create layout: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mgmt: commit: %w", err)
	}
	return &l, nil
}

// ActivateLayout makes the given layout the only active one for its wall,
// atomically.
func (s *Store) ActivateLayout(ctx context.Context, id int64) (*Layout, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mgmt: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	l, err := scanLayout(tx.QueryRowContext(ctx,
		`SELECT `+layoutCols+` FROM layouts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mgmt: get layout: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE layouts SET is_active = FALSE WHERE wall_id = $1 AND is_active`, l.WallID); err != nil {
		return nil, fmt.Errorf("mgmt: deactivate layouts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE layouts SET is_active = TRUE WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("mgmt: activate layout: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mgmt: commit: %w", err)
	}
	l.IsActive = true
	return l, nil
}

// DeleteLayout removes a layout. Versions are never renumbered.
func (s *Store) DeleteLayout(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM layouts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mgmt: delete layout: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveLayouts returns the active layout per wall, keyed by wall id.
func (s *Store) ActiveLayouts(ctx context.Context) (map[int64]Layout, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+layoutCols+` FROM layouts WHERE is_active ORDER BY wall_id`)
	if err != nil {
		return nil, fmt.Errorf("mgmt: active layouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := map[int64]Layout{}
	for rows.Next() {
		l, err := scanLayout(rows)
		if err != nil {
			return nil, fmt.Errorf("mgmt: scan layout: %w", err)
		}
		out[l.WallID] = *l
	}
	return out, rows.Err()
}
