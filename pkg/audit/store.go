package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/videowall-io/controlplane/pkg/sqldb"
)

// Verification window bounds.
const (
	DefaultVerifyLastN = 1000
	MaxVerifyLastN     = 200000
)

var ErrEmptyAction = errors.New("audit: action must not be empty")

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
  id          %s,
  ts          TEXT NOT NULL,
  chain_id    TEXT NOT NULL,
  action      TEXT NOT NULL,
  actor       TEXT NOT NULL,
  object_type TEXT NOT NULL,
  object_id   TEXT NOT NULL,
  details     TEXT NOT NULL,
  prev_hash   TEXT NOT NULL,
  hash        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_chain ON audit_events(chain_id, id);
CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
CREATE INDEX IF NOT EXISTS idx_audit_events_actor ON audit_events(actor);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
`

// Store persists hash-chained events in SQL. Appends to the same chain are
// serialized: a per-process mutex covers in-process writers and, on
// Postgres, the tip read locks the latest row so cross-process appenders
// cannot interleave.
type Store struct {
	db     *sql.DB
	driver string
	clock  func() time.Time

	mu sync.Mutex
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

// Init creates the audit table and indexes.
func (s *Store) Init(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == sqldb.DriverPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, pk))
	return err
}

// Append commits one event: it reads the chain tip and inserts the new row
// with both prev_hash and hash in a single transaction.
func (s *Store) Append(ctx context.Context, chainID, action, actor, objectType, objectID string, details map[string]any) (*Event, error) {
	if action == "" {
		return nil, ErrEmptyAction
	}
	if details == nil {
		details = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tipQuery := `SELECT hash FROM audit_events WHERE chain_id = $1 ORDER BY id DESC LIMIT 1`
	if s.driver == sqldb.DriverPostgres {
		tipQuery += " FOR UPDATE"
	}
	prevHash := GenesisPrevHash
	var tip string
	switch err := tx.QueryRowContext(ctx, tipQuery, chainID).Scan(&tip); {
	case err == nil:
		prevHash = tip
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("audit: read tip: %w", err)
	}

	ev := Event{
		TS:         FormatTS(s.clock()),
		ChainID:    chainID,
		Action:     action,
		Actor:      actor,
		ObjectType: objectType,
		ObjectID:   objectID,
		Details:    details,
		PrevHash:   prevHash,
	}
	ev.Hash, err = ComputeHash(prevHash, ev)
	if err != nil {
		return nil, err
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("audit: encode details: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO audit_events (ts, chain_id, action, actor, object_type, object_id, details, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		ev.TS, ev.ChainID, ev.Action, ev.Actor, ev.ObjectType, ev.ObjectID,
		string(detailsJSON), ev.PrevHash, ev.Hash,
	).Scan(&ev.ID)
	if err != nil {
		return nil, fmt.Errorf("audit: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit: %w", err)
	}
	return &ev, nil
}

// QueryFilter narrows a chain query.
type QueryFilter struct {
	Action string
	Actor  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Query returns the most recent events of a chain matching the filter,
// newest first. Limit is clamped to [1, 1000].
func (s *Store) Query(ctx context.Context, chainID string, f QueryFilter) ([]Event, error) {
	limit := f.Limit
	if limit < 1 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}

	where := "chain_id = $1"
	args := []any{chainID}
	if f.Action != "" {
		args = append(args, f.Action)
		where += " AND action = $" + strconv.Itoa(len(args))
	}
	if f.Actor != "" {
		args = append(args, f.Actor)
		where += " AND actor = $" + strconv.Itoa(len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, FormatTS(f.Since))
		where += " AND ts >= $" + strconv.Itoa(len(args))
	}
	if !f.Until.IsZero() {
		args = append(args, FormatTS(f.Until))
		where += " AND ts <= $" + strconv.Itoa(len(args))
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, chain_id, action, actor, object_type, object_id, details, prev_hash, hash
		FROM audit_events
		WHERE `+where+`
		ORDER BY id DESC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// LastN returns up to n events of a chain in forward (oldest first) order.
func (s *Store) LastN(ctx context.Context, chainID string, n int) ([]Event, error) {
	if n < 1 {
		n = DefaultVerifyLastN
	}
	if n > MaxVerifyLastN {
		n = MaxVerifyLastN
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, chain_id, action, actor, object_type, object_id, details, prev_hash, hash
		FROM audit_events
		WHERE chain_id = $1
		ORDER BY id DESC
		LIMIT $2`, chainID, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query last_n: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// reverse to forward order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Verify re-walks the last n events of a chain and reports breakage.
func (s *Store) Verify(ctx context.Context, chainID string, lastN int) (*VerifyResult, error) {
	events, err := s.LastN(ctx, chainID, lastN)
	if err != nil {
		return nil, err
	}
	res := VerifyForward(chainID, events)
	return &res, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var ev Event
		var detailsJSON string
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.ChainID, &ev.Action, &ev.Actor,
			&ev.ObjectType, &ev.ObjectID, &detailsJSON, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil {
			return nil, fmt.Errorf("audit: decode details of event %d: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Event{}
	}
	return out, nil
}
