package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for relay cursors, deployments, alerts and dedupe.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  chain       TEXT NOT NULL,
  lane        TEXT NOT NULL,
  height      INTEGER NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(chain, lane)
);

CREATE TABLE IF NOT EXISTS deployments (
  chain       TEXT NOT NULL,
  role        TEXT NOT NULL,
  address     TEXT NOT NULL,
  tx_hash     TEXT NOT NULL,
  created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS deployments_chain ON deployments(chain);

CREATE TABLE IF NOT EXISTS alerts (
  id            TEXT PRIMARY KEY,
  relay_id      TEXT NOT NULL,
  fingerprint   TEXT,
  payload_json  TEXT,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sends (
  alert_id      TEXT NOT NULL,
  sink_id       TEXT NOT NULL,
  status        TEXT NOT NULL,
  response_code INTEGER,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(alert_id, sink_id)
);

CREATE TABLE IF NOT EXISTS dedupe (
  key         TEXT PRIMARY KEY,
  expires_at  TIMESTAMP NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Cursor is a persisted relay watermark.
type Cursor struct {
	Chain     string    `json:"chain"`
	Lane      string    `json:"lane"`
	Height    uint64    `json:"height"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertCursor records the latest relayed height for a chain lane.
func (s *Store) UpsertCursor(ctx context.Context, chain, lane string, height uint64) error {
	if chain == "" || lane == "" {
		return errors.New("chain and lane required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (chain, lane, height, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(chain, lane) DO UPDATE SET
  height=excluded.height,
  updated_at=CURRENT_TIMESTAMP;
`, chain, lane, height)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a chain lane.
func (s *Store) GetCursor(ctx context.Context, chain, lane string) (height uint64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height FROM cursors WHERE chain = ? AND lane = ?;
`, chain, lane)
	switch err = row.Scan(&height); err {
	case nil:
		return height, true, nil
	case sql.ErrNoRows:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
}

// ListCursors returns every stored cursor ordered by chain and lane.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chain, lane, height, updated_at FROM cursors ORDER BY chain, lane;
`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.Chain, &c.Lane, &c.Height, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Deployment is a contract created by the bootstrapper.
type Deployment struct {
	Chain     string    `json:"chain"`
	Role      string    `json:"role"`
	Address   string    `json:"address"`
	TxHash    string    `json:"tx_hash"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordDeployments stores the contracts of one bootstrap run atomically.
func (s *Store) RecordDeployments(ctx context.Context, ds []Deployment) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, d := range ds {
			if d.Chain == "" || d.Role == "" || d.Address == "" {
				return errors.New("deployment chain, role and address are required")
			}
			_, err := tx.ExecContext(ctx, `
INSERT INTO deployments (chain, role, address, tx_hash, created_at)
VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, d.Chain, d.Role, d.Address, d.TxHash, nullTime(d.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert deployment %s/%s: %w", d.Chain, d.Role, err)
			}
		}
		return nil
	})
}

// ListDeployments returns deployment records, oldest first. An empty chain lists all chains.
func (s *Store) ListDeployments(ctx context.Context, chain string) ([]Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT chain, role, address, tx_hash, created_at FROM deployments
WHERE ? = '' OR chain = ?
ORDER BY created_at, rowid;
`, chain, chain)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(&d.Chain, &d.Role, &d.Address, &d.TxHash, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDedupe sets or refreshes a dedupe key until expiresAt.
func (s *Store) MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error {
	if key == "" {
		return errors.New("key required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dedupe (key, expires_at)
VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET expires_at=excluded.expires_at;
`, key, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("mark dedupe: %w", err)
	}
	return nil
}

// IsDuplicate returns true if the key exists and is not expired; expired entries are pruned.
func (s *Store) IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("key required")
	}

	var expires time.Time
	err := s.db.QueryRowContext(ctx, `
SELECT expires_at FROM dedupe WHERE key = ?;
`, key).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dedupe: %w", err)
	}

	if expires.After(now.UTC()) {
		return true, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedupe WHERE key = ?;`, key); err != nil {
		return false, fmt.Errorf("prune dedupe: %w", err)
	}
	return false, nil
}

// Alert is a pass failure notification emitted to sinks.
type Alert struct {
	ID          string
	RelayID     string
	Fingerprint string
	PayloadJSON string
	CreatedAt   time.Time
}

// InsertAlert stores an alert; primary key enforces exactly-once insertion.
func (s *Store) InsertAlert(ctx context.Context, a Alert) error {
	if a.ID == "" || a.RelayID == "" {
		return errors.New("alert id and relay_id required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alerts (id, relay_id, fingerprint, payload_json, created_at)
VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, a.ID, a.RelayID, a.Fingerprint, a.PayloadJSON, nullTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// Send represents a sink delivery record.
type Send struct {
	AlertID      string
	SinkID       string
	Status       string
	ResponseCode int
	CreatedAt    time.Time
}

// InsertSend records a sink delivery attempt; primary key enforces exactly-once per alert/sink.
func (s *Store) InsertSend(ctx context.Context, srec Send) error {
	if srec.AlertID == "" || srec.SinkID == "" || srec.Status == "" {
		return errors.New("alert_id, sink_id, and status are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sends (alert_id, sink_id, status, response_code, created_at)
VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, srec.AlertID, srec.SinkID, srec.Status, srec.ResponseCode, nullTime(srec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert send: %w", err)
	}
	return nil
}

// ListSends returns the delivery records of an alert ordered by sink.
func (s *Store) ListSends(ctx context.Context, alertID string) ([]Send, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT alert_id, sink_id, status, COALESCE(response_code, 0), created_at FROM sends
WHERE alert_id = ? ORDER BY sink_id;
`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list sends: %w", err)
	}
	defer rows.Close()

	var out []Send
	for rows.Next() {
		var sr Send
		if err := rows.Scan(&sr.AlertID, &sr.SinkID, &sr.Status, &sr.ResponseCode, &sr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan send: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// WithTx executes a callback inside a transaction for callers needing atomicity.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
