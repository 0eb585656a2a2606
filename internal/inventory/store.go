// Package inventory caches what every MCP server offered the last time
// it loaded: its tools, prompts, resources and resource templates, its
// state and its load log. The cache is written from the orchestrator's
// event bus and lets the CLI answer "what does this server provide?"
// without launching anything.
package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/nugget/mcphost/internal/mcp"
)

// ErrNotFound is returned when nothing is cached for a server listing.
var ErrNotFound = errors.New("not in inventory")

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Open opens the inventory database with the given driver: "sqlite3"
// (cgo) or "sqlite" (pure Go). The parent directory is created if
// needed.
func Open(driver, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create inventory directory: %w", err)
		}
	}

	var dsn string
	switch driver {
	case "sqlite3":
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case "sqlite":
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown inventory driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open inventory database: %w", err)
	}
	return db, nil
}

// Listing is a cached list result.
type Listing struct {
	Server    string
	Op        mcp.PaginationOp
	Items     int
	UpdatedAt time.Time
}

// ServerState is the last known state of a server.
type ServerState struct {
	Server    string
	State     string
	Reason    string
	Tools     int
	UpdatedAt time.Time
}

// Record is a persisted load record.
type Record struct {
	ID         string
	Server     string
	Level      string
	Message    string
	RecordedAt time.Time
}

// Store persists inventory data in SQLite. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates an inventory store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate inventory: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		server     TEXT NOT NULL,
		op         TEXT NOT NULL,
		items      INTEGER NOT NULL,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (server, op)
	);
	CREATE TABLE IF NOT EXISTS server_states (
		server     TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		tools      INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS load_records (
		id          TEXT PRIMARY KEY,
		server      TEXT NOT NULL,
		level       TEXT NOT NULL,
		message     TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_load_records_server ON load_records(server, recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// PutListing replaces the cached result of op for server. result must
// be the typed list result for op, e.g. *mcp.ToolsListResult.
func (s *Store) PutListing(ctx context.Context, server string, op mcp.PaginationOp, items int, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal %s for %s: %w", op, server, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO listings (server, op, items, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (server, op) DO UPDATE
		 SET items = excluded.items, payload = excluded.payload, updated_at = excluded.updated_at`,
		server, op.Key(), items, string(payload), time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("put %s for %s: %w", op, server, err)
	}
	return nil
}

// GetListing decodes the cached result of op for server into dst.
// Returns ErrNotFound if nothing is cached.
func (s *Store) GetListing(ctx context.Context, server string, op mcp.PaginationOp, dst any) (time.Time, error) {
	var payload, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM listings WHERE server = ? AND op = ?`,
		server, op.Key(),
	).Scan(&payload, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%s %s: %w", server, op, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s for %s: %w", op, server, err)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return time.Time{}, fmt.Errorf("decode %s for %s: %w", op, server, err)
	}
	return parseTime(updated), nil
}

// Listings returns every cached listing, ordered by server.
func (s *Store) Listings(ctx context.Context) ([]Listing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, op, items, updated_at FROM listings ORDER BY server, op`,
	)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		var l Listing
		var key, updated string
		if err := rows.Scan(&l.Server, &key, &l.Items, &updated); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.Op = opForKey(key)
		l.UpdatedAt = parseTime(updated)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Tools returns the cached tools of every server, keyed by server.
func (s *Store) Tools(ctx context.Context) (map[string][]mcp.ToolDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, payload FROM listings WHERE op = ? ORDER BY server`,
		mcp.OpToolsList.Key(),
	)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]mcp.ToolDefinition)
	for rows.Next() {
		var server, payload string
		if err := rows.Scan(&server, &payload); err != nil {
			return nil, fmt.Errorf("scan tools: %w", err)
		}
		var r mcp.ToolsListResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode tools for %s: %w", server, err)
		}
		out[server] = r.Tools
	}
	return out, rows.Err()
}

// SetState records the latest state of server.
func (s *Store) SetState(ctx context.Context, st ServerState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_states (server, state, reason, tools, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (server) DO UPDATE
		 SET state = excluded.state, reason = excluded.reason,
		     tools = excluded.tools, updated_at = excluded.updated_at`,
		st.Server, st.State, st.Reason, st.Tools, st.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("set state for %s: %w", st.Server, err)
	}
	return nil
}

// States returns the last known state of every server.
func (s *Store) States(ctx context.Context) ([]ServerState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, state, reason, tools, updated_at FROM server_states ORDER BY server`,
	)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var out []ServerState
	for rows.Next() {
		var st ServerState
		var updated string
		if err := rows.Scan(&st.Server, &st.State, &st.Reason, &st.Tools, &updated); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		st.UpdatedAt = parseTime(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// AppendRecord persists a load record. If rec.ID is empty, a UUIDv7 is
// generated.
func (s *Store) AppendRecord(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO load_records (id, server, level, message, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Server, rec.Level, rec.Message, rec.RecordedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("append record for %s: %w", rec.Server, err)
	}
	return nil
}

// Records returns the most recent load records of server, oldest
// first. A limit of zero or less returns all of them.
func (s *Store) Records(ctx context.Context, server string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server, level, message, recorded_at FROM (
			SELECT * FROM load_records WHERE server = ?
			ORDER BY recorded_at DESC, id DESC LIMIT ?
		 ) ORDER BY recorded_at ASC, id ASC`,
		server, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", server, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var recorded string
		if err := rows.Scan(&r.ID, &r.Server, &r.Level, &r.Message, &recorded); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.RecordedAt = parseTime(recorded)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteServer forgets everything cached for server.
func (s *Store) DeleteServer(ctx context.Context, server string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", server, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"listings", "server_states", "load_records"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE server = ?`, server); err != nil {
			return fmt.Errorf("delete %s from %s: %w", server, table, err)
		}
	}
	return tx.Commit()
}

func opForKey(key string) mcp.PaginationOp {
	for _, op := range mcp.PaginationOps {
		if op.Key() == key {
			return op
		}
	}
	return mcp.PaginationOp(-1)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
