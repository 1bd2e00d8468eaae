// Package trail provides the SQLite sink for processed events.
//
// Every processed event is appended to the full trail with its complete
// decision metadata; the clean trail is the flagged subset intended to
// reflect only genuine conversational turns. One database file holds both:
// the clean trail is a column, not a second table, so an event's audit
// record and its admission decision can never disagree.
package trail

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrelworks/turnstile/internal/filter"
	"github.com/kestrelworks/turnstile/internal/session"
	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.turnstile/turnstile.db"

// timeFormat is how instants are stored. SQLite DATE() cannot parse Go's
// default format; this one sorts lexicographically.
const timeFormat = "2006-01-02 15:04:05.000"

// Record is one processed event with its decision, as delivered to the
// sink. The full trail receives every record; Clean marks membership in
// the clean trail.
type Record struct {
	ID             int64           `json:"id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	SourceID       string          `json:"source_id,omitempty"`
	Text           string          `json:"text"`
	Role           session.Role    `json:"role"`
	Timestamp      time.Time       `json:"timestamp"`
	URLs           []string        `json:"urls,omitempty"`
	TextChanged    bool            `json:"text_changed,omitempty"`
	Clean          bool            `json:"clean"`
	Decision       filter.Decision `json:"decision"`
	ContentHash    string          `json:"content_hash,omitempty"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
}

// ListOpts controls pagination and filtering for List.
type ListOpts struct {
	CleanOnly bool
	Role      session.Role // empty = all roles
	Limit     int
	Offset    int
}

// Stats holds observability counters over the trail.
type Stats struct {
	TotalEvents     int64 `json:"events"`
	CleanEvents     int64 `json:"clean_events"`
	FilteredEvents  int64 `json:"filtered_events"`
	PreservedEvents int64 `json:"preserved_events"`
	GenuineEvents   int64 `json:"genuine_events"`
	DBSizeBytes     int64 `json:"db_size_bytes"`
}

// Store defines the sink interface.
type Store interface {
	Append(ctx context.Context, r *Record) (int64, error)
	List(ctx context.Context, opts ListOpts) ([]*Record, error)
	Stats(ctx context.Context) (*Stats, error)
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// SQLiteStore implements Store.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the trail database. Pass ":memory:"
// for tests.
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append writes a record to the full trail and returns its id. The
// content hash is computed here when the caller has not set it.
func (s *SQLiteStore) Append(ctx context.Context, r *Record) (int64, error) {
	if r.Text == "" {
		return 0, fmt.Errorf("appending record: empty text")
	}
	if r.ContentHash == "" {
		r.ContentHash = HashEventContent(r.ConversationID, r.Text)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	urls, err := json.Marshal(r.URLs)
	if err != nil {
		return 0, fmt.Errorf("encoding urls: %w", err)
	}
	reasons, err := json.Marshal(r.Decision.Reasons)
	if err != nil {
		return 0, fmt.Errorf("encoding reasons: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (
			conversation_id, source_id, text, role, ts, urls, text_changed,
			clean, filtered, reasons, preserved, preserved_reason,
			genuine_override, content_hash, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ConversationID, r.SourceID, r.Text, string(r.Role),
		r.Timestamp.UTC().Format(timeFormat), string(urls), boolInt(r.TextChanged),
		boolInt(r.Clean), boolInt(r.Decision.Filtered), string(reasons),
		boolInt(r.Decision.Preserved), r.Decision.PreservedReason,
		boolInt(r.Decision.GenuineOverride), r.ContentHash,
		r.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading insert id: %w", err)
	}
	r.ID = id
	return id, nil
}

// List returns trail records, newest first.
func (s *SQLiteStore) List(ctx context.Context, opts ListOpts) ([]*Record, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	query := `
		SELECT id, conversation_id, source_id, text, role, ts, urls,
		       text_changed, clean, filtered, reasons, preserved,
		       preserved_reason, genuine_override, content_hash, created_at
		FROM events WHERE 1=1`
	args := []any{}
	if opts.CleanOnly {
		query += ` AND clean = 1`
	}
	if opts.Role != "" {
		query += ` AND role = ?`
		args = append(args, string(opts.Role))
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		r                                            Record
		role, ts, urls, reasons, created             string
		textChanged, clean, filtered, preserved, gen int
	)
	if err := rows.Scan(
		&r.ID, &r.ConversationID, &r.SourceID, &r.Text, &role, &ts, &urls,
		&textChanged, &clean, &filtered, &reasons, &preserved,
		&r.Decision.PreservedReason, &gen, &r.ContentHash, &created,
	); err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}
	r.Role = session.Role(role)
	r.TextChanged = textChanged != 0
	r.Clean = clean != 0
	r.Decision.Filtered = filtered != 0
	r.Decision.Preserved = preserved != 0
	r.Decision.GenuineOverride = gen != 0
	if t, err := time.Parse(timeFormat, ts); err == nil {
		r.Timestamp = t
	}
	if t, err := time.Parse(timeFormat, created); err == nil {
		r.CreatedAt = t
	}
	if urls != "" && urls != "null" {
		if err := json.Unmarshal([]byte(urls), &r.URLs); err != nil {
			return nil, fmt.Errorf("decoding urls: %w", err)
		}
	}
	if reasons != "" && reasons != "null" {
		if err := json.Unmarshal([]byte(reasons), &r.Decision.Reasons); err != nil {
			return nil, fmt.Errorf("decoding reasons: %w", err)
		}
	}
	return &r, nil
}

// Stats returns trail counters.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(clean), 0),
		       COALESCE(SUM(filtered), 0),
		       COALESCE(SUM(preserved), 0),
		       COALESCE(SUM(genuine_override), 0)
		FROM events`).Scan(
		&st.TotalEvents, &st.CleanEvents, &st.FilteredEvents,
		&st.PreservedEvents, &st.GenuineEvents,
	)
	if err != nil {
		return nil, fmt.Errorf("counting events: %w", err)
	}
	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}

// Sweep deletes full-trail records created before olderThan and returns
// how many were removed. Manual housekeeping only; nothing auto-sweeps.
func (s *SQLiteStore) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ?`,
		olderThan.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("sweeping events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading sweep count: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
