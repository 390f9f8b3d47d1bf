// Package store persists coordinator state in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/KafCoord/internal/bus"
	"github.com/KafClaw/KafCoord/internal/coreerr"
)

// Table names a JSON record table.
type Table string

const (
	Agents      Table = "agents"
	Tasks       Table = "tasks"
	Conflicts   Table = "conflicts"
	Decisions   Table = "decisions"
	Escalations Table = "escalations"
)

func (t Table) valid() bool {
	switch t {
	case Agents, Tasks, Conflicts, Decisions, Escalations:
		return true
	}
	return false
}

// Store wraps the coordinator database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath. ":memory:" opens a private
// in-memory database on a single connection.
func Open(dbPath string) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s, err := OpenDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB applies the schema to an existing connection.
func OpenDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migration for databases created before knowledge tags were indexed.
	_, _ = db.Exec(`ALTER TABLE knowledge_items ADD COLUMN tags TEXT DEFAULT ''`)
	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// Retryable marks SQLite busy and locked errors transient so retry.Do retries them.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy") {
		return coreerr.Transient(err)
	}
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Put inserts or replaces a JSON record. state is stored alongside for filtering.
func (s *Store) Put(ctx context.Context, table Table, id, state string, v any) error {
	if !table.valid() {
		return fmt.Errorf("unknown table %q", table)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO `+string(table)+` (id, state, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		id, state, string(data), now())
	if err != nil {
		return fmt.Errorf("put %s %s: %w", table, id, err)
	}
	return nil
}

// Get decodes the record id into v. It reports false when the record does not exist.
func (s *Store) Get(ctx context.Context, table Table, id string, v any) (bool, error) {
	if !table.valid() {
		return false, fmt.Errorf("unknown table %q", table)
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM `+string(table)+` WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s %s: %w", table, id, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", table, id, err)
	}
	return true, nil
}

// Delete removes a record. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, table Table, id string) error {
	if !table.valid() {
		return fmt.Errorf("unknown table %q", table)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+string(table)+` WHERE id = ?`, id)
	return err
}

// Each calls fn with the raw JSON of every record in table, optionally
// restricted to one state. Rows are fully read before fn runs.
func (s *Store) Each(ctx context.Context, table Table, state string, fn func(id string, data []byte) error) error {
	if !table.valid() {
		return fmt.Errorf("unknown table %q", table)
	}
	query := `SELECT id, data FROM ` + string(table)
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY updated_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("list %s: %w", table, err)
	}
	type row struct {
		id   string
		data string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.data); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, r := range all {
		if err := fn(r.id, []byte(r.data)); err != nil {
			return err
		}
	}
	return nil
}

// --- Knowledge ---

// KnowledgeRow is one persisted knowledge item version.
type KnowledgeRow struct {
	ID        string
	LineageID string
	Topic     string
	Status    string
	Tags      string
	Version   int
	Embedding []float32
	Data      []byte
}

// PutKnowledge stores one knowledge item version with its embedding.
func (s *Store) PutKnowledge(ctx context.Context, row KnowledgeRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (id, lineage_id, topic, status, tags, version, embedding, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tags = excluded.tags,
			embedding = excluded.embedding,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, row.ID, row.LineageID, row.Topic, row.Status, row.Tags, row.Version, EncodeFloat32s(row.Embedding), string(row.Data), now())
	if err != nil {
		return fmt.Errorf("put knowledge %s: %w", row.ID, err)
	}
	return nil
}

// DeleteKnowledge removes one knowledge item version.
func (s *Store) DeleteKnowledge(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_items WHERE id = ?`, id)
	return err
}

// ListKnowledge returns every stored knowledge version ordered by lineage and version.
func (s *Store) ListKnowledge(ctx context.Context) ([]KnowledgeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lineage_id, topic, status, COALESCE(tags,''), version, embedding, data
		FROM knowledge_items ORDER BY lineage_id, version`)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeRow
	for rows.Next() {
		var r KnowledgeRow
		var blob []byte
		var data string
		if err := rows.Scan(&r.ID, &r.LineageID, &r.Topic, &r.Status, &r.Tags, &r.Version, &blob, &data); err != nil {
			return nil, err
		}
		r.Embedding = DecodeFloat32s(blob)
		r.Data = []byte(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

// EncodeFloat32s converts a float32 slice to little-endian bytes.
func EncodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeFloat32s converts little-endian bytes back to a float32 slice.
func DecodeFloat32s(b []byte) []float32 {
	if len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// --- Feedback & learning ---

// FeedbackRow is one appended feedback record. Seq orders feedback for the
// incremental learner cursor.
type FeedbackRow struct {
	Seq        int64
	DecisionID string
	Outcome    string
	Quality    float64
	Data       []byte
	CreatedAt  time.Time
}

// AppendFeedback stores feedback and returns its sequence number.
func (s *Store) AppendFeedback(ctx context.Context, row FeedbackRow) (int64, error) {
	data := row.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	created := row.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO feedback (decision_id, outcome, quality, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		row.DecisionID, row.Outcome, row.Quality, string(data), created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("append feedback: %w", err)
	}
	return res.LastInsertId()
}

// FeedbackSince returns feedback with seq greater than after, oldest first.
func (s *Store) FeedbackSince(ctx context.Context, after int64) ([]FeedbackRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, decision_id, outcome, quality, data, created_at
		FROM feedback WHERE seq > ? ORDER BY seq`, after)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []FeedbackRow
	for rows.Next() {
		var r FeedbackRow
		var data, created string
		if err := rows.Scan(&r.Seq, &r.DecisionID, &r.Outcome, &r.Quality, &data, &created); err != nil {
			return nil, err
		}
		r.Data = []byte(data)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveWeights stores a learning weight snapshot under version.
func (s *Store) SaveWeights(ctx context.Context, version int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO learning_weights (version, data, created_at) VALUES (?, ?, ?)`,
		version, string(data), now())
	if err != nil {
		return fmt.Errorf("save weights v%d: %w", version, err)
	}
	return nil
}

// LatestWeights decodes the newest weight snapshot into v.
func (s *Store) LatestWeights(ctx context.Context, v any) (bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM learning_weights ORDER BY version DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load weights: %w", err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return false, fmt.Errorf("decode weights: %w", err)
	}
	return true, nil
}

// --- Settings ---

// GetSetting returns a setting value by key ("" when unset).
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return val, err
}

// SetSetting upserts a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// --- Event log ---

// AppendEvent writes ev to the audit log. Duplicate ids are ignored.
func (s *Store) AppendEvent(ctx context.Context, ev bus.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO events (id, event_type, entity_id, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.EntityID, string(payload), ev.Timestamp.UTC().Format(time.RFC3339Nano))
	return err
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	EntityID string
	Type     string
	Limit    int
}

// ListEvents returns logged events, newest first.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]bus.Event, error) {
	query := `SELECT id, event_type, entity_id, payload, timestamp FROM events WHERE 1=1`
	var args []any
	if filter.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, filter.EntityID)
	}
	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY timestamp DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var ev bus.Event
		var payload, ts string
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.EntityID, &payload, &ts); err != nil {
			return nil, err
		}
		if payload != "" && payload != "null" {
			_ = json.Unmarshal([]byte(payload), &ev.Payload)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RecordEvents subscribes to every event on b and appends it to the event log.
// It returns the subscription id.
func (s *Store) RecordEvents(b *bus.Bus) string {
	return b.Subscribe(func(ev bus.Event) {
		if err := s.AppendEvent(context.Background(), ev); err != nil {
			slog.Warn("Event log write failed", "event_id", ev.ID, "event_type", ev.Type, "error", err)
		}
	})
}
