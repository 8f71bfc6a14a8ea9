// Package sqlite is the durable repository implementation. One database
// file holds every table; all timestamps are stored as epoch
// milliseconds so ordering comparisons never parse strings.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/teamboard/internal/repository"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	assignee TEXT NOT NULL DEFAULT '',
	reviewer TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT 'P2',
	done_criteria TEXT NOT NULL DEFAULT '[]',
	tags TEXT NOT NULL DEFAULT '[]',
	blocked_by TEXT NOT NULL DEFAULT '[]',
	created_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	comment_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS task_comments (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	author TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS task_changes (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '{}',
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	from_agent TEXT NOT NULL,
	content TEXT NOT NULL,
	channel TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	reply_to TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS reactions (
	message_id TEXT NOT NULL,
	emoji TEXT NOT NULL,
	agent TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (message_id, emoji, agent)
);
CREATE TABLE IF NOT EXISTS presence (
	agent TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	since INTEGER NOT NULL,
	last_update INTEGER NOT NULL,
	current_task TEXT NOT NULL DEFAULT '',
	focus TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS agent_activity (
	agent TEXT NOT NULL,
	kind TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS mention_acks (
	id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	message_id TEXT NOT NULL,
	mentioned_by TEXT NOT NULL,
	channel TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	acked_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS insights (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	cluster_key TEXT NOT NULL DEFAULT '',
	failure_family TEXT NOT NULL DEFAULT '',
	impacted_unit TEXT NOT NULL DEFAULT '',
	severity_max TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	promotion_readiness TEXT NOT NULL DEFAULT '',
	score REAL NOT NULL DEFAULT 0,
	reflection_ids TEXT NOT NULL DEFAULT '[]',
	authors TEXT NOT NULL DEFAULT '[]',
	evidence_refs TEXT NOT NULL DEFAULT '[]',
	task_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS triage_decisions (
	id TEXT PRIMARY KEY,
	insight_id TEXT NOT NULL,
	action TEXT NOT NULL,
	reviewer TEXT NOT NULL,
	rationale TEXT NOT NULL DEFAULT '',
	outcome_task_id TEXT NOT NULL DEFAULT '',
	previous_status TEXT NOT NULL,
	new_status TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS system_loop_ticks (
	name TEXT PRIMARY KEY,
	last_tick INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS content_records (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS vector_metadata (
	id TEXT PRIMARY KEY,
	record_id TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	dims INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS _migrations (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

// indexes for common query patterns (board listing, channel history,
// unacked mention sweeps).
const indexes = `
CREATE INDEX IF NOT EXISTS idx_tasks_status_assignee ON tasks(status, assignee);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
CREATE INDEX IF NOT EXISTS idx_comments_task ON task_comments(task_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_changes_task ON task_changes(task_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, timestamp);
CREATE INDEX IF NOT EXISTS idx_activity_agent ON agent_activity(agent, timestamp);
CREATE INDEX IF NOT EXISTS idx_mentions_agent ON mention_acks(agent, acked_at);
CREATE INDEX IF NOT EXISTS idx_insights_status ON insights(status);
`

// Store implements repository.Store on a single SQLite database.
type Store struct {
	db *sql.DB
}

var _ repository.Store = (*Store)(nil)

// New opens the database at path, creating parent dirs and schema.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	// Migrations for databases created by older builds (ignore errors
	// for already-applied steps).
	_ = runMigrations(db)
	return &Store{db: db}, nil
}

// runMigrations applies additive schema steps for older databases. Each
// ALTER may fail when the column already exists; that is fine.
func runMigrations(db *sql.DB) error {
	_, _ = db.Exec("ALTER TABLE tasks ADD COLUMN reviewer TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE tasks ADD COLUMN comment_count INTEGER NOT NULL DEFAULT 0")
	_, _ = db.Exec("ALTER TABLE tasks ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}'")
	_, _ = db.Exec("ALTER TABLE messages ADD COLUMN thread_id TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE messages ADD COLUMN reply_to TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE messages ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}'")
	_, _ = db.Exec("ALTER TABLE presence ADD COLUMN focus TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE insights ADD COLUMN task_id TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("INSERT OR IGNORE INTO _migrations (version, applied_at) VALUES (1, strftime('%s','now')*1000)")
	return nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Reset drops all rows. Admin surface and tests only.
func (s *Store) Reset() error {
	tables := []string{
		"tasks", "task_comments", "task_changes",
		"messages", "reactions",
		"presence", "agent_activity", "mention_acks",
		"insights", "triage_decisions",
		"system_loop_ticks", "content_records", "vector_metadata",
	}
	for _, t := range tables {
		if _, err := s.db.Exec("DELETE FROM " + t); err != nil {
			return fmt.Errorf("reset %s: %w", t, err)
		}
	}
	return nil
}

// encodeJSON marshals v for a TEXT column, collapsing nil to its empty
// literal so columns never hold SQL NULL.
func encodeJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	s := string(b)
	if s == "null" {
		return empty
	}
	return s
}

// parseJSON unmarshals b into v or returns an error with context.
func parseJSON(s string, v any, context string) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("%s: %w", context, err)
	}
	return nil
}

// isNoRows reports whether err is the no-rows sentinel.
func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}

// likePattern escapes a user query for a LIKE clause.
func likePattern(q string) string {
	q = strings.ReplaceAll(q, `\`, `\\`)
	q = strings.ReplaceAll(q, "%", `\%`)
	q = strings.ReplaceAll(q, "_", `\_`)
	return "%" + q + "%"
}
