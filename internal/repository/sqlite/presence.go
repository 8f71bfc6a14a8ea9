package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jaakkos/teamboard/internal/domain"
)

// UpsertPresence writes the per-agent presence snapshot.
func (s *Store) UpsertPresence(p domain.Presence) error {
	_, err := s.db.Exec(`INSERT INTO presence (agent, status, since, last_update, current_task, focus)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent) DO UPDATE SET
			status = excluded.status, since = excluded.since,
			last_update = excluded.last_update, current_task = excluded.current_task,
			focus = excluded.focus`,
		p.Agent, string(p.Status), p.Since, p.LastUpdate, p.CurrentTask,
		encodeJSON(p.Focus, ""))
	if err != nil {
		return fmt.Errorf("upsert presence %s: %w", p.Agent, err)
	}
	return nil
}

// GetPresence returns the snapshot for one agent.
func (s *Store) GetPresence(agent string) (domain.Presence, bool, error) {
	row := s.db.QueryRow(`SELECT agent, status, since, last_update, current_task, focus
		FROM presence WHERE agent = ? COLLATE NOCASE`, agent)
	p, err := scanPresence(row)
	if isNoRows(err) {
		return domain.Presence{}, false, nil
	}
	if err != nil {
		return domain.Presence{}, false, err
	}
	return p, true, nil
}

// ListPresence returns every agent's snapshot, most recent update first.
func (s *Store) ListPresence() ([]domain.Presence, error) {
	rows, err := s.db.Query(`SELECT agent, status, since, last_update, current_task, focus
		FROM presence ORDER BY last_update DESC, agent`)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()
	var out []domain.Presence
	for rows.Next() {
		p, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordActivity appends a heartbeat row.
func (s *Store) RecordActivity(rec domain.ActivityRecord) error {
	_, err := s.db.Exec(`INSERT INTO agent_activity (agent, kind, timestamp) VALUES (?, ?, ?)`,
		rec.Agent, rec.Kind, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("record activity %s: %w", rec.Agent, err)
	}
	return nil
}

// LastActivity returns the latest heartbeat timestamp for an agent, 0
// when none exists.
func (s *Store) LastActivity(agent string) (int64, error) {
	var ts int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(timestamp), 0) FROM agent_activity
		WHERE agent = ? COLLATE NOCASE`, agent).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("last activity %s: %w", agent, err)
	}
	return ts, nil
}

// ListActivity returns heartbeat rows, newest first. Empty agent matches
// all agents.
func (s *Store) ListActivity(agent string, since int64, limit int) ([]domain.ActivityRecord, error) {
	q := `SELECT agent, kind, timestamp FROM agent_activity WHERE timestamp >= ?`
	args := []any{since}
	if agent != "" {
		q += " AND agent = ? COLLATE NOCASE"
		args = append(args, agent)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	var out []domain.ActivityRecord
	for rows.Next() {
		var r domain.ActivityRecord
		if err := rows.Scan(&r.Agent, &r.Kind, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertMentionAck opens a mention-ack row for a mentioned agent.
func (s *Store) InsertMentionAck(m domain.MentionAck) error {
	_, err := s.db.Exec(`INSERT INTO mention_acks (id, agent, message_id, mentioned_by, channel, created_at, acked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Agent, m.MessageID, m.MentionedBy, m.Channel, m.CreatedAt, m.AckedAt)
	if err != nil {
		return fmt.Errorf("insert mention ack %s: %w", m.ID, err)
	}
	return nil
}

// AckMentions closes every open mention for an agent on a channel.
// Empty channel closes across all channels. Returns rows closed.
func (s *Store) AckMentions(agent, channel string, at int64) (int, error) {
	q := `UPDATE mention_acks SET acked_at = ? WHERE agent = ? COLLATE NOCASE AND acked_at = 0`
	args := []any{at, agent}
	if channel != "" {
		q += " AND channel = ?"
		args = append(args, channel)
	}
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return 0, fmt.Errorf("ack mentions %s: %w", agent, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AckMentionByID closes one mention row.
func (s *Store) AckMentionByID(id string, at int64) (bool, error) {
	res, err := s.db.Exec(`UPDATE mention_acks SET acked_at = ? WHERE id = ? AND acked_at = 0`, at, id)
	if err != nil {
		return false, fmt.Errorf("ack mention %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListMentions returns mention rows for an agent, newest first.
func (s *Store) ListMentions(agent string, unackedOnly bool) ([]domain.MentionAck, error) {
	q := `SELECT id, agent, message_id, mentioned_by, channel, created_at, acked_at
		FROM mention_acks WHERE agent = ? COLLATE NOCASE`
	if unackedOnly {
		q += " AND acked_at = 0"
	}
	q += " ORDER BY created_at DESC, id DESC"
	rows, err := s.db.Query(q, agent)
	if err != nil {
		return nil, fmt.Errorf("list mentions %s: %w", agent, err)
	}
	defer rows.Close()
	return collectMentions(rows)
}

// ListUnackedOlderThan returns open mentions created before cutoff,
// oldest first. The mention-rescue loop sweeps these.
func (s *Store) ListUnackedOlderThan(cutoff int64) ([]domain.MentionAck, error) {
	rows, err := s.db.Query(`SELECT id, agent, message_id, mentioned_by, channel, created_at, acked_at
		FROM mention_acks WHERE acked_at = 0 AND created_at < ?
		ORDER BY created_at, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list unacked mentions: %w", err)
	}
	defer rows.Close()
	return collectMentions(rows)
}

func collectMentions(rows *sql.Rows) ([]domain.MentionAck, error) {
	var out []domain.MentionAck
	for rows.Next() {
		var m domain.MentionAck
		if err := rows.Scan(&m.ID, &m.Agent, &m.MessageID, &m.MentionedBy, &m.Channel, &m.CreatedAt, &m.AckedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanPresence(sc scanner) (domain.Presence, error) {
	var (
		p             domain.Presence
		status, focus string
	)
	err := sc.Scan(&p.Agent, &status, &p.Since, &p.LastUpdate, &p.CurrentTask, &focus)
	if err != nil {
		if isNoRows(err) {
			return domain.Presence{}, err
		}
		return domain.Presence{}, fmt.Errorf("scan presence: %w", err)
	}
	p.Status = domain.PresenceStatus(status)
	if focus != "" {
		var f domain.Focus
		if err := parseJSON(focus, &f, "presence focus"); err != nil {
			return domain.Presence{}, err
		}
		p.Focus = &f
	}
	return p, nil
}
