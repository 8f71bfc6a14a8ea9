package sqlite

import (
	"fmt"
	"strings"

	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

const messageColumns = `id, from_agent, content, channel, timestamp, thread_id, reply_to, metadata`

// InsertMessage stores a chat message.
func (s *Store) InsertMessage(m domain.Message) error {
	_, err := s.db.Exec(`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, m.Content, m.Channel, m.Timestamp, m.ThreadID, m.ReplyTo,
		encodeJSON(m.Metadata, "{}"))
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// GetMessage returns the message by id.
func (s *Store) GetMessage(id string) (domain.Message, bool, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if isNoRows(err) {
		return domain.Message{}, false, nil
	}
	if err != nil {
		return domain.Message{}, false, err
	}
	return m, true, nil
}

// UpdateMessage replaces the stored row for m.ID. Authorship checks
// belong to the service layer.
func (s *Store) UpdateMessage(m domain.Message) error {
	res, err := s.db.Exec(`UPDATE messages SET
		from_agent = ?, content = ?, channel = ?, timestamp = ?, thread_id = ?, reply_to = ?, metadata = ?
		WHERE id = ?`,
		m.From, m.Content, m.Channel, m.Timestamp, m.ThreadID, m.ReplyTo,
		encodeJSON(m.Metadata, "{}"), m.ID)
	if err != nil {
		return fmt.Errorf("update message %s: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update message %s: no such row", m.ID)
	}
	return nil
}

// DeleteMessage removes a message and its reactions.
func (s *Store) DeleteMessage(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete message %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_, _ = s.db.Exec(`DELETE FROM reactions WHERE message_id = ?`, id)
	return true, nil
}

// ListMessages returns messages matching the filter, oldest first so the
// chat view reads top-down. Limit keeps the newest rows.
func (s *Store) ListMessages(f repository.MessageFilter) ([]domain.Message, error) {
	var (
		where []string
		args  []any
	)
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.Agent != "" {
		where = append(where, "from_agent = ? COLLATE NOCASE")
		args = append(args, f.Agent)
	}
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.Since > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since)
	}
	q := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	reverse(out)
	return out, nil
}

// SearchMessages finds messages whose content contains query,
// case-insensitively, newest first.
func (s *Store) SearchMessages(query string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	// LIKE is case-insensitive for ASCII in sqlite, which matches how
	// agents actually search.
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE content LIKE ? ESCAPE '\'
		ORDER BY timestamp DESC, id DESC LIMIT ?`, likePattern(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Channels summarizes each channel by message count and last activity.
func (s *Store) Channels() ([]repository.ChannelSummary, error) {
	rows, err := s.db.Query(`SELECT channel, COUNT(*), MAX(timestamp)
		FROM messages GROUP BY channel ORDER BY MAX(timestamp) DESC`)
	if err != nil {
		return nil, fmt.Errorf("channels: %w", err)
	}
	defer rows.Close()
	var out []repository.ChannelSummary
	for rows.Next() {
		var c repository.ChannelSummary
		if err := rows.Scan(&c.Name, &c.Count, &c.LastTimestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneMessages deletes messages beyond the newest keep rows, and any
// older than olderThan (epoch ms, 0 to skip). Returns rows removed.
func (s *Store) PruneMessages(keep int, olderThan int64) (int, error) {
	var removed int64
	if olderThan > 0 {
		res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp < ?`, olderThan)
		if err != nil {
			return 0, fmt.Errorf("prune by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if keep > 0 {
		res, err := s.db.Exec(`DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY timestamp DESC, id DESC LIMIT ?)`, keep)
		if err != nil {
			return 0, fmt.Errorf("prune by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	if removed > 0 {
		_, _ = s.db.Exec(`DELETE FROM reactions WHERE message_id NOT IN (SELECT id FROM messages)`)
	}
	return int(removed), nil
}

// AddReaction records one agent's emoji on a message. Repeats are no-ops.
func (s *Store) AddReaction(messageID, emoji, agent string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO reactions (message_id, emoji, agent, timestamp)
		VALUES (?, ?, ?, strftime('%s','now')*1000)`, messageID, emoji, agent)
	if err != nil {
		return fmt.Errorf("add reaction %s: %w", messageID, err)
	}
	return nil
}

// RemoveReaction removes one agent's emoji from a message.
func (s *Store) RemoveReaction(messageID, emoji, agent string) error {
	_, err := s.db.Exec(`DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND agent = ?`,
		messageID, emoji, agent)
	if err != nil {
		return fmt.Errorf("remove reaction %s: %w", messageID, err)
	}
	return nil
}

// ListReactions returns emoji -> agents for a message.
func (s *Store) ListReactions(messageID string) (map[string][]string, error) {
	rows, err := s.db.Query(`SELECT emoji, agent FROM reactions
		WHERE message_id = ? ORDER BY timestamp, agent`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions %s: %w", messageID, err)
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var emoji, agent string
		if err := rows.Scan(&emoji, &agent); err != nil {
			return nil, err
		}
		out[emoji] = append(out[emoji], agent)
	}
	return out, rows.Err()
}

func scanMessage(sc scanner) (domain.Message, error) {
	var (
		m  domain.Message
		md string
	)
	err := sc.Scan(&m.ID, &m.From, &m.Content, &m.Channel, &m.Timestamp, &m.ThreadID, &m.ReplyTo, &md)
	if err != nil {
		if isNoRows(err) {
			return domain.Message{}, err
		}
		return domain.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if md != "" && md != "{}" {
		if err := parseJSON(md, &m.Metadata, "message metadata"); err != nil {
			return domain.Message{}, err
		}
	}
	return m, nil
}

func reverse(ms []domain.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
