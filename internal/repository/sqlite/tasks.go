package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

const taskColumns = `id, title, description, status, assignee, reviewer, priority,
	done_criteria, tags, blocked_by, created_by, created_at, updated_at,
	comment_count, metadata`

// InsertTask stores a new task row.
func (s *Store) InsertTask(t domain.Task) error {
	_, err := s.db.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), t.Assignee, t.Reviewer, string(t.Priority),
		encodeJSON(t.DoneCriteria, "[]"), encodeJSON(t.Tags, "[]"), encodeJSON(t.BlockedBy, "[]"),
		t.CreatedBy, t.CreatedAt, t.UpdatedAt, t.CommentCount, encodeJSON(t.Metadata, "{}"))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task by exact id.
func (s *Store) GetTask(id string) (domain.Task, bool, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if isNoRows(err) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

// UpdateTask replaces the stored row for t.ID.
func (s *Store) UpdateTask(t domain.Task) error {
	res, err := s.db.Exec(`UPDATE tasks SET
		title = ?, description = ?, status = ?, assignee = ?, reviewer = ?, priority = ?,
		done_criteria = ?, tags = ?, blocked_by = ?, created_by = ?,
		created_at = ?, updated_at = ?, comment_count = ?, metadata = ?
		WHERE id = ?`,
		t.Title, t.Description, string(t.Status), t.Assignee, t.Reviewer, string(t.Priority),
		encodeJSON(t.DoneCriteria, "[]"), encodeJSON(t.Tags, "[]"), encodeJSON(t.BlockedBy, "[]"),
		t.CreatedBy, t.CreatedAt, t.UpdatedAt, t.CommentCount, encodeJSON(t.Metadata, "{}"),
		t.ID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %s: no such row", t.ID)
	}
	return nil
}

// DeleteTask removes the task and its comments and history rows.
func (s *Store) DeleteTask(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_, _ = s.db.Exec(`DELETE FROM task_comments WHERE task_id = ?`, id)
	_, _ = s.db.Exec(`DELETE FROM task_changes WHERE task_id = ?`, id)
	return true, nil
}

// ListTasks returns tasks matching the filter, newest-updated first. Tag
// filtering happens after the scan: tags are a JSON column.
func (s *Store) ListTasks(f repository.TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		where = append(where, "assignee = ? COLLATE NOCASE")
		args = append(args, f.Assignee)
	}
	if f.Reviewer != "" {
		where = append(where, "reviewer = ? COLLATE NOCASE")
		args = append(args, f.Reviewer)
	}
	if f.CreatedBy != "" {
		where = append(where, "created_by = ? COLLATE NOCASE")
		args = append(args, f.CreatedBy)
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.UpdatedSince > 0 {
		where = append(where, "updated_at >= ?")
		args = append(args, f.UpdatedSince)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC, id DESC"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if f.Tag != "" && !t.HasTag(f.Tag) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit && f.Tag == "" {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// TaskIDs returns every task id. Prefix resolution scans this list.
func (s *Store) TaskIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("task ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountByAssigneeStatus counts tasks for an agent in a given status. The
// doing-cap gate uses this.
func (s *Store) CountByAssigneeStatus(assignee string, status domain.TaskStatus) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE assignee = ? COLLATE NOCASE AND status = ?`,
		assignee, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s/%s: %w", assignee, status, err)
	}
	return n, nil
}

// InsertComment appends a comment and bumps the parent's comment_count.
func (s *Store) InsertComment(c domain.TaskComment) error {
	_, err := s.db.Exec(`INSERT INTO task_comments (id, task_id, author, content, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.Author, c.Content, c.Timestamp)
	if err != nil {
		return fmt.Errorf("insert comment on %s: %w", c.TaskID, err)
	}
	_, _ = s.db.Exec(`UPDATE tasks SET comment_count = comment_count + 1 WHERE id = ?`, c.TaskID)
	return nil
}

// ListComments returns a task's comments oldest first.
func (s *Store) ListComments(taskID string) ([]domain.TaskComment, error) {
	rows, err := s.db.Query(`SELECT id, task_id, author, content, timestamp
		FROM task_comments WHERE task_id = ? ORDER BY timestamp, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []domain.TaskComment
	for rows.Next() {
		var c domain.TaskComment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Content, &c.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendChange records one audit-history row for a task.
func (s *Store) AppendChange(ch domain.TaskChange) error {
	_, err := s.db.Exec(`INSERT INTO task_changes (id, task_id, actor, kind, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.TaskID, ch.Actor, ch.Kind, encodeJSON(ch.Detail, "{}"), ch.Timestamp)
	if err != nil {
		return fmt.Errorf("append change %s: %w", ch.TaskID, err)
	}
	return nil
}

// ListChanges returns a task's history newest first, capped at limit
// (<=0 for all).
func (s *Store) ListChanges(taskID string, limit int) ([]domain.TaskChange, error) {
	q := `SELECT id, task_id, actor, kind, detail, timestamp
		FROM task_changes WHERE task_id = ? ORDER BY timestamp DESC, id DESC`
	args := []any{taskID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []domain.TaskChange
	for rows.Next() {
		var (
			ch     domain.TaskChange
			detail string
		)
		if err := rows.Scan(&ch.ID, &ch.TaskID, &ch.Actor, &ch.Kind, &detail, &ch.Timestamp); err != nil {
			return nil, err
		}
		if detail != "" && detail != "{}" {
			if err := parseJSON(detail, &ch.Detail, "change detail"); err != nil {
				return nil, err
			}
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		status, priority                  string
		doneCriteria, tags, blockedBy, md string
	)
	err := sc.Scan(&t.ID, &t.Title, &t.Description, &status, &t.Assignee, &t.Reviewer, &priority,
		&doneCriteria, &tags, &blockedBy, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
		&t.CommentCount, &md)
	if err != nil {
		if isNoRows(err) {
			return domain.Task{}, sql.ErrNoRows
		}
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	t.Priority = domain.Priority(priority)
	if err := parseJSON(doneCriteria, &t.DoneCriteria, "task done_criteria"); err != nil {
		return domain.Task{}, err
	}
	if err := parseJSON(tags, &t.Tags, "task tags"); err != nil {
		return domain.Task{}, err
	}
	if err := parseJSON(blockedBy, &t.BlockedBy, "task blocked_by"); err != nil {
		return domain.Task{}, err
	}
	if md != "" && md != "{}" {
		if err := parseJSON(md, &t.Metadata, "task metadata"); err != nil {
			return domain.Task{}, err
		}
	}
	return t, nil
}
