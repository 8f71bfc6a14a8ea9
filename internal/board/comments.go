package board

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jaakkos/teamboard/internal/domain"
)

// AddComment validates task references in the content, appends the
// comment, bumps the parent, and fans a copy out to the comments channel
// with an @mention prefix for everyone who should see it.
func (s *Service) AddComment(taskID, author, content string) (domain.TaskComment, error) {
	if strings.TrimSpace(content) == "" {
		return domain.TaskComment{}, domain.ErrValidation("comment content is required",
			domain.FieldError{Path: "content", Message: "content must be non-empty"})
	}
	if strings.TrimSpace(author) == "" {
		return domain.TaskComment{}, domain.ErrValidation("comment author is required",
			domain.FieldError{Path: "author", Message: "author must be non-empty"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok, err := s.store.GetTask(taskID)
	if err != nil {
		return domain.TaskComment{}, domain.ErrInternal(err)
	}
	if !ok {
		return domain.TaskComment{}, domain.ErrNotFound("task", taskID)
	}

	// Every task-… token in the body must exist; a broken reference
	// poisons cross-linking for everyone reading the thread later.
	var invalid []string
	for _, ref := range domain.ExtractTaskRefs(content) {
		if ref == task.ID {
			continue
		}
		_, found, err := s.store.GetTask(ref)
		if err != nil {
			return domain.TaskComment{}, domain.ErrInternal(err)
		}
		if !found {
			invalid = append(invalid, ref)
		}
	}
	if len(invalid) > 0 {
		rejectID := uuid.NewString()
		s.logger.Printf("Board: comment on %s rejected (reject_id=%s): unknown refs %v", task.ID, rejectID, invalid)
		return domain.TaskComment{}, domain.ErrInvalidTaskRefs(invalid, rejectID)
	}

	now := s.touch(task.UpdatedAt)
	comment := domain.TaskComment{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		Author:    strings.ToLower(author),
		Content:   content,
		Timestamp: now,
	}
	if err := s.store.InsertComment(comment); err != nil {
		return domain.TaskComment{}, domain.ErrInternal(err)
	}
	task.UpdatedAt = now
	task.CommentCount++
	if err := s.store.UpdateTask(task); err != nil {
		return domain.TaskComment{}, domain.ErrInternal(err)
	}
	s.appendChange(task.ID, comment.Author, "comment", map[string]any{"commentId": comment.ID}, now)
	s.publish(domain.EventTaskUpdated, comment.Author, task.ID, map[string]any{"comment": true})

	s.fanOutComment(task, comment)
	return comment, nil
}

// Comments returns the task's comments oldest first.
func (s *Service) Comments(taskID string) ([]domain.TaskComment, error) {
	if _, err := s.Get(taskID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(taskID)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return comments, nil
}

// fanOutComment copies the comment to the comments channel, prefixed
// with the mentions of everyone involved minus the author.
func (s *Service) fanOutComment(task domain.Task, c domain.TaskComment) {
	if s.notifier == nil {
		return
	}
	prefix := commentMentionPrefix(task, c)
	body := fmt.Sprintf("[%s] %s", domain.ShortTaskID(task.ID), c.Content)
	if prefix != "" {
		body = prefix + " " + body
	}
	s.notifier.Post(c.Author, s.commentsChannel, body)
}

// commentMentionPrefix computes "@assignee @reviewer @explicit…" with
// the comment author removed and duplicates collapsed.
func commentMentionPrefix(task domain.Task, c domain.TaskComment) string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		name = strings.ToLower(name)
		if name == "" || name == c.Author || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}
	add(task.Assignee)
	add(task.Reviewer)
	for _, m := range domain.ExtractMentions(c.Content) {
		add(m)
	}
	if len(names) == 0 {
		return ""
	}
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = "@" + n
	}
	return strings.Join(parts, " ")
}
