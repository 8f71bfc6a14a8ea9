package board

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// Claim assigns the task to the agent and moves it to doing through the
// normal gated path, so WIP caps and branch fill apply.
func (s *Service) Claim(id, agent string) (domain.Task, error) {
	if strings.TrimSpace(agent) == "" {
		return domain.Task{}, domain.ErrValidation("agent is required",
			domain.FieldError{Path: "agent", Message: "agent must be non-empty"})
	}
	status := domain.StatusDoing
	assignee := strings.ToLower(agent)
	return s.Update(id, Patch{Status: &status, Assignee: &assignee}, agent)
}

// BatchResult pairs one batch-create entry with its outcome.
type BatchResult struct {
	Task  *domain.Task `json:"task,omitempty"`
	Error string       `json:"error,omitempty"`
}

// BatchCreate creates each draft independently; one bad draft does not
// abort the rest.
func (s *Service) BatchCreate(reqs []CreateRequest) []BatchResult {
	out := make([]BatchResult, 0, len(reqs))
	for _, req := range reqs {
		t, err := s.Create(req)
		if err != nil {
			out = append(out, BatchResult{Error: err.Error()})
			continue
		}
		out = append(out, BatchResult{Task: &t})
	}
	return out
}

// RecordOutcome captures the post-completion outcome checkpoint verdict.
func (s *Service) RecordOutcome(id, verdict, notes, capturedBy string) (domain.Task, error) {
	if verdict != "achieved" && verdict != "partial" && verdict != "missed" {
		return domain.Task{}, domain.ErrValidation("unknown outcome verdict",
			domain.FieldError{Path: "verdict", Message: "verdict must be achieved, partial, or missed"})
	}
	task, err := s.Get(id)
	if err != nil {
		return domain.Task{}, err
	}
	var cp domain.OutcomeCheckpoint
	_, _ = domain.DecodeMeta(task.Metadata, domain.MetaOutcomeCheckpoint, &cp)
	cp.Verdict = verdict
	cp.Notes = notes
	cp.CapturedAt = domain.NowMs(s.clock())
	cp.CapturedBy = strings.ToLower(capturedBy)
	cp.Status = "captured"
	return s.Update(id, Patch{Metadata: map[string]any{
		domain.MetaOutcomeCheckpoint: domain.EncodeMeta(cp),
	}}, capturedBy)
}

// ReviewRequest is a reviewer verdict on a validating task.
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
	Decision string `json:"decision"` // approved | changes_requested
	Comment  string `json:"comment"`
}

// Review records a reviewer decision. Only the task's assigned reviewer
// may call this; this is the one authorization check the engine makes.
func (s *Service) Review(id string, req ReviewRequest) (domain.Task, error) {
	task, err := s.Get(id)
	if err != nil {
		return domain.Task{}, err
	}
	if !domain.SameAgent(task.Reviewer, req.Reviewer) {
		return domain.Task{}, domain.ErrForbidden(
			fmt.Sprintf("only reviewer %s may review this task", task.Reviewer))
	}
	if req.Decision != "approved" && req.Decision != "changes_requested" {
		return domain.Task{}, domain.ErrValidation("unknown review decision",
			domain.FieldError{Path: "decision", Message: "decision must be approved or changes_requested"})
	}
	now := domain.NowMs(s.clock())
	meta := map[string]any{
		domain.MetaReviewerApproved: req.Decision == "approved",
		domain.MetaReviewState:      req.Decision,
		domain.MetaReviewerDecision: domain.EncodeMeta(domain.ReviewerDecision{
			Decision:  req.Decision,
			Reviewer:  strings.ToLower(req.Reviewer),
			Comment:   req.Comment,
			DecidedAt: now,
			Source:    "review-endpoint",
		}),
		domain.MetaReviewLastActivity: now,
	}
	updated, err := s.Update(id, Patch{Metadata: meta}, req.Reviewer)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.AddComment(id, "system",
		fmt.Sprintf("[review] %s by @%s%s", req.Decision, strings.ToLower(req.Reviewer), suffixComment(req.Comment))); err != nil {
		s.logger.Printf("Board: review comment on %s: %v", id, err)
	}
	return updated, nil
}

func suffixComment(comment string) string {
	if strings.TrimSpace(comment) == "" {
		return ""
	}
	return ": " + comment
}

// Export serializes every task to JSON, metadata included.
func (s *Service) Export() ([]byte, error) {
	tasks, err := s.store.ListTasks(repository.TaskFilter{})
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return json.MarshalIndent(tasks, "", "  ")
}

// Import restores tasks from an Export payload. Existing ids are
// overwritten; gates do not run, this is an operator escape hatch.
func (s *Service) Import(data []byte) (int, error) {
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return 0, domain.ErrValidation("import payload is not a task list",
			domain.FieldError{Path: "body", Message: err.Error()})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range tasks {
		if t.ID == "" || t.Title == "" {
			continue
		}
		if _, ok, err := s.store.GetTask(t.ID); err != nil {
			return n, domain.ErrInternal(err)
		} else if ok {
			if err := s.store.UpdateTask(t); err != nil {
				return n, domain.ErrInternal(err)
			}
		} else if err := s.store.InsertTask(t); err != nil {
			return n, domain.ErrInternal(err)
		}
		n++
	}
	return n, nil
}
