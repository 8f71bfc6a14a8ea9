package board

import (
	"sort"
	"strings"

	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// MatchType classifies how an id input resolved.
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchPrefix    MatchType = "prefix"
	MatchAmbiguous MatchType = "ambiguous"
	MatchNone      MatchType = "none"
)

// ResolveResult is the outcome of short-id resolution.
type ResolveResult struct {
	Task        *domain.Task `json:"task,omitempty"`
	ResolvedID  string       `json:"resolvedId,omitempty"`
	MatchType   MatchType    `json:"matchType"`
	Suggestions []string     `json:"suggestions,omitempty"`
}

// Resolve maps an exact id or an id prefix to a task. Ambiguous prefixes
// return up to five suggestions instead of a task.
func (s *Service) Resolve(input string) (ResolveResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return ResolveResult{MatchType: MatchNone}, nil
	}
	if t, ok, err := s.store.GetTask(input); err != nil {
		return ResolveResult{}, domain.ErrInternal(err)
	} else if ok {
		return ResolveResult{Task: &t, ResolvedID: t.ID, MatchType: MatchExact}, nil
	}
	if len(input) < minPrefixLen {
		return ResolveResult{MatchType: MatchNone}, nil
	}
	ids, err := s.store.TaskIDs()
	if err != nil {
		return ResolveResult{}, domain.ErrInternal(err)
	}
	var matches []string
	for _, id := range ids {
		if strings.HasPrefix(id, input) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return ResolveResult{MatchType: MatchNone}, nil
	case 1:
		t, _, err := s.store.GetTask(matches[0])
		if err != nil {
			return ResolveResult{}, domain.ErrInternal(err)
		}
		return ResolveResult{Task: &t, ResolvedID: t.ID, MatchType: MatchPrefix}, nil
	default:
		if len(matches) > maxSuggestions {
			matches = matches[:maxSuggestions]
		}
		return ResolveResult{MatchType: MatchAmbiguous, Suggestions: matches}, nil
	}
}

// ListFilter narrows List. Tags are AND-matched.
type ListFilter struct {
	Status       domain.TaskStatus
	Assignee     string
	CreatedBy    string
	Priority     domain.Priority
	Tags         []string
	UpdatedSince int64
	Limit        int
}

// List returns tasks newest-updated first.
func (s *Service) List(f ListFilter) ([]domain.Task, error) {
	repoFilter := repository.TaskFilter{
		Status:       f.Status,
		Assignee:     f.Assignee,
		CreatedBy:    f.CreatedBy,
		Priority:     f.Priority,
		UpdatedSince: f.UpdatedSince,
	}
	if len(f.Tags) == 1 {
		repoFilter.Tag = f.Tags[0]
		repoFilter.Limit = f.Limit
	}
	tasks, err := s.store.ListTasks(repoFilter)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	if len(f.Tags) > 1 {
		var kept []domain.Task
		for _, t := range tasks {
			all := true
			for _, tag := range f.Tags {
				if !t.HasTag(tag) {
					all = false
					break
				}
			}
			if all {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	if f.Limit > 0 && len(tasks) > f.Limit {
		tasks = tasks[:f.Limit]
	}
	return tasks, nil
}

// Next returns the highest-priority todo task that is not blocked by any
// non-done task, preferring the agent's own tasks, then unassigned, then
// any. Nil when the ready queue is empty.
func (s *Service) Next(agent string) (*domain.Task, error) {
	todos, err := s.store.ListTasks(repository.TaskFilter{Status: domain.StatusTodo})
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	ready, err := s.unblocked(todos)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := domain.PriorityRank(ready[i].Priority), domain.PriorityRank(ready[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return ready[i].CreatedAt < ready[j].CreatedAt
	})
	if agent != "" {
		for _, t := range ready {
			if domain.SameAgent(t.Assignee, agent) {
				return &t, nil
			}
		}
	}
	for _, t := range ready {
		if t.Assignee == "" {
			return &t, nil
		}
	}
	return &ready[0], nil
}

// Backlog returns unblocked todo tasks in priority order.
func (s *Service) Backlog() ([]domain.Task, error) {
	todos, err := s.store.ListTasks(repository.TaskFilter{Status: domain.StatusTodo})
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	ready, err := s.unblocked(todos)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := domain.PriorityRank(ready[i].Priority), domain.PriorityRank(ready[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return ready[i].CreatedAt < ready[j].CreatedAt
	})
	return ready, nil
}

// ReadyCount counts an agent's unblocked todo tasks. Watchdog loops use
// this for ready-floor checks.
func (s *Service) ReadyCount(agent string) (int, error) {
	todos, err := s.store.ListTasks(repository.TaskFilter{Status: domain.StatusTodo, Assignee: agent})
	if err != nil {
		return 0, domain.ErrInternal(err)
	}
	ready, err := s.unblocked(todos)
	if err != nil {
		return 0, err
	}
	return len(ready), nil
}

// unblocked filters out tasks blocked by any non-done task.
func (s *Service) unblocked(tasks []domain.Task) ([]domain.Task, error) {
	var out []domain.Task
	for _, t := range tasks {
		blocked := false
		for _, dep := range t.BlockedBy {
			b, ok, err := s.store.GetTask(dep)
			if err != nil {
				return nil, domain.ErrInternal(err)
			}
			if ok && b.Status != domain.StatusDone {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, t)
		}
	}
	return out, nil
}

// Search matches tasks by id, title, or description substring,
// case-insensitively, newest-updated first.
func (s *Service) Search(query string, limit int) ([]domain.Task, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	tasks, err := s.store.ListTasks(repository.TaskFilter{})
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	var out []domain.Task
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.ID), query) ||
			strings.Contains(strings.ToLower(t.Title), query) ||
			strings.Contains(strings.ToLower(t.Description), query) {
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
