// Package memory is an in-memory repository.Store. Tests use it in
// place of sqlite; it mirrors the same filter semantics.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	tasks     map[string]domain.Task
	comments  map[string][]domain.TaskComment
	changes   map[string][]domain.TaskChange
	messages  map[string]domain.Message
	msgOrder  []string
	reactions map[string]map[string][]string
	presence  map[string]domain.Presence
	activity  []domain.ActivityRecord
	mentions  map[string]domain.MentionAck
	insights  map[string]domain.Insight
	triage    []domain.TriageDecision
	ticks     map[string]int64
}

var _ repository.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	s := &Store{}
	_ = s.Reset()
	return s
}

// Reset drops all rows.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]domain.Task)
	s.comments = make(map[string][]domain.TaskComment)
	s.changes = make(map[string][]domain.TaskChange)
	s.messages = make(map[string]domain.Message)
	s.msgOrder = nil
	s.reactions = make(map[string]map[string][]string)
	s.presence = make(map[string]domain.Presence)
	s.activity = nil
	s.mentions = make(map[string]domain.MentionAck)
	s.insights = make(map[string]domain.Insight)
	s.triage = nil
	s.ticks = make(map[string]int64)
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) InsertTask(t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *Store) GetTask(id string) (domain.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false, nil
	}
	return t.Clone(), true, nil
}

func (s *Store) UpdateTask(t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *Store) DeleteTask(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	delete(s.comments, id)
	delete(s.changes, id)
	return true, nil
}

func (s *Store) ListTasks(f repository.TaskFilter) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Assignee != "" && !domain.SameAgent(t.Assignee, f.Assignee) {
			continue
		}
		if f.Reviewer != "" && !domain.SameAgent(t.Reviewer, f.Reviewer) {
			continue
		}
		if f.CreatedBy != "" && !domain.SameAgent(t.CreatedBy, f.CreatedBy) {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		if f.Tag != "" && !t.HasTag(f.Tag) {
			continue
		}
		if f.UpdatedSince > 0 && t.UpdatedAt < f.UpdatedSince {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) TaskIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) CountByAssigneeStatus(assignee string, status domain.TaskStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == status && domain.SameAgent(t.Assignee, assignee) {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertComment(c domain.TaskComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[c.TaskID] = append(s.comments[c.TaskID], c)
	if t, ok := s.tasks[c.TaskID]; ok {
		t.CommentCount++
		s.tasks[c.TaskID] = t
	}
	return nil
}

func (s *Store) ListComments(taskID string) ([]domain.TaskComment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.TaskComment(nil), s.comments[taskID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *Store) AppendChange(ch domain.TaskChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[ch.TaskID] = append(s.changes[ch.TaskID], ch)
	return nil
}

func (s *Store) ListChanges(taskID string, limit int) ([]domain.TaskChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]domain.TaskChange(nil), s.changes[taskID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertMessage(m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	s.msgOrder = append(s.msgOrder, m.ID)
	return nil
}

func (s *Store) GetMessage(id string) (domain.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok, nil
}

func (s *Store) UpdateMessage(m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *Store) DeleteMessage(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return false, nil
	}
	delete(s.messages, id)
	delete(s.reactions, id)
	return true, nil
}

func (s *Store) ListMessages(f repository.MessageFilter) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Message
	for _, id := range s.msgOrder {
		m, ok := s.messages[id]
		if !ok {
			continue
		}
		if f.Channel != "" && m.Channel != f.Channel {
			continue
		}
		if f.Agent != "" && !domain.SameAgent(m.From, f.Agent) {
			continue
		}
		if f.ThreadID != "" && m.ThreadID != f.ThreadID {
			continue
		}
		if f.Since > 0 && m.Timestamp < f.Since {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func (s *Store) SearchMessages(query string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)
	var out []domain.Message
	for _, id := range s.msgOrder {
		m := s.messages[id]
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Channels() ([]repository.ChannelSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byName := make(map[string]*repository.ChannelSummary)
	for _, m := range s.messages {
		c := byName[m.Channel]
		if c == nil {
			c = &repository.ChannelSummary{Name: m.Channel}
			byName[m.Channel] = c
		}
		c.Count++
		if m.Timestamp > c.LastTimestamp {
			c.LastTimestamp = m.Timestamp
		}
	}
	out := make([]repository.ChannelSummary, 0, len(byName))
	for _, c := range byName {
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastTimestamp > out[j].LastTimestamp })
	return out, nil
}

func (s *Store) PruneMessages(keep int, olderThan int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.Message
	for _, m := range s.messages {
		all = append(all, m)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	removed := 0
	for i, m := range all {
		byAge := olderThan > 0 && m.Timestamp < olderThan
		byCount := keep > 0 && i >= keep
		if byAge || byCount {
			delete(s.messages, m.ID)
			delete(s.reactions, m.ID)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) AddReaction(messageID, emoji, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactions[messageID] == nil {
		s.reactions[messageID] = make(map[string][]string)
	}
	for _, a := range s.reactions[messageID][emoji] {
		if a == agent {
			return nil
		}
	}
	s.reactions[messageID][emoji] = append(s.reactions[messageID][emoji], agent)
	return nil
}

func (s *Store) RemoveReaction(messageID, emoji, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := s.reactions[messageID][emoji]
	for i, a := range agents {
		if a == agent {
			s.reactions[messageID][emoji] = append(agents[:i], agents[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) ListReactions(messageID string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string)
	for emoji, agents := range s.reactions[messageID] {
		if len(agents) > 0 {
			out[emoji] = append([]string(nil), agents...)
		}
	}
	return out, nil
}

func (s *Store) UpsertPresence(p domain.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[strings.ToLower(p.Agent)] = p
	return nil
}

func (s *Store) GetPresence(agent string) (domain.Presence, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presence[strings.ToLower(agent)]
	return p, ok, nil
}

func (s *Store) ListPresence() ([]domain.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Presence, 0, len(s.presence))
	for _, p := range s.presence {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastUpdate != out[j].LastUpdate {
			return out[i].LastUpdate > out[j].LastUpdate
		}
		return out[i].Agent < out[j].Agent
	})
	return out, nil
}

func (s *Store) RecordActivity(rec domain.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, rec)
	return nil
}

func (s *Store) LastActivity(agent string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, r := range s.activity {
		if domain.SameAgent(r.Agent, agent) && r.Timestamp > last {
			last = r.Timestamp
		}
	}
	return last, nil
}

func (s *Store) ListActivity(agent string, since int64, limit int) ([]domain.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ActivityRecord
	for _, r := range s.activity {
		if r.Timestamp < since {
			continue
		}
		if agent != "" && !domain.SameAgent(r.Agent, agent) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertMentionAck(m domain.MentionAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentions[m.ID] = m
	return nil
}

func (s *Store) AckMentions(agent, channel string, at int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.mentions {
		if m.AckedAt > 0 || !domain.SameAgent(m.Agent, agent) {
			continue
		}
		if channel != "" && m.Channel != channel {
			continue
		}
		m.AckedAt = at
		s.mentions[id] = m
		n++
	}
	return n, nil
}

func (s *Store) AckMentionByID(id string, at int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mentions[id]
	if !ok || m.AckedAt > 0 {
		return false, nil
	}
	m.AckedAt = at
	s.mentions[id] = m
	return true, nil
}

func (s *Store) ListMentions(agent string, unackedOnly bool) ([]domain.MentionAck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MentionAck
	for _, m := range s.mentions {
		if !domain.SameAgent(m.Agent, agent) {
			continue
		}
		if unackedOnly && m.AckedAt > 0 {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *Store) ListUnackedOlderThan(cutoff int64) ([]domain.MentionAck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MentionAck
	for _, m := range s.mentions {
		if m.AckedAt == 0 && m.CreatedAt < cutoff {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) UpsertInsight(in domain.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights[in.ID] = in
	return nil
}

func (s *Store) GetInsight(id string) (domain.Insight, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.insights[id]
	return in, ok, nil
}

func (s *Store) ListInsights(status string) ([]domain.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Insight
	for _, in := range s.insights {
		if status != "" && in.Status != status {
			continue
		}
		out = append(out, in)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetInsightStatus(id, status, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.insights[id]
	if !ok {
		return false, nil
	}
	in.Status = status
	if taskID != "" {
		in.TaskID = taskID
	}
	s.insights[id] = in
	return true, nil
}

func (s *Store) InsertTriage(d domain.TriageDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triage = append(s.triage, d)
	return nil
}

func (s *Store) ListTriage(insightID string) ([]domain.TriageDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TriageDecision
	for _, d := range s.triage {
		if insightID != "" && d.InsightID != insightID {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *Store) SetLoopTick(name string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[name] = ts
	return nil
}

func (s *Store) LoopTicks() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.ticks))
	for k, v := range s.ticks {
		out[k] = v
	}
	return out, nil
}
