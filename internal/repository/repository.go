// Package repository defines the persistence ports for the coordination
// engine and the filters they accept. The sqlite subpackage provides the
// durable implementation; tests substitute in-memory fakes.
package repository

import (
	"github.com/jaakkos/teamboard/internal/domain"
)

// TaskFilter narrows ListTasks. Zero-valued fields match everything.
type TaskFilter struct {
	Status       domain.TaskStatus
	Assignee     string
	Reviewer     string
	CreatedBy    string
	Priority     domain.Priority
	Tag          string
	UpdatedSince int64 // epoch ms, inclusive lower bound on updatedAt
	Limit        int
}

// MessageFilter narrows ListMessages. Zero-valued fields match everything.
type MessageFilter struct {
	Channel  string
	Agent    string
	ThreadID string
	Since    int64 // epoch ms, inclusive lower bound on timestamp
	Limit    int
}

// ChannelSummary describes one chat channel for listing.
type ChannelSummary struct {
	Name          string `json:"name"`
	Count         int    `json:"count"`
	LastTimestamp int64  `json:"lastTimestamp"`
}

// TaskRepository persists tasks, their comments, and their audit history.
type TaskRepository interface {
	InsertTask(t domain.Task) error
	GetTask(id string) (domain.Task, bool, error)
	UpdateTask(t domain.Task) error
	DeleteTask(id string) (bool, error)
	ListTasks(f TaskFilter) ([]domain.Task, error)
	TaskIDs() ([]string, error)
	CountByAssigneeStatus(assignee string, status domain.TaskStatus) (int, error)

	InsertComment(c domain.TaskComment) error
	ListComments(taskID string) ([]domain.TaskComment, error)

	AppendChange(ch domain.TaskChange) error
	ListChanges(taskID string, limit int) ([]domain.TaskChange, error)
}

// MessageRepository persists chat messages and reactions.
type MessageRepository interface {
	InsertMessage(m domain.Message) error
	GetMessage(id string) (domain.Message, bool, error)
	UpdateMessage(m domain.Message) error
	DeleteMessage(id string) (bool, error)
	ListMessages(f MessageFilter) ([]domain.Message, error)
	SearchMessages(query string, limit int) ([]domain.Message, error)
	Channels() ([]ChannelSummary, error)
	PruneMessages(keep int, olderThan int64) (int, error)

	AddReaction(messageID, emoji, agent string) error
	RemoveReaction(messageID, emoji, agent string) error
	ListReactions(messageID string) (map[string][]string, error)
}

// PresenceRepository persists presence snapshots, activity heartbeats,
// and the mention-ack ledger.
type PresenceRepository interface {
	UpsertPresence(p domain.Presence) error
	GetPresence(agent string) (domain.Presence, bool, error)
	ListPresence() ([]domain.Presence, error)

	RecordActivity(rec domain.ActivityRecord) error
	LastActivity(agent string) (int64, error)
	ListActivity(agent string, since int64, limit int) ([]domain.ActivityRecord, error)

	InsertMentionAck(m domain.MentionAck) error
	AckMentions(agent, channel string, at int64) (int, error)
	AckMentionByID(id string, at int64) (bool, error)
	ListMentions(agent string, unackedOnly bool) ([]domain.MentionAck, error)
	ListUnackedOlderThan(cutoff int64) ([]domain.MentionAck, error)
}

// InsightRepository persists promoted insights and triage audit rows.
type InsightRepository interface {
	UpsertInsight(in domain.Insight) error
	GetInsight(id string) (domain.Insight, bool, error)
	ListInsights(status string) ([]domain.Insight, error)
	SetInsightStatus(id, status, taskID string) (bool, error)

	InsertTriage(d domain.TriageDecision) error
	ListTriage(insightID string) ([]domain.TriageDecision, error)
}

// SystemRepository persists operational markers that must survive restarts.
type SystemRepository interface {
	SetLoopTick(name string, ts int64) error
	LoopTicks() (map[string]int64, error)
}

// Store is the full persistence surface.
type Store interface {
	TaskRepository
	MessageRepository
	PresenceRepository
	InsightRepository
	SystemRepository

	// Reset drops all rows. Admin surface and tests only.
	Reset() error
	Close() error
}
