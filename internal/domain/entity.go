// Package domain holds coordination entities and shared value types.
// It has no dependencies on other packages.
package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusDoing      TaskStatus = "doing"
	StatusBlocked    TaskStatus = "blocked"
	StatusValidating TaskStatus = "validating"
	StatusDone       TaskStatus = "done"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusTodo, StatusDoing, StatusBlocked, StatusValidating, StatusDone:
		return true
	}
	return false
}

// Priority is a task priority bucket, P0 highest.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return true
	}
	return false
}

// PriorityRank returns a sortable rank for p, lower is more urgent.
// Unknown priorities sort last.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityP0:
		return 0
	case PriorityP1:
		return 1
	case PriorityP2:
		return 2
	case PriorityP3:
		return 3
	}
	return 4
}

// Task is the unit of work on the board. Timestamps are epoch milliseconds.
type Task struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       TaskStatus     `json:"status"`
	Assignee     string         `json:"assignee,omitempty"`
	Reviewer     string         `json:"reviewer,omitempty"`
	Priority     Priority       `json:"priority"`
	DoneCriteria []string       `json:"done_criteria"`
	Tags         []string       `json:"tags,omitempty"`
	BlockedBy    []string       `json:"blocked_by,omitempty"`
	CreatedBy    string         `json:"createdBy"`
	CreatedAt    int64          `json:"createdAt"`
	UpdatedAt    int64          `json:"updatedAt"`
	CommentCount int            `json:"commentCount"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the task. The watchdog rollback path
// snapshots previous state with this before mutating.
func (t Task) Clone() Task {
	c := t
	c.DoneCriteria = append([]string(nil), t.DoneCriteria...)
	c.Tags = append([]string(nil), t.Tags...)
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Meta returns the metadata value for key, or nil.
func (t Task) Meta(key string) any {
	if t.Metadata == nil {
		return nil
	}
	return t.Metadata[key]
}

// MetaString returns the metadata value for key as a string, or "".
func (t Task) MetaString(key string) string {
	s, _ := t.Meta(key).(string)
	return s
}

// MetaBool returns the metadata value for key as a bool.
func (t Task) MetaBool(key string) bool {
	b, _ := t.Meta(key).(bool)
	return b
}

// HasTag reports whether the task carries the given tag.
func (t Task) HasTag(tag string) bool {
	for _, g := range t.Tags {
		if g == tag {
			return true
		}
	}
	return false
}

// SameAgent compares two agent names case-insensitively. Agent identity
// is a lowercase string but callers may pass mixed case.
func SameAgent(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

// ShortTaskID returns the trailing suffix of a task id, used for branch
// names and compact display. For "task-1712000000000-ab12cd" it returns
// "ab12cd"; unrecognized ids are returned whole.
func ShortTaskID(id string) string {
	parts := strings.Split(id, "-")
	if len(parts) >= 3 {
		return parts[len(parts)-1]
	}
	return id
}

// taskIDPattern matches the canonical task id form task-<ms-epoch>-<suffix>.
var taskIDPattern = regexp.MustCompile(`task-\d{10,16}-[A-Za-z0-9]+`)

// taskRefPattern matches candidate task references in free text. A token
// adjacent to word characters or embedded in a URL path is not a reference.
var taskRefPattern = regexp.MustCompile(`(^|[^\w/.-])(task-\d{10,16}-[A-Za-z0-9]+)`)

// IsTaskID reports whether s is exactly a canonical task id.
func IsTaskID(s string) bool {
	return taskIDPattern.FindString(s) == s
}

// ExtractTaskRefs returns the unique task ids referenced in text, in
// first-seen order. Tokens inside URLs or glued to word characters are
// ignored.
func ExtractTaskRefs(text string) []string {
	matches := taskRefPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var refs []string
	for _, m := range matches {
		id := m[2]
		if seen[id] {
			continue
		}
		seen[id] = true
		refs = append(refs, id)
	}
	return refs
}

// TaskIDTimestamp extracts the embedded epoch-ms timestamp from a task id,
// or 0 when the id does not carry one.
func TaskIDTimestamp(id string) int64 {
	parts := strings.Split(id, "-")
	if len(parts) < 3 || parts[0] != "task" {
		return 0
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// TaskComment is an append-only note on a task.
type TaskComment struct {
	ID        string `json:"id"`
	TaskID    string `json:"taskId"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// TaskChange is one row in a task's audit history.
type TaskChange struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"taskId"`
	Actor     string         `json:"actor"`
	Kind      string         `json:"kind"` // created | updated | status | assigned | comment | deleted
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Message is a chat utterance on a channel.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	Content   string         `json:"content"`
	Channel   string         `json:"channel"`
	Timestamp int64          `json:"timestamp"`
	ThreadID  string         `json:"threadId,omitempty"`
	ReplyTo   string         `json:"replyTo,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DefaultChannel is where messages land when no channel is given.
const DefaultChannel = "general"

// mentionPattern matches @name mentions in message content.
var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)

// ExtractMentions returns the unique lowercased @names in text, in
// first-seen order.
func ExtractMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// PresenceStatus is an agent's liveness state.
type PresenceStatus string

const (
	PresenceWorking   PresenceStatus = "working"
	PresenceIdle      PresenceStatus = "idle"
	PresenceBlocked   PresenceStatus = "blocked"
	PresenceReviewing PresenceStatus = "reviewing"
	PresenceOffline   PresenceStatus = "offline"
)

// ValidPresenceStatus reports whether s is a known presence status.
func ValidPresenceStatus(s PresenceStatus) bool {
	switch s {
	case PresenceWorking, PresenceIdle, PresenceBlocked, PresenceReviewing, PresenceOffline:
		return true
	}
	return false
}

// Focus is an agent's do-not-disturb window.
type Focus struct {
	Active  bool   `json:"active"`
	Level   string `json:"level,omitempty"`
	UntilMs int64  `json:"untilMs,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Presence is a per-agent liveness snapshot.
type Presence struct {
	Agent       string         `json:"agent"`
	Status      PresenceStatus `json:"status"`
	Since       int64          `json:"since"`
	LastUpdate  int64          `json:"lastUpdate"`
	CurrentTask string         `json:"currentTask,omitempty"`
	Focus       *Focus         `json:"focus,omitempty"`
}

// ActivityRecord is a lightweight heartbeat row.
type ActivityRecord struct {
	Agent     string `json:"agent"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"`
}

// MentionAck tracks a single @mention until the mentioned agent responds.
type MentionAck struct {
	ID          string `json:"id"`
	Agent       string `json:"agent"`
	MessageID   string `json:"messageId"`
	MentionedBy string `json:"mentionedBy"`
	Channel     string `json:"channel"`
	CreatedAt   int64  `json:"createdAt"`
	AckedAt     int64  `json:"ackedAt,omitempty"`
}

// Acked reports whether the mention has been acknowledged.
func (m MentionAck) Acked() bool { return m.AckedAt > 0 }

// Insight is a promoted finding from the upstream reflection pipeline.
type Insight struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	ClusterKey         string   `json:"cluster_key"`
	FailureFamily      string   `json:"failure_family"`
	ImpactedUnit       string   `json:"impacted_unit,omitempty"`
	SeverityMax        string   `json:"severity_max"`
	Priority           string   `json:"priority,omitempty"`
	Status             string   `json:"status"`
	PromotionReadiness string   `json:"promotion_readiness,omitempty"`
	Score              float64  `json:"score,omitempty"`
	ReflectionIDs      []string `json:"reflection_ids,omitempty"`
	Authors            []string `json:"authors,omitempty"`
	EvidenceRefs       []string `json:"evidence_refs,omitempty"`
	TaskID             string   `json:"task_id,omitempty"`
}

// Insight statuses the bridge writes.
const (
	InsightStatusPromoted      = "promoted"
	InsightStatusPendingTriage = "pending_triage"
	InsightStatusTaskCreated   = "task_created"
	InsightStatusDismissed     = "dismissed"
)

// TriageDecision is an immutable audit row for a human triage call on a
// pending-triage insight.
type TriageDecision struct {
	ID             string `json:"id"`
	InsightID      string `json:"insight_id"`
	Action         string `json:"action"` // approve | dismiss
	Reviewer       string `json:"reviewer"`
	Rationale      string `json:"rationale,omitempty"`
	OutcomeTaskID  string `json:"outcome_task_id,omitempty"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	Timestamp      int64  `json:"timestamp"`
}

// PolicyActionKind is the closed set of watchdog action kinds.
type PolicyActionKind string

const (
	ActionAutoBlockStale         PolicyActionKind = "auto-block-stale"
	ActionSuggestClose           PolicyActionKind = "suggest-close"
	ActionDigestEmitted          PolicyActionKind = "digest-emitted"
	ActionReadyQueueWarning      PolicyActionKind = "ready-queue-warning"
	ActionIdleQueueEscalation    PolicyActionKind = "idle-queue-escalation"
	ActionReviewReassign         PolicyActionKind = "review-reassign"
	ActionAutoRequeue            PolicyActionKind = "auto-requeue"
	ActionWorkingContractWarning PolicyActionKind = "working-contract-warning"
	ActionContinuityReplenish    PolicyActionKind = "continuity-replenish"
	ActionReadyQueueReplenish    PolicyActionKind = "ready-queue-replenish"
)

// PolicyAction is an audit row for a watchdog action. PreviousState is a
// JSON snapshot for reversible actions, nil otherwise.
type PolicyAction struct {
	ID            string           `json:"id"`
	Kind          PolicyActionKind `json:"kind"`
	TaskID        string           `json:"taskId,omitempty"`
	Agent         string           `json:"agent,omitempty"`
	Description   string           `json:"description"`
	PreviousState map[string]any   `json:"previousState,omitempty"`
	AppliedAt     int64            `json:"appliedAt"`
	RolledBack    bool             `json:"rolledBack"`
	RolledBackAt  int64            `json:"rolledBackAt,omitempty"`
	RollbackBy    string           `json:"rollbackBy,omitempty"`
}

// Reversible reports whether the action can be rolled back.
func (a PolicyAction) Reversible() bool { return a.PreviousState != nil }

// NowMs converts a time to epoch milliseconds.
func NowMs(t time.Time) int64 { return t.UnixMilli() }
