// Package board implements the task store and its gated state machine:
// creation validation, transition gates (qa bundle, task close, wip cap,
// branch fill), prefix id resolution, and the comment fan-out. Every
// persisted mutation emits one event on the bus.
package board

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// Notifier posts chat messages on behalf of the board (comment fan-out,
// watchdog notices). The chat service implements it; tests use a fake.
type Notifier interface {
	Post(from, channel, content string)
}

// Mirrorer copies process/ artifacts to shared storage when a task
// reaches validating or done. Failures are the mirror's problem.
type Mirrorer interface {
	MirrorArtifacts(t domain.Task)
}

// minPrefixLen is the shortest id prefix Resolve accepts.
const minPrefixLen = 6

// maxSuggestions caps the candidates returned for an ambiguous prefix.
const maxSuggestions = 5

// Service is the task store. Writes are serialized; reads hit the
// repository directly.
type Service struct {
	store  repository.TaskRepository
	bus    *bus.Bus
	roles  *config.Registry
	logger *log.Logger

	mu sync.Mutex // serializes task mutations

	clock           func() time.Time
	production      bool
	commentsChannel string
	notifier        Notifier
	mirror          Mirrorer
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithProduction enables production-only rules (TEST: title rejection).
func WithProduction(on bool) Option {
	return func(s *Service) { s.production = on }
}

// WithCommentsChannel overrides the channel comment copies land on.
func WithCommentsChannel(ch string) Option {
	return func(s *Service) { s.commentsChannel = ch }
}

// New creates the task service.
func New(store repository.TaskRepository, b *bus.Bus, roles *config.Registry, logger *log.Logger, opts ...Option) *Service {
	s := &Service{
		store:           store,
		bus:             b,
		roles:           roles,
		logger:          logger,
		clock:           time.Now,
		commentsChannel: "task-comments",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetNotifier wires the chat poster. Done after construction because the
// chat service is built later in startup.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetMirror wires the artifact mirror.
func (s *Service) SetMirror(m Mirrorer) { s.mirror = m }

// CreateRequest is the validated input for task creation.
type CreateRequest struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Assignee     string            `json:"assignee"`
	Reviewer     string            `json:"reviewer"`
	Priority     domain.Priority   `json:"priority"`
	DoneCriteria []string          `json:"done_criteria"`
	Tags         []string          `json:"tags"`
	BlockedBy    []string          `json:"blocked_by"`
	CreatedBy    string            `json:"createdBy"`
	Status       domain.TaskStatus `json:"status"`
	Metadata     map[string]any    `json:"metadata"`
}

// Create validates the draft and persists a new task.
func (s *Service) Create(req CreateRequest) (domain.Task, error) {
	var fields []domain.FieldError
	if strings.TrimSpace(req.Title) == "" {
		fields = append(fields, domain.FieldError{Path: "title", Message: "title is required"})
	}
	if strings.TrimSpace(req.Assignee) == "" {
		fields = append(fields, domain.FieldError{Path: "assignee", Message: "assignee is required"})
	}
	if strings.TrimSpace(req.Reviewer) == "" {
		fields = append(fields, domain.FieldError{Path: "reviewer", Message: "reviewer is required"})
	}
	if len(req.DoneCriteria) == 0 {
		fields = append(fields, domain.FieldError{Path: "done_criteria", Message: "at least one done criterion is required"})
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		fields = append(fields, domain.FieldError{Path: "createdBy", Message: "createdBy is required"})
	}
	if len(fields) > 0 {
		return domain.Task{}, domain.ErrValidation("task draft is incomplete", fields...)
	}
	if s.production && strings.HasPrefix(req.Title, "TEST:") {
		return domain.Task{}, domain.ErrTestTaskRejected(req.Title)
	}
	status := req.Status
	if status == "" {
		status = domain.StatusTodo
	}
	if !domain.ValidStatus(status) {
		return domain.Task{}, domain.ErrValidation("unknown status",
			domain.FieldError{Path: "status", Message: fmt.Sprintf("%q is not a task status", status)})
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityP2
	}
	if !domain.ValidPriority(priority) {
		return domain.Task{}, domain.ErrValidation("unknown priority",
			domain.FieldError{Path: "priority", Message: fmt.Sprintf("%q is not a priority", priority)})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := domain.NowMs(s.clock())
	t := domain.Task{
		ID:           newTaskID(now),
		Title:        req.Title,
		Description:  req.Description,
		Status:       status,
		Assignee:     strings.ToLower(req.Assignee),
		Reviewer:     strings.ToLower(req.Reviewer),
		Priority:     priority,
		DoneCriteria: append([]string(nil), req.DoneCriteria...),
		Tags:         append([]string(nil), req.Tags...),
		BlockedBy:    append([]string(nil), req.BlockedBy...),
		CreatedBy:    strings.ToLower(req.CreatedBy),
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     domain.MergeMetadata(nil, req.Metadata),
	}
	if err := s.store.InsertTask(t); err != nil {
		return domain.Task{}, domain.ErrInternal(err)
	}
	s.appendChange(t.ID, t.CreatedBy, "created", map[string]any{"title": t.Title}, now)
	s.publish(domain.EventTaskCreated, t.CreatedBy, t.ID, map[string]any{"title": t.Title, "assignee": t.Assignee})
	return t, nil
}

// Patch is a partial task update. Nil pointers leave fields unchanged;
// metadata is a shallow overlay.
type Patch struct {
	Title        *string            `json:"title"`
	Description  *string            `json:"description"`
	Status       *domain.TaskStatus `json:"status"`
	Assignee     *string            `json:"assignee"`
	Reviewer     *string            `json:"reviewer"`
	Priority     *domain.Priority   `json:"priority"`
	DoneCriteria []string           `json:"done_criteria"`
	Tags         []string           `json:"tags"`
	BlockedBy    []string           `json:"blocked_by"`
	Metadata     map[string]any     `json:"metadata"`
}

// Update merges the patch, runs every gate against the merged task, and
// persists atomically: either the whole patch lands or nothing does.
func (s *Service) Update(id string, patch Patch, actor string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok, err := s.store.GetTask(id)
	if err != nil {
		return domain.Task{}, domain.ErrInternal(err)
	}
	if !ok {
		return domain.Task{}, domain.ErrNotFound("task", id)
	}

	next := prev.Clone()
	if patch.Title != nil {
		next.Title = *patch.Title
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.Status != nil {
		if !domain.ValidStatus(*patch.Status) {
			return domain.Task{}, domain.ErrValidation("unknown status",
				domain.FieldError{Path: "status", Message: fmt.Sprintf("%q is not a task status", *patch.Status)})
		}
		next.Status = *patch.Status
	}
	if patch.Assignee != nil {
		next.Assignee = strings.ToLower(*patch.Assignee)
	}
	if patch.Reviewer != nil {
		next.Reviewer = strings.ToLower(*patch.Reviewer)
	}
	if patch.Priority != nil {
		if !domain.ValidPriority(*patch.Priority) {
			return domain.Task{}, domain.ErrValidation("unknown priority",
				domain.FieldError{Path: "priority", Message: fmt.Sprintf("%q is not a priority", *patch.Priority)})
		}
		next.Priority = *patch.Priority
	}
	if patch.DoneCriteria != nil {
		next.DoneCriteria = append([]string(nil), patch.DoneCriteria...)
	}
	if patch.Tags != nil {
		next.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.BlockedBy != nil {
		next.BlockedBy = append([]string(nil), patch.BlockedBy...)
	}
	next.Metadata = domain.MergeMetadata(prev.Metadata, patch.Metadata)

	now := s.touch(prev.UpdatedAt)
	if err := s.applyGates(prev, &next, now); err != nil {
		return domain.Task{}, err
	}
	if next.Status != prev.Status {
		next.Metadata = domain.MergeMetadata(next.Metadata, map[string]any{
			domain.MetaLastTransition: domain.EncodeMeta(domain.LastTransition{
				Actor: strings.ToLower(actor), Type: string(next.Status), Timestamp: now,
			}),
		})
	}
	next.UpdatedAt = now
	if err := s.store.UpdateTask(next); err != nil {
		return domain.Task{}, domain.ErrInternal(err)
	}

	s.appendChange(next.ID, actor, changeKind(prev, next), changeDetail(prev, next), now)
	s.publishUpdate(prev, next, actor)
	s.maybeMirror(prev, next)
	return next, nil
}

// applyGates checks each transition gate against the merged task, in
// order, and performs the bookkeeping writes (branch fill, timestamps)
// that ride along with a passing transition.
func (s *Service) applyGates(prev domain.Task, next *domain.Task, now int64) error {
	// QA bundle: anything sitting in validating must carry well-formed
	// evidence.
	if next.Status == domain.StatusValidating {
		var bundle domain.QABundle
		present, err := domain.DecodeMeta(next.Metadata, domain.MetaQABundle, &bundle)
		if !present || err != nil || !bundle.Valid() {
			return domain.ErrGate(domain.GateQABundle,
				"validating requires metadata.qa_bundle with summary, artifact_links and checks",
				`example: {"qa_bundle":{"summary":"what was verified","artifact_links":["https://github.com/acme/app/pull/1"],"checks":["go test ./..."]}}`,
				nil)
		}
	}

	// Task close: artifacts proven, reviewer signed off when one exists.
	if next.Status == domain.StatusDone && prev.Status != domain.StatusDone {
		if len(domain.MetaStrings(next.Metadata, domain.MetaArtifacts)) == 0 {
			return domain.ErrGate(domain.GateArtifacts,
				"done requires metadata.artifacts with at least one link or path", "", nil)
		}
		if next.Reviewer != "" && !next.MetaBool(domain.MetaReviewerApproved) {
			return domain.ErrGate(domain.GateReviewerSignoff,
				fmt.Sprintf("reviewer %s has not approved this task", next.Reviewer), "", nil)
		}
	}

	// WIP cap on entering doing.
	if next.Status == domain.StatusDoing && prev.Status != domain.StatusDoing &&
		!strings.HasPrefix(next.Title, "TEST:") && next.Assignee != "" {
		count, err := s.store.CountByAssigneeStatus(next.Assignee, domain.StatusDoing)
		if err != nil {
			return domain.ErrInternal(err)
		}
		wipCap := s.roles.WipCap(next.Assignee)
		if count >= wipCap {
			if next.MetaString(domain.MetaWipOverride) == "" {
				return domain.ErrGate(domain.GateWipCap,
					fmt.Sprintf("%s already has %d task(s) in doing (cap %d)", next.Assignee, count, wipCap), "",
					map[string]any{"wipCount": count, "wipCap": wipCap})
			}
			next.Metadata = domain.MergeMetadata(next.Metadata, map[string]any{domain.MetaWipOverrideUsed: true})
		}

		// Branch auto-fill rides the same transition.
		if next.MetaString(domain.MetaBranch) == "" {
			next.Metadata = domain.MergeMetadata(next.Metadata, map[string]any{
				domain.MetaBranch: fmt.Sprintf("%s/task-%s", next.Assignee, domain.ShortTaskID(next.ID)),
			})
		}
		if count >= 1 {
			next.Metadata = domain.MergeMetadata(next.Metadata, map[string]any{
				domain.MetaBranchWarning: fmt.Sprintf("%s has %d other doing task(s); stacked branches need rebasing", next.Assignee, count),
			})
		}
	}

	// Timestamp bookkeeping.
	if next.Status == domain.StatusValidating && prev.Status != domain.StatusValidating {
		next.Metadata = domain.MergeMetadata(next.Metadata, map[string]any{
			domain.MetaEnteredValidating:  now,
			domain.MetaReviewLastActivity: now,
		})
	}
	if next.Status == domain.StatusDone && prev.Status != domain.StatusDone {
		next.Metadata = domain.MergeMetadata(next.Metadata, map[string]any{
			domain.MetaCompletedAt: now,
			domain.MetaOutcomeCheckpoint: domain.EncodeMeta(domain.OutcomeCheckpoint{
				DueAt:  now + 48*time.Hour.Milliseconds(),
				Status: "scheduled",
			}),
		})
	}
	return nil
}

// Restore writes a task snapshot back verbatim, bypassing gates. The
// watchdog rollback path owns the audit trail around this.
func (s *Service) Restore(t domain.Task, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok, err := s.store.GetTask(t.ID)
	if err != nil {
		return domain.ErrInternal(err)
	}
	if !ok {
		return domain.ErrNotFound("task", t.ID)
	}
	t.UpdatedAt = s.touch(prev.UpdatedAt)
	if err := s.store.UpdateTask(t); err != nil {
		return domain.ErrInternal(err)
	}
	s.appendChange(t.ID, actor, "restored", map[string]any{"status": string(t.Status)}, t.UpdatedAt)
	s.publishUpdate(prev, t, actor)
	return nil
}

// Delete removes a task and emits task_deleted.
func (s *Service) Delete(id, actor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.store.DeleteTask(id)
	if err != nil {
		return false, domain.ErrInternal(err)
	}
	if ok {
		s.publish(domain.EventTaskDeleted, actor, id, nil)
	}
	return ok, nil
}

// Get returns the task by exact id.
func (s *Service) Get(id string) (domain.Task, error) {
	t, ok, err := s.store.GetTask(id)
	if err != nil {
		return domain.Task{}, domain.ErrInternal(err)
	}
	if !ok {
		return domain.Task{}, domain.ErrNotFound("task", id)
	}
	return t, nil
}

// History returns the task's audit rows, newest first.
func (s *Service) History(id string, limit int) ([]domain.TaskChange, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	changes, err := s.store.ListChanges(id, limit)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return changes, nil
}

// touch returns now in epoch ms, always strictly greater than prev so
// updatedAt is monotone per task even inside one clock tick.
func (s *Service) touch(prev int64) int64 {
	now := domain.NowMs(s.clock())
	if now <= prev {
		now = prev + 1
	}
	return now
}

func (s *Service) appendChange(taskID, actor, kind string, detail map[string]any, ts int64) {
	ch := domain.TaskChange{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Actor:     strings.ToLower(actor),
		Kind:      kind,
		Detail:    detail,
		Timestamp: ts,
	}
	if err := s.store.AppendChange(ch); err != nil {
		s.logger.Printf("Board: append change %s: %v", taskID, err)
	}
}

func (s *Service) publish(typ domain.EventType, agent, taskID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(domain.Event{Type: typ, Agent: strings.ToLower(agent), TaskID: taskID, Data: data}); err != nil {
		s.logger.Printf("Board: publish %s: %v", typ, err)
	}
}

// publishUpdate picks the most specific event type for a mutation.
func (s *Service) publishUpdate(prev, next domain.Task, actor string) {
	switch {
	case next.Status != prev.Status:
		s.publish(domain.EventTaskStatusChanged, actor, next.ID, map[string]any{
			"from": string(prev.Status), "to": string(next.Status),
		})
	case next.Assignee != prev.Assignee:
		s.publish(domain.EventTaskAssigned, actor, next.ID, map[string]any{
			"from": prev.Assignee, "to": next.Assignee,
		})
	default:
		s.publish(domain.EventTaskUpdated, actor, next.ID, nil)
	}
}

func (s *Service) maybeMirror(prev, next domain.Task) {
	if s.mirror == nil || next.Status == prev.Status {
		return
	}
	if next.Status == domain.StatusValidating || next.Status == domain.StatusDone {
		s.mirror.MirrorArtifacts(next)
	}
}

func changeKind(prev, next domain.Task) string {
	switch {
	case next.Status != prev.Status:
		return "status"
	case next.Assignee != prev.Assignee:
		return "assigned"
	}
	return "updated"
}

func changeDetail(prev, next domain.Task) map[string]any {
	d := map[string]any{}
	if next.Status != prev.Status {
		d["from"] = string(prev.Status)
		d["to"] = string(next.Status)
	}
	if next.Assignee != prev.Assignee {
		d["assignee"] = next.Assignee
	}
	if len(d) == 0 {
		return nil
	}
	return d
}

// newTaskID builds task-<ms-epoch>-<suffix>, suffix from a uuid so ids
// created in the same millisecond never collide.
func newTaskID(nowMs int64) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("task-%d-%s", nowMs, suffix)
}
