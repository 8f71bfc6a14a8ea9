// Package bridge turns promoted insights into board tasks: one task per
// insight, feature-family and severity gating, dedup against existing
// work, and guardrailed assignment.
package bridge

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/teamboard/internal/assign"
	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

var prURLPattern = regexp.MustCompile(`github\.com/[^/\s]+/[^/\s]+/pull/\d+`)

// Outcomes of processing one insight.
const (
	OutcomeDuplicate     = "duplicate"
	OutcomeLinked        = "linked_existing"
	OutcomePendingTriage = "pending_triage"
	OutcomeTaskCreated   = "task_created"
)

// Result describes what Process did with one insight.
type Result struct {
	InsightID string `json:"insightId"`
	Outcome   string `json:"outcome"`
	TaskID    string `json:"taskId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Stats are cumulative counters since startup or the last reset.
type Stats struct {
	Processed         int `json:"processed"`
	TasksCreated      int `json:"tasksCreated"`
	DuplicatesSkipped int `json:"duplicatesSkipped"`
	AlreadyAddressed  int `json:"alreadyAddressed"`
	PendingTriage     int `json:"pendingTriage"`
	Errors            int `json:"errors"`
}

// Service is the insight-task bridge.
type Service struct {
	insights repository.InsightRepository
	taskRepo repository.TaskRepository
	tasks    *board.Service
	engine   *assign.Engine
	bus      *bus.Bus
	cfg      config.Bridge
	logger   *log.Logger

	mu    sync.Mutex
	stats Stats
	clock func() time.Time
}

// New creates the bridge.
func New(insights repository.InsightRepository, taskRepo repository.TaskRepository, tasks *board.Service, engine *assign.Engine, b *bus.Bus, cfg config.Bridge, logger *log.Logger) *Service {
	return &Service{
		insights: insights,
		taskRepo: taskRepo,
		tasks:    tasks,
		engine:   engine,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		clock:    time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// Stats returns a copy of the counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ResetStats zeroes the counters.
func (s *Service) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
}

// OnEvent is registered as an inline bus listener for insight:promoted.
func (s *Service) OnEvent(e domain.Event) {
	if e.Type != domain.EventInsightPromoted {
		return
	}
	id, _ := e.Data["insightId"].(string)
	if id == "" {
		return
	}
	in, ok, err := s.insights.GetInsight(id)
	if err != nil || !ok {
		s.logger.Printf("Bridge: promoted insight %s not found: %v", id, err)
		return
	}
	if _, err := s.Process(in); err != nil {
		s.logger.Printf("Bridge: process %s: %v", id, err)
	}
}

// CatchUp processes every still-promoted insight. Run once at startup
// so events missed while down are not lost.
func (s *Service) CatchUp() (int, error) {
	pending, err := s.insights.ListInsights(domain.InsightStatusPromoted)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, in := range pending {
		if res, err := s.Process(in); err != nil {
			s.logger.Printf("Bridge: catch-up %s: %v", in.ID, err)
		} else if res.Outcome == OutcomeTaskCreated {
			n++
		}
	}
	return n, nil
}

// Process runs the full pipeline for one insight: idempotency,
// already-addressed linking, evidence dedup, feature and severity
// gating, then guardrailed creation.
func (s *Service) Process(in domain.Insight) (Result, error) {
	s.count(func(st *Stats) { st.Processed++ })
	res := Result{InsightID: in.ID}

	if in.TaskID != "" {
		s.count(func(st *Stats) { st.DuplicatesSkipped++ })
		res.Outcome = OutcomeDuplicate
		res.TaskID = in.TaskID
		return res, nil
	}

	if t, reason, err := s.findExisting(in); err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return res, err
	} else if t != nil {
		if _, err := s.insights.SetInsightStatus(in.ID, domain.InsightStatusTaskCreated, t.ID); err != nil {
			s.count(func(st *Stats) { st.Errors++ })
			return res, err
		}
		s.count(func(st *Stats) { st.AlreadyAddressed++ })
		s.logger.Printf("Bridge: insight %s already addressed by %s (%s)", in.ID, t.ID, reason)
		res.Outcome = OutcomeLinked
		res.TaskID = t.ID
		res.Reason = reason
		return res, nil
	}

	if reason, gated := s.gated(in); gated {
		if _, err := s.insights.SetInsightStatus(in.ID, domain.InsightStatusPendingTriage, ""); err != nil {
			s.count(func(st *Stats) { st.Errors++ })
			return res, err
		}
		s.count(func(st *Stats) { st.PendingTriage++ })
		res.Outcome = OutcomePendingTriage
		res.Reason = reason
		return res, nil
	}

	t, err := s.createTask(in)
	if err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return res, err
	}
	if _, err := s.insights.SetInsightStatus(in.ID, domain.InsightStatusTaskCreated, t.ID); err != nil {
		s.count(func(st *Stats) { st.Errors++ })
		return res, err
	}
	s.count(func(st *Stats) { st.TasksCreated++ })
	res.Outcome = OutcomeTaskCreated
	res.TaskID = t.ID
	return res, nil
}

// gated reports whether the insight must wait for human triage instead
// of auto-creating a task.
func (s *Service) gated(in domain.Insight) (string, bool) {
	family := strings.ToLower(in.FailureFamily)
	for _, f := range s.cfg.FeatureFamilies {
		if family == strings.ToLower(f) {
			return "feature_family:" + family, true
		}
	}
	severity := strings.ToLower(in.SeverityMax)
	for _, sev := range s.cfg.AutoCreateSeverities {
		if severity == strings.ToLower(sev) {
			return "", false
		}
	}
	return "severity:" + severity, true
}

// findExisting scans tasks for one already covering this insight.
// Precedence: direct insight linkage, shared cluster key among
// bridge-created tasks, shared source reflection, exact title, then
// evidence overlap (task ids or PR URLs).
func (s *Service) findExisting(in domain.Insight) (*domain.Task, string, error) {
	tasks, err := s.taskRepo.ListTasks(repository.TaskFilter{})
	if err != nil {
		return nil, "", err
	}

	for i := range tasks {
		meta := tasks[i].Metadata
		if metaString(meta, domain.MetaInsightID) == in.ID || metaString(meta, domain.MetaSourceInsight) == in.ID {
			return &tasks[i], "insight_id", nil
		}
	}

	if in.ClusterKey != "" {
		for i := range tasks {
			meta := tasks[i].Metadata
			if metaString(meta, domain.MetaSource) != domain.SourceInsightBridge {
				continue
			}
			if metaString(meta, domain.MetaClusterKey) == in.ClusterKey {
				return &tasks[i], "cluster_key", nil
			}
			if linked := metaString(meta, domain.MetaInsightID); linked != "" {
				if other, ok, _ := s.insights.GetInsight(linked); ok && other.ClusterKey == in.ClusterKey {
					return &tasks[i], "cluster_key", nil
				}
			}
		}
	}

	if len(in.ReflectionIDs) > 0 {
		ref := in.ReflectionIDs[0]
		for i := range tasks {
			if metaString(tasks[i].Metadata, domain.MetaSourceReflection) == ref {
				return &tasks[i], "source_reflection", nil
			}
		}
	}

	for i := range tasks {
		if tasks[i].Title == in.Title || tasks[i].Title == bridgeTitle(in) {
			return &tasks[i], "title", nil
		}
	}

	if t := matchEvidence(tasks, in.EvidenceRefs); t != nil {
		return t, "evidence", nil
	}
	return nil, "", nil
}

// matchEvidence looks for evidence refs naming an existing task id or a
// PR URL already attached to a task.
func matchEvidence(tasks []domain.Task, refs []string) *domain.Task {
	byID := make(map[string]int, len(tasks))
	for i, t := range tasks {
		byID[t.ID] = i
	}
	for _, ref := range refs {
		for _, id := range domain.ExtractTaskRefs(ref) {
			if i, ok := byID[id]; ok {
				return &tasks[i]
			}
		}
		pr := prURLPattern.FindString(ref)
		if pr == "" {
			continue
		}
		for i := range tasks {
			if url := metaString(tasks[i].Metadata, domain.MetaPRURL); url != "" && strings.Contains(url, pr) {
				return &tasks[i]
			}
		}
	}
	return nil
}

// createTask materializes the insight as a board task with guardrailed
// assignment breadcrumbs.
func (s *Service) createTask(in domain.Insight) (domain.Task, error) {
	spec := assign.TaskSpec{
		Title:         in.Title,
		ClusterKey:    in.ClusterKey,
		FailureFamily: in.FailureFamily,
	}
	decision := s.engine.Resolve(spec, in.Authors)
	reviewer := s.engine.SelectReviewer(spec, decision.Assignee, in.Authors,
		decision.GuardrailApplied || decision.SoleAuthorFallback)
	if reviewer == "" {
		// Nobody else is eligible; the assignee self-reviews rather
		// than leaving the draft invalid.
		reviewer = decision.Assignee
	}

	meta := map[string]any{
		domain.MetaInsightID:     in.ID,
		domain.MetaSourceInsight: in.ID,
		domain.MetaSource:        domain.SourceInsightBridge,
		domain.MetaSeverity:      in.SeverityMax,
		domain.MetaClusterKey:    in.ClusterKey,
		domain.MetaFailureFamily: in.FailureFamily,
		domain.MetaAssignmentDecision: domain.EncodeMeta(domain.AssignmentDecision{
			Reason:               assignmentReason(decision),
			GuardrailApplied:     decision.GuardrailApplied,
			SoleAuthorFallback:   decision.SoleAuthorFallback,
			CandidatesConsidered: len(decision.Ranked),
			InsightAuthors:       in.Authors,
		}),
	}
	if len(in.ReflectionIDs) > 0 {
		meta[domain.MetaSourceReflection] = in.ReflectionIDs[0]
	}

	return s.tasks.Create(board.CreateRequest{
		Title:       bridgeTitle(in),
		Description: describeInsight(in),
		Assignee:    decision.Assignee,
		Reviewer:    reviewer,
		Priority:    severityPriority(in.SeverityMax),
		DoneCriteria: []string{
			"Root cause addressed or mitigated",
			fmt.Sprintf("Evidence from insight %s validated", in.ID),
			"Follow-up reflection submitted confirming fix",
		},
		Tags:      insightTags(in),
		CreatedBy: "insight-bridge",
		Metadata:  meta,
	})
}

// Triage records a human approve/dismiss call on a pending-triage
// insight. Approval runs the creation path with gates already cleared.
func (s *Service) Triage(insightID, action, reviewer, rationale string) (Result, error) {
	res := Result{InsightID: insightID}
	if action != "approve" && action != "dismiss" {
		return res, domain.ErrValidation("unknown triage action",
			domain.FieldError{Path: "action", Message: action + " is not approve or dismiss"})
	}
	if strings.TrimSpace(reviewer) == "" {
		return res, domain.ErrValidation("triage reviewer is required",
			domain.FieldError{Path: "reviewer", Message: "reviewer must be non-empty"})
	}
	in, ok, err := s.insights.GetInsight(insightID)
	if err != nil {
		return res, domain.ErrInternal(err)
	}
	if !ok {
		return res, domain.ErrNotFound("insight", insightID)
	}
	if in.Status != domain.InsightStatusPendingTriage {
		return res, domain.ErrConflict(fmt.Sprintf("insight %s is %s, not pending_triage", insightID, in.Status))
	}

	newStatus := domain.InsightStatusDismissed
	if action == "approve" {
		t, err := s.createTask(in)
		if err != nil {
			return res, err
		}
		res.TaskID = t.ID
		res.Outcome = OutcomeTaskCreated
		newStatus = domain.InsightStatusTaskCreated
		s.count(func(st *Stats) { st.TasksCreated++ })
	} else {
		res.Outcome = "dismissed"
	}
	if _, err := s.insights.SetInsightStatus(insightID, newStatus, res.TaskID); err != nil {
		return res, domain.ErrInternal(err)
	}
	if err := s.insights.InsertTriage(domain.TriageDecision{
		ID:             uuid.NewString(),
		InsightID:      insightID,
		Action:         action,
		Reviewer:       strings.ToLower(reviewer),
		Rationale:      rationale,
		OutcomeTaskID:  res.TaskID,
		PreviousStatus: in.Status,
		NewStatus:      newStatus,
		Timestamp:      domain.NowMs(s.clock()),
	}); err != nil {
		return res, domain.ErrInternal(err)
	}
	if s.bus != nil {
		_, _ = s.bus.Publish(domain.Event{
			Type:  domain.EventInsightTriaged,
			Agent: strings.ToLower(reviewer),
			Data:  map[string]any{"insightId": insightID, "action": action, "taskId": res.TaskID},
		})
	}
	return res, nil
}

func (s *Service) count(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

func bridgeTitle(in domain.Insight) string {
	return "[Insight] " + in.Title
}

// describeInsight renders the deterministic description template.
func describeInsight(in domain.Insight) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Promoted insight %s.\n\n", in.ID)
	fmt.Fprintf(&b, "Cluster: %s\n", in.ClusterKey)
	fmt.Fprintf(&b, "Failure family: %s\n", in.FailureFamily)
	fmt.Fprintf(&b, "Severity: %s\n", in.SeverityMax)
	if in.Score > 0 {
		fmt.Fprintf(&b, "Score: %.2f\n", in.Score)
	}
	fmt.Fprintf(&b, "Reflections: %d\n", len(in.ReflectionIDs))
	if len(in.Authors) > 0 {
		fmt.Fprintf(&b, "Authors: %s\n", strings.Join(in.Authors, ", "))
	}
	if len(in.EvidenceRefs) > 0 {
		b.WriteString("\nEvidence:\n")
		for _, ref := range in.EvidenceRefs {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
	}
	return b.String()
}

func severityPriority(severity string) domain.Priority {
	switch strings.ToLower(severity) {
	case "critical":
		return domain.PriorityP0
	case "high":
		return domain.PriorityP1
	default:
		return domain.PriorityP2
	}
}

func insightTags(in domain.Insight) []string {
	var tags []string
	if in.FailureFamily != "" {
		tags = append(tags, in.FailureFamily)
	}
	if in.ImpactedUnit != "" {
		tags = append(tags, in.ImpactedUnit)
	}
	return tags
}

func assignmentReason(d assign.Decision) string {
	switch {
	case d.ProtectedMatch != "" && domain.SameAgent(d.ProtectedMatch, d.Assignee):
		return "protected_domain"
	case d.SoleAuthorFallback:
		return "sole_author_fallback"
	case d.GuardrailApplied:
		return "author_excluded"
	default:
		return "best_score"
	}
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}
