package bridge

import (
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/teamboard/internal/assign"
	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository/memory"
)

type fixture struct {
	svc   *Service
	tasks *board.Service
	store *memory.Store
	bus   *bus.Bus
	now   time.Time
}

func newFixture(t *testing.T, agents ...config.AgentRole) *fixture {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", 0)
	if len(agents) == 0 {
		agents = []config.AgentRole{
			{Name: "link", Role: "engineering"},
			{Name: "kai", Role: "lead"},
		}
	}
	roles := config.NewTestRegistry(agents...)
	cfg := config.Bridge{
		FeatureFamilies:      []string{"autonomy", "revenue-focus"},
		AutoCreateSeverities: []string{"high", "critical"},
		GuardrailEnabled:     true,
		RequireNonAuthorRev:  true,
	}
	f := &fixture{
		store: memory.New(),
		bus:   bus.New(logger),
		now:   time.UnixMilli(1700000000000),
	}
	f.tasks = board.New(f.store, f.bus, roles, logger,
		board.WithClock(func() time.Time { return f.now }))
	engine := assign.New(roles, f.store, cfg)
	f.svc = New(f.store, f.store, f.tasks, engine, f.bus, cfg, logger)
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func promoted(id string) domain.Insight {
	return domain.Insight{
		ID:            id,
		Title:         "worker crash on startup",
		ClusterKey:    "runtime::crash::worker",
		FailureFamily: "crash",
		SeverityMax:   "high",
		Status:        domain.InsightStatusPromoted,
		ReflectionIDs: []string{"refl-1"},
		Authors:       []string{"link"},
	}
}

func (f *fixture) seed(t *testing.T, in domain.Insight) domain.Insight {
	t.Helper()
	if err := f.store.UpsertInsight(in); err != nil {
		t.Fatal(err)
	}
	return in
}

func TestAuthorExclusionEndToEnd(t *testing.T) {
	f := newFixture(t)
	in := f.seed(t, promoted("ins-1"))

	res, err := f.svc.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeTaskCreated || res.TaskID == "" {
		t.Fatalf("result = %+v", res)
	}

	task, err := f.tasks.Get(res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Assignee != "kai" {
		t.Errorf("assignee = %s, want kai", task.Assignee)
	}
	if task.Reviewer == "link" {
		t.Error("author must not review their own insight task")
	}
	if !strings.HasPrefix(task.Title, "[Insight] ") {
		t.Errorf("title = %s", task.Title)
	}
	if len(task.DoneCriteria) != 3 || !strings.Contains(task.DoneCriteria[1], "ins-1") {
		t.Errorf("done criteria = %v", task.DoneCriteria)
	}

	var d domain.AssignmentDecision
	if ok, _ := domain.DecodeMeta(task.Metadata, domain.MetaAssignmentDecision, &d); !ok {
		t.Fatal("assignment_decision missing")
	}
	if !d.GuardrailApplied || d.SoleAuthorFallback {
		t.Errorf("decision = %+v", d)
	}

	in, _, _ = f.store.GetInsight("ins-1")
	if in.Status != domain.InsightStatusTaskCreated || in.TaskID != res.TaskID {
		t.Errorf("insight = %+v", in)
	}
}

func TestLinkedInsightSkipped(t *testing.T) {
	f := newFixture(t)
	in := promoted("ins-1")
	in.TaskID = "task-1-aaaaaa"
	f.seed(t, in)

	res, err := f.svc.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeDuplicate || res.TaskID != "task-1-aaaaaa" {
		t.Errorf("result = %+v", res)
	}
	if f.svc.Stats().DuplicatesSkipped != 1 {
		t.Errorf("stats = %+v", f.svc.Stats())
	}
}

func TestAlreadyAddressedByInsightID(t *testing.T) {
	f := newFixture(t)
	existing, err := f.tasks.Create(board.CreateRequest{
		Title: "old fix", Assignee: "kai", Reviewer: "link",
		DoneCriteria: []string{"x"}, CreatedBy: "kai",
		Metadata: map[string]any{domain.MetaInsightID: "ins-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	in := f.seed(t, promoted("ins-1"))

	res, err := f.svc.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeLinked || res.TaskID != existing.ID || res.Reason != "insight_id" {
		t.Errorf("result = %+v", res)
	}
	got, _, _ := f.store.GetInsight("ins-1")
	if got.Status != domain.InsightStatusTaskCreated || got.TaskID != existing.ID {
		t.Errorf("insight = %+v", got)
	}
}

func TestAlreadyAddressedByClusterKey(t *testing.T) {
	f := newFixture(t)
	existing, _ := f.tasks.Create(board.CreateRequest{
		Title: "[Insight] earlier crash", Assignee: "kai", Reviewer: "link",
		DoneCriteria: []string{"x"}, CreatedBy: "insight-bridge",
		Metadata: map[string]any{
			domain.MetaSource:     domain.SourceInsightBridge,
			domain.MetaClusterKey: "runtime::crash::worker",
		},
	})
	in := f.seed(t, promoted("ins-2"))

	res, err := f.svc.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeLinked || res.TaskID != existing.ID || res.Reason != "cluster_key" {
		t.Errorf("result = %+v", res)
	}
}

func TestEvidenceDedupByPRURL(t *testing.T) {
	f := newFixture(t)
	existing, _ := f.tasks.Create(board.CreateRequest{
		Title: "ship worker fix", Assignee: "kai", Reviewer: "link",
		DoneCriteria: []string{"x"}, CreatedBy: "kai",
		Metadata: map[string]any{domain.MetaPRURL: "https://github.com/acme/app/pull/42"},
	})
	in := promoted("ins-3")
	in.ClusterKey = "runtime::other"
	in.EvidenceRefs = []string{"see https://github.com/acme/app/pull/42 for the fix"}
	f.seed(t, in)

	res, err := f.svc.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeLinked || res.TaskID != existing.ID || res.Reason != "evidence" {
		t.Errorf("result = %+v", res)
	}
}

func TestFeatureFamilyGoesToTriage(t *testing.T) {
	f := newFixture(t)
	in := promoted("ins-4")
	in.FailureFamily = "revenue-focus"
	f.seed(t, in)

	res, err := f.svc.Process(in)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomePendingTriage || !strings.HasPrefix(res.Reason, "feature_family:") {
		t.Errorf("result = %+v", res)
	}
	got, _, _ := f.store.GetInsight("ins-4")
	if got.Status != domain.InsightStatusPendingTriage {
		t.Errorf("status = %s", got.Status)
	}
}

func TestLowSeverityGoesToTriage(t *testing.T) {
	f := newFixture(t)
	in := promoted("ins-5")
	in.SeverityMax = "medium"
	f.seed(t, in)

	res, _ := f.svc.Process(in)
	if res.Outcome != OutcomePendingTriage || res.Reason != "severity:medium" {
		t.Errorf("result = %+v", res)
	}
}

func TestTriageApprove(t *testing.T) {
	f := newFixture(t)
	in := promoted("ins-6")
	in.SeverityMax = "low"
	f.seed(t, in)
	if res, _ := f.svc.Process(in); res.Outcome != OutcomePendingTriage {
		t.Fatalf("setup: %+v", res)
	}

	res, err := f.svc.Triage("ins-6", "approve", "kai", "worth fixing")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeTaskCreated || res.TaskID == "" {
		t.Fatalf("result = %+v", res)
	}

	decisions, _ := f.store.ListTriage("ins-6")
	if len(decisions) != 1 {
		t.Fatalf("decisions = %+v", decisions)
	}
	d := decisions[0]
	if d.Action != "approve" || d.Reviewer != "kai" ||
		d.PreviousStatus != domain.InsightStatusPendingTriage ||
		d.NewStatus != domain.InsightStatusTaskCreated ||
		d.OutcomeTaskID != res.TaskID {
		t.Errorf("decision = %+v", d)
	}
}

func TestTriageDismiss(t *testing.T) {
	f := newFixture(t)
	in := promoted("ins-7")
	in.FailureFamily = "autonomy"
	f.seed(t, in)
	_, _ = f.svc.Process(in)

	res, err := f.svc.Triage("ins-7", "dismiss", "kai", "not actionable")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != "dismissed" || res.TaskID != "" {
		t.Errorf("result = %+v", res)
	}
	got, _, _ := f.store.GetInsight("ins-7")
	if got.Status != domain.InsightStatusDismissed {
		t.Errorf("status = %s", got.Status)
	}
}

func TestTriageRequiresPendingStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, promoted("ins-8"))
	if _, err := f.svc.Triage("ins-8", "approve", "kai", ""); err == nil {
		t.Error("triage on a promoted insight should conflict")
	}
	if _, err := f.svc.Triage("ins-8", "punt", "kai", ""); err == nil {
		t.Error("unknown action should be rejected")
	}
}

func TestCatchUpProcessesPromoted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, promoted("ins-9"))
	second := promoted("ins-10")
	second.ClusterKey = "runtime::oom"
	second.Title = "oom in importer"
	second.ReflectionIDs = []string{"refl-2"}
	f.seed(t, second)

	n, err := f.svc.CatchUp()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("created = %d, want 2", n)
	}
	if st := f.svc.Stats(); st.TasksCreated != 2 || st.Processed != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPromotedEventTriggersBridge(t *testing.T) {
	f := newFixture(t)
	f.bus.Listen("insight-bridge", f.svc.OnEvent)
	f.seed(t, promoted("ins-11"))

	if _, err := f.bus.Publish(domain.Event{
		Type: domain.EventInsightPromoted,
		Data: map[string]any{"insightId": "ins-11"},
	}); err != nil {
		t.Fatal(err)
	}
	got, _, _ := f.store.GetInsight("ins-11")
	if got.Status != domain.InsightStatusTaskCreated || got.TaskID == "" {
		t.Errorf("insight = %+v", got)
	}
}
