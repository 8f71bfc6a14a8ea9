package board

import (
	"fmt"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository/memory"
)

type fakeNotifier struct {
	posts []string
}

func (f *fakeNotifier) Post(from, channel, content string) {
	f.posts = append(f.posts, fmt.Sprintf("%s|%s|%s", from, channel, content))
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	bus      *bus.Bus
	notifier *fakeNotifier
	now      time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", 0)
	f := &fixture{
		store:    memory.New(),
		bus:      bus.New(logger),
		notifier: &fakeNotifier{},
		now:      time.UnixMilli(1700000000000),
	}
	roles := config.NewTestRegistry(
		config.AgentRole{Name: "link", Role: "engineering", Tags: []string{"runtime"}, WipCap: 2},
		config.AgentRole{Name: "sage", Role: "engineering", Tags: []string{"docs"}},
		config.AgentRole{Name: "kai", Role: "lead"},
	)
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = New(f.store, f.bus, roles, logger, opts...)
	f.svc.SetNotifier(f.notifier)
	return f
}

func (f *fixture) create(t *testing.T, req CreateRequest) domain.Task {
	t.Helper()
	if req.Title == "" {
		req.Title = "Ship X"
	}
	if req.Assignee == "" {
		req.Assignee = "link"
	}
	if req.Reviewer == "" {
		req.Reviewer = "sage"
	}
	if len(req.DoneCriteria) == 0 {
		req.DoneCriteria = []string{"build green"}
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "kai"
	}
	task, err := f.svc.Create(req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func gateOf(t *testing.T, err error) *domain.Error {
	t.Helper()
	de, ok := err.(*domain.Error)
	if !ok {
		t.Fatalf("error is %T, want *domain.Error: %v", err, err)
	}
	return de
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(CreateRequest{Title: "x"})
	de := gateOf(t, err)
	if de.Code != domain.CodeBadRequest || len(de.Fields) < 3 {
		t.Errorf("missing-field error = %+v", de)
	}
}

func TestCreateRejectsTestTitlesInProduction(t *testing.T) {
	f := newFixture(t, WithProduction(true))
	_, err := f.svc.Create(CreateRequest{
		Title: "TEST: scratch", Assignee: "link", Reviewer: "sage",
		DoneCriteria: []string{"n/a"}, CreatedBy: "kai",
	})
	if de := gateOf(t, err); de.Code != domain.CodeTestTaskRejected {
		t.Errorf("code = %s, want TEST_TASK_REJECTED", de.Code)
	}
}

func TestCreateDefaults(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	if task.Status != domain.StatusTodo || task.Priority != domain.PriorityP2 {
		t.Errorf("defaults: %+v", task)
	}
	if !strings.HasPrefix(task.ID, "task-1700000000000-") {
		t.Errorf("id = %s", task.ID)
	}
	if task.CreatedAt != task.UpdatedAt {
		t.Error("createdAt should equal updatedAt at birth")
	}
}

func TestValidatingRequiresQABundle(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})

	status := domain.StatusValidating
	_, err := f.svc.Update(task.ID, Patch{Status: &status}, "link")
	de := gateOf(t, err)
	if de.Gate != domain.GateQABundle || de.Status != 400 {
		t.Errorf("gate=%s status=%d, want qa_bundle/400", de.Gate, de.Status)
	}

	got, err := f.svc.Update(task.ID, Patch{
		Status: &status,
		Metadata: map[string]any{
			domain.MetaQABundle: map[string]any{
				"summary":        "s",
				"artifact_links": []string{"https://github.com/acme/app/pull/1"},
				"checks":         []string{"npm build"},
			},
		},
	}, "link")
	if err != nil {
		t.Fatalf("valid bundle rejected: %v", err)
	}
	if got.Status != domain.StatusValidating {
		t.Errorf("status = %s", got.Status)
	}
	if got.Meta(domain.MetaEnteredValidating) == nil {
		t.Error("entered_validating_at not stamped")
	}
}

func TestDoneGates(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	done := domain.StatusDone

	_, err := f.svc.Update(task.ID, Patch{Status: &done}, "link")
	if de := gateOf(t, err); de.Gate != domain.GateArtifacts {
		t.Errorf("gate = %s, want artifacts", de.Gate)
	}

	_, err = f.svc.Update(task.ID, Patch{
		Status:   &done,
		Metadata: map[string]any{domain.MetaArtifacts: []string{"https://github.com/acme/app/pull/1"}},
	}, "link")
	if de := gateOf(t, err); de.Gate != domain.GateReviewerSignoff || de.Status != 422 {
		t.Errorf("gate=%s status=%d, want reviewer_signoff/422", de.Gate, de.Status)
	}

	got, err := f.svc.Update(task.ID, Patch{
		Status: &done,
		Metadata: map[string]any{
			domain.MetaArtifacts:        []string{"https://github.com/acme/app/pull/1"},
			domain.MetaReviewerApproved: true,
		},
	}, "link")
	if err != nil {
		t.Fatalf("close rejected: %v", err)
	}
	if got.Meta(domain.MetaCompletedAt) == nil {
		t.Error("completed_at not stamped")
	}
	var cp domain.OutcomeCheckpoint
	if ok, _ := domain.DecodeMeta(got.Metadata, domain.MetaOutcomeCheckpoint, &cp); !ok {
		t.Fatal("outcome_checkpoint missing")
	}
	if cp.Status != "scheduled" || cp.DueAt != got.UpdatedAt+48*time.Hour.Milliseconds() {
		t.Errorf("checkpoint = %+v", cp)
	}
}

func TestDoneWithoutReviewerSkipsSignoff(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	empty := ""
	if _, err := f.svc.Update(task.ID, Patch{Reviewer: &empty}, "kai"); err != nil {
		t.Fatal(err)
	}
	done := domain.StatusDone
	_, err := f.svc.Update(task.ID, Patch{
		Status:   &done,
		Metadata: map[string]any{domain.MetaArtifacts: []string{"process/report.md"}},
	}, "link")
	if err != nil {
		t.Errorf("reviewerless close should pass without signoff: %v", err)
	}
}

func TestWipCapGate(t *testing.T) {
	f := newFixture(t)
	doing := domain.StatusDoing
	// Fill link's cap of 2.
	for i := 0; i < 2; i++ {
		task := f.create(t, CreateRequest{Title: fmt.Sprintf("busy %d", i)})
		if _, err := f.svc.Update(task.ID, Patch{Status: &doing}, "link"); err != nil {
			t.Fatal(err)
		}
	}
	third := f.create(t, CreateRequest{Title: "one too many"})
	_, err := f.svc.Update(third.ID, Patch{Status: &doing}, "link")
	de := gateOf(t, err)
	if de.Gate != domain.GateWipCap || de.Status != 422 {
		t.Fatalf("gate=%s status=%d, want wip_cap/422", de.Gate, de.Status)
	}
	if de.Details["wipCount"] != 2 || de.Details["wipCap"] != 2 {
		t.Errorf("details = %v", de.Details)
	}

	got, err := f.svc.Update(third.ID, Patch{
		Status:   &doing,
		Metadata: map[string]any{domain.MetaWipOverride: "P0 incident"},
	}, "link")
	if err != nil {
		t.Fatalf("override rejected: %v", err)
	}
	if !got.MetaBool(domain.MetaWipOverrideUsed) {
		t.Error("wip_override_used not recorded")
	}
}

func TestBranchAutoFillAndWarning(t *testing.T) {
	f := newFixture(t)
	doing := domain.StatusDoing

	first := f.create(t, CreateRequest{})
	got, err := f.svc.Update(first.ID, Patch{Status: &doing}, "link")
	if err != nil {
		t.Fatal(err)
	}
	want := "link/task-" + domain.ShortTaskID(first.ID)
	if got.MetaString(domain.MetaBranch) != want {
		t.Errorf("branch = %q, want %q", got.MetaString(domain.MetaBranch), want)
	}
	if got.Meta(domain.MetaBranchWarning) != nil {
		t.Error("first doing task should not warn")
	}

	second := f.create(t, CreateRequest{Title: "stacked"})
	got, err = f.svc.Update(second.ID, Patch{Status: &doing}, "link")
	if err != nil {
		t.Fatal(err)
	}
	if got.MetaString(domain.MetaBranchWarning) == "" {
		t.Error("second doing task should carry branch_warning")
	}
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	// Clock frozen: two updates in the same millisecond.
	desc := "first"
	a, err := f.svc.Update(task.ID, Patch{Description: &desc}, "link")
	if err != nil {
		t.Fatal(err)
	}
	desc = "second"
	b, err := f.svc.Update(task.ID, Patch{Description: &desc}, "link")
	if err != nil {
		t.Fatal(err)
	}
	if !(b.UpdatedAt > a.UpdatedAt && a.UpdatedAt > task.CreatedAt) {
		t.Errorf("updatedAt not monotone: %d, %d, %d", task.CreatedAt, a.UpdatedAt, b.UpdatedAt)
	}
}

func TestGateFailureLeavesTaskUnchanged(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	status := domain.StatusValidating
	desc := "should not land"
	_, err := f.svc.Update(task.ID, Patch{Status: &status, Description: &desc}, "link")
	if err == nil {
		t.Fatal("expected gate failure")
	}
	got, _ := f.svc.Get(task.ID)
	if got.Description == desc || got.Status != domain.StatusTodo || got.UpdatedAt != task.UpdatedAt {
		t.Errorf("partial write after gate failure: %+v", got)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})

	r, err := f.svc.Resolve(task.ID)
	if err != nil || r.MatchType != MatchExact {
		t.Fatalf("exact: %+v err=%v", r, err)
	}

	r, _ = f.svc.Resolve(task.ID[:len(task.ID)-3])
	if r.MatchType != MatchPrefix || r.ResolvedID != task.ID {
		t.Errorf("prefix: %+v", r)
	}

	// Same-millisecond siblings make the timestamp prefix ambiguous.
	f.create(t, CreateRequest{Title: "sibling a"})
	f.create(t, CreateRequest{Title: "sibling b"})
	r, _ = f.svc.Resolve("task-1700000000000-")
	if r.MatchType != MatchAmbiguous || len(r.Suggestions) == 0 || len(r.Suggestions) > 5 {
		t.Errorf("ambiguous: %+v", r)
	}

	r, _ = f.svc.Resolve("task-9999999999999-none")
	if r.MatchType != MatchNone {
		t.Errorf("none: %+v", r)
	}

	r, _ = f.svc.Resolve("task")
	if r.MatchType != MatchNone {
		t.Errorf("short prefix should not match: %+v", r)
	}
}

func TestNextPrefersAssigneeThenUnassigned(t *testing.T) {
	f := newFixture(t)
	blocked := f.create(t, CreateRequest{Title: "blocker", Priority: domain.PriorityP0})
	dependent := f.create(t, CreateRequest{Title: "waiting", Priority: domain.PriorityP0, BlockedBy: []string{blocked.ID}})
	_ = dependent
	mine := f.create(t, CreateRequest{Title: "mine", Assignee: "sage", Priority: domain.PriorityP2})
	f.create(t, CreateRequest{Title: "someone else's", Priority: domain.PriorityP1})

	got, err := f.svc.Next("sage")
	if err != nil || got == nil {
		t.Fatalf("Next: %v %v", got, err)
	}
	if got.ID != mine.ID {
		t.Errorf("Next(sage) = %s, want own task %s", got.ID, mine.ID)
	}

	got, _ = f.svc.Next("nobody")
	if got == nil || got.Title != "someone else's" {
		t.Errorf("Next(nobody) = %+v, want highest-priority unblocked", got)
	}
}

func TestCommentInvalidRefsRejected(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	_, err := f.svc.AddComment(task.ID, "link", "see also task-9999999999999-ghost")
	de := gateOf(t, err)
	if de.Code != domain.CodeInvalidTaskRefs || de.Status != 422 {
		t.Fatalf("err = %+v", de)
	}
	refs, _ := de.Details["invalid_task_refs"].([]string)
	if len(refs) != 1 || refs[0] != "task-9999999999999-ghost" {
		t.Errorf("invalid refs = %v", de.Details)
	}
	if de.Details["reject_id"] == "" {
		t.Error("reject_id missing")
	}
	got, _ := f.svc.Get(task.ID)
	if got.CommentCount != 0 || got.UpdatedAt != task.UpdatedAt {
		t.Error("rejected comment must not touch the task")
	}
}

func TestCommentFanOutMentions(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{}) // assignee link, reviewer sage
	_, err := f.svc.AddComment(task.ID, "link", "ready for review @kai")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.notifier.posts) != 1 {
		t.Fatalf("posts = %v", f.notifier.posts)
	}
	post := f.notifier.posts[0]
	if !strings.HasPrefix(post, "link|task-comments|") {
		t.Errorf("post = %q", post)
	}
	// Assignee is the author: excluded. Reviewer and explicit mention stay.
	if !strings.Contains(post, "@sage") || !strings.Contains(post, "@kai") || strings.Contains(post, "@link") {
		t.Errorf("mention prefix wrong: %q", post)
	}
	got, _ := f.svc.Get(task.ID)
	if got.CommentCount != 1 {
		t.Errorf("commentCount = %d", got.CommentCount)
	}
}

func TestClaimRunsGates(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{Assignee: "sage"})
	got, err := f.svc.Claim(task.ID, "link")
	if err != nil {
		t.Fatal(err)
	}
	if got.Assignee != "link" || got.Status != domain.StatusDoing {
		t.Errorf("claim result: %+v", got)
	}
	if got.MetaString(domain.MetaBranch) == "" {
		t.Error("claim should auto-fill branch")
	}
}

func TestReviewForbiddenForNonReviewer(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	_, err := f.svc.Review(task.ID, ReviewRequest{Reviewer: "kai", Decision: "approved"})
	if de := gateOf(t, err); de.Code != domain.CodeForbidden {
		t.Errorf("code = %s, want FORBIDDEN", de.Code)
	}
}

func TestReviewApproval(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	got, err := f.svc.Review(task.ID, ReviewRequest{Reviewer: "SAGE", Decision: "approved", Comment: "clean"})
	if err != nil {
		t.Fatal(err)
	}
	if !got.MetaBool(domain.MetaReviewerApproved) {
		t.Error("reviewer_approved not set")
	}
	var d domain.ReviewerDecision
	if ok, _ := domain.DecodeMeta(got.Metadata, domain.MetaReviewerDecision, &d); !ok || d.Reviewer != "sage" {
		t.Errorf("decision = %+v", d)
	}
	comments, _ := f.svc.Comments(task.ID)
	if len(comments) != 1 || comments[0].Author != "system" {
		t.Errorf("comments = %+v", comments)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{Metadata: map[string]any{
		domain.MetaClusterKey: "runtime::crash::worker",
		domain.MetaETA:        "2h",
	}})
	data, err := f.svc.Export()
	if err != nil {
		t.Fatal(err)
	}

	g := newFixture(t)
	n, err := g.svc.Import(data)
	if err != nil || n != 1 {
		t.Fatalf("Import: n=%d err=%v", n, err)
	}
	got, err := g.svc.Get(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MetaString(domain.MetaClusterKey) != "runtime::crash::worker" || got.MetaString(domain.MetaETA) != "2h" {
		t.Errorf("metadata lost in round trip: %+v", got.Metadata)
	}
}

func TestDeleteEmitsEvent(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	ok, err := f.svc.Delete(task.ID, "kai")
	if err != nil || !ok {
		t.Fatalf("Delete: ok=%v err=%v", ok, err)
	}
	h := f.bus.History(0, 0, "")
	last := h[len(h)-1]
	if last.Type != domain.EventTaskDeleted || last.TaskID != task.ID {
		t.Errorf("last event = %+v", last)
	}
}

func TestStatusChangeEmitsStatusEvent(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, CreateRequest{})
	doing := domain.StatusDoing
	if _, err := f.svc.Update(task.ID, Patch{Status: &doing}, "link"); err != nil {
		t.Fatal(err)
	}
	h := f.bus.History(0, 0, "")
	last := h[len(h)-1]
	if last.Type != domain.EventTaskStatusChanged {
		t.Errorf("event = %s, want task_status_changed", last.Type)
	}
	if last.Data["from"] != "todo" || last.Data["to"] != "doing" {
		t.Errorf("data = %v", last.Data)
	}
}
