package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jaakkos/teamboard/internal/assign"
	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/bridge"
	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/chat"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/mirror"
	"github.com/jaakkos/teamboard/internal/presence"
	"github.com/jaakkos/teamboard/internal/repository/memory"
	"github.com/jaakkos/teamboard/internal/watchdog"
)

type fixture struct {
	router  http.Handler
	store   *memory.Store
	tasks   *board.Service
	chatSvc *chat.Service
	bus     *bus.Bus
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", 0)
	f := &fixture{now: time.UnixMilli(1700000000000)}
	clock := func() time.Time { return f.now }

	f.store = memory.New()
	roles := config.NewTestRegistry(
		config.AgentRole{Name: "link", Role: "engineering"},
		config.AgentRole{Name: "sage", Role: "engineering"},
		config.AgentRole{Name: "kai", Role: "lead"},
	)
	f.bus = bus.New(logger, bus.WithClock(clock))
	f.tasks = board.New(f.store, f.bus, roles, logger, board.WithClock(clock))
	f.chatSvc = chat.New(f.store, f.bus, config.Chat{
		CommentsChannel: "task-comments",
		Channels:        map[string]string{"system-info": "general"},
	}, logger, chat.WithClock(clock))
	pres := presence.New(f.store, f.store, f.bus, logger, presence.WithClock(clock))
	mentions := presence.NewMentionTracker(f.store, f.store, logger)
	mentions.SetClock(clock)
	f.bus.Listen("mention-ack", mentions.OnEvent)

	bridgeCfg := config.Bridge{
		AutoCreateSeverities: []string{"high", "critical"},
		GuardrailEnabled:     true,
		RequireNonAuthorRev:  true,
	}
	engine := assign.New(roles, f.store, bridgeCfg)
	bridgeSvc := bridge.New(f.store, f.store, f.tasks, engine, f.bus, bridgeCfg, logger)
	bridgeSvc.SetClock(clock)
	f.bus.Listen("insight-bridge", bridgeSvc.OnEvent)

	health := config.BoardHealth{
		Enabled:        true,
		StaleDoing:     4 * time.Hour,
		SuggestClose:   7 * 24 * time.Hour,
		QuietStartHour: -1,
		QuietEndHour:   -1,
		ReviewSLA:      8 * time.Hour,
		MaxActions:     5,
		CooldownMin:    60,
	}
	dog := watchdog.New(f.tasks, f.chatSvc, pres, mentions, engine, f.store, f.store,
		roles, health, config.QuietHours{}, logger, watchdog.WithClock(clock))

	bundles := mirror.NewBundleBuilder(f.tasks, &okFetcher{}, logger,
		mirror.WithBaseDir(t.TempDir()), mirror.WithStrictCI(false),
		mirror.WithBuilderClock(clock))

	srv := New(Deps{
		Tasks:    f.tasks,
		Chat:     f.chatSvc,
		Presence: pres,
		Mentions: mentions,
		Bus:      f.bus,
		Watchdog: dog,
		Bridge:   bridgeSvc,
		Bundles:  bundles,
		Mirror:   mirror.New(config.Workspace{}, logger),
		Store:    f.store,
		Roles:    roles,
		Health:   health,
		Logger:   logger,
		Clock:    clock,
	})
	f.router = srv.Router()
	return f
}

// okFetcher resolves every PR as open with green CI.
type okFetcher struct{}

func (okFetcher) FetchPR(context.Context, string) (mirror.PRInfo, error) {
	return mirror.PRInfo{State: "open"}, nil
}

func (okFetcher) FetchCI(context.Context, string) (mirror.CIInfo, error) {
	return mirror.CIInfo{State: "success"}, nil
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func (f *fixture) createTask(t *testing.T, title string) domain.Task {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/tasks", map[string]any{
		"title":         title,
		"assignee":      "link",
		"reviewer":      "sage",
		"done_criteria": []string{"it works"},
		"createdBy":     "kai",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task: %d %s", rec.Code, rec.Body.String())
	}
	var task domain.Task
	decode(t, rec, &task)
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "wire the feed handler")

	rec := f.do(t, http.MethodGet, "/tasks/"+task.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Task      domain.Task `json:"task"`
		MatchType string      `json:"matchType"`
	}
	decode(t, rec, &got)
	if got.Task.ID != task.ID || got.MatchType != "exact" {
		t.Errorf("got = %+v", got)
	}
	if got.Task.Status != domain.StatusTodo || got.Task.Priority != domain.PriorityP2 {
		t.Errorf("defaults = %s/%s", got.Task.Status, got.Task.Priority)
	}
}

func TestCreateTaskValidationEnvelope(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks", map[string]any{"title": "no people"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
	var env errorEnvelope
	decode(t, rec, &env)
	if env.Success || env.Code != domain.CodeBadRequest || env.Status != 400 {
		t.Errorf("envelope = %+v", env)
	}
	if len(env.Fields) == 0 {
		t.Error("expected per-field errors")
	}
}

func TestGetTaskByPrefix(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "prefix me")

	rec := f.do(t, http.MethodGet, "/tasks/"+task.ID[:10], nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("prefix get: %d %s", rec.Code, rec.Body.String())
	}
	var got struct {
		ResolvedID string `json:"resolvedId"`
		MatchType  string `json:"matchType"`
	}
	decode(t, rec, &got)
	if got.ResolvedID != task.ID || got.MatchType != "prefix" {
		t.Errorf("got = %+v", got)
	}
}

func TestGetTaskAmbiguousPrefix(t *testing.T) {
	f := newFixture(t)
	a := f.createTask(t, "one")
	f.now = f.now.Add(time.Millisecond) // distinct id, same prefix
	f.createTask(t, "two")

	rec := f.do(t, http.MethodGet, "/tasks/"+a.ID[:10], nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("code = %d %s", rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	decode(t, rec, &env)
	if env.Code != domain.CodeConflict {
		t.Errorf("envelope = %+v", env)
	}
	if sugg, ok := env.Details["suggestions"].([]any); !ok || len(sugg) != 2 {
		t.Errorf("suggestions = %v", env.Details["suggestions"])
	}
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/tasks/task-1700000000000-zzzzzz", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestValidatingRequiresQABundle(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "gate check")

	rec := f.do(t, http.MethodPatch, "/tasks/"+task.ID, map[string]any{
		"status": "validating", "actor": "link",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d %s", rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	decode(t, rec, &env)
	if env.Gate != domain.GateQABundle {
		t.Errorf("gate = %q", env.Gate)
	}
	if env.Hint == "" {
		t.Error("gate error should carry a hint")
	}
}

func TestValidatingWithBundlePasses(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "gate pass")

	rec := f.do(t, http.MethodPatch, "/tasks/"+task.ID, map[string]any{
		"status": "validating",
		"actor":  "link",
		"metadata": map[string]any{
			"qa_bundle": map[string]any{
				"summary":        "built and exercised",
				"artifact_links": []string{"process/report.md"},
				"checks":         []string{"unit suite"},
			},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d %s", rec.Code, rec.Body.String())
	}
	var got domain.Task
	decode(t, rec, &got)
	if got.Status != domain.StatusValidating {
		t.Errorf("status = %s", got.Status)
	}
	if got.Meta(domain.MetaEnteredValidating) == nil {
		t.Error("entered_validating_at not stamped")
	}
}

func TestDoneRequiresSignoffEnvelope(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "no signoff")

	rec := f.do(t, http.MethodPatch, "/tasks/"+task.ID, map[string]any{
		"status": "done", "actor": "link",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d %s", rec.Code, rec.Body.String())
	}
	var env errorEnvelope
	decode(t, rec, &env)
	if env.Gate != domain.GateArtifacts && env.Gate != domain.GateReviewerSignoff {
		t.Errorf("gate = %q", env.Gate)
	}
}

func TestClaimAndNext(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "claim me")

	rec := f.do(t, http.MethodGet, "/tasks/next?agent=link", nil)
	var next struct {
		Task *domain.Task `json:"task"`
	}
	decode(t, rec, &next)
	if next.Task == nil || next.Task.ID != task.ID {
		t.Fatalf("next = %+v", next.Task)
	}

	rec = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/claim", map[string]any{"agent": "link"})
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: %d %s", rec.Code, rec.Body.String())
	}
	var claimed domain.Task
	decode(t, rec, &claimed)
	if claimed.Status != domain.StatusDoing || claimed.Assignee != "link" {
		t.Errorf("claimed = %+v", claimed)
	}
	if claimed.MetaString(domain.MetaBranch) == "" {
		t.Error("branch not auto-filled on doing")
	}

	// Queue is drained now.
	rec = f.do(t, http.MethodGet, "/tasks/next?agent=link", nil)
	decode(t, rec, &next)
	if next.Task != nil {
		t.Errorf("next after claim = %+v", next.Task)
	}
}

func TestReviewEndpointReviewerOnly(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "review gate")

	rec := f.do(t, http.MethodPost, "/tasks/"+task.ID+"/review", map[string]any{
		"reviewer": "kai", "decision": "approved",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("code = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/tasks/"+task.ID+"/review", map[string]any{
		"reviewer": "sage", "decision": "approved", "comment": "ship it",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d %s", rec.Code, rec.Body.String())
	}
	var got domain.Task
	decode(t, rec, &got)
	if !got.MetaBool(domain.MetaReviewerApproved) {
		t.Error("reviewer_approved not set")
	}
}

func TestDeleteTask(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "doomed")

	rec := f.do(t, http.MethodDelete, "/tasks/"+task.ID+"?actor=kai", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/tasks/"+task.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("after delete: %d", rec.Code)
	}
}

func TestBatchCreatePartialFailure(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks/batch-create", map[string]any{
		"tasks": []map[string]any{
			{"title": "good", "assignee": "link", "reviewer": "sage",
				"done_criteria": []string{"ok"}, "createdBy": "kai"},
			{"title": "bad"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Created int `json:"created"`
		Results []struct {
			Task  *domain.Task `json:"task"`
			Error string       `json:"error"`
		} `json:"results"`
	}
	decode(t, rec, &got)
	if got.Created != 1 || len(got.Results) != 2 {
		t.Errorf("got = %+v", got)
	}
	if got.Results[1].Error == "" {
		t.Error("second draft should fail")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "survives export")

	rec := f.do(t, http.MethodGet, "/tasks/export", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d", rec.Code)
	}
	exported := rec.Body.Bytes()

	g := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/tasks/import", bytes.NewReader(exported))
	imp := httptest.NewRecorder()
	g.router.ServeHTTP(imp, req)
	if imp.Code != http.StatusOK {
		t.Fatalf("import: %d %s", imp.Code, imp.Body.String())
	}
	var got struct {
		Imported int `json:"imported"`
	}
	decode(t, imp, &got)
	if got.Imported != 1 {
		t.Errorf("imported = %d", got.Imported)
	}
}

func TestTaskHistoryAndComments(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "audited")

	rec := f.do(t, http.MethodPost, "/tasks/"+task.ID+"/comments", map[string]any{
		"author": "sage", "content": "looks plausible",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("comment: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/tasks/"+task.ID+"/comments", nil)
	var comments struct {
		Count int `json:"count"`
	}
	decode(t, rec, &comments)
	if comments.Count != 1 {
		t.Errorf("comments = %d", comments.Count)
	}

	rec = f.do(t, http.MethodGet, "/tasks/"+task.ID+"/history", nil)
	var history struct {
		Count int `json:"count"`
	}
	decode(t, rec, &history)
	if history.Count < 2 { // created + comment
		t.Errorf("history = %d", history.Count)
	}
}
