package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jaakkos/teamboard/internal/domain"
)

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "alive")

	rec := f.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	var h struct {
		Status string `json:"status"`
		Now    int64  `json:"now"`
	}
	decode(t, rec, &h)
	if h.Status != "ok" || h.Now != 1700000000000 {
		t.Errorf("health = %+v", h)
	}

	rec = f.do(t, http.MethodGet, "/health/workflow", nil)
	var wf struct {
		Counts map[string]int `json:"counts"`
		Total  int            `json:"total"`
	}
	decode(t, rec, &wf)
	if wf.Total != 1 || wf.Counts["todo"] != 1 {
		t.Errorf("workflow = %+v", wf)
	}

	rec = f.do(t, http.MethodGet, "/health/agents", nil)
	var ag struct {
		Agents []agentHealth `json:"agents"`
	}
	decode(t, rec, &ag)
	if len(ag.Agents) != 3 {
		t.Fatalf("agents = %d", len(ag.Agents))
	}
	for _, a := range ag.Agents {
		if a.Name == "link" && a.Ready != 1 {
			t.Errorf("link row = %+v", a)
		}
	}
}

func TestHealthComplianceFlagsDoneWithoutSignoff(t *testing.T) {
	f := newFixture(t)
	task := f.createTask(t, "sneaky done")
	// Force an inconsistent row past the gates, the way crashed runs
	// leave them.
	raw, _, err := f.store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	raw.Status = domain.StatusDone
	if err := f.store.UpdateTask(raw); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/health/compliance", nil)
	var got struct {
		Violations []complianceViolation `json:"violations"`
	}
	decode(t, rec, &got)
	if len(got.Violations) != 2 { // no artifacts, no signoff
		t.Errorf("violations = %+v", got.Violations)
	}
}

func TestHealthSystemLoopTicks(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/watchdog/check", nil)

	rec := f.do(t, http.MethodGet, "/health/system", nil)
	var got struct {
		Loops       map[string]int64 `json:"loops"`
		Subscribers int              `json:"subscribers"`
	}
	decode(t, rec, &got)
	if got.Loops["board-health"] != 1700000000000 {
		t.Errorf("loops = %v", got.Loops)
	}
}

func TestWatchdogCheckAndAudit(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/watchdog/check?force=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("check: %d %s", rec.Code, rec.Body.String())
	}
	var check struct {
		Applied []domain.PolicyAction `json:"applied"`
		Count   int                   `json:"count"`
	}
	decode(t, rec, &check)
	if check.Count == 0 { // forced digest at minimum
		t.Fatalf("applied = %+v", check)
	}

	rec = f.do(t, http.MethodGet, "/watchdog/audit", nil)
	var audit struct {
		Count int `json:"count"`
	}
	decode(t, rec, &audit)
	if audit.Count != check.Count {
		t.Errorf("audit = %d, applied = %d", audit.Count, check.Count)
	}
}

func TestWatchdogRollbackUnknownAction(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/watchdog/rollback", map[string]any{
		"actionId": "nope", "by": "kai",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d %s", rec.Code, rec.Body.String())
	}
}

func TestMicroLoopTickEndpoints(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/health/idle-nudge/tick", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("tick: %d %s", rec.Code, rec.Body.String())
	}
	var snap struct {
		Loop string `json:"loop"`
		At   int64  `json:"at"`
	}
	decode(t, rec, &snap)
	if snap.Loop != "idle-nudge" || snap.At != 1700000000000 {
		t.Errorf("snapshot = %+v", snap)
	}

	// The GET mirror returns the retained snapshot.
	rec = f.do(t, http.MethodGet, "/health/idle-nudge", nil)
	decode(t, rec, &snap)
	if snap.At != 1700000000000 {
		t.Errorf("retained = %+v", snap)
	}
}

func TestInsightUpsertTriggersBridge(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/insights", map[string]any{
		"id":             "ins-1",
		"title":          "feed parser drops trailing entries",
		"cluster_key":    "feed-parser",
		"failure_family": "parsing",
		"severity_max":   "high",
		"authors":        []string{"link"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upsert: %d %s", rec.Code, rec.Body.String())
	}

	// The bridge listener runs inline on publish: the insight should now
	// carry a task.
	rec = f.do(t, http.MethodGet, "/insights/ins-1", nil)
	var got struct {
		Insight domain.Insight `json:"insight"`
	}
	decode(t, rec, &got)
	if got.Insight.Status != domain.InsightStatusTaskCreated || got.Insight.TaskID == "" {
		t.Fatalf("insight = %+v", got.Insight)
	}

	// Guardrail: the insight author must not be the reviewer.
	taskRec := f.do(t, http.MethodGet, "/tasks/"+got.Insight.TaskID, nil)
	var tr struct {
		Task domain.Task `json:"task"`
	}
	decode(t, taskRec, &tr)
	if tr.Task.Reviewer == "link" {
		t.Errorf("author ended up reviewing: %+v", tr.Task)
	}
}

func TestInsightTriageDismiss(t *testing.T) {
	f := newFixture(t)
	// Low severity parks the insight for triage instead of auto-creating.
	rec := f.do(t, http.MethodPost, "/insights", map[string]any{
		"id":           "ins-2",
		"title":        "flaky but rare",
		"cluster_key":  "flake",
		"severity_max": "low",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upsert: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/insights/ins-2/triage", map[string]any{
		"action": "dismiss", "reviewer": "kai", "rationale": "noise",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("triage: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/insights/ins-2", nil)
	var got struct {
		Insight domain.Insight          `json:"insight"`
		Triage  []domain.TriageDecision `json:"triage"`
	}
	decode(t, rec, &got)
	if got.Insight.Status != domain.InsightStatusDismissed {
		t.Errorf("status = %s", got.Insight.Status)
	}
	if len(got.Triage) != 1 || got.Triage[0].Reviewer != "kai" {
		t.Errorf("triage = %+v", got.Triage)
	}
}

func TestInsightUpsertRequiresIDAndTitle(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/insights", map[string]any{"severity_max": "high"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
	var env errorEnvelope
	decode(t, rec, &env)
	if len(env.Fields) != 2 {
		t.Errorf("fields = %+v", env.Fields)
	}
}

func TestActivityFeed(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "activity source")
	f.post(t, "link", "general", "hello")

	rec := f.do(t, http.MethodGet, "/activity", nil)
	var got struct {
		Events []domain.Event `json:"events"`
		Count  int            `json:"count"`
	}
	decode(t, rec, &got)
	if got.Count < 2 {
		t.Fatalf("events = %d", got.Count)
	}

	rec = f.do(t, http.MethodGet, "/activity?agent=link", nil)
	decode(t, rec, &got)
	for _, e := range got.Events {
		if e.Agent != "link" {
			t.Errorf("filtered event = %+v", e)
		}
	}
}

func TestConditionalGetTasks(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "cache me")

	first := f.do(t, http.MethodGet, "/tasks", nil)
	etag := first.Header().Get("ETag")
	if etag == "" || first.Header().Get("Last-Modified") == "" {
		t.Fatalf("missing validators: %v", first.Header())
	}

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("if-none-match: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("If-Modified-Since", first.Header().Get("Last-Modified"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("if-modified-since: %d", rec.Code)
	}

	// A change invalidates the ETag.
	f.now = f.now.Add(time.Minute)
	f.createTask(t, "cache buster")
	req = httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("after change: %d", rec.Code)
	}
}

func TestDashboardState(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "board row")
	f.post(t, "link", "general", "chatter")

	rec := f.do(t, http.MethodGet, "/api/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("state: %d %s", rec.Code, rec.Body.String())
	}
	var snap stateSnapshot
	decode(t, rec, &snap)
	if snap.Counts["todo"] != 1 || len(snap.Tasks) != 1 {
		t.Errorf("tasks = %+v", snap)
	}
	if len(snap.Agents) != 3 {
		t.Errorf("agents = %d", len(snap.Agents))
	}
	if len(snap.Messages) != 1 || snap.Messages[0].When != "just now" {
		t.Errorf("messages = %+v", snap.Messages)
	}
}

func TestBatchWindowRuntimeAdjustable(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/sse-batch-window", nil)
	var got struct {
		WindowMs int64 `json:"windowMs"`
	}
	decode(t, rec, &got)
	if got.WindowMs != 250 {
		t.Fatalf("default window = %dms", got.WindowMs)
	}

	rec = f.do(t, http.MethodPost, "/admin/sse-batch-window", map[string]any{"windowMs": 500})
	if rec.Code != http.StatusOK {
		t.Fatalf("set: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodGet, "/admin/sse-batch-window", nil)
	decode(t, rec, &got)
	if got.WindowMs != 500 {
		t.Errorf("window after set = %dms", got.WindowMs)
	}

	rec = f.do(t, http.MethodPost, "/admin/sse-batch-window", map[string]any{"windowMs": 0})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero window should be rejected: %d", rec.Code)
	}
}

func TestAdminReset(t *testing.T) {
	f := newFixture(t)
	f.createTask(t, "ephemeral")
	f.post(t, "link", "general", "gone soon")

	rec := f.do(t, http.MethodPost, "/admin/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/tasks", nil)
	var got struct {
		Count int `json:"count"`
	}
	decode(t, rec, &got)
	if got.Count != 0 {
		t.Errorf("tasks after reset = %d", got.Count)
	}
}
