package presence

import (
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository/memory"
)

type fixture struct {
	svc   *Service
	store *memory.Store
	bus   *bus.Bus
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", 0)
	f := &fixture{
		store: memory.New(),
		bus:   bus.New(logger),
		now:   time.UnixMilli(1700000000000),
	}
	f.svc = New(f.store, f.store, f.bus, logger, WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestUpdatePresence(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.Update("Link", domain.PresenceWorking, "task-1-abc", 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Agent != "link" || p.Status != domain.PresenceWorking || p.CurrentTask != "task-1-abc" {
		t.Errorf("presence = %+v", p)
	}
	if p.Since != f.now.UnixMilli() || p.LastUpdate != f.now.UnixMilli() {
		t.Errorf("timestamps = %+v", p)
	}

	h := f.bus.History(0, 0, "")
	if len(h) != 1 || h[0].Type != domain.EventPresenceUpdated || h[0].Agent != "link" {
		t.Errorf("history = %+v", h)
	}
}

func TestUpdateKeepsSinceOnSameStatus(t *testing.T) {
	f := newFixture(t)
	first, _ := f.svc.Update("link", domain.PresenceWorking, "", 0)
	f.advance(5 * time.Minute)
	second, err := f.svc.Update("link", domain.PresenceWorking, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if second.Since != first.Since {
		t.Errorf("since moved: %d -> %d", first.Since, second.Since)
	}
	if second.LastUpdate <= first.LastUpdate {
		t.Error("lastUpdate should advance")
	}
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Update("link", "napping", "", 0)
	var de *domain.Error
	if !errors.As(err, &de) || de.Status != 400 {
		t.Errorf("err = %v", err)
	}
}

func TestFocusSurvivesStatusUpdate(t *testing.T) {
	f := newFixture(t)
	_, _ = f.svc.Update("link", domain.PresenceWorking, "", 0)
	if _, err := f.svc.SetFocus("link", &domain.Focus{Active: true, Level: "deep"}); err != nil {
		t.Fatal(err)
	}
	p, _ := f.svc.Update("link", domain.PresenceBlocked, "", 0)
	if p.Focus == nil || !p.Focus.Active {
		t.Errorf("focus lost: %+v", p)
	}
	p, _ = f.svc.SetFocus("link", nil)
	if p.Focus != nil {
		t.Error("focus should clear")
	}
}

func TestHeartbeatBumpsLastUpdate(t *testing.T) {
	f := newFixture(t)
	first, _ := f.svc.Update("link", domain.PresenceWorking, "", 0)
	f.advance(2 * time.Minute)
	f.svc.Heartbeat("link", "task_update")
	p, ok, err := f.svc.Get("link")
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if p.LastUpdate <= first.LastUpdate || p.Status != domain.PresenceWorking {
		t.Errorf("presence = %+v", p)
	}
}

func TestInferredPresence(t *testing.T) {
	f := newFixture(t)
	// sage never reported presence but just did something.
	f.svc.Heartbeat("sage", "message")

	p, ok, err := f.svc.Get("sage")
	if err != nil || !ok {
		t.Fatalf("get: %v %v", ok, err)
	}
	if p.Status != domain.PresenceIdle {
		t.Errorf("fresh activity without completions should read idle, got %s", p.Status)
	}

	f.advance(11 * time.Minute)
	p, _, _ = f.svc.Get("sage")
	if p.Status != domain.PresenceOffline {
		t.Errorf("stale activity should read offline, got %s", p.Status)
	}
}

func TestInferredWorkingAfterCompletion(t *testing.T) {
	f := newFixture(t)
	done := domain.Task{
		ID: "task-1-abc", Title: "shipped", Status: domain.StatusDone,
		Assignee: "sage", CreatedBy: "sage",
		CreatedAt: f.now.UnixMilli(), UpdatedAt: f.now.UnixMilli(),
		Metadata: map[string]any{domain.MetaCompletedAt: f.now.UnixMilli()},
	}
	if err := f.store.InsertTask(done); err != nil {
		t.Fatal(err)
	}
	f.svc.Heartbeat("sage", "task_update")

	p, _, _ := f.svc.Get("sage")
	if p.Status != domain.PresenceWorking {
		t.Errorf("completion today should read working, got %s", p.Status)
	}
}

func TestGetUnknownAgent(t *testing.T) {
	f := newFixture(t)
	if _, ok, err := f.svc.Get("ghost"); ok || err != nil {
		t.Errorf("ok=%v err=%v", ok, err)
	}
	if f.svc.Seen("ghost") {
		t.Error("ghost should not be seen")
	}
}

func TestListMergesExplicitAndInferred(t *testing.T) {
	f := newFixture(t)
	_, _ = f.svc.Update("link", domain.PresenceWorking, "", 0)
	f.svc.Heartbeat("sage", "message")

	rows, err := f.svc.List()
	if err != nil {
		t.Fatal(err)
	}
	byAgent := make(map[string]domain.Presence, len(rows))
	for _, p := range rows {
		byAgent[p.Agent] = p
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if byAgent["link"].Status != domain.PresenceWorking || byAgent["sage"].Status != domain.PresenceIdle {
		t.Errorf("rows = %+v", rows)
	}
}

func TestLastUpdatePrefersFreshestSignal(t *testing.T) {
	f := newFixture(t)
	_, _ = f.svc.Update("link", domain.PresenceIdle, "", 0)
	f.advance(3 * time.Minute)
	if err := f.store.RecordActivity(domain.ActivityRecord{
		Agent: "link", Kind: "comment", Timestamp: f.now.UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}
	if got := f.svc.LastUpdate("link"); got != f.now.UnixMilli() {
		t.Errorf("lastUpdate = %d, want %d", got, f.now.UnixMilli())
	}
}
