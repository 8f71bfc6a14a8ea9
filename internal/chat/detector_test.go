package chat

import (
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository/memory"
)

type detectorFixture struct {
	tasks    *board.Service
	detector *ApprovalDetector
	bus      *bus.Bus
	now      time.Time
}

func newDetectorFixture(t *testing.T) *detectorFixture {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", 0)
	f := &detectorFixture{
		bus: bus.New(logger),
		now: time.UnixMilli(1700000000000),
	}
	roles := config.NewTestRegistry(
		config.AgentRole{Name: "link", Role: "engineering"},
		config.AgentRole{Name: "sage", Role: "engineering"},
	)
	f.tasks = board.New(memory.New(), f.bus, roles, logger,
		board.WithClock(func() time.Time { return f.now }))
	f.detector = NewApprovalDetector(f.tasks, logger)
	f.detector.SetClock(func() time.Time { return f.now })
	f.bus.Listen("approval-detector", f.detector.OnEvent)
	return f
}

// validatingTask creates a task already sitting in validating with a
// well-formed qa bundle and sage as reviewer.
func (f *detectorFixture) validatingTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := f.tasks.Create(board.CreateRequest{
		Title: title, Assignee: "link", Reviewer: "sage",
		DoneCriteria: []string{"works"}, CreatedBy: "link",
	})
	if err != nil {
		t.Fatal(err)
	}
	status := domain.StatusValidating
	task, err = f.tasks.Update(task.ID, board.Patch{
		Status: &status,
		Metadata: map[string]any{
			domain.MetaQABundle: map[string]any{
				"summary":        "done",
				"artifact_links": []string{"https://github.com/acme/app/pull/9"},
				"checks":         []string{"go test ./..."},
			},
		},
	}, "link")
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestDetectorExplicitReference(t *testing.T) {
	f := newDetectorFixture(t)
	t1 := f.validatingTask(t, "first")
	f.validatingTask(t, "second")

	res := f.detector.Scan("m1", "sage", "LGTM "+t1.ID)
	if !res.Applied || res.Resolution != resolutionExplicit || res.TaskID != t1.ID {
		t.Fatalf("result = %+v", res)
	}

	got, _ := f.tasks.Get(t1.ID)
	if !got.MetaBool(domain.MetaReviewerApproved) {
		t.Error("reviewer_approved not set")
	}
	var d domain.ReviewerDecision
	if ok, _ := domain.DecodeMeta(got.Metadata, domain.MetaReviewerDecision, &d); !ok {
		t.Fatal("reviewer_decision missing")
	}
	if d.Source != "chat-approval-detector" || d.Resolution != "explicit_reference" {
		t.Errorf("decision = %+v", d)
	}
	comments, _ := f.tasks.Comments(t1.ID)
	if len(comments) != 1 || comments[0].Author != "system" {
		t.Errorf("comments = %+v", comments)
	}
}

func TestDetectorSoleValidating(t *testing.T) {
	f := newDetectorFixture(t)
	task := f.validatingTask(t, "only one")

	res := f.detector.Scan("m1", "sage", "looks good to me")
	if !res.Applied || res.Resolution != resolutionSoleValidting || res.TaskID != task.ID {
		t.Fatalf("result = %+v", res)
	}
}

func TestDetectorAmbiguousWithoutReference(t *testing.T) {
	f := newDetectorFixture(t)
	f.validatingTask(t, "first")
	f.validatingTask(t, "second")

	res := f.detector.Scan("m1", "sage", "ship it")
	if res.Applied || res.SkipReason != skipAmbiguousTasks {
		t.Errorf("result = %+v", res)
	}
}

func TestDetectorRejectionSignalWins(t *testing.T) {
	f := newDetectorFixture(t)
	task := f.validatingTask(t, "only one")

	res := f.detector.Scan("m1", "sage", "looks good but needs changes in the error path")
	if res.Applied || res.SkipReason != skipRejectionSignal {
		t.Errorf("result = %+v", res)
	}
	got, _ := f.tasks.Get(task.ID)
	if got.MetaBool(domain.MetaReviewerApproved) {
		t.Error("rejection signal must not approve")
	}
}

func TestDetectorIgnoresNonReviewer(t *testing.T) {
	f := newDetectorFixture(t)
	f.validatingTask(t, "only one")

	res := f.detector.Scan("m1", "link", "lgtm")
	if res.Applied || res.SkipReason != skipNoValidatingTasks {
		t.Errorf("result = %+v", res)
	}
}

func TestDetectorIdempotent(t *testing.T) {
	f := newDetectorFixture(t)
	task := f.validatingTask(t, "only one")

	first := f.detector.Scan("m1", "sage", "lgtm")
	if !first.Applied {
		t.Fatalf("first scan: %+v", first)
	}
	second := f.detector.Scan("m2", "sage", "lgtm again")
	if second.Applied || second.SkipReason != skipNoValidatingTasks {
		t.Errorf("second scan should no-op: %+v", second)
	}
	comments, _ := f.tasks.Comments(task.ID)
	if len(comments) != 1 {
		t.Errorf("comment count = %d, want 1", len(comments))
	}
}

func TestDetectorRunsOffTheBus(t *testing.T) {
	f := newDetectorFixture(t)
	task := f.validatingTask(t, "only one")

	logger := log.New(os.Stderr, "[test] ", 0)
	chatSvc := New(memory.New(), f.bus, config.Chat{}, logger)
	if _, err := chatSvc.PostMessage(PostRequest{From: "sage", Content: "nice work, approved"}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.tasks.Get(task.ID)
	if !got.MetaBool(domain.MetaReviewerApproved) {
		t.Error("bus-delivered message should trigger approval")
	}
}

// Inline listeners run on the publisher's goroutine, so concurrent
// posters drive OnEvent concurrently; the last-result snapshot has to
// stay consistent under that.
func TestDetectorConcurrentPosters(t *testing.T) {
	f := newDetectorFixture(t)
	f.validatingTask(t, "only one")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			f.detector.OnEvent(domain.Event{
				Type:  domain.EventMessagePosted,
				Agent: "sage",
				Data: map[string]any{
					"messageId": fmt.Sprintf("m%d", n),
					"content":   "still reading the diff",
				},
			})
		}(i)
	}
	wg.Wait()

	if got := f.detector.LastResult(); got.SkipReason != skipNoApproval || got.MessageID == "" {
		t.Errorf("last result = %+v", got)
	}
}

func TestDetectorNoApprovalSignal(t *testing.T) {
	f := newDetectorFixture(t)
	f.validatingTask(t, "only one")
	res := f.detector.Scan("m1", "sage", "still reviewing the diff")
	if res.Applied || res.SkipReason != skipNoApproval {
		t.Errorf("result = %+v", res)
	}
}
