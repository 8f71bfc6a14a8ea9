package chat

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/domain"
)

// Approval patterns, case-insensitive, word-bounded where words exist.
var approvalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\blgtm\b`),
	regexp.MustCompile(`(?i)\bapproved?\b`),
	regexp.MustCompile(`(?i)\bship it\b`),
	regexp.MustCompile(`(?i)\blooks good( to me)?\b`),
	regexp.MustCompile(`(?i)\bgood to (go|merge)\b`),
	regexp.MustCompile(`(?i)\blooks (great|solid|nice)\b`),
	regexp.MustCompile(`(?i)\ball good\b`),
	regexp.MustCompile(`(?i)\bnice work\b`),
	regexp.MustCompile(`✅`),
	regexp.MustCompile(`👍`),
}

// Rejection patterns override an approval in the same message.
var rejectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bnot approved\b`),
	regexp.MustCompile(`(?i)\bneeds changes\b`),
	regexp.MustCompile(`(?i)\brejected\b`),
	regexp.MustCompile(`(?i)\bblocking\b`),
	regexp.MustCompile(`(?i)\bbut(?:\s+[^.]*?)?\b(fix|changes|needs)\b`),
}

// Resolution sources recorded on the reviewer decision.
const (
	resolutionExplicit      = "explicit_reference"
	resolutionSoleValidting = "sole_validating"
)

// Skip reasons surfaced in the detector's last-result snapshot.
const (
	skipNoApproval        = "no_approval_signal"
	skipRejectionSignal   = "rejection_signal"
	skipAmbiguousTasks    = "ambiguous_tasks"
	skipNoValidatingTasks = "no_validating_tasks"
)

// DetectResult is the outcome of one message scan, kept for debugging.
type DetectResult struct {
	MessageID  string `json:"messageId"`
	Reviewer   string `json:"reviewer"`
	Applied    bool   `json:"applied"`
	TaskID     string `json:"taskId,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Pattern    string `json:"pattern,omitempty"`
	SkipReason string `json:"skipReason,omitempty"`
}

// ApprovalDetector listens on message_posted and converts reviewer
// approval phrases into reviewer_approved metadata on the matching
// validating task. Idempotent per task.
type ApprovalDetector struct {
	tasks  *board.Service
	logger *log.Logger
	clock  func() time.Time

	mu   sync.Mutex // bus listeners run on the publisher's goroutine
	last DetectResult
}

// NewApprovalDetector creates the detector.
func NewApprovalDetector(tasks *board.Service, logger *log.Logger) *ApprovalDetector {
	return &ApprovalDetector{tasks: tasks, logger: logger, clock: time.Now}
}

// SetClock overrides the time source (tests).
func (d *ApprovalDetector) SetClock(clock func() time.Time) { d.clock = clock }

// LastResult returns the most recent scan outcome.
func (d *ApprovalDetector) LastResult() DetectResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// OnEvent is registered as an inline bus listener.
func (d *ApprovalDetector) OnEvent(e domain.Event) {
	if e.Type != domain.EventMessagePosted {
		return
	}
	content, _ := e.Data["content"].(string)
	messageID, _ := e.Data["messageId"].(string)
	res := d.Scan(messageID, e.Agent, content)
	d.mu.Lock()
	d.last = res
	d.mu.Unlock()
	if res.Applied {
		d.logger.Printf("Approval: %s approved %s (%s)", res.Reviewer, res.TaskID, res.Resolution)
	}
}

// Scan evaluates one message. Exposed for tests and replay.
func (d *ApprovalDetector) Scan(messageID, from, content string) DetectResult {
	res := DetectResult{MessageID: messageID, Reviewer: strings.ToLower(from)}
	pattern := matchPattern(approvalPatterns, content)
	if pattern == "" {
		res.SkipReason = skipNoApproval
		return res
	}
	if rej := matchPattern(rejectionPatterns, content); rej != "" {
		res.SkipReason = skipRejectionSignal
		return res
	}
	res.Pattern = pattern

	candidates, err := d.pendingForReviewer(from)
	if err != nil {
		d.logger.Printf("Approval: list candidates: %v", err)
		res.SkipReason = skipNoValidatingTasks
		return res
	}
	if len(candidates) == 0 {
		res.SkipReason = skipNoValidatingTasks
		return res
	}

	target, resolution := resolveTarget(candidates, domain.ExtractTaskRefs(content))
	if target == nil {
		res.SkipReason = skipAmbiguousTasks
		return res
	}
	res.TaskID = target.ID
	res.Resolution = resolution

	if err := d.apply(*target, from, content, pattern, resolution); err != nil {
		d.logger.Printf("Approval: apply to %s: %v", target.ID, err)
		return res
	}
	res.Applied = true
	return res
}

// pendingForReviewer returns validating tasks awaiting this reviewer.
func (d *ApprovalDetector) pendingForReviewer(reviewer string) ([]domain.Task, error) {
	tasks, err := d.tasks.List(board.ListFilter{Status: domain.StatusValidating})
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range tasks {
		if domain.SameAgent(t.Reviewer, reviewer) && !t.MetaBool(domain.MetaReviewerApproved) {
			out = append(out, t)
		}
	}
	return out, nil
}

// resolveTarget applies the explicit-reference and sole-validating rules.
func resolveTarget(candidates []domain.Task, refs []string) (*domain.Task, string) {
	if len(refs) > 0 {
		var matched []*domain.Task
		for i := range candidates {
			for _, ref := range refs {
				if candidates[i].ID == ref {
					matched = append(matched, &candidates[i])
					break
				}
			}
		}
		if len(matched) == 1 {
			return matched[0], resolutionExplicit
		}
		return nil, ""
	}
	if len(candidates) == 1 {
		return &candidates[0], resolutionSoleValidting
	}
	return nil, ""
}

func (d *ApprovalDetector) apply(t domain.Task, reviewer, content, pattern, resolution string) error {
	now := domain.NowMs(d.clock())
	_, err := d.tasks.Update(t.ID, board.Patch{Metadata: map[string]any{
		domain.MetaReviewerApproved: true,
		domain.MetaReviewState:      "approved",
		domain.MetaReviewerDecision: domain.EncodeMeta(domain.ReviewerDecision{
			Decision:   "approved",
			Reviewer:   strings.ToLower(reviewer),
			Comment:    content,
			DecidedAt:  now,
			Source:     "chat-approval-detector",
			Resolution: resolution,
		}),
		domain.MetaReviewLastActivity: now,
	}}, reviewer)
	if err != nil {
		return err
	}
	_, err = d.tasks.AddComment(t.ID, "system",
		fmt.Sprintf("[review] auto-approved by @%s (pattern: %s)", strings.ToLower(reviewer), pattern))
	return err
}

func matchPattern(patterns []*regexp.Regexp, content string) string {
	for _, p := range patterns {
		if p.MatchString(content) {
			return p.String()
		}
	}
	return ""
}
