// Package watchdog reconciles the board against the collaboration
// contracts: staleness sweeps, queue-health alerts, review SLA
// handoffs, and a reversible audit log over every action it takes.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jaakkos/teamboard/internal/assign"
	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/chat"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/presence"
	"github.com/jaakkos/teamboard/internal/repository"
)

// Breadcrumbs left on tasks the watchdog mutates.
const (
	metaHealthAction     = "board_health_action"
	metaHealthReason     = "board_health_reason"
	metaHealthPrevStatus = "board_health_prev_status"
	metaHealthAt         = "board_health_at"
)

// activeReviewerWindow bounds "seen recently" for reviewer handoffs.
const activeReviewerWindow = time.Hour

// microInterval drives the fine-grained loops.
const microInterval = 45 * time.Second

// Watchdog runs the periodic loops. One instance per process; ticks are
// serialized by a mutex so overlapping timers never race.
type Watchdog struct {
	tasks    *board.Service
	chat     *chat.Service
	presence *presence.Service
	mentions *presence.MentionTracker
	engine   *assign.Engine
	system   repository.SystemRepository
	insights repository.InsightRepository
	roles    *config.Registry
	cfg      config.BoardHealth
	quiet    config.QuietHours
	logger   *log.Logger
	audit    *Audit
	clock    func() time.Time

	mu           sync.Mutex
	lastDigest   int64
	cooldowns    map[string]int64  // "<loop>/<agent-or-task>" -> last alert ms
	fingerprints map[string]string // agent -> last ready-queue fingerprint
	idleSince    map[string]int64  // agent -> first observed idle ms

	micro microState
}

// Option configures the watchdog.
type Option func(*Watchdog)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(w *Watchdog) { w.clock = clock }
}

// New creates the watchdog.
func New(tasks *board.Service, chatSvc *chat.Service, pres *presence.Service, mentions *presence.MentionTracker,
	engine *assign.Engine, system repository.SystemRepository, insights repository.InsightRepository,
	roles *config.Registry, cfg config.BoardHealth, quiet config.QuietHours, logger *log.Logger, opts ...Option) *Watchdog {
	w := &Watchdog{
		tasks:        tasks,
		chat:         chatSvc,
		presence:     pres,
		mentions:     mentions,
		engine:       engine,
		system:       system,
		insights:     insights,
		roles:        roles,
		cfg:          cfg,
		quiet:        cfg.QuietOverride(quiet),
		logger:       logger,
		audit:        NewAudit(),
		clock:        time.Now,
		cooldowns:    make(map[string]int64),
		fingerprints: make(map[string]string),
		idleSince:    make(map[string]int64),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Audit exposes the action log for the HTTP surface.
func (w *Watchdog) Audit() *Audit { return w.audit }

// Start runs the loops until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) error {
	if !w.cfg.Enabled {
		w.logger.Println("Watchdog: disabled")
		<-ctx.Done()
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.every(ctx, w.cfg.Interval, func() { w.CheckOnce(false) }) })
	g.Go(func() error {
		return w.every(ctx, microInterval, func() {
			w.IdleNudgeTick()
			w.CadenceTick()
			w.MentionRescueTick()
		})
	})
	return g.Wait()
}

func (w *Watchdog) every(ctx context.Context, d time.Duration, fn func()) error {
	if d <= 0 {
		d = time.Minute
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// CheckOnce runs every coarse loop one time. force bypasses quiet hours
// and the digest interval.
func (w *Watchdog) CheckOnce(force bool) []domain.PolicyAction {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := domain.NowMs(w.clock())
	w.markTick("board-health", now)
	if !force && w.quiet.InWindow(w.clock()) {
		w.logger.Println("Watchdog: quiet hours, tick suppressed")
		return nil
	}
	if w.cfg.DryRun {
		w.logger.Println("Watchdog: dry run, no actions applied")
		return nil
	}

	var applied []domain.PolicyAction
	applied = append(applied, w.autoBlockStale(now)...)
	applied = append(applied, w.suggestClose(now)...)
	applied = append(applied, w.digest(now, force)...)
	applied = append(applied, w.readyQueueWarnings(now)...)
	applied = append(applied, w.reviewReassign(now)...)
	applied = append(applied, w.workingContract(now)...)
	applied = append(applied, w.continuityReplenish(now)...)
	applied = append(applied, w.readyQueueReplenish(now)...)
	return applied
}

// markTick writes the durable liveness marker; /health/system reads it.
func (w *Watchdog) markTick(loop string, now int64) {
	if err := w.system.SetLoopTick(loop, now); err != nil {
		w.logger.Printf("Watchdog: tick marker %s: %v", loop, err)
	}
}

// autoBlockStale moves doing tasks with no effective activity past the
// threshold into blocked, reversibly.
func (w *Watchdog) autoBlockStale(now int64) []domain.PolicyAction {
	tasks, err := w.tasks.List(board.ListFilter{Status: domain.StatusDoing})
	if err != nil {
		w.logger.Printf("Watchdog: list doing: %v", err)
		return nil
	}
	var applied []domain.PolicyAction
	for _, t := range tasks {
		if len(applied) >= w.cfg.MaxActions {
			break
		}
		// Effective activity: a fresh assignee heartbeat counts even when
		// the task row itself never moved.
		activity := t.UpdatedAt
		if hb := w.presence.LastUpdate(t.Assignee); hb > activity {
			activity = hb
		}
		last, ok := saneTimestamp(activity, now, w.logger, t.ID)
		if !ok || now-last < w.cfg.StaleDoing.Milliseconds() {
			continue
		}
		if !w.cool("auto-block/"+t.ID, now) {
			continue
		}
		// Race guard: the snapshot may be stale by the time we act.
		cur, err := w.tasks.Get(t.ID)
		if err != nil || cur.Status != domain.StatusDoing {
			continue
		}

		actionID := uuid.NewString()
		blocked := domain.StatusBlocked
		_, err = w.tasks.Update(cur.ID, board.Patch{
			Status: &blocked,
			Metadata: map[string]any{
				metaHealthAction:     actionID,
				metaHealthReason:     "auto-block-stale",
				metaHealthPrevStatus: string(cur.Status),
				metaHealthAt:         now,
			},
		}, "board-health")
		if err != nil {
			w.logger.Printf("Watchdog: auto-block %s: %v", cur.ID, err)
			continue
		}
		w.arm("auto-block/"+cur.ID, now)
		action := domain.PolicyAction{
			ID:            actionID,
			Kind:          domain.ActionAutoBlockStale,
			TaskID:        cur.ID,
			Agent:         cur.Assignee,
			Description:   fmt.Sprintf("blocked %s after %s without activity", cur.ID, w.cfg.StaleDoing),
			PreviousState: domain.EncodeMeta(cur),
			AppliedAt:     now,
		}
		w.audit.Append(action)
		applied = append(applied, action)
		w.notify(chat.RouteRequest{
			Category: "watchdog-alert",
			Severity: "warning",
			TaskID:   cur.ID,
			Mentions: []string{cur.Assignee},
			Content: fmt.Sprintf("auto-blocked %s (%q): no activity for %s. Rollback with action %s.",
				cur.ID, cur.Title, w.cfg.StaleDoing, actionID),
		})
	}
	return applied
}

// suggestClose appends a system comment on long-dormant blocked/todo
// tasks without touching their status.
func (w *Watchdog) suggestClose(now int64) []domain.PolicyAction {
	var candidates []domain.Task
	for _, status := range []domain.TaskStatus{domain.StatusBlocked, domain.StatusTodo} {
		ts, err := w.tasks.List(board.ListFilter{Status: status})
		if err != nil {
			continue
		}
		candidates = append(candidates, ts...)
	}
	var applied []domain.PolicyAction
	for _, t := range candidates {
		if len(applied) >= w.cfg.MaxActions {
			break
		}
		last, ok := saneTimestamp(t.UpdatedAt, now, w.logger, t.ID)
		if !ok || now-last < w.cfg.SuggestClose.Milliseconds() {
			continue
		}
		if !w.cool("suggest-close/"+t.ID, now) {
			continue
		}
		_, err := w.tasks.AddComment(t.ID, "system",
			fmt.Sprintf("[board-health] %s has been %s without activity since %s; consider closing or re-scoping it.",
				t.ID, t.Status, time.UnixMilli(last).UTC().Format(time.RFC3339)))
		if err != nil {
			continue
		}
		w.arm("suggest-close/"+t.ID, now)
		action := domain.PolicyAction{
			ID:          uuid.NewString(),
			Kind:        domain.ActionSuggestClose,
			TaskID:      t.ID,
			Agent:       t.Assignee,
			Description: fmt.Sprintf("suggested closing dormant task %s", t.ID),
			AppliedAt:   now,
		}
		w.audit.Append(action)
		applied = append(applied, action)
	}
	return applied
}

// digest posts a compact board snapshot at most once per interval.
func (w *Watchdog) digest(now int64, force bool) []domain.PolicyAction {
	if !force && now-w.lastDigest < w.cfg.DigestInterval.Milliseconds() {
		return nil
	}
	counts := map[domain.TaskStatus]int{}
	all, err := w.tasks.List(board.ListFilter{})
	if err != nil {
		return nil
	}
	for _, t := range all {
		counts[t.Status]++
	}
	w.lastDigest = now
	w.markTick("digest", now)
	w.notify(chat.RouteRequest{
		Category: "digest",
		Content: fmt.Sprintf("board digest: %d todo, %d doing, %d blocked, %d validating, %d done",
			counts[domain.StatusTodo], counts[domain.StatusDoing], counts[domain.StatusBlocked],
			counts[domain.StatusValidating], counts[domain.StatusDone]),
	})
	action := domain.PolicyAction{
		ID:          uuid.NewString(),
		Kind:        domain.ActionDigestEmitted,
		Description: fmt.Sprintf("digest over %d task(s)", len(all)),
		AppliedAt:   now,
	}
	w.audit.Append(action)
	return []domain.PolicyAction{action}
}

// readyQueueWarnings alerts agents whose ready queue ran dry, with a
// state fingerprint so unchanged boards do not re-alert, and escalates
// agents who stay fully idle past the threshold.
func (w *Watchdog) readyQueueWarnings(now int64) []domain.PolicyAction {
	var applied []domain.PolicyAction
	for _, agent := range w.roles.Names() {
		if !w.presence.Seen(agent) {
			continue // ghost: never appeared in presence or activity
		}
		snap, err := w.agentSnapshot(agent)
		if err != nil {
			continue
		}
		floor := w.laneFloor(agent)
		if snap.ready >= floor {
			delete(w.idleSince, agent)
			continue
		}

		idle := snap.ready+snap.doing+snap.validating == 0
		if idle {
			if _, ok := w.idleSince[agent]; !ok {
				w.idleSince[agent] = now
			}
		} else {
			delete(w.idleSince, agent)
		}

		fp := snap.fingerprint()
		if w.fingerprints[agent] != fp && w.cool("ready-queue/"+agent, now) && len(applied) < w.cfg.MaxActions {
			w.fingerprints[agent] = fp
			w.arm("ready-queue/"+agent, now)
			action := domain.PolicyAction{
				ID:          uuid.NewString(),
				Kind:        domain.ActionReadyQueueWarning,
				Agent:       agent,
				Description: fmt.Sprintf("%s has %d ready task(s), floor %d", agent, snap.ready, floor),
				AppliedAt:   now,
			}
			w.audit.Append(action)
			applied = append(applied, action)
			w.notify(chat.RouteRequest{
				Category: "watchdog-alert",
				Mentions: []string{agent},
				Content:  fmt.Sprintf("ready queue low for @%s: %d unblocked todo task(s) (floor %d)", agent, snap.ready, floor),
			})
		}

		if idle && now-w.idleSince[agent] >= w.cfg.EscalateAfter.Milliseconds() &&
			w.cool("idle-escalation/"+agent, now) && len(applied) < w.cfg.MaxActions {
			w.arm("idle-escalation/"+agent, now)
			action := domain.PolicyAction{
				ID:          uuid.NewString(),
				Kind:        domain.ActionIdleQueueEscalation,
				Agent:       agent,
				Description: fmt.Sprintf("%s idle since %s", agent, time.UnixMilli(w.idleSince[agent]).UTC().Format(time.RFC3339)),
				AppliedAt:   now,
			}
			w.audit.Append(action)
			applied = append(applied, action)
			mentions := []string{agent}
			if esc := w.roles.EscalationAgent(); esc != "" {
				mentions = append(mentions, esc)
			}
			w.notify(chat.RouteRequest{
				Category: "escalation",
				Severity: "high",
				Mentions: mentions,
				Content:  fmt.Sprintf("@%s has had no work in flight for over %s", agent, w.cfg.EscalateAfter),
			})
		}
	}
	return applied
}

// reviewReassign hands validating tasks to a fresh reviewer when the
// current one went silent past the SLA.
func (w *Watchdog) reviewReassign(now int64) []domain.PolicyAction {
	tasks, err := w.tasks.List(board.ListFilter{Status: domain.StatusValidating})
	if err != nil {
		return nil
	}
	active := w.activeAgents(now)
	var applied []domain.PolicyAction
	for _, t := range tasks {
		if len(applied) >= w.cfg.MaxActions {
			break
		}
		lastReview := reviewActivityMs(t)
		if lastReview == 0 {
			lastReview = t.UpdatedAt
		}
		last, ok := saneTimestamp(lastReview, now, w.logger, t.ID)
		if !ok || now-last < w.cfg.ReviewSLA.Milliseconds() {
			continue
		}
		if t.Reviewer == "" || !w.cool("review-reassign/"+t.ID, now) {
			continue
		}
		cur, err := w.tasks.Get(t.ID)
		if err != nil || cur.Status != domain.StatusValidating || cur.Reviewer != t.Reviewer {
			continue
		}

		next := w.engine.ReassignReviewer(assign.TaskSpec{
			Title:      cur.Title,
			Tags:       cur.Tags,
			ClusterKey: cur.MetaString(domain.MetaClusterKey),
		}, cur.Reviewer, cur.Assignee, active)
		if next == "" || domain.SameAgent(next, cur.Reviewer) {
			continue
		}

		old := cur.Reviewer
		_, err = w.tasks.Update(cur.ID, board.Patch{
			Reviewer: &next,
			Metadata: map[string]any{domain.MetaReviewLastActivity: now},
		}, "board-health")
		if err != nil {
			w.logger.Printf("Watchdog: reassign %s: %v", cur.ID, err)
			continue
		}
		w.arm("review-reassign/"+cur.ID, now)
		_, _ = w.tasks.AddComment(cur.ID, "system",
			fmt.Sprintf("[board-health] review reassigned from @%s to @%s after %s without review activity",
				old, next, w.cfg.ReviewSLA))
		action := domain.PolicyAction{
			ID:          uuid.NewString(),
			Kind:        domain.ActionReviewReassign,
			TaskID:      cur.ID,
			Agent:       next,
			Description: fmt.Sprintf("review of %s moved from %s to %s", cur.ID, old, next),
			AppliedAt:   now,
		}
		w.audit.Append(action)
		applied = append(applied, action)
		w.notify(chat.RouteRequest{
			Category: "watchdog-alert",
			TaskID:   cur.ID,
			Mentions: []string{old, next},
			Content: fmt.Sprintf("review of %s handed from @%s to @%s (SLA %s exceeded)",
				cur.ID, old, next, w.cfg.ReviewSLA),
		})
	}
	return applied
}

// workingContract requeues doing tasks held by agents who were never
// seen, and warns on tasks held by long-inactive agents.
func (w *Watchdog) workingContract(now int64) []domain.PolicyAction {
	tasks, err := w.tasks.List(board.ListFilter{Status: domain.StatusDoing})
	if err != nil {
		return nil
	}
	var applied []domain.PolicyAction
	for _, t := range tasks {
		if len(applied) >= w.cfg.MaxActions {
			break
		}
		if t.Assignee == "" {
			continue
		}
		if !w.presence.Seen(t.Assignee) {
			if !w.cool("auto-requeue/"+t.ID, now) {
				continue
			}
			cur, err := w.tasks.Get(t.ID)
			if err != nil || cur.Status != domain.StatusDoing {
				continue
			}
			todo := domain.StatusTodo
			empty := ""
			_, err = w.tasks.Update(cur.ID, board.Patch{
				Status:   &todo,
				Assignee: &empty,
				Metadata: map[string]any{
					metaHealthReason: "auto-requeue",
					metaHealthAt:     now,
				},
			}, "board-health")
			if err != nil {
				continue
			}
			w.arm("auto-requeue/"+cur.ID, now)
			action := domain.PolicyAction{
				ID:          uuid.NewString(),
				Kind:        domain.ActionAutoRequeue,
				TaskID:      cur.ID,
				Agent:       t.Assignee,
				Description: fmt.Sprintf("requeued %s: assignee %s never appeared in presence", cur.ID, t.Assignee),
				AppliedAt:   now,
			}
			w.audit.Append(action)
			applied = append(applied, action)
			continue
		}

		lastSeen := w.presence.LastUpdate(t.Assignee)
		if lastSeen > 0 && now-lastSeen >= w.cfg.InactiveAgent.Milliseconds() && w.cool("contract/"+t.ID, now) {
			w.arm("contract/"+t.ID, now)
			action := domain.PolicyAction{
				ID:          uuid.NewString(),
				Kind:        domain.ActionWorkingContractWarning,
				TaskID:      t.ID,
				Agent:       t.Assignee,
				Description: fmt.Sprintf("%s holds %s but has been inactive since %s", t.Assignee, t.ID, time.UnixMilli(lastSeen).UTC().Format(time.RFC3339)),
				AppliedAt:   now,
			}
			w.audit.Append(action)
			applied = append(applied, action)
			w.notify(chat.RouteRequest{
				Category: "watchdog-alert",
				TaskID:   t.ID,
				Mentions: []string{t.Assignee},
				Content:  fmt.Sprintf("@%s still holds %s in doing but has been inactive for over %s", t.Assignee, t.ID, w.cfg.InactiveAgent),
			})
		}
	}
	return applied
}

// continuityReplenish records promoted-but-unlinked insights that could
// backfill empty lanes. Informational only.
func (w *Watchdog) continuityReplenish(now int64) []domain.PolicyAction {
	if w.insights == nil {
		return nil
	}
	pending, err := w.insights.ListInsights(domain.InsightStatusPromoted)
	if err != nil {
		return nil
	}
	var unlinked []string
	for _, in := range pending {
		if in.TaskID == "" {
			unlinked = append(unlinked, in.ID)
		}
	}
	if len(unlinked) == 0 || !w.cool("continuity", now) {
		return nil
	}
	w.arm("continuity", now)
	sort.Strings(unlinked)
	action := domain.PolicyAction{
		ID:          uuid.NewString(),
		Kind:        domain.ActionContinuityReplenish,
		Description: fmt.Sprintf("%d promoted insight(s) without tasks: %s", len(unlinked), strings.Join(unlinked, ", ")),
		AppliedAt:   now,
	}
	w.audit.Append(action)
	return []domain.PolicyAction{action}
}

// readyQueueReplenish warns per lane when the pooled ready queue fell
// under the lane floor. No placeholder tasks are created.
func (w *Watchdog) readyQueueReplenish(now int64) []domain.PolicyAction {
	var applied []domain.PolicyAction
	for _, lane := range w.roles.Lanes() {
		ready := 0
		for _, agent := range lane.Agents {
			last := w.presence.LastUpdate(agent)
			if last == 0 || now-last >= w.cfg.InactiveAgent.Milliseconds() {
				continue // inactive agents are not replenish targets
			}
			n, err := w.tasks.ReadyCount(agent)
			if err == nil {
				ready += n
			}
		}
		if ready >= lane.ReadyFloor || !w.cool("lane/"+lane.Name, now) {
			continue
		}
		w.arm("lane/"+lane.Name, now)
		action := domain.PolicyAction{
			ID:          uuid.NewString(),
			Kind:        domain.ActionReadyQueueReplenish,
			Description: fmt.Sprintf("lane %s has %d ready task(s), floor %d", lane.Name, ready, lane.ReadyFloor),
			AppliedAt:   now,
		}
		w.audit.Append(action)
		applied = append(applied, action)
		w.notify(chat.RouteRequest{
			Category: "watchdog-alert",
			Content:  fmt.Sprintf("lane %s is under its ready floor (%d < %d); queue needs replenishing", lane.Name, ready, lane.ReadyFloor),
		})
	}
	return applied
}

// Rollback reverses a reversible action within the rollback window by
// restoring the task snapshot verbatim.
func (w *Watchdog) Rollback(actionID, by string) (domain.PolicyAction, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := domain.NowMs(w.clock())
	action, ok := w.audit.Get(actionID)
	if !ok {
		return domain.PolicyAction{}, domain.ErrNotFound("action", actionID)
	}
	if action.RolledBack {
		return domain.PolicyAction{}, domain.ErrConflict("action already rolled back")
	}
	if !action.Reversible() {
		return domain.PolicyAction{}, domain.ErrValidation("action is not reversible",
			domain.FieldError{Path: "actionId", Message: string(action.Kind) + " leaves no previous state"})
	}
	if now-action.AppliedAt > w.cfg.RollbackWindow.Milliseconds() {
		return domain.PolicyAction{}, domain.ErrValidation("rollback window has passed",
			domain.FieldError{Path: "actionId", Message: fmt.Sprintf("window is %s", w.cfg.RollbackWindow)})
	}

	var snapshot domain.Task
	raw, err := json.Marshal(action.PreviousState)
	if err == nil {
		err = json.Unmarshal(raw, &snapshot)
	}
	if err != nil {
		return domain.PolicyAction{}, domain.ErrInternal(fmt.Errorf("decode previous state: %w", err))
	}
	if err := w.tasks.Restore(snapshot, by); err != nil {
		return domain.PolicyAction{}, err
	}
	w.audit.MarkRolledBack(actionID, strings.ToLower(by), now)
	w.notify(chat.RouteRequest{
		Category: "system-info",
		TaskID:   action.TaskID,
		Content:  fmt.Sprintf("action %s (%s) on %s rolled back by @%s", actionID, action.Kind, action.TaskID, strings.ToLower(by)),
	})
	action, _ = w.audit.Get(actionID)
	return action, nil
}

// agentSnapshot is the per-agent queue state behind the fingerprint.
type agentSnapshot struct {
	ready      int
	todo       int
	doing      int
	validating int
	blockedIDs []string
}

func (s agentSnapshot) fingerprint() string {
	ids := append([]string(nil), s.blockedIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("%d/%d/%s/%d/%d", s.ready, s.todo, strings.Join(ids, ","), s.doing, s.validating)
}

func (w *Watchdog) agentSnapshot(agent string) (agentSnapshot, error) {
	var snap agentSnapshot
	tasks, err := w.tasks.List(board.ListFilter{Assignee: agent})
	if err != nil {
		return snap, err
	}
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusTodo:
			snap.todo++
		case domain.StatusDoing:
			snap.doing++
		case domain.StatusValidating:
			snap.validating++
		case domain.StatusBlocked:
			snap.blockedIDs = append(snap.blockedIDs, t.ID)
		}
	}
	snap.ready, err = w.tasks.ReadyCount(agent)
	return snap, err
}

// laneFloor returns the ready floor of the agent's lane, default 1.
func (w *Watchdog) laneFloor(agent string) int {
	for _, lane := range w.roles.Lanes() {
		for _, a := range lane.Agents {
			if domain.SameAgent(a, agent) && lane.ReadyFloor > 0 {
				return lane.ReadyFloor
			}
		}
	}
	return 1
}

// activeAgents returns agents with a presence signal inside the
// reviewer-handoff window.
func (w *Watchdog) activeAgents(now int64) map[string]bool {
	active := make(map[string]bool)
	for _, name := range w.roles.Names() {
		if last := w.presence.LastUpdate(name); last > 0 && now-last <= activeReviewerWindow.Milliseconds() {
			active[name] = true
		}
	}
	return active
}

// cool reports whether the per-key alert cooldown allows acting now.
// It never arms the cooldown; callers arm only once the action lands,
// so a failed apply can retry on the next tick.
func (w *Watchdog) cool(key string, now int64) bool {
	last, ok := w.cooldowns[key]
	return !ok || now-last >= int64(w.cfg.CooldownMin)*time.Minute.Milliseconds()
}

// arm starts the per-key cooldown.
func (w *Watchdog) arm(key string, now int64) {
	w.cooldowns[key] = now
}

func (w *Watchdog) notify(req chat.RouteRequest) {
	if w.chat == nil {
		return
	}
	if req.From == "" {
		req.From = "board-health"
	}
	if _, err := w.chat.RouteMessage(req); err != nil {
		w.logger.Printf("Watchdog: notify: %v", err)
	}
}

// reviewActivityMs reads review_last_activity_at, tolerating collabs
// that wrote it in seconds rather than milliseconds.
func reviewActivityMs(t domain.Task) int64 {
	raw, ok := t.Metadata[domain.MetaReviewLastActivity]
	if !ok {
		return 0
	}
	var v int64
	switch n := raw.(type) {
	case int64:
		v = n
	case float64:
		v = int64(n)
	case int:
		v = int64(n)
	default:
		return 0
	}
	if v > 0 && v < 1e11 {
		v *= 1000 // epoch seconds
	}
	return v
}

// saneTimestamp validates an activity timestamp: negatives and
// month-stale values are rejected as likely bugs, future values are
// clamped to now.
func saneTimestamp(ts, now int64, logger *log.Logger, taskID string) (int64, bool) {
	if ts < 0 {
		logger.Printf("Watchdog: negative timestamp on %s, skipping", taskID)
		return 0, false
	}
	if ts > now+time.Minute.Milliseconds() {
		return now, true
	}
	if now-ts > 30*24*time.Hour.Milliseconds() {
		logger.Printf("Watchdog: timestamp on %s is over 30d stale, skipping as likely bug", taskID)
		return 0, false
	}
	return ts, true
}
