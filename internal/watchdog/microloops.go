package watchdog

import (
	"fmt"
	"time"

	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/chat"
	"github.com/jaakkos/teamboard/internal/domain"
)

// Suppression reasons surfaced in micro-loop snapshots.
const (
	suppressRecentActivity = "recent-activity-suppressed"
	suppressValidatingTask = "validating-task-suppressed"
	suppressMissingActive  = "missing-active-task"
)

// recentActivityWindow is how fresh a signal must be to suppress a
// nudge.
const recentActivityWindow = 5 * time.Minute

// MicroSnapshot is the debug view of one micro-loop tick.
type MicroSnapshot struct {
	Loop       string            `json:"loop"`
	At         int64             `json:"at"`
	Considered int               `json:"considered"`
	Notified   []string          `json:"notified,omitempty"`
	Suppressed map[string]string `json:"suppressed,omitempty"`
}

type microState struct {
	idleNudge     MicroSnapshot
	cadence       MicroSnapshot
	mentionRescue MicroSnapshot
}

// IdleNudgeSnapshot returns the last idle-nudge tick.
func (w *Watchdog) IdleNudgeSnapshot() MicroSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.micro.idleNudge
}

// CadenceSnapshot returns the last cadence tick.
func (w *Watchdog) CadenceSnapshot() MicroSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.micro.cadence
}

// MentionRescueSnapshot returns the last mention-rescue tick.
func (w *Watchdog) MentionRescueSnapshot() MicroSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.micro.mentionRescue
}

// IdleNudgeTick nudges agents who have ready work queued but nothing in
// flight.
func (w *Watchdog) IdleNudgeTick() MicroSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := domain.NowMs(w.clock())
	w.markTick("idle-nudge", now)
	snap := MicroSnapshot{Loop: "idle-nudge", At: now, Suppressed: make(map[string]string)}

	for _, agent := range w.roles.Names() {
		if !w.presence.Seen(agent) {
			continue
		}
		snap.Considered++
		state, err := w.agentSnapshot(agent)
		if err != nil {
			continue
		}
		if state.validating > 0 {
			snap.Suppressed[agent] = suppressValidatingTask
			continue
		}
		if state.doing > 0 {
			snap.Suppressed[agent] = suppressMissingActive
			continue
		}
		if last := w.presence.LastUpdate(agent); now-last < recentActivityWindow.Milliseconds() {
			snap.Suppressed[agent] = suppressRecentActivity
			continue
		}
		if state.ready == 0 || !w.cool("idle-nudge/"+agent, now) {
			continue
		}
		w.arm("idle-nudge/"+agent, now)
		snap.Notified = append(snap.Notified, agent)
		w.notify(chat.RouteRequest{
			Category: "status-update",
			Mentions: []string{agent},
			Content:  fmt.Sprintf("@%s you have %d ready task(s) waiting; pick one up with /tasks/next", agent, state.ready),
		})
	}
	w.micro.idleNudge = snap
	return snap
}

// CadenceTick asks holders of quiet doing tasks for a status update.
func (w *Watchdog) CadenceTick() MicroSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := domain.NowMs(w.clock())
	w.markTick("cadence", now)
	snap := MicroSnapshot{Loop: "cadence", At: now, Suppressed: make(map[string]string)}

	tasks, err := w.tasks.List(board.ListFilter{Status: domain.StatusDoing})
	if err != nil {
		w.micro.cadence = snap
		return snap
	}
	for _, t := range tasks {
		if t.Assignee == "" {
			continue
		}
		snap.Considered++
		if last := w.presence.LastUpdate(t.Assignee); now-last < recentActivityWindow.Milliseconds() {
			snap.Suppressed[t.Assignee] = suppressRecentActivity
			continue
		}
		lastTouch, ok := saneTimestamp(t.UpdatedAt, now, w.logger, t.ID)
		if !ok || now-lastTouch < w.cfg.StaleDoing.Milliseconds()/2 {
			continue
		}
		if !w.cool("cadence/"+t.ID, now) {
			continue
		}
		w.arm("cadence/"+t.ID, now)
		snap.Notified = append(snap.Notified, t.Assignee)
		w.notify(chat.RouteRequest{
			Category: "status-update",
			TaskID:   t.ID,
			Mentions: []string{t.Assignee},
			Content:  fmt.Sprintf("@%s how is %s (%q) going? A quick status comment keeps the board honest.", t.Assignee, t.ID, t.Title),
		})
	}
	w.micro.cadence = snap
	return snap
}

// MentionRescueTick re-raises mentions nobody acknowledged.
func (w *Watchdog) MentionRescueTick() MicroSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := domain.NowMs(w.clock())
	w.markTick("mention-rescue", now)
	snap := MicroSnapshot{Loop: "mention-rescue", At: now, Suppressed: make(map[string]string)}

	if w.mentions == nil {
		w.micro.mentionRescue = snap
		return snap
	}
	stale, err := w.mentions.UnackedOlderThan(now - w.cfg.MentionRescueAge.Milliseconds())
	if err != nil {
		w.micro.mentionRescue = snap
		return snap
	}
	for _, ack := range stale {
		snap.Considered++
		if last := w.presence.LastUpdate(ack.Agent); now-last < recentActivityWindow.Milliseconds() {
			snap.Suppressed[ack.Agent] = suppressRecentActivity
			continue
		}
		if !w.cool("mention-rescue/"+ack.Agent, now) {
			continue
		}
		w.arm("mention-rescue/"+ack.Agent, now)
		snap.Notified = append(snap.Notified, ack.Agent)
		w.notify(chat.RouteRequest{
			Category:     "escalation",
			ForceChannel: ack.Channel,
			Mentions:     []string{ack.Agent, ack.MentionedBy},
			Content: fmt.Sprintf("@%s was mentioned by @%s %s ago and has not responded",
				ack.Agent, ack.MentionedBy, time.Duration(now-ack.CreatedAt)*time.Millisecond),
		})
	}
	w.micro.mentionRescue = snap
	return snap
}
