package presence

import (
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// MentionTracker maintains the mention-ack ledger. It listens on the
// bus: every @name in a posted message opens an ack row, and the row
// closes when the mentioned agent posts in the same channel, or edits
// or comments on a task the mention message referenced.
type MentionTracker struct {
	store  repository.PresenceRepository
	msgs   repository.MessageRepository
	logger *log.Logger
	clock  func() time.Time
}

// NewMentionTracker creates the tracker.
func NewMentionTracker(store repository.PresenceRepository, msgs repository.MessageRepository, logger *log.Logger) *MentionTracker {
	return &MentionTracker{store: store, msgs: msgs, logger: logger, clock: time.Now}
}

// SetClock overrides the time source (tests).
func (m *MentionTracker) SetClock(clock func() time.Time) { m.clock = clock }

// OnEvent is registered as an inline bus listener.
func (m *MentionTracker) OnEvent(e domain.Event) {
	switch e.Type {
	case domain.EventMessagePosted:
		m.onMessage(e)
	case domain.EventTaskUpdated, domain.EventTaskStatusChanged, domain.EventTaskAssigned:
		m.onTaskTouch(e)
	}
}

// onMessage acks the poster's open mentions in the channel, then opens
// a row per unique @name in the new message.
func (m *MentionTracker) onMessage(e domain.Event) {
	channel, _ := e.Data["channel"].(string)
	content, _ := e.Data["content"].(string)
	messageID, _ := e.Data["messageId"].(string)
	ts := eventTimestamp(e)

	if e.Agent != "" {
		if n, err := m.store.AckMentions(e.Agent, channel, ts); err != nil {
			m.logger.Printf("Mentions: ack for %s in %s: %v", e.Agent, channel, err)
		} else if n > 0 {
			m.logger.Printf("Mentions: %s cleared %d mention(s) in %s", e.Agent, n, channel)
		}
	}

	for _, name := range domain.ExtractMentions(content) {
		if domain.SameAgent(name, e.Agent) {
			continue // self-mentions need no ack
		}
		ack := domain.MentionAck{
			ID:          uuid.NewString(),
			Agent:       name,
			MessageID:   messageID,
			MentionedBy: strings.ToLower(e.Agent),
			Channel:     channel,
			CreatedAt:   ts,
		}
		if err := m.store.InsertMentionAck(ack); err != nil {
			m.logger.Printf("Mentions: record @%s: %v", name, err)
		}
	}
}

// onTaskTouch acks open mentions of the acting agent whose originating
// message referenced the touched task.
func (m *MentionTracker) onTaskTouch(e domain.Event) {
	if e.Agent == "" || e.TaskID == "" {
		return
	}
	open, err := m.store.ListMentions(e.Agent, true)
	if err != nil {
		m.logger.Printf("Mentions: list for %s: %v", e.Agent, err)
		return
	}
	now := domain.NowMs(m.clock())
	for _, ack := range open {
		msg, ok, err := m.msgs.GetMessage(ack.MessageID)
		if err != nil || !ok {
			continue
		}
		if !refersToTask(msg.Content, e.TaskID) {
			continue
		}
		if _, err := m.store.AckMentionByID(ack.ID, now); err != nil {
			m.logger.Printf("Mentions: ack %s: %v", ack.ID, err)
		}
	}
}

// Inbox returns the agent's mentions, open-only when unackedOnly.
func (m *MentionTracker) Inbox(agent string, unackedOnly bool) ([]domain.MentionAck, error) {
	acks, err := m.store.ListMentions(agent, unackedOnly)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return acks, nil
}

// Ack closes the agent's open mentions, optionally scoped to a channel.
// Returns how many rows were closed.
func (m *MentionTracker) Ack(agent, channel string) (int, error) {
	n, err := m.store.AckMentions(agent, channel, domain.NowMs(m.clock()))
	if err != nil {
		return 0, domain.ErrInternal(err)
	}
	return n, nil
}

// AckByID closes a single mention row. false when already closed or
// unknown.
func (m *MentionTracker) AckByID(id string) (bool, error) {
	ok, err := m.store.AckMentionByID(id, domain.NowMs(m.clock()))
	if err != nil {
		return false, domain.ErrInternal(err)
	}
	return ok, nil
}

// UnackedOlderThan returns open mentions created before the cutoff,
// oldest first. The mention-rescue loop feeds on this.
func (m *MentionTracker) UnackedOlderThan(cutoff int64) ([]domain.MentionAck, error) {
	acks, err := m.store.ListUnackedOlderThan(cutoff)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return acks, nil
}

func refersToTask(content, taskID string) bool {
	for _, ref := range domain.ExtractTaskRefs(content) {
		if ref == taskID {
			return true
		}
	}
	return false
}

func eventTimestamp(e domain.Event) int64 {
	switch v := e.Data["timestamp"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return e.Timestamp
}
