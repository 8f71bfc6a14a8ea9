// Package chat implements the message store, category-based routing for
// watchdog notifications, and the chat-driven approval detector.
package chat

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// Service is the chat store. Writes are serialized; edits and deletes
// are restricted to the original author.
type Service struct {
	store  repository.MessageRepository
	bus    *bus.Bus
	cfg    config.Chat
	logger *log.Logger

	mu    sync.Mutex
	clock func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New creates the chat service.
func New(store repository.MessageRepository, b *bus.Bus, cfg config.Chat, logger *log.Logger, opts ...Option) *Service {
	s := &Service{store: store, bus: b, cfg: cfg, logger: logger, clock: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PostRequest is the input for posting a message.
type PostRequest struct {
	From     string         `json:"from"`
	Content  string         `json:"content"`
	Channel  string         `json:"channel"`
	ThreadID string         `json:"threadId"`
	ReplyTo  string         `json:"replyTo"`
	Metadata map[string]any `json:"metadata"`
}

// PostMessage validates, persists, and publishes a message.
func (s *Service) PostMessage(req PostRequest) (domain.Message, error) {
	if strings.TrimSpace(req.From) == "" {
		return domain.Message{}, domain.ErrValidation("message sender is required",
			domain.FieldError{Path: "from", Message: "from must be non-empty"})
	}
	if strings.TrimSpace(req.Content) == "" {
		return domain.Message{}, domain.ErrValidation("message content is required",
			domain.FieldError{Path: "content", Message: "content must be non-empty"})
	}
	channel := req.Channel
	if channel == "" {
		channel = domain.DefaultChannel
	}

	s.mu.Lock()
	m := domain.Message{
		ID:        uuid.NewString(),
		From:      strings.ToLower(req.From),
		Content:   req.Content,
		Channel:   channel,
		Timestamp: domain.NowMs(s.clock()),
		ThreadID:  req.ThreadID,
		ReplyTo:   req.ReplyTo,
		Metadata:  domain.MergeMetadata(nil, req.Metadata),
	}
	err := s.store.InsertMessage(m)
	s.mu.Unlock()
	if err != nil {
		return domain.Message{}, domain.ErrInternal(err)
	}

	s.publishPosted(m)
	return m, nil
}

// Post satisfies the board's Notifier port: fire-and-forget posting for
// comment fan-out and watchdog notices.
func (s *Service) Post(from, channel, content string) {
	if _, err := s.PostMessage(PostRequest{From: from, Channel: channel, Content: content}); err != nil {
		s.logger.Printf("Chat: post to %s failed: %v", channel, err)
	}
}

// Edit replaces a message's content. Id and timestamp are preserved;
// editedAt lands in metadata. Author-only.
func (s *Service) Edit(id, author, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, domain.ErrValidation("message content is required",
			domain.FieldError{Path: "content", Message: "content must be non-empty"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok, err := s.store.GetMessage(id)
	if err != nil {
		return domain.Message{}, domain.ErrInternal(err)
	}
	if !ok {
		return domain.Message{}, domain.ErrNotFound("message", id)
	}
	if !domain.SameAgent(m.From, author) {
		return domain.Message{}, domain.ErrForbidden("only the original author may edit a message")
	}
	m.Content = content
	m.Metadata = domain.MergeMetadata(m.Metadata, map[string]any{"editedAt": domain.NowMs(s.clock())})
	if err := s.store.UpdateMessage(m); err != nil {
		return domain.Message{}, domain.ErrInternal(err)
	}
	return m, nil
}

// Delete removes a message. Author-only.
func (s *Service) Delete(id, author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok, err := s.store.GetMessage(id)
	if err != nil {
		return domain.ErrInternal(err)
	}
	if !ok {
		return domain.ErrNotFound("message", id)
	}
	if !domain.SameAgent(m.From, author) {
		return domain.ErrForbidden("only the original author may delete a message")
	}
	if _, err := s.store.DeleteMessage(id); err != nil {
		return domain.ErrInternal(err)
	}
	return nil
}

// React toggles an agent's emoji on a message.
func (s *Service) React(id, emoji, agent string, remove bool) (map[string][]string, error) {
	if _, ok, err := s.store.GetMessage(id); err != nil {
		return nil, domain.ErrInternal(err)
	} else if !ok {
		return nil, domain.ErrNotFound("message", id)
	}
	agent = strings.ToLower(agent)
	var err error
	if remove {
		err = s.store.RemoveReaction(id, emoji, agent)
	} else {
		err = s.store.AddReaction(id, emoji, agent)
	}
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	reactions, err := s.store.ListReactions(id)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return reactions, nil
}

// List returns messages for the filter, oldest first.
func (s *Service) List(f repository.MessageFilter) ([]domain.Message, error) {
	msgs, err := s.store.ListMessages(f)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return msgs, nil
}

// Thread returns the root message and every reply in its thread.
func (s *Service) Thread(id string) ([]domain.Message, error) {
	root, ok, err := s.store.GetMessage(id)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	if !ok {
		return nil, domain.ErrNotFound("message", id)
	}
	replies, err := s.store.ListMessages(repository.MessageFilter{ThreadID: root.ID})
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return append([]domain.Message{root}, replies...), nil
}

// Channels summarizes the known channels.
func (s *Service) Channels() ([]repository.ChannelSummary, error) {
	chans, err := s.store.Channels()
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return chans, nil
}

// Search finds messages by content substring.
func (s *Service) Search(query string, limit int) ([]domain.Message, error) {
	msgs, err := s.store.SearchMessages(query, limit)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	return msgs, nil
}

// Prune enforces the retention policy: keep the newest RetentionMax
// messages and drop anything older than RetentionDays.
func (s *Service) Prune() (int, error) {
	var olderThan int64
	if s.cfg.RetentionDays > 0 {
		olderThan = domain.NowMs(s.clock()) - int64(s.cfg.RetentionDays)*24*time.Hour.Milliseconds()
	}
	removed, err := s.store.PruneMessages(s.cfg.RetentionMax, olderThan)
	if err != nil {
		return 0, domain.ErrInternal(err)
	}
	if removed > 0 {
		s.logger.Printf("Chat: pruned %d message(s)", removed)
	}
	return removed, nil
}

// RouteRequest is a watchdog notification to be rendered into chat.
type RouteRequest struct {
	From         string
	Content      string
	Category     string // watchdog-alert | escalation | digest | system-info | status-update
	Severity     string
	TaskID       string
	Mentions     []string
	ForceChannel string
}

// RouteMessage picks a channel by category and injects any mentions the
// content is missing as a prefix, then posts.
func (s *Service) RouteMessage(req RouteRequest) (domain.Message, error) {
	channel := req.ForceChannel
	if channel == "" {
		channel = s.cfg.Channels[req.Category]
	}
	if channel == "" {
		channel = domain.DefaultChannel
	}
	content := req.Content
	if missing := missingMentions(content, req.Mentions); len(missing) > 0 {
		content = strings.Join(missing, " ") + " " + content
	}
	from := req.From
	if from == "" {
		from = "system"
	}
	return s.PostMessage(PostRequest{
		From:    from,
		Channel: channel,
		Content: content,
		Metadata: map[string]any{
			"kind":     req.Category,
			"severity": req.Severity,
			"taskId":   req.TaskID,
		},
	})
}

// missingMentions renders "@name" for every requested mention the
// content does not already carry.
func missingMentions(content string, mentions []string) []string {
	have := make(map[string]bool)
	for _, m := range domain.ExtractMentions(content) {
		have[m] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentions {
		name := strings.ToLower(strings.TrimPrefix(m, "@"))
		if name == "" || have[name] || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, "@"+name)
	}
	return out
}

func (s *Service) publishPosted(m domain.Message) {
	if s.bus == nil {
		return
	}
	_, err := s.bus.Publish(domain.Event{
		Type:  domain.EventMessagePosted,
		Agent: m.From,
		Data: map[string]any{
			"messageId": m.ID,
			"channel":   m.Channel,
			"content":   m.Content,
			"threadId":  m.ThreadID,
			"timestamp": m.Timestamp,
		},
	})
	if err != nil {
		s.logger.Printf("Chat: publish message_posted: %v", err)
	}
}
