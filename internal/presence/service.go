// Package presence tracks per-agent liveness: explicit status rows,
// implicit activity heartbeats, inferred presence for agents that never
// report, and the mention-ack ledger behind the inbox.
package presence

import (
	"log"
	"strings"
	"time"

	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// offlineAfter is how long without activity before an inferred presence
// reads offline.
const offlineAfter = 10 * time.Minute

// Service owns presence rows and activity heartbeats.
type Service struct {
	store  repository.PresenceRepository
	tasks  repository.TaskRepository
	bus    *bus.Bus
	logger *log.Logger
	clock  func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New creates the presence service.
func New(store repository.PresenceRepository, tasks repository.TaskRepository, b *bus.Bus, logger *log.Logger, opts ...Option) *Service {
	s := &Service{store: store, tasks: tasks, bus: b, logger: logger, clock: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Update overwrites the agent's presence row and publishes
// presence_updated.
func (s *Service) Update(agent string, status domain.PresenceStatus, currentTask string, since int64) (domain.Presence, error) {
	if !domain.ValidPresenceStatus(status) {
		return domain.Presence{}, domain.ErrValidation("unknown presence status",
			domain.FieldError{Path: "status", Message: string(status) + " is not a presence status"})
	}
	now := domain.NowMs(s.clock())
	if since == 0 {
		since = now
	}
	prev, ok, err := s.store.GetPresence(agent)
	if err != nil {
		return domain.Presence{}, domain.ErrInternal(err)
	}
	p := domain.Presence{
		Agent:       strings.ToLower(agent),
		Status:      status,
		Since:       since,
		LastUpdate:  now,
		CurrentTask: currentTask,
	}
	if ok && prev.Status == status && since == now {
		p.Since = prev.Since // unchanged status keeps its original since
	}
	if ok {
		p.Focus = prev.Focus
	}
	if err := s.store.UpsertPresence(p); err != nil {
		return domain.Presence{}, domain.ErrInternal(err)
	}
	if s.bus != nil {
		_, _ = s.bus.Publish(domain.Event{
			Type:  domain.EventPresenceUpdated,
			Agent: p.Agent,
			Data:  map[string]any{"status": string(status), "currentTask": currentTask},
		})
	}
	return p, nil
}

// SetFocus sets or clears the agent's do-not-disturb window.
func (s *Service) SetFocus(agent string, focus *domain.Focus) (domain.Presence, error) {
	p, ok, err := s.store.GetPresence(agent)
	if err != nil {
		return domain.Presence{}, domain.ErrInternal(err)
	}
	now := domain.NowMs(s.clock())
	if !ok {
		p = domain.Presence{Agent: strings.ToLower(agent), Status: domain.PresenceIdle, Since: now}
	}
	p.Focus = focus
	p.LastUpdate = now
	if err := s.store.UpsertPresence(p); err != nil {
		return domain.Presence{}, domain.ErrInternal(err)
	}
	return p, nil
}

// Heartbeat records an activity row and bumps lastUpdate on an existing
// presence row without changing its status.
func (s *Service) Heartbeat(agent, kind string) {
	now := domain.NowMs(s.clock())
	if err := s.store.RecordActivity(domain.ActivityRecord{
		Agent: strings.ToLower(agent), Kind: kind, Timestamp: now,
	}); err != nil {
		s.logger.Printf("Presence: record activity %s: %v", agent, err)
		return
	}
	p, ok, err := s.store.GetPresence(agent)
	if err != nil || !ok {
		return
	}
	p.LastUpdate = now
	if err := s.store.UpsertPresence(p); err != nil {
		s.logger.Printf("Presence: bump %s: %v", agent, err)
	}
}

// Get returns the agent's presence, inferring one from activity when no
// explicit row exists. ok is false when the agent has never been seen.
func (s *Service) Get(agent string) (domain.Presence, bool, error) {
	p, ok, err := s.store.GetPresence(agent)
	if err != nil {
		return domain.Presence{}, false, domain.ErrInternal(err)
	}
	if ok {
		return p, true, nil
	}
	last, err := s.store.LastActivity(agent)
	if err != nil {
		return domain.Presence{}, false, domain.ErrInternal(err)
	}
	if last == 0 {
		return domain.Presence{}, false, nil
	}
	return s.infer(strings.ToLower(agent), last), true, nil
}

// List returns every known agent: explicit rows first, then inferred
// rows for agents that only ever left activity.
func (s *Service) List() ([]domain.Presence, error) {
	rows, err := s.store.ListPresence()
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	seen := make(map[string]bool, len(rows))
	for _, p := range rows {
		seen[strings.ToLower(p.Agent)] = true
	}
	since := domain.NowMs(s.clock()) - 24*time.Hour.Milliseconds()
	activity, err := s.store.ListActivity("", since, 0)
	if err != nil {
		return nil, domain.ErrInternal(err)
	}
	lastByAgent := make(map[string]int64)
	for _, r := range activity {
		name := strings.ToLower(r.Agent)
		if seen[name] {
			continue
		}
		if r.Timestamp > lastByAgent[name] {
			lastByAgent[name] = r.Timestamp
		}
	}
	for name, last := range lastByAgent {
		rows = append(rows, s.infer(name, last))
	}
	return rows, nil
}

// Seen reports whether the agent has ever appeared in presence or
// activity. Watchdog loops skip ghosts.
func (s *Service) Seen(agent string) bool {
	if _, ok, _ := s.store.GetPresence(agent); ok {
		return true
	}
	last, _ := s.store.LastActivity(agent)
	return last > 0
}

// LastUpdate returns the freshest signal for the agent: explicit
// presence lastUpdate or the latest activity row.
func (s *Service) LastUpdate(agent string) int64 {
	var best int64
	if p, ok, _ := s.store.GetPresence(agent); ok {
		best = p.LastUpdate
	}
	if last, _ := s.store.LastActivity(agent); last > best {
		best = last
	}
	return best
}

// infer synthesizes presence from activity alone: working when the
// agent completed a task today, idle otherwise, offline when stale.
func (s *Service) infer(agent string, lastActivity int64) domain.Presence {
	now := s.clock()
	status := domain.PresenceIdle
	if domain.NowMs(now)-lastActivity > offlineAfter.Milliseconds() {
		status = domain.PresenceOffline
	} else if s.completedToday(agent) > 0 {
		status = domain.PresenceWorking
	}
	return domain.Presence{
		Agent:      agent,
		Status:     status,
		Since:      lastActivity,
		LastUpdate: lastActivity,
	}
}

// completedToday counts the agent's tasks completed since local
// midnight.
func (s *Service) completedToday(agent string) int {
	if s.tasks == nil {
		return 0
	}
	done, err := s.tasks.ListTasks(repository.TaskFilter{Status: domain.StatusDone, Assignee: agent})
	if err != nil {
		return 0
	}
	now := s.clock()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).UnixMilli()
	n := 0
	for _, t := range done {
		if completed, ok := metaInt64(t.Metadata, domain.MetaCompletedAt); ok && completed >= midnight {
			n++
		}
	}
	return n
}

func metaInt64(meta map[string]any, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	}
	return 0, false
}
