package watchdog

import (
	"sync"
	"time"

	"github.com/jaakkos/teamboard/internal/domain"
)

// auditRetention bounds how long audit rows are kept. Pruning is lazy:
// it happens on append and list, not on a timer.
const auditRetention = 7 * 24 * time.Hour

// Audit is the in-memory policy-action log. It does not survive a
// restart; the durable liveness markers live in the system repository.
type Audit struct {
	mu      sync.Mutex
	actions []domain.PolicyAction
}

// NewAudit creates an empty log.
func NewAudit() *Audit { return &Audit{} }

// Append records an action.
func (a *Audit) Append(action domain.PolicyAction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(action.AppliedAt)
	a.actions = append(a.actions, action)
}

// Get returns the action by id.
func (a *Audit) Get(id string) (domain.PolicyAction, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, act := range a.actions {
		if act.ID == id {
			return act, true
		}
	}
	return domain.PolicyAction{}, false
}

// List returns up to limit actions, newest first. limit <= 0 means all.
func (a *Audit) List(now int64, limit int) []domain.PolicyAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(now)
	out := make([]domain.PolicyAction, 0, len(a.actions))
	for i := len(a.actions) - 1; i >= 0; i-- {
		out = append(out, a.actions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// MarkRolledBack flips the rolled-back flag on an action.
func (a *Audit) MarkRolledBack(id, by string, at int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.actions {
		if a.actions[i].ID == id {
			a.actions[i].RolledBack = true
			a.actions[i].RolledBackAt = at
			a.actions[i].RollbackBy = by
			return true
		}
	}
	return false
}

func (a *Audit) prune(now int64) {
	cutoff := now - auditRetention.Milliseconds()
	i := 0
	for i < len(a.actions) && a.actions[i].AppliedAt < cutoff {
		i++
	}
	if i > 0 {
		a.actions = append([]domain.PolicyAction(nil), a.actions[i:]...)
	}
}
