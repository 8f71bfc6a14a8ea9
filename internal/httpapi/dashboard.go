package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// Dashboard DTOs are display-shaped: relative times and truncated text
// instead of raw rows, so the frontend renders them verbatim.

type stateAgent struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	CurrentTask string `json:"currentTask,omitempty"`
	Last        string `json:"last"`
}

type stateTask struct {
	ID       string `json:"id"`
	Short    string `json:"short"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Assignee string `json:"assignee,omitempty"`
	Priority string `json:"priority"`
	Updated  string `json:"updated"`
}

type stateMessage struct {
	From    string `json:"from"`
	Channel string `json:"channel"`
	Content string `json:"content"`
	When    string `json:"when"`
}

type stateSnapshot struct {
	GeneratedAt int64          `json:"generatedAt"`
	Counts      map[string]int `json:"counts"`
	Agents      []stateAgent   `json:"agents"`
	Tasks       []stateTask    `json:"tasks"`
	Messages    []stateMessage `json:"messages"`
}

const (
	dashboardTaskLimit    = 50
	dashboardMessageLimit = 30
)

func (s *Server) dashboardState(c *gin.Context) {
	now := domain.NowMs(s.clock())
	snap := stateSnapshot{GeneratedAt: now, Counts: map[string]int{}}

	tasks, err := s.tasks.List(board.ListFilter{})
	if err != nil {
		renderError(c, err)
		return
	}
	for _, t := range tasks {
		snap.Counts[string(t.Status)]++
	}
	for i, t := range tasks {
		if i >= dashboardTaskLimit {
			break
		}
		snap.Tasks = append(snap.Tasks, stateTask{
			ID:       t.ID,
			Short:    domain.ShortTaskID(t.ID),
			Title:    truncate(t.Title, 80),
			Status:   string(t.Status),
			Assignee: t.Assignee,
			Priority: string(t.Priority),
			Updated:  relTime(now, t.UpdatedAt),
		})
	}

	for _, a := range s.roles.Agents() {
		row := stateAgent{Name: a.Name, Role: a.Role, Status: string(domain.PresenceOffline), Last: "never"}
		if p, ok, err := s.presence.Get(a.Name); err == nil && ok {
			row.Status = string(p.Status)
			row.CurrentTask = p.CurrentTask
			row.Last = relTime(now, p.LastUpdate)
		}
		snap.Agents = append(snap.Agents, row)
	}

	msgs, err := s.chat.List(repository.MessageFilter{Limit: dashboardMessageLimit})
	if err != nil {
		renderError(c, err)
		return
	}
	for _, m := range msgs {
		snap.Messages = append(snap.Messages, stateMessage{
			From:    m.From,
			Channel: m.Channel,
			Content: truncate(m.Content, 140),
			When:    relTime(now, m.Timestamp),
		})
	}

	c.JSON(http.StatusOK, snap)
}

// adminReset drops every row. Test environments only; there is no undo.
func (s *Server) adminReset(c *gin.Context) {
	if err := s.store.Reset(); err != nil {
		renderError(c, domain.ErrInternal(err))
		return
	}
	s.bus.Reset()
	s.logger.Println("HTTP: admin reset wiped all state")
	c.JSON(http.StatusOK, gin.H{"success": true, "reset": true})
}

// relTime renders an epoch-ms timestamp relative to now.
func relTime(now, ts int64) string {
	if ts <= 0 {
		return "never"
	}
	d := time.Duration(now-ts) * time.Millisecond
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
