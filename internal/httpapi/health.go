package httpapi

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/domain"
)

func (s *Server) health(c *gin.Context) {
	now := s.clock()
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"now":      domain.NowMs(now),
		"uptimeMs": now.Sub(s.started).Milliseconds(),
	})
}

func (s *Server) healthTeam(c *gin.Context) {
	agents, err := s.presence.List()
	if err != nil {
		renderError(c, err)
		return
	}
	counts := map[domain.PresenceStatus]int{}
	for _, p := range agents {
		counts[p.Status]++
	}
	c.JSON(http.StatusOK, gin.H{
		"agents":  agents,
		"summary": counts,
		"total":   len(agents),
	})
}

// agentHealth is one row in the per-agent health report.
type agentHealth struct {
	Name        string                `json:"name"`
	Role        string                `json:"role"`
	Status      domain.PresenceStatus `json:"status"`
	LastUpdate  int64                 `json:"lastUpdate,omitempty"`
	CurrentTask string                `json:"currentTask,omitempty"`
	Ready       int                   `json:"ready"`
	Doing       int                   `json:"doing"`
	Validating  int                   `json:"validating"`
	Blocked     int                   `json:"blocked"`
}

func (s *Server) healthAgents(c *gin.Context) {
	var rows []agentHealth
	for _, a := range s.roles.Agents() {
		row := agentHealth{Name: a.Name, Role: a.Role, Status: domain.PresenceOffline}
		if p, ok, err := s.presence.Get(a.Name); err == nil && ok {
			row.Status = p.Status
			row.LastUpdate = p.LastUpdate
			row.CurrentTask = p.CurrentTask
		}
		tasks, err := s.tasks.List(board.ListFilter{Assignee: a.Name})
		if err != nil {
			renderError(c, err)
			return
		}
		for _, t := range tasks {
			switch t.Status {
			case domain.StatusTodo:
				row.Ready++
			case domain.StatusDoing:
				row.Doing++
			case domain.StatusValidating:
				row.Validating++
			case domain.StatusBlocked:
				row.Blocked++
			}
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{"agents": rows, "count": len(rows)})
}

func (s *Server) healthWorkflow(c *gin.Context) {
	tasks, err := s.tasks.List(board.ListFilter{})
	if err != nil {
		renderError(c, err)
		return
	}
	now := domain.NowMs(s.clock())
	counts := map[domain.TaskStatus]int{}
	staleDoing := 0
	validatingOverSLA := 0
	for _, t := range tasks {
		counts[t.Status]++
		switch t.Status {
		case domain.StatusDoing:
			if s.cfg.StaleDoing > 0 && now-t.UpdatedAt > s.cfg.StaleDoing.Milliseconds() {
				staleDoing++
			}
		case domain.StatusValidating:
			if s.cfg.ReviewSLA > 0 && now-t.UpdatedAt > s.cfg.ReviewSLA.Milliseconds() {
				validatingOverSLA++
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"counts":            counts,
		"total":             len(tasks),
		"staleDoing":        staleDoing,
		"validatingOverSLA": validatingOverSLA,
	})
}

// complianceViolation names one task breaking a workflow contract.
type complianceViolation struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
	Problem string `json:"problem"`
}

func (s *Server) healthCompliance(c *gin.Context) {
	tasks, err := s.tasks.List(board.ListFilter{})
	if err != nil {
		renderError(c, err)
		return
	}
	var violations []complianceViolation
	add := func(t domain.Task, problem string) {
		violations = append(violations, complianceViolation{
			TaskID: t.ID, Status: string(t.Status), Problem: problem,
		})
	}
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusDoing:
			if t.MetaString(domain.MetaBranch) == "" {
				add(t, "doing without a branch")
			}
		case domain.StatusValidating:
			var bundle domain.QABundle
			if ok, err := domain.DecodeMeta(t.Metadata, domain.MetaQABundle, &bundle); !ok || err != nil || !bundle.Valid() {
				add(t, "validating without a complete qa bundle")
			}
		case domain.StatusDone:
			if len(domain.MetaStrings(t.Metadata, domain.MetaArtifacts)) == 0 && t.MetaString(domain.MetaArtifactPath) == "" {
				add(t, "done without artifacts")
			}
			if !t.MetaBool(domain.MetaReviewerApproved) {
				add(t, "done without reviewer signoff")
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations, "count": len(violations)})
}

func (s *Server) healthSystem(c *gin.Context) {
	ticks, err := s.store.LoopTicks()
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"loops":       ticks,
		"subscribers": s.bus.SubscriberCount(),
		"uptimeMs":    s.clock().Sub(s.started).Milliseconds(),
	})
}

func (s *Server) healthBuild(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"go":        runtime.Version(),
		"startedAt": domain.NowMs(s.started),
	})
}

func (s *Server) idleNudgeSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.dog.IdleNudgeSnapshot())
}

func (s *Server) idleNudgeTick(c *gin.Context) {
	c.JSON(http.StatusOK, s.dog.IdleNudgeTick())
}

func (s *Server) cadenceSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.dog.CadenceSnapshot())
}

func (s *Server) cadenceTick(c *gin.Context) {
	c.JSON(http.StatusOK, s.dog.CadenceTick())
}

func (s *Server) mentionRescueSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.dog.MentionRescueSnapshot())
}

func (s *Server) mentionRescueTick(c *gin.Context) {
	c.JSON(http.StatusOK, s.dog.MentionRescueTick())
}
