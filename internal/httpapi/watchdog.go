package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/domain"
)

func (s *Server) watchdogCheck(c *gin.Context) {
	actions := s.dog.CheckOnce(queryBool(c, "force"))
	c.JSON(http.StatusOK, gin.H{"applied": actions, "count": len(actions)})
}

func (s *Server) watchdogRollback(c *gin.Context) {
	var req struct {
		ActionID string `json:"actionId"`
		By       string `json:"by"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.ActionID == "" {
		renderError(c, domain.ErrValidation("actionId is required",
			domain.FieldError{Path: "actionId", Message: "actionId must be non-empty"}))
		return
	}
	action, err := s.dog.Rollback(req.ActionID, req.By)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "action": action})
}

func (s *Server) watchdogAudit(c *gin.Context) {
	actions := s.dog.Audit().List(domain.NowMs(s.clock()), queryInt(c, "limit", 0))
	c.JSON(http.StatusOK, gin.H{"actions": actions, "count": len(actions)})
}

func (s *Server) listInsights(c *gin.Context) {
	insights, err := s.store.ListInsights(c.Query("status"))
	if err != nil {
		renderError(c, domain.ErrInternal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"insights": insights, "count": len(insights)})
}

func (s *Server) getInsight(c *gin.Context) {
	in, ok, err := s.store.GetInsight(c.Param("id"))
	if err != nil {
		renderError(c, domain.ErrInternal(err))
		return
	}
	if !ok {
		renderError(c, domain.ErrNotFound("insight", c.Param("id")))
		return
	}
	triage, err := s.store.ListTriage(in.ID)
	if err != nil {
		renderError(c, domain.ErrInternal(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"insight": in, "triage": triage})
}

// upsertInsight ingests a promoted insight from the upstream pipeline.
// A promoted status also lands on the bus, where the bridge listener
// picks it up.
func (s *Server) upsertInsight(c *gin.Context) {
	var in domain.Insight
	if !bindJSON(c, &in) {
		return
	}
	var fields []domain.FieldError
	if strings.TrimSpace(in.ID) == "" {
		fields = append(fields, domain.FieldError{Path: "id", Message: "id is required"})
	}
	if strings.TrimSpace(in.Title) == "" {
		fields = append(fields, domain.FieldError{Path: "title", Message: "title is required"})
	}
	if len(fields) > 0 {
		renderError(c, domain.ErrValidation("insight is incomplete", fields...))
		return
	}
	if in.Status == "" {
		in.Status = domain.InsightStatusPromoted
	}
	if err := s.store.UpsertInsight(in); err != nil {
		renderError(c, domain.ErrInternal(err))
		return
	}
	if in.Status == domain.InsightStatusPromoted {
		if _, err := s.bus.Publish(domain.Event{
			Type: domain.EventInsightPromoted,
			Data: map[string]any{"insightId": in.ID, "title": in.Title},
		}); err != nil {
			s.logger.Printf("HTTP: publish insight %s: %v", in.ID, err)
		}
	}
	c.JSON(http.StatusCreated, in)
}

func (s *Server) triageInsight(c *gin.Context) {
	var req struct {
		Action    string `json:"action"`
		Reviewer  string `json:"reviewer"`
		Rationale string `json:"rationale"`
	}
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.bridge.Triage(c.Param("id"), req.Action, req.Reviewer, req.Rationale)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
