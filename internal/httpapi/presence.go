package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/domain"
)

func (s *Server) listPresence(c *gin.Context) {
	agents, err := s.presence.List()
	if err != nil {
		renderError(c, err)
		return
	}
	var last int64
	for _, p := range agents {
		if p.LastUpdate > last {
			last = p.LastUpdate
		}
	}
	renderCached(c, last, gin.H{"agents": agents, "count": len(agents)})
}

func (s *Server) updatePresence(c *gin.Context) {
	var req struct {
		Status      domain.PresenceStatus `json:"status"`
		CurrentTask string                `json:"currentTask"`
		Since       int64                 `json:"since"`
	}
	if !bindJSON(c, &req) {
		return
	}
	p, err := s.presence.Update(c.Param("agent"), req.Status, req.CurrentTask, req.Since)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) setFocus(c *gin.Context) {
	var req struct {
		Focus *domain.Focus `json:"focus"`
	}
	if !bindJSON(c, &req) {
		return
	}
	p, err := s.presence.SetFocus(c.Param("agent"), req.Focus)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) inbox(c *gin.Context) {
	acks, err := s.mentions.Inbox(c.Param("agent"), true)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mentions": acks, "count": len(acks)})
}

func (s *Server) inboxMentions(c *gin.Context) {
	acks, err := s.mentions.Inbox(c.Param("agent"), false)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mentions": acks, "count": len(acks)})
}

func (s *Server) ackInbox(c *gin.Context) {
	var req struct {
		ID      string `json:"id"`
		Channel string `json:"channel"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.ID != "" {
		ok, err := s.mentions.AckByID(req.ID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"acked": ok})
		return
	}
	n, err := s.mentions.Ack(c.Param("agent"), req.Channel)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acked": n > 0, "count": n})
}
