package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/chat"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

func (s *Server) listMessages(c *gin.Context) {
	f := repository.MessageFilter{
		Channel:  c.Query("channel"),
		Agent:    c.Query("agent"),
		ThreadID: c.Query("threadId"),
		Since:    queryInt64(c, "since", 0),
		Limit:    queryInt(c, "limit", 50),
	}
	msgs, err := s.chat.List(f)
	if err != nil {
		renderError(c, err)
		return
	}
	renderCached(c, latestMessageTimestamp(msgs), gin.H{"messages": msgs, "count": len(msgs)})
}

func (s *Server) postMessage(c *gin.Context) {
	var req chat.PostRequest
	if !bindJSON(c, &req) {
		return
	}
	m, err := s.chat.PostMessage(req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) editMessage(c *gin.Context) {
	var req struct {
		Author  string `json:"author"`
		Content string `json:"content"`
	}
	if !bindJSON(c, &req) {
		return
	}
	m, err := s.chat.Edit(c.Param("id"), req.Author, req.Content)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) deleteMessage(c *gin.Context) {
	author := c.Query("author")
	if author == "" {
		renderError(c, domain.ErrValidation("author is required",
			domain.FieldError{Path: "author", Message: "pass ?author=<name>"}))
		return
	}
	if err := s.chat.Delete(c.Param("id"), author); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": c.Param("id")})
}

func (s *Server) reactMessage(c *gin.Context) {
	var req struct {
		Emoji  string `json:"emoji"`
		Agent  string `json:"agent"`
		Remove bool   `json:"remove"`
	}
	if !bindJSON(c, &req) {
		return
	}
	reactions, err := s.chat.React(c.Param("id"), req.Emoji, req.Agent, req.Remove)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": reactions})
}

func (s *Server) messageThread(c *gin.Context) {
	msgs, err := s.chat.Thread(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (s *Server) listChannels(c *gin.Context) {
	channels, err := s.chat.Channels()
	if err != nil {
		renderError(c, err)
		return
	}
	var last int64
	for _, ch := range channels {
		if ch.LastTimestamp > last {
			last = ch.LastTimestamp
		}
	}
	renderCached(c, last, gin.H{"channels": channels, "count": len(channels)})
}

func (s *Server) searchMessages(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		renderError(c, domain.ErrValidation("search query is required",
			domain.FieldError{Path: "q", Message: "pass ?q=<text>"}))
		return
	}
	msgs, err := s.chat.Search(q, queryInt(c, "limit", 20))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}
