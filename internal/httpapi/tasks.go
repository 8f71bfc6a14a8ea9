package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/board"
	"github.com/jaakkos/teamboard/internal/domain"
)

func (s *Server) listTasks(c *gin.Context) {
	f := board.ListFilter{
		Status:       domain.TaskStatus(c.Query("status")),
		Assignee:     c.Query("assignee"),
		CreatedBy:    c.Query("createdBy"),
		Priority:     domain.Priority(c.Query("priority")),
		Tags:         splitCSV(c.Query("tags")),
		UpdatedSince: queryInt64(c, "updatedSince", 0),
		Limit:        queryInt(c, "limit", 0),
	}
	tasks, err := s.tasks.List(f)
	if err != nil {
		renderError(c, err)
		return
	}
	renderCached(c, latestTaskUpdate(tasks), gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) createTask(c *gin.Context) {
	var req board.CreateRequest
	if !bindJSON(c, &req) {
		return
	}
	t, err := s.tasks.Create(req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) getTask(c *gin.Context) {
	res, err := s.tasks.Resolve(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	switch res.MatchType {
	case board.MatchExact, board.MatchPrefix:
		c.JSON(http.StatusOK, gin.H{
			"task":       res.Task,
			"resolvedId": res.ResolvedID,
			"matchType":  res.MatchType,
		})
	case board.MatchAmbiguous:
		renderError(c, &domain.Error{
			Code:    domain.CodeConflict,
			Status:  http.StatusConflict,
			Message: "task id prefix is ambiguous",
			Details: map[string]any{"suggestions": res.Suggestions},
		})
	default:
		renderError(c, domain.ErrNotFound("task", c.Param("id")))
	}
}

// patchRequest carries the task patch plus the acting agent.
type patchRequest struct {
	board.Patch
	Actor string `json:"actor"`
}

func (s *Server) patchTask(c *gin.Context) {
	var req patchRequest
	if !bindJSON(c, &req) {
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "system"
	}
	t, err := s.tasks.Update(c.Param("id"), req.Patch, actor)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) deleteTask(c *gin.Context) {
	actor := c.Query("actor")
	if actor == "" {
		actor = "system"
	}
	ok, err := s.tasks.Delete(c.Param("id"), actor)
	if err != nil {
		renderError(c, err)
		return
	}
	if !ok {
		renderError(c, domain.ErrNotFound("task", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": c.Param("id")})
}

func (s *Server) taskHistory(c *gin.Context) {
	changes, err := s.tasks.History(c.Param("id"), queryInt(c, "limit", 0))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": changes, "count": len(changes)})
}

func (s *Server) listComments(c *gin.Context) {
	comments, err := s.tasks.Comments(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments, "count": len(comments)})
}

func (s *Server) addComment(c *gin.Context) {
	var req struct {
		Author  string `json:"author"`
		Content string `json:"content"`
	}
	if !bindJSON(c, &req) {
		return
	}
	comment, err := s.tasks.AddComment(c.Param("id"), req.Author, req.Content)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (s *Server) claimTask(c *gin.Context) {
	var req struct {
		Agent string `json:"agent"`
	}
	if !bindJSON(c, &req) {
		return
	}
	t, err := s.tasks.Claim(c.Param("id"), req.Agent)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) recordOutcome(c *gin.Context) {
	var req struct {
		Verdict    string `json:"verdict"`
		Notes      string `json:"notes"`
		CapturedBy string `json:"capturedBy"`
	}
	if !bindJSON(c, &req) {
		return
	}
	t, err := s.tasks.RecordOutcome(c.Param("id"), req.Verdict, req.Notes, req.CapturedBy)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) reviewTask(c *gin.Context) {
	var req board.ReviewRequest
	if !bindJSON(c, &req) {
		return
	}
	t, err := s.tasks.Review(c.Param("id"), req)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) reviewBundle(c *gin.Context) {
	if s.bundles == nil {
		renderError(c, &domain.Error{Code: domain.CodeInternal, Status: 503, Message: "review bundles are not configured"})
		return
	}
	bundle, err := s.bundles.Build(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) backlog(c *gin.Context) {
	tasks, err := s.tasks.Backlog()
	if err != nil {
		renderError(c, err)
		return
	}
	renderCached(c, latestTaskUpdate(tasks), gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) nextTask(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		renderError(c, domain.ErrValidation("agent is required",
			domain.FieldError{Path: "agent", Message: "pass ?agent=<name>"}))
		return
	}
	t, err := s.tasks.Next(agent)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func (s *Server) searchTasks(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		renderError(c, domain.ErrValidation("search query is required",
			domain.FieldError{Path: "q", Message: "pass ?q=<text>"}))
		return
	}
	tasks, err := s.tasks.Search(q, queryInt(c, "limit", 20))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) batchCreate(c *gin.Context) {
	var req struct {
		Tasks []board.CreateRequest `json:"tasks"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Tasks) == 0 {
		renderError(c, domain.ErrValidation("no tasks in batch",
			domain.FieldError{Path: "tasks", Message: "tasks must be non-empty"}))
		return
	}
	results := s.tasks.BatchCreate(req.Tasks)
	created := 0
	for _, r := range results {
		if r.Task != nil {
			created++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "created": created, "count": len(results)})
}

func (s *Server) exportTasks(c *gin.Context) {
	data, err := s.tasks.Export()
	if err != nil {
		renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

func (s *Server) importTasks(c *gin.Context) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		renderError(c, domain.ErrValidation("cannot read request body",
			domain.FieldError{Path: "body", Message: err.Error()}))
		return
	}
	n, err := s.tasks.Import(data)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": n})
}
