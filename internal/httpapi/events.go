package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/bus"
	"github.com/jaakkos/teamboard/internal/domain"
)

// defaultBatchWindow is how long events accumulate before a flush when
// no override is configured. A lone event goes out under its own type;
// several go out as one batch frame.
const defaultBatchWindow = 250 * time.Millisecond

// BatchWindow returns the current SSE flush window.
func (s *Server) BatchWindow() time.Duration {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return s.batchWindow
}

// SetBatchWindow adjusts the SSE flush window. Streams opened after the
// change pick it up; established streams keep their ticker.
func (s *Server) SetBatchWindow(d time.Duration) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batchWindow = d
}

func (s *Server) events(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		renderError(c, domain.ErrInternal(fmt.Errorf("streaming unsupported by connection")))
		return
	}

	sub := s.bus.Subscribe(bus.Filter{
		Topics: splitCSV(c.Query("topics")),
		Types:  splitCSV(c.Query("types")),
		Agent:  c.Query("agent"),
	})
	defer s.bus.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	fmt.Fprint(c.Writer, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.BatchWindow())
	defer ticker.Stop()

	var pending []domain.Event
	flush := func() {
		if len(pending) == 0 {
			return
		}
		writeSSE(c.Writer, pending)
		flusher.Flush()
		pending = pending[:0]
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Closed():
			flush()
			return
		case e := <-sub.Events():
			pending = append(pending, e)
		case <-ticker.C:
			flush()
		}
	}
}

// writeSSE frames events for the wire: a single event keeps its own
// type, multiple collapse into one batch frame with a JSON array.
func writeSSE(w io.Writer, events []domain.Event) {
	if len(events) == 1 {
		data, err := json.Marshal(events[0])
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", events[0].Type, data)
		return
	}
	data, err := json.Marshal(events)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: batch\ndata: %s\n\n", data)
}

func (s *Server) activity(c *gin.Context) {
	events := s.bus.History(queryInt64(c, "since", 0), queryInt(c, "limit", 100), c.Query("agent"))
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (s *Server) getBatchWindow(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"windowMs": s.BatchWindow().Milliseconds()})
}

func (s *Server) setBatchWindow(c *gin.Context) {
	var req struct {
		WindowMs int64 `json:"windowMs"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if req.WindowMs <= 0 {
		renderError(c, domain.ErrValidation("windowMs must be positive",
			domain.FieldError{Path: "windowMs", Message: "milliseconds, greater than zero"}))
		return
	}
	s.SetBatchWindow(time.Duration(req.WindowMs) * time.Millisecond)
	s.logger.Printf("HTTP: sse batch window set to %dms", req.WindowMs)
	c.JSON(http.StatusOK, gin.H{"windowMs": req.WindowMs})
}
