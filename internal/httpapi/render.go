package httpapi

import (
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jaakkos/teamboard/internal/domain"
)

// errorEnvelope is the JSON shape every failure renders into.
type errorEnvelope struct {
	Success bool                `json:"success"`
	Message string              `json:"error"`
	Code    string              `json:"code"`
	Status  int                 `json:"status"`
	Gate    string              `json:"gate,omitempty"`
	Hint    string              `json:"hint,omitempty"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
	Details map[string]any      `json:"details,omitempty"`
}

// renderError maps a typed domain error onto the envelope. Anything
// else becomes a 500.
func renderError(c *gin.Context, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		de = domain.ErrInternal(err)
	}
	c.JSON(de.Status, errorEnvelope{
		Success: false,
		Message: de.Message,
		Code:    de.Code,
		Status:  de.Status,
		Gate:    de.Gate,
		Hint:    de.Hint,
		Fields:  de.Fields,
		Details: de.Details,
	})
}

// bindJSON decodes the request body, rendering a validation error on
// malformed input. Returns false when the handler should bail.
func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		renderError(c, domain.ErrValidation("request body is not valid JSON",
			domain.FieldError{Path: "body", Message: err.Error()}))
		return false
	}
	return true
}

// renderCached writes v with a weak ETag and Last-Modified, answering
// 304 to matching conditional requests. Read-only list endpoints only.
func renderCached(c *gin.Context, lastModified int64, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		renderError(c, domain.ErrInternal(err))
		return
	}
	etag := fmt.Sprintf(`W/"%x"`, sha1.Sum(body))
	c.Header("ETag", etag)
	if lastModified > 0 {
		c.Header("Last-Modified", time.UnixMilli(lastModified).UTC().Format(http.TimeFormat))
	}
	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	if ims := c.GetHeader("If-Modified-Since"); ims != "" && lastModified > 0 {
		if t, err := http.ParseTime(ims); err == nil &&
			!time.UnixMilli(lastModified).Truncate(time.Second).After(t) {
			c.Status(http.StatusNotModified)
			return
		}
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// queryInt parses an integer query parameter with a default.
func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// queryInt64 parses an int64 query parameter with a default.
func queryInt64(c *gin.Context, name string, def int64) int64 {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// queryBool treats "true" and "1" as true.
func queryBool(c *gin.Context, name string) bool {
	v := c.Query(name)
	return v == "true" || v == "1"
}

// splitCSV splits a comma-separated query value, dropping empties.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func latestTaskUpdate(tasks []domain.Task) int64 {
	var max int64
	for _, t := range tasks {
		if t.UpdatedAt > max {
			max = t.UpdatedAt
		}
	}
	return max
}

func latestMessageTimestamp(msgs []domain.Message) int64 {
	var max int64
	for _, m := range msgs {
		if m.Timestamp > max {
			max = m.Timestamp
		}
	}
	return max
}
