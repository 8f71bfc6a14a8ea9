package domain

import "fmt"

// Error codes rendered into the HTTP error envelope.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL_ERROR"
	CodeInvalidTaskRefs  = "INVALID_TASK_REFS"
	CodeTestTaskRejected = "TEST_TASK_REJECTED"
)

// Gate names carried on gate-violation errors.
const (
	GateQABundle        = "qa_bundle"
	GateArtifacts       = "artifacts"
	GateReviewerSignoff = "reviewer_signoff"
	GateWipCap          = "wip_cap"
)

// FieldError is a per-field validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is the typed failure carried from the engine to the HTTP
// boundary, where it renders into the JSON error envelope.
type Error struct {
	Code    string         `json:"code"`
	Status  int            `json:"status"`
	Message string         `json:"error"`
	Gate    string         `json:"gate,omitempty"`
	Hint    string         `json:"hint,omitempty"`
	Fields  []FieldError   `json:"fields,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Gate != "" {
		return fmt.Sprintf("%s (gate=%s): %s", e.Code, e.Gate, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrNotFound builds a not-found error.
func ErrNotFound(what, id string) *Error {
	return &Error{Code: CodeNotFound, Status: 404, Message: fmt.Sprintf("%s %q not found", what, id)}
}

// ErrValidation builds a 400 validation error with per-field detail.
func ErrValidation(msg string, fields ...FieldError) *Error {
	return &Error{Code: CodeBadRequest, Status: 400, Message: msg, Fields: fields}
}

// ErrGate builds a gate-violation error. QA-bundle failures render as
// 400, the rest as 422.
func ErrGate(gate, msg, hint string, details map[string]any) *Error {
	status := 422
	if gate == GateQABundle {
		status = 400
	}
	return &Error{Code: CodeBadRequest, Status: status, Message: msg, Gate: gate, Hint: hint, Details: details}
}

// ErrForbidden builds a 403 error.
func ErrForbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Status: 403, Message: msg}
}

// ErrConflict builds a 409 error.
func ErrConflict(msg string) *Error {
	return &Error{Code: CodeConflict, Status: 409, Message: msg}
}

// ErrInternal wraps an unexpected failure.
func ErrInternal(err error) *Error {
	return &Error{Code: CodeInternal, Status: 500, Message: err.Error()}
}

// ErrTestTaskRejected rejects TEST:-prefixed titles in production.
func ErrTestTaskRejected(title string) *Error {
	return &Error{
		Code:    CodeTestTaskRejected,
		Status:  422,
		Message: fmt.Sprintf("test task %q rejected: TEST: titles are not allowed in production", title),
	}
}

// ErrInvalidTaskRefs builds the comment-rejection error carrying the
// offending references and a reject id for audit.
func ErrInvalidTaskRefs(refs []string, rejectID string) *Error {
	return &Error{
		Code:    CodeInvalidTaskRefs,
		Status:  422,
		Message: "comment references unknown task ids",
		Details: map[string]any{
			"invalid_task_refs": refs,
			"reject_id":         rejectID,
		},
	}
}
