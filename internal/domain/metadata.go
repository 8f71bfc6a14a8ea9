package domain

import "encoding/json"

// Recognized task-metadata keys. The metadata bag is open; these are the
// keys the engine reads or writes. Unknown keys pass through unmodified.
const (
	MetaETA                = "eta"
	MetaArtifactPath       = "artifact_path"
	MetaArtifacts          = "artifacts"
	MetaBranch             = "branch"
	MetaBranchWarning      = "branch_warning"
	MetaQABundle           = "qa_bundle"
	MetaReviewerApproved   = "reviewer_approved"
	MetaReviewerDecision   = "reviewer_decision"
	MetaReviewState        = "review_state"
	MetaEnteredValidating  = "entered_validating_at"
	MetaReviewLastActivity = "review_last_activity_at"
	MetaLaneState          = "lane_state"
	MetaLastTransition     = "last_transition"
	MetaCompletedAt        = "completed_at"
	MetaOutcomeCheckpoint  = "outcome_checkpoint"
	MetaWipOverride        = "wip_override"
	MetaWipOverrideUsed    = "wip_override_used"
	MetaInsightID          = "insight_id"
	MetaSourceInsight      = "source_insight"
	MetaSourceReflection   = "source_reflection"
	MetaSource             = "source"
	MetaClusterKey         = "cluster_key"
	MetaFailureFamily      = "failure_family"
	MetaAssignmentDecision = "assignment_decision"
	MetaPRURL              = "pr_url"
	MetaSeverity           = "severity"
)

// SourceInsightBridge marks tasks created by the insight bridge.
const SourceInsightBridge = "insight-task-bridge"

// QABundle is the structured evidence package required for validating.
type QABundle struct {
	Summary       string   `json:"summary"`
	ArtifactLinks []string `json:"artifact_links"`
	Checks        []string `json:"checks"`
	ReviewerNotes string   `json:"reviewer_notes,omitempty"`
}

// Valid reports whether the bundle satisfies the validating gate.
func (q QABundle) Valid() bool {
	return q.Summary != "" && len(q.ArtifactLinks) > 0 && len(q.Checks) > 0
}

// ReviewerDecision records a review verdict on a task.
type ReviewerDecision struct {
	Decision   string `json:"decision"`
	Reviewer   string `json:"reviewer"`
	Comment    string `json:"comment,omitempty"`
	DecidedAt  int64  `json:"decidedAt"`
	Source     string `json:"source,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// OutcomeCheckpoint schedules a post-completion outcome review.
type OutcomeCheckpoint struct {
	Verdict    string `json:"verdict,omitempty"`
	Notes      string `json:"notes,omitempty"`
	CapturedAt int64  `json:"capturedAt,omitempty"`
	CapturedBy string `json:"capturedBy,omitempty"`
	DueAt      int64  `json:"dueAt,omitempty"`
	Status     string `json:"status"`
}

// LastTransition records who moved a task and when.
type LastTransition struct {
	Actor     string `json:"actor"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// AssignmentDecision is the breadcrumb trail left by guardrailed
// assignment in the insight bridge.
type AssignmentDecision struct {
	Reason               string   `json:"reason"`
	GuardrailApplied     bool     `json:"guardrail_applied"`
	SoleAuthorFallback   bool     `json:"sole_author_fallback"`
	CandidatesConsidered int      `json:"candidates_considered"`
	InsightAuthors       []string `json:"insight_authors,omitempty"`
}

// DecodeMeta parses the metadata value at key into out via a JSON
// round-trip. Returns false when the key is absent; an error when the
// value is present but malformed. Gate checks parse into the typed views
// with this; unknown keys are untouched.
func DecodeMeta(meta map[string]any, key string, out any) (bool, error) {
	if meta == nil {
		return false, nil
	}
	raw, ok := meta[key]
	if !ok || raw == nil {
		return false, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return true, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return true, err
	}
	return true, nil
}

// EncodeMeta converts a typed view back into the map shape stored in the
// metadata bag.
func EncodeMeta(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// MetaStrings reads a metadata key holding a list of strings. Values of
// mixed type keep only the string elements.
func MetaStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	switch v := meta[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// MergeMetadata overlays patch onto base as a shallow map overlay and
// returns the merged bag. A nil patch value removes nothing; keys in
// patch replace keys in base wholesale.
func MergeMetadata(base, patch map[string]any) map[string]any {
	if base == nil && patch == nil {
		return nil
	}
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}
