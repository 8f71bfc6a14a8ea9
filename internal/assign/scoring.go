// Package assign scores agents against a task spec and applies the
// author-exclusion guardrail used by the insight bridge.
package assign

import (
	"sort"
	"strings"

	"github.com/jaakkos/teamboard/internal/config"
	"github.com/jaakkos/teamboard/internal/domain"
	"github.com/jaakkos/teamboard/internal/repository"
)

// Scoring weights. Deterministic by construction: no randomness, ties
// broken by agent name.
const (
	tagOverlapWeight = 0.3
	tagOverlapCap    = 0.6
	keywordWeight    = 0.2
	leadBoost        = 0.1
	wipPenaltyMax    = 0.2
)

// TaskSpec is the slice of a task the scorer looks at.
type TaskSpec struct {
	Title         string
	Tags          []string
	DoneCriteria  []string
	ClusterKey    string
	FailureFamily string
}

// Breakdown itemizes one agent's score.
type Breakdown struct {
	Affinity   float64 `json:"affinity"`
	WipPenalty float64 `json:"wipPenalty"`
	RoleBoost  float64 `json:"roleBoost"`
}

// ScoredAgent is one ranked candidate.
type ScoredAgent struct {
	Agent     string    `json:"agent"`
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
	OverCap   bool      `json:"overCap"`
}

// Suggestion is the scorer's full output.
type Suggestion struct {
	Suggested      string        `json:"suggested"`
	ProtectedMatch string        `json:"protectedMatch,omitempty"`
	Ranked         []ScoredAgent `json:"ranked"`
}

// Decision is the guardrail-resolved assignment recorded on bridge
// tasks as assignment_decision breadcrumbs.
type Decision struct {
	Assignee           string        `json:"assignee"`
	Reviewer           string        `json:"reviewer,omitempty"`
	GuardrailApplied   bool          `json:"guardrail_applied"`
	SoleAuthorFallback bool          `json:"sole_author_fallback"`
	ProtectedMatch     string        `json:"protected_match,omitempty"`
	Ranked             []ScoredAgent `json:"ranked,omitempty"`
}

// Engine ranks registry agents for a task.
type Engine struct {
	roles *config.Registry
	tasks repository.TaskRepository
	cfg   config.Bridge
}

// New creates the engine.
func New(roles *config.Registry, tasks repository.TaskRepository, cfg config.Bridge) *Engine {
	return &Engine{roles: roles, tasks: tasks, cfg: cfg}
}

// Suggest scores every routable agent and picks one. A protected-domain
// match short-circuits the ranking.
func (e *Engine) Suggest(spec TaskSpec) Suggestion {
	var s Suggestion
	haystack := specHaystack(spec)
	for _, a := range e.roles.Agents() {
		if matchesAny(a.NeverRoute, haystack) {
			continue
		}
		s.Ranked = append(s.Ranked, e.score(a, spec, haystack))
		if s.ProtectedMatch == "" && matchesAny(a.ProtectedDomains, haystack) {
			s.ProtectedMatch = a.Name
		}
	}
	sortRanked(s.Ranked)
	if s.ProtectedMatch != "" {
		s.Suggested = s.ProtectedMatch
	} else if len(s.Ranked) > 0 {
		s.Suggested = s.Ranked[0].Agent
	}
	return s
}

// Resolve applies the author-exclusion guardrail on top of Suggest.
// Multi-author specs use plain scoring; a single-author spec keeps its
// author only on a protected-domain match or a dominant affinity edge.
func (e *Engine) Resolve(spec TaskSpec, authors []string) Decision {
	s := e.Suggest(spec)
	d := Decision{
		Assignee:       s.Suggested,
		ProtectedMatch: s.ProtectedMatch,
		Ranked:         s.Ranked,
	}
	if !e.cfg.GuardrailEnabled || len(authors) != 1 {
		return d
	}
	author := strings.ToLower(authors[0])

	if domain.SameAgent(s.ProtectedMatch, author) {
		d.Assignee = author
		return d
	}
	d.GuardrailApplied = true

	authorAffinity := affinityOf(s.Ranked, author)
	bestNonAuthor := ""
	bestNonAuthorAffinity := 0.0
	for _, r := range s.Ranked {
		if domain.SameAgent(r.Agent, author) {
			continue
		}
		if bestNonAuthor == "" {
			bestNonAuthor = r.Agent
		}
		if r.Breakdown.Affinity > bestNonAuthorAffinity {
			bestNonAuthorAffinity = r.Breakdown.Affinity
		}
	}

	switch {
	case authorAffinity > 0 &&
		(authorAffinity > bestNonAuthorAffinity*1.5 || authorAffinity-bestNonAuthorAffinity >= 0.2):
		// The author clearly owns this area; keep them but force a
		// non-author reviewer downstream.
		d.Assignee = author
		d.SoleAuthorFallback = true
	case d.ProtectedMatch != "":
		d.Assignee = d.ProtectedMatch
	case bestNonAuthor != "":
		d.Assignee = bestNonAuthor
	default:
		d.Assignee = author
		d.SoleAuthorFallback = true
	}
	return d
}

// SelectReviewer ranks candidates excluding the assignee. When the
// guardrail fired, authors are excluded too; the configured default
// reviewer and finally any remaining agent serve as fallbacks.
func (e *Engine) SelectReviewer(spec TaskSpec, assignee string, authors []string, excludeAuthors bool) string {
	excludeAuthors = excludeAuthors && e.cfg.RequireNonAuthorRev
	s := e.Suggest(spec)
	for _, r := range s.Ranked {
		if domain.SameAgent(r.Agent, assignee) {
			continue
		}
		if excludeAuthors && containsAgent(authors, r.Agent) {
			continue
		}
		return r.Agent
	}
	if def := e.roles.DefaultReviewer(); def != "" &&
		!domain.SameAgent(def, assignee) &&
		!(excludeAuthors && containsAgent(authors, def)) {
		return def
	}
	for _, name := range e.roles.Names() {
		if !domain.SameAgent(name, assignee) && !containsAgent(authors, name) {
			return name
		}
	}
	return ""
}

// ReassignReviewer picks a replacement reviewer among presence-active
// agents, skipping the stale reviewer, the assignee, and the escalation
// target. Empty field escalates.
func (e *Engine) ReassignReviewer(spec TaskSpec, currentReviewer, assignee string, active map[string]bool) string {
	escalation := e.roles.EscalationAgent()
	s := e.Suggest(spec)
	for _, r := range s.Ranked {
		if !active[strings.ToLower(r.Agent)] {
			continue
		}
		if domain.SameAgent(r.Agent, currentReviewer) ||
			domain.SameAgent(r.Agent, assignee) ||
			domain.SameAgent(r.Agent, escalation) {
			continue
		}
		return r.Agent
	}
	return escalation
}

// score builds one ranked row. Affinity comes from tag overlap and
// keyword hits; wipPenalty scales with the agent's doing-count.
func (e *Engine) score(a config.AgentRole, spec TaskSpec, haystack string) ScoredAgent {
	var b Breakdown

	overlap := 0
	for _, tag := range spec.Tags {
		if containsFold(a.Tags, tag) {
			overlap++
		}
	}
	b.Affinity = float64(overlap) * tagOverlapWeight
	if b.Affinity > tagOverlapCap {
		b.Affinity = tagOverlapCap
	}
	for _, tag := range a.Tags {
		if tag != "" && strings.Contains(haystack, strings.ToLower(tag)) {
			b.Affinity += keywordWeight
			break
		}
	}

	if a.Role == "lead" {
		b.RoleBoost = leadBoost
	}

	wipCap := e.roles.WipCap(a.Name)
	doing := e.doingCount(a.Name)
	over := wipCap > 0 && doing >= wipCap
	if wipCap > 0 && doing > 0 {
		b.WipPenalty = wipPenaltyMax * float64(doing) / float64(wipCap)
		if b.WipPenalty > wipPenaltyMax {
			b.WipPenalty = wipPenaltyMax
		}
	}

	return ScoredAgent{
		Agent:     a.Name,
		Score:     b.Affinity + b.RoleBoost - b.WipPenalty,
		Breakdown: b,
		OverCap:   over,
	}
}

func (e *Engine) doingCount(agent string) int {
	if e.tasks == nil {
		return 0
	}
	n, err := e.tasks.CountByAssigneeStatus(agent, domain.StatusDoing)
	if err != nil {
		return 0
	}
	return n
}

func sortRanked(ranked []ScoredAgent) {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Agent < ranked[j].Agent
	})
}

func affinityOf(ranked []ScoredAgent, agent string) float64 {
	for _, r := range ranked {
		if domain.SameAgent(r.Agent, agent) {
			return r.Breakdown.Affinity
		}
	}
	return 0
}

func specHaystack(spec TaskSpec) string {
	parts := []string{spec.Title, spec.ClusterKey, spec.FailureFamily}
	parts = append(parts, spec.DoneCriteria...)
	return strings.ToLower(strings.Join(parts, " "))
}

// matchesAny reports whether any pattern appears in the haystack.
// Patterns are plain substrings, matched case-insensitively.
func matchesAny(patterns []string, haystack string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(haystack, p) {
			return true
		}
	}
	return false
}

func containsFold(set []string, s string) bool {
	for _, v := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func containsAgent(set []string, agent string) bool {
	for _, v := range set {
		if domain.SameAgent(v, agent) {
			return true
		}
	}
	return false
}
