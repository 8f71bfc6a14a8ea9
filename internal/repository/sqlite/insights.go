package sqlite

import (
	"fmt"

	"github.com/jaakkos/teamboard/internal/domain"
)

const insightColumns = `id, title, cluster_key, failure_family, impacted_unit, severity_max,
	priority, status, promotion_readiness, score, reflection_ids, authors, evidence_refs, task_id`

// UpsertInsight writes an insight row, replacing any previous version.
func (s *Store) UpsertInsight(in domain.Insight) error {
	_, err := s.db.Exec(`INSERT INTO insights (`+insightColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, cluster_key = excluded.cluster_key,
			failure_family = excluded.failure_family, impacted_unit = excluded.impacted_unit,
			severity_max = excluded.severity_max, priority = excluded.priority,
			status = excluded.status, promotion_readiness = excluded.promotion_readiness,
			score = excluded.score, reflection_ids = excluded.reflection_ids,
			authors = excluded.authors, evidence_refs = excluded.evidence_refs,
			task_id = excluded.task_id`,
		in.ID, in.Title, in.ClusterKey, in.FailureFamily, in.ImpactedUnit, in.SeverityMax,
		in.Priority, in.Status, in.PromotionReadiness, in.Score,
		encodeJSON(in.ReflectionIDs, "[]"), encodeJSON(in.Authors, "[]"),
		encodeJSON(in.EvidenceRefs, "[]"), in.TaskID)
	if err != nil {
		return fmt.Errorf("upsert insight %s: %w", in.ID, err)
	}
	return nil
}

// GetInsight returns the insight by id.
func (s *Store) GetInsight(id string) (domain.Insight, bool, error) {
	row := s.db.QueryRow(`SELECT `+insightColumns+` FROM insights WHERE id = ?`, id)
	in, err := scanInsight(row)
	if isNoRows(err) {
		return domain.Insight{}, false, nil
	}
	if err != nil {
		return domain.Insight{}, false, err
	}
	return in, true, nil
}

// ListInsights returns insights, optionally filtered by status.
func (s *Store) ListInsights(status string) ([]domain.Insight, error) {
	q := `SELECT ` + insightColumns + ` FROM insights`
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	q += " ORDER BY id"
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()
	var out []domain.Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// SetInsightStatus transitions an insight and optionally links its task.
func (s *Store) SetInsightStatus(id, status, taskID string) (bool, error) {
	res, err := s.db.Exec(`UPDATE insights SET status = ?,
		task_id = CASE WHEN ? != '' THEN ? ELSE task_id END
		WHERE id = ?`, status, taskID, taskID, id)
	if err != nil {
		return false, fmt.Errorf("set insight status %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertTriage appends an immutable triage audit row.
func (s *Store) InsertTriage(d domain.TriageDecision) error {
	_, err := s.db.Exec(`INSERT INTO triage_decisions
		(id, insight_id, action, reviewer, rationale, outcome_task_id, previous_status, new_status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.InsightID, d.Action, d.Reviewer, d.Rationale, d.OutcomeTaskID,
		d.PreviousStatus, d.NewStatus, d.Timestamp)
	if err != nil {
		return fmt.Errorf("insert triage %s: %w", d.InsightID, err)
	}
	return nil
}

// ListTriage returns triage rows for an insight, oldest first. Empty
// insightID matches all rows.
func (s *Store) ListTriage(insightID string) ([]domain.TriageDecision, error) {
	q := `SELECT id, insight_id, action, reviewer, rationale, outcome_task_id, previous_status, new_status, timestamp
		FROM triage_decisions`
	var args []any
	if insightID != "" {
		q += " WHERE insight_id = ?"
		args = append(args, insightID)
	}
	q += " ORDER BY timestamp, id"
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list triage: %w", err)
	}
	defer rows.Close()
	var out []domain.TriageDecision
	for rows.Next() {
		var d domain.TriageDecision
		if err := rows.Scan(&d.ID, &d.InsightID, &d.Action, &d.Reviewer, &d.Rationale,
			&d.OutcomeTaskID, &d.PreviousStatus, &d.NewStatus, &d.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanInsight(sc scanner) (domain.Insight, error) {
	var (
		in                              domain.Insight
		reflections, authors, evidence string
	)
	err := sc.Scan(&in.ID, &in.Title, &in.ClusterKey, &in.FailureFamily, &in.ImpactedUnit,
		&in.SeverityMax, &in.Priority, &in.Status, &in.PromotionReadiness, &in.Score,
		&reflections, &authors, &evidence, &in.TaskID)
	if err != nil {
		if isNoRows(err) {
			return domain.Insight{}, err
		}
		return domain.Insight{}, fmt.Errorf("scan insight: %w", err)
	}
	if err := parseJSON(reflections, &in.ReflectionIDs, "insight reflection_ids"); err != nil {
		return domain.Insight{}, err
	}
	if err := parseJSON(authors, &in.Authors, "insight authors"); err != nil {
		return domain.Insight{}, err
	}
	if err := parseJSON(evidence, &in.EvidenceRefs, "insight evidence_refs"); err != nil {
		return domain.Insight{}, err
	}
	return in, nil
}
