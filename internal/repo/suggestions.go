package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tripgate/internal/domain"
)

const suggestionColumns = `id,trip_id,generation,persona,rule,scope,scope_id,date,severity,risk_level,title,summary,actions_json,fingerprint,position,created_at,superseded_at,applied_action_id,applied_at`

// SuggestionRow is a stored suggestion plus its evaluation bookkeeping.
type SuggestionRow struct {
	domain.Suggestion
	Generation   int64
	SupersededAt *string
}

func (s SuggestionRow) Active() bool { return s.SupersededAt == nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row rowScanner) (SuggestionRow, error) {
	var (
		s                                SuggestionRow
		actions                          string
		superseded, appliedID, appliedAt sql.NullString
	)
	err := row.Scan(&s.ID, &s.TripID, &s.Generation, &s.Persona, &s.Rule, &s.Scope, &s.ScopeID, &s.Date,
		&s.Severity, &s.RiskLevel, &s.Title, &s.Summary, &actions, &s.Fingerprint, &s.Position, &s.CreatedAt,
		&superseded, &appliedID, &appliedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(actions), &s.Actions); err != nil {
		return s, fmt.Errorf("decode suggestion %s actions: %w", s.ID, err)
	}
	s.SupersededAt = stringPtr(superseded)
	s.AppliedActionID = stringPtr(appliedID)
	s.AppliedAt = stringPtr(appliedAt)
	s.Status = "new"
	if s.AppliedActionID != nil {
		s.Status = "applied"
	}
	return s, nil
}

func (r Repo) NextGeneration(ctx context.Context, tx *sql.Tx, tripID string) (int64, error) {
	var gen int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(generation),0)+1 FROM suggestions WHERE trip_id=?`, tripID).Scan(&gen)
	return gen, err
}

// SupersedeActive stamps the current active set of a trip; rows are kept.
func (r Repo) SupersedeActive(ctx context.Context, tx *sql.Tx, tripID, at string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE suggestions SET superseded_at=? WHERE trip_id=? AND superseded_at IS NULL`, at, tripID)
	return err
}

func (r Repo) InsertSuggestions(ctx context.Context, tx *sql.Tx, generation int64, items []domain.Suggestion) error {
	for _, s := range items {
		actions, err := marshalJSON(s.Actions)
		if err != nil {
			return err
		}
		if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO suggestions(id,trip_id,generation,persona,rule,scope,scope_id,date,severity,risk_level,title,summary,actions_json,fingerprint,position,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			s.ID, s.TripID, generation, s.Persona, s.Rule, s.Scope, s.ScopeID, s.Date, s.Severity, s.RiskLevel,
			s.Title, s.Summary, actions, s.Fingerprint, s.Position, s.CreatedAt); err != nil {
			return fmt.Errorf("insert suggestion %s: %w", s.ID, err)
		}
	}
	return nil
}

// ListSuggestions returns the active set in declared order, or every
// generation newest first when includeSuperseded is set.
func (r Repo) ListSuggestions(ctx context.Context, tx *sql.Tx, tripID string, includeSuperseded bool) ([]SuggestionRow, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE trip_id=? AND superseded_at IS NULL ORDER BY position`
	if includeSuperseded {
		query = `SELECT ` + suggestionColumns + ` FROM suggestions WHERE trip_id=? ORDER BY generation DESC, position`
	}
	rows, err := r.q(tx).QueryContext(ctx, query, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SuggestionRow
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LatestSuggestion returns the newest stored generation of a suggestion id.
func (r Repo) LatestSuggestion(ctx context.Context, tx *sql.Tx, id string) (SuggestionRow, error) {
	return scanSuggestion(r.q(tx).QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE id=? ORDER BY generation DESC LIMIT 1`, id))
}

// MarkApplied records the applied action on one generation of a suggestion.
func (r Repo) MarkApplied(ctx context.Context, tx *sql.Tx, id string, generation int64, actionID, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE suggestions SET applied_action_id=?, applied_at=? WHERE id=? AND generation=? AND applied_action_id IS NULL`,
		actionID, at, id, generation)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeverityCounts tallies the active set by severity.
func (r Repo) SeverityCounts(ctx context.Context, tripID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT severity, COUNT(*) FROM suggestions WHERE trip_id=? AND superseded_at IS NULL GROUP BY severity`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{"blocker": 0, "warn": 0, "info": 0}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}

// ListAppliedSuggestions returns the applied generation of every suggestion
// of a trip, most recently applied first.
func (r Repo) ListAppliedSuggestions(ctx context.Context, tripID string) ([]SuggestionRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+suggestionColumns+` FROM suggestions WHERE trip_id=? AND applied_action_id IS NOT NULL ORDER BY applied_at DESC, generation DESC`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SuggestionRow
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
