package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"tripgate/internal/domain"
)

const approvalColumns = `id,kind,status,risk_level,payload_json,session_id,requested_by,created_at,expires_at,decision_note,handled_at,handled_by`

func scanApproval(row rowScanner) (domain.Approval, error) {
	var (
		a                                   domain.Approval
		payload                             string
		session, note, handledAt, handledBy sql.NullString
	)
	err := row.Scan(&a.ID, &a.Kind, &a.Status, &a.RiskLevel, &payload, &session, &a.RequestedBy, &a.CreatedAt, &a.ExpiresAt,
		&note, &handledAt, &handledBy)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return a, fmt.Errorf("decode approval %s payload: %w", a.ID, err)
	}
	a.SessionID = stringPtr(session)
	a.DecisionNote = stringPtr(note)
	a.HandledAt = stringPtr(handledAt)
	a.HandledBy = stringPtr(handledBy)
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	payload, err := marshalJSON(a.Payload)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO approvals(id,kind,status,risk_level,payload_json,session_id,requested_by,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Kind, a.Status, a.RiskLevel, payload, nullableStringPtr(a.SessionID), a.RequestedBy, a.CreatedAt, a.ExpiresAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, tx *sql.Tx, id string) (domain.Approval, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

type ApprovalFilters struct {
	Status    string
	SessionID string
	Limit     int
}

// ListApprovals orders by risk (critical first) then newest first.
func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.Approval, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.SessionID != "" {
		where = append(where, "session_id=?")
		args = append(args, f.SessionID)
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY CASE risk_level WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC, created_at DESC, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResolveApproval moves a PENDING approval to a terminal status. It reports
// false when the row was no longer pending.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, id, status string, note *string, handledAt, handledBy string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approvals SET status=?, decision_note=?, handled_at=?, handled_by=? WHERE id=? AND status='PENDING'`,
		status, nullableStringPtr(note), handledAt, nullable(handledBy), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ExpiredPendingIDs uses the pending index to find approvals past their window.
func (r Repo) ExpiredPendingIDs(ctx context.Context, tx *sql.Tx, now string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM approvals WHERE status='PENDING' AND expires_at < ? ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPendingApprovals counts PENDING requests of a session whose window is
// still open at now, swept or not.
func (r Repo) CountPendingApprovals(ctx context.Context, sessionID, now string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM approvals WHERE session_id=? AND status='PENDING' AND expires_at >= ?`, sessionID, now).Scan(&n)
	return n, err
}

// OpenApprovalFor returns the newest open PENDING request of kind whose payload
// targets the same suggestion, action and fingerprint.
func (r Repo) OpenApprovalFor(ctx context.Context, tx *sql.Tx, kind, suggestionID, actionID, fingerprint, now string) (domain.Approval, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
WHERE status='PENDING' AND kind=? AND expires_at >= ?
  AND json_extract(payload_json,'$.suggestionId')=?
  AND json_extract(payload_json,'$.actionId')=?
  AND json_extract(payload_json,'$.fingerprint')=?
ORDER BY created_at DESC LIMIT 1`, kind, now, suggestionID, actionID, fingerprint))
}
