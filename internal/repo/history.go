package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tripgate/internal/domain"
)

const historyColumns = `id,trip_id,date,seq,action_type,action_json,schedule_before_json,schedule_after_json,ts,abandoned_at`

func scanHistoryEntry(row rowScanner) (domain.HistoryEntry, error) {
	var (
		e                     domain.HistoryEntry
		action, before, after string
		abandoned             sql.NullString
	)
	err := row.Scan(&e.ID, &e.TripID, &e.Date, &e.Seq, &e.ActionType, &action, &before, &after, &e.Timestamp, &abandoned)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal([]byte(action), &e.Action); err != nil {
		return e, fmt.Errorf("decode history %s action: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(before), &e.ScheduleBefore); err != nil {
		return e, fmt.Errorf("decode history %s before: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(after), &e.ScheduleAfter); err != nil {
		return e, fmt.Errorf("decode history %s after: %w", e.ID, err)
	}
	e.Abandoned = abandoned.Valid
	return e, nil
}

// Cursor returns the seq of the last applied entry for a scope; 0 means the start.
func (r Repo) Cursor(ctx context.Context, tx *sql.Tx, tripID, date string) (int64, error) {
	var cursor int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT cursor FROM ledger_cursors WHERE trip_id=? AND date=?`, tripID, date).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

func (r Repo) SetCursor(ctx context.Context, tx *sql.Tx, tripID, date string, cursor int64, at string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO ledger_cursors(trip_id,date,cursor,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(trip_id,date) DO UPDATE SET cursor=excluded.cursor, updated_at=excluded.updated_at`,
		tripID, date, cursor, at)
	return err
}

// AbandonAfter marks live entries past the cursor as an abandoned redo branch.
func (r Repo) AbandonAfter(ctx context.Context, tx *sql.Tx, tripID, date string, cursor int64, at string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE action_history SET abandoned_at=? WHERE trip_id=? AND date=? AND seq>? AND abandoned_at IS NULL`,
		at, tripID, date, cursor)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) MaxSeq(ctx context.Context, tx *sql.Tx, tripID, date string) (int64, error) {
	var seq int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM action_history WHERE trip_id=? AND date=?`, tripID, date).Scan(&seq)
	return seq, err
}

func (r Repo) InsertHistoryEntry(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) error {
	action, err := marshalJSON(e.Action)
	if err != nil {
		return err
	}
	before, err := marshalJSON(e.ScheduleBefore)
	if err != nil {
		return err
	}
	after, err := marshalJSON(e.ScheduleAfter)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO action_history(id,trip_id,date,seq,action_type,action_json,schedule_before_json,schedule_after_json,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TripID, e.Date, e.Seq, e.ActionType, action, before, after, e.Timestamp)
	return err
}

func (r Repo) HistoryEntryAt(ctx context.Context, tx *sql.Tx, tripID, date string, seq int64) (domain.HistoryEntry, error) {
	return scanHistoryEntry(r.q(tx).QueryRowContext(ctx, `SELECT `+historyColumns+` FROM action_history WHERE trip_id=? AND date=? AND seq=?`, tripID, date, seq))
}

// PrevLiveSeq returns the greatest live seq below seq, or 0.
func (r Repo) PrevLiveSeq(ctx context.Context, tx *sql.Tx, tripID, date string, seq int64) (int64, error) {
	var prev int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM action_history WHERE trip_id=? AND date=? AND seq<? AND abandoned_at IS NULL`,
		tripID, date, seq).Scan(&prev)
	return prev, err
}

// NextLiveEntry returns the first live entry after seq.
func (r Repo) NextLiveEntry(ctx context.Context, tx *sql.Tx, tripID, date string, seq int64) (domain.HistoryEntry, error) {
	return scanHistoryEntry(r.q(tx).QueryRowContext(ctx, `SELECT `+historyColumns+` FROM action_history WHERE trip_id=? AND date=? AND seq>? AND abandoned_at IS NULL ORDER BY seq LIMIT 1`,
		tripID, date, seq))
}

func (r Repo) ListHistory(ctx context.Context, tripID, date string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM action_history WHERE trip_id=? AND date=? ORDER BY seq`, tripID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
