package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tripgate/internal/domain"
)

const taskColumns = `id,kind,status,total,processed,current,eta_seconds,result_json,error,created_at,updated_at,started_at,finished_at`

func scanTask(row rowScanner) (domain.AsyncTask, error) {
	var (
		t                                        domain.AsyncTask
		current, result, errMsg, started, finish sql.NullString
		eta                                      sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.Kind, &t.Status, &t.Progress.Total, &t.Progress.Processed, &current, &eta, &result, &errMsg,
		&t.CreatedAt, &t.UpdatedAt, &started, &finish)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Progress.Current = current.String
	if eta.Valid {
		v := int(eta.Int64)
		t.Progress.EstimatedRemainingTime = &v
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return t, fmt.Errorf("decode task %s result: %w", t.ID, err)
		}
	}
	t.Error = stringPtr(errMsg)
	t.StartedAt = stringPtr(started)
	t.FinishedAt = stringPtr(finish)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.AsyncTask) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO async_tasks(id,kind,status,total,processed,current,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Kind, t.Status, t.Progress.Total, t.Progress.Processed, nullable(t.Progress.Current), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.AsyncTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM async_tasks WHERE id=?`, id))
}

// ErrTaskFinished reports that a task row is already terminal and was left untouched.
var ErrTaskFinished = errors.New("task already finished")

// SaveTask overwrites the mutable columns of a task that is not yet terminal.
func (r Repo) SaveTask(ctx context.Context, t domain.AsyncTask) error {
	var result any
	if t.Result != nil {
		raw, err := marshalJSON(t.Result)
		if err != nil {
			return err
		}
		result = raw
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE async_tasks SET status=?, total=?, processed=?, current=?, eta_seconds=?, result_json=?, error=?, updated_at=?, started_at=?, finished_at=?
WHERE id=? AND status NOT IN ('COMPLETED','FAILED','CANCELLED')`,
		t.Status, t.Progress.Total, t.Progress.Processed, nullable(t.Progress.Current), nullableIntPtr(t.Progress.EstimatedRemainingTime),
		result, nullableStringPtr(t.Error), t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetTask(ctx, t.ID); err != nil {
			return err
		}
		return ErrTaskFinished
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, status string, limit int) ([]domain.AsyncTask, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM async_tasks`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AsyncTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
