package repo

import (
	"context"
	"database/sql"

	"tripgate/internal/domain"
)

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(token,trip_id,draft,created_at,updated_at) VALUES (?,?,?,?,?)`,
		s.Token, s.TripID, boolInt(s.Draft), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, token string) (domain.Session, error) {
	var (
		s     domain.Session
		draft int
	)
	err := r.DB.QueryRowContext(ctx, `SELECT token,trip_id,draft,created_at,updated_at FROM sessions WHERE token=?`, token).
		Scan(&s.Token, &s.TripID, &draft, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Draft = draft != 0
	return s, nil
}

func (r Repo) SetSessionDraft(ctx context.Context, token string, draft bool, at string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sessions SET draft=?, updated_at=? WHERE token=?`, boolInt(draft), at, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
