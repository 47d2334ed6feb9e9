package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"tripgate/internal/domain"
)

// GetItinerary loads every stored day of a trip. A trip with no days yields
// an empty itinerary, not ErrNotFound.
func (r Repo) GetItinerary(ctx context.Context, tx *sql.Tx, tripID string) (domain.Itinerary, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT date,schedule_json FROM schedules WHERE trip_id=? ORDER BY date`, tripID)
	if err != nil {
		return domain.Itinerary{}, err
	}
	defer rows.Close()
	it := domain.Itinerary{TripID: tripID, Days: map[string]domain.DaySchedule{}}
	for rows.Next() {
		var date, raw string
		if err := rows.Scan(&date, &raw); err != nil {
			return domain.Itinerary{}, err
		}
		var day domain.DaySchedule
		if err := json.Unmarshal([]byte(raw), &day); err != nil {
			return domain.Itinerary{}, fmt.Errorf("decode schedule %s/%s: %w", tripID, date, err)
		}
		it.Days[date] = day
	}
	return it, rows.Err()
}

func (r Repo) GetDay(ctx context.Context, tripID, date string) (domain.DaySchedule, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT schedule_json FROM schedules WHERE trip_id=? AND date=?`, tripID, date).Scan(&raw)
	if err == sql.ErrNoRows {
		return domain.DaySchedule{}, ErrNotFound
	}
	if err != nil {
		return domain.DaySchedule{}, err
	}
	var day domain.DaySchedule
	if err := json.Unmarshal([]byte(raw), &day); err != nil {
		return domain.DaySchedule{}, fmt.Errorf("decode schedule %s/%s: %w", tripID, date, err)
	}
	return day, nil
}

func (r Repo) UpsertDay(ctx context.Context, tx *sql.Tx, tripID string, day domain.DaySchedule, updatedAt string) error {
	raw, err := marshalJSON(day)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO schedules(trip_id,date,schedule_json,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(trip_id,date) DO UPDATE SET schedule_json=excluded.schedule_json, updated_at=excluded.updated_at`,
		tripID, day.Date, raw, updatedAt)
	return err
}
