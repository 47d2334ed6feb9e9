package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"tripgate/internal/domain"
	"tripgate/internal/events"
	"tripgate/internal/repo"
	"tripgate/internal/rules"
)

// SaveResult is the stored day plus the suggestion set evaluated for it.
type SaveResult struct {
	Schedule    domain.DaySchedule  `json:"schedule"`
	Suggestions []domain.Suggestion `json:"suggestions"`
}

func validateDay(day domain.DaySchedule) error {
	if _, err := time.Parse("2006-01-02", day.Date); err != nil {
		return ValidationError{Field: "date", Message: fmt.Sprintf("invalid date %q", day.Date)}
	}
	seen := map[string]bool{}
	for i, it := range day.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.ID) == "" {
			return ValidationError{Field: field + ".id", Message: "required"}
		}
		if seen[it.ID] {
			return ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate item id %s", it.ID)}
		}
		seen[it.ID] = true
		start, err := rules.ParseClock(it.StartTime)
		if err != nil {
			return ValidationError{Field: field + ".startTime", Message: err.Error()}
		}
		end, err := rules.ParseClock(it.EndTime)
		if err != nil {
			return ValidationError{Field: field + ".endTime", Message: err.Error()}
		}
		if end <= start {
			return ValidationError{Field: field + ".endTime", Message: "must be after startTime"}
		}
		if end > 24*60 {
			return ValidationError{Field: field + ".endTime", Message: "must not pass 24:00"}
		}
		if it.Cost < 0 {
			return ValidationError{Field: field + ".cost", Message: "must not be negative"}
		}
	}
	return nil
}

// SaveSchedule persists a day and re-runs the evaluation pass. It is the
// "save" half of undo/redo and never touches the history ledger.
func (e Engine) SaveSchedule(ctx context.Context, tripID string, day domain.DaySchedule, actorID string) (SaveResult, error) {
	if strings.TrimSpace(tripID) == "" {
		return SaveResult{}, ValidationError{Field: "tripId", Message: "required"}
	}
	if err := validateDay(day); err != nil {
		return SaveResult{}, err
	}
	if day.Items == nil {
		day.Items = []domain.ScheduleItem{}
	}
	day = rules.NormalizeDay(day)

	unlock := e.locks.lock(tripID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, err
	}
	defer tx.Rollback()

	now := e.stamp()
	if err := e.Repo.UpsertDay(ctx, tx, tripID, day, now); err != nil {
		return SaveResult{}, fmt.Errorf("save schedule: %w", err)
	}
	it, err := e.Repo.GetItinerary(ctx, tx, tripID)
	if err != nil {
		return SaveResult{}, err
	}
	_, after, err := e.reevaluate(ctx, tx, it)
	if err != nil {
		return SaveResult{}, err
	}
	if err := e.appendEvent(ctx, tx, "schedule.save", tripID, "schedule", day.Date, actorID, events.EventPayload{
		"items":       len(day.Items),
		"suggestions": len(after),
	}); err != nil {
		return SaveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SaveResult{}, err
	}
	return SaveResult{Schedule: day, Suggestions: after}, nil
}

func (e Engine) GetSchedule(ctx context.Context, tripID, date string) (domain.DaySchedule, error) {
	day, err := e.Repo.GetDay(ctx, tripID, date)
	if err != nil {
		return day, notFound(err, "schedule", tripID+"/"+date)
	}
	return day, nil
}

// reevaluate supersedes the active suggestion set of the itinerary's trip and
// stores a fresh one. It returns the previous and the new active sets.
func (e Engine) reevaluate(ctx context.Context, tx *sql.Tx, it domain.Itinerary) ([]domain.Suggestion, []domain.Suggestion, error) {
	prevRows, err := e.Repo.ListSuggestions(ctx, tx, it.TripID, false)
	if err != nil {
		return nil, nil, err
	}
	before := suggestionsOf(prevRows)
	gen, err := e.Repo.NextGeneration(ctx, tx, it.TripID)
	if err != nil {
		return nil, nil, err
	}
	now := e.stamp()
	if err := e.Repo.SupersedeActive(ctx, tx, it.TripID, now); err != nil {
		return nil, nil, err
	}
	fp := rules.Fingerprint(it)
	after := rules.Evaluate(it, e.settings())
	if after == nil {
		after = []domain.Suggestion{}
	}
	for i := range after {
		after[i].Fingerprint = fp
		after[i].CreatedAt = now
	}
	if err := e.Repo.InsertSuggestions(ctx, tx, gen, after); err != nil {
		return nil, nil, err
	}
	e.logger().DebugContext(ctx, "evaluated itinerary", "trip_id", it.TripID, "generation", gen, "suggestions", len(after))
	return before, after, nil
}

// Evaluate re-runs the evaluation pass over the stored itinerary.
func (e Engine) Evaluate(ctx context.Context, tripID, actorID string) ([]domain.Suggestion, error) {
	if strings.TrimSpace(tripID) == "" {
		return nil, ValidationError{Field: "tripId", Message: "required"}
	}
	unlock := e.locks.lock(tripID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	it, err := e.Repo.GetItinerary(ctx, tx, tripID)
	if err != nil {
		return nil, err
	}
	_, after, err := e.reevaluate(ctx, tx, it)
	if err != nil {
		return nil, err
	}
	if err := e.appendEvent(ctx, tx, "suggestions.evaluate", tripID, "trip", tripID, actorID, events.EventPayload{"suggestions": len(after)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return after, nil
}

func suggestionsOf(rows []repo.SuggestionRow) []domain.Suggestion {
	out := make([]domain.Suggestion, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Suggestion)
	}
	return out
}
