package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"tripgate/internal/domain"
	"tripgate/internal/events"
	"tripgate/internal/ids"
	"tripgate/internal/repo"
)

// AppendOptions describe one forward mutation of a (trip, date) scope.
type AppendOptions struct {
	TripID string
	Date   string
	Action domain.HistoryAction
	Before domain.DaySchedule
	After  domain.DaySchedule
	// ActorID is recorded on the audit event.
	ActorID string
}

func validateScope(tripID, date string) error {
	if strings.TrimSpace(tripID) == "" {
		return ValidationError{Field: "tripId", Message: "required"}
	}
	if strings.TrimSpace(date) == "" {
		return ValidationError{Field: "date", Message: "required"}
	}
	return nil
}

// AppendHistory records a mutation made outside the suggestion pipeline.
func (e Engine) AppendHistory(ctx context.Context, opts AppendOptions) (domain.HistoryEntry, error) {
	if err := validateScope(opts.TripID, opts.Date); err != nil {
		return domain.HistoryEntry{}, err
	}
	if strings.TrimSpace(opts.Action.Type) == "" {
		return domain.HistoryEntry{}, ValidationError{Field: "action.type", Message: "required"}
	}
	unlock := e.locks.lock(opts.TripID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	defer tx.Rollback()
	entry, err := e.appendHistory(ctx, tx, opts)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.HistoryEntry{}, err
	}
	return entry, nil
}

// appendHistory abandons any redo branch past the cursor, appends the entry
// and moves the cursor onto it. Callers hold the trip lock.
func (e Engine) appendHistory(ctx context.Context, tx *sql.Tx, opts AppendOptions) (domain.HistoryEntry, error) {
	now := e.stamp()
	cursor, err := e.Repo.Cursor(ctx, tx, opts.TripID, opts.Date)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	abandoned, err := e.Repo.AbandonAfter(ctx, tx, opts.TripID, opts.Date, cursor, now)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	last, err := e.Repo.MaxSeq(ctx, tx, opts.TripID, opts.Date)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	entry := domain.HistoryEntry{
		ID:             ids.New(),
		TripID:         opts.TripID,
		Date:           opts.Date,
		Seq:            last + 1,
		ActionType:     opts.Action.Type,
		Action:         opts.Action,
		ScheduleBefore: opts.Before,
		ScheduleAfter:  opts.After,
		Timestamp:      now,
	}
	if err := e.Repo.InsertHistoryEntry(ctx, tx, entry); err != nil {
		return domain.HistoryEntry{}, err
	}
	if err := e.Repo.SetCursor(ctx, tx, opts.TripID, opts.Date, entry.Seq, now); err != nil {
		return domain.HistoryEntry{}, err
	}
	if err := e.appendEvent(ctx, tx, "history.append", opts.TripID, "history", entry.ID, opts.ActorID, events.EventPayload{
		"date":      opts.Date,
		"seq":       entry.Seq,
		"type":      entry.ActionType,
		"abandoned": abandoned,
	}); err != nil {
		return domain.HistoryEntry{}, err
	}
	return entry, nil
}

// Undo moves the cursor back one live entry and returns the schedule as it was
// before that entry. The caller persists it with SaveSchedule.
func (e Engine) Undo(ctx context.Context, tripID, date, actorID string) (domain.DaySchedule, error) {
	if err := validateScope(tripID, date); err != nil {
		return domain.DaySchedule{}, err
	}
	unlock := e.locks.lock(tripID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DaySchedule{}, err
	}
	defer tx.Rollback()

	cursor, err := e.Repo.Cursor(ctx, tx, tripID, date)
	if err != nil {
		return domain.DaySchedule{}, err
	}
	if cursor == 0 {
		return domain.DaySchedule{}, NothingToUndoError{TripID: tripID, Date: date}
	}
	entry, err := e.Repo.HistoryEntryAt(ctx, tx, tripID, date, cursor)
	if err != nil {
		return domain.DaySchedule{}, err
	}
	prev, err := e.Repo.PrevLiveSeq(ctx, tx, tripID, date, cursor)
	if err != nil {
		return domain.DaySchedule{}, err
	}
	if err := e.Repo.SetCursor(ctx, tx, tripID, date, prev, e.stamp()); err != nil {
		return domain.DaySchedule{}, err
	}
	if err := e.appendEvent(ctx, tx, "history.undo", tripID, "history", entry.ID, actorID, events.EventPayload{"date": date, "seq": entry.Seq}); err != nil {
		return domain.DaySchedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DaySchedule{}, err
	}
	return entry.ScheduleBefore, nil
}

// Redo moves the cursor forward onto the next live entry and returns the
// schedule that entry produced.
func (e Engine) Redo(ctx context.Context, tripID, date, actorID string) (domain.DaySchedule, error) {
	if err := validateScope(tripID, date); err != nil {
		return domain.DaySchedule{}, err
	}
	unlock := e.locks.lock(tripID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DaySchedule{}, err
	}
	defer tx.Rollback()

	cursor, err := e.Repo.Cursor(ctx, tx, tripID, date)
	if err != nil {
		return domain.DaySchedule{}, err
	}
	entry, err := e.Repo.NextLiveEntry(ctx, tx, tripID, date, cursor)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DaySchedule{}, NothingToRedoError{TripID: tripID, Date: date}
	}
	if err != nil {
		return domain.DaySchedule{}, err
	}
	if err := e.Repo.SetCursor(ctx, tx, tripID, date, entry.Seq, e.stamp()); err != nil {
		return domain.DaySchedule{}, err
	}
	if err := e.appendEvent(ctx, tx, "history.redo", tripID, "history", entry.ID, actorID, events.EventPayload{"date": date, "seq": entry.Seq}); err != nil {
		return domain.DaySchedule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DaySchedule{}, err
	}
	return entry.ScheduleAfter, nil
}

// History lists every entry of a scope, abandoned ones included, with the cursor.
func (e Engine) History(ctx context.Context, tripID, date string) (domain.History, error) {
	if err := validateScope(tripID, date); err != nil {
		return domain.History{}, err
	}
	cursor, err := e.Repo.Cursor(ctx, nil, tripID, date)
	if err != nil {
		return domain.History{}, err
	}
	entries, err := e.Repo.ListHistory(ctx, tripID, date)
	if err != nil {
		return domain.History{}, err
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	h := domain.History{TripID: tripID, Date: date, Cursor: cursor, CanUndo: cursor > 0, Entries: entries}
	for _, en := range entries {
		if en.Seq > cursor && !en.Abandoned {
			h.CanRedo = true
			break
		}
	}
	return h, nil
}
