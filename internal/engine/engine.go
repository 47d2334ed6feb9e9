package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"tripgate/internal/config"
	"tripgate/internal/events"
	"tripgate/internal/repo"
	"tripgate/internal/rules"
	"tripgate/internal/taskbus"
)

var tracer = otel.Tracer("tripgate/engine")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Logger  *slog.Logger
	TaskBus taskbus.Publisher

	locks    *tripLocks
	resumers *resumerRegistry
	tasks    *taskState
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
		Logger:   slog.Default(),
		TaskBus:  taskbus.Nop(),
		locks:    newTripLocks(),
		resumers: newResumerRegistry(),
		tasks:    newTaskState(),
	}
	e.RegisterResumer(KindSuggestionApply, resumeSuggestionApply)
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) settings() rules.Settings {
	return rules.SettingsFromConfig(e.Config)
}

// appendEvent writes an audit event stamped with the engine clock.
func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, tripID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, tripID, entityKind, entityID, actorID, payload)
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Kind: kind, ID: id}
	}
	return err
}

// toMap converts a result struct into the generic map stored on tasks and
// returned by continuations.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
