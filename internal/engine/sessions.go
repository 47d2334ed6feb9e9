package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"tripgate/internal/domain"
)

// CreateSession opens a planning session for a trip and returns its opaque token.
func (e Engine) CreateSession(ctx context.Context, tripID string) (domain.Session, error) {
	if strings.TrimSpace(tripID) == "" {
		return domain.Session{}, ValidationError{Field: "tripId", Message: "required"}
	}
	now := e.stamp()
	s := domain.Session{Token: uuid.NewString(), TripID: tripID, CreatedAt: now, UpdatedAt: now}
	if err := e.Repo.InsertSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// GetSession reports whether the session holds anything the user has not confirmed.
func (e Engine) GetSession(ctx context.Context, token string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, token)
	if err != nil {
		return s, notFound(err, "session", token)
	}
	n, err := e.Repo.CountPendingApprovals(ctx, token, e.stamp())
	if err != nil {
		return s, err
	}
	s.PendingApprovals = n
	s.HasUnconfirmedContent = s.Draft || n > 0
	return s, nil
}

// MarkSession sets the draft flag of a session.
func (e Engine) MarkSession(ctx context.Context, token string, draft bool) (domain.Session, error) {
	if err := e.Repo.SetSessionDraft(ctx, token, draft, e.stamp()); err != nil {
		return domain.Session{}, notFound(err, "session", token)
	}
	return e.GetSession(ctx, token)
}
