package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tripgate/internal/domain"
	"tripgate/internal/events"
	"tripgate/internal/repo"
	"tripgate/internal/rules"
)

const (
	ApprovalPending   = "PENDING"
	ApprovalApproved  = "APPROVED"
	ApprovalRejected  = "REJECTED"
	ApprovalExpired   = "EXPIRED"
	ApprovalCancelled = "CANCELLED"
)

// ResumeSignal tells a suspended operation how its approval was decided.
type ResumeSignal string

const (
	ResumeApproved ResumeSignal = "approved"
	ResumeRejected ResumeSignal = "rejected"
)

// ResumeFunc continues the operation that requested an approval. It runs after
// the decision is committed.
type ResumeFunc func(ctx context.Context, e Engine, approval domain.Approval, signal ResumeSignal) (map[string]any, error)

type resumerRegistry struct {
	mu    sync.RWMutex
	funcs map[string]ResumeFunc
}

func newResumerRegistry() *resumerRegistry {
	return &resumerRegistry{funcs: make(map[string]ResumeFunc)}
}

// RegisterResumer sets the continuation for approvals of kind.
func (e Engine) RegisterResumer(kind string, fn ResumeFunc) {
	e.resumers.mu.Lock()
	defer e.resumers.mu.Unlock()
	e.resumers.funcs[kind] = fn
}

func (e Engine) resumer(kind string) (ResumeFunc, bool) {
	e.resumers.mu.RLock()
	defer e.resumers.mu.RUnlock()
	fn, ok := e.resumers.funcs[kind]
	return fn, ok
}

type ApprovalRequestOptions struct {
	Kind      string
	Payload   map[string]any
	RiskLevel string
	SessionID string
	// TTL overrides the configured approval window when positive.
	TTL     time.Duration
	ActorID string
}

func validRiskLevel(level string) bool {
	return rules.RiskRank(level) > 0
}

func (e Engine) RequestApproval(ctx context.Context, opts ApprovalRequestOptions) (domain.Approval, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	a, err := e.requestApproval(ctx, tx, opts)
	if err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

func (e Engine) requestApproval(ctx context.Context, tx *sql.Tx, opts ApprovalRequestOptions) (domain.Approval, error) {
	if !validRiskLevel(opts.RiskLevel) {
		return domain.Approval{}, ValidationError{Field: "riskLevel", Message: fmt.Sprintf("invalid risk level %q", opts.RiskLevel)}
	}
	if opts.Payload == nil {
		return domain.Approval{}, ValidationError{Field: "payload", Message: "required"}
	}
	if opts.Kind == "" {
		opts.Kind = "generic"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.Config.ApprovalTTL()
	}
	now := e.now().UTC()
	a := domain.Approval{
		ID:          uuid.NewString(),
		Kind:        opts.Kind,
		Status:      ApprovalPending,
		RiskLevel:   opts.RiskLevel,
		Payload:     opts.Payload,
		RequestedBy: actorOrSystem(opts.ActorID),
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   expiryStamp(now, ttl),
	}
	if opts.SessionID != "" {
		sid := opts.SessionID
		a.SessionID = &sid
	}
	if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	tripID, _ := opts.Payload["tripId"].(string)
	if err := e.appendEvent(ctx, tx, "approval.request", tripID, "approval", a.ID, opts.ActorID, events.EventPayload{
		"kind":       a.Kind,
		"risk_level": a.RiskLevel,
		"expires_at": a.ExpiresAt,
	}); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// expiryStamp rounds the deadline up to the whole second so the stored
// window is never shorter than ttl.
func expiryStamp(now time.Time, ttl time.Duration) string {
	deadline := now.Add(ttl)
	if t := deadline.Truncate(time.Second); t.Before(deadline) {
		deadline = t.Add(time.Second)
	}
	return deadline.Format(time.RFC3339)
}

func actorOrSystem(actorID string) string {
	if strings.TrimSpace(actorID) == "" {
		return "system"
	}
	return actorID
}

func (e Engine) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	a, err := e.Repo.GetApproval(ctx, nil, id)
	if err != nil {
		return a, notFound(err, "approval", id)
	}
	return a, nil
}

func (e Engine) ListApprovals(ctx context.Context, f repo.ApprovalFilters) ([]domain.Approval, error) {
	if f.Status != "" {
		f.Status = strings.ToUpper(f.Status)
		switch f.Status {
		case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalExpired, ApprovalCancelled:
		default:
			return nil, ValidationError{Field: "status", Message: fmt.Sprintf("invalid status %q", f.Status)}
		}
	}
	items, err := e.Repo.ListApprovals(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Approval{}
	}
	return items, nil
}

type DecideOptions struct {
	ID           string
	Approved     bool
	DecisionNote string
	ResumeAgent  bool
	ActorID      string
}

// DecisionResult reports the resolved approval and what resuming it produced.
type DecisionResult struct {
	Approval     domain.Approval `json:"approval"`
	AgentResumed bool            `json:"agentResumed"`
	ResumeResult map[string]any  `json:"resumeResult,omitempty"`
	ResumeError  string          `json:"resumeError,omitempty"`
}

// DecideApproval moves a PENDING approval to APPROVED or REJECTED. A request
// past its window is marked EXPIRED and ExpiredError is returned.
func (e Engine) DecideApproval(ctx context.Context, opts DecideOptions) (DecisionResult, error) {
	ctx, span := tracer.Start(ctx, "engine.DecideApproval", trace.WithAttributes(
		attribute.String("approval_id", opts.ID),
		attribute.Bool("approved", opts.Approved),
	))
	defer span.End()
	status := ApprovalRejected
	if opts.Approved {
		status = ApprovalApproved
	}
	a, err := e.resolveApproval(ctx, opts.ID, status, opts.DecisionNote, opts.ActorID)
	if err != nil {
		return DecisionResult{}, err
	}
	res := DecisionResult{Approval: a}
	if !opts.ResumeAgent {
		return res, nil
	}
	fn, ok := e.resumer(a.Kind)
	if !ok {
		res.ResumeError = fmt.Sprintf("no continuation registered for %s", a.Kind)
		return res, nil
	}
	signal := ResumeRejected
	if opts.Approved {
		signal = ResumeApproved
	}
	res.AgentResumed = true
	out, err := fn(ctx, e, a, signal)
	if err != nil {
		res.ResumeError = err.Error()
		e.logger().WarnContext(ctx, "approval continuation failed", "approval_id", a.ID, "kind", a.Kind, "err", err)
	}
	res.ResumeResult = out
	return res, nil
}

// CancelApproval withdraws a PENDING approval. Expired requests report
// ExpiredError like DecideApproval.
func (e Engine) CancelApproval(ctx context.Context, id, reason, actorID string) (domain.Approval, error) {
	return e.resolveApproval(ctx, id, ApprovalCancelled, reason, actorID)
}

func (e Engine) resolveApproval(ctx context.Context, id, status, note, actorID string) (domain.Approval, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Approval{}, ValidationError{Field: "id", Message: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return domain.Approval{}, notFound(err, "approval", id)
	}
	if a.Status == ApprovalExpired {
		return domain.Approval{}, ExpiredError{ApprovalID: id, ExpiresAt: a.ExpiresAt}
	}
	if err := ensureApprovalTransition(a.Status, status); err != nil {
		return domain.Approval{}, ConflictError{Kind: "approval", ID: id, Status: strings.ToLower(a.Status)}
	}
	now := e.now().UTC()
	handledAt := now.Format(time.RFC3339)
	expires, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err != nil {
		return domain.Approval{}, fmt.Errorf("approval %s expires_at: %w", id, err)
	}
	if now.After(expires) {
		if _, err := e.Repo.ResolveApproval(ctx, tx, id, ApprovalExpired, nil, handledAt, "system"); err != nil {
			return domain.Approval{}, err
		}
		if err := e.appendEvent(ctx, tx, "approval.expire", "", "approval", id, "system", events.EventPayload{"expires_at": a.ExpiresAt}); err != nil {
			return domain.Approval{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Approval{}, err
		}
		return domain.Approval{}, ExpiredError{ApprovalID: id, ExpiresAt: a.ExpiresAt}
	}
	var notePtr *string
	if strings.TrimSpace(note) != "" {
		notePtr = &note
	}
	ok, err := e.Repo.ResolveApproval(ctx, tx, id, status, notePtr, handledAt, actorOrSystem(actorID))
	if err != nil {
		return domain.Approval{}, err
	}
	if !ok {
		return domain.Approval{}, ConflictError{Kind: "approval", ID: id, Reason: "no longer pending"}
	}
	tripID, _ := a.Payload["tripId"].(string)
	if err := e.appendEvent(ctx, tx, "approval."+strings.ToLower(status), tripID, "approval", id, actorID, events.EventPayload{
		"kind": a.Kind,
		"note": note,
	}); err != nil {
		return domain.Approval{}, err
	}
	updated, err := e.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	return updated, nil
}

// ensureApprovalTransition allows only PENDING to a terminal status.
func ensureApprovalTransition(from, to string) error {
	if from != ApprovalPending {
		return fmt.Errorf("approval already %s", strings.ToLower(from))
	}
	switch to {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired, ApprovalCancelled:
		return nil
	}
	return fmt.Errorf("invalid approval status %s", to)
}

// SweepExpiredApprovals marks every PENDING approval past its window EXPIRED.
func (e Engine) SweepExpiredApprovals(ctx context.Context) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := e.stamp()
	expired, err := e.Repo.ExpiredPendingIDs(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range expired {
		ok, err := e.Repo.ResolveApproval(ctx, tx, id, ApprovalExpired, nil, now, "system")
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if err := e.appendEvent(ctx, tx, "approval.expire", "", "approval", id, "system", events.EventPayload{"sweep": true}); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger().InfoContext(ctx, "expired stale approvals", "count", n)
	}
	return n, nil
}

// resumeSuggestionApply applies the gated action on approval. On rejection it
// hands back the suggestion's other actions so the caller can pick another branch.
func resumeSuggestionApply(ctx context.Context, e Engine, a domain.Approval, signal ResumeSignal) (map[string]any, error) {
	suggestionID, _ := a.Payload["suggestionId"].(string)
	actionID, _ := a.Payload["actionId"].(string)
	if suggestionID == "" || actionID == "" {
		return nil, errors.New("approval payload lacks suggestionId or actionId")
	}
	if signal == ResumeRejected {
		row, err := e.Repo.LatestSuggestion(ctx, nil, suggestionID)
		if err != nil {
			return nil, notFound(err, "suggestion", suggestionID)
		}
		alternatives := []domain.SuggestionAction{}
		for _, act := range row.Actions {
			if act.ID != actionID {
				alternatives = append(alternatives, act)
			}
		}
		return map[string]any{
			"signal":       string(signal),
			"suggestionId": suggestionID,
			"alternatives": alternatives,
		}, nil
	}
	actor := ""
	if a.HandledBy != nil {
		actor = *a.HandledBy
	}
	res, err := e.Apply(ctx, ApplyOptions{SuggestionID: suggestionID, ActionID: actionID, ActorID: actor, Confirmed: true})
	if err != nil {
		return map[string]any{"signal": string(signal), "suggestionId": suggestionID}, err
	}
	return map[string]any{
		"signal":       string(signal),
		"suggestionId": suggestionID,
		"applyResult":  res,
	}, nil
}
