package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tripgate/internal/domain"
	"tripgate/internal/events"
	"tripgate/internal/gate"
	"tripgate/internal/repo"
	"tripgate/internal/rules"
)

const (
	KindSuggestionApply  = "suggestion.apply"
	TaskKindAutoOptimize = "optimize.auto"
)

// SuggestionList is the active suggestion set of a trip plus what was applied.
type SuggestionList struct {
	TripID      string              `json:"tripId"`
	Suggestions []domain.Suggestion `json:"suggestions"`
	Applied     []domain.Suggestion `json:"applied"`
	Stats       map[string]int      `json:"stats"`
}

func (e Engine) ListSuggestions(ctx context.Context, tripID string) (SuggestionList, error) {
	if strings.TrimSpace(tripID) == "" {
		return SuggestionList{}, ValidationError{Field: "tripId", Message: "required"}
	}
	active, err := e.Repo.ListSuggestions(ctx, nil, tripID, false)
	if err != nil {
		return SuggestionList{}, err
	}
	applied, err := e.Repo.ListAppliedSuggestions(ctx, tripID)
	if err != nil {
		return SuggestionList{}, err
	}
	stats, err := e.Repo.SeverityCounts(ctx, tripID)
	if err != nil {
		return SuggestionList{}, err
	}
	return SuggestionList{
		TripID:      tripID,
		Suggestions: suggestionsOf(active),
		Applied:     suggestionsOf(applied),
		Stats:       stats,
	}, nil
}

type ApplyOptions struct {
	SuggestionID string
	ActionID     string
	Preview      bool
	ActorID      string
	SessionID    string
	// Confirmed skips the approval round trip; set when resuming an approved request.
	Confirmed bool
	// FailOnConfirm returns ConfirmationRequiredError instead of opening an approval.
	FailOnConfirm bool
}

type planned struct {
	row    repo.SuggestionRow
	action domain.SuggestionAction
	plan   rules.PlanResult
}

// resolve loads a suggestion, checks it against the current itinerary and
// plans the action. It never writes.
func (e Engine) resolve(ctx context.Context, tx *sql.Tx, suggestionID, actionID string) (planned, error) {
	row, err := e.Repo.LatestSuggestion(ctx, tx, suggestionID)
	if err != nil {
		return planned{}, notFound(err, "suggestion", suggestionID)
	}
	if row.AppliedActionID != nil {
		return planned{}, ConflictError{Kind: "suggestion", ID: suggestionID, Status: "applied"}
	}
	if !row.Active() {
		return planned{}, StaleSuggestionError{SuggestionID: suggestionID, Expected: row.Fingerprint}
	}
	it, err := e.Repo.GetItinerary(ctx, tx, row.TripID)
	if err != nil {
		return planned{}, err
	}
	if fp := rules.Fingerprint(it); fp != row.Fingerprint {
		return planned{}, StaleSuggestionError{SuggestionID: suggestionID, Expected: row.Fingerprint, Actual: fp}
	}
	var action *domain.SuggestionAction
	for i := range row.Actions {
		if row.Actions[i].ID == actionID {
			action = &row.Actions[i]
			break
		}
	}
	if action == nil {
		return planned{}, ActionNotFoundError{SuggestionID: suggestionID, ActionID: actionID}
	}
	plan, err := rules.Plan(it, *action, e.settings())
	if errors.Is(err, rules.ErrOpTarget) {
		return planned{}, StaleSuggestionError{SuggestionID: suggestionID, Expected: row.Fingerprint}
	}
	if err != nil {
		return planned{}, ValidationError{Field: "actionId", Message: err.Error()}
	}
	return planned{row: row, action: *action, plan: plan}, nil
}

func newApplyResult(p planned) domain.ApplyResult {
	return domain.ApplyResult{
		Success:              true,
		SuggestionID:         p.row.ID,
		ActionID:             p.action.ID,
		GateStatus:           p.plan.Gate,
		Verdicts:             p.plan.Verdicts,
		AppliedChanges:       p.plan.AppliedChanges,
		Impact:               p.plan.Impact,
		Warnings:             p.plan.Warnings,
		TriggeredSuggestions: []string{},
	}
}

func validateApply(suggestionID, actionID string) error {
	if strings.TrimSpace(suggestionID) == "" {
		return ValidationError{Field: "suggestionId", Message: "required"}
	}
	if strings.TrimSpace(actionID) == "" {
		return ValidationError{Field: "actionId", Message: "required"}
	}
	return nil
}

// Preview computes what applying an action would change. It never persists,
// never logs an event and is not gated; the gate status is reported.
func (e Engine) Preview(ctx context.Context, suggestionID, actionID string) (domain.ApplyResult, error) {
	ctx, span := tracer.Start(ctx, "engine.Preview", trace.WithAttributes(
		attribute.String("suggestion_id", suggestionID),
		attribute.String("action_id", actionID),
	))
	defer span.End()
	if err := validateApply(suggestionID, actionID); err != nil {
		return domain.ApplyResult{}, err
	}
	p, err := e.resolve(ctx, nil, suggestionID, actionID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.ApplyResult{}, err
	}
	res := newApplyResult(p)
	res.Preview = true
	res.Status = "previewed"
	return res, nil
}

// Apply persists the planned action, appends one ledger entry per affected
// date and re-evaluates the trip. Actions at or above the approval threshold
// open an approval instead and return status pending_approval.
func (e Engine) Apply(ctx context.Context, opts ApplyOptions) (domain.ApplyResult, error) {
	if opts.Preview {
		return e.Preview(ctx, opts.SuggestionID, opts.ActionID)
	}
	ctx, span := tracer.Start(ctx, "engine.Apply", trace.WithAttributes(
		attribute.String("suggestion_id", opts.SuggestionID),
		attribute.String("action_id", opts.ActionID),
	))
	defer span.End()
	res, err := e.apply(ctx, opts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e Engine) apply(ctx context.Context, opts ApplyOptions) (domain.ApplyResult, error) {
	if err := validateApply(opts.SuggestionID, opts.ActionID); err != nil {
		return domain.ApplyResult{}, err
	}
	head, err := e.Repo.LatestSuggestion(ctx, nil, opts.SuggestionID)
	if err != nil {
		return domain.ApplyResult{}, notFound(err, "suggestion", opts.SuggestionID)
	}
	release, ok := e.locks.claim(head.TripID + "|" + opts.SuggestionID)
	if !ok {
		return domain.ApplyResult{}, ConflictError{Kind: "suggestion", ID: opts.SuggestionID, Reason: "apply already in progress"}
	}
	defer release()
	unlock := e.locks.lock(head.TripID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	defer tx.Rollback()

	p, err := e.resolve(ctx, tx, opts.SuggestionID, opts.ActionID)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	res := newApplyResult(p)
	switch p.plan.Gate {
	case gate.Reject:
		return domain.ApplyResult{}, GateRejectedError{SuggestionID: p.row.ID, ActionID: p.action.ID, Verdicts: p.plan.Verdicts}
	case gate.NeedConfirm:
		if opts.Confirmed {
			break
		}
		if opts.FailOnConfirm {
			return domain.ApplyResult{}, ConfirmationRequiredError{SuggestionID: p.row.ID, ActionID: p.action.ID, RiskLevel: p.action.RiskLevel}
		}
		existing, err := e.Repo.OpenApprovalFor(ctx, tx, KindSuggestionApply, p.row.ID, p.action.ID, p.row.Fingerprint, e.stamp())
		switch {
		case err == nil:
			res.Success = false
			res.Status = "pending_approval"
			res.Approval = &existing
			return res, nil
		case !errors.Is(err, repo.ErrNotFound):
			return domain.ApplyResult{}, err
		}
		approval, err := e.requestApproval(ctx, tx, ApprovalRequestOptions{
			Kind:      KindSuggestionApply,
			RiskLevel: p.action.RiskLevel,
			SessionID: opts.SessionID,
			ActorID:   opts.ActorID,
			Payload: map[string]any{
				"tripId":       p.row.TripID,
				"suggestionId": p.row.ID,
				"actionId":     p.action.ID,
				"title":        p.row.Title,
				"fingerprint":  p.row.Fingerprint,
			},
		})
		if err != nil {
			return domain.ApplyResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.ApplyResult{}, err
		}
		res.Success = false
		res.Status = "pending_approval"
		res.Approval = &approval
		return res, nil
	}

	now := e.stamp()
	tripID := p.row.TripID
	for _, date := range p.plan.Dates {
		after := p.plan.After.Days[date]
		if err := e.Repo.UpsertDay(ctx, tx, tripID, after, now); err != nil {
			return domain.ApplyResult{}, err
		}
		entry, err := e.appendHistory(ctx, tx, AppendOptions{
			TripID: tripID,
			Date:   date,
			Action: domain.HistoryAction{Type: KindSuggestionApply, Params: map[string]any{
				"suggestionId": p.row.ID,
				"actionId":     p.action.ID,
				"rule":         p.row.Rule,
			}},
			Before:  p.plan.Before.Days[date],
			After:   after,
			ActorID: opts.ActorID,
		})
		if err != nil {
			return domain.ApplyResult{}, err
		}
		if res.HistoryEntryID == "" {
			res.HistoryEntryID = entry.ID
		}
	}
	if err := e.Repo.MarkApplied(ctx, tx, p.row.ID, p.row.Generation, p.action.ID, now); err != nil {
		return domain.ApplyResult{}, notFound(err, "suggestion", p.row.ID)
	}
	before, after, err := e.reevaluate(ctx, tx, p.plan.After)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	res.TriggeredSuggestions = rules.Triggered(before, after)
	if err := e.appendEvent(ctx, tx, "suggestion.apply", tripID, "suggestion", p.row.ID, opts.ActorID, events.EventPayload{
		"action_id": p.action.ID,
		"gate":      string(p.plan.Gate),
		"changes":   len(p.plan.AppliedChanges),
		"triggered": res.TriggeredSuggestions,
	}); err != nil {
		return domain.ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApplyResult{}, err
	}
	res.Status = "applied"
	e.logger().InfoContext(ctx, "applied suggestion", "trip_id", tripID, "suggestion_id", p.row.ID, "action_id", p.action.ID, "triggered", len(res.TriggeredSuggestions))
	return res, nil
}

type AutoOptimizeOptions struct {
	TripID  string
	Preview bool
	Limit   int
	Async   bool
	ActorID string
}

// AutoOptimize applies the primary action of up to Limit blocker suggestions,
// highest risk first and declared order among equals. The batch stops
// applying after the first failure.
func (e Engine) AutoOptimize(ctx context.Context, opts AutoOptimizeOptions) (domain.BatchApplyResult, error) {
	ctx, span := tracer.Start(ctx, "engine.AutoOptimize", trace.WithAttributes(
		attribute.String("trip_id", opts.TripID),
		attribute.Bool("preview", opts.Preview),
	))
	defer span.End()
	if strings.TrimSpace(opts.TripID) == "" {
		return domain.BatchApplyResult{}, ValidationError{Field: "tripId", Message: "required"}
	}
	if opts.Limit < 0 {
		return domain.BatchApplyResult{}, ValidationError{Field: "limit", Message: "must not be negative"}
	}
	if opts.Limit == 0 {
		opts.Limit = e.Config.Optimize.DefaultLimit
	}
	if !opts.Async {
		return e.autoOptimize(ctx, opts, nil)
	}
	candidates, err := e.blockers(ctx, opts.TripID)
	if err != nil {
		return domain.BatchApplyResult{}, err
	}
	total := min(len(candidates), opts.Limit)
	task, err := e.RunTask(ctx, TaskKindAutoOptimize, total, func(ctx context.Context, r *Reporter) (map[string]any, error) {
		res, err := e.autoOptimize(ctx, opts, r)
		if err != nil {
			return nil, err
		}
		return toMap(res)
	})
	if err != nil {
		return domain.BatchApplyResult{}, err
	}
	return domain.BatchApplyResult{
		Success:     true,
		Preview:     opts.Preview,
		Suggestions: []domain.BatchItem{},
		Impact:      domain.Impact{Risks: []domain.Risk{}},
		TaskID:      task.ID,
	}, nil
}

// blockers returns the active blocker suggestions, risk descending and
// otherwise in declared order.
func (e Engine) blockers(ctx context.Context, tripID string) ([]domain.Suggestion, error) {
	rows, err := e.Repo.ListSuggestions(ctx, nil, tripID, false)
	if err != nil {
		return nil, err
	}
	var out []domain.Suggestion
	for _, r := range rows {
		if r.Severity == "blocker" && r.AppliedActionID == nil {
			out = append(out, r.Suggestion)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rules.RiskRank(out[i].RiskLevel) > rules.RiskRank(out[j].RiskLevel)
	})
	return out, nil
}

func primaryAction(sg domain.Suggestion) (domain.SuggestionAction, bool) {
	for _, a := range sg.Actions {
		if a.Primary {
			return a, true
		}
	}
	if len(sg.Actions) > 0 {
		return sg.Actions[0], true
	}
	return domain.SuggestionAction{}, false
}

// batchStep applies or simulates one candidate. A nil error with applied
// false means the candidate no longer exists.
type batchStep func(sg domain.Suggestion, action domain.SuggestionAction) (impact domain.Impact, applied bool, err error)

func (e Engine) autoOptimize(ctx context.Context, opts AutoOptimizeOptions, r *Reporter) (domain.BatchApplyResult, error) {
	candidates, err := e.blockers(ctx, opts.TripID)
	if err != nil {
		return domain.BatchApplyResult{}, err
	}
	var step batchStep
	if opts.Preview {
		step, err = e.simulateStep(ctx, opts.TripID)
		if err != nil {
			return domain.BatchApplyResult{}, err
		}
	} else {
		step = func(sg domain.Suggestion, action domain.SuggestionAction) (domain.Impact, bool, error) {
			out, err := e.Apply(ctx, ApplyOptions{SuggestionID: sg.ID, ActionID: action.ID, ActorID: opts.ActorID, FailOnConfirm: true})
			var stale StaleSuggestionError
			if errors.As(err, &stale) {
				return domain.Impact{}, false, nil
			}
			if err != nil {
				return domain.Impact{}, false, err
			}
			return out.Impact, true, nil
		}
	}

	res := domain.BatchApplyResult{
		Success:     true,
		Preview:     opts.Preview,
		Suggestions: []domain.BatchItem{},
		Impact:      domain.Impact{Risks: []domain.Risk{}},
	}
	failed := false
	for _, sg := range candidates {
		item := domain.BatchItem{ID: sg.ID, Title: sg.Title, Severity: sg.Severity}
		switch {
		case failed:
			item.Reason = "skipped"
		case res.AppliedCount >= opts.Limit:
			item.Reason = "limit"
		case r.Cancelled():
			item.Reason = "cancelled"
		default:
			action, ok := primaryAction(sg)
			if !ok {
				item.Reason = "no_action"
				break
			}
			impact, applied, err := step(sg, action)
			switch {
			case err != nil:
				item.Error = err.Error()
				failed = true
				res.Success = false
			case !applied:
				item.Reason = "superseded"
			default:
				item.Applied = true
				res.AppliedCount++
				res.Impact = rules.MergeImpact(res.Impact, impact)
				r.Advance(1, sg.Title)
			}
		}
		res.Suggestions = append(res.Suggestions, item)
	}
	e.logger().InfoContext(ctx, "auto-optimize finished", "trip_id", opts.TripID, "preview", opts.Preview, "applied", res.AppliedCount, "candidates", len(candidates))
	return res, nil
}

// simulateStep folds plans over an in-memory copy of the itinerary so that a
// preview batch sees the effect of its earlier steps.
func (e Engine) simulateStep(ctx context.Context, tripID string) (batchStep, error) {
	it, err := e.Repo.GetItinerary(ctx, nil, tripID)
	if err != nil {
		return nil, err
	}
	s := e.settings()
	current := rules.Evaluate(it, s)
	return func(sg domain.Suggestion, action domain.SuggestionAction) (domain.Impact, bool, error) {
		var live *domain.Suggestion
		for i := range current {
			if current[i].ID == sg.ID {
				live = &current[i]
				break
			}
		}
		if live == nil {
			return domain.Impact{}, false, nil
		}
		if a, ok := primaryAction(*live); ok {
			action = a
		}
		p, err := rules.Plan(it, action, s)
		if errors.Is(err, rules.ErrOpTarget) {
			return domain.Impact{}, false, nil
		}
		if err != nil {
			return domain.Impact{}, false, err
		}
		switch p.Gate {
		case gate.Reject:
			return domain.Impact{}, false, GateRejectedError{SuggestionID: sg.ID, ActionID: action.ID, Verdicts: p.Verdicts}
		case gate.NeedConfirm:
			return domain.Impact{}, false, ConfirmationRequiredError{SuggestionID: sg.ID, ActionID: action.ID, RiskLevel: action.RiskLevel}
		}
		it = p.After
		current = rules.Evaluate(it, s)
		return p.Impact, true, nil
	}, nil
}
