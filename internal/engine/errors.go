package engine

import (
	"fmt"

	"tripgate/internal/gate"
)

// ValidationError marks a malformed request.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError signals that the operation was already handled, or is being
// handled by another caller. Clients refresh state instead of retrying.
type ConflictError struct {
	Kind   string
	ID     string
	Status string
	Reason string
}

func (e ConflictError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s %s already %s", e.Kind, e.ID, e.Status)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, e.Reason)
}

// StaleSuggestionError means the itinerary changed since the suggestion was generated.
type StaleSuggestionError struct {
	SuggestionID string
	Expected     string
	Actual       string
}

func (e StaleSuggestionError) Error() string {
	return fmt.Sprintf("suggestion %s is stale; re-fetch suggestions", e.SuggestionID)
}

// ExpiredError is returned when an approval window has elapsed.
type ExpiredError struct {
	ApprovalID string
	ExpiresAt  string
}

func (e ExpiredError) Error() string {
	return fmt.Sprintf("approval %s expired at %s", e.ApprovalID, e.ExpiresAt)
}

type ActionNotFoundError struct {
	SuggestionID string
	ActionID     string
}

func (e ActionNotFoundError) Error() string {
	return fmt.Sprintf("action %s not found on suggestion %s", e.ActionID, e.SuggestionID)
}

// GateRejectedError carries the evaluator verdicts that produced REJECT.
type GateRejectedError struct {
	SuggestionID string
	ActionID     string
	Verdicts     []gate.Verdict
}

func (e GateRejectedError) Error() string {
	for _, v := range e.Verdicts {
		if v.Status == gate.Reject {
			return fmt.Sprintf("action %s rejected by %s: %s", e.ActionID, v.Evaluator, v.Reason)
		}
	}
	return fmt.Sprintf("action %s rejected", e.ActionID)
}

type NothingToUndoError struct {
	TripID string
	Date   string
}

func (e NothingToUndoError) Error() string {
	return fmt.Sprintf("nothing to undo for %s on %s", e.TripID, e.Date)
}

type NothingToRedoError struct {
	TripID string
	Date   string
}

func (e NothingToRedoError) Error() string {
	return fmt.Sprintf("nothing to redo for %s on %s", e.TripID, e.Date)
}

// AlreadyTerminalError is returned when cancelling a finished task.
type AlreadyTerminalError struct {
	TaskID string
	Status string
}

func (e AlreadyTerminalError) Error() string {
	return fmt.Sprintf("task %s already %s", e.TaskID, e.Status)
}

// ConfirmationRequiredError is returned instead of opening an approval when
// the caller cannot wait for a human decision.
type ConfirmationRequiredError struct {
	SuggestionID string
	ActionID     string
	RiskLevel    string
}

func (e ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("action %s on suggestion %s needs confirmation (%s risk)", e.ActionID, e.SuggestionID, e.RiskLevel)
}
