package server

import (
	"tripgate/internal/domain"
	"tripgate/internal/engine"
)

// Request payloads

type SaveScheduleRequest struct {
	Items []domain.ScheduleItem `json:"items"`
}

type ApplySuggestionRequest struct {
	ActionID  string `json:"actionId" minLength:"1"`
	Preview   bool   `json:"preview,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type AutoOptimizeRequest struct {
	TripID  string `json:"tripId" minLength:"1"`
	Preview bool   `json:"preview,omitempty"`
	Limit   int    `json:"limit,omitempty" minimum:"0"`
	Async   bool   `json:"async,omitempty"`
}

type CreateApprovalRequest struct {
	Kind       string         `json:"kind,omitempty"`
	Payload    map[string]any `json:"payload"`
	RiskLevel  string         `json:"riskLevel" enum:"low,medium,high,critical"`
	SessionID  string         `json:"sessionId,omitempty"`
	TTLSeconds int            `json:"ttlSeconds,omitempty" minimum:"0"`
}

type DecisionRequest struct {
	Approved     bool   `json:"approved"`
	DecisionNote string `json:"decisionNote,omitempty"`
	ResumeAgent  bool   `json:"resumeAgent,omitempty"`
}

type CancelApprovalRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ScopeRequest struct {
	Date string `json:"date" minLength:"1"`
}

type CreateSessionRequest struct {
	TripID string `json:"tripId" minLength:"1"`
}

type UpdateSessionRequest struct {
	Draft bool `json:"draft"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actorId" minLength:"1"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ScheduleResponse struct {
	Schedule domain.DaySchedule `json:"schedule"`
}

type SuggestionsResponse struct {
	Suggestions []domain.Suggestion `json:"suggestions"`
}

type ApprovalListResponse struct {
	Items []domain.Approval `json:"items"`
}

type TaskListResponse struct {
	Items []domain.AsyncTask `json:"items"`
}

type EventListResponse struct {
	Items []domain.Event `json:"items"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func mapSaveResult(res engine.SaveResult) engine.SaveResult {
	res.Schedule.Items = nonNilSlice(res.Schedule.Items)
	res.Suggestions = nonNilSlice(res.Suggestions)
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
