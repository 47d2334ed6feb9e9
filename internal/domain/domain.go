package domain

import "tripgate/internal/gate"

type ScheduleItem struct {
	ID        string         `json:"id"`
	PlaceID   string         `json:"placeId,omitempty"`
	PlaceName string         `json:"placeName"`
	Type      string         `json:"type,omitempty"`
	StartTime string         `json:"startTime" example:"09:00"`
	EndTime   string         `json:"endTime" example:"10:30"`
	Cost      float64        `json:"cost,omitempty"`
	Booked    bool           `json:"booked,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type DaySchedule struct {
	Date          string         `json:"date" example:"2024-05-01"`
	Items         []ScheduleItem `json:"items"`
	TotalDuration int            `json:"totalDuration"`
	TotalCost     float64        `json:"totalCost"`
}

// Itinerary is the per-trip snapshot the gate operates on, keyed by date.
type Itinerary struct {
	TripID string                 `json:"tripId"`
	Days   map[string]DaySchedule `json:"days"`
}

type ScheduleOp struct {
	Op      string `json:"op" enum:"shift,remove,shorten"`
	Date    string `json:"date"`
	ItemID  string `json:"itemId"`
	Minutes int    `json:"minutes,omitempty"`
}

type SuggestionAction struct {
	ID        string       `json:"id"`
	Label     string       `json:"label"`
	Type      string       `json:"type"`
	Primary   bool         `json:"primary,omitempty"`
	RiskLevel string       `json:"riskLevel" enum:"low,medium,high,critical"`
	Ops       []ScheduleOp `json:"ops"`
}

type Suggestion struct {
	ID              string             `json:"id"`
	TripID          string             `json:"tripId"`
	Persona         string             `json:"persona" enum:"abu,drdre,neptune"`
	Rule            string             `json:"rule"`
	Scope           string             `json:"scope" enum:"trip,day,item,segment"`
	ScopeID         string             `json:"scopeId"`
	Date            string             `json:"date"`
	Severity        string             `json:"severity" enum:"blocker,warn,info"`
	RiskLevel       string             `json:"riskLevel" enum:"low,medium,high,critical"`
	Title           string             `json:"title"`
	Summary         string             `json:"summary"`
	Actions         []SuggestionAction `json:"actions"`
	Fingerprint     string             `json:"fingerprint"`
	Position        int                `json:"position"`
	Status          string             `json:"status" enum:"new,applied"`
	AppliedActionID *string            `json:"appliedActionId,omitempty"`
	AppliedAt       *string            `json:"appliedAt,omitempty" format:"date-time"`
	CreatedAt       string             `json:"createdAt" format:"date-time"`
}

type AppliedChange struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Date        string `json:"date"`
	ItemID      string `json:"itemId"`
}

type ImpactMetrics struct {
	Fatigue float64 `json:"fatigue"`
	Buffer  int     `json:"buffer"`
	Cost    float64 `json:"cost"`
}

type Risk struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
}

type Impact struct {
	Metrics ImpactMetrics `json:"metrics"`
	Risks   []Risk        `json:"risks"`
}

// SoftWarning informs without blocking apply.
type SoftWarning struct {
	Code    string `json:"code" enum:"late_end,early_start"`
	Message string `json:"message"`
	Date    string `json:"date"`
	ItemID  string `json:"itemId,omitempty"`
}

type ApplyResult struct {
	Success              bool            `json:"success"`
	Preview              bool            `json:"preview"`
	Status               string          `json:"status" enum:"previewed,applied,pending_approval"`
	SuggestionID         string          `json:"suggestionId"`
	ActionID             string          `json:"actionId"`
	GateStatus           gate.Status     `json:"gateStatus"`
	Verdicts             []gate.Verdict  `json:"verdicts"`
	AppliedChanges       []AppliedChange `json:"appliedChanges"`
	Impact               Impact          `json:"impact"`
	Warnings             []SoftWarning   `json:"warnings"`
	TriggeredSuggestions []string        `json:"triggeredSuggestions"`
	HistoryEntryID       string          `json:"historyEntryId,omitempty"`
	Approval             *Approval       `json:"approval,omitempty"`
}

type BatchItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Severity string `json:"severity"`
	Applied  bool   `json:"applied"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type BatchApplyResult struct {
	Success      bool        `json:"success"`
	Preview      bool        `json:"preview"`
	AppliedCount int         `json:"appliedCount"`
	Suggestions  []BatchItem `json:"suggestions"`
	Impact       Impact      `json:"impact"`
	TaskID       string      `json:"taskId,omitempty"`
}

type Approval struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Status       string         `json:"status" enum:"PENDING,APPROVED,REJECTED,EXPIRED,CANCELLED"`
	RiskLevel    string         `json:"riskLevel" enum:"low,medium,high,critical"`
	Payload      map[string]any `json:"payload"`
	SessionID    *string        `json:"sessionId,omitempty"`
	RequestedBy  string         `json:"requestedBy"`
	CreatedAt    string         `json:"createdAt" format:"date-time"`
	ExpiresAt    string         `json:"expiresAt" format:"date-time"`
	DecisionNote *string        `json:"decisionNote,omitempty"`
	HandledAt    *string        `json:"handledAt,omitempty" format:"date-time"`
	HandledBy    *string        `json:"handledBy,omitempty"`
}

type HistoryAction struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

type HistoryEntry struct {
	ID             string        `json:"id"`
	TripID         string        `json:"tripId"`
	Date           string        `json:"dateISO"`
	Seq            int64         `json:"seq"`
	ActionType     string        `json:"actionType"`
	Action         HistoryAction `json:"action"`
	ScheduleBefore DaySchedule   `json:"scheduleBefore"`
	ScheduleAfter  DaySchedule   `json:"scheduleAfter"`
	Timestamp      string        `json:"timestamp" format:"date-time"`
	Abandoned      bool          `json:"abandoned"`
}

type History struct {
	TripID  string         `json:"tripId"`
	Date    string         `json:"date"`
	Cursor  int64          `json:"cursor"`
	CanUndo bool           `json:"canUndo"`
	CanRedo bool           `json:"canRedo"`
	Entries []HistoryEntry `json:"entries"`
}

type TaskProgress struct {
	Total                  int    `json:"total"`
	Processed              int    `json:"processed"`
	Current                string `json:"current,omitempty"`
	EstimatedRemainingTime *int   `json:"estimatedRemainingTime,omitempty"`
}

type AsyncTask struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status" enum:"PENDING,RUNNING,COMPLETED,FAILED,CANCELLED"`
	Progress   TaskProgress   `json:"progress"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *string        `json:"error,omitempty"`
	CreatedAt  string         `json:"createdAt" format:"date-time"`
	UpdatedAt  string         `json:"updatedAt" format:"date-time"`
	StartedAt  *string        `json:"startedAt,omitempty" format:"date-time"`
	FinishedAt *string        `json:"finishedAt,omitempty" format:"date-time"`
}

type Session struct {
	Token                 string `json:"token"`
	TripID                string `json:"tripId"`
	Draft                 bool   `json:"draft"`
	PendingApprovals      int    `json:"pendingApprovals"`
	HasUnconfirmedContent bool   `json:"hasUnconfirmedContent"`
	CreatedAt             string `json:"createdAt" format:"date-time"`
	UpdatedAt             string `json:"updatedAt" format:"date-time"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	TripID     string         `json:"tripId,omitempty"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	ActorID    string         `json:"actorId"`
	Payload    map[string]any `json:"payload"`
}
