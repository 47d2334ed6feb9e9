package rules

import (
	"errors"
	"fmt"
	"sort"

	"tripgate/internal/domain"
	"tripgate/internal/gate"
)

// ErrOpTarget is returned when an op names an item the itinerary no longer has.
var ErrOpTarget = errors.New("action target not found in itinerary")

// PlanResult is the full, deterministic outcome of applying one action.
type PlanResult struct {
	Before         domain.Itinerary
	After          domain.Itinerary
	Dates          []string
	AppliedChanges []domain.AppliedChange
	Impact         domain.Impact
	Warnings       []domain.SoftWarning
	Verdicts       []gate.Verdict
	Gate           gate.Status
}

// Plan applies action to a copy of it. The input itinerary is never modified.
func Plan(it domain.Itinerary, action domain.SuggestionAction, s Settings) (PlanResult, error) {
	after := CloneItinerary(it)
	var changes []domain.AppliedChange
	touched := map[string]bool{}
	for _, op := range action.Ops {
		day, ok := after.Days[op.Date]
		if !ok {
			return PlanResult{}, fmt.Errorf("%w: %s on %s", ErrOpTarget, op.ItemID, op.Date)
		}
		idx := -1
		for i, item := range day.Items {
			if item.ID == op.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return PlanResult{}, fmt.Errorf("%w: %s on %s", ErrOpTarget, op.ItemID, op.Date)
		}
		change, err := applyOp(&day, idx, op)
		if err != nil {
			return PlanResult{}, err
		}
		day = NormalizeDay(day)
		after.Days[op.Date] = day
		touched[op.Date] = true
		changes = append(changes, change)
	}
	dates := make([]string, 0, len(touched))
	for d := range touched {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	res := PlanResult{
		Before:         it,
		After:          after,
		Dates:          dates,
		AppliedChanges: changes,
		Impact:         ComputeImpact(it, after, s, dates...),
		Warnings:       SoftWarnings(after, s, dates...),
	}
	res.Verdicts = Verdicts(after, action, s, dates...)
	res.Gate = gate.Combine(res.Verdicts)
	return res, nil
}

func applyOp(day *domain.DaySchedule, idx int, op domain.ScheduleOp) (domain.AppliedChange, error) {
	item := day.Items[idx]
	change := domain.AppliedChange{Type: op.Op, Date: op.Date, ItemID: item.ID}
	switch op.Op {
	case "shift":
		sp := parseSpan(item)
		if !sp.ok {
			return change, fmt.Errorf("cannot shift %s: invalid times", item.ID)
		}
		item.StartTime = FormatClock(sp.start + op.Minutes)
		item.EndTime = FormatClock(sp.end + op.Minutes)
		day.Items[idx] = item
		change.Description = fmt.Sprintf("Move %s to %s-%s", item.PlaceName, item.StartTime, item.EndTime)
	case "shorten":
		sp := parseSpan(item)
		if !sp.ok {
			return change, fmt.Errorf("cannot shorten %s: invalid times", item.ID)
		}
		item.EndTime = FormatClock(sp.end - op.Minutes)
		day.Items[idx] = item
		change.Description = fmt.Sprintf("Shorten %s to end at %s", item.PlaceName, item.EndTime)
	case "remove":
		day.Items = append(day.Items[:idx:idx], day.Items[idx+1:]...)
		change.Description = fmt.Sprintf("Remove %s", item.PlaceName)
	default:
		return change, fmt.Errorf("unsupported op %q", op.Op)
	}
	return change, nil
}

// DayMetrics are the per-day numbers impact deltas are computed from.
type DayMetrics struct {
	Fatigue float64
	Buffer  int
	Cost    float64
}

// MeasureDay scores a day: fatigue is active hours plus half a point per
// rushed transition, buffer is the summed gap between consecutive items.
func MeasureDay(day domain.DaySchedule, s Settings) DayMetrics {
	spans := validSpans(day)
	var m DayMetrics
	for i, sp := range spans {
		m.Fatigue += float64(sp.end-sp.start) / 60
		if i > 0 {
			gap := sp.start - spans[i-1].end
			m.Buffer += gap
			if gap < s.MinBufferMinutes {
				m.Fatigue += 0.5
			}
		}
	}
	for _, it := range day.Items {
		m.Cost += it.Cost
	}
	return m
}

// ComputeImpact returns after-minus-before metrics over dates plus the
// blocker and warn suggestions still present on those dates afterwards.
func ComputeImpact(before, after domain.Itinerary, s Settings, dates ...string) domain.Impact {
	var metrics domain.ImpactMetrics
	fatigue, cost := 0.0, 0.0
	for _, d := range dates {
		b := MeasureDay(before.Days[d], s)
		a := MeasureDay(after.Days[d], s)
		fatigue += a.Fatigue - b.Fatigue
		metrics.Buffer += a.Buffer - b.Buffer
		cost += a.Cost - b.Cost
	}
	metrics.Fatigue = round2(fatigue)
	metrics.Cost = round2(cost)
	risks := []domain.Risk{}
	for _, sg := range EvaluateDates(after, s, dates...) {
		if sg.Severity == "blocker" || sg.Severity == "warn" {
			risks = append(risks, domain.Risk{ID: sg.ID, Severity: sg.Severity, Title: sg.Title})
		}
	}
	return domain.Impact{Metrics: metrics, Risks: risks}
}

// MergeImpact sums metrics; risks come from the latest impact.
func MergeImpact(total, next domain.Impact) domain.Impact {
	total.Metrics.Fatigue = round2(total.Metrics.Fatigue + next.Metrics.Fatigue)
	total.Metrics.Buffer += next.Metrics.Buffer
	total.Metrics.Cost = round2(total.Metrics.Cost + next.Metrics.Cost)
	total.Risks = next.Risks
	return total
}

// SoftWarnings flags unusual but legal times. They never block apply.
func SoftWarnings(it domain.Itinerary, s Settings, dates ...string) []domain.SoftWarning {
	out := []domain.SoftWarning{}
	for _, d := range dates {
		for _, sp := range validSpans(it.Days[d]) {
			if sp.end > s.LateEnd {
				out = append(out, domain.SoftWarning{
					Code:    "late_end",
					Message: fmt.Sprintf("%s ends at %s, which may be unreasonably late", sp.item.PlaceName, sp.item.EndTime),
					Date:    d,
					ItemID:  sp.item.ID,
				})
			}
			if sp.start < s.EarlyStart {
				out = append(out, domain.SoftWarning{
					Code:    "early_start",
					Message: fmt.Sprintf("%s starts at %s, which may be unreasonably early", sp.item.PlaceName, sp.item.StartTime),
					Date:    d,
					ItemID:  sp.item.ID,
				})
			}
		}
	}
	return out
}

// Verdicts runs the three gate evaluators against a planned after-state.
func Verdicts(after domain.Itinerary, action domain.SuggestionAction, s Settings, dates ...string) []gate.Verdict {
	safety := gate.Verdict{Evaluator: PersonaSafety, Status: gate.Allow}
	rhythm := gate.Verdict{Evaluator: PersonaRhythm, Status: gate.Allow}
	for _, d := range dates {
		day := after.Days[d]
		if bad := invalidItems(day); len(bad) > 0 && safety.Status == gate.Allow {
			safety.Status = gate.Reject
			safety.Reason = fmt.Sprintf("%s would have invalid times on %s", bad[0].PlaceName, d)
		}
		total := 0
		for _, sp := range validSpans(day) {
			total += sp.end - sp.start
		}
		if total > s.MaxDailyMinutes && rhythm.Status == gate.Allow {
			rhythm.Status = gate.SuggestReplace
			rhythm.Reason = fmt.Sprintf("%s would carry %d planned minutes", d, total)
		}
	}
	repair := gate.Verdict{Evaluator: PersonaRepair, Status: gate.Allow}
	if s.ApprovalThreshold != "" && RiskRank(action.RiskLevel) >= RiskRank(s.ApprovalThreshold) {
		repair.Status = gate.NeedConfirm
		repair.Reason = fmt.Sprintf("%s risk needs confirmation", action.RiskLevel)
	}
	return []gate.Verdict{safety, rhythm, repair}
}
