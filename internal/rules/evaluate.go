package rules

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tripgate/internal/domain"
)

const (
	PersonaSafety = "abu"
	PersonaRhythm = "drdre"
	PersonaRepair = "neptune"

	RuleOverlap         = "overlap"
	RuleTightBuffer     = "tight_buffer"
	RuleBookedCollision = "booked_collision"
	RuleOverload        = "overload"
)

// minShortenedMinutes keeps a shortened visit worth keeping.
const minShortenedMinutes = 15

// SuggestionID derives a stable id so that re-evaluating an unchanged
// problem yields the same suggestion id.
func SuggestionID(tripID, rule, date string, itemIDs ...string) string {
	key := strings.Join(append([]string{tripID, rule, date}, itemIDs...), "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// Evaluate runs every evaluator over the itinerary and returns the suggestion
// set in declared order (date, then rule, then position in the day).
// Evaluate does not stamp fingerprints or timestamps.
func Evaluate(it domain.Itinerary, s Settings) []domain.Suggestion {
	var out []domain.Suggestion
	for _, date := range sortedDates(it) {
		out = append(out, evaluateDay(it.TripID, date, it.Days[date], s)...)
	}
	for i := range out {
		out[i].Position = i
		out[i].Status = "new"
	}
	return out
}

// EvaluateDates is Evaluate restricted to the given dates.
func EvaluateDates(it domain.Itinerary, s Settings, dates ...string) []domain.Suggestion {
	want := map[string]bool{}
	for _, d := range dates {
		want[d] = true
	}
	var out []domain.Suggestion
	for _, sg := range Evaluate(it, s) {
		if want[sg.Date] {
			out = append(out, sg)
		}
	}
	return out
}

func evaluateDay(tripID, date string, day domain.DaySchedule, s Settings) []domain.Suggestion {
	spans := validSpans(day)
	var overlaps, tight, collisions []domain.Suggestion
	for i := 0; i+1 < len(spans); i++ {
		a, b := spans[i], spans[i+1]
		gap := b.start - a.end
		switch {
		case gap < 0:
			overlaps = append(overlaps, overlapSuggestion(tripID, date, a, b, s))
			if sg, ok := collisionSuggestion(tripID, date, a, b, s); ok {
				collisions = append(collisions, sg)
			}
		case gap < s.MinBufferMinutes:
			tight = append(tight, tightSuggestion(tripID, date, a, b, s))
		}
	}
	var out []domain.Suggestion
	out = append(out, overlaps...)
	out = append(out, tight...)
	out = append(out, collisions...)
	if sg, ok := overloadSuggestion(tripID, date, spans, s); ok {
		out = append(out, sg)
	}
	return out
}

func moveRisk(it domain.ScheduleItem) string {
	if it.Booked {
		return "medium"
	}
	return "low"
}

func removeRisk(it domain.ScheduleItem) string {
	if it.Booked {
		return "critical"
	}
	return "medium"
}

func overlapSuggestion(tripID, date string, a, b span, s Settings) domain.Suggestion {
	overlap := a.end - b.start
	risk := "medium"
	if overlap >= 60 {
		risk = "high"
	}
	shift := a.end + s.MinBufferMinutes - b.start
	return domain.Suggestion{
		ID:        SuggestionID(tripID, RuleOverlap, date, a.item.ID, b.item.ID),
		TripID:    tripID,
		Persona:   PersonaSafety,
		Rule:      RuleOverlap,
		Scope:     "item",
		ScopeID:   b.item.ID,
		Date:      date,
		Severity:  "blocker",
		RiskLevel: risk,
		Title:     fmt.Sprintf("%s overlaps %s", b.item.PlaceName, a.item.PlaceName),
		Summary:   fmt.Sprintf("%s starts %d min before %s ends", b.item.PlaceName, overlap, a.item.PlaceName),
		Actions: []domain.SuggestionAction{
			{
				ID:        "shift_later",
				Label:     fmt.Sprintf("Start %s at %s", b.item.PlaceName, FormatClock(b.start+shift)),
				Type:      "shift",
				Primary:   true,
				RiskLevel: moveRisk(b.item),
				Ops:       []domain.ScheduleOp{{Op: "shift", Date: date, ItemID: b.item.ID, Minutes: shift}},
			},
			{
				ID:        "remove_item",
				Label:     fmt.Sprintf("Drop %s", b.item.PlaceName),
				Type:      "remove",
				RiskLevel: removeRisk(b.item),
				Ops:       []domain.ScheduleOp{{Op: "remove", Date: date, ItemID: b.item.ID}},
			},
		},
	}
}

func tightSuggestion(tripID, date string, a, b span, s Settings) domain.Suggestion {
	gap := b.start - a.end
	shift := s.MinBufferMinutes - gap
	return domain.Suggestion{
		ID:        SuggestionID(tripID, RuleTightBuffer, date, a.item.ID, b.item.ID),
		TripID:    tripID,
		Persona:   PersonaRhythm,
		Rule:      RuleTightBuffer,
		Scope:     "segment",
		ScopeID:   a.item.ID + ">" + b.item.ID,
		Date:      date,
		Severity:  "warn",
		RiskLevel: "low",
		Title:     fmt.Sprintf("Tight transfer to %s", b.item.PlaceName),
		Summary:   fmt.Sprintf("Only %d min between %s and %s; %d min recommended", gap, a.item.PlaceName, b.item.PlaceName, s.MinBufferMinutes),
		Actions: []domain.SuggestionAction{
			{
				ID:        "add_buffer",
				Label:     fmt.Sprintf("Push %s back %d min", b.item.PlaceName, shift),
				Type:      "shift",
				Primary:   true,
				RiskLevel: moveRisk(b.item),
				Ops:       []domain.ScheduleOp{{Op: "shift", Date: date, ItemID: b.item.ID, Minutes: shift}},
			},
		},
	}
}

// collisionSuggestion offers to trim the unbooked item when it runs into a booking.
func collisionSuggestion(tripID, date string, a, b span, s Settings) (domain.Suggestion, bool) {
	if !b.item.Booked || a.item.Booked {
		return domain.Suggestion{}, false
	}
	newEnd := b.start - s.MinBufferMinutes
	if newEnd-a.start < minShortenedMinutes {
		return domain.Suggestion{}, false
	}
	cut := a.end - newEnd
	return domain.Suggestion{
		ID:        SuggestionID(tripID, RuleBookedCollision, date, a.item.ID, b.item.ID),
		TripID:    tripID,
		Persona:   PersonaRepair,
		Rule:      RuleBookedCollision,
		Scope:     "item",
		ScopeID:   a.item.ID,
		Date:      date,
		Severity:  "info",
		RiskLevel: "low",
		Title:     fmt.Sprintf("Keep the %s booking", b.item.PlaceName),
		Summary:   fmt.Sprintf("Shorten %s by %d min so the booked %s stays on time", a.item.PlaceName, cut, b.item.PlaceName),
		Actions: []domain.SuggestionAction{
			{
				ID:        "shorten_previous",
				Label:     fmt.Sprintf("End %s at %s", a.item.PlaceName, FormatClock(newEnd)),
				Type:      "shorten",
				Primary:   true,
				RiskLevel: "low",
				Ops:       []domain.ScheduleOp{{Op: "shorten", Date: date, ItemID: a.item.ID, Minutes: cut}},
			},
		},
	}, true
}

func overloadSuggestion(tripID, date string, spans []span, s Settings) (domain.Suggestion, bool) {
	total := 0
	for _, sp := range spans {
		total += sp.end - sp.start
	}
	if total <= s.MaxDailyMinutes {
		return domain.Suggestion{}, false
	}
	var last *span
	for i := len(spans) - 1; i >= 0; i-- {
		if !spans[i].item.Booked {
			last = &spans[i]
			break
		}
	}
	if last == nil {
		return domain.Suggestion{}, false
	}
	return domain.Suggestion{
		ID:        SuggestionID(tripID, RuleOverload, date),
		TripID:    tripID,
		Persona:   PersonaRhythm,
		Rule:      RuleOverload,
		Scope:     "day",
		ScopeID:   date,
		Date:      date,
		Severity:  "warn",
		RiskLevel: "medium",
		Title:     fmt.Sprintf("%s is overloaded", date),
		Summary:   fmt.Sprintf("%d planned minutes exceed the %d minute daily limit", total, s.MaxDailyMinutes),
		Actions: []domain.SuggestionAction{
			{
				ID:        "remove_last",
				Label:     fmt.Sprintf("Drop %s", last.item.PlaceName),
				Type:      "remove",
				Primary:   true,
				RiskLevel: removeRisk(last.item),
				Ops:       []domain.ScheduleOp{{Op: "remove", Date: date, ItemID: last.item.ID}},
			},
		},
	}, true
}

// Triggered returns the ids in after that are new relative to before, or whose
// action set changed.
func Triggered(before, after []domain.Suggestion) []string {
	prev := make(map[string]string, len(before))
	for _, sg := range before {
		prev[sg.ID] = ActionSignature(sg)
	}
	out := []string{}
	for _, sg := range after {
		sig, ok := prev[sg.ID]
		if !ok || sig != ActionSignature(sg) {
			out = append(out, sg.ID)
		}
	}
	return out
}

// ActionSignature summarizes what a suggestion's actions would do.
func ActionSignature(sg domain.Suggestion) string {
	var b strings.Builder
	for _, a := range sg.Actions {
		fmt.Fprintf(&b, "%s:%s;", a.ID, a.RiskLevel)
		for _, op := range a.Ops {
			fmt.Fprintf(&b, "%s/%s/%s/%d,", op.Op, op.Date, op.ItemID, op.Minutes)
		}
	}
	return b.String()
}
