// Package rules holds the pure itinerary evaluators and the deterministic
// planner used by preview, apply and auto-optimize.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"tripgate/internal/config"
	"tripgate/internal/domain"
)

const minutesPerDay = 24 * 60

// Settings are the tunables the evaluators read.
type Settings struct {
	MinBufferMinutes  int
	MaxDailyMinutes   int
	LateEnd           int
	EarlyStart        int
	ApprovalThreshold string
}

func SettingsFromConfig(cfg *config.Config) Settings {
	if cfg == nil {
		cfg = config.Default()
	}
	late, err := ParseClock(cfg.Rules.LateEnd)
	if err != nil {
		late = 23 * 60
	}
	early, err := ParseClock(cfg.Rules.EarlyStart)
	if err != nil {
		early = 6 * 60
	}
	return Settings{
		MinBufferMinutes:  cfg.Rules.MinBufferMinutes,
		MaxDailyMinutes:   cfg.Rules.MaxDailyMinutes,
		LateEnd:           late,
		EarlyStart:        early,
		ApprovalThreshold: cfg.Approval.Threshold,
	}
}

// ParseClock parses "HH:MM" into minutes since midnight. Hours up to 47 are
// accepted so that items pushed past midnight stay representable.
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid time %q", s)
		}
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h > 47 || m > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}

func FormatClock(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// span is a parsed item; ok is false when its times are unusable.
type span struct {
	item       domain.ScheduleItem
	start, end int
	ok         bool
}

func parseSpan(it domain.ScheduleItem) span {
	s, err1 := ParseClock(it.StartTime)
	e, err2 := ParseClock(it.EndTime)
	ok := err1 == nil && err2 == nil && e > s && e <= minutesPerDay
	return span{item: it, start: s, end: e, ok: ok}
}

// validSpans returns the usable items of a day ordered by start time.
func validSpans(day domain.DaySchedule) []span {
	var out []span
	for _, it := range day.Items {
		if sp := parseSpan(it); sp.ok {
			out = append(out, sp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func invalidItems(day domain.DaySchedule) []domain.ScheduleItem {
	var out []domain.ScheduleItem
	for _, it := range day.Items {
		if !parseSpan(it).ok {
			out = append(out, it)
		}
	}
	return out
}

// NormalizeDay orders items by start time and recomputes totals.
// Items with unusable times keep their relative order at the end.
func NormalizeDay(day domain.DaySchedule) domain.DaySchedule {
	items := append([]domain.ScheduleItem(nil), day.Items...)
	keys := make([]int, len(items))
	for i, it := range items {
		if sp := parseSpan(it); sp.ok {
			keys[i] = sp.start
		} else {
			keys[i] = 2 * minutesPerDay
		}
	}
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return keys[idx[a]] < keys[idx[b]] })
	sorted := make([]domain.ScheduleItem, 0, len(items))
	duration := 0
	cost := 0.0
	for _, i := range idx {
		it := items[i]
		sorted = append(sorted, it)
		if sp := parseSpan(it); sp.ok {
			duration += sp.end - sp.start
		}
		cost += it.Cost
	}
	day.Items = sorted
	day.TotalDuration = duration
	day.TotalCost = round2(cost)
	return day
}

// CloneItinerary deep-copies the day map and item slices.
func CloneItinerary(it domain.Itinerary) domain.Itinerary {
	out := domain.Itinerary{TripID: it.TripID, Days: make(map[string]domain.DaySchedule, len(it.Days))}
	for date, day := range it.Days {
		day.Items = append([]domain.ScheduleItem(nil), day.Items...)
		out.Days[date] = day
	}
	return out
}

func sortedDates(it domain.Itinerary) []string {
	dates := make([]string, 0, len(it.Days))
	for d := range it.Days {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

// Fingerprint identifies an itinerary state. Suggestions carry it so that a
// later apply can detect that the itinerary moved underneath them.
func Fingerprint(it domain.Itinerary) string {
	type dayKey struct {
		Date  string                `json:"d"`
		Items []domain.ScheduleItem `json:"i"`
	}
	days := make([]dayKey, 0, len(it.Days))
	for _, d := range sortedDates(it) {
		if len(it.Days[d].Items) == 0 {
			continue
		}
		days = append(days, dayKey{Date: d, Items: it.Days[d].Items})
	}
	b, _ := json.Marshal(days)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

var riskRank = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

// RiskRank orders risk levels; unknown levels rank lowest.
func RiskRank(level string) int {
	return riskRank[level]
}

func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0
	}
	return r
}
