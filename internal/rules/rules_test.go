package rules_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"tripgate/internal/config"
	"tripgate/internal/domain"
	"tripgate/internal/gate"
	"tripgate/internal/rules"
)

func item(id, start, end string) domain.ScheduleItem {
	return domain.ScheduleItem{ID: id, PlaceName: "Place " + id, StartTime: start, EndTime: end}
}

func itinerary(date string, items ...domain.ScheduleItem) domain.Itinerary {
	return domain.Itinerary{
		TripID: "trip-1",
		Days:   map[string]domain.DaySchedule{date: rules.NormalizeDay(domain.DaySchedule{Date: date, Items: items})},
	}
}

func findRule(set []domain.Suggestion, rule string) *domain.Suggestion {
	for i := range set {
		if set[i].Rule == rule {
			return &set[i]
		}
	}
	return nil
}

var _ = Describe("Rules", func() {
	var settings rules.Settings

	BeforeEach(func() {
		settings = rules.SettingsFromConfig(config.Default())
	})

	Describe("ParseClock", func() {
		It("parses HH:MM", func() {
			m, err := rules.ParseClock("09:30")
			Expect(err).NotTo(HaveOccurred())
			Expect(m).To(Equal(570))
		})

		It("rejects malformed values", func() {
			for _, in := range []string{"9:30", "09:3x", "0930", "09:60", "", "48:00"} {
				_, err := rules.ParseClock(in)
				Expect(err).To(HaveOccurred(), in)
			}
		})

		It("round-trips through FormatClock", func() {
			Expect(rules.FormatClock(615)).To(Equal("10:15"))
			m, err := rules.ParseClock(rules.FormatClock(1470))
			Expect(err).NotTo(HaveOccurred())
			Expect(m).To(Equal(1470))
		})
	})

	Describe("NormalizeDay", func() {
		It("orders items and recomputes totals", func() {
			a := item("a", "11:00", "12:00")
			a.Cost = 12.5
			b := item("b", "09:00", "09:30")
			b.Cost = 5
			day := rules.NormalizeDay(domain.DaySchedule{Date: "2024-05-01", Items: []domain.ScheduleItem{a, b}})
			Expect(day.Items[0].ID).To(Equal("b"))
			Expect(day.TotalDuration).To(Equal(90))
			Expect(day.TotalCost).To(Equal(17.5))
		})
	})

	Describe("Evaluate", func() {
		It("flags overlaps as blockers with shift and remove actions", func() {
			it := itinerary("2024-05-01", item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
			set := rules.Evaluate(it, settings)
			overlap := findRule(set, rules.RuleOverlap)
			Expect(overlap).NotTo(BeNil())
			Expect(overlap.Severity).To(Equal("blocker"))
			Expect(overlap.RiskLevel).To(Equal("medium"))
			Expect(overlap.Actions).To(HaveLen(2))
			Expect(overlap.Actions[0].ID).To(Equal("shift_later"))
			Expect(overlap.Actions[0].Ops[0].Minutes).To(Equal(45))
		})

		It("rates long overlaps as high risk", func() {
			it := itinerary("2024-05-01", item("a", "09:00", "11:00"), item("b", "09:30", "12:00"))
			overlap := findRule(rules.Evaluate(it, settings), rules.RuleOverlap)
			Expect(overlap.RiskLevel).To(Equal("high"))
		})

		It("flags tight transfers as warnings", func() {
			it := itinerary("2024-05-01", item("a", "09:00", "10:00"), item("b", "10:05", "11:00"))
			tight := findRule(rules.Evaluate(it, settings), rules.RuleTightBuffer)
			Expect(tight).NotTo(BeNil())
			Expect(tight.Severity).To(Equal("warn"))
			Expect(tight.Actions[0].Ops[0].Minutes).To(Equal(10))
		})

		It("offers to shorten an item that runs into a booking", func() {
			b := item("b", "10:30", "11:30")
			b.Booked = true
			it := itinerary("2024-05-01", item("a", "09:00", "11:00"), b)
			set := rules.Evaluate(it, settings)
			collision := findRule(set, rules.RuleBookedCollision)
			Expect(collision).NotTo(BeNil())
			Expect(collision.Persona).To(Equal(rules.PersonaRepair))
			Expect(collision.Actions[0].Ops[0]).To(Equal(domain.ScheduleOp{Op: "shorten", Date: "2024-05-01", ItemID: "a", Minutes: 45}))
			overlap := findRule(set, rules.RuleOverlap)
			Expect(overlap.Actions[1].RiskLevel).To(Equal("critical"))
		})

		It("flags overloaded days", func() {
			it := itinerary("2024-05-01", item("a", "07:00", "12:00"), item("b", "12:30", "18:30"))
			over := findRule(rules.Evaluate(it, settings), rules.RuleOverload)
			Expect(over).NotTo(BeNil())
			Expect(over.Actions[0].Ops[0].ItemID).To(Equal("b"))
		})

		It("derives stable ids", func() {
			it := itinerary("2024-05-01", item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
			first := rules.Evaluate(it, settings)
			second := rules.Evaluate(rules.CloneItinerary(it), settings)
			Expect(first[0].ID).To(Equal(second[0].ID))
			Expect(first[0].Position).To(Equal(0))
		})
	})

	Describe("Fingerprint", func() {
		It("changes only when the itinerary changes", func() {
			it := itinerary("2024-05-01", item("a", "09:00", "10:00"))
			Expect(rules.Fingerprint(it)).To(Equal(rules.Fingerprint(rules.CloneItinerary(it))))
			moved := itinerary("2024-05-01", item("a", "09:15", "10:15"))
			Expect(rules.Fingerprint(it)).NotTo(Equal(rules.Fingerprint(moved)))
		})
	})

	Describe("Plan", func() {
		var it domain.Itinerary

		BeforeEach(func() {
			it = itinerary("2024-05-01",
				item("a", "09:00", "10:00"),
				item("b", "09:30", "10:30"),
				item("c", "11:20", "12:00"),
			)
		})

		It("is deterministic and leaves the input untouched", func() {
			overlap := findRule(rules.Evaluate(it, settings), rules.RuleOverlap)
			first, err := rules.Plan(it, overlap.Actions[0], settings)
			Expect(err).NotTo(HaveOccurred())
			second, err := rules.Plan(it, overlap.Actions[0], settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(first.AppliedChanges).To(Equal(second.AppliedChanges))
			Expect(first.Impact).To(Equal(second.Impact))
			Expect(it.Days["2024-05-01"].Items[1].StartTime).To(Equal("09:30"))
		})

		It("computes changes, impact and cascade risks", func() {
			overlap := findRule(rules.Evaluate(it, settings), rules.RuleOverlap)
			res, err := rules.Plan(it, overlap.Actions[0], settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.AppliedChanges).To(HaveLen(1))
			Expect(res.AppliedChanges[0].Description).To(Equal("Move Place b to 10:15-11:15"))
			// gaps go from -30+50 to 15+5
			Expect(res.Impact.Metrics.Buffer).To(Equal(0))
			Expect(res.Impact.Metrics.Fatigue).To(Equal(0.0))
			Expect(res.Impact.Risks).To(HaveLen(1))
			Expect(res.Impact.Risks[0].Severity).To(Equal("warn"))
			Expect(res.Gate).To(Equal(gate.Allow))

			after := rules.Evaluate(res.After, settings)
			triggered := rules.Triggered(rules.Evaluate(it, settings), after)
			Expect(triggered).To(ConsistOf(rules.SuggestionID("trip-1", rules.RuleTightBuffer, "2024-05-01", "b", "c")))
		})

		It("reports cost deltas on removal", func() {
			b := item("b", "09:30", "10:30")
			b.Cost = 40
			it = itinerary("2024-05-01", item("a", "09:00", "10:00"), b)
			overlap := findRule(rules.Evaluate(it, settings), rules.RuleOverlap)
			res, err := rules.Plan(it, overlap.Actions[1], settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Impact.Metrics.Cost).To(Equal(-40.0))
			Expect(res.After.Days["2024-05-01"].Items).To(HaveLen(1))
		})

		It("rejects shifts past midnight", func() {
			late := itinerary("2024-05-01", item("a", "22:00", "23:30"))
			res, err := rules.Plan(late, domain.SuggestionAction{
				ID:  "x",
				Ops: []domain.ScheduleOp{{Op: "shift", Date: "2024-05-01", ItemID: "a", Minutes: 60}},
			}, settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Gate).To(Equal(gate.Reject))
		})

		It("asks for confirmation at the approval threshold", func() {
			res, err := rules.Plan(it, domain.SuggestionAction{
				ID:        "x",
				RiskLevel: "critical",
				Ops:       []domain.ScheduleOp{{Op: "remove", Date: "2024-05-01", ItemID: "c"}},
			}, settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Gate).To(Equal(gate.NeedConfirm))
		})

		It("attaches soft warnings without blocking", func() {
			late := itinerary("2024-05-01", item("a", "21:00", "22:00"), item("b", "22:05", "23:00"))
			tight := findRule(rules.Evaluate(late, settings), rules.RuleTightBuffer)
			res, err := rules.Plan(late, tight.Actions[0], settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Warnings).To(HaveLen(1))
			Expect(res.Warnings[0].Code).To(Equal("late_end"))
			Expect(res.Gate).To(Equal(gate.Allow))
		})

		It("fails when the target item is gone", func() {
			_, err := rules.Plan(it, domain.SuggestionAction{
				Ops: []domain.ScheduleOp{{Op: "remove", Date: "2024-05-01", ItemID: "zzz"}},
			}, settings)
			Expect(err).To(MatchError(rules.ErrOpTarget))
		})
	})
})
