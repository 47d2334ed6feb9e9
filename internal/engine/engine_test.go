package engine_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"tripgate/internal/config"
	"tripgate/internal/db"
	"tripgate/internal/domain"
	"tripgate/internal/engine"
	"tripgate/internal/migrate"
	"tripgate/internal/repo"
	"tripgate/internal/rules"
)

const (
	tripID = "trip-1"
	day1   = "2024-05-01"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *testClock
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, config.Default())
}

func newTestEnvWith(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &testClock{t: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.Now = clock.Now
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clock}
}

func item(id, start, end string) domain.ScheduleItem {
	return domain.ScheduleItem{ID: id, PlaceName: "Place " + id, StartTime: start, EndTime: end}
}

func saveDay(t *testing.T, env testEnv, date string, items ...domain.ScheduleItem) engine.SaveResult {
	t.Helper()
	res, err := env.Engine.SaveSchedule(env.Ctx, tripID, domain.DaySchedule{Date: date, Items: items}, "tester")
	if err != nil {
		t.Fatalf("save %s: %v", date, err)
	}
	return res
}

func overlapID(date, a, b string) string {
	return rules.SuggestionID(tripID, rules.RuleOverlap, date, a, b)
}

func TestSaveScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []domain.DaySchedule{
		{Date: "May 1", Items: []domain.ScheduleItem{item("a", "09:00", "10:00")}},
		{Date: day1, Items: []domain.ScheduleItem{item("", "09:00", "10:00")}},
		{Date: day1, Items: []domain.ScheduleItem{item("a", "10:00", "09:00")}},
		{Date: day1, Items: []domain.ScheduleItem{item("a", "9am", "10:00")}},
		{Date: day1, Items: []domain.ScheduleItem{item("a", "09:00", "10:00"), item("a", "11:00", "12:00")}},
	}
	for i, day := range cases {
		_, err := env.Engine.SaveSchedule(env.Ctx, tripID, day, "tester")
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestSaveScheduleEvaluates(t *testing.T) {
	env := newTestEnv(t)
	res := saveDay(t, env, day1, item("b", "09:30", "10:30"), item("a", "09:00", "10:00"))
	if res.Schedule.Items[0].ID != "a" {
		t.Fatalf("expected items sorted by start, got %+v", res.Schedule.Items)
	}
	if res.Schedule.TotalDuration != 120 {
		t.Fatalf("expected total duration 120, got %d", res.Schedule.TotalDuration)
	}
	if len(res.Suggestions) != 1 || res.Suggestions[0].ID != overlapID(day1, "a", "b") {
		t.Fatalf("expected one overlap suggestion, got %+v", res.Suggestions)
	}
	list, err := env.Engine.ListSuggestions(env.Ctx, tripID)
	if err != nil {
		t.Fatal(err)
	}
	if list.Stats["blocker"] != 1 || len(list.Applied) != 0 {
		t.Fatalf("unexpected list: %+v", list)
	}
	h, err := env.Engine.History(env.Ctx, tripID, day1)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Entries) != 0 || h.CanUndo {
		t.Fatalf("save must not touch the ledger: %+v", h)
	}
}

func TestPreviewMatchesApply(t *testing.T) {
	env := newTestEnv(t)
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"), item("c", "11:20", "12:00"))
	id := overlapID(day1, "a", "b")

	preview, err := env.Engine.Preview(env.Ctx, id, "shift_later")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !preview.Preview || preview.Status != "previewed" {
		t.Fatalf("unexpected preview result: %+v", preview)
	}
	day, err := env.Engine.GetSchedule(env.Ctx, tripID, day1)
	if err != nil {
		t.Fatal(err)
	}
	if day.Items[1].StartTime != "09:30" {
		t.Fatalf("preview persisted a change: %+v", day.Items[1])
	}

	applied, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: id, ActionID: "shift_later", ActorID: "tester"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !reflect.DeepEqual(preview.AppliedChanges, applied.AppliedChanges) {
		t.Fatalf("changes differ:\npreview %+v\napply   %+v", preview.AppliedChanges, applied.AppliedChanges)
	}
	if !reflect.DeepEqual(preview.Impact, applied.Impact) {
		t.Fatalf("impact differs:\npreview %+v\napply   %+v", preview.Impact, applied.Impact)
	}
	if applied.Status != "applied" || applied.HistoryEntryID == "" {
		t.Fatalf("unexpected apply result: %+v", applied)
	}
}

func TestApplyReportsTriggeredSuggestions(t *testing.T) {
	env := newTestEnv(t)
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"), item("c", "11:20", "12:00"))

	res, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: overlapID(day1, "a", "b"), ActionID: "shift_later"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(res.AppliedChanges) != 1 || res.AppliedChanges[0].Description != "Move Place b to 10:15-11:15" {
		t.Fatalf("unexpected changes: %+v", res.AppliedChanges)
	}
	want := []string{rules.SuggestionID(tripID, rules.RuleTightBuffer, day1, "b", "c")}
	if !reflect.DeepEqual(res.TriggeredSuggestions, want) {
		t.Fatalf("triggered = %v, want %v", res.TriggeredSuggestions, want)
	}

	list, err := env.Engine.ListSuggestions(env.Ctx, tripID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Applied) != 1 || list.Applied[0].Status != "applied" || *list.Applied[0].AppliedActionID != "shift_later" {
		t.Fatalf("applied state not recorded: %+v", list.Applied)
	}
	if len(list.Suggestions) != 1 || list.Suggestions[0].Rule != rules.RuleTightBuffer {
		t.Fatalf("unexpected active set: %+v", list.Suggestions)
	}
}

func TestApplyErrors(t *testing.T) {
	env := newTestEnv(t)
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
	id := overlapID(day1, "a", "b")

	_, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: "missing", ActionID: "shift_later"})
	var nf engine.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = env.Engine.Preview(env.Ctx, id, "teleport")
	var anf engine.ActionNotFoundError
	if !errors.As(err, &anf) {
		t.Fatalf("expected action not found, got %v", err)
	}

	if _, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: id, ActionID: "shift_later"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	_, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: id, ActionID: "shift_later"})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict on second apply, got %v", err)
	}
}

func TestStaleSuggestion(t *testing.T) {
	env := newTestEnv(t)
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
	id := overlapID(day1, "a", "b")
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "12:00", "13:00"))

	_, err := env.Engine.Preview(env.Ctx, id, "shift_later")
	var se engine.StaleSuggestionError
	if !errors.As(err, &se) {
		t.Fatalf("expected stale suggestion, got %v", err)
	}
	_, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: id, ActionID: "shift_later"})
	if !errors.As(err, &se) {
		t.Fatalf("expected stale suggestion on apply, got %v", err)
	}
}

func TestGateRejectsInvalidResult(t *testing.T) {
	env := newTestEnv(t)
	saveDay(t, env, day1, item("a", "22:00", "23:30"), item("b", "23:00", "23:50"))
	id := overlapID(day1, "a", "b")

	preview, err := env.Engine.Preview(env.Ctx, id, "shift_later")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.GateStatus != "REJECT" {
		t.Fatalf("expected REJECT gate on preview, got %s", preview.GateStatus)
	}
	_, err = env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: id, ActionID: "shift_later"})
	var gr engine.GateRejectedError
	if !errors.As(err, &gr) {
		t.Fatalf("expected gate rejection, got %v", err)
	}
}

func TestConcurrentApplySingleWinner(t *testing.T) {
	env := newTestEnv(t)
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
	id := overlapID(day1, "a", "b")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: id, ActionID: "shift_later"})
		}(i)
	}
	close(start)
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		var ce engine.ConflictError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &ce):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflicts)
	}
	h, err := env.Engine.History(env.Ctx, tripID, day1)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Entries) != 1 {
		t.Fatalf("expected a single ledger entry, got %d", len(h.Entries))
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
	if _, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: overlapID(day1, "a", "b"), ActionID: "shift_later"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	beforeUndo, err := env.Engine.GetSchedule(env.Ctx, tripID, day1)
	if err != nil {
		t.Fatal(err)
	}

	undone, err := env.Engine.Undo(env.Ctx, tripID, day1, "tester")
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undone.Items[1].StartTime != "09:30" {
		t.Fatalf("undo should return the pre-apply schedule, got %+v", undone.Items)
	}
	if _, err := env.Engine.SaveSchedule(env.Ctx, tripID, undone, "tester"); err != nil {
		t.Fatalf("save undone: %v", err)
	}
	if _, err := env.Engine.Undo(env.Ctx, tripID, day1, "tester"); !errors.As(err, new(engine.NothingToUndoError)) {
		t.Fatalf("expected nothing to undo, got %v", err)
	}

	redone, err := env.Engine.Redo(env.Ctx, tripID, day1, "tester")
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	if !reflect.DeepEqual(redone.Items, beforeUndo.Items) {
		t.Fatalf("redo did not restore state:\n got %+v\nwant %+v", redone.Items, beforeUndo.Items)
	}
	if _, err := env.Engine.Redo(env.Ctx, tripID, day1, "tester"); !errors.As(err, new(engine.NothingToRedoError)) {
		t.Fatalf("expected nothing to redo, got %v", err)
	}
}

func TestAppendAfterUndoDiscardsRedoBranch(t *testing.T) {
	env := newTestEnv(t)
	s0 := domain.DaySchedule{Date: day1, Items: []domain.ScheduleItem{item("a", "09:00", "10:00")}}
	s1 := domain.DaySchedule{Date: day1, Items: []domain.ScheduleItem{item("a", "10:00", "11:00")}}
	s2 := domain.DaySchedule{Date: day1, Items: []domain.ScheduleItem{item("a", "12:00", "13:00")}}
	appendEntry := func(before, after domain.DaySchedule) {
		t.Helper()
		_, err := env.Engine.AppendHistory(env.Ctx, engine.AppendOptions{
			TripID: tripID, Date: day1,
			Action: domain.HistoryAction{Type: "manual.move"},
			Before: before, After: after,
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	appendEntry(s0, s1)
	if _, err := env.Engine.Undo(env.Ctx, tripID, day1, ""); err != nil {
		t.Fatalf("undo: %v", err)
	}
	appendEntry(s0, s2)
	_, err := env.Engine.Redo(env.Ctx, tripID, day1, "")
	if !errors.As(err, new(engine.NothingToRedoError)) {
		t.Fatalf("expected nothing to redo after abandoning append, got %v", err)
	}

	h, err := env.Engine.History(env.Ctx, tripID, day1)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Entries) != 2 || !h.Entries[0].Abandoned || h.Entries[1].Abandoned {
		t.Fatalf("expected first entry abandoned and kept, got %+v", h.Entries)
	}
	if h.Cursor != 2 || !h.CanUndo || h.CanRedo {
		t.Fatalf("unexpected cursor state: %+v", h)
	}
	undone, err := env.Engine.Undo(env.Ctx, tripID, day1, "")
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undone.Items[0].StartTime != "09:00" {
		t.Fatalf("undo should skip to s0, got %+v", undone.Items)
	}
	if _, err := env.Engine.Undo(env.Ctx, tripID, day1, ""); !errors.As(err, new(engine.NothingToUndoError)) {
		t.Fatalf("abandoned entries must not be undoable, got %v", err)
	}
}

func TestApprovalDecideConflict(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequestOptions{
		Payload:   map[string]any{"op": "delete_day"},
		RiskLevel: "high",
		ActorID:   "agent",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if a.Status != engine.ApprovalPending || a.ExpiresAt != "2024-05-01T08:30:00Z" {
		t.Fatalf("unexpected approval: %+v", a)
	}
	res, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{ID: a.ID, Approved: true, DecisionNote: "ok", ActorID: "alice"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.Approval.Status != engine.ApprovalApproved || res.Approval.HandledBy == nil || *res.Approval.HandledBy != "alice" {
		t.Fatalf("unexpected decision: %+v", res.Approval)
	}
	if res.AgentResumed {
		t.Fatalf("agent must not resume unless asked")
	}
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{ID: a.ID, Approved: false})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{ID: "nope", Approved: true})
	if !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequestOptions{Payload: map[string]any{}, RiskLevel: "extreme"})
	if !errors.As(err, new(engine.ValidationError)) {
		t.Fatalf("expected validation error for risk level, got %v", err)
	}
}

func TestApprovalExpiresOnDecide(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequestOptions{
		Payload:   map[string]any{"op": "swap"},
		RiskLevel: "medium",
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(2 * time.Minute)
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{ID: a.ID, Approved: true})
	var ee engine.ExpiredError
	if !errors.As(err, &ee) {
		t.Fatalf("expected expired, got %v", err)
	}
	got, err := env.Engine.GetApproval(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.ApprovalExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	_, err = env.Engine.CancelApproval(env.Ctx, a.ID, "", "")
	if !errors.As(err, new(engine.ExpiredError)) {
		t.Fatalf("expected expired cancelling expired approval, got %v", err)
	}
}

func TestDecideAfterSweepReportsExpired(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequestOptions{
		Payload:   map[string]any{"op": "swap"},
		RiskLevel: "high",
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(2 * time.Minute)
	if n, err := env.Engine.SweepExpiredApprovals(env.Ctx); err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	_, err = env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{ID: a.ID, Approved: true})
	var ee engine.ExpiredError
	if !errors.As(err, &ee) || ee.ApprovalID != a.ID {
		t.Fatalf("expected ExpiredError after sweep, got %v", err)
	}
	if errors.As(err, new(engine.ConflictError)) {
		t.Fatalf("expired approval must not report a conflict: %v", err)
	}
	if _, err := env.Engine.CancelApproval(env.Ctx, a.ID, "late", "alice"); !errors.As(err, new(engine.ExpiredError)) {
		t.Fatalf("expected ExpiredError on cancel after sweep, got %v", err)
	}
	got, err := env.Engine.GetApproval(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != engine.ApprovalExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
}

func TestApprovalWindowNeverShorterThanTTL(t *testing.T) {
	env := newTestEnv(t)
	env.Clock.Advance(900 * time.Millisecond)
	a, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequestOptions{
		Payload:   map[string]any{"op": "swap"},
		RiskLevel: "low",
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.ExpiresAt != "2024-05-01T08:01:01Z" {
		t.Fatalf("expected deadline rounded up, got %s", a.ExpiresAt)
	}
	env.Clock.Advance(time.Minute)
	if _, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{ID: a.ID, Approved: true}); err != nil {
		t.Fatalf("decide inside the window: %v", err)
	}
}

func TestSweepExpiredApprovals(t *testing.T) {
	env := newTestEnv(t)
	short, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequestOptions{Payload: map[string]any{}, RiskLevel: "low", TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	long, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequestOptions{Payload: map[string]any{}, RiskLevel: "critical", TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(5 * time.Minute)
	n, err := env.Engine.SweepExpiredApprovals(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one expiry, got %d", n)
	}
	pending, err := env.Engine.ListApprovals(env.Ctx, repo.ApprovalFilters{Status: "pending"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != long.ID {
		t.Fatalf("unexpected pending approvals: %+v", pending)
	}
	got, _ := env.Engine.GetApproval(env.Ctx, short.ID)
	if got.Status != engine.ApprovalExpired {
		t.Fatalf("expected sweep to expire %s", short.ID)
	}
}

func TestListApprovalsByRisk(t *testing.T) {
	env := newTestEnv(t)
	for _, risk := range []string{"low", "critical", "medium"} {
		if _, err := env.Engine.RequestApproval(env.Ctx, engine.ApprovalRequestOptions{Payload: map[string]any{}, RiskLevel: risk}); err != nil {
			t.Fatal(err)
		}
	}
	items, err := env.Engine.ListApprovals(env.Ctx, repo.ApprovalFilters{})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, a := range items {
		got = append(got, a.RiskLevel)
	}
	if !reflect.DeepEqual(got, []string{"critical", "medium", "low"}) {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestGatedApplyResumesOnApproval(t *testing.T) {
	cfg := config.Default()
	cfg.Approval.Threshold = "medium"
	env := newTestEnvWith(t, cfg)
	session, err := env.Engine.CreateSession(env.Ctx, tripID)
	if err != nil {
		t.Fatal(err)
	}
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
	id := overlapID(day1, "a", "b")

	res, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: id, ActionID: "remove_item", SessionID: session.Token})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Status != "pending_approval" || res.Approval == nil || res.GateStatus != "NEED_CONFIRM" {
		t.Fatalf("expected pending approval, got %+v", res)
	}
	sess, err := env.Engine.GetSession(env.Ctx, session.Token)
	if err != nil {
		t.Fatal(err)
	}
	if !sess.HasUnconfirmedContent || sess.PendingApprovals != 1 {
		t.Fatalf("session should report the pending approval: %+v", sess)
	}

	dec, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{ID: res.Approval.ID, Approved: true, ResumeAgent: true, ActorID: "alice"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !dec.AgentResumed || dec.ResumeError != "" {
		t.Fatalf("expected resumed apply, got %+v", dec)
	}
	applied, ok := dec.ResumeResult["applyResult"].(domain.ApplyResult)
	if !ok || applied.Status != "applied" {
		t.Fatalf("unexpected resume result: %+v", dec.ResumeResult)
	}
	day, err := env.Engine.GetSchedule(env.Ctx, tripID, day1)
	if err != nil {
		t.Fatal(err)
	}
	if len(day.Items) != 1 {
		t.Fatalf("expected item b removed, got %+v", day.Items)
	}
	sess, _ = env.Engine.GetSession(env.Ctx, session.Token)
	if sess.HasUnconfirmedContent {
		t.Fatalf("session should be clean after the decision: %+v", sess)
	}
}

func TestRepeatedGatedApplyReusesApproval(t *testing.T) {
	cfg := config.Default()
	cfg.Approval.Threshold = "medium"
	env := newTestEnvWith(t, cfg)
	session, err := env.Engine.CreateSession(env.Ctx, tripID)
	if err != nil {
		t.Fatal(err)
	}
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
	id := overlapID(day1, "a", "b")
	opts := engine.ApplyOptions{SuggestionID: id, ActionID: "remove_item", SessionID: session.Token}

	first, err := env.Engine.Apply(env.Ctx, opts)
	if err != nil || first.Approval == nil {
		t.Fatalf("first apply: %+v %v", first, err)
	}
	second, err := env.Engine.Apply(env.Ctx, opts)
	if err != nil || second.Approval == nil {
		t.Fatalf("second apply: %+v %v", second, err)
	}
	if second.Approval.ID != first.Approval.ID || second.Status != "pending_approval" {
		t.Fatalf("expected the open approval back, got %s want %s", second.Approval.ID, first.Approval.ID)
	}
	pending, err := env.Engine.ListApprovals(env.Ctx, repo.ApprovalFilters{Status: "pending"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(pending))
	}

	env.Clock.Advance(cfg.ApprovalTTL() + time.Minute)
	sess, err := env.Engine.GetSession(env.Ctx, session.Token)
	if err != nil {
		t.Fatal(err)
	}
	if sess.PendingApprovals != 0 || sess.HasUnconfirmedContent {
		t.Fatalf("lapsed approval should not count as unconfirmed content: %+v", sess)
	}
	third, err := env.Engine.Apply(env.Ctx, opts)
	if err != nil || third.Approval == nil {
		t.Fatalf("third apply: %+v %v", third, err)
	}
	if third.Approval.ID == first.Approval.ID {
		t.Fatalf("lapsed approval must not be reused")
	}
}

func TestGatedApplyRejectionOffersAlternatives(t *testing.T) {
	cfg := config.Default()
	cfg.Approval.Threshold = "medium"
	env := newTestEnvWith(t, cfg)
	saveDay(t, env, day1, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
	id := overlapID(day1, "a", "b")

	res, err := env.Engine.Apply(env.Ctx, engine.ApplyOptions{SuggestionID: id, ActionID: "remove_item"})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := env.Engine.DecideApproval(env.Ctx, engine.DecideOptions{ID: res.Approval.ID, Approved: false, ResumeAgent: true})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !dec.AgentResumed || dec.ResumeResult["signal"] != "rejected" {
		t.Fatalf("rejection must reach the continuation: %+v", dec)
	}
	alts, _ := dec.ResumeResult["alternatives"].([]domain.SuggestionAction)
	if len(alts) != 1 || alts[0].ID != "shift_later" {
		t.Fatalf("unexpected alternatives: %+v", alts)
	}
	day, _ := env.Engine.GetSchedule(env.Ctx, tripID, day1)
	if len(day.Items) != 2 {
		t.Fatalf("rejected apply must not change the schedule")
	}
}

// seedBlockers stores five overlapping days; days 2 and 4 overlap by 90
// minutes (high risk), the others by 30 (medium).
func seedBlockers(t *testing.T, env testEnv) []string {
	t.Helper()
	dates := []string{"2024-05-01", "2024-05-02", "2024-05-03", "2024-05-04", "2024-05-05"}
	for i, d := range dates {
		if i%2 == 1 {
			saveDay(t, env, d, item("a", "09:00", "11:00"), item("b", "09:30", "10:30"))
		} else {
			saveDay(t, env, d, item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))
		}
	}
	return dates
}

func TestAutoOptimizeRespectsLimitAndRiskOrder(t *testing.T) {
	env := newTestEnv(t)
	dates := seedBlockers(t, env)

	res, err := env.Engine.AutoOptimize(env.Ctx, engine.AutoOptimizeOptions{TripID: tripID, Limit: 3})
	if err != nil {
		t.Fatalf("auto optimize: %v", err)
	}
	if res.AppliedCount != 3 || !res.Success {
		t.Fatalf("expected 3 applied, got %+v", res)
	}
	wantOrder := []string{dates[1], dates[3], dates[0], dates[2], dates[4]}
	if len(res.Suggestions) != 5 {
		t.Fatalf("expected 5 reported suggestions, got %d", len(res.Suggestions))
	}
	for i, item := range res.Suggestions {
		if item.ID != overlapID(wantOrder[i], "a", "b") {
			t.Fatalf("position %d: unexpected suggestion %s", i, item.ID)
		}
		if item.Error != "" {
			t.Fatalf("position %d: unexpected error %q", i, item.Error)
		}
		if item.Applied != (i < 3) {
			t.Fatalf("position %d: applied=%v", i, item.Applied)
		}
	}
	if res.Suggestions[4].Reason != "limit" {
		t.Fatalf("expected limit reason, got %q", res.Suggestions[4].Reason)
	}
	list, err := env.Engine.ListSuggestions(env.Ctx, tripID)
	if err != nil {
		t.Fatal(err)
	}
	if list.Stats["blocker"] != 2 {
		t.Fatalf("expected 2 remaining blockers, got %d", list.Stats["blocker"])
	}
}

func TestAutoOptimizePreviewDoesNotPersist(t *testing.T) {
	env := newTestEnv(t)
	seedBlockers(t, env)
	preview, err := env.Engine.AutoOptimize(env.Ctx, engine.AutoOptimizeOptions{TripID: tripID, Limit: 3, Preview: true})
	if err != nil {
		t.Fatal(err)
	}
	if preview.AppliedCount != 3 || !preview.Preview {
		t.Fatalf("unexpected preview: %+v", preview)
	}
	list, err := env.Engine.ListSuggestions(env.Ctx, tripID)
	if err != nil {
		t.Fatal(err)
	}
	if list.Stats["blocker"] != 5 || len(list.Applied) != 0 {
		t.Fatalf("preview must not persist: %+v", list.Stats)
	}
	applied, err := env.Engine.AutoOptimize(env.Ctx, engine.AutoOptimizeOptions{TripID: tripID, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(preview.Impact.Metrics, applied.Impact.Metrics) {
		t.Fatalf("preview impact %+v differs from apply %+v", preview.Impact.Metrics, applied.Impact.Metrics)
	}
}

func TestAutoOptimizeStopsAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	saveDay(t, env, "2024-05-01", item("a", "22:00", "23:30"), item("b", "23:00", "23:50"))
	saveDay(t, env, "2024-05-02", item("a", "09:00", "10:00"), item("b", "09:30", "10:30"))

	res, err := env.Engine.AutoOptimize(env.Ctx, engine.AutoOptimizeOptions{TripID: tripID, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || res.AppliedCount != 0 {
		t.Fatalf("expected failed batch, got %+v", res)
	}
	if res.Suggestions[0].Error == "" || res.Suggestions[1].Reason != "skipped" || res.Suggestions[1].Applied {
		t.Fatalf("expected short-circuit after failure: %+v", res.Suggestions)
	}
}

func TestAutoOptimizeAsync(t *testing.T) {
	env := newTestEnv(t)
	seedBlockers(t, env)
	res, err := env.Engine.AutoOptimize(env.Ctx, engine.AutoOptimizeOptions{TripID: tripID, Limit: 2, Async: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.TaskID == "" {
		t.Fatalf("expected a task id")
	}
	task := waitTerminal(t, env, res.TaskID)
	if task.Status != engine.TaskCompleted {
		t.Fatalf("expected COMPLETED, got %+v", task)
	}
	if task.Progress.Processed != 2 || task.Progress.Total != 2 {
		t.Fatalf("unexpected progress: %+v", task.Progress)
	}
	if task.Result["appliedCount"] != float64(2) {
		t.Fatalf("unexpected result: %+v", task.Result)
	}
}

func waitTerminal(t *testing.T, env testEnv, id string) domain.AsyncTask {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := env.Engine.PollTask(env.Ctx, id)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if task.Status == engine.TaskCompleted || task.Status == engine.TaskFailed || task.Status == engine.TaskCancelled {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return domain.AsyncTask{}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.StartTask(env.Ctx, "import", 10)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != engine.TaskPending {
		t.Fatalf("expected PENDING, got %s", task.Status)
	}
	for i := 0; i < 4; i++ {
		env.Clock.Advance(time.Second)
		if task, err = env.Engine.AdvanceTask(env.Ctx, task.ID, 1, "step"); err != nil {
			t.Fatal(err)
		}
	}
	if task.Status != engine.TaskRunning || task.Progress.Processed != 4 {
		t.Fatalf("unexpected running task: %+v", task)
	}
	if task.Progress.EstimatedRemainingTime == nil || *task.Progress.EstimatedRemainingTime != 5 {
		t.Fatalf("unexpected eta: %v", task.Progress.EstimatedRemainingTime)
	}

	if task, err = env.Engine.CancelTask(env.Ctx, task.ID); err != nil || task.Status != engine.TaskCancelled {
		t.Fatalf("cancel: %+v %v", task, err)
	}
	if _, err := env.Engine.AdvanceTask(env.Ctx, task.ID, 1, ""); err != nil {
		t.Fatalf("advance after cancel should be ignored, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, map[string]any{"x": 1}); err != nil {
		t.Fatalf("duplicate completion should be a no-op, got %v", err)
	}
	polled, err := env.Engine.PollTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if polled.Status != engine.TaskCancelled || polled.Progress.Processed != 4 || polled.Result != nil {
		t.Fatalf("cancelled task changed: %+v", polled)
	}
	_, err = env.Engine.CancelTask(env.Ctx, task.ID)
	var at engine.AlreadyTerminalError
	if !errors.As(err, &at) {
		t.Fatalf("expected already terminal, got %v", err)
	}
}

func TestRunTaskCooperativeCancel(t *testing.T) {
	env := newTestEnv(t)
	reached := make(chan struct{})
	resume := make(chan struct{})
	task, err := env.Engine.RunTask(env.Ctx, "batch", 10, func(ctx context.Context, r *engine.Reporter) (map[string]any, error) {
		for i := 0; i < 10; i++ {
			if r.Cancelled() {
				return map[string]any{"stoppedAt": i}, nil
			}
			r.Advance(1, "unit")
			if i == 3 {
				close(reached)
				<-resume
			}
		}
		return map[string]any{"done": true}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-reached
	deadline := time.Now().Add(5 * time.Second)
	for {
		polled, err := env.Engine.PollTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if polled.Progress.Processed == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress never reached 4: %+v", polled.Progress)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(resume)
	time.Sleep(50 * time.Millisecond)
	got := waitTerminal(t, env, task.ID)
	if got.Status != engine.TaskCancelled || got.Progress.Processed != 4 {
		t.Fatalf("expected cancelled at 4, got %+v", got)
	}
}

func TestRunTaskSeesCancelFromAnotherEngine(t *testing.T) {
	env := newTestEnv(t)
	other := engine.New(env.Engine.DB, config.Default())
	other.Now = env.Clock.Now

	reached := make(chan struct{})
	resume := make(chan struct{})
	stopped := make(chan int, 1)
	task, err := env.Engine.RunTask(env.Ctx, "batch", 10, func(ctx context.Context, r *engine.Reporter) (map[string]any, error) {
		for i := 0; i < 10; i++ {
			if r.Cancelled() {
				stopped <- i
				return nil, nil
			}
			r.Advance(1, "unit")
			if i == 3 {
				close(reached)
				<-resume
			}
		}
		stopped <- 10
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-reached
	if _, err := other.CancelTask(env.Ctx, task.ID); err != nil {
		t.Fatalf("cancel from second engine: %v", err)
	}
	close(resume)
	select {
	case i := <-stopped:
		if i != 4 {
			t.Fatalf("worker stopped at %d, want 4", i)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker never stopped")
	}
	got := waitTerminal(t, env, task.ID)
	if got.Status != engine.TaskCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
}

func TestSessionDraft(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.CreateSession(env.Ctx, tripID)
	if err != nil {
		t.Fatal(err)
	}
	if s.HasUnconfirmedContent {
		t.Fatalf("new session should be clean")
	}
	s, err = env.Engine.MarkSession(env.Ctx, s.Token, true)
	if err != nil {
		t.Fatal(err)
	}
	if !s.HasUnconfirmedContent || !s.Draft {
		t.Fatalf("draft session should report unconfirmed content: %+v", s)
	}
	if _, err := env.Engine.GetSession(env.Ctx, "unknown"); !errors.As(err, new(engine.NotFoundError)) {
		t.Fatalf("expected not found, got %v", err)
	}
}
