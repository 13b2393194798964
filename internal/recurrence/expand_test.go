package recurrence

import (
	"testing"
	"time"

	"eascal/internal/model"
)

// weeklyStandup is a Mon/Wed/Fri 09:00–09:15 series starting Monday 2026-01-05.
func weeklyStandup() model.CalendarEvent {
	return model.CalendarEvent{
		ID:        "srv-1",
		Subject:   "Standup",
		StartTime: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC),
		Recurrence: &model.Recurrence{
			Type:          model.RecurrenceWeekly,
			Interval:      1,
			DayOfWeekMask: model.MaskFor(time.Monday) | model.MaskFor(time.Wednesday) | model.MaskFor(time.Friday),
		},
	}
}

func standupOpts() ExpandOptions {
	return ExpandOptions{
		WindowStart: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 1, 16, 23, 59, 59, 0, time.UTC),
		BaseHour:    9,
		BaseMinute:  0,
	}
}

func days(events []model.CalendarEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, model.DayKey(ev.StartTime))
	}
	return out
}

func findByDay(t *testing.T, events []model.CalendarEvent, day string) model.CalendarEvent {
	t.Helper()
	for _, ev := range events {
		if model.DayKey(ev.StartTime) == day {
			return ev
		}
	}
	t.Fatalf("no occurrence on %s, got days %v", day, days(events))
	return model.CalendarEvent{}
}

func TestExpand_WeeklyPattern(t *testing.T) {
	got := Expand(weeklyStandup(), standupOpts())

	want := []string{"2026-01-05", "2026-01-07", "2026-01-09", "2026-01-12", "2026-01-14", "2026-01-16"}
	gotDays := days(got)
	if len(gotDays) != len(want) {
		t.Fatalf("occurrences = %v, want %v", gotDays, want)
	}
	for i := range want {
		if gotDays[i] != want[i] {
			t.Errorf("occurrence[%d] day = %s, want %s", i, gotDays[i], want[i])
		}
	}

	first := got[0]
	if first.ID != "srv-1_20260105" {
		t.Errorf("occurrence ID = %q, want %q", first.ID, "srv-1_20260105")
	}
	if first.StartTime.Hour() != 9 || first.StartTime.Minute() != 0 {
		t.Errorf("occurrence starts at %v, want 09:00", first.StartTime)
	}
	if d := first.EndTime.Sub(first.StartTime); d != 15*time.Minute {
		t.Errorf("occurrence duration = %v, want 15m", d)
	}
	if first.Recurrence != nil {
		t.Error("materialized occurrence must not carry a recurrence rule")
	}
	if first.Subject != "Standup" {
		t.Errorf("occurrence subject = %q, want %q", first.Subject, "Standup")
	}
}

func TestExpand_SameDayOverride(t *testing.T) {
	master := weeklyStandup()
	moved := time.Date(2026, 1, 7, 9, 30, 0, 0, time.UTC)
	master.Exceptions = []model.Exception{{
		OriginalStartTime: time.Date(2026, 1, 7, 9, 0, 0, 0, time.UTC),
		StartTime:         &moved,
		Subject:           "Standup (late)",
	}}

	got := Expand(master, standupOpts())
	if len(got) != 6 {
		t.Fatalf("occurrences = %d, want 6", len(got))
	}

	occ := findByDay(t, got, "2026-01-07")
	if occ.ID != "srv-1_ex_20260107" {
		t.Errorf("override ID = %q, want %q", occ.ID, "srv-1_ex_20260107")
	}
	if !occ.StartTime.Equal(moved) {
		t.Errorf("override start = %v, want %v", occ.StartTime, moved)
	}
	if occ.Subject != "Standup (late)" {
		t.Errorf("override subject = %q, want %q", occ.Subject, "Standup (late)")
	}
	if !occ.IsException {
		t.Error("override occurrence should be flagged as exception")
	}
	if occ.OriginalStartTime == nil || model.DayKey(*occ.OriginalStartTime) != "2026-01-07" {
		t.Error("override should keep its original start time")
	}
}

func TestExpand_DeletedExceptionSuppressesDay(t *testing.T) {
	master := weeklyStandup()
	master.Exceptions = []model.Exception{{
		OriginalStartTime: time.Date(2026, 1, 9, 9, 0, 0, 0, time.UTC),
		IsDeleted:         true,
	}}

	got := Expand(master, standupOpts())
	if len(got) != 5 {
		t.Fatalf("occurrences = %d, want 5 (Jan 9 deleted), got days %v", len(got), days(got))
	}
	for _, ev := range got {
		if model.DayKey(ev.StartTime) == "2026-01-09" {
			t.Error("deleted day still materialized")
		}
	}
}

func TestExpand_MovedExceptionSurfacesOnce(t *testing.T) {
	master := weeklyStandup()
	// Jan 12 (Monday) moved to Jan 13 (Tuesday, not a pattern day).
	newStart := time.Date(2026, 1, 13, 11, 0, 0, 0, time.UTC)
	master.Exceptions = []model.Exception{{
		OriginalStartTime: time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC),
		StartTime:         &newStart,
	}}

	got := Expand(master, standupOpts())
	if len(got) != 6 {
		t.Fatalf("occurrences = %d, want 6, got days %v", len(got), days(got))
	}

	for _, ev := range got {
		if model.DayKey(ev.StartTime) == "2026-01-12" {
			t.Error("moved occurrence still materialized on its original day")
		}
	}

	occ := findByDay(t, got, "2026-01-13")
	if occ.ID != "srv-1_moved_20260112" {
		t.Errorf("moved ID = %q, want %q", occ.ID, "srv-1_moved_20260112")
	}
	if !occ.StartTime.Equal(newStart) {
		t.Errorf("moved start = %v, want %v", occ.StartTime, newStart)
	}
}

func TestExpand_MovedExceptionOutsideWindowDropped(t *testing.T) {
	master := weeklyStandup()
	newStart := time.Date(2026, 2, 20, 11, 0, 0, 0, time.UTC) // past window end
	master.Exceptions = []model.Exception{{
		OriginalStartTime: time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC),
		StartTime:         &newStart,
	}}

	got := Expand(master, standupOpts())
	if len(got) != 5 {
		t.Fatalf("occurrences = %d, want 5, got days %v", len(got), days(got))
	}
}

func TestExpand_MaxOccurrencesCap(t *testing.T) {
	opts := standupOpts()
	opts.MaxOccurrences = 3

	got := Expand(weeklyStandup(), opts)
	if len(got) != 3 {
		t.Fatalf("occurrences = %d, want 3", len(got))
	}
}

func TestExpand_Idempotent(t *testing.T) {
	master := weeklyStandup()
	moved := time.Date(2026, 1, 7, 9, 30, 0, 0, time.UTC)
	master.Exceptions = []model.Exception{{
		OriginalStartTime: time.Date(2026, 1, 7, 9, 0, 0, 0, time.UTC),
		StartTime:         &moved,
	}}

	a := Expand(master, standupOpts())
	b := Expand(master, standupOpts())
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Errorf("occurrence[%d] ID differs: %q vs %q", i, a[i].ID, b[i].ID)
		}
		if !a[i].StartTime.Equal(b[i].StartTime) {
			t.Errorf("occurrence[%d] start differs: %v vs %v", i, a[i].StartTime, b[i].StartTime)
		}
	}
}

func TestExpand_NoCandidates_FallsBackToMaster(t *testing.T) {
	master := weeklyStandup()
	until := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC) // series ended before the window
	master.Recurrence.Until = &until

	got := Expand(master, standupOpts())
	if len(got) != 1 {
		t.Fatalf("occurrences = %d, want 1 fallback record", len(got))
	}
	if got[0].ID != master.ID {
		t.Errorf("fallback ID = %q, want master ID %q", got[0].ID, master.ID)
	}
}

func TestExpand_NonRecurring(t *testing.T) {
	single := model.CalendarEvent{
		ID:        "one-off",
		Subject:   "Dentist",
		StartTime: time.Date(2026, 1, 8, 14, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 8, 15, 0, 0, 0, time.UTC),
	}

	got := Expand(single, standupOpts())
	if len(got) != 1 || got[0].ID != "one-off" {
		t.Fatalf("non-recurring expansion = %v, want the event itself", got)
	}
}

func TestExpand_MonthlyByMonthday(t *testing.T) {
	master := model.CalendarEvent{
		ID:        "rent",
		Subject:   "Rent due",
		StartTime: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC),
		Recurrence: &model.Recurrence{
			Type:       model.RecurrenceMonthly,
			Interval:   1,
			DayOfMonth: 15,
		},
	}
	opts := ExpandOptions{
		WindowStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		BaseHour:    10,
	}

	got := Expand(master, opts)
	want := []string{"2026-01-15", "2026-02-15"}
	gotDays := days(got)
	if len(gotDays) != len(want) {
		t.Fatalf("occurrences = %v, want %v", gotDays, want)
	}
	for i := range want {
		if gotDays[i] != want[i] {
			t.Errorf("occurrence[%d] day = %s, want %s", i, gotDays[i], want[i])
		}
	}
}

func TestExpand_DailyInterval(t *testing.T) {
	master := model.CalendarEvent{
		ID:        "meds",
		Subject:   "Medication",
		StartTime: time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 5, 8, 5, 0, 0, time.UTC),
		Recurrence: &model.Recurrence{
			Type:     model.RecurrenceDaily,
			Interval: 2,
		},
	}
	opts := ExpandOptions{
		WindowStart: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 1, 11, 23, 59, 59, 0, time.UTC),
		BaseHour:    8,
	}

	got := Expand(master, opts)
	want := []string{"2026-01-05", "2026-01-07", "2026-01-09", "2026-01-11"}
	gotDays := days(got)
	if len(gotDays) != len(want) {
		t.Fatalf("occurrences = %v, want %v", gotDays, want)
	}
}
