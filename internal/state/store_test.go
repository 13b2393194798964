package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"eascal/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleEvent(id string, start time.Time) model.CalendarEvent {
	return model.CalendarEvent{
		ID:        id,
		Subject:   "Event " + id,
		StartTime: start,
		EndTime:   start.Add(time.Hour),
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("s2.Close: %v", err)
	}
}

func TestSyncState_Roundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Fresh DB has no state.
	got, err := s.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState: %v", err)
	}
	if got != nil {
		t.Fatalf("fresh store returned state %+v, want nil", got)
	}

	st := &SyncState{
		FolderSyncCursor:   "F3",
		CalendarFolderID:   "cal-1",
		CalendarSyncCursor: "S9",
		ProvisioningKey:    "policy-1",
		LastSyncAt:         time.Date(2026, 2, 1, 12, 30, 0, 0, time.UTC),
	}
	if err := s.SaveSyncState(ctx, st); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}

	got, err = s.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState after save: %v", err)
	}
	if got == nil {
		t.Fatal("saved state not found")
	}
	if got.FolderSyncCursor != st.FolderSyncCursor ||
		got.CalendarFolderID != st.CalendarFolderID ||
		got.CalendarSyncCursor != st.CalendarSyncCursor ||
		got.ProvisioningKey != st.ProvisioningKey {
		t.Errorf("roundtrip state = %+v, want %+v", got, st)
	}
	if !got.LastSyncAt.Equal(st.LastSyncAt) {
		t.Errorf("LastSyncAt = %v, want %v", got.LastSyncAt, st.LastSyncAt)
	}

	// Saving again overwrites the singleton row.
	st.CalendarSyncCursor = "S10"
	if err := s.SaveSyncState(ctx, st); err != nil {
		t.Fatalf("second SaveSyncState: %v", err)
	}
	got, _ = s.LoadSyncState(ctx)
	if got.CalendarSyncCursor != "S10" {
		t.Errorf("cursor after upsert = %q, want S10", got.CalendarSyncCursor)
	}
}

func TestClearSyncState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveSyncState(ctx, NewSyncState()); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}
	if err := s.ClearSyncState(ctx); err != nil {
		t.Fatalf("ClearSyncState: %v", err)
	}
	got, err := s.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState after clear: %v", err)
	}
	if got != nil {
		t.Errorf("state after clear = %+v, want nil", got)
	}
}

func TestAssignFolder_ResetsCursorOnChange(t *testing.T) {
	st := NewSyncState()
	st.AssignFolder("cal-1")
	st.CalendarSyncCursor = "S5"

	// Same folder keeps the cursor.
	st.AssignFolder("cal-1")
	if st.CalendarSyncCursor != "S5" {
		t.Errorf("cursor after same-folder assign = %q, want S5", st.CalendarSyncCursor)
	}

	// A different folder invalidates it.
	st.AssignFolder("cal-2")
	if st.CalendarSyncCursor != InitialCursor {
		t.Errorf("cursor after folder change = %q, want %q", st.CalendarSyncCursor, InitialCursor)
	}
}

func TestCachedEvents_AtomicReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	first := []model.CalendarEvent{
		sampleEvent("b", base.Add(time.Hour)),
		sampleEvent("a", base),
	}
	if err := s.SaveCachedEvents(ctx, first); err != nil {
		t.Fatalf("SaveCachedEvents: %v", err)
	}

	got, err := s.LoadCachedEvents(ctx)
	if err != nil {
		t.Fatalf("LoadCachedEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded = %d events, want 2", len(got))
	}
	// Ordered by start time regardless of insert order.
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %q, %q; want a, b", got[0].ID, got[1].ID)
	}

	// A second save replaces, not appends.
	second := []model.CalendarEvent{sampleEvent("c", base)}
	if err := s.SaveCachedEvents(ctx, second); err != nil {
		t.Fatalf("second SaveCachedEvents: %v", err)
	}
	got, _ = s.LoadCachedEvents(ctx)
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("after replace = %d events, want only c", len(got))
	}

	// Saving nil clears the cache.
	if err := s.SaveCachedEvents(ctx, nil); err != nil {
		t.Fatalf("clearing SaveCachedEvents: %v", err)
	}
	got, _ = s.LoadCachedEvents(ctx)
	if len(got) != 0 {
		t.Errorf("after clear = %d events, want 0", len(got))
	}
}

func TestCachedEvents_PreservesPayload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	until := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	master := model.CalendarEvent{
		ID:        "srv-1",
		SeriesUID: "uid-1",
		Subject:   "Standup",
		StartTime: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC),
		Location:  "Room 1",
		Recurrence: &model.Recurrence{
			Type:          model.RecurrenceWeekly,
			Interval:      1,
			DayOfWeekMask: model.MaskFor(time.Monday),
			Until:         &until,
		},
		Exceptions: []model.Exception{{
			OriginalStartTime: time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC),
			IsDeleted:         true,
		}},
	}

	if err := s.SaveCachedEvents(ctx, []model.CalendarEvent{master}); err != nil {
		t.Fatalf("SaveCachedEvents: %v", err)
	}
	got, err := s.LoadCachedEvents(ctx)
	if err != nil {
		t.Fatalf("LoadCachedEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded = %d events, want 1", len(got))
	}

	ev := got[0]
	if ev.Recurrence == nil || ev.Recurrence.Type != model.RecurrenceWeekly {
		t.Errorf("recurrence = %+v, want weekly", ev.Recurrence)
	}
	if ev.Recurrence.Until == nil || !ev.Recurrence.Until.Equal(until) {
		t.Errorf("until = %v, want %v", ev.Recurrence.Until, until)
	}
	if len(ev.Exceptions) != 1 || !ev.Exceptions[0].IsDeleted {
		t.Errorf("exceptions = %+v, want one deleted", ev.Exceptions)
	}
}

func TestCredentials_Roundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if got != nil {
		t.Fatalf("fresh store returned credentials %+v, want nil", got)
	}

	c := &Credentials{
		ServerURL: "https://mail.example.com",
		Username:  "alice",
		Password:  "pw",
		DeviceID:  "dev-1",
	}
	if err := s.SaveCredentials(ctx, c); err != nil {
		t.Fatalf("SaveCredentials: %v", err)
	}
	got, err = s.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("LoadCredentials after save: %v", err)
	}
	if got == nil || *got != *c {
		t.Errorf("roundtrip credentials = %+v, want %+v", got, c)
	}

	if err := s.ClearCredentials(ctx); err != nil {
		t.Fatalf("ClearCredentials: %v", err)
	}
	got, _ = s.LoadCredentials(ctx)
	if got != nil {
		t.Errorf("credentials after clear = %+v, want nil", got)
	}
}
