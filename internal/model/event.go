// Package model defines the calendar event types shared between the protocol
// layer, the recurrence machinery, and the sync engine.
package model

import (
	"fmt"
	"time"
)

// MeetingStatus mirrors the protocol's meeting status integer.
type MeetingStatus int

const (
	// MeetingStatusNone marks a plain appointment with no attendees.
	MeetingStatusNone MeetingStatus = 0
	// MeetingStatusOrganizer marks a meeting the mailbox owner organises.
	MeetingStatusOrganizer MeetingStatus = 1
	// MeetingStatusAttendee marks a meeting the mailbox owner was invited to.
	MeetingStatusAttendee MeetingStatus = 3
	// MeetingStatusCancelled marks a meeting cancelled by the organiser.
	MeetingStatusCancelled MeetingStatus = 5
)

// RecurrenceType enumerates the recurrence patterns the server emits.
// Values match the protocol's Recurrence/Type integers.
type RecurrenceType int

const (
	RecurrenceDaily      RecurrenceType = 0
	RecurrenceWeekly     RecurrenceType = 1
	RecurrenceMonthly    RecurrenceType = 2
	RecurrenceMonthlyNth RecurrenceType = 3
	RecurrenceYearly     RecurrenceType = 5
	RecurrenceYearlyNth  RecurrenceType = 6
)

// String returns the protocol name of the recurrence type.
func (t RecurrenceType) String() string {
	switch t {
	case RecurrenceDaily:
		return "daily"
	case RecurrenceWeekly:
		return "weekly"
	case RecurrenceMonthly:
		return "monthly"
	case RecurrenceMonthlyNth:
		return "monthlyNth"
	case RecurrenceYearly:
		return "yearly"
	case RecurrenceYearlyNth:
		return "yearlyNth"
	default:
		return fmt.Sprintf("recurrenceType(%d)", int(t))
	}
}

// DayMask is the protocol's day-of-week bitset: bit 0 is Sunday through
// bit 6 Saturday.
type DayMask uint8

// MaskFor returns the mask bit for a single weekday.
func MaskFor(d time.Weekday) DayMask {
	return 1 << uint(d)
}

// Contains reports whether the weekday is set in the mask.
func (m DayMask) Contains(d time.Weekday) bool {
	return m&MaskFor(d) != 0
}

// Weekdays expands the mask into the weekdays it covers, Sunday first.
func (m DayMask) Weekdays() []time.Weekday {
	var days []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m.Contains(d) {
			days = append(days, d)
		}
	}
	return days
}

// Recurrence describes how a master event repeats.
type Recurrence struct {
	Type RecurrenceType

	// Interval is the step between occurrences in units of the pattern
	// (days, weeks, months, years). Zero is treated as 1.
	Interval int

	// DayOfWeekMask selects weekdays for weekly patterns. Zero means
	// "weekday of the series start".
	DayOfWeekMask DayMask

	// DayOfMonth selects the day for monthly patterns (1–31). Zero means
	// "day-of-month of the series start".
	DayOfMonth int

	// Until is the last instant on whose day an occurrence may still fall.
	// Nil means the series has no end date.
	Until *time.Time
}

// Clone returns a deep copy of the recurrence rule.
func (r *Recurrence) Clone() *Recurrence {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Until != nil {
		u := *r.Until
		cp.Until = &u
	}
	return &cp
}

// Signature returns the identity of the pattern itself: type, interval, and
// weekday mask. Two masters with the same signature repeat the same way even
// if the server reports drifted start times for them.
func (r *Recurrence) Signature() string {
	interval := r.Interval
	if interval <= 0 {
		interval = 1
	}
	return fmt.Sprintf("%d/%d/%d", r.Type, interval, r.DayOfWeekMask)
}

// Exception overrides or deletes a single occurrence of a recurring series,
// keyed by the occurrence's original (un-overridden) start time.
type Exception struct {
	// OriginalStartTime identifies the occurrence being overridden.
	OriginalStartTime time.Time

	// StartTime and EndTime replace the occurrence's times when non-nil.
	StartTime *time.Time
	EndTime   *time.Time

	// Subject and Location replace the master's values when non-empty.
	Subject  string
	Location string

	// IsDeleted suppresses the occurrence entirely. Deleted exceptions
	// carry no content overrides.
	IsDeleted bool
}

// IsMoved reports whether the override lands on a different calendar day
// than the occurrence it replaces.
func (x *Exception) IsMoved() bool {
	if x.IsDeleted || x.StartTime == nil {
		return false
	}
	return DayKey(*x.StartTime) != DayKey(x.OriginalStartTime)
}

// Attendee is one invited participant of a meeting.
type Attendee struct {
	Name  string
	Email string
}

// CalendarEvent is one master record or one materialized occurrence.
type CalendarEvent struct {
	// ID is locally unique. Masters carry the server item id; materialized
	// occurrences carry an id derived from the master id and the day.
	ID string

	// SeriesUID is the server's stable UID for the logical series. It
	// survives edits and folder re-syncs, unlike the item id.
	SeriesUID string

	Subject   string
	StartTime time.Time
	EndTime   time.Time
	Location  string
	Body      string
	Organizer string
	Attendees []Attendee
	IsAllDay  bool

	// Recurrence is non-nil exactly when the event is a recurring master.
	Recurrence *Recurrence

	// Exceptions are the per-occurrence overrides attached to a master.
	Exceptions []Exception

	MeetingStatus MeetingStatus

	// ClientID is set on locally created events until the server
	// acknowledges them with a real item id.
	ClientID string

	// IsException marks standalone occurrence overrides and materialized
	// occurrences. OriginalStartTime is set only when IsException is true.
	IsException       bool
	OriginalStartTime *time.Time

	IsCancelled bool
}

// IsMaster reports whether the event is the canonical record of a recurring
// series.
func (e *CalendarEvent) IsMaster() bool {
	return e.Recurrence != nil && !e.IsException
}

// Duration returns the event's scheduled length.
func (e *CalendarEvent) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Clone returns a deep copy so callers can hand events across ownership
// boundaries without aliasing slices.
func (e *CalendarEvent) Clone() CalendarEvent {
	cp := *e
	cp.Recurrence = e.Recurrence.Clone()
	if e.Exceptions != nil {
		cp.Exceptions = make([]Exception, len(e.Exceptions))
		copy(cp.Exceptions, e.Exceptions)
	}
	if e.Attendees != nil {
		cp.Attendees = make([]Attendee, len(e.Attendees))
		copy(cp.Attendees, e.Attendees)
	}
	if e.OriginalStartTime != nil {
		t := *e.OriginalStartTime
		cp.OriginalStartTime = &t
	}
	return cp
}

// --- Occurrence identity -----------------------------------------------------

const occurrenceDayLayout = "20060102"

// DayKey collapses an instant to its calendar day, the key under which
// exceptions are matched against pattern days.
func DayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// OccurrenceID derives the id of a regular materialized occurrence. The id is
// a pure function of (master id, day) so repeated materialization is
// idempotent, and it is prefixed with the master id so a deleted master can
// purge its occurrences by prefix.
func OccurrenceID(masterID string, day time.Time) string {
	return masterID + "_" + day.Format(occurrenceDayLayout)
}

// ExceptionOccurrenceID derives the id of an occurrence produced from a
// same-day exception override.
func ExceptionOccurrenceID(masterID string, day time.Time) string {
	return masterID + "_ex_" + day.Format(occurrenceDayLayout)
}

// MovedOccurrenceID derives the id of an occurrence that an exception moved
// to a different day. It is keyed by the original day so the occurrence is
// emitted at most once no matter which day it surfaces on.
func MovedOccurrenceID(masterID string, originalDay time.Time) string {
	return masterID + "_moved_" + originalDay.Format(occurrenceDayLayout)
}
