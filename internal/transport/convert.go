package transport

import (
	"time"

	"eascal/internal/model"
	"eascal/internal/protocol"
)

// Wire representation of calendar records as the gateway emits them. The
// gateway decodes the tag stream and hands over plain JSON; these types are
// the JSON side of that contract.

type wireEvent struct {
	ID                string         `json:"id"`
	SeriesUID         string         `json:"series_uid,omitempty"`
	Subject           string         `json:"subject"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	Location          string         `json:"location,omitempty"`
	Body              string         `json:"body,omitempty"`
	Organizer         string         `json:"organizer,omitempty"`
	Attendees         []wireAttendee `json:"attendees,omitempty"`
	IsAllDay          bool           `json:"is_all_day,omitempty"`
	Recurrence        *wireRecur     `json:"recurrence,omitempty"`
	Exceptions        []wireExcept   `json:"exceptions,omitempty"`
	MeetingStatus     int            `json:"meeting_status,omitempty"`
	ClientID          string         `json:"client_id,omitempty"`
	IsException       bool           `json:"is_exception,omitempty"`
	OriginalStartTime *time.Time     `json:"original_start_time,omitempty"`
	IsCancelled       bool           `json:"is_cancelled,omitempty"`
}

type wireAttendee struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type wireRecur struct {
	Type          int        `json:"type"`
	Interval      int        `json:"interval"`
	DayOfWeekMask int        `json:"day_of_week_mask,omitempty"`
	DayOfMonth    int        `json:"day_of_month,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
}

type wireExcept struct {
	OriginalStartTime time.Time  `json:"original_start_time"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	EndTime           *time.Time `json:"end_time,omitempty"`
	Subject           string     `json:"subject,omitempty"`
	Location          string     `json:"location,omitempty"`
	IsDeleted         bool       `json:"is_deleted,omitempty"`
}

type wireFolder struct {
	ID          string `json:"id"`
	ParentID    string `json:"parent_id,omitempty"`
	DisplayName string `json:"display_name"`
	Type        int    `json:"type"`
}

func eventFromWire(w wireEvent) model.CalendarEvent {
	ev := model.CalendarEvent{
		ID:                w.ID,
		SeriesUID:         w.SeriesUID,
		Subject:           w.Subject,
		StartTime:         w.StartTime,
		EndTime:           w.EndTime,
		Location:          w.Location,
		Body:              w.Body,
		Organizer:         w.Organizer,
		IsAllDay:          w.IsAllDay,
		MeetingStatus:     model.MeetingStatus(w.MeetingStatus),
		ClientID:          w.ClientID,
		IsException:       w.IsException,
		OriginalStartTime: w.OriginalStartTime,
		IsCancelled:       w.IsCancelled,
	}
	for _, a := range w.Attendees {
		ev.Attendees = append(ev.Attendees, model.Attendee{Name: a.Name, Email: a.Email})
	}
	if w.Recurrence != nil {
		ev.Recurrence = &model.Recurrence{
			Type:          model.RecurrenceType(w.Recurrence.Type),
			Interval:      w.Recurrence.Interval,
			DayOfWeekMask: model.DayMask(w.Recurrence.DayOfWeekMask),
			DayOfMonth:    w.Recurrence.DayOfMonth,
			Until:         w.Recurrence.Until,
		}
	}
	for _, x := range w.Exceptions {
		ev.Exceptions = append(ev.Exceptions, model.Exception{
			OriginalStartTime: x.OriginalStartTime,
			StartTime:         x.StartTime,
			EndTime:           x.EndTime,
			Subject:           x.Subject,
			Location:          x.Location,
			IsDeleted:         x.IsDeleted,
		})
	}
	return ev
}

func eventToWire(ev model.CalendarEvent) wireEvent {
	w := wireEvent{
		ID:                ev.ID,
		SeriesUID:         ev.SeriesUID,
		Subject:           ev.Subject,
		StartTime:         ev.StartTime,
		EndTime:           ev.EndTime,
		Location:          ev.Location,
		Body:              ev.Body,
		Organizer:         ev.Organizer,
		IsAllDay:          ev.IsAllDay,
		MeetingStatus:     int(ev.MeetingStatus),
		ClientID:          ev.ClientID,
		IsException:       ev.IsException,
		OriginalStartTime: ev.OriginalStartTime,
		IsCancelled:       ev.IsCancelled,
	}
	for _, a := range ev.Attendees {
		w.Attendees = append(w.Attendees, wireAttendee{Name: a.Name, Email: a.Email})
	}
	if ev.Recurrence != nil {
		w.Recurrence = &wireRecur{
			Type:          int(ev.Recurrence.Type),
			Interval:      ev.Recurrence.Interval,
			DayOfWeekMask: int(ev.Recurrence.DayOfWeekMask),
			DayOfMonth:    ev.Recurrence.DayOfMonth,
			Until:         ev.Recurrence.Until,
		}
	}
	for _, x := range ev.Exceptions {
		w.Exceptions = append(w.Exceptions, wireExcept{
			OriginalStartTime: x.OriginalStartTime,
			StartTime:         x.StartTime,
			EndTime:           x.EndTime,
			Subject:           x.Subject,
			Location:          x.Location,
			IsDeleted:         x.IsDeleted,
		})
	}
	return w
}

func eventsFromWire(ws []wireEvent) []model.CalendarEvent {
	if len(ws) == 0 {
		return nil
	}
	out := make([]model.CalendarEvent, 0, len(ws))
	for _, w := range ws {
		out = append(out, eventFromWire(w))
	}
	return out
}

func eventsToWire(evs []model.CalendarEvent) []wireEvent {
	if len(evs) == 0 {
		return nil
	}
	out := make([]wireEvent, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventToWire(ev))
	}
	return out
}

func foldersFromWire(ws []wireFolder) []protocol.Folder {
	if len(ws) == 0 {
		return nil
	}
	out := make([]protocol.Folder, 0, len(ws))
	for _, w := range ws {
		out = append(out, protocol.Folder{
			ID:          w.ID,
			ParentID:    w.ParentID,
			DisplayName: w.DisplayName,
			Type:        protocol.FolderType(w.Type),
		})
	}
	return out
}
