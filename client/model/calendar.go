package model

import (
	"sort"
	"time"
)

const (
	DayKeyLayout = "2006-01-02"
	allDayLabel  = "All-day"
	timeLayout   = "15:04"
)

// CalendarEvent is a single event as handed over by the calendar collaborator.
type CalendarEvent struct {
	Calendar string    `json:"calendar"`
	Title    string    `json:"title"`
	Location string    `json:"location"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"allDay"`
}

// CalendarEntry is the per-day wire representation of an event.
type CalendarEntry struct {
	Calendar string `json:"calendar"`
	Event    string `json:"event"`
	Time     string `json:"time"`
	Location string `json:"location"`
	IsAllDay bool   `json:"isAllDay"`
}

// CalendarSnapshot is the body of POST /calendarUpdate.
type CalendarSnapshot struct {
	RangeStart   string                     `json:"rangeStart"`
	RangeEnd     string                     `json:"rangeEnd"`
	EventsByDate map[string][]CalendarEntry `json:"eventsByDate"`
}

// DayKey formats t as YYYY-MM-DD in its own location.
func DayKey(t time.Time) string {
	return t.Format(DayKeyLayout)
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// BuildCalendarSnapshot lays events out per day over [rangeStart, rangeEnd] (inclusive, in loc).
// Every day of the range is present, even without events. An event is listed under
// every day it intersects.
func BuildCalendarSnapshot(rangeStart, rangeEnd time.Time, events []CalendarEvent, loc *time.Location) CalendarSnapshot {
	if loc == nil {
		loc = time.Local
	}
	first := StartOfDay(rangeStart, loc)
	last := StartOfDay(rangeEnd, loc)
	if last.Before(first) {
		first, last = last, first
	}

	sorted := make([]CalendarEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AllDay != sorted[j].AllDay {
			return sorted[i].AllDay
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	snap := CalendarSnapshot{
		RangeStart:   DayKey(first),
		RangeEnd:     DayKey(last),
		EventsByDate: make(map[string][]CalendarEntry),
	}
	// AddDate instead of adding 24h keeps days aligned across DST changes
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		next := day.AddDate(0, 0, 1)
		entries := make([]CalendarEntry, 0)
		for _, ev := range sorted {
			if intersects(ev, day, next) {
				entries = append(entries, entryFor(ev, loc))
			}
		}
		snap.EventsByDate[DayKey(day)] = entries
	}
	return snap
}

func intersects(ev CalendarEvent, dayStart, dayEnd time.Time) bool {
	end := ev.End
	if !end.After(ev.Start) {
		// zero-length events belong to the day they start in
		return !ev.Start.Before(dayStart) && ev.Start.Before(dayEnd)
	}
	return ev.Start.Before(dayEnd) && end.After(dayStart)
}

func entryFor(ev CalendarEvent, loc *time.Location) CalendarEntry {
	entry := CalendarEntry{
		Calendar: ev.Calendar,
		Event:    ev.Title,
		Location: ev.Location,
		IsAllDay: ev.AllDay,
	}
	if ev.AllDay {
		entry.Time = allDayLabel
	} else {
		entry.Time = ev.Start.In(loc).Format(timeLayout) + "–" + ev.End.In(loc).Format(timeLayout)
	}
	return entry
}
