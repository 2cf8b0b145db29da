package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
)

// ErrNoCalendar is returned by providers that have nothing to offer yet.
var ErrNoCalendar = errors.New("no calendar events pushed yet")

type (
	// CalendarProvider supplies the range and events of the next calendar snapshot.
	CalendarProvider interface {
		Calendar(ctx context.Context) (rangeStart, rangeEnd time.Time, events []model.CalendarEvent, err error)
	}

	CalendarProviderFunc func(ctx context.Context) (time.Time, time.Time, []model.CalendarEvent, error)

	// EventBook keeps the last events pushed by the calendar collaborator and
	// serves them for a range starting today.
	EventBook struct {
		rangeDays int
		now       func() time.Time
		loc       *time.Location

		mx     sync.Mutex
		filled bool
		events []model.CalendarEvent
	}
)

func (f CalendarProviderFunc) Calendar(ctx context.Context) (time.Time, time.Time, []model.CalendarEvent, error) {
	return f(ctx)
}

func NewEventBook(rangeDays int, now func() time.Time, loc *time.Location) *EventBook {
	if rangeDays <= 0 {
		rangeDays = 1
	}
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &EventBook{rangeDays: rangeDays, now: now, loc: loc}
}

func (eb *EventBook) Replace(events []model.CalendarEvent) {
	eb.mx.Lock()
	eb.filled = true
	eb.events = append([]model.CalendarEvent(nil), events...)
	eb.mx.Unlock()
}

// Range returns today and the last day of the configured range.
func (eb *EventBook) Range() (time.Time, time.Time) {
	start := model.StartOfDay(eb.now(), eb.loc)
	return start, start.AddDate(0, 0, eb.rangeDays-1)
}

func (eb *EventBook) Calendar(context.Context) (time.Time, time.Time, []model.CalendarEvent, error) {
	start, end := eb.Range()
	eb.mx.Lock()
	defer eb.mx.Unlock()
	if !eb.filled {
		return start, end, nil, ErrNoCalendar
	}
	return start, end, append([]model.CalendarEvent(nil), eb.events...), nil
}

// RunDaily sends a calendar snapshot from provider now and after every local midnight until ctx is done.
func (svc *Service) RunDaily(ctx context.Context, provider CalendarProvider) {
	for {
		if ctx.Err() != nil {
			return
		}
		start, end, events, err := provider.Calendar(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case errors.Is(err, ErrNoCalendar):
			svc.logger.Debug().Msg("no calendar to refresh")
		case err != nil:
			svc.logger.Warn().Err(err).Msg("calendar provider failed")
		default:
			svc.SendCalendarSnapshot(ctx, start, end, events)
		}

		// recomputed every time, the clock or zone may have moved
		wait := nextMidnight(svc.now(), svc.loc).Sub(svc.now())
		svc.logger.Debug().Dur("in", wait).Msg("next calendar refresh scheduled")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Reload readies the active pair and resends the calendar snapshot and the
// last now-playing value.
func (svc *Service) Reload(ctx context.Context) {
	if svc.EnsureReady(ctx) == nil {
		svc.logger.Debug().Msg("no display adopted, nothing to reload")
		return
	}
	if svc.provider != nil {
		start, end, events, err := svc.provider.Calendar(ctx)
		if err != nil {
			svc.logger.Debug().Err(err).Msg("calendar not reloaded")
		} else {
			svc.SendCalendarSnapshot(ctx, start, end, events)
		}
	}

	svc.lastMx.Lock()
	last := svc.lastPlaying
	svc.lastMx.Unlock()
	if last != nil {
		svc.SendNowPlaying(*last)
	}
}

func nextMidnight(now time.Time, loc *time.Location) time.Time {
	return model.StartOfDay(now, loc).AddDate(0, 0, 1)
}
