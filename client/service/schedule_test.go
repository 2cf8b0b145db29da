package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextMidnight(t *testing.T) {
	berlin := time.FixedZone("CET", 3600)
	tests := []struct {
		name string
		now  time.Time
		loc  *time.Location
		want time.Time
	}{
		{
			name: "morning",
			now:  time.Date(2024, time.January, 10, 9, 30, 0, 0, time.UTC),
			loc:  time.UTC,
			want: time.Date(2024, time.January, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly midnight",
			now:  time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			want: time.Date(2024, time.January, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "end of month in another zone",
			now:  time.Date(2024, time.January, 31, 23, 30, 0, 0, time.UTC),
			loc:  berlin,
			want: time.Date(2024, time.February, 2, 0, 0, 0, 0, berlin),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(nextMidnight(tt.now, tt.loc)), nextMidnight(tt.now, tt.loc))
		})
	}
}

func TestEventBook(t *testing.T) {
	clk := &clock{now: t0}
	eb := NewEventBook(7, clk.Now, time.UTC)

	start, end, _, err := eb.Calendar(context.Background())
	assert.ErrorIs(t, err, ErrNoCalendar)
	assert.Equal(t, "2024-01-10", model.DayKey(start))
	assert.Equal(t, "2024-01-16", model.DayKey(end))

	eb.Replace([]model.CalendarEvent{{Title: "Standup"}})
	clk.set(t0.AddDate(0, 0, 1))
	start, _, events, err := eb.Calendar(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-01-11", model.DayKey(start))
	assert.Len(t, events, 1)
}

func TestRunDailyCancelledAroundProvider(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	_, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	provider := CalendarProviderFunc(func(context.Context) (time.Time, time.Time, []model.CalendarEvent, error) {
		calls++
		cancel()
		return t0, t0, nil, nil
	})

	done := make(chan struct{})
	go func() {
		svc.RunDaily(ctx, provider)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, calls)
	assert.Empty(t, req.sent(), "cancelled while providing, nothing sent")
}

func TestRunDailySendsThenSleeps(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	_, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	book := NewEventBook(3, svc.now, time.UTC)
	book.Replace(nil)
	go func() {
		svc.RunDaily(ctx, book)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(req.sent()) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	snap := req.sent()[0].body.(model.CalendarSnapshot)
	assert.Len(t, snap.EventsByDate, 3)
}

func TestRunDailyProviderError(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	_, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	svc.RunDaily(ctx, CalendarProviderFunc(func(context.Context) (time.Time, time.Time, []model.CalendarEvent, error) {
		return time.Time{}, time.Time{}, nil, errors.New("calendar access denied")
	}))
	assert.Empty(t, req.sent())
}

func TestReload(t *testing.T) {
	clk := &clock{now: t0}
	svc := newTestService(t, clk)
	book := NewEventBook(2, clk.Now, time.UTC)
	book.Replace([]model.CalendarEvent{{Title: "Standup", Start: t0, End: t0.Add(15 * time.Minute)}})
	svc.provider = book
	tr, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	svc.SendNowPlaying(model.NowPlayingInfo{Title: "Flamenco Sketches"})
	waitIdle(t, svc)
	require.Len(t, tr.sent(), 1)

	svc.Reload(context.Background())
	waitIdle(t, svc)
	assert.Len(t, tr.sent(), 2, "last now playing resent")

	var paths []string
	for _, p := range req.sent() {
		paths = append(paths, p.path)
	}
	assert.Equal(t, []string{"nowPlaying", "calendarUpdate"}, paths)
}
