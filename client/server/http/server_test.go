package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type calendarCall struct {
	start, end time.Time
	events     []model.CalendarEvent
}

type fakeService struct {
	mx        sync.Mutex
	playing   []model.NowPlayingInfo
	controls  []model.ControlEvent
	calendars []calendarCall
	probes    int
	reloads   int
}

func (f *fakeService) ConnectionState() model.ConnectionState {
	return model.ConnectionState{TransportOpen: true}
}

func (f *fakeService) SendNowPlaying(info model.NowPlayingInfo) {
	f.mx.Lock()
	f.playing = append(f.playing, info)
	f.mx.Unlock()
}

func (f *fakeService) SendControlEvent(_ context.Context, ev model.ControlEvent) error {
	f.mx.Lock()
	f.controls = append(f.controls, ev)
	f.mx.Unlock()
	return nil
}

func (f *fakeService) SendCalendarSnapshot(_ context.Context, start, end time.Time, events []model.CalendarEvent) {
	f.mx.Lock()
	f.calendars = append(f.calendars, calendarCall{start: start, end: end, events: events})
	f.mx.Unlock()
}

func (f *fakeService) SendTestProbe(context.Context) {
	f.mx.Lock()
	f.probes++
	f.mx.Unlock()
}

func (f *fakeService) Reload(context.Context) {
	f.mx.Lock()
	f.reloads++
	f.mx.Unlock()
}

func (f *fakeService) count(fn func() int) func() int {
	return func() int {
		f.mx.Lock()
		defer f.mx.Unlock()
		return fn()
	}
}

type fakeBook struct {
	replaced []model.CalendarEvent
}

func (b *fakeBook) Replace(events []model.CalendarEvent) { b.replaced = events }

func (b *fakeBook) Range() (time.Time, time.Time) {
	start := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 6)
}

func newTestServer(t *testing.T) (*fakeService, *fakeBook, *httptest.Server) {
	t.Helper()
	logger := zerolog.Nop()
	svc := &fakeService{}
	book := &fakeBook{}
	srv := NewServer(Config{Logger: &logger, Service: svc, EventBook: book, Location: time.UTC})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		srv.wg.Wait()
	})
	return svc, book, ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, GenericResponse) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()

	var gr GenericResponse
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(b) > 0 {
		require.NoError(t, json.Unmarshal(b, &gr))
	}
	return resp.StatusCode, gr
}

func TestServerState(t *testing.T) {
	_, _, ts := newTestServer(t)

	code, resp := do(t, ts, http.MethodGet, "/api/state", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"transportOpen": true, "requestReachable": false}, resp.Data)
}

func TestServerNowPlaying(t *testing.T) {
	svc, _, ts := newTestServer(t)

	code, _ := do(t, ts, http.MethodPost, "/api/now-playing",
		`{"title":"So What","artist":"Miles Davis","album":"Kind of Blue","duration":562,"position":3,"isPlaying":true}`)
	assert.Equal(t, http.StatusAccepted, code)
	require.Len(t, svc.playing, 1)
	assert.Equal(t, "So What", svc.playing[0].Title)
	assert.True(t, svc.playing[0].IsPlaying)

	code, resp := do(t, ts, http.MethodPost, "/api/now-playing", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, resp.Error)
}

func TestServerControlEvent(t *testing.T) {
	svc, _, ts := newTestServer(t)

	code, _ := do(t, ts, http.MethodPost, "/api/control-event", `{"kind":"volume","value":0.4}`)
	assert.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool {
		return svc.count(func() int { return len(svc.controls) })() == 1
	}, time.Second, time.Millisecond)

	code, resp := do(t, ts, http.MethodPost, "/api/control-event", `{"kind":"volume","value":1.5}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "out of range")
}

func TestServerCalendar(t *testing.T) {
	svc, book, ts := newTestServer(t)

	body := `{"events":[{"calendar":"Home","title":"Dentist","start":"2024-01-11T10:00:00Z","end":"2024-01-11T11:00:00Z"}]}`
	code, resp := do(t, ts, http.MethodPost, "/api/calendar", body)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, map[string]any{"rangeStart": "2024-01-10", "rangeEnd": "2024-01-16"}, resp.Data)
	require.Len(t, book.replaced, 1)

	calls := svc.count(func() int { return len(svc.calendars) })
	require.Eventually(t, func() bool { return calls() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "Dentist", svc.calendars[0].events[0].Title)

	code, _ = do(t, ts, http.MethodPost, "/api/calendar", `{"rangeStart":"2024-01-12","rangeEnd":"2024-01-14","events":[]}`)
	assert.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool { return calls() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "2024-01-12", model.DayKey(svc.calendars[1].start))
	assert.Equal(t, "2024-01-14", model.DayKey(svc.calendars[1].end))

	tests := []struct {
		name string
		body string
	}{
		{name: "bad start", body: `{"rangeStart":"12.01.2024"}`},
		{name: "bad end", body: `{"rangeEnd":"tomorrow"}`},
		{name: "swapped", body: `{"rangeStart":"2024-01-14","rangeEnd":"2024-01-12"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := do(t, ts, http.MethodPost, "/api/calendar", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestServerReloadAndProbe(t *testing.T) {
	svc, _, ts := newTestServer(t)

	code, _ := do(t, ts, http.MethodPost, "/api/reload", "")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = do(t, ts, http.MethodPost, "/api/probe", "")
	assert.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		return svc.count(func() int { return svc.reloads + svc.probes })() == 2
	}, time.Second, time.Millisecond)
}

func TestServerCORS(t *testing.T) {
	_, _, ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/now-playing", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServerRun(t *testing.T) {
	logger := zerolog.Nop()
	srv := NewServer(Config{Logger: &logger, Service: &fakeService{}, ListenAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	errc := make(chan error, 1)
	wg.Add(1)
	go srv.Run(ctx, wg, errc)

	cancel()
	wg.Wait()
	assert.Empty(t, errc)
}
