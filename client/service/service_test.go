package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	typ     string
	payload any
}

type fakeTransport struct {
	mx          sync.Mutex
	opens       bool // whether Connect opens the channel
	open        bool
	connects    int
	disconnects int
	texts       []string
	envelopes   []envelope
	onChange    func()
}

func (f *fakeTransport) Connect() {
	f.mx.Lock()
	f.connects++
	f.open = f.opens
	cb := f.onChange
	f.mx.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *fakeTransport) Disconnect() {
	f.mx.Lock()
	f.disconnects++
	f.open = false
	f.mx.Unlock()
}

func (f *fakeTransport) IsOpen() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.open
}

func (f *fakeTransport) WaitOpen(ctx context.Context) bool {
	if f.IsOpen() {
		return true
	}
	<-ctx.Done()
	return false
}

func (f *fakeTransport) Send(text string) {
	f.mx.Lock()
	f.texts = append(f.texts, text)
	f.mx.Unlock()
}

func (f *fakeTransport) SendEnvelope(typ string, payload any) error {
	f.mx.Lock()
	f.envelopes = append(f.envelopes, envelope{typ: typ, payload: payload})
	f.mx.Unlock()
	return nil
}

func (f *fakeTransport) sent() []envelope {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]envelope(nil), f.envelopes...)
}

type post struct {
	path string
	body any
}

type fakeRequester struct {
	mx        sync.Mutex
	up        bool
	reachable bool
	pings     int
	posts     []post
	hold      chan struct{} // Ping waits for it to close when set
}

func (f *fakeRequester) Ping(ctx context.Context) bool {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return false
		}
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	f.pings++
	f.reachable = f.up
	return f.up
}

func (f *fakeRequester) Reachable() bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.reachable
}

func (f *fakeRequester) PostJSON(_ context.Context, path string, body any) {
	f.mx.Lock()
	f.posts = append(f.posts, post{path: path, body: body})
	f.mx.Unlock()
}

func (f *fakeRequester) sent() []post {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]post(nil), f.posts...)
}

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mx.Lock()
	c.now = t
	c.mx.Unlock()
}

var t0 = time.Date(2024, time.January, 10, 9, 30, 0, 0, time.UTC)

func newPair(ep model.Endpoint, onChange func()) *Pair {
	return &Pair{
		Endpoint:  ep,
		Transport: &fakeTransport{opens: true, onChange: onChange},
		Request:   &fakeRequester{up: true},
	}
}

func newTestService(t *testing.T, clk *clock) *Service {
	t.Helper()
	logger := zerolog.Nop()
	svc := NewService(Config{
		Logger:         &logger,
		NewPair:        newPair,
		Location:       time.UTC,
		Now:            clk.Now,
		DuplicateDelay: time.Millisecond,
		ReadyGrace:     20 * time.Millisecond,
	})
	t.Cleanup(svc.Close)
	return svc
}

func fakes(p *Pair) (*fakeTransport, *fakeRequester) {
	return p.Transport.(*fakeTransport), p.Request.(*fakeRequester)
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, svc.np.Idle, time.Second, time.Millisecond)
}

var display = model.Endpoint{Host: "192.168.1.20", TransportPort: 8765, RequestPort: 8000, TransportPath: "/ws"}

func TestServiceAdoptEndpoint(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	assert.Nil(t, svc.Active())
	assert.Nil(t, svc.EnsureReady(context.Background()))

	first := svc.AdoptEndpoint(context.Background(), display)
	tr1, req1 := fakes(first)
	assert.Equal(t, 1, tr1.connects)
	assert.Equal(t, 1, req1.pings)
	assert.Equal(t, model.ConnectionState{TransportOpen: true, RequestReachable: true}, svc.ConnectionState())

	// same endpoint, still open
	assert.Same(t, first, svc.AdoptEndpoint(context.Background(), display))

	other := display
	other.Host = "192.168.1.21"
	second := svc.AdoptEndpoint(context.Background(), other)
	assert.Same(t, second, svc.Active())
	assert.Equal(t, 1, tr1.disconnects)
}

func TestServiceOfferEndpointDoesNotBlock(t *testing.T) {
	hold := make(chan struct{})
	logger := zerolog.Nop()
	svc := NewService(Config{
		Logger: &logger,
		NewPair: func(ep model.Endpoint, onChange func()) *Pair {
			p := newPair(ep, onChange)
			p.Request.(*fakeRequester).hold = hold
			return p
		},
	})
	t.Cleanup(svc.Close)

	offered := make(chan struct{})
	go func() {
		svc.OfferEndpoint(display)
		close(offered)
	}()
	select {
	case <-offered:
	case <-time.After(time.Second):
		t.Fatal("offer blocked on the request ping")
	}

	// the pair is active while its ping is still in flight
	require.Eventually(t, func() bool { return svc.Active() != nil }, time.Second, time.Millisecond)
	assert.False(t, svc.adoptions.Idle())

	close(hold)
	require.Eventually(t, svc.adoptions.Idle, time.Second, time.Millisecond)
	assert.Equal(t, display, svc.Active().Endpoint)
	_, req := fakes(svc.Active())
	assert.True(t, req.Reachable())
}

func TestServiceAdoptKeepsPrevious(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	first := newPair(display, nil)
	assert.Nil(t, svc.Adopt(context.Background(), first))

	prev := svc.Adopt(context.Background(), newPair(display, nil))
	assert.Same(t, first, prev)
	tr, _ := fakes(first)
	assert.Zero(t, tr.disconnects)
}

func TestServiceEnsureReady(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	pair := &Pair{Endpoint: display, Transport: &fakeTransport{}, Request: &fakeRequester{}}
	svc.Adopt(context.Background(), pair)
	tr, req := fakes(pair)

	started := time.Now()
	assert.Same(t, pair, svc.EnsureReady(context.Background()))
	assert.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
	assert.Equal(t, 2, tr.connects)
	assert.Equal(t, 2, req.pings)
}

func TestServiceRestThrottle(t *testing.T) {
	clk := &clock{now: t0}
	svc := newTestService(t, clk)
	tr, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	a := model.NowPlayingInfo{Title: "So What", Artist: "Miles Davis", Album: "Kind of Blue", Duration: 562, Position: 1}

	svc.SendNowPlaying(a)
	waitIdle(t, svc)
	require.Len(t, req.sent(), 1)
	assert.Equal(t, "nowPlaying", req.sent()[0].path)

	clk.set(t0.Add(3 * time.Second))
	a.Position = 4
	svc.SendNowPlaying(a)
	waitIdle(t, svc)
	assert.Len(t, req.sent(), 1, "same track within the interval")

	clk.set(t0.Add(11 * time.Second))
	a.Position = 12
	svc.SendNowPlaying(a)
	waitIdle(t, svc)
	assert.Len(t, req.sent(), 2, "interval elapsed")

	clk.set(t0.Add(12 * time.Second))
	b := a
	b.Title = "Freddie Freeloader"
	svc.SendNowPlaying(b)
	waitIdle(t, svc)
	assert.Len(t, req.sent(), 3, "track changed")

	// every flush goes over the transport
	assert.Len(t, tr.sent(), 4)
	for _, env := range tr.sent() {
		assert.Equal(t, model.EnvelopeNowPlaying, env.typ)
	}
}

func TestServiceDuplicateOnPlayStateChange(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	tr, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	paused := model.NowPlayingInfo{Title: "Blue in Green", Duration: 337}
	playing := paused
	playing.IsPlaying = true

	steps := []struct {
		info  model.NowPlayingInfo
		total int
	}{
		{paused, 1},
		{playing, 3}, // play state flipped
		{playing, 4},
		{paused, 6}, // flipped back
	}
	for _, step := range steps {
		svc.SendNowPlaying(step.info)
		waitIdle(t, svc)
		assert.Len(t, tr.sent(), step.total)
	}
	// play state changes also bypass the throttle
	assert.Len(t, req.sent(), 3)
}

func TestServiceFirstPlayingValueRepeated(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	tr, _ := fakes(svc.AdoptEndpoint(context.Background(), display))

	svc.SendNowPlaying(model.NowPlayingInfo{Title: "All Blues", IsPlaying: true})
	waitIdle(t, svc)
	assert.Len(t, tr.sent(), 2)
}

func TestServiceSendNowPlayingWithoutPair(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	svc.SendNowPlaying(model.NowPlayingInfo{Title: "Nobody listens"})
	waitIdle(t, svc)
}

func TestServiceCalendarSnapshot(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	_, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	start := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)
	svc.SendCalendarSnapshot(context.Background(), start, start.AddDate(0, 0, 2), []model.CalendarEvent{{
		Calendar: "Work",
		Title:    "Offsite",
		Start:    time.Date(2024, time.January, 10, 14, 0, 0, 0, time.UTC),
		End:      time.Date(2024, time.January, 11, 9, 0, 0, 0, time.UTC),
	}})

	require.Len(t, req.sent(), 1)
	assert.Equal(t, "calendarUpdate", req.sent()[0].path)
	snap, ok := req.sent()[0].body.(model.CalendarSnapshot)
	require.True(t, ok)
	assert.Equal(t, "2024-01-10", snap.RangeStart)
	assert.Equal(t, "2024-01-12", snap.RangeEnd)
	assert.Len(t, snap.EventsByDate["2024-01-10"], 1)
	assert.Len(t, snap.EventsByDate["2024-01-11"], 1)
	assert.Empty(t, snap.EventsByDate["2024-01-12"])
}

func TestServiceControlEvent(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	tr, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	err := svc.SendControlEvent(context.Background(), model.ControlEvent{Kind: "rewind"})
	assert.ErrorIs(t, err, model.ErrInvalidEvent)
	assert.Empty(t, tr.sent())

	require.NoError(t, svc.SendControlEvent(context.Background(), model.ControlEvent{Kind: model.ControlNext}))
	require.Len(t, tr.sent(), 1)
	assert.Equal(t, model.EnvelopeControlEvent, tr.sent()[0].typ)
	ev := tr.sent()[0].payload.(model.ControlEvent)
	assert.Equal(t, t0, ev.Timestamp)
	assert.Empty(t, req.sent(), "no request fallback")
}

func TestServiceTestProbe(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	tr, req := fakes(svc.AdoptEndpoint(context.Background(), display))

	svc.SendTestProbe(context.Background())
	assert.Equal(t, []string{testProbeMessage}, tr.texts)
	assert.Equal(t, 2, req.pings)
}

func TestServiceWatch(t *testing.T) {
	svc := newTestService(t, &clock{now: t0})
	ctx, cancel := context.WithCancel(context.Background())
	w := svc.Watch(ctx)

	assert.Equal(t, model.ConnectionState{}, <-w)

	pair := svc.AdoptEndpoint(context.Background(), display)
	assert.Equal(t, model.ConnectionState{TransportOpen: true, RequestReachable: true}, <-w)

	tr, _ := fakes(pair)
	tr.Disconnect()
	svc.publish()
	assert.Equal(t, model.ConnectionState{RequestReachable: true}, <-w)

	cancel()
	_, open := <-w
	assert.False(t, open)
}
