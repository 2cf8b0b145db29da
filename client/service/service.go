package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/mirror-bridge/client/coalescer"
	"github.com/adwski/mirror-bridge/client/model"
	request "github.com/adwski/mirror-bridge/client/transport/http"
	"github.com/rs/zerolog"
)

const (
	defaultRestInterval   = 10 * time.Second
	defaultDuplicateDelay = 150 * time.Millisecond
	defaultReadyGrace     = 200 * time.Millisecond

	testProbeMessage = "Hello from mirror-bridge"
)

type (
	// Transport is implemented by *websocket.Channel.
	Transport interface {
		Connect()
		Disconnect()
		IsOpen() bool
		WaitOpen(ctx context.Context) bool
		Send(text string)
		SendEnvelope(typ string, payload any) error
	}

	// Requester is implemented by *http.Channel.
	Requester interface {
		Ping(ctx context.Context) bool
		Reachable() bool
		PostJSON(ctx context.Context, path string, body any)
	}

	// Pair is the Transport and Request channel bound to one resolved endpoint.
	Pair struct {
		Endpoint  model.Endpoint
		Transport Transport
		Request   Requester
	}

	// PairFactory builds a fresh pair for ep. onChange must be called
	// whenever the transport state or request reachability changes.
	PairFactory func(ep model.Endpoint, onChange func()) *Pair

	Config struct {
		Logger           *zerolog.Logger
		NewPair          PairFactory
		CalendarProvider CalendarProvider
		Location         *time.Location
		Now              func() time.Time

		RestInterval   time.Duration
		DuplicateDelay time.Duration
		ReadyGrace     time.Duration
	}

	// Service owns the active pair and decides what is sent where and when.
	Service struct {
		logger   zerolog.Logger
		newPair  PairFactory
		provider CalendarProvider
		loc      *time.Location
		now      func() time.Time

		restInterval   time.Duration
		duplicateDelay time.Duration
		readyGrace     time.Duration

		ctx    context.Context
		cancel context.CancelFunc

		active    atomic.Pointer[Pair]
		adoptions *coalescer.Coalescer[model.Endpoint]
		np        *coalescer.Coalescer[model.NowPlayingInfo]
		throttle  nowPlayingThrottle // touched only by the now-playing drain loop

		lastMx      sync.Mutex
		lastPlaying *model.NowPlayingInfo

		watchMx   sync.Mutex
		watchers  map[chan model.ConnectionState]struct{}
		published model.ConnectionState
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		logger:         cfg.Logger.With().Str("component", "bridge").Logger(),
		newPair:        cfg.NewPair,
		provider:       cfg.CalendarProvider,
		loc:            cfg.Location,
		now:            cfg.Now,
		restInterval:   cfg.RestInterval,
		duplicateDelay: cfg.DuplicateDelay,
		readyGrace:     cfg.ReadyGrace,
		adoptions:      coalescer.New[model.Endpoint](),
		np:             coalescer.New[model.NowPlayingInfo](),
		watchers:       make(map[chan model.ConnectionState]struct{}),
	}
	svc.ctx, svc.cancel = context.WithCancel(context.Background())
	if svc.loc == nil {
		svc.loc = time.Local
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.restInterval <= 0 {
		svc.restInterval = defaultRestInterval
	}
	if svc.duplicateDelay < 0 {
		svc.duplicateDelay = 0
	} else if svc.duplicateDelay == 0 {
		svc.duplicateDelay = defaultDuplicateDelay
	}
	if svc.readyGrace <= 0 {
		svc.readyGrace = defaultReadyGrace
	}
	return svc
}

// Active returns the adopted pair or nil.
func (svc *Service) Active() *Pair {
	return svc.active.Load()
}

// Adopt makes pair the active one, starts connecting its transport and probes
// its request channel. The previously active pair is returned untouched.
func (svc *Service) Adopt(ctx context.Context, pair *Pair) *Pair {
	prev := svc.active.Swap(pair)

	svc.logger.Info().Str("endpoint", pair.Endpoint.String()).Msg("display adopted")
	pair.Transport.Connect()
	pair.Request.Ping(ctx)
	svc.publish()
	return prev
}

// AdoptEndpoint builds a fresh pair for ep, adopts it and disconnects the
// previously adopted pair.
func (svc *Service) AdoptEndpoint(ctx context.Context, ep model.Endpoint) *Pair {
	if cur := svc.Active(); cur != nil && cur.Endpoint == ep && cur.Transport.IsOpen() {
		svc.logger.Debug().Str("endpoint", ep.String()).Msg("endpoint already adopted")
		return cur
	}
	pair := svc.newPair(ep, svc.publish)
	if prev := svc.Adopt(ctx, pair); prev != nil {
		prev.Transport.Disconnect()
	}
	return pair
}

// OfferEndpoint adopts ep in the background and returns immediately.
// Endpoints offered while an adoption runs replace each other; only the latest is adopted next.
func (svc *Service) OfferEndpoint(ep model.Endpoint) {
	svc.adoptions.Submit(ep, func(ep model.Endpoint) {
		if svc.ctx.Err() != nil {
			return
		}
		svc.AdoptEndpoint(svc.ctx, ep)
	})
}

// EnsureReady reconnects a closed transport, waiting at most the ready grace
// period for it to open, and re-probes an unreachable request channel.
func (svc *Service) EnsureReady(ctx context.Context) *Pair {
	pair := svc.Active()
	if pair == nil {
		return nil
	}
	if !pair.Transport.IsOpen() {
		pair.Transport.Connect()
		gctx, cancel := context.WithTimeout(ctx, svc.readyGrace)
		if !pair.Transport.WaitOpen(gctx) {
			svc.logger.Debug().Str("endpoint", pair.Endpoint.String()).Msg("transport not open after grace period")
		}
		cancel()
	}
	if !pair.Request.Reachable() {
		pair.Request.Ping(ctx)
	}
	return pair
}

// SendNowPlaying hands info to the now-playing coalescer and returns immediately.
func (svc *Service) SendNowPlaying(info model.NowPlayingInfo) {
	info = info.Normalize()
	svc.lastMx.Lock()
	svc.lastPlaying = &info
	svc.lastMx.Unlock()

	svc.np.Submit(info, svc.flushNowPlaying)
}

func (svc *Service) SendCalendarSnapshot(ctx context.Context, rangeStart, rangeEnd time.Time, events []model.CalendarEvent) {
	pair := svc.EnsureReady(ctx)
	if pair == nil {
		svc.logger.Debug().Msg("no display adopted, calendar snapshot dropped")
		return
	}
	snap := model.BuildCalendarSnapshot(rangeStart, rangeEnd, events, svc.loc)
	pair.Request.PostJSON(ctx, request.PathCalendarUpdate, snap)
	svc.logger.Debug().
		Str("rangeStart", snap.RangeStart).
		Str("rangeEnd", snap.RangeEnd).
		Int("events", len(events)).
		Msg("calendar snapshot sent")
}

// SendControlEvent sends ev over the transport only. Invalid events are rejected.
func (svc *Service) SendControlEvent(ctx context.Context, ev model.ControlEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = svc.now()
	}
	pair := svc.EnsureReady(ctx)
	if pair == nil {
		svc.logger.Debug().Str("kind", string(ev.Kind)).Msg("no display adopted, control event dropped")
		return nil
	}
	if err := pair.Transport.SendEnvelope(model.EnvelopeControlEvent, ev); err != nil {
		svc.logger.Error().Err(err).Msg("control event dropped")
	}
	return nil
}

// SendTestProbe sends a plain text line and pings the request channel.
func (svc *Service) SendTestProbe(ctx context.Context) {
	pair := svc.EnsureReady(ctx)
	if pair == nil {
		svc.logger.Warn().Msg("no display adopted, nothing to probe")
		return
	}
	pair.Transport.Send(testProbeMessage)
	reachable := pair.Request.Ping(ctx)
	svc.publish()
	svc.logger.Info().
		Str("endpoint", pair.Endpoint.String()).
		Bool("transportOpen", pair.Transport.IsOpen()).
		Bool("requestReachable", reachable).
		Msg("test probe sent")
}

func (svc *Service) ConnectionState() model.ConnectionState {
	pair := svc.Active()
	if pair == nil {
		return model.ConnectionState{}
	}
	return model.ConnectionState{
		TransportOpen:    pair.Transport.IsOpen(),
		RequestReachable: pair.Request.Reachable(),
	}
}

// Watch returns a channel carrying the current connection state followed by
// every change until ctx is done. A slow reader only sees the latest state.
func (svc *Service) Watch(ctx context.Context) <-chan model.ConnectionState {
	ch := make(chan model.ConnectionState, 1)

	svc.watchMx.Lock()
	svc.watchers[ch] = struct{}{}
	ch <- svc.ConnectionState()
	svc.watchMx.Unlock()

	go func() {
		<-ctx.Done()
		svc.watchMx.Lock()
		delete(svc.watchers, ch)
		close(ch)
		svc.watchMx.Unlock()
	}()
	return ch
}

func (svc *Service) publish() {
	svc.watchMx.Lock()
	defer svc.watchMx.Unlock()

	st := svc.ConnectionState()
	if st == svc.published {
		return
	}
	svc.published = st
	svc.logger.Debug().
		Bool("transportOpen", st.TransportOpen).
		Bool("requestReachable", st.RequestReachable).
		Msg("connection state changed")
	for ch := range svc.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// Close stops background work and disconnects the active transport.
func (svc *Service) Close() {
	svc.cancel()
	if pair := svc.Active(); pair != nil {
		pair.Transport.Disconnect()
	}
}
