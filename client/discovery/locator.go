package discovery

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/adwski/mirror-bridge/client/storage/memory"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	DefaultService     = "_mirror._tcp"
	DefaultDomain      = "local."
	DefaultRequestPort = 8000

	defaultMaxAttempts   = 3
	defaultSweepInterval = 30 * time.Second
	txtPathKey           = "path"
)

var defaultAttemptTimeouts = []time.Duration{10 * time.Second, 15 * time.Second}

var (
	ErrBrowse            = errors.New("unable to browse services")
	ErrLookup            = errors.New("unable to look up service")
	ErrAttemptsExhausted = errors.New("resolution attempts exhausted")

	errResolveTimeout = errors.New("resolution timed out")
)

type (
	// Resolver is implemented by *zeroconf.Resolver.
	Resolver interface {
		Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
		Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	}

	Config struct {
		Logger          *zerolog.Logger
		Resolver        Resolver
		Service         string
		Domain          string
		Preferred       string // instance name substring resolved even after an endpoint was found
		MaxAttempts     int
		AttemptTimeouts []time.Duration // last value repeats for further attempts
		RequestPort     int
		PreferAddress   bool
		SweepInterval   time.Duration // how often resolved services are checked for expiry
		Now             func() time.Time

		OnEndpoint func(model.Endpoint)
		OnEntry    func(*zeroconf.ServiceEntry) // every browse entry, before filtering
	}

	// Locator browses for the mirror service and resolves found instances to endpoints.
	Locator struct {
		logger        zerolog.Logger
		resolver      Resolver
		service       string
		domain        string
		preferred     string
		maxAttempts   int
		timeouts      []time.Duration
		requestPort   int
		preferAddress bool
		sweep         time.Duration
		now           func() time.Time
		onEndpoint    func(model.Endpoint)
		onEntry       func(*zeroconf.ServiceEntry)

		store  *memory.ResolutionStore
		events chan Event

		// owned by the dispatcher loop
		seen     map[string]ServiceFound
		resolved map[string]resolvedService
		pending  []string
	}

	resolvedService struct {
		endpoint    model.Endpoint
		fingerprint string
		expires     time.Time // zero never expires
	}
)

func NewLocator(cfg Config) *Locator {
	l := &Locator{
		logger:        cfg.Logger.With().Str("component", "locator").Logger(),
		resolver:      cfg.Resolver,
		service:       cfg.Service,
		domain:        cfg.Domain,
		preferred:     strings.ToLower(cfg.Preferred),
		maxAttempts:   cfg.MaxAttempts,
		timeouts:      cfg.AttemptTimeouts,
		requestPort:   cfg.RequestPort,
		preferAddress: cfg.PreferAddress,
		sweep:         cfg.SweepInterval,
		now:           cfg.Now,
		onEndpoint:    cfg.OnEndpoint,
		onEntry:       cfg.OnEntry,
		store:         memory.NewResolutionStore(),
		events:        make(chan Event),
		seen:          make(map[string]ServiceFound),
		resolved:      make(map[string]resolvedService),
	}
	if l.service == "" {
		l.service = DefaultService
	}
	if l.domain == "" {
		l.domain = DefaultDomain
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = defaultMaxAttempts
	}
	if len(l.timeouts) == 0 {
		l.timeouts = defaultAttemptTimeouts
	}
	if l.requestPort <= 0 {
		l.requestPort = DefaultRequestPort
	}
	if l.sweep <= 0 {
		l.sweep = defaultSweepInterval
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Run browses until ctx is done. Resolution failures are logged and never returned.
func (l *Locator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.store.Clear()
	}()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := l.resolver.Browse(ctx, l.service, l.domain, entries); err != nil {
		return errors.Join(ErrBrowse, err)
	}
	l.logger.Info().
		Str("service", l.service).
		Str("domain", l.domain).
		Msg("browsing for mirror displays")

	go l.forwardEntries(ctx, entries)
	l.dispatch(ctx)
	return nil
}

func (l *Locator) forwardEntries(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry == nil {
				continue
			}
			if l.onEntry != nil {
				l.onEntry(entry)
			}
			var ev Event = ServiceFound{
				Instance:    entry.Instance,
				Fingerprint: fingerprint(entry),
				TTL:         time.Duration(entry.TTL) * time.Second,
			}
			if entry.TTL == 0 {
				ev = ServiceRemoved{Instance: entry.Instance}
			}
			if !l.post(ctx, ev) {
				return
			}
		}
	}
}

func (l *Locator) post(ctx context.Context, ev Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Locator) dispatch(ctx context.Context) {
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.expire(ctx)
		case ev := <-l.events:
			l.handle(ctx, ev)
		}
	}
}

func (l *Locator) handle(ctx context.Context, ev Event) {
	logger := l.logger.With().Str("instance", ev.instance()).Logger()

	switch e := ev.(type) {
	case ServiceFound:
		l.seen[e.Instance] = e
		if r, done := l.resolved[e.Instance]; done {
			if e.Fingerprint == "" || e.Fingerprint == r.fingerprint {
				r.expires = l.expiry(e.TTL)
				l.resolved[e.Instance] = r
				logger.Trace().Msg("service already resolved")
				return
			}
			// announced again with another host, port or address
			delete(l.resolved, e.Instance)
			logger.Info().Msg("service changed, resolving again")
			l.startResolve(ctx, e.Instance, &logger)
			return
		}
		if !l.shouldResolve(e.Instance) {
			if _, err := l.store.Get(e.Instance); err == nil {
				logger.Trace().Msg("service found again while resolving")
				return
			}
			if !slices.Contains(l.pending, e.Instance) {
				l.pending = append(l.pending, e.Instance)
			}
			logger.Debug().Msg("service found, resolution deferred")
			return
		}
		l.startResolve(ctx, e.Instance, &logger)

	case ServiceRemoved:
		l.forget(e.Instance)
		if l.store.Remove(e.Instance) {
			logger.Info().Msg("service removed, resolution cancelled")
		} else {
			logger.Debug().Msg("service removed")
		}
		l.next(ctx)

	case ServiceResolved:
		res, err := l.store.Get(e.Instance)
		if err != nil {
			// removed while the last attempt was finishing
			return
		}
		l.store.Remove(e.Instance)
		l.pending = slices.DeleteFunc(l.pending, func(s string) bool { return s == e.Instance })
		l.resolved[e.Instance] = resolvedService{
			endpoint:    e.Endpoint,
			fingerprint: l.seen[e.Instance].Fingerprint,
			expires:     l.expiry(l.seen[e.Instance].TTL),
		}
		logger.Info().
			Str("host", e.Endpoint.Host).
			Int("port", e.Endpoint.TransportPort).
			Str("path", e.Endpoint.TransportPath).
			Int("attempts", res.Attempts).
			Dur("took", time.Since(res.Started)).
			Msg("service resolved")
		if l.onEndpoint != nil {
			l.onEndpoint(e.Endpoint)
		}

	case ResolutionFailed:
		l.store.Remove(e.Instance)
		logger.Warn().Err(e.Err).Int("attempts", e.Attempts).Msg("service abandoned")
		l.next(ctx)
	}
}

func (l *Locator) startResolve(ctx context.Context, instance string, logger *zerolog.Logger) {
	rctx, cancel := context.WithCancel(ctx)
	if err := l.store.Track(instance, cancel); err != nil {
		cancel()
		logger.Trace().Err(err).Msg("service found again")
		return
	}
	l.pending = slices.DeleteFunc(l.pending, func(s string) bool { return s == instance })
	logger.Info().Msg("service found, resolving")
	go l.resolve(rctx, instance)
}

// next starts resolving the first deferred service that is now allowed to resolve.
func (l *Locator) next(ctx context.Context) {
	for _, instance := range l.pending {
		if l.shouldResolve(instance) {
			logger := l.logger.With().Str("instance", instance).Logger()
			l.startResolve(ctx, instance, &logger)
			return
		}
	}
}

// expire drops resolved services whose browse record outlived its TTL without
// being announced again, so they are resolved anew when they come back.
func (l *Locator) expire(ctx context.Context) {
	now := l.now()
	var expired bool
	for instance, r := range l.resolved {
		if r.expires.IsZero() || now.Before(r.expires) {
			continue
		}
		l.forget(instance)
		expired = true
		l.logger.Info().Str("instance", instance).Msg("service expired")
	}
	if expired {
		l.next(ctx)
	}
}

func (l *Locator) forget(instance string) {
	delete(l.resolved, instance)
	delete(l.seen, instance)
	l.pending = slices.DeleteFunc(l.pending, func(s string) bool { return s == instance })
}

func (l *Locator) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return l.now().Add(ttl)
}

// shouldResolve resolves services until one endpoint is found, one at a time.
// Services matching the preferred substring are always resolved.
func (l *Locator) shouldResolve(instance string) bool {
	if l.preferred != "" && strings.Contains(strings.ToLower(instance), l.preferred) {
		return true
	}
	return len(l.resolved) == 0 && l.store.Len() == 0
}

func (l *Locator) resolve(ctx context.Context, instance string) {
	logger := l.logger.With().Str("instance", instance).Logger()

	for {
		attempt, err := l.store.Attempt(instance)
		if err != nil {
			return
		}
		if attempt > l.maxAttempts {
			l.post(ctx, ResolutionFailed{Instance: instance, Attempts: attempt - 1, Err: ErrAttemptsExhausted})
			return
		}

		timeout := l.timeouts[min(attempt, len(l.timeouts))-1]
		ep, err := l.lookup(ctx, instance, timeout)
		switch {
		case err == nil:
			l.post(ctx, ServiceResolved{Instance: instance, Endpoint: ep})
			return
		case ctx.Err() != nil:
			return
		case errors.Is(err, errResolveTimeout):
			logger.Debug().Int("attempt", attempt).Dur("timeout", timeout).Msg("resolution timed out")
		default:
			l.post(ctx, ResolutionFailed{Instance: instance, Attempts: attempt, Err: err})
			return
		}
	}
}

func (l *Locator) lookup(ctx context.Context, instance string, timeout time.Duration) (model.Endpoint, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 4)
	if err := l.resolver.Lookup(actx, instance, l.service, l.domain, entries); err != nil {
		return model.Endpoint{}, errors.Join(ErrLookup, err)
	}

	var in <-chan *zeroconf.ServiceEntry = entries
	for {
		select {
		case entry, ok := <-in:
			if !ok {
				// closed early, wait out the deadline
				in = nil
				continue
			}
			if entry == nil {
				continue
			}
			if ep, usable := EndpointFromEntry(entry, l.requestPort, l.preferAddress); usable {
				return ep, nil
			}
		case <-actx.Done():
			if ctx.Err() != nil {
				return model.Endpoint{}, ctx.Err()
			}
			return model.Endpoint{}, errResolveTimeout
		}
	}
}

// EndpointFromEntry builds an endpoint from a resolved entry.
// The entry is unusable without a port or any host.
func EndpointFromEntry(entry *zeroconf.ServiceEntry, requestPort int, preferAddress bool) (model.Endpoint, bool) {
	if entry.Port <= 0 {
		return model.Endpoint{}, false
	}

	hostName := strings.TrimSuffix(entry.HostName, ".")
	var addr string
	switch {
	case len(entry.AddrIPv4) > 0:
		addr = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		addr = entry.AddrIPv6[0].String()
	}

	host := hostName
	if (preferAddress && addr != "") || host == "" {
		host = addr
	}
	if host == "" {
		return model.Endpoint{}, false
	}

	path, _ := txtValue(entry.Text, txtPathKey)
	if path == "" {
		path = model.DefaultTransportPath
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return model.Endpoint{
		Host:          host,
		TransportPort: entry.Port,
		RequestPort:   requestPort,
		TransportPath: path,
	}, true
}

// fingerprint summarizes what a browse entry says about where the service lives.
func fingerprint(entry *zeroconf.ServiceEntry) string {
	if entry.Port <= 0 && entry.HostName == "" && len(entry.AddrIPv4) == 0 && len(entry.AddrIPv6) == 0 {
		return ""
	}
	parts := []string{strings.TrimSuffix(entry.HostName, "."), strconv.Itoa(entry.Port)}
	for _, ip := range entry.AddrIPv4 {
		parts = append(parts, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		parts = append(parts, ip.String())
	}
	return strings.Join(parts, "|")
}

func txtValue(text []string, key string) (string, bool) {
	for _, kv := range text {
		k, v, found := strings.Cut(kv, "=")
		if strings.EqualFold(k, key) {
			if !found {
				return "", true
			}
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Discover runs a locator until the first endpoint is resolved or ctx is done.
func Discover(ctx context.Context, cfg Config) (model.Endpoint, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan model.Endpoint, 1)
	onEndpoint := cfg.OnEndpoint
	cfg.OnEndpoint = func(ep model.Endpoint) {
		if onEndpoint != nil {
			onEndpoint(ep)
		}
		select {
		case found <- ep:
		default:
		}
	}

	errc := make(chan error, 1)
	go func() {
		errc <- NewLocator(cfg).Run(ctx)
	}()

	select {
	case ep := <-found:
		return ep, nil
	case err := <-errc:
		if err == nil {
			err = ctx.Err()
		}
		return model.Endpoint{}, err
	case <-ctx.Done():
		return model.Endpoint{}, ctx.Err()
	}
}
