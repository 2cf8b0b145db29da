package service

import (
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	request "github.com/adwski/mirror-bridge/client/transport/http"
)

type nowPlayingThrottle struct {
	restSent bool
	lastRest model.NowPlayingInfo
	restAt   time.Time

	transportSent bool
	lastTransport model.NowPlayingInfo
	seenPlaying   bool
}

// restDue reports whether info should also go over the request channel.
func (t *nowPlayingThrottle) restDue(info model.NowPlayingInfo, now time.Time, interval time.Duration) bool {
	switch {
	case !t.restSent:
		return true
	case !info.SameTrack(t.lastRest):
		return true
	case info.IsPlaying != t.lastRest.IsPlaying:
		return true
	}
	return now.Sub(t.restAt) >= interval
}

func (t *nowPlayingThrottle) markRest(info model.NowPlayingInfo, now time.Time) {
	t.restSent = true
	t.lastRest = info
	t.restAt = now
}

// markTransport records info and reports whether the envelope has to be repeated.
// Displays drop identical consecutive payloads, so a play state flip is sent twice.
func (t *nowPlayingThrottle) markTransport(info model.NowPlayingInfo) bool {
	repeat := (t.transportSent && t.lastTransport.IsPlaying != info.IsPlaying) ||
		(info.IsPlaying && !t.seenPlaying)
	t.transportSent = true
	t.lastTransport = info
	if info.IsPlaying {
		t.seenPlaying = true
	}
	return repeat
}

// flushNowPlaying runs on the coalescer's drain loop, one value at a time.
func (svc *Service) flushNowPlaying(info model.NowPlayingInfo) {
	ctx := svc.ctx
	if ctx.Err() != nil {
		return
	}
	pair := svc.EnsureReady(ctx)
	if pair == nil {
		svc.logger.Debug().Msg("no display adopted, now playing dropped")
		return
	}

	if now := svc.now(); svc.throttle.restDue(info, now, svc.restInterval) {
		pair.Request.PostJSON(ctx, request.PathNowPlaying, info)
		svc.throttle.markRest(info, now)
	}

	if err := pair.Transport.SendEnvelope(model.EnvelopeNowPlaying, info); err != nil {
		svc.logger.Error().Err(err).Msg("now playing dropped")
		return
	}
	if !svc.throttle.markTransport(info) {
		return
	}

	timer := time.NewTimer(svc.duplicateDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	_ = pair.Transport.SendEnvelope(model.EnvelopeNowPlaying, info)
}
