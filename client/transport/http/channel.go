package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 5 * time.Second

	PathPing           = "ping"
	PathNowPlaying     = "nowPlaying"
	PathCalendarUpdate = "calendarUpdate"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrEncode           = errors.New("unable to encode request body")
)

type (
	Config struct {
		Logger   *zerolog.Logger
		Endpoint model.Endpoint
		Client   *http.Client
		Timeout  time.Duration

		OnReachabilityChange func(bool)
	}

	// Channel issues independent request/response calls to the display's REST API.
	// Failures never reach the caller; they only flip the reachability flag.
	Channel struct {
		logger   zerolog.Logger
		client   *http.Client
		baseURL  string
		timeout  time.Duration
		onChange func(bool)

		mx        sync.Mutex
		reachable bool
	}
)

func NewChannel(cfg Config) *Channel {
	ch := &Channel{
		logger: cfg.Logger.With().
			Str("component", "request").
			Str("endpoint", cfg.Endpoint.RequestURL()).
			Logger(),
		client:   cfg.Client,
		baseURL:  cfg.Endpoint.RequestURL(),
		timeout:  cfg.Timeout,
		onChange: cfg.OnReachabilityChange,
	}
	if ch.timeout <= 0 {
		ch.timeout = defaultRequestTimeout
	}
	if ch.client == nil {
		ch.client = &http.Client{Timeout: ch.timeout}
	}
	return ch
}

// Reachable returns the outcome of the last request.
func (ch *Channel) Reachable() bool {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.reachable
}

// Ping issues GET /ping and reports whether a 2xx response came back.
func (ch *Channel) Ping(ctx context.Context) bool {
	err := ch.do(ctx, http.MethodGet, PathPing, nil)
	if err != nil {
		ch.logger.Debug().Err(err).Msg("ping failed")
	} else {
		ch.logger.Trace().Msg("ping ok")
	}
	ch.setReachable(err == nil)
	return err == nil
}

// PostJSON posts body encoded with sorted keys. It is best effort: the
// outcome is only logged and reflected in the reachability flag.
func (ch *Channel) PostJSON(ctx context.Context, path string, body any) {
	b, err := model.Canonical(body)
	if err != nil {
		ch.logger.Error().Err(errors.Join(ErrEncode, err)).Str("path", path).Msg("request dropped")
		return
	}
	err = ch.do(ctx, http.MethodPost, path, b)
	if err != nil {
		ch.logger.Warn().Err(err).Str("path", path).Msg("post failed")
	} else {
		ch.logger.Debug().Str("path", path).Int("bytes", len(b)).Msg("posted")
	}
	ch.setReachable(err == nil)
}

func (ch *Channel) do(ctx context.Context, method, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, ch.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, ch.baseURL+strings.TrimPrefix(path, "/"), rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ch.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	return nil
}

func (ch *Channel) setReachable(ok bool) {
	ch.mx.Lock()
	changed := ch.reachable != ok
	ch.reachable = ok
	ch.mx.Unlock()

	if changed {
		ch.logger.Debug().Bool("reachable", ok).Msg("reachability changed")
		if ch.onChange != nil {
			ch.onChange(ok)
		}
	}
}
