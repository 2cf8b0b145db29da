package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	maxBodySize             = 1 << 20
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	ErrBadRequest = errors.New("bad request")
)

type (
	BridgeService interface {
		ConnectionState() model.ConnectionState
		SendNowPlaying(info model.NowPlayingInfo)
		SendControlEvent(ctx context.Context, ev model.ControlEvent) error
		SendCalendarSnapshot(ctx context.Context, rangeStart, rangeEnd time.Time, events []model.CalendarEvent)
		SendTestProbe(ctx context.Context)
		Reload(ctx context.Context)
	}

	// EventBook keeps the events the daily refresh rebuilds snapshots from.
	EventBook interface {
		Replace(events []model.CalendarEvent)
		Range() (time.Time, time.Time)
	}

	CalendarRequest struct {
		RangeStart string                `json:"rangeStart,omitempty"`
		RangeEnd   string                `json:"rangeEnd,omitempty"`
		Events     []model.CalendarEvent `json:"events"`
	}

	GenericResponse struct {
		Message string `json:"message,omitempty"`
		Error   string `json:"error,omitempty"`
		Data    any    `json:"data,omitempty"`
	}

	Config struct {
		Logger         *zerolog.Logger
		Service        BridgeService
		EventBook      EventBook
		Location       *time.Location
		ListenAddr     string
		AllowedOrigins []string
	}

	// Server is the local API the platform collaborators push state through.
	Server struct {
		logger zerolog.Logger
		svc    BridgeService
		book   EventBook
		loc    *time.Location
		wg     sync.WaitGroup
		*http.Server
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.Service,
		book:   cfg.EventBook,
		loc:    cfg.Location,
	}
	if srv.loc == nil {
		srv.loc = time.Local
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /api/state", srv.state)
	r.HandleFunc("POST /api/now-playing", srv.nowPlaying)
	r.HandleFunc("POST /api/control-event", srv.controlEvent)
	r.HandleFunc("POST /api/calendar", srv.calendar)
	r.HandleFunc("POST /api/reload", srv.reload)
	r.HandleFunc("POST /api/probe", srv.probe)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:         86400,
	}).Handler(r)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

func (srv *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.svc.ConnectionState()})
}

func (srv *Server) nowPlaying(w http.ResponseWriter, r *http.Request) {
	var info model.NowPlayingInfo
	if err := readJSON(r, &info); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	srv.logger.Trace().Any("nowPlaying", info).Msg("got now playing")

	srv.svc.SendNowPlaying(info)
	writeJSON(w, http.StatusAccepted, &GenericResponse{Message: "accepted"})
}

func (srv *Server) controlEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.ControlEvent
	if err := readJSON(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	srv.logger.Trace().Any("event", ev).Msg("got control event")

	srv.background(r, func(ctx context.Context) {
		if err := srv.svc.SendControlEvent(ctx, ev); err != nil {
			srv.logger.Error().Err(err).Msg("control event rejected")
		}
	})
	writeJSON(w, http.StatusAccepted, &GenericResponse{Message: "accepted"})
}

func (srv *Server) calendar(w http.ResponseWriter, r *http.Request) {
	var req CalendarRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	start, end, err := srv.calendarRange(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	srv.logger.Debug().Int("events", len(req.Events)).Msg("got calendar events")

	if srv.book != nil {
		srv.book.Replace(req.Events)
	}
	srv.background(r, func(ctx context.Context) {
		srv.svc.SendCalendarSnapshot(ctx, start, end, req.Events)
	})
	writeJSON(w, http.StatusAccepted, &GenericResponse{
		Message: "accepted",
		Data: map[string]string{
			"rangeStart": model.DayKey(start),
			"rangeEnd":   model.DayKey(end),
		},
	})
}

func (srv *Server) calendarRange(req CalendarRequest) (time.Time, time.Time, error) {
	var start, end time.Time
	if srv.book != nil {
		start, end = srv.book.Range()
	} else {
		start = model.StartOfDay(time.Now(), srv.loc)
		end = start
	}
	if req.RangeStart != "" {
		t, err := time.ParseInLocation(model.DayKeyLayout, req.RangeStart, srv.loc)
		if err != nil {
			return start, end, fmt.Errorf("%w: rangeStart: %w", ErrBadRequest, err)
		}
		start = t
	}
	if req.RangeEnd != "" {
		t, err := time.ParseInLocation(model.DayKeyLayout, req.RangeEnd, srv.loc)
		if err != nil {
			return start, end, fmt.Errorf("%w: rangeEnd: %w", ErrBadRequest, err)
		}
		end = t
	}
	if end.Before(start) {
		return start, end, fmt.Errorf("%w: rangeEnd is before rangeStart", ErrBadRequest)
	}
	return start, end, nil
}

func (srv *Server) reload(w http.ResponseWriter, r *http.Request) {
	srv.background(r, srv.svc.Reload)
	writeJSON(w, http.StatusAccepted, &GenericResponse{Message: "accepted"})
}

func (srv *Server) probe(w http.ResponseWriter, r *http.Request) {
	srv.background(r, srv.svc.SendTestProbe)
	writeJSON(w, http.StatusAccepted, &GenericResponse{Message: "accepted"})
}

// background runs fn detached from the request lifetime. Sends may wait for
// the display, the caller only needs to know the request was accepted.
func (srv *Server) background(r *http.Request, fn func(ctx context.Context)) {
	ctx := context.WithoutCancel(r.Context())
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		fn(ctx)
	}()
}

func readJSON(r *http.Request, v any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	if err = json.Unmarshal(body, v); err != nil {
		return errors.Join(ErrBadRequest, err)
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, &GenericResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.wg.Wait()
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
