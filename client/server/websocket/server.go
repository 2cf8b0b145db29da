package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 4096
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	subscriberBuffer = 16
	defaultVolume    = 0.5
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger        *zerolog.Logger
		ListenAddr    string
		InitialVolume float64
	}

	// Server is the local feed the media collaborator subscribes to. It receives
	// player commands coming from the display and reports the player volume back.
	Server struct {
		ws *websocket.Upgrader
		*http.Server

		logger zerolog.Logger

		mx     sync.RWMutex
		subs   map[string]chan []byte
		volume float64
		state  model.ConnectionState
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "feed-server").Logger(),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		subs:   make(map[string]chan []byte),
		volume: cfg.InitialVolume,
	}
	if srv.volume <= 0 || srv.volume > 1 {
		srv.volume = defaultVolume
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /feed", srv.feed)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: defaultWebSocketHandshakeTimeout,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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

// ForwardState announces every connection state read from states until it is closed or ctx is done.
func (srv *Server) ForwardState(ctx context.Context, states <-chan model.ConnectionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			srv.mx.Lock()
			srv.state = st
			srv.mx.Unlock()
			srv.broadcast(model.AnnouncementConnectionState, st)
		}
	}
}

func (srv *Server) TogglePlayPause() {
	srv.broadcast(model.AnnouncementCommand, model.Command{Command: model.CommandTogglePlayPause})
}

func (srv *Server) NextTrack() {
	srv.broadcast(model.AnnouncementCommand, model.Command{Command: model.CommandNextTrack})
}

func (srv *Server) PreviousTrack() {
	srv.broadcast(model.AnnouncementCommand, model.Command{Command: model.CommandPreviousTrack})
}

// Volume returns the last volume reported by a subscriber or set by a command.
func (srv *Server) Volume() float64 {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	return srv.volume
}

func (srv *Server) SetVolume(v float64) {
	srv.mx.Lock()
	srv.volume = v
	srv.mx.Unlock()
	srv.broadcast(model.AnnouncementCommand, model.Command{Command: model.CommandSetVolume, Value: &v})
}

func (srv *Server) Subscribers() int {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	return len(srv.subs)
}

func (srv *Server) broadcast(typ string, payload any) {
	b, err := model.EncodeEnvelope(typ, payload)
	if err != nil {
		srv.logger.Error().Err(err).Str("type", typ).Msg("failed to encode announcement")
		return
	}

	srv.mx.RLock()
	defer srv.mx.RUnlock()
	if len(srv.subs) == 0 {
		srv.logger.Debug().Str("type", typ).Msg("announcement did not reach anyone")
		return
	}
	for id, tx := range srv.subs {
		select {
		case tx <- b:
		default:
			srv.logger.Warn().Str("subscriber", id).Str("type", typ).Msg("subscriber is too slow, announcement dropped")
		}
	}
}

func (srv *Server) feed(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied with an error status
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	tx := make(chan []byte, subscriberBuffer)

	srv.mx.Lock()
	srv.subs[id] = tx
	st := srv.state
	srv.mx.Unlock()

	if b, errE := model.EncodeEnvelope(model.AnnouncementConnectionState, st); errE == nil {
		tx <- b
	}

	logger := srv.logger.With().Str("subscriber", id).Logger()
	logger.Debug().Msg("subscriber connected")

	go srv.handleWSConn(conn, id, tx, &logger)
}

func (srv *Server) handleWSConn(conn *websocket.Conn, id string, tx <-chan []byte, logger *zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, tx, logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, logger)

	srv.mx.Lock()
	delete(srv.subs, id)
	srv.mx.Unlock()
	logger.Debug().Msg("subscriber disconnected")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan []byte,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case msg := <-tx:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error().Err(err).Msg("failed to write announcement")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for ctx.Err() == nil {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("connection closed")
			} else {
				logger.Warn().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		srv.receive(msg, logger)
	}
}

func (srv *Server) receive(msg []byte, logger *zerolog.Logger) {
	var env model.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		logger.Debug().Err(err).Msg("failed to unmarshall incoming message")
		return
	}
	if env.Type != model.AnnouncementVolume {
		logger.Debug().Str("type", env.Type).Msg("ignoring incoming message")
		return
	}
	var v float64
	if err := json.Unmarshal(env.Payload, &v); err != nil || v < 0 || v > 1 {
		logger.Debug().Str("payload", string(env.Payload)).Msg("ignoring invalid volume")
		return
	}
	srv.mx.Lock()
	srv.volume = v
	srv.mx.Unlock()
	logger.Trace().Float64("volume", v).Msg("volume reported")
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		logger.Debug().Err(err).Msg("failed to send close message")
	}
	if err = conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
