package websocket

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/mirror-bridge/client/model"
	"github.com/adwski/mirror-bridge/client/serializer"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultDialTimeout         = 5 * time.Second
	defaultWriteTimeout        = 5 * time.Second
	defaultCloseWriteDeadline  = 2 * time.Second
	defaultQueueLimit          = 256
	defaultWebSocketMaxMessage = 64 * 1024

	// defaultPongWait - defaultPingInterval is how long the display has to answer a ping
	defaultPingInterval = 10 * time.Second
	defaultPongWait     = 25 * time.Second
)

var (
	ErrDial   = errors.New("unable to dial transport")
	ErrEncode = errors.New("unable to encode envelope")
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type (
	// Conn is the subset of *websocket.Conn used by the channel.
	Conn interface {
		ReadMessage() (int, []byte, error)
		WriteMessage(messageType int, data []byte) error
		WriteControl(messageType int, data []byte, deadline time.Time) error
		SetWriteDeadline(t time.Time) error
		SetReadDeadline(t time.Time) error
		SetReadLimit(limit int64)
		SetPongHandler(h func(appData string) error)
		Close() error
	}

	DialFunc func(ctx context.Context, url string) (Conn, error)

	// Handler receives control actions sent by the display.
	Handler interface {
		HandleControl(action string)
	}

	Config struct {
		Logger        *zerolog.Logger
		Endpoint      model.Endpoint
		Handler       Handler
		Dial          DialFunc
		DialTimeout   time.Duration
		WriteTimeout  time.Duration
		PingInterval  time.Duration // zero disables keepalive
		PongWait      time.Duration
		QueueLimit    int
		OnStateChange func(State)
	}

	// Channel is a single persistent connection to the display.
	// It never reconnects on its own; Connect must be called again after it closes.
	Channel struct {
		logger       zerolog.Logger
		url          string
		handler      Handler
		dial         DialFunc
		ser          *serializer.Serializer
		dialTimeout  time.Duration
		writeTimeout time.Duration
		pingInterval time.Duration
		pongWait     time.Duration
		queueLimit   int
		onChange     func(State)

		mx      sync.Mutex
		state   State
		gen     uint64 // bumped by every Connect/Disconnect, stale attempts compare against it
		conn    Conn
		cancel  context.CancelFunc
		queue   [][]byte
		changed chan struct{}
	}
)

// DefaultDialer dials with gorilla's websocket dialer.
func DefaultDialer(handshakeTimeout time.Duration) DialFunc {
	d := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	return func(ctx context.Context, url string) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, errors.Join(ErrDial, err)
		}
		return conn, nil
	}
}

func NewChannel(cfg Config) *Channel {
	ch := &Channel{
		url:          cfg.Endpoint.TransportURL(),
		handler:      cfg.Handler,
		dial:         cfg.Dial,
		ser:          serializer.New(),
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		pongWait:     cfg.PongWait,
		queueLimit:   cfg.QueueLimit,
		onChange:     cfg.OnStateChange,
		changed:      make(chan struct{}),
	}
	ch.logger = cfg.Logger.With().
		Str("component", "transport").
		Str("endpoint", cfg.Endpoint.String()).
		Logger()
	if ch.dialTimeout <= 0 {
		ch.dialTimeout = defaultDialTimeout
	}
	if ch.dial == nil {
		ch.dial = DefaultDialer(ch.dialTimeout)
	}
	if ch.writeTimeout <= 0 {
		ch.writeTimeout = defaultWriteTimeout
	}
	if ch.pingInterval < 0 {
		ch.pingInterval = 0
	}
	if ch.pingInterval > 0 && ch.pongWait <= ch.pingInterval {
		ch.pongWait = ch.pingInterval + defaultPongWait - defaultPingInterval
	}
	if ch.queueLimit <= 0 {
		ch.queueLimit = defaultQueueLimit
	}
	return ch
}

func (ch *Channel) State() State {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.state
}

func (ch *Channel) IsOpen() bool {
	return ch.State() == StateOpen
}

// WaitOpen blocks until the channel is open, the pending attempt fails or ctx is done.
func (ch *Channel) WaitOpen(ctx context.Context) bool {
	for {
		ch.mx.Lock()
		state, changed := ch.state, ch.changed
		ch.mx.Unlock()

		switch state {
		case StateOpen:
			return true
		case StateConnecting:
		default:
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}

// Connect starts a connection attempt unless one is pending or established.
func (ch *Channel) Connect() {
	ch.mx.Lock()
	if ch.state == StateConnecting || ch.state == StateOpen {
		ch.mx.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch.gen++
	ch.cancel = cancel
	gen := ch.gen
	notify := ch.setStateLocked(StateConnecting)
	ch.mx.Unlock()
	notify()

	logger := ch.logger.With().Str("session", uuid.NewString()).Logger()
	go ch.run(ctx, gen, &logger)
}

// Disconnect closes the connection, discards queued messages and marks the channel closed.
// Writes already handed to the connection are not interrupted.
func (ch *Channel) Disconnect() {
	ch.mx.Lock()
	ch.gen++
	cancel, conn := ch.cancel, ch.conn
	ch.cancel, ch.conn = nil, nil
	if n := len(ch.queue); n > 0 {
		ch.logger.Debug().Int("count", n).Msg("discarding queued messages")
	}
	ch.queue = nil
	notify := ch.setStateLocked(StateClosed)
	ch.mx.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		webSocketCloser(conn, &ch.logger)
	}
	notify()
}

// Send transmits text terminated by a newline. Before the channel is open the
// message is queued and flushed in order once it opens. Write failures close
// the channel and are not reported to the caller.
func (ch *Channel) Send(text string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	msg := []byte(text)

	ch.mx.Lock()
	if ch.state != StateOpen {
		if len(ch.queue) >= ch.queueLimit {
			ch.logger.Warn().Int("limit", ch.queueLimit).Msg("outbound queue is full, dropping oldest message")
			ch.queue = ch.queue[1:]
		}
		ch.queue = append(ch.queue, msg)
		ch.mx.Unlock()
		return
	}
	res := ch.submitWrite(ch.conn, ch.gen, msg)
	ch.mx.Unlock()
	<-res
}

// SendEnvelope sends {"type": typ, "payload": payload} with payload keys sorted.
func (ch *Channel) SendEnvelope(typ string, payload any) error {
	b, err := model.EncodeEnvelope(typ, payload)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	ch.logger.Trace().Str("type", typ).RawJSON("envelope", b).Msg("sending envelope")
	ch.Send(string(b))
	return nil
}

func (ch *Channel) run(ctx context.Context, gen uint64, logger *zerolog.Logger) {
	dialCtx, dialCancel := context.WithTimeout(ctx, ch.dialTimeout)
	conn, err := ch.dial(dialCtx, ch.url)
	dialCancel()
	if err != nil {
		ch.mx.Lock()
		var notify func()
		if ch.gen == gen {
			notify = ch.setStateLocked(StateClosed)
			ch.cancel = nil
		}
		ch.mx.Unlock()
		if notify != nil {
			logger.Warn().Err(err).Msg("transport connection failed")
			notify()
		}
		return
	}

	ch.mx.Lock()
	if ch.gen != gen || ctx.Err() != nil {
		ch.mx.Unlock()
		logger.Debug().Msg("connection established after disconnect, closing")
		webSocketCloser(conn, logger)
		return
	}
	ch.conn = conn
	notify := ch.setStateLocked(StateOpen)
	// registering under the lock keeps queued messages ahead of any later Send
	for _, msg := range ch.queue {
		ch.submitWrite(conn, gen, msg)
	}
	if n := len(ch.queue); n > 0 {
		logger.Debug().Int("count", n).Msg("flushing queued messages")
	}
	ch.queue = nil
	ch.mx.Unlock()
	notify()

	logger.Info().Msg("transport opened")

	if ch.pingInterval > 0 {
		go ch.keepalive(ctx, conn, gen, logger)
	}
	ch.receive(ctx, conn, gen, logger)
}

func (ch *Channel) submitWrite(conn Conn, gen uint64, msg []byte) <-chan error {
	return ch.ser.Submit(func() error {
		if err := conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout)); err != nil {
			ch.fail(conn, gen, err, "failed to set websocket write deadline")
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			ch.fail(conn, gen, err, "failed to write outgoing message")
			return err
		}
		return nil
	})
}

func (ch *Channel) receive(ctx context.Context, conn Conn, gen uint64, logger *zerolog.Logger) {
	conn.SetReadLimit(defaultWebSocketMaxMessage)
	if ch.pingInterval > 0 {
		readDeadLineFunc := func() error {
			return conn.SetReadDeadline(time.Now().Add(ch.pongWait))
		}
		conn.SetPongHandler(func(string) error {
			logger.Trace().Msg("got pong")
			return readDeadLineFunc()
		})
		if err := readDeadLineFunc(); err != nil {
			ch.fail(conn, gen, err, "failed to set websocket read deadline")
			return
		}
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ch.fail(conn, gen, err, "connection closed by display")
			} else {
				ch.fail(conn, gen, err, "unexpected error during receive")
			}
			return
		}
		if msgType != websocket.TextMessage {
			logger.Debug().Int("type", msgType).Msg("ignoring non-text message")
			continue
		}
		ch.dispatch(msg, logger)
	}
}

func (ch *Channel) dispatch(msg []byte, logger *zerolog.Logger) {
	action, err := model.ParseControlFrame(msg)
	switch {
	case errors.Is(err, model.ErrNotControl):
		logger.Debug().Bytes("message", msg).Msg("ignoring unrecognized message")
	case err != nil:
		logger.Debug().Err(err).Msg("failed to unmarshall incoming message")
	case ch.handler == nil:
		logger.Debug().Str("action", action).Msg("no handler for control action")
	default:
		logger.Debug().Str("action", action).Msg("control action received")
		ch.handler.HandleControl(action)
	}
}

func (ch *Channel) keepalive(ctx context.Context, conn Conn, gen uint64, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(ch.pingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ch.writeTimeout)); err != nil {
				ch.fail(conn, gen, err, "failed to send ping")
				return
			}
			logger.Trace().Msg("ping sent")
		}
	}
}

// fail closes conn and marks the channel closed if conn is still the current connection.
func (ch *Channel) fail(conn Conn, gen uint64, err error, msg string) {
	ch.mx.Lock()
	if ch.gen != gen || ch.conn != conn {
		ch.mx.Unlock()
		return
	}
	cancel := ch.cancel
	ch.cancel, ch.conn = nil, nil
	notify := ch.setStateLocked(StateClosed)
	ch.mx.Unlock()

	ch.logger.Warn().Err(err).Msg(msg)
	if cancel != nil {
		cancel()
	}
	_ = conn.Close()
	notify()
}

// setStateLocked must be called with ch.mx held. The returned func
// runs the state hook and must be called after unlocking.
func (ch *Channel) setStateLocked(s State) func() {
	if ch.state == s {
		return func() {}
	}
	ch.logger.Debug().Stringer("from", ch.state).Stringer("to", s).Msg("transport state changed")
	ch.state = s
	close(ch.changed)
	ch.changed = make(chan struct{})
	if ch.onChange == nil {
		return func() {}
	}
	return func() { ch.onChange(s) }
}

func webSocketCloser(conn Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close message")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
