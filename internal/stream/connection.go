package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/candlestream/internal/models"
	"github.com/navid-fn/candlestream/internal/wire"
)

// Handler receives connection events. Nil fields are skipped. Callbacks run
// on the connection's goroutines, never under its lock.
type Handler struct {
	OnTrade        func(models.Trade)
	OnError        func(error)
	OnStatus       func(Status)
	OnSubscribed   func(subscriptionID string)
	OnUnsubscribed func()
}

// ConnectionState is a point-in-time copy of the connection bookkeeping.
type ConnectionState struct {
	State            State
	SubscriptionID   string
	ReconnectAttempt int
	CurrentBackoff   time.Duration
}

type subscribeRequest struct {
	Action  string `json:"action"`
	TokenID string `json:"token_id"`
}

type unsubscribeRequest struct {
	Action      string `json:"action"`
	SubscribeID string `json:"subscribe_id"`
}

// Connection is a reconnecting websocket client for the trade feed.
type Connection struct {
	cfg     Config
	handler Handler
	logger  *logrus.Entry
	dialer  *websocket.Dialer

	mu             sync.Mutex
	gen            uint64
	state          State
	subscriptionID string
	pendingSymbol  string
	attempt        int
	backoff        time.Duration
	conn           *websocket.Conn
	timer          *time.Timer
	cancelDial     context.CancelFunc

	writeMu sync.Mutex
}

// NewConnection creates an idle connection. Nothing is dialed until Start.
func NewConnection(cfg Config, handler Handler, logger *logrus.Logger) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		cfg:     cfg,
		handler: handler,
		logger:  logger.WithFields(logrus.Fields{"component": "stream", "url": cfg.URL}),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		state:   StateIdle,
		backoff: cfg.InitialBackoff,
	}
}

// Start schedules the first dial after ConnectDelay. It is a no-op unless idle.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		c.logger.Debugf("start ignored in state %s", state)
		return
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.attempt = 0
	c.backoff = c.cfg.InitialBackoff
	c.timer = time.AfterFunc(c.cfg.ConnectDelay, func() { c.dial(gen) })
	c.mu.Unlock()

	c.emitStatus(StatusConnecting)
}

// Stop cancels pending timers, releases the socket and clears the
// subscription. The connection ends idle and may be started again.
func (c *Connection) Stop() {
	c.mu.Lock()
	prev := c.state
	c.gen++
	c.state = StateClosing
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	c.subscriptionID = ""
	c.pendingSymbol = ""
	c.attempt = 0
	c.backoff = c.cfg.InitialBackoff
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	if prev != StateIdle {
		c.logger.Info("stopped")
		c.emitStatus(StatusDisconnected)
	}
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		State:            c.state,
		SubscriptionID:   c.subscriptionID,
		ReconnectAttempt: c.attempt,
		CurrentBackoff:   c.backoff,
	}
}

// IsOpen reports whether the socket is established.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// Subscribe asks the server for the trade feed of symbolID. The
// subscription becomes active once the server acknowledges it.
func (c *Connection) Subscribe(symbolID string) error {
	c.mu.Lock()
	c.pendingSymbol = symbolID
	c.mu.Unlock()

	if err := c.send(subscribeRequest{Action: "subscribe", TokenID: symbolID}); err != nil {
		c.mu.Lock()
		if c.pendingSymbol == symbolID {
			c.pendingSymbol = ""
		}
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", symbolID, err)
	}
	c.logger.WithField("symbol", symbolID).Info("subscribe requested")
	return nil
}

// Unsubscribe releases the active subscription. Without one it only warns.
func (c *Connection) Unsubscribe() error {
	c.mu.Lock()
	id := c.subscriptionID
	c.mu.Unlock()

	if id == "" {
		c.logger.Warn("unsubscribe called without an active subscription")
		return nil
	}
	if err := c.send(unsubscribeRequest{Action: "unsubscribe", SubscribeID: id}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	return nil
}

func (c *Connection) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen && conn != nil
	state := c.state
	c.mu.Unlock()

	if !open {
		c.logger.Warnf("dropping outbound message in state %s", state)
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *Connection) dial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	c.cancelDial = cancel
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	cancel()

	c.mu.Lock()
	c.cancelDial = nil
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		exhausted, attempt := c.scheduleRetryLocked(gen)
		c.mu.Unlock()
		c.logger.Warnf("dial failed (attempt %d/%d): %v", attempt, c.cfg.MaxReconnectAttempts, err)
		c.afterFailure(exhausted, attempt)
		return
	}

	c.state = StateOpen
	c.attempt = 0
	c.backoff = c.cfg.InitialBackoff
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected")
	done := make(chan struct{})
	go c.readLoop(gen, conn, done)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(gen, conn, done)
	}
	c.emitStatus(StatusConnected)
}

// scheduleRetryLocked counts a failure and either arms the retry timer or
// halts. It must be called with mu held.
func (c *Connection) scheduleRetryLocked(gen uint64) (exhausted bool, attempt int) {
	c.attempt++
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		c.state = StateIdle
		c.timer = nil
		return true, c.attempt
	}

	delay := c.backoff
	c.backoff = NextBackoff(c.backoff, c.cfg.MaxBackoff)
	c.state = StateClosedPendingRetry
	c.timer = time.AfterFunc(delay, func() { c.retry(gen) })
	return false, c.attempt
}

func (c *Connection) afterFailure(exhausted bool, attempt int) {
	c.emitStatus(StatusDisconnected)
	if exhausted {
		err := fmt.Errorf("%w after %d attempts", ErrConnectivityExhausted, attempt)
		c.logger.Error(err)
		c.emitError(err)
	}
}

func (c *Connection) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateClosedPendingRetry {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.emitStatus(StatusConnecting)
	c.dial(gen)
}

func (c *Connection) readLoop(gen uint64, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	if c.cfg.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(gen, conn, err)
			return
		}
		if !c.current(gen) {
			return
		}
		c.dispatch(gen, msgType, payload)
	}
}

func (c *Connection) pingLoop(gen uint64, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !c.current(gen) {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteTimeout)); err != nil {
				c.logger.Warnf("ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Connection) transportClosed(gen uint64, conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.subscriptionID = ""
	c.pendingSymbol = ""
	conn.Close()
	exhausted, attempt := c.scheduleRetryLocked(gen)
	c.mu.Unlock()

	c.logger.Warnf("connection closed: %v", cause)
	c.afterFailure(exhausted, attempt)
}

func (c *Connection) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// dispatch decodes one frame from the socket of generation gen. Nothing
// reaches the handler once Stop or a reconnect has moved past gen.
func (c *Connection) dispatch(gen uint64, msgType int, payload []byte) {
	switch msgType {
	case websocket.BinaryMessage:
		trade, err := wire.DecodeTrade(payload)
		if !c.current(gen) {
			return
		}
		if err != nil {
			c.logger.Warnf("dropping trade frame: %v", err)
			c.emitError(fmt.Errorf("trade frame: %w", err))
			return
		}
		if c.handler.OnTrade != nil {
			c.handler.OnTrade(trade)
		}
	case websocket.TextMessage:
		ack, ok := ParseAck(payload)
		if !ok {
			c.logger.Debugf("dropping unrecognized message: %.120s", payload)
			return
		}
		c.handleAck(gen, ack)
	default:
		c.logger.Debugf("dropping frame of type %d", msgType)
	}
}

func (c *Connection) handleAck(gen uint64, ack Ack) {
	switch ack.Kind {
	case AckSubscribed:
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		symbol := c.pendingSymbol
		c.pendingSymbol = ""
		if ack.Success {
			c.subscriptionID = ack.SubscriptionID
		} else {
			c.subscriptionID = ""
		}
		c.mu.Unlock()

		if !ack.Success {
			c.emitError(fmt.Errorf("%w: symbol %q", ErrSubscriptionRejected, symbol))
			return
		}
		c.logger.WithField("symbol", symbol).Infof("subscribed with id %s", ack.SubscriptionID)
		if c.handler.OnSubscribed != nil {
			c.handler.OnSubscribed(ack.SubscriptionID)
		}

	case AckUnsubscribed:
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		if ack.Success {
			c.subscriptionID = ""
		}
		c.mu.Unlock()

		if !ack.Success {
			c.emitError(fmt.Errorf("%w: unsubscribe refused", ErrSubscriptionRejected))
			return
		}
		c.logger.Info("unsubscribed")
		if c.handler.OnUnsubscribed != nil {
			c.handler.OnUnsubscribed()
		}
	}
}

func (c *Connection) emitStatus(s Status) {
	if c.handler.OnStatus != nil {
		c.handler.OnStatus(s)
	}
}

func (c *Connection) emitError(err error) {
	if c.handler.OnError != nil {
		c.handler.OnError(err)
	}
}
