// Package realtime maintains a websocket connection to the ops backend that
// survives network failures. Outbound messages sent while the link is down
// are buffered and flushed in order once it comes back; inbound messages are
// fanned out to listeners by message type.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/opsdeck/collabcore/pkg/errors"
)

// Status is the connection lifecycle position.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// AllMessages subscribes a handler to every inbound message regardless of
// type.
const AllMessages = "*"

// Message is the inbound envelope. Type routes to listeners; Data is the
// raw frame for the listener to decode as it sees fit.
type Message struct {
	Type string
	Data json.RawMessage
}

// Handler receives inbound messages. Handlers run on the read goroutine; a
// panicking handler is recovered and logged so one bad listener cannot kill
// the connection or starve its siblings.
type Handler func(msg Message)

// Config tunes the client.
type Config struct {
	// BaseDelay is the first reconnect delay; each failed attempt doubles it.
	BaseDelay time.Duration `env:"WS_RECONNECT_BASE_DELAY" envDefault:"1s"`
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `env:"WS_RECONNECT_MAX_DELAY" envDefault:"30s"`
	// MaxAttempts is how many reconnects to try before giving up.
	MaxAttempts int `env:"WS_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration `env:"WS_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

type subscription struct {
	id      int
	msgType string
	handler Handler
}

// Client is a reconnecting websocket client. All methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	// OnStatus, when set before Connect, is invoked on every status change.
	OnStatus func(Status)

	// writeMu serializes frame writes; gorilla permits one writer at a time.
	writeMu sync.Mutex

	mu       sync.Mutex
	url      string
	status   Status
	conn     *websocket.Conn
	attempts int
	explicit bool
	gen      uint64
	buffer   [][]byte
	retry    *time.Timer

	subMu  sync.RWMutex
	subs   []subscription
	nextID int
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		status: StatusDisconnected,
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials url. If already connected to the same url it is a no-op. A
// failed dial schedules a reconnect and returns the dial error; the client
// keeps trying in the background.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.status == StatusConnected && c.url == url {
		c.mu.Unlock()
		return nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.url = url
	c.explicit = false
	c.attempts = 0
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	url := c.url
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.logger.Warn("websocket dial failed", slog.String("url", url), slog.String("error", err.Error()))
		c.scheduleReconnect()
		return apperrors.ConnectionFailed(err)
	}

	// The writer lock is taken before the status flips to connected and held
	// until the buffer is drained, so a concurrent Send cannot slip a new
	// frame in between replayed ones.
	c.writeMu.Lock()
	c.mu.Lock()
	if c.explicit {
		// Disconnect raced the dial; drop the fresh connection.
		c.mu.Unlock()
		c.writeMu.Unlock()
		conn.Close()
		return nil
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.attempts = 0
	c.setStatusLocked(StatusConnected)
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	c.logger.Info("websocket connected", slog.String("url", url))
	c.flushLocked(conn, pending)
	c.writeMu.Unlock()

	go c.readLoop(conn, gen)
	return nil
}

// flushLocked writes queued messages in the order they were sent. The caller
// holds writeMu. Messages that fail to write go back to the front of the
// buffer; the read loop will notice the broken connection and reconnect.
func (c *Client) flushLocked(conn *websocket.Conn, pending [][]byte) {
	for i, data := range pending {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.mu.Lock()
			c.buffer = append(pending[i:], c.buffer...)
			c.mu.Unlock()
			return
		}
		messagesFlushed.Inc()
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) handleClose(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.explicit {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	c.logger.Warn("websocket connection lost", slog.String("error", cause.Error()))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.explicit {
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		c.logger.Error("websocket reconnect attempts exhausted",
			slog.Int("attempts", c.attempts))
		c.setStatusLocked(StatusDisconnected)
		return
	}
	delay := nextDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, c.attempts)
	c.attempts++
	c.setStatusLocked(StatusReconnecting)
	c.logger.Info("websocket reconnect scheduled",
		slog.Int("attempt", c.attempts),
		slog.Duration("delay", delay))
	reconnectAttempts.Inc()
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.explicit {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.dial(context.Background())
	})
}

// nextDelay doubles the base delay per past attempt, capped at max.
func nextDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Disconnect tears the connection down for good. No reconnect is attempted
// until the next Connect call.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicit = true
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()
}

// Send marshals v and writes it to the connection. While disconnected the
// message is queued; the queue preserves send order and is flushed before
// any new message once the connection is back.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.mu.Lock()
	if c.status != StatusConnected || c.conn == nil {
		c.buffer = append(c.buffer, data)
		c.mu.Unlock()
		messagesBuffered.Inc()
		return nil
	}
	c.mu.Unlock()

	if err := c.writeFrame(data); err != nil {
		c.mu.Lock()
		c.buffer = append(c.buffer, data)
		c.mu.Unlock()
		messagesBuffered.Inc()
		return nil
	}
	return nil
}

func (c *Client) writeFrame(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return apperrors.ErrConnectionLost
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// On registers a handler for messages of the given type, or for every
// message when msgType is AllMessages. The returned id removes the handler
// via Off.
func (c *Client) On(msgType string, h Handler) int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextID++
	c.subs = append(c.subs, subscription{id: c.nextID, msgType: msgType, handler: h})
	return c.nextID
}

// Off removes a previously registered handler. Unknown ids are ignored.
func (c *Client) Off(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for i, sub := range c.subs {
		if sub.id == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

type envelope struct {
	Type string `json:"type"`
}

// dispatch decodes the frame and delivers it, catch-all listeners first,
// then type listeners. Frames that are not JSON objects with a type tag are
// dropped and logged.
func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		messagesDropped.Inc()
		c.logger.Warn("dropping unparseable frame", slog.String("error", err.Error()))
		return
	}
	msg := Message{Type: env.Type, Data: json.RawMessage(data)}
	messagesDispatched.WithLabelValues(env.Type).Inc()

	c.subMu.RLock()
	subs := make([]subscription, len(c.subs))
	copy(subs, c.subs)
	c.subMu.RUnlock()

	for _, sub := range subs {
		if sub.msgType == AllMessages {
			c.deliver(sub, msg)
		}
	}
	for _, sub := range subs {
		if sub.msgType == msg.Type {
			c.deliver(sub, msg)
		}
	}
}

func (c *Client) deliver(sub subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panicked",
				slog.String("type", msg.Type),
				slog.Any("panic", r))
		}
	}()
	sub.handler(msg)
}

func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	connectionStatus.Set(statusToFloat(s))
	if c.OnStatus != nil {
		go c.OnStatus(s)
	}
}
