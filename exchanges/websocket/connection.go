// Package websocket wraps gorilla/websocket connections with the lifecycle
// behaviour venue streams need: paced writes, traffic accounting, ping
// handling and clean shutdown.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tidemark-io/tidemark/log"
)

// Reconnect backoffs per failure class
const (
	TransientErrorBackoff  = 5 * time.Second
	UnexpectedErrorBackoff = 30 * time.Second

	// MessageTimeout without traffic triggers an application-level ping
	MessageTimeout = 30 * time.Second
	// PingTimeout without a reply forces a reconnect
	PingTimeout = 5 * time.Second

	defaultWriteWait = 5 * time.Second
)

// Frame opcodes re-exported from gorilla so venue ping configuration does
// not reach into the underlying library
const (
	TextMessage = websocket.TextMessage
	PingMessage = websocket.PingMessage
	PongMessage = websocket.PongMessage
)

var (
	// ErrNotConnected is returned for operations on a closed connection
	ErrNotConnected = errors.New("websocket connection is disconnected")

	errAlreadyConnected = errors.New("websocket already connected")
)

// PingHandler configures keep-alive behaviour for a connection
type PingHandler struct {
	// UseGorillaHandler replies to protocol ping frames instead of sending
	// an application-level message
	UseGorillaHandler bool
	MessageType       int
	Message           []byte
	Delay             time.Duration
}

// Connection wraps a single venue websocket session
type Connection struct {
	venue   string
	url     string
	verbose bool

	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected int32
	lastRecv  atomic.Int64

	// writeLimiter paces outbound ops where the venue caps ws message rates
	writeLimiter *rate.Limiter

	messageTimeout time.Duration
	pingTimeout    time.Duration

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Connection
type Option func(*Connection)

// WithWriteLimit paces outbound messages to ops per interval
func WithWriteLimit(interval time.Duration, ops int) Option {
	return func(c *Connection) {
		if ops <= 0 || interval <= 0 {
			return
		}
		c.writeLimiter = rate.NewLimiter(rate.Limit(float64(ops)/interval.Seconds()), 1)
	}
}

// WithVerbose enables frame logging
func WithVerbose() Option {
	return func(c *Connection) { c.verbose = true }
}

// WithTrafficTimeouts overrides the traffic monitor's idle and ping-reply
// windows
func WithTrafficTimeouts(message, ping time.Duration) Option {
	return func(c *Connection) {
		c.messageTimeout = message
		c.pingTimeout = ping
	}
}

// NewConnection returns an unconnected websocket wrapper for a venue URL
func NewConnection(venue, url string, opts ...Option) *Connection {
	c := &Connection{
		venue:          venue,
		url:            url,
		messageTimeout: MessageTimeout,
		pingTimeout:    PingTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial connects to the configured URL
func (c *Connection) Dial(ctx context.Context, headers http.Header) error {
	if c.IsConnected() {
		return fmt.Errorf("%s: %w", c.venue, errAlreadyConnected)
	}
	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%s websocket connection: %v %v Error: %w", c.venue, c.url, resp.StatusCode, err)
		}
		return fmt.Errorf("%s websocket connection: %v Error: %w", c.venue, c.url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	c.conn = conn
	// pong frames never surface through ReadMessage, stamp them here so the
	// traffic monitor sees the reply
	conn.SetPongHandler(func(string) error {
		c.lastRecv.Store(time.Now().UnixNano())
		return nil
	})
	c.shutdown = make(chan struct{})
	c.lastRecv.Store(time.Now().UnixNano())
	atomic.StoreInt32(&c.connected, 1)
	if c.verbose {
		log.Infof(log.WebsocketMgr, "%v websocket connected to %s", c.venue, c.url)
	}
	return nil
}

// IsConnected exposes connection status
func (c *Connection) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// LastRecvTime returns when the last frame was read
func (c *Connection) LastRecvTime() time.Time {
	n := c.lastRecv.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SendJSONMessage JSON encodes data and sends it over the connection
func (c *Connection) SendJSONMessage(ctx context.Context, data any) error {
	msg, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.SendRawMessage(ctx, websocket.TextMessage, msg)
}

// SendRawMessage sends a message without encoding it
func (c *Connection) SendRawMessage(ctx context.Context, messageType int, message []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("%v websocket connection: cannot send message: %w", c.venue, ErrNotConnected)
	}
	if c.writeLimiter != nil {
		if err := c.writeLimiter.Wait(ctx); err != nil {
			return err
		}
	}
	if c.verbose {
		log.Debugf(log.WebsocketMgr, "%v sending message: %s", c.venue, message)
	}
	// Lock prevents concurrent WriteMessage panics; acquired after pacing
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, message)
}

// ReadMessage reads the next frame, stamping traffic time
func (c *Connection) ReadMessage() ([]byte, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("%v: %w", c.venue, ErrNotConnected)
	}
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		atomic.StoreInt32(&c.connected, 0)
		return nil, err
	}
	c.lastRecv.Store(time.Now().UnixNano())
	if c.verbose {
		log.Debugf(log.WebsocketMgr, "%v message received: %s", c.venue, msg)
	}
	return msg, nil
}

// SetupPingHandler keeps the connection alive. With UseGorillaHandler the
// venue's protocol pings are answered in place; otherwise an application
// level message is sent every Delay until shutdown.
func (c *Connection) SetupPingHandler(handler PingHandler) {
	if handler.UseGorillaHandler {
		c.conn.SetPingHandler(func(msg string) error {
			err := c.conn.WriteControl(handler.MessageType, []byte(msg), time.Now().Add(handler.Delay))
			if err == websocket.ErrCloseSent {
				return nil
			} else if e, ok := err.(interface{ Timeout() bool }); ok && e.Timeout() {
				return nil
			}
			return err
		})
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(handler.Delay)
		defer ticker.Stop()
		for {
			select {
			case <-c.shutdown:
				return
			case <-ticker.C:
				err := c.SendRawMessage(context.Background(), handler.MessageType, handler.Message)
				if err != nil {
					log.Errorf(log.WebsocketMgr, "%v ping handler failed to send message [%s]: %v",
						c.venue, handler.Message, err)
					return
				}
			}
		}
	}()
}

// StartTrafficMonitor watches for stalled sessions: MessageTimeout without
// a frame sends a protocol ping, PingTimeout more without traffic closes
// the connection so the session loop's read fails and reconnects.
func (c *Connection) StartTrafficMonitor() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.messageTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-c.shutdown:
				return
			case <-ticker.C:
				idle := time.Since(c.LastRecvTime())
				if idle < c.messageTimeout {
					continue
				}
				log.Debugf(log.WebsocketMgr, "%v no traffic for %s, pinging", c.venue, idle)
				deadline := time.Now().Add(defaultWriteWait)
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, deadline)
				c.writeMu.Unlock()
				if err != nil {
					log.Warnf(log.WebsocketMgr, "%v traffic monitor ping failed: %v", c.venue, err)
				}
				select {
				case <-c.shutdown:
					return
				case <-time.After(c.pingTimeout):
				}
				if time.Since(c.LastRecvTime()) >= idle {
					log.Warnf(log.WebsocketMgr, "%v stalled session, forcing reconnect", c.venue)
					go c.Shutdown()
					return
				}
			}
		}
	}()
}

// Shutdown closes the connection and joins its helper routines
func (c *Connection) Shutdown() error {
	if c == nil || c.conn == nil {
		return nil
	}
	if atomic.SwapInt32(&c.connected, 0) == 1 {
		close(c.shutdown)
	}
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// URL returns the connection URL
func (c *Connection) URL() string { return c.url }
