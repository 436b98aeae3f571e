package signaling

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/ratelimit"
)

// wsConn adapts a gorilla WebSocket to relay.Conn.
//
// gorilla allows one concurrent reader and one concurrent writer. The router
// reads from one goroutine and writes from another; pings go through
// WriteControl, which is safe alongside both.
type wsConn struct {
	conn    *websocket.Conn
	limiter *ratelimit.TokenBucket
	metrics *metrics.Metrics

	idleTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

type connOptions struct {
	IdleTimeout          time.Duration
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	Clock                ratelimit.Clock
	Metrics              *metrics.Metrics
}

func newWSConn(conn *websocket.Conn, opts connOptions) *wsConn {
	c := &wsConn{
		conn:         conn,
		metrics:      opts.Metrics,
		idleTimeout:  opts.IdleTimeout,
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}
	if opts.MaxMessagesPerSecond > 0 {
		rate := int64(opts.MaxMessagesPerSecond)
		c.limiter = ratelimit.NewTokenBucket(opts.Clock, rate, rate)
	}

	conn.SetReadLimit(opts.MaxMessageBytes)
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if opts.PingInterval > 0 {
		go c.pingLoop(opts.PingInterval)
	}
	return c
}

func (c *wsConn) extendReadDeadline() {
	if c.idleTimeout <= 0 {
		return
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// ReadMessage returns the next text or binary message. Messages over the rate
// limit are read off the socket and discarded.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return nil, err
		}
		c.extendReadDeadline()

		if !c.limiter.Allow(1) {
			c.metrics.Inc(metrics.DropReasonRateLimited)
			continue
		}
		return data, nil
	}
}

// WriteMessage always sends a text frame.
func (c *wsConn) WriteMessage(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				// The read side notices the dead socket through the idle timeout.
				return
			}
		}
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.writeTimeout))
	_ = c.Close()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
