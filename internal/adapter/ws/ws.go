// Package ws implements the stream port over a WebSocket connection.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/metric"
	"github.com/alanyang/agent-feed/internal/port/stream"
)

const (
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Opener dials WebSocket endpoints (ws:// or wss://).
type Opener struct {
	backoff config.Backoff
	dialer  *websocket.Dialer
	metrics *metric.Metrics
}

func NewOpener(bo config.Backoff, dialer *websocket.Dialer) *Opener {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Opener{backoff: bo, dialer: dialer, metrics: metric.Default()}
}

// Open starts consuming endpoint in the background and returns immediately.
func (o *Opener) Open(ctx context.Context, endpoint string) (stream.Stream, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("ws: empty endpoint")
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		endpoint: endpoint,
		dialer:   o.dialer,
		backoff:  o.backoff,
		metrics:  o.metrics,
		frames:   make(chan stream.Frame, 64),
		status:   make(chan stream.Status, 8),
		cancel:   cancel,
	}
	go c.run(ctx)
	return c, nil
}

// Conn is one reconnecting WebSocket stream.
type Conn struct {
	endpoint string
	dialer   *websocket.Dialer
	backoff  config.Backoff
	metrics  *metric.Metrics

	frames chan stream.Frame
	status chan stream.Status

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *Conn) Frames() <-chan stream.Frame  { return c.frames }
func (c *Conn) Status() <-chan stream.Status { return c.status }

func (c *Conn) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.frames)
	defer close(c.status)

	delays := c.backoff.New()
	failures := 0
	connectedBefore := false

	for {
		if ctx.Err() != nil {
			return
		}

		phase := stream.PhaseConnecting
		if connectedBefore || failures > 0 {
			phase = stream.PhaseReconnecting
			c.metrics.Reconnects.WithLabelValues("ws").Inc()
		}
		c.report(stream.Status{Phase: phase, Attempt: failures})

		conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			slog.Debug("ws dial failed", "endpoint", c.endpoint, "attempt", failures, "error", err)
			if c.backoff.MaxRetries > 0 && failures >= c.backoff.MaxRetries {
				c.report(stream.Status{Phase: stream.PhaseUnavailable, Attempt: failures, Err: err})
				return
			}
			select {
			case <-time.After(delays.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}

		delays.Reset()
		failures = 0
		connectedBefore = true
		c.report(stream.Status{Phase: stream.PhaseConnected})

		err = c.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Debug("ws connection lost", "endpoint", c.endpoint, "error", err)
	}
}

// report publishes a status transition without blocking ingestion; stale
// statuses are dropped when the consumer lags.
func (c *Conn) report(s stream.Status) {
	select {
	case c.status <- s:
	default:
	}
}

// consume reads messages until the connection drops. A ping loop keeps the
// connection alive; missing pongs trip the read deadline and force a
// reconnect.
func (c *Conn) consume(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	if err := conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
		return err
	}

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go pingLoop(pingCtx, conn)

	// Unblock ReadMessage when the stream is closed mid-read.
	go func() {
		<-pingCtx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.metrics.FramesReceived.WithLabelValues("ws").Inc()
		select {
		case c.frames <- stream.Frame{Data: data, ReceivedAt: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
