// Package sse implements the stream port over Server-Sent Events.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/metric"
	"github.com/alanyang/agent-feed/internal/port/stream"
)

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 512 * 1024
)

// Opener dials SSE endpoints. The zero value is not usable; construct with
// NewOpener.
type Opener struct {
	backoff config.Backoff
	httpc   *http.Client
	metrics *metric.Metrics
}

func NewOpener(bo config.Backoff, httpc *http.Client) *Opener {
	if httpc == nil {
		// No client timeout: the response body is a long-lived stream.
		httpc = &http.Client{}
	}
	return &Opener{backoff: bo, httpc: httpc, metrics: metric.Default()}
}

// Open starts consuming endpoint in the background and returns immediately.
func (o *Opener) Open(ctx context.Context, endpoint string) (stream.Stream, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("sse: empty endpoint")
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		endpoint: endpoint,
		httpc:    o.httpc,
		backoff:  o.backoff,
		metrics:  o.metrics,
		frames:   make(chan stream.Frame, 64),
		status:   make(chan stream.Status, 8),
		cancel:   cancel,
	}
	go c.run(ctx)
	return c, nil
}

// Conn is one reconnecting SSE stream.
type Conn struct {
	endpoint string
	httpc    *http.Client
	backoff  config.Backoff
	metrics  *metric.Metrics

	frames chan stream.Frame
	status chan stream.Status

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *Conn) Frames() <-chan stream.Frame  { return c.frames }
func (c *Conn) Status() <-chan stream.Status { return c.status }

// Close cancels the stream, including any in-flight reconnect wait.
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
			c.metrics.Reconnects.WithLabelValues("sse").Inc()
		}
		c.report(stream.Status{Phase: phase, Attempt: failures})

		body, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			slog.Debug("sse connect failed", "endpoint", c.endpoint, "attempt", failures, "error", err)
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

		// Successful connect resets the delay schedule to its base.
		delays.Reset()
		failures = 0
		connectedBefore = true
		c.report(stream.Status{Phase: stream.PhaseConnected})

		err = c.consume(ctx, body)
		body.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Debug("sse connection lost", "endpoint", c.endpoint, "error", err)
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

func (c *Conn) dial(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// consume reads SSE lines until the connection drops or ctx is cancelled.
// Only `data:` lines matter: the payload carries its own type discriminator,
// so `event:`/`id:`/`retry:` fields are tolerated and ignored. Lines starting
// with ':' are heartbeats.
func (c *Conn) consume(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)

	var data []byte
	for scanner.Scan() {
		line := scanner.Bytes()

		if len(line) == 0 {
			// Blank line terminates one SSE message.
			if len(data) > 0 {
				frame := stream.Frame{Data: data, ReceivedAt: time.Now()}
				data = nil
				c.metrics.FramesReceived.WithLabelValues("sse").Inc()
				select {
				case c.frames <- frame:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			rest = bytes.TrimPrefix(rest, []byte(" "))
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, rest...)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
