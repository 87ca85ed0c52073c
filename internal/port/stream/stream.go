// Package stream is the transport port: a lazy, reconnecting sequence of raw
// frames. Adapters (SSE, WebSocket) implement it; the dispatcher is the only
// consumer and owns the single shared connection per feed.
package stream

import (
	"context"
	"time"
)

// Frame is one unit of data delivered by the transport, prior to decoding.
type Frame struct {
	Data       []byte
	ReceivedAt time.Time
}

type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	// PhaseUnavailable is terminal: the retry budget is exhausted.
	PhaseUnavailable Phase = "unavailable"
)

// Status is the optional "reconnecting" signal surfaced to subscribers.
// Transport failures are recovered internally and never raised as fatal
// errors; Unavailable is the single exception, reached only when a
// caller-specified retry cap runs out.
type Status struct {
	Phase   Phase
	Attempt int
	Err     error
}

// Stream is one live feed. Frames and Status are closed together when the
// stream ends, either via Close or after exhausting its retry budget.
// Reconnects are transparent: no ordering gap across a reconnect is reported
// as an error, and consumers must tolerate gaps.
type Stream interface {
	Frames() <-chan Frame
	Status() <-chan Status
	// Close is idempotent and cancels any in-flight reconnect wait.
	Close() error
}

// Opener dials an endpoint and returns a live stream. Connecting happens in
// the background; Open itself does not block on the network.
type Opener interface {
	Open(ctx context.Context, endpoint string) (Stream, error)
}
