package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// DecodeError reports a frame the decoder could not turn into a typed event.
// It carries the offending frame for diagnostics. Decode failures are
// non-fatal: callers log them and keep consuming the stream.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %q: %v", truncate(e.Frame, 128), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

// envelope is the wire shape shared by both families:
// {"type": ..., "timestamp": ..., "data": {...}}. Search-stream frames omit
// the timestamp; the frame arrival time stands in for it.
type envelope struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Decode parses one raw frame into a typed event. It is pure and synchronous.
// A missing or unknown type discriminator, malformed JSON, or a payload that
// fails validation for its declared type yields a *DecodeError. No frame is
// ever coerced into a different kind.
func Decode(frame []byte, receivedAt time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Frame: frame, Err: fmt.Errorf("malformed envelope: %w", err)}
	}
	if env.Type == "" {
		return nil, &DecodeError{Frame: frame, Err: fmt.Errorf("missing type discriminator")}
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = receivedAt
	}

	fail := func(err error) (Event, error) {
		return nil, &DecodeError{Frame: frame, Err: fmt.Errorf("%s: %w", env.Type, err)}
	}

	switch env.Type {
	case TypeAgentCreated:
		var e AgentCreated
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fail(err)
		}
		if e.AgentID == "" {
			return fail(fmt.Errorf("missing agentId"))
		}
		e.Timestamp = ts
		return e, nil

	case TypeAgentUpdated:
		var e AgentUpdated
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fail(err)
		}
		if e.AgentID == "" {
			return fail(fmt.Errorf("missing agentId"))
		}
		e.Timestamp = ts
		return e, nil

	case TypeAgentClassified:
		var e AgentClassified
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fail(err)
		}
		if e.AgentID == "" {
			return fail(fmt.Errorf("missing agentId"))
		}
		e.Timestamp = ts
		return e, nil

	case TypeReputationChanged:
		var e ReputationChanged
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fail(err)
		}
		if e.FeedbackID == "" {
			return fail(fmt.Errorf("missing feedbackId"))
		}
		e.Timestamp = ts
		return e, nil

	case TypeEvaluationCompleted:
		var e EvaluationCompleted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fail(err)
		}
		if e.EvaluationID == "" {
			return fail(fmt.Errorf("missing evaluationId"))
		}
		e.Timestamp = ts
		return e, nil

	case TypeResult:
		var e SearchResult
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fail(err)
		}
		if e.AgentID == "" {
			return fail(fmt.Errorf("missing agentId"))
		}
		e.ReceivedAt = receivedAt
		return e, nil

	case TypeMetadata:
		var e SearchMetadata
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fail(err)
		}
		e.ReceivedAt = receivedAt
		return e, nil

	case TypeError:
		var e StreamError
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return fail(err)
		}
		if e.Code == "" && e.Message == "" {
			return fail(fmt.Errorf("missing code and message"))
		}
		e.ReceivedAt = receivedAt
		return e, nil

	case TypeDone:
		// `done` carries no payload; anything in data is ignored.
		return StreamDone{ReceivedAt: receivedAt}, nil

	default:
		return nil, &DecodeError{Frame: frame, Err: fmt.Errorf("unknown type %q", env.Type)}
	}
}
