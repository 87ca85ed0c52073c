// Package search folds streaming-search events into per-session state.
//
// Like the notification queue, the accumulator is owned by exactly one
// dispatcher, which serializes all calls on its run loop.
package search

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/alanyang/agent-feed/internal/domain/event"
	domainsearch "github.com/alanyang/agent-feed/internal/domain/search"
)

// ErrUnknownSession is returned for events addressed to a session that was
// never started or has been cancelled. Callers drop these without noise.
var ErrUnknownSession = errors.New("search: unknown session")

// ProtocolViolation reports an event received after a session's terminal
// event, or an event kind the search stream must not carry. The event is
// discarded and session state stays untouched.
type ProtocolViolation struct {
	SessionID uuid.UUID
	Type      event.Type
	Status    domainsearch.Status
}

func (v *ProtocolViolation) Error() string {
	return fmt.Sprintf("search session %s (%s): discarded %q event", v.SessionID, v.Status, v.Type)
}

type Accumulator struct {
	sessions map[uuid.UUID]*domainsearch.State
}

func NewAccumulator() *Accumulator {
	return &Accumulator{sessions: make(map[uuid.UUID]*domainsearch.State)}
}

// Start creates a pending session.
func (a *Accumulator) Start(id uuid.UUID, query string) *domainsearch.State {
	s := &domainsearch.State{
		SessionID: id,
		Query:     query,
		Status:    domainsearch.StatusPending,
	}
	a.sessions[id] = s
	return s.Clone()
}

// Get returns a snapshot of a live session.
func (a *Accumulator) Get(id uuid.UUID) (*domainsearch.State, bool) {
	s, ok := a.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Sessions returns snapshots of all live sessions.
func (a *Accumulator) Sessions() []*domainsearch.State {
	out := make([]*domainsearch.State, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// End destroys a session. Further events for its id return
// ErrUnknownSession, which cancellation semantics treat as a silent drop.
func (a *Accumulator) End(id uuid.UUID) {
	delete(a.sessions, id)
}

// Apply folds one event into the session and returns the updated snapshot.
// Results accumulate in arrival order and are exposed incrementally: every
// result yields a new snapshot rather than buffering until done. A terminal
// event freezes the session; anything after it is a *ProtocolViolation.
// On error the partial results already accumulated are retained.
func (a *Accumulator) Apply(id uuid.UUID, e event.Event) (*domainsearch.State, error) {
	s, ok := a.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	if s.Terminal() {
		return nil, &ProtocolViolation{SessionID: id, Type: e.EventType(), Status: s.Status}
	}

	switch ev := e.(type) {
	case event.SearchResult:
		s.Results = append(s.Results, ev)

	case event.SearchMetadata:
		if s.Metadata != nil {
			return nil, &ProtocolViolation{SessionID: id, Type: ev.EventType(), Status: s.Status}
		}
		// Merged in without resetting accumulated results.
		m := ev
		s.Metadata = &m

	case event.StreamDone:
		s.Status = domainsearch.StatusDone

	case event.StreamError:
		s.Status = domainsearch.StatusErrored
		errCopy := ev
		s.Err = &errCopy

	default:
		// Registry kinds have no business on a search stream.
		return nil, &ProtocolViolation{SessionID: id, Type: e.EventType(), Status: s.Status}
	}

	return s.Clone(), nil
}
