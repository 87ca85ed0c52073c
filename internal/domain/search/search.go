// Package search defines the accumulated state of one streaming-search
// session.
package search

import (
	"github.com/google/uuid"

	"github.com/alanyang/agent-feed/internal/domain/event"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusErrored Status = "errored"
)

// State is the fold of all events received so far for one session.
// Results keep arrival order; the engine never re-sorts them.
type State struct {
	SessionID uuid.UUID
	Query     string
	Results   []event.SearchResult
	// Metadata is nil until the (at most one) metadata event arrives.
	Metadata *event.SearchMetadata
	Status   Status
	// Err is set when Status is StatusErrored. Partial results accumulated
	// before the error are retained.
	Err *event.StreamError
}

// Terminal reports whether the session accepts no further events.
func (s *State) Terminal() bool { return s.Status != StatusPending }

// Clone returns a copy safe to hand to subscribers while the original keeps
// mutating on the dispatch loop.
func (s *State) Clone() *State {
	c := *s
	c.Results = make([]event.SearchResult, len(s.Results))
	copy(c.Results, s.Results)
	if s.Metadata != nil {
		m := *s.Metadata
		c.Metadata = &m
	}
	if s.Err != nil {
		e := *s.Err
		c.Err = &e
	}
	return &c
}
