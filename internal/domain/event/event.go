package event

import (
	"time"
)

type Type string

// Registry feed events. Each one backs a toast in the explorer UI.
const (
	TypeAgentCreated        Type = "agent.created"
	TypeAgentUpdated        Type = "agent.updated"
	TypeAgentClassified     Type = "agent.classified"
	TypeReputationChanged   Type = "reputation.changed"
	TypeEvaluationCompleted Type = "evaluation.completed"
)

// Streaming-search events. `error` and `done` are terminal and mutually
// exclusive within one session.
const (
	TypeResult   Type = "result"
	TypeMetadata Type = "metadata"
	TypeError    Type = "error"
	TypeDone     Type = "done"
)

// Registry reports whether t belongs to the registry feed family.
func (t Type) Registry() bool {
	switch t {
	case TypeAgentCreated, TypeAgentUpdated, TypeAgentClassified,
		TypeReputationChanged, TypeEvaluationCompleted:
		return true
	}
	return false
}

// Terminal reports whether t ends a search session.
func (t Type) Terminal() bool { return t == TypeDone || t == TypeError }

// Event is one decoded stream event. The concrete types below form the full
// set; consumers type-switch on them exhaustively.
type Event interface {
	EventType() Type
	OccurredAt() time.Time
}

// RegistryEvent is an Event that can be deduplicated by a natural key.
// The notification queue derives a stable item id from EventType + NaturalKey.
type RegistryEvent interface {
	Event
	// NaturalKey returns the payload field that identifies "the same"
	// notification across repeated occurrences (agent id, feedback id, ...).
	NaturalKey() string
}

type AgentCreated struct {
	AgentID   string    `json:"agentId"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"-"`
}

func (e AgentCreated) EventType() Type       { return TypeAgentCreated }
func (e AgentCreated) OccurredAt() time.Time { return e.Timestamp }
func (e AgentCreated) NaturalKey() string    { return e.AgentID }

type AgentUpdated struct {
	AgentID   string    `json:"agentId"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"-"`
}

func (e AgentUpdated) EventType() Type       { return TypeAgentUpdated }
func (e AgentUpdated) OccurredAt() time.Time { return e.Timestamp }
func (e AgentUpdated) NaturalKey() string    { return e.AgentID }

// AgentClassified keys on the agent id: a newer classification of the same
// agent replaces the earlier toast instead of stacking a duplicate.
type AgentClassified struct {
	AgentID        string    `json:"agentId"`
	Classification string    `json:"classification"`
	Timestamp      time.Time `json:"-"`
}

func (e AgentClassified) EventType() Type       { return TypeAgentClassified }
func (e AgentClassified) OccurredAt() time.Time { return e.Timestamp }
func (e AgentClassified) NaturalKey() string    { return e.AgentID }

type ReputationChanged struct {
	FeedbackID    string    `json:"feedbackId"`
	AgentID       string    `json:"agentId"`
	PreviousScore float64   `json:"previousScore"`
	NewScore      float64   `json:"newScore"`
	Timestamp     time.Time `json:"-"`
}

func (e ReputationChanged) EventType() Type       { return TypeReputationChanged }
func (e ReputationChanged) OccurredAt() time.Time { return e.Timestamp }
func (e ReputationChanged) NaturalKey() string    { return e.FeedbackID }

type EvaluationCompleted struct {
	EvaluationID string    `json:"evaluationId"`
	AgentID      string    `json:"agentId"`
	Score        float64   `json:"score"`
	Timestamp    time.Time `json:"-"`
}

func (e EvaluationCompleted) EventType() Type       { return TypeEvaluationCompleted }
func (e EvaluationCompleted) OccurredAt() time.Time { return e.Timestamp }
func (e EvaluationCompleted) NaturalKey() string    { return e.EvaluationID }

// SearchResult is one ranked candidate from a streaming search.
type SearchResult struct {
	AgentID    string    `json:"agentId"`
	Name       string    `json:"name"`
	Score      float64   `json:"score"`
	ReceivedAt time.Time `json:"-"`
}

func (e SearchResult) EventType() Type       { return TypeResult }
func (e SearchResult) OccurredAt() time.Time { return e.ReceivedAt }

// SearchMetadata is emitted at most once per session.
type SearchMetadata struct {
	RewrittenQuery string    `json:"rewrittenQuery"`
	ExpectedTotal  int       `json:"expectedTotal"`
	Reranker       string    `json:"reranker"`
	ReceivedAt     time.Time `json:"-"`
}

func (e SearchMetadata) EventType() Type       { return TypeMetadata }
func (e SearchMetadata) OccurredAt() time.Time { return e.ReceivedAt }

// StreamError terminates a search session with a server-reported failure.
type StreamError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	ReceivedAt time.Time `json:"-"`
}

func (e StreamError) EventType() Type       { return TypeError }
func (e StreamError) OccurredAt() time.Time { return e.ReceivedAt }
func (e StreamError) Error() string         { return e.Code + ": " + e.Message }

// StreamDone terminates a search session successfully. No payload.
type StreamDone struct {
	ReceivedAt time.Time `json:"-"`
}

func (e StreamDone) EventType() Type       { return TypeDone }
func (e StreamDone) OccurredAt() time.Time { return e.ReceivedAt }
