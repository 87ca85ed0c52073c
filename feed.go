// Package agentfeed turns server-pushed event streams from the agent
// registry into consistent, time-bounded client state: auto-expiring
// notifications for registry events and incrementally accumulated results
// for streaming search.
//
// The UI layer constructs one Dispatcher per page, subscribes callbacks to
// it, and never touches the transport directly.
package agentfeed

import (
	"fmt"
	"net/url"

	"github.com/alanyang/agent-feed/internal/adapter/sse"
	"github.com/alanyang/agent-feed/internal/adapter/ws"
	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/domain/event"
	"github.com/alanyang/agent-feed/internal/domain/notification"
	domainsearch "github.com/alanyang/agent-feed/internal/domain/search"
	"github.com/alanyang/agent-feed/internal/port/stream"
	"github.com/alanyang/agent-feed/internal/service/dispatcher"
)

// Re-exported engine surface.
type (
	Options          = config.Options
	Backoff          = config.Backoff
	Dispatcher       = dispatcher.Dispatcher
	Subscription     = dispatcher.Subscription
	SubscribeOptions = dispatcher.SubscribeOptions
	Update           = dispatcher.Update
	UpdateKind       = dispatcher.UpdateKind
	Handler          = dispatcher.Handler
	Predicate        = dispatcher.Predicate
	SearchSession    = dispatcher.SearchSession

	Event            = event.Event
	EventType        = event.Type
	NotificationItem = notification.Item
	SearchState      = domainsearch.State
	StreamStatus     = stream.Status
)

const (
	KindNotifications = dispatcher.KindNotifications
	KindRemoval       = dispatcher.KindRemoval
	KindSearch        = dispatcher.KindSearch
	KindStream        = dispatcher.KindStream
)

func DefaultOptions() Options { return config.DefaultOptions() }

// New builds a Dispatcher wired to the transport matching the endpoint
// scheme: ws/wss use WebSocket, http/https use SSE. The search endpoint, if
// set, must use the same family.
func New(opts Options) (*Dispatcher, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = opts.SearchEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("agentfeed: parsing endpoint: %w", err)
	}

	var opener stream.Opener
	switch u.Scheme {
	case "ws", "wss":
		opener = ws.NewOpener(opts.Backoff, nil)
	case "http", "https":
		opener = sse.NewOpener(opts.Backoff, nil)
	default:
		return nil, fmt.Errorf("agentfeed: unsupported endpoint scheme %q", u.Scheme)
	}

	return dispatcher.New(opts, opener), nil
}
