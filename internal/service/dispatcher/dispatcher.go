// Package dispatcher is the single component the UI layer talks to. It owns
// the shared transport (ref-counted by subscribers), folds decoded events
// into the notification queue and search sessions, and fans updates out to
// subscribers.
//
// All state lives on one run-loop goroutine; transports, timers and the
// public API post closures onto it, so the queue and accumulator never need
// locks. Subscriber callbacks run on per-subscriber delivery goroutines fed
// by bounded channels, keeping a slow consumer from stalling ingestion.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyang/agent-feed/internal/config"
	"github.com/alanyang/agent-feed/internal/domain/event"
	"github.com/alanyang/agent-feed/internal/domain/notification"
	domainsearch "github.com/alanyang/agent-feed/internal/domain/search"
	"github.com/alanyang/agent-feed/internal/metric"
	"github.com/alanyang/agent-feed/internal/port/stream"
	"github.com/alanyang/agent-feed/internal/service/queue"
	"github.com/alanyang/agent-feed/internal/service/search"
)

type UpdateKind string

const (
	// KindNotifications carries the full current queue after a change.
	KindNotifications UpdateKind = "notifications"
	// KindRemoval reports one item that completed its lifecycle.
	KindRemoval UpdateKind = "removal"
	// KindSearch carries the updated state of one search session.
	KindSearch UpdateKind = "search"
	// KindStream reports a transport status transition.
	KindStream UpdateKind = "stream"
)

// Update is what subscribers receive. Exactly the fields implied by Kind are
// set.
type Update struct {
	Kind UpdateKind
	// Trigger is the event type behind a notifications update, empty for
	// timer-driven transitions.
	Trigger       event.Type
	Notifications []notification.Item
	Removed       *notification.Item
	Session       *domainsearch.State
	Stream        *stream.Status
	// SessionID is set on stream updates scoped to one search session.
	SessionID uuid.UUID
}

type Handler func(Update)

// Predicate filters the updates a subscriber receives.
type Predicate func(Update) bool

type SubscribeOptions struct {
	Filter Predicate
	// Snapshot pushes current queue and session state immediately on
	// subscribe, in addition to the engine-wide SnapshotOnSubscribe option.
	Snapshot bool
}

// Subscription is an opaque handle. Unsubscribe through the dispatcher;
// doing so twice is harmless.
type Subscription struct {
	ID      uuid.UUID
	handler Handler
	filter  Predicate
	ch      chan Update
}

func (s *Subscription) deliver() {
	for u := range s.ch {
		s.invoke(u)
	}
}

// invoke isolates a panicking subscriber callback: fan-out to other
// subscribers and ingestion keep going.
func (s *Subscription) invoke(u Update) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("subscriber callback panicked", "subscription", s.ID, "kind", u.Kind, "panic", r)
		}
	}()
	s.handler(u)
}

// SearchSession is the caller's handle on one streaming search.
type SearchSession struct {
	ID uuid.UUID
	d  *Dispatcher
}

// Cancel abandons the session: its stream is closed, its state destroyed,
// and any in-flight events for it are ignored without error.
func (s *SearchSession) Cancel() {
	s.d.post(func() {
		s.d.closeSearchStream(s.ID)
		s.d.acc.End(s.ID)
	})
}

type Dispatcher struct {
	opts    config.Options
	opener  stream.Opener
	metrics *metric.Metrics

	cmds chan func()
	quit chan struct{}
	once sync.Once

	// Everything below is owned by the run loop.
	subs     map[uuid.UUID]*Subscription
	queue    *queue.Queue
	acc      *search.Accumulator
	feed     stream.Stream
	feedGen  int
	searches map[uuid.UUID]stream.Stream
}

func New(opts config.Options, opener stream.Opener) *Dispatcher {
	d := &Dispatcher{
		opts:     opts.Normalize(),
		opener:   opener,
		metrics:  metric.Default(),
		cmds:     make(chan func(), 128),
		quit:     make(chan struct{}),
		subs:     make(map[uuid.UUID]*Subscription),
		acc:      search.NewAccumulator(),
		searches: make(map[uuid.UUID]stream.Stream),
	}
	d.queue = d.newQueue()
	go d.loop()
	return d
}

func (d *Dispatcher) newQueue() *queue.Queue {
	return queue.New(queue.Config{
		AutoDismiss: d.opts.AutoDismiss,
		ExitAfter:   config.ExitAnimation,
		MaxSize:     d.opts.MaxQueueSize,
		OnChange:    d.publishNotifications,
		OnRemoved:   d.publishRemoval,
		Schedule:    d.schedule,
	})
}

func (d *Dispatcher) loop() {
	for {
		select {
		case f := <-d.cmds:
			f()
		case <-d.quit:
			d.shutdown()
			return
		}
	}
}

// post runs f on the loop. After Close, posts are dropped.
func (d *Dispatcher) post(f func()) {
	select {
	case d.cmds <- f:
	case <-d.quit:
	}
}

// schedule is the queue's timer hook: fire on a timer goroutine, mutate on
// the loop.
func (d *Dispatcher) schedule(dur time.Duration, f func()) func() {
	t := time.AfterFunc(dur, func() { d.post(f) })
	return func() { t.Stop() }
}

// Close stops the run loop, the shared feed, all search streams and timers.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.quit) })
}

func (d *Dispatcher) shutdown() {
	if d.feed != nil {
		d.feed.Close()
		d.feed = nil
	}
	for id, st := range d.searches {
		st.Close()
		delete(d.searches, id)
	}
	d.queue.CancelAll()
	for id, sub := range d.subs {
		close(sub.ch)
		delete(d.subs, id)
	}
}

// Subscribe registers a callback. The first subscriber opens the shared
// registry feed; a subscriber only ever observes state changes made after
// its registration, unless a snapshot was requested.
func (d *Dispatcher) Subscribe(opts SubscribeOptions, h Handler) *Subscription {
	sub := &Subscription{
		ID:      uuid.New(),
		handler: h,
		filter:  opts.Filter,
		ch:      make(chan Update, 64),
	}
	go sub.deliver()

	d.post(func() {
		d.subs[sub.ID] = sub
		if len(d.subs) == 1 {
			d.openFeed()
		}
		if opts.Snapshot || d.opts.SnapshotOnSubscribe {
			d.send(sub, Update{
				Kind:          KindNotifications,
				Notifications: d.queue.Items(),
			})
			for _, s := range d.acc.Sessions() {
				d.send(sub, Update{Kind: KindSearch, Session: s})
			}
		}
	})
	return sub
}

// Unsubscribe removes a subscription. Idempotent. When the last subscriber
// leaves, the shared feed is closed and all pending notification timers are
// cancelled.
func (d *Dispatcher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	d.post(func() {
		if _, ok := d.subs[sub.ID]; !ok {
			return
		}
		delete(d.subs, sub.ID)
		close(sub.ch)
		if len(d.subs) == 0 {
			d.closeFeed()
		}
	})
}

// Dismiss manually dismisses a notification by item id.
func (d *Dispatcher) Dismiss(id string) {
	d.post(func() { d.queue.Dismiss(id) })
}

// StartSearch opens a session-scoped stream for query and begins folding its
// events. Updates reach subscribers like any other; the returned handle only
// cancels.
func (d *Dispatcher) StartSearch(ctx context.Context, query string) (*SearchSession, error) {
	if d.opts.SearchEndpoint == "" {
		return nil, fmt.Errorf("dispatcher: no search endpoint configured")
	}
	endpoint, err := searchURL(d.opts.SearchEndpoint, query)
	if err != nil {
		return nil, err
	}
	st, err := d.opener.Open(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("opening search stream: %w", err)
	}

	id := uuid.New()
	d.post(func() {
		d.searches[id] = st
		snap := d.acc.Start(id, query)
		d.publish(Update{Kind: KindSearch, Session: snap})
	})
	go d.pumpSearch(id, st)

	return &SearchSession{ID: id, d: d}, nil
}

// EndSearch destroys a session's accumulated state once the consumer is done
// with it. Equivalent to Cancel for a session that already terminated.
func (d *Dispatcher) EndSearch(s *SearchSession) {
	if s != nil {
		s.Cancel()
	}
}

func searchURL(endpoint, query string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ── shared registry feed ──────────────────────────────────────────────────────

func (d *Dispatcher) openFeed() {
	if d.feed != nil || d.opts.Endpoint == "" {
		return
	}
	st, err := d.opener.Open(context.Background(), d.opts.Endpoint)
	if err != nil {
		slog.Error("failed to open registry feed", "endpoint", d.opts.Endpoint, "error", err)
		return
	}
	d.feed = st
	d.feedGen++
	go d.pumpFeed(st, d.feedGen)
}

func (d *Dispatcher) closeFeed() {
	if d.feed != nil {
		d.feed.Close()
		d.feed = nil
	}
	// Invalidate in-flight frames from the old feed and drop toast state:
	// its timers are cancelled and a later first-subscriber starts fresh.
	d.feedGen++
	d.queue.CancelAll()
	d.queue = d.newQueue()
}

// pumpFeed forwards frames and status from the transport onto the run loop.
// It never touches dispatcher state directly.
func (d *Dispatcher) pumpFeed(st stream.Stream, gen int) {
	frames, status := st.Frames(), st.Status()
	for frames != nil || status != nil {
		select {
		case fr, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			d.post(func() { d.handleFeedFrame(gen, fr) })
		case s, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			d.post(func() { d.handleFeedStatus(gen, s) })
		}
	}
}

func (d *Dispatcher) handleFeedFrame(gen int, fr stream.Frame) {
	if gen != d.feedGen {
		return
	}
	ev, err := event.Decode(fr.Data, fr.ReceivedAt)
	if err != nil {
		d.diagnostic(err)
		return
	}
	reg, ok := ev.(event.RegistryEvent)
	if !ok {
		d.diagnostic(fmt.Errorf("registry feed: dropping %q event", ev.EventType()))
		return
	}
	d.queue.Enqueue(reg)
}

func (d *Dispatcher) handleFeedStatus(gen int, s stream.Status) {
	if gen != d.feedGen {
		return
	}
	if s.Phase == stream.PhaseUnavailable {
		slog.Error("registry feed unavailable", "attempts", s.Attempt, "error", s.Err)
	}
	d.publish(Update{Kind: KindStream, Stream: &s})
}

// ── search sessions ───────────────────────────────────────────────────────────

func (d *Dispatcher) pumpSearch(id uuid.UUID, st stream.Stream) {
	frames, status := st.Frames(), st.Status()
	for frames != nil || status != nil {
		select {
		case fr, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			d.post(func() { d.handleSearchFrame(id, fr) })
		case s, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			d.post(func() { d.handleSearchStatus(id, s) })
		}
	}
}

func (d *Dispatcher) handleSearchFrame(id uuid.UUID, fr stream.Frame) {
	ev, err := event.Decode(fr.Data, fr.ReceivedAt)
	if err != nil {
		d.diagnostic(err)
		return
	}

	snap, err := d.acc.Apply(id, ev)
	switch {
	case errors.Is(err, search.ErrUnknownSession):
		// Cancelled or already ended; drop silently.
		return
	case err != nil:
		d.metrics.ProtocolViolations.Inc()
		d.diagnostic(err)
		return
	}

	d.publish(Update{Kind: KindSearch, Session: snap})
	if snap.Terminal() {
		d.closeSearchStream(id)
	}
}

func (d *Dispatcher) handleSearchStatus(id uuid.UUID, s stream.Status) {
	if _, ok := d.searches[id]; !ok {
		return
	}
	if s.Phase == stream.PhaseUnavailable {
		slog.Error("search stream unavailable", "session", id, "attempts", s.Attempt, "error", s.Err)
	}
	d.publish(Update{Kind: KindStream, Stream: &s, SessionID: id})
}

func (d *Dispatcher) closeSearchStream(id uuid.UUID) {
	if st, ok := d.searches[id]; ok {
		st.Close()
		delete(d.searches, id)
	}
}

// ── fan-out ───────────────────────────────────────────────────────────────────

func (d *Dispatcher) publishNotifications(trigger event.Type) {
	d.publish(Update{
		Kind:          KindNotifications,
		Trigger:       trigger,
		Notifications: d.queue.Items(),
	})
}

func (d *Dispatcher) publishRemoval(item notification.Item) {
	d.publish(Update{
		Kind:    KindRemoval,
		Trigger: item.Event.EventType(),
		Removed: &item,
	})
}

func (d *Dispatcher) publish(u Update) {
	for _, sub := range d.subs {
		if sub.filter != nil && !sub.filter(u) {
			continue
		}
		d.send(sub, u)
	}
}

// send never blocks the loop: a full subscriber buffer drops the update and
// counts it.
func (d *Dispatcher) send(sub *Subscription, u Update) {
	select {
	case sub.ch <- u:
		d.metrics.UpdatesFannedOut.Inc()
	default:
		d.metrics.DroppedDeliveries.Inc()
		slog.Warn("subscriber buffer full, dropping update", "subscription", sub.ID, "kind", u.Kind)
	}
}

func (d *Dispatcher) diagnostic(err error) {
	var decodeErr *event.DecodeError
	if errors.As(err, &decodeErr) {
		d.metrics.DecodeFailures.Inc()
	}
	slog.Warn("stream diagnostic", "error", err)
	if d.opts.OnDiagnostic != nil {
		d.opts.OnDiagnostic(err)
	}
}
