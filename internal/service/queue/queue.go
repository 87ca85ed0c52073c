// Package queue holds the bounded, deduplicated, time-aware collection of
// notification items derived from registry events.
//
// The queue is not safe for concurrent use: exactly one dispatcher owns it
// and serializes every mutation, including scheduled timer callbacks, on its
// run loop.
package queue

import (
	"time"

	"github.com/alanyang/agent-feed/internal/domain/event"
	"github.com/alanyang/agent-feed/internal/domain/notification"
	"github.com/alanyang/agent-feed/internal/metric"
)

// Scheduler runs f after d and returns a cancel func. The default is
// time.AfterFunc; the owner must wrap it so f executes on the goroutine that
// owns the queue. Tests substitute a manually-stepped scheduler.
type Scheduler func(d time.Duration, f func()) (cancel func())

func afterFunc(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

type Config struct {
	// AutoDismiss is the active lifetime before the exit animation starts.
	// Zero disables auto-dismiss: items stay active until dismissed.
	AutoDismiss time.Duration
	// ExitAfter is the animation window between exiting and removed.
	ExitAfter time.Duration
	// MaxSize bounds the number of active items; exceeding it force-exits
	// the oldest active item.
	MaxSize int
	// OnChange fires after every visible mutation, with the event type that
	// triggered it (empty for timer-driven transitions).
	OnChange func(trigger event.Type)
	// OnRemoved fires when an item completes its lifecycle.
	OnRemoved func(item notification.Item)

	Schedule Scheduler
	Now      func() time.Time
}

type Queue struct {
	cfg     Config
	metrics *metric.Metrics

	// items keeps arrival order and holds both active and exiting entries.
	items   []*notification.Item
	cancels map[*notification.Item]func()
}

func New(cfg Config) *Queue {
	if cfg.Schedule == nil {
		cfg.Schedule = afterFunc
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.OnChange == nil {
		cfg.OnChange = func(event.Type) {}
	}
	if cfg.OnRemoved == nil {
		cfg.OnRemoved = func(notification.Item) {}
	}
	return &Queue{
		cfg:     cfg,
		metrics: metric.Default(),
		cancels: make(map[*notification.Item]func()),
	}
}

// Enqueue folds a registry event into the queue. A new occurrence of an id
// that is already active replaces that item's payload and resets its expiry
// timer; identity is the derived id, not payload equality. When the active
// count would exceed MaxSize, the oldest active item is forced into exiting.
func (q *Queue) Enqueue(e event.RegistryEvent) {
	id := notification.ItemID(e)

	if existing := q.findActive(id); existing != nil {
		existing.Event = e
		q.resetExpiry(existing)
		q.cfg.OnChange(e.EventType())
		return
	}

	if q.cfg.MaxSize > 0 && q.activeCount() >= q.cfg.MaxSize {
		if oldest := q.oldestActive(); oldest != nil {
			q.startExit(oldest)
		}
	}

	item := &notification.Item{
		ID:         id,
		Event:      e,
		Lifecycle:  notification.Active,
		EnqueuedAt: q.cfg.Now(),
	}
	q.items = append(q.items, item)
	q.scheduleExpiry(item)
	q.metrics.ActiveNotifications.Set(float64(len(q.items)))
	q.cfg.OnChange(e.EventType())
}

// Dismiss short-circuits the auto-dismiss timer and starts the exit
// animation. Unknown or already-exiting ids are a no-op.
func (q *Queue) Dismiss(id string) {
	if item := q.findActive(id); item != nil {
		q.startExit(item)
		q.cfg.OnChange("")
	}
}

// Items returns a snapshot of active and exiting items in arrival order.
func (q *Queue) Items() []notification.Item {
	out := make([]notification.Item, len(q.items))
	for i, item := range q.items {
		out[i] = *item
	}
	return out
}

// CancelAll stops every pending timer. Called when the feed shuts down.
func (q *Queue) CancelAll() {
	for _, cancel := range q.cancels {
		cancel()
	}
	q.cancels = make(map[*notification.Item]func())
}

func (q *Queue) findActive(id string) *notification.Item {
	for _, item := range q.items {
		if item.ID == id && item.Lifecycle == notification.Active {
			return item
		}
	}
	return nil
}

func (q *Queue) activeCount() int {
	n := 0
	for _, item := range q.items {
		if item.Lifecycle == notification.Active {
			n++
		}
	}
	return n
}

func (q *Queue) oldestActive() *notification.Item {
	for _, item := range q.items {
		if item.Lifecycle == notification.Active {
			return item
		}
	}
	return nil
}

func (q *Queue) scheduleExpiry(item *notification.Item) {
	if q.cfg.AutoDismiss <= 0 {
		item.ExpiresAt = nil
		return
	}
	expires := q.cfg.Now().Add(q.cfg.AutoDismiss)
	item.ExpiresAt = &expires
	q.cancels[item] = q.cfg.Schedule(q.cfg.AutoDismiss, func() {
		if item.Lifecycle == notification.Active {
			q.startExit(item)
			q.cfg.OnChange("")
		}
	})
}

func (q *Queue) resetExpiry(item *notification.Item) {
	if cancel, ok := q.cancels[item]; ok {
		cancel()
		delete(q.cancels, item)
	}
	q.scheduleExpiry(item)
}

// startExit moves an active item to exiting and schedules its removal after
// the animation window.
func (q *Queue) startExit(item *notification.Item) {
	if item.Lifecycle != notification.Active {
		return
	}
	if cancel, ok := q.cancels[item]; ok {
		cancel()
		delete(q.cancels, item)
	}
	item.Lifecycle = notification.Exiting
	q.cancels[item] = q.cfg.Schedule(q.cfg.ExitAfter, func() {
		q.remove(item)
	})
}

func (q *Queue) remove(item *notification.Item) {
	delete(q.cancels, item)
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	item.Lifecycle = notification.Removed
	q.metrics.ActiveNotifications.Set(float64(len(q.items)))
	q.cfg.OnRemoved(*item)
	q.cfg.OnChange("")
}
