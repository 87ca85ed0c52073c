// Package notification defines the toast item the explorer UI renders for
// registry events, with an explicit three-state lifecycle so the exit
// animation can be driven by scheduled callbacks instead of render-side
// timers.
package notification

import (
	"time"

	"github.com/alanyang/agent-feed/internal/domain/event"
)

type Lifecycle string

const (
	// Active items are visible and may carry an auto-dismiss timer.
	Active Lifecycle = "active"
	// Exiting items are playing their exit animation; no longer dedup targets.
	Exiting Lifecycle = "exiting"
	// Removed items have been dropped from the queue.
	Removed Lifecycle = "removed"
)

// Item wraps one registry event for display.
type Item struct {
	// ID is stable across repeated occurrences of the same logical
	// notification: event type + the event's natural key.
	ID         string
	Event      event.RegistryEvent
	Lifecycle  Lifecycle
	EnqueuedAt time.Time
	// ExpiresAt is nil when auto-dismiss is disabled.
	ExpiresAt *time.Time
}

// ItemID derives the stable dedup identity for a registry event.
func ItemID(e event.RegistryEvent) string {
	return string(e.EventType()) + ":" + e.NaturalKey()
}
