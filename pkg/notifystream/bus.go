// Package notifystream fans persisted notifications out to subscribed
// delivery sinks (UI refresh, OS alerts) without locks. Channels keep the
// single producer and its consumers decoupled so a stalled sink can never
// block the polling loop.
package notifystream

import (
	"context"
	"log"

	"safetrack/pkg/database"
	"safetrack/pkg/notification"
)

// Bus is a single-producer/multi-consumer broadcaster. Each subscriber
// carries its own viewer context; redaction happens at delivery time so the
// same stored record can be projected differently per audience.
type Bus struct {
	publish     chan database.Notification
	subscribe   chan subscription
	unsubscribe chan subscription
	logf        func(string, ...any)
}

type subscription struct {
	viewer notification.Viewer
	ch     chan database.Notification
}

// NewBus constructs a broadcaster dedicated to notification fan-out.
// The goroutine never stops because it is tied to the process lifetime and
// relies on caller contexts to prune subscribers.
func NewBus(buffer int, logf func(string, ...any)) *Bus {
	if logf == nil {
		logf = log.Printf
	}
	b := &Bus{
		publish:     make(chan database.Notification, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		logf:        logf,
	}

	go b.run()
	return b
}

// Publish hands a persisted notification to all current subscribers.
// The buffered channel preserves within-tick ordering; once the buffer is
// full the event is dropped for delivery only; it is already durable in the
// store, so nothing is lost that cannot be re-read.
func (b *Bus) Publish(n database.Notification) {
	select {
	case b.publish <- n:
	default:
		b.logf("notifystream: bus saturated, dropping delivery of notification %d", n.ID)
	}
}

// Subscribe registers a sink with its viewer context. The returned channel
// closes when the provided context ends. Events arrive already redacted for
// this viewer.
func (b *Bus) Subscribe(ctx context.Context, viewer notification.Viewer, buffer int) <-chan database.Notification {
	ch := make(chan database.Notification, buffer)
	req := subscription{viewer: viewer, ch: ch}

	b.subscribe <- req

	go func() {
		<-ctx.Done()
		b.unsubscribe <- req
		close(ch)
	}()

	return ch
}

func (b *Bus) run() {
	var listeners []subscription

	for {
		select {
		case req := <-b.subscribe:
			listeners = append(listeners, req)
		case req := <-b.unsubscribe:
			filtered := listeners[:0]
			for _, existing := range listeners {
				if existing.ch != req.ch {
					filtered = append(filtered, existing)
				}
			}
			listeners = filtered
		case n := <-b.publish:
			for _, sub := range listeners {
				redacted := notification.Redact(n, sub.viewer, b.logf)
				// Non-blocking send: a slow sink loses this delivery rather
				// than stalling every other subscriber.
				select {
				case sub.ch <- redacted:
				default:
				}
			}
		}
	}
}
