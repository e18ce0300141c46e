// Package stream serves a run's recorded timeline to subscribers as a lazy
// event sequence: a live-paced replay for recently created runs, an
// immediate flush for historical ones. Each subscription is an independent
// goroutine that suspends only at timer waits and observes cancellation at
// every suspension point.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventKind discriminates the wire events.
type EventKind string

const (
	EventLog    EventKind = "log"
	EventStatus EventKind = "status"
	EventPing   EventKind = "ping"
)

// Event is one element of the subscription sequence. Data is JSON, ready for
// an SSE data line.
type Event struct {
	Kind EventKind
	Data json.RawMessage
}

// Options tune subscription pacing. Zero values fall back to the defaults.
type Options struct {
	// LiveWindow selects live-paced replay for runs created within it.
	LiveWindow time.Duration
	// MaxLogDelay caps the per-log wait so far-future logs never stall the UI.
	MaxLogDelay time.Duration
	// PingInterval spaces heartbeat events for the lifetime of the stream.
	PingInterval time.Duration
	// GracePeriod is the pause between the last live-paced log and the
	// status event.
	GracePeriod time.Duration
	// CloseDelay is the pause between the status event and stream close.
	CloseDelay time.Duration
	// Clock overrides the wall clock, for tests.
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.LiveWindow <= 0 {
		o.LiveWindow = 30 * time.Second
	}
	if o.MaxLogDelay <= 0 {
		o.MaxLogDelay = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 15 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 250 * time.Millisecond
	}
	if o.CloseDelay <= 0 {
		o.CloseDelay = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

var activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "runboard",
	Name:      "stream_subscriptions_active",
	Help:      "Currently open run event streams.",
})

// Subscription is one observer's view of a run timeline. Events arrive on
// Events until the server closes the channel; Close detaches early and is
// safe to call any number of times.
type Subscription struct {
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe replays snap to a new subscription. The returned subscription is
// independent of any other subscriber to the same run; it never mutates the
// snapshot.
func Subscribe(ctx context.Context, snap *Snapshot, opts Options) *Subscription {
	s := &Subscription{
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go s.run(ctx, snap, opts.withDefaults())
	return s
}

// Events returns the channel the server delivers events on. The channel is
// closed by the server, never by the subscriber.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close detaches the subscriber. All pending timers for this subscription
// stop at the next suspension point. Double-close is a no-op.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Subscription) run(ctx context.Context, snap *Snapshot, opts Options) {
	activeSubscriptions.Inc()
	defer activeSubscriptions.Dec()
	defer close(s.events)

	ping := time.NewTicker(opts.PingInterval)
	defer ping.Stop()

	attachedAt := opts.Clock()
	live := attachedAt.Sub(snap.CreatedAt) <= opts.LiveWindow && len(snap.Logs) > 0

	replayStart := snap.CreatedAt
	if snap.StartedAt != nil {
		replayStart = *snap.StartedAt
	}

	for _, entry := range snap.Logs {
		if live {
			offset := entry.Timestamp.Sub(replayStart)
			elapsed := opts.Clock().Sub(attachedAt)
			delay := offset - elapsed
			if delay < 0 {
				// Never emit early; drift only ever shortens the wait.
				delay = 0
			}
			if delay > opts.MaxLogDelay {
				delay = opts.MaxLogDelay
			}
			if !s.wait(ctx, ping, delay) {
				return
			}
		}
		if !s.send(ctx, Event{Kind: EventLog, Data: entry.encode()}) {
			return
		}
	}

	if live {
		if !s.wait(ctx, ping, opts.GracePeriod) {
			return
		}
	}

	if !s.send(ctx, Event{Kind: EventStatus, Data: snap.encodeStatus()}) {
		return
	}

	// Brief pause so transports can deliver the status event before EOF.
	s.wait(ctx, ping, opts.CloseDelay)
}

// wait sleeps for d, emitting heartbeats as the ticker fires. Returns false
// once the subscriber detached or the context was cancelled.
func (s *Subscription) wait(ctx context.Context, ping *time.Ticker, d time.Duration) bool {
	if d <= 0 {
		return s.alive(ctx)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return true
		case <-ping.C:
			if !s.send(ctx, Event{Kind: EventPing, Data: json.RawMessage(`{}`)}) {
				return false
			}
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		}
	}
}

// send delivers one event unless the subscriber is gone.
func (s *Subscription) send(ctx context.Context, evt Event) bool {
	select {
	case s.events <- evt:
		return true
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

func (s *Subscription) alive(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.done:
		return false
	default:
		return true
	}
}
