package events

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fanoutFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "events_fanout_failures_total",
	Help: "In-process subscriber failures by event type.",
}, []string{"event_type"})

// Subscriber receives events published in-process, on the node that produced
// them. Delivery is best-effort: a returned error is logged and counted, never
// propagated to the publisher.
type Subscriber interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// Fanout is the in-process half of the composite publisher. The outbox is the
// durable sink; this one gives local subscribers (cache invalidation,
// diagnostics) the event without waiting for the dispatcher round trip.
type Fanout struct {
	log  *slog.Logger
	subs []Subscriber
}

func NewFanout(log *slog.Logger, subs ...Subscriber) *Fanout {
	return &Fanout{log: log, subs: subs}
}

// Subscribe adds a subscriber. Not safe to call concurrently with Publish.
func (f *Fanout) Subscribe(s Subscriber) {
	f.subs = append(f.subs, s)
}

// Publish hands each event to every subscriber. A nil fanout publishes to
// nobody. Subscriber errors and panics are absorbed here: the business
// transaction that produced the events has already committed.
func (f *Fanout) Publish(ctx context.Context, evs ...Event) {
	if f == nil {
		return
	}
	for _, ev := range evs {
		for _, sub := range f.subs {
			f.deliver(ctx, sub, ev)
		}
	}
}

func (f *Fanout) deliver(ctx context.Context, sub Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			fanoutFailuresTotal.WithLabelValues(ev.EventType()).Inc()
			f.log.ErrorContext(ctx, "in-process subscriber panicked",
				"event_type", ev.EventType(), "panic", r)
		}
	}()
	if err := sub.HandleEvent(ctx, ev); err != nil {
		fanoutFailuresTotal.WithLabelValues(ev.EventType()).Inc()
		f.log.WarnContext(ctx, "in-process subscriber failed",
			"event_type", ev.EventType(), "error", err)
	}
}
