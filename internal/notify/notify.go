// Package notify delivers engine events to people: webhooks and desktop popups.
//
// Delivery is best effort. A failing sink is logged and never affects the
// transition that produced the event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/msageha/signoff/internal/events"
)

type Sink interface {
	Name() string
	Notify(ctx context.Context, e events.Event) error
}

// Attach subscribes every sink to all event types on bus and returns a function
// that detaches them.
func Attach(bus *events.Bus, logger *slog.Logger, timeout time.Duration, sinks ...Sink) func() {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	unsubs := make([]func(), 0, len(sinks))
	for _, s := range sinks {
		sink := s
		unsubs = append(unsubs, bus.Subscribe("notify:"+sink.Name(), func(e events.Event) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := sink.Notify(ctx, e); err != nil {
				logger.Warn("notification failed", "sink", sink.Name(), "event", e.Type, "request_id", e.RequestID, "error", err)
				return
			}
			logger.Debug("notification sent", "sink", sink.Name(), "event", e.Type, "request_id", e.RequestID)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
