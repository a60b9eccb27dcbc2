// Package notify delivers operator notifications to Telegram and Discord.
// Publishing never blocks the trading loop: each notification is sent on its
// own goroutine under a timeout and failures are only logged.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Event names the kind of notification.
type Event string

const (
	EventPositionOpened  Event = "position_opened"
	EventPositionClosed  Event = "position_closed"
	EventAveraged        Event = "position_averaged"
	EventTakeProfitError Event = "take_profit_failed"
	EventOrderError      Event = "order_failed"
	EventRiskHalt        Event = "risk_halt"
	EventReconcile       Event = "reconcile_conflict"
	EventOrphanOrders    Event = "orphan_orders"
	EventPersistence     Event = "persistence_error"
	EventLifecycle       Event = "lifecycle"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans notifications out to every Sender. When an allow-list of
// events is configured, other events are dropped.
type Notifier struct {
	senders []Sender
	events  map[Event]bool
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

// NewNotifier creates a Notifier. An empty events slice allows every event;
// a non-positive timeout defaults to 10s.
func NewNotifier(senders []Sender, events []string, timeout time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[Event]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[Event(e)] = true
		}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether an event would be delivered.
func (n *Notifier) Enabled(event Event) bool {
	if n == nil || len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[event]
}

// Publish sends asynchronously and returns immediately. It is safe on a nil
// Notifier.
func (n *Notifier) Publish(event Event, title, message string) {
	if !n.Enabled(event) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.dispatch(ctx, title, message); err != nil {
			n.logger.Warn("notification dropped",
				slog.String("event", string(event)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Notify sends synchronously when the event is allowed.
func (n *Notifier) Notify(ctx context.Context, event Event, title, message string) error {
	if !n.Enabled(event) {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Flush waits for in-flight Publish calls, up to ctx.
func (n *Notifier) Flush(ctx context.Context) {
	if n == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// dispatch delivers to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
