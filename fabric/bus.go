package fabric

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler consumes a delivered event. A returned error (or a panic) is
// isolated: it is logged, reported in the publish outcome and echoed as a
// handler.error event, never re-raised to the publisher.
type Handler func(Event) error

// Filter is evaluated before the handler. A filter that panics is treated
// as "does not match" (fails closed).
type Filter func(Event) bool

// SubscriberOutcome records what happened to one subscriber during a single
// publish call.
type SubscriberOutcome struct {
	SubscriptionID string `json:"subscription_id"`
	Delivered      bool   `json:"delivered"`
	Filtered       bool   `json:"filtered"`
	Error          string `json:"error,omitempty"`
}

// PublishOutcome is the per-subscriber delivery record for one publish call.
type PublishOutcome struct {
	EventID     string              `json:"event_id"`
	Subscribers []SubscriberOutcome `json:"subscribers"`
}

// subscriptionCounter generates unique subscription ids; an atomic counter
// avoids collisions under concurrent Subscribe calls.
var subscriptionCounter int64

type subscription struct {
	id      string
	typ     EventType
	handler Handler
	filter  Filter
}

// Bus is the in-process typed event bus. Subscriptions are reference-counted
// by subscription id, not handler identity: registering the same handler
// twice yields two independent, individually revocable subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]*subscription
	byID   map[string]*subscription
	closed bool

	logger *zap.Logger
	clock  func() time.Time
}

// NewBus creates a new event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[EventType][]*subscription),
		byID:   make(map[string]*subscription),
		logger: logger.With(zap.String("component", "event_bus")),
		clock:  time.Now,
	}
}

// NewEvent builds a valid event envelope for the given kind, stamping a
// fresh id and the current time.
func (b *Bus) NewEvent(source string, payload Payload) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      payload.Kind(),
		Timestamp: b.clock().UnixMilli(),
		Source:    source,
		Payload:   payload,
	}
}

// Subscribe registers a handler for one event type, with an optional filter.
// It returns the subscription id used for Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler Handler, filter ...Filter) string {
	var f Filter
	if len(filter) > 0 {
		f = filter[0]
	}
	sub := &subscription{
		id:      fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1)),
		typ:     eventType,
		handler: handler,
		filter:  f,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription by id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[subscriptionID]
	if !ok {
		return
	}
	delete(b.byID, subscriptionID)

	list := b.subs[sub.typ]
	for i, s := range list {
		if s.id == subscriptionID {
			b.subs[sub.typ] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.typ]) == 0 {
		delete(b.subs, sub.typ)
	}
}

// Publish validates the event and delivers it synchronously to every
// subscriber of its type, in subscription order. Malformed events fail with
// an INVALID_EVENT error and reach no subscriber. Handler failures are
// isolated per subscriber and reported in the returned outcome.
func (b *Bus) Publish(event Event) (*PublishOutcome, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, fmt.Errorf("bus is closed")
	}
	b.mu.RUnlock()

	if err := event.Validate(b.clock()); err != nil {
		b.logger.Warn("rejected malformed event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return nil, err
	}

	b.mu.RLock()
	targets := make([]*subscription, len(b.subs[event.Type]))
	copy(targets, b.subs[event.Type])
	b.mu.RUnlock()

	outcome := &PublishOutcome{EventID: event.ID}
	for _, sub := range targets {
		outcome.Subscribers = append(outcome.Subscribers, b.deliver(sub, event))
	}
	return outcome, nil
}

// deliver runs one subscriber's filter and handler with panic isolation.
func (b *Bus) deliver(sub *subscription, event Event) SubscriberOutcome {
	out := SubscriberOutcome{SubscriptionID: sub.id}

	if sub.filter != nil && !b.matches(sub.filter, event) {
		out.Filtered = true
		return out
	}

	err := b.invoke(sub.handler, event)
	if err != nil {
		out.Error = err.Error()
		b.logger.Error("event handler failed",
			zap.String("subscription_id", sub.id),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		// handler.error failures are logged only, never re-echoed.
		if event.Type != EventHandlerError {
			b.emitHandlerError(sub.id, event, err)
		}
		return out
	}

	out.Delivered = true
	return out
}

// matches evaluates a filter, treating a panic as "does not match".
func (b *Bus) matches(filter Filter, event Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event filter panicked, treating as no match",
				zap.String("event_id", event.ID),
				zap.Any("recover", r),
			)
			ok = false
		}
	}()
	return filter(event)
}

// invoke runs a handler, converting a panic into an error.
func (b *Bus) invoke(handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(event)
}

func (b *Bus) emitHandlerError(subscriptionID string, cause Event, handlerErr error) {
	evt := b.NewEvent("fabric", HandlerFailure{
		SubscriptionID: subscriptionID,
		EventID:        cause.ID,
		EventType:      cause.Type,
		Error:          handlerErr.Error(),
	})
	if _, err := b.Publish(evt); err != nil {
		b.logger.Warn("failed to publish handler.error event", zap.Error(err))
	}
}

// Close marks the bus closed; subsequent publishes fail. Subscriptions are
// left in place so a bus can be inspected after shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
