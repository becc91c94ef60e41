// Package events delivers change request, policy and graph events to
// in-process subscribers. The event log is one such subscriber.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/changegate/internal/models"
)

var (
	ErrInvalidSubscriptionID = errors.New("subscription ID is required")
	ErrNilHandler            = errors.New("handler cannot be nil")
	ErrSubscriptionExists    = errors.New("subscription already exists")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
)

// Handler receives a matching event on the publishing goroutine.
type Handler func(event *models.Event)

// Filter selects events for a subscription. Empty fields match everything;
// set fields must all match.
type Filter struct {
	Types        []models.EventType
	TypePrefixes []string // "change." matches every change.* event
	EntityTypes  []models.EntityType
	EntityID     string
	DeviceID     string
}

// Matches reports whether event passes the filter.
func (f Filter) Matches(event *models.Event) bool {
	switch {
	case event == nil:
		return false
	case len(f.Types) > 0 && !slices.Contains(f.Types, event.Type):
		return false
	case len(f.TypePrefixes) > 0 && !slices.ContainsFunc(f.TypePrefixes, func(prefix string) bool {
		return strings.HasPrefix(string(event.Type), prefix)
	}):
		return false
	case len(f.EntityTypes) > 0 && !slices.Contains(f.EntityTypes, event.EntityType):
		return false
	case f.EntityID != "" && event.EntityID != f.EntityID:
		return false
	case f.DeviceID != "" && event.DeviceID() != f.DeviceID:
		return false
	}
	return true
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, event *models.Event)
	Subscribe(id string, filter Filter, handler Handler) error
	Unsubscribe(id string) error
	SubscriberCount() int
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

// InMemoryPublisher delivers synchronously, in subscription order. A
// panicking handler is logged and does not stop delivery to the others.
type InMemoryPublisher struct {
	mu     sync.RWMutex
	subs   []subscription
	logger zerolog.Logger
}

// PublisherOption configures an InMemoryPublisher.
type PublisherOption func(*InMemoryPublisher)

// WithLogger sets the logger for delivery traces and handler panics.
func WithLogger(logger zerolog.Logger) PublisherOption {
	return func(p *InMemoryPublisher) {
		p.logger = logger
	}
}

func NewInMemoryPublisher(opts ...PublisherOption) *InMemoryPublisher {
	p := &InMemoryPublisher{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *InMemoryPublisher) Publish(_ context.Context, event *models.Event) {
	if event == nil {
		return
	}

	p.mu.RLock()
	var targets []subscription
	for _, sub := range p.subs {
		if sub.filter.Matches(event) {
			targets = append(targets, sub)
		}
	}
	p.mu.RUnlock()

	p.logger.Debug().
		Str("event_type", string(event.Type)).
		Str("entity_id", event.EntityID).
		Int("subscribers", len(targets)).
		Msg("event published")

	for _, sub := range targets {
		p.deliver(sub, event)
	}
}

func (p *InMemoryPublisher) deliver(sub subscription, event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("subscription", sub.id).
				Str("event_type", string(event.Type)).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")
		}
	}()
	sub.handler(event)
}

func (p *InMemoryPublisher) Subscribe(id string, filter Filter, handler Handler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.indexLocked(id) >= 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionExists, id)
	}
	p.subs = append(p.subs, subscription{id: id, filter: filter, handler: handler})
	return nil
}

func (p *InMemoryPublisher) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	p.subs = slices.Delete(p.subs, i, i+1)
	return nil
}

func (p *InMemoryPublisher) indexLocked(id string) int {
	return slices.IndexFunc(p.subs, func(sub subscription) bool { return sub.id == id })
}

func (p *InMemoryPublisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Close drops every subscription.
func (p *InMemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = nil
}

// NewEvent stamps a new event with an ID and the current time. A payload
// that cannot be encoded is left out.
func NewEvent(eventType models.EventType, entityType models.EntityType, entityID string, payload any, metadata map[string]string) *models.Event {
	event := &models.Event{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Metadata:   metadata,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			event.Payload = data
		}
	}
	return event
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *models.Event)  {}
func (NopPublisher) Subscribe(string, Filter, Handler) error { return nil }
func (NopPublisher) Unsubscribe(string) error                { return nil }
func (NopPublisher) SubscriberCount() int                    { return 0 }
