package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is a lifecycle event published by the gateway.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	RequestID    string `json:"request_id,omitempty"`
	Operation    string `json:"operation,omitempty"`
	TargetSystem string `json:"target_system,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	Stage        string `json:"stage,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRequestReceived    = "provisioning.received"
	EventTypeAttributesComputed = "provisioning.attributes_computed"
	EventTypeBackendApplied     = "provisioning.backend_applied"
	EventTypeAudited            = "provisioning.audited"
	EventTypeRequestFailed      = "provisioning.failed"
	EventTypeRulesReloaded      = "rules.reloaded"
	EventTypeRulesReloadFailed  = "rules.reload_failed"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions. A nil
// publisher or one built with events disabled drops every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if len(cfg.Types) > 0 {
		ep.AddFilter(FilterByType(cfg.Types...))
	}
	if len(cfg.Targets) > 0 {
		ep.AddFilter(FilterByTarget(cfg.Targets...))
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishStage publishes a provisioning stage transition.
func (ep *EventPublisher) PublishStage(eventType, requestID, operation, target, accountID, stage string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:         eventType,
		Source:       "provisioning",
		RequestID:    requestID,
		Operation:    operation,
		TargetSystem: target,
		AccountID:    accountID,
		Stage:        stage,
		Message:      fmt.Sprintf("%s %s on %s reached %s", operation, accountID, target, stage),
		Level:        EventLevelInfo,
		Data:         data,
	})
}

// PublishRequestFailed publishes a failed provisioning request.
func (ep *EventPublisher) PublishRequestFailed(requestID, operation, target, accountID, stage, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeRequestFailed,
		Source:       "provisioning",
		RequestID:    requestID,
		Operation:    operation,
		TargetSystem: target,
		AccountID:    accountID,
		Stage:        stage,
		Message:      fmt.Sprintf("%s %s on %s failed at %s: %s", operation, accountID, target, stage, reason),
		Level:        EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRulesReloaded publishes the outcome of a rules reload.
func (ep *EventPublisher) PublishRulesReloaded(source string, version uint64, duration time.Duration, err error) error {
	if err != nil {
		return ep.Publish(Event{
			Type:    EventTypeRulesReloadFailed,
			Source:  "rules",
			Message: fmt.Sprintf("Reload of %s failed, keeping version %d: %v", source, version, err),
			Level:   EventLevelError,
			Data: map[string]interface{}{
				"source":  source,
				"version": version,
				"error":   err.Error(),
			},
		})
	}
	return ep.Publish(Event{
		Type:    EventTypeRulesReloaded,
		Source:  "rules",
		Message: fmt.Sprintf("Rules version %d loaded from %s", version, source),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"source":   source,
			"version":  version,
			"duration": duration.Seconds(),
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer, delivering full batches immediately and
// partial batches every FlushInterval.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent calls every matching subscriber in order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown delivers buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByTarget creates a filter that only allows provisioning events for
// the given target systems. Events not tied to a system always pass.
func FilterByTarget(systems ...string) EventFilter {
	targets := make(map[string]bool, len(systems))
	for _, s := range systems {
		targets[s] = true
	}

	return func(event Event) bool {
		return event.TargetSystem == "" || targets[event.TargetSystem]
	}
}

// LogSubscriber writes each event as one log line, at the level matching
// the event's severity.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		var entry *zerolog.Event
		switch event.Level {
		case EventLevelError:
			entry = logger.Error()
		case EventLevelWarning:
			entry = logger.Warn()
		default:
			entry = logger.Info()
		}

		entry = entry.
			Str("event_id", event.ID).
			Str("event_type", event.Type).
			Str("source", event.Source)
		if event.RequestID != "" {
			entry = entry.
				Str("request_id", event.RequestID).
				Str("operation", event.Operation).
				Str("target_system", event.TargetSystem).
				Str("account_id", event.AccountID).
				Str("stage", event.Stage)
		}
		if len(event.Data) > 0 {
			entry = entry.Fields(event.Data)
		}
		entry.Msg(event.Message)
	}
}
