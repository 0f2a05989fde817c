package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Event represents a telemetry event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// DeploymentID is the associated deployment, if any.
	DeploymentID string `json:"deployment_id,omitempty"`

	// OperationID is the associated operation, if any.
	OperationID string `json:"operation_id,omitempty"`

	// Component is the associated "service" or "service_component" name.
	Component string `json:"component,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypePlanComputed        = "plan.computed"
	EventTypeDeploymentStarted   = "deployment.started"
	EventTypeDeploymentCompleted = "deployment.completed"
	EventTypeDeploymentFailed    = "deployment.failed"
	EventTypeOperationCompleted  = "operation.completed"
	EventTypeOperationFailed     = "operation.failed"
	EventTypeOperationSkipped    = "operation.skipped"
	EventTypeComponentCompleted  = "component.completed"
	EventTypeComponentFailed     = "component.failed"
	EventTypePolicyViolation     = "policy.violation"
	EventTypeConfigChanged       = "config.changed"
	EventTypeError               = "error"
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

// EventPublisher manages event publishing and subscriptions. Subscribers
// see events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
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
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishPlanComputed publishes a plan computed event.
func (ep *EventPublisher) PublishPlanComputed(plan *engine.Plan) error {
	changed := make([]string, 0, len(plan.Changed()))
	for _, sc := range plan.Changed() {
		changed = append(changed, sc.String())
	}
	return ep.Publish(Event{
		Type:    EventTypePlanComputed,
		Source:  "planner",
		Message: fmt.Sprintf("Plan %s computed with %d operations", plan.ID, plan.Len()),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"plan_id":    plan.ID,
			"mode":       string(plan.Mode),
			"operations": plan.Len(),
			"changed":    changed,
		},
	})
}

// PublishDeploymentStarted publishes a deployment started event.
func (ep *EventPublisher) PublishDeploymentStarted(record *engine.DeploymentRecord) error {
	return ep.Publish(Event{
		Type:         EventTypeDeploymentStarted,
		Source:       "runner",
		DeploymentID: record.ID,
		Message:      fmt.Sprintf("Deployment %s started with %d operations", record.ID, len(record.Operations)),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"plan_id": record.PlanID,
			"mode":    string(record.Mode),
			"dry_run": record.DryRun,
		},
	})
}

// PublishDeploymentFinished publishes a completed or failed event for a
// terminal deployment.
func (ep *EventPublisher) PublishDeploymentFinished(record *engine.DeploymentRecord) error {
	event := Event{
		Type:         EventTypeDeploymentCompleted,
		Source:       "runner",
		DeploymentID: record.ID,
		Message:      fmt.Sprintf("Deployment %s finished with state %s", record.ID, record.State),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"state":    string(record.State),
			"duration": record.Duration().Seconds(),
		},
	}
	if record.State == engine.DeploymentFailure {
		event.Type = EventTypeDeploymentFailed
		event.Level = EventLevelError
	}
	return ep.Publish(event)
}

// PublishOutcome publishes an event for one deployment outcome.
func (ep *EventPublisher) PublishOutcome(outcome engine.Outcome) error {
	switch outcome.Kind() {
	case engine.OutcomeKindComponent:
		c := outcome.Component
		sc := c.ServiceComponent()
		event := Event{
			Type:         EventTypeComponentCompleted,
			Source:       "runner",
			DeploymentID: c.DeploymentID,
			Component:    sc.String(),
			Message:      fmt.Sprintf("Component %s finished with %s", sc, c.State),
			Level:        EventLevelInfo,
			Data: map[string]interface{}{
				"state":   string(c.State),
				"version": string(c.Version),
			},
		}
		if c.State != engine.OutcomeSuccess {
			event.Type = EventTypeComponentFailed
			event.Level = EventLevelError
		}
		return ep.Publish(event)
	default:
		op := outcome.Operation
		event := Event{
			Type:         EventTypeOperationCompleted,
			Source:       "runner",
			DeploymentID: op.DeploymentID,
			OperationID:  string(op.OperationID),
			Component:    engine.ServiceComponent{Service: op.Service, Component: op.Component}.String(),
			Message:      fmt.Sprintf("Operation %s finished with %s", op.OperationID, op.State),
			Level:        EventLevelInfo,
			Data: map[string]interface{}{
				"sequence": op.Sequence,
				"action":   string(op.Action),
				"duration": op.EndedAt.Sub(op.StartedAt).Seconds(),
			},
		}
		switch op.State {
		case engine.OutcomeFailure:
			event.Type = EventTypeOperationFailed
			event.Level = EventLevelError
			event.Data["diagnostics"] = op.Diagnostics
		case engine.OutcomeSkipped:
			event.Type = EventTypeOperationSkipped
			event.Level = EventLevelWarning
			event.Data["diagnostics"] = op.Diagnostics
		}
		return ep.Publish(event)
	}
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(planID, operationID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypePolicyViolation,
		Source:      "policy_engine",
		OperationID: operationID,
		Message:     fmt.Sprintf("Policy %s violated by plan %s: %s", policyName, planID, reason),
		Level:       EventLevelError,
		Data: map[string]interface{}{
			"plan_id": planID,
			"policy":  policyName,
			"reason":  reason,
		},
	})
}

// PublishConfigChanged publishes a configuration change event.
func (ep *EventPublisher) PublishConfigChanged(files []string) error {
	return ep.Publish(Event{
		Type:    EventTypeConfigChanged,
		Source:  "watcher",
		Message: fmt.Sprintf("%d configuration files changed", len(files)),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"files": files,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in batches. A batch is flushed
// when it is full, when the flush interval elapses or on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	flush := func() {
		if len(batch) > 0 {
			ep.flushBatch(batch)
			batch = make([]Event, 0, ep.config.MaxBatchSize)
		}
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-tick:
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

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
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
	if !ep.config.Enabled {
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

// Common event filters.

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

// FilterByComponent creates a filter that only allows events for a specific component.
func FilterByComponent(component string) EventFilter {
	return func(event Event) bool {
		return event.Component == component
	}
}

// FilterAll creates a filter that allows events every filter allows. Nil
// filters are ignored.
func FilterAll(filters ...EventFilter) EventFilter {
	return func(event Event) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}
