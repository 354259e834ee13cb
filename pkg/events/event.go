package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published for every engine lifecycle change.
type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     time.Time              `json:"timestamp"`
	UserID        string                 `json:"userId"`
	Version       int                    `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      EventMetadata          `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlationId"`
	CausationID   string `json:"causationId"`
	TraceID       string `json:"traceId"`
	SpanID        string `json:"spanId"`
}

// EventBus publishes events and dispatches them to subscribed handlers.
// Subscribe patterns are an exact event type, a "family.*" prefix, or "*".
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(pattern string, handler EventHandler) error
	Close() error
}

type EventHandler func(ctx context.Context, event Event) error

// Execution lifecycle events.
const (
	ExecutionStarted         = "execution.started"
	ExecutionCompleted       = "execution.completed"
	ExecutionFailed          = "execution.failed"
	ExecutionCancelled       = "execution.cancelled"
	ExecutionPendingApproval = "execution.pending_approval"
	ExecutionApproved        = "execution.approved"
	ExecutionRejected        = "execution.rejected"
	ExecutionStateChanged    = "execution.state_changed"
)

// Node lifecycle events.
const (
	NodeStarted   = "node.started"
	NodeCompleted = "node.completed"
	NodeFailed    = "node.failed"
	NodeRetry     = "node.retry"
)

// Schedule events.
const (
	ScheduleCreated   = "schedule.created"
	ScheduleUpdated   = "schedule.updated"
	ScheduleDeleted   = "schedule.deleted"
	ScheduleTriggered = "schedule.triggered"
)

// StateChange builds the execution.state_changed event every status
// transition publishes alongside its specific lifecycle event.
func StateChange(executionID, from, to string) Event {
	return NewEventBuilder(ExecutionStateChanged).
		WithAggregateID(executionID).
		WithAggregateType("execution").
		WithPayload("from", from).
		WithPayload("to", to).
		Build()
}

// MatchPattern reports whether an event type matches a subscription pattern.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if n := len(pattern); n > 1 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return false
}

// EventBuilder assembles events fluently.
type EventBuilder struct {
	event Event
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Version:   1,
			Payload:   make(map[string]interface{}),
			Metadata:  EventMetadata{},
		},
	}
}

func (b *EventBuilder) WithAggregateID(id string) *EventBuilder {
	b.event.AggregateID = id
	return b
}

func (b *EventBuilder) WithAggregateType(aggregateType string) *EventBuilder {
	b.event.AggregateType = aggregateType
	return b
}

func (b *EventBuilder) WithUserID(userID string) *EventBuilder {
	b.event.UserID = userID
	return b
}

func (b *EventBuilder) WithPayload(key string, value interface{}) *EventBuilder {
	b.event.Payload[key] = value
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.Metadata.CorrelationID = id
	return b
}

func (b *EventBuilder) WithCausationID(id string) *EventBuilder {
	b.event.Metadata.CausationID = id
	return b
}

func (b *EventBuilder) WithTraceID(id string) *EventBuilder {
	b.event.Metadata.TraceID = id
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}
