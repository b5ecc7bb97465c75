package core

import "time"

// EventType names a structured run event.
type EventType string

// Run events
const (
	EventRunStarted           EventType = "run_started"
	EventStepStarted          EventType = "step_started"
	EventStepFinished         EventType = "step_finished"
	EventStepSkipped          EventType = "step_skipped"
	EventError                EventType = "error"
	EventAuthFailureDetected  EventType = "auth_failure_detected"
	EventAuthRecoveryStarted  EventType = "auth_recovery_started"
	EventAuthRecoveryFinished EventType = "auth_recovery_finished"
	EventAuthRecoveryExhaust  EventType = "auth_recovery_exhausted"
	EventRunFinished          EventType = "run_finished"
	EventWarning              EventType = "warning"
)

// Event is one structured entry for the caller's log sink.
type Event struct {
	Time    time.Time              `json:"ts"`
	Type    EventType              `json:"type"`
	StepID  string                 `json:"stepId,omitempty"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, stepID, msg string, data map[string]interface{}) Event {
	return Event{Time: time.Now(), Type: t, StepID: stepID, Message: msg, Data: data}
}

// NopSink discards events.
type NopSink struct{}

// Emit does nothing
func (NopSink) Emit(Event) {}

// EmitTo sends an event to sink, tolerating a nil sink.
func EmitTo(sink EventSink, t EventType, stepID, msg string, data map[string]interface{}) {
	if sink == nil {
		return
	}
	sink.Emit(NewEvent(t, stepID, msg, data))
}
