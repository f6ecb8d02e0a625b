package domain

import (
	"time"
)

type EventType string

const (
	UserRegistered EventType = "UserRegistered"
	UserDeleted    EventType = "UserDeleted"

	FolderCreated EventType = "FolderCreated"
	FolderDeleted EventType = "FolderDeleted"
	FolderShared  EventType = "FolderShared"

	ImagesUploaded  EventType = "ImagesUploaded"
	SearchPerformed EventType = "SearchPerformed"
	SearchRejected  EventType = "SearchRejected" // breaker open, surfaced as 503

	EmbedBatchSent         EventType = "EmbedBatchSent"
	EmbedQueuedForRetry    EventType = "EmbedQueuedForRetry"
	DeletionQueuedForRetry EventType = "DeletionQueuedForRetry"
	RetrySucceeded         EventType = "RetrySucceeded"
	RetryExhausted         EventType = "RetryExhausted"

	BreakerStateChanged EventType = "BreakerStateChanged"

	SessionsPurged EventType = "SessionsPurged"
)

// Event is a fire-and-forget in-process notification. The event bus does not
// persist events; durable state lives in the retry queue tables.
type Event struct {
	EventType EventType              `json:"event_type"`
	EventData map[string]interface{} `json:"event_data"`
	CreatedAt time.Time              `json:"created_at"`
	UserID    int64                  `json:"user_id,omitempty"`
}

// NewEvent builds an event with the creation time set.
func NewEvent(eventType EventType, data map[string]interface{}) Event {
	return Event{
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Type-safe event data accessors
// These helpers provide compile-time safety when extracting data from events.
// =============================================================================

// GetString safely extracts a string field from EventData.
// Returns the value and true if found and is a string, otherwise empty string and false.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 safely extracts an int64 field from EventData.
// Handles both int64 and float64 (JSON unmarshaling produces float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 safely extracts a float64 field from EventData.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
