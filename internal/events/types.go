// Package events provides the in-process pub/sub bus that fans newly
// appended audit entries and alerts out to connected dashboard sessions.
// Delivery is best-effort: the bus never owns persisted state, and a
// subscriber that reconnects pages the durable log for anything it missed.
package events

import "time"

// Kind identifies the category of event.
type Kind string

const (
	// KindLog carries a newly appended audit entry, abbreviated to its
	// display fields.
	KindLog Kind = "LOG"

	// KindAlert carries an incident or anomaly notification.
	KindAlert Kind = "ALERT"
)

// Event is the message passed through the bus.
type Event struct {
	Kind      Kind        `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// LogData is the payload for KindLog.
type LogData struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actorId"`
	ActorRole  string    `json:"actorRole"`
	Action     string    `json:"action"`
	EntityType string    `json:"entityType"`
	TargetID   string    `json:"targetId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Hash       string    `json:"hash"`
}

// AlertData is the payload for KindAlert.
type AlertData struct {
	IncidentID     string `json:"incidentId,omitempty"`
	Type           string `json:"alertType"`
	Message        string `json:"message"`
	RelatedEntryID string `json:"relatedEntryId,omitempty"`
}
