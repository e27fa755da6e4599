package queue

import "time"

// Message is a unit of background work routed by its kind.
type Message interface {
	Kind() string
}

// KindVersionDelete routes VersionDeleteMessage.
const KindVersionDelete = "version.delete"

// VersionDeleteMessage asks for every version of an element to be purged.
type VersionDeleteMessage struct {
	ElementType string `json:"element_type"`
	ElementID   int64  `json:"element_id"`
}

// Kind implements Message.
func (VersionDeleteMessage) Kind() string { return KindVersionDelete }

// Envelope is a message in flight.
type Envelope struct {
	ID         string
	Message    Message
	EnqueuedAt time.Time
}
