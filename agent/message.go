package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the unit of communication carried by the runtime.
// The same format flows over both the RPC path and publish fan-out.
type Message struct {
	// ID is a unique identifier for this message, automatically generated.
	ID string

	// Type identifies the message kind (e.g. "greet", "task_result").
	// Agents use it to decide how to process the payload.
	Type string

	// Payload contains the message data as a JSON string.
	// Use UnmarshalPayload to deserialize into a specific type.
	Payload string

	// Timestamp is the RFC 3339 creation time of the message.
	Timestamp string

	// Metadata carries optional key-value pairs for correlation and routing.
	Metadata map[string]interface{}
}

// NewMessage creates a message with the given type and payload.
// The payload is serialized to JSON; a unique ID and timestamp are
// generated automatically.
func NewMessage(msgType string, payload interface{}) *Message {
	payloadJSON, _ := json.Marshal(payload)
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   string(payloadJSON),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  make(map[string]interface{}),
	}
}

// WithMetadata adds a metadata entry and returns the message for chaining:
//
//	msg := agent.NewMessage("greet", data).
//	    WithMetadata("source", "api")
func (m *Message) WithMetadata(key string, value interface{}) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata[key] = value
	return m
}

// GetMetadataString returns a metadata value as a string, or the default
// if the key is absent or not a string.
func (m *Message) GetMetadataString(key, defaultValue string) string {
	if m.Metadata == nil {
		return defaultValue
	}
	if val, ok := m.Metadata[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultValue
}

// UnmarshalPayload deserializes the payload into the provided value.
// The value should be a pointer to the desired type.
func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == "" {
		return fmt.Errorf("message payload is empty")
	}
	return json.Unmarshal([]byte(m.Payload), v)
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:        m.ID,
		Type:      m.Type,
		Payload:   m.Payload,
		Timestamp: m.Timestamp,
		Metadata:  make(map[string]interface{}),
	}
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// String returns a short human-readable form for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, Timestamp:%s}", m.ID, m.Type, m.Timestamp)
}
