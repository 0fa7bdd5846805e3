package agent

import (
	"context"
	"fmt"
	"strings"
)

// DefaultKey is the instance key used when a logical agent type needs a
// single well-known instance, e.g. for publish fan-out delivery.
const DefaultKey = "default"

// ID identifies a logical agent instance within a runtime.
// It pairs an agent type name with an instance key, so the same type can
// be activated many times under different keys (e.g. "worker/42").
// IDs are immutable values and safe to use as map keys.
type ID struct {
	// Type is the registered agent type name (e.g. "echo", "planner").
	Type string

	// Key distinguishes instances of the same type.
	Key string
}

// NewID creates an ID from a type name and instance key.
// An empty key is normalized to DefaultKey.
func NewID(typeName, key string) ID {
	if key == "" {
		key = DefaultKey
	}
	return ID{Type: typeName, Key: key}
}

// String returns the canonical "type/key" form of the ID.
// This is also the form used as a state-store key.
func (id ID) String() string {
	return id.Type + "/" + id.Key
}

// ParseID parses the canonical "type/key" form produced by String.
func ParseID(s string) (ID, error) {
	typeName, key, ok := strings.Cut(s, "/")
	if !ok || typeName == "" || key == "" {
		return ID{}, fmt.Errorf("malformed agent id %q, want type/key", s)
	}
	return ID{Type: typeName, Key: key}, nil
}

// Agent is the interface implemented by all addressable units of behavior.
// The runtime activates agents lazily by ID and hands them messages from
// both the RPC path (SendMessage) and the publish path (Publish).
//
// HandleMessage must be safe for concurrent use: the runtime does not
// serialize deliveries to the same instance.
type Agent interface {
	// ID returns the identity this instance was activated under.
	ID() ID

	// HandleMessage processes one inbound message and returns a reply.
	// For publish deliveries the reply is discarded; returning nil is fine.
	// A returned error is reported back to the RPC caller as a handler
	// failure and never crashes the runtime's dispatch loop.
	HandleMessage(ctx context.Context, msg *Message) (*Message, error)
}

// Factory constructs an agent instance for the given ID.
// The runtime invokes it at most once per ID, on first use.
type Factory func(id ID) (Agent, error)

// BaseAgent provides the ID plumbing shared by agent implementations.
// Embed it and implement HandleMessage:
//
//	type EchoAgent struct {
//	    agent.BaseAgent
//	}
//
//	func (a *EchoAgent) HandleMessage(ctx context.Context, msg *agent.Message) (*agent.Message, error) {
//	    return msg, nil
//	}
type BaseAgent struct {
	id ID
}

// NewBaseAgent creates the embeddable base for the given identity.
func NewBaseAgent(id ID) BaseAgent {
	return BaseAgent{id: id}
}

// ID returns the identity this agent was activated under.
func (b BaseAgent) ID() ID {
	return b.id
}
