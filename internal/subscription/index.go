// Package subscription maintains the topic-subscription index used for
// publish fan-out. Three coupled maps give O(1) lookups from subscription
// id, agent type, and topic; every mutation keeps all three consistent.
package subscription

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrSubscriptionNotFound is returned when a subscription id is absent or malformed.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Subscription binds a topic to an agent type. Every Publish on the topic
// is delivered to that agent type.
type Subscription struct {
	// ID is the unique handle returned by Add and consumed by Remove.
	ID string

	// Topic is the publish/subscribe key.
	Topic string

	// AgentType is the registered agent type receiving the fan-out.
	AgentType string
}

// Index is the in-memory subscription table.
// All methods are safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	// byID resolves a subscription id to its record.
	byID map[string]Subscription

	// byAgentType lists the subscription records held by one agent type.
	byAgentType map[string][]Subscription

	// byTopic lists the agent types subscribed to one topic.
	// Duplicate entries are possible when the same (topic, type) pair is
	// added twice; fan-out tolerates them.
	byTopic map[string][]string
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	return &Index{
		byID:        make(map[string]Subscription),
		byAgentType: make(map[string][]Subscription),
		byTopic:     make(map[string][]string),
	}
}

// Add registers an agent type on a topic and returns the subscription id.
// Add always succeeds; registering the same (topic, agentType) pair twice
// creates a second, independent subscription.
func (x *Index) Add(topic, agentType string) string {
	sub := Subscription{
		ID:        uuid.New().String(),
		Topic:     topic,
		AgentType: agentType,
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.byID[sub.ID] = sub
	x.byAgentType[agentType] = append(x.byAgentType[agentType], sub)
	x.byTopic[topic] = append(x.byTopic[topic], agentType)

	return sub.ID
}

// Remove deletes a subscription and every index entry derived from it.
// All agent-type entries matching the subscription are cleared from the
// topic list, not just one, so duplicates left by retried Add calls cannot
// leak. Missing entries in any one map are tolerated; only an unknown id
// is an error.
func (x *Index) Remove(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	sub, exists := x.byID[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}

	// Drop every occurrence of the agent type from the topic list.
	if types, ok := x.byTopic[sub.Topic]; ok {
		kept := types[:0]
		for _, t := range types {
			if t != sub.AgentType {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(x.byTopic, sub.Topic)
		} else {
			x.byTopic[sub.Topic] = kept
		}
	}

	// Drop the id's records from the agent-type list.
	if subs, ok := x.byAgentType[sub.AgentType]; ok {
		kept := subs[:0]
		for _, s := range subs {
			if s.ID != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(x.byAgentType, sub.AgentType)
		} else {
			x.byAgentType[sub.AgentType] = kept
		}
	}

	delete(x.byID, id)
	return nil
}

// ForType returns the current subscriptions held by one agent type.
// The result is a copy; callers may retain it.
func (x *Index) ForType(agentType string) []Subscription {
	x.mu.RLock()
	defer x.mu.RUnlock()

	subs := x.byAgentType[agentType]
	out := make([]Subscription, len(subs))
	copy(out, subs)
	return out
}

// All flattens the index into a single list of subscriptions.
// Ordering is unspecified.
func (x *Index) All() []Subscription {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]Subscription, 0, len(x.byID))
	for _, subs := range x.byAgentType {
		out = append(out, subs...)
	}
	return out
}

// TypesForTopic returns the agent types subscribed to a topic, including
// duplicates from repeated registrations. Returns nil when nobody listens.
func (x *Index) TypesForTopic(topic string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	types := x.byTopic[topic]
	if len(types) == 0 {
		return nil
	}
	out := make([]string, len(types))
	copy(out, types)
	return out
}
