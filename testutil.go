package agentbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentbus-dev/agentbus/agent"
)

// EchoAgent replies to every message with a clone of it. Used by tests
// and examples.
type EchoAgent struct {
	agent.BaseAgent
}

// NewEchoFactory returns a factory producing EchoAgent instances.
func NewEchoFactory() agent.Factory {
	return func(id agent.ID) (agent.Agent, error) {
		return &EchoAgent{BaseAgent: agent.NewBaseAgent(id)}, nil
	}
}

// HandleMessage echoes the inbound message back.
func (a *EchoAgent) HandleMessage(ctx context.Context, msg *agent.Message) (*agent.Message, error) {
	return msg.Clone(), nil
}

// RecordingAgent remembers every message it receives.
type RecordingAgent struct {
	agent.BaseAgent

	mu       sync.Mutex
	received []*agent.Message
}

// NewRecordingFactory returns a factory producing RecordingAgent
// instances and a registry to inspect them by id after activation.
func NewRecordingFactory() (agent.Factory, *RecordingRegistry) {
	reg := &RecordingRegistry{agents: make(map[agent.ID]*RecordingAgent)}
	factory := func(id agent.ID) (agent.Agent, error) {
		a := &RecordingAgent{BaseAgent: agent.NewBaseAgent(id)}
		reg.mu.Lock()
		reg.agents[id] = a
		reg.mu.Unlock()
		return a, nil
	}
	return factory, reg
}

// HandleMessage records the message and acknowledges it.
func (a *RecordingAgent) HandleMessage(ctx context.Context, msg *agent.Message) (*agent.Message, error) {
	a.mu.Lock()
	a.received = append(a.received, msg)
	a.mu.Unlock()
	return agent.NewMessage("ack", nil), nil
}

// Received returns a snapshot of the messages seen so far.
func (a *RecordingAgent) Received() []*agent.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*agent.Message, len(a.received))
	copy(out, a.received)
	return out
}

// RecordingRegistry tracks RecordingAgent instances by identity.
type RecordingRegistry struct {
	mu     sync.Mutex
	agents map[agent.ID]*RecordingAgent
}

// Get returns the activated instance for id, or nil.
func (r *RecordingRegistry) Get(id agent.ID) *RecordingAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[id]
}

// FailingAgent fails every message with a fixed error.
type FailingAgent struct {
	agent.BaseAgent
}

// NewFailingFactory returns a factory producing FailingAgent instances.
func NewFailingFactory() agent.Factory {
	return func(id agent.ID) (agent.Agent, error) {
		return &FailingAgent{BaseAgent: agent.NewBaseAgent(id)}, nil
	}
}

// HandleMessage always fails.
func (a *FailingAgent) HandleMessage(ctx context.Context, msg *agent.Message) (*agent.Message, error) {
	return nil, fmt.Errorf("handler exploded on %s", msg.Type)
}

// SleeperAgent blocks for a fixed delay before replying, to exercise
// timeout paths.
type SleeperAgent struct {
	agent.BaseAgent
	delay time.Duration
}

// NewSleeperFactory returns a factory producing agents that sleep for
// delay before acknowledging.
func NewSleeperFactory(delay time.Duration) agent.Factory {
	return func(id agent.ID) (agent.Agent, error) {
		return &SleeperAgent{BaseAgent: agent.NewBaseAgent(id), delay: delay}, nil
	}
}

// HandleMessage waits out the delay, honoring context cancellation.
func (a *SleeperAgent) HandleMessage(ctx context.Context, msg *agent.Message) (*agent.Message, error) {
	select {
	case <-time.After(a.delay):
		return agent.NewMessage("ack", nil), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CountingAgent counts how many messages it has handled.
type CountingAgent struct {
	agent.BaseAgent
	count *atomic.Int64
}

// NewCountingFactory returns a factory producing agents that share one
// handled-message counter.
func NewCountingFactory() (agent.Factory, *atomic.Int64) {
	var count atomic.Int64
	factory := func(id agent.ID) (agent.Agent, error) {
		return &CountingAgent{BaseAgent: agent.NewBaseAgent(id), count: &count}, nil
	}
	return factory, &count
}

// HandleMessage bumps the shared counter and acknowledges.
func (a *CountingAgent) HandleMessage(ctx context.Context, msg *agent.Message) (*agent.Message, error) {
	a.count.Add(1)
	return agent.NewMessage("ack", nil), nil
}
