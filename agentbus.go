// Package agentbus is an in-process agent runtime: a message bus that
// activates agents lazily, routes request/response RPC through a single
// dispatch loop, and fans published messages out to topic subscribers.
//
// Agents are registered as types with factories and activated on first
// use. SendMessage performs an RPC against one agent instance; Publish
// delivers a message to every agent type subscribed to a topic. Agent
// state persists through a pluggable Store (memory, file, or Redis).
//
// Basic usage:
//
//	rt := agentbus.New()
//	_ = rt.RegisterAgentType("echo", func(id agent.ID) (agent.Agent, error) {
//	    return &EchoAgent{BaseAgent: agent.NewBaseAgent(id)}, nil
//	})
//	_ = rt.Start(ctx)
//	defer rt.Stop(ctx)
//
//	reply, err := rt.SendMessage(ctx, agent.NewMessage("greet", payload),
//	    agent.NewID("echo", "1"))
package agentbus

import (
	"errors"

	"github.com/agentbus-dev/agentbus/internal/directory"
	"github.com/agentbus-dev/agentbus/internal/mailbox"
	"github.com/agentbus-dev/agentbus/internal/rpc"
	"github.com/agentbus-dev/agentbus/internal/subscription"
)

// Subscription binds a topic to an agent type for publish fan-out.
type Subscription = subscription.Subscription

var (
	// ErrUnknownAgentType is returned when no factory is bound for an agent type.
	ErrUnknownAgentType = directory.ErrUnknownAgentType

	// ErrTypeAlreadyRegistered is returned when a type name is registered twice.
	ErrTypeAlreadyRegistered = directory.ErrTypeAlreadyRegistered

	// ErrSubscriptionNotFound is returned when removing an unknown subscription id.
	ErrSubscriptionNotFound = subscription.ErrSubscriptionNotFound

	// ErrRPCTimeout is returned when a request exceeds its wait bound.
	ErrRPCTimeout = rpc.ErrTimeout

	// ErrMailboxFull is returned when the dispatch queue is saturated and
	// the producer's context expires before space frees up.
	ErrMailboxFull = mailbox.ErrMailboxFull

	// ErrHandlerFailure wraps errors returned by an agent's message handler.
	ErrHandlerFailure = errors.New("agent handler failure")

	// ErrRuntimeNotStarted is returned when routing before Start.
	ErrRuntimeNotStarted = errors.New("runtime not started")

	// ErrRuntimeAlreadyStarted is returned when starting a running runtime.
	ErrRuntimeAlreadyStarted = errors.New("runtime already started")

	// ErrRateLimited is returned when a publish exceeds the configured
	// per-topic rate limit.
	ErrRateLimited = errors.New("publish rate limit exceeded")
)
