// Package agent provides the public types for building agents on Agentbus.
//
// This package exports the Agent interface, agent identity, and the Message
// format that external projects need to implement custom agents or talk to
// the runtime.
//
// # Basic Usage
//
// To create a custom agent, embed BaseAgent and implement HandleMessage:
//
//	type EchoAgent struct {
//	    agent.BaseAgent
//	}
//
//	func NewEchoAgent(id agent.ID) (agent.Agent, error) {
//	    return &EchoAgent{BaseAgent: agent.NewBaseAgent(id)}, nil
//	}
//
//	func (a *EchoAgent) HandleMessage(ctx context.Context, msg *agent.Message) (*agent.Message, error) {
//	    return msg, nil
//	}
//
// Register the factory with a runtime and address instances by ID:
//
//	rt := agentbus.New()
//	rt.RegisterAgentType("echo", NewEchoAgent)
//	rt.Start(ctx)
//
//	resp, err := rt.SendMessage(ctx, input, agent.NewID("echo", "1"))
//
// # Message Format
//
// Messages are the standard unit of communication between agents:
//
//	msg := agent.NewMessage("greet", payload).
//	    WithMetadata("source", "api")
package agent
