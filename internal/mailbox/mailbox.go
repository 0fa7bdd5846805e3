// Package mailbox provides the single ordered queue through which
// envelopes flow to the runtime's dispatch loop: many producers, one
// consumer, FIFO at the moment of successful enqueue.
package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentbus-dev/agentbus/agent"
)

// DefaultBufferSize is the queue capacity when none is configured.
const DefaultBufferSize = 1024

var (
	// ErrMailboxClosed is returned when enqueueing after Close.
	ErrMailboxClosed = errors.New("mailbox closed")

	// ErrMailboxFull is returned when the queue is at capacity and the
	// producer's context expires before space frees up.
	ErrMailboxFull = errors.New("mailbox full")
)

// Request is an inbound RPC travelling through the queue rather than by
// direct call-through.
type Request struct {
	RequestID string
	Source    *agent.ID
	Target    agent.ID
	Message   *agent.Message
}

// Response carries a reply (or a handler failure) back toward the
// correlator. Exactly one of Message and Err is meaningful.
type Response struct {
	RequestID string
	Message   *agent.Message
	Err       error
}

// Envelope is the tagged union carried on the mailbox.
// Exactly one variant is populated.
type Envelope struct {
	Request  *Request
	Response *Response
}

// Mailbox is a multi-producer, single-consumer FIFO queue of envelopes.
type Mailbox struct {
	ch     chan Envelope
	closed chan struct{}
}

// New creates a mailbox with the given buffer size.
// A non-positive size falls back to DefaultBufferSize.
func New(bufferSize int) *Mailbox {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Mailbox{
		ch:     make(chan Envelope, bufferSize),
		closed: make(chan struct{}),
	}
}

// Enqueue appends an envelope to the queue. It blocks while the queue is
// full until space frees up, the context expires, or the mailbox closes.
func (m *Mailbox) Enqueue(ctx context.Context, env Envelope) error {
	if env.Request == nil && env.Response == nil {
		return fmt.Errorf("empty envelope")
	}

	select {
	case <-m.closed:
		return ErrMailboxClosed
	default:
	}

	select {
	case m.ch <- env:
		return nil
	case <-m.closed:
		return ErrMailboxClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrMailboxFull, ctx.Err())
	}
}

// C exposes the consumer end of the queue. Exactly one goroutine, the
// dispatch loop, should receive from it.
func (m *Mailbox) C() <-chan Envelope {
	return m.ch
}

// Len returns the number of queued envelopes.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// Cap returns the queue capacity.
func (m *Mailbox) Cap() int {
	return cap(m.ch)
}

// Close rejects further enqueues. Envelopes already queued remain
// readable by the consumer.
func (m *Mailbox) Close() {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
}
