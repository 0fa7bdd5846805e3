// Package rpc matches asynchronous responses back to their originating
// callers. Every in-flight request is tracked as a pending call keyed by
// a generated request id; a response resolves at most one call.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentbus-dev/agentbus/agent"
)

// DefaultTimeout bounds how long a caller waits for a response.
const DefaultTimeout = 300 * time.Second

// ErrTimeout is returned when a pending call exceeds its wait bound.
var ErrTimeout = errors.New("rpc timeout")

// Result carries either a reply message or a handler failure.
type Result struct {
	Message *agent.Message
	Err     error
}

// Call is one pending request. The channel is buffered so Complete never
// blocks on a caller that already gave up.
type Call struct {
	// RequestID is the generated correlation id for this call.
	RequestID string

	done chan Result
}

// Correlator tracks outstanding requests by request id.
// All methods are safe for concurrent use.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Call
	timeout time.Duration
}

// New creates a correlator with the given wait bound.
// A non-positive timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		pending: make(map[string]*Call),
		timeout: timeout,
	}
}

// Register creates a fresh request id and a pending call bound to it.
// Request ids are generated, never caller-supplied, so no two pending
// entries collide.
func (c *Correlator) Register() *Call {
	call := &Call{
		RequestID: uuid.New().String(),
		done:      make(chan Result, 1),
	}

	c.mu.Lock()
	c.pending[call.RequestID] = call
	c.mu.Unlock()

	return call
}

// Complete resolves the pending call for requestID with the given result.
// It reports false when no call is pending under that id (already timed
// out, cancelled, or never registered); the caller decides how loudly to
// drop such a response.
func (c *Correlator) Complete(requestID string, res Result) bool {
	c.mu.Lock()
	call, exists := c.pending[requestID]
	if exists {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()

	if !exists {
		return false
	}

	call.done <- res
	return true
}

// Await blocks until the call resolves, the context is cancelled, or the
// wait bound elapses. Whichever way the wait ends, the pending entry is
// gone afterwards: a response arriving later is dropped by Complete.
func (c *Correlator) Await(ctx context.Context, call *Call) (*agent.Message, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.Message, res.Err
	case <-timer.C:
		c.drop(call.RequestID)
		return nil, fmt.Errorf("%w: request %s exceeded %v", ErrTimeout, call.RequestID, c.timeout)
	case <-ctx.Done():
		c.drop(call.RequestID)
		return nil, ctx.Err()
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) drop(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}
