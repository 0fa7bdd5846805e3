package agentbus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/agentbus-dev/agentbus/agent"
	"github.com/agentbus-dev/agentbus/internal/directory"
	"github.com/agentbus-dev/agentbus/internal/mailbox"
	tracing "github.com/agentbus-dev/agentbus/internal/observability"
	"github.com/agentbus-dev/agentbus/internal/rpc"
	"github.com/agentbus-dev/agentbus/internal/subscription"
	"github.com/agentbus-dev/agentbus/pkg/observability"
	"github.com/agentbus-dev/agentbus/pkg/state"
)

// Runtime is the in-process message bus. It owns the agent directory,
// the subscription index, the RPC correlator, the dispatch mailbox, and
// the configured state store.
type Runtime struct {
	cfg *Config

	dir   *directory.Directory
	subs  *subscription.Index
	corr  *rpc.Correlator
	store state.Store

	// ownStore marks a store created by New rather than injected, so
	// Stop knows whether closing it is the runtime's job.
	ownStore bool

	mu      sync.Mutex
	box     *mailbox.Mailbox
	started bool
	quit    chan struct{}
	done    chan struct{}

	// handlers tracks in-flight agent invocations for graceful shutdown.
	handlers sync.WaitGroup

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates a runtime with the given options. Call Start before
// routing messages.
func New(opts ...Option) *Runtime {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	r := &Runtime{
		cfg:      cfg,
		dir:      directory.New(),
		subs:     subscription.NewIndex(),
		corr:     rpc.New(cfg.RPCTimeout),
		store:    cfg.Store,
		limiters: make(map[string]*rate.Limiter),
	}
	if r.store == nil {
		r.store = state.NewMemoryStore()
		r.ownStore = true
	}
	if cfg.EnableMetrics {
		observability.InitMetrics()
	}
	return r
}

// RegisterAgentType binds a type name to a factory. Instances are
// activated lazily, on the first message addressed to an id of this type.
func (r *Runtime) RegisterAgentType(typeName string, factory agent.Factory) error {
	if err := r.dir.RegisterType(typeName, factory); err != nil {
		return err
	}
	log.Printf("[Runtime] Registered agent type %s", typeName)
	return nil
}

// Start launches the dispatch loop. It fails with
// ErrRuntimeAlreadyStarted when the runtime is already running.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRuntimeAlreadyStarted
	}

	r.box = mailbox.New(r.cfg.MailboxBufferSize)
	r.quit = make(chan struct{})
	r.done = make(chan struct{})
	r.started = true

	go r.dispatchLoop(r.box, r.quit, r.done)

	log.Printf("[Runtime] Started (mailbox buffer %d, rpc timeout %v)",
		r.box.Cap(), r.cfg.RPCTimeout)
	return nil
}

// Stop shuts the runtime down: the mailbox rejects new envelopes, the
// dispatch loop drains what is already queued, and in-flight handlers
// are awaited until the context expires. Stopping a stopped runtime is
// a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	box, quit, done := r.box, r.quit, r.done
	r.mu.Unlock()

	box.Close()
	close(quit)

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	drained := make(chan struct{})
	go func() {
		r.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.ownStore {
		if err := r.store.Close(); err != nil {
			log.Printf("[Runtime] WARNING: closing state store: %v", err)
		}
	}

	log.Printf("[Runtime] Stopped")
	return nil
}

// Health reports whether the runtime can route messages. It fails when
// the runtime is not started or the dispatch queue is saturated, and is
// suitable as a health-check probe.
func (r *Runtime) Health(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return ErrRuntimeNotStarted
	}
	if depth, capacity := r.box.Len(), r.box.Cap(); depth >= capacity {
		return fmt.Errorf("%w: %d of %d envelopes queued", ErrMailboxFull, depth, capacity)
	}
	return nil
}

// running returns the live mailbox, or ErrRuntimeNotStarted.
func (r *Runtime) running() (*mailbox.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil, ErrRuntimeNotStarted
	}
	return r.box, nil
}

// sendOptions collects per-call SendMessage settings.
type sendOptions struct {
	source *agent.ID
	queued bool
}

// SendOption customizes a single SendMessage call.
type SendOption func(*sendOptions)

// WithSource stamps the sending agent's identity on the message, so the
// target can see who is asking.
func WithSource(id agent.ID) SendOption {
	return func(o *sendOptions) {
		o.source = &id
	}
}

// WithQueuedDelivery routes the request through the mailbox instead of
// invoking the target directly. Activation and handler errors then come
// back on the response path rather than synchronously.
func WithQueuedDelivery() SendOption {
	return func(o *sendOptions) {
		o.queued = true
	}
}

// SendMessage performs an RPC against the target agent, activating it
// if needed, and blocks until the reply arrives, the context is
// cancelled, or the RPC timeout elapses. Handler errors come back
// wrapped in ErrHandlerFailure.
func (r *Runtime) SendMessage(ctx context.Context, msg *agent.Message, target agent.ID, opts ...SendOption) (*agent.Message, error) {
	box, err := r.running()
	if err != nil {
		return nil, err
	}

	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}

	ctx, span := tracing.StartSpan(ctx, "runtime.send_message")
	defer span.End()
	span.SetAttributes(tracing.MessageAttributes(msg.ID, msg.Type, target.String())...)

	if so.source != nil {
		msg.WithMetadata("source", so.source.String())
	}

	call := r.corr.Register()
	r.recordPending()

	if so.queued {
		req := &mailbox.Request{
			RequestID: call.RequestID,
			Source:    so.source,
			Target:    target,
			Message:   msg,
		}
		if err := box.Enqueue(ctx, mailbox.Envelope{Request: req}); err != nil {
			r.corr.Complete(call.RequestID, rpc.Result{Err: err})
			r.recordPending()
			return nil, err
		}
	} else {
		a, err := r.dir.GetOrActivate(target)
		if err != nil {
			r.corr.Complete(call.RequestID, rpc.Result{Err: err})
			r.recordPending()
			return nil, err
		}
		r.recordAgents()

		if err := r.trackHandler(); err != nil {
			r.corr.Complete(call.RequestID, rpc.Result{Err: err})
			r.recordPending()
			return nil, err
		}
		go func() {
			defer r.handlers.Done()
			r.invokeAgent(ctx, box, a, call.RequestID, msg)
		}()
	}

	reply, err := r.corr.Await(ctx, call)
	r.recordPending()
	if err != nil {
		if errors.Is(err, ErrRPCTimeout) && r.cfg.EnableMetrics {
			observability.RecordRPCTimeout()
		}
		tracing.RecordError(span, err)
	}
	return reply, err
}

// trackHandler reserves a slot in the handler WaitGroup, but only while
// the runtime is started. Taking the lock here means no Add can race
// Stop's Wait: once Stop flips started, callers get
// ErrRuntimeNotStarted instead of registering new work.
func (r *Runtime) trackHandler() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrRuntimeNotStarted
	}
	r.handlers.Add(1)
	return nil
}

// Publish delivers msg to every agent type subscribed to topic, one
// clone per subscriber, activating the type's default instance. Each
// delivery runs concurrently; per-subscriber failures are logged and
// never returned to the publisher.
func (r *Runtime) Publish(ctx context.Context, topic string, msg *agent.Message) error {
	if _, err := r.running(); err != nil {
		return err
	}

	if r.cfg.PublishRate > 0 {
		if !r.limiterFor(topic).Allow() {
			return fmt.Errorf("%w: topic %s", ErrRateLimited, topic)
		}
	}

	types := r.subs.TypesForTopic(topic)

	ctx, span := tracing.StartSpan(ctx, "runtime.publish")
	defer span.End()
	span.SetAttributes(tracing.TopicAttributes(topic, len(types))...)

	if r.cfg.EnableMetrics {
		observability.RecordPublish(topic)
	}

	if len(types) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if r.cfg.MaxConcurrentPublish > 0 {
		g.SetLimit(r.cfg.MaxConcurrentPublish)
	}

	for _, agentType := range types {
		agentType := agentType
		g.Go(func() error {
			id := agent.NewID(agentType, agent.DefaultKey)
			a, err := r.dir.GetOrActivate(id)
			if err != nil {
				log.Printf("[Runtime] WARNING: publish to %s on topic %s: %v", id, topic, err)
				r.recordDelivery(topic, "error")
				return nil
			}
			if _, err := a.HandleMessage(gctx, msg.Clone()); err != nil {
				log.Printf("[Runtime] WARNING: subscriber %s failed on topic %s: %v", id, topic, err)
				r.recordDelivery(topic, "error")
				return nil
			}
			r.recordDelivery(topic, "ok")
			return nil
		})
	}

	_ = g.Wait()
	r.recordAgents()
	return nil
}

// AddSubscription subscribes an agent type to a topic and returns the
// subscription id. The same (topic, type) pair may be subscribed more
// than once; each registration is independent.
func (r *Runtime) AddSubscription(topic, agentType string) (string, error) {
	if topic == "" || agentType == "" {
		return "", fmt.Errorf("topic and agent type must be non-empty")
	}
	// Subscribing before registering the type is legal; the type only
	// has to exist by the time something publishes on the topic.
	if !r.dir.HasType(agentType) {
		log.Printf("[Runtime] WARNING: subscription on topic %s for unregistered agent type %s", topic, agentType)
	}
	id := r.subs.Add(topic, agentType)
	r.recordSubscriptions()
	return id, nil
}

// RemoveSubscription deletes a subscription by id. After it returns,
// publishes on the topic no longer reach the subscription's agent type
// through this registration.
func (r *Runtime) RemoveSubscription(id string) error {
	if err := r.subs.Remove(id); err != nil {
		return err
	}
	r.recordSubscriptions()
	return nil
}

// ListSubscriptions returns the subscriptions held by one agent type.
func (r *Runtime) ListSubscriptions(agentType string) []Subscription {
	return r.subs.ForType(agentType)
}

// ListAllSubscriptions returns every live subscription.
func (r *Runtime) ListAllSubscriptions() []Subscription {
	return r.subs.All()
}

// ActiveAgents returns the identities of all activated agent instances.
func (r *Runtime) ActiveAgents() []agent.ID {
	return r.dir.ActiveIDs()
}

// SaveState persists a state blob for an agent id through the
// configured store. Last writer wins.
func (r *Runtime) SaveState(ctx context.Context, id agent.ID, blob []byte) error {
	return r.store.Save(ctx, id, blob)
}

// LoadState retrieves the state blob for an agent id. Returns
// state.ErrStateNotFound when nothing was ever saved.
func (r *Runtime) LoadState(ctx context.Context, id agent.ID) ([]byte, error) {
	return r.store.Load(ctx, id)
}

// DeleteState removes the state blob for an agent id.
func (r *Runtime) DeleteState(ctx context.Context, id agent.ID) error {
	return r.store.Delete(ctx, id)
}

// dispatchLoop is the single mailbox consumer. It resolves response
// envelopes against the correlator and hands request envelopes to
// handler goroutines, so agent logic never blocks the loop itself.
func (r *Runtime) dispatchLoop(box *mailbox.Mailbox, quit, done chan struct{}) {
	for {
		select {
		case env := <-box.C():
			r.dispatch(box, env)
		case <-quit:
			// Drain envelopes already queued before shutdown.
			for {
				select {
				case env := <-box.C():
					r.dispatch(box, env)
				default:
					close(done)
					return
				}
			}
		}
	}
}

func (r *Runtime) dispatch(box *mailbox.Mailbox, env mailbox.Envelope) {
	if r.cfg.EnableMetrics {
		observability.SetMailboxDepth(box.Len())
	}

	switch {
	case env.Response != nil:
		if r.cfg.EnableMetrics {
			observability.RecordEnvelope("response")
		}
		res := rpc.Result{Message: env.Response.Message, Err: env.Response.Err}
		if !r.corr.Complete(env.Response.RequestID, res) {
			log.Printf("[Runtime] WARNING: dropping response for unknown request %s", env.Response.RequestID)
			if r.cfg.EnableMetrics {
				observability.RecordUnmatchedResponse()
			}
		}
		r.recordPending()

	case env.Request != nil:
		if r.cfg.EnableMetrics {
			observability.RecordEnvelope("request")
		}
		req := env.Request
		r.handlers.Add(1)
		go func() {
			defer r.handlers.Done()
			r.handleRequest(box, req)
		}()
	}
}

// handleRequest serves one queued request envelope: activate the
// target, invoke its handler, and push the reply back through the
// mailbox as a response envelope.
func (r *Runtime) handleRequest(box *mailbox.Mailbox, req *mailbox.Request) {
	ctx, span := tracing.StartSpan(context.Background(), "runtime.handle_request")
	defer span.End()
	span.SetAttributes(tracing.MessageAttributes(req.Message.ID, req.Message.Type, req.Target.String())...)

	a, err := r.dir.GetOrActivate(req.Target)
	if err != nil {
		tracing.RecordError(span, err)
		r.respond(box, req.RequestID, nil, err)
		return
	}
	r.recordAgents()

	r.invokeAgent(ctx, box, a, req.RequestID, req.Message)
}

// invokeAgent runs one handler call and routes the outcome back toward
// the correlator as a response envelope. Handler errors are wrapped in
// ErrHandlerFailure; they fail the one pending call, never the loop.
func (r *Runtime) invokeAgent(ctx context.Context, box *mailbox.Mailbox, a agent.Agent, requestID string, msg *agent.Message) {
	start := time.Now()

	reply, err := a.HandleMessage(ctx, msg)
	status := "ok"
	if err != nil {
		status = "error"
		err = fmt.Errorf("%w: %s: %v", ErrHandlerFailure, a.ID(), err)
	}

	if r.cfg.EnableMetrics {
		observability.RecordRPCRequest(a.ID().Type, status, time.Since(start))
	}

	r.respond(box, requestID, reply, err)
}

// respond enqueues a response envelope. When the mailbox is already
// closed (shutdown), the call is resolved directly so the caller is not
// stranded waiting for a reply that can no longer be routed.
func (r *Runtime) respond(box *mailbox.Mailbox, requestID string, reply *agent.Message, err error) {
	resp := &mailbox.Response{RequestID: requestID, Message: reply, Err: err}
	if enqErr := box.Enqueue(context.Background(), mailbox.Envelope{Response: resp}); enqErr != nil {
		if !r.corr.Complete(requestID, rpc.Result{Message: reply, Err: err}) {
			log.Printf("[Runtime] WARNING: dropping reply for request %s: %v", requestID, enqErr)
		}
	}
}

func (r *Runtime) limiterFor(topic string) *rate.Limiter {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()

	lim, ok := r.limiters[topic]
	if !ok {
		burst := r.cfg.PublishBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(r.cfg.PublishRate, burst)
		r.limiters[topic] = lim
	}
	return lim
}

func (r *Runtime) recordPending() {
	if r.cfg.EnableMetrics {
		observability.SetPendingRequests(r.corr.PendingCount())
	}
}

func (r *Runtime) recordAgents() {
	if r.cfg.EnableMetrics {
		observability.SetActiveAgents(len(r.dir.ActiveIDs()))
	}
}

func (r *Runtime) recordSubscriptions() {
	if r.cfg.EnableMetrics {
		observability.SetActiveSubscriptions(len(r.subs.All()))
	}
}

func (r *Runtime) recordDelivery(topic, status string) {
	if r.cfg.EnableMetrics {
		observability.RecordPublishDelivery(topic, status)
	}
}
