package agentbus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentbus-dev/agentbus/agent"
	"github.com/agentbus-dev/agentbus/pkg/observability"
	"github.com/agentbus-dev/agentbus/pkg/state"
)

func startRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()

	rt := New(opts...)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

// scrapeMetric reads one counter or gauge value off the Prometheus
// text exposition endpoint.
func scrapeMetric(t *testing.T, name string) float64 {
	t.Helper()

	rec := httptest.NewRecorder()
	observability.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", rec.Code)
	}

	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, name+" ") {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimPrefix(line, name+" "), 64)
		if err != nil {
			t.Fatalf("parsing metric %s: %v", name, err)
		}
		return v
	}
	return 0
}

func TestRuntime_SendMessage_EchoRoundTrip(t *testing.T) {
	rt := startRuntime(t)

	if err := rt.RegisterAgentType("echo", NewEchoFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	msg := agent.NewMessage("greet", map[string]string{"name": "world"})
	reply, err := rt.SendMessage(context.Background(), msg, agent.NewID("echo", "1"))
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	if reply == nil {
		t.Fatal("SendMessage returned nil reply")
	}
	if reply.Type != "greet" {
		t.Errorf("reply Type = %v, want greet", reply.Type)
	}
	if reply.Payload != msg.Payload {
		t.Errorf("reply Payload = %v, want %v", reply.Payload, msg.Payload)
	}
}

func TestRuntime_SendMessage_QueuedDelivery(t *testing.T) {
	rt := startRuntime(t)

	if err := rt.RegisterAgentType("echo", NewEchoFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	msg := agent.NewMessage("greet", map[string]string{"name": "queued"})
	reply, err := rt.SendMessage(context.Background(), msg, agent.NewID("echo", "1"),
		WithQueuedDelivery())
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if reply == nil || reply.Payload != msg.Payload {
		t.Errorf("queued reply = %v, want echo of %v", reply, msg.Payload)
	}
}

func TestRuntime_SendMessage_UnknownType(t *testing.T) {
	rt := startRuntime(t)

	_, err := rt.SendMessage(context.Background(), agent.NewMessage("x", nil),
		agent.NewID("nobody", "1"))
	if !errors.Is(err, ErrUnknownAgentType) {
		t.Errorf("SendMessage error = %v, want ErrUnknownAgentType", err)
	}
}

func TestRuntime_SendMessage_QueuedUnknownType(t *testing.T) {
	rt := startRuntime(t)

	// On the queued path the activation failure travels back as a
	// response envelope rather than failing synchronously.
	_, err := rt.SendMessage(context.Background(), agent.NewMessage("x", nil),
		agent.NewID("nobody", "1"), WithQueuedDelivery())
	if !errors.Is(err, ErrUnknownAgentType) {
		t.Errorf("SendMessage error = %v, want ErrUnknownAgentType", err)
	}
}

func TestRuntime_SendMessage_NotStarted(t *testing.T) {
	rt := New()

	_, err := rt.SendMessage(context.Background(), agent.NewMessage("x", nil),
		agent.NewID("echo", "1"))
	if !errors.Is(err, ErrRuntimeNotStarted) {
		t.Errorf("SendMessage error = %v, want ErrRuntimeNotStarted", err)
	}
}

func TestRuntime_StartTwice(t *testing.T) {
	rt := startRuntime(t)

	if err := rt.Start(context.Background()); !errors.Is(err, ErrRuntimeAlreadyStarted) {
		t.Errorf("second Start error = %v, want ErrRuntimeAlreadyStarted", err)
	}
}

func TestRuntime_SendMessage_HandlerFailure(t *testing.T) {
	rt := startRuntime(t)

	if err := rt.RegisterAgentType("boom", NewFailingFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	_, err := rt.SendMessage(context.Background(), agent.NewMessage("task", nil),
		agent.NewID("boom", "1"))
	if !errors.Is(err, ErrHandlerFailure) {
		t.Errorf("SendMessage error = %v, want ErrHandlerFailure", err)
	}
}

func TestRuntime_SendMessage_Timeout(t *testing.T) {
	rt := startRuntime(t, WithRPCTimeout(50*time.Millisecond))

	if err := rt.RegisterAgentType("sleeper", NewSleeperFactory(time.Second)); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	timeoutsBefore := scrapeMetric(t, "agentbus_rpc_timeouts_total")

	start := time.Now()
	_, err := rt.SendMessage(context.Background(), agent.NewMessage("nap", nil),
		agent.NewID("sleeper", "1"))
	if !errors.Is(err, ErrRPCTimeout) {
		t.Fatalf("SendMessage error = %v, want ErrRPCTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v, want about 50ms", elapsed)
	}

	if got := scrapeMetric(t, "agentbus_rpc_timeouts_total"); got != timeoutsBefore+1 {
		t.Errorf("rpc timeouts counter = %v, want %v", got, timeoutsBefore+1)
	}
}

func TestRuntime_SendMessage_TimeoutDoesNotBlockOthers(t *testing.T) {
	rt := startRuntime(t, WithRPCTimeout(50*time.Millisecond))

	if err := rt.RegisterAgentType("sleeper", NewSleeperFactory(time.Second)); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}
	if err := rt.RegisterAgentType("echo", NewEchoFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = rt.SendMessage(context.Background(), agent.NewMessage("nap", nil),
			agent.NewID("sleeper", "1"))
	}()

	// A fast request resolves while the slow one is still pending.
	reply, err := rt.SendMessage(context.Background(), agent.NewMessage("ping", nil),
		agent.NewID("echo", "1"))
	if err != nil {
		t.Fatalf("fast SendMessage returned error: %v", err)
	}
	if reply == nil {
		t.Fatal("fast SendMessage returned nil reply")
	}

	wg.Wait()
}

func TestRuntime_SendMessage_ContextCancelled(t *testing.T) {
	rt := startRuntime(t)

	if err := rt.RegisterAgentType("sleeper", NewSleeperFactory(time.Second)); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := rt.SendMessage(ctx, agent.NewMessage("nap", nil),
		agent.NewID("sleeper", "1"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SendMessage error = %v, want context.Canceled", err)
	}
}

func TestRuntime_SendMessage_StampsSource(t *testing.T) {
	rt := startRuntime(t)

	if err := rt.RegisterAgentType("echo", NewEchoFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	source := agent.NewID("caller", "7")
	reply, err := rt.SendMessage(context.Background(), agent.NewMessage("greet", nil),
		agent.NewID("echo", "1"), WithSource(source))
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}

	if got := reply.GetMetadataString("source", ""); got != "caller/7" {
		t.Errorf("source metadata = %q, want caller/7", got)
	}
}

func TestRuntime_SendMessage_Concurrent(t *testing.T) {
	rt := startRuntime(t)

	factory, count := NewCountingFactory()
	if err := rt.RegisterAgentType("counter", factory); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	const callers = 20
	const perCaller = 10

	var wg sync.WaitGroup
	errCh := make(chan error, callers*perCaller)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				_, err := rt.SendMessage(context.Background(),
					agent.NewMessage("tick", nil), agent.NewID("counter", "shared"))
				if err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("concurrent SendMessage returned error: %v", err)
	}
	if got := count.Load(); got != callers*perCaller {
		t.Errorf("handled count = %d, want %d", got, callers*perCaller)
	}
	if got := len(rt.ActiveAgents()); got != 1 {
		t.Errorf("active agents = %d, want 1", got)
	}
}

func TestRuntime_Publish_DeliversToSubscriber(t *testing.T) {
	rt := startRuntime(t)

	factory, reg := NewRecordingFactory()
	if err := rt.RegisterAgentType("listener", factory); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}
	if _, err := rt.AddSubscription("news", "listener"); err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}

	if err := rt.Publish(context.Background(), "news", agent.NewMessage("headline", nil)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	a := reg.Get(agent.NewID("listener", agent.DefaultKey))
	if a == nil {
		t.Fatal("subscriber was not activated")
	}
	if got := len(a.Received()); got != 1 {
		t.Errorf("subscriber received %d messages, want 1", got)
	}
}

func TestRuntime_Publish_NoSubscribers(t *testing.T) {
	rt := startRuntime(t)

	if err := rt.Publish(context.Background(), "void", agent.NewMessage("x", nil)); err != nil {
		t.Errorf("Publish to empty topic returned error: %v", err)
	}
}

func TestRuntime_Publish_SubscriberFailureIsNotReturned(t *testing.T) {
	rt := startRuntime(t)

	factory, reg := NewRecordingFactory()
	if err := rt.RegisterAgentType("listener", factory); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}
	if err := rt.RegisterAgentType("boom", NewFailingFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}
	if _, err := rt.AddSubscription("news", "boom"); err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}
	if _, err := rt.AddSubscription("news", "listener"); err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}

	if err := rt.Publish(context.Background(), "news", agent.NewMessage("headline", nil)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	a := reg.Get(agent.NewID("listener", agent.DefaultKey))
	if a == nil || len(a.Received()) != 1 {
		t.Error("healthy subscriber did not receive the message")
	}
}

func TestRuntime_Publish_DuplicateSubscriptionDeliversTwice(t *testing.T) {
	rt := startRuntime(t)

	factory, reg := NewRecordingFactory()
	if err := rt.RegisterAgentType("listener", factory); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}
	if _, err := rt.AddSubscription("news", "listener"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.AddSubscription("news", "listener"); err != nil {
		t.Fatal(err)
	}

	if err := rt.Publish(context.Background(), "news", agent.NewMessage("headline", nil)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	a := reg.Get(agent.NewID("listener", agent.DefaultKey))
	if a == nil {
		t.Fatal("subscriber was not activated")
	}
	if got := len(a.Received()); got != 2 {
		t.Errorf("subscriber received %d messages, want 2", got)
	}
}

func TestRuntime_RemoveSubscription_StopsDelivery(t *testing.T) {
	rt := startRuntime(t)

	factory, reg := NewRecordingFactory()
	if err := rt.RegisterAgentType("listener", factory); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	id, err := rt.AddSubscription("news", "listener")
	if err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}

	if err := rt.Publish(context.Background(), "news", agent.NewMessage("one", nil)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := rt.RemoveSubscription(id); err != nil {
		t.Fatalf("RemoveSubscription returned error: %v", err)
	}
	if err := rt.Publish(context.Background(), "news", agent.NewMessage("two", nil)); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	a := reg.Get(agent.NewID("listener", agent.DefaultKey))
	if a == nil {
		t.Fatal("subscriber was not activated")
	}
	if got := len(a.Received()); got != 1 {
		t.Errorf("subscriber received %d messages after removal, want 1", got)
	}

	if err := rt.RemoveSubscription(id); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("second RemoveSubscription error = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestRuntime_Publish_RateLimited(t *testing.T) {
	rt := startRuntime(t, WithPublishRateLimit(1, 1))

	factory, _ := NewRecordingFactory()
	if err := rt.RegisterAgentType("listener", factory); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}
	if _, err := rt.AddSubscription("news", "listener"); err != nil {
		t.Fatal(err)
	}

	if err := rt.Publish(context.Background(), "news", agent.NewMessage("one", nil)); err != nil {
		t.Fatalf("first Publish returned error: %v", err)
	}
	err := rt.Publish(context.Background(), "news", agent.NewMessage("two", nil))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("second Publish error = %v, want ErrRateLimited", err)
	}
}

func TestRuntime_ListSubscriptions(t *testing.T) {
	rt := startRuntime(t)

	if _, err := rt.AddSubscription("news", "listener"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.AddSubscription("sports", "listener"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.AddSubscription("news", "other"); err != nil {
		t.Fatal(err)
	}

	if got := len(rt.ListSubscriptions("listener")); got != 2 {
		t.Errorf("ListSubscriptions(listener) = %d entries, want 2", got)
	}
	if got := len(rt.ListAllSubscriptions()); got != 3 {
		t.Errorf("ListAllSubscriptions = %d entries, want 3", got)
	}
}

func TestRuntime_StateRoundTrip(t *testing.T) {
	rt := startRuntime(t)

	id := agent.NewID("echo", "1")
	ctx := context.Background()

	if _, err := rt.LoadState(ctx, id); !errors.Is(err, state.ErrStateNotFound) {
		t.Errorf("LoadState before save error = %v, want ErrStateNotFound", err)
	}

	if err := rt.SaveState(ctx, id, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("SaveState returned error: %v", err)
	}
	blob, err := rt.LoadState(ctx, id)
	if err != nil {
		t.Fatalf("LoadState returned error: %v", err)
	}
	if string(blob) != `{"n":1}` {
		t.Errorf("LoadState = %s, want {\"n\":1}", blob)
	}

	if err := rt.DeleteState(ctx, id); err != nil {
		t.Fatalf("DeleteState returned error: %v", err)
	}
	if _, err := rt.LoadState(ctx, id); !errors.Is(err, state.ErrStateNotFound) {
		t.Errorf("LoadState after delete error = %v, want ErrStateNotFound", err)
	}
}

func TestRuntime_StopThenSend(t *testing.T) {
	rt := New()
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := rt.RegisterAgentType("echo", NewEchoFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	// Stopping again is a no-op.
	if err := rt.Stop(ctx); err != nil {
		t.Errorf("second Stop returned error: %v", err)
	}

	_, err := rt.SendMessage(context.Background(), agent.NewMessage("x", nil),
		agent.NewID("echo", "1"))
	if !errors.Is(err, ErrRuntimeNotStarted) {
		t.Errorf("SendMessage after Stop error = %v, want ErrRuntimeNotStarted", err)
	}
}

func TestRuntime_Health(t *testing.T) {
	rt := New()

	if err := rt.Health(context.Background()); !errors.Is(err, ErrRuntimeNotStarted) {
		t.Errorf("Health before Start = %v, want ErrRuntimeNotStarted", err)
	}

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := rt.Health(context.Background()); err != nil {
		t.Errorf("Health while running = %v, want nil", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := rt.Health(context.Background()); !errors.Is(err, ErrRuntimeNotStarted) {
		t.Errorf("Health after Stop = %v, want ErrRuntimeNotStarted", err)
	}
}

func TestRuntime_StopDuringConcurrentSends(t *testing.T) {
	rt := New(WithRPCTimeout(time.Second))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := rt.RegisterAgentType("echo", NewEchoFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}

	// Hammer SendMessage while Stop runs; every call must resolve to a
	// reply or a shutdown error, never panic or hang.
	var wg sync.WaitGroup
	errCh := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rt.SendMessage(context.Background(),
				agent.NewMessage("ping", nil), agent.NewID("echo", "1"))
			if err != nil && !errors.Is(err, ErrRuntimeNotStarted) {
				errCh <- err
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("SendMessage during Stop returned unexpected error: %v", err)
	}
}

func TestRuntime_AddSubscription_UnregisteredType(t *testing.T) {
	rt := New()

	// Subscribing before the type is registered succeeds; delivery just
	// needs the type to exist by publish time.
	id, err := rt.AddSubscription("news", "ghost")
	if err != nil {
		t.Fatalf("AddSubscription returned error: %v", err)
	}
	if id == "" {
		t.Error("AddSubscription returned empty id")
	}
	if got := len(rt.ListSubscriptions("ghost")); got != 1 {
		t.Errorf("ListSubscriptions(ghost) = %d entries, want 1", got)
	}
}

func TestRuntime_RegisterAgentType_Duplicate(t *testing.T) {
	rt := New()

	if err := rt.RegisterAgentType("echo", NewEchoFactory()); err != nil {
		t.Fatalf("RegisterAgentType returned error: %v", err)
	}
	if err := rt.RegisterAgentType("echo", NewEchoFactory()); !errors.Is(err, ErrTypeAlreadyRegistered) {
		t.Errorf("duplicate RegisterAgentType error = %v, want ErrTypeAlreadyRegistered", err)
	}
}
