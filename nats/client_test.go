package nats

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thejuampi/nats-client-go/internal/fakenats"
)

func startBroker(t *testing.T, options fakenats.Options) *fakenats.Server {
	t.Helper()
	options.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := fakenats.Start(options)
	if err != nil {
		t.Fatalf("start broker failed: %v", err)
	}
	t.Cleanup(server.Shutdown)
	return server
}

func newTestClient(t *testing.T, name string) *Client {
	t.Helper()
	client := NewClient(name).
		SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		SetReconnectDelayStrategy(NewFixedDelayStrategy(10 * time.Millisecond))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func connectTestClient(t *testing.T, server *fakenats.Server, name string) *Client {
	t.Helper()
	client := newTestClient(t, name)
	if err := client.Connect(server.ClientURL()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return client
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertErrorCode(t *testing.T, err error, codeName string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", codeName)
	}
	if !strings.Contains(err.Error(), codeName) {
		t.Fatalf("expected %s, got: %v", codeName, err)
	}
}

func TestConnectAndPing(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "connect-test")

	if got := client.Status(); got != StatusConnected {
		t.Fatalf("unexpected status: got %d want %d", got, StatusConnected)
	}
	if err := client.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if got := client.MaxPayload(); got != 1024*1024 {
		t.Fatalf("unexpected advertised max payload: %d", got)
	}
	assertErrorCode(t, client.Connect(server.ClientURL()), "AlreadyConnectedError")
}

func TestConnectRefused(t *testing.T) {
	client := newTestClient(t, "refused-test")
	if err := client.Connect("nats://127.0.0.1:1"); err == nil {
		t.Fatal("connect to a dead endpoint must fail")
	}
	if got := client.Status(); got != StatusDisconnected {
		t.Fatalf("failed connect must leave the client disconnected, got %d", got)
	}
}

func TestConnectInvalidURI(t *testing.T) {
	client := newTestClient(t, "uri-test")
	assertErrorCode(t, client.Connect(""), "InvalidURIError")
}

func TestConnectAuthorization(t *testing.T) {
	server := startBroker(t, fakenats.Options{User: "svc", Pass: "secret"})

	rejected := newTestClient(t, "auth-bad")
	rejected.SetCredentials("svc", "wrong")
	assertErrorCode(t, rejected.Connect(server.ClientURL()), "AuthorizationError")

	accepted := newTestClient(t, "auth-good")
	accepted.SetCredentials("svc", "secret")
	if err := accepted.Connect(server.ClientURL()); err != nil {
		t.Fatalf("connect with valid credentials failed: %v", err)
	}
}

func TestConnectTokenAuthorization(t *testing.T) {
	server := startBroker(t, fakenats.Options{Token: "s3cr3t"})

	rejected := newTestClient(t, "token-bad")
	assertErrorCode(t, rejected.Connect(server.ClientURL()), "AuthorizationError")

	accepted := newTestClient(t, "token-good")
	accepted.SetToken("s3cr3t")
	if err := accepted.Connect(server.ClientURL()); err != nil {
		t.Fatalf("connect with valid token failed: %v", err)
	}
}

func TestPublishSubscribeFanout(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "fanout-test")

	var lock sync.Mutex
	var first, second []*Message
	if _, err := client.Subscribe("test", func(message *Message) {
		lock.Lock()
		first = append(first, message)
		lock.Unlock()
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := client.Subscribe("test", func(message *Message) {
		lock.Lock()
		second = append(second, message)
		lock.Unlock()
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := client.Publish("test", []byte("yo dawg")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, "both subscriptions to receive the message", func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(first) == 1 && len(second) == 1
	})

	lock.Lock()
	defer lock.Unlock()
	for _, message := range []*Message{first[0], second[0]} {
		if message.Subject != "test" || string(message.Data) != "yo dawg" || message.Reply != "" {
			t.Fatalf("unexpected delivery: %+v", message)
		}
	}
	if first[0].Sid == second[0].Sid {
		t.Fatalf("deliveries must carry their own subscription IDs, both got %d", first[0].Sid)
	}
}

func TestQueueGroupDeliversToOneMember(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "queue-test")

	var first, second atomic.Int64
	if _, err := client.Subscribe("dup", func(*Message) { first.Add(1) }, SubQueue("us")); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := client.Subscribe("dup", func(*Message) { second.Add(1) }, SubQueue("us")); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	const published = 20
	for i := 0; i < published; i++ {
		if err := client.Publish("dup", []byte("job")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	waitFor(t, "all queue messages to arrive", func() bool {
		return first.Load()+second.Load() == published
	})
	time.Sleep(20 * time.Millisecond)
	if total := first.Load() + second.Load(); total != published {
		t.Fatalf("queue group duplicated deliveries: got %d want %d", total, published)
	}
}

func TestWildcardSubjects(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "wildcard-test")

	var star, full atomic.Int64
	if _, err := client.Subscribe("events.*", func(*Message) { star.Add(1) }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := client.Subscribe("events.>", func(*Message) { full.Add(1) }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := client.Publish("events.created", nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := client.Publish("events.orders.created", nil); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, "wildcard deliveries", func() bool {
		return star.Load() == 1 && full.Load() == 2
	})
	time.Sleep(20 * time.Millisecond)
	if star.Load() != 1 {
		t.Fatalf("* must match exactly one token, got %d deliveries", star.Load())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "unsub-test")

	mch := make(chan *Message, 16)
	sid, err := client.ChanSubscribe("test", mch)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Unsubscribe(sid); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if err := client.Publish("test", []byte("late")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := client.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if len(mch) != 0 {
		t.Fatalf("retired subscription still received %d messages", len(mch))
	}
	assertErrorCode(t, client.Unsubscribe(sid), "UnknownSubscriptionError")
}

func TestUnsubscribeBudgetDeliversExactly(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "budget-test")

	mch := make(chan *Message, 16)
	sid, err := client.ChanSubscribe("test", mch)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Unsubscribe(sid, 3); err != nil {
		t.Fatalf("unsubscribe with budget failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := client.Publish("test", []byte("msg")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	waitFor(t, "the message budget to be spent", func() bool { return len(mch) == 3 })
	time.Sleep(20 * time.Millisecond)
	if len(mch) != 3 {
		t.Fatalf("budget of 3 delivered %d messages", len(mch))
	}
	assertErrorCode(t, client.Unsubscribe(sid), "UnknownSubscriptionError")
}

func TestUnsubscribeUnknownSid(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "unknown-sid-test")
	assertErrorCode(t, client.Unsubscribe(42), "UnknownSubscriptionError")
}

func TestSubscribeValidation(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "sub-validation-test")

	_, err := client.Subscribe("", func(*Message) {})
	assertErrorCode(t, err, "InvalidSubjectError")

	_, err = client.Subscribe("test", nil)
	assertErrorCode(t, err, "MessageHandlerError")

	_, err = client.ChanSubscribe("test", nil)
	assertErrorCode(t, err, "MessageHandlerError")
}

func TestPublishValidation(t *testing.T) {
	server := startBroker(t, fakenats.Options{MaxPayload: 16})
	client := connectTestClient(t, server, "pub-validation-test")

	assertErrorCode(t, client.Publish("", []byte("x")), "InvalidSubjectError")
	assertErrorCode(t, client.Publish("test", make([]byte, 32)), "MaxPayloadError")
	if err := client.Publish("test", make([]byte, 16)); err != nil {
		t.Fatalf("payload at the limit must be accepted: %v", err)
	}
}

func TestOperationsWhileDisconnected(t *testing.T) {
	client := newTestClient(t, "disconnected-test")

	assertErrorCode(t, client.Publish("test", nil), "DisconnectedError")
	_, err := client.Subscribe("test", func(*Message) {})
	assertErrorCode(t, err, "DisconnectedError")
	assertErrorCode(t, client.Ping(), "DisconnectedError")

	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	assertErrorCode(t, client.Publish("test", nil), "ConnectionClosedError")
	assertErrorCode(t, client.Connect("nats://127.0.0.1:4222"), "ConnectionClosedError")
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "close-test")

	done := make(chan struct{})
	var once sync.Once
	if _, err := client.Subscribe("test", func(*Message) {
		once.Do(func() { close(done) })
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Publish("test", []byte("one")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	<-done

	closed := make(chan struct{})
	client.SetClosedHandler(func(*Client) { close(closed) })
	if err := client.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	select {
	case <-closed:
	default:
		t.Fatal("closed handler was not invoked")
	}
	if got := client.Status(); got != StatusClosed {
		t.Fatalf("unexpected status after close: %d", got)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second close must be a no-op: %v", err)
	}
}

func TestWebsocketTransport(t *testing.T) {
	server := startBroker(t, fakenats.Options{WSAddr: "127.0.0.1:0"})
	client := newTestClient(t, "ws-test")
	if err := client.Connect(server.WSClientURL()); err != nil {
		t.Fatalf("websocket connect failed: %v", err)
	}

	mch := make(chan *Message, 1)
	if _, err := client.ChanSubscribe("test", mch); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Publish("test", []byte("over websocket")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, "the websocket delivery", func() bool { return len(mch) == 1 })
	if message := <-mch; string(message.Data) != "over websocket" {
		t.Fatalf("unexpected payload: %q", message.Data)
	}
}

func TestStatsCounters(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "stats-test")

	mch := make(chan *Message, 4)
	if _, err := client.ChanSubscribe("test", mch); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := client.Publish("test", []byte("count me")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	waitFor(t, "all deliveries", func() bool { return len(mch) == 3 })

	stats := client.Stats()
	if stats.OutMsgs != 3 || stats.InMsgs != 3 {
		t.Fatalf("unexpected message counters: %+v", stats)
	}
	if stats.OutBytes == 0 || stats.InBytes == 0 {
		t.Fatalf("byte counters not maintained: %+v", stats)
	}
}
