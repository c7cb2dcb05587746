package nats

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Thejuampi/nats-client-go/internal/fakenats"
)

func TestReconnectPreservesSubscriptions(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := newTestClient(t, "reconnect-test")

	var disconnects, reconnects atomic.Int64
	client.SetDisconnectHandler(func(*Client, error) { disconnects.Add(1) })
	client.SetReconnectHandler(func(*Client) { reconnects.Add(1) })
	if err := client.Connect(server.ClientURL()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	var received atomic.Int64
	if _, err := client.Subscribe("test", func(*Message) { received.Add(1) }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Publish("test", []byte("before")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, "the first delivery", func() bool { return received.Load() == 1 })

	server.DisconnectAll()

	waitFor(t, "the client to reconnect", func() bool {
		return client.Status() == StatusConnected && reconnects.Load() == 1
	})
	if disconnects.Load() != 1 {
		t.Fatalf("disconnect handler invoked %d times", disconnects.Load())
	}
	waitFor(t, "the subscription to be replayed", func() bool { return server.SubCount() == 1 })

	if err := client.Publish("test", []byte("after")); err != nil {
		t.Fatalf("publish after reconnect failed: %v", err)
	}
	waitFor(t, "the post-reconnect delivery", func() bool { return received.Load() == 2 })

	if got := client.Stats().Reconnects; got != 1 {
		t.Fatalf("unexpected reconnect counter: %d", got)
	}
}

func TestReconnectRestoresUnsubBudget(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := connectTestClient(t, server, "budget-reconnect-test")

	mch := make(chan *Message, 16)
	sid, err := client.ChanSubscribe("test", mch)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Unsubscribe(sid, 4); err != nil {
		t.Fatalf("unsubscribe with budget failed: %v", err)
	}

	if err := client.Publish("test", []byte("one")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, "the first delivery", func() bool { return len(mch) == 1 })

	server.DisconnectAll()
	waitFor(t, "the client to reconnect", func() bool {
		return client.Status() == StatusConnected && server.ConnCount() == 1
	})
	waitFor(t, "the subscription to be replayed", func() bool { return server.SubCount() == 1 })

	// Three messages of budget remain after the replayed UNSUB.
	for i := 0; i < 5; i++ {
		if err := client.Publish("test", []byte("more")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	waitFor(t, "the remaining budget to be spent", func() bool { return len(mch) == 4 })
	time.Sleep(20 * time.Millisecond)
	if len(mch) != 4 {
		t.Fatalf("budget of 4 delivered %d messages", len(mch))
	}
}

func TestReconnectDisabledClosesClient(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := newTestClient(t, "no-reconnect-test")
	client.SetMaxReconnects(0)

	closed := make(chan struct{})
	client.SetClosedHandler(func(*Client) { close(closed) })
	if err := client.Connect(server.ClientURL()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	server.DisconnectAll()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client with reconnecting disabled was not closed")
	}
	waitFor(t, "the terminal state", func() bool { return client.Status() == StatusClosed })
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := newTestClient(t, "give-up-test")
	client.SetMaxReconnects(2).
		SetReconnectDelayStrategy(NewFixedDelayStrategy(5 * time.Millisecond))
	if err := client.Connect(server.ClientURL()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	server.Shutdown()

	waitFor(t, "the client to give up", func() bool { return client.Status() == StatusClosed })
	assertErrorCode(t, client.LastError(), "ConnectionError")
}

func TestFixedDelayStrategy(t *testing.T) {
	strategy := NewFixedDelayStrategy(25 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if got := strategy.ConnectWaitDuration("nats://a:4222"); got != 25*time.Millisecond {
			t.Fatalf("attempt %d: got %v want 25ms", i, got)
		}
	}
}

func TestExponentialDelayStrategy(t *testing.T) {
	strategy := NewExponentialDelayStrategy(10*time.Millisecond, 50*time.Millisecond, 2)

	uri := "nats://a:4222"
	delays := []time.Duration{
		strategy.ConnectWaitDuration(uri),
		strategy.ConnectWaitDuration(uri),
		strategy.ConnectWaitDuration(uri),
		strategy.ConnectWaitDuration(uri),
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("attempt %d: got %v want %v", i, delays[i], want[i])
		}
	}

	// Another endpoint backs off independently.
	if got := strategy.ConnectWaitDuration("nats://b:4222"); got != 10*time.Millisecond {
		t.Fatalf("unexpected first delay for second endpoint: %v", got)
	}

	strategy.Reset()
	if got := strategy.ConnectWaitDuration(uri); got != 10*time.Millisecond {
		t.Fatalf("reset did not restart the backoff: %v", got)
	}
}

func TestDefaultServerChooserRoundRobin(t *testing.T) {
	chooser := NewDefaultServerChooser().
		Add("nats://a:4222").
		Add("nats://b:4222")

	if got := chooser.CurrentURI(); got != "nats://a:4222" {
		t.Fatalf("unexpected first endpoint: %s", got)
	}
	chooser.ReportFailure(NewError(ConnectionError, "down"))
	if got := chooser.CurrentURI(); got != "nats://b:4222" {
		t.Fatalf("failure must advance the endpoint, got %s", got)
	}
	chooser.ReportFailure(NewError(ConnectionError, "down"))
	if got := chooser.CurrentURI(); got != "nats://a:4222" {
		t.Fatalf("rotation must wrap around, got %s", got)
	}
	chooser.ReportSuccess()
	if got := chooser.CurrentURI(); got != "nats://a:4222" {
		t.Fatalf("success must keep the current endpoint, got %s", got)
	}
}

func TestDefaultServerChooserIgnoresDuplicates(t *testing.T) {
	chooser := NewDefaultServerChooser().
		Add("nats://a:4222").
		Add("nats://b:4222").
		Add("nats://a:4222")

	// With only two endpoints in rotation, two failures wrap back around.
	chooser.ReportFailure(NewError(ConnectionError, "down"))
	chooser.ReportFailure(NewError(ConnectionError, "down"))
	if got := chooser.CurrentURI(); got != "nats://a:4222" {
		t.Fatalf("duplicate Add skewed the rotation, got %s", got)
	}
}

func TestConnectRetryDoesNotDuplicateEndpoints(t *testing.T) {
	server := startBroker(t, fakenats.Options{})
	client := newTestClient(t, "retry-connect-test")

	if err := client.Connect("nats://127.0.0.1:1," + server.ClientURL()); err == nil {
		t.Fatal("connect to a dead first endpoint must fail")
	}

	// The retry re-adds the same URLs; with the rotation deduplicated it
	// holds two entries and now points at the live broker.
	if err := client.Connect("nats://127.0.0.1:1," + server.ClientURL()); err != nil {
		t.Fatalf("retried connect failed: %v", err)
	}
	if got := client.Status(); got != StatusConnected {
		t.Fatalf("unexpected status: %d", got)
	}
}
