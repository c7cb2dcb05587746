package nats

import (
	"strconv"
	"time"
)

// NewInbox returns a fresh subject under the connection's private reply
// prefix. The prefix is random per connection and the trailing counter is
// monotonic, so two calls never return the same subject.
func (client *Client) NewInbox() string {
	client.lock.Lock()
	client.nextInboxID++
	inbox := client.inboxBase + strconv.FormatUint(client.nextInboxID, 10)
	client.issuedInboxes[inbox] = struct{}{}
	client.lock.Unlock()
	return inbox
}

func (client *Client) forgetInbox(inbox string) {
	client.lock.Lock()
	delete(client.issuedInboxes, inbox)
	client.lock.Unlock()
}

// Request publishes data with a reply inbox and blocks until a single reply
// arrives or the timeout elapses (the configured request timeout when none is
// given). The inbox subscription retires itself after one delivery, so extra
// replies from a misbehaving responder are discarded by the broker.
func (client *Client) Request(subject string, data []byte, timeout ...time.Duration) (*Message, error) {
	waitTime := client.requestTimeout
	if len(timeout) > 0 && timeout[0] > 0 {
		waitTime = timeout[0]
	}

	inbox := client.NewInbox()
	replies := make(chan *Message, 1)

	sid, err := client.ChanSubscribe(inbox, replies, SubAsRequest())
	if err != nil {
		client.forgetInbox(inbox)
		return nil, err
	}
	if err := client.Unsubscribe(sid, 1); err != nil {
		client.forgetSubscription(sid)
		return nil, err
	}
	if err := client.PublishRequest(subject, inbox, data); err != nil {
		client.forgetSubscription(sid)
		return nil, err
	}

	timer := time.NewTimer(waitTime)
	defer timer.Stop()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		// The reply may still race in, and the transport may be down while
		// reconnecting; the registration is removed either way so it cannot
		// be replayed on a later reconnect.
		client.forgetSubscription(sid)
		return nil, NewError(TimedOutError, "request on subject "+subject+" timed out")
	case <-client.closeCh:
		return nil, NewError(ConnectionClosedError, "client has been closed")
	}
}
