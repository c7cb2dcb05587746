package nats

// Subscription is one live interest registration. The client owns every
// Subscription; callers hold only the sid returned by subscribe and reach the
// registration back through registry lookup.
type Subscription struct {
	sid       int64
	subject   string
	queue     string
	asRequest bool

	// limited marks a remaining-message budget set by Unsubscribe with a
	// count; remainingBudget further deliveries retire the subscription.
	limited         bool
	remainingBudget int

	delivered       uint64
	deliveredOnConn uint64

	mch      chan *Message
	handler  func(*Message)
	ownsChan bool
	closed   bool
}

// Subject returns the subject the subscription was registered on.
func (sub *Subscription) Subject() string { return sub.subject }

// Queue returns the queue group name, or an empty string.
func (sub *Subscription) Queue() string { return sub.queue }

// SubOption adjusts a single subscribe call.
type SubOption func(*Subscription)

// SubQueue places the subscription into the named queue group; the broker
// delivers each message to at most one member of the group.
func SubQueue(queueGroup string) SubOption {
	return func(sub *Subscription) {
		sub.queue = queueGroup
	}
}

// SubAsRequest marks the subscription as the reply leg of a request. The
// subject must be an inbox previously issued by the same client.
func SubAsRequest() SubOption {
	return func(sub *Subscription) {
		sub.asRequest = true
	}
}

// remaining reports how many further deliveries the budget allows; limited is
// false for unbounded subscriptions.
func (sub *Subscription) remaining() (int, bool) {
	if !sub.limited {
		return 0, false
	}
	if sub.remainingBudget < 0 {
		return 0, true
	}
	return sub.remainingBudget, true
}

// waitForMsgs drains a handler subscription's channel on its own goroutine so
// a slow handler only ever delays its own subscription.
func (sub *Subscription) waitForMsgs() {
	for message := range sub.mch {
		sub.handler(message)
	}
}

// snapshotSubscriptions returns the live registrations ordered by sid, used
// to replay SUB (and any remaining UNSUB budget) after a reconnect.
func (client *Client) snapshotSubscriptions() []*Subscription {
	subscriptions := make([]*Subscription, 0, len(client.subs))
	for _, sub := range client.subs {
		subscriptions = append(subscriptions, sub)
	}
	for i := 1; i < len(subscriptions); i++ {
		for j := i; j > 0 && subscriptions[j-1].sid > subscriptions[j].sid; j-- {
			subscriptions[j-1], subscriptions[j] = subscriptions[j], subscriptions[j-1]
		}
	}
	return subscriptions
}

// removeSubscription drops the registration and retires a handler
// subscription's channel. Lock must be held.
func (client *Client) removeSubscription(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(client.subs, sub.sid)
	if sub.ownsChan {
		close(sub.mch)
	}
}
