package nats

// Message is one inbound delivery: the subject it was published on, the
// optional reply subject supplied by the publisher, the subscription it was
// delivered for, and the payload bytes. A Message is immutable once handed to
// a delivery target.
type Message struct {
	Subject string
	Reply   string
	Sid     int64
	Data    []byte
}
