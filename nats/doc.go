// Package nats provides a client for the NATS-style text pub/sub protocol:
// one persistent broker connection multiplexing any number of subscriptions
// and publications, with transparent reconnect.
//
// The primary lifecycle is:
//   - construct a Client with NewClient
//   - Connect to one or more broker URLs (nats, tls, ws, or wss schemes)
//   - Publish, Subscribe, Unsubscribe, and Request over the connection
//   - Close when finished
//
// After a transport failure the client reconnects with the configured delay
// strategy and replays every live subscription, so registrations survive
// outages; operations attempted while the transport is down fail immediately
// with a disconnected error rather than queueing.
//
// This package is safe for concurrent use of exported client APIs, which
// synchronize internal state. Message handlers run on per-subscription
// goroutines and should be written as thread-safe.
//
// Errors are created with NewError and carry a code-name prefix covering
// transport, protocol, timeout, and usage causes. Asynchronous errors such as
// broker -ERR reports are delivered to the handler installed with
// SetErrorHandler, or logged through the configured slog.Logger when no
// handler is installed.
package nats
