package nats

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// Options collects the client configuration in one struct for callers that
// prefer building configuration up front over chaining setters. The zero
// value of any field falls back to the same default the setters use.
type Options struct {
	// Name is the client name sent in CONNECT.
	Name string

	// URL holds one or more comma-separated broker URLs.
	URL string

	User     string
	Password string
	Token    string

	// Secure forces a TLS upgrade even when the broker does not require one.
	Secure    bool
	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	MaxPingsOut    int
	RequestTimeout time.Duration

	// MaxReconnects bounds reconnect attempts; zero keeps the default, and
	// NoReconnect disables reconnecting entirely.
	MaxReconnects          int
	ReconnectDelayStrategy ReconnectDelayStrategy

	SubscriptionCapacity int
	Logger               *slog.Logger

	ErrorHandler      func(error)
	DisconnectHandler func(*Client, error)
	ReconnectHandler  func(*Client)
	ClosedHandler     func(*Client)
}

// NoReconnect disables reconnecting when assigned to Options.MaxReconnects.
const NoReconnect = -1

// GetDefaultOptions returns an Options populated with the package defaults.
func GetDefaultOptions() Options {
	return Options{
		ConnectTimeout: DefaultConnectTimeout,
		PingInterval:   DefaultPingInterval,
		MaxPingsOut:    DefaultMaxPingsOut,
		RequestTimeout: DefaultRequestTimeout,
		MaxReconnects:  DefaultMaxReconnects,
		ReconnectDelayStrategy: NewExponentialDelayStrategy(
			DefaultReconnectBaseDelay, DefaultReconnectMaxDelay, defaultReconnectBackoffFactor),
		SubscriptionCapacity: DefaultSubscriptionCapacity,
	}
}

// NewClient builds a Client from the options without connecting.
func (options Options) NewClient() *Client {
	var client *Client
	if options.Name != "" {
		client = NewClient(options.Name)
	} else {
		client = NewClient()
	}

	if options.User != "" || options.Password != "" {
		client.SetCredentials(options.User, options.Password)
	}
	if options.Token != "" {
		client.SetToken(options.Token)
	}
	if options.Secure {
		client.SetSecure(true)
	}
	if options.TLSConfig != nil {
		client.SetTLSConfig(options.TLSConfig)
	}
	if options.ConnectTimeout > 0 {
		client.SetConnectTimeout(options.ConnectTimeout)
	}
	// A negative interval disables keepalive; zero keeps the default.
	if options.PingInterval != 0 {
		interval := options.PingInterval
		if interval < 0 {
			interval = 0
		}
		client.SetPingInterval(interval)
	}
	if options.MaxPingsOut > 0 {
		client.SetMaxPingsOut(options.MaxPingsOut)
	}
	if options.RequestTimeout > 0 {
		client.SetRequestTimeout(options.RequestTimeout)
	}
	switch {
	case options.MaxReconnects == NoReconnect:
		client.SetMaxReconnects(0)
	case options.MaxReconnects != 0:
		client.SetMaxReconnects(options.MaxReconnects)
	}
	if options.ReconnectDelayStrategy != nil {
		client.SetReconnectDelayStrategy(options.ReconnectDelayStrategy)
	}
	if options.SubscriptionCapacity > 0 {
		client.SetSubscriptionCapacity(options.SubscriptionCapacity)
	}
	if options.Logger != nil {
		client.SetLogger(options.Logger)
	}
	if options.ErrorHandler != nil {
		client.SetErrorHandler(options.ErrorHandler)
	}
	if options.DisconnectHandler != nil {
		client.SetDisconnectHandler(options.DisconnectHandler)
	}
	if options.ReconnectHandler != nil {
		client.SetReconnectHandler(options.ReconnectHandler)
	}
	if options.ClosedHandler != nil {
		client.SetClosedHandler(options.ClosedHandler)
	}
	return client
}

// Connect builds a Client from the options and connects it to Options.URL.
func (options Options) Connect() (*Client, error) {
	client := options.NewClient()
	if err := client.Connect(options.URL); err != nil {
		return nil, err
	}
	return client, nil
}
