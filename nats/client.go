package nats

import (
	"bytes"
	"crypto/tls"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ClientVersion and related constants define protocol and client defaults.
const (
	ClientVersion = "0.1.0"

	clientLang = "go"

	DefaultConnectTimeout         = 2 * time.Second
	DefaultPingInterval           = 2 * time.Minute
	DefaultMaxPingsOut            = 2
	DefaultRequestTimeout         = 2 * time.Second
	DefaultMaxReconnects          = 10
	DefaultSubscriptionCapacity   = 8192
	DefaultReconnectBaseDelay     = 50 * time.Millisecond
	DefaultReconnectMaxDelay      = 2 * time.Second
	defaultReconnectBackoffFactor = 2
)

// Connection states.
const (
	StatusDisconnected = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusDraining
	StatusClosed
)

// Statistics is a point-in-time snapshot of connection counters.
type Statistics struct {
	InMsgs         uint64
	OutMsgs        uint64
	InBytes        uint64
	OutBytes       uint64
	Reconnects     uint64
	ProtocolErrors uint64
}

type clientStats struct {
	inMsgs         atomic.Uint64
	outMsgs        atomic.Uint64
	inBytes        atomic.Uint64
	outBytes       atomic.Uint64
	reconnects     atomic.Uint64
	protocolErrors atomic.Uint64
}

// Client manages a single broker connection, multiplexing subscriptions and
// publications over it and recovering the subscription registry after
// transport loss. All public operations may be called from any goroutine; the
// client serializes wire access internally.
type Client struct {
	name              string
	connectTimeout    time.Duration
	pingInterval      time.Duration
	maxPingsOut       int
	requestTimeout    time.Duration
	maxReconnects     int
	subChanLen        int
	secure            bool
	tlsConfig         *tls.Config
	user              string
	password          string
	token             string
	logger            *slog.Logger
	errorHandler      func(error)
	disconnectHandler func(*Client, error)
	reconnectHandler  func(*Client)
	closedHandler     func(*Client)
	reconnectStrategy ReconnectDelayStrategy
	chooser           ServerChooser

	lock          sync.Mutex
	status        int
	connection    net.Conn
	currentURI    *url.URL
	dec           *decoder
	sendBuffer    *bytes.Buffer
	info          serverInfo
	subs          map[int64]*Subscription
	nextSid       int64
	nextInboxID   uint64
	inboxBase     string
	issuedInboxes map[string]struct{}
	pongs         []chan error
	pingsOut      int
	pingTimer     *time.Timer
	lastError     error
	closeCh       chan struct{}

	wg    sync.WaitGroup
	stats clientStats
}

// NewClient returns a new Client with default configuration.
func NewClient(clientName ...string) *Client {
	var clientNameInternal string
	if len(clientName) > 0 {
		clientNameInternal = clientName[0]
	} else {
		clientNameInternal = "nats-go-" + strconv.FormatInt(time.Now().Unix(), 10)
	}

	return &Client{
		name:              clientNameInternal,
		connectTimeout:    DefaultConnectTimeout,
		pingInterval:      DefaultPingInterval,
		maxPingsOut:       DefaultMaxPingsOut,
		requestTimeout:    DefaultRequestTimeout,
		maxReconnects:     DefaultMaxReconnects,
		subChanLen:        DefaultSubscriptionCapacity,
		logger:            slog.Default(),
		reconnectStrategy: NewExponentialDelayStrategy(DefaultReconnectBaseDelay, DefaultReconnectMaxDelay, defaultReconnectBackoffFactor),
		chooser:           NewDefaultServerChooser(),
		sendBuffer:        bytes.NewBuffer(nil),
		subs:              make(map[int64]*Subscription),
		issuedInboxes:     make(map[string]struct{}),
		inboxBase:         "_INBOX." + uuid.NewString() + ".",
		closeCh:           make(chan struct{}),
	}
}

// Name returns the client name sent in the CONNECT options.
func (client *Client) Name() string { return client.name }

// SetErrorHandler installs the callback receiving asynchronous errors
// (broker -ERR reports, parse errors, slow consumers). When no handler is
// installed such errors go to the configured logger.
func (client *Client) SetErrorHandler(errorHandler func(error)) *Client {
	client.errorHandler = errorHandler
	return client
}

// SetDisconnectHandler sets the callback invoked when the transport is lost
// and the client enters the reconnecting state.
func (client *Client) SetDisconnectHandler(disconnectHandler func(*Client, error)) *Client {
	client.disconnectHandler = disconnectHandler
	return client
}

// SetReconnectHandler sets the callback invoked after a successful reconnect.
func (client *Client) SetReconnectHandler(reconnectHandler func(*Client)) *Client {
	client.reconnectHandler = reconnectHandler
	return client
}

// SetClosedHandler sets the callback invoked once the client is closed.
func (client *Client) SetClosedHandler(closedHandler func(*Client)) *Client {
	client.closedHandler = closedHandler
	return client
}

// SetTLSConfig sets the TLS configuration used for tls/wss endpoints and for
// INFO-driven TLS upgrades.
func (client *Client) SetTLSConfig(config *tls.Config) *Client {
	client.tlsConfig = config
	return client
}

// SetSecure forces a TLS upgrade even when the broker does not advertise
// tls_required.
func (client *Client) SetSecure(secure bool) *Client {
	client.secure = secure
	return client
}

// SetCredentials sets the username and password sent in CONNECT.
func (client *Client) SetCredentials(user string, password string) *Client {
	client.user = user
	client.password = password
	return client
}

// SetToken sets the authorization token sent in CONNECT.
func (client *Client) SetToken(token string) *Client {
	client.token = token
	return client
}

// SetConnectTimeout bounds transport establishment and the handshake.
func (client *Client) SetConnectTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		client.connectTimeout = timeout
	}
	return client
}

// SetPingInterval sets the keepalive interval; zero disables keepalive.
func (client *Client) SetPingInterval(interval time.Duration) *Client {
	client.pingInterval = interval
	return client
}

// SetMaxPingsOut sets how many keepalive PINGs may go unanswered before the
// connection is considered stale.
func (client *Client) SetMaxPingsOut(maxPingsOut int) *Client {
	if maxPingsOut > 0 {
		client.maxPingsOut = maxPingsOut
	}
	return client
}

// SetRequestTimeout sets the default timeout for Request and Ping.
func (client *Client) SetRequestTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		client.requestTimeout = timeout
	}
	return client
}

// SetMaxReconnects bounds reconnect attempts after a transport failure. Zero
// disables reconnecting entirely; a negative value retries without bound.
func (client *Client) SetMaxReconnects(maxReconnects int) *Client {
	client.maxReconnects = maxReconnects
	return client
}

// SetReconnectDelayStrategy sets the delay policy consulted between
// reconnect attempts.
func (client *Client) SetReconnectDelayStrategy(strategy ReconnectDelayStrategy) *Client {
	client.reconnectStrategy = strategy
	return client
}

// SetServerChooser replaces the endpoint chooser used for reconnects.
func (client *Client) SetServerChooser(chooser ServerChooser) *Client {
	if chooser != nil {
		client.chooser = chooser
	}
	return client
}

// SetSubscriptionCapacity sets the per-subscription inbound channel depth for
// handler subscriptions created after the call.
func (client *Client) SetSubscriptionCapacity(capacity int) *Client {
	if capacity > 0 {
		client.subChanLen = capacity
	}
	return client
}

// SetLogger sets the logger receiving state transitions and, absent an error
// handler, asynchronous errors.
func (client *Client) SetLogger(logger *slog.Logger) *Client {
	if logger != nil {
		client.logger = logger
	}
	return client
}

// Status returns the current connection state.
func (client *Client) Status() int {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.status
}

// LastError returns the most recent connection or broker error.
func (client *Client) LastError() error {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.lastError
}

// MaxPayload returns the broker-advertised maximum payload size.
func (client *Client) MaxPayload() int64 {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.info.MaxPayload
}

// Stats returns a snapshot of the connection counters.
func (client *Client) Stats() Statistics {
	return Statistics{
		InMsgs:         client.stats.inMsgs.Load(),
		OutMsgs:        client.stats.outMsgs.Load(),
		InBytes:        client.stats.inBytes.Load(),
		OutBytes:       client.stats.outBytes.Load(),
		Reconnects:     client.stats.reconnects.Load(),
		ProtocolErrors: client.stats.protocolErrors.Load(),
	}
}

// Connect dials the broker (uri may hold several URLs separated by commas)
// and performs the INFO / TLS / CONNECT handshake. Startup is not retried:
// a connect or handshake failure is returned to the caller.
func (client *Client) Connect(uri string) error {
	client.lock.Lock()
	defer client.lock.Unlock()

	switch client.status {
	case StatusClosed:
		return NewError(ConnectionClosedError, "client has been closed")
	case StatusDisconnected:
	default:
		return NewError(AlreadyConnectedError)
	}

	for _, raw := range strings.Split(uri, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			return NewError(InvalidURIError, err)
		}
		client.chooser.Add(raw)
	}

	current := client.chooser.CurrentURI()
	if current == "" {
		return NewError(InvalidURIError, "no broker URL configured")
	}

	client.status = StatusConnecting
	if err := client.createConn(current); err != nil {
		client.status = StatusDisconnected
		client.chooser.ReportFailure(err)
		return err
	}

	client.resumeConnection()
	client.chooser.ReportSuccess()
	return nil
}

// createConn dials one URL and runs the handshake synchronously. Lock must be
// held; on success the connection and decoder are installed on the client.
func (client *Client) createConn(uri string) error {
	parsedURI, err := url.Parse(uri)
	if err != nil {
		return NewError(InvalidURIError, err)
	}

	connection, err := client.dialTransport(parsedURI, client.connectTimeout)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(client.connectTimeout)
	if err := connection.SetDeadline(deadline); err != nil {
		_ = connection.Close()
		return NewError(ConnectionError, err)
	}

	dec := newDecoder(defaultMaxPayload)

	infoFrame, err := readFrame(connection, dec)
	if err != nil {
		_ = connection.Close()
		return connectReadError(err)
	}
	if infoFrame.op != frameInfo {
		_ = connection.Close()
		return NewError(ProtocolError, "expected INFO, received "+frameName(infoFrame.op))
	}
	info, err := parseInfo(infoFrame.arg)
	if err != nil {
		_ = connection.Close()
		return err
	}
	dec.setMaxPayload(info.MaxPayload)

	tlsActive := parsedURI.Scheme == "tls" || parsedURI.Scheme == "wss"
	if !tlsActive && (info.TLSRequired || client.secure) {
		upgraded, upgradeErr := client.upgradeTLS(connection, parsedURI, time.Until(deadline))
		if upgradeErr != nil {
			_ = connection.Close()
			return upgradeErr
		}
		connection = upgraded
		tlsActive = true
		if err := connection.SetDeadline(deadline); err != nil {
			_ = connection.Close()
			return NewError(ConnectionError, err)
		}
	}

	// CONNECT carries no explicit acknowledgment; the trailing PING round
	// trip confirms the broker accepted it within the handshake deadline.
	client.sendBuffer.Reset()
	if err := appendConnect(client.sendBuffer, client.connectOptionsFor(parsedURI, tlsActive)); err != nil {
		_ = connection.Close()
		return err
	}
	client.sendBuffer.Write(pingBytes)
	if _, err := connection.Write(client.sendBuffer.Bytes()); err != nil {
		_ = connection.Close()
		return NewError(ConnectionError, err)
	}

	for {
		confirmation, readErr := readFrame(connection, dec)
		if readErr != nil {
			_ = connection.Close()
			return connectReadError(readErr)
		}
		switch confirmation.op {
		case framePong:
			if err := connection.SetDeadline(time.Time{}); err != nil {
				_ = connection.Close()
				return NewError(ConnectionError, err)
			}
			client.connection = connection
			client.dec = dec
			client.currentURI = parsedURI
			client.info = *info
			client.pingsOut = 0
			return nil

		case frameErr:
			_ = connection.Close()
			return brokerError(string(confirmation.arg))

		case framePing:
			if _, err := connection.Write(pongBytes); err != nil {
				_ = connection.Close()
				return NewError(ConnectionError, err)
			}

		case frameInfo, frameOK:
			// ignored during handshake

		default:
			_ = connection.Close()
			return NewError(ProtocolError, "unexpected "+frameName(confirmation.op)+" during handshake")
		}
	}
}

// resumeConnection transitions to connected and starts the read loop and
// keepalive timer. Lock must be held.
func (client *Client) resumeConnection() {
	client.status = StatusConnected
	connection := client.connection
	dec := client.dec

	client.wg.Add(1)
	go client.readLoop(connection, dec)

	if client.pingInterval > 0 {
		client.pingTimer = time.AfterFunc(client.pingInterval, client.processPingTimer)
	}
}

func (client *Client) connectOptionsFor(parsedURI *url.URL, tlsActive bool) connectOptions {
	user := client.user
	password := client.password
	if parsedURI.User != nil {
		user = parsedURI.User.Username()
		if uriPassword, hasPassword := parsedURI.User.Password(); hasPassword {
			password = uriPassword
		}
	}

	return connectOptions{
		Verbose:  false,
		Pedantic: false,
		TLS:      tlsActive,
		Name:     client.name,
		Lang:     clientLang,
		Version:  ClientVersion,
		User:     user,
		Password: password,
		Token:    client.token,
	}
}

// readFrame reads synchronously until the decoder yields one frame, used only
// during the handshake before the read loop exists.
func readFrame(connection net.Conn, dec *decoder) (*frame, error) {
	buffer := make([]byte, 4096)
	for {
		if decoded := dec.next(); decoded != nil {
			return decoded, nil
		}
		count, err := connection.Read(buffer)
		if count > 0 {
			dec.feed(buffer[:count])
		}
		if err != nil {
			return nil, err
		}
	}
}

func connectReadError(err error) error {
	if netErr, isNetErr := err.(net.Error); isNetErr && netErr.Timeout() {
		return NewError(TimedOutError, "no broker response within the connect timeout")
	}
	return NewError(ConnectionError, err)
}

func brokerError(description string) error {
	lowered := strings.ToLower(description)
	if strings.Contains(lowered, "authorization") || strings.Contains(lowered, "authentication") {
		return NewError(AuthorizationError, description)
	}
	return NewError(ProtocolError, description)
}

func frameName(op int) string {
	switch op {
	case frameInfo:
		return "INFO"
	case frameMsg:
		return "MSG"
	case framePing:
		return "PING"
	case framePong:
		return "PONG"
	case frameOK:
		return "+OK"
	case frameErr:
		return "-ERR"
	default:
		return "malformed input"
	}
}

// readLoop owns the transport for one connection incarnation: it feeds the
// decoder and routes every decoded frame until a read error pushes the
// session into reconnecting.
func (client *Client) readLoop(connection net.Conn, dec *decoder) {
	defer client.wg.Done()

	buffer := make([]byte, 32*1024)
	for {
		for {
			decoded := dec.next()
			if decoded == nil {
				break
			}
			client.processFrame(connection, decoded)
		}

		count, err := connection.Read(buffer)
		if count > 0 {
			client.stats.inBytes.Add(uint64(count))
			dec.feed(buffer[:count])
		}
		if err != nil {
			client.processOpErr(connection, NewError(ConnectionError, err))
			return
		}
	}
}

func (client *Client) processFrame(connection net.Conn, decoded *frame) {
	switch decoded.op {
	case frameMsg:
		client.processMsg(decoded)

	case framePing:
		client.lock.Lock()
		if client.connection == connection {
			if _, err := connection.Write(pongBytes); err != nil {
				client.lock.Unlock()
				client.processOpErr(connection, NewError(ConnectionError, err))
				return
			}
			client.stats.outBytes.Add(uint64(len(pongBytes)))
		}
		client.lock.Unlock()

	case framePong:
		client.processPong()

	case frameOK:

	case frameErr:
		brokerErr := brokerError(string(decoded.arg))
		client.lock.Lock()
		client.lastError = brokerErr
		client.lock.Unlock()
		client.onAsyncError(brokerErr)

	case frameInfo:
		if info, err := parseInfo(decoded.arg); err == nil {
			client.lock.Lock()
			client.info = *info
			if client.dec != nil {
				client.dec.setMaxPayload(info.MaxPayload)
			}
			client.lock.Unlock()
		} else {
			client.onAsyncError(err)
		}

	case frameProtoErr:
		client.stats.protocolErrors.Add(1)
		client.onAsyncError(NewError(ProtocolError, "malformed control line: "+string(decoded.arg)))
	}
}

// processMsg routes one MSG frame to its subscription, honoring the
// remaining-message budget. Late frames for retired sids are dropped, which
// guards the window between local budget exhaustion and the broker applying
// the corresponding UNSUB.
func (client *Client) processMsg(decoded *frame) {
	client.stats.inMsgs.Add(1)

	client.lock.Lock()
	sub := client.subs[decoded.sid]
	if sub == nil {
		client.lock.Unlock()
		return
	}

	sub.delivered++
	sub.deliveredOnConn++

	retire := false
	if sub.limited {
		if sub.remainingBudget <= 0 {
			client.removeSubscription(sub)
			client.lock.Unlock()
			return
		}
		sub.remainingBudget--
		retire = sub.remainingBudget == 0
	}

	message := &Message{
		Subject: decoded.subject,
		Reply:   decoded.reply,
		Sid:     decoded.sid,
		Data:    decoded.data,
	}

	slow := false
	select {
	case sub.mch <- message:
	default:
		slow = true
	}
	if retire {
		client.removeSubscription(sub)
	}
	client.lock.Unlock()

	if slow {
		client.onAsyncError(NewError(SlowConsumerError,
			"subscription "+strconv.FormatInt(sub.sid, 10)+" on "+sub.subject+" is not draining its channel"))
	}
}

func (client *Client) processPong() {
	client.lock.Lock()
	client.pingsOut = 0
	var waiter chan error
	if len(client.pongs) > 0 {
		waiter = client.pongs[0]
		client.pongs = client.pongs[1:]
	}
	client.lock.Unlock()

	if waiter != nil {
		waiter <- nil
	}
}

func (client *Client) processPingTimer() {
	client.lock.Lock()
	if client.status != StatusConnected {
		client.lock.Unlock()
		return
	}

	client.pingsOut++
	if client.pingsOut > client.maxPingsOut {
		connection := client.connection
		client.lock.Unlock()
		client.processOpErr(connection, NewError(StaleConnectionError, "missed PONG replies"))
		return
	}

	connection := client.connection
	if _, err := connection.Write(pingBytes); err != nil {
		client.lock.Unlock()
		client.processOpErr(connection, NewError(ConnectionError, err))
		return
	}
	client.stats.outBytes.Add(uint64(len(pingBytes)))
	client.pingTimer.Reset(client.pingInterval)
	client.lock.Unlock()
}

// processOpErr handles a transport failure for a specific connection
// incarnation. Failures for connections that have already been replaced are
// ignored.
func (client *Client) processOpErr(connection net.Conn, err error) {
	client.lock.Lock()
	if client.status == StatusClosed || client.status == StatusDraining || client.connection != connection {
		client.lock.Unlock()
		return
	}

	if client.pingTimer != nil {
		client.pingTimer.Stop()
		client.pingTimer = nil
	}
	_ = client.connection.Close()
	client.connection = nil
	client.dec = nil
	client.lastError = err
	client.flushPongsLocked(NewError(ConnectionError, "connection lost"))

	if client.maxReconnects == 0 {
		client.teardownLocked()
		closedHandler := client.closedHandler
		client.lock.Unlock()
		client.logger.Warn("connection lost, reconnecting disabled", "error", err)
		if closedHandler != nil {
			closedHandler(client)
		}
		return
	}

	client.status = StatusReconnecting
	client.wg.Add(1)
	go client.doReconnect()
	disconnectHandler := client.disconnectHandler
	client.lock.Unlock()

	client.logger.Warn("connection lost, reconnecting", "error", err)
	if disconnectHandler != nil {
		disconnectHandler(client, err)
	}
}

// doReconnect re-establishes the transport with the same handshake sequence,
// replays the subscription registry, and returns the session to connected.
// Attempts are bounded by SetMaxReconnects and paced by the delay strategy.
func (client *Client) doReconnect() {
	defer client.wg.Done()

	attempts := 0
	for {
		client.lock.Lock()
		if client.status != StatusReconnecting {
			client.lock.Unlock()
			return
		}
		maxReconnects := client.maxReconnects
		strategy := client.reconnectStrategy
		chooser := client.chooser
		client.lock.Unlock()

		if maxReconnects > 0 && attempts >= maxReconnects {
			client.shutdown(NewError(ConnectionError,
				"exceeded the maximum of "+strconv.Itoa(maxReconnects)+" reconnect attempts"))
			return
		}
		attempts++

		uri := chooser.CurrentURI()
		var delay time.Duration
		if strategy != nil {
			delay = strategy.ConnectWaitDuration(uri)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-client.closeCh:
				return
			}
		}

		client.lock.Lock()
		if client.status != StatusReconnecting {
			client.lock.Unlock()
			return
		}
		if err := client.createConn(uri); err != nil {
			client.lock.Unlock()
			chooser.ReportFailure(err)
			continue
		}
		if err := client.resendSubscriptions(); err != nil {
			_ = client.connection.Close()
			client.connection = nil
			client.dec = nil
			client.lock.Unlock()
			chooser.ReportFailure(err)
			continue
		}
		client.resumeConnection()
		reconnectHandler := client.reconnectHandler
		client.lock.Unlock()

		client.stats.reconnects.Add(1)
		chooser.ReportSuccess()
		if strategy != nil {
			strategy.Reset()
		}
		client.logger.Info("reconnected", "url", uri)
		if reconnectHandler != nil {
			reconnectHandler(client)
		}
		return
	}
}

// resendSubscriptions replays SUB for every live registration, plus the
// remaining UNSUB budget where one is set, reconstructing broker-side state
// before the session accepts traffic again. Lock must be held.
func (client *Client) resendSubscriptions() error {
	client.sendBuffer.Reset()
	for _, sub := range client.snapshotSubscriptions() {
		sub.deliveredOnConn = 0
		appendSub(client.sendBuffer, sub.subject, sub.queue, sub.sid)
		if remaining, limited := sub.remaining(); limited {
			appendUnsub(client.sendBuffer, sub.sid, remaining)
		}
	}
	if client.sendBuffer.Len() == 0 {
		return nil
	}
	if _, err := client.connection.Write(client.sendBuffer.Bytes()); err != nil {
		return NewError(ConnectionError, err)
	}
	client.stats.outBytes.Add(uint64(client.sendBuffer.Len()))
	return nil
}

func (client *Client) flushPongsLocked(err error) {
	for _, waiter := range client.pongs {
		waiter <- err
	}
	client.pongs = nil
}

// teardownLocked releases every connection resource and moves the client to
// its terminal state. Lock must be held; runs at most once.
func (client *Client) teardownLocked() {
	client.status = StatusDraining
	if client.pingTimer != nil {
		client.pingTimer.Stop()
		client.pingTimer = nil
	}
	if client.connection != nil {
		_ = client.connection.Close()
		client.connection = nil
	}
	client.dec = nil
	client.flushPongsLocked(NewError(ConnectionClosedError, "client has been closed"))
	for _, sub := range client.snapshotSubscriptions() {
		client.removeSubscription(sub)
	}
	client.issuedInboxes = make(map[string]struct{})
	client.status = StatusClosed
	close(client.closeCh)
}

// shutdown closes the client from an internal goroutine, without waiting for
// in-flight goroutines the way Close does.
func (client *Client) shutdown(err error) {
	client.lock.Lock()
	if client.status == StatusClosed {
		client.lock.Unlock()
		return
	}
	if err != nil {
		client.lastError = err
	}
	client.teardownLocked()
	closedHandler := client.closedHandler
	client.lock.Unlock()

	if err != nil {
		client.logger.Error("client closed", "error", err)
	}
	if closedHandler != nil {
		closedHandler(client)
	}
}

// Close stops the session: the transport is closed, every subscription is
// released, and all further operations are rejected. Close must not be called
// from a subscription handler.
func (client *Client) Close() error {
	client.lock.Lock()
	if client.status == StatusClosed {
		client.lock.Unlock()
		return nil
	}
	client.teardownLocked()
	closedHandler := client.closedHandler
	client.lock.Unlock()

	client.wg.Wait()
	if closedHandler != nil {
		closedHandler(client)
	}
	return nil
}

func (client *Client) onAsyncError(err error) {
	if client.errorHandler != nil {
		client.errorHandler(err)
		return
	}
	client.logger.Error("asynchronous client error", "client", client.name, "error", err)
}

// Publish sends data to the given subject.
func (client *Client) Publish(subject string, data []byte) error {
	return client.publish(subject, "", data)
}

// PublishRequest sends data to the given subject with a reply-to subject a
// responder should answer on.
func (client *Client) PublishRequest(subject string, reply string, data []byte) error {
	return client.publish(subject, reply, data)
}

func (client *Client) publish(subject string, reply string, data []byte) error {
	if len(subject) == 0 {
		return NewError(InvalidSubjectError, "a subject must be specified")
	}

	client.lock.Lock()
	if err := client.connectedStateLocked("publish"); err != nil {
		client.lock.Unlock()
		return err
	}
	if client.info.MaxPayload > 0 && int64(len(data)) > client.info.MaxPayload {
		client.lock.Unlock()
		return NewError(MaxPayloadError,
			"payload of "+strconv.Itoa(len(data))+" bytes exceeds the broker maximum of "+
				strconv.FormatInt(client.info.MaxPayload, 10))
	}

	client.sendBuffer.Reset()
	appendPub(client.sendBuffer, subject, reply, data)
	connection := client.connection
	if _, err := connection.Write(client.sendBuffer.Bytes()); err != nil {
		client.lock.Unlock()
		client.processOpErr(connection, NewError(ConnectionError, err))
		return NewError(ConnectionError, err)
	}
	client.stats.outMsgs.Add(1)
	client.stats.outBytes.Add(uint64(client.sendBuffer.Len()))
	client.lock.Unlock()
	return nil
}

// Subscribe registers interest in a subject and dispatches each delivery to
// the handler on a dedicated goroutine. It returns the subscription ID.
func (client *Client) Subscribe(subject string, handler func(*Message), options ...SubOption) (int64, error) {
	if handler == nil {
		return 0, NewError(MessageHandlerError, "a message handler must be specified")
	}
	mch := make(chan *Message, client.subChanLen)
	return client.subscribe(subject, handler, mch, true, options)
}

// ChanSubscribe registers interest in a subject and delivers each message to
// the provided channel with a non-blocking send. The channel is never closed
// by the client.
func (client *Client) ChanSubscribe(subject string, mch chan *Message, options ...SubOption) (int64, error) {
	if mch == nil {
		return 0, NewError(MessageHandlerError, "a delivery channel must be specified")
	}
	return client.subscribe(subject, nil, mch, false, options)
}

func (client *Client) subscribe(
	subject string,
	handler func(*Message),
	mch chan *Message,
	ownsChan bool,
	options []SubOption,
) (int64, error) {
	if len(subject) == 0 {
		return 0, NewError(InvalidSubjectError, "a subject must be specified")
	}

	sub := &Subscription{subject: subject, handler: handler, mch: mch, ownsChan: ownsChan}
	for _, option := range options {
		option(sub)
	}

	client.lock.Lock()
	if err := client.connectedStateLocked("subscribe"); err != nil {
		client.lock.Unlock()
		return 0, err
	}
	if sub.asRequest {
		if _, issued := client.issuedInboxes[subject]; !issued {
			client.lock.Unlock()
			return 0, NewError(InvalidRequestSubjectError,
				"subject "+subject+" was not issued by NewInbox on this connection")
		}
		delete(client.issuedInboxes, subject)
	}

	client.nextSid++
	sub.sid = client.nextSid

	client.sendBuffer.Reset()
	appendSub(client.sendBuffer, subject, sub.queue, sub.sid)
	connection := client.connection
	if _, err := connection.Write(client.sendBuffer.Bytes()); err != nil {
		client.lock.Unlock()
		client.processOpErr(connection, NewError(ConnectionError, err))
		return 0, NewError(ConnectionError, err)
	}
	client.stats.outBytes.Add(uint64(client.sendBuffer.Len()))

	client.subs[sub.sid] = sub
	if ownsChan {
		client.wg.Add(1)
		go func() {
			defer client.wg.Done()
			sub.waitForMsgs()
		}()
	}
	client.lock.Unlock()
	return sub.sid, nil
}

// Unsubscribe removes a registration. With maxMessages set, the registration
// instead stays live until that many further messages have been delivered,
// and the broker is told the same budget so it stops sending once exhausted.
func (client *Client) Unsubscribe(sid int64, maxMessages ...int) error {
	client.lock.Lock()
	if client.status == StatusClosed {
		client.lock.Unlock()
		return NewError(ConnectionClosedError, "client has been closed")
	}

	sub := client.subs[sid]
	if sub == nil {
		client.lock.Unlock()
		return NewError(UnknownSubscriptionError,
			"no subscription with ID "+strconv.FormatInt(sid, 10))
	}
	if err := client.connectedStateLocked("unsubscribe"); err != nil {
		client.lock.Unlock()
		return err
	}

	budget := 0
	if len(maxMessages) > 0 && maxMessages[0] > 0 {
		budget = maxMessages[0]
	}

	client.sendBuffer.Reset()
	if budget > 0 {
		sub.limited = true
		sub.remainingBudget = budget
		// The broker counts deliveries per connection, so the wire value is
		// what it has already sent plus the remaining budget.
		appendUnsub(client.sendBuffer, sid, int(sub.deliveredOnConn)+budget)
	} else {
		client.removeSubscription(sub)
		appendUnsub(client.sendBuffer, sid, 0)
	}

	connection := client.connection
	if _, err := connection.Write(client.sendBuffer.Bytes()); err != nil {
		client.lock.Unlock()
		client.processOpErr(connection, NewError(ConnectionError, err))
		return NewError(ConnectionError, err)
	}
	client.stats.outBytes.Add(uint64(client.sendBuffer.Len()))
	client.lock.Unlock()
	return nil
}

// forgetSubscription drops a registration no matter what state the session
// is in. The registry entry always goes away, so a retired subscription can
// never be replayed after a reconnect; the broker is told only when the
// transport is up.
func (client *Client) forgetSubscription(sid int64) {
	client.lock.Lock()
	sub := client.subs[sid]
	if sub == nil {
		client.lock.Unlock()
		return
	}
	client.removeSubscription(sub)
	if client.status != StatusConnected {
		client.lock.Unlock()
		return
	}

	client.sendBuffer.Reset()
	appendUnsub(client.sendBuffer, sid, 0)
	connection := client.connection
	if _, err := connection.Write(client.sendBuffer.Bytes()); err != nil {
		client.lock.Unlock()
		client.processOpErr(connection, NewError(ConnectionError, err))
		return
	}
	client.stats.outBytes.Add(uint64(client.sendBuffer.Len()))
	client.lock.Unlock()
}

// Ping performs a PING round trip, confirming the broker is responsive.
func (client *Client) Ping() error {
	waiter := make(chan error, 1)

	client.lock.Lock()
	if err := client.connectedStateLocked("ping"); err != nil {
		client.lock.Unlock()
		return err
	}
	client.pongs = append(client.pongs, waiter)
	connection := client.connection
	if _, err := connection.Write(pingBytes); err != nil {
		client.removePongWaiterLocked(waiter)
		client.lock.Unlock()
		client.processOpErr(connection, NewError(ConnectionError, err))
		return NewError(ConnectionError, err)
	}
	client.stats.outBytes.Add(uint64(len(pingBytes)))
	client.lock.Unlock()

	timer := time.NewTimer(client.requestTimeout)
	defer timer.Stop()
	select {
	case result := <-waiter:
		return result
	case <-timer.C:
		client.lock.Lock()
		client.removePongWaiterLocked(waiter)
		client.lock.Unlock()
		return NewError(TimedOutError, "no PONG within the request timeout")
	}
}

func (client *Client) removePongWaiterLocked(waiter chan error) {
	for i, pending := range client.pongs {
		if pending == waiter {
			client.pongs = append(client.pongs[:i], client.pongs[i+1:]...)
			return
		}
	}
}

func (client *Client) connectedStateLocked(operation string) error {
	switch client.status {
	case StatusConnected:
		return nil
	case StatusClosed, StatusDraining:
		return NewError(ConnectionClosedError, "client has been closed")
	default:
		return NewError(DisconnectedError, "client is not connected while trying to "+operation)
	}
}
