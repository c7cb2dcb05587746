// Package fakenats implements a deterministic, embeddable fake NATS broker
// for integration testing of the client package. It serves INFO, accepts
// CONNECT with optional credential checks, fans out PUB to matching
// subscriptions with wildcard subjects and queue-group selection, honors
// UNSUB budgets, and answers PING. It is not a real broker: no clustering,
// no JetStream.
package fakenats

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const defaultMaxPayload = 1024 * 1024

// Options configures a Server.
type Options struct {
	Addr       string // tcp listen address, default 127.0.0.1:0
	WSAddr     string // optional websocket listen address
	User       string
	Pass       string
	Token      string
	MaxPayload int64
	Logger     *slog.Logger

	// TLSConfig enables TLS. With TLSUpgrade the listener stays plain, INFO
	// goes out in the clear, and the handshake runs right after it the way a
	// real broker upgrades in place; otherwise the listener speaks TLS from
	// the first byte. TLSRequired controls the tls_required INFO field.
	TLSConfig   *tls.Config
	TLSUpgrade  bool
	TLSRequired bool
}

// Server is one running fake broker.
type Server struct {
	options  Options
	listener net.Listener
	wsServer *websocketListener

	lock       sync.Mutex
	nextConnID uint64
	conns      map[uint64]*serverConn
	subs       []*serverSub
	closed     bool

	group errgroup.Group
}

type serverSub struct {
	conn    *serverConn
	sid     string
	subject string
	queue   string
	max     int
	sent    int
}

// serverConn is one client connection. raw is the accepted transport and is
// what teardown closes; transport is what protocol io goes through and is
// replaced when an in-place TLS upgrade runs.
type serverConn struct {
	id        uint64
	raw       net.Conn
	transport net.Conn
	writeLock sync.Mutex
	verbose   bool
}

func (client *serverConn) write(data []byte) error {
	client.writeLock.Lock()
	defer client.writeLock.Unlock()
	_, err := client.transport.Write(data)
	return err
}

func (client *serverConn) writeString(data string) error {
	return client.write([]byte(data))
}

// Start launches a Server with the given options.
func Start(options Options) (*Server, error) {
	if options.Addr == "" {
		options.Addr = "127.0.0.1:0"
	}
	if options.MaxPayload <= 0 {
		options.MaxPayload = defaultMaxPayload
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	listener, err := net.Listen("tcp", options.Addr)
	if err != nil {
		return nil, err
	}
	if options.TLSConfig != nil && !options.TLSUpgrade {
		listener = tls.NewListener(listener, options.TLSConfig)
	}

	server := &Server{
		options:  options,
		listener: listener,
		conns:    make(map[uint64]*serverConn),
	}

	server.group.Go(func() error {
		server.acceptLoop(listener)
		return nil
	})

	if options.WSAddr != "" {
		wsServer, wsErr := newWebsocketListener(options.WSAddr, server)
		if wsErr != nil {
			_ = listener.Close()
			return nil, wsErr
		}
		server.wsServer = wsServer
	}

	return server, nil
}

// Addr returns the tcp listen address.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}

// ClientURL returns a nats:// URL for the tcp listener.
func (server *Server) ClientURL() string {
	return "nats://" + server.Addr()
}

// WSClientURL returns a ws:// URL for the websocket listener, or an empty
// string when websockets are disabled.
func (server *Server) WSClientURL() string {
	if server.wsServer == nil {
		return ""
	}
	return "ws://" + server.wsServer.Addr()
}

// DisconnectAll drops every established client connection while keeping the
// listeners alive, simulating a broker-side failure for reconnect tests.
func (server *Server) DisconnectAll() {
	server.lock.Lock()
	conns := make([]*serverConn, 0, len(server.conns))
	for _, client := range server.conns {
		conns = append(conns, client)
	}
	server.lock.Unlock()

	for _, client := range conns {
		_ = client.raw.Close()
	}
}

// ConnCount returns the number of established client connections.
func (server *Server) ConnCount() int {
	server.lock.Lock()
	defer server.lock.Unlock()
	return len(server.conns)
}

// SubCount returns the number of live subscriptions across all connections.
func (server *Server) SubCount() int {
	server.lock.Lock()
	defer server.lock.Unlock()
	return len(server.subs)
}

// Shutdown closes the listeners and every connection and waits for all
// connection handlers to finish.
func (server *Server) Shutdown() {
	server.lock.Lock()
	if server.closed {
		server.lock.Unlock()
		return
	}
	server.closed = true
	server.lock.Unlock()

	_ = server.listener.Close()
	if server.wsServer != nil {
		server.wsServer.Close()
	}
	server.DisconnectAll()
	_ = server.group.Wait()
}

func (server *Server) acceptLoop(listener net.Listener) {
	for {
		transport, err := listener.Accept()
		if err != nil {
			return
		}
		server.group.Go(func() error {
			server.handleConn(transport)
			return nil
		})
	}
}

type serverInfo struct {
	ServerID     string `json:"server_id"`
	Version      string `json:"version"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	AuthRequired bool   `json:"auth_required"`
	TLSRequired  bool   `json:"tls_required"`
	MaxPayload   int64  `json:"max_payload"`
}

type connectRequest struct {
	Verbose bool   `json:"verbose"`
	Name    string `json:"name"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	Token   string `json:"auth_token"`
}

func (server *Server) authRequired() bool {
	return server.options.User != "" || server.options.Token != ""
}

// handleConn drives one client connection: INFO, then a line-oriented
// command loop until the transport drops.
func (server *Server) handleConn(transport net.Conn) {
	client := &serverConn{raw: transport, transport: transport}

	server.lock.Lock()
	if server.closed {
		server.lock.Unlock()
		_ = transport.Close()
		return
	}
	server.nextConnID++
	client.id = server.nextConnID
	server.conns[client.id] = client
	server.lock.Unlock()

	defer server.dropConn(client)

	info := serverInfo{
		ServerID:     "fakenats",
		Version:      "0.1.0",
		Host:         "127.0.0.1",
		AuthRequired: server.authRequired(),
		TLSRequired:  server.options.TLSRequired,
		MaxPayload:   server.options.MaxPayload,
	}
	infoPayload, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := client.write(append(append([]byte("INFO "), infoPayload...), '\r', '\n')); err != nil {
		return
	}

	if server.options.TLSConfig != nil && server.options.TLSUpgrade {
		tlsConn := tls.Server(transport, server.options.TLSConfig)
		if err := tlsConn.Handshake(); err != nil {
			return
		}
		client.writeLock.Lock()
		client.transport = tlsConn
		client.writeLock.Unlock()
		transport = tlsConn
	}

	server.options.Logger.Debug("client connected", "id", client.id, "remote", transport.RemoteAddr())

	reader := newLineReader(transport)
	for {
		line, readErr := reader.readLine()
		if readErr != nil {
			return
		}
		if line == "" {
			continue
		}
		if err := server.dispatchCommand(client, line, reader); err != nil {
			return
		}
	}
}

func (server *Server) dispatchCommand(client *serverConn, line string, reader *lineReader) error {
	verb := line
	rest := ""
	if space := strings.IndexByte(line, ' '); space >= 0 {
		verb = line[:space]
		rest = strings.TrimSpace(line[space+1:])
	}

	switch strings.ToUpper(verb) {
	case "CONNECT":
		return server.handleConnect(client, rest)
	case "PING":
		return client.writeString("PONG\r\n")
	case "PONG":
		return nil
	case "SUB":
		return server.handleSub(client, rest)
	case "UNSUB":
		return server.handleUnsub(client, rest)
	case "PUB":
		return server.handlePub(client, rest, reader)
	default:
		server.options.Logger.Debug("unknown operation", "id", client.id, "line", line)
		return client.writeString("-ERR 'Unknown Protocol Operation'\r\n")
	}
}

func (server *Server) handleConnect(client *serverConn, rest string) error {
	var request connectRequest
	if err := json.Unmarshal([]byte(rest), &request); err != nil {
		return client.writeString("-ERR 'Invalid Client Protocol'\r\n")
	}
	client.verbose = request.Verbose

	if server.authRequired() {
		authorized := false
		if server.options.Token != "" && request.Token == server.options.Token {
			authorized = true
		}
		if server.options.User != "" && request.User == server.options.User && request.Pass == server.options.Pass {
			authorized = true
		}
		if !authorized {
			_ = client.writeString("-ERR 'Authorization Violation'\r\n")
			return errors.New("authorization violation")
		}
	}

	if client.verbose {
		return client.writeString("+OK\r\n")
	}
	return nil
}

func (server *Server) handleSub(client *serverConn, rest string) error {
	args := strings.Fields(rest)
	if len(args) < 2 || len(args) > 3 {
		return client.writeString("-ERR 'Invalid Subject'\r\n")
	}

	sub := &serverSub{conn: client, subject: args[0]}
	if len(args) == 3 {
		sub.queue = args[1]
		sub.sid = args[2]
	} else {
		sub.sid = args[1]
	}

	server.lock.Lock()
	server.subs = append(server.subs, sub)
	server.lock.Unlock()

	if client.verbose {
		return client.writeString("+OK\r\n")
	}
	return nil
}

func (server *Server) handleUnsub(client *serverConn, rest string) error {
	args := strings.Fields(rest)
	if len(args) < 1 || len(args) > 2 {
		return client.writeString("-ERR 'Invalid Subject'\r\n")
	}
	sid := args[0]
	maxMessages := 0
	if len(args) == 2 {
		parsed, err := strconv.Atoi(args[1])
		if err != nil || parsed < 0 {
			return client.writeString("-ERR 'Invalid Subject'\r\n")
		}
		maxMessages = parsed
	}

	server.lock.Lock()
	kept := server.subs[:0]
	for _, sub := range server.subs {
		if sub.conn == client && sub.sid == sid {
			if maxMessages > 0 && sub.sent < maxMessages {
				sub.max = maxMessages
				kept = append(kept, sub)
			}
			continue
		}
		kept = append(kept, sub)
	}
	server.subs = kept
	server.lock.Unlock()

	if client.verbose {
		return client.writeString("+OK\r\n")
	}
	return nil
}

func (server *Server) handlePub(client *serverConn, rest string, reader *lineReader) error {
	args := strings.Fields(rest)
	if len(args) < 2 || len(args) > 3 {
		return client.writeString("-ERR 'Invalid Subject'\r\n")
	}

	subject := args[0]
	reply := ""
	sizeArg := args[1]
	if len(args) == 3 {
		reply = args[1]
		sizeArg = args[2]
	}
	size, err := strconv.Atoi(sizeArg)
	if err != nil || size < 0 || int64(size) > server.options.MaxPayload {
		return client.writeString("-ERR 'Invalid Payload Size'\r\n")
	}

	payload := make([]byte, size+2)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return err
	}
	payload = payload[:size]

	server.route(subject, reply, payload)

	if client.verbose {
		return client.writeString("+OK\r\n")
	}
	return nil
}

// route delivers one published message: every matching plain subscription
// receives a copy; each matching queue group receives exactly one copy on a
// randomly chosen member.
func (server *Server) route(subject string, reply string, payload []byte) {
	server.lock.Lock()

	var targets []*serverSub
	groups := make(map[string][]*serverSub)
	for _, sub := range server.subs {
		if !subjectMatches(sub.subject, subject) {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
		} else {
			groups[sub.queue] = append(groups[sub.queue], sub)
		}
	}
	for _, members := range groups {
		targets = append(targets, members[rand.Intn(len(members))])
	}

	var exhausted []*serverSub
	for _, sub := range targets {
		sub.sent++
		if sub.max > 0 && sub.sent >= sub.max {
			exhausted = append(exhausted, sub)
		}
	}
	if len(exhausted) > 0 {
		kept := server.subs[:0]
		for _, sub := range server.subs {
			retired := false
			for _, gone := range exhausted {
				if sub == gone {
					retired = true
					break
				}
			}
			if !retired {
				kept = append(kept, sub)
			}
		}
		server.subs = kept
	}
	server.lock.Unlock()

	for _, sub := range targets {
		frame := "MSG " + subject + " " + sub.sid
		if reply != "" {
			frame += " " + reply
		}
		frame += " " + strconv.Itoa(len(payload)) + "\r\n"
		message := append([]byte(frame), payload...)
		message = append(message, '\r', '\n')
		_ = sub.conn.write(message)
	}
}

func (server *Server) dropConn(client *serverConn) {
	_ = client.raw.Close()

	server.lock.Lock()
	delete(server.conns, client.id)
	kept := server.subs[:0]
	for _, sub := range server.subs {
		if sub.conn != client {
			kept = append(kept, sub)
		}
	}
	server.subs = kept
	server.lock.Unlock()

	server.options.Logger.Debug("client disconnected", "id", client.id)
}

// subjectMatches applies broker-side subject matching: tokens separated by
// dots, "*" matching exactly one token, ">" matching one or more trailing
// tokens.
func subjectMatches(pattern string, subject string) bool {
	if pattern == subject {
		return true
	}
	patternTokens := strings.Split(pattern, ".")
	subjectTokens := strings.Split(subject, ".")

	for i, token := range patternTokens {
		if token == ">" {
			return i == len(patternTokens)-1 && len(subjectTokens) > i
		}
		if i >= len(subjectTokens) {
			return false
		}
		if token != "*" && token != subjectTokens[i] {
			return false
		}
	}
	return len(patternTokens) == len(subjectTokens)
}
