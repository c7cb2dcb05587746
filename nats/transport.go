package nats

import (
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// dialTransport opens the raw transport for one broker URL. Supported
// schemes: nats (plain tcp, with optional in-place TLS upgrade after INFO),
// tls (tcp with an immediate TLS handshake), and ws/wss (websocket with
// binary-message framing).
func (client *Client) dialTransport(parsedURI *url.URL, timeout time.Duration) (net.Conn, error) {
	switch parsedURI.Scheme {
	case "", "nats", "tcp":
		connection, err := net.DialTimeout("tcp", parsedURI.Host, timeout)
		if err != nil {
			return nil, NewError(ConnectionRefusedError, err)
		}
		return connection, nil

	case "tls":
		dialer := &net.Dialer{Timeout: timeout}
		connection, err := tls.DialWithDialer(dialer, "tcp", parsedURI.Host, client.tlsConfigFor(parsedURI))
		if err != nil {
			return nil, NewError(ConnectionRefusedError, err)
		}
		return connection, nil

	case "ws", "wss":
		dialer := websocket.Dialer{
			HandshakeTimeout: timeout,
			TLSClientConfig:  client.tlsConfigFor(parsedURI),
		}
		wsConnection, _, err := dialer.Dial(parsedURI.String(), nil)
		if err != nil {
			return nil, NewError(ConnectionRefusedError, err)
		}
		return newWebsocketConn(wsConnection), nil

	default:
		return nil, NewError(InvalidURIError, "unsupported scheme "+parsedURI.Scheme)
	}
}

func (client *Client) tlsConfigFor(parsedURI *url.URL) *tls.Config {
	if client.tlsConfig != nil {
		return client.tlsConfig.Clone()
	}
	host, _, err := net.SplitHostPort(parsedURI.Host)
	if err != nil {
		host = parsedURI.Host
	}
	return &tls.Config{ServerName: host}
}

// upgradeTLS performs a TLS handshake in place over an already-open
// transport, used when the broker INFO advertises tls_required or the client
// is configured to require TLS.
func (client *Client) upgradeTLS(connection net.Conn, parsedURI *url.URL, timeout time.Duration) (net.Conn, error) {
	tlsConnection := tls.Client(connection, client.tlsConfigFor(parsedURI))
	if err := tlsConnection.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, NewError(ConnectionError, err)
	}
	if err := tlsConnection.Handshake(); err != nil {
		return nil, NewError(ConnectionError, err)
	}
	if err := tlsConnection.SetDeadline(time.Time{}); err != nil {
		return nil, NewError(ConnectionError, err)
	}
	return tlsConnection, nil
}

// websocketConn adapts a websocket connection to net.Conn. Writes become one
// binary message each; reads drain binary messages, carrying any remainder
// into the next call.
type websocketConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func newWebsocketConn(ws *websocket.Conn) *websocketConn {
	return &websocketConn{ws: ws}
}

func (connection *websocketConn) Read(buffer []byte) (int, error) {
	for {
		if connection.reader == nil {
			_, reader, err := connection.ws.NextReader()
			if err != nil {
				return 0, err
			}
			connection.reader = reader
		}
		count, err := connection.reader.Read(buffer)
		if err == io.EOF {
			connection.reader = nil
			if count == 0 {
				continue
			}
			return count, nil
		}
		return count, err
	}
}

func (connection *websocketConn) Write(buffer []byte) (int, error) {
	if err := connection.ws.WriteMessage(websocket.BinaryMessage, buffer); err != nil {
		return 0, err
	}
	return len(buffer), nil
}

func (connection *websocketConn) Close() error {
	return connection.ws.Close()
}

func (connection *websocketConn) LocalAddr() net.Addr {
	return connection.ws.UnderlyingConn().LocalAddr()
}

func (connection *websocketConn) RemoteAddr() net.Addr {
	return connection.ws.UnderlyingConn().RemoteAddr()
}

func (connection *websocketConn) SetDeadline(deadline time.Time) error {
	if err := connection.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	return connection.ws.SetWriteDeadline(deadline)
}

func (connection *websocketConn) SetReadDeadline(deadline time.Time) error {
	return connection.ws.SetReadDeadline(deadline)
}

func (connection *websocketConn) SetWriteDeadline(deadline time.Time) error {
	return connection.ws.SetWriteDeadline(deadline)
}
