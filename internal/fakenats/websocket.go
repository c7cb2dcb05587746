package fakenats

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// websocketListener accepts websocket clients and hands each one to the
// regular connection handler through a net.Conn adapter, so the command loop
// is identical for both transports.
type websocketListener struct {
	listener net.Listener
	server   *http.Server
}

func newWebsocketListener(addr string, broker *Server) (*websocketListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ws, upgradeErr := upgrader.Upgrade(writer, request, nil)
		if upgradeErr != nil {
			return
		}
		broker.group.Go(func() error {
			broker.handleConn(&websocketTransport{ws: ws})
			return nil
		})
	})

	wsServer := &websocketListener{
		listener: listener,
		server:   &http.Server{Handler: handler},
	}
	broker.group.Go(func() error {
		_ = wsServer.server.Serve(listener)
		return nil
	})
	return wsServer, nil
}

func (wsServer *websocketListener) Addr() string {
	return wsServer.listener.Addr().String()
}

func (wsServer *websocketListener) Close() {
	_ = wsServer.server.Close()
}

// websocketTransport adapts a server-side websocket to net.Conn. Reads drain
// binary messages, carrying any remainder into subsequent calls.
type websocketTransport struct {
	ws        *websocket.Conn
	remainder []byte
}

func (transport *websocketTransport) Read(target []byte) (int, error) {
	if len(transport.remainder) > 0 {
		copied := copy(target, transport.remainder)
		transport.remainder = transport.remainder[copied:]
		return copied, nil
	}
	_, payload, err := transport.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	copied := copy(target, payload)
	if copied < len(payload) {
		transport.remainder = payload[copied:]
	}
	return copied, nil
}

func (transport *websocketTransport) Write(payload []byte) (int, error) {
	if err := transport.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (transport *websocketTransport) Close() error {
	return transport.ws.Close()
}

func (transport *websocketTransport) LocalAddr() net.Addr {
	return transport.ws.LocalAddr()
}

func (transport *websocketTransport) RemoteAddr() net.Addr {
	return transport.ws.RemoteAddr()
}

func (transport *websocketTransport) SetDeadline(deadline time.Time) error {
	if err := transport.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	return transport.ws.SetWriteDeadline(deadline)
}

func (transport *websocketTransport) SetReadDeadline(deadline time.Time) error {
	return transport.ws.SetReadDeadline(deadline)
}

func (transport *websocketTransport) SetWriteDeadline(deadline time.Time) error {
	return transport.ws.SetWriteDeadline(deadline)
}
