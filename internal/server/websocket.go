// websocket.go
// Browsers cannot open raw TCP sockets, so the same echo is offered over WebSocket.
// Each binary or text frame carries one encoded message; the reply uses the frame type
// it arrived with. WebSocket peers share the registry, metrics and shutdown signal
// with TCP sessions.

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

// WebSocketHandler upgrades HTTP requests and runs an echo session per socket.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.ReadBufferSize,
		WriteBufferSize: s.config.ReadBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.running.Load() {
			http.Error(w, "server not running", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn.SetReadLimit(int64(s.config.ReadBufferSize))

		info := ClientInfo{
			Addr:        conn.RemoteAddr().String(),
			ID:          uuid.NewString(),
			Transport:   transportWebSocket,
			ConnectedAt: time.Now(),
		}
		raw := conn.UnderlyingConn()
		ctx, ok := s.begin(raw, info)
		if !ok {
			conn.Close()
			return
		}

		client := &wsClient{
			id:     info.ID,
			socket: conn,
			server: s,
			logger: s.logger.With("peer", info.Addr, "session", info.ID, "transport", transportWebSocket),
		}
		go func() {
			defer s.end(raw, info)
			if err := client.read(ctx); err != nil {
				s.logger.Error("error handling client", "peer", info.Addr, "session", info.ID, "error", err)
			}
		}()
	})
}

type wsClient struct {
	id     string
	socket *websocket.Conn
	server *Server
	logger *slog.Logger
}

// read echoes frames until the peer goes away or ctx is cancelled.
func (c *wsClient) read(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping")
		c.socket.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.socket.Close()
	})
	defer stop()

	s := c.server
	for {
		kind, data, err := c.socket.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Info("client disconnected")
				return nil
			}
			s.metrics.IOErrors.WithLabelValues("read").Inc()
			return &SessionError{SessionID: c.id, Peer: c.socket.RemoteAddr().String(), Op: "read", Err: err}
		}
		s.metrics.BytesReceived.Add(float64(len(data)))

		msg, err := s.codec.Decode(data)
		if err != nil {
			c.logger.Warn("failed to decode message", "bytes", len(data), "error", &DecodeError{Err: err})
			s.metrics.DecodeFailures.WithLabelValues(transportWebSocket).Inc()
			continue
		}
		c.logger.Debug("received", "message", msg)

		payload, err := s.codec.Encode(msg)
		if err != nil {
			c.logger.Error("failed to encode response", "error", err)
			continue
		}
		if s.config.WriteTimeout > 0 {
			c.socket.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if err := c.socket.WriteMessage(kind, payload); err != nil {
			if ctx.Err() != nil && errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			s.metrics.IOErrors.WithLabelValues("write").Inc()
			return &SessionError{SessionID: c.id, Peer: c.socket.RemoteAddr().String(), Op: "write", Err: err}
		}
		s.metrics.BytesSent.Add(float64(len(payload)))
		s.metrics.MessagesEchoed.WithLabelValues(transportWebSocket).Inc()
	}
}
