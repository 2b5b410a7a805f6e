// client.go
// A client owns one accepted TCP connection. Its loop reads one message per read,
// decodes it, writes the same message back and flushes, until the peer disconnects,
// an I/O error occurs, or the server stops.

package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Client is the session for a single TCP connection.
type Client struct {
	id      string
	peer    string
	conn    net.Conn
	writer  *bufio.Writer
	buf     []byte
	codec   Codec
	config  *Config
	metrics *Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

func newClient(conn net.Conn, s *Server) *Client {
	id := uuid.NewString()
	peer := conn.RemoteAddr().String()
	return &Client{
		id:      id,
		peer:    peer,
		conn:    conn,
		writer:  bufio.NewWriterSize(conn, s.config.ReadBufferSize),
		buf:     make([]byte, s.config.ReadBufferSize),
		codec:   s.codec,
		config:  s.config,
		metrics: s.metrics,
		tracer:  s.tracer,
		logger:  s.logger.With("peer", peer, "session", id),
	}
}

// ID returns the session id.
func (c *Client) ID() string { return c.id }

// Peer returns the remote address used as the registry key.
func (c *Client) Peer() string { return c.peer }

// handle runs the receive/respond loop. It returns nil on a clean disconnect or
// when ctx is cancelled, and a *SessionError on any other I/O failure.
func (c *Client) handle(ctx context.Context) (err error) {
	ctx, span := c.tracer.Start(ctx, "echo.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("net.peer.addr", c.peer),
			attribute.String("echo.session_id", c.id),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	for {
		// A peer that has already gone away can make the deadline fail;
		// the read below still reports EOF or the real error.
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadPollInterval)); err != nil {
			c.logger.Debug("error setting read deadline", "error", err)
		}
		n, rerr := c.conn.Read(c.buf)
		if n > 0 {
			if err := c.respond(ctx, c.buf[:n]); err != nil {
				return err
			}
		}
		if rerr == nil {
			continue
		}

		switch {
		case errors.Is(rerr, os.ErrDeadlineExceeded):
			// Nothing to read yet.
			if ctx.Err() != nil {
				c.logger.Debug("session stopped by server")
				return nil
			}
		case errors.Is(rerr, io.EOF):
			c.logger.Info("client disconnected")
			return nil
		default:
			return c.fail(ctx, "read", rerr)
		}
	}
}

// respond decodes one read and echoes it. Decode failures are dropped.
func (c *Client) respond(ctx context.Context, data []byte) error {
	c.metrics.BytesReceived.Add(float64(len(data)))

	msg, err := c.codec.Decode(data)
	if err != nil {
		derr := &DecodeError{Err: err}
		c.logger.Warn("failed to decode message", "bytes", len(data), "error", derr)
		c.metrics.DecodeFailures.WithLabelValues(transportTCP).Inc()
		trace.SpanFromContext(ctx).AddEvent("decode failure",
			trace.WithAttributes(attribute.Int("echo.bytes", len(data))))
		return nil
	}
	c.logger.Debug("received", "message", msg)

	payload, err := c.codec.Encode(msg)
	if err != nil {
		c.logger.Error("failed to encode response", "error", err)
		return nil
	}

	if c.config.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return c.fail(ctx, "write", err)
		}
	}
	if _, err := c.writer.Write(payload); err != nil {
		return c.fail(ctx, "write", err)
	}
	if err := c.writer.Flush(); err != nil {
		return c.fail(ctx, "flush", err)
	}

	c.metrics.BytesSent.Add(float64(len(payload)))
	c.metrics.MessagesEchoed.WithLabelValues(transportTCP).Inc()
	return nil
}

func (c *Client) fail(ctx context.Context, op string, err error) error {
	// A connection force-closed by Shutdown is not a session failure.
	if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	c.metrics.IOErrors.WithLabelValues(op).Inc()
	c.logger.Error("session I/O error", "op", op, "error", err)
	return &SessionError{SessionID: c.id, Peer: c.peer, Op: op, Err: err}
}
