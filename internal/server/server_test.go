package server_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"realtime-echo/internal/echopb"
	"realtime-echo/internal/server"
)

func testConfig() *server.Config {
	return &server.Config{
		Address:            "127.0.0.1:0",
		AcceptPollInterval: 20 * time.Millisecond,
		ReadPollInterval:   10 * time.Millisecond,
		Registerer:         prometheus.NewRegistry(),
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startServer binds and runs a server, returning it with the channel Run's result lands on.
func startServer(t *testing.T) (*server.Server, <-chan error) {
	t.Helper()
	return startServerWith(t, testConfig())
}

func startServerWith(t *testing.T, cfg *server.Config) (*server.Server, <-chan error) {
	t.Helper()
	srv, err := server.New(cfg, echopb.Codec{})
	require.NoError(t, err)

	errc := runServer(t, srv)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		srv.Close()
	})
	return srv, errc
}

func runServer(t *testing.T, srv *server.Server) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- srv.Run() }()
	require.Eventually(t, srv.Running, time.Second, 5*time.Millisecond, "server did not start")
	return errc
}

func waitRun(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
		return nil
	}
}

func dial(t *testing.T, srv *server.Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err, "Failed to connect to server")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, content string) {
	t.Helper()
	msg := &echopb.EchoMessage{Content: content}
	_, err := conn.Write(msg.Marshal())
	require.NoError(t, err, "Failed to send message")
}

func receive(t *testing.T, conn net.Conn, expectedLen int) *echopb.EchoMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, expectedLen)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err, "Failed to read echo")

	var msg echopb.EchoMessage
	require.NoError(t, msg.Unmarshal(buf))
	return &msg
}

func roundTrip(t *testing.T, conn net.Conn, content string) {
	t.Helper()
	send(t, conn, content)
	expected := &echopb.EchoMessage{Content: content}
	got := receive(t, conn, len(expected.Marshal()))
	assert.Equal(t, content, got.Content)
}

func counterValue(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestEphemeralPort(t *testing.T) {
	srv, _ := startServer(t)

	assert.Greater(t, srv.Port(), 0)
	conn := dial(t, srv)
	roundTrip(t, conn, "hello")
}

func TestBindError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	cfg.Address = ln.Addr().String()
	_, err = server.New(cfg, echopb.Codec{})
	require.Error(t, err)

	var bindErr *server.BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, ln.Addr().String(), bindErr.Address)
}

func TestNilCodec(t *testing.T) {
	_, err := server.New(testConfig(), nil)
	assert.Error(t, err)
}

func TestEchoFidelity(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv)

	tests := []struct {
		name    string
		content string
	}{
		{name: "ascii", content: "Hello, World!"},
		{name: "unicode", content: "héllo wörld ✓"},
		{name: "single byte", content: "x"},
		{name: "near buffer size", content: string(make([]byte, 400))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roundTrip(t, conn, tt.content)
		})
	}
}

func TestMultipleMessagesOnOneConnection(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv)

	for _, content := range []string{"first", "second", "third"} {
		roundTrip(t, conn, content)
	}
}

func TestMalformedInputIsDropped(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv)

	// Length prefix claims 5 bytes but only one follows.
	_, err := conn.Write([]byte{0x0a, 0x05, 'h'})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = conn.Read(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), "expected no response, got %v", err)

	// The connection is still usable.
	roundTrip(t, conn, "still here")

	failures := srv.Metrics().DecodeFailures.WithLabelValues("tcp")
	assert.Equal(t, 1.0, counterValue(t, failures))
}

func TestCleanDisconnectRemovesClient(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv)
	local := conn.LocalAddr().String()

	require.Eventually(t, func() bool {
		clients := srv.Clients()
		return len(clients) == 1 && clients[0].Addr == local
	}, time.Second, 5*time.Millisecond)

	clients := srv.Clients()
	assert.Equal(t, "tcp", clients[0].Transport)
	assert.NotEmpty(t, clients[0].ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return len(srv.Clients()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConcurrentClientsAreIsolated(t *testing.T) {
	srv, _ := startServer(t)

	const clients = 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		conn := dial(t, srv)
		wg.Add(1)
		go func(id int, conn net.Conn) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				content := string(rune('a'+id)) + "-" + string(rune('0'+j))
				msg := &echopb.EchoMessage{Content: content}
				if _, err := conn.Write(msg.Marshal()); !assert.NoError(t, err) {
					return
				}
				conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				buf := make([]byte, len(msg.Marshal()))
				if _, err := io.ReadFull(conn, buf); !assert.NoError(t, err) {
					return
				}
				var got echopb.EchoMessage
				assert.NoError(t, got.Unmarshal(buf))
				assert.Equal(t, content, got.Content)
			}
		}(i, conn)
	}
	wg.Wait()

	assert.Equal(t, float64(clients), counterValue(t, srv.Metrics().ConnectionsTotal.WithLabelValues("tcp")))
	echoed := srv.Metrics().MessagesEchoed.WithLabelValues("tcp")
	assert.Eventually(t, func() bool {
		return counterValue(t, echoed) == float64(clients*5)
	}, time.Second, 5*time.Millisecond)
}

func TestStopHaltsAccepting(t *testing.T) {
	srv, errc := startServer(t)
	addr := srv.Addr().String()

	srv.Stop()
	require.NoError(t, waitRun(t, errc))
	assert.False(t, srv.Running())

	// The socket stays bound for a later Run, so the kernel may complete the
	// handshake, but nothing answers.
	if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		defer conn.Close()
		send(t, conn, "unanswered")
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		_, err = conn.Read(make([]byte, 16))
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded, "a stopped server must not echo")
	}
	assert.Empty(t, srv.Clients())

	require.NoError(t, srv.Close())
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "connection should be refused once closed")
}

func TestRunAfterStopResumes(t *testing.T) {
	srv, errc := startServer(t)
	roundTrip(t, dial(t, srv), "first run")

	srv.Stop()
	require.NoError(t, waitRun(t, errc))

	errc = runServer(t, srv)
	roundTrip(t, dial(t, srv), "second run")

	srv.Stop()
	require.NoError(t, waitRun(t, errc))
	assert.Equal(t, 2.0, counterValue(t, srv.Metrics().ConnectionsTotal.WithLabelValues("tcp")))
}

func TestStopTwiceIsNoop(t *testing.T) {
	const warning = "server was already stopped or not running"
	var logs syncBuffer
	cfg := testConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	srv, errc := startServerWith(t, cfg)

	srv.Stop()
	require.NoError(t, waitRun(t, errc))
	assert.NotContains(t, logs.String(), warning)

	assert.NotPanics(t, srv.Stop)
	assert.False(t, srv.Running())

	out := logs.String()
	assert.Contains(t, out, `level=WARN msg="`+warning+`"`)
	assert.Equal(t, 1, strings.Count(out, warning))
}

func TestStopBeforeRunIsNoop(t *testing.T) {
	srv, err := server.New(testConfig(), echopb.Codec{})
	require.NoError(t, err)
	defer srv.Close()

	srv.Stop()

	errc := runServer(t, srv)

	conn := dial(t, srv)
	roundTrip(t, conn, "after early stop")

	srv.Stop()
	require.NoError(t, <-errc)
}

func TestStopEndsInflightSessions(t *testing.T) {
	srv, errc := startServer(t)
	conn := dial(t, srv)
	roundTrip(t, conn, "before stop")

	srv.Stop()
	require.NoError(t, <-errc)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := conn.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF, "session should close the connection when the server stops")

	require.Eventually(t, func() bool {
		return len(srv.Clients()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownWaitsForSessions(t *testing.T) {
	srv, errc := startServer(t)
	dial(t, srv)
	dial(t, srv)
	require.Eventually(t, func() bool {
		return len(srv.Clients()) == 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-errc)

	assert.Empty(t, srv.Clients())
	assert.Equal(t, 0.0, counterValue(t, srv.Metrics().ActiveSessions.WithLabelValues("tcp")))
}

func TestRunAfterShutdownIsClosed(t *testing.T) {
	srv, errc := startServer(t)
	addr := srv.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, waitRun(t, errc))

	assert.ErrorIs(t, srv.Run(), server.ErrServerClosed)
	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "Shutdown releases the listening socket")
}

func TestSessionSpanUsesConfiguredProvider(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	cfg := testConfig()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	srv, _ := startServerWith(t, cfg)

	conn := dial(t, srv)
	local := conn.LocalAddr().String()
	roundTrip(t, conn, "traced")
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(sr.Ended()) == 1
	}, time.Second, 5*time.Millisecond)

	span := sr.Ended()[0]
	assert.Equal(t, "echo.session", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)
	assert.Contains(t, span.Attributes(), attribute.String("net.peer.addr", local))
}

func TestRunStateErrors(t *testing.T) {
	srv, _ := startServer(t)

	assert.ErrorIs(t, srv.Run(), server.ErrAlreadyRunning)

	require.NoError(t, srv.Close())
	require.Eventually(t, func() bool { return !srv.Running() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, srv.Run(), server.ErrServerClosed)
}
