package connmgr_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexBischof/mewbase/internal/connmgr"
	"github.com/AlexBischof/mewbase/internal/docbinding"
	"github.com/AlexBischof/mewbase/internal/frame"
	"github.com/AlexBischof/mewbase/internal/observability"
)

func newTestServer(t *testing.T) *connmgr.Server {
	t.Helper()
	dir := t.TempDir()
	logger := observability.NewNoOpLogger()
	docs, err := docbinding.NewManager(4, map[string]func() (docbinding.Binder, error){})
	require.NoError(t, err)
	return connmgr.NewServer(connmgr.Config{
		LogsDir:         dir,
		MaxLogChunkSize: 1 << 20,
		InitialCredit:   1 << 20,
	}, logger, docs)
}

// dial wires a new client-side net.Conn to a freshly-accepted server
// connection over an in-memory pipe.
func dial(t *testing.T, s *connmgr.Server) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	s.Accept(server)
	return client
}

func send(t *testing.T, conn net.Conn, f *frame.Frame) {
	t.Helper()
	require.NoError(t, f.WriteTo(conn))
}

func recvWithin(t *testing.T, conn net.Conn, timeout time.Duration) *frame.Frame {
	t.Helper()
	result := make(chan *frame.Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		scanner := frame.NewScanner(conn)
		if !scanner.Scan() {
			errCh <- scanner.Err()
			return
		}
		f, err := frame.Decode(scanner.Bytes())
		if err != nil {
			errCh <- err
			return
		}
		result <- f
	}()
	select {
	case f := <-result:
		return f
	case err := <-errCh:
		require.NoError(t, err)
		return nil
	case <-time.After(timeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// TestPublishSubscribeRoundTrip mirrors scenario S1 in §8: two
// connections, one publishes two events and gets two successive OK
// responses, the other subscribes from position 0 and sees both events
// in order.
func TestPublishSubscribeRoundTrip(t *testing.T) {
	s := newTestServer(t)

	a := dial(t, s)
	defer a.Close()
	send(t, a, frame.New(connmgr.KindConnect))
	ok := recvWithin(t, a, time.Second)
	require.Equal(t, connmgr.KindResponse, ok.Kind)

	send(t, a, frame.New(connmgr.KindPublish).
		Set("channel", frame.String("orders")).
		Set("event", frame.Nested(frame.New("").Set("id", frame.Int64(1)))))
	send(t, a, frame.New(connmgr.KindPublish).
		Set("channel", frame.String("orders")).
		Set("event", frame.Nested(frame.New("").Set("id", frame.Int64(2)))))

	r1 := recvWithin(t, a, time.Second)
	r2 := recvWithin(t, a, time.Second)
	v1, _ := r1.Get("ok")
	okVal1, _ := v1.AsBool()
	v2, _ := r2.Get("ok")
	okVal2, _ := v2.AsBool()
	assert.True(t, okVal1)
	assert.True(t, okVal2)

	b := dial(t, s)
	defer b.Close()
	send(t, b, frame.New(connmgr.KindConnect))
	_ = recvWithin(t, b, time.Second)

	send(t, b, frame.New(connmgr.KindSubscribe).
		Set("channel", frame.String("orders")).
		Set("startPos", frame.Int64(0)))
	subResp := recvWithin(t, b, time.Second)
	require.Equal(t, connmgr.KindSubResponse, subResp.Kind)

	ev1 := recvWithin(t, b, time.Second)
	ev2 := recvWithin(t, b, time.Second)
	assert.Equal(t, "EVENT", ev1.Kind)
	assert.Equal(t, "EVENT", ev2.Kind)
}

// TestPublishBeforeConnectIsFatal checks that a frame sent before
// CONNECT closes the connection with no response.
func TestPublishBeforeConnectIsFatal(t *testing.T) {
	s := newTestServer(t)
	conn := dial(t, s)
	defer conn.Close()

	send(t, conn, frame.New(connmgr.KindPublish).
		Set("channel", frame.String("orders")).
		Set("event", frame.Nested(frame.New(""))))

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := conn.Read(buf)
	assert.Error(t, err, "connection should be closed with no response")
}

// TestPublishMissingChannelIsFatal mirrors S5 with a missing required
// field after a valid CONNECT.
func TestPublishMissingChannelIsFatal(t *testing.T) {
	s := newTestServer(t)
	conn := dial(t, s)
	defer conn.Close()

	send(t, conn, frame.New(connmgr.KindConnect))
	_ = recvWithin(t, conn, time.Second)

	send(t, conn, frame.New(connmgr.KindPublish).
		Set("event", frame.Nested(frame.New(""))))

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := conn.Read(buf)
	assert.Error(t, err)
}

func TestServerShutdownClosesConnections(t *testing.T) {
	s := newTestServer(t)
	conn := dial(t, s)
	defer conn.Close()

	send(t, conn, frame.New(connmgr.KindConnect))
	_ = recvWithin(t, conn, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err := conn.Read(buf)
	assert.Error(t, err)
}
