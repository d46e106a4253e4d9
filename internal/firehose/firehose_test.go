package firehose

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconnectDelaySequence(t *testing.T) {
	// Cold connection that never receives a byte: 5, 10, 20, 40, 60, 60, ...
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for attempt, d := range want {
		assert.Equal(t, d, reconnectDelay(attempt, 5*time.Second, 60*time.Second), "attempt %d", attempt)
	}
}

func TestReconnectDelayLargeAttemptDoesNotOverflow(t *testing.T) {
	assert.Equal(t, 60*time.Second, reconnectDelay(64, 5*time.Second, 60*time.Second))
}

// chanSink collects payloads from the supervisor.
type chanSink struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *chanSink) Enqueue(_ context.Context, msg []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
}

func (c *chanSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestSupervisorReconnectsAfterClose(t *testing.T) {
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		// Deliver one message, then drop the connection.
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("frame"))
		conn.Close()
	}))
	defer srv.Close()

	sink := &chanSink{}
	s := NewSupervisor("ws"+strings.TrimPrefix(srv.URL, "http"), sink, zap.NewNop())
	// Compress the delays; every connection delivers a message, so the
	// attempt counter resets and the delay never escalates past base.
	s.baseDelay = 20 * time.Millisecond
	s.maxDelay = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return sink.count() >= 3
	}, 5*time.Second, 10*time.Millisecond, "supervisor should reconnect and keep receiving")
	assert.GreaterOrEqual(t, conns.Load(), int64(3))
	assert.GreaterOrEqual(t, s.FramesReceived(), int64(3))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}

// stuckSink never accepts a payload, as when the frame queue is full
// behind a stalled pipeline.
type stuckSink struct{}

func (stuckSink) Enqueue(ctx context.Context, _ []byte) { <-ctx.Done() }

func TestSupervisorCancellationBreaksBlockedEnqueue(t *testing.T) {
	var delivered atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("frame"))
		delivered.Add(1)
		// Hold the connection open; the supervisor is now parked in
		// the sink enqueue, not in ReadMessage.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSupervisor("ws"+strings.TrimPrefix(srv.URL, "http"), stuckSink{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.FramesReceived() >= 1
	}, 5*time.Second, 10*time.Millisecond, "the frame must reach the supervisor first")
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not break the blocked enqueue")
	}
	assert.GreaterOrEqual(t, delivered.Load(), int64(1))
}

func TestSupervisorCancellationBreaksReceive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Hold the connection open without sending anything.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	s := NewSupervisor("ws"+strings.TrimPrefix(srv.URL, "http"), &chanSink{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the dial a moment, then cancel mid-receive.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not break the receive loop")
	}
}
