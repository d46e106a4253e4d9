// Package firehose maintains the upstream subscribeRepos connection
// and decodes its binary commit frames.
package firehose

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Reconnect delays follow min(base*2^attempt, max); the attempt
	// counter resets once a connection delivers a message.
	reconnectBaseDelay = 5 * time.Second
	reconnectMaxDelay  = 60 * time.Second

	pingInterval = 5 * time.Second
	idleTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// FrameSink receives raw firehose payloads. The processing stage's
// blocking enqueue implements it, giving the supervisor back-pressure.
// Enqueue must return once ctx is cancelled even if the queue is full,
// or shutdown would hang behind a backed-up pipeline.
type FrameSink interface {
	Enqueue(ctx context.Context, msg []byte)
}

// Supervisor owns exactly one upstream websocket connection at a time
// and forwards every received payload to the sink. All transport
// failures are non-fatal: log, back off, reconnect.
type Supervisor struct {
	url  string
	sink FrameSink
	log  *zap.SugaredLogger

	// Overridable for tests.
	baseDelay    time.Duration
	maxDelay     time.Duration
	pingInterval time.Duration
	idleTimeout  time.Duration

	received atomic.Int64
}

// NewSupervisor creates a supervisor for the given websocket endpoint.
func NewSupervisor(url string, sink FrameSink, log *zap.Logger) *Supervisor {
	return &Supervisor{
		url:          url,
		sink:         sink,
		log:          log.Sugar(),
		baseDelay:    reconnectBaseDelay,
		maxDelay:     reconnectMaxDelay,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
	}
}

// FramesReceived returns the total number of payloads received across
// all connections.
func (s *Supervisor) FramesReceived() int64 { return s.received.Load() }

// Run connects, streams, and reconnects with exponential backoff until
// the context is cancelled. It always returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.log.Infof("connecting to firehose at %s", s.url)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnf("firehose dial failed: %v", err)
		} else {
			s.log.Info("connected to the firehose")
			got := s.stream(ctx, conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if got {
				attempt = 0
			}
		}

		delay := reconnectDelay(attempt, s.baseDelay, s.maxDelay)
		attempt++
		s.log.Infof("reconnecting in %s", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stream reads messages from one connection until it fails or the
// context is cancelled. A keepalive ping fires every pingInterval and
// the read deadline acts as the watchdog: a wedged connection errors
// out within idleTimeout. Reports whether at least one message arrived.
func (s *Supervisor) stream(ctx context.Context, conn *websocket.Conn) bool {
	defer conn.Close()

	// Closing the connection on cancellation breaks ReadMessage
	// immediately, well inside one keepalive interval.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	go func() {
		t := time.NewTicker(s.pingInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	got := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warnf("firehose connection closed: %v", err)
			}
			return got
		}
		got = true
		s.received.Add(1)
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		// The enqueue aborts on cancellation; the next ReadMessage then
		// fails because the watchdog above has closed the connection.
		s.sink.Enqueue(ctx, msg)
	}
}

// reconnectDelay computes min(base*2^attempt, max).
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}
