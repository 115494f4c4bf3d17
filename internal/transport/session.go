// Package transport manages a single websocket session to the device,
// including ping/pong liveness and the bounded close handshake.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/audiosync/internal/discovery"
	"github.com/alexjbarnes/audiosync/internal/metrics"
	"github.com/coder/websocket"
)

const (
	// readLimit bounds a single inbound frame. File list pages are the
	// largest messages the device sends.
	readLimit = 4 * 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the reader goroutine to the session loop.
	inboundChanSize = 64

	// outboundChanSize is the buffer size for payloads queued by Send.
	outboundChanSize = 64

	// eventChanSize is the buffer size for events delivered to the owner.
	eventChanSize = 64

	writeTimeout = 5 * time.Second
)

// State is the lifecycle state of a Session.
type State int32

const (
	Connecting State = iota
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind identifies a session event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventMessage
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is emitted by a Session. Payload is set for EventMessage only.
type Event struct {
	Kind    EventKind
	Payload string
}

// Options configures session timings.
type Options struct {
	Path         string
	DialTimeout  time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	CloseTimeout time.Duration
}

// wsConn abstracts the websocket connection so Session can be tested
// without a real device. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// inboundMsg wraps a message read from the websocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Session owns one websocket connection.
//
// A reader goroutine feeds inbound frames to a single loop goroutine
// which also owns all writes, the ping ticker and the close handshake.
// The event stream always starts with EventConnected and ends with
// exactly one EventDisconnected, after which it is closed.
type Session struct {
	conn     wsConn
	logger   *slog.Logger
	opts     Options
	endpoint discovery.Endpoint

	state atomic.Int32

	outCh    chan string
	events   chan Event
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// Dial opens a websocket to ep and starts the session. The context
// bounds the handshake only.
func Dial(ctx context.Context, ep discovery.Endpoint, opts Options, logger *slog.Logger) (*Session, error) {
	url := ep.URL(opts.Path)

	dialCtx := ctx
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc

		dialCtx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, url, nil) //nolint:bodyclose // coder/websocket closes the response body
	if err != nil {
		metrics.SessionsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	conn.SetReadLimit(readLimit)

	s := newSession(conn, ep, opts, logger)
	s.start()

	return s, nil
}

func newSession(conn wsConn, ep discovery.Endpoint, opts Options, logger *slog.Logger) *Session {
	s := &Session{
		conn:     conn,
		logger:   logger.With(slog.String("endpoint", ep.String())),
		opts:     opts,
		endpoint: ep,
		outCh:    make(chan string, outboundChanSize),
		events:   make(chan Event, eventChanSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(Connecting))

	return s
}

func (s *Session) start() {
	s.setState(Connected)
	metrics.SessionsTotal.WithLabelValues("connected").Inc()
	metrics.Connected.Set(1)
	s.logger.Info("connected")

	s.events <- Event{Kind: EventConnected}

	go s.run()
}

// Endpoint returns the address this session is connected to.
func (s *Session) Endpoint() discovery.Endpoint {
	return s.endpoint
}

// Events returns the session's event stream.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the connection has been released and the final
// EventDisconnected queued.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Send queues a text payload for delivery. Delivery is best effort:
// payloads are dropped once the session has closed or if the queue is
// full.
func (s *Session) Send(payload string) {
	select {
	case <-s.done:
		s.logger.Debug("dropping payload, session closed")
		return
	default:
	}

	select {
	case s.outCh <- payload:
	default:
		s.logger.Warn("dropping payload, send queue full")
	}
}

// Close starts a graceful shutdown. It does not wait; use Done.
func (s *Session) Close() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// startReader launches a goroutine that reads from the websocket. It
// exits when connCtx is cancelled or a read error occurs. The error is
// delivered as the final message on the returned channel.
func (s *Session) startReader(connCtx context.Context) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)
	conn := s.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// run is the session loop. All writes, pings and the close handshake
// happen here.
func (s *Session) run() {
	connCtx, connCancel := context.WithCancel(context.Background())
	inbound := s.startReader(connCtx)

	ticker := time.NewTicker(s.opts.PingInterval)

	var (
		lastSeen    = time.Now()
		pinging     bool
		pongs       = make(chan error, 1)
		quit        = s.quit
		closeDone   chan error
		closeTimer  *time.Timer
		closeExpiry <-chan time.Time
		reason      string
	)

	beginClose := func(why string) {
		if s.State() != Connected {
			return
		}

		s.setState(Closing)
		reason = why

		closeDone = make(chan error, 1)
		go func() {
			closeDone <- s.conn.Close(websocket.StatusNormalClosure, why)
		}()

		closeTimer = time.NewTimer(s.opts.CloseTimeout)
		closeExpiry = closeTimer.C
	}

loop:
	for {
		select {
		case payload := <-s.outCh:
			s.write(connCtx, payload)

		case <-quit:
			quit = nil

			s.logger.Debug("closing session")
			beginClose("shutdown")

		case <-ticker.C:
			if s.State() != Connected {
				continue
			}

			if elapsed := time.Since(lastSeen); elapsed >= s.opts.PongTimeout {
				s.logger.Warn("no pong received, closing",
					slog.Duration("silence", elapsed),
				)
				beginClose("liveness timeout")

				continue
			}

			if !pinging {
				pinging = true

				go func() { pongs <- s.conn.Ping(connCtx) }()
			}

		case err := <-pongs:
			pinging = false

			if err != nil {
				s.logger.Debug("ping failed", slog.String("error", err.Error()))
				continue
			}

			lastSeen = time.Now()

		case msg := <-inbound:
			if msg.err != nil {
				if reason == "" {
					reason = s.classifyReadError(msg.err)
				}

				break loop
			}

			lastSeen = time.Now()

			if msg.typ != websocket.MessageText {
				s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			s.events <- Event{Kind: EventMessage, Payload: string(msg.data)}

		case err := <-closeDone:
			closeDone = nil

			if err != nil {
				s.logger.Debug("close handshake", slog.String("error", err.Error()))
			}

			break loop

		case <-closeExpiry:
			s.logger.Warn("close handshake timed out, dropping connection",
				slog.Duration("timeout", s.opts.CloseTimeout),
			)

			reason = "close timeout"

			break loop
		}
	}

	ticker.Stop()

	if closeTimer != nil {
		closeTimer.Stop()
	}

	// Cancelling the read context makes the library drop the socket.
	// CloseNow waits for an in-flight Close, so while the handshake is
	// still pending it must not block the Disconnected event.
	connCancel()

	if closeDone != nil {
		go func() { _ = s.conn.CloseNow() }()
	} else {
		_ = s.conn.CloseNow()
	}

	s.setState(Closed)
	metrics.Connected.Set(0)
	metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	s.logger.Info("disconnected", slog.String("reason", reason))

	s.events <- Event{Kind: EventDisconnected}
	close(s.events)
	close(s.done)
}

// write sends payload as a text frame. Failures are logged; a dead
// connection is detected by the reader.
func (s *Session) write(connCtx context.Context, payload string) {
	ctx, cancel := context.WithTimeout(connCtx, writeTimeout)
	defer cancel()

	if err := s.conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
		s.logger.Warn("write failed", slog.String("error", err.Error()))
	}
}

func (s *Session) classifyReadError(err error) string {
	if status := websocket.CloseStatus(err); status != -1 {
		s.logger.Info("device closed connection", slog.Int("status", int(status)))
		return "closed"
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		s.logger.Warn("connection reset", slog.String("error", err.Error()))
		return "reset"
	}

	s.logger.Warn("read failed", slog.String("error", err.Error()))

	return "read error"
}
