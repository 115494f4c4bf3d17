// Package link composes discovery and transport sessions into a single
// logical channel to the device that survives endpoint churn.
package link

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/audiosync/internal/discovery"
	apperrors "github.com/alexjbarnes/audiosync/internal/errors"
	"github.com/alexjbarnes/audiosync/internal/transport"
)

const (
	// eventChanSize is the buffer size for events relayed to the owner.
	eventChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2
)

// Options configures a Supervisor.
type Options struct {
	Transport    transport.Options
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// session is the subset of *transport.Session the supervisor drives.
type session interface {
	Events() <-chan transport.Event
	Send(payload string)
	Close()
	Done() <-chan struct{}
}

type active struct {
	sess session
}

// Supervisor keeps at most one session open. With no endpoint it runs
// discovery; with an endpoint it dials; with a session it relays events
// until the session ends, then forgets the endpoint and starts over.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	newSource func() discovery.Source
	dial      func(ctx context.Context, ep discovery.Endpoint) (session, error)

	current atomic.Pointer[active]
	events  chan transport.Event
}

// New creates a Supervisor. newSource is called each time an endpoint
// is needed and must return a started source.
func New(opts Options, newSource func() discovery.Source, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		opts:      opts,
		logger:    logger,
		newSource: newSource,
		events:    make(chan transport.Event, eventChanSize),
	}

	s.dial = func(ctx context.Context, ep discovery.Endpoint) (session, error) {
		return transport.Dial(ctx, ep, opts.Transport, logger)
	}

	return s
}

// Events returns the relayed event stream. Messages only appear
// between a Connected and the matching Disconnected. The channel is
// closed when Run returns.
func (s *Supervisor) Events() <-chan transport.Event {
	return s.events
}

// Send forwards payload to the active session. It returns
// ErrNotConnected and drops the payload when there is none.
func (s *Supervisor) Send(payload string) error {
	cur := s.current.Load()
	if cur == nil {
		return apperrors.ErrNotConnected
	}

	cur.sess.Send(payload)

	return nil
}

// Connected reports whether a session is active.
func (s *Supervisor) Connected() bool {
	return s.current.Load() != nil
}

// Run supervises connections until ctx is cancelled. On return any
// session has been closed and discovery stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.events)

	backoff := s.opts.ReconnectMin

	for {
		ep, err := s.discover(ctx)
		if err != nil {
			return nil
		}

		sess, err := s.dial(ctx, ep)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			wait := backoff
			if half := int64(backoff) / jitterDivisor; half > 0 {
				wait += time.Duration(rand.Int64N(half)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
			}

			s.logger.Warn("connect failed, rediscovering",
				slog.String("endpoint", ep.String()),
				slog.String("error", err.Error()),
				slog.Duration("backoff", wait),
			)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			backoff = min(backoff*reconnectBackoffMultiplier, s.opts.ReconnectMax)

			continue
		}

		backoff = s.opts.ReconnectMin

		if !s.pump(ctx, sess) {
			return nil
		}

		s.logger.Info("session ended, rediscovering")
	}
}

// discover runs a fresh source until it yields an endpoint.
func (s *Supervisor) discover(ctx context.Context) (discovery.Endpoint, error) {
	src := s.newSource()
	defer src.Shutdown()

	select {
	case ep := <-src.Found():
		return ep, nil
	case <-ctx.Done():
		return discovery.Endpoint{}, ctx.Err()
	}
}

// pump relays session events until the session ends. It returns false
// when ctx was cancelled, after the session has released its
// connection.
func (s *Supervisor) pump(ctx context.Context, sess session) bool {
	events := sess.Events()
	quit := ctx.Done()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				<-sess.Done()
				return ctx.Err() == nil
			}

			switch ev.Kind {
			case transport.EventConnected:
				s.current.Store(&active{sess: sess})
			case transport.EventDisconnected:
				s.current.Store(nil)
			}

			s.relay(ctx, ev)

		case <-quit:
			quit = nil

			s.current.Store(nil)
			sess.Close()
		}
	}
}

// relay forwards ev to the owner. Once ctx is cancelled the owner may
// have stopped reading, so delivery becomes best effort.
func (s *Supervisor) relay(ctx context.Context, ev transport.Event) {
	if ctx.Err() != nil {
		select {
		case s.events <- ev:
		default:
		}

		return
	}

	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
