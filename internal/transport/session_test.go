package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/audiosync/internal/discovery"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testOptions() Options {
	return Options{
		Path:         "/websocket",
		PingInterval: 2 * time.Second,
		PongTimeout:  5 * time.Second,
		CloseTimeout: 5 * time.Second,
	}
}

func startTestSession(t *testing.T, conn wsConn) *Session {
	t.Helper()

	ep := discovery.Endpoint{Addr: netip.MustParseAddrPort("192.168.4.1:80")}
	s := newSession(conn, ep, testOptions(), slog.Default())
	s.start()

	return s
}

func blockingRead(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func blockingPing(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// drain reads events until the stream is closed.
func drain(s *Session) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}

	return out
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "closing", Closing.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestSession_MessagesThenShutdown(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		gomock.InOrder(
			conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"a":1}`), nil),
			conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageBinary, []byte{1, 2}, nil),
			conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{"b":2}`), nil),
			conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead).AnyTimes(),
		)
		conn.EXPECT().Ping(gomock.Any()).DoAndReturn(blockingPing).AnyTimes()
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutdown").Return(nil)
		conn.EXPECT().CloseNow().Return(nil).AnyTimes()

		s := startTestSession(t, conn)

		assert.Equal(t, Event{Kind: EventConnected}, <-s.Events())
		assert.Equal(t, Event{Kind: EventMessage, Payload: `{"a":1}`}, <-s.Events())
		assert.Equal(t, Event{Kind: EventMessage, Payload: `{"b":2}`}, <-s.Events(), "binary frame must be skipped")
		assert.Equal(t, Connected, s.State())

		s.Close()

		assert.Equal(t, []Event{{Kind: EventDisconnected}}, drain(s))
		<-s.Done()
		assert.Equal(t, Closed, s.State())
	})
}

func TestSession_LivenessTimeoutClosesGracefully(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead).AnyTimes()
		conn.EXPECT().Ping(gomock.Any()).DoAndReturn(blockingPing).AnyTimes()
		conn.EXPECT().Close(websocket.StatusNormalClosure, "liveness timeout").Return(nil)
		conn.EXPECT().CloseNow().Return(nil).AnyTimes()

		start := time.Now()
		s := startTestSession(t, conn)

		require.Equal(t, Event{Kind: EventConnected}, <-s.Events())
		require.Equal(t, Event{Kind: EventDisconnected}, <-s.Events())

		// The first tick at or past the pong window is at 6s.
		assert.Equal(t, 6*time.Second, time.Since(start))
		assert.Empty(t, drain(s))
	})
}

func TestSession_CloseHandshakeTimeoutForcesClose(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		// Like *websocket.Conn: Close only gives up after its own long
		// timeout, and CloseNow waits for an in-flight Close.
		closeReturned := make(chan struct{})

		conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead).AnyTimes()
		conn.EXPECT().Ping(gomock.Any()).DoAndReturn(blockingPing).AnyTimes()
		conn.EXPECT().Close(websocket.StatusNormalClosure, "liveness timeout").
			DoAndReturn(func(websocket.StatusCode, string) error {
				time.Sleep(30 * time.Second)
				close(closeReturned)

				return errors.New("connection dropped")
			})
		conn.EXPECT().CloseNow().DoAndReturn(func() error {
			<-closeReturned
			return nil
		})

		start := time.Now()
		s := startTestSession(t, conn)

		require.Equal(t, Event{Kind: EventConnected}, <-s.Events())

		time.Sleep(8 * time.Second)
		synctest.Wait()
		assert.Equal(t, Closing, s.State())

		require.Equal(t, Event{Kind: EventDisconnected}, <-s.Events())
		assert.Equal(t, 11*time.Second, time.Since(start))
		assert.Equal(t, Closed, s.State())
		assert.Empty(t, drain(s))
		<-s.Done()
	})
}

func TestSession_PongsKeepSessionAlive(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead).AnyTimes()
		conn.EXPECT().Ping(gomock.Any()).Return(nil).MinTimes(5)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutdown").Return(nil)
		conn.EXPECT().CloseNow().Return(nil).AnyTimes()

		s := startTestSession(t, conn)
		require.Equal(t, Event{Kind: EventConnected}, <-s.Events())

		time.Sleep(20 * time.Second)
		synctest.Wait()
		assert.Equal(t, Connected, s.State())

		s.Close()
		assert.Equal(t, []Event{{Kind: EventDisconnected}}, drain(s))
	})
}

func TestSession_InboundTrafficCountsAsLiveness(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		conn.EXPECT().Read(gomock.Any()).DoAndReturn(
			func(ctx context.Context) (websocket.MessageType, []byte, error) {
				select {
				case <-time.After(3 * time.Second):
					return websocket.MessageText, []byte(`{}`), nil
				case <-ctx.Done():
					return 0, nil, ctx.Err()
				}
			}).AnyTimes()
		conn.EXPECT().Ping(gomock.Any()).DoAndReturn(blockingPing).AnyTimes()
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutdown").Return(nil)
		conn.EXPECT().CloseNow().Return(nil).AnyTimes()

		s := startTestSession(t, conn)

		time.Sleep(20 * time.Second)
		synctest.Wait()
		assert.Equal(t, Connected, s.State())

		s.Close()

		events := drain(s)
		require.NotEmpty(t, events)
		assert.Equal(t, EventConnected, events[0].Kind)
		assert.Equal(t, EventDisconnected, events[len(events)-1].Kind)

		for _, ev := range events[1 : len(events)-1] {
			assert.Equal(t, EventMessage, ev.Kind)
		}
	})
}

func TestSession_PeerCloseEndsSession(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		conn.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, nil, websocket.CloseError{Code: websocket.StatusGoingAway, Reason: "bye"})
		conn.EXPECT().Ping(gomock.Any()).DoAndReturn(blockingPing).AnyTimes()
		conn.EXPECT().CloseNow().Return(nil)

		s := startTestSession(t, conn)

		assert.Equal(t, []Event{{Kind: EventConnected}, {Kind: EventDisconnected}}, drain(s))
		assert.Equal(t, Closed, s.State())
	})
}

func TestSession_SendWritesTextFrame(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead).AnyTimes()
		conn.EXPECT().Ping(gomock.Any()).DoAndReturn(blockingPing).AnyTimes()
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"id":1}`)).Return(nil)
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`{"id":2}`)).Return(errors.New("broken pipe"))
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutdown").Return(nil)
		conn.EXPECT().CloseNow().Return(nil).AnyTimes()

		s := startTestSession(t, conn)

		s.Send(`{"id":1}`)
		s.Send(`{"id":2}`)
		synctest.Wait()

		assert.Equal(t, Connected, s.State(), "write failure alone must not end the session")

		s.Close()
		drain(s)
	})
}

func TestSession_SendAfterCloseDoesNotBlock(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead).AnyTimes()
		conn.EXPECT().Ping(gomock.Any()).DoAndReturn(blockingPing).AnyTimes()
		conn.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil)
		conn.EXPECT().CloseNow().Return(nil).AnyTimes()

		s := startTestSession(t, conn)
		s.Close()
		s.Close()
		drain(s)

		s.Send(`{"late":true}`)
	})
}
