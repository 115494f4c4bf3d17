package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/audiosync/internal/catalog"
	"github.com/alexjbarnes/audiosync/internal/discovery"
	"github.com/alexjbarnes/audiosync/internal/engine"
	"github.com/alexjbarnes/audiosync/internal/link"
	"github.com/alexjbarnes/audiosync/internal/state"
	"github.com/alexjbarnes/audiosync/internal/transport"
)

const (
	wsPath   = "/websocket"
	pageSize = 2
	waitFor  = 5 * time.Second
)

// deviceRequest is a JSON-RPC request as the player sees it.
type deviceRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      uint32          `json:"id"`
}

// fakeDevice serves the player's websocket API over a fixed file tree.
// Each connection keeps its own listing cursor.
type fakeDevice struct {
	t     *testing.T
	files []string

	// deaf makes the next connection stop reading after the handshake
	// so pings go unanswered.
	deaf atomic.Bool
	quit chan struct{}

	mu    sync.Mutex
	conns []*websocket.Conn
	dials int
}

func (d *fakeDevice) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.dials++
	d.mu.Unlock()

	if d.deaf.Swap(false) {
		<-d.quit
		conn.CloseNow()

		return
	}

	ctx := r.Context()
	cursor := 0

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var req deviceRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		var result any

		switch req.Method {
		case "get-version":
			result = map[string]any{"project": "player", "version": "1.4.0", "esp-idf": "v5.1"}

		case "get-file-list":
			var p struct {
				Start bool `json:"start"`
			}
			_ = json.Unmarshal(req.Params, &p)

			if p.Start {
				cursor = 0
			}

			end := min(cursor+pageSize, len(d.files))
			result = map[string]any{
				"first": cursor == 0,
				"last":  end == len(d.files),
				"files": d.files[cursor:end],
			}
			cursor = end

		case "get-file-info":
			var p struct {
				Filename string `json:"filename"`
			}
			_ = json.Unmarshal(req.Params, &p)

			result = map[string]any{
				"filename": p.Filename,
				"genre":    "Jazz",
				"artist":   "Quartet",
				"album":    "Live",
				"title":    filepath.Base(p.Filename),
				"track":    1,
				"duration": 240,
			}

		default:
			d.reply(ctx, conn, map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})

			continue
		}

		d.reply(ctx, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
}

func (d *fakeDevice) reply(ctx context.Context, conn *websocket.Conn, msg map[string]any) {
	data, err := json.Marshal(msg)
	if err != nil {
		d.t.Errorf("marshal reply: %v", err)
		return
	}

	_ = conn.Write(ctx, websocket.MessageText, data)
}

// dropAll closes every open connection from the device side.
func (d *fakeDevice) dropAll() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range d.conns {
		c.Close(websocket.StatusGoingAway, "restarting")
	}

	d.conns = nil
}

func (d *fakeDevice) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.dials
}

type harness struct {
	Device *fakeDevice
	Engine *engine.Engine
	State  *state.State
	cancel context.CancelFunc
	done   chan struct{}
}

// newHarness starts a fake device and wires the supervisor, engine and
// bbolt store against it through a static endpoint.
func newHarness(t *testing.T, files []string, opts ...func(*fakeDevice)) *harness {
	t.Helper()

	dev := &fakeDevice{t: t, files: files, quit: make(chan struct{})}
	for _, opt := range opts {
		opt(dev)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, dev.handle)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(dev.quit) })

	ep, err := discovery.ParseEndpoint(ts.Listener.Addr().String())
	require.NoError(t, err)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.DiscardHandler)

	sup := link.New(link.Options{
		Transport: transport.Options{
			Path:         wsPath,
			DialTimeout:  time.Second,
			PingInterval: 50 * time.Millisecond,
			PongTimeout:  200 * time.Millisecond,
			CloseTimeout: 100 * time.Millisecond,
		},
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	}, func() discovery.Source { return discovery.NewStatic(ep) }, logger)

	eng := engine.New(sup, catalog.New(".ogg"), st, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		var wg sync.WaitGroup
		wg.Go(func() { _ = sup.Run(ctx) })
		wg.Go(func() { _ = eng.Run(ctx) })
		wg.Wait()
	}()

	h := &harness{Device: dev, Engine: eng, State: st, cancel: cancel, done: done}
	t.Cleanup(h.stop)

	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

// await returns the next engine event of kind, failing after waitFor.
func (h *harness) await(t *testing.T, kind engine.EventKind) engine.Event {
	t.Helper()

	deadline := time.After(waitFor)

	for {
		select {
		case ev, ok := <-h.Engine.Events():
			if !ok {
				t.Fatalf("engine stopped while waiting for %s", kind)
			}

			if ev.Kind == kind {
				return ev
			}

		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}
