// Package engine drives the sync walk: it requests the paginated file
// listing, feeds it into the catalog and then fetches metadata for one
// file at a time until none remain.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/audiosync/internal/catalog"
	apperrors "github.com/alexjbarnes/audiosync/internal/errors"
	"github.com/alexjbarnes/audiosync/internal/rpc"
	"github.com/alexjbarnes/audiosync/internal/state"
	"github.com/alexjbarnes/audiosync/internal/transport"
)

const (
	eventChanSize   = 64
	commandChanSize = 8
)

// Link is the connectivity layer the engine talks through.
// *link.Supervisor satisfies this interface.
type Link interface {
	Events() <-chan transport.Event
	Send(payload string) error
}

// Store persists the catalog and device details. *state.State
// satisfies this interface.
type Store interface {
	SaveCatalog(records []catalog.Record) error
	SetDevice(ds state.DeviceState) error
}

type command int

const (
	cmdResync command = iota + 1
)

// Engine is the top-level coordinator. All sync state is owned by the
// Run goroutine; the catalog is shared with readers under its own lock.
type Engine struct {
	link    Link
	rpc     *rpc.Correlator
	catalog *catalog.Catalog
	store   Store
	logger  *slog.Logger

	events chan Event
	cmds   chan command

	connected bool
	walking   bool
	inflight  string
	device    state.DeviceState
}

// New creates an Engine. store may be nil to disable persistence.
func New(l Link, cat *catalog.Catalog, store Store, logger *slog.Logger) *Engine {
	return &Engine{
		link:    l,
		rpc:     rpc.NewCorrelator(logger.With(slog.String("component", "rpc"))),
		catalog: cat,
		store:   store,
		logger:  logger,
		events:  make(chan Event, eventChanSize),
		cmds:    make(chan command, commandChanSize),
	}
}

// Events returns the outward event stream. It is closed when Run
// returns.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Catalog returns the shared catalog for navigation queries.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.catalog
}

// Resync asks the engine to rebuild the catalog from the device.
func (e *Engine) Resync() {
	select {
	case e.cmds <- cmdResync:
	default:
		e.logger.Warn("command queue full, dropping resync")
	}
}

// Run processes link events and commands until ctx is cancelled or the
// link's event stream ends.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.events)

	linkEvents := e.link.Events()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-linkEvents:
			if !ok {
				return nil
			}

			e.handleLink(ctx, ev)

		case cmd := <-e.cmds:
			if cmd == cmdResync {
				e.resync(ctx)
			}
		}
	}
}

func (e *Engine) handleLink(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		e.connected = true
		e.emit(ctx, Event{Kind: EventConnected})

		payload, err := e.rpc.GetVersion()
		if err != nil {
			e.emit(ctx, Event{Kind: EventError, Err: err})
			return
		}

		if err := e.link.Send(payload); err != nil {
			e.logger.Debug("version request not sent", slog.String("error", err.Error()))
		}

	case transport.EventDisconnected:
		e.connected = false

		if n := e.rpc.Reset(); n > 0 {
			e.logger.Info("discarded pending requests", slog.Int("count", n))
		}

		e.emit(ctx, Event{Kind: EventDisconnected})

		if e.walking {
			e.abort(ctx, fmt.Errorf("sync interrupted: %w", apperrors.ErrSessionClosed))
		}

	case transport.EventMessage:
		reply, err := e.rpc.Parse(ev.Payload)
		if err != nil {
			if e.walking && isWalkMethod(reply.Method) {
				e.abort(ctx, fmt.Errorf("%s: %w", reply.Method, err))
			}

			return
		}

		if reply.Err != nil {
			e.handleDeviceError(ctx, reply.Err)
			return
		}

		e.handleResult(ctx, reply.Result)
	}
}

func (e *Engine) handleResult(ctx context.Context, result rpc.Result) {
	switch r := result.(type) {
	case *rpc.VersionResult:
		e.logger.Info("device version",
			slog.String("project", r.Project),
			slog.String("version", r.Version),
			slog.String("esp_idf", r.ESPIDF),
		)

		e.device.Project = r.Project
		e.device.Version = r.Version
		e.device.ESPIDF = r.ESPIDF
		e.saveDevice()

		e.emit(ctx, Event{Kind: EventVersion, Version: r})

	case *rpc.FileListResult:
		if !e.walking {
			e.logger.Debug("ignoring file list outside a sync walk")
			return
		}

		e.catalog.Append(r.Files, r.Last)

		if !r.Last {
			e.step(ctx)
			e.send(ctx, rpc.MethodGetFileList, func() (string, error) { return e.rpc.GetFileList(false) })

			return
		}

		e.logger.Info("file listing complete", slog.Int("entries", e.catalog.Len()))
		e.next(ctx)

	case *rpc.FileInfoResult:
		if !e.walking {
			e.logger.Debug("ignoring file info outside a sync walk")
			return
		}

		path := e.inflight
		if path == "" {
			path = r.Filename
		}

		if r.Filename != path {
			e.logger.Debug("file info name differs from request",
				slog.String("requested", path),
				slog.String("reported", r.Filename),
			)
		}

		if !e.catalog.SetMetadata(path, infoFrom(r)) {
			e.logger.Warn("file info for unknown path", slog.String("path", path))
		}

		e.next(ctx)
	}
}

func (e *Engine) handleDeviceError(ctx context.Context, derr *rpc.DeviceError) {
	e.logger.Warn("device error",
		slog.String("method", derr.Method),
		slog.Int("code", derr.Code),
		slog.String("message", derr.Message),
	)

	if e.walking && isWalkMethod(derr.Method) {
		e.abort(ctx, derr)
		return
	}

	e.emit(ctx, Event{Kind: EventError, Err: derr})
}

func (e *Engine) resync(ctx context.Context) {
	if !e.connected {
		e.emit(ctx, Event{Kind: EventError, Err: fmt.Errorf("resync: %w", apperrors.ErrNotConnected)})
		e.emit(ctx, Event{Kind: EventReloadStop, Progress: e.catalog.Progress()})

		return
	}

	// A resync during a walk starts over. Replies to the abandoned
	// requests become unknown ids.
	if e.walking {
		n := e.rpc.Reset()
		e.logger.Info("restarting sync walk", slog.Int("discarded", n))
	}

	e.catalog.BeginResync()
	e.walking = true
	e.inflight = ""

	e.emit(ctx, Event{Kind: EventReloadStart, Progress: e.catalog.Progress()})
	e.send(ctx, rpc.MethodGetFileList, func() (string, error) { return e.rpc.GetFileList(true) })
}

// next requests metadata for the next unsynced file, or finishes the
// walk when there is none.
func (e *Engine) next(ctx context.Context) {
	path, ok := e.catalog.NextUnsynced()
	if !ok {
		e.finish(ctx)
		return
	}

	e.inflight = path
	e.step(ctx)
	e.send(ctx, rpc.MethodGetFileInfo, func() (string, error) { return e.rpc.GetFileInfo(path) })
}

func (e *Engine) step(ctx context.Context) {
	e.emit(ctx, Event{Kind: EventReloadStep, Progress: e.catalog.Progress()})
}

// send builds and sends a walk request, aborting the walk on failure.
func (e *Engine) send(ctx context.Context, method string, build func() (string, error)) {
	payload, err := build()
	if err == nil {
		err = e.link.Send(payload)
	}

	if err != nil {
		e.abort(ctx, fmt.Errorf("%s: %w", method, err))
	}
}

func (e *Engine) finish(ctx context.Context) {
	e.walking = false
	e.inflight = ""

	progress := e.catalog.Progress()
	e.logger.Info("sync complete",
		slog.Int("synced", progress.Synced),
		slog.Int("total", progress.Total),
	)

	if e.store != nil {
		if err := e.store.SaveCatalog(e.catalog.Snapshot()); err != nil {
			e.logger.Warn("saving catalog", slog.String("error", err.Error()))
		}

		e.device.SyncedAt = time.Now()
		e.saveDevice()
	}

	e.emit(ctx, Event{Kind: EventReloadStop, Progress: progress})
}

// abort ends the walk, pairing the stop with an error event.
func (e *Engine) abort(ctx context.Context, err error) {
	e.walking = false
	e.inflight = ""

	var derr *rpc.DeviceError
	if !errors.As(err, &derr) {
		e.logger.Warn("sync aborted", slog.String("error", err.Error()))
	}

	e.emit(ctx, Event{Kind: EventError, Err: err})
	e.emit(ctx, Event{Kind: EventReloadStop, Progress: e.catalog.Progress()})
}

func (e *Engine) saveDevice() {
	if e.store == nil {
		return
	}

	if err := e.store.SetDevice(e.device); err != nil {
		e.logger.Warn("saving device state", slog.String("error", err.Error()))
	}
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

func isWalkMethod(method string) bool {
	return method == rpc.MethodGetFileList || method == rpc.MethodGetFileInfo
}

func infoFrom(r *rpc.FileInfoResult) catalog.Info {
	return catalog.Info{
		Genre:    r.Genre,
		Artist:   r.Artist,
		Album:    r.Album,
		Title:    r.Title,
		Date:     r.Date,
		Track:    r.Track,
		Duration: r.Duration,
	}
}
