package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/audiosync/internal/catalog"
	"github.com/alexjbarnes/audiosync/internal/config"
	"github.com/alexjbarnes/audiosync/internal/discovery"
	"github.com/alexjbarnes/audiosync/internal/engine"
	"github.com/alexjbarnes/audiosync/internal/link"
	"github.com/alexjbarnes/audiosync/internal/logging"
	"github.com/alexjbarnes/audiosync/internal/metrics"
	"github.com/alexjbarnes/audiosync/internal/state"
	"github.com/alexjbarnes/audiosync/internal/transport"
	"github.com/alexjbarnes/audiosync/internal/tui"
)

func run(parent context.Context, headless bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logOut, closeLog, err := logWriter(cfg, headless)
	if err != nil {
		return err
	}
	defer closeLog()

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel, logOut)
	logger.Info("audiosync starting",
		slog.String("version", Version),
		slog.Bool("headless", headless),
		slog.String("device_addr", cfg.DeviceAddr),
		slog.Bool("persist", cfg.PersistCatalog),
	)

	newSource, err := sourceFactory(cfg, logger)
	if err != nil {
		return err
	}

	cat := catalog.New(cfg.AudioExt)

	var (
		store engine.Store
		known state.DeviceState
	)

	if cfg.PersistCatalog {
		appState, err := state.LoadAt(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}
		defer appState.Close()

		restoreSnapshot(appState, cat, logger)

		known, err = appState.Device()
		if err != nil {
			logger.Warn("reading recorded device", slog.String("error", err.Error()))
		} else if known.Project != "" {
			logger.Info("last known device",
				slog.String("project", known.Project),
				slog.String("version", known.Version),
				slog.Time("synced_at", known.SyncedAt),
			)
		}

		store = appState
	}

	sup := link.New(link.Options{
		Transport: transport.Options{
			Path:         cfg.WSPath,
			DialTimeout:  cfg.DialTimeout,
			PingInterval: cfg.PingInterval,
			PongTimeout:  cfg.PongTimeout,
			CloseTimeout: cfg.CloseTimeout,
		},
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, newSource, logger.With(slog.String("component", "link")))

	eng := engine.New(sup, cat, store, logger.With(slog.String("component", "engine")))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sup.Run(gctx)
	})

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, logger)
		})
	}

	if headless {
		g.Go(func() error {
			return watchEvents(gctx, eng.Events(), eng, logger)
		})
	} else {
		g.Go(func() error {
			defer stop()

			model := tui.New(eng.Catalog(), eng, eng.Events()).WithKnownDevice(known)

			p := tea.NewProgram(model,
				tea.WithAltScreen(),
				tea.WithContext(gctx),
			)
			if _, err := p.Run(); err != nil && gctx.Err() == nil {
				return fmt.Errorf("running terminal UI: %w", err)
			}

			return nil
		})
	}

	return g.Wait()
}

// restoreSnapshot loads the catalog saved by the last completed sync.
func restoreSnapshot(st *state.State, cat *catalog.Catalog, logger *slog.Logger) {
	if st.CatalogCount() == 0 {
		return
	}

	records, err := st.LoadCatalog()
	if err != nil {
		logger.Warn("discarding unreadable catalog snapshot", slog.String("error", err.Error()))
		return
	}

	cat.Restore(records)
	logger.Info("restored catalog snapshot", slog.Int("tracks", cat.Len()))
}

// sourceFactory returns a constructor for started endpoint sources. A
// fixed DEVICE_ADDR bypasses mDNS.
func sourceFactory(cfg *config.Config, logger *slog.Logger) (func() discovery.Source, error) {
	if cfg.DeviceAddr != "" {
		ep, err := discovery.ParseEndpoint(cfg.DeviceAddr)
		if err != nil {
			return nil, fmt.Errorf("resolving DEVICE_ADDR: %w", err)
		}

		logger.Info("using static device address", slog.String("endpoint", ep.String()))

		return func() discovery.Source {
			return discovery.NewStatic(ep)
		}, nil
	}

	opts := discovery.Options{
		Service:           cfg.ServiceType,
		Domain:            cfg.ServiceDomain,
		AddrCheckInterval: cfg.AddrCheckInterval,
	}
	dlog := logger.With(slog.String("component", "discovery"))

	return func() discovery.Source {
		d := discovery.New(opts, dlog)
		d.Start()

		return d
	}, nil
}

// logWriter picks the log destination. The terminal UI owns stdout, so
// in that mode logs go to LOG_FILE or nowhere.
func logWriter(cfg *config.Config, headless bool) (io.Writer, func(), error) {
	if headless {
		return os.Stdout, func() {}, nil
	}

	if cfg.LogFile == "" {
		return io.Discard, func() {}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	return f, func() { _ = f.Close() }, nil
}
