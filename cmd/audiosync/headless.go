package main

import (
	"context"
	"log/slog"

	"github.com/alexjbarnes/audiosync/internal/engine"
)

type resyncer interface {
	Resync()
}

// watchEvents logs the engine's event stream. The first connection
// triggers a resync so a headless run always refreshes the catalog.
func watchEvents(ctx context.Context, events <-chan engine.Event, ctl resyncer, logger *slog.Logger) error {
	requested := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}

			switch ev.Kind {
			case engine.EventConnected:
				logger.Info("device connected")

				if !requested {
					requested = true
					ctl.Resync()
				}

			case engine.EventDisconnected:
				logger.Info("device disconnected")

			case engine.EventVersion:
				if ev.Version != nil {
					logger.Info("device firmware",
						slog.String("project", ev.Version.Project),
						slog.String("version", ev.Version.Version),
						slog.String("esp_idf", ev.Version.ESPIDF),
					)
				}

			case engine.EventReloadStart:
				logger.Info("sync started")

			case engine.EventReloadStep:
				logger.Debug("sync progress",
					slog.Int("synced", ev.Progress.Synced),
					slog.Int("total", ev.Progress.Total),
				)

			case engine.EventReloadStop:
				logger.Info("sync stopped",
					slog.Int("synced", ev.Progress.Synced),
					slog.Int("total", ev.Progress.Total),
				)

			case engine.EventError:
				if ev.Err != nil {
					logger.Warn("engine error", slog.String("error", ev.Err.Error()))
				}
			}
		}
	}
}
