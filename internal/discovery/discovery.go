// Package discovery locates the device on the local network by browsing
// for its DNS-SD service over mDNS.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/alexjbarnes/audiosync/internal/metrics"
	"github.com/grandcat/zeroconf"
)

const (
	// entriesChanSize buffers resolved service entries between the
	// mDNS client and the discovery loop.
	entriesChanSize = 8

	// drainIdleTimeout bounds how long a stopped session keeps reading
	// from a resolver that never closes its entries channel.
	drainIdleTimeout = 2 * time.Second

	defaultAddrCheckInterval = time.Second
)

// Source yields device endpoints until shut down. Both mDNS discovery
// and a statically configured address satisfy it.
type Source interface {
	Found() <-chan Endpoint
	Shutdown()
}

// Options configures a Discovery.
type Options struct {
	Service           string
	Domain            string
	AddrCheckInterval time.Duration
}

// browser abstracts the mDNS resolver so the discovery loop can be
// tested without multicast sockets. *zeroconf.Resolver satisfies this
// interface.
type browser interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Discovery browses for the device service and re-arms the browse
// whenever the host's local address changes. Each browse session runs
// under its own context; cancelling it releases the multicast sockets.
type Discovery struct {
	opts   Options
	logger *slog.Logger

	newBrowser func() (browser, error)
	localAddr  func() (netip.Addr, error)

	found  chan Endpoint
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Discovery. Call Start to begin browsing.
func New(opts Options, logger *slog.Logger) *Discovery {
	if opts.AddrCheckInterval <= 0 {
		opts.AddrCheckInterval = defaultAddrCheckInterval
	}

	return &Discovery{
		opts:   opts,
		logger: logger,
		newBrowser: func() (browser, error) {
			return zeroconf.NewResolver(zeroconf.SelectIPTraffic(zeroconf.IPv4))
		},
		localAddr: LocalIPv4,
		found:     make(chan Endpoint),
		done:      make(chan struct{}),
	}
}

// Start launches the discovery goroutine.
func (d *Discovery) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	go d.run(ctx)
}

// Found returns the channel on which resolved endpoints are delivered.
// Nothing is delivered once Shutdown has returned.
func (d *Discovery) Found() <-chan Endpoint {
	return d.found
}

// Shutdown stops browsing and waits for the goroutine to exit.
func (d *Discovery) Shutdown() {
	if d.cancel == nil {
		return
	}

	d.cancel()
	<-d.done
}

type browseSession struct {
	addr    netip.Addr
	cancel  context.CancelFunc
	entries chan *zeroconf.ServiceEntry
	last    Endpoint
}

func (b *browseSession) stop() {
	if b == nil {
		return
	}

	b.cancel()

	go drainEntries(b.entries)
}

// drainEntries reads a cancelled session's entries so the resolver is
// never left blocked on a full channel. It returns once the channel is
// closed or has been quiet for drainIdleTimeout.
func drainEntries(entries <-chan *zeroconf.ServiceEntry) {
	idle := time.NewTimer(drainIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case _, ok := <-entries:
			if !ok {
				return
			}

			idle.Reset(drainIdleTimeout)

		case <-idle.C:
			return
		}
	}
}

func (d *Discovery) run(ctx context.Context) {
	defer close(d.done)

	var session *browseSession
	defer func() { session.stop() }()

	ticker := time.NewTicker(d.opts.AddrCheckInterval)
	defer ticker.Stop()

	check := func() {
		current, err := d.localAddr()
		if err != nil {
			if session != nil {
				d.logger.Info("local address lost, stopping browse",
					slog.String("addr", session.addr.String()),
					slog.String("error", err.Error()),
				)
				session.stop()
				session = nil
			}

			return
		}

		if session != nil && session.addr == current {
			return
		}

		if session != nil {
			d.logger.Info("local address changed, restarting browse",
				slog.String("from", session.addr.String()),
				slog.String("to", current.String()),
			)
			session.stop()
			session = nil
		}

		s, err := d.browse(ctx, current)
		if err != nil {
			d.logger.Warn("starting browse", slog.String("error", err.Error()))
			return
		}

		session = s
	}

	check()

	for {
		var entries <-chan *zeroconf.ServiceEntry
		if session != nil {
			entries = session.entries
		}

		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			check()

		case entry, ok := <-entries:
			if !ok {
				d.logger.Debug("browse ended, will restart")
				session.stop()
				session = nil

				continue
			}

			ep, err := endpointFrom(entry)
			if err != nil {
				d.logger.Debug("skipping service entry",
					slog.String("instance", entry.Instance),
					slog.String("error", err.Error()),
				)

				continue
			}

			if ep == session.last {
				continue
			}

			session.last = ep

			d.logger.Info("device resolved",
				slog.String("instance", ep.Instance),
				slog.String("addr", ep.String()),
			)
			metrics.EndpointsFound.Inc()

			select {
			case d.found <- ep:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Discovery) browse(ctx context.Context, local netip.Addr) (*browseSession, error) {
	b, err := d.newBrowser()
	if err != nil {
		return nil, fmt.Errorf("creating resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry, entriesChanSize)

	if err := b.Browse(browseCtx, d.opts.Service, d.opts.Domain, entries); err != nil {
		cancel()
		return nil, fmt.Errorf("browsing %s: %w", d.opts.Service, err)
	}

	metrics.BrowseRestarts.Inc()
	d.logger.Debug("browsing",
		slog.String("service", d.opts.Service),
		slog.String("local", local.String()),
	)

	return &browseSession{addr: local, cancel: cancel, entries: entries}, nil
}

func endpointFrom(entry *zeroconf.ServiceEntry) (Endpoint, error) {
	if entry.Port <= 0 || entry.Port > 0xffff {
		return Endpoint{}, fmt.Errorf("invalid port %d", entry.Port)
	}

	addr, err := firstIPv4(entry.AddrIPv4)
	if err != nil {
		return Endpoint{}, err
	}

	return Endpoint{
		Addr:     netip.AddrPortFrom(addr, uint16(entry.Port)),
		Instance: entry.Instance,
	}, nil
}
