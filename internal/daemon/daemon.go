// SPDX-License-Identifier: MIT

// Package daemon is the supervisor: it constructs every component in
// dependency order, wires the late-bound pairs, runs the background
// tasks, and tears everything down in reverse on shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/clawd/internal/api"
	"github.com/openclaw/clawd/internal/config"
	"github.com/openclaw/clawd/internal/game"
	"github.com/openclaw/clawd/internal/gpio"
	"github.com/openclaw/clawd/internal/health"
	"github.com/openclaw/clawd/internal/log"
	"github.com/openclaw/clawd/internal/netutil"
	"github.com/openclaw/clawd/internal/persistence/sqlite"
	"github.com/openclaw/clawd/internal/queue"
	"github.com/openclaw/clawd/internal/ratelimit"
	"github.com/openclaw/clawd/internal/ws"
)

// ErrMultiWorker is the only fatal misconfiguration: the daemon owns
// physical hardware and in-memory turn state, so exactly one worker
// may run.
var ErrMultiWorker = errors.New("daemon: workers must be 1; this process owns exclusive hardware state")

// Daemon holds the wired component graph.
type Daemon struct {
	cfg    *config.Holder
	logger zerolog.Logger

	store   *sqlite.Store
	gate    *gpio.Gate
	queue   *queue.Manager
	machine *game.Machine
	hub     *ws.Hub
	control *ws.Control
	limiter *ratelimit.Limiter
	checker *health.Checker
	server  *http.Server
}

// New builds the component graph from loaded configuration. Nothing is
// started yet; Run does that.
func New(holder *config.Holder) (*Daemon, error) {
	settings := holder.Current()
	if settings.Workers != 1 {
		return nil, ErrMultiWorker
	}

	d := &Daemon{
		cfg:    holder,
		logger: log.WithComponent("daemon"),
	}

	var err error
	d.store, err = sqlite.Open(settings.DatabasePath, sqlite.Config{
		BusyTimeout:  time.Duration(settings.DBBusyTimeoutMS) * time.Millisecond,
		MaxOpenConns: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	d.gate = gpio.NewGate(gateConfig(settings))
	var driver gpio.Driver
	if settings.MockGPIO {
		d.logger.Warn().Str("event", "daemon.mock_gpio").Msg("running with simulated GPIO")
		driver = gpio.NewMockDriver()
	} else {
		driver = gpio.NewCdevDriver()
	}
	if err := d.gate.Init(driver); err != nil {
		_ = d.store.Close()
		return nil, fmt.Errorf("daemon: init gpio: %w", err)
	}

	d.queue = queue.NewManager(d.store)
	d.limiter = ratelimit.New(holder.Current, d.store)
	d.hub = ws.NewHub(holder.Current, d.queue)
	d.control = ws.NewControl(holder.Current, d.queue, d.gate)
	d.machine = game.NewMachine(holder.Current, d.queue, d.gate)

	// Late binding: the control channel and the machine hold references
	// to each other; the hub receives every machine event.
	d.control.SetMachine(d.machine)
	d.machine.SetPlayers(d.control)
	d.machine.SetSink(d.hub)

	d.checker = health.NewChecker()
	d.checker.Register("store", d.store.Ping)
	d.checker.Register("gpio", func(ctx context.Context) error {
		if d.gate.Failed() {
			return errors.New("gpio worker replacement budget exhausted")
		}
		return nil
	})

	proxies, err := netutil.ParseProxyCIDRs(settings.TrustedProxies)
	if err != nil {
		_ = d.store.Close()
		return nil, fmt.Errorf("daemon: trusted proxies: %w", err)
	}

	apiServer := api.New(holder, d.queue, d.machine, d.gate, d.hub, d.control,
		d.limiter, d.checker, proxies)
	d.server = &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled or a fatal
// error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	settings := d.cfg.Current()

	// Entries orphaned by a previous process: expire actives past the
	// grace period and every ready entry (their sockets are gone).
	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := d.queue.CleanupStale(cctx, settings.GracePeriod())
	cancel()
	if err != nil {
		return fmt.Errorf("daemon: stale cleanup: %w", err)
	}

	d.machine.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.logger.Info().
			Str("event", "daemon.listening").
			Str("addr", d.server.Addr).
			Msg("http server listening")
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return d.pruneLoop(gctx) })
	g.Go(func() error { return d.stuckLoop(gctx) })
	g.Go(func() error { return d.limiter.Run(gctx) })
	g.Go(func() error { return d.cfg.Watch(gctx) })

	// Kick the queue in case entries survived the restart.
	d.machine.ScheduleAdvance(ctx)

	err = g.Wait()

	// Shutdown ordering: stop accepting player input, drop viewers,
	// safe the hardware, then close the store.
	d.control.Close()
	d.hub.Close()
	d.gate.Cleanup()
	if cerr := d.store.Close(); cerr != nil {
		d.logger.Error().Err(cerr).Str("event", "daemon.store_close_failed").Msg("store close failed")
	}
	d.logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pruneLoop removes terminal entries (events first) past retention and
// stale rate-limit rows.
func (d *Daemon) pruneLoop(ctx context.Context) error {
	interval := time.Duration(d.cfg.Current().DBPruneInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			settings := d.cfg.Current()
			retention := time.Duration(settings.DBRetentionH) * time.Hour
			events, entries, err := d.store.PruneEntries(ctx, retention)
			if err != nil {
				d.logger.Warn().Err(err).Str("event", "daemon.prune_failed").Msg("entry prune failed")
			} else if entries > 0 {
				d.logger.Info().
					Str("event", "daemon.pruned").
					Int64("entries", entries).
					Int64("events", events).
					Msg("pruned terminal entries")
			}
			maxAge := time.Duration(settings.RateLimitPruneAgeS) * time.Second
			if _, err := d.store.PruneRateLimits(ctx, maxAge); err != nil {
				d.logger.Warn().Err(err).Str("event", "daemon.ratelimit_prune_failed").Msg("rate limit prune failed")
			}
		}
	}
}

// stuckLoop periodically runs the stuck-state detector.
func (d *Daemon) stuckLoop(ctx context.Context) error {
	interval := time.Duration(d.cfg.Current().QueueCheckIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.machine.CheckStuck(ctx)
		}
	}
}

// gateConfig maps settings onto the hardware gate configuration.
func gateConfig(s config.Settings) gpio.Config {
	return gpio.Config{
		Driver: gpio.DriverConfig{
			Chip: s.GPIOChip,
			Outputs: map[string]int{
				gpio.OutCoin:  s.PinCoin,
				gpio.OutDrop:  s.PinDrop,
				gpio.OutNorth: s.PinNorth,
				gpio.OutSouth: s.PinSouth,
				gpio.OutEast:  s.PinEast,
				gpio.OutWest:  s.PinWest,
			},
			WinPin:    s.PinWin,
			ActiveLow: s.RelayActiveLow,
			Debounce:  10 * time.Millisecond,
		},
		CoinPulse:             time.Duration(s.CoinPulseMS) * time.Millisecond,
		DropPulse:             time.Duration(s.DropPulseMS) * time.Millisecond,
		MinInterPulse:         time.Duration(s.MinInterPulseMS) * time.Millisecond,
		DirectionHoldMax:      s.DirectionHoldMax(),
		DropHoldMax:           s.DropHoldMax(),
		ConflictMode:          s.ConflictMode,
		OpTimeout:             s.GPIOOpTimeout(),
		PulseTimeout:          s.GPIOPulseTimeout(),
		InitTimeout:           s.GPIOInitTimeout(),
		MaxWorkerReplacements: s.MaxWorkerReplacements,
		ReplacementWindow:     time.Duration(s.ReplacementWindowS) * time.Second,
	}
}
