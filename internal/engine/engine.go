// Package engine assembles the replication engine: one source supervisor,
// one supervisor plus replicator per destination, and the shared liveness
// watchdog.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/mirror-trader/internal/classify"
	"github.com/rickgao/mirror-trader/internal/config"
	"github.com/rickgao/mirror-trader/internal/connection"
	"github.com/rickgao/mirror-trader/internal/replicate"
)

// Stats reports engine state for the health endpoint.
type Stats struct {
	Source       connection.State
	Destinations []DestinationStats
}

// DestinationStats reports one destination's state.
type DestinationStats struct {
	State  connection.State
	Mapped int // confirmed open replicated trades
}

// Engine owns both sides of the relay and relays source trade events to
// every destination replicator.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	source *connection.Supervisor
	dests  []*connection.Supervisor
	reps   []*replicate.Replicator

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	fatalCh  chan error
}

// New builds an engine from configuration. The recorder may be nil.
func New(cfg *config.Config, recorder replicate.Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		fatalCh: make(chan error, 1),
	}

	clientCfg := connection.ClientConfig{
		URL:          wsURL(cfg.WSURL, cfg.AppID),
		WriteTimeout: cfg.Connection.WriteTimeout,
		StaleAfter:   cfg.Connection.StaleAfter,
		BufferSize:   cfg.Connection.BufferSize,
	}

	supCfg := func(side config.SideConfig) connection.SupervisorConfig {
		return connection.SupervisorConfig{
			Token:        side.Token,
			AccountHint:  side.Account,
			PingInterval: cfg.Connection.PingInterval,
			RetryDelay:   cfg.Connection.RetryDelay,
			MaxRetries:   cfg.Connection.MaxRetries,
			Dial: func() connection.Client {
				return connection.NewClient(clientCfg, logger)
			},
		}
	}

	scale := replicate.BalanceRatioScale
	if !cfg.Replication.ScaleByBalanceEnabled() {
		scale = replicate.IdentityScale
	}

	e.source = connection.NewSupervisor(connection.RoleSource, supCfg(cfg.Source), logger)
	e.source.OnFatal(e.fatal)

	for i, d := range cfg.Destinations {
		destLogger := logger.With("destination", i)
		sup := connection.NewSupervisor(connection.RoleDestination, supCfg(d), destLogger)
		sup.OnFatal(e.fatal)

		rep := replicate.New(sup, e.source, scale, recorder, destLogger)
		sup.OnAck(rep.HandleAck)

		e.dests = append(e.dests, sup)
		e.reps = append(e.reps, rep)
	}

	e.source.OnTrade(e.fanOut)

	return e
}

// Start begins both sides and the shared watchdog.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.source.Start(e.ctx)
	for _, sup := range e.dests {
		sup.Start(e.ctx)
	}

	e.wg.Add(2)
	go e.watchdog()
	go e.watchFatal()

	e.logger.Info("engine started",
		"destinations", len(e.dests),
		"scale_by_balance", e.cfg.Replication.ScaleByBalanceEnabled(),
	)

	return nil
}

// Stop shuts down all supervisors and waits for engine goroutines, bounded
// by ctx. Idempotent; a one-sided relay is unsafe, so any fatal on either
// side funnels here.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.logger.Info("stopping engine")

		if e.cancel != nil {
			e.cancel()
		}

		var g errgroup.Group
		g.Go(func() error {
			e.source.Stop()
			return nil
		})
		for _, sup := range e.dests {
			sup := sup
			g.Go(func() error {
				sup.Stop()
				return nil
			})
		}

		done := make(chan struct{})
		go func() {
			g.Wait()
			e.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			e.logger.Info("engine stopped")
		case <-ctx.Done():
			e.logger.Warn("engine stop timed out")
		}
	})

	return nil
}

// Stats returns a snapshot for the health endpoint.
func (e *Engine) Stats() Stats {
	st := Stats{Source: e.source.State()}
	for i, sup := range e.dests {
		st.Destinations = append(st.Destinations, DestinationStats{
			State:  sup.State(),
			Mapped: e.reps[i].MappedCount(),
		})
	}
	return st
}

// fanOut relays one source trade event to every destination replicator.
// Per-contract ordering is preserved by the single source receive loop.
func (e *Engine) fanOut(ev classify.TradeEvent) {
	for _, rep := range e.reps {
		rep.HandleTrade(ev)
	}
}

// fatal records the first fatal error; watchFatal performs the shutdown so
// the failing supervisor's goroutine is never waiting on itself.
func (e *Engine) fatal(err error) {
	select {
	case e.fatalCh <- err:
	default:
	}
}

// watchFatal stops the whole engine when either side reports fatal.
func (e *Engine) watchFatal() {
	defer e.wg.Done()

	select {
	case <-e.ctx.Done():
	case err := <-e.fatalCh:
		e.logger.Error("fatal connection failure, stopping both sides", "error", err)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			e.Stop(ctx)
		}()
	}
}

// watchdog is the shared liveness check across both connections. One
// unhealthy observation triggers at most one reconnect.
func (e *Engine) watchdog() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Connection.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if !e.source.Healthy() {
				e.source.TriggerReconnect()
			}
			for _, sup := range e.dests {
				if !sup.Healthy() {
					sup.TriggerReconnect()
				}
			}
		}
	}
}

// wsURL appends the application identifier to the venue endpoint.
func wsURL(base, appID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sapp_id=%s", base, sep, appID)
}
