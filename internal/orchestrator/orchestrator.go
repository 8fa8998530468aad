// Package orchestrator runs one benchmark per device concurrently, fans a
// single interrupt out to all of them, and aggregates results for reporting.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/axetune/axetune/internal/bench"
	"github.com/axetune/axetune/internal/console"
	"github.com/axetune/axetune/internal/report"
)

// ErrNoDevices is returned when not a single device could be initialized.
var ErrNoDevices = errors.New("no device could be initialized")

// ControllerFactory builds a device controller for a host. Injected so
// tests can substitute fakes.
type ControllerFactory func(host string) bench.Controller

// Config wires an orchestrator.
type Config struct {
	RunConfig   bench.RunConfig
	Controllers ControllerFactory
	Console     *console.Writer
	Reporter    *report.Reporter
	Observer    bench.Observer // optional
	Logger      *zap.Logger
}

// Orchestrator owns the device → run mapping. Workers receive only their
// own run handle, never the full mapping.
type Orchestrator struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*bench.Run
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.Named("orchestrator"),
		runs:   make(map[string]*bench.Run),
	}
}

// Snapshots returns a point-in-time view of every run, ordered by device
// identity. Used by the status endpoint.
func (o *Orchestrator) Snapshots() []bench.RunState {
	o.mu.Lock()
	runs := make([]*bench.Run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	out := make([]bench.RunState, len(runs))
	for i, r := range runs {
		out[i] = r.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// Execute tunes all hosts concurrently and blocks until every run reaches a
// terminal state. ctx cancellation is the single shared interrupt: each run
// observes it at its next state boundary and terminates on its collected
// history. One run's failure never prevents the others from completing or
// reporting. Returns ErrNoDevices only if every run failed to initialize.
func (o *Orchestrator) Execute(ctx context.Context, hosts []string) error {
	if len(hosts) == 0 {
		return ErrNoDevices
	}

	o.cfg.Console.Printf("starting parallel benchmarks for %d miner(s)", len(hosts))

	// Announce the interrupt once, as soon as it fires.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.cfg.Console.Alert("interrupt received, stopping all benchmarks...")
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	var (
		g           errgroup.Group
		initMu      sync.Mutex
		initialized int
	)

	for i, host := range hosts {
		host := host
		runID := uuid.NewString()
		sink := o.cfg.Console.Device(i+1, host)
		run := bench.NewRun(
			runID,
			o.cfg.RunConfig,
			o.cfg.Controllers(host),
			sink,
			o.cfg.Observer,
			func(st bench.RunState) {
				if err := o.cfg.Reporter.Save(st); err != nil {
					o.logger.Warn("failed to persist results",
						zap.String("device", st.Device), zap.Error(err))
				}
			},
			o.cfg.Logger,
		)

		o.mu.Lock()
		o.runs[host] = run
		o.mu.Unlock()

		// No errgroup context: a failing run must not cancel its siblings.
		g.Go(func() error {
			start := time.Now()
			if err := run.Execute(ctx); err != nil {
				o.logger.Error("run failed to initialize",
					zap.String("device", host), zap.Error(err))
				sink.Printf("benchmark aborted: %v", err)
				return nil
			}
			initMu.Lock()
			initialized++
			initMu.Unlock()
			o.logger.Info("run finished",
				zap.String("device", host),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}

	_ = g.Wait()

	// Final per-device reporting from terminal snapshots, in the order the
	// devices were given.
	for i, host := range hosts {
		o.mu.Lock()
		run := o.runs[host]
		o.mu.Unlock()
		if run == nil {
			continue
		}
		st := run.Snapshot()
		if err := o.cfg.Reporter.Save(st); err != nil {
			o.logger.Warn("failed to persist final results",
				zap.String("device", host), zap.Error(err))
		}
		o.cfg.Reporter.Summary(st, o.cfg.Console.Device(i+1, host))
	}

	o.cfg.Console.Printf("all benchmarks completed")

	if initialized == 0 {
		return ErrNoDevices
	}
	return nil
}
