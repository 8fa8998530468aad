package bench

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/axetune/axetune/internal/device"
)

// Controller is the device boundary the run depends on. It is implemented
// by device.Client and by fakes in tests.
type Controller interface {
	StatusReader
	ApplySettings(ctx context.Context, coreVoltage, frequency int) error
	Restart(ctx context.Context) error
	Host() string
}

// Observer receives telemetry and results as they happen, for metrics
// export. Implementations must be safe for concurrent use.
type Observer interface {
	ReadingObserved(deviceID string, r Reading)
	CandidateRecorded(deviceID string, c CandidateResult)
}

type nopObserver struct{}

func (nopObserver) ReadingObserved(string, Reading)           {}
func (nopObserver) CandidateRecorded(string, CandidateResult) {}

// State names the run's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateTesting
	StateAdvancing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTesting:
		return "testing"
	case StateAdvancing:
		return "advancing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// RunState is an immutable snapshot of a run, handed out for reporting.
type RunState struct {
	Device   string
	RunID    string
	State    State
	Current  Setting
	Defaults Setting
	Results  []CandidateResult
	Best     *CandidateResult
	Attempts int
}

// RunConfig collects everything one run needs beyond its collaborators.
type RunConfig struct {
	Initial           Setting
	Sampling          SampleConfig
	Limits            Limits
	Policy            PolicyConfig
	StabilizationWait time.Duration // after a restart, before sampling
	SettleWait        time.Duration // between PATCH and restart

	// FallbackDefaults is applied at termination when the device's own
	// defaults could not be determined and no stable result exists.
	FallbackDefaults Setting
}

// Run drives one device through repeated candidate tests. It owns its state
// exclusively; the orchestrator only reads snapshots.
type Run struct {
	runID    string
	cfg      RunConfig
	ctrl     Controller
	sampler  *Sampler
	policy   *Policy
	progress Progress
	observer Observer
	logger   *zap.Logger

	// onResult persists the snapshot after every recorded candidate, so an
	// interrupted run never loses finished work. Optional.
	onResult func(RunState)

	mu         sync.Mutex
	state      State
	current    Setting
	defaults   Setting
	results    []CandidateResult
	best       *CandidateResult
	attempts   int
	smallCores int
	asicCount  int
}

// NewRun wires a run for one device. progress, observer and onResult may be
// nil.
func NewRun(runID string, cfg RunConfig, ctrl Controller, progress Progress, observer Observer, onResult func(RunState), logger *zap.Logger) *Run {
	if progress == nil {
		progress = nopProgress{}
	}
	if observer == nil {
		observer = nopObserver{}
	}
	monitor := NewSafetyMonitor(cfg.Limits)
	log := logger.Named("run").With(zap.String("device", ctrl.Host()))
	return &Run{
		runID:    runID,
		cfg:      cfg,
		ctrl:     ctrl,
		sampler:  NewSampler(cfg.Sampling, monitor, &observedReader{ctrl: ctrl, observer: observer}, progress, log),
		policy:   NewPolicy(cfg.Policy),
		progress: progress,
		observer: observer,
		logger:   log,
		onResult: onResult,
		state:    StateIdle,
		current:  cfg.Initial,
		defaults: cfg.FallbackDefaults,
	}
}

// observedReader tees every successful reading to the observer before the
// sampler sees it.
type observedReader struct {
	ctrl     Controller
	observer Observer
}

func (o *observedReader) SystemInfo(ctx context.Context) (*device.SystemInfo, error) {
	info, err := o.ctrl.SystemInfo(ctx)
	if err != nil {
		return nil, err
	}
	if r, invalid := readingFrom(0, info); invalid == "" {
		o.observer.ReadingObserved(o.ctrl.Host(), r)
	}
	return info, nil
}

// Snapshot returns a copy of the run's state for reporting. Safe to call
// from other goroutines.
func (r *Run) Snapshot() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make([]CandidateResult, len(r.results))
	copy(results, r.results)
	var best *CandidateResult
	if r.best != nil {
		b := *r.best
		best = &b
	}
	return RunState{
		Device:   r.ctrl.Host(),
		RunID:    r.runID,
		State:    r.state,
		Current:  r.current,
		Defaults: r.defaults,
		Results:  results,
		Best:     best,
		Attempts: r.attempts,
	}
}

// Execute drives the state machine to termination. ctx cancellation is the
// shared interrupt: it is honored at state boundaries only, never
// mid-sample-read. The returned error is non-nil only when the device could
// not be initialized at all; every later failure is absorbed into the run's
// result history.
func (r *Run) Execute(ctx context.Context) error {
	if err := r.initialize(ctx); err != nil {
		r.setState(StateTerminated)
		return err
	}

	for {
		r.setState(StateTesting)
		if interrupted(ctx) {
			break
		}

		result, err := r.sampler.Collect(ctx, r.currentSetting())
		if err != nil {
			// Interrupted between readings; the candidate in progress is
			// discarded and the run terminates on collected history.
			r.logger.Info("sampling window interrupted")
			break
		}

		theoretical := r.policy.Theoretical(result.Setting.Frequency, r.smallCores, r.asicCount)
		decision := r.policy.Decide(result.Setting, result, theoretical)
		if result.Status == StatusStable && !decision.WithinTolerance {
			result.Status = StatusUnstable
			result.Reason = fmt.Sprintf("average hashrate %.2f GH/s below %.0f%% of theoretical %.2f GH/s",
				result.AvgHashrate, (1-r.cfg.Policy.Tolerance)*100, theoretical)
		}
		r.record(result, theoretical)

		r.setState(StateAdvancing)
		if interrupted(ctx) {
			break
		}
		if decision.Action == ActionTerminate {
			r.progress.Printf("%s", decision.Reason)
			break
		}

		r.progress.Printf("%s", decision.Reason)
		if err := r.applyAndStabilize(ctx, decision.Next); err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.Error("failed to apply next setting, terminating run", zap.Error(err))
			r.progress.Printf("could not apply %s: %v", decision.Next, err)
			break
		}
	}

	r.terminate(ctx)
	return nil
}

// initialize probes the device once for its defaults and chip layout, then
// applies the initial setting. Probe failures fall back to configured
// defaults; only a failed apply is fatal to the run.
func (r *Run) initialize(ctx context.Context) error {
	if err := r.policy.ValidateSetting(r.cfg.Initial); err != nil {
		return fmt.Errorf("initial setting rejected: %w", err)
	}

	info, err := r.ctrl.SystemInfo(ctx)
	if err != nil {
		r.logger.Warn("could not fetch device defaults, using fallbacks", zap.Error(err))
		r.progress.Printf("could not read current settings (%v), using fallback defaults", err)
	} else {
		r.mu.Lock()
		if info.CoreVoltage > 0 && info.Frequency > 0 {
			r.defaults = Setting{CoreVoltage: info.CoreVoltage, Frequency: info.Frequency}
		}
		r.smallCores = info.SmallCoreCount
		r.asicCount = info.ASICCount
		r.mu.Unlock()
		r.progress.Printf("current settings: %dmV core voltage, %dMHz, %d total cores",
			info.CoreVoltage, info.Frequency, info.SmallCoreCount*info.ASICCount)
	}

	if err := r.applyAndStabilize(ctx, r.cfg.Initial); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("interrupted before first candidate: %w", ctx.Err())
		}
		return fmt.Errorf("apply initial setting: %w", err)
	}
	return nil
}

// applyAndStabilize pushes a setting, restarts the device, and waits for the
// system to stabilize. The stabilization wait is interruptible; the device
// interactions themselves are bounded by the client's retries and timeouts.
func (r *Run) applyAndStabilize(ctx context.Context, s Setting) error {
	if err := r.policy.ValidateSetting(s); err != nil {
		return err
	}
	r.progress.Printf("applying settings: %dmV core voltage, %dMHz", s.CoreVoltage, s.Frequency)
	if err := r.ctrl.ApplySettings(ctx, s.CoreVoltage, s.Frequency); err != nil {
		return fmt.Errorf("apply settings: %w", err)
	}
	r.setCurrent(s)

	if !sleepCtx(ctx, r.cfg.SettleWait) {
		return ctx.Err()
	}
	if err := r.ctrl.Restart(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	r.progress.Printf("waiting %s for system stabilization", r.cfg.StabilizationWait)
	if !sleepCtx(ctx, r.cfg.StabilizationWait) {
		return ctx.Err()
	}
	return nil
}

// record appends the result, updates the best stable candidate, and
// persists the snapshot. The best-known setting is recorded before any
// riskier candidate is attempted, so a safety abort always leaves a
// recoverable fallback.
func (r *Run) record(result CandidateResult, theoretical float64) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.attempts++
	if result.Status == StatusStable {
		if r.best == nil || BetterByHashrate(result, *r.best) {
			b := result
			r.best = &b
		}
	}
	r.mu.Unlock()

	r.observer.CandidateRecorded(r.ctrl.Host(), result)

	if result.Status.Completed() {
		r.progress.Printf("average hashrate: %.2f GH/s (theoretical: %.2f GH/s)", result.AvgHashrate, theoretical)
		r.progress.Printf("average temperature: %.2f°C", result.AvgTemp)
		if result.AvgVRTemp != nil {
			r.progress.Printf("average VR temperature: %.2f°C", *result.AvgVRTemp)
		}
		r.progress.Printf("efficiency: %.2f J/TH", result.Efficiency)
	} else {
		r.progress.Printf("candidate %s: %s (%s)", result.Setting, result.Status, result.Reason)
	}
	r.logger.Info("candidate recorded",
		zap.String("setting", result.Setting.String()),
		zap.String("status", string(result.Status)),
		zap.Float64("avg_hashrate", result.AvgHashrate),
		zap.Float64("efficiency_jth", result.Efficiency),
	)

	if r.onResult != nil {
		r.onResult(r.Snapshot())
	}
}

// terminate persists results, then restores the best stable setting (or the
// defaults when none exists). Results are persisted first so the artifact
// reflects the run regardless of the restore outcome. Restore failures are
// reported, never fatal.
func (r *Run) terminate(ctx context.Context) {
	r.setState(StateTerminated)

	if r.onResult != nil {
		r.onResult(r.Snapshot())
	}

	// The interrupt may already have fired; the restore still has to run.
	restoreCtx := context.WithoutCancel(ctx)

	target := r.defaultsSetting()
	if best, ok := BestStable(r.snapshotResults()); ok {
		target = best.Setting
		r.progress.Printf("restoring best settings from benchmarking: %dmV core voltage, %dMHz",
			target.CoreVoltage, target.Frequency)
	} else {
		r.progress.Printf("no stable results, restoring default settings: %dmV core voltage, %dMHz",
			target.CoreVoltage, target.Frequency)
	}

	if err := r.ctrl.ApplySettings(restoreCtx, target.CoreVoltage, target.Frequency); err != nil {
		r.logger.Error("failed to restore settings", zap.Error(err))
		r.progress.Printf("failed to restore settings: %v", err)
		return
	}
	if err := r.ctrl.Restart(restoreCtx); err != nil {
		r.logger.Error("failed to restart after restore", zap.Error(err))
		r.progress.Printf("failed to restart after restore: %v", err)
		return
	}
	r.setCurrent(target)
	r.logger.Info("run terminated",
		zap.String("restored", target.String()),
		zap.Int("attempts", r.Snapshot().Attempts),
	)
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) setCurrent(s Setting) {
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
}

func (r *Run) currentSetting() Setting {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Run) defaultsSetting() Setting {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaults
}

func (r *Run) snapshotResults() []CandidateResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CandidateResult, len(r.results))
	copy(out, r.results)
	return out
}

func interrupted(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleepCtx waits for d or until ctx is cancelled; it reports whether the
// full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
