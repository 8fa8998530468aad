package bench

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/axetune/axetune/internal/device"
)

// StatusReader is the slice of the device controller the sampler needs.
type StatusReader interface {
	SystemInfo(ctx context.Context) (*device.SystemInfo, error)
}

// Progress receives human-readable per-device output lines. Implementations
// must be safe for concurrent use across devices.
type Progress interface {
	Printf(format string, args ...any)
}

type nopProgress struct{}

func (nopProgress) Printf(string, ...any) {}

// SampleConfig controls one candidate's sampling window.
type SampleConfig struct {
	Duration      time.Duration // total window length
	Interval      time.Duration // wait between readings
	MinSamples    int           // minimum valid readings for a usable average
	WarmupDiscard int           // leading temperature readings excluded from averages
	OutlierTrim   int           // highest and lowest hashrate readings dropped each
}

// Sampler drives one candidate's sampling window: it polls the device at a
// fixed interval, hands every reading to the safety monitor, and reduces the
// window to a single CandidateResult.
type Sampler struct {
	cfg      SampleConfig
	monitor  *SafetyMonitor
	reader   StatusReader
	progress Progress
	logger   *zap.Logger
}

// NewSampler creates a sampler. progress may be nil.
func NewSampler(cfg SampleConfig, monitor *SafetyMonitor, reader StatusReader, progress Progress, logger *zap.Logger) *Sampler {
	if progress == nil {
		progress = nopProgress{}
	}
	return &Sampler{
		cfg:      cfg,
		monitor:  monitor,
		reader:   reader,
		progress: progress,
		logger:   logger.Named("sampler"),
	}
}

// Collect runs the sampling window for the given setting. The returned error
// is non-nil only when ctx is cancelled between readings; the in-flight
// reading always finishes or hits the client's own retry/timeout bound
// first, so cancellation never interrupts a read.
func (s *Sampler) Collect(ctx context.Context, setting Setting) (CandidateResult, error) {
	total := int(s.cfg.Duration / s.cfg.Interval)
	readings := make([]Reading, 0, total)

	// Fetches run on a detached context: an interrupt is honored at the
	// next between-sample boundary, never mid-read.
	fetchCtx := context.WithoutCancel(ctx)

	for seq := 0; seq < total; seq++ {
		info, err := s.reader.SystemInfo(fetchCtx)
		if err != nil {
			// A slot whose retries are exhausted is skipped; the window
			// fails only if too few valid readings remain at the end.
			s.logger.Warn("sample slot skipped", zap.Int("slot", seq+1), zap.Error(err))
			s.progress.Printf("sample %d/%d failed, skipping: %v", seq+1, total, err)
		} else {
			reading, invalid := readingFrom(seq, info)
			if invalid != "" {
				return CandidateResult{
					Setting: setting,
					Status:  StatusInvalidData,
					Reason:  invalid,
				}, nil
			}
			if v := s.monitor.Check(reading); v != nil {
				s.progress.Printf("aborting candidate: %s", v.Reason)
				return CandidateResult{
					Setting: setting,
					Status:  v.Status,
					Reason:  v.Reason,
				}, nil
			}
			readings = append(readings, reading)
			s.progress.Printf("%s", progressLine(seq+1, total, setting, reading))
		}

		if seq < total-1 {
			select {
			case <-time.After(s.cfg.Interval):
			case <-ctx.Done():
				return CandidateResult{}, ctx.Err()
			}
		}
	}

	return s.reduce(setting, readings), nil
}

// readingFrom converts a raw snapshot into a Reading, or explains why the
// snapshot is structurally unusable.
func readingFrom(seq int, info *device.SystemInfo) (Reading, string) {
	switch {
	case info.HashRate == nil:
		return Reading{}, "hashrate missing from telemetry"
	case *info.HashRate < 0:
		return Reading{}, fmt.Sprintf("negative hashrate %.2f reported", *info.HashRate)
	case info.Temp == nil:
		return Reading{}, "chip temperature missing from telemetry"
	case info.Power == nil:
		return Reading{}, "power missing from telemetry"
	}
	return Reading{
		Seq:          seq,
		Timestamp:    time.Now(),
		Hashrate:     *info.HashRate,
		Temp:         *info.Temp,
		VRTemp:       info.VRTemp,
		Power:        *info.Power,
		InputVoltage: info.InputVoltage,
		FanRPM:       info.FanRPM,
	}, ""
}

// reduce turns the collected readings into a CandidateResult: warmup
// temperatures are discarded, hashrate outliers trimmed, the rest averaged.
func (s *Sampler) reduce(setting Setting, readings []Reading) CandidateResult {
	if len(readings) < s.cfg.MinSamples {
		return CandidateResult{
			Setting: setting,
			Status:  StatusInsufficientSamples,
			Reason: fmt.Sprintf("collected %d valid samples, need at least %d",
				len(readings), s.cfg.MinSamples),
		}
	}

	avgHashrate := trimmedMean(hashrates(readings), s.cfg.OutlierTrim)
	if avgHashrate <= 0 {
		return CandidateResult{
			Setting: setting,
			Status:  StatusInvalidData,
			Reason:  "zero average hashrate over the sampling window",
		}
	}

	// Temperatures warm up after a settings change; the leading readings
	// are excluded from the average. Other metrics are not warmup-filtered.
	warmed := readings
	if s.cfg.WarmupDiscard < len(readings) {
		warmed = readings[s.cfg.WarmupDiscard:]
	}

	result := CandidateResult{
		Setting:     setting,
		Status:      StatusStable,
		AvgHashrate: avgHashrate,
		AvgTemp:     mean(temps(warmed)),
		AvgPower:    mean(powers(readings)),
		SampleCount: len(readings),
	}
	result.Efficiency = result.AvgPower / (result.AvgHashrate / 1000)

	if vr := vrTemps(warmed); len(vr) > 0 {
		v := mean(vr)
		result.AvgVRTemp = &v
	}
	if iv := inputVoltages(readings); len(iv) > 0 {
		v := mean(iv)
		result.AvgInputVoltage = &v
	}
	if fans := fanSpeeds(readings); len(fans) > 0 {
		v := mean(fans)
		result.AvgFanRPM = &v
	}
	return result
}

func progressLine(n, total int, setting Setting, r Reading) string {
	line := fmt.Sprintf("[%2d/%2d] %5.1f%% | CV: %4dmV | F: %4dMHz | H: %4.0f GH/s | T: %2.0f°C",
		n, total, float64(n)/float64(total)*100,
		setting.CoreVoltage, setting.Frequency, r.Hashrate, r.Temp)
	if r.InputVoltage != nil {
		line += fmt.Sprintf(" | IV: %4.0fmV", *r.InputVoltage)
	}
	if r.VRTemp != nil && *r.VRTemp > 0 {
		line += fmt.Sprintf(" | VR: %2.0f°C", *r.VRTemp)
	}
	return line
}

func hashrates(rs []Reading) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r.Hashrate
	}
	return out
}

func temps(rs []Reading) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r.Temp
	}
	return out
}

func vrTemps(rs []Reading) []float64 {
	var out []float64
	for _, r := range rs {
		if r.VRTemp != nil && *r.VRTemp > 0 {
			out = append(out, *r.VRTemp)
		}
	}
	return out
}

func powers(rs []Reading) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r.Power
	}
	return out
}

func inputVoltages(rs []Reading) []float64 {
	var out []float64
	for _, r := range rs {
		if r.InputVoltage != nil {
			out = append(out, *r.InputVoltage)
		}
	}
	return out
}

func fanSpeeds(rs []Reading) []float64 {
	var out []float64
	for _, r := range rs {
		if r.FanRPM != nil {
			out = append(out, float64(*r.FanRPM))
		}
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// trimmedMean drops the trim highest and trim lowest values before
// averaging. If trimming would leave nothing, the plain mean is used.
func trimmedMean(vals []float64, trim int) float64 {
	if len(vals) <= 2*trim {
		return mean(vals)
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	return mean(sorted[trim : len(sorted)-trim])
}
