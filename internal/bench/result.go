package bench

import (
	"fmt"
	"time"
)

// Setting is a (core voltage, frequency) pair applied to a device.
// Immutable once tested.
type Setting struct {
	CoreVoltage int `json:"coreVoltage" yaml:"core_voltage"` // mV
	Frequency   int `json:"frequency" yaml:"frequency"`      // MHz
}

func (s Setting) String() string {
	return fmt.Sprintf("%dmV/%dMHz", s.CoreVoltage, s.Frequency)
}

// Reading is a single point-in-time telemetry sample. Readings live only
// inside one candidate's sampling window.
type Reading struct {
	Seq          int
	Timestamp    time.Time
	Hashrate     float64  // GH/s
	Temp         float64  // chip temperature, Celsius
	VRTemp       *float64 // voltage regulator temperature, Celsius
	Power        float64  // Watts
	InputVoltage *float64 // mV
	FanRPM       *int
}

// Status classifies the outcome of one candidate test.
type Status string

const (
	StatusStable              Status = "stable"
	StatusUnstable            Status = "unstable"
	StatusThermalAbort        Status = "thermal_abort"
	StatusPowerAbort          Status = "power_abort"
	StatusInputVoltageAbort   Status = "input_voltage_abort"
	StatusInvalidData         Status = "invalid_data"
	StatusInsufficientSamples Status = "insufficient_samples"
)

// Aborted reports whether the status is one of the hard safety aborts that
// terminate a run outright.
func (s Status) Aborted() bool {
	switch s {
	case StatusThermalAbort, StatusPowerAbort, StatusInputVoltageAbort:
		return true
	}
	return false
}

// Completed reports whether the candidate ran its full sampling window and
// carries averaged metrics.
func (s Status) Completed() bool {
	return s == StatusStable || s == StatusUnstable
}

// CandidateResult is the outcome of testing one Setting. Results are
// append-only within a run and never mutated after being recorded.
type CandidateResult struct {
	Setting Setting `json:"setting"`
	Status  Status  `json:"status"`

	// Averaged metrics, present only when Status.Completed().
	AvgHashrate     float64  `json:"averageHashRate,omitempty"`
	AvgTemp         float64  `json:"averageTemperature,omitempty"`
	AvgVRTemp       *float64 `json:"averageVRTemp,omitempty"`
	AvgPower        float64  `json:"averagePower,omitempty"`
	AvgInputVoltage *float64 `json:"averageInputVoltage,omitempty"`
	AvgFanRPM       *float64 `json:"averageFanRPM,omitempty"`
	Efficiency      float64  `json:"efficiencyJTH,omitempty"` // J/TH
	SampleCount     int      `json:"sampleCount,omitempty"`

	Reason string `json:"errorReason,omitempty"`
}

// BetterByHashrate reports whether a outranks b: higher average hashrate,
// ties broken by lower voltage, then lower frequency.
func BetterByHashrate(a, b CandidateResult) bool {
	if a.AvgHashrate != b.AvgHashrate {
		return a.AvgHashrate > b.AvgHashrate
	}
	if a.Setting.CoreVoltage != b.Setting.CoreVoltage {
		return a.Setting.CoreVoltage < b.Setting.CoreVoltage
	}
	return a.Setting.Frequency < b.Setting.Frequency
}

// BetterByEfficiency reports whether a outranks b: lower J/TH, ties broken
// by lower voltage, then lower frequency.
func BetterByEfficiency(a, b CandidateResult) bool {
	if a.Efficiency != b.Efficiency {
		return a.Efficiency < b.Efficiency
	}
	if a.Setting.CoreVoltage != b.Setting.CoreVoltage {
		return a.Setting.CoreVoltage < b.Setting.CoreVoltage
	}
	return a.Setting.Frequency < b.Setting.Frequency
}

// BestStable returns the stable result with the highest average hashrate,
// ties broken by lower voltage then lower frequency.
func BestStable(results []CandidateResult) (CandidateResult, bool) {
	var best CandidateResult
	found := false
	for _, r := range results {
		if r.Status != StatusStable {
			continue
		}
		if !found || BetterByHashrate(r, best) {
			best = r
			found = true
		}
	}
	return best, found
}
