package bench

import "fmt"

// PolicyConfig bounds the hill-climb. Frequency is the performance lever;
// voltage is only raised reactively when a clock proves unstable.
type PolicyConfig struct {
	VoltageStep   int // mV
	FrequencyStep int // MHz
	MinVoltage    int
	MaxVoltage    int
	MinFrequency  int
	MaxFrequency  int
	Tolerance     float64 // accepted shortfall from theoretical hashrate, e.g. 0.08
}

// Action is the policy's verdict for a run.
type Action int

const (
	ActionContinue Action = iota
	ActionTerminate
)

// Decision is the policy's next step for a run.
type Decision struct {
	Action          Action
	Next            Setting // valid when Action == ActionContinue
	WithinTolerance bool    // meaningful only for completed windows
	Reason          string
}

// Policy decides the next candidate from the latest result. It is a pure
// function of its inputs and holds no run state.
type Policy struct {
	cfg PolicyConfig
}

// NewPolicy creates a stepping policy.
func NewPolicy(cfg PolicyConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Theoretical estimates the hashrate (GH/s) a chip should reach at the given
// frequency. A non-positive estimate (core-count probe failed) disables the
// tolerance check rather than failing every candidate.
func (p *Policy) Theoretical(frequencyMHz, smallCoreCount, asicCount int) float64 {
	return float64(frequencyMHz) * float64(smallCoreCount*asicCount) / 1000.0
}

// Decide maps the latest candidate result to the next setting or
// termination. Priority order:
//
//  1. safety aborts terminate the run — hard physical limits are never
//     retried on another axis;
//  2. a stable window within tolerance of theoretical steps frequency up at
//     the same voltage;
//  3. everything else (hashrate shortfall, invalid data, too few samples)
//     steps voltage up at the same frequency.
//
// Each transition is non-decreasing in one axis, so a run terminates within
// a bounded number of attempts.
func (p *Policy) Decide(current Setting, result CandidateResult, theoretical float64) Decision {
	if result.Status.Aborted() {
		return Decision{
			Action: ActionTerminate,
			Reason: fmt.Sprintf("safety limit reached (%s), stopping further testing", result.Status),
		}
	}

	if result.Status.Completed() {
		within := theoretical <= 0 || result.AvgHashrate >= theoretical*(1-p.cfg.Tolerance)
		if within {
			next := Setting{CoreVoltage: current.CoreVoltage, Frequency: current.Frequency + p.cfg.FrequencyStep}
			if next.Frequency > p.cfg.MaxFrequency {
				return Decision{
					Action:          ActionTerminate,
					WithinTolerance: true,
					Reason:          fmt.Sprintf("frequency ceiling %dMHz reached with good results", p.cfg.MaxFrequency),
				}
			}
			return Decision{
				Action:          ActionContinue,
				Next:            next,
				WithinTolerance: true,
				Reason:          fmt.Sprintf("hashrate within tolerance, raising frequency to %dMHz", next.Frequency),
			}
		}
	}

	// Clock unstable at this voltage, or the window was unusable: raise
	// voltage at the same frequency.
	next := Setting{CoreVoltage: current.CoreVoltage + p.cfg.VoltageStep, Frequency: current.Frequency}
	if next.CoreVoltage > p.cfg.MaxVoltage {
		return Decision{
			Action: ActionTerminate,
			Reason: fmt.Sprintf("voltage ceiling %dmV reached without a stable clock", p.cfg.MaxVoltage),
		}
	}
	return Decision{
		Action: ActionContinue,
		Next:   next,
		Reason: fmt.Sprintf("clock unstable at %dmV, raising voltage to %dmV", current.CoreVoltage, next.CoreVoltage),
	}
}

// ValidateSetting rejects settings outside the configured bands. The run
// checks this both at generation time and defensively before every apply.
func (p *Policy) ValidateSetting(s Setting) error {
	c := p.cfg
	if s.CoreVoltage < c.MinVoltage || s.CoreVoltage > c.MaxVoltage {
		return fmt.Errorf("core voltage %dmV outside allowed band [%d, %d]mV", s.CoreVoltage, c.MinVoltage, c.MaxVoltage)
	}
	if s.Frequency < c.MinFrequency || s.Frequency > c.MaxFrequency {
		return fmt.Errorf("frequency %dMHz outside allowed band [%d, %d]MHz", s.Frequency, c.MinFrequency, c.MaxFrequency)
	}
	return nil
}
