package bench

import "fmt"

// Limits are the hard safety thresholds every individual reading is checked
// against. They are fixed per deployment.
type Limits struct {
	MaxChipTemp     float64 `yaml:"max_chip_temp"`     // Celsius
	MinChipTemp     float64 `yaml:"min_chip_temp"`     // below this the sensor is considered broken
	MaxVRTemp       float64 `yaml:"max_vr_temp"`       // Celsius
	MaxPower        float64 `yaml:"max_power"`         // Watts
	MinInputVoltage float64 `yaml:"min_input_voltage"` // mV
	MaxInputVoltage float64 `yaml:"max_input_voltage"` // mV
}

// Violation describes why a reading ended a candidate early.
type Violation struct {
	Status Status
	Reason string
}

// SafetyMonitor evaluates every reading as it arrives, not just the final
// average. A single over-threshold reading ends the candidate immediately.
type SafetyMonitor struct {
	limits Limits
}

// NewSafetyMonitor creates a monitor for the given limits.
func NewSafetyMonitor(limits Limits) *SafetyMonitor {
	return &SafetyMonitor{limits: limits}
}

// Check returns nil when the reading is within all limits, or the first
// violation found. The implausible-temperature check runs first so a dead
// sensor is classified as invalid data rather than a safe reading.
func (m *SafetyMonitor) Check(r Reading) *Violation {
	l := m.limits

	if r.Temp < l.MinChipTemp {
		return &Violation{
			Status: StatusInvalidData,
			Reason: fmt.Sprintf("chip temperature %.1f°C below plausible minimum %.1f°C", r.Temp, l.MinChipTemp),
		}
	}
	if r.Temp >= l.MaxChipTemp {
		return &Violation{
			Status: StatusThermalAbort,
			Reason: fmt.Sprintf("chip temperature %.1f°C reached limit %.1f°C", r.Temp, l.MaxChipTemp),
		}
	}
	if r.VRTemp != nil && *r.VRTemp > 0 && *r.VRTemp >= l.MaxVRTemp {
		return &Violation{
			Status: StatusThermalAbort,
			Reason: fmt.Sprintf("voltage regulator temperature %.1f°C reached limit %.1f°C", *r.VRTemp, l.MaxVRTemp),
		}
	}
	if r.Power > l.MaxPower {
		return &Violation{
			Status: StatusPowerAbort,
			Reason: fmt.Sprintf("power draw %.1fW exceeded limit %.1fW", r.Power, l.MaxPower),
		}
	}
	if r.InputVoltage != nil {
		if *r.InputVoltage < l.MinInputVoltage {
			return &Violation{
				Status: StatusInputVoltageAbort,
				Reason: fmt.Sprintf("input voltage %.0fmV below minimum %.0fmV", *r.InputVoltage, l.MinInputVoltage),
			}
		}
		if *r.InputVoltage > l.MaxInputVoltage {
			return &Violation{
				Status: StatusInputVoltageAbort,
				Reason: fmt.Sprintf("input voltage %.0fmV above maximum %.0fmV", *r.InputVoltage, l.MaxInputVoltage),
			}
		}
	}
	return nil
}
