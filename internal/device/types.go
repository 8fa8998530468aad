package device

// SystemInfo is the telemetry snapshot returned by the miner's
// /api/system/info endpoint. Only the fields the tuner consumes are decoded;
// optional sensors are pointers so a missing field is distinguishable from a
// zero reading.
type SystemInfo struct {
	Hostname string `json:"hostname"`

	HashRate     *float64 `json:"hashRate"` // GH/s
	Temp         *float64 `json:"temp"`     // chip temperature, Celsius
	VRTemp       *float64 `json:"vrTemp"`   // voltage regulator temperature, Celsius
	Power        *float64 `json:"power"`    // Watts
	InputVoltage *float64 `json:"voltage"`  // input voltage, mV
	FanRPM       *int     `json:"fanrpm"`

	CoreVoltage    int `json:"coreVoltage"` // mV
	Frequency      int `json:"frequency"`   // MHz
	SmallCoreCount int `json:"smallCoreCount"`
	ASICCount      int `json:"asicCount"`
}
