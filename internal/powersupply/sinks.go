package powersupply

import "time"

// Transition kinds.
const (
	// TransitionControl is a change of the control loop phase.
	TransitionControl = "control"

	// TransitionReported is a change of the state read back from hardware.
	TransitionReported = "reported"
)

// Transition is one recorded state change of a supply.
type Transition struct {
	ID               int64     `json:"id,omitempty"`
	Supply           string    `json:"supply"`
	Kind             string    `json:"kind"`
	From             string    `json:"from"`
	To               string    `json:"to"`
	Current          float64   `json:"current"`
	RequestedCurrent float64   `json:"requested_current"`
	Reason           string    `json:"reason,omitempty"`
	At               time.Time `json:"at"`
}

// TransitionRecorder persists transitions. Implementations must not block.
type TransitionRecorder interface {
	RecordTransition(t Transition)
}

// Telemetry receives readback samples and transitions for time-series
// storage. Satisfied by *influxdb.Client.
type Telemetry interface {
	WriteDeviceMetric(deviceID string, measurement string, value float64)
	WriteTransition(deviceID, from, to string, at time.Time)
}

// Telemetry measurement quantities.
const (
	QuantityCurrent  = "current"
	QuantityPolarity = "polarity"
	QuantityMode     = "mode"
)
