package powersupply

import "errors"

// Domain errors for power supply operations.
var (
	// ErrValidation is returned when a setpoint is outside the configured bounds.
	ErrValidation = errors.New("setpoint out of range")

	// ErrUnsupportedOperation is returned when requesting a state that cannot be set.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrUnknownDriverType is returned by Create for an unregistered driver tag.
	ErrUnknownDriverType = errors.New("unknown driver type")

	// ErrTimeout is returned when Wait does not see the target state in time.
	ErrTimeout = errors.New("timed out waiting for state")

	// ErrUnknownParam is returned for a construction parameter no driver understands.
	ErrUnknownParam = errors.New("unknown parameter")

	// ErrInvalidParam is returned for a parameter with the wrong type or value.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrFaulted is returned when an operation needs a healthy supply.
	ErrFaulted = errors.New("supply faulted")

	// ErrStopped is returned by operations on a stopped supply.
	ErrStopped = errors.New("supply stopped")
)
