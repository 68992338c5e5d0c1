package beamline

import "errors"

var (
	// ErrUnsupportedFormat is returned for magnet lists that are neither YAML nor CSV.
	ErrUnsupportedFormat = errors.New("unsupported magnet list format")

	// ErrMissingField is returned when a magnet list entry lacks a required field.
	ErrMissingField = errors.New("missing required field")

	// ErrNoMatch is returned when the filter leaves no supplies.
	ErrNoMatch = errors.New("no magnets match the filter")

	// ErrUnknownSupply is returned for names not in the fleet.
	ErrUnknownSupply = errors.New("unknown supply")

	// ErrUnknownPoint is returned for I/O point names not in the fleet.
	ErrUnknownPoint = errors.New("unknown I/O point")
)
