package channel

import "errors"

var (
	// ErrNoValue is returned by Read before the first update arrives.
	ErrNoValue = errors.New("channel: no value received yet")

	// ErrUnknownChannel is returned by a Provider that cannot address a name.
	ErrUnknownChannel = errors.New("channel: unknown channel")

	// ErrClosed is returned after the provider has been closed.
	ErrClosed = errors.New("channel: provider closed")

	// ErrReadOnly is returned when writing an input point.
	ErrReadOnly = errors.New("channel: read-only channel")
)
