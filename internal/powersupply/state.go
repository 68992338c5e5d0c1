package powersupply

import (
	"fmt"
	"strings"
)

// State is the operational state of a supply as reported by hardware or
// requested by an operator.
type State int

const (
	StateUnknown State = iota
	StateOff
	StateStandby
	StateOn
	StateInterlock
	StateError

	// StateReset can be requested but is never accepted.
	StateReset
)

var stateNames = [...]string{
	StateUnknown:   "UNKNOWN",
	StateOff:       "OFF",
	StateStandby:   "STANDBY",
	StateOn:        "ON",
	StateInterlock: "INTERLOCK",
	StateError:     "ERROR",
	StateReset:     "RESET",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState accepts a state name in any case.
func ParseState(name string) (State, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, s := range stateNames {
		if s == n {
			return State(i), nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Faulted reports whether the hardware is tripped or in error.
func (s State) Faulted() bool {
	return s == StateInterlock || s == StateError
}

// Settable reports whether an operator may request s.
func (s State) Settable() bool {
	return s == StateOff || s == StateStandby || s == StateOn
}

// DecodeStatus maps a raw mode readback to a State.
//
//	0    -> Off
//	1, 5 -> Standby
//	2, 6 -> On
//	3    -> Interlock
//	else -> Error
func DecodeStatus(code int) State {
	switch code {
	case 0:
		return StateOff
	case 1, 5:
		return StateStandby
	case 2, 6:
		return StateOn
	case 3:
		return StateInterlock
	}
	return StateError
}

// ModeCode is the value written to the mode command channel for s.
func ModeCode(s State) (int, bool) {
	switch s {
	case StateOff:
		return 0, true
	case StateStandby:
		return 1, true
	case StateOn:
		return 2, true
	}
	return 0, false
}
