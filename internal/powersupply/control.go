package powersupply

import (
	"fmt"
	"math"
	"strings"
)

// ControlState is the phase of a supply's control loop. It is distinct
// from the State the hardware reports.
type ControlState int

const (
	ControlInit ControlState = iota
	ControlOn
	ControlStandby
	ControlError
)

var controlNames = [...]string{
	ControlInit:    "INIT",
	ControlOn:      "ON",
	ControlStandby: "STANDBY",
	ControlError:   "ERROR",
}

func (c ControlState) String() string {
	if c >= 0 && int(c) < len(controlNames) {
		return controlNames[c]
	}
	return fmt.Sprintf("ControlState(%d)", int(c))
}

// ParseControlState accepts a control phase name in any case.
func ParseControlState(name string) (ControlState, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	for i, s := range controlNames {
		if s == n {
			return ControlState(i), nil
		}
	}
	return ControlInit, fmt.Errorf("unknown control state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (c ControlState) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ControlState) UnmarshalText(text []byte) error {
	v, err := ParseControlState(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// polarityUnknown is the polarity before the first readback.
const polarityUnknown = -100

// Snapshot is the shadow state a control tick works on.
type Snapshot struct {
	RequestedState   State
	RequestedCurrent float64

	Reported State
	Measured float64
	Polarity int
	Bipolar  bool

	StandbyThreshold float64
	CurrentThreshold float64
}

// CommandKind selects the command channel.
type CommandKind int

const (
	CommandCurrent CommandKind = iota
	CommandPolarity
	CommandMode
)

func (k CommandKind) String() string {
	switch k {
	case CommandCurrent:
		return "current"
	case CommandPolarity:
		return "polarity"
	case CommandMode:
		return "mode"
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// Command is one write issued by a tick.
type Command struct {
	Kind  CommandKind
	Value float64
}

func currentCmd(v float64) Command { return Command{Kind: CommandCurrent, Value: v} }
func polarityCmd(p int) Command    { return Command{Kind: CommandPolarity, Value: float64(p)} }

func modeCmd(s State) Command {
	code, _ := ModeCode(s)
	return Command{Kind: CommandMode, Value: float64(code)}
}

// Decision is the outcome of one tick: the control state for the next tick
// and the writes to issue now.
type Decision struct {
	Next     ControlState
	Commands []Command
	Reason   string
}

// Handle runs one control tick. It has no side effects; the caller stores
// Next and issues Commands.
func (c ControlState) Handle(s Snapshot) Decision {
	if c != ControlError && s.Reported.Faulted() {
		return Decision{Next: ControlError, Reason: "hardware reports " + s.Reported.String()}
	}

	switch c {
	case ControlInit:
		if s.Reported == StateOn {
			return Decision{Next: ControlOn, Reason: "hardware already on"}
		}
		return Decision{Next: ControlStandby, Reason: "initial state " + s.Reported.String()}
	case ControlOn:
		return handleOn(s)
	case ControlStandby:
		return handleStandby(s)
	}
	return Decision{Next: ControlError}
}

func handleOn(s Snapshot) Decision {
	if s.RequestedState == StateStandby || s.RequestedState == StateOff {
		return Decision{Next: ControlStandby, Reason: s.RequestedState.String() + " requested"}
	}
	if !s.Bipolar && polarityMismatch(s.RequestedCurrent, s.Polarity) {
		return Decision{
			Next:   ControlStandby,
			Reason: fmt.Sprintf("polarity %d does not match setpoint %g", s.Polarity, s.RequestedCurrent),
		}
	}

	d := Decision{Next: ControlOn}
	if s.Reported == StateOn && math.Abs(s.RequestedCurrent-s.Measured) > s.CurrentThreshold {
		d.Commands = []Command{currentCmd(s.RequestedCurrent)}
	}
	return d
}

func handleStandby(s Snapshot) Decision {
	d := Decision{Next: ControlStandby}

	switch s.Reported {
	case StateOn:
		if math.Abs(s.Measured) > s.StandbyThreshold {
			d.Commands = []Command{currentCmd(0)}
		} else {
			d.Commands = []Command{modeCmd(StateStandby)}
		}

	case StateStandby:
		want := sign(s.RequestedCurrent)
		switch {
		case !s.Bipolar && s.Polarity != want:
			d.Commands = []Command{polarityCmd(want)}
			return d
		case s.RequestedState == StateOff:
			d.Commands = []Command{modeCmd(StateOff)}
		case s.RequestedState == StateOn:
			d.Commands = []Command{modeCmd(StateOn)}
			d.Next = ControlOn
			d.Reason = "on requested"
		}
		// A bipolar supply keeps reporting polarity 3, so the neutral
		// write cannot be confirmed and goes out ahead of the mode write.
		if s.Bipolar && want == 0 && s.Polarity != 0 && len(d.Commands) > 0 {
			d.Commands = append([]Command{polarityCmd(0)}, d.Commands...)
		}

	case StateOff:
		if s.RequestedState == StateStandby || s.RequestedState == StateOn {
			d.Commands = []Command{modeCmd(StateStandby)}
		}
	}
	return d
}

// polarityMismatch reports whether a unipolar supply at polarity pol cannot
// deliver setpoint. A zero setpoint fits any known polarity.
func polarityMismatch(setpoint float64, pol int) bool {
	if pol < -1 || pol > 1 {
		return true
	}
	if setpoint == 0 {
		return false
	}
	return pol != sign(setpoint)
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
