package powersupply

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"
)

// Params are driver construction parameters as found in a magnet list.
type Params map[string]any

// Parameter keys.
const (
	ParamMax       = "max"
	ParamMin       = "min"
	ParamZeroError = "zero_error"
	ParamCycle     = "sim_cycle"
	ParamStandby   = "th_stdby"
	ParamCurrent   = "th_current"
	ParamBipolar   = "bipolar"
	ParamSlope     = "slope"
)

// Options are the safety envelope and loop timing of one supply. They are
// fixed at construction.
type Options struct {
	Max       float64
	Min       float64
	ZeroError float64

	// Cycle is the control loop period.
	Cycle time.Duration

	// StandbyThreshold is the largest current at which the supply may be
	// switched to Standby.
	StandbyThreshold float64

	// CurrentThreshold is the settle tolerance: no new current command is
	// written while |setpoint - readback| is within it.
	CurrentThreshold float64

	// Bipolar marks the supply bipolar before any polarity readback.
	Bipolar bool

	// Slope is the simulated ramp per cycle (sim driver only).
	Slope float64
}

// DefaultOptions returns the Dante defaults.
func DefaultOptions() Options {
	return Options{
		Max:              100,
		Min:              -100,
		ZeroError:        1.5,
		Cycle:            time.Second,
		StandbyThreshold: 0.5,
		CurrentThreshold: 0.01,
	}
}

// ParseParams applies p over DefaultOptions. Unknown keys fail with
// ErrUnknownParam; values of the wrong type or out of range with
// ErrInvalidParam.
func ParseParams(p Params) (Options, error) {
	o := DefaultOptions()

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		v := p[k]
		var err error
		switch k {
		case ParamMax:
			o.Max, err = toFloat(v)
		case ParamMin:
			o.Min, err = toFloat(v)
		case ParamZeroError:
			o.ZeroError, err = toFloat(v)
		case ParamCycle:
			o.Cycle, err = toDuration(v)
		case ParamStandby:
			o.StandbyThreshold, err = toFloat(v)
		case ParamCurrent:
			o.CurrentThreshold, err = toFloat(v)
		case ParamBipolar:
			o.Bipolar, err = toBool(v)
		case ParamSlope:
			o.Slope, err = toFloat(v)
		default:
			return Options{}, fmt.Errorf("%w: %q", ErrUnknownParam, k)
		}
		if err != nil {
			return Options{}, fmt.Errorf("%w: %s: %v", ErrInvalidParam, k, err)
		}
	}

	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Validate checks the envelope is consistent.
func (o Options) Validate() error {
	switch {
	case o.Min >= o.Max:
		return fmt.Errorf("%w: min %g must be below max %g", ErrInvalidParam, o.Min, o.Max)
	case o.Cycle <= 0:
		return fmt.Errorf("%w: sim_cycle must be positive", ErrInvalidParam)
	case o.ZeroError < 0, o.StandbyThreshold < 0, o.CurrentThreshold < 0, o.Slope < 0:
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidParam)
	}
	return nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		var err error
		if f, err = strconv.ParseFloat(x, 64); err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
	default:
		return 0, fmt.Errorf("not a number: %v (%T)", v, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", v)
	}
	return f, nil
}

// toDuration takes seconds as a number or a Go duration string.
func toDuration(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	secs, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(x)
	case int:
		return x != 0, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	}
	return false, fmt.Errorf("not a boolean: %v (%T)", v, v)
}

// Features is the static envelope of a supply, plus whether it has been
// found bipolar.
type Features struct {
	Min              float64 `json:"min"`
	Max              float64 `json:"max"`
	ZeroError        float64 `json:"zero_error"`
	StandbyThreshold float64 `json:"th_stdby"`
	CurrentThreshold float64 `json:"curr_th"`
	Cycle            float64 `json:"sim_cycle"`
	Slope            float64 `json:"slope"`
	Bipolar          bool    `json:"bipolar"`
}

// CyclePeriod returns Cycle as a Duration.
func (f Features) CyclePeriod() time.Duration {
	return time.Duration(f.Cycle * float64(time.Second))
}

func (o Options) features(bipolar bool) Features {
	return Features{
		Min:              o.Min,
		Max:              o.Max,
		ZeroError:        o.ZeroError,
		StandbyThreshold: o.StandbyThreshold,
		CurrentThreshold: o.CurrentThreshold,
		Cycle:            o.Cycle.Seconds(),
		Slope:            o.Slope,
		Bipolar:          bipolar,
	}
}
