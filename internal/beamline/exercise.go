package beamline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/infn-epics/pshal/internal/powersupply"
)

const (
	defaultExerciseWait = 60 * time.Second
	settlePollInterval  = 50 * time.Millisecond
)

// ErrStandbyFailed aborts an exercise whose supplies cannot all be put in
// standby.
var ErrStandbyFailed = errors.New("supplies failed to reach standby")

// ExerciseConfig tunes Exercise.
type ExerciseConfig struct {
	// WaitTimeout bounds each state change. Default 60s.
	WaitTimeout time.Duration

	// SettleTimeout bounds how long a setpoint may take to read back.
	// Default WaitTimeout.
	SettleTimeout time.Duration
}

func (c ExerciseConfig) withDefaults() ExerciseConfig {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = defaultExerciseWait
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = c.WaitTimeout
	}
	return c
}

// Step is one setpoint checked during an exercise.
type Step struct {
	Supply    string  `json:"supply"`
	Setpoint  float64 `json:"setpoint"`
	Readback  float64 `json:"readback"`
	Tolerance float64 `json:"tolerance"`
	OK        bool    `json:"ok"`
}

// Report summarises an exercise.
type Report struct {
	OK     int      `json:"ok"`
	Errors int      `json:"errors"`
	Steps  []Step   `json:"steps"`
	Failed []string `json:"failed,omitempty"`
}

// Total is the number of checks performed.
func (r Report) Total() int { return r.OK + r.Errors }

func (r Report) String() string {
	return fmt.Sprintf("%d/%d OK", r.OK, r.Total())
}

func (r *Report) fail(supply string) {
	r.Errors++
	r.Failed = append(r.Failed, supply)
}

// Exercise runs the commissioning sequence over the fleet:
//
//  1. every supply not already in standby is put in standby; any failure
//     aborts with ErrStandbyFailed
//  2. each supply in turn is switched on and swept through
//     [min, max, min, min+1, ..., max-1], each setpoint checked against
//     curr_th (zero_error for a zero setpoint when larger)
//  3. every supply is put back in standby
func (f *Fleet) Exercise(ctx context.Context, cfg ExerciseConfig) (Report, error) {
	cfg = cfg.withDefaults()
	var rep Report
	supplies := f.Supplies()

	for _, d := range supplies {
		if d.State() == powersupply.StateStandby {
			continue
		}
		f.logger.Info("exercise: setting standby", "supply", d.Name(), "state", d.State())
		if err := f.switchTo(ctx, d, powersupply.StateStandby, cfg.WaitTimeout); err != nil {
			f.logger.Warn("exercise: standby failed", "supply", d.Name(), "state", d.State(), "error", err)
			rep.fail(d.Name())
		}
	}
	if rep.Errors > 0 {
		return rep, ErrStandbyFailed
	}

	for _, d := range supplies {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		f.logger.Info("exercise: switching on", "supply", d.Name())
		if err := f.switchTo(ctx, d, powersupply.StateOn, cfg.WaitTimeout); err != nil {
			f.logger.Warn("exercise: switch on failed", "supply", d.Name(), "error", err)
			rep.fail(d.Name())
			continue
		}

		feat := d.Features()
		for _, sp := range Sweep(feat) {
			step := f.checkSetpoint(ctx, d, feat, sp, cfg.SettleTimeout)
			rep.Steps = append(rep.Steps, step)
			if step.OK {
				rep.OK++
			} else {
				rep.Errors++
			}
		}
	}

	for _, d := range supplies {
		f.logger.Info("exercise: back to standby", "supply", d.Name(), "current", d.Current())
		if err := f.switchTo(ctx, d, powersupply.StateStandby, cfg.WaitTimeout); err != nil {
			f.logger.Warn("exercise: standby failed", "supply", d.Name(), "error", err)
			rep.fail(d.Name())
		}
	}

	f.logger.Info("exercise finished", "ok", rep.OK, "total", rep.Total())
	return rep, nil
}

func (f *Fleet) switchTo(ctx context.Context, d powersupply.Device, st powersupply.State, timeout time.Duration) error {
	if err := d.SetState(st); err != nil {
		return err
	}
	return d.Wait(ctx, timeout)
}

func (f *Fleet) checkSetpoint(ctx context.Context, d powersupply.Device, feat powersupply.Features, sp float64, settle time.Duration) Step {
	tol := feat.CurrentThreshold
	if sp == 0 {
		tol = math.Max(tol, feat.ZeroError)
	}
	step := Step{Supply: d.Name(), Setpoint: sp, Tolerance: tol}

	if err := d.SetCurrent(sp); err != nil {
		f.logger.Warn("exercise: setpoint rejected", "supply", d.Name(), "setpoint", sp, "error", err)
		step.Readback = d.Current()
		return step
	}

	step.OK = settled(ctx, d, sp, tol, settle)
	step.Readback = d.Current()
	if step.OK {
		f.logger.Info("exercise: setpoint reached", "supply", d.Name(), "setpoint", sp, "readback", step.Readback)
	} else {
		f.logger.Warn("exercise: setpoint not reached", "supply", d.Name(), "setpoint", sp,
			"readback", step.Readback, "tolerance", tol)
	}
	return step
}

// settled polls until the readback is within tol of sp.
func settled(ctx context.Context, d powersupply.Device, sp, tol float64, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(settlePollInterval)
	defer ticker.Stop()

	for {
		if math.Abs(d.Current()-sp) <= tol {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return math.Abs(d.Current()-sp) <= tol
		case <-ticker.C:
		}
	}
}

// Sweep lists the setpoints of an exercise: the bounds first, then every
// whole ampere from min up to max-1. Bounds are truncated toward zero.
func Sweep(f powersupply.Features) []float64 {
	lo, hi := int(f.Min), int(f.Max)
	out := []float64{float64(lo), float64(hi)}
	for i := lo; i < hi; i++ {
		out = append(out, float64(i))
	}
	return out
}
