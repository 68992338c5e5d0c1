package powersupply

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/infn-epics/pshal/internal/channel"
)

// DriverDante is the registry tag of the Dante driver.
const DriverDante = "dante"

// polarityBipolar is the polarity code of a bipolar supply.
const polarityBipolar = 3

// Dante drives a Dante magnet power supply through six channels: current,
// polarity and mode readbacks plus the matching command channels.
//
// Readback callbacks update the shadow state under mu and fire hooks on
// value changes. A single loop goroutine runs one control tick per cycle:
// it copies the shadow state, decides, stores the next control state and
// then writes commands without holding the lock.
type Dante struct {
	*Base
	self Device

	ch        channel.SupplyChannels
	telemetry Telemetry
	history   TransitionRecorder

	mu         sync.Mutex
	rawCurrent float64
	hasRaw     bool
	current    float64
	polarity   int
	reported   State
	bipolar    bool
	reqCurrent float64
	reqState   State
	control    ControlState
	reason     string
	stopped    bool

	cancels  []func()
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDante binds the supply at prefix and starts its control loop.
func NewDante(name, prefix string, opts Options, env Env) (*Dante, error) {
	d, err := newDante(DriverDante, name, prefix, opts, env)
	if err != nil {
		return nil, err
	}
	d.start()
	return d, nil
}

// newDante subscribes to the readbacks without starting the loop.
func newDante(driver, name, prefix string, opts Options, env Env) (*Dante, error) {
	if env.Channels == nil {
		return nil, errors.New("no channel provider")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	chans, err := env.Layout.Resolve(env.Channels, prefix)
	if err != nil {
		return nil, fmt.Errorf("resolving channels of %s: %w", name, err)
	}

	d := &Dante{
		Base:      NewBase(driver, name, prefix, opts, env.Logger),
		ch:        chans,
		telemetry: env.Telemetry,
		history:   env.History,
		polarity:  polarityUnknown,
		bipolar:   opts.Bipolar,
		control:   ControlInit,
		done:      make(chan struct{}),
	}
	d.self = d

	subs := []struct {
		ch channel.Channel
		h  channel.Handler
	}{
		{chans.PolarityReadback, d.onPolarity},
		{chans.CurrentReadback, d.onCurrent},
		{chans.ModeReadback, d.onMode},
	}
	for _, s := range subs {
		cancel, err := s.ch.Subscribe(s.h)
		if err != nil {
			d.unsubscribe()
			return nil, fmt.Errorf("subscribing %s: %w", s.ch.Name(), err)
		}
		d.cancels = append(d.cancels, cancel)
	}
	return d, nil
}

func (d *Dante) start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Dante) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.Cycle)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

// tick runs one control step. Panics are logged and swallowed so the loop
// survives a bad tick.
func (d *Dante) tick() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("control tick panicked", "supply", d.name, "panic", r)
		}
	}()

	d.mu.Lock()
	from := d.control
	snap := d.snapshotLocked()
	dec := from.Handle(snap)
	d.control = dec.Next
	if dec.Next != from {
		d.reason = dec.Reason
	}
	d.mu.Unlock()

	if dec.Next != from {
		d.controlChanged(from, dec, snap)
	}
	for _, cmd := range dec.Commands {
		d.issue(cmd)
	}
}

func (d *Dante) snapshotLocked() Snapshot {
	return Snapshot{
		RequestedState:   d.reqState,
		RequestedCurrent: d.reqCurrent,
		Reported:         d.reported,
		Measured:         d.current,
		Polarity:         d.polarity,
		Bipolar:          d.bipolar,
		StandbyThreshold: d.opts.StandbyThreshold,
		CurrentThreshold: d.opts.CurrentThreshold,
	}
}

func (d *Dante) controlChanged(from ControlState, dec Decision, snap Snapshot) {
	level := d.logger.Info
	if dec.Next == ControlError {
		level = d.logger.Error
	}
	level("control state changed", "supply", d.name, "from", from.String(), "to", dec.Next.String(), "reason", dec.Reason)

	d.record(Transition{
		Supply:           d.name,
		Kind:             TransitionControl,
		From:             from.String(),
		To:               dec.Next.String(),
		Current:          snap.Measured,
		RequestedCurrent: snap.RequestedCurrent,
		Reason:           dec.Reason,
		At:               time.Now().UTC(),
	})
}

// issue writes one command. Writes are not acknowledged; errors are logged.
func (d *Dante) issue(cmd Command) {
	var target channel.Channel
	switch cmd.Kind {
	case CommandCurrent:
		target = d.ch.CurrentCommand
	case CommandPolarity:
		target = d.ch.PolarityCommand
	case CommandMode:
		target = d.ch.ModeCommand
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Cycle)
	defer cancel()

	d.logger.Debug("command", "supply", d.name, "kind", cmd.Kind.String(), "value", cmd.Value)
	if err := target.Write(ctx, cmd.Value); err != nil {
		d.logger.Warn("command write failed", "supply", d.name, "pv", target.Name(), "value", cmd.Value, "error", err)
	}
}

func (d *Dante) onCurrent(raw float64) {
	d.mu.Lock()
	d.rawCurrent, d.hasRaw = raw, true
	v, changed := d.correctCurrentLocked()
	d.mu.Unlock()

	if changed {
		d.currentChanged(v)
	}
}

// correctCurrentLocked applies the polarity sign to the last raw current.
func (d *Dante) correctCurrentLocked() (float64, bool) {
	v := d.rawCurrent
	if d.polarity > -2 && d.polarity < 2 {
		v = d.rawCurrent * float64(d.polarity)
	}
	if v == d.current {
		return v, false
	}
	d.current = v
	return v, true
}

func (d *Dante) onPolarity(raw float64) {
	code := int(math.Round(raw))

	d.mu.Lock()
	d.polarity = code
	discovered := code == polarityBipolar && !d.bipolar
	if code == polarityBipolar {
		d.bipolar = true
	}
	var (
		v       float64
		changed bool
	)
	if d.hasRaw {
		v, changed = d.correctCurrentLocked()
	}
	d.mu.Unlock()

	if discovered {
		d.logger.Info("supply is bipolar", "supply", d.name)
	}
	if d.telemetry != nil {
		d.telemetry.WriteDeviceMetric(d.name, QuantityPolarity, float64(code))
	}
	if changed {
		d.currentChanged(v)
	}
}

func (d *Dante) onMode(raw float64) {
	st := DecodeStatus(int(math.Round(raw)))

	d.mu.Lock()
	from := d.reported
	d.reported = st
	cur, req := d.current, d.reqCurrent
	d.mu.Unlock()

	if d.telemetry != nil {
		d.telemetry.WriteDeviceMetric(d.name, QuantityMode, raw)
	}
	if st == from {
		return
	}

	if st.Faulted() {
		d.logger.Warn("supply reports fault", "supply", d.name, "state", st.String(), "mode", raw)
	}
	now := time.Now().UTC()
	d.record(Transition{
		Supply:           d.name,
		Kind:             TransitionReported,
		From:             from.String(),
		To:               st.String(),
		Current:          cur,
		RequestedCurrent: req,
		At:               now,
	})
	if d.telemetry != nil {
		d.telemetry.WriteTransition(d.name, from.String(), st.String(), now)
	}
	d.notifyState(st, d.self)
}

func (d *Dante) currentChanged(v float64) {
	if d.telemetry != nil {
		d.telemetry.WriteDeviceMetric(d.name, QuantityCurrent, v)
	}
	d.notifyCurrent(v, d.self)
}

func (d *Dante) record(t Transition) {
	if d.history != nil {
		d.history.RecordTransition(t)
	}
}

// SetCurrent records a new setpoint.
func (d *Dante) SetCurrent(v float64) error {
	if err := d.ValidateCurrent(v); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	d.reqCurrent = v
	return nil
}

// SetState records the requested operational state.
func (d *Dante) SetState(s State) error {
	if err := d.ValidateState(s); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	d.reqState = s
	return nil
}

// Current returns the polarity-corrected current readback.
func (d *Dante) Current() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// State returns the reported state.
func (d *Dante) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reported
}

// RequestedCurrent returns the recorded setpoint.
func (d *Dante) RequestedCurrent() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reqCurrent
}

// RequestedState returns the recorded state request.
func (d *Dante) RequestedState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reqState
}

// Control returns the active control state.
func (d *Dante) Control() ControlState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.control
}

// Bipolar reports whether the supply has shown bipolar capability.
func (d *Dante) Bipolar() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bipolar
}

// Wait blocks until the reported state equals the requested one. It fails
// early with ErrFaulted when the hardware trips.
func (d *Dante) Wait(ctx context.Context, timeout time.Duration) error {
	target := d.RequestedState()
	if target == StateUnknown {
		return fmt.Errorf("%w: %s: no state requested", ErrUnsupportedOperation, d.name)
	}
	return d.WaitFor(ctx, target, timeout)
}

// WaitFor blocks until the reported state equals target.
func (d *Dante) WaitFor(ctx context.Context, target State, timeout time.Duration) error {
	fault := func() error {
		if st := d.State(); st.Faulted() && !target.Faulted() {
			return fmt.Errorf("%w: %s reports %s", ErrFaulted, d.name, st)
		}
		return nil
	}
	return d.poll(ctx, timeout, func() bool { return d.State() == target }, fault)
}

// Features returns the envelope.
func (d *Dante) Features() Features {
	return d.opts.features(d.Bipolar())
}

// Status returns a snapshot of the supply.
func (d *Dante) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Name:             d.name,
		Prefix:           d.prefix,
		Driver:           d.driver,
		State:            d.reported,
		RequestedState:   d.reqState,
		Control:          d.control,
		Current:          d.current,
		RequestedCurrent: d.reqCurrent,
		Polarity:         d.polarity,
		Bipolar:          d.bipolar,
		Reason:           d.reason,
		Features:         d.opts.features(d.bipolar),
	}
}

// Rearm returns the loop to Init after a fault has been cleared on the
// hardware. It is a no-op outside the Error control state.
func (d *Dante) Rearm() error {
	d.mu.Lock()
	if d.control != ControlError {
		d.mu.Unlock()
		return nil
	}
	if d.reported.Faulted() {
		st := d.reported
		d.mu.Unlock()
		return fmt.Errorf("%w: %s still reports %s", ErrFaulted, d.name, st)
	}
	d.control = ControlInit
	d.reason = "rearmed"
	snap := d.snapshotLocked()
	d.mu.Unlock()

	d.controlChanged(ControlError, Decision{Next: ControlInit, Reason: "rearmed"}, snap)
	return nil
}

// Stop ends the control loop, waits for the current tick and drops the
// readback subscriptions. Safe to call more than once.
func (d *Dante) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		d.unsubscribe()

		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
	})
}

func (d *Dante) unsubscribe() {
	for _, cancel := range d.cancels {
		cancel()
	}
	d.cancels = nil
}
