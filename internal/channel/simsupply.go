package channel

import (
	"context"
	"math"
	"sync"
	"time"
)

// Raw mode codes understood by SimSupply.
const (
	simModeOff       = 0
	simModeStandby   = 1
	simModeOn        = 2
	simModeInterlock = 3

	simPolarityBipolar = 3
)

// SimConfig shapes a simulated supply.
type SimConfig struct {
	// Bipolar supplies report polarity 3 and accept signed setpoints.
	Bipolar bool

	// Slope is the largest current change per Step, in amperes.
	// Zero applies commands instantly.
	Slope float64
}

// SimSupply behaves like a Dante power supply on a Bus: it listens to the
// command channels of one prefix and publishes readbacks.
//
// Mode commands are ignored while interlocked. Polarity can only change
// when the output is not On; a bipolar supply always reports 3. Output
// current flows only when On, and on a unipolar supply only with a
// non-neutral polarity. Unipolar readback is the magnitude, bipolar
// readback is signed.
type SimSupply struct {
	bus    *Bus
	names  SupplyLayout
	prefix string
	cfg    SimConfig

	mu       sync.Mutex
	mode     int
	polarity int
	setpoint float64
	output   float64

	cancels []func()
}

// NewSimSupply publishes the initial readbacks (Standby, neutral polarity,
// zero current) and starts listening to the command channels.
func NewSimSupply(bus *Bus, prefix string, layout SupplyLayout, cfg SimConfig) (*SimSupply, error) {
	s := &SimSupply{
		bus:    bus,
		names:  layout.WithDefaults(),
		prefix: prefix,
		cfg:    cfg,
		mode:   simModeStandby,
	}
	if cfg.Bipolar {
		s.polarity = simPolarityBipolar
	}

	s.publish(true)

	subs := []struct {
		suffix string
		h      Handler
	}{
		{s.names.ModeCommand, s.onMode},
		{s.names.PolarityCommand, s.onPolarity},
		{s.names.CurrentCommand, s.onCurrent},
	}
	for _, sub := range subs {
		ch, _ := bus.Channel(prefix + sub.suffix)
		cancel, err := ch.Subscribe(sub.h)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.cancels = append(s.cancels, cancel)
	}
	return s, nil
}

func (s *SimSupply) onMode(v float64) {
	s.mu.Lock()
	if s.mode == simModeInterlock {
		s.mu.Unlock()
		return
	}
	switch code := int(v); code {
	case simModeOff, simModeStandby, simModeOn:
		s.mode = code
	}
	s.mu.Unlock()
	s.afterCommand()
}

func (s *SimSupply) onPolarity(v float64) {
	s.mu.Lock()
	if !s.cfg.Bipolar && s.mode != simModeOn {
		switch code := int(v); code {
		case -1, 0, 1:
			s.polarity = code
		}
	}
	s.mu.Unlock()
	s.afterCommand()
}

func (s *SimSupply) onCurrent(v float64) {
	s.mu.Lock()
	if s.cfg.Bipolar {
		s.setpoint = v
	} else {
		s.setpoint = math.Abs(v)
	}
	s.mu.Unlock()
	s.afterCommand()
}

func (s *SimSupply) afterCommand() {
	if s.cfg.Slope == 0 {
		s.Step()
		return
	}
	s.publish(false)
}

// target is where the output is heading. Caller holds mu.
func (s *SimSupply) target() float64 {
	if s.mode != simModeOn {
		return 0
	}
	if !s.cfg.Bipolar && s.polarity == 0 {
		return 0
	}
	return s.setpoint
}

// Step moves the output one slope increment towards its target and
// publishes the readbacks.
func (s *SimSupply) Step() {
	s.mu.Lock()
	target := s.target()
	diff := target - s.output
	if s.cfg.Slope > 0 && math.Abs(diff) > s.cfg.Slope {
		s.output += math.Copysign(s.cfg.Slope, diff)
	} else {
		s.output = target
	}
	s.mu.Unlock()

	s.publish(false)
}

// Run calls Step every period until ctx is done.
func (s *SimSupply) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// Trip forces an interlock: output drops to zero and mode reads 3.
func (s *SimSupply) Trip() {
	s.mu.Lock()
	s.mode = simModeInterlock
	s.output = 0
	s.mu.Unlock()
	s.publish(false)
}

// ClearInterlock returns a tripped supply to Standby.
func (s *SimSupply) ClearInterlock() {
	s.mu.Lock()
	if s.mode == simModeInterlock {
		s.mode = simModeStandby
	}
	s.mu.Unlock()
	s.publish(false)
}

// Output returns the simulated output current (signed for bipolar).
func (s *SimSupply) Output() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

// publish pushes readbacks that changed (all of them when force is set).
func (s *SimSupply) publish(force bool) {
	s.mu.Lock()
	mode, pol, out := float64(s.mode), float64(s.polarity), s.output
	s.mu.Unlock()

	s.setIfChanged(s.prefix+s.names.ModeReadback, mode, force)
	s.setIfChanged(s.prefix+s.names.PolarityReadback, pol, force)
	s.setIfChanged(s.prefix+s.names.CurrentReadback, out, force)
}

func (s *SimSupply) setIfChanged(name string, v float64, force bool) {
	if old, ok := s.bus.Get(name); ok && old == v && !force {
		return
	}
	s.bus.Set(name, v)
}

// Close stops listening to command channels. Idempotent.
func (s *SimSupply) Close() {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
