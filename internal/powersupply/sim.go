package powersupply

import (
	"context"
	"sync"

	"github.com/infn-epics/pshal/internal/channel"
)

// DriverSim is the registry tag of the simulated supply.
const DriverSim = "sim"

// Sim is a Dante driver wired to a simulated supply on an in-memory bus.
// With a non-zero slope the simulated output ramps once per cycle.
type Sim struct {
	*Dante
	hw *channel.SimSupply

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSim builds the simulated hardware and the driver on top of it. If
// env.Channels is a *channel.Bus the simulation lives there, otherwise on
// a private bus.
func NewSim(name, prefix string, opts Options, env Env) (*Sim, error) {
	bus, ok := env.Channels.(*channel.Bus)
	if !ok {
		bus = channel.NewBus()
	}
	env.Channels = bus

	hw, err := channel.NewSimSupply(bus, prefix, env.Layout, channel.SimConfig{
		Bipolar: opts.Bipolar,
		Slope:   opts.Slope,
	})
	if err != nil {
		return nil, err
	}

	d, err := newDante(DriverSim, name, prefix, opts, env)
	if err != nil {
		hw.Close()
		return nil, err
	}

	s := &Sim{Dante: d, hw: hw}
	d.self = s

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if opts.Slope > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			hw.Run(ctx, opts.Cycle)
		}()
	}

	d.start()
	return s, nil
}

// Hardware exposes the simulated supply, e.g. to trip an interlock.
func (s *Sim) Hardware() *channel.SimSupply {
	return s.hw
}

// Stop stops the driver and then the simulation.
func (s *Sim) Stop() {
	s.Dante.Stop()
	s.cancel()
	s.wg.Wait()
	s.hw.Close()
}
