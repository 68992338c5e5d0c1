package channel

import (
	"context"
)

// Handler receives the new value of a channel. Providers call it from their
// own goroutine (broker callback, poller or the writer of an in-memory Bus);
// it must not block for long.
type Handler func(value float64)

// Channel is a named process variable.
type Channel interface {
	// Name is the full process variable name, e.g. "SPARC:PS:QUATB001:current_rb".
	Name() string

	// Read returns the last known value. ErrNoValue means nothing has been
	// received yet.
	Read(ctx context.Context) (float64, error)

	// Write sends a value. It does not wait for the hardware to act on it.
	Write(ctx context.Context, value float64) error

	// Subscribe registers h for future updates. When a value is already
	// known, h is also called once with it. The returned cancel function
	// removes the subscription and is safe to call more than once.
	Subscribe(h Handler) (cancel func(), err error)
}

// Provider resolves process variable names to channels.
type Provider interface {
	Channel(name string) (Channel, error)
}

// SupplyLayout holds the suffixes appended to a supply prefix to address
// its readback and command channels.
type SupplyLayout struct {
	CurrentReadback  string
	PolarityReadback string
	ModeReadback     string
	CurrentCommand   string
	PolarityCommand  string
	ModeCommand      string
}

// DefaultSupplyLayout is the Dante naming scheme.
var DefaultSupplyLayout = SupplyLayout{
	CurrentReadback:  ":current_rb",
	PolarityReadback: ":polarity_rb",
	ModeReadback:     ":mode_rb",
	CurrentCommand:   ":current",
	PolarityCommand:  ":polarity",
	ModeCommand:      ":mode",
}

// WithDefaults fills empty suffixes from DefaultSupplyLayout.
func (l SupplyLayout) WithDefaults() SupplyLayout {
	d := DefaultSupplyLayout
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&l.CurrentReadback, d.CurrentReadback)
	fill(&l.PolarityReadback, d.PolarityReadback)
	fill(&l.ModeReadback, d.ModeReadback)
	fill(&l.CurrentCommand, d.CurrentCommand)
	fill(&l.PolarityCommand, d.PolarityCommand)
	fill(&l.ModeCommand, d.ModeCommand)
	return l
}

// SupplyChannels are the six channels of one power supply.
type SupplyChannels struct {
	CurrentReadback  Channel
	PolarityReadback Channel
	ModeReadback     Channel
	CurrentCommand   Channel
	PolarityCommand  Channel
	ModeCommand      Channel
}

// Resolve looks up every channel of the supply at prefix.
func (l SupplyLayout) Resolve(p Provider, prefix string) (SupplyChannels, error) {
	l = l.WithDefaults()

	var (
		sc  SupplyChannels
		err error
	)
	targets := []struct {
		dst    *Channel
		suffix string
	}{
		{&sc.CurrentReadback, l.CurrentReadback},
		{&sc.PolarityReadback, l.PolarityReadback},
		{&sc.ModeReadback, l.ModeReadback},
		{&sc.CurrentCommand, l.CurrentCommand},
		{&sc.PolarityCommand, l.PolarityCommand},
		{&sc.ModeCommand, l.ModeCommand},
	}
	for _, t := range targets {
		if *t.dst, err = p.Channel(prefix + t.suffix); err != nil {
			return SupplyChannels{}, err
		}
	}
	return sc, nil
}
