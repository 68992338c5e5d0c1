package iopoint

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/infn-epics/pshal/internal/channel"
)

// Kind is the type of an I/O point.
type Kind int

const (
	DigitalInput Kind = iota
	DigitalOutput
	AnalogInput
	AnalogOutput
	Temperature
)

var kinds = []struct {
	name   string
	suffix string
	output bool
}{
	DigitalInput:  {"DI", ":DI", false},
	DigitalOutput: {"DO", ":DO", true},
	AnalogInput:   {"AI", ":AI", false},
	AnalogOutput:  {"AO", ":AO", true},
	Temperature:   {"RTD", ":TEMP", false},
}

func (k Kind) valid() bool { return k >= 0 && int(k) < len(kinds) }

func (k Kind) String() string {
	if !k.valid() {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kinds[k].name
}

// Suffix is appended to the point prefix to form its process variable name.
func (k Kind) Suffix() string {
	if !k.valid() {
		return ""
	}
	return kinds[k].suffix
}

// Writable reports whether points of this kind accept writes.
func (k Kind) Writable() bool {
	return k.valid() && kinds[k].output
}

// Digital reports whether the point carries a boolean.
func (k Kind) Digital() bool {
	return k == DigitalInput || k == DigitalOutput
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ParseKind accepts DI, DO, AI, AO and RTD in any case.
func ParseKind(s string) (Kind, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "TEMP" {
		return Temperature, nil
	}
	for i, k := range kinds {
		if k.name == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown I/O kind %q", s)
}

// Point is a single discrete or analog I/O channel: a digital or analog
// input or output, or an RTD temperature reading.
type Point struct {
	name   string
	prefix string
	kind   Kind
	ch     channel.Channel

	mu      sync.Mutex
	cancels []func()
}

// New binds the point at prefix+kind.Suffix().
func New(p channel.Provider, kind Kind, name, prefix string) (*Point, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("unknown I/O kind %d", int(kind))
	}
	ch, err := p.Channel(prefix + kind.Suffix())
	if err != nil {
		return nil, fmt.Errorf("binding %s %s: %w", kind, name, err)
	}
	return &Point{name: name, prefix: prefix, kind: kind, ch: ch}, nil
}

func (p *Point) Name() string   { return p.name }
func (p *Point) Prefix() string { return p.prefix }
func (p *Point) Kind() Kind     { return p.kind }
func (p *Point) PV() string     { return p.ch.Name() }

// Read returns the last value of the point.
func (p *Point) Read(ctx context.Context) (float64, error) {
	return p.ch.Read(ctx)
}

// ReadBool reads a digital point; any non-zero value is true.
func (p *Point) ReadBool(ctx context.Context) (bool, error) {
	v, err := p.ch.Read(ctx)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Write sets an output. Inputs fail with channel.ErrReadOnly.
func (p *Point) Write(ctx context.Context, v float64) error {
	if !p.kind.Writable() {
		return fmt.Errorf("%w: %s is a %s", channel.ErrReadOnly, p.name, p.kind)
	}
	if p.kind.Digital() && v != 0 {
		v = 1
	}
	return p.ch.Write(ctx, v)
}

// WriteBool sets a digital output.
func (p *Point) WriteBool(ctx context.Context, on bool) error {
	v := 0.0
	if on {
		v = 1
	}
	return p.Write(ctx, v)
}

// Watch calls h on every update until the returned cancel or Close.
func (p *Point) Watch(h channel.Handler) (func(), error) {
	cancel, err := p.ch.Subscribe(h)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()
	return cancel, nil
}

// Close drops all watches.
func (p *Point) Close() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}
