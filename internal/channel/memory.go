package channel

import (
	"context"
	"sort"
	"sync"
)

// Write is one entry of a Bus journal.
type Write struct {
	Name  string
	Value float64
}

// Bus is an in-process Provider. Channels spring into existence on first
// use. Writes through a Channel are journaled and delivered to subscribers
// like any other update; Set injects a value without journaling, which is
// how simulated hardware publishes readbacks.
//
// Subscribers are called synchronously on the goroutine that caused the
// update, outside the bus lock.
type Bus struct {
	mu        sync.Mutex
	pvs       map[string]*pv
	journal   []Write
	writeErrs map[string]error
	nextID    int
}

type pv struct {
	value float64
	has   bool
	subs  map[int]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		pvs:       make(map[string]*pv),
		writeErrs: make(map[string]error),
	}
}

// Channel implements Provider. It never fails.
func (b *Bus) Channel(name string) (Channel, error) {
	b.mu.Lock()
	b.lookup(name)
	b.mu.Unlock()
	return &memChannel{bus: b, name: name}, nil
}

// lookup returns the pv for name, creating it. Caller holds mu.
func (b *Bus) lookup(name string) *pv {
	p, ok := b.pvs[name]
	if !ok {
		p = &pv{subs: make(map[int]Handler)}
		b.pvs[name] = p
	}
	return p
}

// Get returns the current value of name.
func (b *Bus) Get(name string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pvs[name]
	if !ok || !p.has {
		return 0, false
	}
	return p.value, true
}

// Set stores value and notifies subscribers of name.
func (b *Bus) Set(name string, value float64) {
	b.mu.Lock()
	p := b.lookup(name)
	p.value, p.has = value, true
	handlers := snapshot(p.subs)
	b.mu.Unlock()

	for _, h := range handlers {
		h(value)
	}
}

// FailWrites makes every Write to name return err until cleared with nil.
func (b *Bus) FailWrites(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.writeErrs, name)
		return
	}
	b.writeErrs[name] = err
}

// Journal returns all writes in the order they happened.
func (b *Bus) Journal() []Write {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Write(nil), b.journal...)
}

// Writes returns the values written to name, oldest first.
func (b *Bus) Writes(name string) []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []float64
	for _, w := range b.journal {
		if w.Name == name {
			out = append(out, w.Value)
		}
	}
	return out
}

// ResetJournal forgets recorded writes; values are kept.
func (b *Bus) ResetJournal() {
	b.mu.Lock()
	b.journal = nil
	b.mu.Unlock()
}

// Names lists every channel the bus has seen, sorted.
func (b *Bus) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.pvs))
	for n := range b.pvs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func snapshot(subs map[int]Handler) []Handler {
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = subs[id]
	}
	return out
}

type memChannel struct {
	bus  *Bus
	name string
}

func (c *memChannel) Name() string { return c.name }

func (c *memChannel) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, ok := c.bus.Get(c.name)
	if !ok {
		return 0, ErrNoValue
	}
	return v, nil
}

func (c *memChannel) Write(ctx context.Context, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.bus.mu.Lock()
	if err := c.bus.writeErrs[c.name]; err != nil {
		c.bus.mu.Unlock()
		return err
	}
	c.bus.journal = append(c.bus.journal, Write{Name: c.name, Value: value})
	c.bus.mu.Unlock()

	c.bus.Set(c.name, value)
	return nil
}

func (c *memChannel) Subscribe(h Handler) (func(), error) {
	b := c.bus

	b.mu.Lock()
	p := b.lookup(c.name)
	id := b.nextID
	b.nextID++
	p.subs[id] = h
	value, has := p.value, p.has
	b.mu.Unlock()

	if has {
		h(value)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(p.subs, id)
			b.mu.Unlock()
		})
	}, nil
}
