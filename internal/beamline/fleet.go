package beamline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infn-epics/pshal/internal/iopoint"
	"github.com/infn-epics/pshal/internal/powersupply"
)

// maxParallel bounds concurrent state changes across the fleet.
const maxParallel = 8

// Event types emitted by the fleet.
const (
	EventStateChanged   = "supply.state_changed"
	EventCurrentChanged = "supply.current_changed"
)

// Event is a readback change of one supply.
type Event struct {
	Type    string            `json:"type"`
	Supply  string            `json:"supply"`
	State   powersupply.State `json:"state"`
	Current float64           `json:"current"`
	At      time.Time         `json:"at"`
}

// Listener receives fleet events. It runs on the driver's readback path
// and must return quickly.
type Listener func(Event)

// Publisher publishes supply status snapshots. Satisfied by *mqtt.Client.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Logger is the logging interface used by the fleet.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Fleet owns the supplies and I/O points of a beamline.
type Fleet struct {
	env      powersupply.Env
	logger   Logger
	registry *powersupply.Registry

	mu          sync.RWMutex
	supplies    []powersupply.Device
	byName      map[string]powersupply.Device
	magnets     map[string]Magnet
	points      []*iopoint.Point
	pointByName map[string]*iopoint.Point
	listeners   map[int]Listener
	nextID      int
	publisher   Publisher
	topic       func(name string) string
}

// NewFleet creates an empty fleet whose devices share env. Devices are
// built from the process-wide driver registry.
func NewFleet(env powersupply.Env, logger Logger) *Fleet {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Fleet{
		env:         env,
		logger:      logger,
		byName:      make(map[string]powersupply.Device),
		magnets:     make(map[string]Magnet),
		pointByName: make(map[string]*iopoint.Point),
		listeners:   make(map[int]Listener),
	}
}

// UseRegistry builds devices from r instead of the process-wide registry.
func (f *Fleet) UseRegistry(r *powersupply.Registry) {
	f.registry = r
}

// PublishTo sends every supply's status to topic(name) on each reported
// state change.
func (f *Fleet) PublishTo(p Publisher, topic func(name string) string) {
	f.mu.Lock()
	f.publisher, f.topic = p, topic
	f.mu.Unlock()
}

// Add creates a device for each magnet. A magnet that fails is logged and
// skipped; the failures are returned joined.
func (f *Fleet) Add(magnets ...Magnet) error {
	var errs []error
	for _, m := range magnets {
		if err := f.add(m); err != nil {
			f.logger.Error("failed to create power supply", "supply", m.Name, "driver", m.Driver, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fleet) add(m Magnet) error {
	f.mu.RLock()
	_, dup := f.byName[m.Name]
	f.mu.RUnlock()
	if dup {
		return fmt.Errorf("supply %s already exists", m.Name)
	}

	d, err := f.create(m)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if _, dup := f.byName[m.Name]; dup {
		f.mu.Unlock()
		d.Stop()
		return fmt.Errorf("supply %s already exists", m.Name)
	}
	f.supplies = append(f.supplies, d)
	f.byName[m.Name] = d
	f.magnets[m.Name] = m
	f.mu.Unlock()

	f.logger.Info("power supply created",
		"supply", m.Name, "driver", m.Driver, "prefix", m.Address(), "zone", m.Zone, "type", m.Type)

	// The driver has already seen its first readbacks; report them once
	// the hooks are in place.
	d.OnStateChange(f.stateChanged)
	d.OnCurrentChange(f.currentChanged)
	if st := d.State(); st != powersupply.StateUnknown {
		f.stateChanged(st, d)
	}
	return nil
}

func (f *Fleet) create(m Magnet) (powersupply.Device, error) {
	if f.registry != nil {
		return f.registry.Create(m.Driver, m.Name, m.Address(), m.Params, f.env)
	}
	return powersupply.Create(m.Driver, m.Name, m.Address(), m.Params, f.env)
}

// AddPoints binds I/O points on the fleet's channel provider.
func (f *Fleet) AddPoints(points ...Point) error {
	if f.env.Channels == nil && len(points) > 0 {
		return fmt.Errorf("no channel provider for I/O points")
	}
	var errs []error
	for _, p := range points {
		pt, err := iopoint.New(f.env.Channels, p.Kind, p.Name, p.Prefix)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f.mu.Lock()
		f.points = append(f.points, pt)
		f.pointByName[p.Name] = pt
		f.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Supplies returns the devices in the order they were added.
func (f *Fleet) Supplies() []powersupply.Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]powersupply.Device, len(f.supplies))
	copy(out, f.supplies)
	return out
}

// Supply looks a device up by name.
func (f *Fleet) Supply(name string) (powersupply.Device, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	d, ok := f.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSupply, name)
	}
	return d, nil
}

// Magnet returns the list entry a supply was built from.
func (f *Fleet) Magnet(name string) (Magnet, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.magnets[name]
	return m, ok
}

// Points returns the I/O points in the order they were added.
func (f *Fleet) Points() []*iopoint.Point {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*iopoint.Point, len(f.points))
	copy(out, f.points)
	return out
}

// Point looks an I/O point up by name.
func (f *Fleet) Point(name string) (*iopoint.Point, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.pointByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPoint, name)
	}
	return p, nil
}

// Len is the number of supplies.
func (f *Fleet) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.supplies)
}

// Subscribe registers l for every supply event. The returned function
// removes it.
func (f *Fleet) Subscribe(l Listener) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = l
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *Fleet) stateChanged(st powersupply.State, d powersupply.Device) {
	f.emit(Event{Type: EventStateChanged, Supply: d.Name(), State: st, Current: d.Current(), At: time.Now()})
	f.logger.Info("supply state changed", "supply", d.Name(), "state", st)
	f.publish(d)
}

func (f *Fleet) currentChanged(v float64, d powersupply.Device) {
	f.emit(Event{Type: EventCurrentChanged, Supply: d.Name(), State: d.State(), Current: v, At: time.Now()})
	f.logger.Debug("supply current changed", "supply", d.Name(), "current", v)
}

func (f *Fleet) emit(ev Event) {
	f.mu.RLock()
	ls := make([]Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		ls = append(ls, l)
	}
	f.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("fleet listener panicked", "event", ev.Type, "supply", ev.Supply, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

func (f *Fleet) publish(d powersupply.Device) {
	f.mu.RLock()
	p, topic := f.publisher, f.topic
	f.mu.RUnlock()
	if p == nil {
		return
	}
	if err := p.PublishJSON(topic(d.Name()), d.Status()); err != nil {
		f.logger.Warn("publishing supply state failed", "supply", d.Name(), "error", err)
	}
}

// PublishAll publishes the current status of every supply.
func (f *Fleet) PublishAll() {
	for _, d := range f.Supplies() {
		f.publish(d)
	}
}

// SetAll requests state on every supply and waits for each to report it.
// All supplies are attempted; the failures are returned joined.
func (f *Fleet) SetAll(ctx context.Context, state powersupply.State, timeout time.Duration) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(maxParallel)
	for _, d := range f.Supplies() {
		d := d
		g.Go(func() error {
			err := d.SetState(state)
			if err == nil {
				err = d.Wait(ctx, timeout)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// StopAll stops every supply in parallel and closes the I/O points. It
// returns early with ctx's error if a driver does not stop in time.
func (f *Fleet) StopAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range f.Supplies() {
		d := d
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				d.Stop()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("stopping %s: %w", d.Name(), gctx.Err())
			}
		})
	}
	for _, p := range f.Points() {
		p.Close()
	}
	return g.Wait()
}
