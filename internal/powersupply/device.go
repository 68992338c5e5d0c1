package powersupply

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// waitPollInterval is how often Wait re-checks the reported state.
const waitPollInterval = 50 * time.Millisecond

// Device is the operator-facing contract of a power supply driver.
//
// SetCurrent and SetState only record a request; the control loop acts on
// it asynchronously. Current and State return the latest readbacks.
type Device interface {
	Name() string
	Prefix() string
	Driver() string

	SetCurrent(v float64) error
	SetState(s State) error
	Current() float64
	State() State

	// Wait blocks until the reported state equals the requested state.
	Wait(ctx context.Context, timeout time.Duration) error

	// WaitFor blocks until the reported state equals target.
	WaitFor(ctx context.Context, target State, timeout time.Duration) error

	Features() Features
	Status() Status

	OnCurrentChange(h CurrentHook)
	OnStateChange(h StateHook)

	// Rearm leaves the Error control state once the hardware no longer
	// reports a fault.
	Rearm() error

	Stop()
}

// CurrentHook is called with the new polarity-corrected current.
type CurrentHook func(current float64, d Device)

// StateHook is called with the new reported state.
type StateHook func(state State, d Device)

// Status is a point-in-time view of a supply.
type Status struct {
	Name             string       `json:"name"`
	Prefix           string       `json:"prefix"`
	Driver           string       `json:"driver"`
	State            State        `json:"state"`
	RequestedState   State        `json:"requested_state"`
	Control          ControlState `json:"control"`
	Current          float64      `json:"current"`
	RequestedCurrent float64      `json:"requested_current"`
	Polarity         int          `json:"polarity"`
	Bipolar          bool         `json:"bipolar"`
	Reason           string       `json:"reason,omitempty"`
	Features         Features     `json:"features"`
}

// Logger is the logging interface used by drivers.
// Compatible with logging.Logger and slog.Logger.
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

// Base carries what every driver shares: identity, the safety envelope,
// hook slots and the polling waiter.
type Base struct {
	name   string
	prefix string
	driver string
	opts   Options
	logger Logger

	hooksMu      sync.RWMutex
	currentHooks []CurrentHook
	stateHooks   []StateHook
}

// NewBase returns a Base. A nil logger discards output.
func NewBase(driver, name, prefix string, opts Options, logger Logger) *Base {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Base{
		name:   name,
		prefix: prefix,
		driver: driver,
		opts:   opts,
		logger: logger,
	}
}

func (b *Base) Name() string     { return b.name }
func (b *Base) Prefix() string   { return b.prefix }
func (b *Base) Driver() string   { return b.driver }
func (b *Base) Options() Options { return b.opts }

// ValidateCurrent checks v against [Min, Max].
func (b *Base) ValidateCurrent(v float64) error {
	if math.IsNaN(v) || v < b.opts.Min || v > b.opts.Max {
		return fmt.Errorf("%w: %s: %g outside [%g, %g]", ErrValidation, b.name, v, b.opts.Min, b.opts.Max)
	}
	return nil
}

// ValidateState accepts On, Off and Standby.
func (b *Base) ValidateState(s State) error {
	if !s.Settable() {
		return fmt.Errorf("%w: %s: state %s cannot be requested", ErrUnsupportedOperation, b.name, s)
	}
	return nil
}

// OnCurrentChange adds a current hook.
func (b *Base) OnCurrentChange(h CurrentHook) {
	b.hooksMu.Lock()
	b.currentHooks = append(b.currentHooks, h)
	b.hooksMu.Unlock()
}

// OnStateChange adds a state hook.
func (b *Base) OnStateChange(h StateHook) {
	b.hooksMu.Lock()
	b.stateHooks = append(b.stateHooks, h)
	b.hooksMu.Unlock()
}

func (b *Base) notifyCurrent(v float64, d Device) {
	b.hooksMu.RLock()
	hooks := b.currentHooks
	b.hooksMu.RUnlock()
	for _, h := range hooks {
		b.safeCall(func() { h(v, d) })
	}
}

func (b *Base) notifyState(s State, d Device) {
	b.hooksMu.RLock()
	hooks := b.stateHooks
	b.hooksMu.RUnlock()
	for _, h := range hooks {
		b.safeCall(func() { h(s, d) })
	}
}

func (b *Base) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("hook panicked", "supply", b.name, "panic", r)
		}
	}()
	fn()
}

// poll calls done every waitPollInterval until it returns true, the
// timeout elapses or ctx ends. A non-positive timeout waits on ctx only.
// fault, when non-nil, aborts the wait with its error.
func (b *Base) poll(ctx context.Context, timeout time.Duration, done func() bool, fault func() error) error {
	check := func() (bool, error) {
		if done() {
			return true, nil
		}
		if fault != nil {
			if err := fault(); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if ok, err := check(); ok || err != nil {
		return err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			if ok, _ := check(); ok {
				return nil
			}
			return fmt.Errorf("%w: %s after %s", ErrTimeout, b.name, timeout)
		case <-ticker.C:
			if ok, err := check(); ok || err != nil {
				return err
			}
		}
	}
}
