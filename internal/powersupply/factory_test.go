package powersupply

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/infn-epics/pshal/internal/channel"
)

// stubDevice satisfies Device for registry tests.
type stubDevice struct {
	*Base
	tag string
}

func (s *stubDevice) SetCurrent(float64) error                            { return nil }
func (s *stubDevice) SetState(State) error                                { return nil }
func (s *stubDevice) Current() float64                                    { return 0 }
func (s *stubDevice) State() State                                        { return StateUnknown }
func (s *stubDevice) Wait(context.Context, time.Duration) error           { return nil }
func (s *stubDevice) WaitFor(context.Context, State, time.Duration) error { return nil }
func (s *stubDevice) Features() Features                                  { return s.opts.features(false) }
func (s *stubDevice) Status() Status                                      { return Status{Name: s.name} }
func (s *stubDevice) Rearm() error                                        { return nil }
func (s *stubDevice) Stop()                                               {}

func stubConstructor(tag string) Constructor {
	return func(name, prefix string, _ Params, env Env) (Device, error) {
		return &stubDevice{Base: NewBase(tag, name, prefix, DefaultOptions(), env.Logger), tag: tag}, nil
	}
}

func TestRegistry_CreateUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("unknown_tag", "PS01", testPrefix, nil, Env{})
	if !errors.Is(err, ErrUnknownDriverType) {
		t.Errorf("Create() error = %v, want ErrUnknownDriverType", err)
	}
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.Register("psu", stubConstructor("first"))
	r.Register("PSU", stubConstructor("second"))

	d, err := r.Create("psu", "PS01", testPrefix, nil, Env{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := d.(*stubDevice).tag; got != "second" {
		t.Errorf("constructor = %s, want second", got)
	}
	if got := r.Types(); !reflect.DeepEqual(got, []string{"psu"}) {
		t.Errorf("Types() = %v", got)
	}
}

func TestRegistry_ForwardsArguments(t *testing.T) {
	r := NewRegistry()
	var got struct {
		name, prefix string
		params       Params
	}
	r.Register("x", func(name, prefix string, params Params, _ Env) (Device, error) {
		got.name, got.prefix, got.params = name, prefix, params
		return &stubDevice{Base: NewBase("x", name, prefix, DefaultOptions(), nil)}, nil
	})

	params := Params{"max": 5}
	if _, err := r.Create("x", "PS01", testPrefix, params, Env{}); err != nil {
		t.Fatal(err)
	}
	if got.name != "PS01" || got.prefix != testPrefix || !reflect.DeepEqual(got.params, params) {
		t.Errorf("constructor received %+v", got)
	}
}

func TestRegistry_ConstructorError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("x", func(string, string, Params, Env) (Device, error) { return nil, boom })

	if _, err := r.Create("x", "PS01", testPrefix, nil, Env{}); !errors.Is(err, boom) {
		t.Errorf("Create() error = %v, want %v", err, boom)
	}
}

func TestDefaultRegistry(t *testing.T) {
	types := Types()
	for _, want := range []string{DriverDante, DriverSim} {
		found := false
		for _, tag := range types {
			if tag == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Types() = %v, missing %s", types, want)
		}
	}

	if _, err := Create("unknown_tag", "PS01", testPrefix, nil, Env{}); !errors.Is(err, ErrUnknownDriverType) {
		t.Errorf("Create() error = %v, want ErrUnknownDriverType", err)
	}
}

func TestCreate_Dante(t *testing.T) {
	bus := channel.NewBus()
	d, err := Create("dante", "PS01", testPrefix, Params{"max": 10, "min": 0, "sim_cycle": 0.05}, Env{Channels: bus})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer d.Stop()

	if d.Driver() != DriverDante {
		t.Errorf("Driver() = %s", d.Driver())
	}
	f := d.Features()
	if f.Max != 10 || f.Min != 0 || f.CyclePeriod() != 50*time.Millisecond {
		t.Errorf("Features() = %+v", f)
	}
	if err := d.SetCurrent(-1); !errors.Is(err, ErrValidation) {
		t.Errorf("SetCurrent(-1) error = %v, want ErrValidation", err)
	}
}

func TestCreate_DanteBadParams(t *testing.T) {
	bus := channel.NewBus()
	tests := []struct {
		name    string
		params  Params
		wantErr error
	}{
		{"unknown", Params{"gain": 2}, ErrUnknownParam},
		{"invalid", Params{"max": "lots"}, ErrInvalidParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Create("dante", "PS01", testPrefix, tt.params, Env{Channels: bus}); !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
