package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRegisters implements RegisterClient over a map of words.
type fakeRegisters struct {
	mu      sync.Mutex
	words   map[uint16]uint16
	readErr error
	writes  int
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{words: make(map[uint16]uint16)}
}

func (f *fakeRegisters) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	out := make([]byte, 2*quantity)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[2*i:], f.words[address+i])
	}
	return out, nil
}

func (f *fakeRegisters) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.words[address] = value
	f.writes++
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (f *fakeRegisters) set(address, value uint16) {
	f.mu.Lock()
	f.words[address] = value
	f.mu.Unlock()
}

func (f *fakeRegisters) get(address uint16) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.words[address]
}

var testRegisters = map[string]Register{
	"PS01:current_rb": {Address: 10, Scale: 0.01, Signed: true},
	"PS01:current":    {Address: 20, Scale: 0.01, Signed: true},
	"PS01:mode_rb":    {Address: 11},
}

func TestRegister_DecodeEncode(t *testing.T) {
	tests := []struct {
		name  string
		reg   Register
		word  uint16
		value float64
	}{
		{"unsigned unit", Register{}, 2, 2},
		{"signed negative", Register{Signed: true}, 0xFFFF, -1},
		{"scaled", Register{Scale: 0.01, Signed: true}, 1250, 12.5},
		{"scaled negative", Register{Scale: 0.5, Signed: true}, 0xFFFC, -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.reg.Decode(tt.word); got != tt.value {
				t.Errorf("Decode(%#x) = %v, want %v", tt.word, got, tt.value)
			}
			got, err := tt.reg.Encode(tt.value)
			if err != nil {
				t.Fatalf("Encode(%v) error = %v", tt.value, err)
			}
			if got != tt.word {
				t.Errorf("Encode(%v) = %#x, want %#x", tt.value, got, tt.word)
			}
		})
	}
}

func TestRegister_EncodeOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		reg   Register
		value float64
	}{
		{"unsigned negative", Register{}, -1},
		{"unsigned overflow", Register{}, 70000},
		{"signed overflow", Register{Signed: true}, 40000},
		{"scaled overflow", Register{Scale: 0.001, Signed: true}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.reg.Encode(tt.value); err == nil {
				t.Errorf("Encode(%v) succeeded, want error", tt.value)
			}
		})
	}
}

func TestModbusProvider_ReadWrite(t *testing.T) {
	regs := newFakeRegisters()
	regs.set(10, 0xFF9C) // -100 raw, -1.00 A
	p := NewModbusProvider(regs, testRegisters, time.Hour, nil)
	defer p.Close()

	ctx := context.Background()
	v, err := mustChannel(t, p, "PS01:current_rb").Read(ctx)
	if err != nil || v != -1 {
		t.Errorf("Read() = %v, %v; want -1, nil", v, err)
	}

	if err := mustChannel(t, p, "PS01:current").Write(ctx, 3.14); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := regs.get(20); got != 314 {
		t.Errorf("register 20 = %d, want 314", got)
	}
}

func TestModbusProvider_UnknownChannel(t *testing.T) {
	p := NewModbusProvider(newFakeRegisters(), testRegisters, 0, nil)
	defer p.Close()

	if _, err := p.Channel("PS02:mode_rb"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Channel() error = %v, want ErrUnknownChannel", err)
	}
}

func TestModbusProvider_ReadError(t *testing.T) {
	regs := newFakeRegisters()
	regs.readErr = errors.New("exception 2")
	p := NewModbusProvider(regs, testRegisters, time.Hour, nil)
	defer p.Close()

	if _, err := mustChannel(t, p, "PS01:mode_rb").Read(context.Background()); !errors.Is(err, regs.readErr) {
		t.Errorf("Read() error = %v, want %v", err, regs.readErr)
	}
}

func TestModbusProvider_WriteRejectsOutOfRange(t *testing.T) {
	regs := newFakeRegisters()
	p := NewModbusProvider(regs, testRegisters, time.Hour, nil)
	defer p.Close()

	if err := mustChannel(t, p, "PS01:current").Write(context.Background(), 1000); err == nil {
		t.Error("Write() succeeded, want range error")
	}
	if regs.writes != 0 {
		t.Errorf("writes = %d, want 0", regs.writes)
	}
}

func TestModbusProvider_PollNotifiesOnChange(t *testing.T) {
	regs := newFakeRegisters()
	regs.set(11, 1)
	p := NewModbusProvider(regs, testRegisters, 5*time.Millisecond, nil)
	defer p.Close()

	updates := make(chan float64, 16)
	cancel, err := mustChannel(t, p, "PS01:mode_rb").Subscribe(func(v float64) { updates <- v })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	expect := func(want float64) {
		t.Helper()
		select {
		case got := <-updates:
			if got != want {
				t.Fatalf("update = %v, want %v", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no update, want %v", want)
		}
	}

	expect(1)
	regs.set(11, 2)
	expect(2)

	// unchanged values are not redelivered
	select {
	case v := <-updates:
		t.Errorf("unexpected update %v", v)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestModbusProvider_Close(t *testing.T) {
	p := NewModbusProvider(newFakeRegisters(), testRegisters, time.Millisecond, nil)
	ch := mustChannel(t, p, "PS01:mode_rb")
	cancel, _ := ch.Subscribe(func(float64) {})
	defer cancel()

	closed := 0
	p.closer = func() error { closed++; return nil }

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if closed != 1 {
		t.Errorf("closer called %d times, want 1", closed)
	}
	if _, err := ch.Subscribe(func(float64) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
}

func TestDialModbus_RequiresEndpoint(t *testing.T) {
	if _, err := DialModbus(ModbusConfig{}, nil); err == nil {
		t.Error("DialModbus() with empty endpoint succeeded")
	}
}
