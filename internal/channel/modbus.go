package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goburrow/modbus"
)

const defaultModbusPoll = 500 * time.Millisecond

// RegisterClient is the subset of modbus.Client used for process variables.
type RegisterClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// Register maps a process variable onto one holding register.
// The engineering value is raw × Scale; a zero Scale means 1.
type Register struct {
	Address uint16
	Scale   float64
	Signed  bool
}

func (r Register) scale() float64 {
	if r.Scale == 0 {
		return 1
	}
	return r.Scale
}

// Decode converts a register word into an engineering value.
func (r Register) Decode(word uint16) float64 {
	if r.Signed {
		return float64(int16(word)) * r.scale()
	}
	return float64(word) * r.scale()
}

// Encode converts an engineering value into a register word, rounding to
// the nearest step and rejecting values the register cannot hold.
func (r Register) Encode(value float64) (uint16, error) {
	raw := math.Round(value / r.scale())
	lo, hi := 0.0, float64(math.MaxUint16)
	if r.Signed {
		lo, hi = math.MinInt16, math.MaxInt16
	}
	if math.IsNaN(raw) || raw < lo || raw > hi {
		return 0, fmt.Errorf("value %g out of register range", value)
	}
	if r.Signed {
		return uint16(int16(raw)), nil
	}
	return uint16(raw), nil
}

// ModbusConfig describes one Modbus TCP endpoint.
type ModbusConfig struct {
	Endpoint     string
	UnitID       byte
	Timeout      time.Duration
	PollInterval time.Duration
	Registers    map[string]Register
}

// Logger receives poll failures.
type Logger interface {
	Warn(msg string, args ...any)
}

// ModbusProvider exposes holding registers as channels. Subscriptions are
// served by one poller per subscribed channel; handlers fire when the
// decoded value changes.
type ModbusProvider struct {
	client    RegisterClient
	closer    func() error
	registers map[string]Register
	poll      time.Duration
	logger    Logger

	clientMu sync.Mutex

	mu     sync.Mutex
	chans  map[string]*modbusChannel
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// DialModbus connects to cfg.Endpoint, retrying with exponential backoff
// for a few seconds before giving up.
func DialModbus(cfg ModbusConfig, logger Logger) (*ModbusProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus: endpoint required")
	}

	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID

	op := func() error { return h.Connect() }
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      5 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("modbus: connecting %s: %w", cfg.Endpoint, err)
	}

	p := NewModbusProvider(modbus.NewClient(h), cfg.Registers, cfg.PollInterval, logger)
	p.closer = h.Close
	return p, nil
}

// NewModbusProvider serves registers through client. A non-positive poll
// interval selects the default.
func NewModbusProvider(client RegisterClient, registers map[string]Register, poll time.Duration, logger Logger) *ModbusProvider {
	if poll <= 0 {
		poll = defaultModbusPoll
	}
	return &ModbusProvider{
		client:    client,
		registers: registers,
		poll:      poll,
		logger:    logger,
		chans:     make(map[string]*modbusChannel),
		done:      make(chan struct{}),
	}
}

// Channel implements Provider. Names without a register mapping fail with
// ErrUnknownChannel.
func (p *ModbusProvider) Channel(name string) (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if c, ok := p.chans[name]; ok {
		return c, nil
	}
	reg, ok := p.registers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no register mapping", ErrUnknownChannel, name)
	}
	c := &modbusChannel{provider: p, name: name, reg: reg, subs: make(map[int]Handler)}
	p.chans[name] = c
	return c, nil
}

// Close stops all pollers and closes the connection.
func (p *ModbusProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

func (p *ModbusProvider) readWord(addr uint16) (uint16, error) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	b, err := p.client.ReadHoldingRegisters(addr, 1)
	if err != nil {
		return 0, err
	}
	if len(b) < 2 {
		return 0, fmt.Errorf("modbus: short response (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

func (p *ModbusProvider) writeWord(addr, word uint16) error {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	_, err := p.client.WriteSingleRegister(addr, word)
	return err
}

type modbusChannel struct {
	provider *ModbusProvider
	name     string
	reg      Register

	mu      sync.Mutex
	value   float64
	has     bool
	subs    map[int]Handler
	nextID  int
	polling bool
}

func (c *modbusChannel) Name() string { return c.name }

func (c *modbusChannel) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	word, err := c.provider.readWord(c.reg.Address)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", c.name, err)
	}
	return c.reg.Decode(word), nil
}

func (c *modbusChannel) Write(ctx context.Context, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	word, err := c.reg.Encode(value)
	if err != nil {
		return fmt.Errorf("writing %s: %w", c.name, err)
	}
	if err := c.provider.writeWord(c.reg.Address, word); err != nil {
		return fmt.Errorf("writing %s: %w", c.name, err)
	}
	return nil
}

func (c *modbusChannel) Subscribe(h Handler) (func(), error) {
	p := c.provider

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = h
	value, has := c.value, c.has
	startPoller := !c.polling
	c.polling = true
	c.mu.Unlock()
	if startPoller {
		p.wg.Add(1)
		go c.pollLoop()
	}
	p.mu.Unlock()

	if has {
		h(value)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}, nil
}

func (c *modbusChannel) pollLoop() {
	defer c.provider.wg.Done()

	c.pollOnce()
	ticker := time.NewTicker(c.provider.poll)
	defer ticker.Stop()
	for {
		select {
		case <-c.provider.done:
			return
		case <-ticker.C:
			c.pollOnce()
		}
	}
}

// pollOnce reads the register and notifies subscribers on change.
func (c *modbusChannel) pollOnce() {
	word, err := c.provider.readWord(c.reg.Address)
	if err != nil {
		if c.provider.logger != nil {
			c.provider.logger.Warn("modbus poll failed", "pv", c.name, "error", err)
		}
		return
	}
	v := c.reg.Decode(word)

	c.mu.Lock()
	if c.has && c.value == v {
		c.mu.Unlock()
		return
	}
	c.value, c.has = v, true
	handlers := snapshot(c.subs)
	c.mu.Unlock()

	for _, h := range handlers {
		h(v)
	}
}
