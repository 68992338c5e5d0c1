package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/infn-epics/pshal/internal/infrastructure/mqtt"
)

// MQTTClient is the part of *mqtt.Client used by MQTTProvider.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	PublishAsync(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTProvider carries process variables over MQTT through a PV gateway.
//
// Readbacks arrive on pshal/pv/<pv> as {"value": x} or a bare number;
// writes go to pshal/pv/<pv>/put as {"value": x}. The last received value
// is cached per channel.
type MQTTProvider struct {
	client MQTTClient
	qos    byte
	topics mqtt.Topics

	mu     sync.Mutex
	chans  map[string]*mqttChannel
	closed bool
}

// NewMQTTProvider wraps a connected client.
func NewMQTTProvider(client MQTTClient, qos byte) *MQTTProvider {
	return &MQTTProvider{
		client: client,
		qos:    qos,
		chans:  make(map[string]*mqttChannel),
	}
}

// Channel returns the channel for name, subscribing to its readback topic
// on first use.
func (p *MQTTProvider) Channel(name string) (Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownChannel)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if c, ok := p.chans[name]; ok {
		return c, nil
	}

	c := &mqttChannel{provider: p, name: name, subs: make(map[int]Handler)}
	if err := p.client.Subscribe(p.topics.PVState(name), p.qos, c.handleMessage); err != nil {
		return nil, fmt.Errorf("subscribing %s: %w", name, err)
	}
	p.chans[name] = c
	return c, nil
}

// Close unsubscribes every readback topic. Channels handed out before stay
// readable from cache but reject writes.
func (p *MQTTProvider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	names := make([]string, 0, len(p.chans))
	for n := range p.chans {
		names = append(names, n)
	}
	p.mu.Unlock()

	var firstErr error
	for _, n := range names {
		if err := p.client.Unsubscribe(p.topics.PVState(n)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *MQTTProvider) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type putMessage struct {
	Value float64 `json:"value"`
}

// DecodeValue parses a PV payload: a JSON number, a JSON boolean, or an
// object with a numeric or boolean "value" member.
func DecodeValue(payload []byte) (float64, error) {
	trimmed := bytes.TrimSpace(payload)
	if v, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		return v, nil
	}

	var raw any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return 0, fmt.Errorf("decoding PV payload: %w", err)
	}
	if obj, ok := raw.(map[string]any); ok {
		v, present := obj["value"]
		if !present {
			return 0, fmt.Errorf("decoding PV payload: missing value member")
		}
		raw = v
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("decoding PV payload: unsupported value %v", raw)
}

type mqttChannel struct {
	provider *MQTTProvider
	name     string

	mu     sync.Mutex
	value  float64
	has    bool
	subs   map[int]Handler
	nextID int
}

func (c *mqttChannel) Name() string { return c.name }

func (c *mqttChannel) handleMessage(_ string, payload []byte) error {
	v, err := DecodeValue(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}

	c.mu.Lock()
	c.value, c.has = v, true
	handlers := snapshot(c.subs)
	c.mu.Unlock()

	for _, h := range handlers {
		h(v)
	}
	return nil
}

func (c *mqttChannel) Read(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return 0, ErrNoValue
	}
	return c.value, nil
}

func (c *mqttChannel) Write(ctx context.Context, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.provider.isClosed() {
		return ErrClosed
	}
	payload, err := json.Marshal(putMessage{Value: value})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", c.name, err)
	}
	return c.provider.client.PublishAsync(c.provider.topics.PVPut(c.name), payload, c.provider.qos, false)
}

func (c *mqttChannel) Subscribe(h Handler) (func(), error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = h
	value, has := c.value, c.has
	c.mu.Unlock()

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
