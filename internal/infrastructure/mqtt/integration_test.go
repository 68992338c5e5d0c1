//go:build integration

package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/infn-epics/pshal/internal/infrastructure/config"
)

// Broker tests. They need a Mosquitto instance on 127.0.0.1:1883:
//
//	go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connectT(t *testing.T, clientID string) *Client {
	t.Helper()

	client, err := Connect(integrationConfig(clientID))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIntegration_ConnectRefused(t *testing.T) {
	cfg := integrationConfig("pshal-int-refused")
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client := connectT(t, "pshal-int-sub-track")
	noop := func(string, []byte) error { return nil }

	topics := []string{Topics{}.PVState("INT:A:current_rb"), Topics{}.AllSupplyStates()}
	for _, topic := range topics {
		if err := client.Subscribe(topic, 1, noop); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if client.SubscriptionCount() != len(topics) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(topics))
	}

	if err := client.Unsubscribe(topics[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(topics[0]) {
		t.Error("subscription still tracked after Unsubscribe")
	}
}

func TestIntegration_PVRoundtrip(t *testing.T) {
	pub := connectT(t, "pshal-int-pub")
	sub := connectT(t, "pshal-int-sub")

	topic := Topics{}.PVPut("INT:A:current")
	received := make(chan string, 1)
	var once sync.Once

	err := sub.Subscribe(topic, 1, func(_ string, p []byte) error {
		once.Do(func() { received <- string(p) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := pub.PublishAsync(topic, []byte(`{"value":4.5}`), 1, false); err != nil {
		t.Fatalf("PublishAsync() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != `{"value":4.5}` {
			t.Errorf("received %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestIntegration_RetainedSupplyState(t *testing.T) {
	pub := connectT(t, "pshal-int-retain-pub")

	topic := Topics{}.SupplyState("INTTEST01")
	if err := pub.PublishJSON(topic, map[string]string{"state": "STANDBY"}); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	sub := connectT(t, "pshal-int-retain-sub")
	received := make(chan []byte, 1)
	err := sub.Subscribe(topic, 1, func(_ string, p []byte) error {
		select {
		case received <- p:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Error("retained state not delivered to late subscriber")
	}
}
