// Package mqtt provides the broker connection used by pshal.
//
// MQTT plays two roles. As a transport it carries process variables between
// the control loops and a PV gateway (pshal/pv/...), and as an operator
// surface it carries retained supply state (pshal/core/supply/<name>/state)
// and service presence (pshal/system/status, with a Last Will).
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{}
//	err = client.PublishAsync(topics.PVPut("SPARC:PS:QUATB001:current"), []byte(`{"value":12.5}`), 1, false)
//
// Use TLS (broker.tls: true) outside the lab network.
package mqtt
