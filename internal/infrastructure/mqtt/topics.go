package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes.
//
// Process variables are carried verbatim under pshal/pv: the readback
// (published by the gateway) on pshal/pv/<pv> and operator or control loop
// puts on pshal/pv/<pv>/put. Service-level state lives under pshal/core.
const (
	TopicPrefix       = "pshal"
	TopicPrefixPV     = "pshal/pv"
	TopicPrefixCore   = "pshal/core"
	TopicPrefixSystem = "pshal/system"

	putSuffix = "/put"
)

// Topics builds pshal MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.PVPut("SPARC:PS:QUATB001:current")
//	// "pshal/pv/SPARC:PS:QUATB001:current/put"
type Topics struct{}

// PVState is the readback topic of a process variable.
func (Topics) PVState(pv string) string {
	return TopicPrefixPV + "/" + pv
}

// PVPut is the write topic of a process variable.
func (Topics) PVPut(pv string) string {
	return TopicPrefixPV + "/" + pv + putSuffix
}

// PVFromTopic recovers the process variable name from a PVState topic.
// Put topics and foreign topics return false.
func (Topics) PVFromTopic(topic string) (string, bool) {
	pv, ok := strings.CutPrefix(topic, TopicPrefixPV+"/")
	if !ok || pv == "" || strings.HasSuffix(pv, putSuffix) {
		return "", false
	}
	return pv, true
}

// SupplyState is the retained state topic of a managed power supply.
//
// Example: pshal/core/supply/QUATB001/state
func (Topics) SupplyState(name string) string {
	return fmt.Sprintf("%s/supply/%s/state", TopicPrefixCore, name)
}

// AllSupplyStates matches every SupplyState topic.
func (Topics) AllSupplyStates() string {
	return fmt.Sprintf("%s/supply/+/state", TopicPrefixCore)
}

// SystemStatus carries the online/offline presence of the service.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllTopics matches all pshal traffic.
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}
