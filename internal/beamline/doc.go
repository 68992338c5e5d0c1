// Package beamline turns a magnet list into running power supplies.
//
// A magnet list (YAML or CSV) names each supply, its EPICS-style prefix,
// zone, magnet type and driver. Filter narrows it the same way the
// commissioning tools do (type and zone with "ALL" wildcards, a name
// regexp), and Fleet builds one powersupply.Device per entry through the
// driver registry, addressing each at "<prefix>:<root>".
//
// The fleet fans driver hooks out to listeners (the WebSocket hub) and to
// an optional MQTT publisher, and runs the standby/on/sweep/standby
// commissioning sequence with Exercise.
package beamline
