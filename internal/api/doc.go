// Package api implements the operator HTTP API and WebSocket event stream
// of pshal.
//
// Endpoints (all under /api/v1):
//
//	GET  /health                      liveness and version
//	GET  /metrics                     runtime, fleet and connection statistics
//	GET  /drivers                     registered driver tags
//	GET  /supplies                    all supplies (?zone= ?type= ?name=)
//	GET  /supplies/{name}             one supply
//	PUT  /supplies/{name}/current     {"current": 12.5}
//	PUT  /supplies/{name}/state       {"state": "ON"}
//	POST /supplies/{name}/wait        {"state": "ON", "timeout": 30}
//	POST /supplies/{name}/rearm       leave the ERROR control state
//	GET  /supplies/{name}/history     recorded transitions (?limit= ?since= ?kind=)
//	GET  /io, /io/{name}              I/O points and their values
//	PUT  /io/{name}                   {"value": 1}
//	GET  /ws                          WebSocket event stream
//
// Commands are accepted with 202: the control loop applies them on its
// next cycle. Domain errors map to statuses in writeDomainError: invalid
// setpoints and unsupported states are 400, unknown names 404, faulted
// supplies 409 and wait timeouts 504. Command routes share a token-bucket
// rate limiter.
//
// WebSocket clients subscribe to event types ("supply.state_changed",
// "supply.current_changed", or "*" for all) and receive every fleet event
// of those types.
package api
