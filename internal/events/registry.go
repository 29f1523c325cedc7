package events

import (
	"fmt"
	"strings"
)

var allowedEvents = map[string]struct{}{
	// flow deployment
	"flow.deployed":      {},
	"flow.deploy_failed": {},
	"flow.compiled":      {},

	// module registry
	"module.loaded": {},
	"module.error":  {},

	// routes
	"route.bound":    {},
	"route.missing":  {},
	"route.rejected": {},

	// dispatch
	"chain.started":   {},
	"chain.completed": {},
	"chain.failed":    {},
	"node.executed":   {},
	"node.failed":     {},

	// sinks
	"debug.message": {},
	"event.emitted": {},

	// event bus
	"mqtt.connected":    {},
	"mqtt.disconnected": {},
	"mqtt.error":        {},

	// system
	"system.startup":  {},
	"system.shutdown": {},
	"system.error":    {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}

// Category returns the part of an event name before the first dot.
func Category(event string) string {
	cat, _, _ := strings.Cut(event, ".")
	return cat
}
