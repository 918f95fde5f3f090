// Package events names the entity change events the CRM backend publishes
// to the engine's ingress. Definitions subscribe to these names through
// their trigger configuration.
package events

import "strings"

// EntityEvent is the name of an entity change event
type EntityEvent string

const (
	EntityCreated       EntityEvent = "record.created"
	EntityUpdated       EntityEvent = "record.updated"
	EntityDeleted       EntityEvent = "record.deleted"
	EntityStatusChanged EntityEvent = "record.status_changed"
)

// Known lists every event name a definition may subscribe to
var Known = []EntityEvent{
	EntityCreated,
	EntityUpdated,
	EntityDeleted,
	EntityStatusChanged,
}

func (e EntityEvent) String() string {
	return string(e)
}

// IsKnown reports whether name is a recognized entity event, ignoring case
func IsKnown(name string) bool {
	for _, e := range Known {
		if strings.EqualFold(string(e), name) {
			return true
		}
	}
	return false
}
