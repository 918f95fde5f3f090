// Package directory provides the built-in assignment directory. Deployments
// embedded in the CRM replace it with an adapter over the CRM's user store.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/pulsecrm/engine/internal/domain/models"
)

// StaticDirectory resolves Role and Group assignments from an in-process
// membership table, rotating through members so work spreads evenly. User
// assignments pass through and Queue assignments stay pooled.
type StaticDirectory struct {
	mu      sync.Mutex
	members map[string][]string
	next    map[string]int
}

// NewStaticDirectory creates an empty StaticDirectory
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		members: make(map[string][]string),
		next:    make(map[string]int),
	}
}

// Register adds members for a Role or Group name, replacing any existing set
func (d *StaticDirectory) Register(assignmentType, name string, userIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := assignmentType + ":" + name
	d.members[key] = append([]string(nil), userIDs...)
	d.next[key] = 0
}

// ResolveAssignee implements ports.Directory
func (d *StaticDirectory) ResolveAssignee(ctx context.Context, assignmentType, assignedTo string) (string, error) {
	switch assignmentType {
	case models.AssignmentTypeUser:
		return assignedTo, nil
	case models.AssignmentTypeQueue:
		return "", nil
	case models.AssignmentTypeRole, models.AssignmentTypeGroup:
		d.mu.Lock()
		defer d.mu.Unlock()
		key := assignmentType + ":" + assignedTo
		members := d.members[key]
		if len(members) == 0 {
			return "", fmt.Errorf("no members registered for %s %q", assignmentType, assignedTo)
		}
		user := members[d.next[key]%len(members)]
		d.next[key]++
		return user, nil
	default:
		return "", fmt.Errorf("unknown assignment type %q", assignmentType)
	}
}
