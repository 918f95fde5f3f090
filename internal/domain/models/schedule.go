package models

import (
	"time"
)

// WorkflowSchedule is a cron-driven trigger bound to a published definition.
// The scheduler claims due rows and starts one instance per fire.
type WorkflowSchedule struct {
	ID               string     `json:"id"`
	DefinitionID     string     `json:"definition_id"`
	CronExpression   string     `json:"cron_expression"`
	Timezone         string     `json:"timezone"`
	EntityType       string     `json:"entity_type"`
	EntityID         string     `json:"entity_id"`
	StartsAt         *time.Time `json:"starts_at,omitempty"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
	IsEnabled        bool       `json:"is_enabled"`
	LastTriggeredAt  *time.Time `json:"last_triggered_at,omitempty"`
	NextTriggerAt    *time.Time `json:"next_trigger_at,omitempty"`
	ExecutionCount   int64      `json:"execution_count"`
	CreatedDate      time.Time  `json:"created_date"`
	LastModifiedDate time.Time  `json:"last_modified_date"`
}

// InWindow reports whether now falls inside the schedule's validity window
func (s *WorkflowSchedule) InWindow(now time.Time) bool {
	if s.StartsAt != nil && now.Before(*s.StartsAt) {
		return false
	}
	if s.EndsAt != nil && now.After(*s.EndsAt) {
		return false
	}
	return true
}
