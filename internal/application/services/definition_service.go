package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pulsecrm/engine/internal/domain/events"
	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
)

// DefinitionService owns the authoring lifecycle: Draft definitions are
// freely editable, Publish validates and snapshots them, and Published
// content changes only through a new version.
type DefinitionService struct {
	definitions ports.DefinitionStore
	evaluator   ports.ConditionEvaluator
	clock       ports.Clock
}

// NewDefinitionService creates a new DefinitionService
func NewDefinitionService(definitions ports.DefinitionStore, evaluator ports.ConditionEvaluator, clock ports.Clock) *DefinitionService {
	return &DefinitionService{definitions: definitions, evaluator: evaluator, clock: clock}
}

// Create stores a new Draft definition
func (s *DefinitionService) Create(ctx context.Context, def *models.WorkflowDefinition) error {
	if def.Name == "" {
		return apperrors.NewValidationError("name", "name is required")
	}
	if err := s.validateTrigger(def); err != nil {
		return err
	}
	def.Status = models.DefinitionStatusDraft
	return s.definitions.Create(ctx, def)
}

// Get returns a definition with its steps
func (s *DefinitionService) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return s.definitions.Get(ctx, id)
}

// List returns definitions, optionally filtered by status
func (s *DefinitionService) List(ctx context.Context, status string) ([]*models.WorkflowDefinition, error) {
	return s.definitions.List(ctx, status)
}

// Update replaces a Draft definition's content. Published definitions are
// immutable; edits require a new Draft via Publish's versioning.
func (s *DefinitionService) Update(ctx context.Context, def *models.WorkflowDefinition) error {
	existing, err := s.definitions.Get(ctx, def.ID)
	if err != nil {
		return err
	}
	if existing.Status != models.DefinitionStatusDraft {
		return apperrors.NewValidationError("status", fmt.Sprintf("definition %s is %s; only Draft definitions can be edited", def.ID, existing.Status))
	}
	if err := s.validateTrigger(def); err != nil {
		return err
	}
	def.Status = models.DefinitionStatusDraft
	return s.definitions.Update(ctx, def)
}

// Delete removes a definition that was never published
func (s *DefinitionService) Delete(ctx context.Context, id string) error {
	existing, err := s.definitions.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status == models.DefinitionStatusPublished {
		return apperrors.NewValidationError("status", "published definitions cannot be deleted; archive instead")
	}
	return s.definitions.Delete(ctx, id)
}

// Publish validates the definition, snapshots it into the version table, and
// moves it to Published. The snapshot is what running instances pinned to
// this version will execute, regardless of later edits.
func (s *DefinitionService) Publish(ctx context.Context, id string, changeNotes *string, actorID *string) (*models.WorkflowDefinition, error) {
	def, err := s.definitions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status == models.DefinitionStatusArchived {
		return nil, apperrors.NewValidationError("status", "archived definitions cannot be published")
	}

	if err := def.Validate(); err != nil {
		return nil, apperrors.NewConfigurationError("", err.Error())
	}
	if err := s.validateExpressions(def); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	def.Status = models.DefinitionStatusPublished
	def.PublishedDate = &now
	if err := s.definitions.Update(ctx, def); err != nil {
		return nil, err
	}

	snapshot, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot definition %s: %w", id, err)
	}
	err = s.definitions.SaveVersion(ctx, &models.WorkflowDefinitionVersion{
		DefinitionID:  def.ID,
		VersionNumber: def.VersionNumber,
		Snapshot:      string(snapshot),
		ChangeNotes:   changeNotes,
		CreatedByID:   actorID,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("✅ [Definition] Published %s (%s) as version %d", def.Name, def.ID, def.VersionNumber)
	return def, nil
}

// Archive retires a definition. Running instances keep executing their
// pinned versions; new instances can no longer start.
func (s *DefinitionService) Archive(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := s.definitions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status == models.DefinitionStatusArchived {
		return def, nil
	}
	def.Status = models.DefinitionStatusArchived
	if err := s.definitions.Update(ctx, def); err != nil {
		return nil, err
	}
	log.Printf("🧹 [Definition] Archived %s (%s)", def.Name, def.ID)
	return def, nil
}

// ListVersions returns the published snapshots of a definition
func (s *DefinitionService) ListVersions(ctx context.Context, definitionID string) ([]*models.WorkflowDefinitionVersion, error) {
	if _, err := s.definitions.Get(ctx, definitionID); err != nil {
		return nil, err
	}
	return s.definitions.ListVersions(ctx, definitionID)
}

// validateTrigger checks trigger-descriptor coherence
func (s *DefinitionService) validateTrigger(def *models.WorkflowDefinition) error {
	switch def.TriggerType {
	case models.TriggerTypeManual, models.TriggerTypeScheduled:
	case models.TriggerTypeEvent:
		if def.TriggerEntityType == nil || *def.TriggerEntityType == "" {
			return apperrors.NewValidationError("trigger_entity_type", "event triggers require an entity type")
		}
		if len(def.TriggerEvents) == 0 {
			return apperrors.NewValidationError("trigger_events", "event triggers require at least one event name")
		}
		for _, name := range def.TriggerEvents {
			if !events.IsKnown(name) {
				return apperrors.NewValidationError("trigger_events", fmt.Sprintf("unknown entity event %q", name))
			}
		}
	default:
		return apperrors.NewValidationError("trigger_type", fmt.Sprintf("unknown trigger type %q", def.TriggerType))
	}
	if def.TriggerCondition != nil && *def.TriggerCondition != "" {
		if err := s.evaluator.Validate(*def.TriggerCondition, map[string]interface{}{}); err != nil {
			return apperrors.NewValidationError("trigger_condition", err.Error())
		}
	}
	return nil
}

// validateExpressions compiles every expression the definition carries, so
// publishing catches what structural validation cannot.
func (s *DefinitionService) validateExpressions(def *models.WorkflowDefinition) error {
	env := map[string]interface{}{}
	for _, step := range def.Steps {
		for _, t := range step.Transitions {
			if t.Condition == "" {
				continue
			}
			if err := s.evaluator.Validate(t.Condition, env); err != nil {
				return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("transition condition %q: %v", t.Condition, err))
			}
		}
		cfg, err := step.ParseConfig()
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, err.Error())
		}
		switch c := cfg.(type) {
		case *models.ConditionalConfig:
			for _, b := range c.Branches {
				if b.Expression == "" {
					continue
				}
				if err := s.evaluator.Validate(b.Expression, env); err != nil {
					return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("branch expression %q: %v", b.Expression, err))
				}
			}
		case *models.SetVariableConfig:
			for key, expr := range c.Assignments {
				if err := s.evaluator.Validate(expr, env); err != nil {
					return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("assignment %s: %v", key, err))
				}
			}
		}
	}
	return nil
}
