package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowDefinition statuses
const (
	DefinitionStatusDraft     = "Draft"
	DefinitionStatusPublished = "Published"
	DefinitionStatusArchived  = "Archived"
)

// Trigger types
const (
	TriggerTypeManual    = "Manual"
	TriggerTypeScheduled = "Scheduled"
	TriggerTypeEvent     = "Event"
)

// Step types
const (
	StepTypeStart        = "Start"
	StepTypeEnd          = "End"
	StepTypeUserAction   = "UserAction"
	StepTypeApiCall      = "ApiCall"
	StepTypeConditional  = "Conditional"
	StepTypeParallel     = "Parallel"
	StepTypeJoin         = "Join"
	StepTypeDelay        = "Delay"
	StepTypeSubWorkflow  = "SubWorkflow"
	StepTypeNotification = "Notification"
	StepTypeSetVariable  = "SetVariable"
	StepTypeScript       = "Script"
)

// Join modes
const (
	JoinModeAll = "All"
	JoinModeAny = "Any"
	JoinModeN   = "N"
)

// Timeout actions applied when a step's TimeoutMinutes elapses
const (
	TimeoutActionFail     = "fail"
	TimeoutActionSkip     = "skip"
	TimeoutActionRetry    = "retry"
	TimeoutActionEscalate = "escalate"
)

// WorkflowDefinition is the versioned description of a business process.
// Once Published it is immutable except through a new version; the prior
// content is snapshotted into WorkflowDefinitionVersion.
type WorkflowDefinition struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       *string    `json:"description,omitempty"`
	Status            string     `json:"status"`
	VersionNumber     int        `json:"version_number"`
	TriggerType       string     `json:"trigger_type"`
	TriggerEntityType *string    `json:"trigger_entity_type,omitempty"`
	TriggerEvents     []string   `json:"trigger_events,omitempty"`
	TriggerCondition  *string    `json:"trigger_condition,omitempty"`
	Priority          int        `json:"priority"`
	Steps             []*Step    `json:"steps,omitempty"`
	CreatedByID       *string    `json:"created_by_id,omitempty"`
	CreatedDate       time.Time  `json:"created_date"`
	LastModifiedDate  time.Time  `json:"last_modified_date"`
	PublishedDate     *time.Time `json:"published_date,omitempty"`
}

// WorkflowDefinitionVersion is an immutable JSON snapshot of a definition at
// publish time, kept for rollback and audit.
type WorkflowDefinitionVersion struct {
	ID            string    `json:"id"`
	DefinitionID  string    `json:"definition_id"`
	VersionNumber int       `json:"version_number"`
	Snapshot      string    `json:"snapshot"`
	ChangeNotes   *string   `json:"change_notes,omitempty"`
	CreatedByID   *string   `json:"created_by_id,omitempty"`
	CreatedDate   time.Time `json:"created_date"`
}

// RetryPolicy controls retry behaviour for a step or job
type RetryPolicy struct {
	MaxAttempts    int  `json:"max_attempts"`
	BackoffSeconds int  `json:"backoff_seconds"`
	Exponential    bool `json:"exponential"`
}

// Step is a node in the workflow graph. Configuration is a polymorphic JSON
// payload interpreted per StepType; ParseConfig validates it at load time so
// configuration errors surface before execution.
type Step struct {
	ID             string                 `json:"id"`
	DefinitionID   string                 `json:"definition_id"`
	StepKey        string                 `json:"step_key"`
	Name           string                 `json:"name"`
	StepType       string                 `json:"step_type"`
	Configuration  map[string]interface{} `json:"configuration,omitempty"`
	Transitions    []Transition           `json:"transitions,omitempty"`
	TimeoutMinutes int                    `json:"timeout_minutes,omitempty"`
	TimeoutAction  string                 `json:"timeout_action,omitempty"`
	Retry          *RetryPolicy           `json:"retry,omitempty"`
	IsStartStep    bool                   `json:"is_start_step"`
	StepOrder      int                    `json:"step_order"`
}

// Transition is a conditional edge to another step. An empty Condition always
// matches. Lower Priority values are preferred during selection.
type Transition struct {
	Condition     string `json:"condition,omitempty"`
	TargetStepKey string `json:"target_step_key"`
	Priority      int    `json:"priority"`
	IsDefault     bool   `json:"is_default"`
}

// ----------------------------------------------------------------------------
// Typed step configurations (tagged union keyed by StepType)
// ----------------------------------------------------------------------------

// ConditionalConfig configures a Conditional step. Branches are evaluated in
// ascending Priority order; the first true branch wins. If none match, the
// branch marked IsDefault (or DefaultNextStepKey) is taken.
type ConditionalConfig struct {
	Branches           []ConditionBranch `json:"branches"`
	DefaultNextStepKey string            `json:"default_next_step_key,omitempty"`
}

// ConditionBranch is one arm of a Conditional step
type ConditionBranch struct {
	Expression  string `json:"expression"`
	NextStepKey string `json:"next_step_key"`
	Priority    int    `json:"priority"`
	IsDefault   bool   `json:"is_default"`
}

// ParallelConfig configures a Parallel step
type ParallelConfig struct {
	BranchStepKeys []string `json:"branch_step_keys"`
}

// JoinConfig configures a Join step
type JoinConfig struct {
	JoinMode      string `json:"join_mode"`
	JoinThreshold int    `json:"join_threshold,omitempty"`
	BranchCount   int    `json:"branch_count"`
}

// DelayConfig configures a Delay step. Exactly one of the duration fields,
// UntilDateTime, or Expression must be set.
type DelayConfig struct {
	DurationMinutes int    `json:"duration_minutes,omitempty"`
	DurationHours   int    `json:"duration_hours,omitempty"`
	DurationDays    int    `json:"duration_days,omitempty"`
	UntilDateTime   string `json:"until_date_time,omitempty"`
	Expression      string `json:"expression,omitempty"`
}

// UserActionConfig configures a UserAction step
type UserActionConfig struct {
	Title            string   `json:"title"`
	Instructions     string   `json:"instructions,omitempty"`
	AssignmentType   string   `json:"assignment_type"`
	AssignedTo       string   `json:"assigned_to"`
	AvailableActions []string `json:"available_actions"`
	DueInMinutes     int      `json:"due_in_minutes,omitempty"`
	MaxEscalations   int      `json:"max_escalations,omitempty"`
	EscalationChain  []string `json:"escalation_chain,omitempty"`
}

// ApiCallConfig configures an ApiCall step
type ApiCallConfig struct {
	Method             string            `json:"method"`
	URL                string            `json:"url"`
	Headers            map[string]string `json:"headers,omitempty"`
	BodyTemplate       string            `json:"body_template,omitempty"`
	AuthenticationType string            `json:"authentication_type,omitempty"`
	CredentialName     string            `json:"credential_name,omitempty"`
	TimeoutSeconds     int               `json:"timeout_seconds,omitempty"`
	Retry              *RetryPolicy      `json:"retry,omitempty"`
	ResponseMapping    map[string]string `json:"response_mapping,omitempty"`
}

// NotificationConfig configures a Notification step
type NotificationConfig struct {
	Channel         string   `json:"channel"` // Email, InApp, Webhook
	Recipients      []string `json:"recipients"`
	SubjectTemplate string   `json:"subject_template,omitempty"`
	BodyTemplate    string   `json:"body_template"`
}

// SetVariableConfig configures a SetVariable step. Each assignment maps a
// context key to an expression evaluated against the current context.
type SetVariableConfig struct {
	Assignments map[string]string `json:"assignments"`
}

// ScriptConfig configures a Script step. Mode "Assign" behaves like
// SetVariable; mode "Transform" evaluates Expression and stores the single
// result under OutputKey.
type ScriptConfig struct {
	Mode        string            `json:"mode"`
	Assignments map[string]string `json:"assignments,omitempty"`
	Expression  string            `json:"expression,omitempty"`
	OutputKey   string            `json:"output_key,omitempty"`
}

// SubWorkflowConfig configures a SubWorkflow step
type SubWorkflowConfig struct {
	DefinitionID      string            `json:"definition_id"`
	WaitForCompletion bool              `json:"wait_for_completion"`
	InputMapping      map[string]string `json:"input_mapping,omitempty"`
	OutputMapping     map[string]string `json:"output_mapping,omitempty"`
}

// ParseConfig decodes and validates the step's polymorphic configuration into
// its typed form. Returns the typed config or an error describing the problem;
// callers wrap it as a ConfigurationError so it is never retried.
func (s *Step) ParseConfig() (interface{}, error) {
	raw, err := json.Marshal(s.Configuration)
	if err != nil {
		return nil, fmt.Errorf("step %s: invalid configuration: %w", s.StepKey, err)
	}

	decode := func(dst interface{}) error {
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("step %s (%s): malformed configuration: %w", s.StepKey, s.StepType, err)
		}
		return nil
	}

	switch s.StepType {
	case StepTypeStart, StepTypeEnd:
		return nil, nil

	case StepTypeConditional:
		var cfg ConditionalConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		hasDefault := cfg.DefaultNextStepKey != ""
		for _, b := range cfg.Branches {
			if b.IsDefault {
				hasDefault = true
			}
			if !b.IsDefault && b.Expression == "" {
				return nil, fmt.Errorf("step %s: conditional branch to %s has no expression", s.StepKey, b.NextStepKey)
			}
			if b.NextStepKey == "" {
				return nil, fmt.Errorf("step %s: conditional branch missing next_step_key", s.StepKey)
			}
		}
		if len(cfg.Branches) == 0 {
			return nil, fmt.Errorf("step %s: conditional has no branches", s.StepKey)
		}
		_ = hasDefault // a missing default is a runtime failure only when no branch matches
		return &cfg, nil

	case StepTypeParallel:
		var cfg ParallelConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if len(cfg.BranchStepKeys) < 2 {
			return nil, fmt.Errorf("step %s: parallel requires at least 2 branches", s.StepKey)
		}
		return &cfg, nil

	case StepTypeJoin:
		var cfg JoinConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		switch cfg.JoinMode {
		case JoinModeAll, JoinModeAny:
		case JoinModeN:
			if cfg.JoinThreshold < 1 {
				return nil, fmt.Errorf("step %s: join mode N requires join_threshold >= 1", s.StepKey)
			}
		default:
			return nil, fmt.Errorf("step %s: unknown join mode %q", s.StepKey, cfg.JoinMode)
		}
		if cfg.BranchCount < 1 {
			return nil, fmt.Errorf("step %s: join requires branch_count >= 1", s.StepKey)
		}
		return &cfg, nil

	case StepTypeDelay:
		var cfg DelayConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.DurationMinutes == 0 && cfg.DurationHours == 0 && cfg.DurationDays == 0 &&
			cfg.UntilDateTime == "" && cfg.Expression == "" {
			return nil, fmt.Errorf("step %s: delay has no duration, until_date_time, or expression", s.StepKey)
		}
		return &cfg, nil

	case StepTypeUserAction:
		var cfg UserActionConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.AssignmentType == "" || cfg.AssignedTo == "" {
			return nil, fmt.Errorf("step %s: user action requires assignment_type and assigned_to", s.StepKey)
		}
		if len(cfg.AvailableActions) == 0 {
			return nil, fmt.Errorf("step %s: user action requires available_actions", s.StepKey)
		}
		return &cfg, nil

	case StepTypeApiCall:
		var cfg ApiCallConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.Method == "" || cfg.URL == "" {
			return nil, fmt.Errorf("step %s: api call requires method and url", s.StepKey)
		}
		return &cfg, nil

	case StepTypeNotification:
		var cfg NotificationConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.Channel == "" || len(cfg.Recipients) == 0 {
			return nil, fmt.Errorf("step %s: notification requires channel and recipients", s.StepKey)
		}
		return &cfg, nil

	case StepTypeSetVariable:
		var cfg SetVariableConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if len(cfg.Assignments) == 0 {
			return nil, fmt.Errorf("step %s: set variable has no assignments", s.StepKey)
		}
		return &cfg, nil

	case StepTypeScript:
		var cfg ScriptConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		switch cfg.Mode {
		case "Transform":
			if cfg.Expression == "" || cfg.OutputKey == "" {
				return nil, fmt.Errorf("step %s: transform script requires expression and output_key", s.StepKey)
			}
		case "", "Assign":
			if len(cfg.Assignments) == 0 {
				return nil, fmt.Errorf("step %s: script has no assignments", s.StepKey)
			}
		default:
			return nil, fmt.Errorf("step %s: unknown script mode %q", s.StepKey, cfg.Mode)
		}
		return &cfg, nil

	case StepTypeSubWorkflow:
		var cfg SubWorkflowConfig
		if err := decode(&cfg); err != nil {
			return nil, err
		}
		if cfg.DefinitionID == "" {
			return nil, fmt.Errorf("step %s: sub-workflow requires definition_id", s.StepKey)
		}
		return &cfg, nil

	default:
		return nil, fmt.Errorf("step %s: unknown step type %q", s.StepKey, s.StepType)
	}
}

// StepByKey returns the step with the given key, or nil
func (d *WorkflowDefinition) StepByKey(key string) *Step {
	for _, s := range d.Steps {
		if s.StepKey == key {
			return s
		}
	}
	return nil
}

// StartStep returns the unique start step, or nil if absent
func (d *WorkflowDefinition) StartStep() *Step {
	for _, s := range d.Steps {
		if s.IsStartStep {
			return s
		}
	}
	return nil
}

// Validate checks the structural invariants required before publishing:
// exactly one start step, unique step keys, resolvable transition targets,
// and parseable per-type configuration.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %s has no steps", d.Name)
	}

	keys := make(map[string]bool, len(d.Steps))
	startCount := 0
	for _, s := range d.Steps {
		if s.StepKey == "" {
			return fmt.Errorf("definition %s: step %q has no step_key", d.Name, s.Name)
		}
		if keys[s.StepKey] {
			return fmt.Errorf("definition %s: duplicate step_key %q", d.Name, s.StepKey)
		}
		keys[s.StepKey] = true
		if s.IsStartStep {
			startCount++
		}
	}
	if startCount != 1 {
		return fmt.Errorf("definition %s: expected exactly 1 start step, found %d", d.Name, startCount)
	}

	for _, s := range d.Steps {
		if _, err := s.ParseConfig(); err != nil {
			return err
		}
		for _, t := range s.Transitions {
			if !keys[t.TargetStepKey] {
				return fmt.Errorf("step %s: transition targets unknown step %q", s.StepKey, t.TargetStepKey)
			}
		}
		if cfg, _ := s.ParseConfig(); cfg != nil {
			switch c := cfg.(type) {
			case *ConditionalConfig:
				for _, b := range c.Branches {
					if !keys[b.NextStepKey] {
						return fmt.Errorf("step %s: branch targets unknown step %q", s.StepKey, b.NextStepKey)
					}
				}
				if c.DefaultNextStepKey != "" && !keys[c.DefaultNextStepKey] {
					return fmt.Errorf("step %s: default targets unknown step %q", s.StepKey, c.DefaultNextStepKey)
				}
			case *ParallelConfig:
				for _, k := range c.BranchStepKeys {
					if !keys[k] {
						return fmt.Errorf("step %s: parallel branch targets unknown step %q", s.StepKey, k)
					}
				}
			}
		}
	}

	return nil
}
