package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
)

// NotificationService renders Notification steps and delivers them through a
// dedicated SendNotification job, so a slow or failing channel never blocks
// the step that requested it.
type NotificationService struct {
	jobs     ports.JobQueue
	events   ports.EventStore
	notifier ports.Notifier
	renderer ports.TemplateRenderer
	clock    ports.Clock
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(
	jobs ports.JobQueue,
	events ports.EventStore,
	notifier ports.Notifier,
	renderer ports.TemplateRenderer,
	clock ports.Clock,
) *NotificationService {
	return &NotificationService{
		jobs:     jobs,
		events:   events,
		notifier: notifier,
		renderer: renderer,
		clock:    clock,
	}
}

// EnqueueFromStep renders the step's templates against the current context
// and enqueues a SendNotification job. Rendering happens here so the job
// payload is self-contained and the step can advance immediately.
func (s *NotificationService) EnqueueFromStep(ctx context.Context, inst *models.WorkflowInstance, step *models.Step, cfg *models.NotificationConfig, env map[string]interface{}) error {
	body, err := s.renderer.RenderTemplate(cfg.BodyTemplate, env)
	if err != nil {
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("body template: %v", err))
	}
	subject := ""
	if cfg.SubjectTemplate != "" {
		subject, err = s.renderer.RenderTemplate(cfg.SubjectTemplate, env)
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("subject template: %v", err))
		}
	}
	recipients := make([]string, 0, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		resolved, err := s.renderer.RenderTemplate(r, env)
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("recipient template %q: %v", r, err))
		}
		if strings.TrimSpace(resolved) != "" {
			recipients = append(recipients, resolved)
		}
	}
	if len(recipients) == 0 {
		return apperrors.NewConfigurationError(step.StepKey, "notification has no recipients")
	}

	payload, err := json.Marshal(models.SendNotificationPayload{
		Channel:    cfg.Channel,
		Recipients: recipients,
		Subject:    subject,
		Body:       body,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification payload: %w", err)
	}
	return s.jobs.Enqueue(ctx, &models.WorkflowJob{
		JobType:    models.JobTypeSendNotification,
		InstanceID: &inst.ID,
		StepKey:    &step.StepKey,
		Payload:    string(payload),
	})
}

// HandleSendNotification delivers a rendered notification. Delivery failures
// are transient; the job's retry budget absorbs channel flakiness.
func (s *NotificationService) HandleSendNotification(ctx context.Context, job *models.WorkflowJob) error {
	var payload models.SendNotificationPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("malformed SendNotification payload: %w", err)
	}

	if err := s.notifier.Send(ctx, payload.Channel, payload.Recipients, payload.Subject, payload.Body); err != nil {
		return apperrors.NewTransientError("notification delivery", err)
	}
	log.Printf("📤 [Notification] Sent %s notification to %d recipient(s)", payload.Channel, len(payload.Recipients))

	if job.InstanceID != nil {
		output := fmt.Sprintf("%s to %s", payload.Channel, strings.Join(payload.Recipients, ", "))
		err := s.events.Append(ctx, &models.WorkflowEvent{
			InstanceID: *job.InstanceID,
			EventType:  models.EventNotificationSent,
			StepKey:    job.StepKey,
			Timestamp:  s.clock.Now(),
			Actor:      SystemActor,
			Output:     &output,
			Severity:   models.SeverityInfo,
		})
		if err != nil {
			log.Printf("⚠️ [Notification] Failed to append NotificationSent event for instance %s: %v", *job.InstanceID, err)
		}
	}
	return nil
}

// LogNotifier is the default Notifier. The CRM backend owns real channels
// (email, in-app); standalone deployments log deliveries instead of dropping
// them.
type LogNotifier struct{}

// Send logs the notification
func (LogNotifier) Send(ctx context.Context, channel string, recipients []string, subject, body string) error {
	log.Printf("📋 [Notification] channel=%s recipients=%s subject=%q body=%q", channel, strings.Join(recipients, ","), subject, body)
	return nil
}
