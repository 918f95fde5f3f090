package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/pulsecrm/engine/internal/domain/models"
	"github.com/pulsecrm/engine/internal/domain/ports"
	apperrors "github.com/pulsecrm/engine/pkg/errors"
	"github.com/pulsecrm/engine/pkg/secrets"
)

const defaultApiCallTimeout = 30 * time.Second

// ApiCallService executes ApiCall steps: template rendering, credential
// resolution, the outbound call, and response mapping back into the instance
// context. Plaintext secrets never leave this service.
type ApiCallService struct {
	credentials ports.CredentialStore
	events      ports.EventStore
	contextVars ports.ContextStore
	caller      ports.HTTPCaller
	renderer    ports.TemplateRenderer
	evaluator   ports.ConditionEvaluator
	encryptor   *secrets.Encryptor
	clock       ports.Clock
}

// NewApiCallService creates a new ApiCallService
func NewApiCallService(
	credentials ports.CredentialStore,
	events ports.EventStore,
	contextVars ports.ContextStore,
	caller ports.HTTPCaller,
	renderer ports.TemplateRenderer,
	evaluator ports.ConditionEvaluator,
	encryptor *secrets.Encryptor,
	clock ports.Clock,
) *ApiCallService {
	return &ApiCallService{
		credentials: credentials,
		events:      events,
		contextVars: contextVars,
		caller:      caller,
		renderer:    renderer,
		evaluator:   evaluator,
		encryptor:   encryptor,
		clock:       clock,
	}
}

// Execute performs the configured call. Network failures and 5xx responses
// are transient (retried per the step's budget); 4xx responses mean the
// request itself is wrong and fail without retry.
func (s *ApiCallService) Execute(ctx context.Context, inst *models.WorkflowInstance, step *models.Step, cfg *models.ApiCallConfig, env map[string]interface{}) error {
	req, err := s.buildRequest(ctx, step, cfg, env)
	if err != nil {
		return err
	}

	input := fmt.Sprintf("%s %s", req.Method, req.URL)
	s.appendEvent(ctx, inst.ID, models.EventApiCallStarted, &step.StepKey, &input, nil, nil, nil, models.SeverityInfo)

	resp, err := s.caller.Do(ctx, req)
	if err != nil {
		details := err.Error()
		s.appendEvent(ctx, inst.ID, models.EventApiCallFailed, &step.StepKey, &input, nil, nil, &details, models.SeverityError)
		return apperrors.NewTransientError(fmt.Sprintf("api call %s", step.StepKey), err)
	}

	if resp.StatusCode >= 500 {
		details := fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(resp.Body, 500))
		s.appendEvent(ctx, inst.ID, models.EventApiCallFailed, &step.StepKey, &input, nil, &resp.DurationMs, &details, models.SeverityError)
		return apperrors.NewTransientError(fmt.Sprintf("api call %s", step.StepKey), fmt.Errorf("server returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		details := fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(resp.Body, 500))
		s.appendEvent(ctx, inst.ID, models.EventApiCallFailed, &step.StepKey, &input, nil, &resp.DurationMs, &details, models.SeverityError)
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("api call rejected with status %d", resp.StatusCode))
	}

	output := truncate(resp.Body, 2000)
	s.appendEvent(ctx, inst.ID, models.EventApiCallCompleted, &step.StepKey, &input, &output, &resp.DurationMs, nil, models.SeverityInfo)

	if len(cfg.ResponseMapping) > 0 {
		if err := s.applyResponseMapping(ctx, inst, step, cfg, env, resp); err != nil {
			return err
		}
	}

	log.Printf("✅ [ApiCall] %s %s returned %d in %dms (instance %s)", req.Method, req.URL, resp.StatusCode, resp.DurationMs, inst.ID)
	return nil
}

// buildRequest renders the call's templates and applies credentials
func (s *ApiCallService) buildRequest(ctx context.Context, step *models.Step, cfg *models.ApiCallConfig, env map[string]interface{}) (*ports.ApiRequest, error) {
	url, err := s.renderer.RenderTemplate(cfg.URL, env)
	if err != nil {
		return nil, apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("url template: %v", err))
	}

	req := &ports.ApiRequest{
		Method:  cfg.Method,
		URL:     url,
		Headers: make(map[string]string, len(cfg.Headers)+1),
		Timeout: defaultApiCallTimeout,
	}
	if cfg.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	for name, tmpl := range cfg.Headers {
		value, err := s.renderer.RenderTemplate(tmpl, env)
		if err != nil {
			return nil, apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("header %s template: %v", name, err))
		}
		req.Headers[name] = value
	}
	if cfg.BodyTemplate != "" {
		body, err := s.renderer.RenderTemplate(cfg.BodyTemplate, env)
		if err != nil {
			return nil, apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("body template: %v", err))
		}
		req.Body = body
	}

	if cfg.CredentialName != "" {
		if err := s.applyCredential(ctx, step, cfg.CredentialName, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// applyCredential decrypts the named credential and injects auth material
func (s *ApiCallService) applyCredential(ctx context.Context, step *models.Step, name string, req *ports.ApiRequest) error {
	cred, err := s.credentials.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if !cred.IsUsable(s.clock.Now()) {
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("credential %q is disabled or expired", name))
	}

	plaintext, err := s.encryptor.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("credential %q cannot be decrypted", name))
	}
	var secret models.CredentialSecret
	if err := json.Unmarshal([]byte(plaintext), &secret); err != nil {
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("credential %q has a malformed secret", name))
	}

	switch cred.AuthType {
	case models.AuthTypeNone:
	case models.AuthTypeApiKey:
		header := "X-API-Key"
		if cred.HeaderName != nil && *cred.HeaderName != "" {
			header = *cred.HeaderName
		}
		req.Headers[header] = secret.Token
	case models.AuthTypeBasic:
		raw := base64.StdEncoding.EncodeToString([]byte(secret.Username + ":" + secret.Password))
		req.Headers["Authorization"] = "Basic " + raw
	case models.AuthTypeBearer, models.AuthTypeOAuth2:
		req.Headers["Authorization"] = "Bearer " + secret.Token
	case models.AuthTypeCustom:
		for name, value := range secret.Headers {
			req.Headers[name] = value
		}
	default:
		return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("credential %q has unknown auth type %q", name, cred.AuthType))
	}
	return nil
}

// applyResponseMapping evaluates each mapping expression against the response
// and writes the results into the instance context.
func (s *ApiCallService) applyResponseMapping(ctx context.Context, inst *models.WorkflowInstance, step *models.Step, cfg *models.ApiCallConfig, env map[string]interface{}, resp *ports.ApiResponse) error {
	var body interface{}
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		body = resp.Body
	}

	mapEnv := make(map[string]interface{}, len(env)+1)
	for k, v := range env {
		mapEnv[k] = v
	}
	mapEnv["response"] = map[string]interface{}{
		"status": resp.StatusCode,
		"body":   body,
	}

	for ctxKey, expr := range cfg.ResponseMapping {
		value, err := s.evaluator.Evaluate(expr, mapEnv)
		if err != nil {
			return apperrors.NewConfigurationError(step.StepKey, fmt.Sprintf("response mapping %s: %v", ctxKey, err))
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode mapped value %s: %w", ctxKey, err)
		}
		err = s.contextVars.Set(ctx, &models.ContextVariable{
			InstanceID:       inst.ID,
			Key:              ctxKey,
			ValueType:        models.InferValueType(value),
			Value:            string(raw),
			SetByStepKey:     &step.StepKey,
			LastModifiedDate: s.clock.Now(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *ApiCallService) appendEvent(ctx context.Context, instanceID string, eventType models.EventType, stepKey *string, input, output *string, durationMs *int64, errDetails *string, severity string) {
	err := s.events.Append(ctx, &models.WorkflowEvent{
		InstanceID:   instanceID,
		EventType:    eventType,
		StepKey:      stepKey,
		Timestamp:    s.clock.Now(),
		Actor:        SystemActor,
		Input:        input,
		Output:       output,
		DurationMs:   durationMs,
		ErrorDetails: errDetails,
		Severity:     severity,
	})
	if err != nil {
		log.Printf("⚠️ [ApiCall] Failed to append %s event for instance %s: %v", eventType, instanceID, err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// HTTPClientCaller is the production HTTPCaller backed by net/http
type HTTPClientCaller struct {
	client *http.Client
}

// NewHTTPClientCaller creates an HTTPClientCaller
func NewHTTPClientCaller() *HTTPClientCaller {
	return &HTTPClientCaller{client: &http.Client{}}
}

// Do executes the request with the per-call timeout
func (c *HTTPClientCaller) Do(ctx context.Context, req *ports.ApiRequest) (*ports.ApiResponse, error) {
	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if req.Body != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return &ports.ApiResponse{
		StatusCode: resp.StatusCode,
		Body:       string(raw),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}
