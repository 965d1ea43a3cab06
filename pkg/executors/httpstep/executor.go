// Package httpstep executes saga steps as templated HTTP calls against
// downstream services. Each configured step (compensations included, under
// their rollback_ name) maps to one request whose URL, headers and body are
// rendered against the saga's step context.
package httpstep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opline/opline/pkg/models"
	"github.com/opline/opline/pkg/protocol"
	"github.com/opline/opline/pkg/template"
)

const defaultTimeoutSeconds = 30

var (
	// ErrStepNotConfigured is returned when a saga names a step this executor
	// has no request config for.
	ErrStepNotConfigured = errors.New("no HTTP config for step")

	// ErrStepURLRequired is returned when a step config has no URL.
	ErrStepURLRequired = errors.New("step config requires a url")

	// ErrServerError marks a 5xx response that may be retried.
	ErrServerError = errors.New("server error during HTTP request")
)

// RetryConfig defines retry behavior for a step's HTTP request.
type RetryConfig struct {
	Attempts int `json:"attempts"`
	Delay    int `json:"delay"`
}

// StepConfig describes the HTTP request one step performs. URL, header values
// and body are templates rendered against the step context.
type StepConfig struct {
	Method           string            `json:"method"`
	URL              string            `json:"url"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	Retry            RetryConfig       `json:"retry"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
}

func (c StepConfig) validate(step string) error {
	if c.URL == "" {
		return fmt.Errorf("step %q: %w", step, ErrStepURLRequired)
	}

	for _, tmpl := range []string{c.URL, c.Body} {
		if _, err := template.Parse(tmpl); err != nil {
			return fmt.Errorf("step %q: invalid template: %w", step, err)
		}
	}

	for key, value := range c.Headers {
		if _, err := template.Parse(value); err != nil {
			return fmt.Errorf("step %q: invalid header %q template: %w", step, key, err)
		}
	}

	return nil
}

// Executor implements protocol.StepExecutor over a table of per-step request
// configs.
type Executor struct {
	steps  map[string]StepConfig
	client *http.Client
	logger *slog.Logger
}

// NewExecutor validates every step config up front so template errors surface
// at startup rather than mid-saga.
func NewExecutor(steps map[string]StepConfig, logger *slog.Logger) (*Executor, error) {
	normalized := make(map[string]StepConfig, len(steps))

	for step, config := range steps {
		if config.Method == "" {
			config.Method = http.MethodGet
		}

		config.Method = strings.ToUpper(config.Method)

		if config.TimeoutSeconds <= 0 {
			config.TimeoutSeconds = defaultTimeoutSeconds
		}

		if config.Retry.Attempts <= 0 {
			config.Retry.Attempts = 1
		}

		if err := config.validate(step); err != nil {
			return nil, err
		}

		normalized[step] = config
	}

	return &Executor{
		steps:  normalized,
		client: &http.Client{},
		logger: logger.With("module", "httpstep_executor"),
	}, nil
}

func (e *Executor) ExecuteStep(ctx context.Context, step string, sc protocol.StepContext) (*models.StepResult, error) {
	config, ok := e.steps[step]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotConfigured, step)
	}

	if config.RequiresApproval && sc.ApprovalData == nil {
		return &models.StepResult{Step: step, RequiresApproval: true}, nil
	}

	var (
		lastErr error
		resp    *http.Response
	)

	for attempt := 1; attempt <= config.Retry.Attempts; attempt++ {
		if attempt > 1 {
			e.logger.InfoContext(ctx, "Retrying step request",
				"step", step, "attempt", attempt, "attempts", config.Retry.Attempts)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(config.Retry.Delay) * time.Second):
			}
		}

		req, err := e.buildRequest(ctx, config, sc)
		if err != nil {
			return nil, err
		}

		resp, err = e.do(req, config)
		if err != nil {
			lastErr = fmt.Errorf("http request failed: %w", err)

			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError && attempt < config.Retry.Attempts {
			if err := resp.Body.Close(); err != nil {
				e.logger.WarnContext(ctx, "Failed to close response body", "error", err)
			}

			lastErr = fmt.Errorf("status %d: %w", resp.StatusCode, ErrServerError)
			resp = nil

			continue
		}

		break
	}

	if resp == nil {
		return nil, fmt.Errorf("all retry attempts failed, last error: %w", lastErr)
	}

	return e.processResponse(ctx, step, resp)
}

func (e *Executor) do(req *http.Request, config StepConfig) (*http.Response, error) {
	client := *e.client
	client.Timeout = time.Duration(config.TimeoutSeconds) * time.Second

	return client.Do(req)
}

func (e *Executor) buildRequest(ctx context.Context, config StepConfig, sc protocol.StepContext) (*http.Request, error) {
	urlResult, err := template.RenderWithContext(config.URL, &sc)
	if err != nil {
		return nil, fmt.Errorf("failed to render url template: %w", err)
	}

	var bodyReader io.Reader = strings.NewReader("")

	if config.Body != "" {
		body, err := template.RenderWithContext(config.Body, &sc)
		if err != nil {
			return nil, fmt.Errorf("failed to render body template: %w", err)
		}

		var bodyBytes []byte
		if str, ok := body.(string); ok {
			bodyBytes = []byte(str)
		} else {
			bodyBytes, err = json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal body: %w", err)
			}
		}

		bodyReader = strings.NewReader(string(bodyBytes))
	}

	req, err := http.NewRequestWithContext(ctx, config.Method, fmt.Sprintf("%v", urlResult), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for key, value := range config.Headers {
		headerResult, err := template.RenderWithContext(value, &sc)
		if err != nil {
			return nil, fmt.Errorf("failed to render header %q template: %w", key, err)
		}

		req.Header.Set(key, fmt.Sprintf("%v", headerResult))
	}

	return req, nil
}

// processResponse maps the response onto a StepResult: 2xx succeeds, anything
// else is a business failure carrying the status and body.
func (e *Executor) processResponse(ctx context.Context, step string, resp *http.Response) (*models.StepResult, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any

	err = json.Unmarshal(bodyBytes, &body)
	if err != nil {
		body = string(bodyBytes)
	}

	data := map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		e.logger.DebugContext(ctx, "Step request completed", "step", step, "status", resp.StatusCode)

		return &models.StepResult{Success: true, Step: step, Data: data}, nil
	}

	return &models.StepResult{
		Success:   false,
		Step:      step,
		Data:      data,
		ErrorKind: models.ErrKindStepFailed,
		Message:   fmt.Sprintf("step request returned status %d", resp.StatusCode),
	}, nil
}
