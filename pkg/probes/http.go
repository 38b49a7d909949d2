package probes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gauntlet-dev/gauntlet/pkg/engine"
)

// maxBodyBytes caps the captured response body.
const maxBodyBytes = 1024 * 1024

// HTTPParams is the configuration for an http step.
type HTTPParams struct {
	// Method is the HTTP method. Defaults to GET.
	Method string `json:"method,omitempty"`

	// URL is an absolute request URL. Overrides Path when set.
	URL string `json:"url,omitempty"`

	// Path is resolved against the project base URL.
	Path string `json:"path,omitempty"`

	// Headers are additional request headers.
	Headers map[string]string `json:"headers,omitempty"`

	// Body is the request body. Objects are sent as JSON.
	Body interface{} `json:"body,omitempty"`

	// ExpectStatus is the status code that counts as success.
	// When zero, any 2xx response passes.
	ExpectStatus int `json:"expect_status,omitempty"`

	// ExpectBody is a substring the raw response body must contain.
	ExpectBody string `json:"expect_body,omitempty"`

	// MaxLatencyMS fails the step when the round trip takes longer.
	MaxLatencyMS int64 `json:"max_latency_ms,omitempty"`
}

// HTTPOutput is the structured output of an http probe.
type HTTPOutput struct {
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Status     int         `json:"status"`
	Body       interface{} `json:"body,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	Truncated  bool        `json:"truncated,omitempty"`
}

// HTTPProber issues HTTP requests against a project's service endpoint.
type HTTPProber struct {
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPProber creates an http prober. A nil client uses a default
// without its own timeout; deadlines come from the unit context.
func NewHTTPProber(client *http.Client, logger zerolog.Logger) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{
		client: client,
		logger: logger.With().Str("prober", "http").Logger(),
	}
}

// Kind returns the step kind this prober handles.
func (p *HTTPProber) Kind() engine.StepKind {
	return engine.StepKindHTTP
}

// Execute issues the configured request and captures the response.
func (p *HTTPProber) Execute(ctx context.Context, project *engine.Project, unit *engine.CheckUnit) (*engine.StepResult, error) {
	var params HTTPParams
	if err := json.Unmarshal(unit.Params, &params); err != nil {
		checkErr := engine.NewPermanentError("invalid http params", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return failedResult(unit, checkErr), checkErr
	}

	url, err := p.resolveURL(&params, project)
	if err != nil {
		checkErr := engine.NewPermanentError(err.Error(), nil).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return failedResult(unit, checkErr), checkErr
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	sendJSON := false
	if params.Body != nil {
		if text, isString := params.Body.(string); isString {
			bodyReader = strings.NewReader(text)
		} else {
			encoded, err := json.Marshal(params.Body)
			if err != nil {
				checkErr := engine.NewPermanentError("failed to encode request body", err).
					WithCode(engine.ErrCodeValidation).
					WithUnit(unit.ID)
				return failedResult(unit, checkErr), checkErr
			}
			bodyReader = bytes.NewReader(encoded)
			sendJSON = true
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		checkErr := engine.NewPermanentError("failed to build request", err).
			WithCode(engine.ErrCodeValidation).
			WithUnit(unit.ID)
		return failedResult(unit, checkErr), checkErr
	}
	if sendJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		completed := time.Now()
		result := &engine.StepResult{
			UnitID:      unit.ID,
			Status:      engine.UnitStatusFailed,
			StartedAt:   started,
			CompletedAt: completed,
			Duration:    completed.Sub(started),
		}

		var checkErr *engine.CheckError
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			checkErr = engine.NewTransientError("request timed out", err).
				WithCode(engine.ErrCodeTimeout)
		} else {
			// Connection-level failures are worth retrying.
			checkErr = engine.NewTransientError("request failed", err).
				WithCode(engine.ErrCodeProbeFailed)
		}
		checkErr = checkErr.WithUnit(unit.ID)
		result.Error = checkErr
		return result, checkErr
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	completed := time.Now()

	truncated := false
	if len(raw) > maxBodyBytes {
		raw = raw[:maxBodyBytes]
		truncated = true
	}

	output := HTTPOutput{
		URL:        url,
		Method:     method,
		Status:     resp.StatusCode,
		DurationMS: completed.Sub(started).Milliseconds(),
		Truncated:  truncated,
	}

	// Prefer structured bodies so assertions can index into them.
	var parsed interface{}
	if json.Unmarshal(raw, &parsed) == nil {
		output.Body = parsed
	} else {
		output.Body = string(raw)
	}

	result := &engine.StepResult{
		UnitID:      unit.ID,
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Output:      marshalOutput(output),
	}

	p.logger.Debug().
		Str("unit_id", unit.ID).
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("duration", result.Duration).
		Msg("http probe completed")

	if readErr != nil {
		checkErr := engine.NewTransientError("failed to read response body", readErr).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	if checkErr := classifyStatus(resp.StatusCode, params.ExpectStatus, unit.ID); checkErr != nil {
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	if params.ExpectBody != "" && !strings.Contains(string(raw), params.ExpectBody) {
		checkErr := engine.NewPermanentError(
			fmt.Sprintf("response body missing %q", params.ExpectBody), nil).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	if params.MaxLatencyMS > 0 && output.DurationMS > params.MaxLatencyMS {
		// Slow responses may recover, so leave room for a retry.
		checkErr := engine.NewTransientError(
			fmt.Sprintf("response took %dms, budget is %dms", output.DurationMS, params.MaxLatencyMS), nil).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unit.ID)
		result.Status = engine.UnitStatusFailed
		result.Error = checkErr
		return result, checkErr
	}

	result.Status = engine.UnitStatusPassed
	return result, nil
}

// resolveURL combines the step params with the project base URL.
func (p *HTTPProber) resolveURL(params *HTTPParams, project *engine.Project) (string, error) {
	if params.URL != "" {
		return params.URL, nil
	}
	if project == nil || project.BaseURL == "" {
		return "", fmt.Errorf("http params have no url and project has no base_url")
	}
	base := strings.TrimSuffix(project.BaseURL, "/")
	path := params.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, nil
}

// classifyStatus maps a response status to a classified error, or nil
// when the status counts as success. 429 is throttled, 5xx is transient,
// everything else unexpected is permanent.
func classifyStatus(status, expected int, unitID string) *engine.CheckError {
	if expected != 0 {
		if status == expected {
			return nil
		}
	} else if status >= 200 && status < 300 {
		return nil
	}

	msg := fmt.Sprintf("unexpected status %d", status)
	if expected != 0 {
		msg = fmt.Sprintf("status %d, expected %d", status, expected)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return engine.NewThrottledError(msg, nil).
			WithCode(engine.ErrCodeRateLimited).
			WithUnit(unitID)
	case status >= 500:
		return engine.NewTransientError(msg, nil).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unitID)
	default:
		return engine.NewPermanentError(msg, nil).
			WithCode(engine.ErrCodeProbeFailed).
			WithUnit(unitID)
	}
}
