// Package sferr defines SubFlow's error taxonomy.
package sferr

import "fmt"

// ErrorCode is a stable, machine-readable failure reason surfaced on StageRuns
// and projects.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeInvalidMedia          ErrorCode = "INVALID_MEDIA"
	CodeAudioPreprocessFailed ErrorCode = "AUDIO_PREPROCESS_FAILED"
	CodeVADFailed             ErrorCode = "VAD_FAILED"
	CodeASRFailed             ErrorCode = "ASR_FAILED"
	CodeLLMFailed             ErrorCode = "LLM_FAILED"
	CodeLLMTimeout            ErrorCode = "LLM_TIMEOUT"
	CodeExportFailed          ErrorCode = "EXPORT_FAILED"
	CodeProviderFailed        ErrorCode = "PROVIDER_FAILED"
	CodeConfigurationError    ErrorCode = "CONFIGURATION_ERROR"
	CodeCancelled             ErrorCode = "CANCELLED"
)

// ConfigurationError signals a missing/invalid setting or an unsupported
// provider/media reference. Never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Message }

func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ProviderError wraps a rejection/failure from an external service.
type ProviderError struct {
	Provider  string
	Message   string
	ErrorCode ErrorCode
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.ErrorCode)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func NewProviderError(provider, message string, retryable bool) *ProviderError {
	return &ProviderError{Provider: provider, Message: message, Retryable: retryable}
}

// RetryableLLMError is a ProviderError the retry policy should transparently
// retry (5xx, timeout, connection reset, rate limit).
type RetryableLLMError struct {
	*ProviderError
	RateLimited bool
}

func NewRetryableLLMError(provider, message string, rateLimited bool) *RetryableLLMError {
	return &RetryableLLMError{
		ProviderError: &ProviderError{Provider: provider, Message: message, Retryable: true},
		RateLimited:   rateLimited,
	}
}

// ArtifactNotFoundError signals an expected artifact is missing during
// hydration; the orchestrator treats this as "stage must be rerun".
type ArtifactNotFoundError struct {
	ProjectID string
	Stage     string
	Name      string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact not found: project=%s stage=%s name=%s", e.ProjectID, e.Stage, e.Name)
}

// StageExecutionError is the catch-all wrapper every runner returns for an
// unhandled failure, tagged with a stable ErrorCode.
type StageExecutionError struct {
	Stage     string
	ProjectID string
	Message   string
	Code      ErrorCode
	Cause     error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed for project %s: %s [%s]", e.Stage, e.ProjectID, e.Message, e.Code)
}

func (e *StageExecutionError) Unwrap() error { return e.Cause }

func NewStageExecutionError(stage, projectID string, code ErrorCode, cause error) *StageExecutionError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &StageExecutionError{Stage: stage, ProjectID: projectID, Message: msg, Code: code, Cause: cause}
}

// CancellationError signals an external cancellation; the orchestrator maps
// this to a paused project status rather than failed.
type CancellationError struct {
	Stage string
}

func (e *CancellationError) Error() string { return fmt.Sprintf("stage %s cancelled", e.Stage) }
