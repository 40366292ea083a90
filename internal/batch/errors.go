package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/stevemoraco/Kull-sub004/internal/models"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRunnerClosed        = errors.New("batch runner closed")

	// errStopped means the job left running underneath its task, e.g. it
	// was cancelled from another process.
	errStopped = errors.New("job is no longer running")
)

// ValidationError rejects a request before any job state exists.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field string, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotReadyError is returned when results are requested for a job that has
// not completed.
type NotReadyError struct {
	JobID  string
	Status models.JobStatus
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job %s is %s, results not ready", e.JobID, e.Status)
}

// StateError rejects a control operation the job's status does not allow.
type StateError struct {
	JobID  string
	Status models.JobStatus
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Op, e.JobID, e.Status)
}

// ProviderError wraps an upstream AI API failure that exhausted its retries.
type ProviderError struct {
	Provider string
	Retries  int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed after %d retries: %v", e.Provider, e.Retries, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// TimeoutError marks a job that outlived the polling ceiling.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job timed out after %s", e.After)
}
