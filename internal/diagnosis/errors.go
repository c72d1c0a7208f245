package diagnosis

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("modality call timed out")
	ErrOrchestration      = errors.New("orchestration failed")
	ErrFusion             = errors.New("fusion failed")
	ErrSessionNotFound    = errors.New("session not found")
)

// ValidationError reports bad caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// ServiceUnavailableError means the registry had no usable client for a modality.
type ServiceUnavailableError struct {
	Modality Modality
}

func (e ServiceUnavailableError) Error() string {
	return fmt.Sprintf("no available service for modality %s", e.Modality)
}

func (e ServiceUnavailableError) Is(target error) bool { return target == ErrServiceUnavailable }

// TimeoutError is recorded when a single modality call exceeds its deadline.
type TimeoutError struct {
	Modality Modality
	After    time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("modality %s timed out after %s", e.Modality, e.After)
}

func (e TimeoutError) Is(target error) bool { return target == ErrTimeout }

// OrchestrationError signals a broken internal invariant; the session is aborted.
type OrchestrationError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e OrchestrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orchestration of session %s: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("orchestration of session %s: %s", e.SessionID, e.Reason)
}

func (e OrchestrationError) Is(target error) bool { return target == ErrOrchestration }

func (e OrchestrationError) Unwrap() error { return e.Err }

// FusionError is returned when fusion cannot produce a result.
type FusionError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e FusionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fusion of session %s: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("fusion of session %s: %s", e.SessionID, e.Reason)
}

func (e FusionError) Is(target error) bool { return target == ErrFusion }

func (e FusionError) Unwrap() error { return e.Err }
