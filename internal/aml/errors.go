package aml

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation               = errors.New("transaction validation failed")
	ErrDegradedFeature          = errors.New("history unavailable")
	ErrScorerUnavailable        = errors.New("scorer unavailable")
	ErrNetworkStale             = errors.New("network snapshot stale")
	ErrDuplicateAlertSuppressed = errors.New("duplicate alert suppressed")
	ErrNotFound                 = errors.New("not found")
	ErrInvalidTransition        = errors.New("invalid alert transition")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationError rejects a malformed input record before scoring.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(msgs, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DegradedFeatureError records that neutral defaults replaced missing history.
type DegradedFeatureError struct {
	AccountID string
	Err       error
}

func (e *DegradedFeatureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s for account %s", ErrDegradedFeature, e.AccountID)
	}
	return fmt.Sprintf("%s for account %s: %v", ErrDegradedFeature, e.AccountID, e.Err)
}

func (e *DegradedFeatureError) Is(target error) bool { return target == ErrDegradedFeature }
func (e *DegradedFeatureError) Unwrap() error        { return e.Err }

// ScorerUnavailableError records a scorer dropped from the ensemble.
type ScorerUnavailableError struct {
	Scorer string
	Reason string
	Err    error
}

func (e *ScorerUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("scorer %s unavailable: %s", e.Scorer, e.Reason)
	}
	return fmt.Sprintf("scorer %s unavailable: %s: %v", e.Scorer, e.Reason, e.Err)
}

func (e *ScorerUnavailableError) Is(target error) bool { return target == ErrScorerUnavailable }
func (e *ScorerUnavailableError) Unwrap() error        { return e.Err }

// NetworkStaleError records that the suspicion snapshot exceeded its ceiling.
type NetworkStaleError struct {
	Age     time.Duration
	Ceiling time.Duration
}

func (e *NetworkStaleError) Error() string {
	return fmt.Sprintf("%s: age %s exceeds %s", ErrNetworkStale, e.Age.Round(time.Second), e.Ceiling)
}

func (e *NetworkStaleError) Is(target error) bool { return target == ErrNetworkStale }
