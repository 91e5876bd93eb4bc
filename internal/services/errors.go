package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")

	// Provider and pipeline failure kinds. Each one ends a segment in the
	// failed state with its reservation refunded.
	ErrProviderRejected   = errors.New("provider rejected")
	ErrProviderTimeout    = errors.New("provider timeout")
	ErrProviderFailed     = errors.New("provider failed")
	ErrExtractionFailed   = errors.New("frame extraction failed")
	ErrChainBlocked       = errors.New("chain blocked")
	ErrInvariantViolation = errors.New("invariant violation")
)

var markers = []error{
	ErrProviderRejected,
	ErrProviderTimeout,
	ErrProviderFailed,
	ErrExtractionFailed,
	ErrChainBlocked,
	ErrInvariantViolation,
	ErrValidation,
	ErrConfiguration,
	ErrNotFound,
	ErrTransient,
}

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ErrorDetails is the structured view of an error used for log attributes.
type ErrorDetails struct {
	Kind    string
	Message string
	Cause   string
}

// Details classifies err against the known markers.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Kind: "unknown", Message: err.Error()}
	for _, marker := range markers {
		if errors.Is(err, marker) {
			details.Kind = marker.Error()
			details.Message = strings.TrimPrefix(err.Error(), marker.Error()+": ")
			break
		}
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		if wrapped := multi.Unwrap(); len(wrapped) > 1 {
			details.Cause = wrapped[len(wrapped)-1].Error()
		}
	}
	return details
}

// IsTransient reports whether err should be retried rather than persisted as a
// segment failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, marker := range markers {
		if marker == ErrTransient {
			continue
		}
		if errors.Is(err, marker) {
			return false
		}
	}
	return true
}

// FailureMessage renders err as the user-facing segment error message.
func FailureMessage(err error) string {
	if err == nil {
		return ""
	}
	details := Details(err)
	if details.Kind == "unknown" {
		return details.Message
	}
	return details.Kind + ": " + details.Message
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
