package services

import (
	"errors"
	"fmt"
	"strings"
)

// Item-scoped failures. They are recorded against the work item and never abort
// the surrounding loop.
var (
	ErrContextLoadTimeout   = errors.New("context load timeout")
	ErrContextUnavailable   = errors.New("context unavailable")
	ErrAgentReportedFailure = errors.New("agent reported failure")
	ErrResponseTimeout      = errors.New("agent response timeout")
)

// Operation-scoped failures surfaced to the caller immediately.
var (
	ErrLockHeld          = errors.New("lock already held")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrPersistence       = errors.New("persistence write failure")
	ErrValidation        = errors.New("validation error")
	ErrConfiguration     = errors.New("configuration error")
	ErrTransient         = errors.New("transient failure")
)

// Kind is a short classification used in structured logs and API responses.
type Kind string

const (
	KindContextLoadTimeout Kind = "context_load_timeout"
	KindContextUnavailable Kind = "context_unavailable"
	KindAgentFailure       Kind = "agent_reported_failure"
	KindResponseTimeout    Kind = "response_timeout"
	KindLockHeld           Kind = "lock_already_held"
	KindProtocolViolation  Kind = "protocol_violation"
	KindPersistence        Kind = "persistence_write_failure"
	KindValidation         Kind = "validation"
	KindConfiguration      Kind = "configuration"
	KindTransient          Kind = "transient"
)

var markerKinds = []struct {
	marker error
	kind   Kind
	hint   string
}{
	{ErrContextLoadTimeout, KindContextLoadTimeout, "target page did not become ready; check agent.ready_timeout and the target URL"},
	{ErrContextUnavailable, KindContextUnavailable, "execution context exited early; check the agent command output"},
	{ErrAgentReportedFailure, KindAgentFailure, "extraction agent rejected the task; inspect the item's reason"},
	{ErrResponseTimeout, KindResponseTimeout, "agent never replied; check agent.response_timeout"},
	{ErrLockHeld, KindLockHeld, "another exclusive operation is running; retry after it completes"},
	{ErrProtocolViolation, KindProtocolViolation, "command is not valid for the current import stage"},
	{ErrPersistence, KindPersistence, "check data directory permissions and free space"},
	{ErrValidation, KindValidation, "fix the request payload"},
	{ErrConfiguration, KindConfiguration, "check config.toml"},
	{ErrTransient, KindTransient, "retry the operation"},
}

// Error carries a marker plus the component/operation context that produced it.
type Error struct {
	Marker    error
	Component string
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	detail := buildDetail(e.Component, e.Operation, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Marker.Error(), detail, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Marker.Error(), detail)
}

// Unwrap exposes both the marker and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Marker, e.Cause}
	}
	return []error{e.Marker}
}

// Wrap builds an error that includes component context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &Error{
		Marker:    marker,
		Component: strings.TrimSpace(component),
		Operation: strings.TrimSpace(operation),
		Message:   strings.TrimSpace(message),
		Cause:     err,
	}
}

// ErrorDetails is the log-friendly decomposition of an error.
type ErrorDetails struct {
	Kind      Kind
	Operation string
	Message   string
	Hint      string
	Cause     error
}

// Details classifies err against the known markers. Unknown errors are reported
// as transient.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{Kind: KindTransient, Hint: "check logs for details", Message: strings.TrimSpace(err.Error())}
	for _, mk := range markerKinds {
		if errors.Is(err, mk.marker) {
			details.Kind = mk.kind
			details.Hint = mk.hint
			break
		}
	}
	var svcErr *Error
	if errors.As(err, &svcErr) {
		details.Operation = svcErr.Operation
		if svcErr.Message != "" {
			details.Message = svcErr.Message
		}
		details.Cause = svcErr.Cause
	}
	return details
}

// KindOf returns the classification of err.
func KindOf(err error) Kind {
	return Details(err).Kind
}

// IsItemScoped reports whether err should be recorded against a work item
// rather than surfaced to the caller.
func IsItemScoped(err error) bool {
	return errors.Is(err, ErrContextLoadTimeout) ||
		errors.Is(err, ErrContextUnavailable) ||
		errors.Is(err, ErrAgentReportedFailure) ||
		errors.Is(err, ErrResponseTimeout)
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
