package enginerr

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports a malformed workflow definition. It is surfaced
// before any node runs and before an execution record is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports an unknown node type or invalid node config.
// It surfaces as a node failure when the node is reached, never at
// graph-validation time.
type ConfigurationError struct {
	NodeID string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Reason)
	}
	return e.Reason
}

func NewConfiguration(nodeID, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{NodeID: nodeID, Reason: fmt.Sprintf(format, args...)}
}

// ExecutorError is a domain failure inside a node. Retryable unless its
// message matches a terminal pattern.
type ExecutorError struct {
	NodeID string
	Err    error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// TransientInfraError is a network or timeout failure around a node call.
// Always retryable.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error {
	return e.Err
}

// CancellationError is a user-initiated abort. Never retried; the run
// finalizes FAILED with this message.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "execution cancelled"
	}
	return fmt.Sprintf("execution cancelled: %s", e.Reason)
}

func NewCancellation(reason string) *CancellationError {
	return &CancellationError{Reason: reason}
}

// Failures whose message matches one of these are terminal regardless of
// their type.
var terminalPatterns = []string{"not found", "forbidden", "unauthorized"}

// IsTerminal reports whether a node failure must not be retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}

	var cancel *CancellationError
	if errors.As(err, &cancel) {
		return true
	}
	var config *ConfigurationError
	if errors.As(err, &config) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range terminalPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsCancellation reports whether the failure came from a cancelled run.
func IsCancellation(err error) bool {
	var cancel *CancellationError
	return errors.As(err, &cancel)
}

// IsValidation reports whether the error is a definition validation
// failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
