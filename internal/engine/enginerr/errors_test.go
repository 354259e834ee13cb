package enginerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal_KeywordPatterns(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		terminal bool
	}{
		{"not found", errors.New("resource not found"), true},
		{"forbidden", errors.New("403 Forbidden"), true},
		{"unauthorized", errors.New("request unauthorized: bad token"), true},
		{"mixed case", errors.New("NOT FOUND"), true},
		{"timeout", errors.New("connection timeout"), false},
		{"generic", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, IsTerminal(tt.err))
		})
	}
}

func TestIsTerminal_Types(t *testing.T) {
	assert.True(t, IsTerminal(NewCancellation("user request")))
	assert.True(t, IsTerminal(NewConfiguration("n1", "executor not found for node type %q", "mystery")))

	executor := &ExecutorError{NodeID: "n1", Err: errors.New("upstream 500")}
	assert.False(t, IsTerminal(executor))

	infra := &TransientInfraError{Op: "http call", Err: errors.New("dial tcp: i/o timeout")}
	assert.False(t, IsTerminal(infra))
}

func TestIsTerminal_Wrapped(t *testing.T) {
	inner := NewCancellation("")
	wrapped := fmt.Errorf("run aborted: %w", inner)
	assert.True(t, IsTerminal(wrapped))
	assert.True(t, IsCancellation(wrapped))
}

func TestExecutorError_UnwrapsTerminalMessage(t *testing.T) {
	err := &ExecutorError{NodeID: "fetch", Err: errors.New("user forbidden")}
	assert.True(t, IsTerminal(err))
}

func TestValidationError(t *testing.T) {
	err := NewValidation("duplicate node id %q", "a")
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(errors.New("other")))
	assert.Contains(t, err.Error(), `duplicate node id "a"`)
}

func TestCancellationError_Message(t *testing.T) {
	assert.Equal(t, "execution cancelled", NewCancellation("").Error())
	assert.Equal(t, "execution cancelled: operator stop", NewCancellation("operator stop").Error())
}
