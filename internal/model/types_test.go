package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAttemptStatus_String verifies that AttemptStatus values produce
// the expected string representations for CLI output and JSON serialization.
func TestAttemptStatus_String(t *testing.T) {
	tests := []struct {
		status   AttemptStatus
		expected string
	}{
		{StatusActive, "active"},
		{StatusCompleted, "completed"},
		{StatusDeleted, "deleted"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

// TestParseAttemptStatus verifies string-to-status conversion,
// including case normalization and error cases.
func TestParseAttemptStatus(t *testing.T) {
	tests := []struct {
		input    string
		expected AttemptStatus
		hasError bool
	}{
		{"active", StatusActive, false},
		{"completed", StatusCompleted, false},
		{"deleted", StatusDeleted, false},
		{"Active", StatusActive, false},       // case insensitive
		{"COMPLETED", StatusCompleted, false}, // case insensitive
		{"running", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseAttemptStatus(tt.input)
			if tt.hasError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

func TestPortSet(t *testing.T) {
	s := NewPortSet(3000, 1024)
	s.Add(5432)

	assert.True(t, s.Contains(3000))
	assert.False(t, s.Contains(8080))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []int{1024, 3000, 5432}, s.Sorted())

	s.Union(NewPortSet(8080, 3000))
	assert.Equal(t, []int{1024, 3000, 5432, 8080}, s.Sorted())

	// A nil set is a readable empty set.
	var empty PortSet
	assert.False(t, empty.Contains(3000))
	assert.Empty(t, empty.Sorted())
}

// TestPortMap_Validate checks the allocatable range and key syntax.
func TestPortMap_Validate(t *testing.T) {
	tests := []struct {
		name     string
		ports    PortMap
		hasError bool
	}{
		{"valid", PortMap{"WEB_PORT": 3000, "DB_PORT": 65535}, false},
		{"lower bound", PortMap{"PORT": 1024}, false},
		{"below range", PortMap{"PORT": 80}, true},
		{"above range", PortMap{"PORT": 70000}, true},
		{"empty key", PortMap{"": 3000}, true},
		{"invalid key", PortMap{"WEB-PORT": 3000}, true},
		{"empty map", PortMap{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ports.Validate()
			if tt.hasError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPortMap_KeysAndPorts(t *testing.T) {
	m := PortMap{"WEB_PORT": 3000, "API_PORT": 4000}
	assert.Equal(t, []string{"API_PORT", "WEB_PORT"}, m.Keys())
	assert.Equal(t, []int{3000, 4000}, m.Ports().Sorted())
}

// TestEncodeAssignedPorts verifies the persisted text form of the
// assigned_ports column.
func TestEncodeAssignedPorts(t *testing.T) {
	t.Run("empty map encodes to nil", func(t *testing.T) {
		raw, err := EncodeAssignedPorts(PortMap{})
		require.NoError(t, err)
		assert.Nil(t, raw)

		raw, err = EncodeAssignedPorts(nil)
		require.NoError(t, err)
		assert.Nil(t, raw)
	})

	t.Run("flat json object with sorted keys", func(t *testing.T) {
		raw, err := EncodeAssignedPorts(PortMap{"WEB_PORT": 3000, "API_PORT": 4000})
		require.NoError(t, err)
		require.NotNil(t, raw)
		assert.Equal(t, `{"API_PORT":4000,"WEB_PORT":3000}`, *raw)
	})

	t.Run("invalid map is rejected", func(t *testing.T) {
		_, err := EncodeAssignedPorts(PortMap{"PORT": 22})
		assert.Error(t, err)
	})
}

func TestDecodeAssignedPorts(t *testing.T) {
	str := func(s string) *string { return &s }

	tests := []struct {
		name     string
		raw      *string
		want     PortMap
		hasError bool
	}{
		{"nil", nil, nil, false},
		{"empty text", str(""), nil, false},
		{"json null", str("null"), nil, false},
		{"empty object", str("{}"), nil, false},
		{"object", str(`{"WEB_PORT": 3000}`), PortMap{"WEB_PORT": 3000}, false},
		{"garbage", str("not json"), nil, true},
		{"string values", str(`{"WEB_PORT": "3000"}`), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAssignedPorts(tt.raw)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProject_ReleaseOnCompletion(t *testing.T) {
	enabled, disabled := true, false

	assert.True(t, (&Project{}).ReleaseOnCompletion(), "nil flag is treated as enabled")
	assert.True(t, (&Project{ReleasePortsOnCompletion: &enabled}).ReleaseOnCompletion())
	assert.False(t, (&Project{ReleasePortsOnCompletion: &disabled}).ReleaseOnCompletion())
}

func TestAttempt_IsActive(t *testing.T) {
	ports := `{"WEB_PORT":3000}`

	tests := []struct {
		name    string
		attempt Attempt
		want    bool
	}{
		{"active with ports", Attempt{Status: StatusActive, AssignedPorts: &ports}, true},
		{"completed but not released", Attempt{Status: StatusCompleted, AssignedPorts: &ports}, true},
		{"released", Attempt{Status: StatusActive}, false},
		{"deleted", Attempt{Status: StatusDeleted, AssignedPorts: &ports}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attempt.IsActive())
		})
	}
}

func TestValidateAttemptID(t *testing.T) {
	assert.NoError(t, ValidateAttemptID("4f0c7a52-8a55-4a67-9a3c-0a8f1c2d3e4f"))
	assert.NoError(t, ValidateAttemptID("attempt_1"))
	assert.Error(t, ValidateAttemptID(""))
	assert.Error(t, ValidateAttemptID("../etc"))
	assert.Error(t, ValidateAttemptID("a b"))
}

// TestCLIError verifies the custom error type used for exit code mapping.
func TestCLIError(t *testing.T) {
	t.Run("simple error", func(t *testing.T) {
		err := NewCLIError(ExitLedgerError, "state file is corrupt")
		assert.Equal(t, ExitLedgerError, err.Code)
		assert.Equal(t, "state file is corrupt", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("wrapped error", func(t *testing.T) {
		inner := errors.New("permission denied")
		err := WrapCLIError(ExitTemplateUnreadable, "cannot read template", inner)
		assert.Contains(t, err.Error(), "permission denied")
		assert.True(t, errors.Is(err, inner))
	})
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ExitCode
	}{
		{"nil", nil, ExitSuccess},
		{"exhausted", fmt.Errorf("render: %w", ErrAllocationExhausted), ExitPortAllocationFailed},
		{"unreadable", fmt.Errorf("read: %w", ErrTemplateUnreadable), ExitTemplateUnreadable},
		{"not found", fmt.Errorf("get: %w", ErrAttemptNotFound), ExitAttemptNotFound},
		{"cli error wins", WrapCLIError(ExitGitError, "git failed", ErrAttemptNotFound), ExitGitError},
		{"generic", errors.New("boom"), ExitGeneralError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}
