package security

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeverity_StepIsSaturating(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityLow.Up())
	assert.Equal(t, SeverityCritical, SeverityCritical.Up())
	assert.Equal(t, SeverityLow, SeverityLow.Down())
	assert.Equal(t, SeverityHigh, SeverityCritical.Down())
	assert.Equal(t, Severity("bogus"), Severity("bogus").Up())
}

func TestEnums_Validity(t *testing.T) {
	assert.True(t, EventPermissionDenied.Valid())
	assert.False(t, EventType("nope").Valid())
	assert.True(t, ActionEventReopened.Valid())
	assert.True(t, ActivityTimeAnomaly.Valid())
	assert.False(t, InvestigationStatus("done").Valid())
	assert.Len(t, eventTypes, 24)
}

func TestValidationError_Unwraps(t *testing.T) {
	err := fmt.Errorf("log: %w", Invalid("severity", "unknown level"))
	assert.True(t, IsValidation(err))
	assert.False(t, IsValidation(errors.New("x")))
	assert.Contains(t, err.Error(), "invalid severity")
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "ab", Truncate("ab", 5))
	assert.Equal(t, "a", Truncate("aé", 2))
}
