package autofix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveops/hive/internal/types"
)

func TestParseLinterOutput(t *testing.T) {
	output := `
app/handlers.py:10:1: F401 'os' imported but unused
app/handlers.py:42:80: E501 line too long (92 > 79 characters)
app/auth.py:7:1: S105 hardcoded password string
`
	errors := ParseErrors(output)
	require.Len(t, errors, 3)

	assert.Equal(t, "app/handlers.py", errors[0].FilePath)
	assert.Equal(t, 10, errors[0].Line)
	assert.Equal(t, "F401", errors[0].ErrorCode)
	assert.True(t, errors[0].AutoFixable)

	assert.Equal(t, "E501", errors[1].ErrorCode)
	assert.True(t, errors[1].AutoFixable)

	// Security findings are never auto-fixable.
	assert.Equal(t, types.SeverityCritical, errors[2].Severity)
	assert.False(t, errors[2].AutoFixable)
}

func TestParseTypeCheckerOutput(t *testing.T) {
	output := `
app/models.py:15: error: Function is missing a type annotation [no-untyped-def]
app/models.py:33: error: Incompatible return value type [return-value]
`
	errors := ParseErrors(output)
	require.Len(t, errors, 2)

	assert.Equal(t, "no-untyped-def", errors[0].ErrorCode)
	assert.True(t, errors[0].AutoFixable)

	assert.Equal(t, "return-value", errors[1].ErrorCode)
	assert.False(t, errors[1].AutoFixable, "real type mismatches need a human")
}

func TestParseTestRunnerOutput(t *testing.T) {
	output := `
FAILED tests/test_auth.py::test_login - AssertionError: expected 200
tests/test_auth.py:88: assert response.status_code == 200
`
	errors := ParseErrors(output)
	require.Len(t, errors, 2)
	for _, e := range errors {
		assert.Equal(t, "test-failure", e.ErrorCode)
		assert.False(t, e.AutoFixable)
	}
	assert.Equal(t, 88, errors[1].Line)
}

func TestParseErrorsDeduplicates(t *testing.T) {
	line := "app/x.py:1:1: F401 'os' imported but unused"
	errors := ParseErrors(line + "\n" + line)
	assert.Len(t, errors, 1)
}

func TestParseErrorsIgnoresNoise(t *testing.T) {
	errors := ParseErrors("collected 42 items\n\nall checks passed\n")
	assert.Empty(t, errors)
}

func TestFilterAutoFixable(t *testing.T) {
	input := []types.ParsedError{
		{ErrorCode: "F401", AutoFixable: true},
		{ErrorCode: "test-failure", AutoFixable: false},
	}
	fixable := FilterAutoFixable(input)
	require.Len(t, fixable, 1)
	assert.Equal(t, "F401", fixable[0].ErrorCode)
}
