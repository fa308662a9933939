package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSymbol(t *testing.T) {
	valid := []string{"A", "AMD", "BRK-B", "RELIANCE", "M-M", "BAJAJ-AUTO", "B2B"}
	for _, s := range valid {
		assert.True(t, IsSymbol(s), "expected %q to be valid", s)
	}

	invalid := []string{
		"",
		"amd",
		"3M",
		"-A",
		"A B",
		"A/B",
		"A.B",
		"../ETC",
		strings.Repeat("A", 21),
	}
	for _, s := range invalid {
		assert.False(t, IsSymbol(s), "expected %q to be invalid", s)
	}
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "RELIANCE", NormalizeSymbol("  reliance "))
	assert.Equal(t, "BRK-B", NormalizeSymbol("brk-b"))
	assert.Equal(t, "BAJAJAUTO", NormalizeSymbol("bajaj auto"))
	// Normalize does not validate; garbage stays garbage.
	assert.Equal(t, "3M", NormalizeSymbol("3m"))
}

func TestIsArtifactID(t *testing.T) {
	assert.True(t, IsArtifactID("p1"))
	assert.True(t, IsArtifactID("4f2c9b1e-07ab-4a41-9c3e-8a1d2f3b4c5d"))

	for _, id := range []string{
		"",
		"../escape",
		"a/b",
		`a\b`,
		".hidden",
		"id.json",
		"id with space",
		strings.Repeat("a", 65),
	} {
		assert.False(t, IsArtifactID(id), "expected %q to be rejected", id)
	}
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "hello", SanitizeInput("  hello\x00  "))
	assert.Equal(t, "", SanitizeInput("\x00\x00"))

	long := strings.Repeat("x", maxInputLen+500)
	assert.Len(t, SanitizeInput(long), maxInputLen)
}

func TestValidatorAccumulates(t *testing.T) {
	v := NewValidator()
	v.Required("approved_by", "  ")
	v.MaxLength("notes", strings.Repeat("n", 10), 5)
	v.Symbol("symbol", "amd")

	require.True(t, v.HasErrors())
	errs := v.Errors()
	require.Len(t, errs, 3)
	assert.Equal(t, "approved_by", errs[0].Field)
	assert.Contains(t, errs.Error(), "validation errors:")
}

func TestValidatorCleanPass(t *testing.T) {
	v := NewValidator()
	v.Required("approved_by", "ops@desk")
	v.MaxLength("notes", "fine", 2000)
	v.Symbol("symbol", "BRK-B")

	assert.False(t, v.HasErrors())
	assert.Empty(t, v.Errors().Error())
}

func TestSingleErrorMessage(t *testing.T) {
	v := NewValidator()
	v.Required("approved_by", "")

	require.True(t, v.HasErrors())
	assert.Equal(t, "approved_by: is required", v.Errors().Error())
}
