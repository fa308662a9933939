// Package validation carries the input checks shared by the governance
// pipeline, configuration loading, and the operator CLI. Anything that
// crosses a trust boundary (a symbol from a config file, a proposal ID
// from a URL or command line, free-text notes from an operator) is
// checked here so every surface enforces the same rules.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxSymbolLen = 20
	maxIDLen     = 64
	maxInputLen  = 10000
)

// symbolPattern admits exchange-style tickers: uppercase, leading
// letter, digits and dashes allowed after (AMD, BRK-B, M-M).
var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9-]*$`)

// idPattern admits artifact IDs that are safe to embed in a filesystem
// path: alphanumeric plus dashes, nothing that could traverse.
var idPattern = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z-]*$`)

// ValidationError is one failed check on one field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every failed check so the caller sees all
// problems at once instead of fixing them one resubmit at a time.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// HasErrors returns true if any check failed.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator accumulates checks across fields.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// AddError records a failed check.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Errors returns everything recorded so far.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

// HasErrors returns true if any check failed.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Required checks that a string is not blank.
func (v *Validator) Required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "is required")
	}
}

// MaxLength checks an upper bound on string length.
func (v *Validator) MaxLength(field, value string, max int) {
	if len(value) > max {
		v.AddError(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

// Symbol checks ticker format.
func (v *Validator) Symbol(field, value string) {
	if !IsSymbol(value) {
		v.AddError(field, fmt.Sprintf("%q is not a valid symbol", value))
	}
}

// IsSymbol reports whether s is a well-formed ticker.
func IsSymbol(s string) bool {
	return len(s) <= maxSymbolLen && symbolPattern.MatchString(s)
}

// NormalizeSymbol uppercases and strips whitespace so operator-typed
// symbols compare equal to stored ones. It does not validate.
func NormalizeSymbol(s string) string {
	s = strings.TrimSpace(strings.ToUpper(s))
	return strings.ReplaceAll(s, " ", "")
}

// IsArtifactID reports whether id may be used as a single path segment
// under a scope's persistence root. UUIDs pass; anything carrying a
// separator or dot does not.
func IsArtifactID(id string) bool {
	return id != "" && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// SanitizeInput strips NUL bytes, trims whitespace, and caps length.
// Free-text operator input passes through here before it lands in an
// artifact on disk.
func SanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > maxInputLen {
		input = input[:maxInputLen]
	}
	return input
}
