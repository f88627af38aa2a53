// Package validation provides field-level request validation shared by
// the gateway API handlers.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxCollectionNameLength bounds collection names.
const MaxCollectionNameLength = 64

// MaxFieldNameLength bounds document field names.
const MaxFieldNameLength = 128

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateCollectionName returns an error unless the value is a
// non-empty slug of letters, digits, hyphens and underscores.
func ValidateCollectionName(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateMaxLength(field, value, MaxCollectionNameLength); err != nil {
		return err
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_':
		default:
			return &ValidationError{
				Field:   field,
				Message: "must contain only letters, digits, hyphens and underscores",
			}
		}
	}
	return nil
}

// ValidateFieldNames checks every field name in a document payload.
func ValidateFieldNames(fields map[string]any) []ValidationError {
	var c Collector
	for name := range fields {
		c.Add(ValidateRequired("fields", name))
		c.Add(ValidateUTF8("fields."+name, name))
		c.Add(ValidateNoNullBytes("fields."+name, name))
		c.Add(ValidateMaxLength("fields."+name, name, MaxFieldNameLength))
	}
	return c.Errors()
}
