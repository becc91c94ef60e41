package models

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// ValidationError is one rejected input field. Field uses the snake_case
// name callers see in flags and JSON.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (v ValidationError) Error() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// ValidationErrors collects every problem with an input so the caller can
// fix them in one pass. It matches ErrValidation and each recorded cause
// under errors.Is.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Add records err against field. Nested ValidationErrors are flattened
// with dotted field paths.
func (v *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}
	var nested *ValidationErrors
	if !errors.As(err, &nested) {
		v.Errors = append(v.Errors, ValidationError{Field: field, Message: err.Error(), Cause: err})
		return
	}
	for _, sub := range nested.Errors {
		sub.Field = strings.Trim(field+"."+sub.Field, ".")
		v.Errors = append(v.Errors, sub)
	}
}

// AddMessage records a plain message against field. Empty messages are
// ignored.
func (v *ValidationErrors) AddMessage(field, message string) {
	if message != "" {
		v.Errors = append(v.Errors, ValidationError{Field: field, Message: message})
	}
}

// Err returns v as an error, or nil when nothing was recorded.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	if v == nil || len(v.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func (v *ValidationErrors) Is(target error) bool {
	return v != nil && target == ErrValidation
}

// Unwrap exposes the recorded causes to errors.Is and errors.As.
func (v *ValidationErrors) Unwrap() []error {
	if v == nil {
		return nil
	}
	var causes []error
	for _, e := range v.Errors {
		if e.Cause != nil {
			causes = append(causes, e.Cause)
		}
	}
	return causes
}

// FromValidator turns go-playground/validator failures into
// ValidationErrors. Other errors pass through unchanged.
func FromValidator(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	validation := &ValidationErrors{}
	for _, fe := range fieldErrs {
		validation.AddMessage(snakeCase(fe.Field()), describeTag(fe))
	}
	return validation.Err()
}

func describeTag(fe validator.FieldError) string {
	param := fe.Param()
	switch fe.Tag() {
	case "required", "required_unless":
		return "is required"
	case "maxbytes":
		return "is too large"
	case "max":
		return "must be at most " + param + " characters"
	case "min":
		return "must be at least " + param
	case "gt":
		return "must be greater than " + param
	case "oneof":
		return "must be one of: " + strings.Join(strings.Fields(param), ", ")
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

// snakeCase maps Go field names to the names used on the wire:
// FilePath -> file_path, RequestID -> request_id.
func snakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || (nextLower && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
