// Package validate wraps go-playground/validator with the custom tags used
// by step-provision and renders failures as one readable error.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
)

// ErrInvalid is wrapped by every error Struct returns for a failed rule.
var ErrInvalid = errors.New("validation failed")

// validate is the shared validator instance.
var validate *validator.Validate

// provisionerNamePattern matches the names step accepts without quoting
// surprises: no leading dash, no whitespace or control characters.
var provisionerNamePattern = regexp.MustCompile(`^[^-\s][^\s]*$`)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their json name so messages match flags and config keys.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return toSnakeCase(f.Name)
		}
		return name
	})

	validate.RegisterValidation("ulid", validateULID)
	validate.RegisterValidation("stepduration", validateStepDuration)
	validate.RegisterValidation("provname", validateProvisionerName)
}

// validateULID validates that a string is a valid ULID.
func validateULID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // Let 'required' handle empty values
	}
	_, err := ulid.Parse(value)
	return err == nil
}

// validateStepDuration accepts the duration syntax step uses for
// certificate lifetimes (Go durations such as "24h" or "90m").
func validateStepDuration(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	d, err := time.ParseDuration(value)
	return err == nil && d > 0
}

func validateProvisionerName(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return provisionerNamePattern.MatchString(value)
}

// Struct validates a struct using the go-playground validator.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return formatValidationErrors(validationErrors)
		}
		return err
	}
	return nil
}

// Var validates a single value against a tag expression.
func Var(field string, value any, tag string) error {
	if err := validate.Var(value, tag); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			messages := make([]string, 0, len(validationErrors))
			for _, e := range validationErrors {
				messages = append(messages, formatTag(field, e))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(messages, "; "))
		}
		return err
	}
	return nil
}

// formatValidationErrors formats validation errors into a human-readable error.
func formatValidationErrors(errs validator.ValidationErrors) error {
	var messages []string
	for _, e := range errs {
		messages = append(messages, formatTag(e.Field(), e))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(messages, "; "))
}

// formatTag formats a single field error into a human-readable message.
func formatTag(field string, e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return fmt.Sprintf("%s is required when %s is not set", field, toSnakeCase(e.Param()))
	case "ulid":
		return fmt.Sprintf("%s must be a valid ULID", field)
	case "stepduration":
		return fmt.Sprintf("%s must be a positive duration such as 24h or 90m", field)
	case "provname":
		return fmt.Sprintf("%s must not start with '-' or contain whitespace", field)
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "hexadecimal":
		return fmt.Sprintf("%s must be hexadecimal", field)
	case "len":
		return fmt.Sprintf("%s must be %s characters long", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}

// toSnakeCase converts a PascalCase or camelCase string to snake_case.
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			result.WriteByte('_')
		}
		if r >= 'A' && r <= 'Z' {
			result.WriteRune(r + 32) // Convert to lowercase
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
