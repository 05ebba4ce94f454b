package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/manchtools/step-provision/internal/executor"
	"github.com/manchtools/step-provision/internal/validate"
)

// Category groups failures the way an operator reads them.
type Category string

const (
	CategoryNotFound         Category = "not found"
	CategoryPermissionDenied Category = "permission denied"
	CategoryTimeout          Category = "timeout"
	CategoryToolFailure      Category = "step reported failure"
	CategoryMalformedOutput  Category = "malformed output"
	CategoryInvalidRequest   Category = "invalid request"
	CategoryLocked           Category = "locked"
	CategoryInternal         Category = "error"
)

// Categorize returns the category of err.
func Categorize(err error) Category {
	var (
		unsupported *UnsupportedTypeError
		malformed   *MalformedOutputError
	)
	switch {
	case errors.Is(err, ErrLocked):
		return CategoryLocked
	case errors.Is(err, validate.ErrInvalid), errors.As(err, &unsupported):
		return CategoryInvalidRequest
	case errors.As(err, &malformed):
		return CategoryMalformedOutput
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, fs.ErrPermission):
		return CategoryPermissionDenied
	}

	switch executor.KindOf(err) {
	case executor.KindUserNotFound, executor.KindCommandNotFound:
		return CategoryNotFound
	case executor.KindUserSwitchDenied:
		return CategoryPermissionDenied
	case executor.KindTimeout:
		return CategoryTimeout
	case executor.KindNonZeroExit:
		return CategoryToolFailure
	}
	return CategoryInternal
}

// Describe renders err as the single message shown to an operator,
// including sanitized step output where there is any.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	detail := err.Error()
	switch executor.KindOf(err) {
	case executor.KindNonZeroExit, executor.KindTimeout:
		detail = executor.FormatError(err)
	}
	return fmt.Sprintf("%s: %s", Categorize(err), detail)
}
