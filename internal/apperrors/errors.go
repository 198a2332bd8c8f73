// Package apperrors holds the typed failures surfaced by the workflow engine.
// Callers match them with errors.Is; every returned error wraps exactly one kind.
package apperrors

import (
	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInactive          = errors.New("pipeline inactive")
	ErrNotTracked        = errors.New("entity not tracked")
	ErrAlreadyTracked    = errors.New("entity already tracked")
	ErrUnknownTransition = errors.New("unknown transition")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("concurrent transition conflict")
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
	ErrValidation        = errors.New("validation failed")
)

var kinds = []error{
	ErrNotFound,
	ErrInactive,
	ErrNotTracked,
	ErrAlreadyTracked,
	ErrUnknownTransition,
	ErrIllegalTransition,
	ErrForbidden,
	ErrConflict,
	ErrInvalidDefinition,
	ErrValidation,
}

// Kind returns the sentinel wrapped by err, or nil for infrastructure failures.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Wrapf annotates kind with a formatted message.
func Wrapf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}

var codes = map[error]string{
	ErrNotFound:          "not_found",
	ErrInactive:          "inactive",
	ErrNotTracked:        "not_tracked",
	ErrAlreadyTracked:    "already_tracked",
	ErrUnknownTransition: "unknown_transition",
	ErrIllegalTransition: "illegal_transition",
	ErrForbidden:         "forbidden",
	ErrConflict:          "conflict",
	ErrInvalidDefinition: "invalid_definition",
	ErrValidation:        "validation",
}

// Code returns a stable snake_case name for the kind of err, "internal" for
// infrastructure failures and "ok" for nil.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	if code, ok := codes[Kind(err)]; ok {
		return code
	}
	return "internal"
}
