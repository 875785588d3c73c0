package engine

import (
	"errors"
	"fmt"

	"dealflow/internal/repo"
)

// ErrConflict classifies errors caused by the current state of stored data
// rather than by the request itself.
var ErrConflict = errors.New("conflict")

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DependencyError is returned when deleting an entity that deals still reference.
type DependencyError struct {
	Entity     string
	ID         string
	Dependents int
}

func (e DependencyError) Error() string {
	return fmt.Sprintf("%s %s has %d dependent deal(s)", e.Entity, e.ID, e.Dependents)
}

func (e DependencyError) Is(target error) bool { return target == ErrConflict }

// InvariantError reports stored state that makes an operation impossible.
type InvariantError struct {
	Message string
}

func (e InvariantError) Error() string { return e.Message }

func (e InvariantError) Is(target error) bool { return target == ErrConflict }

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
}

// lookup names the missing entity when err is a bare repo.ErrNotFound.
func lookup(err error, kind, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(kind, id)
	}
	return err
}
