package storage

import "fmt"

// NotFoundError is returned when no record exists for an identifier.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return "chat not found"
	}

	return fmt.Sprintf("chat '%s' not found", e.ID)
}

// ConflictError is returned by Create when the identifier is already taken.
type ConflictError struct {
	ID string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("chat '%s' already exists", e.ID)
}

// InvalidIDError is returned when an identifier fails validation.
type InvalidIDError struct {
	ID  string
	Err error
}

func (e InvalidIDError) Error() string {
	return e.Err.Error()
}

func (e InvalidIDError) Unwrap() error {
	return e.Err
}

// CorruptRecordError is returned when a stored record cannot be decoded or
// fails validation.
type CorruptRecordError struct {
	ID  string
	Err error
}

func (e CorruptRecordError) Error() string {
	return fmt.Sprintf("chat '%s' is corrupt: %v", e.ID, e.Err)
}

func (e CorruptRecordError) Unwrap() error {
	return e.Err
}
