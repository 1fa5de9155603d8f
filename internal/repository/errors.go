package repository

import "errors"

// Common repository errors that can be checked with errors.Is()
var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrInvalidEntity is returned when an entity fails validation
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrNoneAvailable is returned when a claim finds no free row
	ErrNoneAvailable = errors.New("no available entity")

	// ErrUnsupportedDialect is returned for database drivers other than sqlite and mysql
	ErrUnsupportedDialect = errors.New("unsupported database dialect")
)
