package account

import (
	"github.com/pkg/errors"
)

var (
	// ErrAccountNotFound is returned when an operation names an unknown account
	ErrAccountNotFound = errors.New("merkle account not found")

	// ErrAccountExists is returned when initializing an id that is already taken
	ErrAccountExists = errors.New("merkle account already exists")

	// ErrUnauthorized is returned when the caller is not the account's authority
	ErrUnauthorized = errors.New("caller is not the account authority")

	// ErrInvalidAccount is returned for malformed initialize parameters
	ErrInvalidAccount = errors.New("invalid merkle account parameters")
)
