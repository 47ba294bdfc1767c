package domain

import "errors"

var (
	// ErrTokenCollision is returned by storage when a token value is already taken.
	ErrTokenCollision = errors.New("token value already issued")

	// ErrConflict is returned by conditional updates whose guard no longer holds.
	ErrConflict = errors.New("state changed concurrently")
)
