// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the caller may not touch the entity (e.g.
	// editing someone else's message).
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyExists indicates a unique constraint violation (e.g. email taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates the per-connection command budget is spent.
	ErrRateLimited = errors.New("rate limited")
)
