package audit

import "errors"

var (
	// ErrValidation indicates a malformed append input.
	ErrValidation = errors.New("validation")

	// ErrNotFound indicates the requested entry does not exist.
	ErrNotFound = errors.New("entry not found")

	// ErrPersistence indicates a failed read or write against the chain
	// store. Appends are never partially applied: either the entry is
	// committed with a correct hash or not committed at all.
	ErrPersistence = errors.New("persistence")

	// ErrIntegrity indicates the verifier found a chain mismatch. It is
	// surfaced as an incident and never auto-corrected.
	ErrIntegrity = errors.New("integrity violation")
)
