package token

import "errors"

// Public, stable errors for callers.
var (
	ErrTooShort     = errors.New("token entropy below minimum")
	ErrNoFreshToken = errors.New("token generator returned the previous value")
)
