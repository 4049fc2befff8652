package auth

import "errors"

// Sentinel errors for token handling.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token has expired")
	ErrNoSecret     = errors.New("signing secret is required")
	ErrNoSubject    = errors.New("subject is required")
)
