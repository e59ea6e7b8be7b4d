package identity

import "errors"

var (
	ErrInvalidEmail      = errors.New("email format is invalid")
	ErrEmailRequired     = errors.New("email is required")
	ErrResendTooSoon     = errors.New("too many verification code requests")
	ErrChallengeRequired = errors.New("verification session is required")
	ErrChallengeInvalid  = errors.New("verification request is invalid")
	ErrCodeRequired      = errors.New("verification code is required")
	ErrCodeInvalid       = errors.New("incorrect verification code")
	ErrCodeExpired       = errors.New("verification code expired")
	ErrInvalidToken      = errors.New("invalid session token")
	ErrTokenRevoked      = errors.New("session token revoked")
)
