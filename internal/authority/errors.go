package authority

import "errors"

var (
	// ErrChannelNotReady is returned when the client has no authority
	// endpoint configured. A disabled channel is constructed instead of
	// failing, so callers discover the missing configuration on first use.
	ErrChannelNotReady = errors.New("authority channel is not ready")

	// ErrAuthorityUnavailable is returned on transport-level failures:
	// connection errors, unexpected status codes, undecodable envelopes.
	ErrAuthorityUnavailable = errors.New("authority unavailable")

	// ErrInvalidChallengeShape is returned when a prepare-challenge
	// response matches neither the identified nor the discoverable shape.
	ErrInvalidChallengeShape = errors.New("invalid challenge shape")

	// ErrLoginRejected is returned when the authority refuses an assertion
	// at the application level (invalid assertion, expired challenge).
	ErrLoginRejected = errors.New("unable to login")

	// ErrDelegationUnavailable is returned when the authority cannot issue
	// a delegation for the requested session key.
	ErrDelegationUnavailable = errors.New("delegation unavailable")
)
